// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"
)

const (
	attributesVersion = 100

	attributesFlagCRC32    = 0x00000001
	attributesFlagFileTime = 0x00000002
	attributesFlagMD5      = 0x00000004
	attributesFlagPatchBit = 0x00000008
)

// Difference between the FILETIME epoch (1601) and the Unix epoch, in
// 100ns intervals.
const fileTimeUnixDelta = 116444736000000000

// Attributes holds the per block values stored in (attributes). Each
// present array has one value per block table entry.
type Attributes struct {
	Version  uint32
	Flags    uint32
	CRC32    []uint32
	FileTime []uint64
	MD5      [][md5.Size]byte
	Patch    []bool
}

// parseAttributes decodes (attributes) data for count blocks. Some writers
// leave out the entry of (attributes) itself, so count-1 entries are
// accepted too.
func parseAttributes(data []byte, count int) (*Attributes, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("attributes of %d bytes: %w", len(data), ErrMalformedData)
	}
	at := &Attributes{
		Version: binary.LittleEndian.Uint32(data[0:]),
		Flags:   binary.LittleEndian.Uint32(data[4:]),
	}
	if at.Version != attributesVersion {
		return nil, fmt.Errorf("attributes version %d: %w", at.Version, ErrMalformedData)
	}

	size := func(n int) int {
		total := 8
		if at.Flags&attributesFlagCRC32 != 0 {
			total += 4 * n
		}
		if at.Flags&attributesFlagFileTime != 0 {
			total += 8 * n
		}
		if at.Flags&attributesFlagMD5 != 0 {
			total += md5.Size * n
		}
		if at.Flags&attributesFlagPatchBit != 0 {
			total += (n + 7) / 8
		}
		return total
	}

	n := count
	if len(data) < size(n) {
		if n == 0 || len(data) < size(n-1) {
			return nil, fmt.Errorf("attributes of %d bytes for %d blocks: %w", len(data), count, ErrMalformedData)
		}
		n--
	}

	p := data[8:]
	if at.Flags&attributesFlagCRC32 != 0 {
		at.CRC32 = make([]uint32, n)
		for i := range at.CRC32 {
			at.CRC32[i] = binary.LittleEndian.Uint32(p[4*i:])
		}
		p = p[4*n:]
	}
	if at.Flags&attributesFlagFileTime != 0 {
		at.FileTime = make([]uint64, n)
		for i := range at.FileTime {
			at.FileTime[i] = binary.LittleEndian.Uint64(p[8*i:])
		}
		p = p[8*n:]
	}
	if at.Flags&attributesFlagMD5 != 0 {
		at.MD5 = make([][md5.Size]byte, n)
		for i := range at.MD5 {
			copy(at.MD5[i][:], p[md5.Size*i:])
		}
		p = p[md5.Size*n:]
	}
	if at.Flags&attributesFlagPatchBit != 0 {
		at.Patch = make([]bool, n)
		for i := range at.Patch {
			at.Patch[i] = p[i/8]&(1<<(i%8)) != 0
		}
	}
	return at, nil
}

// ModTime returns the modification time of block index, if recorded.
func (at *Attributes) ModTime(index int) (time.Time, bool) {
	if index < 0 || index >= len(at.FileTime) || at.FileTime[index] == 0 {
		return time.Time{}, false
	}
	ft := int64(at.FileTime[index]) - fileTimeUnixDelta
	return time.Unix(0, ft*100).UTC(), true
}

// Attributes reads and parses (attributes). It returns nil if the archive
// has none.
func (a *Archive) Attributes() (*Attributes, error) {
	f := a.FindFileLocale(attributesName, LocaleNeutral)
	if f == nil || f.IsDeleted() {
		return nil, nil
	}

	s, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open attributes: %w", err)
	}
	defer s.Close()

	data, err := readAll(s)
	if err != nil {
		return nil, err
	}
	return parseAttributes(data, len(a.files))
}

// VerifyFile checks the content of f against the CRC32 and MD5 recorded in
// (attributes). Zero values are not checked, nor are files of archives
// without attributes.
func (a *Archive) VerifyFile(f *File) error {
	at, err := a.Attributes()
	if err != nil {
		return err
	}
	if at == nil || f.IsDeleted() {
		return nil
	}

	var (
		wantCRC uint32
		wantMD5 [md5.Size]byte
	)
	if f.index < len(at.CRC32) {
		wantCRC = at.CRC32[f.index]
	}
	if f.index < len(at.MD5) {
		wantMD5 = at.MD5[f.index]
	}
	if wantCRC == 0 && wantMD5 == ([md5.Size]byte{}) {
		return nil
	}

	s, err := f.Open()
	if err != nil {
		return err
	}
	defer s.Close()
	data, err := readAll(s)
	if err != nil {
		return err
	}

	if wantCRC != 0 {
		if got := crc32.ChecksumIEEE(data); got != wantCRC {
			return fmt.Errorf("%s: crc32 0x%08X, want 0x%08X: %w", f, got, wantCRC, ErrChecksumMismatch)
		}
	}
	if wantMD5 != ([md5.Size]byte{}) {
		if got := md5.Sum(data); !bytes.Equal(got[:], wantMD5[:]) {
			return fmt.Errorf("%s: md5 %x, want %x: %w", f, got, wantMD5, ErrChecksumMismatch)
		}
	}
	return nil
}
