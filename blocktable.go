// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"
)

// blockEntry represents an entry in the block table
type blockEntry struct {
	FilePos        uint32 // Offset of the file data (low 32 bits)
	CompressedSize uint32 // Compressed file size
	FileSize       uint32 // Uncompressed file size
	Flags          uint32 // File flags
}

// parseBlockTable decodes decrypted block table data.
func parseBlockTable(data []byte, entries uint32) []blockEntry {
	t := make([]blockEntry, entries)
	for i := range t {
		b := data[i*16:]
		t[i] = blockEntry{
			FilePos:        binary.LittleEndian.Uint32(b[0:]),
			CompressedSize: binary.LittleEndian.Uint32(b[4:]),
			FileSize:       binary.LittleEndian.Uint32(b[8:]),
			Flags:          binary.LittleEndian.Uint32(b[12:]),
		}
	}
	return t
}

// fileIdent is the name of a file once it has been detected.
type fileIdent struct {
	name   string
	seed   uint32
	listed bool
}

// File is an entry of the block table. Files are created when the archive
// is opened and live as long as the archive.
type File struct {
	archive        *Archive
	index          int
	offset         int64
	compressedSize uint32
	size           uint32
	flags          uint32
	locale         Locale

	ident atomic.Pointer[fileIdent]
	// recovered holds a seed found without the file name, plus one.
	recovered atomic.Uint64
	open      atomic.Bool
}

func newFile(a *Archive, index int, e blockEntry, hi uint16) *File {
	return &File{
		archive:        a,
		index:          index,
		offset:         int64(e.FilePos) | int64(hi)<<32,
		compressedSize: e.CompressedSize,
		size:           e.FileSize,
		flags:          e.Flags,
	}
}

// detectName associates name with the file. A listed name replaces a name
// found any other way; otherwise the first name sticks.
func (f *File) detectName(name string, listed bool) {
	next := &fileIdent{name: name, seed: fileSeed(name), listed: listed}
	for {
		cur := f.ident.Load()
		if cur != nil && (cur.listed || !listed) {
			return
		}
		if f.ident.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Archive returns the archive containing the file.
func (f *File) Archive() *Archive { return f.archive }

// Index returns the position of the file in the block table.
func (f *File) Index() int { return f.index }

// Name returns the name of the file, or "" if it is not known yet.
func (f *File) Name() string {
	if id := f.ident.Load(); id != nil {
		return id.name
	}
	return ""
}

// Listed reports whether the name was found in the listfile.
func (f *File) Listed() bool {
	id := f.ident.Load()
	return id != nil && id.listed
}

// Offset returns the position of the file data relative to the archive start.
func (f *File) Offset() int64 { return f.offset }

// Size returns the uncompressed size of the file.
func (f *File) Size() int64 { return int64(f.size) }

// CompressedSize returns the size of the stored file data.
func (f *File) CompressedSize() int64 { return int64(f.compressedSize) }

// Flags returns the raw block table flags.
func (f *File) Flags() uint32 { return f.flags }

// Locale returns the locale of the hash entry bound to the file.
func (f *File) Locale() Locale { return f.locale }

// IsCompressed reports whether the file uses any compression.
func (f *File) IsCompressed() bool { return f.flags&(FlagCompress|FlagImplode) != 0 }

// IsEncrypted reports whether the file data is encrypted.
func (f *File) IsEncrypted() bool { return f.flags&FlagEncrypted != 0 }

// IsPatch reports whether the file is a patch to a file of a base archive.
func (f *File) IsPatch() bool { return f.flags&FlagPatchFile != 0 }

// IsDeleted reports whether the file is a deletion marker.
func (f *File) IsDeleted() bool { return f.flags&FlagDeleteMarker != 0 }

// Exists reports whether the block is in use.
func (f *File) Exists() bool { return f.flags&FlagExists != 0 }

func (f *File) String() string {
	if name := f.Name(); name != "" {
		return name
	}
	return fmt.Sprintf("File%08d", f.index)
}

// baseSeed returns the seed derived from the file name, or a recovered one.
func (f *File) baseSeed() (uint32, bool) {
	if id := f.ident.Load(); id != nil {
		return id.seed, true
	}
	if v := f.recovered.Load(); v != 0 {
		return uint32(v - 1), true
	}
	return 0, false
}

// RecoverSeed tries to find the decryption seed of an encrypted file whose
// name is unknown. It only works for compressed files split in sectors,
// using the known size of the sector offset table.
func (f *File) RecoverSeed() error {
	if !f.IsEncrypted() {
		return nil
	}
	if _, ok := f.baseSeed(); ok {
		return nil
	}
	if !f.IsCompressed() || f.flags&FlagSingleUnit != 0 || f.IsPatch() || f.size == 0 {
		return fmt.Errorf("file %d: %w", f.index, ErrMissingSeed)
	}

	blockSize := uint32(f.archive.header.BlockSize)
	count := (f.size-1)/blockSize + 2
	raw := make([]byte, 8)
	if err := f.archive.readAt(raw, f.offset); err != nil {
		return fmt.Errorf("read sector table: %w", err)
	}
	enc0 := binary.LittleEndian.Uint32(raw[0:])
	enc1 := binary.LittleEndian.Uint32(raw[4:])
	want := count * 4
	if f.flags&FlagSectorCRC != 0 {
		want += 4
	}
	table := cryptTable()

	for i := uint32(0); i < 0x100; i++ {
		// The first entry of the sector table is its own size.
		key := (want ^ enc0) - 0xEEEEEEEE - table[0x400+i]
		if key&0xFF != i {
			continue
		}
		words := []uint32{enc0, enc1}
		decryptBlock(words, key)
		if words[0] != want || words[1] < want || words[1]-words[0] > blockSize {
			continue
		}
		// The sector table key is the file key minus one.
		seed := key + 1
		if f.flags&FlagFixKey != 0 {
			seed = (seed ^ f.size) - uint32(f.offset)
		}
		f.recovered.Store(uint64(seed) + 1)
		return nil
	}

	return fmt.Errorf("file %d: %w", f.index, ErrMissingSeed)
}

// Open opens the file for reading. Patch files resolve their base file
// through the archive's BaseFileResolver.
func (f *File) Open() (*FileStream, error) {
	return f.OpenWithBase(nil)
}

// OpenWithBase opens the file for reading, using base as the base file when
// f is a patch. If base implements io.Closer it is closed before
// OpenWithBase returns.
func (f *File) OpenWithBase(base io.ReadSeeker) (*FileStream, error) {
	return openStream(f, base)
}
