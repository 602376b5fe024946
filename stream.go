// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// FileStream reads the content of a File. Blocks are read, decrypted and
// decompressed on demand, one at a time. A FileStream is not safe for
// concurrent use.
type FileStream struct {
	file      *File
	archive   *Archive
	offset    int64  // start of the stored data
	length    uint32 // stream length
	stored    uint32 // bytes of stored data available from offset
	blockSize uint32
	seed      uint32
	sectors   []uint32
	crcEnd    uint32 // end of the sector checksum table, 0 if absent

	position int64
	block    int // index of the block held in buf, -1 if none
	buf      []byte
	raw      []byte
	inMemory bool
	closed   bool
}

var _ io.ReadSeekCloser = (*FileStream)(nil)

func openStream(f *File, base io.ReadSeeker) (s *FileStream, err error) {
	if base != nil {
		if c, ok := base.(io.Closer); ok {
			defer c.Close()
		}
	}

	a := f.archive
	if a.closed.Load() {
		return nil, fmt.Errorf("open %s: %w", f, ErrClosed)
	}
	if !f.open.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("open %s: %w", f, ErrFileOpen)
	}
	defer func() {
		if err != nil {
			f.open.Store(false)
		}
	}()

	s = &FileStream{
		file:      f,
		archive:   a,
		offset:    f.offset,
		length:    f.size,
		stored:    f.compressedSize,
		blockSize: uint32(a.header.BlockSize),
		block:     -1,
	}

	var info *patchInfo
	if f.IsPatch() {
		if base == nil {
			if base, err = a.resolveBaseFile(f); err != nil {
				return nil, err
			}
			if c, ok := base.(io.Closer); ok {
				defer c.Close()
			}
		}
		if info, err = readPatchInfo(a, f.offset); err != nil {
			return nil, fmt.Errorf("open %s: %w", f, err)
		}
		if info.HeaderLength > s.stored {
			return nil, fmt.Errorf("open %s: patch header of %d bytes: %w", f, info.HeaderLength, ErrMalformedData)
		}
		s.offset += int64(info.HeaderLength)
		s.stored -= info.HeaderLength
		s.length = info.PatchLength
	}

	if f.IsEncrypted() {
		seed, ok := f.baseSeed()
		if !ok {
			return nil, fmt.Errorf("open %s: %w", f, ErrMissingSeed)
		}
		s.seed = adjustSeed(seed, f.offset, s.length, f.flags)
	}

	if err := s.loadSectorTable(); err != nil {
		return nil, fmt.Errorf("open %s: %w", f, err)
	}

	a.log.WithFields(logrus.Fields{
		"index":      f.index,
		"name":       f.Name(),
		"size":       s.length,
		"packedSize": f.compressedSize,
		"flags":      fmt.Sprintf("0x%08X", f.flags),
	}).Debug("open file")

	if info != nil {
		if err := s.applyPatch(info, base); err != nil {
			return nil, fmt.Errorf("patch %s: %w", f, err)
		}
	}

	return s, nil
}

// loadSectorTable reads or synthesizes the offsets of the stored blocks.
func (s *FileStream) loadSectorTable() error {
	f := s.file

	switch {
	case s.length == 0:
		s.sectors = []uint32{0}
		return nil

	case f.flags&FlagSingleUnit != 0:
		s.blockSize = s.length
		s.sectors = []uint32{0, s.stored}
		return nil

	case !f.IsCompressed():
		count := (s.length + s.blockSize - 1) / s.blockSize
		s.sectors = make([]uint32, count+1)
		for i := uint32(1); i <= count; i++ {
			s.sectors[i] = min(i*s.blockSize, s.length)
		}
		if s.sectors[count] > s.stored {
			return fmt.Errorf("%d bytes stored for %d: %w", s.stored, s.length, ErrCorruptTable)
		}
		return nil
	}

	count := (s.length-1)/s.blockSize + 2
	entries := count
	if f.flags&FlagSectorCRC != 0 {
		// One more entry ends the sector checksum table.
		entries++
	}
	raw := make([]byte, 4*entries)
	if err := s.archive.readAt(raw, s.offset); err != nil {
		return fmt.Errorf("read sector table: %w", err)
	}
	if f.IsEncrypted() {
		decryptBytes(raw, s.seed-1)
	}

	offsets := make([]uint32, entries)
	for i := range offsets {
		offsets[i] = binary.LittleEndian.Uint32(raw[4*i:])
	}
	for i := 1; i < len(offsets); i++ {
		if offsets[i] < offsets[i-1] {
			return fmt.Errorf("sector %d ends before it starts: %w", i-1, ErrCorruptTable)
		}
	}
	if offsets[0] < 4*entries || offsets[entries-1] > s.stored {
		return fmt.Errorf("sector table [0x%X, 0x%X] outside %d stored bytes: %w",
			offsets[0], offsets[entries-1], s.stored, ErrCorruptTable)
	}
	s.sectors = offsets[:count]
	if entries > count {
		s.crcEnd = offsets[count]
	}
	return nil
}

// blockLength returns the decoded length of block b.
func (s *FileStream) blockLength(b int) uint32 {
	start := uint32(b) * s.blockSize
	return min(s.blockSize, s.length-start)
}

// loadBlock makes block b the current block.
func (s *FileStream) loadBlock(b int) error {
	if b == s.block {
		return nil
	}
	if b+1 >= len(s.sectors) {
		return fmt.Errorf("block %d of %d: %w", b, len(s.sectors)-1, ErrCorruptTable)
	}

	want := s.blockLength(b)
	rawLen := s.sectors[b+1] - s.sectors[b]
	compressed := rawLen != want

	if cap(s.buf) < int(want) {
		s.buf = make([]byte, s.blockSize)
	}
	s.buf = s.buf[:want]
	s.block = -1

	dst := s.buf
	if compressed {
		if cap(s.raw) < int(rawLen) {
			s.raw = make([]byte, max(rawLen, s.blockSize))
		}
		dst = s.raw[:rawLen]
	}

	if err := s.archive.readAt(dst, s.offset+int64(s.sectors[b])); err != nil {
		return fmt.Errorf("read block %d: %w", b, err)
	}
	if s.file.IsEncrypted() {
		decryptBytes(dst, s.seed+uint32(b))
	}

	if compressed {
		flags := s.file.flags
		if flags&(FlagCompress|FlagImplode) == 0 {
			return fmt.Errorf("block %d stores %d bytes for %d: %w", b, rawLen, want, ErrCorruptTable)
		}
		if err := decompressBlock(s.buf, dst, flags&FlagCompress != 0); err != nil {
			return fmt.Errorf("block %d: %w", b, err)
		}
	}

	s.block = b
	return nil
}

// Read implements io.Reader.
func (s *FileStream) Read(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if s.position >= int64(s.length) {
		return 0, io.EOF
	}

	n := 0
	for n < len(p) && s.position < int64(s.length) {
		b := int(s.position / int64(s.blockSize))
		if !s.inMemory {
			if err := s.loadBlock(b); err != nil {
				return n, err
			}
		}
		off := s.position - int64(b)*int64(s.blockSize)
		c := copy(p[n:], s.buf[off:])
		n += c
		s.position += int64(c)
	}
	return n, nil
}

// Seek implements io.Seeker. Seeking past the end is allowed; reading
// there returns io.EOF.
func (s *FileStream) Seek(offset int64, whence int) (int64, error) {
	if s.closed {
		return 0, ErrClosed
	}

	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = s.position + offset
	case io.SeekEnd:
		pos = int64(s.length) + offset
	default:
		return 0, errors.New("mpq: invalid whence")
	}
	if pos < 0 {
		return 0, errors.New("mpq: negative position")
	}
	s.position = pos
	return pos, nil
}

// Len returns the length of the stream.
func (s *FileStream) Len() int64 { return int64(s.length) }

// Size is the same as Len.
func (s *FileStream) Size() int64 { return s.Len() }

// File returns the file read by the stream.
func (s *FileStream) File() *File { return s.file }

// Close releases the stream so that the file can be opened again.
func (s *FileStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.buf = nil
	s.raw = nil
	s.file.open.Store(false)
	return nil
}
