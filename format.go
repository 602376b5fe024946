// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MPQ format constants
const (
	// Magic signature "MPQ\x1A" in little-endian
	mpqMagic = 0x1A51504D
	// Magic signature "MPQ\x1B" of the user data block
	userDataMagic = 0x1B51504D

	// Minimum header sizes
	headerSizeV1       = 0x20
	headerSizeV2       = 0x2C
	headerSizeEnhanced = 0x44
	headerSizeV4       = 0xD0

	userDataHeaderSize = 16

	// Hash table entry constants
	hashTableEmpty   = 0xFFFFFFFF
	hashTableDeleted = 0xFFFFFFFE
)

// Block table entry flags
const (
	FlagImplode      = 0x00000100 // Imploded (PKWARE compression)
	FlagCompress     = 0x00000200 // Compressed (multi-algorithm)
	FlagEncrypted    = 0x00010000 // Encrypted
	FlagFixKey       = 0x00020000 // Key adjusted by block offset
	FlagPatchFile    = 0x00100000 // Patch file
	FlagSingleUnit   = 0x01000000 // Single unit (not split into sectors)
	FlagDeleteMarker = 0x02000000 // File is a deletion marker
	FlagSectorCRC    = 0x04000000 // Sector CRC values after data
	FlagExists       = 0x80000000 // File exists
)

// FormatVersion identifies the layout of an archive header.
type FormatVersion uint16

const (
	// FormatOriginal is the original format, limited to 4GB.
	FormatOriginal FormatVersion = 0
	// FormatExtended adds 64-bit offsets (The Burning Crusade).
	FormatExtended FormatVersion = 1
	// FormatEnhancedV1 adds a 64-bit archive size and HET/BET tables (Cataclysm beta).
	FormatEnhancedV1 FormatVersion = 2
	// FormatEnhancedV2 adds compressed table sizes (Cataclysm).
	FormatEnhancedV2 FormatVersion = 3
)

func (v FormatVersion) String() string {
	switch v {
	case FormatOriginal:
		return "original"
	case FormatExtended:
		return "extended"
	case FormatEnhancedV1:
		return "enhanced-v1"
	case FormatEnhancedV2:
		return "enhanced-v2"
	default:
		return fmt.Sprintf("FormatVersion(%d)", uint16(v))
	}
}

// baseHeader is the MPQ archive header common to all versions, after the
// signature (28 bytes)
type baseHeader struct {
	HeaderSize       uint32 // Size of this header
	ArchiveSize      uint32 // Size of the entire archive (deprecated in V2)
	FormatVersion    uint16 // Format version
	SectorSizeShift  uint16 // Power of 2 for sector size
	HashTableOffset  uint32 // Offset to hash table (low 32 bits)
	BlockTableOffset uint32 // Offset to block table (low 32 bits)
	HashTableSize    uint32 // Number of entries in hash table
	BlockTableSize   uint32 // Number of entries in block table
}

// extendedHeader contains the fields added by format version 1 (12 bytes)
type extendedHeader struct {
	HiBlockTableOffset64 uint64 // 64-bit offset to the hi-block table
	HashTableOffsetHi    uint16 // High 16 bits of hash table offset
	BlockTableOffsetHi   uint16 // High 16 bits of block table offset
}

// enhancedHeader contains the fields added by format version 2 (24 bytes)
type enhancedHeader struct {
	ArchiveSize64    uint64
	BetTableOffset64 uint64
	HetTableOffset64 uint64
}

// tableSizesHeader contains the fields added by format version 3 (44 bytes)
type tableSizesHeader struct {
	HashTableSize64    uint64
	BlockTableSize64   uint64
	HiBlockTableSize64 uint64
	HetTableSize64     uint64
	BetTableSize64     uint64
	RawChunkSize       uint32
}

// Header describes the layout of an opened archive. All table offsets are
// relative to ArchiveOffset.
type Header struct {
	Format     FormatVersion
	HeaderSize uint32
	// ArchiveSize is recomputed from the table layout for formats without
	// a 64-bit size field.
	ArchiveSize int64
	BlockSize   int

	HashTableOffset    int64
	BlockTableOffset   int64
	HiBlockTableOffset int64 // 0 when absent
	HetTableOffset     int64 // 0 when absent
	BetTableOffset     int64 // 0 when absent

	HashTableEntries  uint32
	BlockTableEntries uint32

	// Stored sizes of the tables; they differ from the raw sizes only for
	// compressed tables.
	HashTableSize    int64
	BlockTableSize   int64
	HiBlockTableSize int64
	HetTableSize     int64
	BetTableSize     int64
	RawChunkSize     uint32

	// ArchiveOffset is the position of the archive header in the source.
	ArchiveOffset int64

	// User data block preceding the archive, if any.
	HasUserData    bool
	UserDataOffset int64
	UserDataSize   int64
}

// readHeader locates and decodes the archive header. The search starts at
// the current position of r, following a user data block if present.
func readHeader(r io.ReadSeeker) (Header, error) {
	var h Header

	start, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return h, fmt.Errorf("get start position: %w", err)
	}

	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return h, fmt.Errorf("read signature: %w", readError(err))
	}

	archiveOffset := start
	if magic == userDataMagic {
		var ud struct {
			Size         uint32
			HeaderOffset uint32
			HeaderSize   uint32
		}
		if err := binary.Read(r, binary.LittleEndian, &ud); err != nil {
			return h, fmt.Errorf("read user data header: %w", readError(err))
		}
		h.HasUserData = true
		h.UserDataOffset = start + userDataHeaderSize
		h.UserDataSize = int64(ud.Size)
		archiveOffset = start + int64(ud.HeaderOffset)

		if _, err := r.Seek(archiveOffset, io.SeekStart); err != nil {
			return h, fmt.Errorf("seek to archive header: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
			return h, fmt.Errorf("read signature: %w", readError(err))
		}
	}

	if magic != mpqMagic {
		return h, fmt.Errorf("signature 0x%08X: %w", magic, ErrInvalidSignature)
	}
	h.ArchiveOffset = archiveOffset

	var base baseHeader
	if err := binary.Read(r, binary.LittleEndian, &base); err != nil {
		return h, fmt.Errorf("read header: %w", readError(err))
	}

	h.Format = FormatVersion(base.FormatVersion)
	h.HeaderSize = base.HeaderSize
	h.ArchiveSize = int64(base.ArchiveSize)
	h.BlockSize = 0x200 << base.SectorSizeShift
	h.HashTableOffset = int64(base.HashTableOffset)
	h.BlockTableOffset = int64(base.BlockTableOffset)
	h.HashTableEntries = base.HashTableSize
	h.BlockTableEntries = base.BlockTableSize
	h.HashTableSize = 16 * int64(base.HashTableSize)
	h.BlockTableSize = 16 * int64(base.BlockTableSize)

	if err := checkHeaderSize(h.Format, h.HeaderSize); err != nil {
		return h, err
	}

	if h.Format >= FormatExtended {
		var ext extendedHeader
		if err := binary.Read(r, binary.LittleEndian, &ext); err != nil {
			return h, fmt.Errorf("read extended header: %w", readError(err))
		}
		h.HashTableOffset |= int64(ext.HashTableOffsetHi) << 32
		h.BlockTableOffset |= int64(ext.BlockTableOffsetHi) << 32
		h.HiBlockTableOffset = int64(ext.HiBlockTableOffset64)
		if h.HiBlockTableOffset != 0 {
			h.HiBlockTableSize = 2 * int64(h.BlockTableEntries)
		}

		if h.Format >= FormatEnhancedV1 && h.HeaderSize >= headerSizeEnhanced {
			var enh enhancedHeader
			if err := binary.Read(r, binary.LittleEndian, &enh); err != nil {
				return h, fmt.Errorf("read enhanced header: %w", readError(err))
			}
			h.ArchiveSize = int64(enh.ArchiveSize64)
			h.BetTableOffset = int64(enh.BetTableOffset64)
			h.HetTableOffset = int64(enh.HetTableOffset64)

			if h.Format >= FormatEnhancedV2 {
				var sizes tableSizesHeader
				if err := binary.Read(r, binary.LittleEndian, &sizes); err != nil {
					return h, fmt.Errorf("read table sizes: %w", readError(err))
				}
				h.HashTableSize = int64(sizes.HashTableSize64)
				h.BlockTableSize = int64(sizes.BlockTableSize64)
				h.HiBlockTableSize = int64(sizes.HiBlockTableSize64)
				h.HetTableSize = int64(sizes.HetTableSize64)
				h.BetTableSize = int64(sizes.BetTableSize64)
				h.RawChunkSize = sizes.RawChunkSize
			}
		} else {
			h.ArchiveSize = h.tablesEnd()
		}
	}

	if err := h.validate(); err != nil {
		return h, err
	}

	return h, nil
}

func checkHeaderSize(format FormatVersion, size uint32) error {
	var ok bool
	switch format {
	case FormatOriginal:
		ok = size >= headerSizeV1
	case FormatExtended:
		ok = size >= headerSizeV2
	case FormatEnhancedV1:
		ok = size == headerSizeV2 || size >= headerSizeEnhanced
	case FormatEnhancedV2:
		ok = size >= headerSizeV4
	default:
		return fmt.Errorf("format version %d: %w", uint16(format), ErrUnsupportedVersion)
	}
	if !ok {
		return fmt.Errorf("header size 0x%X for %s format: %w", size, format, ErrCorruptHeader)
	}
	return nil
}

// tablesEnd returns the end of the table stored last in the archive.
func (h *Header) tablesEnd() int64 {
	switch {
	case h.HiBlockTableOffset > h.HashTableOffset && h.HiBlockTableOffset > h.BlockTableOffset:
		return h.HiBlockTableOffset + 2*int64(h.BlockTableEntries)
	case h.BlockTableOffset > h.HashTableOffset:
		return h.BlockTableOffset + 16*int64(h.BlockTableEntries)
	default:
		return h.HashTableOffset + 16*int64(h.HashTableEntries)
	}
}

func (h *Header) validate() error {
	check := func(name string, offset int64) error {
		if offset < 0 || offset >= h.ArchiveSize {
			return fmt.Errorf("%s offset 0x%X outside archive of size 0x%X: %w", name, offset, h.ArchiveSize, ErrCorruptHeader)
		}
		return nil
	}

	if err := check("header", int64(h.HeaderSize)); err != nil {
		return err
	}
	if err := check("hash table", h.HashTableOffset); err != nil {
		return err
	}
	if err := check("block table", h.BlockTableOffset); err != nil {
		return err
	}
	if h.HiBlockTableOffset != 0 {
		if err := check("hi-block table", h.HiBlockTableOffset); err != nil {
			return err
		}
	}
	if h.HetTableOffset != 0 {
		if err := check("HET table", h.HetTableOffset); err != nil {
			return err
		}
	}
	if h.BetTableOffset != 0 {
		if err := check("BET table", h.BetTableOffset); err != nil {
			return err
		}
	}
	if h.HashTableEntries < h.BlockTableEntries {
		return fmt.Errorf("%d hash entries for %d blocks: %w", h.HashTableEntries, h.BlockTableEntries, ErrCorruptHeader)
	}
	if h.HashTableEntries == 0 {
		return fmt.Errorf("empty hash table: %w", ErrCorruptHeader)
	}
	return nil
}

// readError maps short reads to ErrTruncatedRead.
func readError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", ErrTruncatedRead, err)
	}
	return err
}
