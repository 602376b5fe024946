// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"encoding/binary"
	"fmt"
	"hash/adler32"
)

// VerifySectors checks the stored blocks of a file carrying FlagSectorCRC
// against its sector checksum table. Each checksum is the Adler-32 of the
// decrypted stored block; zero checksums are skipped. Files without the
// table verify trivially.
func (s *FileStream) VerifySectors() error {
	if s.closed {
		return ErrClosed
	}
	if s.crcEnd == 0 || s.inMemory {
		return nil
	}

	blocks := len(s.sectors) - 1
	start := s.sectors[blocks]
	if s.crcEnd <= start {
		return nil
	}

	raw := make([]byte, s.crcEnd-start)
	if err := s.archive.readAt(raw, s.offset+int64(start)); err != nil {
		return fmt.Errorf("read sector checksums: %w", err)
	}
	table := raw
	if want := 4 * blocks; len(raw) < want {
		table = make([]byte, want)
		if err := decompressBlock(table, raw, true); err != nil {
			return fmt.Errorf("decompress sector checksums: %w", err)
		}
	}
	if len(table) < 4*blocks {
		return fmt.Errorf("%d bytes of sector checksums for %d blocks: %w", len(table), blocks, ErrCorruptTable)
	}

	for b := 0; b < blocks; b++ {
		expected := binary.LittleEndian.Uint32(table[4*b:])
		if expected == 0 {
			continue
		}
		data := make([]byte, s.sectors[b+1]-s.sectors[b])
		if err := s.archive.readAt(data, s.offset+int64(s.sectors[b])); err != nil {
			return fmt.Errorf("read block %d: %w", b, err)
		}
		if s.file.IsEncrypted() {
			decryptBytes(data, s.seed+uint32(b))
		}
		if got := adler32.Checksum(data); got != expected {
			return fmt.Errorf("block %d adler32 0x%08X, want 0x%08X: %w", b, got, expected, ErrChecksumMismatch)
		}
	}
	return nil
}
