// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"encoding/binary"
	"fmt"
)

// Locale is a Windows LCID attached to a hash table entry.
type Locale uint16

// LocaleNeutral marks files that are not localized.
const LocaleNeutral Locale = 0

// hashEntry represents an entry in the hash table
type hashEntry struct {
	HashA      uint32 // First hash of the file name
	HashB      uint32 // Second hash of the file name
	Locale     Locale // Locale ID
	Platform   uint16 // Platform ID (0 = default)
	BlockIndex uint32 // Index into the block table
}

// used reports whether the entry refers to a block.
func (e *hashEntry) used() bool {
	return e.BlockIndex != hashTableEmpty && e.BlockIndex != hashTableDeleted
}

// hashTable is the open addressed index from names to block indices.
type hashTable []hashEntry

// parseHashTable decodes decrypted hash table data.
func parseHashTable(data []byte, entries uint32) hashTable {
	t := make(hashTable, entries)
	for i := range t {
		b := data[i*16:]
		t[i] = hashEntry{
			HashA:      binary.LittleEndian.Uint32(b[0:]),
			HashB:      binary.LittleEndian.Uint32(b[4:]),
			Locale:     Locale(binary.LittleEndian.Uint16(b[8:])),
			Platform:   binary.LittleEndian.Uint16(b[10:]),
			BlockIndex: binary.LittleEndian.Uint32(b[12:]),
		}
	}
	return t
}

// probe calls fn for every used entry matching name, in probe order, until
// fn returns false. Never used entries end the sequence, deleted entries
// are skipped.
func (t hashTable) probe(name string, fn func(e *hashEntry) bool) {
	if len(t) == 0 {
		return
	}

	hashA := hashString(name, hashTypeNameA)
	hashB := hashString(name, hashTypeNameB)
	size := uint32(len(t))
	start := hashString(name, hashTypeTableOffset) % size

	for i := uint32(0); i < size; i++ {
		e := &t[(start+i)%size]
		if e.BlockIndex == hashTableEmpty {
			return
		}
		if e.BlockIndex == hashTableDeleted {
			continue
		}
		if e.HashA == hashA && e.HashB == hashB && !fn(e) {
			return
		}
	}
}

// find resolves name for locale. An exact locale match wins, then the
// neutral entry; when the neutral locale is requested the first match is
// accepted.
func (t hashTable) find(name string, locale Locale) (*hashEntry, bool) {
	var exact, neutral, first *hashEntry

	t.probe(name, func(e *hashEntry) bool {
		if first == nil {
			first = e
		}
		if e.Locale == locale {
			exact = e
			return false
		}
		if e.Locale == LocaleNeutral && neutral == nil {
			neutral = e
		}
		return true
	})

	switch {
	case exact != nil:
		return exact, true
	case neutral != nil:
		return neutral, true
	case locale == LocaleNeutral && first != nil:
		return first, true
	default:
		return nil, false
	}
}

// findMulti returns every entry matching name, whatever its locale.
func (t hashTable) findMulti(name string) []*hashEntry {
	var matches []*hashEntry
	t.probe(name, func(e *hashEntry) bool {
		matches = append(matches, e)
		return true
	})
	return matches
}

// checkIntegrity verifies that used entries reference distinct blocks
// inside the block table.
func (t hashTable) checkIntegrity(blockCount uint32) error {
	seen := make([]bool, blockCount)
	for i := range t {
		e := &t[i]
		if !e.used() {
			continue
		}
		if e.BlockIndex >= blockCount {
			return fmt.Errorf("hash entry %d references block %d of %d: %w", i, e.BlockIndex, blockCount, ErrCorruptTable)
		}
		if seen[e.BlockIndex] {
			return fmt.Errorf("block %d referenced twice: %w", e.BlockIndex, ErrCorruptTable)
		}
		seen[e.BlockIndex] = true
	}
	return nil
}
