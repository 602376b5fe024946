// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"encoding/binary"
	"sync"
)

// Hash types for the hash function
const (
	hashTypeTableOffset = 0
	hashTypeNameA       = 1
	hashTypeNameB       = 2
	hashTypeFileKey     = 3
)

// Keys of the hash and block tables.
var (
	hashTableKey  = hashString("(hash table)", hashTypeFileKey)
	blockTableKey = hashString("(block table)", hashTypeFileKey)
)

// cryptTable returns the encryption/hash lookup table, building it on first use.
var cryptTable = sync.OnceValue(func() *[0x500]uint32 {
	var table [0x500]uint32
	seed := uint32(0x00100001)

	for index1 := 0; index1 < 0x100; index1++ {
		index2 := index1
		for i := 0; i < 5; i++ {
			seed = (seed*125 + 3) % 0x2AAAAB
			temp1 := (seed & 0xFFFF) << 0x10

			seed = (seed*125 + 3) % 0x2AAAAB
			temp2 := seed & 0xFFFF

			table[index2] = temp1 | temp2
			index2 += 0x100
		}
	}

	return &table
})

// hashString computes the MPQ hash of a name.
// Letters fold to upper case and characters outside ASCII hash as '?'.
// Separators are hashed as they are.
func hashString(s string, hashType uint32) uint32 {
	table := cryptTable()
	seed1 := uint32(0x7FED7FED)
	seed2 := uint32(0xEEEEEEEE)

	for _, r := range s {
		var ch uint32
		switch {
		case r >= 0x80:
			ch = '?'
		case r >= 'a' && r <= 'z':
			ch = uint32(r) - 0x20
		default:
			ch = uint32(r)
		}

		seed1 = table[hashType<<8+ch] ^ (seed1 + seed2)
		seed2 = ch + seed1 + seed2 + (seed2 << 5) + 3
	}

	return seed1
}

// encryptBlock encrypts a block of data in place
func encryptBlock(data []uint32, key uint32) {
	table := cryptTable()
	seed := uint32(0xEEEEEEEE)

	for i := range data {
		seed += table[0x400+(key&0xFF)]
		plain := data[i]
		data[i] = plain ^ (key + seed)
		key = ((^key << 0x15) + 0x11111111) | (key >> 0x0B)
		seed = plain + seed + (seed << 5) + 3
	}
}

// decryptBlock decrypts a block of data in place
func decryptBlock(data []uint32, key uint32) {
	table := cryptTable()
	seed := uint32(0xEEEEEEEE)

	for i := range data {
		seed += table[0x400+(key&0xFF)]
		plain := data[i] ^ (key + seed)
		key = ((^key << 0x15) + 0x11111111) | (key >> 0x0B)
		seed = plain + seed + (seed << 5) + 3
		data[i] = plain
	}
}

// decryptBytes decrypts the whole little-endian words of data in place.
// Up to three trailing bytes are not encrypted and stay untouched.
func decryptBytes(data []byte, key uint32) {
	table := cryptTable()
	seed := uint32(0xEEEEEEEE)

	for i := 0; i+4 <= len(data); i += 4 {
		seed += table[0x400+(key&0xFF)]
		plain := binary.LittleEndian.Uint32(data[i:]) ^ (key + seed)
		key = ((^key << 0x15) + 0x11111111) | (key >> 0x0B)
		seed = plain + seed + (seed << 5) + 3
		binary.LittleEndian.PutUint32(data[i:], plain)
	}
}

// encryptBytes is the inverse of decryptBytes.
func encryptBytes(data []byte, key uint32) {
	table := cryptTable()
	seed := uint32(0xEEEEEEEE)

	for i := 0; i+4 <= len(data); i += 4 {
		seed += table[0x400+(key&0xFF)]
		plain := binary.LittleEndian.Uint32(data[i:])
		binary.LittleEndian.PutUint32(data[i:], plain^(key+seed))
		key = ((^key << 0x15) + 0x11111111) | (key >> 0x0B)
		seed = plain + seed + (seed << 5) + 3
	}
}

// fileSeed computes the base encryption seed of a file from its name.
// Only the part after the last path separator is hashed.
func fileSeed(filename string) uint32 {
	plainName := filename
	if idx := lastIndexOfSlash(filename); idx >= 0 {
		plainName = filename[idx+1:]
	}
	return hashString(plainName, hashTypeFileKey)
}

// adjustSeed applies the FIX_KEY transform for position encrypted files.
func adjustSeed(seed uint32, offset int64, length uint32, flags uint32) uint32 {
	if flags&FlagFixKey != 0 {
		seed = (seed + uint32(offset)) ^ length
	}
	return seed
}

// lastIndexOfSlash finds the last path separator in a string
func lastIndexOfSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '\\' || s[i] == '/' {
			return i
		}
	}
	return -1
}
