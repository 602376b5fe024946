// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/adler32"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/require"
)

// testFile describes a file written by archiveBuilder.
type testFile struct {
	name   string
	data   []byte // content of the file
	locale Locale
	flags  uint32 // block flags besides FlagExists

	stored     []byte   // single unit data written verbatim
	rawSectors [][]byte // stored sectors written verbatim behind a sector table
	patch      []byte   // patch stream; data holds the patched content

	// hashOnly adds a hash entry pointing to blockIndex without a block.
	hashOnly   bool
	blockIndex uint32
}

// archiveBuilder writes archives in memory.
type archiveBuilder struct {
	format         FormatVersion
	sectorShift    uint16
	hashEntries    uint32
	files          []testFile
	userData       []byte
	hiBlock        map[int]uint16 // non-nil writes a hi-block table
	compressTables bool
	strongSig      []byte
}

var le = binary.LittleEndian

func (b *archiveBuilder) build(t testing.TB) []byte {
	t.Helper()

	headerSize := map[FormatVersion]int{
		FormatOriginal:   headerSizeV1,
		FormatExtended:   headerSizeV2,
		FormatEnhancedV1: headerSizeEnhanced,
		FormatEnhancedV2: headerSizeV4,
	}[b.format]
	blockSize := 0x200 << b.sectorShift
	hashSize := b.hashEntries
	if hashSize == 0 {
		hashSize = 16
	}

	arc := make([]byte, headerSize)

	// Initialize hash table with empty entries
	hashTable := make([]hashEntry, hashSize)
	for i := range hashTable {
		hashTable[i] = hashEntry{
			HashA:      0xFFFFFFFF,
			HashB:      0xFFFFFFFF,
			Locale:     0xFFFF,
			Platform:   0xFFFF,
			BlockIndex: hashTableEmpty,
		}
	}

	var blocks []blockEntry
	for _, f := range b.files {
		if f.hashOnly {
			insertHash(t, hashTable, f.name, f.locale, f.blockIndex)
			continue
		}
		stored, entry := encodeFile(t, f, len(arc), blockSize)
		arc = append(arc, stored...)
		insertHash(t, hashTable, f.name, f.locale, uint32(len(blocks)))
		blocks = append(blocks, entry)
	}

	hashData := make([]byte, 16*len(hashTable))
	for i, e := range hashTable {
		p := hashData[16*i:]
		le.PutUint32(p[0:], e.HashA)
		le.PutUint32(p[4:], e.HashB)
		le.PutUint16(p[8:], uint16(e.Locale))
		le.PutUint16(p[10:], e.Platform)
		le.PutUint32(p[12:], e.BlockIndex)
	}
	blockData := make([]byte, 16*len(blocks))
	for i, e := range blocks {
		p := blockData[16*i:]
		le.PutUint32(p[0:], e.FilePos)
		le.PutUint32(p[4:], e.CompressedSize)
		le.PutUint32(p[8:], e.FileSize)
		le.PutUint32(p[12:], e.Flags)
	}

	hashStored := b.table(t, hashData, hashTableKey)
	hashOffset := len(arc)
	arc = append(arc, hashStored...)

	blockStored := b.table(t, blockData, blockTableKey)
	blockOffset := len(arc)
	arc = append(arc, blockStored...)

	var hiOffset, hiSize int
	if b.hiBlock != nil {
		hiOffset = len(arc)
		for i := range blocks {
			arc = le.AppendUint16(arc, b.hiBlock[i])
		}
		hiSize = len(arc) - hiOffset
	}

	hdr := arc[:headerSize]
	le.PutUint32(hdr[0:], mpqMagic)
	le.PutUint32(hdr[4:], uint32(headerSize))
	le.PutUint32(hdr[8:], uint32(len(arc)))
	le.PutUint16(hdr[12:], uint16(b.format))
	le.PutUint16(hdr[14:], b.sectorShift)
	le.PutUint32(hdr[16:], uint32(hashOffset))
	le.PutUint32(hdr[20:], uint32(blockOffset))
	le.PutUint32(hdr[24:], hashSize)
	le.PutUint32(hdr[28:], uint32(len(blocks)))
	if b.format >= FormatExtended {
		le.PutUint64(hdr[32:], uint64(hiOffset))
	}
	if b.format >= FormatEnhancedV1 {
		le.PutUint64(hdr[44:], uint64(len(arc)))
	}
	if b.format >= FormatEnhancedV2 {
		le.PutUint64(hdr[68:], uint64(len(hashStored)))
		le.PutUint64(hdr[76:], uint64(len(blockStored)))
		le.PutUint64(hdr[84:], uint64(hiSize))
	}

	if b.strongSig != nil {
		arc = le.AppendUint32(arc, strongSignatureMagic)
		arc = append(arc, b.strongSig...)
	}

	if b.userData == nil {
		return arc
	}
	prefix := make([]byte, userDataHeaderSize, userDataHeaderSize+len(b.userData)+len(arc))
	le.PutUint32(prefix[0:], userDataMagic)
	le.PutUint32(prefix[4:], uint32(len(b.userData)))
	le.PutUint32(prefix[8:], uint32(userDataHeaderSize+len(b.userData)))
	le.PutUint32(prefix[12:], userDataHeaderSize)
	prefix = append(prefix, b.userData...)
	return append(prefix, arc...)
}

func (b *archiveBuilder) table(t testing.TB, raw []byte, key uint32) []byte {
	stored := append([]byte(nil), raw...)
	if b.compressTables {
		if packed := append([]byte{compressionZlib}, zlibBytes(t, raw)...); len(packed) < len(raw) {
			stored = packed
		}
	}
	encryptBytes(stored, key)
	return stored
}

// addToHashTable-style linear probing insert; deleted entries are kept.
func insertHash(t testing.TB, table []hashEntry, name string, locale Locale, index uint32) {
	t.Helper()
	size := uint32(len(table))
	start := hashString(name, hashTypeTableOffset) % size

	for i := uint32(0); i < size; i++ {
		e := &table[(start+i)%size]
		if e.BlockIndex == hashTableEmpty {
			*e = hashEntry{
				HashA:      hashString(name, hashTypeNameA),
				HashB:      hashString(name, hashTypeNameB),
				Locale:     locale,
				BlockIndex: index,
			}
			return
		}
	}
	t.Fatalf("hash table full")
}

func encodeFile(t testing.TB, f testFile, pos, blockSize int) ([]byte, blockEntry) {
	t.Helper()

	flags := f.flags | FlagExists
	size := uint32(len(f.data))
	stream := f.data
	var stored []byte
	if f.patch != nil {
		stream = f.patch
		stored = patchInfoBytes(f.patch)
	}

	var seed uint32
	if flags&FlagEncrypted != 0 {
		seed = adjustSeed(fileSeed(f.name), int64(pos), uint32(len(stream)), flags)
	}

	switch {
	case flags&FlagDeleteMarker != 0:
		size = 0
	case f.stored != nil:
		stored = append(stored, f.stored...)
	case flags&FlagSingleUnit != 0:
		stored = append(stored, packSingleUnit(t, stream, flags, seed)...)
	default:
		stored = append(stored, packSectors(t, f, stream, flags, seed, blockSize)...)
	}

	return stored, blockEntry{
		FilePos:        uint32(pos),
		CompressedSize: uint32(len(stored)),
		FileSize:       size,
		Flags:          flags,
	}
}

func packSingleUnit(t testing.TB, data []byte, flags, seed uint32) []byte {
	body := append([]byte(nil), data...)
	if flags&FlagCompress != 0 {
		if packed := append([]byte{compressionZlib}, zlibBytes(t, data)...); len(packed) < len(data) {
			body = packed
		}
	}
	if flags&FlagEncrypted != 0 {
		encryptBytes(body, seed)
	}
	return body
}

func packSectors(t testing.TB, f testFile, data []byte, flags, seed uint32, blockSize int) []byte {
	t.Helper()
	if len(data) == 0 {
		return nil
	}
	count := (len(data) + blockSize - 1) / blockSize

	if flags&(FlagCompress|FlagImplode) == 0 {
		body := append([]byte(nil), data...)
		if flags&FlagEncrypted != 0 {
			for i := 0; i < count; i++ {
				encryptBytes(body[i*blockSize:min((i+1)*blockSize, len(body))], seed+uint32(i))
			}
		}
		return body
	}

	sectors := f.rawSectors
	if sectors == nil {
		for i := 0; i < count; i++ {
			chunk := data[i*blockSize : min((i+1)*blockSize, len(data))]
			if packed := append([]byte{compressionZlib}, zlibBytes(t, chunk)...); len(packed) < len(chunk) {
				sectors = append(sectors, packed)
			} else {
				sectors = append(sectors, append([]byte(nil), chunk...))
			}
		}
	}
	require.Len(t, sectors, count)

	entries := count + 1
	if flags&FlagSectorCRC != 0 {
		entries++
	}
	table := make([]byte, 4*entries)
	off := uint32(len(table))
	var body, crcs []byte
	for i, s := range sectors {
		le.PutUint32(table[4*i:], off)
		crcs = le.AppendUint32(crcs, adler32.Checksum(s))
		enc := append([]byte(nil), s...)
		if flags&FlagEncrypted != 0 {
			encryptBytes(enc, seed+uint32(i))
		}
		body = append(body, enc...)
		off += uint32(len(enc))
	}
	le.PutUint32(table[4*count:], off)
	if flags&FlagSectorCRC != 0 {
		body = append(body, crcs...)
		off += uint32(len(crcs))
		le.PutUint32(table[4*(count+1):], off)
	}
	if flags&FlagEncrypted != 0 {
		encryptBytes(table, seed-1)
	}
	return append(table, body...)
}

func patchInfoBytes(patch []byte) []byte {
	info := make([]byte, patchInfoSize)
	le.PutUint32(info[0:], patchInfoSize)
	le.PutUint32(info[4:], 0x80000000)
	le.PutUint32(info[8:], uint32(len(patch)))
	sum := md5.Sum(patch)
	copy(info[12:], sum[:])
	return info
}

// ptchStream builds a patch stream turning base into patched.
func ptchStream(base, patched []byte, withMD5 bool, kind uint32) []byte {
	var body []byte
	if withMD5 {
		body = le.AppendUint32(body, chunkMD5)
		body = le.AppendUint32(body, chunkHeaderSize+2*md5.Size)
		baseSum, patchedSum := md5.Sum(base), md5.Sum(patched)
		body = append(body, baseSum[:]...)
		body = append(body, patchedSum[:]...)
	}
	body = le.AppendUint32(body, chunkXFRM)
	body = le.AppendUint32(body, uint32(chunkHeaderSize+4+len(patched)))
	body = le.AppendUint32(body, kind)
	body = append(body, patched...)

	var stream []byte
	stream = le.AppendUint32(stream, patchSignature)
	stream = le.AppendUint32(stream, uint32(patchHeaderSize+len(body)))
	stream = le.AppendUint32(stream, uint32(len(base)))
	stream = le.AppendUint32(stream, uint32(len(patched)))
	return append(stream, body...)
}

func zlibBytes(t testing.TB, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func mustHex(t testing.TB, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

// collidingNames returns n names sharing their hash table start index.
func collidingNames(n int, size uint32) []string {
	var names []string
	want := hashString("collide0.txt", hashTypeTableOffset) % size
	names = append(names, "collide0.txt")
	for i := 1; len(names) < n; i++ {
		name := fmt.Sprintf("collide%d.txt", i)
		if hashString(name, hashTypeTableOffset)%size == want {
			names = append(names, name)
		}
	}
	return names
}

// pattern returns n bytes that do not compress well.
func pattern(n int, seed byte) []byte {
	data := make([]byte, n)
	x := uint32(seed) | 1
	for i := range data {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		data[i] = byte(x)
	}
	return data
}

func openBuilt(t testing.TB, b *archiveBuilder, opts ...Option) *Archive {
	t.Helper()
	a, err := OpenReader(bytes.NewReader(b.build(t)), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func writeBuilt(t testing.TB, dir, name string, b *archiveBuilder) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, b.build(t), 0644))
	return path
}
