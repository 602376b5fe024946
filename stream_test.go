// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"bytes"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// mixedContent alternates compressible and incompressible 512 byte blocks.
func mixedContent(n int) []byte {
	var data []byte
	for i := 0; len(data) < n; i++ {
		if i%2 == 0 {
			data = append(data, bytes.Repeat([]byte{byte('a' + i%26)}, 512)...)
		} else {
			data = append(data, pattern(512, byte(i))...)
		}
	}
	return data[:n]
}

func TestStreamSectors(t *testing.T) {
	data := mixedContent(5000)

	tests := []struct {
		name  string
		flags uint32
	}{
		{"stored", 0},
		{"compressed", FlagCompress},
		{"single unit", FlagSingleUnit},
		{"single unit compressed", FlagSingleUnit | FlagCompress},
		{"encrypted", FlagEncrypted},
		{"encrypted compressed", FlagEncrypted | FlagCompress},
		{"encrypted fix key", FlagEncrypted | FlagFixKey | FlagCompress},
		{"encrypted single unit", FlagEncrypted | FlagFixKey | FlagSingleUnit | FlagCompress},
		{"sector checksums", FlagCompress | FlagSectorCRC | FlagEncrypted},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			a := openBuilt(t, &archiveBuilder{
				files: []testFile{
					{name: "pad.bin", data: []byte("shifts the next file")},
					{name: "Data\\file.bin", data: data, flags: test.flags},
				},
			})

			f := a.FindFile("Data\\file.bin")
			require.NotNil(t, f)
			assert.Equal(t, test.flags&FlagEncrypted != 0, f.IsEncrypted())
			assert.Equal(t, test.flags&FlagCompress != 0, f.IsCompressed())

			got, err := a.ReadFile("Data\\file.bin")
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}
}

func TestStreamRandomAccess(t *testing.T) {
	data := mixedContent(7000)
	a := openBuilt(t, &archiveBuilder{
		files: []testFile{{name: "file.bin", data: data, flags: FlagCompress | FlagEncrypted}},
	})

	s, err := a.OpenFile("file.bin")
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, int64(len(data)), s.Len())

	rapid.Check(t, func(t *rapid.T) {
		for i := 0; i < 10; i++ {
			pos := rapid.IntRange(0, len(data)).Draw(t, "pos")
			n := rapid.IntRange(0, 1500).Draw(t, "n")

			got, err := s.Seek(int64(pos), io.SeekStart)
			require.NoError(t, err)
			require.Equal(t, int64(pos), got)

			buf := make([]byte, n)
			read, err := io.ReadFull(s, buf)
			want := data[pos:min(pos+n, len(data))]
			if len(want) < n {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, want, buf[:read])
		}
	})
}

func TestStreamSeek(t *testing.T) {
	a := openBuilt(t, &archiveBuilder{
		files: []testFile{{name: "a.txt", data: []byte("0123456789")}},
	})
	s, err := a.OpenFile("a.txt")
	require.NoError(t, err)
	defer s.Close()

	pos, err := s.Seek(-3, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(7), pos)

	pos, err = s.Seek(-2, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(5), pos)

	buf := make([]byte, 3)
	_, err = io.ReadFull(s, buf)
	require.NoError(t, err)
	assert.Equal(t, "567", string(buf))

	_, err = s.Seek(-1, io.SeekStart)
	assert.Error(t, err)
	_, err = s.Seek(0, 42)
	assert.Error(t, err)

	pos, err = s.Seek(100, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(100), pos)
	n, err := s.Read(buf)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamEmptyFile(t *testing.T) {
	for _, flags := range []uint32{0, FlagCompress, FlagSingleUnit | FlagCompress} {
		a := openBuilt(t, &archiveBuilder{
			files: []testFile{{name: "empty.txt", data: nil, flags: flags}},
		})
		got, err := a.ReadFile("empty.txt")
		require.NoError(t, err)
		assert.Empty(t, got)
	}
}

func TestStreamMissingSeed(t *testing.T) {
	data := mixedContent(3000)

	for _, flags := range []uint32{FlagEncrypted | FlagCompress, FlagEncrypted | FlagFixKey | FlagCompress, FlagEncrypted | FlagCompress | FlagSectorCRC} {
		a := openBuilt(t, &archiveBuilder{
			sectorShift: 1,
			files: []testFile{
				{name: "pad.txt", data: []byte("padding")},
				{name: "units\\secret.bin", data: data, flags: flags},
			},
		})

		f := a.Files()[1]
		require.Empty(t, f.Name())
		_, err := f.Open()
		require.ErrorIs(t, err, ErrMissingSeed)

		require.NoError(t, f.RecoverSeed())
		s, err := f.Open()
		require.NoError(t, err)
		got, err := io.ReadAll(s)
		require.NoError(t, err)
		require.NoError(t, s.Close())
		assert.Equal(t, data, got)
	}
}

func TestRecoverSeedUnsupported(t *testing.T) {
	a := openBuilt(t, &archiveBuilder{
		files: []testFile{
			{name: "plain.bin", data: []byte("plain")},
			{name: "stored.bin", data: pattern(100, 3), flags: FlagEncrypted},
		},
	})

	files := a.Files()
	assert.NoError(t, files[0].RecoverSeed(), "nothing to recover")
	assert.ErrorIs(t, files[1].RecoverSeed(), ErrMissingSeed)

	// Naming the file provides the seed.
	got, err := a.ReadFile("stored.bin")
	require.NoError(t, err)
	assert.Equal(t, pattern(100, 3), got)
	assert.NoError(t, files[1].RecoverSeed())
}

const (
	dclHello = "0004909461c3e60d0b104da0440909f807" // "Hello, MPQ!"
	dclAIA   = "00048224258f807f"                   // "AIAIAIAIAIAIA"

	// The quick brown fox jumps over the lazy dog. (x8), bzip2 compressed
	bzipFox = "425a68393141592653596fb05a4e00002b9380400104003ffffff020009028001a00000aaa9fa9a8069a64d0da36a2060247c122f15102a311e07d103310330b0b86836190b0e63f0817091a0a0c0546c28321a8b0a0912311cb71b8e05dc914e14241bec16938"
	// Same content, zlib then bzip2 compressed
	bzipZlibFox = "425a683931415926535931f10333000012dfd760080576a020005c5b800200004024040480807b8010048820005460064d32190c11a311a60c1a032034340da3507a4c88a1cf3e6aba0c365d9dda988182d2152d0497e15bd69058834821075be4f7c9ec38fe3194c5dc914e14240c7c40ccc0"
)

func TestStreamCompressionMethods(t *testing.T) {
	fox := bytes.Repeat([]byte("The quick brown fox jumps over the lazy dog. "), 8)

	tests := []struct {
		name string
		file testFile
	}{
		{"imploded single unit", testFile{
			data: []byte("Hello, MPQ!"), flags: FlagImplode | FlagSingleUnit, stored: mustHex(t, dclHello),
		}},
		{"imploded sectors", testFile{
			data: []byte("AIAIAIAIAIAIA"), flags: FlagImplode, rawSectors: [][]byte{mustHex(t, dclAIA)},
		}},
		{"pkware", testFile{
			data: []byte("Hello, MPQ!"), flags: FlagCompress,
			rawSectors: [][]byte{append([]byte{compressionPKWare}, mustHex(t, dclHello)...)},
		}},
		{"bzip2", testFile{
			data: fox, flags: FlagCompress,
			rawSectors: [][]byte{append([]byte{compressionBzip2}, mustHex(t, bzipFox)...)},
		}},
		{"bzip2 and zlib", testFile{
			data: fox, flags: FlagCompress,
			rawSectors: [][]byte{append([]byte{compressionBzip2 | compressionZlib}, mustHex(t, bzipZlibFox)...)},
		}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			test.file.name = "file.dat"
			a := openBuilt(t, &archiveBuilder{files: []testFile{test.file}})

			got, err := a.ReadFile("file.dat")
			require.NoError(t, err)
			assert.Equal(t, test.file.data, got)
		})
	}
}

func TestStreamCompressionErrors(t *testing.T) {
	tests := []struct {
		name   string
		sector []byte
		err    error
	}{
		{"huffman", []byte{compressionHuffman, 1, 2, 3}, ErrUnsupportedCompression},
		{"adpcm", []byte{compressionADPCM | compressionZlib, 1, 2, 3}, ErrUnsupportedCompression},
		{"unknown bit", []byte{0x20, 1, 2, 3}, ErrUnsupportedCompression},
		{"empty mask", []byte{0, 1, 2, 3}, ErrUnsupportedCompression},
		{"bad zlib", []byte{compressionZlib, 1, 2, 3}, ErrMalformedData},
		{"short zlib", append([]byte{compressionZlib}, zlibBytes(t, []byte("short"))...), ErrMalformedData},
		{"bad pkware", []byte{compressionPKWare, 2, 4, 0}, ErrMalformedData},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			a := openBuilt(t, &archiveBuilder{
				files: []testFile{{
					name: "file.dat", data: bytes.Repeat([]byte("x"), 100),
					flags: FlagCompress, rawSectors: [][]byte{test.sector},
				}},
			})

			_, err := a.ReadFile("file.dat")
			assert.ErrorIs(t, err, test.err)
		})
	}
}

func TestStreamCorruptSectorTable(t *testing.T) {
	b := &archiveBuilder{
		files: []testFile{{name: "file.dat", data: mixedContent(2000), flags: FlagCompress}},
	}
	data := b.build(t)
	// The sector table of the first file follows the header.
	le.PutUint32(data[headerSizeV1:], 0)

	a, err := OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer a.Close()

	_, err = a.OpenFile("file.dat")
	assert.ErrorIs(t, err, ErrCorruptTable)

	// A failed open leaves the file closed.
	_, err = a.OpenFile("file.dat")
	assert.ErrorIs(t, err, ErrCorruptTable)
}

func TestVerifySectors(t *testing.T) {
	content := mixedContent(3000)
	b := &archiveBuilder{
		files: []testFile{{name: "file.dat", data: content, flags: FlagCompress | FlagSectorCRC | FlagEncrypted}},
	}

	a := openBuilt(t, b)
	s, err := a.OpenFile("file.dat")
	require.NoError(t, err)
	require.NoError(t, s.VerifySectors())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.VerifySectors(), ErrClosed)

	data := b.build(t)
	blocks := (len(content) + 511) / 512
	data[headerSizeV1+4*(blocks+2)] ^= 0xFF

	a, err = OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer a.Close()
	s, err = a.OpenFile("file.dat")
	require.NoError(t, err)
	defer s.Close()
	assert.ErrorIs(t, s.VerifySectors(), ErrChecksumMismatch)

	plain := openBuilt(t, &archiveBuilder{files: []testFile{{name: "p.txt", data: []byte("no checksums"), flags: FlagCompress}}})
	s, err = plain.OpenFile("p.txt")
	require.NoError(t, err)
	defer s.Close()
	assert.NoError(t, s.VerifySectors())
}

func TestConcurrentStreams(t *testing.T) {
	contents := [][]byte{mixedContent(9000), pattern(6000, 9), bytes.Repeat([]byte("zz"), 4000)}
	b := &archiveBuilder{sectorShift: 0}
	for i, c := range contents {
		b.files = append(b.files, testFile{name: string(rune('a'+i)) + ".bin", data: c, flags: FlagCompress | FlagEncrypted})
	}
	a := openBuilt(t, b)

	var wg sync.WaitGroup
	for i := range contents {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := a.ReadFile(string(rune('a'+i)) + ".bin")
			assert.NoError(t, err)
			assert.Equal(t, contents[i], got)
		}(i)
	}
	wg.Wait()
}
