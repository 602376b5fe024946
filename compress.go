// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"bytes"
	"compress/bzip2"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/hexawyz/CrystalMpq/internal/explode"
)

// Compression type constants
const (
	compressionHuffman   = 0x01 // Huffman (used on wave files only)
	compressionZlib      = 0x02 // Zlib compression
	compressionPKWare    = 0x08 // PKWare DCL compression
	compressionBzip2     = 0x10 // BZip2 compression
	compressionADPCMMono = 0x40 // ADPCM mono audio
	compressionADPCM     = 0x80 // ADPCM stereo audio

	compressionKnown = compressionHuffman | compressionZlib | compressionPKWare |
		compressionBzip2 | compressionADPCMMono | compressionADPCM
)

// decompressBlock decompresses src into dst, which must have the exact
// decompressed length. With multi set, src starts with a compression mask
// and the stages are undone in the order BZip2, PKWare, Zlib. Otherwise src
// is a bare PKWare DCL stream.
func decompressBlock(dst, src []byte, multi bool) error {
	if !multi {
		n, err := decompressPKWare(dst, src)
		if err != nil {
			return err
		}
		return checkLength(n, len(dst))
	}

	if len(src) == 0 {
		return fmt.Errorf("empty compressed block: %w", ErrMalformedData)
	}

	mask := src[0]
	data := src[1:]

	if mask&^compressionKnown != 0 {
		return fmt.Errorf("compression mask 0x%02X: %w", mask, ErrUnsupportedCompression)
	}
	switch {
	case mask&compressionHuffman != 0:
		return fmt.Errorf("huffman compression: %w", ErrUnsupportedCompression)
	case mask&compressionADPCMMono != 0:
		return fmt.Errorf("ADPCM mono compression: %w", ErrUnsupportedCompression)
	case mask&compressionADPCM != 0:
		return fmt.Errorf("ADPCM stereo compression: %w", ErrUnsupportedCompression)
	case mask == 0:
		return fmt.Errorf("empty compression mask: %w", ErrUnsupportedCompression)
	}

	stages := make([]func(dst, src []byte) (int, error), 0, 3)
	if mask&compressionBzip2 != 0 {
		stages = append(stages, decompressBzip2)
	}
	if mask&compressionPKWare != 0 {
		stages = append(stages, decompressPKWare)
	}
	if mask&compressionZlib != 0 {
		stages = append(stages, decompressZlib)
	}

	n := 0
	for i, stage := range stages {
		out := dst
		if i < len(stages)-1 {
			// Intermediate streams are bounded by the block length.
			out = make([]byte, len(dst))
		}
		var err error
		if n, err = stage(out, data); err != nil {
			return err
		}
		data = out[:n]
	}

	return checkLength(n, len(dst))
}

func checkLength(got, want int) error {
	if got != want {
		return fmt.Errorf("decompressed %d bytes, want %d: %w", got, want, ErrMalformedData)
	}
	return nil
}

// decompressZlib inflates a zlib stream into dst.
func decompressZlib(dst, src []byte) (int, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return 0, fmt.Errorf("create zlib reader: %w: %w", ErrMalformedData, err)
	}
	defer r.Close()
	return readStage("zlib", r, dst)
}

// decompressBzip2 decompresses a bzip2 stream into dst.
func decompressBzip2(dst, src []byte) (int, error) {
	return readStage("bzip2", bzip2.NewReader(bytes.NewReader(src)), dst)
}

// decompressPKWare explodes a PKWare DCL stream into dst.
func decompressPKWare(dst, src []byte) (int, error) {
	n, err := explode.Decompress(dst, src)
	if err != nil {
		return n, fmt.Errorf("pkware decompress: %w: %w", ErrMalformedData, err)
	}
	return n, nil
}

// readStage fills dst from r. Streams shorter than dst are not an error
// here; streams longer than dst are.
func readStage(name string, r io.Reader, dst []byte) (int, error) {
	n, err := io.ReadFull(r, dst)
	switch err {
	case io.EOF, io.ErrUnexpectedEOF:
		return n, nil
	case nil:
	default:
		return n, fmt.Errorf("%s decompress: %w: %w", name, ErrMalformedData, err)
	}

	var extra [1]byte
	switch _, err := io.ReadFull(r, extra[:]); err {
	case io.EOF:
		return n, nil
	case nil:
		return n, fmt.Errorf("%s output exceeds %d bytes: %w", name, len(dst), ErrMalformedData)
	default:
		return n, fmt.Errorf("%s decompress: %w: %w", name, ErrMalformedData, err)
	}
}
