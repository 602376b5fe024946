// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

// Package explode decompresses data produced by the PKWare Data Compression
// Library "implode" function, as found in MPQ archive sectors.
//
// The stream starts with a two byte header: the literal mode (0 for raw
// bytes, 1 for coded ASCII) and the dictionary size class (4, 5 or 6).
// Bits are then consumed least significant bit first.
package explode

import "errors"

var (
	// ErrHeader is returned when the literal mode byte is invalid.
	ErrHeader = errors.New("explode: invalid header")
	// ErrDictionary is returned when the dictionary size class is not 4, 5 or 6.
	ErrDictionary = errors.New("explode: invalid dictionary size")
	// ErrDistance is returned when a match refers before the start of the output.
	ErrDistance = errors.New("explode: distance is too far back")
	// ErrUnexpectedEOF is returned when the input ends inside a code.
	ErrUnexpectedEOF = errors.New("explode: unexpected EOF")
)

const (
	minLength = 2
	maxLength = 519 // end of stream marker
)

// bitReader reads bits from a byte slice, least significant bit first.
type bitReader struct {
	src  []byte
	pos  int
	buf  uint32
	nbuf uint
}

func (r *bitReader) bits(n uint) (uint32, error) {
	for r.nbuf < n {
		if r.pos >= len(r.src) {
			return 0, ErrUnexpectedEOF
		}
		r.buf |= uint32(r.src[r.pos]) << r.nbuf
		r.pos++
		r.nbuf += 8
	}
	v := r.buf & (1<<n - 1)
	r.buf >>= n
	r.nbuf -= n
	return v, nil
}

func (r *bitReader) eof() bool {
	return r.nbuf == 0 && r.pos >= len(r.src)
}

// decode walks t one bit at a time until it reaches a symbol.
func (r *bitReader) decode(t trie) (int, error) {
	node := 0
	for {
		bit, err := r.bits(1)
		if err != nil {
			return 0, err
		}
		child := t[node][bit]
		if child < 0 {
			return int(^child), nil
		}
		if child == 0 {
			return 0, ErrHeader
		}
		node = int(child)
	}
}

// Decompress explodes src into dst and returns the number of bytes written.
// Decoding stops at the end of stream code, when dst is full, or when src
// is exhausted between two codes.
func Decompress(dst, src []byte) (int, error) {
	if len(src) < 2 {
		return 0, ErrUnexpectedEOF
	}

	var ascii bool
	switch src[0] {
	case 0:
	case 1:
		ascii = true
	default:
		return 0, ErrHeader
	}

	dictBits := uint(src[1])
	if dictBits < 4 || dictBits > 6 {
		return 0, ErrDictionary
	}

	r := &bitReader{src: src[2:]}
	i := 0

	for i < len(dst) && !r.eof() {
		flag, err := r.bits(1)
		if err != nil {
			return i, err
		}

		if flag == 0 {
			var lit int
			if ascii {
				lit, err = r.decode(asciiTrie)
			} else {
				var v uint32
				v, err = r.bits(8)
				lit = int(v)
			}
			if err != nil {
				return i, err
			}
			dst[i] = byte(lit)
			i++
			continue
		}

		length, err := r.decode(lengthTrie)
		if err != nil {
			return i, err
		}
		if length == maxLength {
			break
		}

		high, err := r.decode(offsetTrie)
		if err != nil {
			return i, err
		}
		lowBits := dictBits
		if length == minLength {
			lowBits = 2
		}
		low, err := r.bits(lowBits)
		if err != nil {
			return i, err
		}

		from := i - (high<<lowBits | int(low)) - 1
		if from < 0 {
			return i, ErrDistance
		}

		// Byte by byte: source and destination may overlap.
		for ; length > 0 && i < len(dst); length-- {
			dst[i] = dst[from]
			i++
			from++
		}
	}

	return i, nil
}
