// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// Patch signatures
const (
	patchSignature = 0x48435450 // "PTCH"
	chunkMD5       = 0x5F35444D // "MD5_"
	chunkXFRM      = 0x4D524658 // "XFRM"
	patchTypeCOPY  = 0x59504F43 // "COPY"
	patchTypeBSD0  = 0x30445342 // "BSD0"

	patchInfoSize   = 28
	patchHeaderSize = 16
	chunkHeaderSize = 8
)

// patchInfo is the header stored in front of the data of a patch file.
type patchInfo struct {
	HeaderLength uint32
	Flags        uint32
	PatchLength  uint32
	MD5          [md5.Size]byte // zero when the header is shorter than 28 bytes
}

// patchHeader starts the patch data.
type patchHeader struct {
	Signature    uint32
	PatchLength  uint32
	OriginalSize uint32
	PatchedSize  uint32
}

func readPatchInfo(a *Archive, offset int64) (*patchInfo, error) {
	raw := make([]byte, patchInfoSize)
	if err := a.readAt(raw, offset); err != nil {
		return nil, fmt.Errorf("read patch info: %w", err)
	}

	info := &patchInfo{
		HeaderLength: binary.LittleEndian.Uint32(raw[0:]),
		Flags:        binary.LittleEndian.Uint32(raw[4:]),
		PatchLength:  binary.LittleEndian.Uint32(raw[8:]),
	}
	if info.HeaderLength >= patchInfoSize {
		copy(info.MD5[:], raw[12:])
	}
	return info, nil
}

// applyPatch reads the patch data from the stream and replaces the stream
// content with the patched file.
func (s *FileStream) applyPatch(info *patchInfo, base io.ReadSeeker) error {
	var hdr patchHeader
	if err := binary.Read(s, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("read patch header: %w", readError(err))
	}

	baseLen, err := base.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("get base file length: %w", err)
	}
	if hdr.Signature != patchSignature {
		return fmt.Errorf("patch signature 0x%08X: %w", hdr.Signature, ErrMalformedData)
	}
	if hdr.PatchedSize != s.file.size {
		return fmt.Errorf("patched size %d, file size %d: %w", hdr.PatchedSize, s.file.size, ErrPatchVerification)
	}
	if baseLen != int64(hdr.OriginalSize) {
		return fmt.Errorf("base file length %d, expected %d: %w", baseLen, hdr.OriginalSize, ErrPatchVerification)
	}

	if _, err := base.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind base file: %w", err)
	}
	original := make([]byte, baseLen)
	if _, err := io.ReadFull(base, original); err != nil {
		return fmt.Errorf("read base file: %w", readError(err))
	}

	var (
		patchedMD5 [md5.Size]byte
		hasMD5     bool
	)

	for {
		chunkPos := s.position
		var chunk [chunkHeaderSize]byte
		if _, err := io.ReadFull(s, chunk[:]); err != nil {
			return fmt.Errorf("read chunk header: %w", readError(err))
		}
		tag := binary.LittleEndian.Uint32(chunk[0:])
		size := binary.LittleEndian.Uint32(chunk[4:])
		if size < chunkHeaderSize {
			return fmt.Errorf("chunk 0x%08X of %d bytes: %w", tag, size, ErrMalformedData)
		}

		switch tag {
		case chunkMD5:
			var sums [2 * md5.Size]byte
			if _, err := io.ReadFull(s, sums[:]); err != nil {
				return fmt.Errorf("read MD5 chunk: %w", readError(err))
			}
			if sum := md5.Sum(original); !bytes.Equal(sum[:], sums[:md5.Size]) {
				return fmt.Errorf("base file MD5 mismatch: %w", ErrPatchVerification)
			}
			copy(patchedMD5[:], sums[md5.Size:])
			hasMD5 = true

		case chunkXFRM:
			if chunkPos+int64(size) != int64(s.length) {
				return fmt.Errorf("XFRM chunk is not the last chunk: %w", ErrMalformedData)
			}
			patched, err := s.transform(&hdr, size, original)
			if err != nil {
				return err
			}
			if hasMD5 {
				if sum := md5.Sum(patched); sum != patchedMD5 {
					return fmt.Errorf("patched file MD5 mismatch: %w", ErrPatchVerification)
				}
			}
			s.serve(patched)
			return nil

		default:
			return fmt.Errorf("unknown patch chunk 0x%08X: %w", tag, ErrMalformedData)
		}

		if _, err := s.Seek(chunkPos+int64(size), io.SeekStart); err != nil {
			return err
		}
	}
}

// transform applies the XFRM chunk whose header has just been read.
func (s *FileStream) transform(hdr *patchHeader, chunkSize uint32, original []byte) ([]byte, error) {
	var kind uint32
	if err := binary.Read(s, binary.LittleEndian, &kind); err != nil {
		return nil, fmt.Errorf("read patch type: %w", readError(err))
	}
	if chunkSize < chunkHeaderSize+4 {
		return nil, fmt.Errorf("XFRM chunk of %d bytes: %w", chunkSize, ErrMalformedData)
	}
	payload := chunkSize - chunkHeaderSize - 4

	log := s.archive.log.WithFields(logrus.Fields{
		"name":         s.file.Name(),
		"originalSize": hdr.OriginalSize,
		"patchedSize":  hdr.PatchedSize,
	})

	switch kind {
	case patchTypeCOPY:
		log.Debug("apply COPY patch")
		if payload != hdr.PatchedSize {
			return nil, fmt.Errorf("COPY payload of %d bytes for %d: %w", payload, hdr.PatchedSize, ErrPatchVerification)
		}
		patched := make([]byte, payload)
		if _, err := io.ReadFull(s, patched); err != nil {
			return nil, fmt.Errorf("read COPY payload: %w", readError(err))
		}
		return patched, nil

	case patchTypeBSD0:
		log.Debug("BSD0 patch requested")
		return nil, fmt.Errorf("BSD0: %w", ErrPatchUnsupported)

	default:
		return nil, fmt.Errorf("patch type 0x%08X: %w", kind, ErrMalformedData)
	}
}

// serve switches the stream to the in-memory content data.
func (s *FileStream) serve(data []byte) {
	s.buf = data
	s.raw = nil
	s.length = uint32(len(data))
	s.blockSize = max(s.length, 1)
	s.sectors = []uint32{0, s.length}
	s.block = 0
	s.position = 0
	s.inMemory = true
}
