// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	strongSignatureMagic = 0x5349474E // "NGIS"

	weakSignatureSize   = 64
	strongSignatureSize = 256
)

// SignatureKind distinguishes the two archive signature schemes.
type SignatureKind int

const (
	// SignatureWeak is the 512-bit RSA signature stored in (signature).
	SignatureWeak SignatureKind = iota
	// SignatureStrong is the 2048-bit RSA signature appended to the archive.
	SignatureStrong
)

func (k SignatureKind) String() string {
	if k == SignatureStrong {
		return "strong"
	}
	return "weak"
}

// SignatureInfo contains the raw data of an archive signature. The RSA
// block is kept as stored, in little-endian order.
type SignatureInfo struct {
	Kind      SignatureKind
	Version   uint32
	Signature []byte
}

// WeakSignature reads the (signature) special file. It returns nil if the
// archive has none.
func (a *Archive) WeakSignature() (*SignatureInfo, error) {
	f := a.FindFileLocale(signatureName, LocaleNeutral)
	if f == nil || f.IsDeleted() {
		return nil, nil
	}

	s, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open signature: %w", err)
	}
	defer s.Close()

	data, err := readAll(s)
	if err != nil {
		return nil, err
	}
	if len(data) < 8 {
		return nil, fmt.Errorf("signature of %d bytes: %w", len(data), ErrMalformedData)
	}

	return &SignatureInfo{
		Kind:      SignatureWeak,
		Version:   binary.LittleEndian.Uint32(data[0:4]),
		Signature: append([]byte(nil), data[8:]...),
	}, nil
}

// StrongSignature reads the signature following the archive data. It
// returns nil if there is none.
func (a *Archive) StrongSignature() (*SignatureInfo, error) {
	data := make([]byte, 4+strongSignatureSize)
	if err := a.readAt(data, a.header.ArchiveSize); err != nil {
		if errors.Is(err, ErrTruncatedRead) {
			return nil, nil
		}
		return nil, fmt.Errorf("read strong signature: %w", err)
	}
	if binary.LittleEndian.Uint32(data) != strongSignatureMagic {
		return nil, nil
	}

	return &SignatureInfo{
		Kind:      SignatureStrong,
		Signature: data[4:],
	}, nil
}

// Validate checks the structure of the signature. It does not verify the
// RSA signature itself.
func (s *SignatureInfo) Validate() error {
	if s == nil {
		return fmt.Errorf("no signature available")
	}

	switch s.Kind {
	case SignatureWeak:
		if s.Version != 0 {
			return fmt.Errorf("weak signature version %d: %w", s.Version, ErrMalformedData)
		}
		if len(s.Signature) != weakSignatureSize {
			return fmt.Errorf("weak signature of %d bytes: %w", len(s.Signature), ErrMalformedData)
		}
	case SignatureStrong:
		if len(s.Signature) != strongSignatureSize {
			return fmt.Errorf("strong signature of %d bytes: %w", len(s.Signature), ErrMalformedData)
		}
	default:
		return fmt.Errorf("unknown signature kind %d", s.Kind)
	}
	return nil
}
