// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import "errors"

// Errors returned by archive and stream operations. They are wrapped with
// context, so test for them with errors.Is.
var (
	// ErrInvalidSignature is returned when neither the archive nor the user
	// data signature is found at the start of the source.
	ErrInvalidSignature = errors.New("mpq: invalid signature")
	// ErrUnsupportedVersion is returned for format versions above 3.
	ErrUnsupportedVersion = errors.New("mpq: unsupported format version")
	// ErrCorruptHeader is returned when a header offset or size is out of range.
	ErrCorruptHeader = errors.New("mpq: corrupt header")
	// ErrCorruptTable is returned when the hash, block or sector table is inconsistent.
	ErrCorruptTable = errors.New("mpq: corrupt table")
	// ErrUnsupportedCompression is returned for unknown or unimplemented codecs.
	ErrUnsupportedCompression = errors.New("mpq: unsupported compression")
	// ErrMalformedData is returned when compressed or patch data cannot be decoded.
	ErrMalformedData = errors.New("mpq: malformed data")
	// ErrMissingSeed is returned when opening an encrypted file whose name is unknown.
	ErrMissingSeed = errors.New("mpq: decryption seed not found")
	// ErrTruncatedRead is returned when the source returns fewer bytes than requested.
	ErrTruncatedRead = errors.New("mpq: truncated read")
	// ErrPatchVerification is returned on patch MD5 or length mismatches.
	ErrPatchVerification = errors.New("mpq: patch verification failed")
	// ErrPatchUnsupported is returned for BSD0 binary diff patches.
	ErrPatchUnsupported = errors.New("mpq: unsupported patch type")

	// ErrNotFound is returned by name based calls when no file matches.
	ErrNotFound = errors.New("mpq: file not found")
	// ErrDeleted is returned when opening a deletion marker.
	ErrDeleted = errors.New("mpq: file marked as deleted")
	// ErrFileOpen is returned when opening a file that already has an open stream.
	ErrFileOpen = errors.New("mpq: file already open")
	// ErrClosed is returned by operations on a closed archive or stream.
	ErrClosed = errors.New("mpq: closed")
	// ErrNoBaseFile is returned when a patch file has no base file to apply to.
	ErrNoBaseFile = errors.New("mpq: base file of patch not found")
	// ErrChecksumMismatch is returned when file data does not match a stored checksum.
	ErrChecksumMismatch = errors.New("mpq: checksum mismatch")
)
