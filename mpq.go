// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Special files looked up when an archive is opened.
const (
	listFileName   = "(listfile)"
	attributesName = "(attributes)"
	signatureName  = "(signature)"
)

// Archive represents an MPQ archive opened for reading.
type Archive struct {
	src    io.ReadSeeker
	closer io.Closer
	path   string
	// mu serializes seek and read pairs on src.
	mu     sync.Mutex
	closed atomic.Bool

	header    Header
	hashTable hashTable
	files     []*File

	listFile       *File
	listFileOnce   sync.Mutex
	listFileParsed bool

	locale      atomic.Uint32
	resolveBase BaseFileResolver

	log           *logrus.Logger
	parseListFile bool
	strict        bool
}

// Open opens an existing MPQ archive for reading.
func Open(path string, opts ...Option) (*Archive, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	a, err := newArchive(file, opts)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	a.closer = file
	a.path = path
	return a, nil
}

// OpenReader opens an archive stored in r, starting at its current
// position. r must not be used by the caller while the archive is open.
func OpenReader(r io.ReadSeeker, opts ...Option) (*Archive, error) {
	return newArchive(r, opts)
}

func newArchive(r io.ReadSeeker, opts []Option) (*Archive, error) {
	a := &Archive{
		src:           r,
		log:           logrus.New(),
		parseListFile: true,
	}
	for _, opt := range opts {
		opt(a)
	}

	header, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	a.header = header

	if err := a.readTables(); err != nil {
		return nil, err
	}

	a.log.WithFields(logrus.Fields{
		"format":      header.Format.String(),
		"blockSize":   header.BlockSize,
		"archiveSize": header.ArchiveSize,
		"hashEntries": header.HashTableEntries,
		"blocks":      header.BlockTableEntries,
		"userData":    header.HasUserData,
	}).Debug("open archive")
	if header.HetTableOffset != 0 || header.BetTableOffset != 0 {
		a.log.Debug("archive has HET/BET tables, using the classic hash table")
	}

	for _, name := range []string{listFileName, attributesName, signatureName} {
		a.TryFilename(name)
	}
	a.listFile = a.FindFileLocale(listFileName, LocaleNeutral)
	if a.listFile != nil && a.parseListFile {
		if err := a.ParseListFile(); err != nil {
			a.log.WithError(err).Warn("cannot parse listfile")
		}
	}

	return a, nil
}

// readTables loads the hash, block and hi-block tables and binds files to
// their hash entries.
func (a *Archive) readTables() error {
	h := &a.header

	data, err := a.readTable(h.HashTableOffset, h.HashTableSize, 16*int64(h.HashTableEntries), hashTableKey)
	if err != nil {
		return fmt.Errorf("read hash table: %w", err)
	}
	a.hashTable = parseHashTable(data, h.HashTableEntries)

	if a.strict {
		if err := a.hashTable.checkIntegrity(h.BlockTableEntries); err != nil {
			return err
		}
	}

	data, err = a.readTable(h.BlockTableOffset, h.BlockTableSize, 16*int64(h.BlockTableEntries), blockTableKey)
	if err != nil {
		return fmt.Errorf("read block table: %w", err)
	}
	blocks := parseBlockTable(data, h.BlockTableEntries)

	hi := make([]uint16, len(blocks))
	if h.HiBlockTableOffset != 0 && len(blocks) > 0 {
		data, err := a.readTable(h.HiBlockTableOffset, h.HiBlockTableSize, 2*int64(len(blocks)), 0)
		if err != nil {
			return fmt.Errorf("read hi-block table: %w", err)
		}
		for i := range hi {
			hi[i] = binary.LittleEndian.Uint16(data[2*i:])
		}
	}

	a.files = make([]*File, len(blocks))
	for i, b := range blocks {
		a.files[i] = newFile(a, i, b, hi[i])
	}

	for i := range a.hashTable {
		e := &a.hashTable[i]
		if e.used() && e.BlockIndex < uint32(len(a.files)) {
			a.files[e.BlockIndex].locale = e.Locale
		}
	}

	return nil
}

// readTable reads a table of rawSize bytes stored in stored bytes at
// offset. Tables stored in fewer bytes than their raw size are compressed.
// A zero key means the table is not encrypted.
func (a *Archive) readTable(offset, stored, rawSize int64, key uint32) ([]byte, error) {
	if stored <= 0 || stored >= rawSize {
		stored = rawSize
	}

	data := make([]byte, stored)
	if err := a.readAt(data, offset); err != nil {
		return nil, err
	}
	if key != 0 {
		decryptBytes(data, key)
	}
	if stored == rawSize {
		return data, nil
	}

	raw := make([]byte, rawSize)
	if err := decompressBlock(raw, data, true); err != nil {
		return nil, fmt.Errorf("decompress table: %w", err)
	}
	return raw, nil
}

// readAt reads len(p) bytes at offset off of the archive.
func (a *Archive) readAt(p []byte, off int64) error {
	_, err := a.readAbsolute(p, a.header.ArchiveOffset+off)
	return err
}

func (a *Archive) readAbsolute(p []byte, pos int64) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed.Load() {
		return 0, ErrClosed
	}
	if _, err := a.src.Seek(pos, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek to 0x%X: %w", pos, err)
	}
	n, err := io.ReadFull(a.src, p)
	if err != nil {
		return n, fmt.Errorf("read %d bytes at 0x%X: %w", len(p), pos, readError(err))
	}
	return n, nil
}

// sourceReaderAt exposes the archive source as an io.ReaderAt.
type sourceReaderAt struct{ a *Archive }

func (r sourceReaderAt) ReadAt(p []byte, off int64) (int, error) {
	n, err := r.a.readAbsolute(p, off)
	if errors.Is(err, ErrTruncatedRead) {
		return n, io.EOF
	}
	return n, err
}

func (a *Archive) resolveBaseFile(f *File) (io.ReadSeeker, error) {
	if a.resolveBase == nil {
		return nil, fmt.Errorf("%s: %w", f, ErrNoBaseFile)
	}
	base, err := a.resolveBase(f)
	if err != nil {
		return nil, fmt.Errorf("resolve base of %s: %w", f, err)
	}
	if base == nil {
		return nil, fmt.Errorf("%s: %w", f, ErrNoBaseFile)
	}
	return base, nil
}

// SetPreferredLocale sets the locale used by FindFile.
func (a *Archive) SetPreferredLocale(locale Locale) {
	a.locale.Store(uint32(locale))
}

// PreferredLocale returns the locale used by FindFile.
func (a *Archive) PreferredLocale() Locale {
	return Locale(a.locale.Load())
}

// FindFile returns the file named name for the preferred locale, or nil.
func (a *Archive) FindFile(name string) *File {
	return a.FindFileLocale(name, a.PreferredLocale())
}

// FindFileLocale returns the file named name for locale, falling back to
// the neutral locale, or nil.
func (a *Archive) FindFileLocale(name string, locale Locale) *File {
	for _, candidate := range lookupNames(name) {
		e, ok := a.hashTable.find(candidate, locale)
		if !ok {
			continue
		}
		if f := a.fileAt(e.BlockIndex); f != nil {
			f.detectName(candidate, false)
			return f
		}
	}
	return nil
}

// FindFiles returns every file named name, one per locale.
func (a *Archive) FindFiles(name string) []*File {
	for _, candidate := range lookupNames(name) {
		var files []*File
		for _, e := range a.hashTable.findMulti(candidate) {
			if f := a.fileAt(e.BlockIndex); f != nil {
				f.detectName(candidate, false)
				files = append(files, f)
			}
		}
		if len(files) > 0 {
			return files
		}
	}
	return nil
}

// lookupNames returns the names tried for name: name as given, then with
// '/' separators replaced by '\'.
func lookupNames(name string) []string {
	if !strings.Contains(name, "/") {
		return []string{name}
	}
	return []string{name, strings.ReplaceAll(name, "/", "\\")}
}

// TryFilename associates name with the files it designates, if any.
func (a *Archive) TryFilename(name string) bool {
	return a.tryFilename(name, false) > 0
}

func (a *Archive) tryFilename(name string, listed bool) int {
	for _, candidate := range lookupNames(name) {
		n := 0
		for _, e := range a.hashTable.findMulti(candidate) {
			if f := a.fileAt(e.BlockIndex); f != nil {
				f.detectName(candidate, listed)
				n++
			}
		}
		if n > 0 {
			return n
		}
	}
	return 0
}

func (a *Archive) fileAt(index uint32) *File {
	if index >= uint32(len(a.files)) {
		return nil
	}
	if f := a.files[index]; f.Exists() {
		return f
	}
	return nil
}

// Files returns the files of the block table that exist.
func (a *Archive) Files() []*File {
	files := make([]*File, 0, len(a.files))
	for _, f := range a.files {
		if f.Exists() {
			files = append(files, f)
		}
	}
	return files
}

// HasFile returns true if the archive contains the specified file and it
// is not a deletion marker.
func (a *Archive) HasFile(name string) bool {
	f := a.FindFile(name)
	return f != nil && !f.IsDeleted()
}

// OpenFile opens the file named name.
func (a *Archive) OpenFile(name string) (*FileStream, error) {
	f := a.FindFile(name)
	if f == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if f.IsDeleted() {
		return nil, fmt.Errorf("%s: %w", name, ErrDeleted)
	}
	return f.Open()
}

// ReadFile returns the content of the file named name.
func (a *Archive) ReadFile(name string) ([]byte, error) {
	s, err := a.OpenFile(name)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return readAll(s)
}

func readAll(s *FileStream) ([]byte, error) {
	data := make([]byte, s.Size())
	if _, err := io.ReadFull(s, data); err != nil {
		return nil, fmt.Errorf("read %s: %w", s.file, err)
	}
	return data, nil
}

// ExtractFile extracts a file from the archive to the specified destination.
func (a *Archive) ExtractFile(name, destPath string) error {
	s, err := a.OpenFile(name)
	if err != nil {
		return err
	}
	defer s.Close()
	return writeStream(s, destPath)
}

func writeStream(s *FileStream, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(out, s); err != nil {
		out.Close()
		return fmt.Errorf("write file: %w", err)
	}
	return out.Close()
}

// Header returns the decoded archive header.
func (a *Archive) Header() Header { return a.header }

// Format returns the format version of the archive.
func (a *Archive) Format() FormatVersion { return a.header.Format }

// BlockSize returns the size of file blocks.
func (a *Archive) BlockSize() int { return a.header.BlockSize }

// Size returns the size of the archive.
func (a *Archive) Size() int64 { return a.header.ArchiveSize }

// Path returns the path the archive was opened from, or "" for OpenReader.
func (a *Archive) Path() string { return a.path }

// UserData returns the user data block preceding the archive, or nil.
func (a *Archive) UserData() *io.SectionReader {
	if !a.header.HasUserData {
		return nil
	}
	return io.NewSectionReader(sourceReaderAt{a}, a.header.UserDataOffset, a.header.UserDataSize)
}

// Close closes the archive. Streams opened from it fail afterwards.
func (a *Archive) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	if a.closer != nil {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.closer.Close()
	}
	return nil
}
