// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// normalizeMpqPath normalizes a path for chain lookups: backslash
// separators, upper case.
func normalizeMpqPath(path string) string {
	return strings.ToUpper(strings.ReplaceAll(path, "/", "\\"))
}

// PatchChain represents a prioritized list of MPQ archives. Patch files of
// an archive apply to the version of the file found in the archives below
// it.
type PatchChain struct {
	archives []*Archive

	mu      sync.Mutex
	fileMap map[string]int // cache: normalized filename -> archive index, -1 if absent
}

// OpenPatchChain opens multiple MPQ archives in order of increasing priority.
// The last archive in the list has the highest priority. The options apply
// to every archive; the base file resolver is set by the chain.
func OpenPatchChain(paths []string, opts ...Option) (*PatchChain, error) {
	chain := &PatchChain{
		archives: make([]*Archive, 0, len(paths)),
		fileMap:  make(map[string]int),
	}

	for i, path := range paths {
		archiveOpts := append(opts[:len(opts):len(opts)], WithBaseFileResolver(chain.resolverBelow(i)))
		archive, err := Open(path, archiveOpts...)
		if err != nil {
			chain.Close()
			return nil, fmt.Errorf("open archive %s: %w", path, err)
		}
		chain.archives = append(chain.archives, archive)
	}

	return chain, nil
}

// resolverBelow returns a resolver opening base files from the archives
// with a priority lower than level.
func (p *PatchChain) resolverBelow(level int) BaseFileResolver {
	return func(patch *File) (io.ReadSeeker, error) {
		name := patch.Name()
		if name == "" {
			return nil, nil
		}
		for i := level - 1; i >= 0; i-- {
			f := p.archives[i].FindFile(name)
			if f == nil {
				continue
			}
			if f.IsDeleted() {
				return nil, nil
			}
			return f.Open()
		}
		return nil, nil
	}
}

// Close closes all archives in the patch chain.
func (p *PatchChain) Close() error {
	var firstErr error
	for _, archive := range p.archives {
		if err := archive.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// lookup returns the highest priority version of a file, which may be a
// deletion marker, or nil.
func (p *PatchChain) lookup(mpqPath string) *File {
	key := normalizeMpqPath(mpqPath)

	p.mu.Lock()
	idx, cached := p.fileMap[key]
	p.mu.Unlock()

	if cached {
		if idx < 0 {
			return nil
		}
		return p.archives[idx].FindFile(mpqPath)
	}

	idx = -1
	var found *File
	for i := len(p.archives) - 1; i >= 0; i-- {
		if f := p.archives[i].FindFile(mpqPath); f != nil {
			idx, found = i, f
			break
		}
	}

	p.mu.Lock()
	p.fileMap[key] = idx
	p.mu.Unlock()
	return found
}

// HasFile returns true if any archive contains the specified file.
// Respects deletion markers in higher-priority archives.
func (p *PatchChain) HasFile(mpqPath string) bool {
	f := p.lookup(mpqPath)
	return f != nil && !f.IsDeleted()
}

// FindFile returns the highest priority version of a file, or nil.
func (p *PatchChain) FindFile(mpqPath string) *File {
	return p.lookup(mpqPath)
}

// OpenFile opens the highest-priority version of a file, applying patches
// onto the versions below it.
func (p *PatchChain) OpenFile(mpqPath string) (*FileStream, error) {
	f := p.lookup(mpqPath)
	if f == nil {
		return nil, fmt.Errorf("%s: %w", mpqPath, ErrNotFound)
	}
	if f.IsDeleted() {
		return nil, fmt.Errorf("%s: %w", mpqPath, ErrDeleted)
	}
	return f.Open()
}

// ReadFile returns the content of the highest-priority version of a file.
func (p *PatchChain) ReadFile(mpqPath string) ([]byte, error) {
	s, err := p.OpenFile(mpqPath)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return readAll(s)
}

// ExtractFile extracts the highest-priority version of a file.
// Respects deletion markers in patch archives.
func (p *PatchChain) ExtractFile(mpqPath, destPath string) error {
	s, err := p.OpenFile(mpqPath)
	if err != nil {
		return err
	}
	defer s.Close()
	return writeStream(s, destPath)
}

// ListFiles returns the sorted union of known names across the chain,
// without the files hidden by deletion markers.
func (p *PatchChain) ListFiles() ([]string, error) {
	seen := make(map[string]struct{})
	var result []string
	for i := len(p.archives) - 1; i >= 0; i-- {
		files, err := p.archives[i].ListFiles()
		if err != nil {
			return nil, err
		}
		for _, file := range files {
			key := normalizeMpqPath(file)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			if p.HasFile(file) {
				result = append(result, file)
			}
		}
	}
	sort.Strings(result)
	return result, nil
}

// ArchiveCount returns the number of archives in the chain.
func (p *PatchChain) ArchiveCount() int {
	return len(p.archives)
}

// Archive returns the archive at priority level i.
func (p *PatchChain) Archive(i int) *Archive {
	return p.archives[i]
}

// HasPatchFile checks if a file is marked as a patch file in any archive.
func (p *PatchChain) HasPatchFile(mpqPath string) bool {
	for i := len(p.archives) - 1; i >= 0; i-- {
		if f := p.archives[i].FindFile(mpqPath); f != nil && f.IsPatch() {
			return true
		}
	}
	return false
}
