// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/sirupsen/logrus"
)

// HasListFile reports whether the archive contains a (listfile).
func (a *Archive) HasListFile() bool {
	return a.listFile != nil
}

// ParseListFile reads (listfile) and names the files it lists. The
// listfile is parsed at most once.
func (a *Archive) ParseListFile() error {
	a.listFileOnce.Lock()
	defer a.listFileOnce.Unlock()

	if a.listFileParsed {
		return nil
	}
	if a.listFile == nil {
		return fmt.Errorf("%s: %w", listFileName, ErrNotFound)
	}

	s, err := a.listFile.Open()
	if err != nil {
		return fmt.Errorf("parse listfile: %w", err)
	}
	defer s.Close()

	if _, err := a.ApplyListFile(s); err != nil {
		return fmt.Errorf("parse listfile: %w", err)
	}
	a.listFileParsed = true
	return nil
}

// ApplyListFile names the files listed in r, using the (listfile) format:
// one name per line, lines separated by CR, LF or ';'. It returns the
// number of names that matched a file.
func (a *Archive) ApplyListFile(r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	sc.Split(scanListEntries)

	matched, unmatched := 0, 0
	for sc.Scan() {
		name := strings.TrimSpace(sc.Text())
		if name == "" {
			continue
		}
		if a.tryFilename(name, true) > 0 {
			matched++
		} else {
			unmatched++
			a.log.WithField("name", name).Debug("listed file not found")
		}
	}
	if err := sc.Err(); err != nil {
		return matched, fmt.Errorf("read listfile: %w", err)
	}

	a.log.WithFields(logrus.Fields{
		"matched":   matched,
		"unmatched": unmatched,
	}).Debug("apply listfile")
	return matched, nil
}

// scanListEntries is a bufio.SplitFunc splitting on CR, LF and ';'.
func scanListEntries(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n;"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// ListFiles returns the sorted names of the existing files whose name is
// known, deletion markers excluded.
func (a *Archive) ListFiles() ([]string, error) {
	if a.listFile != nil && a.parseListFile {
		if err := a.ParseListFile(); err != nil {
			return nil, err
		}
	}

	seen := make(map[string]bool)
	var names []string
	for _, f := range a.Files() {
		name := f.Name()
		if name == "" || f.IsDeleted() || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Glob returns the files whose known name matches pattern. Matching is case
// insensitive, uses doublestar syntax and accepts both '/' and '\' as path
// separators.
func (a *Archive) Glob(pattern string) ([]*File, error) {
	pattern = globKey(pattern)
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("glob %q: %w", pattern, doublestar.ErrBadPattern)
	}

	var files []*File
	for _, f := range a.Files() {
		name := f.Name()
		if name == "" {
			continue
		}
		ok, err := doublestar.Match(pattern, globKey(name))
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		if ok {
			files = append(files, f)
		}
	}
	return files, nil
}

func globKey(s string) string {
	return strings.ToUpper(strings.ReplaceAll(s, "\\", "/"))
}
