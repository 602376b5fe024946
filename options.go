// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"io"

	"github.com/sirupsen/logrus"
)

// BaseFileResolver returns the base file a patch file applies to. The
// returned stream is closed after use if it implements io.Closer.
type BaseFileResolver func(patch *File) (io.ReadSeeker, error)

// Option configures an Archive.
type Option func(*Archive)

// WithLogger sets the logger used for debug output. Defaults to logrus.New().
func WithLogger(log *logrus.Logger) Option {
	return func(a *Archive) {
		if log != nil {
			a.log = log
		}
	}
}

// WithListFile controls whether (listfile) is parsed when the archive is
// opened. Enabled by default.
func WithListFile(parse bool) Option {
	return func(a *Archive) {
		a.parseListFile = parse
	}
}

// WithStrictIntegrity makes Open fail when hash table entries reference
// blocks outside the block table or share a block.
func WithStrictIntegrity(strict bool) Option {
	return func(a *Archive) {
		a.strict = strict
	}
}

// WithPreferredLocale sets the locale used by FindFile.
func WithPreferredLocale(locale Locale) Option {
	return func(a *Archive) {
		a.SetPreferredLocale(locale)
	}
}

// WithBaseFileResolver sets the resolver used to open patch files.
func WithBaseFileResolver(resolve BaseFileResolver) Option {
	return func(a *Archive) {
		a.resolveBase = resolve
	}
}
