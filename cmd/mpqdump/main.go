// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

// Command mpqdump inspects MPQ archives.
//
// Usage:
//
//	mpqdump [-l] [-H] [-t] [-L listfile] [-locale id] [-x name [-o path]] archive.mpq [patch.mpq...]
//
// With several archives, they are opened as a patch chain in order of
// increasing priority.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	mpq "github.com/hexawyz/CrystalMpq"
)

var (
	list       = flag.Bool("l", false, "list files")
	header     = flag.Bool("H", false, "print the archive header")
	verify     = flag.Bool("t", false, "verify files against (attributes) and sector checksums")
	listFile   = flag.String("L", "", "external listfile naming the archive files")
	locale     = flag.Uint("locale", 0, "preferred locale (LCID)")
	extract    = flag.String("x", "", "extract the named file")
	outputPath = flag.String("o", "", "output path for -x (default: file base name)")
	verbose    = flag.Bool("v", false, "verbose logging")
	help       = flag.Bool("h", false, "display this help")
)

var log = logrus.New()

func main() {
	flag.Usage = usage
	flag.Parse()

	if *help {
		usage()
		os.Exit(0)
	}
	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "mpqdump: missing archive argument")
		fmt.Fprintln(os.Stderr, "Try 'mpqdump -h' for more information.")
		os.Exit(1)
	}
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	opts := []mpq.Option{
		mpq.WithLogger(log),
		mpq.WithPreferredLocale(mpq.Locale(*locale)),
	}

	if flag.NArg() > 1 {
		runChain(flag.Args(), opts)
		return
	}

	archive, err := mpq.Open(flag.Arg(0), opts...)
	if err != nil {
		fatal("cannot open '%s': %v", flag.Arg(0), err)
	}
	defer archive.Close()

	if *listFile != "" {
		applyListFile(archive, *listFile)
	}
	if *header {
		printHeader(archive)
	}
	if *list {
		printListing(archive)
	}
	if *verify {
		verifyArchive(archive)
	}
	if *extract != "" {
		dest := outputFor(*extract)
		if err := archive.ExtractFile(*extract, dest); err != nil {
			fatal("cannot extract '%s': %v", *extract, err)
		}
		log.WithField("path", dest).Info("extracted")
	}
}

func runChain(paths []string, opts []mpq.Option) {
	chain, err := mpq.OpenPatchChain(paths, opts...)
	if err != nil {
		fatal("cannot open patch chain: %v", err)
	}
	defer chain.Close()

	if *listFile != "" {
		for i := 0; i < chain.ArchiveCount(); i++ {
			applyListFile(chain.Archive(i), *listFile)
		}
	}
	if *header {
		for i := 0; i < chain.ArchiveCount(); i++ {
			printHeader(chain.Archive(i))
		}
	}
	if *list {
		names, err := chain.ListFiles()
		if err != nil {
			fatal("cannot list files: %v", err)
		}
		for _, name := range names {
			patch := ""
			if chain.HasPatchFile(name) {
				patch = " (patched)"
			}
			fmt.Printf("%s%s\n", name, patch)
		}
		fmt.Printf("%d files in %d archives\n", len(names), chain.ArchiveCount())
	}
	if *extract != "" {
		dest := outputFor(*extract)
		if err := chain.ExtractFile(*extract, dest); err != nil {
			fatal("cannot extract '%s': %v", *extract, err)
		}
		log.WithField("path", dest).Info("extracted")
	}
}

func applyListFile(archive *mpq.Archive, path string) {
	f, err := os.Open(path)
	if err != nil {
		fatal("cannot open listfile '%s': %v", path, err)
	}
	defer f.Close()

	n, err := archive.ApplyListFile(f)
	if err != nil {
		fatal("cannot read listfile '%s': %v", path, err)
	}
	log.WithFields(logrus.Fields{"listfile": path, "matched": n}).Debug("applied listfile")
}

func printHeader(archive *mpq.Archive) {
	h := archive.Header()
	fmt.Printf("Archive:       %s\n", archive.Path())
	fmt.Printf("Format:        %s (%d)\n", h.Format, h.Format)
	fmt.Printf("Header size:   0x%X\n", h.HeaderSize)
	fmt.Printf("Archive size:  %d\n", h.ArchiveSize)
	fmt.Printf("Archive at:    0x%X\n", h.ArchiveOffset)
	fmt.Printf("Block size:    %d\n", h.BlockSize)
	fmt.Printf("Hash table:    0x%X, %d entries\n", h.HashTableOffset, h.HashTableEntries)
	fmt.Printf("Block table:   0x%X, %d entries\n", h.BlockTableOffset, h.BlockTableEntries)
	if h.HiBlockTableOffset != 0 {
		fmt.Printf("Hi-block table: 0x%X\n", h.HiBlockTableOffset)
	}
	if h.HasUserData {
		fmt.Printf("User data:     0x%X, %d bytes\n", h.UserDataOffset, h.UserDataSize)
	}
	fmt.Println()
}

func printListing(archive *mpq.Archive) {
	fmt.Println("   Index       Size     Packed  Flags     Locale  Name")
	fmt.Println("--------  ---------  ---------  --------  ------  ----")

	var total, packed int64
	files := archive.Files()
	for _, f := range files {
		fmt.Printf("%8d  %9d  %9d  %08X  %6d  %s\n",
			f.Index(), f.Size(), f.CompressedSize(), f.Flags(), f.Locale(), f)
		total += f.Size()
		packed += f.CompressedSize()
	}

	fmt.Println("--------  ---------  ---------")
	fmt.Printf("          %9d  %9d  %d files\n", total, packed, len(files))
}

func verifyArchive(archive *mpq.Archive) {
	failed := 0
	for _, f := range archive.Files() {
		if f.IsDeleted() {
			continue
		}
		if err := verifyFile(archive, f); err != nil {
			failed++
			fmt.Printf("%-40s FAILED: %v\n", f, err)
			continue
		}
		fmt.Printf("%-40s OK\n", f)
	}
	if failed > 0 {
		fatal("%d files failed verification", failed)
	}
}

func verifyFile(archive *mpq.Archive, f *mpq.File) error {
	s, err := f.Open()
	if err != nil {
		return err
	}
	err = s.VerifySectors()
	if err == nil {
		_, err = io.Copy(io.Discard, s)
	}
	s.Close()
	if err != nil {
		return err
	}
	return archive.VerifyFile(f)
}

func outputFor(name string) string {
	if *outputPath != "" {
		return *outputPath
	}
	return filepath.Base(strings.ReplaceAll(name, "\\", "/"))
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "mpqdump: "+format+"\n", args...)
	os.Exit(1)
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: mpqdump [options] archive.mpq [patch.mpq...]")
	fmt.Fprintln(os.Stderr)
	flag.PrintDefaults()
}
