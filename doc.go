// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

/*
Package mpq provides pure Go support for reading MPQ (Mo'PaQ) archives.

MPQ is an archive format created by Blizzard Entertainment, used in games like
Diablo, StarCraft, Warcraft III and World of Warcraft. This package reads
format versions 0 to 3, including archives embedded after a user data block.

# Features

  - Hash table lookup with locale fallback
  - Encrypted files, including position adjusted keys
  - Zlib, BZip2 and PKWare DCL (implode) compression
  - Random access streams decoding one block at a time
  - Incremental patch files (COPY) and patch chains
  - (listfile), (attributes) and signature special files

# Basic Usage

Reading an archive:

	archive, err := mpq.Open("game.mpq")
	if err != nil {
		log.Fatal(err)
	}
	defer archive.Close()

	if archive.HasFile("Data\\file.txt") {
		err = archive.ExtractFile("Data\\file.txt", "output/file.txt")
		if err != nil {
			log.Fatal(err)
		}
	}

Streaming a file:

	f := archive.FindFile("Units\\Human\\Footman.mdx")
	if f == nil {
		log.Fatal("not found")
	}
	s, err := f.Open()
	if err != nil {
		log.Fatal(err)
	}
	defer s.Close()
	io.Copy(dst, s)

Files opened by their name can be decrypted. Files only known by their
block table index need their name first, through [Archive.TryFilename], a
listfile, or [File.RecoverSeed].

# Patch Chains

[OpenPatchChain] opens archives in order of increasing priority. The
highest priority version of a file wins, deletion markers hide the
versions below them and patch files are applied to the version found
below the archive holding the patch.

# Path Conventions

MPQ archives use backslash (\) as the path separator. Lookups are case
insensitive and forward slashes are accepted:

	archive.HasFile("Data\\SubDir\\file.txt") // Native MPQ format
	archive.HasFile("data/subdir/file.txt")   // Also works

# Limitations

  - No Huffman or ADPCM decompression (wave files)
  - No BSD0 binary diff patches
  - HET and BET tables are ignored; lookups use the hash table
  - Signatures are exposed, not cryptographically verified
  - No write support
*/
package mpq
