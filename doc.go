// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

/*
Package mpq reads and edits MPQ (Mo'PaQ) archives in pure Go.

MPQ is an archive format created by Blizzard Entertainment, used in games like
Diablo, StarCraft, Warcraft III and World of Warcraft. Archives of any header
version can be read; edited archives are written back in the V1 (32-byte) or
V2 (44-byte) header layout.

# Features

  - Memory-mapped reads with optional ARC caching of extracted files
  - Archives embedded in other files, including user-data shunts
  - Zlib, bzip2, PKWare implode, sparse and ADPCM decompression
  - Encrypted files, including FIX_KEY files and encrypted sector tables
  - Sector checksums, (listfile) and (attributes) maintenance
  - Staged inserts and deletes applied atomically by Close
  - Patch chains that honor deletion markers

# Basic Usage

Creating an archive:

	archive, err := mpq.Create("patch.mpq", 100)
	if err != nil {
		log.Fatal(err)
	}
	if err := archive.AddFile("local/file.txt", "Data\\file.txt"); err != nil {
		log.Fatal(err)
	}
	if err := archive.Close(); err != nil {
		log.Fatal(err)
	}

Editing an archive in place:

	archive, err := mpq.Edit("map.w3x")
	if err != nil {
		log.Fatal(err)
	}
	_ = archive.Insert("war3map.j", script, mpq.InsertOptions{Copy: true})
	_ = archive.Delete("war3map.wtg")
	if err := archive.CloseWithOptions(mpq.DefaultCloseOptions()); err != nil {
		log.Fatal(err)
	}

Delete removes every locale variant of a path; DeleteLocale removes one.
Nothing is written until Close. The rebuilt archive is written to a temporary
file next to the original and renamed over it, so a failed Close leaves the
original untouched.

# Path Conventions

MPQ archives use backslash (\) as the path separator. This package
converts forward slashes to backslashes, so both forms work:

	archive.AddFile("src.txt", "Data\\SubDir\\file.txt")
	archive.AddFile("src.txt", "Data/SubDir/file.txt")

Lookups are case-insensitive.

# Listfile

Only files named by the archive's (listfile) survive a rebuild. An archive
without a readable (listfile) is opened read-only with a built-in list of
common names.

# Limitations

  - LZMA and Huffman sectors cannot be decoded unless a [Decompressor] is
    registered for them. WAVE files (ADPCM + Huffman) need the Huffman one
  - Archives are never written with V3/V4 headers or HET/BET tables
  - Signatures are dropped when an archive is rebuilt
*/
package mpq
