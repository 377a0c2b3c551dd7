// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors for archive operations. Use errors.Is in callers.
var (
	// ErrNoArchiveFound means no "MPQ\x1A" header exists at any 512-byte boundary.
	ErrNoArchiveFound = errors.New("no MPQ archive found")
	// ErrBadHeader means the header was found but its fields are out of range.
	ErrBadHeader = errors.New("bad MPQ header")
	// ErrNotFound means the path is not present in the archive.
	ErrNotFound = errors.New("file not found")
	// ErrInvalidBlockPosition means a hash bucket points past the block table.
	ErrInvalidBlockPosition = errors.New("invalid block table position")
	// ErrUnsupportedCompression means a sector uses a codec this build cannot decode.
	ErrUnsupportedCompression = errors.New("unsupported compression")
	// ErrNotWritable means a mutating call was made on a read-only archive.
	ErrNotWritable = errors.New("archive is read-only")
	// ErrCapacityExceeded means the hash table has no free bucket left.
	ErrCapacityExceeded = errors.New("hash table capacity exceeded")
	// ErrClosed means the archive was already closed or discarded.
	ErrClosed = errors.New("archive already closed")
	// ErrCorruptFile means sector offsets or sizes in a file body are inconsistent.
	ErrCorruptFile = errors.New("corrupt file data")
	// ErrChecksumMismatch means a sector failed its stored adler32 check.
	ErrChecksumMismatch = errors.New("sector checksum mismatch")
	// ErrInvalidPath means an archive path is empty after normalization.
	ErrInvalidPath = errors.New("invalid archive path")
)

// UnsupportedCompressionError names the compression bit that could not be decoded.
type UnsupportedCompressionError struct {
	Bit byte
}

func (e *UnsupportedCompressionError) Error() string {
	switch e.Bit {
	case compressionLZMA:
		return "unsupported compression: LZMA"
	case compressionHuffman:
		return "unsupported compression: huffman (0x01), register a decompressor"
	}
	return fmt.Sprintf("unsupported compression: 0x%02X", e.Bit)
}

// Is lets errors.Is match ErrUnsupportedCompression.
func (e *UnsupportedCompressionError) Is(target error) bool {
	return target == ErrUnsupportedCompression
}

// BrokenEntryError reports a hash entry whose block index lies outside the
// block table. It matches ErrNotFound and unwraps to the block error.
type BrokenEntryError struct {
	Path string
	Err  error
}

func (e *BrokenEntryError) Error() string {
	return e.Path + ": " + e.Err.Error()
}

func (e *BrokenEntryError) Unwrap() error { return e.Err }

// Is lets errors.Is match ErrNotFound.
func (e *BrokenEntryError) Is(target error) bool {
	return target == ErrNotFound
}
