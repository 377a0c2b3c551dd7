// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"log/slog"
	"strings"

	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
	"github.com/woozymasta/pathrules"
)

// Defaults for zero-valued options.
const (
	// DefaultWriteBuffer is the buffered writer size used while rebuilding.
	DefaultWriteBuffer = 64 * 1024
	// DefaultCompressionLevel is the zlib level for newly written sectors.
	DefaultCompressionLevel = zlib.BestCompression
)

var discardLogger = slog.New(slog.DiscardHandler)

// OpenOptions configures how an archive is opened.
type OpenOptions struct {
	// ReadOnly rejects Insert and Delete and makes Close a plain release.
	ReadOnly bool
	// ForceV0 reads the header as the 32-byte original format.
	ForceV0 bool
	// VerifySectorChecksums checks stored Adler-32 values while extracting.
	VerifySectorChecksums bool
	// CacheEntries enables an ARC cache of extracted files when > 0.
	CacheEntries int
	// Logger receives diagnostics. Nil discards them.
	Logger *slog.Logger
}

func (opts *OpenOptions) applyDefaults() {
	if opts.Logger == nil {
		opts.Logger = discardLogger
	}
	if opts.CacheEntries < 0 {
		opts.CacheEntries = 0
	}
}

// InsertOptions configures how a staged file is stored at Close.
type InsertOptions struct {
	// Copy snapshots the content at insert time. Without it the caller must
	// keep the byte slice (or source file) unchanged until Close.
	Copy bool
	// Locale of the hash table entry. Zero is the neutral locale.
	Locale uint16
	// Encrypt stores the file encrypted with its name-derived key.
	Encrypt bool
	// FixKey binds the key to the block position and size. Implies Encrypt.
	FixKey bool
	// SingleUnit stores the file as one unit instead of sectors.
	SingleUnit bool
	// SectorChecksums appends an Adler-32 table after the sectors.
	SectorChecksums bool
}

func (opts *InsertOptions) applyDefaults() {
	if opts.FixKey {
		opts.Encrypt = true
	}
}

// RecompressOptions controls re-encoding of retained files at Close.
type RecompressOptions struct {
	// Enabled re-encodes every retained file instead of copying it raw.
	Enabled bool
	// SectorSizeShift sets a new sector size (512 << shift). Zero keeps the
	// current size. A change forces re-encoding.
	SectorSizeShift uint16
}

// CloseOptions configures the rebuild performed by CloseWithOptions.
type CloseOptions struct {
	// BuildListfile writes a fresh (listfile).
	BuildListfile bool
	// BuildAttributes writes a fresh (attributes) with CRC32 and timestamps.
	BuildAttributes bool
	// Recompress re-encodes retained files.
	Recompress RecompressOptions
	// CompressionLevel is the zlib level for every encoded sector.
	CompressionLevel int
	// Compress holds ordered include/exclude rules deciding which paths are
	// compressed. Empty compresses every file.
	Compress []pathrules.Rule
	// CompressMatcherOptions configures matching for Compress rules.
	CompressMatcherOptions pathrules.MatcherOptions
	// WriterBufferSize is the buffered writer size for the output file.
	WriterBufferSize int
}

// DefaultCloseOptions returns the options used by Close.
func DefaultCloseOptions() CloseOptions {
	return CloseOptions{
		BuildListfile:   true,
		BuildAttributes: true,
	}
}

func (opts *CloseOptions) applyDefaults() {
	if opts.WriterBufferSize < 4096 {
		opts.WriterBufferSize = DefaultWriteBuffer
	}
	if opts.CompressionLevel == 0 {
		opts.CompressionLevel = DefaultCompressionLevel
	}
	if opts.CompressMatcherOptions == (pathrules.MatcherOptions{}) {
		opts.CompressMatcherOptions = pathrules.MatcherOptions{
			CaseInsensitive: true,
			DefaultAction:   pathrules.ActionInclude,
		}
	}
	if opts.CompressMatcherOptions.DefaultAction == pathrules.ActionUnknown {
		opts.CompressMatcherOptions.DefaultAction = pathrules.ActionInclude
	}
}

// compressMatcher decides per archive path whether sectors are compressed.
type compressMatcher struct {
	matcher *pathrules.Matcher
}

// newCompressMatcher compiles rules. Nil rules yield a matcher that
// compresses everything.
func newCompressMatcher(rules []pathrules.Rule, opts pathrules.MatcherOptions) (*compressMatcher, error) {
	normalized := make([]pathrules.Rule, 0, len(rules))
	for _, rule := range rules {
		pattern := matchPath(rule.Pattern)
		if pattern == "" {
			continue
		}
		normalized = append(normalized, pathrules.Rule{Action: rule.Action, Pattern: pattern})
	}
	if len(normalized) == 0 {
		return &compressMatcher{}, nil
	}

	matcher, err := pathrules.NewMatcher(normalized, opts)
	if err != nil {
		return nil, errors.Wrap(err, "compile compress rules")
	}
	return &compressMatcher{matcher: matcher}, nil
}

// Match reports whether path should be compressed.
func (m *compressMatcher) Match(path string) bool {
	if m == nil || m.matcher == nil {
		return true
	}
	return m.matcher.Included(matchPath(path), false)
}

// matchPath converts an archive path to the slash form used by rules.
func matchPath(path string) string {
	path = strings.TrimSpace(path)
	path = strings.ReplaceAll(path, `\`, "/")
	return strings.TrimPrefix(path, "./")
}
