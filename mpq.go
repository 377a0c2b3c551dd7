// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/mmap"
)

// FormatVersion specifies which MPQ format version to use when creating archives.
type FormatVersion int

const (
	// FormatV1 creates archives using the original MPQ format (up to 4GB).
	// Compatible with all games that use MPQ.
	FormatV1 FormatVersion = 0

	// FormatV2 creates archives using the extended format (>4GB support).
	// Compatible with WoW: The Burning Crusade and later.
	FormatV2 FormatVersion = 1
)

// Archive is an open MPQ archive. Reads are served from a memory map of the
// backing file; inserts and deletes are staged and applied by Close.
//
// An Archive must not be used from more than one goroutine at a time.
type Archive struct {
	path string
	src  *mmap.ReaderAt // nil for archives created by Create
	opts OpenOptions
	log  *slog.Logger

	readOnly bool
	closed   bool

	header     *archiveHeader
	hashTable  hashTable
	blockTable blockTable
	listfile   *listfile
	attributes *attributes
	cache      *fileCache

	staged      []*stagedFile
	minHashSize uint32
}

// Create creates a new MPQ archive using V1 format.
// The maxFiles parameter is a capacity hint for the hash table.
func Create(path string, maxFiles int) (*Archive, error) {
	return CreateWithVersion(path, maxFiles, FormatV1)
}

// CreateV2 creates a new MPQ archive using V2 format.
// V2 format supports archives larger than 4GB and is compatible with
// WoW: The Burning Crusade and later.
func CreateV2(path string, maxFiles int) (*Archive, error) {
	return CreateWithVersion(path, maxFiles, FormatV2)
}

// CreateWithVersion creates a new, empty, writable archive. Nothing is
// written to path until Close.
func CreateWithVersion(path string, maxFiles int, version FormatVersion) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "create directory")
	}

	header := &archiveHeader{
		baseHeader: baseHeader{
			Magic:           mpqMagic,
			HeaderSize:      headerSizeV1,
			FormatVersion:   formatVersion1,
			SectorSizeShift: defaultSectorSizeShift,
		},
	}
	if version == FormatV2 {
		header.HeaderSize = headerSizeV2
		header.FormatVersion = formatVersion2
	}

	opts := OpenOptions{}
	opts.applyDefaults()

	return &Archive{
		path:        path,
		opts:        opts,
		log:         opts.Logger,
		header:      header,
		listfile:    newListfile(),
		staged:      make([]*stagedFile, 0, max(maxFiles, 0)),
		minHashSize: nextPowerOf2(uint32(float64(max(maxFiles, 0)) * 1.5)),
	}, nil
}

// Open opens an existing MPQ archive read-only.
func Open(path string) (*Archive, error) {
	return OpenWithOptions(path, OpenOptions{ReadOnly: true})
}

// Edit opens an existing MPQ archive for reading and writing.
func Edit(path string) (*Archive, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions opens an existing archive. The archive may be embedded in a
// larger file; everything before its header is preserved on rebuild.
func OpenWithOptions(path string, opts OpenOptions) (*Archive, error) {
	opts.applyDefaults()

	src, err := mmap.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open file")
	}

	a := &Archive{
		path:     path,
		src:      src,
		opts:     opts,
		log:      opts.Logger.With("archive", path),
		readOnly: opts.ReadOnly,
	}
	if err := a.load(); err != nil {
		src.Close()
		return nil, err
	}
	return a, nil
}

// load reads the header, both tables and the auxiliary special files.
func (a *Archive) load() error {
	size := int64(a.src.Len())

	header, err := readHeader(a.src, size, a.opts.ForceV0)
	if err != nil {
		return err
	}
	a.header = header
	a.log.Debug("header found",
		"offset", header.offset,
		"version", header.FormatVersion,
		"header_size", header.HeaderSize,
		"sector_size", header.sectorSize())

	raw, err := a.readTable(header.hashTablePos(), int64(header.HashTableSize)*tableEntrySize, "hash table")
	if err != nil {
		return err
	}
	a.hashTable = unmarshalHashTable(raw)

	raw, err = a.readTable(header.blockTablePos(), int64(header.BlockTableSize)*tableEntrySize, "block table")
	if err != nil {
		return err
	}
	a.blockTable = unmarshalBlockTable(raw)

	if header.FormatVersion >= formatVersion2 && header.HiBlockTableOffset64 != 0 {
		raw, err = a.readTable(header.HiBlockTableOffset64, int64(header.BlockTableSize)*2, "hi-block table")
		if err != nil {
			return err
		}
		a.blockTable.applyHi(raw)
	}

	a.log.Debug("tables loaded", "hash_entries", len(a.hashTable), "blocks", len(a.blockTable))

	if a.cache, err = newFileCache(a.opts.CacheEntries); err != nil {
		return err
	}

	a.loadListfile()
	a.loadAttributes()
	return nil
}

// readTable reads size bytes at pos relative to the header.
func (a *Archive) readTable(pos uint64, size int64, what string) ([]byte, error) {
	start := a.header.offset + int64(pos)
	if start < 0 || start+size > int64(a.src.Len()) {
		return nil, errors.Wrapf(ErrBadHeader, "%s at 0x%X+%d exceeds file", what, start, size)
	}
	raw := make([]byte, size)
	if _, err := a.src.ReadAt(raw, start); err != nil {
		return nil, errors.Wrapf(err, "read %s", what)
	}
	return raw, nil
}

func (a *Archive) loadListfile() {
	data, err := a.readFile(listfileName, localeNeutral)
	if err == nil {
		a.listfile = parseListfile(data)
		return
	}

	a.log.Warn("no usable (listfile), using default list and opening read-only", "error", err)
	a.listfile = parseListfile(defaultListfile)
	a.readOnly = true
}

func (a *Archive) loadAttributes() {
	data, err := a.readFile(attributesName, localeNeutral)
	if err != nil {
		a.log.Debug("no (attributes)", "error", err)
		return
	}
	attrs, err := parseAttributes(data, len(a.blockTable))
	if err != nil {
		a.log.Warn("ignoring unreadable (attributes)", "error", err)
		return
	}
	a.attributes = attrs
}

// lookupPath converts '/' separators to '\'.
func lookupPath(path string) string {
	return strings.ReplaceAll(path, "/", `\`)
}

// normalizePath returns the canonical stored form of an archive path.
// (listfile) and (attributes) are regenerated by Close and cannot be staged.
func normalizePath(path string) (string, error) {
	path = strings.TrimSpace(lookupPath(path))
	path = strings.TrimLeft(path, `\`)
	if path == "" {
		return "", ErrInvalidPath
	}
	switch listKey(path) {
	case listKey(listfileName), listKey(attributesName):
		return "", errors.Wrapf(ErrInvalidPath, "%s is maintained by the archive", path)
	}
	return path, nil
}

// findEntry resolves path to its block, including deletion markers.
func (a *Archive) findEntry(path string, locale uint16) (uint32, blockTableEntry, error) {
	idx, err := a.hashTable.lookup(path, locale)
	if err != nil {
		return 0, blockTableEntry{}, err
	}
	block, err := a.blockTable.get(idx)
	if err != nil {
		return 0, blockTableEntry{}, &BrokenEntryError{Path: path, Err: err}
	}
	if !block.exists() {
		return 0, blockTableEntry{}, errors.Wrap(ErrNotFound, path)
	}
	return idx, block, nil
}

// findBlock resolves path to a live file.
func (a *Archive) findBlock(path string, locale uint16) (uint32, blockTableEntry, error) {
	idx, block, err := a.findEntry(path, locale)
	if err != nil {
		return 0, block, err
	}
	if block.deleteMarker() {
		return 0, block, errors.Wrapf(ErrNotFound, "%s is a deletion marker", path)
	}
	return idx, block, nil
}

// readBody returns the stored bytes of block.
func (a *Archive) readBody(block blockTableEntry) ([]byte, error) {
	if a.src == nil {
		return nil, ErrNotFound
	}
	start := a.header.offset + int64(block.filePos64())
	if start+int64(block.CompressedSize) > int64(a.src.Len()) {
		return nil, errors.Wrapf(ErrCorruptFile, "block at 0x%X+%d exceeds file", start, block.CompressedSize)
	}
	body := make([]byte, block.CompressedSize)
	if _, err := a.src.ReadAt(body, start); err != nil {
		return nil, errors.Wrap(err, "read file data")
	}
	return body, nil
}

// readFile extracts path without consulting the cache.
func (a *Archive) readFile(path string, locale uint16) ([]byte, error) {
	path = lookupPath(path)
	_, block, err := a.findBlock(path, locale)
	if err != nil {
		return nil, err
	}
	return a.extractBlock(path, block)
}

func (a *Archive) extractBlock(path string, block blockTableEntry) ([]byte, error) {
	body, err := a.readBody(block)
	if err != nil {
		return nil, errors.Wrapf(err, "extract %s", path)
	}
	data, err := newFileView(path, block, a.header.sectorSize()).extract(body, a.opts.VerifySectorChecksums)
	if err != nil {
		return nil, errors.Wrapf(err, "extract %s", path)
	}
	return data, nil
}

// HasFile returns true if the archive contains the specified file.
// The mpqPath is the path within the archive (use backslashes or forward slashes).
// Files staged by Insert are not visible until the archive is rebuilt.
func (a *Archive) HasFile(mpqPath string) bool {
	return a.HasFileLocale(mpqPath, localeNeutral)
}

// HasFileLocale is HasFile with locale preference.
func (a *Archive) HasFileLocale(mpqPath string, locale uint16) bool {
	if a.closed {
		return false
	}
	_, _, err := a.findBlock(lookupPath(mpqPath), locale)
	return err == nil
}

// ReadFile returns the content of a file in the neutral locale, or the best
// available locale.
func (a *Archive) ReadFile(mpqPath string) ([]byte, error) {
	return a.ReadFileLocale(mpqPath, localeNeutral)
}

// ReadFileLocale returns the content of a file, preferring locale.
func (a *Archive) ReadFileLocale(mpqPath string, locale uint16) ([]byte, error) {
	if a.closed {
		return nil, ErrClosed
	}
	mpqPath = lookupPath(mpqPath)

	idx, block, err := a.findBlock(mpqPath, locale)
	if err != nil {
		return nil, err
	}
	if data, ok := a.cache.get(idx); ok {
		return data, nil
	}

	data, err := a.extractBlock(mpqPath, block)
	if err != nil {
		return nil, err
	}
	a.cache.add(idx, data)
	return data, nil
}

// ExtractTo writes the content of a file to w.
func (a *Archive) ExtractTo(mpqPath string, w io.Writer) error {
	data, err := a.ReadFile(mpqPath)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return errors.Wrap(err, "write output")
	}
	return nil
}

// ExtractFile extracts a file from the archive to the specified destination.
// The mpqPath is the path within the archive (use backslashes or forward slashes).
func (a *Archive) ExtractFile(mpqPath, destPath string) error {
	data, err := a.ReadFile(mpqPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return errors.Wrap(err, "create directory")
	}
	if err := os.WriteFile(destPath, data, 0644); err != nil {
		return errors.Wrap(err, "write file")
	}
	return nil
}

// ExtractAll extracts every listed file into dir, mirroring archive paths.
// Paths that would leave dir are rejected.
func (a *Archive) ExtractAll(dir string) error {
	files, err := a.ListFiles()
	if err != nil {
		return err
	}

	for _, f := range files {
		rel := filepath.FromSlash(strings.ReplaceAll(f, `\`, "/"))
		if !filepath.IsLocal(rel) {
			return errors.Wrapf(ErrInvalidPath, "%s escapes %s", f, dir)
		}
		if err := a.ExtractFile(f, filepath.Join(dir, rel)); err != nil {
			return err
		}
	}
	return nil
}

// ListFiles returns the paths of the listfile that exist in the archive,
// followed by staged paths not present yet.
func (a *Archive) ListFiles() ([]string, error) {
	if a.closed {
		return nil, ErrClosed
	}

	var files []string
	seen := make(map[string]struct{})
	for _, f := range a.listfile.paths() {
		if isSpecialFile(f) || !a.HasFile(f) {
			continue
		}
		seen[listKey(f)] = struct{}{}
		files = append(files, f)
	}
	for _, s := range a.staged {
		if _, ok := seen[listKey(s.path)]; ok {
			continue
		}
		seen[listKey(s.path)] = struct{}{}
		files = append(files, s.path)
	}
	return files, nil
}

// ArchiveInfo describes the layout of an opened archive.
type ArchiveInfo struct {
	Path           string
	HeaderOffset   int64
	HeaderSize     uint32
	FormatVersion  uint16
	SectorSize     uint32
	ArchiveSize    uint32
	HashTableSize  uint32
	BlockTableSize uint32
	ReadOnly       bool
}

// Info returns a snapshot of the header fields.
func (a *Archive) Info() ArchiveInfo {
	return ArchiveInfo{
		Path:           a.path,
		HeaderOffset:   a.header.offset,
		HeaderSize:     a.header.HeaderSize,
		FormatVersion:  a.header.FormatVersion,
		SectorSize:     a.header.sectorSize(),
		ArchiveSize:    a.header.ArchiveSize,
		HashTableSize:  a.header.HashTableSize,
		BlockTableSize: a.header.BlockTableSize,
		ReadOnly:       a.readOnly,
	}
}

// FileModTime returns the timestamp (attributes) records for mpqPath. ok is
// false when the archive keeps no timestamp for the file.
func (a *Archive) FileModTime(mpqPath string) (modTime time.Time, ok bool) {
	if a.closed {
		return time.Time{}, false
	}
	idx, _, err := a.findBlock(lookupPath(mpqPath), localeNeutral)
	if err != nil {
		return time.Time{}, false
	}
	ft, ok := a.attributes.fileTimeAt(idx)
	if !ok {
		return time.Time{}, false
	}
	modTime = fromFileTime(ft)
	return modTime, !modTime.IsZero()
}

// FileCount returns the number of occupied hash table entries. Each locale
// variant of a path counts once. Staged inserts are not included.
func (a *Archive) FileCount() int {
	return a.hashTable.liveCount()
}

// writable returns the error a mutation should fail with, if any.
func (a *Archive) writable() error {
	if a.closed {
		return ErrClosed
	}
	if a.readOnly {
		return ErrNotWritable
	}
	return nil
}

// Insert stages data under mpqPath. The file is written by Close.
func (a *Archive) Insert(mpqPath string, data []byte, opts InsertOptions) error {
	if err := a.writable(); err != nil {
		return err
	}
	path, err := normalizePath(mpqPath)
	if err != nil {
		return err
	}
	opts.applyDefaults()

	src := memorySource(data)
	if opts.Copy {
		src = append(memorySource(nil), data...)
	}
	a.stage(path, opts, src)
	return nil
}

// InsertFile stages the file at srcPath under mpqPath. With opts.Copy the
// content is snapshotted now; otherwise it is read at Close.
func (a *Archive) InsertFile(mpqPath, srcPath string, opts InsertOptions) error {
	if err := a.writable(); err != nil {
		return err
	}
	path, err := normalizePath(mpqPath)
	if err != nil {
		return err
	}
	opts.applyDefaults()

	var src contentSource
	if opts.Copy {
		spool, err := newSpoolSource(filepath.Dir(a.path), srcPath)
		if err != nil {
			return err
		}
		src = spool
	} else {
		if _, err := os.Stat(srcPath); err != nil {
			return errors.Wrapf(err, "stat %s", srcPath)
		}
		src = diskSource(srcPath)
	}
	a.stage(path, opts, src)
	return nil
}

// AddFile adds a file to the archive.
// The srcPath is the path to the file on disk.
// The mpqPath is the path within the archive (use backslashes or forward slashes).
func (a *Archive) AddFile(srcPath, mpqPath string) error {
	return a.InsertFile(mpqPath, srcPath, InsertOptions{Copy: true})
}

// stage records an insert, replacing an earlier insert of the same path
// and locale.
func (a *Archive) stage(path string, opts InsertOptions, src contentSource) {
	a.listfile.add(path)

	key := listKey(path)
	for i, s := range a.staged {
		if listKey(s.path) == key && s.opts.Locale == opts.Locale {
			_ = s.src.release()
			a.staged[i] = &stagedFile{path: path, opts: opts, src: src}
			return
		}
	}
	a.staged = append(a.staged, &stagedFile{path: path, opts: opts, src: src})
}

// Delete removes mpqPath, in every locale, from the rebuilt archive.
func (a *Archive) Delete(mpqPath string) error {
	if err := a.writable(); err != nil {
		return err
	}
	path := lookupPath(mpqPath)
	a.listfile.remove(path)
	if err := a.hashTable.removeAll(path); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	a.cache.purge()
	a.dropStaged(path, func(*stagedFile) bool { return true })
	return nil
}

// DeleteLocale removes the locale variant of mpqPath. The path stays listed
// while other variants remain.
func (a *Archive) DeleteLocale(mpqPath string, locale uint16) error {
	if err := a.writable(); err != nil {
		return err
	}
	path := lookupPath(mpqPath)
	err := a.hashTable.remove(path, locale)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	a.cache.purge()
	a.dropStaged(path, func(s *stagedFile) bool { return s.opts.Locale == locale })

	if len(a.hashTable.entries(path)) > 0 {
		return nil
	}
	for _, s := range a.staged {
		if listKey(s.path) == listKey(path) {
			return nil
		}
	}
	a.listfile.remove(path)
	return nil
}

// dropStaged releases staged content for path selected by match.
func (a *Archive) dropStaged(path string, match func(*stagedFile) bool) {
	key := listKey(path)
	kept := a.staged[:0]
	for _, s := range a.staged {
		if listKey(s.path) == key && match(s) {
			_ = s.src.release()
			continue
		}
		kept = append(kept, s)
	}
	a.staged = kept
}

// Close closes the archive. Writable archives are rebuilt with
// DefaultCloseOptions.
func (a *Archive) Close() error {
	return a.CloseWithOptions(DefaultCloseOptions())
}

// CloseWithOptions rebuilds a writable archive and releases it. If the
// rebuild fails the original file is left untouched and the archive stays
// open, so the caller may retry or Discard.
func (a *Archive) CloseWithOptions(opts CloseOptions) error {
	if a.closed {
		return nil
	}
	if a.readOnly {
		return a.release()
	}

	opts.applyDefaults()
	if err := a.rebuild(opts); err != nil {
		return err
	}
	return a.release()
}

// Discard releases the archive without writing staged changes.
func (a *Archive) Discard() error {
	if a.closed {
		return nil
	}
	return a.release()
}

// release frees the memory map and staged content.
func (a *Archive) release() error {
	a.closed = true
	a.cache.purge()

	var firstErr error
	for _, s := range a.staged {
		if err := s.src.release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.staged = nil

	if a.src != nil {
		if err := a.src.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		a.src = nil
	}
	return firstErr
}
