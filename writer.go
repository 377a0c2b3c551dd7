// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"bufio"
	"cmp"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/pkg/errors"
)

// hashBinding is one hash table entry to write.
type hashBinding struct {
	path   string
	locale uint16
}

// planItem is one block of the rebuilt archive.
type planItem struct {
	bindings []hashBinding

	// retained files
	oldIndex uint32
	old      *blockTableEntry

	// staged files
	staged *stagedFile
}

func (p *planItem) path() string { return p.bindings[0].path }

// rebuildPlan is the ordered set of blocks of the new archive.
type rebuildPlan struct {
	items    []*planItem
	listed   *listfile
	retained int
	removed  int
}

// planRebuild partitions the current archive against the listfile and the
// staged inserts. Retained blocks keep their previous relative order and
// precede new files, which follow in staging order.
func (a *Archive) planRebuild() *rebuildPlan {
	plan := &rebuildPlan{listed: newListfile()}

	overridden := make(map[hashBinding]bool)
	for _, s := range a.staged {
		overridden[hashBinding{listKey(s.path), s.opts.Locale}] = true
	}

	byBlock := make(map[uint32]*planItem)
	for _, path := range a.listfile.paths() {
		if isSpecialFile(path) {
			continue
		}
		for _, e := range a.hashTable.entries(path) {
			if overridden[hashBinding{listKey(path), e.Locale}] {
				continue
			}
			block, err := a.blockTable.get(e.BlockIndex)
			if err != nil || !block.exists() {
				continue
			}
			item, ok := byBlock[e.BlockIndex]
			if !ok {
				item = &planItem{oldIndex: e.BlockIndex, old: &a.blockTable[e.BlockIndex]}
				byBlock[e.BlockIndex] = item
			}
			item.bindings = append(item.bindings, hashBinding{path, e.Locale})
		}
	}

	for _, item := range byBlock {
		plan.items = append(plan.items, item)
	}
	slices.SortFunc(plan.items, func(x, y *planItem) int {
		return cmp.Compare(x.oldIndex, y.oldIndex)
	})
	plan.retained = len(plan.items)
	plan.removed = len(a.blockTable.validBlocks()) - plan.retained

	for _, s := range a.staged {
		plan.items = append(plan.items, &planItem{
			bindings: []hashBinding{{s.path, s.opts.Locale}},
			staged:   s,
		})
	}

	for _, item := range plan.items {
		for _, b := range item.bindings {
			if !isSpecialFile(b.path) {
				plan.listed.add(b.path)
			}
		}
	}
	return plan
}

// countingWriter tracks the absolute output position.
type countingWriter struct {
	w   *bufio.Writer
	pos int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.pos += int64(n)
	return n, err
}

// rebuilder holds the state of one rebuild pass.
type rebuilder struct {
	a          *Archive
	opts       CloseOptions
	out        *countingWriter
	base       int64 // header offset in the output
	sectorSize uint32
	shift      uint16
	compress   *compressMatcher

	blocks blockTable
	attrs  *attributes
	now    uint64
}

// rebuild writes the new archive to a temp file next to the original and
// swaps it in. The original is untouched until replaceArchive.
func (a *Archive) rebuild(opts CloseOptions) (err error) {
	matcher, err := newCompressMatcher(opts.Compress, opts.CompressMatcherOptions)
	if err != nil {
		return err
	}

	target, mode, err := a.targetFile()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), "mpq_*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmp != nil {
			tmp.Close()
		}
		if err != nil {
			os.Remove(tmpPath)
		}
	}()
	if err := tmp.Chmod(mode); err != nil {
		return errors.Wrap(err, "set temp file mode")
	}

	r := &rebuilder{
		a:          a,
		opts:       opts,
		out:        &countingWriter{w: bufio.NewWriterSize(tmp, opts.WriterBufferSize)},
		base:       a.header.offset,
		sectorSize: a.header.sectorSize(),
		shift:      a.header.SectorSizeShift,
		compress:   matcher,
		now:        toFileTime(time.Now()),
	}
	if s := opts.Recompress.SectorSizeShift; s != 0 && s != a.header.SectorSizeShift {
		r.shift = s
		r.sectorSize = 512 << s
	}

	plan := a.planRebuild()
	header, err := r.write(plan)
	if err != nil {
		return err
	}
	if err := r.out.w.Flush(); err != nil {
		return errors.Wrap(err, "flush archive")
	}
	if _, err := tmp.WriteAt(header.marshal(), r.base); err != nil {
		return errors.Wrap(err, "write header")
	}
	if err := tmp.Sync(); err != nil {
		return errors.Wrap(err, "sync archive")
	}
	if err := tmp.Close(); err != nil {
		tmp = nil
		return errors.Wrap(err, "close temp file")
	}
	tmp = nil

	a.log.Info("archive rebuilt",
		"retained", plan.retained,
		"new", len(plan.items)-plan.retained,
		"removed", plan.removed,
		"blocks", len(r.blocks),
		"size", r.out.pos-r.base)

	if err := a.replaceArchive(tmpPath, target); err != nil {
		return err
	}
	return nil
}

// write emits everything but the header and returns the header to place
// at the header offset.
func (r *rebuilder) write(plan *rebuildPlan) (*archiveHeader, error) {
	a := r.a

	if r.base > 0 {
		if _, err := io.Copy(r.out, io.NewSectionReader(a.src, 0, r.base)); err != nil {
			return nil, errors.Wrap(err, "copy archive prefix")
		}
	}

	header := &archiveHeader{baseHeader: a.header.baseHeader}
	header.FormatVersion = min(header.FormatVersion, formatVersion2)
	header.SectorSizeShift = r.shift
	placeholder := header.marshal()
	if _, err := r.out.Write(placeholder); err != nil {
		return nil, errors.Wrap(err, "write header placeholder")
	}

	extra := 0
	if r.opts.BuildListfile {
		extra++
	}
	if r.opts.BuildAttributes {
		extra++
	}
	total := len(plan.items) + extra
	r.blocks = make(blockTable, 0, total)
	if r.opts.BuildAttributes {
		r.attrs = newAttributes(total, attributesFlagCRC32|attributesFlagFileTime)
	}

	for _, item := range plan.items {
		if err := r.writeItem(item); err != nil {
			return nil, errors.Wrapf(err, "write %s", item.path())
		}
	}

	if r.opts.BuildListfile {
		if err := r.writeSpecial(listfileName, plan.listed.marshal()); err != nil {
			return nil, err
		}
	}
	if r.opts.BuildAttributes {
		if err := r.writeSpecial(attributesName, r.attrs.marshal()); err != nil {
			return nil, err
		}
	}

	live := 0
	for _, item := range plan.items {
		live += len(item.bindings)
	}
	capacity := max(nextPowerOf2(uint32(live+2))*2, a.minHashSize)
	table := newHashTable(capacity)
	for i, item := range plan.items {
		for _, b := range item.bindings {
			if err := table.insert(b.path, b.locale, uint32(i)); err != nil {
				return nil, err
			}
		}
	}
	next := uint32(len(plan.items))
	if r.opts.BuildListfile {
		if err := table.insert(listfileName, localeNeutral, next); err != nil {
			return nil, err
		}
		next++
	}
	if r.opts.BuildAttributes {
		if err := table.insert(attributesName, localeNeutral, next); err != nil {
			return nil, err
		}
	}

	header.setHashTablePos(uint64(r.out.pos - r.base))
	header.HashTableSize = uint32(len(table))
	if _, err := r.out.Write(table.marshal()); err != nil {
		return nil, errors.Wrap(err, "write hash table")
	}

	header.setBlockTablePos(uint64(r.out.pos - r.base))
	header.BlockTableSize = uint32(len(r.blocks))
	if _, err := r.out.Write(r.blocks.marshal()); err != nil {
		return nil, errors.Wrap(err, "write block table")
	}

	header.HiBlockTableOffset64 = 0
	if r.blocks.needsHiBlockTable() || r.out.pos-r.base > 0xFFFFFFFF {
		if header.FormatVersion < formatVersion2 {
			return nil, errors.New("archive exceeds 4 GiB, which needs format version 1")
		}
		header.HiBlockTableOffset64 = uint64(r.out.pos - r.base)
		if _, err := r.out.Write(r.blocks.marshalHi()); err != nil {
			return nil, errors.Wrap(err, "write hi-block table")
		}
	}

	header.ArchiveSize = uint32(r.out.pos - r.base)
	return header, nil
}

// writeItem copies or encodes one planned block.
func (r *rebuilder) writeItem(item *planItem) error {
	pos := uint64(r.out.pos - r.base)
	a := r.a

	if item.staged != nil {
		data, err := item.staged.src.load()
		if err != nil {
			return err
		}
		o := item.staged.opts
		entry, body, err := encodeFile(data, item.path(), pos, r.sectorSize, encodeParams{
			compress:   r.compress.Match(item.path()),
			level:      r.opts.CompressionLevel,
			encrypt:    o.Encrypt,
			fixKey:     o.FixKey,
			singleUnit: o.SingleUnit,
			sectorCRC:  o.SectorChecksums,
		})
		if err != nil {
			return err
		}
		a.log.Debug("file added", "path", item.path(), "size", len(data), "stored", len(body))
		return r.emit(entry, body, crc32(data), r.now)
	}

	old := *item.old
	crc, haveCRC := a.attributes.crcAt(item.oldIndex)
	ft, haveFT := a.attributes.fileTimeAt(item.oldIndex)
	if !haveFT {
		ft = r.now
	}

	if !r.mustRecode(old, pos) {
		body, err := a.readBody(old)
		if err != nil {
			return err
		}
		if r.attrs != nil && !haveCRC && old.FileSize > 0 && old.Flags&filePatchFile == 0 && !old.deleteMarker() {
			data, err := newFileView(item.path(), old, a.header.sectorSize()).extract(append([]byte(nil), body...), false)
			if err != nil {
				a.log.Warn("no checksum for retained file", "path", item.path(), "error", err)
			} else {
				crc = crc32(data)
			}
		}
		entry := old
		entry.setFilePos64(pos)
		a.log.Debug("file retained", "path", item.path())
		return r.emit(entry, body, crc, ft)
	}

	data, err := a.extractBlock(item.path(), old)
	if err != nil {
		return err
	}
	entry, body, err := encodeFile(data, item.path(), pos, r.sectorSize, encodeParams{
		compress:   r.compress.Match(item.path()),
		level:      r.opts.CompressionLevel,
		encrypt:    old.encrypted(),
		fixKey:     old.Flags&fileFixKey != 0,
		singleUnit: old.singleUnit(),
		sectorCRC:  old.Flags&fileSectorCRC != 0,
	})
	if err != nil {
		return err
	}
	if !haveCRC {
		crc = crc32(data)
	}
	a.log.Debug("file recoded", "path", item.path(), "size", len(data), "stored", len(body))
	return r.emit(entry, body, crc, ft)
}

// mustRecode reports whether a retained block cannot be copied as stored.
// Patch files are always copied.
func (r *rebuilder) mustRecode(old blockTableEntry, pos uint64) bool {
	if old.CompressedSize == 0 || old.Flags&filePatchFile != 0 || old.deleteMarker() {
		return false
	}
	if r.opts.Recompress.Enabled || r.shift != r.a.header.SectorSizeShift {
		return true
	}
	return old.Flags&fileFixKey != 0 && old.filePos64() != pos
}

// writeSpecial encodes an archive-maintained file.
func (r *rebuilder) writeSpecial(name string, data []byte) error {
	pos := uint64(r.out.pos - r.base)
	entry, body, err := encodeFile(data, name, pos, r.sectorSize, encodeParams{
		compress: true,
		level:    r.opts.CompressionLevel,
	})
	if err != nil {
		return errors.Wrapf(err, "encode %s", name)
	}
	return r.emit(entry, body, 0, 0)
}

// emit appends body to the output and records its block and attributes.
func (r *rebuilder) emit(entry blockTableEntry, body []byte, crc uint32, ft uint64) error {
	if _, err := r.out.Write(body); err != nil {
		return errors.Wrap(err, "write file data")
	}
	if r.attrs != nil {
		i := len(r.blocks)
		r.attrs.crc32[i] = crc
		r.attrs.fileTime[i] = ft
	}
	r.blocks = append(r.blocks, entry)
	return nil
}

// targetFile resolves the archive path through symlinks and returns the
// file to replace with its permission bits. A path that does not exist yet
// gets 0644.
func (a *Archive) targetFile() (string, fs.FileMode, error) {
	target, err := filepath.EvalSymlinks(a.path)
	if errors.Is(err, fs.ErrNotExist) {
		return a.path, 0644, nil
	}
	if err != nil {
		return "", 0, errors.Wrap(err, "resolve archive path")
	}
	info, err := os.Stat(target)
	if err != nil {
		return "", 0, errors.Wrap(err, "stat archive")
	}
	return target, info.Mode().Perm(), nil
}

// replaceArchive swaps the rebuilt temp file in for target. The memory map
// is released first. When the rename fails the original is truncated and
// overwritten in place.
func (a *Archive) replaceArchive(tmpPath, target string) error {
	if a.src != nil {
		if err := a.src.Close(); err != nil {
			return errors.Wrap(err, "release archive map")
		}
		a.src = nil
	}

	if err := os.Rename(tmpPath, target); err == nil {
		return nil
	}

	if err := copyFile(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "save archive")
	}
	os.Remove(tmpPath)
	return nil
}

// copyFile copies a file from src to dst.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
