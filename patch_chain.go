// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"strings"

	"github.com/pkg/errors"
)

// normalizeMpqPath returns the case-folded lookup form of an archive path.
func normalizeMpqPath(path string) string {
	normalized := strings.ToUpper(lookupPath(path))
	for strings.Contains(normalized, `\\`) {
		normalized = strings.ReplaceAll(normalized, `\\`, `\`)
	}
	return normalized
}

// PatchMetadata summarizes the patch-related blocks of one archive.
type PatchMetadata struct {
	PatchFiles    int
	DeleteMarkers int
}

// readPatchMetadata counts patch and deletion-marker blocks. Archives with
// neither yield nil.
func (a *Archive) readPatchMetadata() *PatchMetadata {
	var meta PatchMetadata
	for _, b := range a.blockTable {
		if !b.exists() {
			continue
		}
		if b.Flags&filePatchFile != 0 {
			meta.PatchFiles++
		}
		if b.deleteMarker() {
			meta.DeleteMarkers++
		}
	}
	if meta == (PatchMetadata{}) {
		return nil
	}
	return &meta
}

// chainEntry records which archive owns a path and whether it is deleted there.
type chainEntry struct {
	archive int
	deleted bool
}

// PatchChain represents a prioritized list of MPQ archives.
type PatchChain struct {
	archives []*Archive
	paths    []string
	metadata map[string]*PatchMetadata
	fileMap  map[string]chainEntry
}

// OpenPatchChain opens multiple MPQ archives read-only, in order of
// increasing priority. The last archive in the list has the highest priority.
func OpenPatchChain(paths []string) (*PatchChain, error) {
	archives := make([]*Archive, 0, len(paths))
	metadata := make(map[string]*PatchMetadata)

	for _, path := range paths {
		archive, err := Open(path)
		if err != nil {
			for _, opened := range archives {
				_ = opened.Close()
			}
			return nil, errors.Wrapf(err, "open archive %s", path)
		}
		archives = append(archives, archive)

		if meta := archive.readPatchMetadata(); meta != nil {
			metadata[path] = meta
		}
	}

	chain := &PatchChain{
		archives: archives,
		paths:    append([]string(nil), paths...),
		metadata: metadata,
	}
	chain.rebuildFileMap()
	return chain, nil
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

// resolve returns the archive owning mpqPath. Paths missing from every
// listfile are searched linearly.
func (p *PatchChain) resolve(mpqPath string) (chainEntry, bool) {
	if e, ok := p.fileMap[normalizeMpqPath(mpqPath)]; ok {
		return e, true
	}
	return p.resolveLinear(mpqPath)
}

func (p *PatchChain) resolveLinear(mpqPath string) (chainEntry, bool) {
	mpqPath = lookupPath(mpqPath)
	for i := len(p.archives) - 1; i >= 0; i-- {
		_, block, err := p.archives[i].findEntry(mpqPath, localeNeutral)
		if err == nil {
			return chainEntry{archive: i, deleted: block.deleteMarker()}, true
		}
	}
	return chainEntry{}, false
}

// HasFile returns true if any archive contains the specified file.
// A deletion marker in a higher-priority archive hides lower versions.
func (p *PatchChain) HasFile(mpqPath string) bool {
	e, ok := p.resolve(mpqPath)
	return ok && !e.deleted
}

// hasFileLinear is HasFile without the file map.
func (p *PatchChain) hasFileLinear(mpqPath string) bool {
	e, ok := p.resolveLinear(mpqPath)
	return ok && !e.deleted
}

// ReadFile returns the highest-priority version of a file.
func (p *PatchChain) ReadFile(mpqPath string) ([]byte, error) {
	e, ok := p.resolve(mpqPath)
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "patch chain: %s", mpqPath)
	}
	if e.deleted {
		return nil, errors.Wrapf(ErrNotFound, "patch chain: %s is deleted by %s", mpqPath, p.paths[e.archive])
	}
	return p.archives[e.archive].ReadFile(mpqPath)
}

// ExtractFile extracts the highest-priority version of a file.
func (p *PatchChain) ExtractFile(mpqPath, destPath string) error {
	e, ok := p.resolve(mpqPath)
	if !ok {
		return errors.Wrapf(ErrNotFound, "patch chain: %s", mpqPath)
	}
	if e.deleted {
		return errors.Wrapf(ErrNotFound, "patch chain: %s is deleted by %s", mpqPath, p.paths[e.archive])
	}
	return p.archives[e.archive].ExtractFile(mpqPath, destPath)
}

// ListFiles returns the union of listfiles across the chain, without files
// hidden by deletion markers.
func (p *PatchChain) ListFiles() ([]string, error) {
	seen := make(map[string]struct{})
	var result []string
	for i := len(p.archives) - 1; i >= 0; i-- {
		for _, file := range p.archives[i].listfile.paths() {
			key := normalizeMpqPath(file)
			if _, ok := seen[key]; ok {
				continue
			}
			if e, ok := p.fileMap[key]; !ok || e.deleted || isSpecialFile(file) {
				continue
			}
			seen[key] = struct{}{}
			result = append(result, file)
		}
	}
	return result, nil
}

// GetPatchMetadata returns the patch metadata for a specific archive in the chain.
func (p *PatchChain) GetPatchMetadata(archivePath string) *PatchMetadata {
	return p.metadata[archivePath]
}

// GetArchiveCount returns the number of archives in the chain.
func (p *PatchChain) GetArchiveCount() int {
	return len(p.archives)
}

// HasPatchFile reports whether any archive stores mpqPath as a patch file.
func (p *PatchChain) HasPatchFile(mpqPath string) bool {
	mpqPath = lookupPath(mpqPath)
	for i := len(p.archives) - 1; i >= 0; i-- {
		_, block, err := p.archives[i].findEntry(mpqPath, localeNeutral)
		if err == nil && block.Flags&filePatchFile != 0 {
			return true
		}
	}
	return false
}

// rebuildFileMap maps every listed path to its highest-priority archive.
func (p *PatchChain) rebuildFileMap() {
	p.fileMap = make(map[string]chainEntry)

	for i := len(p.archives) - 1; i >= 0; i-- {
		archive := p.archives[i]
		for _, file := range archive.listfile.paths() {
			key := normalizeMpqPath(file)
			if _, exists := p.fileMap[key]; exists {
				continue
			}
			_, block, err := archive.findEntry(lookupPath(file), localeNeutral)
			if err != nil {
				continue
			}
			p.fileMap[key] = chainEntry{archive: i, deleted: block.deleteMarker()}
		}
	}
}
