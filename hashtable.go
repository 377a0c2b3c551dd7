// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// hashTableEntry is one 16-byte hash table bucket.
type hashTableEntry struct {
	HashA      uint32 // First hash of the file name
	HashB      uint32 // Second hash of the file name
	Locale     uint16 // Locale ID
	Platform   uint16 // Platform ID (0 = default)
	BlockIndex uint32 // Index into the block table, or a bucket marker
}

func (e *hashTableEntry) unused() bool  { return e.BlockIndex == hashTableEmpty }
func (e *hashTableEntry) deleted() bool { return e.BlockIndex == hashTableDeleted }

// key returns the 64-bit path key of the bucket.
func (e *hashTableEntry) key() uint64 {
	return uint64(e.HashA)<<32 | uint64(e.HashB)
}

var emptyHashEntry = hashTableEntry{
	HashA:      0xFFFFFFFF,
	HashB:      0xFFFFFFFF,
	Locale:     0xFFFF,
	Platform:   0xFFFF,
	BlockIndex: hashTableEmpty,
}

// pathKey is the precomputed hash triple of an archive path.
type pathKey struct {
	start uint32
	key   uint64
}

func newPathKey(path string) pathKey {
	return pathKey{
		start: hashString(path, hashTypeTableOffset),
		key:   uint64(hashString(path, hashTypeNameA))<<32 | uint64(hashString(path, hashTypeNameB)),
	}
}

// hashTable maps path keys to block indices with linear probing.
// Its length is always a power of two.
type hashTable []hashTableEntry

// newHashTable returns a table of the given capacity with every bucket unused.
func newHashTable(capacity uint32) hashTable {
	t := make(hashTable, capacity)
	for i := range t {
		t[i] = emptyHashEntry
	}
	return t
}

func (t hashTable) mask() uint32 {
	return uint32(len(t)) - 1
}

// probe calls fn for each bucket on the probe chain of k until fn returns
// false, an unused bucket is reached, or every bucket was visited.
func (t hashTable) probe(k pathKey, fn func(idx uint32, e *hashTableEntry) bool) {
	if len(t) == 0 {
		return
	}
	start := k.start & t.mask()
	for i := uint32(0); i < uint32(len(t)); i++ {
		idx := (start + i) & t.mask()
		e := &t[idx]
		if e.unused() {
			return
		}
		if !fn(idx, e) {
			return
		}
	}
}

// lookup returns the block index of path. An exact locale match wins over
// the neutral locale, which wins over any other locale.
func (t hashTable) lookup(path string, locale uint16) (uint32, error) {
	k := newPathKey(path)

	const none = -1
	exact, neutral, first := none, none, none
	t.probe(k, func(idx uint32, e *hashTableEntry) bool {
		if e.deleted() || e.key() != k.key {
			return true
		}
		switch {
		case e.Locale == locale && exact == none:
			exact = int(idx)
		case e.Locale == localeNeutral && neutral == none:
			neutral = int(idx)
		}
		if first == none {
			first = int(idx)
		}
		return exact == none
	})

	for _, idx := range []int{exact, neutral, first} {
		if idx != none {
			return t[idx].BlockIndex, nil
		}
	}
	return 0, errors.Wrap(ErrNotFound, path)
}

// entries returns every live bucket for path, in probe order.
func (t hashTable) entries(path string) []hashTableEntry {
	k := newPathKey(path)
	var found []hashTableEntry
	t.probe(k, func(_ uint32, e *hashTableEntry) bool {
		if !e.deleted() && e.key() == k.key {
			found = append(found, *e)
		}
		return true
	})
	return found
}

// insert binds (path, locale) to blockIndex, replacing an existing binding
// for the same pair.
func (t hashTable) insert(path string, locale uint16, blockIndex uint32) error {
	if len(t) == 0 {
		return ErrCapacityExceeded
	}
	k := newPathKey(path)

	replaced := false
	t.probe(k, func(_ uint32, e *hashTableEntry) bool {
		if !e.deleted() && e.key() == k.key && e.Locale == locale {
			e.BlockIndex = blockIndex
			replaced = true
			return false
		}
		return true
	})
	if replaced {
		return nil
	}

	start := k.start & t.mask()
	for i := uint32(0); i < uint32(len(t)); i++ {
		e := &t[(start+i)&t.mask()]
		if e.unused() || e.deleted() {
			*e = hashTableEntry{
				HashA:      uint32(k.key >> 32),
				HashB:      uint32(k.key),
				Locale:     locale,
				Platform:   0,
				BlockIndex: blockIndex,
			}
			return nil
		}
	}
	return errors.Wrapf(ErrCapacityExceeded, "insert %s", path)
}

// remove tombstones the bucket for (path, locale).
func (t hashTable) remove(path string, locale uint16) error {
	k := newPathKey(path)

	hit := -1
	t.probe(k, func(idx uint32, e *hashTableEntry) bool {
		if !e.deleted() && e.key() == k.key && e.Locale == locale {
			hit = int(idx)
			return false
		}
		return true
	})
	if hit < 0 {
		return errors.Wrap(ErrNotFound, path)
	}

	t.tombstone(uint32(hit))
	return nil
}

// removeAll tombstones every locale variant of path.
func (t hashTable) removeAll(path string) error {
	k := newPathKey(path)

	removed := 0
	for {
		hit := -1
		t.probe(k, func(idx uint32, e *hashTableEntry) bool {
			if !e.deleted() && e.key() == k.key {
				hit = int(idx)
				return false
			}
			return true
		})
		if hit < 0 {
			break
		}
		t.tombstone(uint32(hit))
		removed++
	}

	if removed == 0 {
		return errors.Wrap(ErrNotFound, path)
	}
	return nil
}

// tombstone marks idx deleted. When the next bucket is unused, the trailing
// run of deleted buckets ending at idx is released back to unused.
func (t hashTable) tombstone(idx uint32) {
	t[idx].BlockIndex = hashTableDeleted

	if !t[(idx+1)&t.mask()].unused() {
		return
	}
	for n := 0; n < len(t) && t[idx].deleted(); n++ {
		t[idx] = emptyHashEntry
		idx = (idx - 1) & t.mask()
	}
}

// liveCount returns the number of occupied buckets.
func (t hashTable) liveCount() int {
	n := 0
	for i := range t {
		if !t[i].unused() && !t[i].deleted() {
			n++
		}
	}
	return n
}

// marshal encodes and encrypts the table.
func (t hashTable) marshal() []byte {
	words := make([]uint32, len(t)*4)
	for i, e := range t {
		words[i*4] = e.HashA
		words[i*4+1] = e.HashB
		words[i*4+2] = uint32(e.Locale) | uint32(e.Platform)<<16
		words[i*4+3] = e.BlockIndex
	}
	encryptBlock(words, hashTableKey)
	return wordsToBytes(words)
}

// unmarshalHashTable decrypts and decodes raw table bytes.
func unmarshalHashTable(raw []byte) hashTable {
	words := bytesToWords(raw)
	decryptBlock(words, hashTableKey)

	t := make(hashTable, len(words)/4)
	for i := range t {
		t[i] = hashTableEntry{
			HashA:      words[i*4],
			HashB:      words[i*4+1],
			Locale:     uint16(words[i*4+2]),
			Platform:   uint16(words[i*4+2] >> 16),
			BlockIndex: words[i*4+3],
		}
	}
	return t
}

func bytesToWords(raw []byte) []uint32 {
	words := make([]uint32, len(raw)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	return words
}

func wordsToBytes(words []uint32) []byte {
	raw := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(raw[i*4:], w)
	}
	return raw
}

// nextPowerOf2 returns the smallest power of 2 >= n.
func nextPowerOf2(n uint32) uint32 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	return n + 1
}
