// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// blockTableEntry describes where a file lives and how it is stored.
type blockTableEntry struct {
	FilePos        uint32 // Offset of the file data relative to the header (low 32 bits)
	CompressedSize uint32 // Stored size
	FileSize       uint32 // Uncompressed size
	Flags          uint32 // File flags
	FilePosHi      uint16 // High 16 bits of the offset, from the hi-block table
}

// filePos64 returns the full position relative to the archive header.
func (b *blockTableEntry) filePos64() uint64 {
	return uint64(b.FilePos) | uint64(b.FilePosHi)<<32
}

func (b *blockTableEntry) setFilePos64(pos uint64) {
	b.FilePos = uint32(pos)
	b.FilePosHi = uint16(pos >> 32)
}

func (b *blockTableEntry) exists() bool       { return b.Flags&fileExists != 0 }
func (b *blockTableEntry) compressed() bool   { return b.Flags&(fileCompress|fileImplode) != 0 }
func (b *blockTableEntry) encrypted() bool    { return b.Flags&fileEncrypted != 0 }
func (b *blockTableEntry) singleUnit() bool   { return b.Flags&fileSingleUnit != 0 }
func (b *blockTableEntry) deleteMarker() bool { return b.Flags&fileDeleteMarker != 0 }

// blockTable is indexed by the block index stored in hash buckets.
type blockTable []blockTableEntry

// get returns the entry at index.
func (t blockTable) get(index uint32) (blockTableEntry, error) {
	if index >= uint32(len(t)) {
		return blockTableEntry{}, errors.Wrapf(ErrInvalidBlockPosition, "block %d of %d", index, len(t))
	}
	return t[index], nil
}

// validBlocks returns the indices of blocks flagged as existing.
func (t blockTable) validBlocks() []uint32 {
	var idx []uint32
	for i := range t {
		if t[i].exists() {
			idx = append(idx, uint32(i))
		}
	}
	return idx
}

// needsHiBlockTable reports whether any position exceeds 32 bits.
func (t blockTable) needsHiBlockTable() bool {
	for i := range t {
		if t[i].FilePosHi != 0 {
			return true
		}
	}
	return false
}

// marshal encodes and encrypts the table.
func (t blockTable) marshal() []byte {
	words := make([]uint32, len(t)*4)
	for i, e := range t {
		words[i*4] = e.FilePos
		words[i*4+1] = e.CompressedSize
		words[i*4+2] = e.FileSize
		words[i*4+3] = e.Flags
	}
	encryptBlock(words, blockTableKey)
	return wordsToBytes(words)
}

// marshalHi encodes the hi-block table. It is stored unencrypted.
func (t blockTable) marshalHi() []byte {
	raw := make([]byte, len(t)*2)
	for i, e := range t {
		binary.LittleEndian.PutUint16(raw[i*2:], e.FilePosHi)
	}
	return raw
}

// unmarshalBlockTable decrypts and decodes raw table bytes.
func unmarshalBlockTable(raw []byte) blockTable {
	words := bytesToWords(raw)
	decryptBlock(words, blockTableKey)

	t := make(blockTable, len(words)/4)
	for i := range t {
		t[i] = blockTableEntry{
			FilePos:        words[i*4],
			CompressedSize: words[i*4+1],
			FileSize:       words[i*4+2],
			Flags:          words[i*4+3],
		}
	}
	return t
}

// applyHi merges a raw hi-block table into t.
func (t blockTable) applyHi(raw []byte) {
	for i := range t {
		if i*2+2 > len(raw) {
			return
		}
		t[i].FilePosHi = binary.LittleEndian.Uint16(raw[i*2:])
	}
}
