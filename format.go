// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"bytes"
	"encoding/binary"
)

// MPQ format constants
const (
	// Magic signature "MPQ\x1A" in little-endian
	mpqMagic = 0x1A51504D
	// User data header "MPQ\x1B" that may precede the archive header
	mpqUserDataMagic = 0x1B51504D

	// Header search step
	headerAlignment = 0x200

	// On-disk format versions
	formatVersion1 = 0 // Original format (up to 4GB)
	formatVersion2 = 1 // Extended format (Burning Crusade+)
	formatVersion3 = 2 // 64-bit archive size, HET/BET positions
	formatVersion4 = 3 // Table sizes and MD5 digests

	// Header sizes
	headerSizeV1 = 0x20 // 32 bytes
	headerSizeV2 = 0x2C // 44 bytes
	headerSizeV3 = 0x44 // 68 bytes
	headerSizeV4 = 0xD0 // 208 bytes

	// Block table entry flags
	fileImplode      = 0x00000100 // Imploded (PKWARE compression)
	fileCompress     = 0x00000200 // Compressed (multi-algorithm)
	fileEncrypted    = 0x00010000 // Encrypted
	fileFixKey       = 0x00020000 // Key adjusted by block offset
	filePatchFile    = 0x00100000 // Patch file
	fileSingleUnit   = 0x01000000 // Single unit (not split into sectors)
	fileDeleteMarker = 0x02000000 // File is a deletion marker
	fileSectorCRC    = 0x04000000 // Sector CRC values after data
	fileExists       = 0x80000000 // File exists

	// Hash table bucket markers, stored in the block index field
	hashTableEmpty   = 0xFFFFFFFF
	hashTableDeleted = 0xFFFFFFFE

	// Locale
	localeNeutral = 0x0000

	// Default sector size (512 << 3 = 4096 bytes)
	defaultSectorSizeShift = 3
	defaultSectorSize      = 512 << defaultSectorSizeShift

	// Size of one hash or block table record
	tableEntrySize = 16
)

// baseHeader is the MPQ archive header (V1 format - 32 bytes)
type baseHeader struct {
	Magic            uint32 // "MPQ\x1A"
	HeaderSize       uint32 // Size of this header
	ArchiveSize      uint32 // Size of the entire archive (deprecated in V2)
	FormatVersion    uint16 // Format version (0 = V1, 1 = V2, ...)
	SectorSizeShift  uint16 // Sector size is 512 << SectorSizeShift
	HashTableOffset  uint32 // Offset to hash table (low 32 bits)
	BlockTableOffset uint32 // Offset to block table (low 32 bits)
	HashTableSize    uint32 // Number of entries in hash table
	BlockTableSize   uint32 // Number of entries in block table
}

// extendedHeader contains V2 extended header fields (12 bytes)
type extendedHeader struct {
	HiBlockTableOffset64 uint64 // 64-bit offset to the hi-block table
	HashTableOffsetHi    uint16 // High 16 bits of hash table offset
	BlockTableOffsetHi   uint16 // High 16 bits of block table offset
}

// headerV3Fields are read through and never written back.
type headerV3Fields struct {
	ArchiveSize64 uint64
	BetTablePos64 uint64
	HetTablePos64 uint64
}

// headerV4Fields are read through and never written back.
type headerV4Fields struct {
	HashTableSize64    uint64
	BlockTableSize64   uint64
	HiBlockTableSize64 uint64
	HetTableSize64     uint64
	BetTableSize64     uint64
	RawChunkSize       uint32
	MD5BlockTable      [16]byte
	MD5HashTable       [16]byte
	MD5HiBlockTable    [16]byte
	MD5BetTable        [16]byte
	MD5HetTable        [16]byte
	MD5Header          [16]byte
}

// archiveHeader is the canonical in-memory header for every format version.
type archiveHeader struct {
	baseHeader
	extendedHeader
	headerV3Fields
	headerV4Fields

	// offset of the header within the containing file
	offset int64
}

// hashTablePos returns the hash table position relative to the header.
func (h *archiveHeader) hashTablePos() uint64 {
	if h.FormatVersion >= formatVersion2 {
		return uint64(h.HashTableOffset) | (uint64(h.HashTableOffsetHi) << 32)
	}
	return uint64(h.HashTableOffset)
}

// blockTablePos returns the block table position relative to the header.
func (h *archiveHeader) blockTablePos() uint64 {
	if h.FormatVersion >= formatVersion2 {
		return uint64(h.BlockTableOffset) | (uint64(h.BlockTableOffsetHi) << 32)
	}
	return uint64(h.BlockTableOffset)
}

func (h *archiveHeader) setHashTablePos(pos uint64) {
	h.HashTableOffset = uint32(pos)
	h.HashTableOffsetHi = uint16(pos >> 32)
}

func (h *archiveHeader) setBlockTablePos(pos uint64) {
	h.BlockTableOffset = uint32(pos)
	h.BlockTableOffsetHi = uint16(pos >> 32)
}

// sectorSize returns the sector size in bytes.
func (h *archiveHeader) sectorSize() uint32 {
	return 512 << h.SectorSizeShift
}

// parseArchiveHeader decodes a header of the given size from raw bytes.
// Fields beyond the declared size keep their zero value.
func parseArchiveHeader(raw []byte) (*archiveHeader, error) {
	h := &archiveHeader{}
	r := bytes.NewReader(raw)

	if err := binary.Read(r, binary.LittleEndian, &h.baseHeader); err != nil {
		return nil, err
	}
	if len(raw) >= headerSizeV2 {
		if err := binary.Read(r, binary.LittleEndian, &h.extendedHeader); err != nil {
			return nil, err
		}
	}
	if len(raw) >= headerSizeV3 {
		if err := binary.Read(r, binary.LittleEndian, &h.headerV3Fields); err != nil {
			return nil, err
		}
	}
	if len(raw) >= headerSizeV4 {
		if err := binary.Read(r, binary.LittleEndian, &h.headerV4Fields); err != nil {
			return nil, err
		}
	}

	return h, nil
}

// marshal encodes the header as version 0 or 1. Later versions are written
// back as version 1.
func (h *archiveHeader) marshal() []byte {
	var buf bytes.Buffer

	base := h.baseHeader
	if base.FormatVersion > formatVersion2 {
		base.FormatVersion = formatVersion2
	}
	if base.FormatVersion == formatVersion1 {
		base.HeaderSize = headerSizeV1
	} else {
		base.HeaderSize = headerSizeV2
	}

	// Writes into a bytes.Buffer cannot fail.
	_ = binary.Write(&buf, binary.LittleEndian, &base)
	if base.FormatVersion == formatVersion2 {
		_ = binary.Write(&buf, binary.LittleEndian, &h.extendedHeader)
	}

	return buf.Bytes()
}
