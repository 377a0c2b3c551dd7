// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
)

const (
	attributesVersion      = 100
	attributesFlagCRC32    = 0x00000001
	attributesFlagFileTime = 0x00000002
	attributesFlagMD5      = 0x00000004
	attributesFlagPatchBit = 0x00000008

	// 100ns intervals between 1601-01-01 and the Unix epoch
	fileTimeEpochOffset = 116444736000000000
)

// attributes holds the per-block arrays of the (attributes) file.
type attributes struct {
	flags    uint32
	crc32    []uint32
	fileTime []uint64
	md5      [][16]byte
	patch    []bool
}

func newAttributes(blocks int, flags uint32) *attributes {
	a := &attributes{flags: flags}
	if flags&attributesFlagCRC32 != 0 {
		a.crc32 = make([]uint32, blocks)
	}
	if flags&attributesFlagFileTime != 0 {
		a.fileTime = make([]uint64, blocks)
	}
	if flags&attributesFlagMD5 != 0 {
		a.md5 = make([][16]byte, blocks)
	}
	if flags&attributesFlagPatchBit != 0 {
		a.patch = make([]bool, blocks)
	}
	return a
}

// attributesSize returns the encoded size for n entries.
func attributesSize(n int, flags uint32) int {
	size := 8
	if flags&attributesFlagCRC32 != 0 {
		size += n * 4
	}
	if flags&attributesFlagFileTime != 0 {
		size += n * 8
	}
	if flags&attributesFlagMD5 != 0 {
		size += n * 16
	}
	if flags&attributesFlagPatchBit != 0 {
		size += (n + 7) / 8
	}
	return size
}

// parseAttributes decodes an (attributes) file written for blocks entries.
// Some writers leave out the entry of the attributes file itself, so one
// entry less is accepted too.
func parseAttributes(data []byte, blocks int) (*attributes, error) {
	if len(data) < 8 {
		return nil, errors.New("attributes: truncated header")
	}
	version := binary.LittleEndian.Uint32(data[0:4])
	flags := binary.LittleEndian.Uint32(data[4:8])
	if version != attributesVersion {
		return nil, errors.Errorf("attributes: unsupported version %d", version)
	}

	n := blocks
	if len(data) < attributesSize(n, flags) {
		n = blocks - 1
	}
	if n < 0 || len(data) < attributesSize(n, flags) {
		return nil, errors.Errorf("attributes: %d bytes too short for %d entries", len(data), blocks)
	}

	a := newAttributes(blocks, flags)
	off := 8
	for i := 0; i < n && a.crc32 != nil; i++ {
		a.crc32[i] = binary.LittleEndian.Uint32(data[off:])
		off += 4
	}
	for i := 0; i < n && a.fileTime != nil; i++ {
		a.fileTime[i] = binary.LittleEndian.Uint64(data[off:])
		off += 8
	}
	for i := 0; i < n && a.md5 != nil; i++ {
		copy(a.md5[i][:], data[off:off+16])
		off += 16
	}
	for i := 0; i < n && a.patch != nil; i++ {
		a.patch[i] = data[off+i/8]&(1<<(i%8)) != 0
	}

	return a, nil
}

// crcAt returns the stored CRC-32 of block i.
func (a *attributes) crcAt(i uint32) (uint32, bool) {
	if a == nil || int(i) >= len(a.crc32) {
		return 0, false
	}
	return a.crc32[i], true
}

// fileTimeAt returns the stored FILETIME of block i.
func (a *attributes) fileTimeAt(i uint32) (uint64, bool) {
	if a == nil || int(i) >= len(a.fileTime) {
		return 0, false
	}
	return a.fileTime[i], true
}

// marshal encodes the arrays in flag order.
func (a *attributes) marshal() []byte {
	blocks := max(len(a.crc32), len(a.fileTime), len(a.md5), len(a.patch))
	data := make([]byte, attributesSize(blocks, a.flags))
	binary.LittleEndian.PutUint32(data[0:4], attributesVersion)
	binary.LittleEndian.PutUint32(data[4:8], a.flags)

	off := 8
	for _, v := range a.crc32 {
		binary.LittleEndian.PutUint32(data[off:], v)
		off += 4
	}
	for _, v := range a.fileTime {
		binary.LittleEndian.PutUint64(data[off:], v)
		off += 8
	}
	for _, v := range a.md5 {
		copy(data[off:], v[:])
		off += 16
	}
	for i, v := range a.patch {
		if v {
			data[off+i/8] |= 1 << (i % 8)
		}
	}

	return data
}

// toFileTime converts t to a Windows FILETIME value.
func toFileTime(t time.Time) uint64 {
	return uint64(t.UnixNano()/100) + fileTimeEpochOffset
}

// fromFileTime converts a Windows FILETIME value to time.
func fromFileTime(ft uint64) time.Time {
	if ft < fileTimeEpochOffset {
		return time.Time{}
	}
	return time.Unix(0, int64(ft-fileTimeEpochOffset)*100)
}
