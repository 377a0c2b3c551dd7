// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// fileView interprets one block of the archive as a file.
type fileView struct {
	path       string
	block      blockTableEntry
	sectorSize uint32
	key        uint32 // base encryption key, 0 when not encrypted
}

func newFileView(path string, block blockTableEntry, sectorSize uint32) *fileView {
	v := &fileView{
		path:       path,
		block:      block,
		sectorSize: sectorSize,
	}
	if block.encrypted() {
		v.key = fileKey(path, block.FilePos, block.FileSize, block.Flags)
	}
	return v
}

// sectorCount returns the number of data sectors.
func (v *fileView) sectorCount() int {
	return int((uint64(v.block.FileSize) + uint64(v.sectorSize) - 1) / uint64(v.sectorSize))
}

// offsetCount returns the number of entries in the sector offset table.
func (v *fileView) offsetCount() int {
	n := v.sectorCount() + 1
	if v.block.Flags&fileSectorCRC != 0 {
		n++
	}
	return n
}

// sectorLen returns the decoded size of sector i.
func (v *fileView) sectorLen(i int) int {
	start := uint64(i) * uint64(v.sectorSize)
	return int(min(uint64(v.sectorSize), uint64(v.block.FileSize)-start))
}

// decodeUnit decompresses one stored unit according to the block flags.
func (v *fileView) decodeUnit(stored []byte, size int) ([]byte, error) {
	if v.block.Flags&fileImplode != 0 {
		return explodeSector(stored, size)
	}
	return decompressSector(stored, size)
}

// extract decodes the stored body of the file. body is decrypted in place.
func (v *fileView) extract(body []byte, verifyChecksums bool) ([]byte, error) {
	size := int(v.block.FileSize)
	if size == 0 {
		return []byte{}, nil
	}

	if !v.block.compressed() {
		if len(body) < size {
			return nil, errors.Wrapf(ErrCorruptFile, "%s: body %d < size %d", v.path, len(body), size)
		}
		body = body[:size]
		if v.block.encrypted() {
			if v.block.singleUnit() {
				decryptBytes(body, v.key)
			} else {
				for i := 0; i < v.sectorCount(); i++ {
					start := i * int(v.sectorSize)
					decryptBytes(body[start:start+v.sectorLen(i)], v.key+uint32(i))
				}
			}
		}
		return body, nil
	}

	if v.block.singleUnit() {
		if v.block.encrypted() {
			decryptBytes(body, v.key)
		}
		out, err := v.decodeUnit(body, size)
		if err != nil {
			return nil, errors.Wrap(err, v.path)
		}
		if len(out) != size {
			return nil, errors.Wrapf(ErrCorruptFile, "%s: decoded %d bytes, want %d", v.path, len(out), size)
		}
		return out, nil
	}

	offsets, err := v.readOffsets(body)
	if err != nil {
		return nil, err
	}

	n := v.sectorCount()
	var checksums []uint32
	if verifyChecksums && len(offsets) > n+1 {
		checksums, err = parseSectorChecksums(body[offsets[n]:offsets[n+1]], n)
		if err != nil {
			return nil, errors.Wrap(err, v.path)
		}
	}

	out := make([]byte, 0, size)
	for i := 0; i < n; i++ {
		stored := body[offsets[i]:offsets[i+1]]
		if v.block.encrypted() {
			decryptBytes(stored, v.key+uint32(i))
		}
		if checksums != nil {
			if err := verifySectorChecksum(stored, checksums[i], i); err != nil {
				return nil, errors.Wrap(err, v.path)
			}
		}
		sector, err := v.decodeUnit(stored, v.sectorLen(i))
		if err != nil {
			return nil, errors.Wrapf(err, "%s: sector %d", v.path, i)
		}
		out = append(out, sector...)
	}

	if len(out) != size {
		return nil, errors.Wrapf(ErrCorruptFile, "%s: decoded %d bytes, want %d", v.path, len(out), size)
	}
	return out, nil
}

// readOffsets decodes and validates the sector offset table.
func (v *fileView) readOffsets(body []byte) ([]uint32, error) {
	count := v.offsetCount()
	if len(body) < count*4 {
		return nil, errors.Wrapf(ErrCorruptFile, "%s: sector offset table truncated", v.path)
	}

	offsets := make([]uint32, count)
	for i := range offsets {
		offsets[i] = binary.LittleEndian.Uint32(body[i*4:])
	}
	if v.block.encrypted() {
		decryptBlock(offsets, v.key-1)
	}

	for i := 0; i < count; i++ {
		if offsets[i] > uint32(len(body)) || (i > 0 && offsets[i] < offsets[i-1]) {
			return nil, errors.Wrapf(ErrCorruptFile, "%s: invalid sector offset %d: %d", v.path, i, offsets[i])
		}
	}
	return offsets, nil
}

// encodeParams controls how encodeFile stores a file.
type encodeParams struct {
	compress   bool
	level      int
	encrypt    bool
	fixKey     bool
	singleUnit bool
	sectorCRC  bool
}

// encodeFile produces the block entry and stored body for data placed at
// filePos (relative to the header).
func encodeFile(data []byte, path string, filePos uint64, sectorSize uint32, p encodeParams) (blockTableEntry, []byte, error) {
	entry := blockTableEntry{Flags: fileExists}
	entry.setFilePos64(filePos)
	if len(data) == 0 {
		return entry, nil, nil
	}
	entry.FileSize = uint32(len(data))

	if p.encrypt {
		entry.Flags |= fileEncrypted
		if p.fixKey {
			entry.Flags |= fileFixKey
		}
	}
	var key uint32
	if p.encrypt {
		key = fileKey(path, entry.FilePos, entry.FileSize, entry.Flags)
	}

	var body []byte
	switch {
	case p.singleUnit:
		entry.Flags |= fileSingleUnit
		body = append([]byte(nil), data...)
		if p.compress {
			packed, err := compressSector(data, p.level)
			if err != nil {
				return entry, nil, errors.Wrap(err, path)
			}
			if len(packed) < len(data) {
				body = packed
				entry.Flags |= fileCompress
			}
		}
		if p.encrypt {
			encryptBytes(body, key)
		}

	case p.compress:
		entry.Flags |= fileCompress
		var err error
		body, err = encodeSectors(data, sectorSize, key, p)
		if err != nil {
			return entry, nil, errors.Wrap(err, path)
		}
		if p.sectorCRC {
			entry.Flags |= fileSectorCRC
		}

	default:
		body = append([]byte(nil), data...)
		if p.encrypt {
			for i, start := 0, 0; start < len(body); i, start = i+1, start+int(sectorSize) {
				end := min(start+int(sectorSize), len(body))
				encryptBytes(body[start:end], key+uint32(i))
			}
		}
	}

	entry.CompressedSize = uint32(len(body))
	return entry, body, nil
}

// encodeSectors writes the sector offset table followed by each sector,
// compressed when that is smaller, and optionally the checksum table.
func encodeSectors(data []byte, sectorSize uint32, key uint32, p encodeParams) ([]byte, error) {
	n := (len(data) + int(sectorSize) - 1) / int(sectorSize)
	count := n + 1
	if p.sectorCRC {
		count++
	}

	offsets := make([]uint32, count)
	body := make([]byte, count*4, count*4+len(data)/2)
	var checksums []uint32
	if p.sectorCRC {
		checksums = make([]uint32, n)
	}

	for i := 0; i < n; i++ {
		start := i * int(sectorSize)
		sector := data[start:min(start+int(sectorSize), len(data))]

		stored, err := compressSector(sector, p.level)
		if err != nil {
			return nil, errors.Wrapf(err, "sector %d", i)
		}
		if len(stored) >= len(sector) {
			stored = append([]byte(nil), sector...)
		}
		if checksums != nil {
			checksums[i] = sectorChecksum(stored)
		}
		if p.encrypt {
			encryptBytes(stored, key+uint32(i))
		}

		offsets[i] = uint32(len(body))
		body = append(body, stored...)
	}
	offsets[n] = uint32(len(body))

	if checksums != nil {
		body = append(body, wordsToBytes(checksums)...)
		offsets[n+1] = uint32(len(body))
	}

	if p.encrypt {
		encryptBlock(offsets, key-1)
	}
	for i, off := range offsets {
		binary.LittleEndian.PutUint32(body[i*4:], off)
	}
	return body, nil
}
