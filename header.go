// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// searchHeader scans r at 512-byte boundaries for the archive header and
// returns its offset. A user data header redirects the scan to the offset
// it names, aligned down to 512.
func searchHeader(r io.ReaderAt, size int64) (int64, error) {
	var probe [12]byte

	for pos := int64(0); pos+4 <= size; {
		n, err := r.ReadAt(probe[:], pos)
		if n < 4 {
			if err != nil && err != io.EOF {
				return 0, errors.Wrapf(err, "read at 0x%X", pos)
			}
			break
		}

		switch binary.LittleEndian.Uint32(probe[0:4]) {
		case mpqMagic:
			return pos, nil
		case mpqUserDataMagic:
			if n >= 12 {
				shunt := int64(binary.LittleEndian.Uint32(probe[8:12]))
				if shunt >= headerAlignment {
					pos += shunt &^ (headerAlignment - 1)
					continue
				}
			}
		}

		pos += headerAlignment
	}

	return 0, ErrNoArchiveFound
}

// readHeader locates and decodes the archive header. With forceV0 the
// header is read as the 32-byte original format regardless of its fields.
func readHeader(r io.ReaderAt, size int64, forceV0 bool) (*archiveHeader, error) {
	offset, err := searchHeader(r, size)
	if err != nil {
		return nil, err
	}

	var sizeField [4]byte
	if _, err := r.ReadAt(sizeField[:], offset+4); err != nil {
		return nil, errors.Wrap(err, "read header size")
	}

	headerSize := binary.LittleEndian.Uint32(sizeField[:])
	if forceV0 {
		headerSize = headerSizeV1
	}
	if headerSize < headerSizeV1 || headerSize > headerSizeV4 {
		return nil, errors.Wrapf(ErrBadHeader, "header size %d", headerSize)
	}
	if offset+int64(headerSize) > size {
		return nil, errors.Wrap(ErrBadHeader, "header truncated")
	}

	raw := make([]byte, headerSize)
	if _, err := r.ReadAt(raw, offset); err != nil {
		return nil, errors.Wrap(err, "read header")
	}

	h, err := parseArchiveHeader(raw)
	if err != nil {
		return nil, errors.Wrap(ErrBadHeader, err.Error())
	}
	if forceV0 {
		h.HeaderSize = headerSizeV1
		h.FormatVersion = formatVersion1
	}
	if h.FormatVersion > formatVersion4 {
		return nil, errors.Wrapf(ErrBadHeader, "format version %d", h.FormatVersion)
	}
	if h.HashTableSize == 0 || h.HashTableSize&(h.HashTableSize-1) != 0 {
		return nil, errors.Wrapf(ErrBadHeader, "hash table size %d is not a power of two", h.HashTableSize)
	}
	if h.SectorSizeShift > 22 {
		return nil, errors.Wrapf(ErrBadHeader, "sector size shift %d", h.SectorSizeShift)
	}
	h.offset = offset

	return h, nil
}
