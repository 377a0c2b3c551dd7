// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"hash/adler32"

	"github.com/pkg/errors"
)

// sectorChecksum computes the Adler-32 value stored for one sector. The
// checksum covers the stored bytes before encryption.
func sectorChecksum(stored []byte) uint32 {
	return adler32.Checksum(stored)
}

// parseSectorChecksums decodes the checksum table that follows the last
// sector. The table is compressed when that saved space.
func parseSectorChecksums(raw []byte, sectors int) ([]uint32, error) {
	want := sectors * 4
	if len(raw) != want {
		out, err := decompressSector(raw, want)
		if err != nil {
			return nil, errors.Wrap(err, "sector checksum table")
		}
		raw = out
	}
	if len(raw) < want {
		return nil, errors.Wrap(ErrCorruptFile, "sector checksum table truncated")
	}
	return bytesToWords(raw[:want]), nil
}

// verifySectorChecksum compares a sector with its stored value. Zero means
// the writer did not record a checksum.
func verifySectorChecksum(stored []byte, want uint32, sector int) error {
	if want == 0 {
		return nil
	}
	if got := sectorChecksum(stored); got != want {
		return errors.Wrapf(ErrChecksumMismatch, "sector %d: 0x%08X != 0x%08X", sector, got, want)
	}
	return nil
}
