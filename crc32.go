// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import "github.com/snksoft/crc"

// crc32Table is the IEEE CRC-32 table used by (attributes).
var crc32Table = crc.NewTable(crc.CRC32)

func crc32(data []byte) uint32 {
	h := crc.NewHashWithTable(crc32Table)
	h.Write(data)
	return h.CRC32()
}
