// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"encoding/binary"
	"strings"
)

// Hash types for hashString.
const (
	hashTypeTableOffset = 0
	hashTypeNameA       = 1
	hashTypeNameB       = 2
	hashTypeFileKey     = 3
	hashTypeKeyMix      = 4
)

// Fixed keys of the two on-disk tables.
var (
	hashTableKey  = hashString("(hash table)", hashTypeFileKey)
	blockTableKey = hashString("(block table)", hashTypeFileKey)
)

// cryptTable is shared by hashing and the stream cipher. Read-only after init.
var cryptTable = func() [0x500]uint32 {
	var table [0x500]uint32
	seed := uint32(0x00100001)

	for index1 := 0; index1 < 0x100; index1++ {
		index2 := index1
		for i := 0; i < 5; i++ {
			seed = (seed*125 + 3) % 0x2AAAAB
			hi := (seed & 0xFFFF) << 0x10

			seed = (seed*125 + 3) % 0x2AAAAB
			lo := seed & 0xFFFF

			table[index2] = hi | lo
			index2 += 0x100
		}
	}
	return table
}()

// hashString computes the MPQ hash of a path. ASCII letters are folded to
// upper case and '/' is treated as '\'.
func hashString(s string, hashType uint32) uint32 {
	seed1 := uint32(0x7FED7FED)
	seed2 := uint32(0xEEEEEEEE)

	for i := 0; i < len(s); i++ {
		ch := uint32(s[i])
		if ch >= 'a' && ch <= 'z' {
			ch -= 0x20
		}
		if ch == '/' {
			ch = '\\'
		}

		seed1 = cryptTable[hashType*0x100+ch] ^ (seed1 + seed2)
		seed2 = ch + seed1 + seed2 + (seed2 << 5) + 3
	}

	return seed1
}

// nextKey advances the cipher key after each word.
func nextKey(key uint32) uint32 {
	return ((^key << 0x15) + 0x11111111) | (key >> 0x0B)
}

// encryptBlock encrypts words in place. The seed is fed with the plaintext.
func encryptBlock(data []uint32, key uint32) {
	seed := uint32(0xEEEEEEEE)

	for i := range data {
		seed += cryptTable[hashTypeKeyMix*0x100+(key&0xFF)]
		plain := data[i]
		data[i] = plain ^ (key + seed)
		key = nextKey(key)
		seed = plain + seed + (seed << 5) + 3
	}
}

// decryptBlock decrypts words in place. The seed is fed with the recovered plaintext.
func decryptBlock(data []uint32, key uint32) {
	seed := uint32(0xEEEEEEEE)

	for i := range data {
		seed += cryptTable[hashTypeKeyMix*0x100+(key&0xFF)]
		plain := data[i] ^ (key + seed)
		key = nextKey(key)
		seed = plain + seed + (seed << 5) + 3
		data[i] = plain
	}
}

// encryptBytes encrypts every whole little-endian word of data in place.
// Up to three trailing bytes are left as they are.
func encryptBytes(data []byte, key uint32) {
	seed := uint32(0xEEEEEEEE)

	for off := 0; off+4 <= len(data); off += 4 {
		seed += cryptTable[hashTypeKeyMix*0x100+(key&0xFF)]
		plain := binary.LittleEndian.Uint32(data[off:])
		binary.LittleEndian.PutUint32(data[off:], plain^(key+seed))
		key = nextKey(key)
		seed = plain + seed + (seed << 5) + 3
	}
}

// decryptBytes is the inverse of encryptBytes.
func decryptBytes(data []byte, key uint32) {
	seed := uint32(0xEEEEEEEE)

	for off := 0; off+4 <= len(data); off += 4 {
		seed += cryptTable[hashTypeKeyMix*0x100+(key&0xFF)]
		plain := binary.LittleEndian.Uint32(data[off:]) ^ (key + seed)
		binary.LittleEndian.PutUint32(data[off:], plain)
		key = nextKey(key)
		seed = plain + seed + (seed << 5) + 3
	}
}

// fileKey computes the encryption key of a file from its base name. With
// FIX_KEY the key is bound to the block position and size as well.
func fileKey(path string, filePos uint32, fileSize uint32, flags uint32) uint32 {
	key := hashString(baseName(path), hashTypeFileKey)
	if flags&fileFixKey != 0 {
		key = (key + filePos) ^ fileSize
	}
	return key
}

// baseName returns the part of an archive path after the last separator.
func baseName(path string) string {
	if idx := strings.LastIndexAny(path, `\/`); idx >= 0 {
		return path[idx+1:]
	}
	return path
}
