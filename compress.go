// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"bytes"
	"compress/bzip2"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"

	"github.com/suprsokr/mpqedit/internal/adpcm"
	"github.com/suprsokr/mpqedit/internal/pkware"
	"github.com/suprsokr/mpqedit/internal/sparse"
)

// Compression type bits of the leading sector byte
const (
	compressionHuffman   = 0x01 // Huffman (used on wave files only)
	compressionZlib      = 0x02 // Zlib compression
	compressionPKWare    = 0x08 // PKWare DCL compression
	compressionBzip2     = 0x10 // BZip2 compression
	compressionSparse    = 0x20 // Sparse/RLE compression (SC2+)
	compressionADPCMMono = 0x40 // ADPCM mono audio
	compressionADPCM     = 0x80 // ADPCM stereo audio
	compressionLZMA      = 0x12 // LZMA compression (SC2+), exact value only
)

// Decompressor decodes one compression stage. size is the expected size of
// the fully decoded sector.
type Decompressor func(src []byte, size int) ([]byte, error)

var registry = struct {
	sync.RWMutex
	m map[byte]Decompressor
}{m: make(map[byte]Decompressor)}

// RegisterDecompressor installs fn for a single compression bit, replacing
// the built-in stage for that bit if there is one. Passing nil removes it.
//
// Huffman (0x01) has no built-in stage. WAVE files are normally stored as
// ADPCM followed by Huffman (type bytes 0x41 and 0x81), so their sectors fail
// with UnsupportedCompressionError until a Huffman decompressor is
// registered. The ADPCM stages then run on its output.
func RegisterDecompressor(bit byte, fn Decompressor) {
	registry.Lock()
	defer registry.Unlock()
	if fn == nil {
		delete(registry.m, bit)
		return
	}
	registry.m[bit] = fn
}

func registeredDecompressor(bit byte) Decompressor {
	registry.RLock()
	defer registry.RUnlock()
	return registry.m[bit]
}

// codecStep is one stage of a decompression plan.
type codecStep struct {
	bit  byte
	name string
	fn   Decompressor
}

// pipeline lists every stage in decode order.
var pipeline = []codecStep{
	{compressionBzip2, "bzip2", decompressBzip2},
	{compressionPKWare, "implode", pkware.Explode},
	{compressionZlib, "deflate", decompressZlib},
	{compressionHuffman, "huffman", nil},
	{compressionSparse, "sparse", sparse.Decompress},
	{compressionADPCM, "adpcm stereo", func(src []byte, size int) ([]byte, error) {
		return adpcm.Decompress(src, size, 2)
	}},
	{compressionADPCMMono, "adpcm mono", func(src []byte, size int) ([]byte, error) {
		return adpcm.Decompress(src, size, 1)
	}},
}

// planDecompression maps a compression mask to the ordered stages that
// decode it.
func planDecompression(mask byte) ([]codecStep, error) {
	if mask == compressionLZMA {
		return nil, &UnsupportedCompressionError{Bit: compressionLZMA}
	}

	var known byte
	for _, s := range pipeline {
		known |= s.bit
	}
	if rest := mask &^ known; rest != 0 {
		return nil, &UnsupportedCompressionError{Bit: rest & -rest}
	}

	steps := make([]codecStep, 0, 2)
	for _, s := range pipeline {
		if mask&s.bit == 0 {
			continue
		}
		if fn := registeredDecompressor(s.bit); fn != nil {
			s.fn = fn
		}
		if s.fn == nil {
			return nil, &UnsupportedCompressionError{Bit: s.bit}
		}
		steps = append(steps, s)
	}
	return steps, nil
}

// decompressSector decodes one stored sector. A sector whose stored size
// equals its expected size was written raw.
func decompressSector(data []byte, size int) ([]byte, error) {
	if len(data) == size {
		return data, nil
	}
	if len(data) == 0 {
		return nil, errors.Wrap(ErrCorruptFile, "empty compressed sector")
	}

	steps, err := planDecompression(data[0])
	if err != nil {
		return nil, err
	}

	out := data[1:]
	for _, s := range steps {
		out, err = s.fn(out, size)
		if err != nil {
			return nil, errors.Wrap(err, s.name)
		}
	}
	if len(out) > size {
		out = out[:size]
	}
	return out, nil
}

// explodeSector decodes a sector of an IMPLODE-flagged file. These carry no
// compression type byte.
func explodeSector(data []byte, size int) ([]byte, error) {
	if len(data) == size {
		return data, nil
	}
	out, err := pkware.Explode(data, size)
	if err != nil {
		return nil, errors.Wrap(err, "implode")
	}
	return out, nil
}

// compressSector deflates data behind a zlib type byte.
func compressSector(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(data)/2 + 16)
	buf.WriteByte(compressionZlib)

	w, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, errors.Wrap(err, "create zlib writer")
	}
	if _, err := w.Write(data); err != nil {
		return nil, errors.Wrap(err, "zlib write")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "zlib close")
	}

	return buf.Bytes(), nil
}

// readLimited drains r into at most limit bytes.
func readLimited(r io.Reader, limit int) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, int64(limit)))
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	return out, nil
}

// stageLimit bounds intermediate stage output, which may exceed the final size.
func stageLimit(size int) int {
	return size + size/2 + 1024
}

func decompressZlib(data []byte, size int) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "create zlib reader")
	}
	defer r.Close()

	return readLimited(r, stageLimit(size))
}

func decompressBzip2(data []byte, size int) ([]byte, error) {
	return readLimited(bzip2.NewReader(bytes.NewReader(data)), stageLimit(size))
}
