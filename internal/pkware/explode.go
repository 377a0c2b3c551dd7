// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

// Package pkware decodes data compressed with the PKWARE Data Compression
// Library "implode" method, as stored in MPQ sectors.
package pkware

import "github.com/pkg/errors"

const maxBits = 13

var (
	// ErrInvalidHeader means the literal mode or dictionary size byte is out of range.
	ErrInvalidHeader = errors.New("pkware: invalid header")
	// ErrTruncated means the input ended before the end-of-stream code.
	ErrTruncated = errors.New("pkware: truncated input")
	// ErrInvalidCode means a Huffman code did not resolve to a symbol.
	ErrInvalidCode = errors.New("pkware: invalid code")
	// ErrDistanceTooFar means a copy referenced data before the start of the output.
	ErrDistanceTooFar = errors.New("pkware: distance too far back")
)

// Code length tables in compact form: each byte is (repeat-1)<<4 | length.
var (
	litLen = []byte{
		11, 124, 8, 7, 28, 7, 188, 13, 76, 4, 10, 8, 12, 10, 12, 10, 8, 23, 8,
		9, 7, 6, 7, 8, 7, 6, 55, 8, 23, 24, 12, 11, 7, 9, 11, 12, 6, 7, 22, 5,
		7, 24, 6, 11, 9, 6, 7, 22, 7, 11, 38, 7, 9, 8, 25, 11, 8, 11, 9, 12,
		8, 12, 5, 38, 5, 38, 5, 11, 7, 5, 6, 21, 6, 10, 53, 8, 7, 24, 10, 27,
		44, 253, 253, 253, 252, 252, 252, 13, 12, 45, 12, 45, 12, 61, 12, 45,
		44, 173,
	}
	lenLen  = []byte{2, 35, 36, 53, 38, 23}
	distLen = []byte{2, 20, 53, 230, 247, 151, 248}

	lengthBase  = [16]int{3, 2, 4, 5, 6, 7, 8, 9, 10, 12, 16, 24, 40, 72, 136, 264}
	lengthExtra = [16]uint{0, 0, 0, 0, 0, 0, 0, 0, 1, 2, 3, 4, 5, 6, 7, 8}
)

// huffman is a canonical decoding table.
type huffman struct {
	count  [maxBits + 1]int
	symbol []int
}

func newHuffman(rep []byte) *huffman {
	var lengths []int
	for _, b := range rep {
		for n := int(b>>4) + 1; n > 0; n-- {
			lengths = append(lengths, int(b&15))
		}
	}

	h := &huffman{symbol: make([]int, len(lengths))}
	for _, l := range lengths {
		h.count[l]++
	}

	var offs [maxBits + 1]int
	for l := 1; l < maxBits; l++ {
		offs[l+1] = offs[l] + h.count[l]
	}
	for sym, l := range lengths {
		if l != 0 {
			h.symbol[offs[l]] = sym
			offs[l]++
		}
	}
	return h
}

var (
	litCode  = newHuffman(litLen)
	lenCode  = newHuffman(lenLen)
	distCode = newHuffman(distLen)
)

type bitReader struct {
	in     []byte
	pos    int
	bitbuf uint32
	bitcnt uint
}

// bits returns the next n bits, least significant first.
func (r *bitReader) bits(n uint) (int, error) {
	for r.bitcnt < n {
		if r.pos >= len(r.in) {
			return 0, ErrTruncated
		}
		r.bitbuf |= uint32(r.in[r.pos]) << r.bitcnt
		r.pos++
		r.bitcnt += 8
	}
	v := r.bitbuf & (1<<n - 1)
	r.bitbuf >>= n
	r.bitcnt -= n
	return int(v), nil
}

// decode reads one symbol. Codes are stored bit-inverted.
func (r *bitReader) decode(h *huffman) (int, error) {
	code, first, index := 0, 0, 0
	for l := 1; l <= maxBits; l++ {
		b, err := r.bits(1)
		if err != nil {
			return 0, err
		}
		code |= b ^ 1
		count := h.count[l]
		if code < first+count {
			return h.symbol[index+code-first], nil
		}
		index += count
		first += count
		first <<= 1
		code <<= 1
	}
	return 0, ErrInvalidCode
}

// Explode decompresses src. Decoding stops at the end-of-stream code or
// once outSize bytes have been produced.
func Explode(src []byte, outSize int) ([]byte, error) {
	r := &bitReader{in: src}

	lit, err := r.bits(8)
	if err != nil {
		return nil, err
	}
	dict, err := r.bits(8)
	if err != nil {
		return nil, err
	}
	if lit > 1 || dict < 4 || dict > 6 {
		return nil, errors.Wrapf(ErrInvalidHeader, "literal mode %d, dictionary bits %d", lit, dict)
	}

	out := make([]byte, 0, outSize)
	for len(out) < outSize {
		flag, err := r.bits(1)
		if err != nil {
			return nil, err
		}

		if flag == 0 {
			var sym int
			if lit == 1 {
				sym, err = r.decode(litCode)
			} else {
				sym, err = r.bits(8)
			}
			if err != nil {
				return nil, err
			}
			out = append(out, byte(sym))
			continue
		}

		sym, err := r.decode(lenCode)
		if err != nil {
			return nil, err
		}
		extra, err := r.bits(lengthExtra[sym])
		if err != nil {
			return nil, err
		}
		length := lengthBase[sym] + extra
		if length == 519 {
			break
		}

		shift := uint(dict)
		if length == 2 {
			shift = 2
		}
		dist, err := r.decode(distCode)
		if err != nil {
			return nil, err
		}
		low, err := r.bits(shift)
		if err != nil {
			return nil, err
		}
		dist = dist<<shift + low + 1
		if dist > len(out) {
			return nil, errors.Wrapf(ErrDistanceTooFar, "distance %d at offset %d", dist, len(out))
		}

		for ; length > 0 && len(out) < outSize; length-- {
			out = append(out, out[len(out)-dist])
		}
	}

	return out, nil
}
