// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

// Package sparse implements the zero-run codec used by MPQ compression
// bit 0x20.
package sparse

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

var (
	// ErrTruncated means a literal chunk runs past the end of the input.
	ErrTruncated = errors.New("sparse: truncated input")
	// ErrTooLarge means the stream declares more output than the caller allows.
	ErrTooLarge = errors.New("sparse: declared size exceeds output limit")
)

const (
	maxLiteral  = 0x80
	maxZeroRun  = 0x7F + 3
	minZeroRun  = 3
	literalFlag = 0x80
)

// Decompress expands src into at most outSize bytes.
//
// The stream starts with the big-endian output size. Each control byte with
// the high bit set is followed by (b&0x7F)+1 literal bytes; any other control
// byte stands for (b&0x7F)+3 zero bytes.
func Decompress(src []byte, outSize int) ([]byte, error) {
	if len(src) < 4 {
		return nil, ErrTruncated
	}
	declared := int(binary.BigEndian.Uint32(src))
	if declared > outSize {
		return nil, errors.Wrapf(ErrTooLarge, "%d > %d", declared, outSize)
	}

	out := make([]byte, 0, declared)
	in := src[4:]
	for len(in) > 0 && len(out) < declared {
		b := in[0]
		in = in[1:]

		if b&literalFlag != 0 {
			n := int(b&0x7F) + 1
			if n > len(in) {
				return nil, ErrTruncated
			}
			n = min(n, declared-len(out))
			out = append(out, in[:n]...)
			in = in[int(b&0x7F)+1:]
			continue
		}

		n := min(int(b&0x7F)+minZeroRun, declared-len(out))
		out = append(out, make([]byte, n)...)
	}

	return out, nil
}

// Compress encodes src as a sparse stream.
func Compress(src []byte) []byte {
	out := make([]byte, 4, 4+len(src)+len(src)/maxLiteral+1)
	binary.BigEndian.PutUint32(out, uint32(len(src)))

	lit := 0
	flush := func(end int) {
		for lit < end {
			n := min(end-lit, maxLiteral)
			out = append(out, literalFlag|byte(n-1))
			out = append(out, src[lit:lit+n]...)
			lit += n
		}
	}

	for i := 0; i < len(src); {
		run := 0
		for i+run < len(src) && src[i+run] == 0 && run < maxZeroRun {
			run++
		}
		if run < minZeroRun {
			i++
			continue
		}
		flush(i)
		out = append(out, byte(run-minZeroRun))
		i += run
		lit = i
	}
	flush(len(src))

	return out
}
