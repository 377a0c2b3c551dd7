// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

// Package adpcm decodes the IMA ADPCM variant used for MPQ wave sectors
// (compression bits 0x40 mono and 0x80 stereo).
package adpcm

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrTruncated means the input ends inside the channel preamble.
var ErrTruncated = errors.New("adpcm: truncated input")

const initialStepIndex = 0x2C

var changeTable = [32]int{
	-1, 0, -1, 4, -1, 2, -1, 6,
	-1, 1, -1, 5, -1, 3, -1, 7,
	-1, 1, -1, 5, -1, 3, -1, 7,
	-1, 2, -1, 4, -1, 6, -1, 8,
}

var stepTable = [89]int32{
	7, 8, 9, 10, 11, 12, 13, 14,
	16, 17, 19, 21, 23, 25, 28, 31,
	34, 37, 41, 45, 50, 55, 60, 66,
	73, 80, 88, 97, 107, 118, 130, 143,
	157, 173, 190, 209, 230, 253, 279, 307,
	337, 371, 408, 449, 494, 544, 598, 658,
	724, 796, 876, 963, 1060, 1166, 1282, 1411,
	1552, 1707, 1878, 2066, 2272, 2499, 2749, 3024,
	3327, 3660, 4026, 4428, 4871, 5358, 5894, 6484,
	7132, 7845, 8630, 9493, 10442, 11487, 12635, 13899,
	15289, 16818, 18500, 20350, 22385, 24623, 27086, 29794,
	32767,
}

type channel struct {
	sample    int16
	stepIndex int
}

// Decompress decodes src into at most outSize bytes of interleaved 16-bit
// little-endian PCM for the given number of channels (1 or 2).
func Decompress(src []byte, outSize int, channels int) ([]byte, error) {
	if channels < 1 {
		channels = 1
	}
	if len(src) < 2+2*channels {
		return nil, ErrTruncated
	}

	shift := uint(src[1]) & 31
	in := src[2:]

	out := make([]byte, 0, outSize)
	put := func(v int16) bool {
		if len(out)+2 > outSize {
			return false
		}
		out = binary.LittleEndian.AppendUint16(out, uint16(v))
		return true
	}

	state := make([]channel, channels)
	for i := range state {
		state[i] = channel{
			sample:    int16(binary.LittleEndian.Uint16(in)),
			stepIndex: initialStepIndex,
		}
		in = in[2:]
		if !put(state[i].sample) {
			return out, nil
		}
	}

	current := 0
	for _, op := range in {
		ch := &state[current]

		if op&0x80 != 0 {
			switch op & 0x7F {
			case 0:
				if ch.stepIndex != 0 {
					ch.stepIndex--
				}
				if !put(ch.sample) {
					return out, nil
				}
				current = (current + 1) % channels
			case 1:
				ch.stepIndex = min(ch.stepIndex+8, len(stepTable)-1)
			case 2:
				current = (current + 1) % channels
			default:
				ch.stepIndex = max(ch.stepIndex-8, 0)
			}
			continue
		}

		base := stepTable[ch.stepIndex]
		step := int16(base >> shift)
		for i := uint(0); i < 6; i++ {
			if op&(1<<i) != 0 {
				step += int16(base >> i)
			}
		}

		if op&0x40 != 0 {
			ch.sample = int16(max(int32(ch.sample)-int32(step), -32768))
		} else {
			ch.sample = int16(min(int32(ch.sample)+int32(step), 32767))
		}
		if !put(ch.sample) {
			return out, nil
		}

		ch.stepIndex = min(max(ch.stepIndex+changeTable[op&0x1F], 0), len(stepTable)-1)
		current = (current + 1) % channels
	}

	return out, nil
}
