// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package adpcm

import (
	"encoding/binary"
	"errors"
	"testing"
)

func samples(b []byte) []int16 {
	s := make([]int16, len(b)/2)
	for i := range s {
		s[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return s
}

func equal(a, b []int16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestDecompress(t *testing.T) {
	tests := []struct {
		name     string
		src      []byte
		outSize  int
		channels int
		want     []int16
	}{
		{
			name:     "mono step up and down",
			src:      []byte{0x00, 0x00, 100, 0, 0x01, 0x41, 0x80},
			outSize:  64,
			channels: 1,
			want:     []int16{100, 1088, 100, 100},
		},
		{
			name:     "output limit",
			src:      []byte{0x00, 0x00, 100, 0, 0x01, 0x41, 0x80},
			outSize:  4,
			channels: 1,
			want:     []int16{100, 1088},
		},
		{
			name:     "stereo repeat",
			src:      []byte{0x00, 0x00, 10, 0, 20, 0, 0x80, 0x80},
			outSize:  64,
			channels: 2,
			want:     []int16{10, 20, 10, 20},
		},
		{
			name:     "saturates high",
			src:      []byte{0x00, 0x00, 0x00, 0x7D, 0x3F},
			outSize:  64,
			channels: 1,
			want:     []int16{32000, 32767},
		},
		{
			name:     "step index opcodes emit nothing",
			src:      []byte{0x00, 0x00, 5, 0, 0x81, 0x85, 0x82},
			outSize:  64,
			channels: 1,
			want:     []int16{5},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, err := Decompress(tc.src, tc.outSize, tc.channels)
			if err != nil {
				t.Fatalf("decompress: %v", err)
			}
			if got := samples(out); !equal(got, tc.want) {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDecompressTruncated(t *testing.T) {
	if _, err := Decompress([]byte{0x00, 0x00, 0x01}, 16, 1); !errors.Is(err, ErrTruncated) {
		t.Errorf("got %v, want ErrTruncated", err)
	}
	if _, err := Decompress([]byte{0x00, 0x00, 0x01, 0x00}, 16, 2); !errors.Is(err, ErrTruncated) {
		t.Errorf("stereo: got %v, want ErrTruncated", err)
	}
}
