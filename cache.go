// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"github.com/hashicorp/golang-lru/arc/v2"
	"github.com/pkg/errors"
)

// fileCache keeps recently extracted files keyed by block index.
// A nil *fileCache is a valid, disabled cache.
type fileCache struct {
	arc *arc.ARCCache[uint32, []byte]
}

func newFileCache(entries int) (*fileCache, error) {
	if entries <= 0 {
		return nil, nil
	}
	c, err := arc.NewARC[uint32, []byte](entries)
	if err != nil {
		return nil, errors.Wrap(err, "create file cache")
	}
	return &fileCache{arc: c}, nil
}

// get returns a copy of the cached content of block.
func (c *fileCache) get(block uint32) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	data, ok := c.arc.Get(block)
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

func (c *fileCache) add(block uint32, data []byte) {
	if c == nil {
		return
	}
	c.arc.Add(block, append([]byte(nil), data...))
}

func (c *fileCache) purge() {
	if c == nil {
		return
	}
	c.arc.Purge()
}
