// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"io"
	"os"

	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// contentSource yields the bytes of a staged file at Close.
type contentSource interface {
	load() ([]byte, error)
	release() error
}

// memorySource is caller-owned or copied memory.
type memorySource []byte

func (m memorySource) load() ([]byte, error) { return m, nil }
func (m memorySource) release() error        { return nil }

// diskSource reads a file from disk when the archive is rebuilt.
type diskSource string

func (d diskSource) load() ([]byte, error) {
	data, err := os.ReadFile(string(d))
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", string(d))
	}
	return data, nil
}

func (d diskSource) release() error { return nil }

// spoolSource is an lz4-compressed snapshot of a source file held in a
// temp file until Close.
type spoolSource struct {
	path string
}

// newSpoolSource copies srcPath into a compressed temp file in dir.
func newSpoolSource(dir, srcPath string) (_ *spoolSource, err error) {
	in, err := os.Open(srcPath)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", srcPath)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(dir, "mpq_spool_*.lz4")
	if err != nil {
		return nil, errors.Wrap(err, "create spool file")
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	zw := lz4.NewWriter(tmp)
	if _, err = io.Copy(zw, in); err != nil {
		return nil, errors.Wrapf(err, "spool %s", srcPath)
	}
	if err = zw.Close(); err != nil {
		return nil, errors.Wrap(err, "flush spool")
	}
	if err = tmp.Close(); err != nil {
		return nil, errors.Wrap(err, "close spool")
	}

	return &spoolSource{path: tmp.Name()}, nil
}

func (s *spoolSource) load() ([]byte, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, errors.Wrap(err, "open spool")
	}
	defer f.Close()

	data, err := io.ReadAll(lz4.NewReader(f))
	if err != nil {
		return nil, errors.Wrap(err, "read spool")
	}
	return data, nil
}

func (s *spoolSource) release() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// stagedFile is a pending insert.
type stagedFile struct {
	path string
	opts InsertOptions
	src  contentSource
}
