// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// SignatureKind identifies where an archive signature is stored.
type SignatureKind int

const (
	// SignatureNone means the archive is unsigned.
	SignatureNone SignatureKind = iota
	// SignatureWeak is a 512-bit RSA signature in the (signature) file.
	SignatureWeak
	// SignatureStrong is a 2048-bit RSA signature appended after the archive.
	SignatureStrong
)

const (
	weakSignatureFileSize = 8 + 64
	strongSignatureMagic  = 0x5349474E // "NGIS"
	strongSignatureSize   = 256
)

// SignatureInfo contains the raw signature of an archive.
type SignatureInfo struct {
	Kind      SignatureKind
	Signature []byte
}

// ReadSignature returns the weak signature from (signature) if present,
// otherwise the strong signature that follows the archive. Unsigned archives
// yield a nil info and no error. Rebuilding an archive drops both kinds.
func (a *Archive) ReadSignature() (*SignatureInfo, error) {
	if a.closed {
		return nil, ErrClosed
	}

	data, err := a.ReadFile(signatureName)
	switch {
	case err == nil:
		if len(data) < weakSignatureFileSize {
			return nil, errors.Errorf("weak signature too short: %d bytes", len(data))
		}
		return &SignatureInfo{
			Kind:      SignatureWeak,
			Signature: append([]byte(nil), data[8:weakSignatureFileSize]...),
		}, nil
	case !errors.Is(err, ErrNotFound):
		return nil, errors.Wrap(err, "read signature")
	}

	if a.src == nil {
		return nil, nil
	}
	tail := a.header.offset + int64(a.header.ArchiveSize)
	if tail+4+strongSignatureSize > int64(a.src.Len()) {
		return nil, nil
	}
	raw := make([]byte, 4+strongSignatureSize)
	if _, err := a.src.ReadAt(raw, tail); err != nil {
		return nil, errors.Wrap(err, "read strong signature")
	}
	if binary.LittleEndian.Uint32(raw) != strongSignatureMagic {
		return nil, nil
	}
	return &SignatureInfo{Kind: SignatureStrong, Signature: raw[4:]}, nil
}

// VerifySignature checks that the signature is structurally complete.
// It does not perform RSA verification, which needs the publisher's key.
func (s *SignatureInfo) VerifySignature() error {
	if s == nil {
		return errors.New("no signature available")
	}

	switch s.Kind {
	case SignatureWeak:
		if len(s.Signature) != 64 {
			return errors.Errorf("weak signature: %d bytes, want 64", len(s.Signature))
		}
	case SignatureStrong:
		if len(s.Signature) != strongSignatureSize {
			return errors.Errorf("strong signature: %d bytes, want %d", len(s.Signature), strongSignatureSize)
		}
	default:
		return errors.Errorf("unknown signature kind: %d", s.Kind)
	}

	for _, b := range s.Signature {
		if b != 0 {
			return nil
		}
	}
	return errors.New("empty signature")
}
