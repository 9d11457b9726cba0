package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const archiveKeyInfo = "joumla-archive-key-v1"

var ErrInvalidHKDFInput = errors.New("invalid hkdf input")

func DeriveHKDFSHA256(ikm, salt, info []byte, length int) ([]byte, error) {
	if len(ikm) == 0 {
		return nil, fmt.Errorf("%w: ikm must not be empty", ErrInvalidHKDFInput)
	}
	if length <= 0 {
		return nil, fmt.Errorf("%w: length must be > 0", ErrInvalidHKDFInput)
	}

	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("derive hkdf-sha256 output: %w", err)
	}
	return out, nil
}

// DeriveArchiveKey expands a master key into the per-archive key for salt.
func DeriveArchiveKey(master []byte, salt []byte) ([]byte, error) {
	if len(salt) < 16 {
		return nil, fmt.Errorf("%w: salt must be at least 16 bytes", ErrInvalidHKDFInput)
	}
	key, err := DeriveHKDFSHA256(master, salt, []byte(archiveKeyInfo), KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive archive key: %w", err)
	}
	return key, nil
}
