package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the archive key length in bytes.
	KeySize = chacha20poly1305.KeySize
	// NonceSize is the XChaCha20 nonce length in bytes.
	NonceSize = chacha20poly1305.NonceSizeX
	// TagSize is the Poly1305 tag length appended to every ciphertext.
	TagSize = chacha20poly1305.Overhead
)

var (
	ErrInvalidAEADInput     = errors.New("invalid aead input")
	ErrAuthenticationFailed = errors.New("authentication failed")
)

// Seal encrypts plaintext and returns ciphertext||tag.
func Seal(key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := newXChaCha(key, nonce)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// Open authenticates and decrypts ciphertext||tag. Any tag mismatch, whether
// from a wrong key or modified bytes, is reported as ErrAuthenticationFailed.
func Open(key, nonce, sealed, aad []byte) ([]byte, error) {
	if len(sealed) < TagSize {
		return nil, fmt.Errorf("%w: sealed payload shorter than tag", ErrInvalidAEADInput)
	}
	aead, err := newXChaCha(key, nonce)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	return plaintext, nil
}

// NewNonce returns a random XChaCha20 nonce. 192-bit nonces are safe to draw
// at random for the lifetime of a key.
func NewNonce() ([]byte, error) {
	return RandomBytes(NonceSize)
}

// RandomBytes reads n bytes from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("random bytes: length must be > 0, got %d", n)
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, fmt.Errorf("random bytes: %w", err)
	}
	return out, nil
}

func newXChaCha(key, nonce []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes", ErrInvalidAEADInput, KeySize)
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce must be %d bytes", ErrInvalidAEADInput, NonceSize)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("construct xchacha20-poly1305: %w", err)
	}
	return aead, nil
}
