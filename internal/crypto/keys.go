package crypto

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/awnumar/memguard"
)

// Header parameter names shared with the archive codec.
const (
	ParamKDF               = "kdf"
	ParamSalt              = "salt"
	ParamArgon2Memory      = "argon2.memory"
	ParamArgon2Iterations  = "argon2.iterations"
	ParamArgon2Parallelism = "argon2.parallelism"

	KDFArgon2id   = "argon2id"
	KDFHKDFSHA256 = "hkdf-sha256"
)

var (
	// ErrInvalidKeyParams means the header parameters are malformed or out of bounds.
	ErrInvalidKeyParams = errors.New("invalid key parameters")
	// ErrKDFMismatch means the archive was sealed with a different kind of key
	// than the provider supplies.
	ErrKDFMismatch = errors.New("key derivation mismatch")
	ErrKeyNotReady = errors.New("key provider not ready")
)

// KeyProvider supplies archive keys. NewKey returns a fresh key for a new
// archive together with the parameters that must be stored in its header;
// Key re-derives the key from those parameters.
type KeyProvider interface {
	NewKey() (*memguard.LockedBuffer, map[string]string, error)
	Key(params map[string]string) (*memguard.LockedBuffer, error)
}

// PassphraseKeys derives archive keys from a passphrase with argon2id.
type PassphraseKeys struct {
	passphrase *memguard.LockedBuffer
	params     Argon2Params
}

// NewPassphraseKeys takes ownership of passphrase and wipes the slice.
func NewPassphraseKeys(passphrase []byte, params Argon2Params) (*PassphraseKeys, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("%w: passphrase must not be empty", ErrInvalidKeyParams)
	}
	if err := params.Validate(); err != nil {
		memguard.WipeBytes(passphrase)
		return nil, err
	}
	return &PassphraseKeys{
		passphrase: memguard.NewBufferFromBytes(passphrase),
		params:     params,
	}, nil
}

func (p *PassphraseKeys) NewKey() (*memguard.LockedBuffer, map[string]string, error) {
	if p == nil || p.passphrase == nil || !p.passphrase.IsAlive() {
		return nil, nil, ErrKeyNotReady
	}
	salt, err := RandomBytes(p.params.SaltLen)
	if err != nil {
		return nil, nil, err
	}
	key, err := DeriveKeyFromPassphrase(p.passphrase.Bytes(), salt, p.params)
	if err != nil {
		return nil, nil, err
	}

	params := map[string]string{
		ParamKDF:               KDFArgon2id,
		ParamSalt:              hex.EncodeToString(salt),
		ParamArgon2Memory:      strconv.FormatUint(uint64(p.params.Memory), 10),
		ParamArgon2Iterations:  strconv.FormatUint(uint64(p.params.Iterations), 10),
		ParamArgon2Parallelism: strconv.FormatUint(uint64(p.params.Parallelism), 10),
	}
	return memguard.NewBufferFromBytes(key), params, nil
}

// Key re-derives the key using the parameters recorded in the header, which
// may differ from the provider's own defaults. Out-of-range values are
// rejected rather than clamped since clamping would change the key.
func (p *PassphraseKeys) Key(params map[string]string) (*memguard.LockedBuffer, error) {
	if p == nil || p.passphrase == nil || !p.passphrase.IsAlive() {
		return nil, ErrKeyNotReady
	}
	if params[ParamKDF] != KDFArgon2id {
		return nil, fmt.Errorf("%w: archive uses %q, provider uses %q", ErrKDFMismatch, params[ParamKDF], KDFArgon2id)
	}

	salt, err := decodeSalt(params[ParamSalt])
	if err != nil {
		return nil, err
	}
	memory, err := parseUint(params, ParamArgon2Memory, 32)
	if err != nil {
		return nil, err
	}
	iterations, err := parseUint(params, ParamArgon2Iterations, 32)
	if err != nil {
		return nil, err
	}
	parallelism, err := parseUint(params, ParamArgon2Parallelism, 8)
	if err != nil {
		return nil, err
	}

	ap := Argon2Params{
		Memory:      uint32(memory),
		Iterations:  uint32(iterations),
		Parallelism: uint8(parallelism),
		SaltLen:     len(salt),
	}
	if err := ap.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyParams, err)
	}

	key, err := DeriveKeyFromPassphrase(p.passphrase.Bytes(), salt, ap)
	if err != nil {
		return nil, err
	}
	return memguard.NewBufferFromBytes(key), nil
}

func (p *PassphraseKeys) Destroy() {
	if p == nil || p.passphrase == nil {
		return
	}
	p.passphrase.Destroy()
}

// MasterKeys derives a distinct archive key per archive from one 32-byte
// master key using HKDF-SHA256 and a random salt.
type MasterKeys struct {
	master *memguard.LockedBuffer
}

// NewMasterKeys takes ownership of master and wipes the slice.
func NewMasterKeys(master []byte) (*MasterKeys, error) {
	if len(master) != KeySize {
		memguard.WipeBytes(master)
		return nil, fmt.Errorf("%w: master key must be %d bytes", ErrInvalidKeyParams, KeySize)
	}
	return &MasterKeys{master: memguard.NewBufferFromBytes(master)}, nil
}

// GenerateMasterKeys returns a provider over a fresh random master key.
func GenerateMasterKeys() (*MasterKeys, error) {
	raw, err := RandomBytes(KeySize)
	if err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	return NewMasterKeys(raw)
}

// LoadMasterKeyFile reads a hex-encoded master key.
func LoadMasterKeyFile(path string) (*MasterKeys, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read master key file: %w", err)
	}
	defer memguard.WipeBytes(data)

	trimmed := bytes.TrimSpace(data)
	raw := make([]byte, hex.DecodedLen(len(trimmed)))
	n, err := hex.Decode(raw, trimmed)
	if err != nil {
		memguard.WipeBytes(raw)
		return nil, fmt.Errorf("%w: master key file is not hex", ErrInvalidKeyParams)
	}
	return NewMasterKeys(raw[:n])
}

// WriteMasterKeyFile stores the master key hex-encoded with owner-only
// permissions. An existing file is never overwritten.
func (m *MasterKeys) WriteMasterKeyFile(path string) error {
	if m == nil || m.master == nil || !m.master.IsAlive() {
		return ErrKeyNotReady
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create master key file: %w", err)
	}

	encoded := make([]byte, hex.EncodedLen(m.master.Size()))
	hex.Encode(encoded, m.master.Bytes())
	defer memguard.WipeBytes(encoded)

	if _, err := f.Write(append(encoded, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("write master key file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync master key file: %w", err)
	}
	return f.Close()
}

func (m *MasterKeys) NewKey() (*memguard.LockedBuffer, map[string]string, error) {
	if m == nil || m.master == nil || !m.master.IsAlive() {
		return nil, nil, ErrKeyNotReady
	}
	salt, err := RandomBytes(DefaultArgon2SaltLen)
	if err != nil {
		return nil, nil, err
	}
	key, err := DeriveArchiveKey(m.master.Bytes(), salt)
	if err != nil {
		return nil, nil, err
	}
	params := map[string]string{
		ParamKDF:  KDFHKDFSHA256,
		ParamSalt: hex.EncodeToString(salt),
	}
	return memguard.NewBufferFromBytes(key), params, nil
}

func (m *MasterKeys) Key(params map[string]string) (*memguard.LockedBuffer, error) {
	if m == nil || m.master == nil || !m.master.IsAlive() {
		return nil, ErrKeyNotReady
	}
	if params[ParamKDF] != KDFHKDFSHA256 {
		return nil, fmt.Errorf("%w: archive uses %q, provider uses %q", ErrKDFMismatch, params[ParamKDF], KDFHKDFSHA256)
	}
	salt, err := decodeSalt(params[ParamSalt])
	if err != nil {
		return nil, err
	}
	key, err := DeriveArchiveKey(m.master.Bytes(), salt)
	if err != nil {
		return nil, err
	}
	return memguard.NewBufferFromBytes(key), nil
}

func (m *MasterKeys) Destroy() {
	if m == nil || m.master == nil {
		return
	}
	m.master.Destroy()
}

func decodeSalt(value string) ([]byte, error) {
	if value == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidKeyParams, ParamSalt)
	}
	salt, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not hex", ErrInvalidKeyParams, ParamSalt)
	}
	if len(salt) < 16 || len(salt) > MaxArgon2SaltLen {
		return nil, fmt.Errorf("%w: %s must be 16..%d bytes", ErrInvalidKeyParams, ParamSalt, MaxArgon2SaltLen)
	}
	return salt, nil
}

func parseUint(params map[string]string, name string, bits int) (uint64, error) {
	raw, ok := params[name]
	if !ok {
		return 0, fmt.Errorf("%w: missing %s", ErrInvalidKeyParams, name)
	}
	v, err := strconv.ParseUint(raw, 10, bits)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidKeyParams, name, err)
	}
	return v, nil
}
