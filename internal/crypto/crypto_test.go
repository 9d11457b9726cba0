package crypto

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArgon2KAT(t *testing.T) {
	t.Parallel()

	passphrase := []byte("correct horse battery staple")
	salt := []byte("0123456789abcdef0123456789abcdef")
	params := Argon2Params{
		Memory:      64 * 1024,
		Iterations:  3,
		Parallelism: 1,
		SaltLen:     32,
	}

	got, err := DeriveKeyFromPassphrase(passphrase, salt, params)
	require.NoError(t, err)
	require.Equal(t, mustDecodeHex(t, "d12ac228e1566ecd9f80cf05621657ee1b5b34e40133438917d7ed334641f455"), got)
}

func TestHKDFSHA256KAT(t *testing.T) {
	t.Parallel()

	// RFC 5869 test case 1.
	ikm := bytes.Repeat([]byte{0x0b}, 22)
	salt := []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c}
	info := []byte{0xf0, 0xf1, 0xf2, 0xf3, 0xf4, 0xf5, 0xf6, 0xf7, 0xf8, 0xf9}

	got, err := DeriveHKDFSHA256(ikm, salt, info, 42)
	require.NoError(t, err)
	require.Equal(t, mustDecodeHex(t, "3cb25f25faacd57a90434f64d0362f2a2d2d0a90cf1a5a4c5db02d56ecc4c5bf34007208d5b887185865"), got)
}

func TestSealOpenRoundTrip(t *testing.T) {
	t.Parallel()

	key := bytes.Repeat([]byte{0x42}, KeySize)
	nonce, err := NewNonce()
	require.NoError(t, err)

	sealed, err := Seal(key, nonce, []byte("inventory snapshot"), []byte("header"))
	require.NoError(t, err)
	require.Len(t, sealed, len("inventory snapshot")+TagSize)

	plain, err := Open(key, nonce, sealed, []byte("header"))
	require.NoError(t, err)
	require.Equal(t, []byte("inventory snapshot"), plain)
}

func TestOpenDetectsTampering(t *testing.T) {
	t.Parallel()

	key := bytes.Repeat([]byte{0x42}, KeySize)
	nonce := bytes.Repeat([]byte{0x07}, NonceSize)
	sealed, err := Seal(key, nonce, []byte("inventory snapshot"), []byte("header"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		key    []byte
		sealed []byte
		aad    []byte
	}{
		{name: "flipped-ciphertext", key: key, sealed: flipByte(sealed, 3), aad: []byte("header")},
		{name: "flipped-tag", key: key, sealed: flipByte(sealed, len(sealed)-1), aad: []byte("header")},
		{name: "changed-aad", key: key, sealed: sealed, aad: []byte("headeR")},
		{name: "wrong-key", key: bytes.Repeat([]byte{0x24}, KeySize), sealed: sealed, aad: []byte("header")},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Open(tt.key, nonce, tt.sealed, tt.aad)
			require.ErrorIs(t, err, ErrAuthenticationFailed)
		})
	}
}

func TestSealRejectsBadKeyAndNonce(t *testing.T) {
	t.Parallel()

	_, err := Seal(make([]byte, 16), make([]byte, NonceSize), nil, nil)
	require.ErrorIs(t, err, ErrInvalidAEADInput)

	_, err = Seal(make([]byte, KeySize), make([]byte, 12), nil, nil)
	require.ErrorIs(t, err, ErrInvalidAEADInput)

	_, err = Open(make([]byte, KeySize), make([]byte, NonceSize), []byte{1, 2}, nil)
	require.ErrorIs(t, err, ErrInvalidAEADInput)
}

func TestArgon2ParamsBounds(t *testing.T) {
	t.Parallel()

	valid := testArgon2Params()
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Argon2Params)
	}{
		{name: "low-memory", mutate: func(p *Argon2Params) { p.Memory = MinArgon2MemoryKiB - 1 }},
		{name: "high-memory", mutate: func(p *Argon2Params) { p.Memory = MaxArgon2MemoryKiB + 1 }},
		{name: "zero-iterations", mutate: func(p *Argon2Params) { p.Iterations = 0 }},
		{name: "many-iterations", mutate: func(p *Argon2Params) { p.Iterations = MaxArgon2Iterations + 1 }},
		{name: "zero-parallelism", mutate: func(p *Argon2Params) { p.Parallelism = 0 }},
		{name: "short-salt", mutate: func(p *Argon2Params) { p.SaltLen = 8 }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := testArgon2Params()
			tt.mutate(&p)
			require.ErrorIs(t, p.Validate(), ErrInvalidArgon2Params)
		})
	}
}

func TestPassphraseKeysRederiveFromHeaderParams(t *testing.T) {
	t.Parallel()

	keys, err := NewPassphraseKeys([]byte("correct horse battery staple"), testArgon2Params())
	require.NoError(t, err)
	t.Cleanup(keys.Destroy)

	key, params, err := keys.NewKey()
	require.NoError(t, err)
	t.Cleanup(key.Destroy)
	require.Equal(t, KDFArgon2id, params[ParamKDF])
	require.Len(t, key.Bytes(), KeySize)

	again, err := keys.Key(params)
	require.NoError(t, err)
	t.Cleanup(again.Destroy)
	require.Equal(t, key.Bytes(), again.Bytes())

	other, err := NewPassphraseKeys([]byte("wrong passphrase"), testArgon2Params())
	require.NoError(t, err)
	t.Cleanup(other.Destroy)

	wrong, err := other.Key(params)
	require.NoError(t, err)
	t.Cleanup(wrong.Destroy)
	require.NotEqual(t, key.Bytes(), wrong.Bytes())
}

func TestPassphraseKeysRejectHostileParams(t *testing.T) {
	t.Parallel()

	keys, err := NewPassphraseKeys([]byte("correct horse battery staple"), testArgon2Params())
	require.NoError(t, err)
	t.Cleanup(keys.Destroy)

	_, params, err := keys.NewKey()
	require.NoError(t, err)

	tests := []struct {
		name  string
		key   string
		value string
		want  error
	}{
		{name: "huge-memory", key: ParamArgon2Memory, value: strconv.FormatUint(uint64(MaxArgon2MemoryKiB)*4, 10), want: ErrInvalidKeyParams},
		{name: "non-numeric-iterations", key: ParamArgon2Iterations, value: "three", want: ErrInvalidKeyParams},
		{name: "overflowing-parallelism", key: ParamArgon2Parallelism, value: "300", want: ErrInvalidKeyParams},
		{name: "salt-not-hex", key: ParamSalt, value: "zz", want: ErrInvalidKeyParams},
		{name: "salt-too-short", key: ParamSalt, value: "00ff", want: ErrInvalidKeyParams},
		{name: "other-kdf", key: ParamKDF, value: KDFHKDFSHA256, want: ErrKDFMismatch},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			hostile := make(map[string]string, len(params))
			for k, v := range params {
				hostile[k] = v
			}
			hostile[tt.key] = tt.value

			_, err := keys.Key(hostile)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestMasterKeysUseFreshSaltPerArchive(t *testing.T) {
	t.Parallel()

	keys, err := GenerateMasterKeys()
	require.NoError(t, err)
	t.Cleanup(keys.Destroy)

	first, firstParams, err := keys.NewKey()
	require.NoError(t, err)
	t.Cleanup(first.Destroy)
	second, secondParams, err := keys.NewKey()
	require.NoError(t, err)
	t.Cleanup(second.Destroy)

	require.NotEqual(t, firstParams[ParamSalt], secondParams[ParamSalt])
	require.NotEqual(t, first.Bytes(), second.Bytes())

	again, err := keys.Key(firstParams)
	require.NoError(t, err)
	t.Cleanup(again.Destroy)
	require.Equal(t, first.Bytes(), again.Bytes())

	_, err = keys.Key(map[string]string{ParamKDF: KDFArgon2id})
	require.ErrorIs(t, err, ErrKDFMismatch)
}

func TestMasterKeyFileRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "master.key")
	keys, err := GenerateMasterKeys()
	require.NoError(t, err)
	t.Cleanup(keys.Destroy)
	require.NoError(t, keys.WriteMasterKeyFile(path))
	require.Error(t, keys.WriteMasterKeyFile(path), "existing key file must not be overwritten")

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadMasterKeyFile(path)
	require.NoError(t, err)
	t.Cleanup(loaded.Destroy)

	key, params, err := keys.NewKey()
	require.NoError(t, err)
	t.Cleanup(key.Destroy)
	same, err := loaded.Key(params)
	require.NoError(t, err)
	t.Cleanup(same.Destroy)
	require.Equal(t, key.Bytes(), same.Bytes())
}

func TestLoadMasterKeyFileRejectsGarbage(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	notHex := filepath.Join(dir, "not-hex.key")
	require.NoError(t, os.WriteFile(notHex, []byte("not a key"), 0o600))
	_, err := LoadMasterKeyFile(notHex)
	require.ErrorIs(t, err, ErrInvalidKeyParams)

	short := filepath.Join(dir, "short.key")
	require.NoError(t, os.WriteFile(short, []byte("00ff00ff\n"), 0o600))
	_, err = LoadMasterKeyFile(short)
	require.ErrorIs(t, err, ErrInvalidKeyParams)
}

func TestDestroyedProviderIsNotReady(t *testing.T) {
	t.Parallel()

	keys, err := GenerateMasterKeys()
	require.NoError(t, err)
	keys.Destroy()

	_, _, err = keys.NewKey()
	require.ErrorIs(t, err, ErrKeyNotReady)
}

func testArgon2Params() Argon2Params {
	return Argon2Params{
		Memory:      MinArgon2MemoryKiB,
		Iterations:  1,
		Parallelism: 1,
		SaltLen:     DefaultArgon2SaltLen,
	}
}

func flipByte(in []byte, idx int) []byte {
	out := append([]byte(nil), in...)
	out[idx] ^= 0x01
	return out
}

func mustDecodeHex(t *testing.T, s string) []byte {
	t.Helper()

	out, err := hex.DecodeString(s)
	require.NoError(t, err)
	return out
}
