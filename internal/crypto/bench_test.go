package crypto_test

import (
	"crypto/rand"
	"testing"

	cryptopkg "github.com/Mirxou/Standard-El-joumla-sub004/internal/crypto"
	"github.com/awnumar/memguard"
)

func BenchmarkSealOneMiB(b *testing.B) {
	key := make([]byte, cryptopkg.KeySize)
	nonce := make([]byte, cryptopkg.NonceSize)
	payload := make([]byte, 1<<20)
	if _, err := rand.Read(payload); err != nil {
		b.Fatalf("generate payload: %v", err)
	}

	b.SetBytes(int64(len(payload)))
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := cryptopkg.Seal(key, nonce, payload, []byte("header")); err != nil {
			b.Fatalf("seal: %v", err)
		}
	}
}

func BenchmarkKeyDerivation(b *testing.B) {
	params := cryptopkg.DefaultArgon2Params()
	passphrase := []byte("correct horse battery staple")
	salt := make([]byte, cryptopkg.DefaultArgon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		b.Fatalf("generate salt: %v", err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key, err := cryptopkg.DeriveKeyFromPassphrase(passphrase, salt, params)
		if err != nil {
			b.Fatalf("derive key: %v", err)
		}
		memguard.WipeBytes(key)
	}
}
