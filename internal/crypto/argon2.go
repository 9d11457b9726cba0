package crypto

import (
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/crypto/argon2"
)

const (
	DefaultArgon2MemoryKiB  uint32 = 256 * 1024
	DefaultArgon2Iterations uint32 = 3
	DefaultArgon2SaltLen           = 32
	MinArgon2MemoryKiB      uint32 = 32 * 1024

	// Upper bounds for parameters read from an archive header. A crafted
	// header must not be able to make a restore allocate unbounded memory.
	MaxArgon2MemoryKiB   uint32 = 1024 * 1024
	MaxArgon2Iterations  uint32 = 20
	MaxArgon2Parallelism uint8  = 16
	MaxArgon2SaltLen            = 64
)

var ErrInvalidArgon2Params = errors.New("invalid argon2 parameters")

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLen     int
}

func DefaultArgon2Params() Argon2Params {
	parallelism := runtime.NumCPU()
	if parallelism > 4 {
		parallelism = 4
	}
	if parallelism < 1 {
		parallelism = 1
	}

	return Argon2Params{
		Memory:      DefaultArgon2MemoryKiB,
		Iterations:  DefaultArgon2Iterations,
		Parallelism: uint8(parallelism),
		SaltLen:     DefaultArgon2SaltLen,
	}
}

func (p Argon2Params) Validate() error {
	switch {
	case p.Memory < MinArgon2MemoryKiB:
		return fmt.Errorf("%w: memory must be >= %d KiB", ErrInvalidArgon2Params, MinArgon2MemoryKiB)
	case p.Memory > MaxArgon2MemoryKiB:
		return fmt.Errorf("%w: memory must be <= %d KiB", ErrInvalidArgon2Params, MaxArgon2MemoryKiB)
	case p.Iterations == 0:
		return fmt.Errorf("%w: iterations must be > 0", ErrInvalidArgon2Params)
	case p.Iterations > MaxArgon2Iterations:
		return fmt.Errorf("%w: iterations must be <= %d", ErrInvalidArgon2Params, MaxArgon2Iterations)
	case p.Parallelism == 0:
		return fmt.Errorf("%w: parallelism must be > 0", ErrInvalidArgon2Params)
	case p.Parallelism > MaxArgon2Parallelism:
		return fmt.Errorf("%w: parallelism must be <= %d", ErrInvalidArgon2Params, MaxArgon2Parallelism)
	case p.SaltLen < 16 || p.SaltLen > MaxArgon2SaltLen:
		return fmt.Errorf("%w: salt length must be within [16, %d]", ErrInvalidArgon2Params, MaxArgon2SaltLen)
	default:
		return nil
	}
}

// DeriveKeyFromPassphrase runs argon2id and returns a KeySize key. The caller
// owns the returned slice and should wipe it.
func DeriveKeyFromPassphrase(passphrase []byte, salt []byte, params Argon2Params) ([]byte, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("%w: passphrase must not be empty", ErrInvalidArgon2Params)
	}
	if len(salt) < params.SaltLen {
		return nil, fmt.Errorf("%w: salt must be at least %d bytes", ErrInvalidArgon2Params, params.SaltLen)
	}

	return argon2.IDKey(passphrase, salt, params.Iterations, params.Memory, params.Parallelism, KeySize), nil
}
