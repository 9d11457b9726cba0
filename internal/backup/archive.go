package backup

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/Mirxou/Standard-El-joumla-sub004/internal/crypto"
)

// Archive layout, all integers big-endian:
//
//	magic "JMBK" | version (1) | created (8, unix seconds) | header meta len (4) |
//	header meta | ciphertext | tag (16)
//
// The header meta holds only envelope parameters. Every header byte is the
// AEAD associated data. The sealed plaintext is
//
//	caller meta len (4) | caller meta | blake3(db) (32) | db
const (
	archiveMagic   = "JMBK"
	FormatVersion  = 1
	ArchiveExt     = ".jmbk"
	fixedHeaderLen = 4 + 1 + 8 + 4
	digestLen      = 32

	maxHeaderMetaLen = 16 << 10
	maxCallerMetaLen = 1 << 20

	ParamCipher   = "cipher"
	ParamNonce    = "nonce"
	cipherXChaCha = "xchacha20-poly1305"
)

// Header is the archive's clear header. Metadata and Digest are only known
// after a successful decrypt.
type Header struct {
	Version   int
	CreatedAt time.Time
	Params    map[string]string
	Metadata  map[string]string
	Digest    string
	Size      int64
}

// KDF names the key derivation recorded in the header.
func (h *Header) KDF() string { return h.Params[crypto.ParamKDF] }

func encodeHeader(created time.Time, params map[string]string) ([]byte, error) {
	meta, err := encodeKV(params)
	if err != nil {
		return nil, err
	}
	if len(meta) > maxHeaderMetaLen {
		return nil, fmt.Errorf("header parameters exceed %d bytes", maxHeaderMetaLen)
	}

	out := make([]byte, fixedHeaderLen, fixedHeaderLen+len(meta))
	copy(out[0:4], archiveMagic)
	out[4] = FormatVersion
	binary.BigEndian.PutUint64(out[5:13], uint64(created.Unix()))
	binary.BigEndian.PutUint32(out[13:17], uint32(len(meta)))
	return append(out, meta...), nil
}

// decodeHeader parses the clear header from the start of raw and returns it
// with its encoded length.
func decodeHeader(raw []byte) (*Header, int, error) {
	if len(raw) < fixedHeaderLen {
		return nil, 0, fmt.Errorf("%w: truncated header", ErrCorruptArchive)
	}
	if string(raw[0:4]) != archiveMagic {
		return nil, 0, fmt.Errorf("%w: bad magic", ErrCorruptArchive)
	}
	if raw[4] != FormatVersion {
		return nil, 0, fmt.Errorf("%w: unsupported format version %d", ErrCorruptArchive, raw[4])
	}
	created := int64(binary.BigEndian.Uint64(raw[5:13]))
	metaLen := binary.BigEndian.Uint32(raw[13:17])
	if metaLen > maxHeaderMetaLen {
		return nil, 0, fmt.Errorf("%w: header metadata length %d", ErrCorruptArchive, metaLen)
	}
	end := fixedHeaderLen + int(metaLen)
	if len(raw) < end {
		return nil, 0, fmt.Errorf("%w: truncated header metadata", ErrCorruptArchive)
	}

	params, err := decodeKV(raw[fixedHeaderLen:end])
	if err != nil {
		return nil, 0, fmt.Errorf("%w: header metadata: %v", ErrCorruptArchive, err)
	}
	if params[ParamCipher] != cipherXChaCha {
		return nil, 0, fmt.Errorf("%w: unsupported cipher %q", ErrCorruptArchive, params[ParamCipher])
	}
	if _, err := headerNonce(params); err != nil {
		return nil, 0, err
	}
	if params[crypto.ParamKDF] == "" {
		return nil, 0, fmt.Errorf("%w: missing kdf", ErrCorruptArchive)
	}

	return &Header{
		Version:   int(raw[4]),
		CreatedAt: time.Unix(created, 0).UTC(),
		Params:    params,
	}, end, nil
}

func headerNonce(params map[string]string) ([]byte, error) {
	nonce, err := hex.DecodeString(params[ParamNonce])
	if err != nil || len(nonce) != crypto.NonceSize {
		return nil, fmt.Errorf("%w: malformed nonce", ErrCorruptArchive)
	}
	return nonce, nil
}

// readHeader reads just the clear header from r.
func readHeader(r io.Reader) (*Header, error) {
	fixed := make([]byte, fixedHeaderLen)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return nil, fmt.Errorf("%w: truncated header", ErrCorruptArchive)
	}
	metaLen := binary.BigEndian.Uint32(fixed[13:17])
	if metaLen > maxHeaderMetaLen {
		return nil, fmt.Errorf("%w: header metadata length %d", ErrCorruptArchive, metaLen)
	}
	meta := make([]byte, metaLen)
	if _, err := io.ReadFull(r, meta); err != nil {
		return nil, fmt.Errorf("%w: truncated header metadata", ErrCorruptArchive)
	}
	h, _, err := decodeHeader(append(fixed, meta...))
	return h, err
}

func encodePayload(metadata map[string]string, db []byte) ([]byte, error) {
	meta, err := encodeKV(metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	if len(meta) > maxCallerMetaLen {
		return nil, fmt.Errorf("%w: metadata exceeds %d bytes", ErrInvalidMetadata, maxCallerMetaLen)
	}

	digest := blake3.Sum256(db)
	out := make([]byte, 4, 4+len(meta)+digestLen+len(db))
	binary.BigEndian.PutUint32(out, uint32(len(meta)))
	out = append(out, meta...)
	out = append(out, digest[:]...)
	return append(out, db...), nil
}

// decodePayload splits an authenticated plaintext and verifies the inner
// digest. The returned db aliases plaintext.
func decodePayload(plaintext []byte) (map[string]string, []byte, string, error) {
	if len(plaintext) < 4+digestLen {
		return nil, nil, "", fmt.Errorf("%w: payload too short", ErrCorruptArchive)
	}
	metaLen := binary.BigEndian.Uint32(plaintext[:4])
	if uint64(metaLen) > uint64(len(plaintext)-4-digestLen) {
		return nil, nil, "", fmt.Errorf("%w: metadata length %d exceeds payload", ErrCorruptArchive, metaLen)
	}
	metaEnd := 4 + int(metaLen)
	metadata, err := decodeKV(plaintext[4:metaEnd])
	if err != nil {
		return nil, nil, "", fmt.Errorf("%w: metadata: %v", ErrCorruptArchive, err)
	}

	want := plaintext[metaEnd : metaEnd+digestLen]
	db := plaintext[metaEnd+digestLen:]
	got := blake3.Sum256(db)
	if !bytes.Equal(want, got[:]) {
		return nil, nil, "", fmt.Errorf("%w: database digest mismatch", ErrCorruptArchive)
	}
	return metadata, db, hex.EncodeToString(got[:]), nil
}

// ValidateMetadata checks that m can be encoded as key=value lines.
func ValidateMetadata(m map[string]string) error {
	for k, v := range m {
		switch {
		case k == "":
			return fmt.Errorf("%w: empty key", ErrInvalidMetadata)
		case strings.ContainsAny(k, "=\n\r"):
			return fmt.Errorf("%w: key %q contains '=' or a line break", ErrInvalidMetadata, k)
		case strings.ContainsAny(v, "\n\r"):
			return fmt.Errorf("%w: value for %q contains a line break", ErrInvalidMetadata, k)
		}
	}
	return nil
}

// encodeKV writes m as newline separated key=value lines sorted by key, so
// equal maps always encode to equal bytes.
func encodeKV(m map[string]string) ([]byte, error) {
	if err := ValidateMetadata(m); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(m[k])
	}
	return buf.Bytes(), nil
}

func decodeKV(raw []byte) (map[string]string, error) {
	out := map[string]string{}
	if len(raw) == 0 {
		return out, nil
	}
	for _, line := range strings.Split(string(raw), "\n") {
		k, v, ok := strings.Cut(line, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("malformed line %q", line)
		}
		if _, dup := out[k]; dup {
			return nil, fmt.Errorf("duplicate key %q", k)
		}
		out[k] = v
	}
	return out, nil
}
