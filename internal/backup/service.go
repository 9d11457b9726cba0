package backup

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"github.com/Mirxou/Standard-El-joumla-sub004/internal/crypto"
	applog "github.com/Mirxou/Standard-El-joumla-sub004/internal/log"
	"github.com/Mirxou/Standard-El-joumla-sub004/internal/metrics"
	"github.com/Mirxou/Standard-El-joumla-sub004/internal/pool"
	"github.com/Mirxou/Standard-El-joumla-sub004/internal/storage"
)

// DefaultQuiesceTimeout bounds how long a backup or restore waits for
// pooled connections to be returned when the caller sets no timeout.
const DefaultQuiesceTimeout = 5 * time.Second

const (
	defaultMaxArchiveBytes = 512 << 20
	archiveTimeLayout      = "20060102T150405Z"
)

// QuiescePolicy decides what Backup does when the pool cannot be drained in
// time.
type QuiescePolicy string

const (
	// PolicyStrict fails the backup with pool.ErrQuiesceTimeout.
	PolicyStrict QuiescePolicy = "strict"
	// PolicyBestEffort falls back to a VACUUM INTO snapshot taken while
	// writers keep running. The snapshot is transactionally consistent but
	// may miss writes committed after it starts.
	PolicyBestEffort QuiescePolicy = "best-effort"
)

// Snapshot methods recorded in the catalog.
const (
	SnapshotCheckpoint = "checkpoint"
	SnapshotVacuum     = "vacuum"
)

// Quiescer gives exclusive use of the database for the duration of fn.
// *pool.Pool satisfies it.
type Quiescer interface {
	Exclusive(ctx context.Context, timeout time.Duration, fn func(ctx context.Context, conn *sql.Conn) error) error
}

type serviceState int32

const (
	stateIdle serviceState = iota
	stateBackingUp
	stateRestoring
)

func (s serviceState) String() string {
	switch s {
	case stateBackingUp:
		return "backing-up"
	case stateRestoring:
		return "restoring"
	default:
		return "idle"
	}
}

type Options struct {
	Keys           crypto.KeyProvider
	Dir            string
	Quiescer       Quiescer
	QuiesceTimeout time.Duration
	Policy         QuiescePolicy
	// Catalog is optional; a failed catalog write does not fail the backup.
	Catalog         *Catalog
	MaxArchiveBytes int64
	Logger          *slog.Logger
	Now             func() time.Time
}

// Service writes and restores encrypted archives. One operation runs at a
// time; a second concurrent call fails with ErrBusy.
type Service struct {
	keys           crypto.KeyProvider
	dir            string
	quiescer       Quiescer
	quiesceTimeout time.Duration
	policy         QuiescePolicy
	catalog        *Catalog
	maxBytes       int64
	logger         *slog.Logger
	now            func() time.Time

	state atomic.Int32
}

func NewService(opts Options) (*Service, error) {
	if opts.Keys == nil {
		return nil, fmt.Errorf("%w: key provider is required", ErrEncryption)
	}
	if opts.Dir == "" {
		return nil, fmt.Errorf("%w: archive directory is required", ErrBackupIO)
	}
	switch opts.Policy {
	case "":
		opts.Policy = PolicyStrict
	case PolicyStrict, PolicyBestEffort:
	default:
		return nil, fmt.Errorf("unknown quiesce policy %q", opts.Policy)
	}
	if opts.QuiesceTimeout <= 0 {
		opts.QuiesceTimeout = DefaultQuiesceTimeout
	}
	if opts.MaxArchiveBytes <= 0 {
		opts.MaxArchiveBytes = defaultMaxArchiveBytes
	}
	if opts.Logger == nil {
		opts.Logger = applog.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Service{
		keys:           opts.Keys,
		dir:            opts.Dir,
		quiescer:       opts.Quiescer,
		quiesceTimeout: opts.QuiesceTimeout,
		policy:         opts.Policy,
		catalog:        opts.Catalog,
		maxBytes:       opts.MaxArchiveBytes,
		logger:         opts.Logger.With("component", "backup"),
		now:            opts.Now,
	}, nil
}

// Dir returns the archive directory.
func (s *Service) Dir() string { return s.dir }

// Catalog returns the catalog, or nil when disabled.
func (s *Service) Catalog() *Catalog { return s.catalog }

func (s *Service) enter(next serviceState) error {
	if !s.state.CompareAndSwap(int32(stateIdle), int32(next)) {
		return fmt.Errorf("%w: %s in progress", ErrBusy, serviceState(s.state.Load()))
	}
	return nil
}

func (s *Service) leave() { s.state.Store(int32(stateIdle)) }

// Backup snapshots the database at sourcePath and writes an encrypted archive
// to the archive directory, returning its path. metadata is encrypted with
// the database.
func (s *Service) Backup(ctx context.Context, sourcePath string, metadata map[string]string) (string, error) {
	if err := ValidateMetadata(metadata); err != nil {
		return "", err
	}
	if err := s.enter(stateBackingUp); err != nil {
		return "", err
	}
	defer s.leave()

	started := time.Now()
	path, err := s.backup(ctx, sourcePath, metadata)
	metrics.RecordBackup("backup", started, failureReason(err), err)
	if err != nil {
		s.logger.Error("backup failed", "source", sourcePath, "error", err)
		return "", err
	}
	return path, nil
}

func (s *Service) backup(ctx context.Context, sourcePath string, metadata map[string]string) (string, error) {
	data, method, err := s.snapshot(ctx, sourcePath)
	if err != nil {
		return "", err
	}
	defer memguard.WipeBytes(data)

	created := s.now().UTC().Truncate(time.Second)
	archive, digest, params, err := s.seal(created, metadata, data)
	if err != nil {
		return "", err
	}
	if int64(len(archive)) > s.maxBytes {
		return "", fmt.Errorf("%w: archive is %d bytes, limit %d", ErrBackupIO, len(archive), s.maxBytes)
	}

	base := strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath))
	id := uuid.NewString()
	name := fmt.Sprintf("%s-%s-%s%s", base, created.Format(archiveTimeLayout), id[:8], ArchiveExt)
	path := filepath.Join(s.dir, name)
	if err := writeFileAtomic(path, archive); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackupIO, err)
	}
	metrics.BackupLastArchiveBytes.Set(float64(len(archive)))

	s.logger.Info("backup written",
		"archive", path,
		"bytes", len(archive),
		"snapshot", method,
		"kdf", params[crypto.ParamKDF],
	)

	if s.catalog != nil {
		entry := Entry{
			ID:        id,
			Path:      path,
			Source:    sourcePath,
			CreatedAt: created,
			SizeBytes: int64(len(archive)),
			Digest:    digest,
			KDF:       params[crypto.ParamKDF],
			Snapshot:  method,
		}
		if err := s.catalog.Record(entry); err != nil {
			s.logger.Warn("catalog record failed", "archive", path, "error", err)
		}
	}
	return path, nil
}

// snapshot returns a consistent copy of the database bytes. With a quiescer
// the WAL is checkpointed while every pooled connection is held, so the main
// file is the full committed state. Without one, or under best-effort when the
// quiesce times out or a reader outside the pool blocks the checkpoint,
// VACUUM INTO produces the copy.
func (s *Service) snapshot(ctx context.Context, sourcePath string) ([]byte, string, error) {
	if s.quiescer != nil {
		var data []byte
		err := s.quiescer.Exclusive(ctx, s.quiesceTimeout, func(ctx context.Context, conn *sql.Conn) error {
			if err := storage.Checkpoint(ctx, conn); err != nil {
				return err
			}
			var err error
			data, err = readFileCapped(sourcePath, s.maxBytes)
			return err
		})
		switch {
		case err == nil:
			return data, SnapshotCheckpoint, nil
		case s.policy == PolicyBestEffort &&
			(errors.Is(err, pool.ErrQuiesceTimeout) || errors.Is(err, storage.ErrCheckpointBusy)):
			s.logger.Warn("quiesce incomplete, taking best-effort snapshot",
				"source", sourcePath,
				"timeout", s.quiesceTimeout,
				"error", err,
			)
		case errors.Is(err, pool.ErrQuiesceTimeout), errors.Is(err, pool.ErrRestoreInProgress),
			errors.Is(err, pool.ErrPoolClosed), errors.Is(err, context.Canceled),
			errors.Is(err, context.DeadlineExceeded):
			return nil, "", fmt.Errorf("backup snapshot: %w", err)
		default:
			return nil, "", fmt.Errorf("%w: snapshot: %w", ErrBackupIO, err)
		}
	}

	data, err := s.vacuumSnapshot(ctx, sourcePath)
	if err != nil {
		return nil, "", err
	}
	return data, SnapshotVacuum, nil
}

func (s *Service) vacuumSnapshot(ctx context.Context, sourcePath string) ([]byte, error) {
	if _, err := os.Stat(sourcePath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackupIO, err)
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create archive dir: %v", ErrBackupIO, err)
	}
	tmpDir, err := os.MkdirTemp(s.dir, ".snapshot-")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackupIO, err)
	}
	defer os.RemoveAll(tmpDir)

	dest := filepath.Join(tmpDir, "snapshot.db")
	if err := storage.VacuumInto(ctx, sourcePath, dest); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackupIO, err)
	}
	data, err := readFileCapped(dest, s.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackupIO, err)
	}
	return data, nil
}

func (s *Service) seal(created time.Time, metadata map[string]string, data []byte) ([]byte, string, map[string]string, error) {
	key, params, err := s.keys.NewKey()
	if err != nil {
		return nil, "", nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	defer key.Destroy()

	nonce, err := crypto.NewNonce()
	if err != nil {
		return nil, "", nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	params[ParamCipher] = cipherXChaCha
	params[ParamNonce] = hex.EncodeToString(nonce)

	header, err := encodeHeader(created, params)
	if err != nil {
		return nil, "", nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	payload, err := encodePayload(metadata, data)
	if err != nil {
		return nil, "", nil, err
	}
	defer memguard.WipeBytes(payload)

	// The digest sits right after the caller metadata.
	metaEnd := len(payload) - len(data) - digestLen
	digest := hex.EncodeToString(payload[metaEnd : metaEnd+digestLen])

	sealed, err := crypto.Seal(key.Bytes(), nonce, payload, header)
	if err != nil {
		return nil, "", nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	return append(header, sealed...), digest, params, nil
}

// Restore decrypts the archive at archivePath and atomically replaces
// targetPath with the verified database. The caller must make sure nothing
// holds targetPath open. On any error targetPath is left as it was.
func (s *Service) Restore(ctx context.Context, archivePath, targetPath string) (*Header, error) {
	if err := s.enter(stateRestoring); err != nil {
		return nil, err
	}
	defer s.leave()

	started := time.Now()
	h, err := s.restore(ctx, archivePath, targetPath)
	metrics.RecordBackup("restore", started, failureReason(err), err)
	if err != nil {
		s.logger.Error("restore failed", "archive", archivePath, "error", err)
		return nil, err
	}
	s.logger.Info("restore complete", "archive", archivePath, "target", targetPath, "bytes", h.Size)
	return h, nil
}

func (s *Service) restore(ctx context.Context, archivePath, targetPath string) (*Header, error) {
	h, db, err := s.decrypt(archivePath)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(db)

	if err := s.installDatabase(ctx, db, targetPath); err != nil {
		return nil, err
	}
	return h, nil
}

// Verify decrypts the archive and checks its digest without installing it.
func (s *Service) Verify(archivePath string) (*Header, error) {
	h, db, err := s.decrypt(archivePath)
	if err != nil {
		return nil, err
	}
	memguard.WipeBytes(db)
	return h, nil
}

func (s *Service) decrypt(archivePath string) (*Header, []byte, error) {
	raw, err := readFileCapped(archivePath, s.maxBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBackupIO, err)
	}
	h, n, err := decodeHeader(raw)
	if err != nil {
		return nil, nil, err
	}
	nonce, err := headerNonce(h.Params)
	if err != nil {
		return nil, nil, err
	}

	key, err := s.keys.Key(h.Params)
	if err != nil {
		return nil, nil, classifyKeyError(err)
	}
	defer key.Destroy()

	plaintext, err := crypto.Open(key.Bytes(), nonce, raw[n:], raw[:n])
	switch {
	case errors.Is(err, crypto.ErrAuthenticationFailed):
		return nil, nil, fmt.Errorf("%w: wrong key or modified archive", ErrAuthenticationFailed)
	case errors.Is(err, crypto.ErrInvalidAEADInput):
		return nil, nil, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	case err != nil:
		return nil, nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	metadata, db, digest, err := decodePayload(plaintext)
	if err != nil {
		memguard.WipeBytes(plaintext)
		return nil, nil, err
	}
	h.Metadata = metadata
	h.Digest = digest
	h.Size = int64(len(db))
	return h, db, nil
}

// Inspect reads the clear header only; it needs no key.
func Inspect(archivePath string) (*Header, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackupIO, err)
	}
	defer f.Close()
	return readHeader(f)
}

func classifyKeyError(err error) error {
	switch {
	case errors.Is(err, crypto.ErrKDFMismatch):
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	case errors.Is(err, crypto.ErrInvalidKeyParams), errors.Is(err, crypto.ErrInvalidArgon2Params):
		return fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	default:
		return fmt.Errorf("%w: %v", ErrEncryption, err)
	}
}

// installDatabase writes db next to targetPath, checks it with SQLite and
// renames it into place. WAL sidecars of the replaced file are removed once the
// rename has succeeded so SQLite cannot replay them onto the restored pages.
func (s *Service) installDatabase(ctx context.Context, db []byte, targetPath string) error {
	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%w: create target dir: %v", ErrBackupIO, err)
	}
	tmp, err := os.CreateTemp(dir, ".restore-*.db")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackupIO, err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
			_ = storage.RemoveSidecars(tmpPath)
		}
	}()

	if err := writeAndSync(tmp, db); err != nil {
		return fmt.Errorf("%w: %v", ErrBackupIO, err)
	}
	if err := storage.VerifyIntegrity(ctx, tmpPath); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}
	// Integrity check may leave sidecars of its own behind.
	if err := storage.RemoveSidecars(tmpPath); err != nil {
		return fmt.Errorf("%w: %v", ErrBackupIO, err)
	}

	if err := os.Rename(tmpPath, targetPath); err != nil {
		return fmt.Errorf("%w: install restored database: %v", ErrBackupIO, err)
	}
	committed = true
	if err := storage.RemoveSidecars(targetPath); err != nil {
		return fmt.Errorf("%w: restored database installed but old sidecars remain: %v", ErrBackupIO, err)
	}
	if err := syncDir(dir); err != nil {
		s.logger.Warn("sync target dir after restore", "dir", dir, "error", err)
	}
	return nil
}

func failureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthenticationFailed):
		return "auth"
	case errors.Is(err, ErrCorruptArchive):
		return "corrupt"
	case errors.Is(err, ErrInvalidMetadata):
		return "metadata"
	case errors.Is(err, pool.ErrQuiesceTimeout):
		return "quiesce_timeout"
	case errors.Is(err, ErrEncryption):
		return "encryption"
	case errors.Is(err, ErrBackupIO):
		return "io"
	default:
		return "other"
	}
}

func readFileCapped(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() > limit {
		return nil, fmt.Errorf("%s is %d bytes, limit %d", filepath.Base(path), info.Size(), limit)
	}
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%s grew past limit %d while reading", filepath.Base(path), limit)
	}
	return data, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*"+ArchiveExt)
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if err := writeAndSync(tmp, data); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return syncDir(dir)
}

// writeAndSync writes data, fsyncs and closes f. f is closed on every path.
func writeAndSync(f *os.File, data []byte) error {
	if err := f.Chmod(0o600); err != nil {
		_ = f.Close()
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", dir, err)
	}
	return nil
}
