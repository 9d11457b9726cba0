package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const (
	driverName       = "sqlite"
	busyTimeoutMS    = 5000
	defaultPoolConns = 4
)

// connectionPragmas are applied by the driver to every new connection, so a
// connection opened lazily by the pool carries the same settings as the first.
var connectionPragmas = []string{
	fmt.Sprintf("busy_timeout(%d)", busyTimeoutMS),
	"journal_mode(WAL)",
	"foreign_keys(1)",
	"synchronous(NORMAL)",
}

// DSN builds the read-write DSN for path. Transactions start with BEGIN
// IMMEDIATE so concurrent writers queue on busy_timeout instead of failing
// on lock upgrade.
func DSN(path string) string {
	params := make([]string, 0, len(connectionPragmas)+1)
	for _, p := range connectionPragmas {
		params = append(params, "_pragma="+p)
	}
	params = append(params, "_txlock=immediate")
	return fileURI(path, params...)
}

// fileURI builds a file: URI for path. The path is percent-encoded so '#',
// '?' and '%' in a directory name are not read as URI syntax.
func fileURI(path string, params ...string) string {
	uri := (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
	if len(params) == 0 {
		return uri
	}
	return uri + "?" + strings.Join(params, "&")
}

// Open opens the database at path, creating it and its directory if needed.
// maxConns bounds the driver's own pool; it should match the connection pool
// capacity.
func Open(path string, maxConns int) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("open database: empty path")
	}
	if maxConns < 1 {
		maxConns = defaultPoolConns
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("open database: create parent dir: %w", err)
	}

	db, err := sql.Open(driverName, DSN(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := ensureDBPermissions(path); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Checkpoint folds the WAL into the main file and truncates it. SQLite
// reports busy when a reader, possibly in another process, pins the WAL; that
// is returned as ErrCheckpointBusy since the main file would then not hold
// every committed page.
func Checkpoint(ctx context.Context, conn *sql.Conn) error {
	var busy, logFrames, checkpointed int
	if err := conn.QueryRowContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`).Scan(&busy, &logFrames, &checkpointed); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	if busy != 0 {
		return fmt.Errorf("%w (%d/%d frames checkpointed)", ErrCheckpointBusy, checkpointed, logFrames)
	}
	return nil
}

// VacuumInto writes a consistent copy of the database at src to dest through
// an independent read-only handle. dest must not exist.
func VacuumInto(ctx context.Context, src, dest string) error {
	db, err := sql.Open(driverName, fileURI(src, "mode=ro", fmt.Sprintf("_pragma=busy_timeout(%d)", busyTimeoutMS)))
	if err != nil {
		return fmt.Errorf("vacuum into: open source: %w", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		_ = os.Remove(dest)
		return fmt.Errorf("vacuum into %s: %w", filepath.Base(dest), err)
	}
	return nil
}

// VerifyIntegrity opens the database file at path and runs PRAGMA
// integrity_check. The file must already exist; it is opened read-write so
// a WAL-mode file can be checked without pre-existing sidecar files.
func VerifyIntegrity(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIntegrityFailed, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: empty file", ErrIntegrityFailed)
	}

	db, err := sql.Open(driverName, fileURI(path, "mode=rw"))
	if err != nil {
		return fmt.Errorf("%w: open: %v", ErrIntegrityFailed, err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	var result string
	if err := db.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&result); err != nil {
		return fmt.Errorf("%w: %v", ErrIntegrityFailed, err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: %s", ErrIntegrityFailed, result)
	}
	return nil
}

// RemoveSidecars deletes the -wal and -shm files next to path.
func RemoveSidecars(path string) error {
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s sidecar: %w", suffix, err)
		}
	}
	return nil
}

func ensureDBPermissions(path string) error {
	if err := os.Chmod(path, 0o600); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("set db file permissions: %w", err)
		}
	}

	walPath := path + "-wal"
	if err := os.Chmod(walPath, 0o600); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("set wal file permissions: %w", err)
		}
	}
	return nil
}
