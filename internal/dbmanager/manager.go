// Package dbmanager ties the connection pool, the query executor and the
// encrypted backup service to one database file.
//
// A Manager is constructed per database path. Its lifecycle is
// New → Open (or Initialize) → operations → Shutdown. Operations before Open
// fail with ErrNotInitialized and after Shutdown with ErrShutdown.
package dbmanager

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mirxou/Standard-El-joumla-sub004/internal/audit"
	"github.com/Mirxou/Standard-El-joumla-sub004/internal/backup"
	"github.com/Mirxou/Standard-El-joumla-sub004/internal/config"
	"github.com/Mirxou/Standard-El-joumla-sub004/internal/crypto"
	applog "github.com/Mirxou/Standard-El-joumla-sub004/internal/log"
	"github.com/Mirxou/Standard-El-joumla-sub004/internal/pool"
	"github.com/Mirxou/Standard-El-joumla-sub004/internal/storage"
)

var (
	ErrInitialization      = errors.New("database initialization failed")
	ErrNotInitialized      = errors.New("database manager not initialized")
	ErrShutdown            = errors.New("database manager shut down")
	ErrBackupNotConfigured = errors.New("backups need a key provider")
	ErrCatalogDisabled     = errors.New("backup catalog disabled")
	ErrAuditDisabled       = errors.New("backup audit trail disabled")
)

type Options struct {
	Path           string
	PoolSize       int
	AcquireTimeout time.Duration
	MaxIdleTime    time.Duration
	// Migrations run on Open and after every restore. Nil runs none.
	Migrations []storage.Migration

	// Keys enables backup and restore.
	Keys           crypto.KeyProvider
	BackupDir      string
	QuiesceTimeout time.Duration
	QuiescePolicy  backup.QuiescePolicy
	// CatalogPath enables the archive catalog when set.
	CatalogPath string
	// AuditPath enables the hash-chained audit trail of backup operations.
	AuditPath string

	Logger *slog.Logger
	Now    func() time.Time
}

// OptionsFromConfig maps the loaded configuration onto Options. Keys and
// Migrations are left for the caller.
func OptionsFromConfig(cfg config.Config) Options {
	opts := Options{
		Path:           cfg.Database.Path,
		PoolSize:       cfg.Database.PoolSize,
		AcquireTimeout: cfg.Database.AcquireTimeout,
		MaxIdleTime:    cfg.Database.MaxIdleTime,
		BackupDir:      cfg.Backup.Dir,
		QuiesceTimeout: cfg.Backup.QuiesceTimeout,
		QuiescePolicy:  backup.QuiescePolicy(cfg.Backup.QuiescePolicy),
	}
	if cfg.Backup.Catalog {
		opts.CatalogPath = cfg.CatalogPath()
	}
	if cfg.Backup.Audit {
		opts.AuditPath = cfg.AuditPath()
	}
	return opts
}

type Manager struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	db      *sql.DB
	pool    *pool.Pool
	exec    *storage.Executor
	backups *backup.Service
	catalog *backup.Catalog
	trail   *audit.BoltStore
	audit   *audit.Service

	restoreMu   sync.Mutex
	initialized atomic.Bool
	closed      atomic.Bool
	stopOnce    sync.Once
}

func New(opts Options) (*Manager, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("new database manager: path is required")
	}
	opts.Path = filepath.Clean(opts.Path)
	if opts.PoolSize < 1 {
		opts.PoolSize = 4
	}
	if opts.BackupDir == "" {
		opts.BackupDir = filepath.Join(filepath.Dir(opts.Path), "backups")
	}
	if opts.QuiesceTimeout <= 0 {
		opts.QuiesceTimeout = backup.DefaultQuiesceTimeout
	}
	if opts.Logger == nil {
		opts.Logger = applog.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		opts:   opts,
		logger: opts.Logger.With("component", "dbmanager", "db", filepath.Base(opts.Path)),
	}, nil
}

// Open opens the database, runs migrations, builds the pool and checks that a
// pooled connection answers a trivial query. Calling Open again after success
// is a no-op.
func (m *Manager) Open(ctx context.Context) error {
	if m.closed.Load() {
		return ErrShutdown
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized.Load() {
		return nil
	}

	db, err := storage.Open(m.opts.Path, m.opts.PoolSize)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInitialization, err)
	}
	if err := m.migrate(ctx, db); err != nil {
		_ = db.Close()
		return fmt.Errorf("%w: %w", ErrInitialization, err)
	}

	p, err := pool.New(db, pool.Options{
		Capacity:       m.opts.PoolSize,
		AcquireTimeout: m.opts.AcquireTimeout,
		MaxIdleTime:    m.opts.MaxIdleTime,
		Name:           filepath.Base(m.opts.Path),
		Logger:         m.opts.Logger,
		Now:            m.opts.Now,
	})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("%w: %w", ErrInitialization, err)
	}
	if err := probe(ctx, p); err != nil {
		_ = p.Close()
		return fmt.Errorf("%w: %w", ErrInitialization, err)
	}

	if m.opts.CatalogPath != "" {
		catalog, err := backup.OpenCatalog(m.opts.CatalogPath)
		if err != nil {
			m.logger.Warn("backup catalog unavailable", "path", m.opts.CatalogPath, "error", err)
		} else {
			m.catalog = catalog
		}
	}
	if m.opts.AuditPath != "" {
		m.openAudit(ctx)
	}
	if m.opts.Keys != nil {
		svc, err := backup.NewService(backup.Options{
			Keys:           m.opts.Keys,
			Dir:            m.opts.BackupDir,
			Quiescer:       p,
			QuiesceTimeout: m.opts.QuiesceTimeout,
			Policy:         m.opts.QuiescePolicy,
			Catalog:        m.catalog,
			Logger:         m.opts.Logger,
			Now:            m.opts.Now,
		})
		if err != nil {
			_ = p.Close()
			_ = m.catalog.Close()
			_ = m.trail.Close()
			m.catalog, m.trail, m.audit = nil, nil, nil
			return fmt.Errorf("%w: %w", ErrInitialization, err)
		}
		m.backups = svc
	}

	m.db = db
	m.pool = p
	m.exec = storage.NewExecutor(p)
	m.initialized.Store(true)
	m.logger.Info("database ready", "path", m.opts.Path, "pool_size", m.opts.PoolSize)
	return nil
}

// openAudit opens the audit trail. Like the catalog it is optional: a
// failure is logged and backups proceed unaudited.
func (m *Manager) openAudit(ctx context.Context) {
	store, err := audit.OpenStore(m.opts.AuditPath)
	if err != nil {
		m.logger.Warn("audit trail unavailable", "path", m.opts.AuditPath, "error", err)
		return
	}
	svc, err := audit.NewService(ctx, store)
	if err != nil {
		_ = store.Close()
		m.logger.Warn("audit trail unavailable", "path", m.opts.AuditPath, "error", err)
		return
	}
	m.trail = store
	m.audit = svc
}

// Initialize is Open for callers that only want to know whether the database
// is usable. The failure is logged.
func (m *Manager) Initialize(ctx context.Context) bool {
	if err := m.Open(ctx); err != nil {
		m.logger.Error("database initialization failed", "error", err)
		return false
	}
	return true
}

func (m *Manager) migrate(ctx context.Context, db *sql.DB) error {
	if len(m.opts.Migrations) == 0 {
		return nil
	}
	return storage.RunMigrations(ctx, db, m.opts.Migrations)
}

func probe(ctx context.Context, p *pool.Pool) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("probe connection: %w", err)
	}
	defer func() { _ = p.Release(conn) }()

	var one int
	if err := conn.Raw().QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("probe query: %w", err)
	}
	if one != 1 {
		return fmt.Errorf("probe query returned %d", one)
	}
	return nil
}

func (m *Manager) ready() error {
	switch {
	case m.closed.Load():
		return ErrShutdown
	case !m.initialized.Load():
		return ErrNotInitialized
	default:
		return nil
	}
}

func (m *Manager) ExecuteNonQuery(ctx context.Context, stmt string, args ...any) (storage.Result, error) {
	if err := m.ready(); err != nil {
		return storage.Result{}, err
	}
	return m.exec.ExecuteNonQuery(ctx, stmt, args...)
}

func (m *Manager) FetchOne(ctx context.Context, stmt string, args ...any) (storage.Row, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	return m.exec.FetchOne(ctx, stmt, args...)
}

func (m *Manager) FetchAll(ctx context.Context, stmt string, args ...any) ([]storage.Row, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	return m.exec.FetchAll(ctx, stmt, args...)
}

func (m *Manager) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := m.ready(); err != nil {
		return err
	}
	return m.exec.Transaction(ctx, fn)
}

// Products returns the product repository over the managed pool.
func (m *Manager) Products() (*storage.Products, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	return storage.NewProducts(m.exec), nil
}

// PoolStats reports the pool's counters.
func (m *Manager) PoolStats() (pool.Stats, error) {
	if err := m.ready(); err != nil {
		return pool.Stats{}, err
	}
	return m.pool.Stats(), nil
}

// BackupDatabaseEncrypted writes an encrypted archive of the managed database
// and returns its path.
func (m *Manager) BackupDatabaseEncrypted(ctx context.Context, metadata map[string]string) (string, error) {
	svc, err := m.backupService()
	if err != nil {
		return "", err
	}
	path, err := svc.Backup(ctx, m.opts.Path, metadata)
	m.recordAudit(ctx, audit.ActionBackupCreate, path, err, auditDetails{Source: m.opts.Path})
	return path, err
}

// RestoreDatabaseEncrypted replaces the managed database with the contents of
// archivePath. New acquires fail with pool.ErrRestoreInProgress until it
// returns. The pool is reopened on the database file whether or not the
// restore succeeded; a failed restore leaves the original file in place.
func (m *Manager) RestoreDatabaseEncrypted(ctx context.Context, archivePath string) (*backup.Header, error) {
	svc, err := m.backupService()
	if err != nil {
		return nil, err
	}
	m.restoreMu.Lock()
	defer m.restoreMu.Unlock()

	if err := m.pool.Suspend(ctx, m.opts.QuiesceTimeout); err != nil {
		err = fmt.Errorf("restore: %w", err)
		m.recordAudit(ctx, audit.ActionBackupRestore, archivePath, err, auditDetails{Target: m.opts.Path})
		return nil, err
	}

	header, restoreErr := svc.Restore(ctx, archivePath, m.opts.Path)
	details := auditDetails{Target: m.opts.Path}
	if header != nil {
		details.KDF = header.KDF()
		details.Digest = header.Digest
	}
	m.recordAudit(ctx, audit.ActionBackupRestore, archivePath, restoreErr, details)

	if err := m.reopen(); err != nil {
		m.logger.Error("reopen after restore failed; pool stays suspended", "error", err)
		return nil, errors.Join(restoreErr, err)
	}
	if restoreErr != nil {
		return nil, restoreErr
	}
	m.logger.Info("database restored", "archive", archivePath)
	return header, nil
}

// reopen opens a fresh handle on the database file and resumes the pool on it.
// Migrations bring an archive taken on an older schema up to date.
func (m *Manager) reopen() error {
	db, err := storage.Open(m.opts.Path, m.opts.PoolSize)
	if err != nil {
		return fmt.Errorf("reopen database: %w", err)
	}
	migrateErr := m.migrate(context.Background(), db)

	m.mu.Lock()
	m.db = db
	m.mu.Unlock()

	if err := m.pool.Resume(db); err != nil {
		return fmt.Errorf("resume pool: %w", err)
	}
	if migrateErr != nil {
		return fmt.Errorf("migrate restored database: %w", migrateErr)
	}
	return nil
}

func (m *Manager) backupService() (*backup.Service, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	if m.backups == nil {
		return nil, ErrBackupNotConfigured
	}
	return m.backups, nil
}

// ListBackups returns catalogued archives, oldest first.
func (m *Manager) ListBackups() ([]backup.Entry, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	if m.catalog == nil {
		return nil, ErrCatalogDisabled
	}
	return m.catalog.List()
}

// PruneBackups applies policy to the catalogued archives. It needs no key.
func (m *Manager) PruneBackups(policy backup.RetentionPolicy) (backup.PruneResult, error) {
	if err := m.ready(); err != nil {
		return backup.PruneResult{}, err
	}
	if m.catalog == nil {
		return backup.PruneResult{}, ErrCatalogDisabled
	}
	result, err := m.catalog.Prune(policy, m.opts.Now())
	for _, e := range result.Removed {
		m.logger.Info("pruned archive", "archive", e.Path, "created_at", e.CreatedAt)
	}
	m.recordAudit(context.Background(), audit.ActionBackupPrune, m.opts.CatalogPath, err, auditDetails{
		Removed: len(result.Removed),
		Kept:    result.Kept,
	})
	return result, err
}

// VerifyBackup decrypts archivePath and checks its digest without touching
// the database.
func (m *Manager) VerifyBackup(archivePath string) (*backup.Header, error) {
	svc, err := m.backupService()
	if err != nil {
		return nil, err
	}
	header, err := svc.Verify(archivePath)
	details := auditDetails{}
	if header != nil {
		details.KDF = header.KDF()
		details.Digest = header.Digest
	}
	m.recordAudit(context.Background(), audit.ActionBackupVerify, archivePath, err, details)
	return header, err
}

// AuditEvents lists recorded backup operations in the order they happened.
func (m *Manager) AuditEvents(ctx context.Context, filter audit.Filter) ([]audit.RecordedEvent, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	if m.audit == nil {
		return nil, ErrAuditDisabled
	}
	return m.audit.List(ctx, filter)
}

// VerifyAudit recomputes the audit hash chain.
func (m *Manager) VerifyAudit(ctx context.Context) (*audit.VerifyResult, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	if m.audit == nil {
		return nil, ErrAuditDisabled
	}
	return m.audit.Verify(ctx)
}

type auditDetails struct {
	Source  string `json:"source,omitempty"`
	Target  string `json:"target,omitempty"`
	KDF     string `json:"kdf,omitempty"`
	Digest  string `json:"digest,omitempty"`
	Removed int    `json:"removed,omitempty"`
	Kept    int    `json:"kept,omitempty"`
	Error   string `json:"error,omitempty"`
}

// recordAudit appends one event to the trail if it is enabled. Failing to
// record never fails the operation being recorded.
func (m *Manager) recordAudit(ctx context.Context, action, target string, opErr error, details auditDetails) {
	if m.audit == nil {
		return
	}
	result := audit.ResultSuccess
	if opErr != nil {
		result = audit.ResultFailure
		details.Error = opErr.Error()
	}
	targetType := "archive"
	if action == audit.ActionBackupPrune {
		targetType = "catalog"
	}
	if target != "" {
		target = filepath.Base(target)
	}
	err := m.audit.Record(context.WithoutCancel(ctx), audit.Event{
		Timestamp:  m.opts.Now(),
		Action:     action,
		TargetType: targetType,
		TargetID:   target,
		Result:     result,
		Details:    details,
	})
	if err != nil {
		m.logger.Warn("record audit event", "action", action, "error", err)
	}
}

// Shutdown closes the pool, the database, the catalog and the audit trail. It is safe to call
// more than once; only the first call does any work.
func (m *Manager) Shutdown() error {
	var err error
	m.stopOnce.Do(func() {
		m.closed.Store(true)

		m.mu.Lock()
		defer m.mu.Unlock()

		// The pool owns the database handle and closes it.
		if m.pool != nil {
			err = errors.Join(err, m.pool.Close())
		} else if m.db != nil {
			err = errors.Join(err, m.db.Close())
		}
		if m.catalog != nil {
			err = errors.Join(err, m.catalog.Close())
		}
		if m.trail != nil {
			err = errors.Join(err, m.trail.Close())
		}
		m.logger.Info("database manager shut down")
	})
	return err
}
