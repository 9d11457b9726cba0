package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	defaultDatabaseFileName  = "joumla.db"
	defaultPoolSize          = 4
	defaultAcquireTimeout    = 5 * time.Second
	defaultMaxIdleTime       = 10 * time.Minute
	defaultQuiesceTimeout    = 10 * time.Second
	defaultQuiescePolicy     = QuiescePolicyStrict
	defaultKDFMemoryKiB      = 256 * 1024
	defaultKDFIterations     = 3
	defaultRetentionKeep     = 10
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultLogMaxSizeMB      = 10
	defaultLogMaxFiles       = 5
	maxPoolSize              = 64
	minKDFMemoryKiB          = 32 * 1024
	maxKDFMemoryKiB          = 1 << 20
	maxKDFIterations         = 20
	maxAcquireTimeout        = 10 * time.Minute
	maxQuiesceTimeout        = 30 * time.Minute
	envPrefix                = "JOUMLA_"
	defaultPolicyFileName    = "policy.toml"
	defaultConfigFileName    = "config.toml"
	defaultBackupDirName     = "backups"
	defaultCatalogFileName   = "catalog.db"
	defaultAuditFileName     = "audit.db"
	defaultMetricsFileSuffix = ".prom"
)

const (
	QuiescePolicyStrict     = "strict"
	QuiescePolicyBestEffort = "best-effort"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Database DatabaseConfig `toml:"database"`
	Backup   BackupConfig   `toml:"backup"`
	Logging  LoggingConfig  `toml:"logging"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

type DatabaseConfig struct {
	Path           string        `toml:"path"`
	PoolSize       int           `toml:"pool_size"`
	AcquireTimeout time.Duration `toml:"acquire_timeout"`
	MaxIdleTime    time.Duration `toml:"max_idle_time"`
}

type BackupConfig struct {
	Dir             string        `toml:"dir"`
	QuiesceTimeout  time.Duration `toml:"quiesce_timeout"`
	QuiescePolicy   string        `toml:"quiesce_policy"`
	KDFMemoryKiB    uint32        `toml:"kdf_memory_kib"`
	KDFIterations   uint32        `toml:"kdf_iterations"`
	Catalog         bool          `toml:"catalog"`
	Audit           bool          `toml:"audit"`
	RetentionKeep   int           `toml:"retention_keep"`
	RetentionMaxAge time.Duration `toml:"retention_max_age"`
}

type LoggingConfig struct {
	Level     string `toml:"level"`
	Format    string `toml:"format"`
	File      string `toml:"file"`
	MaxSizeMB int    `toml:"max_size_mb"`
	MaxFiles  int    `toml:"max_files"`
}

type MetricsConfig struct {
	Textfile string `toml:"textfile"`
}

type LoadOptions struct {
	ConfigPath string
	PolicyPath string
	Env        map[string]string
	Flags      FlagOverrides
}

type FlagOverrides struct {
	DatabasePath  *string
	PoolSize      *int
	BackupDir     *string
	QuiescePolicy *string
	LogLevel      *string
}

type LoadReport struct {
	ConfigPath      string
	PolicyOverrides []string
}

func DefaultConfig() Config {
	return Config{
		Database: DatabaseConfig{
			Path:           "",
			PoolSize:       defaultPoolSize,
			AcquireTimeout: defaultAcquireTimeout,
			MaxIdleTime:    defaultMaxIdleTime,
		},
		Backup: BackupConfig{
			Dir:             "",
			QuiesceTimeout:  defaultQuiesceTimeout,
			QuiescePolicy:   defaultQuiescePolicy,
			KDFMemoryKiB:    defaultKDFMemoryKiB,
			KDFIterations:   defaultKDFIterations,
			Catalog:         true,
			Audit:           true,
			RetentionKeep:   defaultRetentionKeep,
			RetentionMaxAge: 0,
		},
		Logging: LoggingConfig{
			Level:     defaultLogLevel,
			Format:    defaultLogFormat,
			File:      "",
			MaxSizeMB: defaultLogMaxSizeMB,
			MaxFiles:  defaultLogMaxFiles,
		},
	}
}

func Load(opts LoadOptions) (Config, LoadReport, error) {
	cfg := DefaultConfig()
	report := LoadReport{PolicyOverrides: []string{}}

	configPath, err := resolveConfigPath(opts)
	if err != nil {
		return Config{}, report, fmt.Errorf("resolve config path: %w", err)
	}
	report.ConfigPath = configPath
	if err := loadAndApplyFile(configPath, &cfg, nil); err != nil {
		return Config{}, report, err
	}

	if err := applyEnvOverrides(&cfg, opts); err != nil {
		return Config{}, report, err
	}
	applyFlagOverrides(&cfg, opts.Flags)

	policyPath, err := resolvePolicyPath(opts)
	if err != nil {
		return Config{}, report, fmt.Errorf("resolve policy path: %w", err)
	}
	if err := loadAndApplyFile(policyPath, &cfg, &report.PolicyOverrides); err != nil {
		return Config{}, report, err
	}

	if err := fillDerivedPaths(&cfg, opts); err != nil {
		return Config{}, report, err
	}
	if err := validate(cfg); err != nil {
		return Config{}, report, err
	}

	return cfg, report, nil
}

type rawConfig struct {
	Database *rawDatabase `toml:"database"`
	Backup   *rawBackup   `toml:"backup"`
	Logging  *rawLogging  `toml:"logging"`
	Metrics  *rawMetrics  `toml:"metrics"`
}

type rawDatabase struct {
	Path           *string `toml:"path"`
	PoolSize       *int    `toml:"pool_size"`
	AcquireTimeout *string `toml:"acquire_timeout"`
	MaxIdleTime    *string `toml:"max_idle_time"`
}

type rawBackup struct {
	Dir             *string `toml:"dir"`
	QuiesceTimeout  *string `toml:"quiesce_timeout"`
	QuiescePolicy   *string `toml:"quiesce_policy"`
	KDFMemoryKiB    *int    `toml:"kdf_memory_kib"`
	KDFIterations   *int    `toml:"kdf_iterations"`
	Catalog         *bool   `toml:"catalog"`
	Audit           *bool   `toml:"audit"`
	RetentionKeep   *int    `toml:"retention_keep"`
	RetentionMaxAge *string `toml:"retention_max_age"`
}

type rawLogging struct {
	Level     *string `toml:"level"`
	Format    *string `toml:"format"`
	File      *string `toml:"file"`
	MaxSizeMB *int    `toml:"max_size_mb"`
	MaxFiles  *int    `toml:"max_files"`
}

type rawMetrics struct {
	Textfile *string `toml:"textfile"`
}

func loadAndApplyFile(path string, cfg *Config, policyOverrides *[]string) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file %q: %w", path, err)
	}

	var raw rawConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: parse TOML file %q: %v", ErrInvalidConfig, path, err)
	}

	return applyRawConfig(cfg, raw, policyOverrides)
}

func applyRawConfig(cfg *Config, raw rawConfig, policyOverrides *[]string) error {
	if raw.Database != nil {
		setString("database.path", raw.Database.Path, &cfg.Database.Path, policyOverrides)
		setInt("database.pool_size", raw.Database.PoolSize, &cfg.Database.PoolSize, policyOverrides)
		if err := setDuration("database.acquire_timeout", raw.Database.AcquireTimeout, &cfg.Database.AcquireTimeout, policyOverrides); err != nil {
			return err
		}
		if err := setDuration("database.max_idle_time", raw.Database.MaxIdleTime, &cfg.Database.MaxIdleTime, policyOverrides); err != nil {
			return err
		}
	}

	if raw.Backup != nil {
		setString("backup.dir", raw.Backup.Dir, &cfg.Backup.Dir, policyOverrides)
		if err := setDuration("backup.quiesce_timeout", raw.Backup.QuiesceTimeout, &cfg.Backup.QuiesceTimeout, policyOverrides); err != nil {
			return err
		}
		setString("backup.quiesce_policy", raw.Backup.QuiescePolicy, &cfg.Backup.QuiescePolicy, policyOverrides)
		if err := setUint32("backup.kdf_memory_kib", raw.Backup.KDFMemoryKiB, &cfg.Backup.KDFMemoryKiB, policyOverrides); err != nil {
			return err
		}
		if err := setUint32("backup.kdf_iterations", raw.Backup.KDFIterations, &cfg.Backup.KDFIterations, policyOverrides); err != nil {
			return err
		}
		setBool("backup.catalog", raw.Backup.Catalog, &cfg.Backup.Catalog, policyOverrides)
		setBool("backup.audit", raw.Backup.Audit, &cfg.Backup.Audit, policyOverrides)
		setInt("backup.retention_keep", raw.Backup.RetentionKeep, &cfg.Backup.RetentionKeep, policyOverrides)
		if err := setDuration("backup.retention_max_age", raw.Backup.RetentionMaxAge, &cfg.Backup.RetentionMaxAge, policyOverrides); err != nil {
			return err
		}
	}

	if raw.Logging != nil {
		setString("logging.level", raw.Logging.Level, &cfg.Logging.Level, policyOverrides)
		setString("logging.format", raw.Logging.Format, &cfg.Logging.Format, policyOverrides)
		setString("logging.file", raw.Logging.File, &cfg.Logging.File, policyOverrides)
		setInt("logging.max_size_mb", raw.Logging.MaxSizeMB, &cfg.Logging.MaxSizeMB, policyOverrides)
		setInt("logging.max_files", raw.Logging.MaxFiles, &cfg.Logging.MaxFiles, policyOverrides)
	}

	if raw.Metrics != nil {
		setString("metrics.textfile", raw.Metrics.Textfile, &cfg.Metrics.Textfile, policyOverrides)
	}

	return nil
}

func applyEnvOverrides(cfg *Config, opts LoadOptions) error {
	if value, ok := lookupEnv(opts, envPrefix+"DB_PATH"); ok {
		cfg.Database.Path = value
	}
	if value, ok := lookupEnv(opts, envPrefix+"DB_POOL_SIZE"); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: parse %sDB_POOL_SIZE: %v", ErrInvalidConfig, envPrefix, err)
		}
		cfg.Database.PoolSize = parsed
	}
	if value, ok := lookupEnv(opts, envPrefix+"DB_ACQUIRE_TIMEOUT"); ok {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%w: parse %sDB_ACQUIRE_TIMEOUT: %v", ErrInvalidConfig, envPrefix, err)
		}
		cfg.Database.AcquireTimeout = d
	}

	if value, ok := lookupEnv(opts, envPrefix+"BACKUP_DIR"); ok {
		cfg.Backup.Dir = value
	}
	if value, ok := lookupEnv(opts, envPrefix+"BACKUP_QUIESCE_TIMEOUT"); ok {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%w: parse %sBACKUP_QUIESCE_TIMEOUT: %v", ErrInvalidConfig, envPrefix, err)
		}
		cfg.Backup.QuiesceTimeout = d
	}
	if value, ok := lookupEnv(opts, envPrefix+"BACKUP_QUIESCE_POLICY"); ok {
		cfg.Backup.QuiescePolicy = value
	}
	if value, ok := lookupEnv(opts, envPrefix+"BACKUP_CATALOG"); ok {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%w: parse %sBACKUP_CATALOG: %v", ErrInvalidConfig, envPrefix, err)
		}
		cfg.Backup.Catalog = parsed
	}
	if value, ok := lookupEnv(opts, envPrefix+"BACKUP_AUDIT"); ok {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%w: parse %sBACKUP_AUDIT: %v", ErrInvalidConfig, envPrefix, err)
		}
		cfg.Backup.Audit = parsed
	}

	if value, ok := lookupEnv(opts, envPrefix+"LOG_LEVEL"); ok {
		cfg.Logging.Level = value
	}
	if value, ok := lookupEnv(opts, envPrefix+"LOG_FORMAT"); ok {
		cfg.Logging.Format = value
	}
	if value, ok := lookupEnv(opts, envPrefix+"LOG_FILE"); ok {
		cfg.Logging.File = value
	}

	if value, ok := lookupEnv(opts, envPrefix+"METRICS_TEXTFILE"); ok {
		cfg.Metrics.Textfile = value
	}

	return nil
}

func applyFlagOverrides(cfg *Config, flags FlagOverrides) {
	if flags.DatabasePath != nil {
		cfg.Database.Path = *flags.DatabasePath
	}
	if flags.PoolSize != nil {
		cfg.Database.PoolSize = *flags.PoolSize
	}
	if flags.BackupDir != nil {
		cfg.Backup.Dir = *flags.BackupDir
	}
	if flags.QuiescePolicy != nil {
		cfg.Backup.QuiescePolicy = *flags.QuiescePolicy
	}
	if flags.LogLevel != nil {
		cfg.Logging.Level = *flags.LogLevel
	}
}

// fillDerivedPaths resolves the database and backup locations that were left
// empty: the database lives under the data home, backups next to it.
func fillDerivedPaths(cfg *Config, opts LoadOptions) error {
	if strings.TrimSpace(cfg.Database.Path) == "" {
		home, err := joumlaHome(opts)
		if err != nil {
			return err
		}
		cfg.Database.Path = filepath.Join(home, defaultDatabaseFileName)
	}
	if strings.TrimSpace(cfg.Backup.Dir) == "" {
		cfg.Backup.Dir = filepath.Join(filepath.Dir(cfg.Database.Path), defaultBackupDirName)
	}
	return nil
}

func validate(cfg Config) error {
	switch {
	case cfg.Database.PoolSize < 1 || cfg.Database.PoolSize > maxPoolSize:
		return fmt.Errorf("%w: database.pool_size must be between 1 and %d", ErrInvalidConfig, maxPoolSize)
	case cfg.Database.AcquireTimeout <= 0 || cfg.Database.AcquireTimeout > maxAcquireTimeout:
		return fmt.Errorf("%w: database.acquire_timeout must be > 0 and <= %s", ErrInvalidConfig, maxAcquireTimeout)
	case cfg.Database.MaxIdleTime < 0:
		return fmt.Errorf("%w: database.max_idle_time must be >= 0", ErrInvalidConfig)
	case cfg.Backup.QuiesceTimeout <= 0 || cfg.Backup.QuiesceTimeout > maxQuiesceTimeout:
		return fmt.Errorf("%w: backup.quiesce_timeout must be > 0 and <= %s", ErrInvalidConfig, maxQuiesceTimeout)
	case cfg.Backup.QuiescePolicy != QuiescePolicyStrict && cfg.Backup.QuiescePolicy != QuiescePolicyBestEffort:
		return fmt.Errorf("%w: backup.quiesce_policy must be %q or %q", ErrInvalidConfig, QuiescePolicyStrict, QuiescePolicyBestEffort)
	case cfg.Backup.KDFMemoryKiB < minKDFMemoryKiB || cfg.Backup.KDFMemoryKiB > maxKDFMemoryKiB:
		return fmt.Errorf("%w: backup.kdf_memory_kib must be between %d and %d", ErrInvalidConfig, minKDFMemoryKiB, maxKDFMemoryKiB)
	case cfg.Backup.KDFIterations < 1 || cfg.Backup.KDFIterations > maxKDFIterations:
		return fmt.Errorf("%w: backup.kdf_iterations must be between 1 and %d", ErrInvalidConfig, maxKDFIterations)
	case cfg.Backup.RetentionKeep < 0:
		return fmt.Errorf("%w: backup.retention_keep must be >= 0", ErrInvalidConfig)
	case cfg.Backup.RetentionMaxAge < 0:
		return fmt.Errorf("%w: backup.retention_max_age must be >= 0", ErrInvalidConfig)
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: logging.level %q is not one of debug, info, warn, error", ErrInvalidConfig, cfg.Logging.Level)
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("%w: logging.format %q is not one of json, text", ErrInvalidConfig, cfg.Logging.Format)
	}
	return nil
}

// CatalogPath is where the backup catalog lives for this configuration.
func (c Config) CatalogPath() string {
	return filepath.Join(c.Backup.Dir, defaultCatalogFileName)
}

// AuditPath is where the backup audit trail lives.
func (c Config) AuditPath() string {
	return filepath.Join(c.Backup.Dir, defaultAuditFileName)
}

// DefaultMetricsTextfile suggests a textfile path next to the database.
func (c Config) DefaultMetricsTextfile() string {
	return strings.TrimSuffix(c.Database.Path, filepath.Ext(c.Database.Path)) + defaultMetricsFileSuffix
}

func setDuration(field string, raw *string, target *time.Duration, policyOverrides *[]string) error {
	if raw == nil {
		return nil
	}
	d, err := time.ParseDuration(*raw)
	if err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, field, err)
	}
	if policyOverrides != nil && *target != d {
		*policyOverrides = append(*policyOverrides, field)
	}
	*target = d
	return nil
}

func setString(field string, raw *string, target *string, policyOverrides *[]string) {
	if raw == nil {
		return
	}
	if policyOverrides != nil && *target != *raw {
		*policyOverrides = append(*policyOverrides, field)
	}
	*target = *raw
}

func setBool(field string, raw *bool, target *bool, policyOverrides *[]string) {
	if raw == nil {
		return
	}
	if policyOverrides != nil && *target != *raw {
		*policyOverrides = append(*policyOverrides, field)
	}
	*target = *raw
}

func setInt(field string, raw *int, target *int, policyOverrides *[]string) {
	if raw == nil {
		return
	}
	if policyOverrides != nil && *target != *raw {
		*policyOverrides = append(*policyOverrides, field)
	}
	*target = *raw
}

func setUint32(field string, raw *int, target *uint32, policyOverrides *[]string) error {
	if raw == nil {
		return nil
	}
	if *raw < 0 {
		return fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, field)
	}
	value := uint32(*raw)
	if policyOverrides != nil && *target != value {
		*policyOverrides = append(*policyOverrides, field)
	}
	*target = value
	return nil
}

func resolveConfigPath(opts LoadOptions) (string, error) {
	if opts.ConfigPath != "" {
		return opts.ConfigPath, nil
	}
	if value, ok := lookupEnv(opts, envPrefix+"CONFIG_PATH"); ok {
		return value, nil
	}
	return defaultConfigPath(opts)
}

func resolvePolicyPath(opts LoadOptions) (string, error) {
	if opts.PolicyPath != "" {
		return opts.PolicyPath, nil
	}
	if value, ok := lookupEnv(opts, envPrefix+"POLICY_FILE"); ok {
		return value, nil
	}
	home, err := joumlaHome(opts)
	if err != nil {
		return "", err
	}
	return filepath.Join(home, defaultPolicyFileName), nil
}

func lookupEnv(opts LoadOptions, key string) (string, bool) {
	if opts.Env != nil {
		if value, ok := opts.Env[key]; ok {
			return value, true
		}
	}
	return os.LookupEnv(key)
}

func joumlaHome(opts LoadOptions) (string, error) {
	if value, ok := lookupEnv(opts, envPrefix+"HOME"); ok {
		return value, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Joumla"), nil
	case "windows":
		if appData, ok := lookupEnv(opts, "APPDATA"); ok && appData != "" {
			return filepath.Join(appData, "Joumla"), nil
		}
	}

	dataHome := filepath.Join(home, ".local", "share")
	if xdgDataHome, ok := lookupEnv(opts, "XDG_DATA_HOME"); ok && xdgDataHome != "" {
		dataHome = xdgDataHome
	}
	return filepath.Join(dataHome, "joumla"), nil
}

func defaultConfigPath(opts LoadOptions) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "Joumla", defaultConfigFileName), nil
	}

	configHome := filepath.Join(home, ".config")
	if xdgConfigHome, ok := lookupEnv(opts, "XDG_CONFIG_HOME"); ok && xdgConfigHome != "" {
		configHome = xdgConfigHome
	}
	return filepath.Join(configHome, "joumla", defaultConfigFileName), nil
}
