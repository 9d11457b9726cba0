package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigPrecedenceFlagOverEnv(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[database]
pool_size = 6
`)

	flagPoolSize := 2
	cfg, _, err := Load(LoadOptions{
		ConfigPath: cfgPath,
		PolicyPath: missingPolicyPath(t),
		Env: map[string]string{
			"JOUMLA_DB_POOL_SIZE": "8",
			"JOUMLA_HOME":         t.TempDir(),
		},
		Flags: FlagOverrides{
			PoolSize: &flagPoolSize,
		},
	})
	require.NoError(t, err)
	require.Equal(t, 2, cfg.Database.PoolSize)
}

func TestLoadConfigPrecedenceEnvOverFile(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[backup]
quiesce_timeout = "10s"
`)

	cfg, _, err := Load(LoadOptions{
		ConfigPath: cfgPath,
		PolicyPath: missingPolicyPath(t),
		Env: map[string]string{
			"JOUMLA_BACKUP_QUIESCE_TIMEOUT": "45s",
			"JOUMLA_HOME":                   t.TempDir(),
		},
	})
	require.NoError(t, err)
	require.Equal(t, 45*time.Second, cfg.Backup.QuiesceTimeout)
}

func TestLoadConfigPrecedenceFileOverDefault(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[database]
acquire_timeout = "750ms"
`)

	cfg, _, err := Load(LoadOptions{
		ConfigPath: cfgPath,
		PolicyPath: missingPolicyPath(t),
		Env:        map[string]string{"JOUMLA_HOME": t.TempDir()},
	})
	require.NoError(t, err)
	require.Equal(t, 750*time.Millisecond, cfg.Database.AcquireTimeout)
	require.Equal(t, defaultPoolSize, cfg.Database.PoolSize)
}

func TestLoadConfigFromTOMLParsesAllSupportedFields(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[database]
path = "/srv/joumla/shop.db"
pool_size = 12
acquire_timeout = "3s"
max_idle_time = "2m"

[backup]
dir = "/srv/joumla/archives"
quiesce_timeout = "20s"
quiesce_policy = "best-effort"
kdf_memory_kib = 65536
kdf_iterations = 2
catalog = false
audit = false
retention_keep = 3
retention_max_age = "720h"

[logging]
level = "debug"
format = "text"
file = "/tmp/joumla.log"
max_size_mb = 42
max_files = 9

[metrics]
textfile = "/var/lib/node_exporter/joumla.prom"
`)

	cfg, _, err := Load(LoadOptions{
		ConfigPath: cfgPath,
		PolicyPath: missingPolicyPath(t),
	})
	require.NoError(t, err)
	require.Equal(t, "/srv/joumla/shop.db", cfg.Database.Path)
	require.Equal(t, 12, cfg.Database.PoolSize)
	require.Equal(t, 3*time.Second, cfg.Database.AcquireTimeout)
	require.Equal(t, 2*time.Minute, cfg.Database.MaxIdleTime)
	require.Equal(t, "/srv/joumla/archives", cfg.Backup.Dir)
	require.Equal(t, 20*time.Second, cfg.Backup.QuiesceTimeout)
	require.Equal(t, QuiescePolicyBestEffort, cfg.Backup.QuiescePolicy)
	require.Equal(t, uint32(65536), cfg.Backup.KDFMemoryKiB)
	require.Equal(t, uint32(2), cfg.Backup.KDFIterations)
	require.False(t, cfg.Backup.Catalog)
	require.False(t, cfg.Backup.Audit)
	require.Equal(t, 3, cfg.Backup.RetentionKeep)
	require.Equal(t, 720*time.Hour, cfg.Backup.RetentionMaxAge)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "text", cfg.Logging.Format)
	require.Equal(t, "/tmp/joumla.log", cfg.Logging.File)
	require.Equal(t, 42, cfg.Logging.MaxSizeMB)
	require.Equal(t, 9, cfg.Logging.MaxFiles)
	require.Equal(t, "/var/lib/node_exporter/joumla.prom", cfg.Metrics.Textfile)
}

func TestLoadConfigDerivesBackupDirFromDatabasePath(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	cfg, _, err := Load(LoadOptions{
		ConfigPath: filepath.Join(t.TempDir(), "absent.toml"),
		PolicyPath: missingPolicyPath(t),
		Env:        map[string]string{"JOUMLA_HOME": home},
	})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "joumla.db"), cfg.Database.Path)
	require.Equal(t, filepath.Join(home, "backups"), cfg.Backup.Dir)
	require.Equal(t, filepath.Join(home, "backups", "catalog.db"), cfg.CatalogPath())
	require.Equal(t, filepath.Join(home, "backups", "audit.db"), cfg.AuditPath())
	require.True(t, cfg.Backup.Audit)
}

func TestLoadConfigValidationRejectsOutOfRangeValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{name: "zero-pool", body: "[database]\npool_size = 0\n"},
		{name: "huge-pool", body: "[database]\npool_size = 1000\n"},
		{name: "negative-acquire-timeout", body: "[database]\nacquire_timeout = \"-1s\"\n"},
		{name: "unknown-quiesce-policy", body: "[backup]\nquiesce_policy = \"yolo\"\n"},
		{name: "weak-kdf", body: "[backup]\nkdf_memory_kib = 1024\n"},
		{name: "negative-kdf", body: "[backup]\nkdf_iterations = -3\n"},
		{name: "bad-log-level", body: "[logging]\nlevel = \"chatty\"\n"},
		{name: "bad-duration", body: "[backup]\nquiesce_timeout = \"soon\"\n"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfgPath := writeConfigFile(t, tt.body)
			_, _, err := Load(LoadOptions{
				ConfigPath: cfgPath,
				PolicyPath: missingPolicyPath(t),
				Env:        map[string]string{"JOUMLA_HOME": t.TempDir()},
			})
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestPolicyOverrideWinsAndIsReported(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[backup]
quiesce_policy = "best-effort"
`)
	policyPath := writePolicyFile(t, `
[backup]
quiesce_policy = "strict"
`)

	cfg, report, err := Load(LoadOptions{
		ConfigPath: cfgPath,
		PolicyPath: policyPath,
		Env:        map[string]string{"JOUMLA_HOME": t.TempDir()},
	})
	require.NoError(t, err)
	require.Equal(t, QuiescePolicyStrict, cfg.Backup.QuiescePolicy)
	require.Contains(t, report.PolicyOverrides, "backup.quiesce_policy")
}

func TestMissingPolicyFileIsNotAnError(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[database]
pool_size = 3
`)

	cfg, report, err := Load(LoadOptions{
		ConfigPath: cfgPath,
		PolicyPath: missingPolicyPath(t),
		Env:        map[string]string{"JOUMLA_HOME": t.TempDir()},
	})
	require.NoError(t, err)
	require.NotNil(t, report.PolicyOverrides)
	require.Empty(t, report.PolicyOverrides)
	require.Equal(t, 3, cfg.Database.PoolSize)
}

func TestLoadPolicyPathFromEnv(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[database]
pool_size = 3
`)
	policyPath := writePolicyFile(t, `
[database]
pool_size = 1
`)

	cfg, _, err := Load(LoadOptions{
		ConfigPath: cfgPath,
		Env: map[string]string{
			"JOUMLA_POLICY_FILE": policyPath,
			"JOUMLA_HOME":        t.TempDir(),
		},
	})
	require.NoError(t, err)
	require.Equal(t, 1, cfg.Database.PoolSize)
}

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()

	p := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(p, []byte(contents), 0o600))
	return p
}

func writePolicyFile(t *testing.T, contents string) string {
	t.Helper()

	p := filepath.Join(t.TempDir(), "policy.toml")
	require.NoError(t, os.WriteFile(p, []byte(contents), 0o600))
	return p
}

func missingPolicyPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "missing-policy.toml")
}
