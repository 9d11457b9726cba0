package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/Mirxou/Standard-El-joumla-sub004/internal/config"
	"github.com/Mirxou/Standard-El-joumla-sub004/internal/crypto"
	"github.com/Mirxou/Standard-El-joumla-sub004/internal/dbmanager"
	applog "github.com/Mirxou/Standard-El-joumla-sub004/internal/log"
	"github.com/Mirxou/Standard-El-joumla-sub004/internal/metrics"
	"github.com/Mirxou/Standard-El-joumla-sub004/internal/storage"
)

const (
	envKeyFile    = "JOUMLA_KEY_FILE"
	envPassphrase = "JOUMLA_BACKUP_PASSPHRASE"
)

var loadConfigFn = config.Load

func loadConfig(globals *GlobalOptions) (config.Config, config.LoadReport, error) {
	opts := config.LoadOptions{
		ConfigPath: strings.TrimSpace(globals.ConfigPath),
		PolicyPath: strings.TrimSpace(globals.PolicyPath),
	}
	if v := strings.TrimSpace(globals.DatabasePath); v != "" {
		opts.Flags.DatabasePath = &v
	}
	if v := strings.TrimSpace(globals.BackupDir); v != "" {
		opts.Flags.BackupDir = &v
	}
	if globals.PoolSize != 0 {
		v := globals.PoolSize
		opts.Flags.PoolSize = &v
	}
	if v := strings.TrimSpace(globals.QuiescePolicy); v != "" {
		opts.Flags.QuiescePolicy = &v
	}
	if v := strings.TrimSpace(globals.LogLevel); v != "" {
		opts.Flags.LogLevel = &v
	}
	return loadConfigFn(opts)
}

// runtimeEnv is what a database command gets to work with.
type runtimeEnv struct {
	cfg     config.Config
	report  config.LoadReport
	logger  *slog.Logger
	manager *dbmanager.Manager
}

type managerOptions struct {
	needKeys bool
	stdin    io.Reader
}

// withManager loads config, builds the logger, opens the database and runs
// fn. The manager is shut down and the metrics textfile written afterwards,
// whether fn failed or not.
func withManager(cmdCtx context.Context, deps commandDeps, mopts managerOptions, fn func(context.Context, runtimeEnv) error) error {
	ctx := cmdCtx
	if deps.globals.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(cmdCtx, deps.globals.Timeout)
		defer cancel()
	}

	cfg, report, err := loadConfig(deps.globals)
	if err != nil {
		return mapCommandError(fmt.Errorf("load config: %w", err))
	}
	logger, closer, err := applog.New(cfg.Logging, deps.build.Version)
	if err != nil {
		return mapCommandError(fmt.Errorf("init logging: %w", err))
	}
	defer closer.Close()
	if len(report.PolicyOverrides) > 0 {
		logger.Info("policy file overrides settings", "keys", report.PolicyOverrides)
	}

	opts := dbmanager.OptionsFromConfig(cfg)
	opts.Logger = logger
	opts.Migrations = storage.DefaultMigrations()
	if mopts.needKeys {
		keys, destroy, err := resolveKeys(deps.globals, cfg, mopts.stdin)
		if err != nil {
			return mapCommandError(err)
		}
		defer destroy()
		opts.Keys = keys
	}

	m, err := dbmanager.New(opts)
	if err != nil {
		return mapCommandError(err)
	}
	if err := m.Open(ctx); err != nil {
		return mapCommandError(err)
	}

	runErr := fn(ctx, runtimeEnv{cfg: cfg, report: report, logger: logger, manager: m})
	if err := m.Shutdown(); err != nil {
		logger.Warn("shutdown", "error", err)
	}
	writeMetricsTextfile(cfg, logger)
	return mapCommandError(runErr)
}

func writeMetricsTextfile(cfg config.Config, logger *slog.Logger) {
	if cfg.Metrics.Textfile == "" {
		return
	}
	if err := metrics.WriteTextfile(cfg.Metrics.Textfile); err != nil {
		logger.Warn("write metrics textfile", "path", cfg.Metrics.Textfile, "error", err)
	}
}

// resolveKeys picks the archive key source: a master key file wins over a
// passphrase. The returned func destroys the key material.
func resolveKeys(globals *GlobalOptions, cfg config.Config, stdin io.Reader) (crypto.KeyProvider, func(), error) {
	keyFile := strings.TrimSpace(globals.KeyFile)
	if keyFile == "" {
		keyFile = strings.TrimSpace(os.Getenv(envKeyFile))
	}
	if keyFile != "" {
		keys, err := crypto.LoadMasterKeyFile(keyFile)
		if err != nil {
			return nil, nil, fmt.Errorf("load key file: %w", err)
		}
		return keys, keys.Destroy, nil
	}

	passphrase, err := readPassphrase(globals, stdin)
	if err != nil {
		return nil, nil, err
	}
	params := crypto.DefaultArgon2Params()
	params.Memory = cfg.Backup.KDFMemoryKiB
	params.Iterations = cfg.Backup.KDFIterations
	keys, err := crypto.NewPassphraseKeys(passphrase, params)
	if err != nil {
		return nil, nil, err
	}
	return keys, keys.Destroy, nil
}

func readPassphrase(globals *GlobalOptions, stdin io.Reader) ([]byte, error) {
	switch {
	case strings.TrimSpace(globals.PassphraseFile) != "":
		raw, err := os.ReadFile(globals.PassphraseFile)
		if err != nil {
			return nil, fmt.Errorf("read passphrase file: %w", err)
		}
		return nonEmptyPassphrase(trimNewline(raw), "--passphrase-file")
	case globals.PassphraseStdin:
		if stdin == nil {
			stdin = os.Stdin
		}
		line, err := bufio.NewReader(stdin).ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read passphrase from stdin: %w", err)
		}
		return nonEmptyPassphrase(trimNewline(line), "--passphrase-stdin")
	}
	if value, ok := os.LookupEnv(envPassphrase); ok {
		return nonEmptyPassphrase([]byte(value), envPassphrase)
	}
	return nil, usageErrorf("archive key required: set --key-file, --passphrase-file, --passphrase-stdin or %s", envPassphrase)
}

func nonEmptyPassphrase(p []byte, source string) ([]byte, error) {
	if len(p) == 0 {
		return nil, usageErrorf("%s gave an empty passphrase", source)
	}
	return p, nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

func printJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
