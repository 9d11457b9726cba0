package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Mirxou/Standard-El-joumla-sub004/internal/crypto"
)

const defaultInitConfig = `[database]
pool_size = 4
acquire_timeout = "5s"
max_idle_time = "10m"

[backup]
quiesce_timeout = "10s"
quiesce_policy = "strict"
kdf_memory_kib = 262144
kdf_iterations = 3
catalog = true
audit = true
retention_keep = 10

[logging]
level = "info"
format = "json"
file = ""
max_size_mb = 10
max_files = 5

[metrics]
textfile = ""
`

func newInitCommand(deps commandDeps) *cobra.Command {
	var generateKey string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the config file and the database schema",
		Example: "  joumla init\n" +
			"  joumla --db ./shop.db init --generate-key ./archive.key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("init does not accept positional arguments")
			}

			_, report, err := loadConfig(deps.globals)
			if err != nil {
				return mapCommandError(fmt.Errorf("load config: %w", err))
			}
			configWritten, err := writeDefaultConfig(report.ConfigPath, deps.globals.Yes)
			if err != nil {
				return mapCommandError(err)
			}

			if generateKey != "" {
				if err := generateKeyFile(generateKey); err != nil {
					return mapCommandError(err)
				}
			}

			return withManager(cmd.Context(), deps, managerOptions{}, func(ctx context.Context, env runtimeEnv) error {
				row, err := env.manager.FetchOne(ctx, `SELECT value FROM app_meta WHERE key = 'schema_version'`)
				if err != nil {
					return err
				}
				schema := row.String(0)

				if deps.globals.JSON {
					return printJSON(deps.out, map[string]any{
						"initialized":    true,
						"database_path":  env.cfg.Database.Path,
						"config_path":    report.ConfigPath,
						"config_written": configWritten,
						"schema_version": schema,
						"key_file":       generateKey,
					})
				}
				if deps.globals.Quiet {
					return nil
				}
				if _, err := fmt.Fprintf(deps.out, "database: %s (schema v%s)\n", env.cfg.Database.Path, schema); err != nil {
					return err
				}
				if configWritten {
					if _, err := fmt.Fprintf(deps.out, "wrote config: %s\n", report.ConfigPath); err != nil {
						return err
					}
				}
				if generateKey != "" {
					if _, err := fmt.Fprintf(deps.out, "wrote master key: %s\n", generateKey); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&generateKey, "generate-key", "", "Write a new hex master key for archives to this path")
	return cmd
}

// writeDefaultConfig writes the starter config unless one exists. overwrite
// replaces an existing file.
func writeDefaultConfig(path string, overwrite bool) (bool, error) {
	if strings.TrimSpace(path) == "" {
		return false, usageErrorf("config path is required")
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return false, fmt.Errorf("init: stat config path: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return false, fmt.Errorf("init: create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultInitConfig), 0o600); err != nil {
		return false, fmt.Errorf("init: write config: %w", err)
	}
	return true, nil
}

func generateKeyFile(path string) error {
	keys, err := crypto.GenerateMasterKeys()
	if err != nil {
		return fmt.Errorf("init: generate master key: %w", err)
	}
	defer keys.Destroy()

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("init: create key directory: %w", err)
	}
	if err := keys.WriteMasterKeyFile(path); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	return nil
}
