package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mirxou/Standard-El-joumla-sub004/internal/crypto"
	"github.com/Mirxou/Standard-El-joumla-sub004/internal/dbmanager"
	"github.com/Mirxou/Standard-El-joumla-sub004/internal/debug"
)

var errDoctorFailed = errors.New("doctor found problems")

func newDoctorCommand(deps commandDeps) *cobra.Command {
	var bundlePath string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the database, backup directory, catalog and audit trail",
		Example: "  joumla doctor\n" +
			"  joumla doctor --bundle ./joumla-diagnostics.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("doctor does not accept positional arguments")
			}
			return withManager(cmd.Context(), deps, managerOptions{}, func(ctx context.Context, env runtimeEnv) error {
				bundle := runDoctor(ctx, deps, env)
				if bundlePath != "" {
					if err := debug.WriteBundle(bundlePath, bundle); err != nil {
						return err
					}
				}

				if deps.globals.JSON {
					if err := printJSON(deps.out, bundle); err != nil {
						return err
					}
				} else if !deps.globals.Quiet {
					for _, c := range bundle.Checks {
						status := "ok  "
						if !c.OK {
							status = "FAIL"
						}
						if _, err := fmt.Fprintf(deps.out, "%s %-10s %s\n", status, c.Name, c.Message); err != nil {
							return err
						}
					}
					for _, n := range bundle.Notes {
						if _, err := fmt.Fprintf(deps.out, "note %s\n", n); err != nil {
							return err
						}
					}
				}
				if !bundle.Healthy() {
					return errDoctorFailed
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&bundlePath, "bundle", "", "Also write the diagnostics bundle as JSON to this path")
	return cmd
}

func runDoctor(ctx context.Context, deps commandDeps, env runtimeEnv) debug.Bundle {
	bundle := debug.NewBundle(time.Now())
	bundle.Version = map[string]any{
		"version":    deps.build.Version,
		"commit":     deps.build.Commit,
		"build_time": deps.build.BuildTime,
	}
	bundle.Config = map[string]any{
		"config_path":      env.report.ConfigPath,
		"policy_overrides": env.report.PolicyOverrides,
	}
	if len(env.report.PolicyOverrides) > 0 {
		bundle.Note("policy file overrides: %s", strings.Join(env.report.PolicyOverrides, ", "))
	}
	bundle.Database = map[string]any{
		"path":           env.cfg.Database.Path,
		"backup_dir":     env.cfg.Backup.Dir,
		"pool_capacity":  env.cfg.Database.PoolSize,
		"quiesce_policy": env.cfg.Backup.QuiescePolicy,
	}
	if info, err := os.Stat(env.cfg.Database.Path); err == nil {
		bundle.Database["size_bytes"] = info.Size()
	}

	row, err := env.manager.FetchOne(ctx, `PRAGMA integrity_check`)
	if err == nil && row.String(0) != "ok" {
		err = fmt.Errorf("integrity_check: %s", row.String(0))
	}
	bundle.AddCheck("database", "integrity ok", err)

	row, err = env.manager.FetchOne(ctx, `SELECT value FROM app_meta WHERE key = 'schema_version'`)
	schema := ""
	if err == nil {
		schema = row.String(0)
	}
	bundle.AddCheck("schema", "version "+schema, err)

	bundle.AddCheck("backup_dir", env.cfg.Backup.Dir+" writable", checkWritableDir(env.cfg.Backup.Dir))

	entries, err := env.manager.ListBackups()
	switch {
	case errors.Is(err, dbmanager.ErrCatalogDisabled):
		bundle.Note("backup catalog disabled")
	default:
		missing := 0
		for _, e := range entries {
			if _, statErr := os.Stat(e.Path); statErr != nil {
				missing++
			}
		}
		if err == nil && missing > 0 {
			err = fmt.Errorf("%d of %d catalogued archives are missing on disk", missing, len(entries))
		}
		bundle.AddCheck("catalog", fmt.Sprintf("%d archive(s)", len(entries)), err)
	}

	verify, err := env.manager.VerifyAudit(ctx)
	switch {
	case errors.Is(err, dbmanager.ErrAuditDisabled):
		bundle.Note("audit trail disabled")
	case err != nil:
		bundle.AddCheck("audit", "", err)
	case !verify.Valid:
		bundle.AddCheck("audit", "", fmt.Errorf("%w: %s", errAuditChainBroken, verify.Error))
	default:
		bundle.AddCheck("audit", fmt.Sprintf("chain valid, %d event(s)", verify.EventCount), nil)
	}

	keyFile := strings.TrimSpace(deps.globals.KeyFile)
	if keyFile == "" {
		keyFile = strings.TrimSpace(os.Getenv(envKeyFile))
	}
	if keyFile == "" {
		bundle.Note("no master key file configured; backups need a passphrase")
	} else {
		keys, err := crypto.LoadMasterKeyFile(keyFile)
		if err == nil {
			keys.Destroy()
		}
		bundle.AddCheck("key_file", keyFile+" readable", err)
	}

	if stats, err := env.manager.PoolStats(); err == nil {
		bundle.Database["pool_size"] = stats.Size
		bundle.Database["pool_generation"] = stats.Generation
	}
	return bundle
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
