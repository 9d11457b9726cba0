package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mirxou/Standard-El-joumla-sub004/internal/backup"
)

func newBackupCommand(deps commandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Encrypted backup operations",
		Example: "  joumla --key-file ./archive.key backup create --meta reason=nightly\n" +
			"  joumla --key-file ./archive.key --yes backup restore ./backups/joumla-20260301T120000Z-1a2b3c4d.jmbk",
	}
	cmd.AddCommand(
		newBackupCreateCommand(deps),
		newBackupRestoreCommand(deps),
		newBackupVerifyCommand(deps),
		newBackupInspectCommand(deps),
		newBackupListCommand(deps),
		newBackupPruneCommand(deps),
	)
	return cmd
}

func newBackupCreateCommand(deps commandDeps) *cobra.Command {
	var meta map[string]string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Write an encrypted archive of the database",
		Example: "  joumla --key-file ./archive.key backup create\n" +
			"  JOUMLA_BACKUP_PASSPHRASE=... joumla backup create --meta reason=pre-upgrade",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("backup create does not accept positional arguments")
			}
			if err := backup.ValidateMetadata(meta); err != nil {
				return usageErrorf("backup create: %v", err)
			}
			mopts := managerOptions{needKeys: true, stdin: cmd.InOrStdin()}
			return withManager(cmd.Context(), deps, mopts, func(ctx context.Context, env runtimeEnv) error {
				path, err := env.manager.BackupDatabaseEncrypted(ctx, meta)
				if err != nil {
					return err
				}
				if deps.globals.JSON {
					return printJSON(deps.out, map[string]any{"archive": path})
				}
				if deps.globals.Quiet {
					return nil
				}
				_, err = fmt.Fprintf(deps.out, "backup created: %s\n", path)
				return err
			})
		},
	}
	cmd.Flags().StringToStringVar(&meta, "meta", nil, "Metadata key=value stored encrypted in the archive (repeatable)")
	return cmd
}

func newBackupRestoreCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "restore ARCHIVE",
		Short: "Replace the database with the contents of an archive",
		Example: "  joumla --key-file ./archive.key --yes backup restore ./backups/joumla-20260301T120000Z-1a2b3c4d.jmbk",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
				return usageErrorf("backup restore requires exactly one archive path")
			}
			if !deps.globals.Yes {
				return usageErrorf("backup restore replaces the database; pass --yes to confirm")
			}
			mopts := managerOptions{needKeys: true, stdin: cmd.InOrStdin()}
			return withManager(cmd.Context(), deps, mopts, func(ctx context.Context, env runtimeEnv) error {
				h, err := env.manager.RestoreDatabaseEncrypted(ctx, args[0])
				if err != nil {
					return err
				}
				return printHeader(deps, "restored", h)
			})
		},
	}
}

func newBackupVerifyCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "verify ARCHIVE",
		Short: "Decrypt an archive and check its digest without restoring it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
				return usageErrorf("backup verify requires exactly one archive path")
			}
			mopts := managerOptions{needKeys: true, stdin: cmd.InOrStdin()}
			return withManager(cmd.Context(), deps, mopts, func(ctx context.Context, env runtimeEnv) error {
				h, err := env.manager.VerifyBackup(args[0])
				if err != nil {
					return err
				}
				return printHeader(deps, "verified", h)
			})
		},
	}
}

func newBackupInspectCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect ARCHIVE",
		Short: "Show an archive's clear header; needs no key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
				return usageErrorf("backup inspect requires exactly one archive path")
			}
			h, err := backup.Inspect(args[0])
			if err != nil {
				return mapCommandError(err)
			}
			return mapCommandError(printHeader(deps, "archive", h))
		},
	}
}

func newBackupListCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List catalogued archives, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("backup list does not accept positional arguments")
			}
			return withManager(cmd.Context(), deps, managerOptions{}, func(ctx context.Context, env runtimeEnv) error {
				entries, err := env.manager.ListBackups()
				if err != nil {
					return err
				}
				if deps.globals.JSON {
					return printJSON(deps.out, entries)
				}
				if deps.globals.Quiet {
					return nil
				}
				for _, e := range entries {
					if _, err := fmt.Fprintf(
						deps.out,
						"%s %s bytes=%d kdf=%s snapshot=%s %s\n",
						shortID(e.ID),
						e.CreatedAt.Format(time.RFC3339),
						e.SizeBytes,
						e.KDF,
						e.Snapshot,
						e.Path,
					); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newBackupPruneCommand(deps commandDeps) *cobra.Command {
	var (
		keep   int
		maxAge time.Duration
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete archives outside the retention policy",
		Example: "  joumla backup prune\n" +
			"  joumla backup prune --keep 3 --max-age 720h",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("backup prune does not accept positional arguments")
			}
			return withManager(cmd.Context(), deps, managerOptions{}, func(ctx context.Context, env runtimeEnv) error {
				policy := backup.RetentionPolicy{
					Keep:   env.cfg.Backup.RetentionKeep,
					MaxAge: env.cfg.Backup.RetentionMaxAge,
				}
				if cmd.Flags().Changed("keep") {
					policy.Keep = keep
				}
				if cmd.Flags().Changed("max-age") {
					policy.MaxAge = maxAge
				}
				if err := policy.Validate(); err != nil {
					return usageErrorf("backup prune: %v", err)
				}

				result, err := env.manager.PruneBackups(policy)
				if err != nil {
					return err
				}
				if deps.globals.JSON {
					return printJSON(deps.out, map[string]any{
						"removed": result.Removed,
						"kept":    result.Kept,
					})
				}
				if deps.globals.Quiet {
					return nil
				}
				for _, e := range result.Removed {
					if _, err := fmt.Fprintf(deps.out, "removed %s\n", e.Path); err != nil {
						return err
					}
				}
				_, err = fmt.Fprintf(deps.out, "kept %d archive(s)\n", result.Kept)
				return err
			})
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 0, "Archives to keep (default from backup.retention_keep)")
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "Remove archives older than this (default from backup.retention_max_age)")
	return cmd
}

func printHeader(deps commandDeps, label string, h *backup.Header) error {
	if deps.globals.JSON {
		return printJSON(deps.out, map[string]any{
			"format_version": h.Version,
			"created_at":     h.CreatedAt,
			"kdf":            h.KDF(),
			"params":         h.Params,
			"metadata":       h.Metadata,
			"digest":         h.Digest,
			"size_bytes":     h.Size,
		})
	}
	if deps.globals.Quiet {
		return nil
	}
	if _, err := fmt.Fprintf(
		deps.out,
		"%s: version=%d created_at=%s kdf=%s\n",
		label,
		h.Version,
		h.CreatedAt.Format(time.RFC3339),
		h.KDF(),
	); err != nil {
		return err
	}
	if h.Digest != "" {
		if _, err := fmt.Fprintf(deps.out, "digest=%s size_bytes=%d\n", h.Digest, h.Size); err != nil {
			return err
		}
	}
	for _, k := range sortedKeys(h.Metadata) {
		if _, err := fmt.Fprintf(deps.out, "meta %s=%s\n", k, h.Metadata[k]); err != nil {
			return err
		}
	}
	return nil
}
