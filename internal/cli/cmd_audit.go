package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mirxou/Standard-El-joumla-sub004/internal/audit"
)

var errAuditChainBroken = errors.New("audit chain verification failed")

func newAuditCommand(deps commandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the tamper-evident trail of backup operations",
	}
	cmd.AddCommand(newAuditListCommand(deps), newAuditVerifyCommand(deps))
	return cmd
}

func newAuditListCommand(deps commandDeps) *cobra.Command {
	var (
		action string
		target string
		since  time.Duration
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded backup operations, oldest first",
		Example: "  joumla audit list --limit 20\n" +
			"  joumla audit list --action backup.restore --since 168h",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("audit list does not accept positional arguments")
			}
			if limit < 0 || since < 0 {
				return usageErrorf("audit list: --limit and --since must not be negative")
			}
			return withManager(cmd.Context(), deps, managerOptions{}, func(ctx context.Context, env runtimeEnv) error {
				filter := audit.Filter{Action: action, TargetID: target, Limit: limit}
				if since > 0 {
					from := time.Now().Add(-since)
					filter.Since = &from
				}
				events, err := env.manager.AuditEvents(ctx, filter)
				if err != nil {
					return err
				}
				if deps.globals.JSON {
					return printJSON(deps.out, events)
				}
				if deps.globals.Quiet {
					return nil
				}
				for _, e := range events {
					if _, err := fmt.Fprintf(
						deps.out,
						"%s %s %s %s %s\n",
						e.Timestamp.Format(time.RFC3339),
						e.Action,
						e.Result,
						e.TargetID,
						e.DetailsJSON,
					); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "Only this action (backup.create, backup.restore, backup.verify, backup.prune)")
	cmd.Flags().StringVar(&target, "target", "", "Only events on this archive file name")
	cmd.Flags().DurationVar(&since, "since", 0, "Only events newer than this")
	cmd.Flags().IntVar(&limit, "limit", 0, "Only the most recent N events")
	return cmd
}

func newAuditVerifyCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Recompute the audit hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("audit verify does not accept positional arguments")
			}
			return withManager(cmd.Context(), deps, managerOptions{}, func(ctx context.Context, env runtimeEnv) error {
				result, err := env.manager.VerifyAudit(ctx)
				if err != nil {
					return err
				}
				if deps.globals.JSON {
					if err := printJSON(deps.out, result); err != nil {
						return err
					}
				} else if !deps.globals.Quiet {
					status := "valid"
					if !result.Valid {
						status = "BROKEN: " + result.Error
					}
					if _, err := fmt.Fprintf(deps.out, "audit chain %s (%d events, tip %s)\n", status, result.EventCount, shortID(result.ChainTip)); err != nil {
						return err
					}
				}
				if !result.Valid {
					return fmt.Errorf("%w: %s", errAuditChainBroken, result.Error)
				}
				return nil
			})
		},
	}
}
