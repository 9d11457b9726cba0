package cli

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/Mirxou/Standard-El-joumla-sub004/internal/storage"
)

func newExecCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "exec SQL [ARG...]",
		Short: "Run a statement in its own transaction",
		Example: "  joumla exec \"CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)\"\n" +
			"  joumla exec \"INSERT INTO notes (body) VALUES (?)\" \"hello\"",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
				return usageErrorf("exec requires a SQL statement")
			}
			return withManager(cmd.Context(), deps, managerOptions{}, func(ctx context.Context, env runtimeEnv) error {
				res, err := env.manager.ExecuteNonQuery(ctx, args[0], bindArgs(args[1:])...)
				if err != nil {
					return err
				}
				if deps.globals.JSON {
					return printJSON(deps.out, map[string]any{
						"rows_affected":  res.RowsAffected,
						"last_insert_id": res.LastInsertID,
					})
				}
				if deps.globals.Quiet {
					return nil
				}
				_, err = fmt.Fprintf(deps.out, "rows_affected=%d last_insert_id=%d\n", res.RowsAffected, res.LastInsertID)
				return err
			})
		},
	}
}

func newQueryCommand(deps commandDeps) *cobra.Command {
	var one bool

	cmd := &cobra.Command{
		Use:   "query SQL [ARG...]",
		Short: "Run a query and print its rows",
		Example: "  joumla query \"SELECT sku, quantity FROM products\"\n" +
			"  joumla --json query --one \"SELECT name FROM products WHERE sku = ?\" TEA-1",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
				return usageErrorf("query requires a SQL statement")
			}
			return withManager(cmd.Context(), deps, managerOptions{}, func(ctx context.Context, env runtimeEnv) error {
				var rows []storage.Row
				if one {
					row, err := env.manager.FetchOne(ctx, args[0], bindArgs(args[1:])...)
					if err != nil {
						return err
					}
					rows = []storage.Row{row}
				} else {
					all, err := env.manager.FetchAll(ctx, args[0], bindArgs(args[1:])...)
					if err != nil {
						return err
					}
					rows = all
				}

				if deps.globals.JSON {
					out := make([][]any, 0, len(rows))
					for _, row := range rows {
						out = append(out, displayRow(row))
					}
					return printJSON(deps.out, out)
				}
				if deps.globals.Quiet {
					return nil
				}
				for _, row := range rows {
					cells := make([]string, 0, len(row))
					for _, v := range displayRow(row) {
						if v == nil {
							cells = append(cells, "NULL")
							continue
						}
						cells = append(cells, fmt.Sprint(v))
					}
					if _, err := fmt.Fprintln(deps.out, strings.Join(cells, "\t")); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&one, "one", false, "Print only the first row; no row is a not-found error")
	return cmd
}

// bindArgs passes command-line values as positional parameters. SQLite's
// column affinity converts numeric strings on insert.
func bindArgs(raw []string) []any {
	out := make([]any, len(raw))
	for i, v := range raw {
		out[i] = v
	}
	return out
}

func displayRow(row storage.Row) []any {
	out := make([]any, len(row))
	for i, v := range row {
		switch t := v.(type) {
		case []byte:
			if utf8.Valid(t) {
				out[i] = string(t)
			} else {
				out[i] = "x'" + hex.EncodeToString(t) + "'"
			}
		default:
			out[i] = t
		}
	}
	return out
}
