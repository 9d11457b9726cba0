package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mirxou/Standard-El-joumla-sub004/internal/storage"
)

func newProductCommand(deps commandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "product",
		Short: "Inventory operations",
		Example: "  joumla product add --sku TEA-1 --name \"Mint tea\" --price-cents 350 --quantity 40\n" +
			"  joumla product adjust TEA-1 -- -3 --reason sale",
	}
	cmd.AddCommand(
		newProductAddCommand(deps),
		newProductListCommand(deps),
		newProductAdjustCommand(deps),
		newProductMovementsCommand(deps),
	)
	return cmd
}

func newProductAddCommand(deps commandDeps) *cobra.Command {
	var p storage.Product

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a product with its opening stock",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("product add does not accept positional arguments")
			}
			if strings.TrimSpace(p.SKU) == "" || strings.TrimSpace(p.Name) == "" {
				return usageErrorf("product add requires --sku and --name")
			}
			if p.PriceCents < 0 || p.Quantity < 0 {
				return usageErrorf("product add: price and quantity must not be negative")
			}
			return withManager(cmd.Context(), deps, managerOptions{}, func(ctx context.Context, env runtimeEnv) error {
				products, err := env.manager.Products()
				if err != nil {
					return err
				}
				if err := products.Create(ctx, &p); err != nil {
					return err
				}
				return printProducts(deps, []storage.Product{p})
			})
		},
	}
	cmd.Flags().StringVar(&p.SKU, "sku", "", "Stock keeping unit (unique)")
	cmd.Flags().StringVar(&p.Name, "name", "", "Display name")
	cmd.Flags().Int64Var(&p.PriceCents, "price-cents", 0, "Unit price in cents")
	cmd.Flags().Int64Var(&p.Quantity, "quantity", 0, "Opening quantity")
	return cmd
}

func newProductListCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List products by SKU",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("product list does not accept positional arguments")
			}
			return withManager(cmd.Context(), deps, managerOptions{}, func(ctx context.Context, env runtimeEnv) error {
				products, err := env.manager.Products()
				if err != nil {
					return err
				}
				list, err := products.List(ctx)
				if err != nil {
					return err
				}
				return printProducts(deps, list)
			})
		},
	}
}

func newProductAdjustCommand(deps commandDeps) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "adjust SKU DELTA",
		Short: "Change stock on hand; refuses to go below zero",
		Example: "  joumla product adjust TEA-1 12 --reason delivery\n" +
			"  joumla product adjust TEA-1 -- -3 --reason sale",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 2 {
				return usageErrorf("product adjust requires SKU and DELTA")
			}
			delta, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return usageErrorf("product adjust: DELTA must be an integer: %v", err)
			}
			if strings.TrimSpace(reason) == "" {
				return usageErrorf("product adjust requires --reason")
			}
			return withManager(cmd.Context(), deps, managerOptions{}, func(ctx context.Context, env runtimeEnv) error {
				products, err := env.manager.Products()
				if err != nil {
					return err
				}
				p, err := products.AdjustStock(ctx, args[0], delta, reason)
				if err != nil {
					return err
				}
				return printProducts(deps, []storage.Product{*p})
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Why stock changed (sale, delivery, count...)")
	return cmd
}

func newProductMovementsCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "movements SKU",
		Short: "Show the stock ledger of a product",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usageErrorf("product movements requires SKU")
			}
			return withManager(cmd.Context(), deps, managerOptions{}, func(ctx context.Context, env runtimeEnv) error {
				products, err := env.manager.Products()
				if err != nil {
					return err
				}
				if _, err := products.GetBySKU(ctx, args[0]); err != nil {
					return err
				}
				moves, err := products.Movements(ctx, args[0])
				if err != nil {
					return err
				}
				if deps.globals.JSON {
					return printJSON(deps.out, moves)
				}
				if deps.globals.Quiet {
					return nil
				}
				for _, m := range moves {
					if _, err := fmt.Fprintf(deps.out, "%s %+d %s\n", m.CreatedAt.Format(time.RFC3339), m.Delta, m.Reason); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func printProducts(deps commandDeps, list []storage.Product) error {
	if deps.globals.JSON {
		return printJSON(deps.out, list)
	}
	if deps.globals.Quiet {
		return nil
	}
	for _, p := range list {
		if _, err := fmt.Fprintf(deps.out, "%s\t%s\tqty=%d\tprice=%d.%02d\n", p.SKU, p.Name, p.Quantity, p.PriceCents/100, p.PriceCents%100); err != nil {
			return err
		}
	}
	return nil
}
