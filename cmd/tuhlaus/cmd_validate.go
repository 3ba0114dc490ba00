package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/yairfalse/tuhlaus/config"
	"github.com/yairfalse/tuhlaus/providers/inventory"
)

// validateCmd checks the configuration without scanning
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the config, scenario catalog and price table",
	Long: `Load and validate everything a scan needs without calling any cloud API:
the configuration file, the scenario catalog and its tenant overrides,
the price table and the inventory file when one is configured.`,
	Example: `  tuhlaus validate
  tuhlaus validate -c prod.yaml`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return validate(cmd.Context(), cfg, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func validate(ctx context.Context, cfg *config.Config, out io.Writer) error {
	var errs []error

	catalog, err := loadCatalog(ctx, cfg)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	if err := catalog.ValidateOverrides(cfg.Overrides); err != nil {
		errs = append(errs, err)
	}
	rules, unknown := catalog.Select(cfg.Scenarios.Enabled, cfg.Scenarios.Disabled)
	for _, id := range unknown {
		errs = append(errs, fmt.Errorf("scenarios: %q is not in catalog %s", id, catalog.Version()))
	}

	prices, err := loadPrices(cfg)
	if err != nil {
		errs = append(errs, fmt.Errorf("pricing: %w", err))
	}

	if path := cfg.Sources.InventoryFile; path != "" {
		inv, err := inventory.Load(path)
		if err != nil {
			errs = append(errs, err)
		} else if prices != nil {
			// Unknown SKUs are not fatal; their findings degrade to
			// insufficient data.
			for _, sku := range inv.SKUs() {
				if _, err := prices.Lookup(sku); err != nil {
					fmt.Fprintf(out, "warning: inventory SKU %q has no price\n", sku)
				}
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}

	fmt.Fprintf(out, "config ok: account %s, tenant %s\n", cfg.Account.ID, cfg.Account.Tenant)
	fmt.Fprintf(out, "catalog %s: %d of %d scenarios enabled\n", catalog.Version(), len(rules), catalog.Len())
	fmt.Fprintf(out, "price table %s: %d SKUs (%s)\n", prices.Version(), prices.Len(), prices.Currency())
	return nil
}
