package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yairfalse/tuhlaus/scenario"
)

var (
	scenariosOutput string
	scenariosTenant string
)

// scenariosCmd lists the catalog
var scenariosCmd = &cobra.Command{
	Use:   "scenarios",
	Short: "List the scenario catalog with resolved parameters",
	Long: `List every scenario of the configured catalog, the resource types it
applies to, the metrics it needs and its parameters after tenant
overrides are applied.`,
	Example: `  tuhlaus scenarios                  # Table of all scenarios
  tuhlaus scenarios --tenant team-a  # Parameters as seen by team-a
  tuhlaus scenarios -o json`,
	RunE: runScenarios,
}

func init() {
	rootCmd.AddCommand(scenariosCmd)

	scenariosCmd.Flags().StringVarP(&scenariosOutput, "output", "o", "table", "Output format: table, json")
	scenariosCmd.Flags().StringVar(&scenariosTenant, "tenant", "", "Tenant whose overrides apply (default: account.tenant)")
}

func runScenarios(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	catalog, err := loadCatalog(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	if err := catalog.ValidateOverrides(cfg.Overrides); err != nil {
		return err
	}

	tenant := cfg.Account.Tenant
	if scenariosTenant != "" {
		tenant = scenariosTenant
	}

	rules, unknown := catalog.Select(cfg.Scenarios.Enabled, cfg.Scenarios.Disabled)
	for _, id := range unknown {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: scenario %q is not in the catalog\n", id)
	}

	out := cmd.OutOrStdout()
	switch scenariosOutput {
	case "json":
		return writeJSON(out, resolvedRules(rules, cfg.Overrides, tenant))
	case "table":
		fmt.Fprintf(out, "Catalog %s, %d of %d scenarios enabled, tenant %s\n", catalog.Version(), len(rules), catalog.Len(), tenant)
		renderCatalog(out, rules, cfg.Overrides, tenant)
		return nil
	}
	return fmt.Errorf("invalid output format: %s (must be one of: table, json)", scenariosOutput)
}

// resolvedRules copies rules with their tenant parameters applied.
func resolvedRules(rules []scenario.Rule, overrides scenario.Overrides, tenant string) []scenario.Rule {
	out := make([]scenario.Rule, len(rules))
	for i := range rules {
		out[i] = rules[i]
		out[i].Parameters = overrides.Resolve(tenant, &rules[i])
	}
	return out
}
