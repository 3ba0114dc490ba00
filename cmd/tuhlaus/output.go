package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/yairfalse/tuhlaus/orchestrator"
	"github.com/yairfalse/tuhlaus/pkg/finding"
	"github.com/yairfalse/tuhlaus/scenario"
)

// findingCollector keeps the findings of one scan for printing.
type findingCollector struct {
	mu       sync.Mutex
	findings []finding.Finding
}

func (c *findingCollector) Emit(_ context.Context, f finding.Finding) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.findings = append(c.findings, f)
	return nil
}

func (c *findingCollector) Close() error {
	return nil
}

// sorted returns the findings by monthly waste, largest first.
func (c *findingCollector) sorted() []finding.Finding {
	c.mu.Lock()
	out := append([]finding.Finding(nil), c.findings...)
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].MonthlyWaste != out[j].MonthlyWaste {
			return out[i].MonthlyWaste > out[j].MonthlyWaste
		}
		return out[i].Key() < out[j].Key()
	})
	return out
}

type scanResult struct {
	Report   *orchestrator.Report `json:"report"`
	Findings []finding.Finding    `json:"findings"`
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func tierColor(t finding.Tier) text.Colors {
	switch t {
	case finding.TierCritical:
		return text.Colors{text.FgRed, text.Bold}
	case finding.TierHigh:
		return text.Colors{text.FgRed}
	case finding.TierMedium:
		return text.Colors{text.FgYellow}
	}
	return text.Colors{text.FgHiBlack}
}

func renderFindings(w io.Writer, findings []finding.Finding) {
	if len(findings) == 0 {
		return
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Scenario", "Resource", "Type", "Region", "Tier", "Monthly Cost", "Monthly Waste", "Already Wasted", "Recommendation"})
	for _, f := range findings {
		tw.AppendRow(table.Row{
			f.ScenarioID,
			f.ResourceID,
			f.ResourceType,
			f.Region,
			tierColor(f.Tier).Sprint(string(f.Tier)),
			f.MonthlyCost.String(),
			f.MonthlyWaste.String(),
			f.AlreadyWasted.String(),
			f.Recommendation,
		})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 6, Align: text.AlignRight},
		{Number: 7, Align: text.AlignRight},
		{Number: 8, Align: text.AlignRight},
		{Number: 9, WidthMax: 60},
	})
	tw.Render()
}

func renderReport(w io.Writer, r *orchestrator.Report) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)
	tw.SetTitle("Scan " + r.ScanID)
	tw.AppendRows([]table.Row{
		{"Account", r.Account},
		{"State", stateLabel(r)},
		{"Verdict", r.Verdict()},
		{"Resources", fmt.Sprintf("%d (%d filtered)", r.Resources, r.Filtered)},
		{"Evaluations", r.Evaluations},
		{"Findings", r.Findings},
		{"Inconclusive", len(r.Inconclusive)},
		{"Monthly Waste", r.MonthlyWaste.String()},
		{"Duration", r.Duration.Round(time.Millisecond).String()},
	})
	if len(r.Unsupported) > 0 {
		tw.AppendRow(table.Row{"Unsupported Types", strings.Join(r.Unsupported, ", ")})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{{Number: 1, Colors: text.Colors{text.Bold}}})
	tw.Render()

	if len(r.Warnings) == 0 {
		return
	}
	ww := table.NewWriter()
	ww.SetOutputMirror(w)
	ww.SetStyle(table.StyleRounded)
	ww.SetTitle("Warnings")
	ww.AppendHeader(table.Row{"Kind", "Scope", "Message"})
	for _, warn := range r.Warnings {
		ww.AppendRow(table.Row{warn.Kind, warningScope(warn), warn.Message})
	}
	ww.SetColumnConfigs([]table.ColumnConfig{{Number: 3, WidthMax: 80}})
	ww.Render()
}

func stateLabel(r *orchestrator.Report) string {
	label := string(r.State)
	if r.Partial {
		label += " (partial)"
	}
	if r.State != orchestrator.StateCompleted {
		return text.FgYellow.Sprint(label)
	}
	return label
}

func warningScope(w orchestrator.Warning) string {
	var parts []string
	for _, p := range []string{string(w.Provider), w.ResourceType, w.ScenarioID, w.ResourceID, w.Metric} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "/")
}

func renderCatalog(w io.Writer, rules []scenario.Rule, overrides scenario.Overrides, tenant string) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Scenario", "Version", "Resource Types", "Metrics", "Predicate", "Cost Model", "Parameters"})
	for i := range rules {
		r := &rules[i]

		metrics := make([]string, 0, len(r.RequiredMetrics))
		for _, m := range r.RequiredMetrics {
			metrics = append(metrics, fmt.Sprintf("%s (%gd)", m.Name, m.WindowDays))
		}

		params := overrides.Resolve(tenant, r)
		pairs := make([]string, 0, len(params))
		for _, name := range params.Names() {
			pairs = append(pairs, fmt.Sprintf("%s=%v", name, params[name]))
		}

		tw.AppendRow(table.Row{
			r.ID,
			r.Version,
			strings.Join(r.ResourceTypes, "\n"),
			strings.Join(metrics, "\n"),
			r.Predicate,
			r.CostModel,
			strings.Join(pairs, "\n"),
		})
		tw.AppendSeparator()
	}
	tw.Render()
}
