package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/nugget/scholar/internal/paths"
	"github.com/nugget/scholar/internal/usage"
)

const defaultUsageDays = 7

// usageReport is the persisted token usage over a trailing window.
type usageReport struct {
	Since      time.Time                 `json:"since"`
	Until      time.Time                 `json:"until"`
	Total      *usage.Summary            `json:"total"`
	ByModel    map[string]*usage.Summary `json:"by_model"`
	ByProvider map[string]*usage.Summary `json:"by_provider"`
}

// runUsage reports token usage recorded in the usage database over the
// last days days.
func runUsage(ctx context.Context, w io.Writer, opts options, args []string) error {
	days := defaultUsageDays
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("usage: scholar usage [days]")
		}
		days = n
	}

	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("usage tracking is disabled (data_dir is not set)")
	}

	dbPath := filepath.Join(paths.New(cfgPath).Resolve(cfg.DataDir), "usage.db")
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("no usage recorded yet: %w", err)
	}
	store, err := usage.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open usage store: %w", err)
	}
	defer store.Close()

	until := time.Now()
	report := usageReport{
		Since: until.AddDate(0, 0, -days),
		Until: until,
	}
	if report.Total, err = store.Summary(ctx, report.Since, until); err != nil {
		return err
	}
	if report.ByModel, err = store.SummaryByModel(ctx, report.Since, until); err != nil {
		return err
	}
	if report.ByProvider, err = store.SummaryByProvider(ctx, report.Since, until); err != nil {
		return err
	}

	if opts.outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Fprintf(w, "Usage for the last %d days (%s to %s)\n", days,
		report.Since.Format(time.DateOnly), until.Format(time.DateOnly))
	printSummary(w, "total", report.Total)
	for _, group := range []struct {
		title string
		rows  map[string]*usage.Summary
	}{
		{"By provider:", report.ByProvider},
		{"By model:", report.ByModel},
	} {
		if len(group.rows) == 0 {
			continue
		}
		fmt.Fprintln(w, group.title)
		keys := make([]string, 0, len(group.rows))
		for k := range group.rows {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			printSummary(w, k, group.rows[k])
		}
	}
	return nil
}

func printSummary(w io.Writer, label string, s *usage.Summary) {
	fmt.Fprintf(w, "  %-24s %d queries, %d round-trips, %d in / %d out tokens, $%.4f\n",
		label, s.TotalQueries, s.TotalRecords, s.TotalInputTokens, s.TotalOutputTokens, s.TotalCostUSD)
}
