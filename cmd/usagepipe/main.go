// Command usagepipe is a thin demonstration CLI over the ingestion
// pipeline: it wires load_warm/load_cold/aggregate_summaries to plain-text
// output. The interactive dashboard this data ultimately feeds is out of
// scope here.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/usagepipe/usagepipe/internal/config"
	"github.com/usagepipe/usagepipe/internal/core"
	"github.com/usagepipe/usagepipe/internal/pipeline"
	"github.com/usagepipe/usagepipe/internal/version"
)

func main() {
	log := newLogger()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		fmt.Fprintf(os.Stderr, "config path: %s\n", config.ConfigPath())
		os.Exit(1)
	}

	var period string

	root := &cobra.Command{
		Use:   "usagepipe",
		Short: "usagepipe ingests AI coding assistant session logs and summarizes cost and token usage.",
	}

	root.PersistentFlags().StringVar(&period, "period", "day", "roll-up period: day, week, or month")

	root.AddCommand(&cobra.Command{
		Use:   "summary",
		Short: "Load per-source daily summaries, warm if every adapter has a fresh cache, cold otherwise.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSummary(cmd.Context(), cfg, log, core.Period(period), false)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "rebuild",
		Short: "Force a full cold re-ingest for every enabled adapter.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSummary(cmd.Context(), cfg, log, core.Period(period), true)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print build version information.",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version.String())
			return nil
		},
	})

	root.SetContext(context.Background())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runSummary(ctx context.Context, cfg config.Config, log zerolog.Logger, period core.Period, forceCold bool) error {
	p, err := pipeline.New(cfg, log)
	if err != nil {
		return fmt.Errorf("building pipeline: %w", err)
	}

	var result pipeline.Result
	if forceCold || !p.HasFreshCache() {
		result, err = p.LoadCold(ctx)
	} else {
		result, err = p.LoadWarm(ctx)
	}
	if err != nil {
		return fmt.Errorf("loading summaries: %w", err)
	}

	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "warning [%s/%s]: %s\n", w.Kind, w.Source, w.Message)
	}

	view, err := pipeline.AggregateSummaries(result.PerSource, period)
	if err != nil {
		return fmt.Errorf("aggregating summaries: %w", err)
	}

	fmt.Printf("period: %s\n", view.Period)
	fmt.Printf("active days: %d\n", view.Stats.ActiveDays)
	fmt.Printf("total tokens: %d\n", view.Stats.TotalTokens)
	fmt.Printf("total cost: $%.4f\n", view.Total.TotalCost)
	if view.Stats.PeakDate != "" {
		fmt.Printf("peak day: %s (%d tokens)\n", view.Stats.PeakDate, view.Stats.PeakTokens)
	}
	for _, mt := range view.ByModel {
		fmt.Printf("  %-28s input=%-10d output=%-10d cost=$%.4f\n", core.DisplayLabel(mt.Model), mt.InputTokens, mt.OutputTokens, mt.CostUSD)
	}
	for source, total := range view.BySource {
		fmt.Printf("source %-14s tokens=%-10d cost=$%.4f\n", source, total.TotalInput+total.TotalOutput, total.TotalCost)
	}

	return nil
}
