package aggregate

import (
	"testing"

	"github.com/usagepipe/usagepipe/internal/core"
)

func summary(date string, input, output int64, cost float64, models map[string]core.ModelTotals) core.DailySummary {
	return core.DailySummary{
		Date:        date,
		TotalInput:  input,
		TotalOutput: output,
		TotalCost:   cost,
		Models:      models,
	}
}

func TestTotalFromDaily(t *testing.T) {
	summaries := []core.DailySummary{
		summary("2026-01-01", 100, 50, 1.0, nil),
		summary("2026-01-02", 200, 100, 2.0, nil),
	}
	total := TotalFromDaily(summaries)
	if total.TotalInput != 300 || total.TotalOutput != 150 {
		t.Fatalf("unexpected token totals: %+v", total)
	}
	if total.TotalCost != 3.0 {
		t.Fatalf("TotalCost = %v, want 3.0", total.TotalCost)
	}
	if total.ActiveDays != 2 {
		t.Fatalf("ActiveDays = %d, want 2", total.ActiveDays)
	}
}

func TestByModelFromDaily_FiltersZeroModels(t *testing.T) {
	summaries := []core.DailySummary{
		summary("2026-01-01", 100, 50, 1.0, map[string]core.ModelTotals{
			"claude-opus-4-5": {InputTokens: 100, OutputTokens: 50, CostUSD: 1.0},
			"stale-model":     {},
		}),
	}
	out := ByModelFromDaily(summaries)
	if len(out) != 1 {
		t.Fatalf("len(out) = %d, want 1 (zero-token model filtered)", len(out))
	}
	if out[0].Model != "claude-opus-4-5" {
		t.Fatalf("Model = %q", out[0].Model)
	}
}

func TestMergeByDate_UnionsAcrossSources(t *testing.T) {
	perSource := map[core.Source][]core.DailySummary{
		core.SourceClaudeCode: {summary("2026-01-01", 100, 50, 1.0, map[string]core.ModelTotals{
			"claude-opus-4-5": {InputTokens: 100, OutputTokens: 50, CostUSD: 1.0},
		})},
		core.SourceCodex: {summary("2026-01-01", 40, 10, 0.5, map[string]core.ModelTotals{
			"gpt-5": {InputTokens: 40, OutputTokens: 10, CostUSD: 0.5},
		})},
	}
	merged := MergeByDate(perSource)
	if len(merged) != 1 {
		t.Fatalf("len(merged) = %d, want 1", len(merged))
	}
	d := merged[0]
	if d.TotalInput != 140 || d.TotalOutput != 60 {
		t.Fatalf("unexpected merged totals: %+v", d)
	}
	if len(d.Models) != 2 {
		t.Fatalf("len(Models) = %d, want 2 (one per vendor model)", len(d.Models))
	}
}

func TestRollUp_Month(t *testing.T) {
	daily := []core.DailySummary{
		summary("2026-01-05", 100, 0, 0, nil),
		summary("2026-01-20", 50, 0, 0, nil),
		summary("2026-02-01", 10, 0, 0, nil),
	}
	monthly, err := RollUp(daily, core.PeriodMonth)
	if err != nil {
		t.Fatalf("RollUp: %v", err)
	}
	if len(monthly) != 2 {
		t.Fatalf("len(monthly) = %d, want 2", len(monthly))
	}
	if monthly[0].Date != "2026-01" || monthly[0].TotalInput != 150 {
		t.Fatalf("unexpected January bucket: %+v", monthly[0])
	}
}

func TestComputeStats_PeakDay(t *testing.T) {
	daily := []core.DailySummary{
		summary("2026-01-01", 100, 0, 1.0, nil),
		summary("2026-01-02", 900, 0, 9.0, nil),
	}
	stats := ComputeStats(daily)
	if stats.PeakDate != "2026-01-02" || stats.PeakTokens != 900 {
		t.Fatalf("unexpected peak: %+v", stats)
	}
	if stats.ActiveDays != 2 {
		t.Fatalf("ActiveDays = %d, want 2", stats.ActiveDays)
	}
	if stats.AvgTokensPerDay != 500 {
		t.Fatalf("AvgTokensPerDay = %v, want 500", stats.AvgTokensPerDay)
	}
}

func TestSpike_Thresholds(t *testing.T) {
	mean := 100.0
	if got := Spike(100, mean, core.PeriodDay).Level; got != SpikeNone {
		t.Fatalf("Spike(100, 100) = %v, want none", got)
	}
	if got := Spike(150, mean, core.PeriodDay).Level; got != SpikeWarning {
		t.Fatalf("Spike(150, 100) = %v, want warning", got)
	}
	if got := Spike(200, mean, core.PeriodDay).Level; got != SpikeCritical {
		t.Fatalf("Spike(200, 100) = %v, want critical", got)
	}
}

func TestSpike_NonDailyPeriodAlwaysNone(t *testing.T) {
	if got := Spike(10000, 100, core.PeriodMonth).Level; got != SpikeNone {
		t.Fatalf("Spike on a monthly view = %v, want none regardless of ratio", got)
	}
}

func TestDailyMean(t *testing.T) {
	daily := []core.DailySummary{
		summary("2026-01-01", 100, 0, 1.0, nil),
		summary("2026-01-02", 300, 0, 3.0, nil),
	}
	if got := DailyMean(daily); got != 2.0 {
		t.Fatalf("DailyMean = %v, want 2.0 (mean cost, not mean tokens)", got)
	}
}
