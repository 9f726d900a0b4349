// Package aggregate holds the stateless reductions over per-source daily
// summaries: totals, per-model breakdowns, cross-source merges, period
// roll-ups, and spike classification. Every function here only reads
// DailySummary values; none require the underlying UsageEntry records.
package aggregate

import (
	"fmt"
	"sort"

	"github.com/usagepipe/usagepipe/internal/core"
)

// Total is the single-record reduction of a set of daily summaries.
type Total struct {
	TotalInput         int64
	TotalOutput        int64
	TotalCacheRead     int64
	TotalCacheCreation int64
	TotalCost          float64
	ActiveDays         int
}

// TotalFromDaily sums every field across summaries; ActiveDays counts the
// distinct dates present (each DailySummary is already one date).
func TotalFromDaily(summaries []core.DailySummary) Total {
	var t Total
	for _, d := range summaries {
		t.TotalInput += d.TotalInput
		t.TotalOutput += d.TotalOutput
		t.TotalCacheRead += d.TotalCacheRead
		t.TotalCacheCreation += d.TotalCacheCreation
		t.TotalCost += d.TotalCost
		t.ActiveDays++
	}
	return t
}

// ModelTotal mirrors core.ModelTotals with the canonical model id attached,
// for presentation as a slice rather than a map.
type ModelTotal struct {
	Model string
	core.ModelTotals
}

// ByModelFromDaily sums per-model totals across every summary. Models whose
// four token totals are all zero (e.g. carried forward only as a stale map
// key) are filtered from the result whatever their cost — nothing for the
// presentation layer to show.
func ByModelFromDaily(summaries []core.DailySummary) []ModelTotal {
	totals := make(map[string]core.ModelTotals)
	for _, d := range summaries {
		for model, mt := range d.Models {
			totals[model] = addModelTotals(totals[model], mt)
		}
	}

	out := make([]ModelTotal, 0, len(totals))
	for model, mt := range totals {
		if mt.InputTokens == 0 && mt.OutputTokens == 0 && mt.CacheReadTokens == 0 && mt.CacheCreationTokens == 0 {
			continue
		}
		out = append(out, ModelTotal{Model: model, ModelTotals: mt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

func addModelTotals(a, b core.ModelTotals) core.ModelTotals {
	return core.ModelTotals{
		InputTokens:         a.InputTokens + b.InputTokens,
		OutputTokens:        a.OutputTokens + b.OutputTokens,
		CacheReadTokens:     a.CacheReadTokens + b.CacheReadTokens,
		CacheCreationTokens: a.CacheCreationTokens + b.CacheCreationTokens,
		CostUSD:             a.CostUSD + b.CostUSD,
	}
}

// MergeByDate unions per-source daily summaries into one summary per date:
// token and cost totals are summed, and the per-model maps are unioned
// (summed per model) across sources.
func MergeByDate(perSource map[core.Source][]core.DailySummary) []core.DailySummary {
	byDate := make(map[string]core.DailySummary)

	for _, summaries := range perSource {
		for _, d := range summaries {
			merged, ok := byDate[d.Date]
			if !ok {
				merged = core.DailySummary{Date: d.Date, Models: make(map[string]core.ModelTotals)}
			}
			merged.TotalInput += d.TotalInput
			merged.TotalOutput += d.TotalOutput
			merged.TotalCacheRead += d.TotalCacheRead
			merged.TotalCacheCreation += d.TotalCacheCreation
			merged.TotalCost += d.TotalCost
			merged.EntryCount += d.EntryCount
			for model, mt := range d.Models {
				merged.Models[model] = addModelTotals(merged.Models[model], mt)
			}
			byDate[d.Date] = merged
		}
	}

	out := make([]core.DailySummary, 0, len(byDate))
	for _, d := range byDate {
		out = append(out, d)
	}
	core.SortSummaries(out)
	return out
}

// RollUp re-buckets daily summaries into calendar weeks or months, summing
// every date that maps to the same bucket key. PeriodDay returns the input
// re-sorted and otherwise unchanged.
func RollUp(daily []core.DailySummary, period core.Period) ([]core.DailySummary, error) {
	if period == core.PeriodDay || period == "" {
		out := make([]core.DailySummary, len(daily))
		copy(out, daily)
		core.SortSummaries(out)
		return out, nil
	}

	byBucket := make(map[string]core.DailySummary)
	for _, d := range daily {
		key, err := core.BucketKey(d.Date, period)
		if err != nil {
			return nil, fmt.Errorf("aggregate: roll up %s: %w", d.Date, err)
		}
		bucket, ok := byBucket[key]
		if !ok {
			bucket = core.DailySummary{Date: key, Models: make(map[string]core.ModelTotals)}
		}
		bucket.TotalInput += d.TotalInput
		bucket.TotalOutput += d.TotalOutput
		bucket.TotalCacheRead += d.TotalCacheRead
		bucket.TotalCacheCreation += d.TotalCacheCreation
		bucket.TotalCost += d.TotalCost
		bucket.EntryCount += d.EntryCount
		for model, mt := range d.Models {
			bucket.Models[model] = addModelTotals(bucket.Models[model], mt)
		}
		byBucket[key] = bucket
	}

	out := make([]core.DailySummary, 0, len(byBucket))
	for _, d := range byBucket {
		out = append(out, d)
	}
	core.SortSummaries(out)
	return out, nil
}

// Stats is the six-scalar summary over a set of (daily) summaries.
type Stats struct {
	TotalTokens     int64
	AvgTokensPerDay float64
	PeakDate        string
	PeakTokens      int64
	TotalCost       float64
	AvgCostPerDay   float64
	ActiveDays      int
}

// ComputeStats reduces daily summaries to the six headline scalars. Peak
// day is the date with the highest total token count (input+output+cache
// reads+cache creation); ties keep the earliest date encountered.
func ComputeStats(summaries []core.DailySummary) Stats {
	var s Stats
	s.ActiveDays = len(summaries)
	if s.ActiveDays == 0 {
		return s
	}

	for _, d := range summaries {
		tokens := d.TotalInput + d.TotalOutput + d.TotalCacheRead + d.TotalCacheCreation
		s.TotalTokens += tokens
		s.TotalCost += d.TotalCost
		if tokens > s.PeakTokens {
			s.PeakTokens = tokens
			s.PeakDate = d.Date
		}
	}
	s.AvgTokensPerDay = float64(s.TotalTokens) / float64(s.ActiveDays)
	s.AvgCostPerDay = s.TotalCost / float64(s.ActiveDays)
	return s
}

// BySource returns each source's own totals unchanged, keyed by source —
// the one reduction that does not cross source boundaries.
func BySource(perSource map[core.Source][]core.DailySummary) map[core.Source]Total {
	out := make(map[core.Source]Total, len(perSource))
	for source, summaries := range perSource {
		out[source] = TotalFromDaily(summaries)
	}
	return out
}

// SpikeLevel classifies the cost of a single day.
type SpikeLevel string

const (
	SpikeNone     SpikeLevel = "none"
	SpikeWarning  SpikeLevel = "warning"
	SpikeCritical SpikeLevel = "critical"
)

const (
	warningRatio  = 1.5
	criticalRatio = 2.0
)

// SpikeResult carries the classification alongside a human-readable reason
// (the ratio to the mean that drove the verdict) — a supplemented field
// beyond the bare enum, for presentation layers that want to explain why a
// day was flagged rather than just that it was.
type SpikeResult struct {
	Level  SpikeLevel
	Reason string
}

// Spike classifies a single day's cost against the arithmetic mean cost of
// a daily series. period must be core.PeriodDay — weekly/monthly roll-ups
// always report SpikeNone, since the 1.5x/2.0x thresholds are calibrated
// against day-to-day variance, not week- or month-scale totals.
func Spike(dayCost float64, dailyMeanCost float64, period core.Period) SpikeResult {
	if period != core.PeriodDay && period != "" {
		return SpikeResult{Level: SpikeNone, Reason: "spike detection is only defined for daily views"}
	}
	if dailyMeanCost <= 0 {
		return SpikeResult{Level: SpikeNone, Reason: "no mean to compare against"}
	}

	ratio := dayCost / dailyMeanCost
	switch {
	case ratio >= criticalRatio:
		return SpikeResult{Level: SpikeCritical, Reason: fmt.Sprintf("%.2fx the daily mean", ratio)}
	case ratio >= warningRatio:
		return SpikeResult{Level: SpikeWarning, Reason: fmt.Sprintf("%.2fx the daily mean", ratio)}
	default:
		return SpikeResult{Level: SpikeNone, Reason: fmt.Sprintf("%.2fx the daily mean", ratio)}
	}
}

// DailyMean is a small helper most callers need before calling Spike: the
// arithmetic mean daily cost across summaries.
func DailyMean(summaries []core.DailySummary) float64 {
	if len(summaries) == 0 {
		return 0
	}
	var sum float64
	for _, d := range summaries {
		sum += d.TotalCost
	}
	return sum / float64(len(summaries))
}
