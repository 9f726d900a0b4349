package core

import (
	"fmt"
	"math"
	"sort"
)

const localDateLayout = "2006-01-02"

// ModelTotals holds the per-model sub-totals within a DailySummary.
type ModelTotals struct {
	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	CacheReadTokens     int64   `json:"cache_read_tokens"`
	CacheCreationTokens int64   `json:"cache_creation_tokens"`
	CostUSD             float64 `json:"cost_usd"`
}

func (m ModelTotals) add(o ModelTotals) ModelTotals {
	return ModelTotals{
		InputTokens:         m.InputTokens + o.InputTokens,
		OutputTokens:        m.OutputTokens + o.OutputTokens,
		CacheReadTokens:     m.CacheReadTokens + o.CacheReadTokens,
		CacheCreationTokens: m.CacheCreationTokens + o.CacheCreationTokens,
		CostUSD:             m.CostUSD + o.CostUSD,
	}
}

// DailySummary is the immutable per-(source, local calendar day) aggregate.
type DailySummary struct {
	Date                string                 `json:"date"`
	TotalInput          int64                  `json:"total_input"`
	TotalOutput         int64                  `json:"total_output"`
	TotalCacheRead      int64                  `json:"total_cache_read"`
	TotalCacheCreation  int64                  `json:"total_cache_creation"`
	TotalCost           float64                `json:"total_cost"`
	Models              map[string]ModelTotals `json:"models"`
	EntryCount          int                    `json:"entry_count"`
}

const costTolerance = 1e-6

// CheckInvariants verifies that the per-model totals sum to the top-level
// totals: every token field exactly, cost within floating point tolerance.
func (d DailySummary) CheckInvariants() error {
	var input, output, cacheRead, cacheCreation int64
	var cost float64
	for model, mt := range d.Models {
		if mt.InputTokens < 0 || mt.OutputTokens < 0 || mt.CacheReadTokens < 0 || mt.CacheCreationTokens < 0 {
			return fmt.Errorf("core: model %q has negative token total", model)
		}
		input += mt.InputTokens
		output += mt.OutputTokens
		cacheRead += mt.CacheReadTokens
		cacheCreation += mt.CacheCreationTokens
		cost += mt.CostUSD
	}
	if input != d.TotalInput {
		return fmt.Errorf("core: %s: model input sum %d != total %d", d.Date, input, d.TotalInput)
	}
	if output != d.TotalOutput {
		return fmt.Errorf("core: %s: model output sum %d != total %d", d.Date, output, d.TotalOutput)
	}
	if cacheRead != d.TotalCacheRead {
		return fmt.Errorf("core: %s: model cache_read sum %d != total %d", d.Date, cacheRead, d.TotalCacheRead)
	}
	if cacheCreation != d.TotalCacheCreation {
		return fmt.Errorf("core: %s: model cache_creation sum %d != total %d", d.Date, cacheCreation, d.TotalCacheCreation)
	}
	if math.Abs(cost-d.TotalCost) > costTolerance {
		return fmt.Errorf("core: %s: model cost sum %.6f != total %.6f", d.Date, cost, d.TotalCost)
	}
	return nil
}

// LocalDate formats an instant as its local calendar day, "YYYY-MM-DD".
func LocalDate(e UsageEntry) string {
	return e.Timestamp.Local().Format(localDateLayout)
}

// BuildDailySummary sums every entry believed to fall on the same local
// calendar day into one DailySummary. Callers (the cache's load_or_compute)
// are responsible for bucketing entries by LocalDate before calling this.
func BuildDailySummary(date string, entries []UsageEntry, costOf func(UsageEntry) float64) DailySummary {
	d := DailySummary{Date: date, Models: make(map[string]ModelTotals)}
	for _, e := range entries {
		cost := costOf(e)
		d.TotalInput += e.InputTokens
		d.TotalOutput += e.OutputTokens
		d.TotalCacheRead += e.CacheReadTokens
		d.TotalCacheCreation += e.CacheCreationTokens
		d.TotalCost += cost
		d.EntryCount++

		mt := d.Models[e.Model]
		mt = mt.add(ModelTotals{
			InputTokens:         e.InputTokens,
			OutputTokens:        e.OutputTokens,
			CacheReadTokens:     e.CacheReadTokens,
			CacheCreationTokens: e.CacheCreationTokens,
			CostUSD:             cost,
		})
		d.Models[e.Model] = mt
	}
	return d
}

// SortSummaries orders summaries by date ascending, the order the cache
// requires on disk: dates unique, strictly increasing.
func SortSummaries(summaries []DailySummary) {
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Date < summaries[j].Date })
}
