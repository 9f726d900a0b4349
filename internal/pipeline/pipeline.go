// Package pipeline wires the leaf packages (sources, ingest, pricing,
// cache, aggregate) into the three entry points a presentation layer
// calls: LoadWarm, LoadCold, and AggregateSummaries.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/usagepipe/usagepipe/internal/aggregate"
	"github.com/usagepipe/usagepipe/internal/cache"
	"github.com/usagepipe/usagepipe/internal/config"
	"github.com/usagepipe/usagepipe/internal/core"
	"github.com/usagepipe/usagepipe/internal/ingest"
	"github.com/usagepipe/usagepipe/internal/pricing"
	"github.com/usagepipe/usagepipe/internal/sources"
)

// Result is the shape both load_warm and load_cold hand back to the
// presentation layer.
type Result struct {
	PerSource map[core.Source][]core.DailySummary
	Warnings  []Warning
}

// Pipeline owns every adapter and the lower-layer components a load
// operation needs. It is invoked, runs to completion, and returns — no
// long-lived background state.
type Pipeline struct {
	registry *sources.Registry
	cache    *cache.SummaryCache
	pricing  *pricing.Resolver
	ingest   *ingest.Engine
	log      zerolog.Logger
}

// defaultStateDir resolves the per-user data root this pipeline's cache
// and pricing table live under. Home-dir resolution failure is a hard
// error: callers must not fall back to the process's working directory.
func defaultStateDir() (string, error) {
	if base := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); base != "" {
		return filepath.Join(base, "usagepipe"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "", fmt.Errorf("%w: %v", ErrHomeDirUnavailable, err)
	}
	return filepath.Join(home, ".local", "state", "usagepipe"), nil
}

// New builds a Pipeline from settings and a logger, resolving the state
// directory (or honoring cfg.StateDir's override) and constructing every
// adapter the configuration enables.
func New(cfg config.Config, log zerolog.Logger) (*Pipeline, error) {
	stateDir := cfg.StateDir
	if stateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, err
		}
		stateDir = dir
	}

	var adapters []sources.Adapter
	for _, a := range []sources.Adapter{
		sources.NewClaudeCode(),
		sources.NewCodex(),
		sources.NewGeminiCLI(),
		sources.NewOpenCode(),
		sources.NewCursor(),
	} {
		if cfg.SourceEnabled(a.Name()) {
			adapters = append(adapters, a)
		}
	}

	pricingOpts := []pricing.Option{
		pricing.WithCachePath(filepath.Join(stateDir, "pricing.json")),
		pricing.WithLogger(log),
	}
	if cfg.Pricing.URL != "" {
		pricingOpts = append(pricingOpts, pricing.WithURL(cfg.Pricing.URL))
	}
	if cfg.Pricing.TTLSeconds > 0 {
		pricingOpts = append(pricingOpts, pricing.WithTTL(time.Duration(cfg.Pricing.TTLSeconds)*time.Second))
	}

	return &Pipeline{
		registry: sources.NewRegistry(adapters...),
		cache:    cache.New(filepath.Join(stateDir, "cache"), log),
		pricing:  pricing.New(pricingOpts...),
		ingest:   ingest.NewWithWorkers(cfg.WorkerCount),
		log:      log,
	}, nil
}

// LoadCold rebuilds every adapter's full cache from every file it can
// discover; pricing is fetched fresh (subject to its own TTL).
func (p *Pipeline) LoadCold(ctx context.Context) (Result, error) {
	if err := p.pricing.Load(ctx); err != nil {
		p.log.Warn().Err(err).Msg("pipeline: pricing fetch failed, continuing with cached or empty table")
	}
	return p.load(ctx, true)
}

// LoadWarm loads each adapter's cached past days and decodes only files
// touched since yesterday's local midnight, merging the result. Pricing is
// read from its on-disk cache only — no network call on the warm path.
func (p *Pipeline) LoadWarm(ctx context.Context) (Result, error) {
	p.pricing.LoadCacheOnly()
	return p.load(ctx, false)
}

func (p *Pipeline) load(ctx context.Context, cold bool) (Result, error) {
	result := Result{PerSource: make(map[core.Source][]core.DailySummary)}

	for _, adapter := range p.registry.All() {
		name := adapter.Name()
		costOf := func(e core.UsageEntry) float64 {
			return p.pricing.CostOf(e, adapter.CacheReadDoubleCounted())
		}

		var entries []core.UsageEntry
		var fileErrs []ingest.FileError
		var err error
		if cold {
			entries, fileErrs, err = p.ingest.IngestCold(ctx, adapter)
		} else {
			since := core.YesterdayLocalMidnight(time.Now())
			entries, fileErrs, err = p.ingest.IngestRecent(ctx, adapter, since)
		}
		if err != nil {
			// Collecting/enumerating the file list itself failed, or the
			// caller's context was cancelled: the adapter has nothing to
			// contribute this run.
			result.Warnings = append(result.Warnings, Warning{
				Kind:    WarnDecodeFile,
				Source:  string(name),
				Message: err.Error(),
			})
			continue
		}
		for _, fe := range fileErrs {
			// A single unreadable file is per-file recoverable: the
			// surviving files' entries still flow into the cache below.
			result.Warnings = append(result.Warnings, Warning{
				Kind:    WarnFileIO,
				Source:  string(name),
				Message: fe.Error(),
			})
		}

		loaded, err := p.cache.LoadOrCompute(name, entries, costOf)
		if err != nil {
			if errors.Is(err, cache.ErrLockTimeout) {
				return Result{}, fmt.Errorf("%w: %v", ErrCacheLocked, err)
			}
			return Result{}, fmt.Errorf("%w: %v", ErrCacheWrite, err)
		}
		if loaded.VersionMismatch {
			result.Warnings = append(result.Warnings, Warning{
				Kind:    WarnCacheVersionMismatch,
				Source:  string(name),
				Message: "on-disk cache version mismatch, source needs a cold re-run",
			})
		}

		result.PerSource[name] = loaded.Summaries
	}

	return result, nil
}

// HasFreshCache reports whether every enabled adapter already has a
// current-version cache file, the signal the presentation layer uses to
// pick between LoadWarm and LoadCold.
func (p *Pipeline) HasFreshCache() bool {
	for _, adapter := range p.registry.All() {
		if !p.cache.HasFresh(adapter.Name()) {
			return false
		}
	}
	return true
}

// AggregateView bundles every Aggregator reduction for one set of
// per-source summaries and one roll-up period.
type AggregateView struct {
	Period    core.Period
	Total     aggregate.Total
	ByModel   []aggregate.ModelTotal
	Daily     []core.DailySummary
	BySource  map[core.Source]aggregate.Total
	Stats     aggregate.Stats
	Spikes    map[string]aggregate.SpikeResult // date -> classification, only populated for PeriodDay
}

// AggregateSummaries merges a per-source result into the cross-source
// views the presentation layer renders: totals, per-model breakdown, a
// merged day/week/month series, six-scalar stats, per-source totals, and
// (daily view only) a spike classification per day.
func AggregateSummaries(perSource map[core.Source][]core.DailySummary, period core.Period) (AggregateView, error) {
	merged := aggregate.MergeByDate(perSource)
	rolledUp, err := aggregate.RollUp(merged, period)
	if err != nil {
		return AggregateView{}, fmt.Errorf("pipeline: aggregating summaries: %w", err)
	}

	view := AggregateView{
		Period:   period,
		Total:    aggregate.TotalFromDaily(rolledUp),
		ByModel:  aggregate.ByModelFromDaily(rolledUp),
		Daily:    rolledUp,
		BySource: aggregate.BySource(perSource),
		Stats:    aggregate.ComputeStats(rolledUp),
	}

	if period == core.PeriodDay || period == "" {
		mean := aggregate.DailyMean(rolledUp)
		view.Spikes = make(map[string]aggregate.SpikeResult, len(rolledUp))
		for _, d := range rolledUp {
			view.Spikes[d.Date] = aggregate.Spike(d.TotalCost, mean, period)
		}
	}

	return view, nil
}
