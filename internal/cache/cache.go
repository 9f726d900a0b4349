// Package cache persists each source adapter's daily summaries to disk so a
// warm run only has to recompute the days touched by newly decoded entries.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/usagepipe/usagepipe/internal/core"
)

const lockTimeout = 5 * time.Second

// ErrLockTimeout is returned (wrapped) by LoadOrCompute when another
// process holds the per-source lock past lockTimeout.
var ErrLockTimeout = errors.New("cache: lock held by another instance")

// SummaryCache owns the on-disk persistence for every source's daily
// summaries under a single state directory, one file and one lock per
// source: <dir>/<source>_daily.json and <dir>/<source>_daily.lock.
//
// The lock file is never the data file itself — two processes holding
// independent *os.File handles on the same data file would corrupt a
// concurrent rewrite even with O_TRUNC; a side-car lock file means the data
// file is only ever touched by the single writer holding the lock.
type SummaryCache struct {
	dir string
	log zerolog.Logger
}

func New(dir string, log zerolog.Logger) *SummaryCache {
	return &SummaryCache{dir: dir, log: log}
}

func (c *SummaryCache) dataPath(source core.Source) string {
	return filepath.Join(c.dir, string(source)+"_daily.json")
}

func (c *SummaryCache) lockPath(source core.Source) string {
	return filepath.Join(c.dir, string(source)+"_daily.lock")
}

// LoadResult is what Load/LoadOrCompute hand back to the ingest engine.
type LoadResult struct {
	Summaries []core.DailySummary
	// VersionMismatch is true when the on-disk file was written by an older
	// or newer cache format. Load leaves the on-disk file untouched and
	// returns an empty Summaries slice; callers must treat the source as if
	// it had never been cached, forcing a full recompute on the next cold
	// ingest. LoadOrCompute reports the same flag, its Summaries then
	// holding only the dates rebuilt from the new entries.
	VersionMismatch bool
}

// HasFresh reports whether a current-version cache file already exists for
// source. It reads and parses the file to check its version; an unreadable
// or unparseable file counts as not fresh.
func (c *SummaryCache) HasFresh(source core.Source) bool {
	data, err := os.ReadFile(c.dataPath(source))
	if err != nil {
		return false
	}
	var file core.SourceCacheFile
	if err := json.Unmarshal(data, &file); err != nil {
		return false
	}
	return file.Version == core.CurrentCacheVersion
}

// Load reads the on-disk summaries for source without modifying anything.
// Only summaries strictly before today's local calendar date are returned:
// today is still accumulating and load_or_compute always rebuilds it fresh
// from freshly decoded entries rather than trusting an earlier run's partial
// on-disk copy of it.
func (c *SummaryCache) Load(source core.Source) (LoadResult, error) {
	data, err := os.ReadFile(c.dataPath(source))
	if err != nil {
		if os.IsNotExist(err) {
			return LoadResult{}, nil
		}
		return LoadResult{}, fmt.Errorf("cache: reading %s: %w", c.dataPath(source), err)
	}

	var file core.SourceCacheFile
	if err := json.Unmarshal(data, &file); err != nil {
		return LoadResult{}, fmt.Errorf("cache: parsing %s: %w", c.dataPath(source), err)
	}

	if file.Version != core.CurrentCacheVersion {
		c.log.Warn().
			Str("source", string(source)).
			Int("on_disk_version", file.Version).
			Int("current_version", core.CurrentCacheVersion).
			Msg("cache: version mismatch, ignoring on-disk summaries")
		return LoadResult{VersionMismatch: true}, nil
	}

	today := core.TodayLocalDate(time.Now())
	past := make([]core.DailySummary, 0, len(file.Summaries))
	for _, s := range file.Summaries {
		if s.Date < today {
			past = append(past, s)
		}
	}

	return LoadResult{Summaries: past}, nil
}

// LoadOrCompute merges newly decoded entries into the persisted summaries
// for source: entries are bucketed by local calendar date, each touched
// date is rebuilt from scratch with BuildDailySummary, and the result
// overwrites that date's prior summary (if any) before the whole set is
// written back atomically. Past dates not touched by newEntries are carried
// forward unchanged; an on-disk summary for today is dropped by Load and
// only reappears if newEntries rebuild it.
func (c *SummaryCache) LoadOrCompute(source core.Source, newEntries []core.UsageEntry, costOf func(core.UsageEntry) float64) (LoadResult, error) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return LoadResult{}, fmt.Errorf("cache: creating cache dir: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	lock := flock.New(c.lockPath(source))
	locked, err := lock.TryLockContext(ctx, 50*time.Millisecond)
	if errors.Is(err, context.DeadlineExceeded) {
		// TryLockContext reports a lock still held at the deadline as the
		// context's error rather than as (false, nil).
		locked, err = false, nil
	}
	if err != nil {
		return LoadResult{}, fmt.Errorf("cache: locking %s: %w", c.lockPath(source), err)
	}
	if !locked {
		return LoadResult{}, fmt.Errorf("%w: source %q, waited %s", ErrLockTimeout, source, lockTimeout)
	}
	defer lock.Unlock()

	existing, err := c.Load(source)
	if err != nil {
		return LoadResult{}, err
	}

	byDate := make(map[string][]core.UsageEntry)
	for _, e := range newEntries {
		date := core.LocalDate(e)
		byDate[date] = append(byDate[date], e)
	}

	merged := make(map[string]core.DailySummary, len(existing.Summaries))
	for _, s := range existing.Summaries {
		merged[s.Date] = s
	}
	for date, entries := range byDate {
		summary := core.BuildDailySummary(date, entries, costOf)
		if err := summary.CheckInvariants(); err != nil {
			return LoadResult{}, fmt.Errorf("cache: built summary failed invariant check: %w", err)
		}
		merged[date] = summary
	}

	summaries := make([]core.DailySummary, 0, len(merged))
	for _, s := range merged {
		summaries = append(summaries, s)
	}
	core.SortSummaries(summaries)

	file := core.SourceCacheFile{
		Version:   core.CurrentCacheVersion,
		Source:    source,
		Summaries: summaries,
		UpdatedAt: latestSummaryInstant(summaries),
	}
	if err := c.writeAtomic(source, file); err != nil {
		return LoadResult{}, err
	}

	return LoadResult{Summaries: summaries, VersionMismatch: existing.VersionMismatch}, nil
}

// latestSummaryInstant derives UpdatedAt from the data itself — the UTC
// midnight instant of the most recent summary date, summaries being
// sorted ascending — rather than the wall clock. Two calls to
// LoadOrCompute over the same entries therefore produce a byte-identical
// cache file, which a wall-clock timestamp would never allow.
func latestSummaryInstant(summaries []core.DailySummary) time.Time {
	if len(summaries) == 0 {
		return time.Time{}
	}
	t, err := time.Parse("2006-01-02", summaries[len(summaries)-1].Date)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func (c *SummaryCache) writeAtomic(source core.Source, file core.SourceCacheFile) error {
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("cache: marshaling %s cache: %w", source, err)
	}
	data = append(data, '\n')

	path := c.dataPath(source)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("cache: opening temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("cache: writing temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("cache: syncing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("cache: closing temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("cache: renaming temp file into place: %w", err)
	}
	return nil
}
