package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/usagepipe/usagepipe/internal/aggregate"
	"github.com/usagepipe/usagepipe/internal/cache"
	"github.com/usagepipe/usagepipe/internal/core"
	"github.com/usagepipe/usagepipe/internal/ingest"
	"github.com/usagepipe/usagepipe/internal/pricing"
	"github.com/usagepipe/usagepipe/internal/sources"
)

type fakeAdapter struct {
	name    core.Source
	entries []core.UsageEntry
}

func (f *fakeAdapter) Name() core.Source       { return f.name }
func (f *fakeAdapter) DataDir() (string, error) { return "", nil }
func (f *fakeAdapter) FilePattern() string      { return "*" }
func (f *fakeAdapter) CollectFiles() ([]string, error) {
	return []string{"fixture"}, nil
}
func (f *fakeAdapter) EnumerateRecent(since time.Time) ([]string, error) {
	return []string{"fixture"}, nil
}
func (f *fakeAdapter) DecodeFile(path string) ([]core.UsageEntry, error) {
	return f.entries, nil
}
func (f *fakeAdapter) CacheReadDoubleCounted() bool { return false }

// multiFileAdapter lets a test induce a per-file decode failure among
// several files, to pin that one bad file doesn't drop the whole source.
type multiFileAdapter struct {
	name   core.Source
	files  map[string][]core.UsageEntry // path -> decoded entries
	failOn string
}

func (f *multiFileAdapter) Name() core.Source        { return f.name }
func (f *multiFileAdapter) DataDir() (string, error) { return "", nil }
func (f *multiFileAdapter) FilePattern() string      { return "*" }
func (f *multiFileAdapter) CollectFiles() ([]string, error) {
	paths := make([]string, 0, len(f.files))
	for p := range f.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}
func (f *multiFileAdapter) EnumerateRecent(since time.Time) ([]string, error) {
	return f.CollectFiles()
}
func (f *multiFileAdapter) DecodeFile(path string) ([]core.UsageEntry, error) {
	if path == f.failOn {
		return nil, fmt.Errorf("simulated unreadable file %s", path)
	}
	return f.files[path], nil
}
func (f *multiFileAdapter) CacheReadDoubleCounted() bool { return false }

func entryAt(ts string, input, output int64) core.UsageEntry {
	t, _ := time.Parse(time.RFC3339, ts)
	e := core.UsageEntry{
		Timestamp:    t,
		Model:        "claude-opus-4-5",
		InputTokens:  input,
		OutputTokens: output,
		Source:       core.SourceClaudeCode,
	}
	e.EntryKey = core.BuildEntryKey(e.Timestamp, e.Model, e.InputTokens, e.OutputTokens, 0, 0)
	return e
}

func testPipeline(t *testing.T, adapters ...sources.Adapter) (*Pipeline, string) {
	t.Helper()
	dir := t.TempDir()
	return &Pipeline{
		registry: sources.NewRegistry(adapters...),
		cache:    cache.New(filepath.Join(dir, "cache"), zerolog.Nop()),
		pricing:  pricing.New(pricing.WithCachePath(filepath.Join(dir, "pricing.json")), pricing.WithLogger(zerolog.Nop())),
		ingest:   ingest.NewWithWorkers(2),
		log:      zerolog.Nop(),
	}, dir
}

func TestLoadCold_PopulatesPerSourceAndWritesCache(t *testing.T) {
	adapter := &fakeAdapter{
		name:    core.SourceClaudeCode,
		entries: []core.UsageEntry{entryAt("2026-01-10T10:00:00Z", 100, 50)},
	}
	p, dir := testPipeline(t, adapter)

	result, err := p.LoadCold(context.Background())
	if err != nil {
		t.Fatalf("LoadCold: %v", err)
	}
	summaries, ok := result.PerSource[core.SourceClaudeCode]
	if !ok || len(summaries) != 1 {
		t.Fatalf("expected one summary for claude_code, got %+v", result.PerSource)
	}
	if _, err := os.Stat(filepath.Join(dir, "cache", "claude_code_daily.json")); err != nil {
		t.Fatalf("expected cache file to be written: %v", err)
	}
}

func TestLoadCold_SkipsUnreadableFileButKeepsSource(t *testing.T) {
	adapter := &multiFileAdapter{
		name: core.SourceClaudeCode,
		files: map[string][]core.UsageEntry{
			"good.jsonl":   {entryAt("2026-01-10T10:00:00Z", 100, 50)},
			"broken.jsonl": nil,
		},
		failOn: "broken.jsonl",
	}
	p, _ := testPipeline(t, adapter)

	result, err := p.LoadCold(context.Background())
	if err != nil {
		t.Fatalf("LoadCold: %v", err)
	}
	summaries, ok := result.PerSource[core.SourceClaudeCode]
	if !ok || len(summaries) != 1 {
		t.Fatalf("expected the surviving file's summary despite the sibling failure, got %+v", result.PerSource)
	}

	var sawFileIOWarning bool
	for _, w := range result.Warnings {
		if w.Kind == WarnFileIO && w.Source == string(core.SourceClaudeCode) {
			sawFileIOWarning = true
		}
	}
	if !sawFileIOWarning {
		t.Fatalf("expected a WarnFileIO warning for broken.jsonl, got %+v", result.Warnings)
	}
}

func TestLoadWarm_DoesNotContactNetwork(t *testing.T) {
	adapter := &fakeAdapter{name: core.SourceCodex}
	p, _ := testPipeline(t, adapter)

	// LoadWarm must succeed even though no pricing cache file exists on disk
	// yet (LoadCacheOnly never attempts a fetch).
	if _, err := p.LoadWarm(context.Background()); err != nil {
		t.Fatalf("LoadWarm: %v", err)
	}
}

func TestHasFreshCache(t *testing.T) {
	adapter := &fakeAdapter{
		name:    core.SourceOpenCode,
		entries: []core.UsageEntry{entryAt("2026-01-10T10:00:00Z", 10, 5)},
	}
	p, _ := testPipeline(t, adapter)

	if p.HasFreshCache() {
		t.Fatalf("expected no fresh cache before any load")
	}
	if _, err := p.LoadCold(context.Background()); err != nil {
		t.Fatalf("LoadCold: %v", err)
	}
	if !p.HasFreshCache() {
		t.Fatalf("expected a fresh cache after LoadCold")
	}
}

func TestAggregateSummaries_DailyIncludesSpikes(t *testing.T) {
	perSource := map[core.Source][]core.DailySummary{
		core.SourceClaudeCode: {
			{Date: "2026-01-01", TotalInput: 100, TotalCost: 0, Models: map[string]core.ModelTotals{}},
			{Date: "2026-01-02", TotalInput: 900, TotalCost: 9.0, Models: map[string]core.ModelTotals{}},
		},
	}
	view, err := AggregateSummaries(perSource, core.PeriodDay)
	if err != nil {
		t.Fatalf("AggregateSummaries: %v", err)
	}
	if len(view.Spikes) != 2 {
		t.Fatalf("expected a spike classification per day, got %+v", view.Spikes)
	}
	if view.Spikes["2026-01-02"].Level != aggregate.SpikeCritical {
		t.Fatalf("expected a critical spike for 2026-01-02's cost, got %v", view.Spikes["2026-01-02"])
	}
}

func TestAggregateSummaries_MonthlyHasNoSpikes(t *testing.T) {
	perSource := map[core.Source][]core.DailySummary{
		core.SourceClaudeCode: {
			{Date: "2026-01-01", TotalInput: 100, Models: map[string]core.ModelTotals{}},
		},
	}
	view, err := AggregateSummaries(perSource, core.PeriodMonth)
	if err != nil {
		t.Fatalf("AggregateSummaries: %v", err)
	}
	if view.Spikes != nil {
		t.Fatalf("expected no spike map for a monthly view, got %+v", view.Spikes)
	}
}

func TestLoadCold_LockHeldByAnotherInstanceMapsToErrCacheLocked(t *testing.T) {
	adapter := &fakeAdapter{name: core.SourceClaudeCode}
	p, dir := testPipeline(t, adapter)

	cacheDir := filepath.Join(dir, "cache")
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	lock := flock.New(filepath.Join(cacheDir, "claude_code_daily.lock"))
	locked, err := lock.TryLock()
	if err != nil || !locked {
		t.Fatalf("could not pre-acquire test lock: locked=%v err=%v", locked, err)
	}
	defer lock.Unlock()

	_, err = p.LoadCold(context.Background())
	if !errors.Is(err, ErrCacheLocked) {
		t.Fatalf("LoadCold error = %v, want wrapping ErrCacheLocked", err)
	}
}

func TestDefaultStateDir_HonorsXDGStateHome(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", "/tmp/xdg-state-test")
	dir, err := defaultStateDir()
	if err != nil {
		t.Fatalf("defaultStateDir: %v", err)
	}
	want := filepath.Join("/tmp/xdg-state-test", "usagepipe")
	if dir != want {
		t.Fatalf("defaultStateDir = %q, want %q", dir, want)
	}
}
