// Package pricing resolves the USD cost of a decoded usage entry against a
// model pricing table, fetched from an upstream service and cached on disk.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/usagepipe/usagepipe/internal/core"
)

// DefaultURL is the upstream LiteLLM-maintained pricing table. It is a JSON
// object keyed by model id; entries use LiteLLM's per-token cost fields.
const DefaultURL = "https://raw.githubusercontent.com/BerriAI/litellm/main/model_prices_and_context_window.json"

// DefaultTTL is how long a fetched table is trusted before a refetch.
const DefaultTTL = 1 * time.Hour

// DefaultTimeout bounds a single fetch attempt.
const DefaultTimeout = 10 * time.Second

// Entry is one model's resolved per-million-token rates.
type Entry struct {
	InputPerMillion       float64 `json:"input_per_mtok"`
	OutputPerMillion      float64 `json:"output_per_mtok"`
	CacheReadPerMillion   float64 `json:"cache_read_per_mtok"`
	CacheCreatePerMillion float64 `json:"cache_creation_per_mtok"`
}

// Table maps a canonical model id to its Entry.
type Table struct {
	FetchedAt time.Time        `json:"fetched_at"`
	Models    map[string]Entry `json:"models"`
}

// litellmEntry is the shape of one value in the upstream JSON object. Fields
// absent from a given model's entry default to zero, per the upstream schema.
type litellmEntry struct {
	InputCostPerToken           *float64 `json:"input_cost_per_token"`
	OutputCostPerToken          *float64 `json:"output_cost_per_token"`
	CacheReadInputTokenCost     *float64 `json:"cache_read_input_token_cost"`
	CacheCreationInputTokenCost *float64 `json:"cache_creation_input_token_cost"`
}

// freeTierPrefixes names model ids whose vendor bills a flat subscription
// rather than metering tokens; Resolver forces their cost to zero regardless
// of what the pricing table says.
var freeTierPrefixes = []string{
	"github-copilot",
}

// Resolver loads a Table (fetch-or-cache) and answers CostOf for entries an
// adapter decoded without an explicit price.
type Resolver struct {
	mu         sync.RWMutex
	table      Table
	cachePath  string
	url        string
	ttl        time.Duration
	httpClient *http.Client
	log        zerolog.Logger
}

// Option configures a Resolver constructed by New.
type Option func(*Resolver)

func WithURL(url string) Option { return func(r *Resolver) { r.url = url } }
func WithTTL(ttl time.Duration) Option {
	return func(r *Resolver) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}
func WithCachePath(path string) Option { return func(r *Resolver) { r.cachePath = path } }
func WithLogger(log zerolog.Logger) Option {
	return func(r *Resolver) { r.log = log }
}

func New(opts ...Option) *Resolver {
	r := &Resolver{
		url:        DefaultURL,
		ttl:        DefaultTTL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load populates the resolver's table: from the on-disk cache if it is still
// fresh, otherwise by fetching upstream and persisting the result. A fetch
// failure falls back to a stale on-disk cache if one exists, and finally to
// an empty table — CostOf then returns 0 for every entry without an
// explicit cost rather than failing the whole ingest.
func (r *Resolver) Load(ctx context.Context) error {
	if cached, ok := r.loadCache(); ok && time.Since(cached.FetchedAt) < r.ttl {
		r.mu.Lock()
		r.table = cached
		r.mu.Unlock()
		r.log.Debug().Int("models", len(cached.Models)).Msg("pricing: using fresh on-disk cache")
		return nil
	}

	fetched, err := r.fetch(ctx)
	if err != nil {
		if cached, ok := r.loadCache(); ok {
			r.mu.Lock()
			r.table = cached
			r.mu.Unlock()
			r.log.Warn().Err(err).Msg("pricing: fetch failed, using stale cache")
			return nil
		}
		r.mu.Lock()
		r.table = Table{Models: map[string]Entry{}}
		r.mu.Unlock()
		r.log.Warn().Err(err).Msg("pricing: fetch failed, no cache available, pricing disabled")
		return nil
	}

	r.mu.Lock()
	r.table = fetched
	r.mu.Unlock()
	if err := r.saveCache(fetched); err != nil {
		r.log.Warn().Err(err).Msg("pricing: failed to persist fetched table")
	}
	return nil
}

// LoadCacheOnly populates the resolver from the on-disk cache without
// performing any network I/O, used by the warm-start path where ingest must
// not block on an upstream fetch. A missing or unreadable cache yields an
// empty table.
func (r *Resolver) LoadCacheOnly() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.loadCache(); ok {
		r.table = cached
		return
	}
	r.table = Table{Models: map[string]Entry{}}
}

func (r *Resolver) fetch(ctx context.Context) (Table, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return Table{}, fmt.Errorf("pricing: build request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Table{}, fmt.Errorf("pricing: fetch %s: %w", r.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Table{}, fmt.Errorf("pricing: fetch %s: status %d", r.url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Table{}, fmt.Errorf("pricing: read response: %w", err)
	}

	var raw map[string]litellmEntry
	if err := json.Unmarshal(body, &raw); err != nil {
		return Table{}, fmt.Errorf("pricing: decode response: %w", err)
	}

	models := make(map[string]Entry, len(raw))
	for id, e := range raw {
		models[core.NormalizeModel(id)] = Entry{
			InputPerMillion:       perToken(e.InputCostPerToken) * 1e6,
			OutputPerMillion:      perToken(e.OutputCostPerToken) * 1e6,
			CacheReadPerMillion:   perToken(e.CacheReadInputTokenCost) * 1e6,
			CacheCreatePerMillion: perToken(e.CacheCreationInputTokenCost) * 1e6,
		}
	}
	return Table{FetchedAt: time.Now(), Models: models}, nil
}

func perToken(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

func (r *Resolver) loadCache() (Table, bool) {
	if r.cachePath == "" {
		return Table{}, false
	}
	data, err := os.ReadFile(r.cachePath)
	if err != nil {
		return Table{}, false
	}
	var t Table
	if err := json.Unmarshal(data, &t); err != nil {
		return Table{}, false
	}
	return t, true
}

func (r *Resolver) saveCache(t Table) error {
	if r.cachePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(r.cachePath), 0o755); err != nil {
		return fmt.Errorf("pricing: creating cache dir: %w", err)
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("pricing: marshaling table: %w", err)
	}
	tmp := r.cachePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("pricing: writing temp file: %w", err)
	}
	if err := os.Rename(tmp, r.cachePath); err != nil {
		return fmt.Errorf("pricing: renaming temp file: %w", err)
	}
	return nil
}

// lookup finds the best Entry match for a canonical model id: exact match
// first, then longest-prefix match against table keys, mirroring the vendor
// table fallback every source adapter used before a shared resolver existed.
func (r *Resolver) lookup(model string) (Entry, bool) {
	if e, ok := r.table.Models[model]; ok {
		return e, true
	}
	var best Entry
	bestLen := -1
	for key, e := range r.table.Models {
		if strings.HasPrefix(model, key) && len(key) > bestLen {
			best, bestLen = e, len(key)
		}
	}
	return best, bestLen >= 0
}

// CostOf returns the USD cost of an entry. A model on the free-tier
// whitelist always costs 0, regardless of an upstream-reported CostUSD —
// the whitelist overrides even an adapter's own cost accounting. Otherwise
// an explicit CostUSD (an adapter that decoded a vendor-reported cost, or a
// forced zero) is trusted as-is, including an explicit zero — the resolver
// never overrides a source's own cost accounting. Otherwise cost is
// computed from the pricing table at the entry's canonical model, or 0 if
// no rate is known.
//
// CacheReadTokens is never subtracted from InputTokens before costing unless
// the adapter sets cacheReadDoubleCounted: most vendor logs already report
// input_tokens exclusive of cache reads, and subtracting again would
// undercount. Adapters whose upstream log is known to double-count set the
// flag explicitly.
func (r *Resolver) CostOf(e core.UsageEntry, cacheReadDoubleCounted bool) float64 {
	for _, prefix := range freeTierPrefixes {
		if strings.HasPrefix(e.Model, prefix) {
			return 0
		}
	}
	if e.CostUSD != nil {
		return *e.CostUSD
	}

	r.mu.RLock()
	entry, ok := r.lookup(e.Model)
	r.mu.RUnlock()
	if !ok {
		return 0
	}

	input := e.InputTokens
	if cacheReadDoubleCounted {
		input -= e.CacheReadTokens
		if input < 0 {
			input = 0
		}
	}

	cost := float64(input) / 1e6 * entry.InputPerMillion
	cost += float64(e.OutputTokens) / 1e6 * entry.OutputPerMillion
	cost += float64(e.CacheReadTokens) / 1e6 * entry.CacheReadPerMillion
	cost += float64(e.CacheCreationTokens) / 1e6 * entry.CacheCreatePerMillion
	return cost
}
