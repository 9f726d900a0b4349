// Package config loads and saves the pipeline's own settings: nothing
// about presentation, only what the pipeline needs to decide where its
// state lives and which adapters to run.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/usagepipe/usagepipe/internal/core"
)

// SourceConfig is a single adapter's enable/disable switch and optional
// provider-link override (the vendor-side identifier this source's
// telemetry is filed under, when it differs from the canonical name).
type SourceConfig struct {
	Enabled      bool   `json:"enabled"`
	ProviderLink string `json:"provider_link,omitempty"`
}

func (s *SourceConfig) UnmarshalJSON(data []byte) error {
	type raw struct {
		Enabled      *bool  `json:"enabled"`
		ProviderLink string `json:"provider_link,omitempty"`
	}
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	s.Enabled = true
	if r.Enabled != nil {
		s.Enabled = *r.Enabled
	}
	s.ProviderLink = r.ProviderLink
	return nil
}

// PricingConfig overrides the defaults in internal/pricing.
type PricingConfig struct {
	URL        string `json:"url,omitempty"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

// Config is the pipeline's own settings document.
type Config struct {
	StateDir    string                        `json:"state_dir,omitempty"`
	WorkerCount int                           `json:"worker_count"`
	Pricing     PricingConfig                 `json:"pricing"`
	Sources     map[core.Source]SourceConfig `json:"sources"`
}

// TTL returns the configured pricing refresh interval as a time.Duration.
func (c Config) TTL() time.Duration {
	return time.Duration(c.Pricing.TTLSeconds) * time.Second
}

func DefaultConfig() Config {
	return Config{
		WorkerCount: runtime.GOMAXPROCS(0),
		Pricing: PricingConfig{
			TTLSeconds: 3600,
		},
		Sources: map[core.Source]SourceConfig{
			core.SourceClaudeCode: {Enabled: true},
			core.SourceCodex:      {Enabled: true},
			core.SourceGeminiCLI:  {Enabled: true},
			core.SourceOpenCode:   {Enabled: true},
			core.SourceCursor:     {Enabled: true},
		},
	}
}

// ConfigDir returns the directory holding this pipeline's own settings
// file — not the adapters' vendor session directories, which each adapter
// resolves independently.
func ConfigDir() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("APPDATA"), "usagepipe")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "usagepipe")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "settings.json")
}

func Load() (Config, error) {
	return LoadFrom(ConfigPath())
}

func LoadFrom(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("config: parsing %s: %w", path, err)
	}

	return normalize(cfg), nil
}

func normalize(cfg Config) Config {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = runtime.GOMAXPROCS(0)
	}
	if cfg.Pricing.TTLSeconds <= 0 {
		cfg.Pricing.TTLSeconds = 3600
	}
	if len(cfg.Sources) == 0 {
		cfg.Sources = DefaultConfig().Sources
	} else {
		cfg.Sources = normalizeSources(cfg.Sources)
	}
	return cfg
}

func normalizeSources(in map[core.Source]SourceConfig) map[core.Source]SourceConfig {
	keys := make([]core.Source, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	valid := lo.Filter(keys, func(s core.Source, _ int) bool { return strings.TrimSpace(string(s)) != "" })

	out := make(map[core.Source]SourceConfig, len(valid))
	for _, k := range valid {
		out[k] = in[k]
	}
	return out
}

// saveMu guards read-modify-write cycles against the settings file.
var saveMu sync.Mutex

func Save(cfg Config) error {
	return SaveTo(ConfigPath(), cfg)
}

// SaveTo writes cfg atomically: marshal, write to a temp file in the same
// directory, fsync, then rename over the destination — a reader never
// observes a partially written settings file.
func SaveTo(path string, cfg Config) error {
	saveMu.Lock()
	defer saveMu.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: creating dir %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshaling: %w", err)
	}
	data = append(data, '\n')

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("config: opening %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("config: writing %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("config: syncing %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("config: closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("config: renaming %s to %s: %w", tmp, path, err)
	}
	return nil
}

// SourceEnabled reports whether the named adapter should run, defaulting
// to enabled when the source has no explicit entry.
func (c Config) SourceEnabled(source core.Source) bool {
	sc, ok := c.Sources[source]
	if !ok {
		return true
	}
	return sc.Enabled
}
