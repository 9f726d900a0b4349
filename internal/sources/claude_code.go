package sources

import (
	"bytes"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"

	"github.com/usagepipe/usagepipe/internal/core"
)

// ClaudeCode decodes Claude Code CLI's per-session conversation JSONL files
// under ~/.claude/projects/**/*.jsonl: one line per message, assistant
// messages carrying a usage block. input_tokens is already exclusive of
// cache_read_input_tokens per current vendor docs (CacheReadDoubleCounted
// is false).
type ClaudeCode struct {
	dir string // override for tests; empty means resolve from home
}

func NewClaudeCode() *ClaudeCode { return &ClaudeCode{} }

// NewClaudeCodeAt returns an adapter rooted at an explicit directory,
// bypassing home-dir resolution — used by tests.
func NewClaudeCodeAt(dir string) *ClaudeCode { return &ClaudeCode{dir: dir} }

func (a *ClaudeCode) Name() core.Source { return core.SourceClaudeCode }

func (a *ClaudeCode) DataDir() (string, error) {
	if a.dir != "" {
		return a.dir, nil
	}
	home, err := resolveHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".claude", "projects"), nil
}

func (a *ClaudeCode) FilePattern() string { return "**/*.jsonl" }

func (a *ClaudeCode) CollectFiles() ([]string, error) {
	dir, err := a.DataDir()
	if err != nil {
		return nil, err
	}
	return collectFilesWithExt(dir, ".jsonl")
}

func (a *ClaudeCode) EnumerateRecent(since time.Time) ([]string, error) {
	files, err := a.CollectFiles()
	if err != nil {
		return nil, err
	}
	return filterSince(files, since), nil
}

func (a *ClaudeCode) CacheReadDoubleCounted() bool { return false }

// jsonlEntry is one line of a Claude Code conversation file.
type jsonlEntry struct {
	Type      string    `json:"type"`
	Timestamp string    `json:"timestamp"`
	Message   *jsonlMsg `json:"message,omitempty"`
}

type jsonlMsg struct {
	Model string      `json:"model"`
	Usage *jsonlUsage `json:"usage,omitempty"`
}

type jsonlUsage struct {
	InputTokens              int64    `json:"input_tokens"`
	OutputTokens             int64    `json:"output_tokens"`
	CacheReadInputTokens     int64    `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64    `json:"cache_creation_input_tokens"`
	CostUSD                  *float64 `json:"costUSD,omitempty"`
}

func (a *ClaudeCode) DecodeFile(path string) ([]core.UsageEntry, error) {
	buf, err := readOwnedBuffer(path)
	if err != nil {
		return nil, err
	}

	var entries []core.UsageEntry
	for _, line := range splitLines(buf) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var raw jsonlEntry
		if err := sonic.Unmarshal(line, &raw); err != nil {
			continue
		}
		if raw.Type != "assistant" || raw.Message == nil || raw.Message.Usage == nil {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw.Timestamp)
		if err != nil {
			continue
		}

		model := core.NormalizeModel(raw.Message.Model)
		u := raw.Message.Usage
		entry := core.UsageEntry{
			Timestamp:           ts,
			Model:               model,
			InputTokens:         u.InputTokens,
			OutputTokens:        u.OutputTokens,
			CacheReadTokens:     u.CacheReadInputTokens,
			CacheCreationTokens: u.CacheCreationInputTokens,
			CostUSD:             u.CostUSD,
			Source:              core.SourceClaudeCode,
		}
		entry.EntryKey = core.BuildEntryKey(ts, model, entry.InputTokens, entry.OutputTokens, entry.CacheReadTokens, entry.CacheCreationTokens)
		if entry.Validate() != nil {
			continue
		}
		entries = append(entries, entry)
	}

	return core.DedupEntries(entries), nil
}
