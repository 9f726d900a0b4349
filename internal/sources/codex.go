package sources

import (
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"

	"github.com/usagepipe/usagepipe/internal/core"
)

// Codex decodes one JSON file per session under
// ~/.codex/sessions/**/*.json: a single document holding an ordered array
// of turn objects, each carrying its own usage block and the model id that
// produced it (a session can switch models mid-conversation).
type Codex struct {
	dir string
}

func NewCodex() *Codex { return &Codex{} }

func NewCodexAt(dir string) *Codex { return &Codex{dir: dir} }

func (a *Codex) Name() core.Source { return core.SourceCodex }

func (a *Codex) DataDir() (string, error) {
	if a.dir != "" {
		return a.dir, nil
	}
	home, err := resolveHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".codex", "sessions"), nil
}

func (a *Codex) FilePattern() string { return "**/*.json" }

func (a *Codex) CollectFiles() ([]string, error) {
	dir, err := a.DataDir()
	if err != nil {
		return nil, err
	}
	return collectFilesWithExt(dir, ".json")
}

func (a *Codex) EnumerateRecent(since time.Time) ([]string, error) {
	files, err := a.CollectFiles()
	if err != nil {
		return nil, err
	}
	return filterSince(files, since), nil
}

func (a *Codex) CacheReadDoubleCounted() bool { return false }

type codexSession struct {
	SessionID string      `json:"session_id"`
	Turns     []codexTurn `json:"turns"`
}

type codexTurn struct {
	Timestamp string     `json:"timestamp"`
	Model     string     `json:"model"`
	Usage     codexUsage `json:"usage"`
}

type codexUsage struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheReadTokens     int64 `json:"cache_read_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_tokens"`
}

func (a *Codex) DecodeFile(path string) ([]core.UsageEntry, error) {
	buf, err := readOwnedBuffer(path)
	if err != nil {
		return nil, err
	}

	var session codexSession
	if err := sonic.Unmarshal(buf, &session); err != nil {
		// A whole-file parse failure here means the file isn't a session
		// document at all (truncated write, unrelated file matching the
		// glob) — skip it rather than failing the whole ingest, consistent
		// with the "silently skip malformed records" contract; this is the
		// file-granularity equivalent since codex has no line structure to
		// recover a partial record from.
		return nil, nil
	}

	var entries []core.UsageEntry
	for _, turn := range session.Turns {
		ts, err := time.Parse(time.RFC3339, turn.Timestamp)
		if err != nil {
			continue
		}
		model := core.NormalizeModel(turn.Model)
		entry := core.UsageEntry{
			Timestamp:           ts,
			Model:               model,
			InputTokens:         turn.Usage.InputTokens,
			OutputTokens:        turn.Usage.OutputTokens,
			CacheReadTokens:     turn.Usage.CacheReadTokens,
			CacheCreationTokens: turn.Usage.CacheCreationTokens,
			Source:              core.SourceCodex,
		}
		entry.EntryKey = core.BuildEntryKey(ts, model, entry.InputTokens, entry.OutputTokens, entry.CacheReadTokens, entry.CacheCreationTokens)
		if entry.Validate() != nil {
			continue
		}
		entries = append(entries, entry)
	}

	return core.DedupEntries(entries), nil
}
