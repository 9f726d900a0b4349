package sources

import (
	"bytes"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"

	"github.com/usagepipe/usagepipe/internal/core"
)

// GeminiCLI decodes an append-only JSONL event log under
// ~/.gemini/telemetry/**/*.jsonl. Each line reports the session's
// *cumulative* token usage as of that event, not a per-event delta — the
// pipeline must therefore emit exactly one synthesized entry per session,
// taken from the last record in file order, rather than summing every
// line (which would massively overcount).
type GeminiCLI struct {
	dir string
}

func NewGeminiCLI() *GeminiCLI { return &GeminiCLI{} }

func NewGeminiCLIAt(dir string) *GeminiCLI { return &GeminiCLI{dir: dir} }

func (a *GeminiCLI) Name() core.Source { return core.SourceGeminiCLI }

func (a *GeminiCLI) DataDir() (string, error) {
	if a.dir != "" {
		return a.dir, nil
	}
	home, err := resolveHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".gemini", "telemetry"), nil
}

func (a *GeminiCLI) FilePattern() string { return "**/*.jsonl" }

func (a *GeminiCLI) CollectFiles() ([]string, error) {
	dir, err := a.DataDir()
	if err != nil {
		return nil, err
	}
	return collectFilesWithExt(dir, ".jsonl")
}

func (a *GeminiCLI) EnumerateRecent(since time.Time) ([]string, error) {
	files, err := a.CollectFiles()
	if err != nil {
		return nil, err
	}
	return filterSince(files, since), nil
}

func (a *GeminiCLI) CacheReadDoubleCounted() bool { return false }

type geminiEvent struct {
	SessionID       string          `json:"session_id"`
	Timestamp       string          `json:"timestamp"`
	Model           string          `json:"model"`
	CumulativeUsage cumulativeUsage `json:"cumulative_usage"`
}

type cumulativeUsage struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheReadTokens     int64 `json:"cache_read_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_tokens"`
}

// DecodeFile keeps the last event seen per session_id (file order equals
// decode order, which is the ordering guarantee this vendor's last-wins
// semantics depend on) and emits one entry per session from that record.
func (a *GeminiCLI) DecodeFile(path string) ([]core.UsageEntry, error) {
	buf, err := readOwnedBuffer(path)
	if err != nil {
		return nil, err
	}

	lastBySession := make(map[string]geminiEvent)
	order := make([]string, 0)
	for _, line := range splitLines(buf) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev geminiEvent
		if err := sonic.Unmarshal(line, &ev); err != nil {
			continue
		}
		if ev.SessionID == "" {
			continue
		}
		if _, seen := lastBySession[ev.SessionID]; !seen {
			order = append(order, ev.SessionID)
		}
		lastBySession[ev.SessionID] = ev
	}

	var entries []core.UsageEntry
	for _, sessionID := range order {
		ev := lastBySession[sessionID]
		ts, err := time.Parse(time.RFC3339, ev.Timestamp)
		if err != nil {
			continue
		}
		model := core.NormalizeModel(ev.Model)
		u := ev.CumulativeUsage
		entry := core.UsageEntry{
			Timestamp:           ts,
			Model:               model,
			InputTokens:         u.InputTokens,
			OutputTokens:        u.OutputTokens,
			CacheReadTokens:     u.CacheReadTokens,
			CacheCreationTokens: u.CacheCreationTokens,
			Source:              core.SourceGeminiCLI,
		}
		entry.EntryKey = core.BuildEntryKey(ts, model, entry.InputTokens, entry.OutputTokens, entry.CacheReadTokens, entry.CacheCreationTokens)
		if entry.Validate() != nil {
			continue
		}
		entries = append(entries, entry)
	}

	return entries, nil
}
