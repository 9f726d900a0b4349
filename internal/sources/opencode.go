package sources

import (
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"

	"github.com/usagepipe/usagepipe/internal/core"
)

// OpenCode decodes one JSON file per assistant message under a per-session
// storage tree, ~/.local/share/opencode/storage/message/**/*.json. Each
// file carries its own logical timestamps (time.completed, time.created) —
// bucketing uses time.completed, falling back to time.created when it is
// absent, never the file's mtime, since a backfilled or synced storage tree
// can carry an mtime far newer than the message itself.
type OpenCode struct {
	dir string
}

func NewOpenCode() *OpenCode { return &OpenCode{} }

func NewOpenCodeAt(dir string) *OpenCode { return &OpenCode{dir: dir} }

func (a *OpenCode) Name() core.Source { return core.SourceOpenCode }

func (a *OpenCode) DataDir() (string, error) {
	if a.dir != "" {
		return a.dir, nil
	}
	home, err := resolveHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", "opencode", "storage", "message"), nil
}

func (a *OpenCode) FilePattern() string { return "**/*.json" }

func (a *OpenCode) CollectFiles() ([]string, error) {
	dir, err := a.DataDir()
	if err != nil {
		return nil, err
	}
	return collectFilesWithExt(dir, ".json")
}

func (a *OpenCode) EnumerateRecent(since time.Time) ([]string, error) {
	files, err := a.CollectFiles()
	if err != nil {
		return nil, err
	}
	return filterSince(files, since), nil
}

func (a *OpenCode) CacheReadDoubleCounted() bool { return false }

type opencodeMessage struct {
	Role    string   `json:"role"`
	ModelID string   `json:"modelID"`
	Cost    *float64 `json:"cost,omitempty"`
	Tokens  struct {
		Input  int64 `json:"input"`
		Output int64 `json:"output"`
		Cache  struct {
			Read  int64 `json:"read"`
			Write int64 `json:"write"`
		} `json:"cache"`
	} `json:"tokens"`
	Time struct {
		Created   int64 `json:"created"` // Unix millis
		Completed int64 `json:"completed"`
	} `json:"time"`
}

func (a *OpenCode) DecodeFile(path string) ([]core.UsageEntry, error) {
	buf, err := readOwnedBuffer(path)
	if err != nil {
		return nil, err
	}

	var msg opencodeMessage
	if err := sonic.Unmarshal(buf, &msg); err != nil {
		return nil, nil
	}
	if msg.Role != "assistant" {
		return nil, nil
	}

	occurred := msg.Time.Created
	if msg.Time.Completed > 0 {
		occurred = msg.Time.Completed
	}
	if occurred <= 0 {
		// No usable logical timestamp — skip rather than substitute "now".
		return nil, nil
	}
	ts := time.UnixMilli(occurred).UTC()

	model := core.NormalizeModel(msg.ModelID)
	entry := core.UsageEntry{
		Timestamp:           ts,
		Model:               model,
		InputTokens:         msg.Tokens.Input,
		OutputTokens:        msg.Tokens.Output,
		CacheReadTokens:     msg.Tokens.Cache.Read,
		CacheCreationTokens: msg.Tokens.Cache.Write,
		CostUSD:             msg.Cost,
		Source:              core.SourceOpenCode,
	}
	entry.EntryKey = core.BuildEntryKey(ts, model, entry.InputTokens, entry.OutputTokens, entry.CacheReadTokens, entry.CacheCreationTokens)
	if entry.Validate() != nil {
		return nil, nil
	}
	return []core.UsageEntry{entry}, nil
}
