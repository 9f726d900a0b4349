package sources

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/usagepipe/usagepipe/internal/core"
)

// Cursor decodes Cursor IDE's local per-request AI usage tracking database,
// ~/.cursor/ai-tracking/ai-code-tracking.db, opened read-only so ingest
// never contends with the IDE's own writer. One row of ai_requests is one
// decoded entry.
type Cursor struct {
	dir string
}

func NewCursor() *Cursor { return &Cursor{} }

func NewCursorAt(dir string) *Cursor { return &Cursor{dir: dir} }

func (a *Cursor) Name() core.Source { return core.SourceCursor }

func (a *Cursor) DataDir() (string, error) {
	if a.dir != "" {
		return a.dir, nil
	}
	home, err := resolveHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cursor", "ai-tracking"), nil
}

func (a *Cursor) FilePattern() string { return "*.db" }

func (a *Cursor) CollectFiles() ([]string, error) {
	dir, err := a.DataDir()
	if err != nil {
		return nil, err
	}
	return collectFilesWithExt(dir, ".db")
}

func (a *Cursor) EnumerateRecent(since time.Time) ([]string, error) {
	files, err := a.CollectFiles()
	if err != nil {
		return nil, err
	}
	return filterSince(files, since), nil
}

func (a *Cursor) CacheReadDoubleCounted() bool { return false }

// DecodeFile opens the SQLite database read-only (mode=ro) and reads every
// row of ai_requests — a whole-file open/query error is propagated, but an
// individual row with an unparseable timestamp is skipped.
func (a *Cursor) DecodeFile(path string) ([]core.UsageEntry, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("sources: stat %s: %w", path, err)
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("sources: opening %s: %w", path, err)
	}
	defer db.Close()

	rows, err := db.Query(`
		SELECT created_at, model, input_tokens, output_tokens,
		       cache_read_tokens, cache_creation_tokens, cost_usd
		FROM ai_requests
	`)
	if err != nil {
		return nil, fmt.Errorf("sources: querying %s: %w", path, err)
	}
	defer rows.Close()

	var entries []core.UsageEntry
	for rows.Next() {
		var createdAtMillis int64
		var rawModel string
		var input, output, cacheRead, cacheCreation int64
		var cost sql.NullFloat64

		if err := rows.Scan(&createdAtMillis, &rawModel, &input, &output, &cacheRead, &cacheCreation, &cost); err != nil {
			continue
		}
		if createdAtMillis <= 0 {
			continue
		}

		ts := time.UnixMilli(createdAtMillis).UTC()
		model := core.NormalizeModel(rawModel)
		entry := core.UsageEntry{
			Timestamp:           ts,
			Model:               model,
			InputTokens:         input,
			OutputTokens:        output,
			CacheReadTokens:     cacheRead,
			CacheCreationTokens: cacheCreation,
			Source:              core.SourceCursor,
		}
		if cost.Valid {
			v := cost.Float64
			entry.CostUSD = &v
		}
		entry.EntryKey = core.BuildEntryKey(ts, model, entry.InputTokens, entry.OutputTokens, entry.CacheReadTokens, entry.CacheCreationTokens)
		if entry.Validate() != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sources: reading rows from %s: %w", path, err)
	}

	return core.DedupEntries(entries), nil
}
