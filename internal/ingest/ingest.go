// Package ingest turns a SourceAdapter's file list into a deduplicated
// slice of usage entries, decoding files in parallel bounded to the
// available cores.
package ingest

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/usagepipe/usagepipe/internal/core"
)

// Adapter is the subset of sources.Adapter the engine needs. Declared
// locally so this package does not import internal/sources, keeping the
// dependency direction leaf-ward.
type Adapter interface {
	CollectFiles() ([]string, error)
	DecodeFile(path string) ([]core.UsageEntry, error)
	EnumerateRecent(since time.Time) ([]string, error)
}

// Engine decodes a set of files concurrently, one goroutine per file, with
// concurrency bounded to GOMAXPROCS so decode throughput scales with the
// host without oversubscribing it.
type Engine struct {
	maxWorkers int
}

func New() *Engine {
	return &Engine{maxWorkers: runtime.GOMAXPROCS(0)}
}

// NewWithWorkers pins the worker bound explicitly; used by pipeline.New for
// the configured worker count and by tests that want deterministic
// scheduling.
func NewWithWorkers(n int) *Engine {
	if n < 1 {
		n = 1
	}
	return &Engine{maxWorkers: n}
}

// FileError records one file that could not be decoded. Per the FileIo
// and DecodeFile error kinds, a single bad file is recoverable at the
// file granularity: it is skipped, not treated as a failure of the whole
// ingest.
type FileError struct {
	Path string
	Err  error
}

func (fe FileError) Error() string {
	return fmt.Sprintf("%s: %v", fe.Path, fe.Err)
}

func (fe FileError) Unwrap() error { return fe.Err }

// IngestCold decodes every file the adapter reports, in parallel, and
// returns the deduplicated union of their entries plus any per-file
// decode failures. A non-nil error return means the ingest as a whole
// could not proceed (the file list itself could not be obtained, or the
// caller's context was cancelled) — it is not raised for a bad file.
func (eng *Engine) IngestCold(ctx context.Context, adapter Adapter) ([]core.UsageEntry, []FileError, error) {
	files, err := adapter.CollectFiles()
	if err != nil {
		return nil, nil, fmt.Errorf("ingest: collecting files: %w", err)
	}
	return eng.decodeAll(ctx, adapter, files)
}

// IngestRecent decodes only the files the adapter reports as touched at or
// after since, the local-midnight instant of yesterday computed by the
// caller via core.YesterdayLocalMidnight.
func (eng *Engine) IngestRecent(ctx context.Context, adapter Adapter, since time.Time) ([]core.UsageEntry, []FileError, error) {
	files, err := adapter.EnumerateRecent(since)
	if err != nil {
		return nil, nil, fmt.Errorf("ingest: enumerating recent files: %w", err)
	}
	return eng.decodeAll(ctx, adapter, files)
}

// decodeAll decodes files concurrently. A file that fails to decode is
// recorded as a FileError and otherwise ignored — it never cancels its
// sibling goroutines and never turns into the function's error return.
// The error return is reserved for context cancellation, the one
// whole-ingest-aborting condition this loop can hit.
func (eng *Engine) decodeAll(ctx context.Context, adapter Adapter, files []string) ([]core.UsageEntry, []FileError, error) {
	if len(files) == 0 {
		return nil, nil, nil
	}

	results := make([][]core.UsageEntry, len(files))

	var mu sync.Mutex
	var fileErrs []FileError

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(eng.maxWorkers)

	for i, path := range files {
		i, path := i, path
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			entries, err := adapter.DecodeFile(path)
			if err != nil {
				mu.Lock()
				fileErrs = append(fileErrs, FileError{Path: path, Err: err})
				mu.Unlock()
				return nil
			}
			results[i] = entries
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var total int
	for _, r := range results {
		total += len(r)
	}
	all := make([]core.UsageEntry, 0, total)
	for _, r := range results {
		all = append(all, r...)
	}

	return core.DedupEntries(all), fileErrs, nil
}
