package dataset

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/duckmesh/sqlagent/internal/observability"
)

type importer interface {
	Import(ctx context.Context, src Source) (Status, error)
}

// Loader imports each distinct Source at most once per process. Failed
// imports are remembered as well; a restart is required to retry.
type Loader struct {
	importer importer
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[Source]*entry
}

type entry struct {
	once   sync.Once
	status Status
	done   bool
}

func NewLoader(imp importer, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{importer: imp, logger: logger, entries: map[Source]*entry{}}
}

func (l *Loader) Load(ctx context.Context, src Source) Status {
	l.mu.Lock()
	e, ok := l.entries[src]
	if !ok {
		e = &entry{}
		l.entries[src] = e
	}
	l.mu.Unlock()

	e.once.Do(func() {
		start := time.Now()
		// The result is shared by every later caller, so a cancelled first
		// request must not poison it.
		status, err := l.importer.Import(context.WithoutCancel(ctx), src)
		elapsed := time.Since(start)
		if status.Duration == 0 {
			status.Duration = elapsed
		}
		observability.ObserveDatasetLoad(err == nil && status.OK, status.Records, elapsed)
		if err != nil {
			status.OK = false
			l.logger.ErrorContext(ctx, "dataset import failed",
				slog.String("path", src.Path),
				slog.String("table", src.Table),
				slog.String("error", err.Error()),
			)
		} else {
			l.logger.InfoContext(ctx, "dataset imported",
				slog.String("path", src.Path),
				slog.String("table", src.Table),
				slog.Int64("records", status.Records),
				slog.Int64("duration_ms", elapsed.Milliseconds()),
			)
		}
		l.mu.Lock()
		e.status = status
		e.done = true
		l.mu.Unlock()
	})
	l.mu.Lock()
	defer l.mu.Unlock()
	return e.status
}

// Status reports the memoized result for src without triggering an import.
// The second return value is false until an import has finished.
func (l *Loader) Status(src Source) (Status, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[src]
	if !ok || !e.done {
		return Status{}, false
	}
	return e.status, true
}
