package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"schedcache/internal/ledger"
	"schedcache/internal/models"
	"schedcache/internal/normalize"
	"schedcache/internal/provider"
)

const previewLimit = 200

// ChunkConfig controls window size and provider pressure.
type ChunkConfig struct {
	WindowSize  time.Duration
	PageSize    int
	CallTimeout time.Duration
	// Concurrency is the number of windows fetched at once. 1 fetches sequentially.
	Concurrency int
}

// ChunkReport accumulates the outcome of one FetchAndIngest call.
type ChunkReport struct {
	Windows       int
	FailedWindows int
	APICalls      int
	Counts        models.SyncCounts
	LastError     error
	Fatal         bool
}

// Outcome converts the report for ledger finalization.
func (r ChunkReport) Outcome() ledger.Outcome {
	return ledger.Outcome{
		Counts:        r.Counts,
		APICalls:      r.APICalls,
		Windows:       r.Windows,
		FailedWindows: r.FailedWindows,
		Fatal:         r.Fatal,
		Err:           r.LastError,
	}
}

// Chunker splits a range into provider-safe windows and drives
// fetch, normalize and upsert for each.
type Chunker struct {
	logger     *slog.Logger
	client     provider.Client
	normalizer *normalize.Normalizer
	upserter   *UpsertEngine
	cfg        ChunkConfig
}

func NewChunker(logger *slog.Logger, client provider.Client, normalizer *normalize.Normalizer, upserter *UpsertEngine, cfg ChunkConfig) *Chunker {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 30 * 24 * time.Hour
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 20 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Chunker{logger: logger, client: client, normalizer: normalizer, upserter: upserter, cfg: cfg}
}

// FetchAndIngest processes every window of r for scope. A failed window is
// counted and skipped; a fatal provider error or a cancelled ctx stops the
// remaining windows, which then count as failed.
func (c *Chunker) FetchAndIngest(ctx context.Context, r models.DateRange, scope models.Scope) ChunkReport {
	windows := r.Split(c.cfg.WindowSize)
	report := ChunkReport{Windows: len(windows)}
	if len(windows) == 0 {
		return report
	}

	var mu sync.Mutex
	started := 0
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)

	for _, window := range windows {
		if err := gctx.Err(); err != nil {
			mu.Lock()
			if !report.Fatal {
				report.LastError = context.Cause(gctx)
			}
			mu.Unlock()
			break
		}
		started++
		g.Go(func() error {
			// a fatal error may have landed while this window waited for a slot
			if gctx.Err() != nil {
				mu.Lock()
				report.FailedWindows++
				if !report.Fatal {
					report.LastError = context.Cause(gctx)
				}
				mu.Unlock()
				return nil
			}
			wr, err := c.ingestWindow(gctx, window, scope)
			mu.Lock()
			defer mu.Unlock()
			report.APICalls += wr.apiCalls
			report.Counts.Merge(wr.counts)
			if err == nil {
				return nil
			}
			report.FailedWindows++
			if !report.Fatal {
				report.LastError = err
			}
			if provider.IsFatal(err) {
				report.Fatal = true
				return err
			}
			return nil
		})
	}
	_ = g.Wait()

	// windows never started count as failed
	report.FailedWindows += len(windows) - started
	if report.LastError == nil && ctx.Err() != nil {
		report.LastError = ctx.Err()
	}
	return report
}

type windowReport struct {
	apiCalls int
	counts   models.SyncCounts
}

func (c *Chunker) ingestWindow(ctx context.Context, window models.DateRange, scope models.Scope) (windowReport, error) {
	var wr windowReport
	log := c.logger.With("scope", scope.String(), "window_start", window.Start, "window_end", window.End)

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	batch, err := c.client.QueryEvents(callCtx, scope, window, c.cfg.PageSize)
	cancel()
	wr.apiCalls = batch.Requests
	if err != nil {
		if wr.apiCalls == 0 {
			wr.apiCalls = 1
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil && !provider.IsFatal(err) {
			err = provider.Transient("query events", err)
		}
		if provider.IsFatal(err) {
			log.Error("Provider failed fatally, aborting sync", "error", err)
		} else {
			log.Warn("Window fetch failed, continuing with next window", "error", err)
		}
		return wr, err
	}

	log.Debug("Fetched window", "payloads", len(batch.Payloads), "requests", batch.Requests)
	for _, raw := range batch.Payloads {
		wr.counts.Fetched++
		res := c.normalizer.Normalize(raw)
		if res.Skipped() {
			log.Warn("Skipping malformed payload", "reason", res.SkipReason, "preview", preview(raw))
			wr.counts.Skipped++
			continue
		}
		if len(res.Fallbacks) > 0 {
			log.Debug("Used lossy time fallback", "id", res.Event.ProviderEventID, "fields", res.Fallbacks)
		}
		wr.counts.Add(c.upserter.Upsert(ctx, res.Event))
	}
	return wr, nil
}

func preview(raw []byte) string {
	if len(raw) <= previewLimit {
		return string(raw)
	}
	return string(raw[:previewLimit]) + "..."
}
