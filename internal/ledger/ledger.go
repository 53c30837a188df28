// Package ledger records each sync invocation as a SyncAttempt: created
// running, finalized exactly once to completed or failed.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"schedcache/internal/models"
	"schedcache/internal/store"
)

var ErrAlreadyFinalized = errors.New("sync attempt already finalized")

// Outcome is what a sync run reports back for finalization.
type Outcome struct {
	Counts        models.SyncCounts
	APICalls      int
	Windows       int
	FailedWindows int
	// Fatal marks a run aborted by a whole-invocation error.
	Fatal bool
	Err   error
}

// Failed reports whether the outcome finalizes the attempt as failed:
// a fatal abort, or every window failed.
func (o Outcome) Failed() bool {
	return o.Fatal || (o.Windows > 0 && o.FailedWindows == o.Windows)
}

type Ledger struct {
	store  store.LedgerStore
	logger *slog.Logger
	now    func() time.Time
}

// New returns a Ledger. A nil now uses time.Now.
func New(st store.LedgerStore, logger *slog.Logger, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: st, logger: logger, now: now}
}

// Begin persists a running attempt for scope and r.
func (l *Ledger) Begin(ctx context.Context, scope models.Scope, r models.DateRange) (*models.SyncAttempt, error) {
	a := &models.SyncAttempt{
		ID:        uuid.NewString(),
		Scope:     scope,
		Range:     r,
		Status:    models.SyncRunning,
		StartedAt: l.now().UTC(),
	}
	if err := l.store.CreateAttempt(ctx, a); err != nil {
		return nil, fmt.Errorf("begin sync attempt: %w", err)
	}
	l.logger.Debug("Sync attempt started", "id", a.ID, "scope", scope.String(), "range", r.String())
	return a, nil
}

// Complete finalizes a with the outcome of its run.
func (l *Ledger) Complete(ctx context.Context, a *models.SyncAttempt, out Outcome) error {
	if a.Finalized() {
		return ErrAlreadyFinalized
	}
	final := *a
	final.Counts = out.Counts
	final.APICallCount = out.APICalls
	final.Status = models.SyncCompleted
	switch {
	case out.Failed():
		final.Status = models.SyncFailed
		final.ErrorMessage = failureMessage(out)
	case out.FailedWindows > 0:
		final.ErrorMessage = fmt.Sprintf("%d of %d windows failed", out.FailedWindows, out.Windows)
		if out.Err != nil {
			final.ErrorMessage += ": " + out.Err.Error()
		}
	}
	return l.finalize(ctx, a, &final)
}

// Fail finalizes a as failed, keeping whatever counts it already carries.
func (l *Ledger) Fail(ctx context.Context, a *models.SyncAttempt, cause error) error {
	if a.Finalized() {
		return ErrAlreadyFinalized
	}
	final := *a
	final.Status = models.SyncFailed
	if cause != nil {
		final.ErrorMessage = cause.Error()
	} else {
		final.ErrorMessage = "sync aborted"
	}
	return l.finalize(ctx, a, &final)
}

func (l *Ledger) finalize(ctx context.Context, a, final *models.SyncAttempt) error {
	done := l.now().UTC()
	final.CompletedAt = &done
	final.Duration = done.Sub(final.StartedAt)
	if err := l.store.FinalizeAttempt(ctx, final); err != nil {
		if errors.Is(err, store.ErrNotRunning) {
			return ErrAlreadyFinalized
		}
		return fmt.Errorf("finalize sync attempt %s: %w", a.ID, err)
	}
	*a = *final

	attrs := []any{
		"id", a.ID,
		"scope", a.Scope.String(),
		"status", a.Status,
		"fetched", a.Counts.Fetched,
		"created", a.Counts.Created,
		"updated", a.Counts.Updated,
		"skipped", a.Counts.Skipped,
		"api_calls", a.APICallCount,
		"duration", a.Duration,
	}
	if a.Status == models.SyncFailed {
		l.logger.Warn("Sync attempt failed", append(attrs, "error", a.ErrorMessage)...)
	} else {
		l.logger.Info("Sync attempt completed", attrs...)
	}
	return nil
}

// Latest returns the most recent attempt of any status, or nil when the ledger is empty.
func (l *Ledger) Latest(ctx context.Context) (*models.SyncAttempt, error) {
	recent, err := l.store.RecentAttempts(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(recent) == 0 {
		return nil, nil
	}
	return &recent[0], nil
}

// Recent lists up to n attempts, newest first.
func (l *Ledger) Recent(ctx context.Context, n int) ([]models.SyncAttempt, error) {
	return l.store.RecentAttempts(ctx, n)
}

func failureMessage(out Outcome) string {
	if out.Err != nil {
		if out.Fatal {
			return out.Err.Error()
		}
		return fmt.Sprintf("all %d windows failed: %v", out.Windows, out.Err)
	}
	if out.Fatal {
		return "sync aborted"
	}
	return fmt.Sprintf("all %d windows failed", out.Windows)
}
