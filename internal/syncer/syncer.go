package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"schedcache/internal/ledger"
	"schedcache/internal/models"
)

// ErrNotStarted marks a sync that could not record its ledger entry, so no
// fetch was attempted.
var ErrNotStarted = errors.New("sync could not start")

// Syncer runs one ledger-tracked sync invocation for a range and scope.
type Syncer struct {
	logger  *slog.Logger
	chunker *Chunker
	ledger  *ledger.Ledger
}

// NewSyncer creates a new Syncer.
func NewSyncer(logger *slog.Logger, chunker *Chunker, l *ledger.Ledger) *Syncer {
	return &Syncer{logger: logger, chunker: chunker, ledger: l}
}

// Sync records a running attempt, fetches and ingests r, and finalizes the
// attempt. The returned error is non-nil only when the sync could not start
// or a fatal provider error aborted it; the attempt is finalized either way
// once it exists.
func (s *Syncer) Sync(ctx context.Context, r models.DateRange, scope models.Scope) (*models.SyncAttempt, ChunkReport, error) {
	s.logger.Info("Starting sync cycle.", "scope", scope.String(), "range", r.String())

	attempt, err := s.ledger.Begin(ctx, scope, r)
	if err != nil {
		return nil, ChunkReport{}, fmt.Errorf("%w: %v", ErrNotStarted, err)
	}

	report := s.chunker.FetchAndIngest(ctx, r, scope)

	// Finalize even when the caller has gone away so the attempt never
	// lingers as running.
	if err := s.ledger.Complete(context.WithoutCancel(ctx), attempt, report.Outcome()); err != nil {
		s.logger.Error("Failed to finalize sync attempt", "id", attempt.ID, "error", err)
	}

	s.logger.Info("Sync cycle finished.",
		"scope", scope.String(),
		"windows", report.Windows,
		"failed_windows", report.FailedWindows,
		"fetched", report.Counts.Fetched,
		"created", report.Counts.Created,
		"updated", report.Counts.Updated,
		"skipped", report.Counts.Skipped,
	)
	if report.Fatal {
		return attempt, report, report.LastError
	}
	return attempt, report, nil
}
