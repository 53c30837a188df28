package syncer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"schedcache/internal/models"
	"schedcache/internal/store"
)

// maxUpsertAttempts bounds how often a candidate is re-evaluated after losing
// a write race to a concurrent sync.
const maxUpsertAttempts = 3

// UpsertEngine merges normalized events into the store under the
// timestamp-ordered merge rule. Each write replaces the whole row.
type UpsertEngine struct {
	store  store.EventStore
	logger *slog.Logger
	now    func() time.Time
}

// NewUpsertEngine returns an engine writing to st. A nil now uses time.Now.
func NewUpsertEngine(logger *slog.Logger, st store.EventStore, now func() time.Time) *UpsertEngine {
	if now == nil {
		now = time.Now
	}
	return &UpsertEngine{store: st, logger: logger, now: now}
}

// Upsert merges candidate and reports what happened. Persistence failures
// are logged and reported as skipped.
func (e *UpsertEngine) Upsert(ctx context.Context, candidate *models.Event) models.UpsertResult {
	candidate.LastSyncedAt = e.now().UTC()
	id := candidate.ProviderEventID

	for attempt := 1; attempt <= maxUpsertAttempts; attempt++ {
		stored, err := e.store.GetEvent(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			inserted, err := e.store.InsertEvent(ctx, candidate)
			if err != nil {
				e.logger.Error("Failed to insert event", "id", id, "error", err)
				return models.UpsertSkipped
			}
			if inserted {
				return models.UpsertCreated
			}
			e.logger.Debug("Lost insert race, re-evaluating", "id", id, "attempt", attempt)
			continue
		}
		if err != nil {
			e.logger.Error("Failed to look up event", "id", id, "error", err)
			return models.UpsertSkipped
		}

		if !candidate.NewerThan(stored) {
			return models.UpsertSkipped
		}
		replaced, err := e.store.ReplaceEvent(ctx, candidate, stored.RemoteModifiedAt)
		if err != nil {
			e.logger.Error("Failed to update event", "id", id, "error", err)
			return models.UpsertSkipped
		}
		if replaced {
			return models.UpsertUpdated
		}
		e.logger.Debug("Lost update race, re-evaluating", "id", id, "attempt", attempt)
	}

	e.logger.Warn("Giving up on contended event", "id", id, "attempts", maxUpsertAttempts)
	return models.UpsertSkipped
}
