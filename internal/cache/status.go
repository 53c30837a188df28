package cache

import (
	"context"
	"time"

	"schedcache/internal/models"
	"schedcache/internal/store"
)

// CacheStatus describes how well the cache serves a range.
type CacheStatus struct {
	CachedCount        int          `json:"cached_count"`
	HasRecentSync      bool         `json:"has_recent_sync"`
	HoursSinceLastSync *float64     `json:"hours_since_last_sync"`
	IsFresh            bool         `json:"is_fresh"`
	MissingRangesCount int          `json:"missing_ranges_count"`
	NeedsSync          bool         `json:"needs_sync"`
	LatestSync         *SyncSummary `json:"latest_sync,omitempty"`
}

// SyncSummary is the externally visible form of a ledger attempt.
type SyncSummary struct {
	ID              string            `json:"id"`
	Scope           string            `json:"scope"`
	RangeStart      time.Time         `json:"range_start"`
	RangeEnd        time.Time         `json:"range_end"`
	Status          models.SyncStatus `json:"status"`
	Counts          models.SyncCounts `json:"counts"`
	StartedAt       time.Time         `json:"started_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	DurationSeconds float64           `json:"duration_seconds"`
	APICallCount    int               `json:"api_call_count"`
	ErrorMessage    string            `json:"error_message,omitempty"`
}

func Summarize(a *models.SyncAttempt) *SyncSummary {
	if a == nil {
		return nil
	}
	return &SyncSummary{
		ID:              a.ID,
		Scope:           a.Scope.String(),
		RangeStart:      a.Range.Start,
		RangeEnd:        a.Range.End,
		Status:          a.Status,
		Counts:          a.Counts,
		StartedAt:       a.StartedAt,
		CompletedAt:     a.CompletedAt,
		DurationSeconds: a.Duration.Seconds(),
		APICallCount:    a.APICallCount,
		ErrorMessage:    a.ErrorMessage,
	}
}

// GetCacheStatus reports coverage diagnostics for r and scope. It never syncs.
func (s *Service) GetCacheStatus(ctx context.Context, r models.DateRange, scope models.Scope) (CacheStatus, error) {
	r = models.NewDateRange(r.Start, r.End)
	if !r.Valid() {
		return CacheStatus{}, ErrInvalidRange
	}
	var st CacheStatus

	count, err := s.store.CountEvents(ctx, store.EventQuery{Range: r, Scope: scope})
	if err != nil {
		return st, err
	}
	st.CachedCount = count

	last, err := s.index.LastSync(ctx, r, scope)
	if err != nil {
		return st, err
	}
	if last != nil && last.CompletedAt != nil {
		age := s.now().Sub(*last.CompletedAt)
		hours := age.Hours()
		st.HoursSinceLastSync = &hours
		st.HasRecentSync = age < s.index.Window()
	}

	// ranges wholly beyond the retention horizon are never fetched
	if fetch, ok := s.clamp(r); ok {
		if st.IsFresh, err = s.index.IsFresh(ctx, fetch, scope); err != nil {
			return st, err
		}
		missing, err := s.planner.Plan(ctx, fetch, scope)
		if err != nil {
			return st, err
		}
		st.MissingRangesCount = len(missing)
	}
	st.NeedsSync = st.MissingRangesCount > 0

	latest, err := s.ledger.Latest(ctx)
	if err != nil {
		return st, err
	}
	st.LatestSync = Summarize(latest)
	return st, nil
}
