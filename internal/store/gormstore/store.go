// Package gormstore implements the event store and sync ledger on PostgreSQL
// through gorm.
//
// Postgres keeps microsecond precision, so every timestamp is truncated to
// the microsecond before it is written; values read back compare equal to
// the values the engine holds.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"schedcache/internal/models"
	"schedcache/internal/store"
)

type Store struct {
	db *gorm.DB
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn and migrates the schema.
func Open(dsn string) (*Store, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	sqldb, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqldb.SetMaxOpenConns(10)
	sqldb.SetMaxIdleConns(5)
	sqldb.SetConnMaxLifetime(30 * time.Minute)

	s := New(gdb)
	if err := s.AutoMigrate(); err != nil {
		_ = sqldb.Close()
		return nil, err
	}
	return s, nil
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(&eventRow{}, &attemptRow{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqldb, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if err := sqldb.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) Close() error {
	sqldb, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqldb.Close()
}

func (s *Store) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	var row eventRow
	err := s.db.WithContext(ctx).Where("provider_event_id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event %s: %w", id, err)
	}
	return row.toModel()
}

func (s *Store) InsertEvent(ctx context.Context, ev *models.Event) (bool, error) {
	row, err := toEventRow(ev)
	if err != nil {
		return false, err
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider_event_id"}},
		DoNothing: true,
	}).Create(row)
	if res.Error != nil {
		return false, fmt.Errorf("failed to insert event %s: %w", ev.ProviderEventID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) ReplaceEvent(ctx context.Context, ev *models.Event, expected *time.Time) (bool, error) {
	row, err := toEventRow(ev)
	if err != nil {
		return false, err
	}
	query := s.db.WithContext(ctx).Model(&eventRow{}).Where("provider_event_id = ?", row.ProviderEventID)
	if expected == nil {
		query = query.Where("remote_modified_at IS NULL")
	} else {
		query = query.Where("remote_modified_at = ?", expected.UTC().Truncate(time.Microsecond))
	}
	res := query.Updates(map[string]any{
		"name":               row.Name,
		"scheduled_start":    row.ScheduledStart,
		"scheduled_end":      row.ScheduledEnd,
		"status":             row.Status,
		"host_name":          row.HostName,
		"host_email":         row.HostEmail,
		"host_ref":           row.HostRef,
		"team_ref":           row.TeamRef,
		"guests":             row.Guests,
		"guest_count":        row.GuestCount,
		"event_type":         row.EventType,
		"location":           row.Location,
		"remote_modified_at": row.RemoteModifiedAt,
		"last_synced_at":     row.LastSyncedAt,
		"raw_payload":        row.RawPayload,
	})
	if res.Error != nil {
		return false, fmt.Errorf("failed to replace event %s: %w", ev.ProviderEventID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) eventQuery(ctx context.Context, q store.EventQuery) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&eventRow{}).
		Where("scheduled_start >= ? AND scheduled_start < ?", micro(q.Range.Start), micro(q.Range.End))
	switch q.Scope.Kind {
	case models.ScopeUser:
		query = query.Where("(host_ref = ? OR host_email = ?)", q.Scope.Ref, strings.ToLower(q.Scope.Ref))
	case models.ScopeTeam:
		query = query.Where("team_ref = ?", q.Scope.Ref)
	}
	return query
}

func (s *Store) ListEvents(ctx context.Context, q store.EventQuery) ([]models.Event, error) {
	var rows []eventRow
	if err := s.eventQuery(ctx, q).Order("scheduled_start ASC, provider_event_id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	out := make([]models.Event, 0, len(rows))
	for i := range rows {
		ev, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, nil
}

func (s *Store) CountEvents(ctx context.Context, q store.EventQuery) (int, error) {
	var n int64
	if err := s.eventQuery(ctx, q).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return int(n), nil
}

func (s *Store) CreateAttempt(ctx context.Context, a *models.SyncAttempt) error {
	if err := s.db.WithContext(ctx).Create(toAttemptRow(a)).Error; err != nil {
		return fmt.Errorf("failed to create sync attempt: %w", err)
	}
	return nil
}

func (s *Store) FinalizeAttempt(ctx context.Context, a *models.SyncAttempt) error {
	row := toAttemptRow(a)
	res := s.db.WithContext(ctx).Model(&attemptRow{}).
		Where("id = ? AND status = ?", a.ID, string(models.SyncRunning)).
		Updates(map[string]any{
			"status":         row.Status,
			"fetched":        row.Fetched,
			"created":        row.Created,
			"updated":        row.Updated,
			"skipped":        row.Skipped,
			"completed_at":   row.CompletedAt,
			"duration_ms":    row.DurationMs,
			"api_call_count": row.APICallCount,
			"error_message":  row.ErrorMessage,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to finalize sync attempt %s: %w", a.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotRunning
	}
	return nil
}

func (s *Store) CompletedAttempts(ctx context.Context, q store.AttemptQuery) ([]models.SyncAttempt, error) {
	var rows []attemptRow
	if err := s.attemptQuery(ctx, q).Order("completed_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query completed attempts: %w", err)
	}
	return toAttempts(rows)
}

// attemptQuery compares at the microsecond precision ranges are stored with.
func (s *Store) attemptQuery(ctx context.Context, q store.AttemptQuery) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&attemptRow{}).
		Where("status = ?", string(models.SyncCompleted)).
		Where("(scope_kind = 'all' OR (scope_kind = ? AND scope_ref = ?))", q.Scope.Kind.String(), q.Scope.Ref)
	if !q.CompletedSince.IsZero() {
		query = query.Where("completed_at >= ?", micro(q.CompletedSince))
	}
	if q.Overlapping {
		query = query.Where("range_start < ? AND range_end > ?", micro(q.Range.End), micro(q.Range.Start))
	} else {
		query = query.Where("range_start <= ? AND range_end >= ?", micro(q.Range.Start), micro(q.Range.End))
	}
	return query
}

func (s *Store) RecentAttempts(ctx context.Context, limit int) ([]models.SyncAttempt, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []attemptRow
	if err := s.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query recent attempts: %w", err)
	}
	return toAttempts(rows)
}

func micro(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func microPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := micro(*t)
	return &v
}

func toEventRow(ev *models.Event) (*eventRow, error) {
	guests := ev.Guests
	if guests == nil {
		guests = []models.Identity{}
	}
	guestsJSON, err := json.Marshal(guests)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal guests: %w", err)
	}
	row := &eventRow{
		ProviderEventID:  ev.ProviderEventID,
		Name:             ev.Name,
		ScheduledStart:   micro(ev.ScheduledStart),
		ScheduledEnd:     micro(ev.ScheduledEnd),
		Status:           string(ev.Status),
		HostName:         ev.Host.Name,
		HostEmail:        ev.Host.Email,
		HostRef:          ev.Host.Ref,
		TeamRef:          ev.TeamRef,
		Guests:           datatypes.JSON(guestsJSON),
		GuestCount:       len(guests),
		RemoteModifiedAt: microPtr(ev.RemoteModifiedAt),
		LastSyncedAt:     micro(ev.LastSyncedAt),
		RawPayload:       ev.RawPayload,
	}
	if ev.EventType != nil {
		b, err := json.Marshal(ev.EventType)
		if err != nil {
			return nil, err
		}
		row.EventType = datatypes.JSON(b)
	}
	if ev.Location != nil {
		b, err := json.Marshal(ev.Location)
		if err != nil {
			return nil, err
		}
		row.Location = datatypes.JSON(b)
	}
	return row, nil
}

func (r *eventRow) toModel() (*models.Event, error) {
	ev := &models.Event{
		ProviderEventID: r.ProviderEventID,
		Name:            r.Name,
		ScheduledStart:  r.ScheduledStart.UTC(),
		ScheduledEnd:    r.ScheduledEnd.UTC(),
		Status:          models.Status(r.Status),
		Host:            models.Identity{Name: r.HostName, Email: r.HostEmail, Ref: r.HostRef},
		TeamRef:         r.TeamRef,
		Guests:          make([]models.Identity, 0, r.GuestCount),
		LastSyncedAt:    r.LastSyncedAt.UTC(),
		RawPayload:      r.RawPayload,
	}
	if r.RemoteModifiedAt != nil {
		t := r.RemoteModifiedAt.UTC()
		ev.RemoteModifiedAt = &t
	}
	if len(r.Guests) > 0 {
		if err := json.Unmarshal(r.Guests, &ev.Guests); err != nil {
			return nil, fmt.Errorf("decode guests of %s: %w", r.ProviderEventID, err)
		}
	}
	if len(r.EventType) > 0 {
		ev.EventType = &models.EventTypeMeta{}
		if err := json.Unmarshal(r.EventType, ev.EventType); err != nil {
			return nil, fmt.Errorf("decode event type of %s: %w", r.ProviderEventID, err)
		}
	}
	if len(r.Location) > 0 {
		ev.Location = &models.Location{}
		if err := json.Unmarshal(r.Location, ev.Location); err != nil {
			return nil, fmt.Errorf("decode location of %s: %w", r.ProviderEventID, err)
		}
	}
	return ev, nil
}

func toAttemptRow(a *models.SyncAttempt) *attemptRow {
	return &attemptRow{
		ID:           a.ID,
		ScopeKind:    a.Scope.Kind.String(),
		ScopeRef:     a.Scope.Ref,
		RangeStart:   micro(a.Range.Start),
		RangeEnd:     micro(a.Range.End),
		Status:       string(a.Status),
		Fetched:      a.Counts.Fetched,
		Created:      a.Counts.Created,
		Updated:      a.Counts.Updated,
		Skipped:      a.Counts.Skipped,
		StartedAt:    micro(a.StartedAt),
		CompletedAt:  microPtr(a.CompletedAt),
		DurationMs:   a.Duration.Milliseconds(),
		APICallCount: a.APICallCount,
		ErrorMessage: a.ErrorMessage,
	}
}

func toAttempts(rows []attemptRow) ([]models.SyncAttempt, error) {
	out := make([]models.SyncAttempt, 0, len(rows))
	for _, r := range rows {
		scope := models.AllScopes()
		if r.ScopeKind != "all" {
			var err error
			if scope, err = models.ParseScope(r.ScopeKind + ":" + r.ScopeRef); err != nil {
				return nil, err
			}
		}
		a := models.SyncAttempt{
			ID:           r.ID,
			Scope:        scope,
			Range:        models.NewDateRange(r.RangeStart, r.RangeEnd),
			Status:       models.SyncStatus(r.Status),
			Counts:       models.SyncCounts{Fetched: r.Fetched, Created: r.Created, Updated: r.Updated, Skipped: r.Skipped},
			StartedAt:    r.StartedAt.UTC(),
			Duration:     time.Duration(r.DurationMs) * time.Millisecond,
			APICallCount: r.APICallCount,
			ErrorMessage: r.ErrorMessage,
		}
		if r.CompletedAt != nil {
			t := r.CompletedAt.UTC()
			a.CompletedAt = &t
		}
		out = append(out, a)
	}
	return out, nil
}
