// Package sqlite provides the embedded SQLite store for cached events and the
// sync ledger.
//
// The database runs in WAL mode so report readers are not blocked while a
// sync writes. Timestamps are stored as UTC unix nanoseconds so range and
// merge comparisons are plain integer comparisons.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"schedcache/internal/models"
	"schedcache/internal/store"
)

// DB is the SQLite implementation of store.Store.
type DB struct {
	conn *sql.DB
	path string
}

var _ store.Store = (*DB)(nil)

// Open opens (creating if needed) the database at path and initializes the schema.
//
// The caller MUST call Close() when done.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	if err := db.InitSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return db, nil
}

// InitSchema creates tables and indexes. It is idempotent.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		provider_event_id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		scheduled_start INTEGER NOT NULL,
		scheduled_end INTEGER NOT NULL,
		status TEXT NOT NULL,
		host_name TEXT NOT NULL DEFAULT '',
		host_email TEXT NOT NULL DEFAULT '',
		host_ref TEXT NOT NULL DEFAULT '',
		team_ref TEXT NOT NULL DEFAULT '',
		guests TEXT NOT NULL DEFAULT '[]',  -- JSON array
		guest_count INTEGER NOT NULL DEFAULT 0,
		event_type TEXT,                    -- JSON object
		location TEXT,                      -- JSON object
		remote_modified_at INTEGER,
		last_synced_at INTEGER NOT NULL,
		raw_payload BLOB
	);

	CREATE INDEX IF NOT EXISTS idx_events_start ON events(scheduled_start);
	CREATE INDEX IF NOT EXISTS idx_events_host ON events(host_ref, scheduled_start);
	CREATE INDEX IF NOT EXISTS idx_events_host_email ON events(host_email);
	CREATE INDEX IF NOT EXISTS idx_events_team ON events(team_ref, scheduled_start);

	CREATE TABLE IF NOT EXISTS sync_attempts (
		id TEXT PRIMARY KEY,
		scope_kind TEXT NOT NULL,
		scope_ref TEXT NOT NULL DEFAULT '',
		range_start INTEGER NOT NULL,
		range_end INTEGER NOT NULL,
		status TEXT NOT NULL,
		fetched INTEGER NOT NULL DEFAULT 0,
		created INTEGER NOT NULL DEFAULT 0,
		updated INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL,
		completed_at INTEGER,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		api_call_count INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_attempts_coverage
	    ON sync_attempts(scope_kind, scope_ref, range_start, range_end, completed_at);
	CREATE INDEX IF NOT EXISTS idx_attempts_started ON sync_attempts(started_at);
	`
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Ping checks the connection is usable.
func (db *DB) Ping(ctx context.Context) error {
	if db == nil || db.conn == nil {
		return fmt.Errorf("%w: database is closed", store.ErrUnavailable)
	}
	if err := db.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	_, _ = db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

const eventColumns = `provider_event_id, name, scheduled_start, scheduled_end, status,
	host_name, host_email, host_ref, team_ref, guests, guest_count,
	event_type, location, remote_modified_at, last_synced_at, raw_payload`

// GetEvent implements store.EventStore.
func (db *DB) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE provider_event_id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event %s: %w", id, err)
	}
	return ev, nil
}

// InsertEvent implements store.EventStore.
func (db *DB) InsertEvent(ctx context.Context, ev *models.Event) (bool, error) {
	args, err := eventArgs(ev)
	if err != nil {
		return false, err
	}
	res, err := db.conn.ExecContext(ctx, `
	INSERT INTO events (`+eventColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(provider_event_id) DO NOTHING`, args...)
	if err != nil {
		return false, fmt.Errorf("failed to insert event %s: %w", ev.ProviderEventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReplaceEvent implements store.EventStore.
func (db *DB) ReplaceEvent(ctx context.Context, ev *models.Event, expected *time.Time) (bool, error) {
	args, err := eventArgs(ev)
	if err != nil {
		return false, err
	}
	// args[0] is the id; SET takes the rest, WHERE takes id and expected.
	setArgs := append(args[1:], ev.ProviderEventID, nullNanos(expected))
	res, err := db.conn.ExecContext(ctx, `
	UPDATE events SET
		name = ?, scheduled_start = ?, scheduled_end = ?, status = ?,
		host_name = ?, host_email = ?, host_ref = ?, team_ref = ?,
		guests = ?, guest_count = ?, event_type = ?, location = ?,
		remote_modified_at = ?, last_synced_at = ?, raw_payload = ?
	WHERE provider_event_id = ? AND remote_modified_at IS ?`, setArgs...)
	if err != nil {
		return false, fmt.Errorf("failed to replace event %s: %w", ev.ProviderEventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListEvents implements store.EventStore.
func (db *DB) ListEvents(ctx context.Context, q store.EventQuery) ([]models.Event, error) {
	where, args := eventFilter(q)
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE `+where+` ORDER BY scheduled_start ASC, provider_event_id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

// CountEvents implements store.EventStore.
func (db *DB) CountEvents(ctx context.Context, q store.EventQuery) (int, error) {
	where, args := eventFilter(q)
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

func eventFilter(q store.EventQuery) (string, []any) {
	clauses := []string{"scheduled_start >= ?", "scheduled_start < ?"}
	args := []any{toNanos(q.Range.Start), toNanos(q.Range.End)}
	switch q.Scope.Kind {
	case models.ScopeUser:
		clauses = append(clauses, "(host_ref = ? OR host_email = ?)")
		args = append(args, q.Scope.Ref, strings.ToLower(q.Scope.Ref))
	case models.ScopeTeam:
		clauses = append(clauses, "team_ref = ?")
		args = append(args, q.Scope.Ref)
	}
	return strings.Join(clauses, " AND "), args
}

// CreateAttempt implements store.LedgerStore.
func (db *DB) CreateAttempt(ctx context.Context, a *models.SyncAttempt) error {
	_, err := db.conn.ExecContext(ctx, `
	INSERT INTO sync_attempts (
		id, scope_kind, scope_ref, range_start, range_end, status,
		fetched, created, updated, skipped, started_at, completed_at,
		duration_ms, api_call_count, error_message
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Scope.Kind.String(), a.Scope.Ref,
		toNanos(a.Range.Start), toNanos(a.Range.End), string(a.Status),
		a.Counts.Fetched, a.Counts.Created, a.Counts.Updated, a.Counts.Skipped,
		toNanos(a.StartedAt), nullNanos(a.CompletedAt),
		a.Duration.Milliseconds(), a.APICallCount, a.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to create sync attempt: %w", err)
	}
	return nil
}

// FinalizeAttempt implements store.LedgerStore.
func (db *DB) FinalizeAttempt(ctx context.Context, a *models.SyncAttempt) error {
	res, err := db.conn.ExecContext(ctx, `
	UPDATE sync_attempts SET
		status = ?, fetched = ?, created = ?, updated = ?, skipped = ?,
		completed_at = ?, duration_ms = ?, api_call_count = ?, error_message = ?
	WHERE id = ? AND status = ?`,
		string(a.Status), a.Counts.Fetched, a.Counts.Created, a.Counts.Updated, a.Counts.Skipped,
		nullNanos(a.CompletedAt), a.Duration.Milliseconds(), a.APICallCount, a.ErrorMessage,
		a.ID, string(models.SyncRunning),
	)
	if err != nil {
		return fmt.Errorf("failed to finalize sync attempt %s: %w", a.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotRunning
	}
	return nil
}

const attemptColumns = `id, scope_kind, scope_ref, range_start, range_end, status,
	fetched, created, updated, skipped, started_at, completed_at,
	duration_ms, api_call_count, error_message`

// CompletedAttempts implements store.LedgerStore.
func (db *DB) CompletedAttempts(ctx context.Context, q store.AttemptQuery) ([]models.SyncAttempt, error) {
	rangeClause := "range_start <= ? AND range_end >= ?"
	rangeArgs := []any{toNanos(q.Range.Start), toNanos(q.Range.End)}
	if q.Overlapping {
		rangeClause = "range_start < ? AND range_end > ?"
		rangeArgs = []any{toNanos(q.Range.End), toNanos(q.Range.Start)}
	}
	since := int64(math.MinInt64)
	if !q.CompletedSince.IsZero() {
		since = toNanos(q.CompletedSince)
	}
	args := []any{string(models.SyncCompleted), since, q.Scope.Kind.String(), q.Scope.Ref}
	args = append(args, rangeArgs...)
	rows, err := db.conn.QueryContext(ctx, `
	SELECT `+attemptColumns+` FROM sync_attempts
	WHERE status = ?
	  AND completed_at >= ?
	  AND (scope_kind = 'all' OR (scope_kind = ? AND scope_ref = ?))
	  AND `+rangeClause+`
	ORDER BY completed_at DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query completed attempts: %w", err)
	}
	defer rows.Close()
	return scanAttempts(rows)
}

// RecentAttempts implements store.LedgerStore.
func (db *DB) RecentAttempts(ctx context.Context, limit int) ([]models.SyncAttempt, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM sync_attempts ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent attempts: %w", err)
	}
	defer rows.Close()
	return scanAttempts(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*models.Event, error) {
	var (
		ev                  models.Event
		start, end, synced  int64
		status, guests      string
		guestCount          int
		eventType, location sql.NullString
		modified            sql.NullInt64
	)
	if err := row.Scan(
		&ev.ProviderEventID, &ev.Name, &start, &end, &status,
		&ev.Host.Name, &ev.Host.Email, &ev.Host.Ref, &ev.TeamRef, &guests, &guestCount,
		&eventType, &location, &modified, &synced, &ev.RawPayload,
	); err != nil {
		return nil, err
	}
	ev.ScheduledStart = fromNanos(start)
	ev.ScheduledEnd = fromNanos(end)
	ev.LastSyncedAt = fromNanos(synced)
	ev.Status = models.Status(status)
	if modified.Valid {
		t := fromNanos(modified.Int64)
		ev.RemoteModifiedAt = &t
	}
	ev.Guests = make([]models.Identity, 0, guestCount)
	if err := json.Unmarshal([]byte(guests), &ev.Guests); err != nil {
		return nil, fmt.Errorf("decode guests of %s: %w", ev.ProviderEventID, err)
	}
	if eventType.Valid {
		ev.EventType = &models.EventTypeMeta{}
		if err := json.Unmarshal([]byte(eventType.String), ev.EventType); err != nil {
			return nil, fmt.Errorf("decode event type of %s: %w", ev.ProviderEventID, err)
		}
	}
	if location.Valid {
		ev.Location = &models.Location{}
		if err := json.Unmarshal([]byte(location.String), ev.Location); err != nil {
			return nil, fmt.Errorf("decode location of %s: %w", ev.ProviderEventID, err)
		}
	}
	return &ev, nil
}

func eventArgs(ev *models.Event) ([]any, error) {
	guests := ev.Guests
	if guests == nil {
		guests = []models.Identity{}
	}
	guestsJSON, err := json.Marshal(guests)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal guests: %w", err)
	}
	eventType, err := nullJSON(ev.EventType)
	if err != nil {
		return nil, err
	}
	location, err := nullJSON(ev.Location)
	if err != nil {
		return nil, err
	}
	return []any{
		ev.ProviderEventID, ev.Name, toNanos(ev.ScheduledStart), toNanos(ev.ScheduledEnd), string(ev.Status),
		ev.Host.Name, ev.Host.Email, ev.Host.Ref, ev.TeamRef, string(guestsJSON), len(guests),
		eventType, location, nullNanos(ev.RemoteModifiedAt), toNanos(ev.LastSyncedAt), ev.RawPayload,
	}, nil
}

func scanAttempts(rows *sql.Rows) ([]models.SyncAttempt, error) {
	var out []models.SyncAttempt
	for rows.Next() {
		var (
			a                   models.SyncAttempt
			kind, ref, status   string
			start, end, started int64
			completed           sql.NullInt64
			durationMs          int64
		)
		if err := rows.Scan(
			&a.ID, &kind, &ref, &start, &end, &status,
			&a.Counts.Fetched, &a.Counts.Created, &a.Counts.Updated, &a.Counts.Skipped,
			&started, &completed, &durationMs, &a.APICallCount, &a.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("failed to scan sync attempt: %w", err)
		}
		scope, err := models.ParseScope(scopeString(kind, ref))
		if err != nil {
			return nil, err
		}
		a.Scope = scope
		a.Range = models.DateRange{Start: fromNanos(start), End: fromNanos(end)}
		a.Status = models.SyncStatus(status)
		a.StartedAt = fromNanos(started)
		a.Duration = time.Duration(durationMs) * time.Millisecond
		if completed.Valid {
			t := fromNanos(completed.Int64)
			a.CompletedAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scopeString(kind, ref string) string {
	if kind == "all" {
		return "all"
	}
	return kind + ":" + ref
}

func nullJSON(v any) (sql.NullString, error) {
	switch t := v.(type) {
	case *models.EventTypeMeta:
		if t == nil {
			return sql.NullString{}, nil
		}
	case *models.Location:
		if t == nil {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}
