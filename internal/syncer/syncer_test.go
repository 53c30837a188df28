package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"schedcache/internal/ledger"
	"schedcache/internal/models"
	"schedcache/internal/normalize"
	"schedcache/internal/provider"
	"schedcache/internal/store"
	"schedcache/internal/store/sqlite"
)

var (
	testNow    = time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
)

func fixedClock() time.Time { return testNow }

func setupStore(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func payload(id string, start time.Time, status string, updated *time.Time) json.RawMessage {
	m := map[string]any{
		"uri":        "https://api.example.com/scheduled_events/" + id,
		"name":       "Event " + id,
		"status":     status,
		"start_time": start.Format(time.RFC3339),
		"end_time":   start.Add(30 * time.Minute).Format(time.RFC3339),
	}
	if updated != nil {
		m["updated_at"] = updated.Format(time.RFC3339Nano)
	}
	b, _ := json.Marshal(m)
	return b
}

func at(day, hour int) time.Time {
	return time.Date(2024, 1, day, hour, 0, 0, 0, time.UTC)
}

func atPtr(day, hour int) *time.Time {
	t := at(day, hour)
	return &t
}

// fakeClient answers each window through respond and records every call.
type fakeClient struct {
	mu      sync.Mutex
	calls   []models.DateRange
	respond func(ctx context.Context, window models.DateRange) (provider.Batch, error)
}

func (f *fakeClient) QueryEvents(ctx context.Context, scope models.Scope, window models.DateRange, pageSize int) (provider.Batch, error) {
	f.mu.Lock()
	f.calls = append(f.calls, window)
	f.mu.Unlock()
	return f.respond(ctx, window)
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newChunker(client provider.Client, st store.EventStore, cfg ChunkConfig) *Chunker {
	engine := NewUpsertEngine(testLogger, st, fixedClock)
	return NewChunker(testLogger, client, normalize.New(fixedClock), engine, cfg)
}

func event(id string, modified *time.Time, status models.Status) *models.Event {
	return &models.Event{
		ProviderEventID:  id,
		Name:             id,
		ScheduledStart:   at(2, 9),
		ScheduledEnd:     at(2, 10),
		Status:           status,
		Guests:           []models.Identity{},
		RemoteModifiedAt: modified,
	}
}

func TestUpsertMergeLaw(t *testing.T) {
	tests := []struct {
		name     string
		first    *time.Time
		second   *time.Time
		result   models.UpsertResult
		wantLast bool
	}{
		{"strictly newer overwrites", atPtr(1, 8), atPtr(1, 9), models.UpsertUpdated, true},
		{"older is ignored", atPtr(1, 9), atPtr(1, 8), models.UpsertSkipped, false},
		{"equal is ignored", atPtr(1, 9), atPtr(1, 9), models.UpsertSkipped, false},
		{"missing candidate timestamp is ignored", atPtr(1, 9), nil, models.UpsertSkipped, false},
		{"missing stored timestamp is overwritten", nil, atPtr(1, 8), models.UpsertUpdated, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := setupStore(t)
			engine := NewUpsertEngine(testLogger, db, fixedClock)
			ctx := context.Background()

			if got := engine.Upsert(ctx, event("E1", tt.first, models.StatusActive)); got != models.UpsertCreated {
				t.Fatalf("first upsert = %s, want created", got)
			}
			if got := engine.Upsert(ctx, event("E1", tt.second, models.StatusCanceled)); got != tt.result {
				t.Fatalf("second upsert = %s, want %s", got, tt.result)
			}
			stored, err := db.GetEvent(ctx, "E1")
			if err != nil {
				t.Fatalf("GetEvent failed: %v", err)
			}
			wantStatus := models.StatusActive
			if tt.wantLast {
				wantStatus = models.StatusCanceled
			}
			if stored.Status != wantStatus {
				t.Fatalf("stored status %s, want %s", stored.Status, wantStatus)
			}
			if !stored.LastSyncedAt.Equal(testNow) {
				t.Fatalf("expected last_synced_at to be stamped, got %s", stored.LastSyncedAt)
			}
		})
	}
}

// failingStore fails every insert.
type failingStore struct {
	store.EventStore
}

func (failingStore) InsertEvent(context.Context, *models.Event) (bool, error) {
	return false, errors.New("disk full")
}

func TestUpsertPersistenceErrorIsSkipped(t *testing.T) {
	engine := NewUpsertEngine(testLogger, failingStore{setupStore(t)}, fixedClock)
	if got := engine.Upsert(context.Background(), event("E1", nil, models.StatusActive)); got != models.UpsertSkipped {
		t.Fatalf("expected skipped, got %s", got)
	}
}

// racingStore lets a concurrent writer win the first replace.
type racingStore struct {
	store.EventStore
	once   sync.Once
	winner *models.Event
}

func (r *racingStore) ReplaceEvent(ctx context.Context, ev *models.Event, expected *time.Time) (bool, error) {
	r.once.Do(func() {
		_, _ = r.EventStore.ReplaceEvent(ctx, r.winner, expected)
	})
	return r.EventStore.ReplaceEvent(ctx, ev, expected)
}

func TestUpsertReevaluatesAfterLostRace(t *testing.T) {
	db := setupStore(t)
	ctx := context.Background()
	if _, err := db.InsertEvent(ctx, event("E1", atPtr(1, 8), models.StatusActive)); err != nil {
		t.Fatalf("InsertEvent failed: %v", err)
	}

	rs := &racingStore{EventStore: db, winner: event("E1", atPtr(1, 10), models.StatusCompleted)}
	engine := NewUpsertEngine(testLogger, rs, fixedClock)

	if got := engine.Upsert(ctx, event("E1", atPtr(1, 9), models.StatusCanceled)); got != models.UpsertSkipped {
		t.Fatalf("expected skipped after losing to a newer write, got %s", got)
	}
	stored, _ := db.GetEvent(ctx, "E1")
	if stored.Status != models.StatusCompleted {
		t.Fatalf("expected concurrent winner to survive, got %s", stored.Status)
	}
}

func TestChunkerScenarioA(t *testing.T) {
	db := setupStore(t)
	client := &fakeClient{respond: func(_ context.Context, w models.DateRange) (provider.Batch, error) {
		return provider.Batch{Requests: 1, Payloads: []json.RawMessage{
			payload("C", at(5, 9), "active", atPtr(1, 1)),
			payload("A", at(1, 9), "active", atPtr(1, 1)),
			payload("B", at(3, 9), "active", atPtr(1, 1)),
		}}, nil
	}}
	c := newChunker(client, db, ChunkConfig{WindowSize: 30 * 24 * time.Hour})

	report := c.FetchAndIngest(context.Background(), models.NewDateRange(at(1, 0), at(7, 0)), models.AllScopes())
	want := models.SyncCounts{Fetched: 3, Created: 3}
	if report.Counts != want || report.Windows != 1 || report.FailedWindows != 0 || report.APICalls != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if n, _ := db.CountEvents(context.Background(), store.EventQuery{Range: models.NewDateRange(at(1, 0), at(7, 0))}); n != 3 {
		t.Fatalf("expected 3 stored events, got %d", n)
	}
}

func TestChunkerMalformedPayloadIsSkipped(t *testing.T) {
	db := setupStore(t)
	client := &fakeClient{respond: func(context.Context, models.DateRange) (provider.Batch, error) {
		return provider.Batch{Requests: 1, Payloads: []json.RawMessage{
			json.RawMessage(strconv.Quote("<html>upstream hiccup</html>")),
		}}, nil
	}}
	report := newChunker(client, db, ChunkConfig{}).FetchAndIngest(context.Background(), models.NewDateRange(at(1, 0), at(7, 0)), models.AllScopes())
	if report.Counts.Skipped != 1 || report.Counts.Created != 0 || report.FailedWindows != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestChunkerIsolatesFailedWindows(t *testing.T) {
	db := setupStore(t)
	failing := at(11, 0)
	client := &fakeClient{respond: func(_ context.Context, w models.DateRange) (provider.Batch, error) {
		if w.Start.Equal(failing) {
			return provider.Batch{Requests: 1}, provider.Transient("query events", &provider.HTTPError{StatusCode: 503})
		}
		return provider.Batch{Requests: 1, Payloads: []json.RawMessage{
			payload("E-"+w.Start.Format("0102"), w.Start.Add(time.Hour), "active", nil),
		}}, nil
	}}
	c := newChunker(client, db, ChunkConfig{WindowSize: 10 * 24 * time.Hour})

	report := c.FetchAndIngest(context.Background(), models.NewDateRange(at(1, 0), at(31, 0)), models.AllScopes())
	if report.Windows != 3 || report.FailedWindows != 1 || report.Fatal {
		t.Fatalf("unexpected window accounting: %+v", report)
	}
	if report.Counts.Created != 2 || report.APICalls != 3 {
		t.Fatalf("unexpected counts: %+v", report)
	}
	if report.Outcome().Failed() {
		t.Fatalf("partial failure must not fail the attempt")
	}
}

func TestChunkerEveryWindowFailed(t *testing.T) {
	client := &fakeClient{respond: func(context.Context, models.DateRange) (provider.Batch, error) {
		return provider.Batch{}, errors.New("connection reset")
	}}
	c := newChunker(client, setupStore(t), ChunkConfig{WindowSize: 10 * 24 * time.Hour})
	report := c.FetchAndIngest(context.Background(), models.NewDateRange(at(1, 0), at(21, 0)), models.AllScopes())
	if report.Windows != 2 || report.FailedWindows != 2 || !report.Outcome().Failed() {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.APICalls != 2 {
		t.Fatalf("expected failed calls to be counted, got %d", report.APICalls)
	}
}

func TestChunkerFatalAbortsRemainingWindows(t *testing.T) {
	client := &fakeClient{respond: func(context.Context, models.DateRange) (provider.Batch, error) {
		return provider.Batch{Requests: 1}, provider.Fatal("query events", &provider.HTTPError{StatusCode: 401})
	}}
	c := newChunker(client, setupStore(t), ChunkConfig{WindowSize: 10 * 24 * time.Hour})
	report := c.FetchAndIngest(context.Background(), models.NewDateRange(at(1, 0), at(31, 0)), models.AllScopes())
	if client.callCount() != 1 {
		t.Fatalf("expected fatal error to stop after one call, got %d", client.callCount())
	}
	if !report.Fatal || report.FailedWindows != 3 || !provider.IsFatal(report.LastError) {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestChunkerCallTimeoutIsTransient(t *testing.T) {
	client := &fakeClient{respond: func(ctx context.Context, _ models.DateRange) (provider.Batch, error) {
		<-ctx.Done()
		return provider.Batch{}, ctx.Err()
	}}
	c := newChunker(client, setupStore(t), ChunkConfig{WindowSize: 10 * 24 * time.Hour, CallTimeout: 10 * time.Millisecond})
	report := c.FetchAndIngest(context.Background(), models.NewDateRange(at(1, 0), at(21, 0)), models.AllScopes())
	if client.callCount() != 2 {
		t.Fatalf("expected timed-out window to be followed by the next, got %d calls", client.callCount())
	}
	if report.FailedWindows != 2 || report.Fatal || !provider.IsTransient(report.LastError) {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestChunkerStopsWhenCallerCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &fakeClient{respond: func(context.Context, models.DateRange) (provider.Batch, error) {
		cancel()
		return provider.Batch{Requests: 1}, nil
	}}
	c := newChunker(client, setupStore(t), ChunkConfig{WindowSize: 10 * 24 * time.Hour})
	report := c.FetchAndIngest(ctx, models.NewDateRange(at(1, 0), at(31, 0)), models.AllScopes())
	if client.callCount() != 1 {
		t.Fatalf("expected cancellation to be honored between windows, got %d calls", client.callCount())
	}
	if report.FailedWindows != 2 || !errors.Is(report.LastError, context.Canceled) {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestChunkerConcurrentWindows(t *testing.T) {
	db := setupStore(t)
	client := &fakeClient{respond: func(_ context.Context, w models.DateRange) (provider.Batch, error) {
		var payloads []json.RawMessage
		for i := 0; i < 3; i++ {
			id := fmt.Sprintf("%s-%d", w.Start.Format("0102"), i)
			payloads = append(payloads, payload(id, w.Start.Add(time.Duration(i)*time.Hour), "active", nil))
		}
		return provider.Batch{Requests: 1, Payloads: payloads}, nil
	}}
	c := newChunker(client, db, ChunkConfig{WindowSize: 24 * time.Hour, Concurrency: 4})

	r := models.NewDateRange(at(1, 0), at(11, 0))
	report := c.FetchAndIngest(context.Background(), r, models.AllScopes())
	if report.Windows != 10 || report.FailedWindows != 0 || report.Counts.Created != 30 || report.APICalls != 10 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if n, _ := db.CountEvents(context.Background(), store.EventQuery{Range: r}); n != 30 {
		t.Fatalf("expected 30 stored events, got %d", n)
	}
}

func TestSyncRecordsLedgerAttempt(t *testing.T) {
	db := setupStore(t)
	client := &fakeClient{respond: func(context.Context, models.DateRange) (provider.Batch, error) {
		return provider.Batch{Requests: 2, Payloads: []json.RawMessage{
			payload("A", at(2, 9), "active", atPtr(1, 1)),
		}}, nil
	}}
	l := ledger.New(db, testLogger, fixedClock)
	s := NewSyncer(testLogger, newChunker(client, db, ChunkConfig{}), l)

	attempt, report, err := s.Sync(context.Background(), models.NewDateRange(at(1, 0), at(7, 0)), models.AllScopes())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if attempt.Status != models.SyncCompleted || attempt.Counts.Created != 1 || attempt.APICallCount != 2 {
		t.Fatalf("unexpected attempt: %+v", attempt)
	}
	if report.Counts.Fetched != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestSyncReturnsFatalError(t *testing.T) {
	db := setupStore(t)
	client := &fakeClient{respond: func(context.Context, models.DateRange) (provider.Batch, error) {
		return provider.Batch{}, provider.Fatal("query events", errors.New("missing token"))
	}}
	s := NewSyncer(testLogger, newChunker(client, db, ChunkConfig{}), ledger.New(db, testLogger, fixedClock))

	attempt, _, err := s.Sync(context.Background(), models.NewDateRange(at(1, 0), at(7, 0)), models.AllScopes())
	if !provider.IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if attempt == nil || attempt.Status != models.SyncFailed || attempt.ErrorMessage == "" {
		t.Fatalf("expected failed attempt, got %+v", attempt)
	}
}
