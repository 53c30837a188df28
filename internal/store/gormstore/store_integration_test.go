package gormstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"schedcache/internal/models"
	"schedcache/internal/store"
)

var integrationCounter uint64

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("SCHEDCACHE_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set SCHEDCACHE_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func integrationID(prefix string) string {
	n := atomic.AddUint64(&integrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func openIntegrationStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(postgresIntegrationDSN(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresEventCompareAndSwap(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()

	team := integrationID("team")
	modified := time.Date(2024, 1, 1, 8, 0, 0, 123456789, time.UTC)
	ev := &models.Event{
		ProviderEventID:  integrationID("evt"),
		Name:             "Intro",
		ScheduledStart:   time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC),
		ScheduledEnd:     time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC),
		Status:           models.StatusActive,
		Host:             models.Identity{Email: "hana@example.com", Ref: "users/U1"},
		TeamRef:          team,
		Guests:           []models.Identity{{Email: "gus@example.com"}},
		EventType:        &models.EventTypeMeta{Name: "Intro", Duration: 30},
		RemoteModifiedAt: &modified,
		LastSyncedAt:     time.Now().UTC(),
		RawPayload:       []byte(`{"id":"x"}`),
	}

	inserted, err := s.InsertEvent(ctx, ev)
	if err != nil || !inserted {
		t.Fatalf("InsertEvent = %v, %v", inserted, err)
	}
	if again, err := s.InsertEvent(ctx, ev); err != nil || again {
		t.Fatalf("duplicate InsertEvent = %v, %v", again, err)
	}

	stored, err := s.GetEvent(ctx, ev.ProviderEventID)
	if err != nil {
		t.Fatalf("GetEvent failed: %v", err)
	}
	if stored.EventType == nil || stored.EventType.Duration != 30 || stored.GuestCount() != 1 {
		t.Fatalf("unexpected stored event: %+v", stored)
	}

	later := modified.Add(time.Hour)
	next := *ev
	next.Status = models.StatusCanceled
	next.RemoteModifiedAt = &later
	ok, err := s.ReplaceEvent(ctx, &next, stored.RemoteModifiedAt)
	if err != nil || !ok {
		t.Fatalf("ReplaceEvent = %v, %v", ok, err)
	}
	if ok, err := s.ReplaceEvent(ctx, &next, stored.RemoteModifiedAt); err != nil || ok {
		t.Fatalf("stale ReplaceEvent = %v, %v", ok, err)
	}

	events, err := s.ListEvents(ctx, store.EventQuery{
		Range: models.NewDateRange(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)),
		Scope: models.TeamScope(team),
	})
	if err != nil || len(events) != 1 || events[0].Status != models.StatusCanceled {
		t.Fatalf("ListEvents = %+v, %v", events, err)
	}
}

func TestPostgresLedgerLifecycle(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()

	scope := models.UserScope(integrationID("user"))
	r := models.NewDateRange(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC))
	a := &models.SyncAttempt{
		ID:        integrationID("attempt"),
		Scope:     scope,
		Range:     r,
		Status:    models.SyncRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := s.CreateAttempt(ctx, a); err != nil {
		t.Fatalf("CreateAttempt failed: %v", err)
	}

	done := time.Now().UTC()
	a.Status = models.SyncCompleted
	a.CompletedAt = &done
	a.Counts = models.SyncCounts{Fetched: 2, Created: 2}
	if err := s.FinalizeAttempt(ctx, a); err != nil {
		t.Fatalf("FinalizeAttempt failed: %v", err)
	}
	if err := s.FinalizeAttempt(ctx, a); !errors.Is(err, store.ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}

	got, err := s.CompletedAttempts(ctx, store.AttemptQuery{Scope: scope, Range: r, CompletedSince: done.Add(-time.Minute)})
	if err != nil {
		t.Fatalf("CompletedAttempts failed: %v", err)
	}
	found := false
	for _, g := range got {
		if g.ID == a.ID {
			found = true
			if g.Scope != scope || g.Counts.Created != 2 {
				t.Fatalf("unexpected attempt: %+v", g)
			}
		}
	}
	if !found {
		t.Fatalf("expected attempt %s among %d completed attempts", a.ID, len(got))
	}
}
