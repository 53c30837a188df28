// Package store defines the persistence contracts for cached events and the
// sync ledger. Implementations live in sub-packages.
package store

import (
	"context"
	"errors"
	"time"

	"schedcache/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrUnavailable marks a store that cannot serve requests at all.
	ErrUnavailable = errors.New("store unavailable")
	// ErrNotRunning is returned when finalizing an attempt that already left the running state.
	ErrNotRunning = errors.New("sync attempt is not running")
)

// EventQuery selects cached events whose scheduled start falls in Range.
type EventQuery struct {
	Range models.DateRange
	Scope models.Scope
}

// EventStore persists canonical events keyed by provider event id.
// Every write is atomic per event.
type EventStore interface {
	// GetEvent returns ErrNotFound when no event has the id.
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	// InsertEvent writes ev only if its id is absent and reports whether it did.
	InsertEvent(ctx context.Context, ev *models.Event) (bool, error)
	// ReplaceEvent overwrites the stored event only while its remote_modified_at
	// still equals expected (nil meaning absent), and reports whether it did.
	ReplaceEvent(ctx context.Context, ev *models.Event, expected *time.Time) (bool, error)
	// ListEvents returns matching events ordered by scheduled start.
	ListEvents(ctx context.Context, q EventQuery) ([]models.Event, error)
	CountEvents(ctx context.Context, q EventQuery) (int, error)
}

// AttemptQuery selects completed attempts that could cover Range for Scope.
type AttemptQuery struct {
	Scope          models.Scope
	Range          models.DateRange
	CompletedSince time.Time
	// Overlapping selects attempts intersecting Range instead of containing it.
	Overlapping bool
}

// LedgerStore persists sync attempts.
type LedgerStore interface {
	CreateAttempt(ctx context.Context, a *models.SyncAttempt) error
	// FinalizeAttempt writes the final state of a running attempt, or
	// returns ErrNotRunning.
	FinalizeAttempt(ctx context.Context, a *models.SyncAttempt) error
	// CompletedAttempts returns completed attempts whose scope covers
	// q.Scope, most recently completed first.
	CompletedAttempts(ctx context.Context, q AttemptQuery) ([]models.SyncAttempt, error)
	// RecentAttempts returns the latest attempts of any status, newest first.
	RecentAttempts(ctx context.Context, limit int) ([]models.SyncAttempt, error)
}

// Store is everything the cache engine needs from persistence.
type Store interface {
	EventStore
	LedgerStore
	Ping(ctx context.Context) error
	Close() error
}
