// Package cache is the single entry point consumers use to read events. It
// decides what is missing, syncs it through the provider and answers from
// the local store.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"schedcache/internal/coverage"
	"schedcache/internal/guard"
	"schedcache/internal/ledger"
	"schedcache/internal/models"
	"schedcache/internal/normalize"
	"schedcache/internal/provider"
	"schedcache/internal/store"
	"schedcache/internal/syncer"
)

var ErrInvalidRange = errors.New("invalid range: end must be after start")

// errDegraded marks a refresh that could not run and must fall back to a
// direct provider read.
var errDegraded = errors.New("cache degraded")

type Config struct {
	FreshnessWindow time.Duration
	Chunk           syncer.ChunkConfig
	Policy          coverage.Policy
	// Retention bounds how far back ranges are fetched. Zero disables the bound.
	Retention time.Duration
	LockTTL   time.Duration
	// LockPoll is how often a worker waiting on another holder's fetch
	// re-checks coverage.
	LockPoll time.Duration
}

type Option func(*Service)

// WithLocker shares fetch locks with other processes.
func WithLocker(l guard.Locker) Option {
	return func(s *Service) { s.locker = l }
}

// WithClock replaces time.Now for coverage, ledger and normalization.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service is constructed once per process and shared by every consumer.
type Service struct {
	logger     *slog.Logger
	store      store.Store
	client     provider.Client
	cfg        Config
	now        func() time.Time
	locker     guard.Locker
	normalizer *normalize.Normalizer
	ledger     *ledger.Ledger
	index      *coverage.Index
	planner    *coverage.Planner
	syncer     *syncer.Syncer
	group      singleflight.Group
}

func New(logger *slog.Logger, st store.Store, client provider.Client, cfg Config, opts ...Option) *Service {
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = 24 * time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	if cfg.LockPoll <= 0 {
		cfg.LockPoll = 250 * time.Millisecond
	}
	s := &Service{
		logger: logger,
		store:  st,
		client: client,
		cfg:    cfg,
		now:    time.Now,
		locker: guard.NewMemoryLocker(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.normalizer = normalize.New(s.now)
	s.ledger = ledger.New(st, logger, s.now)
	s.index = coverage.NewIndex(st, cfg.FreshnessWindow, s.now)
	s.planner = coverage.NewPlanner(s.index, cfg.Policy)
	engine := syncer.NewUpsertEngine(logger, st, s.now)
	chunker := syncer.NewChunker(logger, client, s.normalizer, engine, cfg.Chunk)
	s.syncer = syncer.NewSyncer(logger, chunker, s.ledger)
	return s
}

// GetEvents returns the events of scope starting in r, ordered by start.
// Provider and persistence failures degrade the answer rather than surface:
// the only errors are an invalid range, a cancelled ctx, or having nothing
// at all to serve.
func (s *Service) GetEvents(ctx context.Context, r models.DateRange, scope models.Scope) ([]models.Event, error) {
	r = models.NewDateRange(r.Start, r.End)
	if !r.Valid() {
		return nil, ErrInvalidRange
	}

	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("Store unreachable", "error", err)
		return s.degradedRead(ctx, r, scope)
	}

	if err := s.Warm(ctx, r, scope); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		events, ferr := s.degradedRead(ctx, r, scope)
		if ferr == nil {
			return events, nil
		}
		s.logger.Error("Degraded read failed, serving cached events", "error", ferr)
	}

	events, err := s.store.ListEvents(ctx, store.EventQuery{Range: r, Scope: scope})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn("Failed to read cached events", "error", err)
		return s.degradedRead(ctx, r, scope)
	}
	if events == nil {
		events = []models.Event{}
	}
	return events, nil
}

// Warm syncs whatever part of r is not fresh for scope. Concurrent calls for
// the same scope and range share one run, which outlives any single caller:
// a caller that gives up returns its own ctx error while the others keep
// waiting. It returns an error only when the sync could not run at all.
func (s *Service) Warm(ctx context.Context, r models.DateRange, scope models.Scope) error {
	fetch, ok := s.clamp(r)
	if !ok {
		s.logger.Debug("Range is beyond the retention horizon, not fetching", "range", r.String())
		return nil
	}
	key := flightKey(fetch, scope)
	ch := s.group.DoChan(key, func() (any, error) {
		// one lock wait plus one locked fetch
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*s.cfg.LockTTL)
		defer cancel()
		return nil, s.refresh(flightCtx, key, fetch, scope)
	})
	select {
	case res := <-ch:
		if res.Shared {
			s.logger.Debug("Joined in-flight sync", "key", key)
		}
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) refresh(ctx context.Context, key string, r models.DateRange, scope models.Scope) error {
	missing, err := s.planner.Plan(ctx, r, scope)
	if err != nil {
		return fmt.Errorf("%w: plan: %v", errDegraded, err)
	}
	if len(missing) == 0 {
		s.logger.Debug("Cache is fresh", "scope", scope.String(), "range", r.String())
		return nil
	}

	release, acquired, err := s.locker.TryLock(ctx, key, s.cfg.LockTTL)
	switch {
	case err != nil:
		s.logger.Warn("Fetch lock unavailable, syncing without it", "key", key, "error", err)
	case !acquired:
		s.logger.Info("Another worker is syncing this range, waiting for it", "key", key)
		release, missing, err = s.awaitHolder(ctx, key, r, scope)
		if err != nil {
			return err
		}
		if len(missing) == 0 {
			return nil
		}
		defer release()
	default:
		defer release()
	}

	for _, m := range missing {
		_, _, err := s.syncer.Sync(ctx, m, scope)
		if err == nil {
			continue
		}
		if errors.Is(err, syncer.ErrNotStarted) || provider.IsFatal(err) {
			return fmt.Errorf("%w: %v", errDegraded, err)
		}
		return err
	}
	return nil
}

// awaitHolder polls until the range is fresh or the lock frees up, for at
// most one LockTTL. When it returns a release func the caller owns the lock
// and must fetch what is still missing.
func (s *Service) awaitHolder(ctx context.Context, key string, r models.DateRange, scope models.Scope) (func(), []models.DateRange, error) {
	deadline := time.NewTimer(s.cfg.LockTTL)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.LockPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, nil, fmt.Errorf("%w: waiting for fetch lock: %v", errDegraded, ctx.Err())
		case <-deadline.C:
			return nil, nil, fmt.Errorf("%w: fetch lock %s still held after %s", errDegraded, key, s.cfg.LockTTL)
		case <-ticker.C:
		}

		missing, err := s.planner.Plan(ctx, r, scope)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: plan: %v", errDegraded, err)
		}
		if len(missing) == 0 {
			s.logger.Debug("Range synced by another worker", "key", key)
			return nil, nil, nil
		}
		release, acquired, err := s.locker.TryLock(ctx, key, s.cfg.LockTTL)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: fetch lock: %v", errDegraded, err)
		}
		if acquired {
			return release, missing, nil
		}
	}
}

// degradedRead asks the provider directly and persists nothing.
func (s *Service) degradedRead(ctx context.Context, r models.DateRange, scope models.Scope) ([]models.Event, error) {
	s.logger.Warn("serving degraded uncached read", "scope", scope.String(), "range", r.String())

	timeout := s.cfg.Chunk.CallTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	batch, err := s.client.QueryEvents(callCtx, scope, r, s.cfg.Chunk.PageSize)
	if err != nil {
		return nil, fmt.Errorf("degraded read: %w", err)
	}

	events := make([]models.Event, 0, len(batch.Payloads))
	for _, raw := range batch.Payloads {
		res := s.normalizer.Normalize(raw)
		if res.Skipped() {
			continue
		}
		ev := res.Event
		if !r.Includes(ev.ScheduledStart) || !ev.MatchesScope(scope) {
			continue
		}
		events = append(events, *ev)
	}
	sortEvents(events)
	return events, nil
}

// clamp cuts r to the retention horizon. It reports false when nothing is left.
func (s *Service) clamp(r models.DateRange) (models.DateRange, bool) {
	if s.cfg.Retention <= 0 {
		return r, true
	}
	horizon := s.now().UTC().Add(-s.cfg.Retention)
	if r.Start.Before(horizon) {
		r.Start = horizon
	}
	return r, r.Valid()
}

// Recent lists the latest sync attempts, newest first.
func (s *Service) Recent(ctx context.Context, n int) ([]models.SyncAttempt, error) {
	return s.ledger.Recent(ctx, n)
}

func flightKey(r models.DateRange, scope models.Scope) string {
	return scope.Key() + "|" + r.Start.Format(time.RFC3339Nano) + "|" + r.End.Format(time.RFC3339Nano)
}

func sortEvents(events []models.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].ScheduledStart.Equal(events[j].ScheduledStart) {
			return events[i].ScheduledStart.Before(events[j].ScheduledStart)
		}
		return events[i].ProviderEventID < events[j].ProviderEventID
	})
}
