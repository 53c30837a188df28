// Package coverage answers whether a (range, scope) was freshly synced and
// plans which sub-ranges still have to be fetched.
package coverage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"schedcache/internal/models"
	"schedcache/internal/store"
)

// Index reads coverage from completed ledger attempts.
type Index struct {
	store  store.LedgerStore
	window time.Duration
	now    func() time.Time
}

// NewIndex returns an Index trusting completed attempts for window. A nil now uses time.Now.
func NewIndex(st store.LedgerStore, window time.Duration, now func() time.Time) *Index {
	if now == nil {
		now = time.Now
	}
	return &Index{store: st, window: window, now: now}
}

func (ix *Index) Window() time.Duration { return ix.window }

// fresh keeps attempts completed strictly less than window ago.
func (ix *Index) fresh(attempts []models.SyncAttempt) []models.SyncAttempt {
	now := ix.now()
	out := attempts[:0]
	for _, a := range attempts {
		if a.CompletedAt != nil && now.Sub(*a.CompletedAt) < ix.window {
			out = append(out, a)
		}
	}
	return out
}

// Covering returns the most recently completed fresh attempt whose range
// contains r and whose scope covers scope, or nil.
func (ix *Index) Covering(ctx context.Context, r models.DateRange, scope models.Scope) (*models.SyncAttempt, error) {
	attempts, err := ix.store.CompletedAttempts(ctx, store.AttemptQuery{
		Scope:          scope,
		Range:          r,
		CompletedSince: ix.now().Add(-ix.window),
	})
	if err != nil {
		return nil, fmt.Errorf("coverage lookup: %w", err)
	}
	attempts = ix.fresh(attempts)
	if len(attempts) == 0 {
		return nil, nil
	}
	return &attempts[0], nil
}

func (ix *Index) IsFresh(ctx context.Context, r models.DateRange, scope models.Scope) (bool, error) {
	a, err := ix.Covering(ctx, r, scope)
	return a != nil, err
}

// LastSync returns the most recently completed attempt touching r for scope,
// however old, or nil.
func (ix *Index) LastSync(ctx context.Context, r models.DateRange, scope models.Scope) (*models.SyncAttempt, error) {
	attempts, err := ix.store.CompletedAttempts(ctx, store.AttemptQuery{Scope: scope, Range: r, Overlapping: true})
	if err != nil {
		return nil, fmt.Errorf("last sync lookup: %w", err)
	}
	if len(attempts) == 0 {
		return nil, nil
	}
	return &attempts[0], nil
}

// Covered returns the fresh covered parts of r as sorted, disjoint intervals.
func (ix *Index) Covered(ctx context.Context, r models.DateRange, scope models.Scope) ([]models.DateRange, error) {
	attempts, err := ix.store.CompletedAttempts(ctx, store.AttemptQuery{
		Scope:          scope,
		Range:          r,
		CompletedSince: ix.now().Add(-ix.window),
		Overlapping:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("coverage lookup: %w", err)
	}
	var intervals []models.DateRange
	for _, a := range ix.fresh(attempts) {
		clipped := a.Range
		if clipped.Start.Before(r.Start) {
			clipped.Start = r.Start
		}
		if clipped.End.After(r.End) {
			clipped.End = r.End
		}
		if clipped.Valid() {
			intervals = append(intervals, clipped)
		}
	}
	return merge(intervals), nil
}

// merge sorts intervals and joins overlapping or touching ones.
func merge(in []models.DateRange) []models.DateRange {
	if len(in) == 0 {
		return nil
	}
	sort.Slice(in, func(i, j int) bool { return in[i].Start.Before(in[j].Start) })
	out := []models.DateRange{in[0]}
	for _, r := range in[1:] {
		last := &out[len(out)-1]
		if !r.Start.After(last.End) {
			if r.End.After(last.End) {
				last.End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// subtract returns the parts of r not covered by the sorted, disjoint covered list.
func subtract(r models.DateRange, covered []models.DateRange) []models.DateRange {
	var gaps []models.DateRange
	cursor := r.Start
	for _, c := range covered {
		if c.Start.After(cursor) {
			gaps = append(gaps, models.DateRange{Start: cursor, End: c.Start})
		}
		if c.End.After(cursor) {
			cursor = c.End
		}
	}
	if r.End.After(cursor) {
		gaps = append(gaps, models.DateRange{Start: cursor, End: r.End})
	}
	return gaps
}

// Policy selects how a Planner computes missing ranges.
type Policy string

const (
	// PolicyFull refetches the whole range unless it is fully fresh.
	PolicyFull Policy = "full"
	// PolicyGaps fetches only the parts not covered by fresh attempts.
	PolicyGaps Policy = "gaps"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyFull:
		return PolicyFull, nil
	case PolicyGaps:
		return PolicyGaps, nil
	default:
		return "", fmt.Errorf("unknown planner policy %q", s)
	}
}

type Planner struct {
	index  *Index
	policy Policy
}

func NewPlanner(index *Index, policy Policy) *Planner {
	if policy == "" {
		policy = PolicyFull
	}
	return &Planner{index: index, policy: policy}
}

func (p *Planner) Policy() Policy { return p.policy }

// Plan returns the ordered sub-ranges of r that must be fetched for scope.
// An empty result means r is fully fresh.
func (p *Planner) Plan(ctx context.Context, r models.DateRange, scope models.Scope) ([]models.DateRange, error) {
	if !r.Valid() {
		return nil, nil
	}
	fresh, err := p.index.IsFresh(ctx, r, scope)
	if err != nil {
		return nil, err
	}
	if fresh {
		return nil, nil
	}
	if p.policy != PolicyGaps {
		return []models.DateRange{r}, nil
	}
	covered, err := p.index.Covered(ctx, r, scope)
	if err != nil {
		return nil, err
	}
	return subtract(r, covered), nil
}
