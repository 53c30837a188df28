package models

import (
	"fmt"
	"strings"
	"time"
)

// ScopeKind tags which variant a Scope holds.
type ScopeKind int

const (
	ScopeAll ScopeKind = iota
	ScopeUser
	ScopeTeam
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeUser:
		return "user"
	case ScopeTeam:
		return "team"
	default:
		return "all"
	}
}

// Scope narrows a sync or query to every event, one user's events or one team's events.
// Ref is empty for ScopeAll and required otherwise.
type Scope struct {
	Kind ScopeKind
	Ref  string
}

func AllScopes() Scope           { return Scope{Kind: ScopeAll} }
func UserScope(ref string) Scope { return Scope{Kind: ScopeUser, Ref: ref} }
func TeamScope(ref string) Scope { return Scope{Kind: ScopeTeam, Ref: ref} }

// ParseScope accepts "", "all", "user:REF" and "team:REF".
func ParseScope(s string) (Scope, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "all") {
		return AllScopes(), nil
	}
	kind, ref, ok := strings.Cut(s, ":")
	ref = strings.TrimSpace(ref)
	if !ok || ref == "" {
		return Scope{}, fmt.Errorf("invalid scope %q: want all, user:REF or team:REF", s)
	}
	switch strings.ToLower(kind) {
	case "user":
		return UserScope(ref), nil
	case "team":
		return TeamScope(ref), nil
	default:
		return Scope{}, fmt.Errorf("invalid scope kind %q", kind)
	}
}

// String is the inverse of ParseScope.
func (s Scope) String() string {
	if s.Kind == ScopeAll {
		return "all"
	}
	return s.Kind.String() + ":" + s.Ref
}

// Key identifies the scope in ledger rows and guard keys.
func (s Scope) Key() string { return s.String() }

// Covers reports whether a sync performed for s also satisfies a query for other.
// An all-scopes sync covers any query; a scoped sync only covers the same scope.
func (s Scope) Covers(other Scope) bool {
	switch s.Kind {
	case ScopeAll:
		return true
	case ScopeUser, ScopeTeam:
		return s.Kind == other.Kind && s.Ref == other.Ref
	default:
		return false
	}
}

// DateRange is a half-open interval [Start, End).
type DateRange struct {
	Start time.Time
	End   time.Time
}

// NewDateRange builds a UTC-normalized range.
func NewDateRange(start, end time.Time) DateRange {
	return DateRange{Start: start.UTC(), End: end.UTC()}
}

func (r DateRange) Valid() bool { return r.End.After(r.Start) }

func (r DateRange) Duration() time.Duration { return r.End.Sub(r.Start) }

// Contains reports whether other lies entirely inside r.
func (r DateRange) Contains(other DateRange) bool {
	return !other.Start.Before(r.Start) && !other.End.After(r.End)
}

func (r DateRange) Overlaps(other DateRange) bool {
	return r.Start.Before(other.End) && other.Start.Before(r.End)
}

// Includes reports whether t falls inside the range.
func (r DateRange) Includes(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// Split cuts r into consecutive windows of at most size. The last window ends at r.End.
func (r DateRange) Split(size time.Duration) []DateRange {
	if !r.Valid() {
		return nil
	}
	if size <= 0 {
		return []DateRange{r}
	}
	var out []DateRange
	for start := r.Start; start.Before(r.End); start = start.Add(size) {
		end := start.Add(size)
		if end.After(r.End) {
			end = r.End
		}
		out = append(out, DateRange{Start: start, End: end})
	}
	return out
}

func (r DateRange) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
}

// ParseDateRange parses request bounds given as YYYY-MM-DD or RFC3339. A bare
// date as end is exclusive, so "2024-01-01".."2024-01-31" covers through the 30th.
func ParseDateRange(start, end string) (DateRange, error) {
	s, err := parseBound(start)
	if err != nil {
		return DateRange{}, fmt.Errorf("invalid start: %w", err)
	}
	e, err := parseBound(end)
	if err != nil {
		return DateRange{}, fmt.Errorf("invalid end: %w", err)
	}
	return NewDateRange(s, e), nil
}

func parseBound(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, fmt.Errorf("missing value")
	}
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither YYYY-MM-DD nor RFC3339", v)
	}
	return t, nil
}
