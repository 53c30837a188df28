package models

import "time"

// Status is the normalized lifecycle state of a scheduled event.
type Status string

const (
	StatusActive   Status = "active"
	StatusCanceled Status = "canceled"
	// StatusCompleted covers every provider status that is neither active nor canceled.
	StatusCompleted Status = "completed"
)

// ParseStatus maps a provider status string onto the tri-state Status.
func ParseStatus(s string) Status {
	switch s {
	case "active", "Active", "ACTIVE", "confirmed", "CONFIRMED":
		return StatusActive
	case "canceled", "cancelled", "Canceled", "Cancelled", "CANCELED", "CANCELLED":
		return StatusCanceled
	default:
		return StatusCompleted
	}
}

// Identity is a person known to the provider: a host or a guest.
type Identity struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Ref   string `json:"ref,omitempty"` // Provider reference (URI or id)
}

// IsZero reports whether no identifying field is set.
func (i Identity) IsZero() bool {
	return i.Name == "" && i.Email == "" && i.Ref == ""
}

// EventTypeMeta describes the provider's event type an event was booked through.
type EventTypeMeta struct {
	Name     string `json:"name,omitempty"`
	Duration int    `json:"duration,omitempty"` // Minutes
	Ref      string `json:"ref,omitempty"`
}

// Location is where an event takes place, as reported by the provider.
type Location struct {
	Type  string `json:"type,omitempty"`  // e.g. "zoom", "physical"
	Value string `json:"value,omitempty"` // Address, join URL or free text
}

// Event is the canonical cached representation of a provider event.
// It is independent of any specific provider payload shape.
type Event struct {
	ProviderEventID  string         `json:"provider_event_id"` // Unique key derived from the provider reference
	Name             string         `json:"name,omitempty"`
	ScheduledStart   time.Time      `json:"scheduled_start"`
	ScheduledEnd     time.Time      `json:"scheduled_end"`
	Status           Status         `json:"status"`
	Host             Identity       `json:"host"`
	TeamRef          string         `json:"team_ref,omitempty"` // Owning team, when booked through a team event type
	Guests           []Identity     `json:"guests"`
	EventType        *EventTypeMeta `json:"event_type,omitempty"`
	Location         *Location      `json:"location,omitempty"`
	RemoteModifiedAt *time.Time     `json:"remote_modified_at,omitempty"` // Provider last-modified, drives merges
	LastSyncedAt     time.Time      `json:"last_synced_at"`
	RawPayload       []byte         `json:"-"` // Retained for audit and debugging
}

// GuestCount returns the number of guests attached to the event.
func (e *Event) GuestCount() int {
	return len(e.Guests)
}

// MatchesScope reports whether the event belongs to the given scope.
func (e *Event) MatchesScope(s Scope) bool {
	switch s.Kind {
	case ScopeUser:
		return e.Host.Ref == s.Ref || (e.Host.Email != "" && e.Host.Email == s.Ref)
	case ScopeTeam:
		return e.TeamRef == s.Ref
	default:
		return true
	}
}

// NewerThan reports whether e should replace stored under the merge rule:
// stored has no remote timestamp, or e's timestamp is strictly later.
func (e *Event) NewerThan(stored *Event) bool {
	if stored == nil || stored.RemoteModifiedAt == nil {
		return true
	}
	if e.RemoteModifiedAt == nil {
		return false
	}
	return e.RemoteModifiedAt.After(*stored.RemoteModifiedAt)
}

// UpsertResult is the outcome of merging one candidate into the store.
type UpsertResult string

const (
	UpsertCreated UpsertResult = "created"
	UpsertUpdated UpsertResult = "updated"
	UpsertSkipped UpsertResult = "skipped"
)
