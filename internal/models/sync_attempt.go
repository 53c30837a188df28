package models

import "time"

// SyncStatus is the lifecycle state of a SyncAttempt.
type SyncStatus string

const (
	SyncRunning   SyncStatus = "running"
	SyncCompleted SyncStatus = "completed"
	SyncFailed    SyncStatus = "failed"
)

// SyncCounts accumulates per-record outcomes of a sync invocation.
type SyncCounts struct {
	Fetched int `json:"fetched"`
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// Add records one upsert outcome.
func (c *SyncCounts) Add(r UpsertResult) {
	switch r {
	case UpsertCreated:
		c.Created++
	case UpsertUpdated:
		c.Updated++
	default:
		c.Skipped++
	}
}

// Merge adds other into c.
func (c *SyncCounts) Merge(other SyncCounts) {
	c.Fetched += other.Fetched
	c.Created += other.Created
	c.Updated += other.Updated
	c.Skipped += other.Skipped
}

// SyncAttempt is one ledger entry. It is created running and finalized once.
// Only completed attempts count as coverage.
type SyncAttempt struct {
	ID           string        `json:"id"`
	Scope        Scope         `json:"-"`
	Range        DateRange     `json:"-"`
	Status       SyncStatus    `json:"status"`
	Counts       SyncCounts    `json:"counts"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	Duration     time.Duration `json:"duration"`
	APICallCount int           `json:"api_call_count"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// Finalized reports whether the attempt left the running state.
func (a *SyncAttempt) Finalized() bool {
	return a.Status == SyncCompleted || a.Status == SyncFailed
}
