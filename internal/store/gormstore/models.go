package gormstore

import (
	"time"

	"gorm.io/datatypes"
)

type eventRow struct {
	ProviderEventID  string         `gorm:"primaryKey;type:text"`
	Name             string         `gorm:"type:text;not null;default:''"`
	ScheduledStart   time.Time      `gorm:"type:timestamptz;not null;index:idx_events_start;index:idx_events_host,priority:2;index:idx_events_team,priority:2"`
	ScheduledEnd     time.Time      `gorm:"type:timestamptz;not null"`
	Status           string         `gorm:"type:text;not null"`
	HostName         string         `gorm:"type:text;not null;default:''"`
	HostEmail        string         `gorm:"type:text;not null;default:'';index:idx_events_host_email"`
	HostRef          string         `gorm:"type:text;not null;default:'';index:idx_events_host,priority:1"`
	TeamRef          string         `gorm:"type:text;not null;default:'';index:idx_events_team,priority:1"`
	Guests           datatypes.JSON `gorm:"type:jsonb;not null"`
	GuestCount       int            `gorm:"not null;default:0"`
	EventType        datatypes.JSON `gorm:"type:jsonb"`
	Location         datatypes.JSON `gorm:"type:jsonb"`
	RemoteModifiedAt *time.Time     `gorm:"type:timestamptz"`
	LastSyncedAt     time.Time      `gorm:"type:timestamptz;not null"`
	RawPayload       []byte         `gorm:"type:bytea"`
}

func (eventRow) TableName() string {
	return "events"
}

type attemptRow struct {
	ID           string     `gorm:"primaryKey;type:text"`
	ScopeKind    string     `gorm:"type:text;not null;index:idx_attempts_coverage,priority:1"`
	ScopeRef     string     `gorm:"type:text;not null;default:'';index:idx_attempts_coverage,priority:2"`
	RangeStart   time.Time  `gorm:"type:timestamptz;not null;index:idx_attempts_coverage,priority:3"`
	RangeEnd     time.Time  `gorm:"type:timestamptz;not null;index:idx_attempts_coverage,priority:4"`
	Status       string     `gorm:"type:text;not null"`
	Fetched      int        `gorm:"not null;default:0"`
	Created      int        `gorm:"not null;default:0"`
	Updated      int        `gorm:"not null;default:0"`
	Skipped      int        `gorm:"not null;default:0"`
	StartedAt    time.Time  `gorm:"type:timestamptz;not null;index:idx_attempts_started"`
	CompletedAt  *time.Time `gorm:"type:timestamptz;index:idx_attempts_coverage,priority:5"`
	DurationMs   int64      `gorm:"not null;default:0"`
	APICallCount int        `gorm:"column:api_call_count;not null;default:0"`
	ErrorMessage string     `gorm:"type:text;not null;default:''"`
}

func (attemptRow) TableName() string {
	return "sync_attempts"
}
