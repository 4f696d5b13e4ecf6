package models

import "time"

// Synchronization kinds and statuses recorded in the sync log.
const (
	SyncKindFull    = "full"
	SyncKindPartial = "partial"

	SyncStatusRunning   = "running"
	SyncStatusCompleted = "completed"
	SyncStatusFailed    = "failed"
)

// SyncLog is an append-only record of one synchronization attempt. Entries are
// created when a refresh starts and finalized exactly once with either a
// completed or failed status.
type SyncLog struct {
	BaseModel

	DealerID          string `gorm:"type:uuid;not null;index" json:"dealer_id"`
	ProviderAccountID string `gorm:"not null;index" json:"provider_account_id"`
	Kind              string `gorm:"not null" json:"kind"`
	Status            string `gorm:"not null;index" json:"status"`

	StartedAt  time.Time  `gorm:"not null;index" json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	Processed   int `json:"processed"`
	Created     int `json:"created"`
	Updated     int `json:"updated"`
	MarkedStale int `json:"marked_stale"`

	Error string `json:"error,omitempty"`
}
