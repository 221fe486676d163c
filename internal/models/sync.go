package models

import "time"

type SyncOperation string

const (
	SyncOpInsert SyncOperation = "insert"
	SyncOpUpdate SyncOperation = "update"
	SyncOpDelete SyncOperation = "delete"
)

// SyncQueueEntry is a durable record of a pending remote-store mutation for
// tables that have no dedicated fast path. Retired on success, abandoned once
// it breaches both the attempt cap and the age window.
type SyncQueueEntry struct {
	ID          int64         `json:"id"`
	TableName   string        `json:"table"`
	RecordID    string        `json:"recordId"`
	Operation   SyncOperation `json:"operation"`
	Payload     []byte        `json:"payload"`
	Attempts    int           `json:"attempts"`
	LastAttempt time.Time     `json:"lastAttempt"`
	LastError   string        `json:"lastError,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// Abandoned reports whether the entry has exceeded both the attempt cap and
// the age window and should be purged instead of retried.
func (e *SyncQueueEntry) Abandoned(now time.Time, maxAttempts int, maxAge time.Duration) bool {
	return e.Attempts >= maxAttempts && now.Sub(e.CreatedAt) > maxAge
}
