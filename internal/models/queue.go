package models

import (
	"math/rand/v2"
	"time"

	"meshrelay/internal/constants"
)

type QueuePriority int

const (
	PriorityNormal QueuePriority = iota
	PriorityHigh
	PriorityEmergency
)

func (p QueuePriority) String() string {
	switch p {
	case PriorityEmergency:
		return "emergency"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// ParsePriority maps the stored string form back to a QueuePriority.
func ParsePriority(s string) QueuePriority {
	switch s {
	case "emergency":
		return PriorityEmergency
	case "high":
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// QueuedMessage is a delivery attempt record. It may be discarded and
// recreated without losing the underlying Message.
type QueuedMessage struct {
	ID          string        `json:"id"`
	MessageID   string        `json:"messageId"`
	SessionID   string        `json:"sessionId"`
	DeviceID    string        `json:"deviceId"`
	Payload     []byte        `json:"payload"`
	Type        MessageType   `json:"type"`
	Priority    QueuePriority `json:"priority"`
	QueuedAt    time.Time     `json:"queuedAt"`
	RetryCount  int           `json:"retryCount"`
	LastRetryAt time.Time     `json:"lastRetryAt"`
	// NextAttemptAt is set after a failed attempt: lastRetryAt + backoff + jitter.
	NextAttemptAt time.Time `json:"nextAttemptAt"`
	LastError     string    `json:"lastError,omitempty"`
}

// MaxRetries returns the retry budget for the item's priority.
func (q *QueuedMessage) MaxRetries() int {
	switch q.Priority {
	case PriorityEmergency:
		return constants.DefaultMaxRetriesEmergency
	case PriorityHigh:
		return constants.DefaultMaxRetriesHigh
	default:
		return constants.DefaultMaxRetriesNormal
	}
}

// MaxAge returns the age ceiling after which the item expires regardless of
// remaining retry budget.
func (q *QueuedMessage) MaxAge() time.Duration {
	if q.Priority == PriorityEmergency {
		return time.Duration(constants.DefaultMaxAgeEmergencyHours) * time.Hour
	}
	return time.Duration(constants.DefaultMaxAgeNormalHours) * time.Hour
}

// IsExpired reports whether the item has outlived its priority's age ceiling.
func (q *QueuedMessage) IsExpired(now time.Time) bool {
	return now.Sub(q.QueuedAt) > q.MaxAge()
}

// RetriesExhausted reports whether the retry budget is spent.
func (q *QueuedMessage) RetriesExhausted() bool {
	return q.RetryCount >= q.MaxRetries()
}

// Backoff returns the minimum interval that must elapse after attempt n
// before attempt n+1: base * clamp(n^2, 1, 10). Quadratic growth, bounded
// at a 10x multiplier. Jitter is added separately by NextRetryAt.
func Backoff(retryCount int) time.Duration {
	multiplier := retryCount * retryCount
	if multiplier < 1 {
		multiplier = 1
	}
	if multiplier > constants.DefaultRetryMultiplierCap {
		multiplier = constants.DefaultRetryMultiplierCap
	}
	return time.Duration(multiplier) * time.Duration(constants.DefaultRetryBaseSec) * time.Second
}

// RecordFailure bumps the retry counter and schedules the next attempt with
// jitter in [0, DefaultRetryJitterMaxSec) so retries across devices do not
// synchronize into storms.
func (q *QueuedMessage) RecordFailure(now time.Time, cause string) {
	q.RetryCount++
	q.LastRetryAt = now
	q.LastError = cause
	jitter := time.Duration(rand.Int64N(int64(constants.DefaultRetryJitterMaxSec) * int64(time.Second)))
	q.NextAttemptAt = now.Add(Backoff(q.RetryCount) + jitter)
}

// RetryEligible reports whether the item may be attempted now: retry budget
// remaining and the backoff interval for the current retry count elapsed.
func (q *QueuedMessage) RetryEligible(now time.Time) bool {
	if q.RetriesExhausted() {
		return false
	}
	if q.LastRetryAt.IsZero() {
		return true
	}
	if !q.NextAttemptAt.IsZero() {
		return !now.Before(q.NextAttemptAt)
	}
	return !now.Before(q.LastRetryAt.Add(Backoff(q.RetryCount)))
}
