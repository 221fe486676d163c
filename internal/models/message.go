package models

import (
	"time"
)

type MessageType string

const (
	MessageTypeText      MessageType = "text"
	MessageTypeLocation  MessageType = "location"
	MessageTypeEmergency MessageType = "emergency"
	MessageTypeSOS       MessageType = "sos"
	MessageTypeFile      MessageType = "file"
)

type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusFailed    MessageStatus = "failed"
	MessageStatusSynced    MessageStatus = "synced"
)

// statusRank orders the forward path pending -> sent -> delivered -> synced.
// failed is reachable from any non-terminal state and is itself terminal.
var statusRank = map[MessageStatus]int{
	MessageStatusPending:   0,
	MessageStatusSent:      1,
	MessageStatusDelivered: 2,
	MessageStatusSynced:    3,
}

// CanTransition reports whether a status update from -> to is allowed.
// Status only advances; a stale confirmation never moves a message backwards.
func CanTransition(from, to MessageStatus) bool {
	if from == to {
		return false
	}
	if from == MessageStatusFailed {
		return false
	}
	if to == MessageStatusFailed {
		return from != MessageStatusSynced
	}
	return statusRank[to] > statusRank[from]
}

// Message is the durable record of a chat message. The ID doubles as the
// idempotency key for insert deduplication.
type Message struct {
	ID             string        `json:"id"`
	SessionID      string        `json:"sessionId"`
	SenderID       string        `json:"senderId"`
	TargetDeviceID string        `json:"targetDeviceId"`
	Body           string        `json:"body"`
	Type           MessageType   `json:"type"`
	Status         MessageStatus `json:"status"`
	IsEmergency    bool          `json:"isEmergency"`
	RetryCount     int           `json:"retryCount"`
	Latitude       *float64      `json:"latitude,omitempty"`
	Longitude      *float64      `json:"longitude,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	LocalSynced    bool          `json:"localSynced"`
	RemoteSynced   bool          `json:"remoteSynced"`
}

// Priority derives the delivery priority from the message content.
func (m *Message) Priority() QueuePriority {
	switch {
	case m.Type == MessageTypeSOS:
		return PriorityEmergency
	case m.IsEmergency || m.Type == MessageTypeEmergency:
		return PriorityEmergency
	case m.Type == MessageTypeLocation:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// IsTerminal reports whether the message has reached a final status.
func (m *Message) IsTerminal() bool {
	return m.Status == MessageStatusFailed || m.Status == MessageStatusSynced
}
