package models

import (
	"strings"
	"time"

	"meshrelay/internal/constants"
)

type SessionStatus string

const (
	SessionStatusActive   SessionStatus = "active"
	SessionStatusArchived SessionStatus = "archived"
)

// SessionIDPrefix is prepended to the normalized peer identifier to form the
// canonical session id.
const SessionIDPrefix = "chat_"

// ChatSession is the canonical conversation with one peer identity.
type ChatSession struct {
	ID                string        `json:"id"`
	PeerStableID      string        `json:"peerStableId"`
	PeerAddress       string        `json:"peerAddress"`
	DisplayName       string        `json:"displayName"`
	CreatedAt         time.Time     `json:"createdAt"`
	LastMessageAt     time.Time     `json:"lastMessageAt"`
	LastConnectionAt  time.Time     `json:"lastConnectionAt"`
	UnreadCount       int           `json:"unreadCount"`
	MessageCount      int           `json:"messageCount"`
	ConnectionHistory []string      `json:"connectionHistory"`
	Status            SessionStatus `json:"status"`
}

// RecordConnection appends a connection-type observation, keeping only the
// most recent constants.ConnectionHistorySize entries.
func (s *ChatSession) RecordConnection(connType string, at time.Time) {
	s.ConnectionHistory = append(s.ConnectionHistory, connType)
	if len(s.ConnectionHistory) > constants.ConnectionHistorySize {
		s.ConnectionHistory = s.ConnectionHistory[len(s.ConnectionHistory)-constants.ConnectionHistorySize:]
	}
	s.LastConnectionAt = at
}

// NormalizeIdentifier canonicalizes a peer identifier for use in a session id:
// lowercased with separator characters stripped.
func NormalizeIdentifier(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	replacer := strings.NewReplacer(":", "", "-", "", " ", "")
	return replacer.Replace(id)
}

// NormalizeDisplayName canonicalizes a display name for duplicate grouping.
func NormalizeDisplayName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// SessionIDFor derives the deterministic session id for a peer identifier.
func SessionIDFor(id string) string {
	return SessionIDPrefix + NormalizeIdentifier(id)
}
