package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from MessageStatus
		to   MessageStatus
		want bool
	}{
		{"pending to sent", MessageStatusPending, MessageStatusSent, true},
		{"sent to delivered", MessageStatusSent, MessageStatusDelivered, true},
		{"delivered to synced", MessageStatusDelivered, MessageStatusSynced, true},
		{"pending straight to delivered", MessageStatusPending, MessageStatusDelivered, true},
		{"no backwards from delivered", MessageStatusDelivered, MessageStatusSent, false},
		{"no backwards from synced", MessageStatusSynced, MessageStatusPending, false},
		{"same status is not a transition", MessageStatusSent, MessageStatusSent, false},
		{"pending can fail", MessageStatusPending, MessageStatusFailed, true},
		{"delivered can fail", MessageStatusDelivered, MessageStatusFailed, true},
		{"synced cannot fail", MessageStatusSynced, MessageStatusFailed, false},
		{"failed is terminal", MessageStatusFailed, MessageStatusPending, false},
		{"failed cannot resync", MessageStatusFailed, MessageStatusSynced, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestMessagePriority(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want QueuePriority
	}{
		{"plain text", Message{Type: MessageTypeText}, PriorityNormal},
		{"file", Message{Type: MessageTypeFile}, PriorityNormal},
		{"location share", Message{Type: MessageTypeLocation}, PriorityHigh},
		{"sos beacon", Message{Type: MessageTypeSOS}, PriorityEmergency},
		{"emergency type", Message{Type: MessageTypeEmergency}, PriorityEmergency},
		{"emergency flag on text", Message{Type: MessageTypeText, IsEmergency: true}, PriorityEmergency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.msg.Priority())
		})
	}
}

func TestMessageIsTerminal(t *testing.T) {
	assert.False(t, (&Message{Status: MessageStatusPending}).IsTerminal())
	assert.False(t, (&Message{Status: MessageStatusDelivered}).IsTerminal())
	assert.True(t, (&Message{Status: MessageStatusFailed}).IsTerminal())
	assert.True(t, (&Message{Status: MessageStatusSynced}).IsTerminal())
}
