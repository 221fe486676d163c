// Package transport defines the narrow interface through which the delivery
// engine talks to the peer mesh. Discovery, pairing, and radio-level
// operations live behind it; the engine only sends bytes, pings, and receives
// inbound frames.
package transport

import (
	"context"
	"time"
)

// InboundMessage is a message reconstructed from the transport's byte stream.
type InboundMessage struct {
	MessageID  string    `json:"messageId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	StableID   string    `json:"stableId,omitempty"`
	Body       string    `json:"body"`
	Type       string    `json:"type"`
	Latitude   *float64  `json:"latitude,omitempty"`
	Longitude  *float64  `json:"longitude,omitempty"`
	Emergency  bool      `json:"emergency"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// ReceiveHandler is invoked for every inbound message. Implementations must
// not block; the transport may deliver from its read loop.
type ReceiveHandler func(msg InboundMessage)

// Transport abstracts the peer mesh.
type Transport interface {
	// Send transmits payload to the given device. A timeout or refusal is an
	// ordinary delivery failure, not a fatal condition.
	Send(ctx context.Context, deviceID string, payload []byte) error

	// Ping measures round-trip time to a connected device.
	Ping(ctx context.Context, deviceID string) (time.Duration, error)

	// Connect attempts to establish a connection to a discovered device.
	Connect(ctx context.Context, deviceID string) error

	// Disconnect tears down the connection to a device.
	Disconnect(ctx context.Context, deviceID string) error

	// ConnectedDevices lists currently connected device ids.
	ConnectedDevices() []string

	// SetReceiveHandler registers the inbound message callback.
	SetReceiveHandler(handler ReceiveHandler)
}
