package models

import "time"

// DiscoveredDevice is a peer seen by discovery but not necessarily connected.
// Input to the device ranker.
type DiscoveredDevice struct {
	DeviceID              string       `json:"deviceId"`
	StableID              string       `json:"stableId,omitempty"`
	Name                  string       `json:"name"`
	SignalStrength        int          `json:"signalStrength"` // dBm, typically -100..-30
	IsEmergency           bool         `json:"isEmergency"`
	Quality               QualityLevel `json:"quality,omitempty"`
	LastSeenAt            time.Time    `json:"lastSeenAt"`
	PreviouslyConnected   bool         `json:"previouslyConnected"`
	SuccessfulConnections int          `json:"successfulConnections"`
}
