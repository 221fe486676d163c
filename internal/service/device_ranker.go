package service

import (
	"sort"
	"sync"
	"time"

	"meshrelay/internal/constants"
	"meshrelay/internal/models"
)

// ScoredDevice pairs a discovered device with its routing score.
type ScoredDevice struct {
	Device models.DiscoveredDevice `json:"device"`
	Score  float64                 `json:"score"`
}

// DeviceRanker scores discovered devices for routing preference on a
// 100-point scale: emergency beacons first, then signal strength, link
// quality, recency of sighting, and connection history.
type DeviceRanker struct {
	mu      sync.RWMutex
	devices map[string]models.DiscoveredDevice
}

func NewDeviceRanker() *DeviceRanker {
	return &DeviceRanker{
		devices: make(map[string]models.DiscoveredDevice),
	}
}

// Observe records a discovery sighting, replacing any earlier one for the
// same device.
func (r *DeviceRanker) Observe(device models.DiscoveredDevice) {
	if device.LastSeenAt.IsZero() {
		device.LastSeenAt = time.Now().UTC()
	}
	r.mu.Lock()
	r.devices[device.DeviceID] = device
	r.mu.Unlock()
}

// Remove drops a device from the candidate set.
func (r *DeviceRanker) Remove(deviceID string) {
	r.mu.Lock()
	delete(r.devices, deviceID)
	r.mu.Unlock()
}

// Score computes the routing score for a device.
func Score(device models.DiscoveredDevice, now time.Time) float64 {
	score := 0.0

	if device.IsEmergency {
		score += constants.ScoreWeightEmergency
	}

	// Signal: -40 dBm or better is full marks, -100 dBm or worse is zero.
	signal := (float64(device.SignalStrength) + 100) / 60
	if signal < 0 {
		signal = 0
	}
	if signal > 1 {
		signal = 1
	}
	score += signal * constants.ScoreWeightSignal

	score += models.QualityScore(device.Quality) * constants.ScoreWeightQuality

	// Recency: linear decay over a minute since last sighting.
	age := now.Sub(device.LastSeenAt).Seconds()
	recency := 1 - age/60
	if recency < 0 {
		recency = 0
	}
	score += recency * constants.ScoreWeightRecency

	if device.PreviouslyConnected {
		history := 0.5 + float64(device.SuccessfulConnections)*0.1
		if history > 1 {
			history = 1
		}
		score += history * constants.ScoreWeightHistory
	}

	return score
}

// Rank returns all known devices ordered best-first. Ties break on device id
// so the order is stable.
func (r *DeviceRanker) Rank() []ScoredDevice {
	now := time.Now().UTC()

	r.mu.RLock()
	ranked := make([]ScoredDevice, 0, len(r.devices))
	for _, device := range r.devices {
		ranked = append(ranked, ScoredDevice{Device: device, Score: Score(device, now)})
	}
	r.mu.RUnlock()

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Device.DeviceID < ranked[j].Device.DeviceID
	})
	return ranked
}

// Best returns the highest-scoring device, or false when none are known.
func (r *DeviceRanker) Best() (ScoredDevice, bool) {
	ranked := r.Rank()
	if len(ranked) == 0 {
		return ScoredDevice{}, false
	}
	return ranked[0], true
}
