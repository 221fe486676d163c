package service

import (
	"context"
	"sync"
	"time"

	"meshrelay/internal/bus"
	"meshrelay/internal/constants"
	"meshrelay/internal/metrics"
	"meshrelay/internal/models"
	"meshrelay/internal/privacy"
	"meshrelay/pkg/transport"

	"github.com/sirupsen/logrus"
)

// deviceSample holds per-device probe history. outcomes is a rolling window
// of ping successes used to derive packet loss.
type deviceSample struct {
	outcomes []bool
	quality  models.ConnectionQuality
	known    bool
}

// QualityMonitor probes connected devices and classifies each link's
// quality from round-trip time and packet loss. A quality change is
// published on the bus so the reconnection manager and device ranker see it.
type QualityMonitor struct {
	transport transport.Transport
	bus       *bus.Bus
	logger    *logrus.Logger

	interval    time.Duration
	pingTimeout time.Duration
	windowSize  int

	mu      sync.RWMutex
	samples map[string]*deviceSample
}

// QualityChange is the bus payload for a device quality transition.
type QualityChange struct {
	DeviceID string                   `json:"deviceId"`
	Quality  models.ConnectionQuality `json:"quality"`
}

func NewQualityMonitor(tr transport.Transport, eventBus *bus.Bus, logger *logrus.Logger) *QualityMonitor {
	return &QualityMonitor{
		transport:   tr,
		bus:         eventBus,
		logger:      logger,
		interval:    time.Duration(constants.DefaultPingIntervalSec) * time.Second,
		pingTimeout: time.Duration(constants.DefaultPingTimeoutSec) * time.Second,
		windowSize:  constants.DefaultLossWindowSize,
		samples:     make(map[string]*deviceSample),
	}
}

// SetProbeConfig overrides the probe cadence and loss window. Used by config
// wiring before Start.
func (m *QualityMonitor) SetProbeConfig(interval, pingTimeout time.Duration, windowSize int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if interval > 0 {
		m.interval = interval
	}
	if pingTimeout > 0 {
		m.pingTimeout = pingTimeout
	}
	if windowSize > 0 {
		m.windowSize = windowSize
	}
}

// Start probes every connected device on a fixed interval until ctx is
// cancelled.
func (m *QualityMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.WithField("interval", m.interval).Info("Quality monitor started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Quality monitor stopped")
			return
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

func (m *QualityMonitor) probeAll(ctx context.Context) {
	for _, deviceID := range m.transport.ConnectedDevices() {
		if ctx.Err() != nil {
			return
		}
		m.Probe(ctx, deviceID)
	}
}

// Probe pings one device and folds the result into its rolling window.
func (m *QualityMonitor) Probe(ctx context.Context, deviceID string) {
	pingCtx, cancel := context.WithTimeout(ctx, m.pingTimeout)
	rtt, err := m.transport.Ping(pingCtx, deviceID)
	cancel()

	m.record(deviceID, rtt, err == nil)
}

func (m *QualityMonitor) record(deviceID string, rtt time.Duration, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sample, exists := m.samples[deviceID]
	if !exists {
		sample = &deviceSample{}
		m.samples[deviceID] = sample
	}

	sample.outcomes = append(sample.outcomes, ok)
	if len(sample.outcomes) > m.windowSize {
		sample.outcomes = sample.outcomes[len(sample.outcomes)-m.windowSize:]
	}

	loss := lossPercent(sample.outcomes)
	// A failed ping carries no RTT; reuse the last known one so loss alone
	// drives the classification.
	if !ok {
		rtt = sample.quality.RTT
		if rtt == 0 {
			rtt = time.Duration(constants.PoorRTTMs+1) * time.Millisecond
		}
	}

	next := models.ConnectionQuality{
		DeviceID:    deviceID,
		RTT:         rtt,
		PacketLoss:  loss,
		Level:       models.ClassifyQuality(rtt, loss),
		LastUpdated: time.Now().UTC(),
	}
	changed := !sample.known || next.Level != sample.quality.Level
	sample.quality = next
	sample.known = true

	metrics.SetGauge("quality_rtt_ms", float64(rtt.Milliseconds()), map[string]string{"device": privacy.MaskDeviceID(deviceID)}, "Last measured RTT")
	metrics.SetGauge("quality_loss_percent", loss, map[string]string{"device": privacy.MaskDeviceID(deviceID)}, "Rolling packet loss")

	if changed {
		m.bus.Publish(bus.Event{Kind: bus.KindDeviceQuality, Payload: QualityChange{DeviceID: deviceID, Quality: next}})
		m.logger.WithFields(logrus.Fields{
			"device_id": privacy.MaskDeviceID(deviceID),
			"level":     next.Level,
			"rtt":       rtt,
			"loss":      loss,
		}).Info("Connection quality changed")
	}
}

func lossPercent(outcomes []bool) float64 {
	if len(outcomes) == 0 {
		return 0
	}
	failed := 0
	for _, ok := range outcomes {
		if !ok {
			failed++
		}
	}
	return float64(failed) / float64(len(outcomes)) * 100
}

// Quality returns the last classification for a device, if one exists.
func (m *QualityMonitor) Quality(deviceID string) (models.ConnectionQuality, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sample, ok := m.samples[deviceID]
	if !ok || !sample.known {
		return models.ConnectionQuality{}, false
	}
	return sample.quality, true
}

// IsHealthy reports whether the device's last known quality is fair or
// better. Devices never probed count as healthy so a fresh disconnect still
// gets a reconnection attempt.
func (m *QualityMonitor) IsHealthy(deviceID string) bool {
	quality, known := m.Quality(deviceID)
	if !known {
		return true
	}
	return quality.IsHealthy()
}

// Forget drops a device's probe history. Called when a device is declared
// unreachable so a later reappearance starts clean.
func (m *QualityMonitor) Forget(deviceID string) {
	m.mu.Lock()
	delete(m.samples, deviceID)
	m.mu.Unlock()
}
