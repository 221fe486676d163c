package service

import (
	"context"
	"sync"
	"time"

	"meshrelay/internal/bus"
	"meshrelay/internal/constants"
	"meshrelay/internal/metrics"
	"meshrelay/internal/privacy"
	"meshrelay/pkg/transport"

	"github.com/sirupsen/logrus"
)

// HealthChecker is the slice of QualityMonitor the reconnection manager
// consults before spending reconnect attempts on a degraded link.
type HealthChecker interface {
	IsHealthy(deviceID string) bool
	Forget(deviceID string)
}

// ReconnectManager re-establishes dropped connections with exponential
// backoff. Devices whose link quality was already unhealthy at disconnect
// are not pursued automatically unless emergency mode is on; a manual
// Trigger always starts a cycle.
type ReconnectManager struct {
	transport transport.Transport
	health    HealthChecker
	bus       *bus.Bus
	logger    *logrus.Logger

	baseDelay      time.Duration
	maxDelay       time.Duration
	maxAttempts    int
	emergencyLimit int
	connectTimeout time.Duration

	mu            sync.Mutex
	active        map[string]context.CancelFunc
	emergencyMode bool

	// onReconnected lets the engine flush a device's queue right after a
	// successful reconnect instead of waiting for the next sweep.
	onReconnected func(deviceID string)
}

func NewReconnectManager(tr transport.Transport, health HealthChecker, eventBus *bus.Bus, logger *logrus.Logger) *ReconnectManager {
	return &ReconnectManager{
		transport:      tr,
		health:         health,
		bus:            eventBus,
		logger:         logger,
		baseDelay:      time.Duration(constants.DefaultReconnectBaseSec) * time.Second,
		maxDelay:       time.Duration(constants.DefaultReconnectMaxDelaySec) * time.Second,
		maxAttempts:    constants.DefaultReconnectMaxAttempts,
		emergencyLimit: constants.DefaultReconnectEmergencyAttempts,
		connectTimeout: time.Duration(constants.DefaultConnectTimeoutSec) * time.Second,
		active:         make(map[string]context.CancelFunc),
	}
}

// SetBackoff overrides the reconnect base delay and attempt budget. Used by
// config wiring before any cycle starts.
func (m *ReconnectManager) SetBackoff(baseDelay time.Duration, maxAttempts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if baseDelay > 0 {
		m.baseDelay = baseDelay
	}
	if maxAttempts > 0 {
		m.maxAttempts = maxAttempts
		// Emergency mode always gets at least double the normal budget.
		if m.emergencyLimit < 2*maxAttempts {
			m.emergencyLimit = 2 * maxAttempts
		}
	}
}

// SetEmergencyMode widens the attempt budget and overrides the health gate.
func (m *ReconnectManager) SetEmergencyMode(on bool) {
	m.mu.Lock()
	m.emergencyMode = on
	m.mu.Unlock()
}

// SetOnReconnected registers a callback run after each successful reconnect.
func (m *ReconnectManager) SetOnReconnected(fn func(deviceID string)) {
	m.mu.Lock()
	m.onReconnected = fn
	m.mu.Unlock()
}

// OnDisconnect reacts to a dropped connection. It is a no-op when a cycle
// for the device is already running, or when the link was unhealthy and
// emergency mode is off.
func (m *ReconnectManager) OnDisconnect(ctx context.Context, deviceID string) {
	m.mu.Lock()
	emergency := m.emergencyMode
	m.mu.Unlock()

	if !emergency && !m.health.IsHealthy(deviceID) {
		m.logger.WithField("device_id", privacy.MaskDeviceID(deviceID)).
			Info("Skipping auto-reconnect for unhealthy link")
		return
	}
	m.start(ctx, deviceID)
}

// Trigger starts a reconnection cycle unconditionally. Idempotent while a
// cycle is in flight.
func (m *ReconnectManager) Trigger(ctx context.Context, deviceID string) {
	m.start(ctx, deviceID)
}

func (m *ReconnectManager) start(ctx context.Context, deviceID string) {
	m.mu.Lock()
	if _, running := m.active[deviceID]; running {
		m.mu.Unlock()
		return
	}
	cycleCtx, cancel := context.WithCancel(ctx)
	m.active[deviceID] = cancel
	limit := m.maxAttempts
	if m.emergencyMode {
		limit = m.emergencyLimit
	}
	onReconnected := m.onReconnected
	m.mu.Unlock()

	go m.run(cycleCtx, deviceID, limit, onReconnected)
}

// Stop cancels a running reconnection cycle. Safe to call when none exists.
func (m *ReconnectManager) Stop(deviceID string) {
	m.mu.Lock()
	cancel, running := m.active[deviceID]
	delete(m.active, deviceID)
	m.mu.Unlock()
	if running {
		cancel()
	}
}

// Active reports whether a cycle is running for the device.
func (m *ReconnectManager) Active(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, running := m.active[deviceID]
	return running
}

func (m *ReconnectManager) run(ctx context.Context, deviceID string, limit int, onReconnected func(string)) {
	defer func() {
		m.mu.Lock()
		delete(m.active, deviceID)
		m.mu.Unlock()
	}()

	log := m.logger.WithField("device_id", privacy.MaskDeviceID(deviceID))

	for attempt := 1; attempt <= limit; attempt++ {
		delay := m.delayFor(attempt)
		select {
		case <-ctx.Done():
			log.Debug("Reconnection cycle cancelled")
			return
		case <-time.After(delay):
		}

		connectCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
		err := m.transport.Connect(connectCtx, deviceID)
		cancel()

		if err == nil {
			metrics.IncrementCounter("reconnect_success", nil, "Successful reconnections")
			m.bus.Publish(bus.Event{Kind: bus.KindDeviceReconnected, Payload: deviceID})
			log.WithField("attempt", attempt).Info("Device reconnected")
			if onReconnected != nil {
				onReconnected(deviceID)
			}
			return
		}

		metrics.IncrementCounter("reconnect_failures", nil, "Failed reconnection attempts")
		log.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"limit":   limit,
			"delay":   delay,
		}).Warn("Reconnection attempt failed")
	}

	// Budget spent. Declare the device unreachable and reset its quality
	// history so a later sighting starts fresh.
	m.health.Forget(deviceID)
	m.bus.Publish(bus.Event{Kind: bus.KindDeviceUnreachable, Payload: deviceID})
	metrics.IncrementCounter("reconnect_exhausted", nil, "Devices declared unreachable")
	log.WithField("attempts", limit).Warn("Device unreachable, giving up")
}

// delayFor returns the backoff before attempt n: base doubled per attempt,
// capped at maxDelay. Attempts beyond the cap keep the ceiling delay.
func (m *ReconnectManager) delayFor(attempt int) time.Duration {
	delay := m.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= m.maxDelay {
			return m.maxDelay
		}
	}
	if delay > m.maxDelay {
		return m.maxDelay
	}
	return delay
}
