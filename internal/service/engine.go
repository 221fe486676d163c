package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"meshrelay/internal/bus"
	"meshrelay/internal/constants"
	engerrors "meshrelay/internal/errors"
	"meshrelay/internal/models"
	"meshrelay/internal/privacy"
	"meshrelay/internal/tracing"
	"meshrelay/pkg/transport"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SendRequest describes an outbound message from the local user.
type SendRequest struct {
	TargetDeviceID string   `json:"targetDeviceId"`
	TargetStableID string   `json:"targetStableId,omitempty"`
	TargetName     string   `json:"targetName,omitempty"`
	Body           string   `json:"body"`
	Type           string   `json:"type,omitempty"`
	Emergency      bool     `json:"emergency"`
	Latitude       *float64 `json:"latitude,omitempty"`
	Longitude      *float64 `json:"longitude,omitempty"`
}

// wireFrame is the transport payload for one message.
type wireFrame struct {
	MessageID string   `json:"messageId"`
	SenderID  string   `json:"senderId"`
	Body      string   `json:"body"`
	Type      string   `json:"type"`
	Emergency bool     `json:"emergency"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	SentAt    string   `json:"sentAt"`
}

// Engine is the façade over the delivery pipeline: it accepts outbound
// sends, routes inbound traffic into sessions, and owns the background
// loops' lifecycle.
type Engine struct {
	deviceID string

	store     *MessageStore
	resolver  *SessionResolver
	queue     *DeliveryQueue
	monitor   *QualityMonitor
	reconnect *ReconnectManager
	ranker    *DeviceRanker
	sync      *SyncCoordinator
	scheduler *Scheduler
	transport transport.Transport
	bus       *bus.Bus
	logger    *logrus.Logger

	connectivity interface {
		ConnectivityObserver
		Start(ctx context.Context)
	}

	mu            sync.Mutex
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	emergencyMode bool
}

// EngineDeps collects the collaborators an Engine needs.
type EngineDeps struct {
	DeviceID     string
	Store        *MessageStore
	Resolver     *SessionResolver
	Queue        *DeliveryQueue
	Monitor      *QualityMonitor
	Reconnect    *ReconnectManager
	Ranker       *DeviceRanker
	Sync         *SyncCoordinator
	Scheduler    *Scheduler
	Transport    transport.Transport
	Connectivity *HTTPConnectivity
	Bus          *bus.Bus
	Logger       *logrus.Logger
}

func NewEngine(deps EngineDeps) *Engine {
	e := &Engine{
		deviceID:  deps.DeviceID,
		store:     deps.Store,
		resolver:  deps.Resolver,
		queue:     deps.Queue,
		monitor:   deps.Monitor,
		reconnect: deps.Reconnect,
		ranker:    deps.Ranker,
		sync:      deps.Sync,
		scheduler: deps.Scheduler,
		transport: deps.Transport,
		bus:       deps.Bus,
		logger:    deps.Logger,
	}
	if deps.Connectivity != nil {
		e.connectivity = deps.Connectivity
	}

	// A reconnect flushes that device's backlog immediately instead of
	// waiting for the next sweep.
	e.reconnect.SetOnReconnected(func(deviceID string) {
		e.queue.ProcessDevice(context.Background(), deviceID)
	})

	return e
}

// Start restores persisted state and launches the background loops.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return engerrors.New(engerrors.ErrCodeInternalError, "engine already started")
	}

	if err := e.queue.Restore(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.transport.SetReceiveHandler(func(msg transport.InboundMessage) {
		// Transports deliver from their read loops; process off-thread.
		go e.HandleInbound(runCtx, msg)
	})

	loops := []func(context.Context){
		e.store.StartSweeper,
		e.queue.Start,
		e.monitor.Start,
		e.scheduler.Start,
	}
	if e.connectivity != nil {
		loops = append(loops, e.connectivity.Start, e.sync.Run)
	}

	for _, loop := range loops {
		e.wg.Add(1)
		go func(run func(context.Context)) {
			defer e.wg.Done()
			run(runCtx)
		}(loop)
	}

	e.logger.WithField("device_id", privacy.MaskDeviceID(e.deviceID)).Info("Delivery engine started")
	return nil
}

// Stop cancels the background loops and waits for them to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	e.wg.Wait()
	e.logger.Info("Delivery engine stopped")
}

// SetEmergencyMode raises the engine's urgency: operation timeouts double
// and reconnection keeps trying longer.
func (e *Engine) SetEmergencyMode(on bool) {
	e.mu.Lock()
	if e.emergencyMode == on {
		e.mu.Unlock()
		return
	}
	e.emergencyMode = on
	e.mu.Unlock()

	timeout := time.Duration(constants.DefaultSendTimeoutSec) * time.Second
	if on {
		timeout *= 2
	}
	e.queue.SetSendTimeout(timeout)
	e.reconnect.SetEmergencyMode(on)
	e.logger.WithField("emergency_mode", on).Warn("Emergency mode changed")
}

// EmergencyMode reports the current mode.
func (e *Engine) EmergencyMode() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.emergencyMode
}

// SendMessage stores an outbound message and queues it for delivery. The
// returned id is the message id; delivery completes asynchronously.
func (e *Engine) SendMessage(ctx context.Context, req SendRequest) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "engine.send")
	defer span.End()

	if req.Body == "" && req.Latitude == nil {
		return "", engerrors.New(engerrors.ErrCodeInvalidInput, "message body is empty")
	}
	deviceID := req.TargetDeviceID
	if deviceID == "" {
		// No explicit target: route to the best-ranked device.
		best, ok := e.ranker.Best()
		if !ok {
			return "", engerrors.New(engerrors.ErrCodeIdentityUnavailable, "no target device available")
		}
		deviceID = best.Device.DeviceID
	}

	session, err := e.resolver.Resolve(ctx, req.TargetStableID, deviceID, req.TargetName)
	if err != nil {
		return "", err
	}

	msg := &models.Message{
		ID:             uuid.New().String(),
		SessionID:      session.ID,
		SenderID:       e.deviceID,
		TargetDeviceID: deviceID,
		Body:           req.Body,
		Type:           messageType(req),
		Status:         models.MessageStatusPending,
		IsEmergency:    req.Emergency,
		Latitude:       req.Latitude,
		Longitude:      req.Longitude,
		CreatedAt:      time.Now().UTC(),
	}

	if _, err := e.store.Insert(ctx, msg, 0); err != nil {
		return "", err
	}

	payload, err := json.Marshal(wireFrame{
		MessageID: msg.ID,
		SenderID:  e.deviceID,
		Body:      msg.Body,
		Type:      string(msg.Type),
		Emergency: msg.IsEmergency,
		Latitude:  msg.Latitude,
		Longitude: msg.Longitude,
		SentAt:    msg.CreatedAt.Format(time.RFC3339),
	})
	if err != nil {
		return "", engerrors.Wrap(err, engerrors.ErrCodeInternalError, "failed to encode wire frame")
	}

	if _, err := e.queue.Enqueue(ctx, msg, deviceID, payload); err != nil {
		return "", err
	}

	// Kick a delivery pass so a connected device gets the message now.
	go e.queue.ProcessDevice(context.WithoutCancel(ctx), deviceID)

	return msg.ID, nil
}

func messageType(req SendRequest) models.MessageType {
	if req.Type != "" {
		return models.MessageType(req.Type)
	}
	if req.Latitude != nil && req.Longitude != nil {
		return models.MessageTypeLocation
	}
	if req.Emergency {
		return models.MessageTypeEmergency
	}
	return models.MessageTypeText
}

// HandleInbound routes a received message into its chat session. Duplicate
// retransmissions are acknowledged silently.
func (e *Engine) HandleInbound(ctx context.Context, in transport.InboundMessage) {
	ctx, span := tracing.StartSpan(ctx, "engine.receive")
	defer span.End()

	session, err := e.resolver.Resolve(ctx, in.StableID, in.SenderID, in.SenderName)
	if err != nil {
		e.logger.WithError(err).Warn("Failed to resolve session for inbound message")
		return
	}

	receivedAt := in.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	msg := &models.Message{
		ID:          in.MessageID,
		SessionID:   session.ID,
		SenderID:    in.SenderID,
		Body:        in.Body,
		Type:        models.MessageType(in.Type),
		Status:      models.MessageStatusDelivered,
		IsEmergency: in.Emergency,
		Latitude:    in.Latitude,
		Longitude:   in.Longitude,
		CreatedAt:   receivedAt,
	}
	if msg.Type == "" {
		msg.Type = models.MessageTypeText
	}

	if _, err := e.store.Insert(ctx, msg, 1); err != nil {
		if engerrors.IsDuplicate(err) {
			e.logger.WithField("message_id", privacy.MaskMessageID(in.MessageID)).
				Debug("Ignoring duplicate inbound message")
			return
		}
		e.logger.WithError(err).Error("Failed to store inbound message")
		return
	}

	e.bus.Publish(bus.Event{Kind: bus.KindMessageReceived, Payload: msg.ID})
}

// OnDeviceDisconnected is the transport-integration hook for connection
// drops.
func (e *Engine) OnDeviceDisconnected(ctx context.Context, deviceID string) {
	e.reconnect.OnDisconnect(ctx, deviceID)
}

// OnDeviceDiscovered feeds a discovery sighting to the ranker, folding in
// the latest quality observation when one exists.
func (e *Engine) OnDeviceDiscovered(device models.DiscoveredDevice) {
	if quality, ok := e.monitor.Quality(device.DeviceID); ok {
		device.Quality = quality.Level
	}
	e.ranker.Observe(device)
}

// QueueStats exposes delivery queue occupancy for the admin surface.
func (e *Engine) QueueStats() QueueStats {
	return e.queue.Stats()
}

// Sessions lists active chat sessions.
func (e *Engine) Sessions(ctx context.Context) ([]*models.ChatSession, error) {
	return e.resolver.Sessions(ctx)
}

// SessionMessages returns a session's message history.
func (e *Engine) SessionMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	return e.store.Messages(ctx, sessionID)
}

// RankedDevices returns routing candidates ordered best-first.
func (e *Engine) RankedDevices() []ScoredDevice {
	return e.ranker.Rank()
}
