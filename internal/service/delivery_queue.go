package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"meshrelay/internal/bus"
	"meshrelay/internal/constants"
	engerrors "meshrelay/internal/errors"
	"meshrelay/internal/metrics"
	"meshrelay/internal/models"
	"meshrelay/internal/privacy"
	"meshrelay/internal/tracing"
	"meshrelay/pkg/transport"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// QueueDatabase defines the persistence operations needed by DeliveryQueue
type QueueDatabase interface {
	SaveQueuedMessage(ctx context.Context, item *models.QueuedMessage) error
	DeleteQueuedMessage(ctx context.Context, id string) error
	ListQueuedForDevice(ctx context.Context, deviceID string) ([]*models.QueuedMessage, error)
	ListQueuedAll(ctx context.Context) ([]*models.QueuedMessage, error)
}

// StatusRecorder is the slice of MessageStore the queue needs to report
// delivery outcomes.
type StatusRecorder interface {
	MarkDelivered(ctx context.Context, messageID string, retryCount int) error
	MarkFailed(ctx context.Context, messageID string, retryCount int) error
	UpdateStatus(ctx context.Context, messageID string, status models.MessageStatus, retryCount int) error
}

// QueueStats is a point-in-time snapshot for the admin surface.
type QueueStats struct {
	Total     int            `json:"total"`
	ByDevice  map[string]int `json:"byDevice"`
	Emergency int            `json:"emergency"`
	High      int            `json:"high"`
	Normal    int            `json:"normal"`
}

// DeliveryQueue holds undelivered messages per target device and retries them
// with backoff until delivery, retry exhaustion, or expiry. Every mutation is
// mirrored to the database so a restart resumes where it left off.
type DeliveryQueue struct {
	transport transport.Transport
	db        QueueDatabase
	store     StatusRecorder
	bus       *bus.Bus
	logger    *logrus.Logger

	perDeviceCap int
	globalCap    int
	sendTimeout  time.Duration
	sweepEvery   time.Duration

	mu     sync.Mutex
	queues map[string][]*models.QueuedMessage
	total  int

	// deviceLocks serialize processing per device. ProcessDevice uses
	// TryLock so overlapping triggers skip instead of piling up;
	// ClearDevice takes the lock outright and waits.
	lockMu      sync.Mutex
	deviceLocks map[string]*sync.Mutex
}

func NewDeliveryQueue(tr transport.Transport, db QueueDatabase, store StatusRecorder, eventBus *bus.Bus, logger *logrus.Logger) *DeliveryQueue {
	return &DeliveryQueue{
		transport:    tr,
		db:           db,
		store:        store,
		bus:          eventBus,
		logger:       logger,
		perDeviceCap: constants.DefaultPerDeviceQueueCap,
		globalCap:    constants.DefaultGlobalQueueCap,
		sendTimeout:  time.Duration(constants.DefaultSendTimeoutSec) * time.Second,
		sweepEvery:   time.Duration(constants.DefaultQueueSweepSec) * time.Second,
		queues:       make(map[string][]*models.QueuedMessage),
		deviceLocks:  make(map[string]*sync.Mutex),
	}
}

// SetCaps overrides the admission-control limits. Used by config wiring.
func (q *DeliveryQueue) SetCaps(perDevice, global int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if perDevice > 0 {
		q.perDeviceCap = perDevice
	}
	if global > 0 {
		q.globalCap = global
	}
}

// SetSendTimeout overrides the per-attempt send deadline. Emergency mode
// doubles it at the engine level.
func (q *DeliveryQueue) SetSendTimeout(d time.Duration) {
	q.mu.Lock()
	q.sendTimeout = d
	q.mu.Unlock()
}

// SetSweepInterval overrides the periodic delivery sweep cadence. Used by
// config wiring before Start.
func (q *DeliveryQueue) SetSweepInterval(d time.Duration) {
	q.mu.Lock()
	if d > 0 {
		q.sweepEvery = d
	}
	q.mu.Unlock()
}

// Restore loads persisted queue items back into memory. Call once at startup
// before Start.
func (q *DeliveryQueue) Restore(ctx context.Context) error {
	items, err := q.db.ListQueuedAll(ctx)
	if err != nil {
		return engerrors.Wrap(err, engerrors.ErrCodeDatabaseQuery, "failed to restore delivery queue")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues = make(map[string][]*models.QueuedMessage)
	q.total = 0
	for _, item := range items {
		q.queues[item.DeviceID] = append(q.queues[item.DeviceID], item)
		q.total++
	}
	for deviceID := range q.queues {
		q.sortDeviceLocked(deviceID)
	}

	if q.total > 0 {
		q.logger.WithField("items", q.total).Info("Restored delivery queue from database")
	}
	return nil
}

// Enqueue admits a message for delivery to a device. Admission control may
// evict a lower-priority item to make room; emergency items are never
// evicted. Returns the queue item id.
func (q *DeliveryQueue) Enqueue(ctx context.Context, msg *models.Message, deviceID string, payload []byte) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "queue.enqueue")
	defer span.End()

	if deviceID == "" {
		return "", engerrors.New(engerrors.ErrCodeInvalidInput, "target device id is required")
	}

	item := &models.QueuedMessage{
		ID:        uuid.New().String(),
		MessageID: msg.ID,
		SessionID: msg.SessionID,
		DeviceID:  deviceID,
		Payload:   payload,
		Type:      msg.Type,
		Priority:  msg.Priority(),
		QueuedAt:  time.Now().UTC(),
	}

	evicted, err := q.admit(item)
	if err != nil {
		return "", err
	}
	for _, ev := range evicted {
		if dbErr := q.db.DeleteQueuedMessage(ctx, ev.ID); dbErr != nil {
			q.logger.WithError(dbErr).Warn("Failed to delete evicted queue item")
		}
		if stErr := q.store.MarkFailed(ctx, ev.MessageID, ev.RetryCount); stErr != nil {
			q.logger.WithError(stErr).Warn("Failed to mark evicted message as failed")
		}
		metrics.IncrementCounter("queue_evictions", map[string]string{"priority": ev.Priority.String()}, "Queue items evicted by admission control")
	}

	if err := q.db.SaveQueuedMessage(ctx, item); err != nil {
		q.remove(item.DeviceID, item.ID)
		return "", engerrors.Wrap(err, engerrors.ErrCodeDatabaseQuery, "failed to persist queue item")
	}

	metrics.IncrementCounter("queue_enqueued", map[string]string{"priority": item.Priority.String()}, "Messages admitted to the delivery queue")
	q.logger.WithFields(logrus.Fields{
		"queue_id":  item.ID,
		"device_id": privacy.MaskDeviceID(deviceID),
		"priority":  item.Priority.String(),
	}).Debug("Message queued for delivery")

	return item.ID, nil
}

// admit inserts the item under the capacity rules and returns any items
// evicted to make room.
func (q *DeliveryQueue) admit(item *models.QueuedMessage) ([]*models.QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var evicted []*models.QueuedMessage

	if len(q.queues[item.DeviceID]) >= q.perDeviceCap {
		victim := q.oldestEvictableLocked(item.DeviceID)
		if victim == nil {
			if item.Priority != models.PriorityEmergency {
				return nil, engerrors.New(engerrors.ErrCodeInternalError, "device queue full of emergency traffic").
					WithContext("device_id", privacy.MaskDeviceID(item.DeviceID))
			}
			// Emergency admission may exceed the cap when nothing is evictable.
		} else {
			q.removeLocked(victim.DeviceID, victim.ID)
			evicted = append(evicted, victim)
		}
	}

	if q.total >= q.globalCap {
		victim := q.oldestEvictableLocked("")
		if victim == nil {
			if item.Priority != models.PriorityEmergency {
				return nil, engerrors.New(engerrors.ErrCodeInternalError, "delivery queue full of emergency traffic")
			}
		} else {
			q.removeLocked(victim.DeviceID, victim.ID)
			evicted = append(evicted, victim)
		}
	}

	q.queues[item.DeviceID] = append(q.queues[item.DeviceID], item)
	q.total++
	q.sortDeviceLocked(item.DeviceID)

	return evicted, nil
}

// oldestEvictableLocked finds the eviction victim: the oldest normal-priority
// item, falling back to the oldest high-priority one. Emergency items are
// never candidates. deviceID narrows the search to one device; empty scans
// all devices.
func (q *DeliveryQueue) oldestEvictableLocked(deviceID string) *models.QueuedMessage {
	var oldestNormal, oldestHigh *models.QueuedMessage
	scan := func(items []*models.QueuedMessage) {
		for _, it := range items {
			switch it.Priority {
			case models.PriorityNormal:
				if oldestNormal == nil || it.QueuedAt.Before(oldestNormal.QueuedAt) {
					oldestNormal = it
				}
			case models.PriorityHigh:
				if oldestHigh == nil || it.QueuedAt.Before(oldestHigh.QueuedAt) {
					oldestHigh = it
				}
			}
		}
	}
	if deviceID != "" {
		scan(q.queues[deviceID])
	} else {
		for _, items := range q.queues {
			scan(items)
		}
	}
	if oldestNormal != nil {
		return oldestNormal
	}
	return oldestHigh
}

func (q *DeliveryQueue) sortDeviceLocked(deviceID string) {
	items := q.queues[deviceID]
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		return items[i].QueuedAt.Before(items[j].QueuedAt)
	})
}

func (q *DeliveryQueue) remove(deviceID, itemID string) {
	q.mu.Lock()
	q.removeLocked(deviceID, itemID)
	q.mu.Unlock()
}

func (q *DeliveryQueue) removeLocked(deviceID, itemID string) {
	items := q.queues[deviceID]
	for i, it := range items {
		if it.ID == itemID {
			q.queues[deviceID] = append(items[:i], items[i+1:]...)
			q.total--
			break
		}
	}
	if len(q.queues[deviceID]) == 0 {
		delete(q.queues, deviceID)
	}
}

func (q *DeliveryQueue) deviceLock(deviceID string) *sync.Mutex {
	q.lockMu.Lock()
	defer q.lockMu.Unlock()
	l, ok := q.deviceLocks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		q.deviceLocks[deviceID] = l
	}
	return l
}

// ProcessDevice attempts delivery of the device's eligible items in priority
// order. A concurrent process pass for the same device makes this a no-op;
// other devices are unaffected.
func (q *DeliveryQueue) ProcessDevice(ctx context.Context, deviceID string) {
	lock := q.deviceLock(deviceID)
	if !lock.TryLock() {
		return
	}
	defer lock.Unlock()

	ctx, span := tracing.StartSpan(ctx, "queue.process_device")
	defer span.End()

	now := time.Now().UTC()
	for _, item := range q.snapshot(deviceID) {
		if ctx.Err() != nil {
			return
		}

		if item.IsExpired(now) {
			q.discard(ctx, item, engerrors.ErrCodeExpired)
			continue
		}
		if item.RetriesExhausted() {
			q.discard(ctx, item, engerrors.ErrCodeRetryExhausted)
			continue
		}
		if !item.RetryEligible(now) {
			continue
		}

		q.attempt(ctx, item)
	}
}

// snapshot copies the device's queue so delivery attempts run without
// holding the queue mutex.
func (q *DeliveryQueue) snapshot(deviceID string) []*models.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.queues[deviceID]
	out := make([]*models.QueuedMessage, len(items))
	copy(out, items)
	return out
}

func (q *DeliveryQueue) attempt(ctx context.Context, item *models.QueuedMessage) {
	sendCtx, cancel := context.WithTimeout(ctx, q.sendTimeout)
	defer cancel()

	start := time.Now()
	err := q.transport.Send(sendCtx, item.DeviceID, item.Payload)
	metrics.RecordTimer("queue_send_duration", time.Since(start), map[string]string{"priority": item.Priority.String()}, "Transport send latency")

	if err == nil {
		q.remove(item.DeviceID, item.ID)
		if dbErr := q.db.DeleteQueuedMessage(ctx, item.ID); dbErr != nil {
			q.logger.WithError(dbErr).Warn("Failed to delete delivered queue item")
		}
		if stErr := q.store.MarkDelivered(ctx, item.MessageID, item.RetryCount); stErr != nil {
			q.logger.WithError(stErr).Warn("Failed to record delivery")
		}
		metrics.IncrementCounter("queue_delivered", map[string]string{"priority": item.Priority.String()}, "Messages delivered")
		q.logger.WithFields(logrus.Fields{
			"message_id": privacy.MaskMessageID(item.MessageID),
			"device_id":  privacy.MaskDeviceID(item.DeviceID),
			"retries":    item.RetryCount,
		}).Info("Message delivered")
		return
	}

	// Distinguish a send that timed out from one the peer refused so
	// LastError carries the right code.
	if errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
		err = engerrors.Wrap(err, engerrors.ErrCodeDeliveryTimeout, "delivery attempt timed out")
	}
	item.RecordFailure(time.Now().UTC(), err.Error())
	if dbErr := q.db.SaveQueuedMessage(ctx, item); dbErr != nil {
		q.logger.WithError(dbErr).Warn("Failed to persist retry state")
	}
	metrics.IncrementCounter("queue_attempt_failures", map[string]string{"priority": item.Priority.String()}, "Failed delivery attempts")
	q.logger.WithError(err).WithFields(logrus.Fields{
		"message_id": privacy.MaskMessageID(item.MessageID),
		"device_id":  privacy.MaskDeviceID(item.DeviceID),
		"retry":      item.RetryCount,
		"max":        item.MaxRetries(),
	}).Warn("Delivery attempt failed")
}

// discard removes an item whose retry budget or lifetime is spent and marks
// the underlying message failed so it stays visible in chat history.
func (q *DeliveryQueue) discard(ctx context.Context, item *models.QueuedMessage, code engerrors.ErrorCode) {
	q.remove(item.DeviceID, item.ID)
	if dbErr := q.db.DeleteQueuedMessage(ctx, item.ID); dbErr != nil {
		q.logger.WithError(dbErr).Warn("Failed to delete discarded queue item")
	}
	if stErr := q.store.MarkFailed(ctx, item.MessageID, item.RetryCount); stErr != nil {
		q.logger.WithError(stErr).Warn("Failed to mark message as failed")
	}

	q.bus.Publish(bus.Event{Kind: bus.KindMessageFailed, Payload: item.MessageID})
	metrics.IncrementCounter("queue_discarded", map[string]string{"reason": string(code), "priority": item.Priority.String()}, "Messages dropped from the delivery queue")
	dropErr := engerrors.New(code, "delivery abandoned").
		WithContext("message_id", privacy.MaskMessageID(item.MessageID)).
		WithContext("device_id", privacy.MaskDeviceID(item.DeviceID))
	engerrors.LogError(q.logger, dropErr, "Message removed from delivery queue")
}

// ProcessAll runs a delivery pass over every device with queued items.
func (q *DeliveryQueue) ProcessAll(ctx context.Context) {
	q.mu.Lock()
	devices := make([]string, 0, len(q.queues))
	for deviceID := range q.queues {
		devices = append(devices, deviceID)
	}
	q.mu.Unlock()

	for _, deviceID := range devices {
		if ctx.Err() != nil {
			return
		}
		q.ProcessDevice(ctx, deviceID)
	}
}

// ClearDevice drops every queued item for a device, waiting for any
// in-flight processing pass to finish first. Cleared messages are marked
// failed.
func (q *DeliveryQueue) ClearDevice(ctx context.Context, deviceID string) int {
	lock := q.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	items := q.snapshot(deviceID)
	for _, item := range items {
		q.discard(ctx, item, engerrors.ErrCodeRetryExhausted)
	}
	return len(items)
}

// PendingForDevice returns the number of queued items for a device.
func (q *DeliveryQueue) PendingForDevice(deviceID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[deviceID])
}

// Stats returns a snapshot of queue occupancy.
func (q *DeliveryQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := QueueStats{
		Total:    q.total,
		ByDevice: make(map[string]int, len(q.queues)),
	}
	for deviceID, items := range q.queues {
		stats.ByDevice[deviceID] = len(items)
		for _, it := range items {
			switch it.Priority {
			case models.PriorityEmergency:
				stats.Emergency++
			case models.PriorityHigh:
				stats.High++
			default:
				stats.Normal++
			}
		}
	}
	return stats
}

// Start runs the periodic delivery sweep until ctx is cancelled.
func (q *DeliveryQueue) Start(ctx context.Context) {
	ticker := time.NewTicker(q.sweepEvery)
	defer ticker.Stop()

	q.logger.WithField("interval", q.sweepEvery).Info("Delivery queue sweep started")
	for {
		select {
		case <-ctx.Done():
			q.logger.Info("Delivery queue sweep stopped")
			return
		case <-ticker.C:
			q.ProcessAll(ctx)
			metrics.SetGauge("queue_depth", float64(q.Stats().Total), nil, "Total queued messages")
		}
	}
}
