package service

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"meshrelay/internal/bus"
	"meshrelay/internal/constants"
	engerrors "meshrelay/internal/errors"
	"meshrelay/internal/metrics"
	"meshrelay/internal/models"
	"meshrelay/internal/privacy"
	"meshrelay/internal/tracing"
	"meshrelay/pkg/circuitbreaker"
	"meshrelay/pkg/remote"

	"github.com/sirupsen/logrus"
)

// SyncDatabase defines the database operations needed by SyncCoordinator
type SyncDatabase interface {
	ListUnsyncedMessages(ctx context.Context, limit int) ([]*models.Message, error)
	MarkRemoteSynced(ctx context.Context, messageID string) error
	EnqueueSyncEntry(ctx context.Context, entry *models.SyncQueueEntry) error
	ListSyncEntries(ctx context.Context, limit int) ([]*models.SyncQueueEntry, error)
	IncrementSyncAttempt(ctx context.Context, id int64, attemptErr string) error
	DeleteSyncEntry(ctx context.Context, id int64) error
	PruneSyncEntries(ctx context.Context, maxAttempts, maxAgeHours int) (int64, error)
}

// MessageInserter is the slice of MessageStore the download path feeds, so
// downloaded records pass through the same dedup gate as live traffic.
type MessageInserter interface {
	Insert(ctx context.Context, msg *models.Message, unreadDelta int) (string, error)
}

// ConnectivityObserver reports internet reachability changes. Implementations
// send true when connectivity appears and false when it drops.
type ConnectivityObserver interface {
	Changes() <-chan bool
	Online() bool
}

// SyncResult summarizes one completed sync pass.
type SyncResult struct {
	Pushed    int `json:"pushed"`
	Drained   int `json:"drained"`
	Abandoned int `json:"abandoned"`
}

// SyncCoordinator replicates locally stored messages to the remote document
// store when connectivity allows. At most one pass runs at a time; a pass
// triggered while another is running is skipped, not queued.
type SyncCoordinator struct {
	db           SyncDatabase
	remote       remote.Client
	breaker      *circuitbreaker.CircuitBreaker
	store        MessageInserter
	connectivity ConnectivityObserver
	bus          *bus.Bus
	logger       *logrus.Logger

	interval       time.Duration
	batchSize      int
	maxAttempts    int
	entryMaxAgeHrs int

	syncing atomic.Bool
}

func NewSyncCoordinator(db SyncDatabase, remoteClient remote.Client, store MessageInserter, connectivity ConnectivityObserver, eventBus *bus.Bus, logger *logrus.Logger) *SyncCoordinator {
	return &SyncCoordinator{
		db:             db,
		remote:         remoteClient,
		breaker:        circuitbreaker.New("remote-store", 5, 60*time.Second, logger),
		store:          store,
		connectivity:   connectivity,
		bus:            eventBus,
		logger:         logger,
		interval:       time.Duration(constants.DefaultSyncIntervalSec) * time.Second,
		batchSize:      constants.DefaultSyncBatchSize,
		maxAttempts:    constants.DefaultSyncMaxAttempts,
		entryMaxAgeHrs: constants.DefaultSyncEntryMaxAgeHrs,
	}
}

// SetTuning overrides the pass cadence, batch size, and sync-queue retention.
// Used by config wiring before Run.
func (c *SyncCoordinator) SetTuning(interval time.Duration, batchSize, maxAttempts, entryMaxAgeHrs int) {
	if interval > 0 {
		c.interval = interval
	}
	if batchSize > 0 {
		c.batchSize = batchSize
	}
	if maxAttempts > 0 {
		c.maxAttempts = maxAttempts
	}
	if entryMaxAgeHrs > 0 {
		c.entryMaxAgeHrs = entryMaxAgeHrs
	}
}

// Run drives periodic and connectivity-triggered sync passes until ctx is
// cancelled.
func (c *SyncCoordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.WithField("interval", c.interval).Info("Sync coordinator started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Sync coordinator stopped")
			return
		case online, ok := <-c.connectivity.Changes():
			if !ok {
				return
			}
			if online {
				c.logger.Info("Connectivity restored, starting sync pass")
				c.syncPass(ctx)
			}
		case <-ticker.C:
			if c.connectivity.Online() {
				c.syncPass(ctx)
			}
		}
	}
}

func (c *SyncCoordinator) syncPass(ctx context.Context) {
	result, err := c.SyncToRemote(ctx)
	if err != nil && !engerrors.HasCode(err, engerrors.ErrCodeSyncUnreachable) {
		engerrors.LogTransient(c.logger, err, "Sync pass failed")
	}
	if result != nil && result.Pushed+result.Drained > 0 {
		c.bus.Publish(bus.Event{Kind: bus.KindSyncCompleted, Payload: *result})
	}
}

// SyncToRemote pushes unsynced messages and drains the durable sync queue.
// Returns nil, nil when another pass is already in flight.
func (c *SyncCoordinator) SyncToRemote(ctx context.Context) (*SyncResult, error) {
	if !c.syncing.CompareAndSwap(false, true) {
		c.logger.Debug("Sync already in progress, skipping")
		return nil, nil
	}
	defer c.syncing.Store(false)

	ctx, span := tracing.StartSpan(ctx, "sync.to_remote")
	defer span.End()

	result := &SyncResult{}

	pushed, err := c.pushMessages(ctx)
	result.Pushed = pushed
	if err != nil {
		return result, err
	}

	drained, err := c.drainQueue(ctx)
	result.Drained = drained
	if err != nil {
		return result, err
	}

	abandoned, err := c.db.PruneSyncEntries(ctx, c.maxAttempts, c.entryMaxAgeHrs)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to prune abandoned sync entries")
	}
	result.Abandoned = int(abandoned)

	metrics.IncrementCounter("sync_passes", nil, "Completed sync passes")
	if result.Pushed > 0 || result.Drained > 0 || result.Abandoned > 0 {
		c.logger.WithFields(logrus.Fields{
			"pushed":    result.Pushed,
			"drained":   result.Drained,
			"abandoned": result.Abandoned,
		}).Info("Sync pass completed")
	}
	return result, nil
}

// pushMessages uploads locally stored messages the remote has not seen.
// Failures stop the batch: the same messages are retried on the next pass.
func (c *SyncCoordinator) pushMessages(ctx context.Context) (int, error) {
	messages, err := c.db.ListUnsyncedMessages(ctx, c.batchSize)
	if err != nil {
		return 0, engerrors.Wrap(err, engerrors.ErrCodeDatabaseQuery, "failed to list unsynced messages")
	}

	pushed := 0
	for _, msg := range messages {
		if ctx.Err() != nil {
			return pushed, ctx.Err()
		}

		doc := messageDocument(msg)
		err := c.breaker.Execute(ctx, func(ctx context.Context) error {
			return c.remote.Upsert(ctx, "messages", msg.ID, doc)
		})
		if err != nil {
			if circuitbreaker.IsOpenError(err) {
				return pushed, engerrors.New(engerrors.ErrCodeSyncUnreachable, "remote store circuit open")
			}
			return pushed, engerrors.WrapRetryable(err, engerrors.ErrCodeRemoteStore, "message upload failed").
				WithContext("message_id", privacy.MaskMessageID(msg.ID))
		}

		if err := c.db.MarkRemoteSynced(ctx, msg.ID); err != nil {
			return pushed, engerrors.Wrap(err, engerrors.ErrCodeDatabaseQuery, "failed to mark message synced")
		}
		pushed++
	}

	return pushed, nil
}

// drainQueue replays durable sync queue entries against the remote store.
// Each failure increments the entry's attempt counter; the entry survives
// until it is both over the attempt cap and older than the age window.
func (c *SyncCoordinator) drainQueue(ctx context.Context) (int, error) {
	entries, err := c.db.ListSyncEntries(ctx, c.batchSize)
	if err != nil {
		return 0, engerrors.Wrap(err, engerrors.ErrCodeDatabaseQuery, "failed to list sync entries")
	}

	drained := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return drained, ctx.Err()
		}

		err := c.applyEntry(ctx, entry)
		if err != nil {
			if circuitbreaker.IsOpenError(err) {
				return drained, engerrors.New(engerrors.ErrCodeSyncUnreachable, "remote store circuit open")
			}
			if dbErr := c.db.IncrementSyncAttempt(ctx, entry.ID, err.Error()); dbErr != nil {
				c.logger.WithError(dbErr).Warn("Failed to record sync attempt")
			}
			continue
		}

		if err := c.db.DeleteSyncEntry(ctx, entry.ID); err != nil {
			c.logger.WithError(err).Warn("Failed to retire sync entry")
			continue
		}
		drained++
	}

	return drained, nil
}

func (c *SyncCoordinator) applyEntry(ctx context.Context, entry *models.SyncQueueEntry) error {
	var doc remote.Document
	if len(entry.Payload) > 0 {
		if err := json.Unmarshal(entry.Payload, &doc); err != nil {
			// Unparseable payloads can never succeed; mark deleted via the
			// tombstone path below.
			return engerrors.Wrap(err, engerrors.ErrCodeInvalidInput, "sync entry payload is not valid JSON")
		}
	} else {
		doc = remote.Document{}
	}

	if entry.Operation == models.SyncOpDelete {
		doc["deleted"] = true
		doc["deletedAt"] = time.Now().UTC().Format(time.RFC3339)
	}

	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.remote.Upsert(ctx, entry.TableName, entry.RecordID, doc)
	})
}

// EnqueueMutation records a durable sync obligation for a non-message table.
func (c *SyncCoordinator) EnqueueMutation(ctx context.Context, table, recordID string, op models.SyncOperation, payload interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return engerrors.Wrap(err, engerrors.ErrCodeInvalidInput, "failed to marshal sync payload")
		}
	}
	entry := &models.SyncQueueEntry{
		TableName: table,
		RecordID:  recordID,
		Operation: op,
		Payload:   body,
		CreatedAt: time.Now().UTC(),
	}
	return c.db.EnqueueSyncEntry(ctx, entry)
}

// DownloadFromRemote pulls the remote's records for a session scope and
// feeds them through the message store's dedup gate. Records already present
// locally are skipped silently.
func (c *SyncCoordinator) DownloadFromRemote(ctx context.Context, sessionID string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "sync.download")
	defer span.End()

	filter := map[string]string{}
	if sessionID != "" {
		filter["sessionId"] = sessionID
	}

	var docs []remote.Document
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var queryErr error
		docs, queryErr = c.remote.Query(ctx, "messages", filter)
		return queryErr
	})
	if err != nil {
		if circuitbreaker.IsOpenError(err) {
			return 0, engerrors.New(engerrors.ErrCodeSyncUnreachable, "remote store circuit open")
		}
		return 0, engerrors.WrapRetryable(err, engerrors.ErrCodeRemoteStore, "remote query failed")
	}

	inserted := 0
	for _, doc := range docs {
		msg, ok := messageFromDocument(doc)
		if !ok {
			c.logger.Warn("Skipping malformed remote message document")
			continue
		}
		msg.RemoteSynced = true

		if _, err := c.store.Insert(ctx, msg, 0); err != nil {
			if engerrors.IsDuplicate(err) {
				continue
			}
			return inserted, err
		}
		inserted++
	}

	metrics.IncrementCounter("sync_downloaded", nil, "Messages downloaded from the remote store")
	return inserted, nil
}

// messageDocument flattens a message into its remote-store representation.
func messageDocument(msg *models.Message) remote.Document {
	doc := remote.Document{
		"messageId": msg.ID,
		"sessionId": msg.SessionID,
		"senderId":  msg.SenderID,
		"body":      msg.Body,
		"type":      string(msg.Type),
		"status":    string(msg.Status),
		"emergency": msg.IsEmergency,
		"createdAt": msg.CreatedAt.UTC().Format(time.RFC3339),
	}
	if msg.Latitude != nil && msg.Longitude != nil {
		doc["latitude"] = *msg.Latitude
		doc["longitude"] = *msg.Longitude
	}
	return doc
}

func messageFromDocument(doc remote.Document) (*models.Message, bool) {
	id, _ := doc["messageId"].(string)
	sessionID, _ := doc["sessionId"].(string)
	if id == "" || sessionID == "" {
		return nil, false
	}

	msg := &models.Message{
		ID:          id,
		SessionID:   sessionID,
		Status:      models.MessageStatusSynced,
		LocalSynced: true,
	}
	msg.SenderID, _ = doc["senderId"].(string)
	msg.Body, _ = doc["body"].(string)
	if t, ok := doc["type"].(string); ok {
		msg.Type = models.MessageType(t)
	} else {
		msg.Type = models.MessageTypeText
	}
	msg.IsEmergency, _ = doc["emergency"].(bool)
	if createdAt, ok := doc["createdAt"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, createdAt); err == nil {
			msg.CreatedAt = parsed
		}
	}
	if lat, ok := doc["latitude"].(float64); ok {
		msg.Latitude = &lat
	}
	if lon, ok := doc["longitude"].(float64); ok {
		msg.Longitude = &lon
	}
	return msg, true
}
