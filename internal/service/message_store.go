package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"meshrelay/internal/bus"
	"meshrelay/internal/constants"
	engerrors "meshrelay/internal/errors"
	"meshrelay/internal/metrics"
	"meshrelay/internal/models"
	"meshrelay/internal/privacy"
	"meshrelay/internal/tracing"

	"github.com/sirupsen/logrus"
)

// MessageDatabase defines the database operations needed by MessageStore
type MessageDatabase interface {
	InsertMessageTx(ctx context.Context, msg *models.Message, unreadDelta int) error
	GetMessage(ctx context.Context, messageID string) (*models.Message, error)
	UpdateMessageStatus(ctx context.Context, messageID string, status models.MessageStatus, retryCount int) error
	ListSessionMessages(ctx context.Context, sessionID string) ([]*models.Message, error)
	PruneTerminalMessages(ctx context.Context, retentionDays int) (int64, error)
}

// MessageStore owns insert deduplication and the message status lifecycle.
// It guarantees that a message id is stored at most once even when the send
// path and the receive path insert concurrently.
type MessageStore struct {
	db     MessageDatabase
	bus    *bus.Bus
	logger *logrus.Logger

	dedupWindow time.Duration

	mu         sync.Mutex
	processing map[string]struct{}
	recent     map[string]time.Time
}

func NewMessageStore(db MessageDatabase, eventBus *bus.Bus, logger *logrus.Logger) *MessageStore {
	return &MessageStore{
		db:          db,
		bus:         eventBus,
		logger:      logger,
		dedupWindow: time.Duration(constants.DefaultDedupWindowMinutes) * time.Minute,
		processing:  make(map[string]struct{}),
		recent:      make(map[string]time.Time),
	}
}

// Insert persists a message, deduplicated by its id. unreadDelta is 1 for
// inbound messages and 0 for local sends. Duplicate inserts return a
// DUPLICATE_MESSAGE error, which callers treat as benign.
//
// Two in-memory gates back up the storage-level uniqueness check: a
// "currently processing" set rejects a concurrent insert racing on the same
// id before either write lands, and a short-lived "recently processed" cache
// rejects a retransmission arriving after the processing lock is released.
func (s *MessageStore) Insert(ctx context.Context, msg *models.Message, unreadDelta int) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "store.insert")
	defer span.End()

	if msg.ID == "" {
		return "", engerrors.New(engerrors.ErrCodeInvalidInput, "message id is required")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Status == "" {
		msg.Status = models.MessageStatusPending
	}

	if err := s.acquire(msg.ID); err != nil {
		return "", err
	}
	defer s.release(msg.ID)

	existing, err := s.db.GetMessage(ctx, msg.ID)
	if err != nil {
		tracing.RecordError(ctx, err)
		return "", engerrors.WrapRetryable(err, engerrors.ErrCodeStoreTransaction, "failed to check for existing message")
	}
	if existing != nil {
		return "", engerrors.New(engerrors.ErrCodeDuplicateMessage, "message already stored").
			WithContext("message_id", privacy.MaskMessageID(msg.ID))
	}

	if err := s.db.InsertMessageTx(ctx, msg, unreadDelta); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return "", engerrors.New(engerrors.ErrCodeDuplicateMessage, "message already stored").
				WithContext("message_id", privacy.MaskMessageID(msg.ID))
		}
		tracing.RecordError(ctx, err)
		return "", engerrors.WrapRetryable(err, engerrors.ErrCodeStoreTransaction, "message insert transaction failed")
	}

	s.remember(msg.ID)
	metrics.IncrementCounter("store_messages_inserted", map[string]string{"type": string(msg.Type)}, "Messages accepted by the store")

	s.logger.WithFields(logrus.Fields{
		"message_id": privacy.MaskMessageID(msg.ID),
		"session_id": privacy.MaskSessionID(msg.SessionID),
		"type":       msg.Type,
	}).Debug("Message stored")

	return msg.ID, nil
}

// acquire registers msg id in the processing set and checks the recent
// cache. It fails with DUPLICATE_MESSAGE if either gate rejects the id.
func (s *MessageStore) acquire(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.processing[id]; busy {
		return engerrors.New(engerrors.ErrCodeDuplicateMessage, "message insert already in progress").
			WithContext("message_id", privacy.MaskMessageID(id))
	}
	if processedAt, seen := s.recent[id]; seen && time.Since(processedAt) < s.dedupWindow {
		return engerrors.New(engerrors.ErrCodeDuplicateMessage, "message processed recently").
			WithContext("message_id", privacy.MaskMessageID(id))
	}

	s.processing[id] = struct{}{}
	return nil
}

func (s *MessageStore) release(id string) {
	s.mu.Lock()
	delete(s.processing, id)
	s.mu.Unlock()
}

func (s *MessageStore) remember(id string) {
	s.mu.Lock()
	s.recent[id] = time.Now()
	s.mu.Unlock()
}

// RecentlySeen reports whether the id is inside the dedup window.
func (s *MessageStore) RecentlySeen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	processedAt, seen := s.recent[id]
	return seen && time.Since(processedAt) < s.dedupWindow
}

// UpdateStatus advances a message's status and publishes the corresponding
// event. Monotonicity is enforced by the database layer.
func (s *MessageStore) UpdateStatus(ctx context.Context, messageID string, status models.MessageStatus, retryCount int) error {
	if err := s.db.UpdateMessageStatus(ctx, messageID, status, retryCount); err != nil {
		return engerrors.Wrap(err, engerrors.ErrCodeDatabaseQuery, "failed to update message status")
	}

	switch status {
	case models.MessageStatusDelivered:
		s.bus.Publish(bus.Event{Kind: bus.KindMessageDelivered, Payload: messageID})
	case models.MessageStatusFailed:
		s.bus.Publish(bus.Event{Kind: bus.KindMessageFailed, Payload: messageID})
	}

	return nil
}

// MarkDelivered records a confirmed delivery.
func (s *MessageStore) MarkDelivered(ctx context.Context, messageID string, retryCount int) error {
	return s.UpdateStatus(ctx, messageID, models.MessageStatusDelivered, retryCount)
}

// MarkFailed records a terminal delivery failure. The row stays visible in
// chat history with a retry affordance; it is never silently dropped.
func (s *MessageStore) MarkFailed(ctx context.Context, messageID string, retryCount int) error {
	return s.UpdateStatus(ctx, messageID, models.MessageStatusFailed, retryCount)
}

// Messages returns a session's messages in display order.
func (s *MessageStore) Messages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	return s.db.ListSessionMessages(ctx, sessionID)
}

// StartSweeper periodically evicts expired dedup cache entries. The cache is
// small, but an emergency burst can grow it quickly.
func (s *MessageStore) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MessageStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, processedAt := range s.recent {
		if time.Since(processedAt) >= s.dedupWindow {
			delete(s.recent, id)
		}
	}
}
