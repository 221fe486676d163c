package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"meshrelay/internal/bus"
	engerrors "meshrelay/internal/errors"
	"meshrelay/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// recordingStore is a StatusRecorder that remembers outcome calls.
type recordingStore struct {
	mu        sync.Mutex
	delivered []string
	failed    []string
}

func (r *recordingStore) MarkDelivered(_ context.Context, messageID string, _ int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = append(r.delivered, messageID)
	return nil
}

func (r *recordingStore) MarkFailed(_ context.Context, messageID string, _ int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, messageID)
	return nil
}

func (r *recordingStore) UpdateStatus(context.Context, string, models.MessageStatus, int) error {
	return nil
}

func (r *recordingStore) deliveredIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.delivered...)
}

func (r *recordingStore) failedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.failed...)
}

func queueMessage(id string, msgType models.MessageType) *models.Message {
	return &models.Message{
		ID:        id,
		SessionID: "chat_test",
		SenderID:  "local",
		Body:      "payload for " + id,
		Type:      msgType,
		Status:    models.MessageStatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

func newTestQueue(t *testing.T) (*DeliveryQueue, *mockTransport, *recordingStore, *bus.Bus) {
	t.Helper()
	tr := &mockTransport{}
	store := &recordingStore{}
	eventBus := newTestBus()
	q := NewDeliveryQueue(tr, newTestDB(t), store, eventBus, testLogger())
	return q, tr, store, eventBus
}

func TestEnqueueAndStats(t *testing.T) {
	q, _, _, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queueMessage("m-1", models.MessageTypeText), "dev-a", []byte("a"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queueMessage("m-2", models.MessageTypeLocation), "dev-a", []byte("b"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queueMessage("m-3", models.MessageTypeSOS), "dev-b", []byte("c"))
	require.NoError(t, err)

	stats := q.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByDevice["dev-a"])
	assert.Equal(t, 1, stats.ByDevice["dev-b"])
	assert.Equal(t, 1, stats.Emergency)
	assert.Equal(t, 1, stats.High)
	assert.Equal(t, 1, stats.Normal)
	assert.Equal(t, 2, q.PendingForDevice("dev-a"))
}

func TestEnqueueRequiresDevice(t *testing.T) {
	q, _, _, _ := newTestQueue(t)

	_, err := q.Enqueue(context.Background(), queueMessage("m-1", models.MessageTypeText), "", []byte("a"))
	require.Error(t, err)
	assert.Equal(t, engerrors.ErrCodeInvalidInput, engerrors.GetCode(err))
}

func TestProcessDeviceDeliversInPriorityOrder(t *testing.T) {
	q, tr, store, _ := newTestQueue(t)
	ctx := context.Background()

	// Enqueued normal first, emergency last; delivery must invert that.
	_, err := q.Enqueue(ctx, queueMessage("m-normal", models.MessageTypeText), "dev-a", []byte("normal"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queueMessage("m-high", models.MessageTypeLocation), "dev-a", []byte("high"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queueMessage("m-sos", models.MessageTypeSOS), "dev-a", []byte("sos"))
	require.NoError(t, err)

	var order []string
	tr.On("Send", mock.Anything, "dev-a", mock.Anything).Run(func(args mock.Arguments) {
		order = append(order, string(args.Get(2).([]byte)))
	}).Return(nil)

	q.ProcessDevice(ctx, "dev-a")

	assert.Equal(t, []string{"sos", "high", "normal"}, order)
	assert.Equal(t, 0, q.PendingForDevice("dev-a"))
	assert.ElementsMatch(t, []string{"m-sos", "m-high", "m-normal"}, store.deliveredIDs())
}

func TestProcessDeviceFailureSchedulesBackoff(t *testing.T) {
	q, tr, store, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queueMessage("m-1", models.MessageTypeText), "dev-a", []byte("a"))
	require.NoError(t, err)

	tr.On("Send", mock.Anything, "dev-a", mock.Anything).Return(errors.New("peer unreachable"))

	q.ProcessDevice(ctx, "dev-a")
	// Backoff has not elapsed, so an immediate second pass must not retry.
	q.ProcessDevice(ctx, "dev-a")

	tr.AssertNumberOfCalls(t, "Send", 1)
	assert.Equal(t, 1, q.PendingForDevice("dev-a"))
	assert.Empty(t, store.failedIDs())

	item := q.snapshot("dev-a")[0]
	assert.Equal(t, 1, item.RetryCount)
	assert.Equal(t, "peer unreachable", item.LastError)
	assert.True(t, item.NextAttemptAt.After(time.Now().UTC().Add(25*time.Second)))
}

func TestSendTimeoutTaggedInLastError(t *testing.T) {
	q, tr, _, _ := newTestQueue(t)
	ctx := context.Background()

	q.SetSendTimeout(20 * time.Millisecond)

	_, err := q.Enqueue(ctx, queueMessage("m-1", models.MessageTypeText), "dev-a", []byte("a"))
	require.NoError(t, err)

	// A send that never returns until the per-attempt deadline fires.
	tr.On("Send", mock.Anything, "dev-a", mock.Anything).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return(context.DeadlineExceeded)

	q.ProcessDevice(ctx, "dev-a")

	item := q.snapshot("dev-a")[0]
	assert.Equal(t, 1, item.RetryCount)
	assert.Contains(t, item.LastError, string(engerrors.ErrCodeDeliveryTimeout))
}

func TestSetSweepInterval(t *testing.T) {
	q, _, _, _ := newTestQueue(t)

	q.SetSweepInterval(5 * time.Second)
	assert.Equal(t, 5*time.Second, q.sweepEvery)

	// Zero is ignored so config defaults never clobber a valid value.
	q.SetSweepInterval(0)
	assert.Equal(t, 5*time.Second, q.sweepEvery)
}

func TestProcessDeviceDiscardsExhaustedItem(t *testing.T) {
	q, tr, store, eventBus := newTestQueue(t)
	ctx := context.Background()

	events, unsubscribe := eventBus.Subscribe(bus.KindMessageFailed, 4)
	defer unsubscribe()

	_, err := q.Enqueue(ctx, queueMessage("m-1", models.MessageTypeText), "dev-a", []byte("a"))
	require.NoError(t, err)

	item := q.snapshot("dev-a")[0]
	item.RetryCount = item.MaxRetries()

	q.ProcessDevice(ctx, "dev-a")

	tr.AssertNotCalled(t, "Send")
	assert.Equal(t, 0, q.PendingForDevice("dev-a"))
	assert.Equal(t, []string{"m-1"}, store.failedIDs())

	select {
	case evt := <-events:
		assert.Equal(t, "m-1", evt.Payload)
	case <-time.After(time.Second):
		t.Fatal("expected failure event")
	}
}

func TestProcessDeviceDiscardsExpiredItem(t *testing.T) {
	q, tr, store, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queueMessage("m-old", models.MessageTypeText), "dev-a", []byte("a"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queueMessage("m-sos", models.MessageTypeSOS), "dev-a", []byte("sos"))
	require.NoError(t, err)

	// Age both items past the normal ceiling but inside the emergency one.
	q.mu.Lock()
	for _, it := range q.queues["dev-a"] {
		it.QueuedAt = time.Now().UTC().Add(-7 * time.Hour)
	}
	q.mu.Unlock()

	tr.On("Send", mock.Anything, "dev-a", mock.Anything).Return(nil)
	q.ProcessDevice(ctx, "dev-a")

	// The emergency item was still deliverable; the normal one aged out.
	assert.Equal(t, []string{"m-old"}, store.failedIDs())
	assert.Equal(t, []string{"m-sos"}, store.deliveredIDs())
	tr.AssertNumberOfCalls(t, "Send", 1)
}

func TestPerDeviceCapEvictsOldestNormal(t *testing.T) {
	q, _, store, _ := newTestQueue(t)
	q.SetCaps(2, 100)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queueMessage("m-1", models.MessageTypeText), "dev-a", []byte("a"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queueMessage("m-2", models.MessageTypeLocation), "dev-a", []byte("b"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queueMessage("m-3", models.MessageTypeText), "dev-a", []byte("c"))
	require.NoError(t, err)

	assert.Equal(t, 2, q.PendingForDevice("dev-a"))
	assert.Equal(t, []string{"m-1"}, store.failedIDs())
}

func TestEvictionPrefersNormalOverHigh(t *testing.T) {
	q, _, store, _ := newTestQueue(t)
	q.SetCaps(2, 100)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queueMessage("m-high", models.MessageTypeLocation), "dev-a", []byte("a"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queueMessage("m-normal", models.MessageTypeText), "dev-a", []byte("b"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queueMessage("m-new", models.MessageTypeText), "dev-a", []byte("c"))
	require.NoError(t, err)

	// The high-priority item survives even though it is older.
	assert.Equal(t, []string{"m-normal"}, store.failedIDs())
}

func TestEmergencyNeverEvicted(t *testing.T) {
	q, _, store, _ := newTestQueue(t)
	q.SetCaps(1, 100)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queueMessage("m-sos", models.MessageTypeSOS), "dev-a", []byte("a"))
	require.NoError(t, err)

	// Normal traffic cannot displace emergency traffic.
	_, err = q.Enqueue(ctx, queueMessage("m-text", models.MessageTypeText), "dev-a", []byte("b"))
	require.Error(t, err)
	assert.Equal(t, engerrors.ErrCodeInternalError, engerrors.GetCode(err))
	assert.Equal(t, 1, q.PendingForDevice("dev-a"))

	// Another emergency is admitted past the cap rather than dropped.
	_, err = q.Enqueue(ctx, queueMessage("m-sos2", models.MessageTypeSOS), "dev-a", []byte("c"))
	require.NoError(t, err)
	assert.Equal(t, 2, q.PendingForDevice("dev-a"))
	assert.Empty(t, store.failedIDs())
}

func TestGlobalCapEvictsAcrossDevices(t *testing.T) {
	q, _, store, _ := newTestQueue(t)
	q.SetCaps(10, 2)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queueMessage("m-a", models.MessageTypeText), "dev-a", []byte("a"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queueMessage("m-b", models.MessageTypeLocation), "dev-b", []byte("b"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queueMessage("m-c", models.MessageTypeSOS), "dev-c", []byte("c"))
	require.NoError(t, err)

	// The oldest normal item anywhere made room for the new one.
	assert.Equal(t, []string{"m-a"}, store.failedIDs())
	assert.Equal(t, 0, q.PendingForDevice("dev-a"))
	assert.Equal(t, 2, q.Stats().Total)
}

func TestClearDevice(t *testing.T) {
	q, _, store, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queueMessage("m-1", models.MessageTypeText), "dev-a", []byte("a"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queueMessage("m-2", models.MessageTypeText), "dev-a", []byte("b"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queueMessage("m-3", models.MessageTypeText), "dev-b", []byte("c"))
	require.NoError(t, err)

	cleared := q.ClearDevice(ctx, "dev-a")
	assert.Equal(t, 2, cleared)
	assert.Equal(t, 0, q.PendingForDevice("dev-a"))
	assert.Equal(t, 1, q.PendingForDevice("dev-b"))
	assert.ElementsMatch(t, []string{"m-1", "m-2"}, store.failedIDs())
}

func TestRestoreRebuildsQueueFromDatabase(t *testing.T) {
	db := newTestDB(t)
	tr := &mockTransport{}
	store := &recordingStore{}
	ctx := context.Background()

	first := NewDeliveryQueue(tr, db, store, newTestBus(), testLogger())
	_, err := first.Enqueue(ctx, queueMessage("m-1", models.MessageTypeText), "dev-a", []byte("a"))
	require.NoError(t, err)
	_, err = first.Enqueue(ctx, queueMessage("m-2", models.MessageTypeSOS), "dev-b", []byte("b"))
	require.NoError(t, err)

	// A fresh instance over the same database picks the items back up.
	second := NewDeliveryQueue(tr, db, store, newTestBus(), testLogger())
	require.NoError(t, second.Restore(ctx))

	stats := second.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByDevice["dev-a"])
	assert.Equal(t, 1, stats.ByDevice["dev-b"])
	assert.Equal(t, 1, stats.Emergency)
}

func TestDeliveryRemovesPersistedItem(t *testing.T) {
	db := newTestDB(t)
	tr := &mockTransport{}
	store := &recordingStore{}
	ctx := context.Background()

	q := NewDeliveryQueue(tr, db, store, newTestBus(), testLogger())
	_, err := q.Enqueue(ctx, queueMessage("m-1", models.MessageTypeText), "dev-a", []byte("a"))
	require.NoError(t, err)

	tr.On("Send", mock.Anything, "dev-a", mock.Anything).Return(nil)
	q.ProcessDevice(ctx, "dev-a")

	persisted, err := db.ListQueuedAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, persisted)
}
