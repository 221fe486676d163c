package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"meshrelay/internal/bus"
	engerrors "meshrelay/internal/errors"
	"meshrelay/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*MessageStore, *bus.Bus) {
	t.Helper()
	eventBus := newTestBus()
	store := NewMessageStore(newTestDB(t), eventBus, testLogger())
	return store, eventBus
}

func storeMessage(id string) *models.Message {
	return &models.Message{
		ID:        id,
		SessionID: "chat_peer",
		SenderID:  "AA:BB:CC:DD:EE:FF",
		Body:      "hello",
		Type:      models.MessageTypeText,
		CreatedAt: time.Now().UTC(),
	}
}

func TestInsertAndRead(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id, err := store.Insert(ctx, storeMessage("m-1"), 1)
	require.NoError(t, err)
	assert.Equal(t, "m-1", id)

	messages, err := store.Messages(ctx, "chat_peer")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "hello", messages[0].Body)
	assert.Equal(t, models.MessageStatusPending, messages[0].Status)
}

func TestInsertRejectsDuplicateID(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Insert(ctx, storeMessage("m-1"), 0)
	require.NoError(t, err)

	_, err = store.Insert(ctx, storeMessage("m-1"), 0)
	require.Error(t, err)
	assert.True(t, engerrors.IsDuplicate(err))

	messages, err := store.Messages(ctx, "chat_peer")
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestInsertRejectsEmptyID(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Insert(context.Background(), storeMessage(""), 0)
	require.Error(t, err)
	assert.Equal(t, engerrors.ErrCodeInvalidInput, engerrors.GetCode(err))
}

func TestConcurrentDuplicateInsert(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	const goroutines = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, duplicates := 0, 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Insert(ctx, storeMessage("race-1"), 0)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case engerrors.IsDuplicate(err):
				duplicates++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	// Exactly one writer wins no matter how the race resolves.
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, goroutines-1, duplicates)

	messages, err := store.Messages(ctx, "chat_peer")
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestRecentCacheRejectsRetransmission(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Insert(ctx, storeMessage("m-1"), 0)
	require.NoError(t, err)
	assert.True(t, store.RecentlySeen("m-1"))
	assert.False(t, store.RecentlySeen("m-2"))

	_, err = store.Insert(ctx, storeMessage("m-1"), 0)
	assert.True(t, engerrors.IsDuplicate(err))
}

func TestSweepEvictsExpiredEntries(t *testing.T) {
	store, _ := newTestStore(t)
	store.dedupWindow = 10 * time.Millisecond

	_, err := store.Insert(context.Background(), storeMessage("m-1"), 0)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	store.sweep()

	assert.False(t, store.RecentlySeen("m-1"))
	store.mu.Lock()
	assert.Empty(t, store.recent)
	store.mu.Unlock()
}

func TestStatusUpdatesPublishEvents(t *testing.T) {
	store, eventBus := newTestStore(t)
	ctx := context.Background()

	events, unsubscribe := eventBus.Subscribe("message.", 8)
	defer unsubscribe()

	_, err := store.Insert(ctx, storeMessage("m-1"), 0)
	require.NoError(t, err)

	require.NoError(t, store.MarkDelivered(ctx, "m-1", 2))

	select {
	case evt := <-events:
		assert.Equal(t, bus.KindMessageDelivered, evt.Kind)
		assert.Equal(t, "m-1", evt.Payload)
	case <-time.After(time.Second):
		t.Fatal("expected delivered event")
	}

	messages, err := store.Messages(ctx, "chat_peer")
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusDelivered, messages[0].Status)
	assert.Equal(t, 2, messages[0].RetryCount)
}

func TestMarkFailedPublishesEvent(t *testing.T) {
	store, eventBus := newTestStore(t)
	ctx := context.Background()

	events, unsubscribe := eventBus.Subscribe(bus.KindMessageFailed, 8)
	defer unsubscribe()

	_, err := store.Insert(ctx, storeMessage("m-1"), 0)
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, "m-1", 5))

	select {
	case evt := <-events:
		assert.Equal(t, "m-1", evt.Payload)
	case <-time.After(time.Second):
		t.Fatal("expected failed event")
	}
}

func TestStatusNeverMovesBackwards(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Insert(ctx, storeMessage("m-1"), 0)
	require.NoError(t, err)
	require.NoError(t, store.MarkDelivered(ctx, "m-1", 0))

	err = store.UpdateStatus(ctx, "m-1", models.MessageStatusSent, 0)
	require.Error(t, err)

	messages, err := store.Messages(ctx, "chat_peer")
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusDelivered, messages[0].Status)
}
