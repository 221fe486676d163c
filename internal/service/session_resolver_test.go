package service

import (
	"context"
	"testing"
	"time"

	"meshrelay/internal/bus"
	engerrors "meshrelay/internal/errors"
	"meshrelay/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver(t *testing.T) (*SessionResolver, SessionDatabase) {
	t.Helper()
	db := newTestDB(t)
	return NewSessionResolver(db, newTestBus(), testLogger()), db
}

func TestResolveCreatesSession(t *testing.T) {
	resolver, _ := newTestResolver(t)
	ctx := context.Background()

	session, err := resolver.Resolve(ctx, "stable-1", "AA:BB:CC:DD:EE:FF", "Alice")
	require.NoError(t, err)
	assert.Equal(t, "chat_stable1", session.ID)
	assert.Equal(t, "stable-1", session.PeerStableID)
	assert.Equal(t, "Alice", session.DisplayName)
	assert.Equal(t, models.SessionStatusActive, session.Status)
}

func TestResolveIsIdempotent(t *testing.T) {
	resolver, _ := newTestResolver(t)
	ctx := context.Background()

	first, err := resolver.Resolve(ctx, "stable-1", "AA:BB:CC:DD:EE:FF", "Alice")
	require.NoError(t, err)
	second, err := resolver.Resolve(ctx, "stable-1", "AA:BB:CC:DD:EE:FF", "Alice")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	sessions, err := resolver.Sessions(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestResolveFindsByAddressWhenStableIDAppearsLater(t *testing.T) {
	resolver, _ := newTestResolver(t)
	ctx := context.Background()

	// First sighting: address only.
	first, err := resolver.Resolve(ctx, "", "AA:BB:CC:DD:EE:FF", "Alice")
	require.NoError(t, err)

	// Second sighting resolves the stable id; the session is found by
	// address and its identity enriched, not duplicated.
	second, err := resolver.Resolve(ctx, "stable-1", "AA:BB:CC:DD:EE:FF", "Alice")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "stable-1", second.PeerStableID)

	sessions, err := resolver.Sessions(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestResolveNeverClearsKnownFields(t *testing.T) {
	resolver, _ := newTestResolver(t)
	ctx := context.Background()

	_, err := resolver.Resolve(ctx, "stable-1", "AA:BB:CC:DD:EE:FF", "Alice")
	require.NoError(t, err)

	// A later sighting with a blank display name must not erase the known one.
	session, err := resolver.Resolve(ctx, "stable-1", "", "")
	require.NoError(t, err)
	assert.Equal(t, "Alice", session.DisplayName)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", session.PeerAddress)
}

func TestResolveRequiresSomeIdentity(t *testing.T) {
	resolver, _ := newTestResolver(t)

	_, err := resolver.Resolve(context.Background(), "", "", "Ghost")
	require.Error(t, err)
	assert.Equal(t, engerrors.ErrCodeIdentityUnavailable, engerrors.GetCode(err))
}

func TestRecordConnection(t *testing.T) {
	resolver, db := newTestResolver(t)
	ctx := context.Background()

	session, err := resolver.Resolve(ctx, "stable-1", "", "Alice")
	require.NoError(t, err)

	require.NoError(t, resolver.RecordConnection(ctx, session.ID, "wifi"))
	require.NoError(t, resolver.RecordConnection(ctx, session.ID, "ble"))

	got, err := db.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"wifi", "ble"}, got.ConnectionHistory)
	assert.False(t, got.LastConnectionAt.IsZero())

	err = resolver.RecordConnection(ctx, "chat_ghost", "wifi")
	require.Error(t, err)
	assert.Equal(t, engerrors.ErrCodeNotFound, engerrors.GetCode(err))
}

func TestConsolidateMergesDeviceNameDuplicates(t *testing.T) {
	resolver, db := newTestResolver(t)
	ctx := context.Background()

	now := time.Now().UTC()

	// Three sightings of the same phone: a stable-id session plus two
	// name-variant sessions created before the stable id was known.
	stable := &models.ChatSession{
		ID: "chat_abcd", PeerStableID: "ABCD", DisplayName: "Pixel 7",
		Status: models.SessionStatusActive, CreatedAt: now.Add(-3 * time.Hour),
	}
	variantA := &models.ChatSession{
		ID: "chat_pixel7a", DisplayName: "Pixel 7",
		Status: models.SessionStatusActive, CreatedAt: now.Add(-2 * time.Hour),
	}
	variantB := &models.ChatSession{
		ID: "chat_pixel7b", DisplayName: "pixel 7",
		Status: models.SessionStatusActive, CreatedAt: now.Add(-time.Hour),
	}
	for _, s := range []*models.ChatSession{stable, variantA, variantB} {
		require.NoError(t, db.UpsertSession(ctx, s))
	}

	merged, err := resolver.Consolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, merged)

	sessions, err := resolver.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	// The stable-id session wins.
	assert.Equal(t, "chat_abcd", sessions[0].ID)
	assert.Equal(t, "ABCD", sessions[0].PeerStableID)
}

func TestConsolidateIsIdempotent(t *testing.T) {
	resolver, db := newTestResolver(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, db.UpsertSession(ctx, &models.ChatSession{
		ID: "chat_a", DisplayName: "Alice", Status: models.SessionStatusActive, CreatedAt: now,
	}))
	require.NoError(t, db.UpsertSession(ctx, &models.ChatSession{
		ID: "chat_b", DisplayName: "alice", Status: models.SessionStatusActive, CreatedAt: now.Add(time.Minute),
	}))

	merged, err := resolver.Consolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, merged)

	merged, err = resolver.Consolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, merged)
}

func TestConsolidateWinnerOrdering(t *testing.T) {
	resolver, _ := newTestResolver(t)
	now := time.Now().UTC()

	t.Run("stable id beats everything", func(t *testing.T) {
		a := &models.ChatSession{ID: "chat_a", PeerStableID: "s", CreatedAt: now}
		b := &models.ChatSession{ID: "chat_b", MessageCount: 100, CreatedAt: now.Add(-time.Hour)}
		assert.True(t, resolver.better(a, b))
		assert.False(t, resolver.better(b, a))
	})

	t.Run("device-like name beats nickname", func(t *testing.T) {
		a := &models.ChatSession{ID: "chat_a", DisplayName: "Pixel 7", CreatedAt: now}
		b := &models.ChatSession{ID: "chat_b", DisplayName: "alice", CreatedAt: now}
		assert.True(t, resolver.better(a, b))
	})

	t.Run("recent connection beats message count", func(t *testing.T) {
		a := &models.ChatSession{ID: "chat_a", LastConnectionAt: now, MessageCount: 1, CreatedAt: now}
		b := &models.ChatSession{ID: "chat_b", LastConnectionAt: now.Add(-time.Hour), MessageCount: 50, CreatedAt: now}
		assert.True(t, resolver.better(a, b))
	})

	t.Run("message count breaks connection tie", func(t *testing.T) {
		a := &models.ChatSession{ID: "chat_a", LastConnectionAt: now, MessageCount: 5, CreatedAt: now}
		b := &models.ChatSession{ID: "chat_b", LastConnectionAt: now, MessageCount: 2, CreatedAt: now}
		assert.True(t, resolver.better(a, b))
	})

	t.Run("older session wins next", func(t *testing.T) {
		a := &models.ChatSession{ID: "chat_a", CreatedAt: now.Add(-time.Hour)}
		b := &models.ChatSession{ID: "chat_b", CreatedAt: now}
		assert.True(t, resolver.better(a, b))
	})

	t.Run("lexicographic id is the final total order", func(t *testing.T) {
		a := &models.ChatSession{ID: "chat_a", CreatedAt: now}
		b := &models.ChatSession{ID: "chat_b", CreatedAt: now}
		assert.True(t, resolver.better(a, b))
		assert.False(t, resolver.better(b, a))
	})
}

func TestConsolidateReassignsMessages(t *testing.T) {
	resolver, _ := newTestResolver(t)
	db := newTestDB(t)
	resolver = NewSessionResolver(db, newTestBus(), testLogger())
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, db.UpsertSession(ctx, &models.ChatSession{
		ID: "chat_keep", PeerStableID: "K1", DisplayName: "Radio 9", Status: models.SessionStatusActive, CreatedAt: now.Add(-time.Hour),
	}))
	require.NoError(t, db.UpsertSession(ctx, &models.ChatSession{
		ID: "chat_drop", DisplayName: "Radio 9", Status: models.SessionStatusActive, CreatedAt: now,
	}))

	require.NoError(t, db.InsertMessageTx(ctx, &models.Message{
		ID: "m-1", SessionID: "chat_drop", SenderID: "x", Body: "hi",
		Type: models.MessageTypeText, Status: models.MessageStatusPending, CreatedAt: now,
	}, 0))

	merged, err := resolver.Consolidate(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, merged)

	messages, err := db.ListSessionMessages(ctx, "chat_keep")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "m-1", messages[0].ID)
}

func TestConsolidatePublishesMergeEvents(t *testing.T) {
	db := newTestDB(t)
	eventBus := newTestBus()
	resolver := NewSessionResolver(db, eventBus, testLogger())
	ctx := context.Background()

	events, unsubscribe := eventBus.Subscribe(bus.KindSessionMerged, 4)
	defer unsubscribe()

	now := time.Now().UTC()
	require.NoError(t, db.UpsertSession(ctx, &models.ChatSession{
		ID: "chat_a", DisplayName: "Bob", Status: models.SessionStatusActive, CreatedAt: now,
	}))
	require.NoError(t, db.UpsertSession(ctx, &models.ChatSession{
		ID: "chat_b", DisplayName: "bob", Status: models.SessionStatusActive, CreatedAt: now.Add(time.Minute),
	}))

	_, err := resolver.Consolidate(ctx)
	require.NoError(t, err)

	select {
	case evt := <-events:
		assert.Equal(t, "chat_a", evt.Payload)
	case <-time.After(time.Second):
		t.Fatal("expected merge event")
	}
}

func TestDefaultNameScorer(t *testing.T) {
	scorer := DefaultNameScorer{}

	assert.True(t, scorer.LooksLikeDeviceName("Pixel 7"))
	assert.True(t, scorer.LooksLikeDeviceName("SM-G998B"))
	assert.True(t, scorer.LooksLikeDeviceName("XCOVER"))
	assert.False(t, scorer.LooksLikeDeviceName("Alice"))
	assert.False(t, scorer.LooksLikeDeviceName("mum"))
	assert.False(t, scorer.LooksLikeDeviceName(""))
}
