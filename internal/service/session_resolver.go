package service

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode"

	"meshrelay/internal/bus"
	engerrors "meshrelay/internal/errors"
	"meshrelay/internal/metrics"
	"meshrelay/internal/models"
	"meshrelay/internal/privacy"
	"meshrelay/internal/tracing"

	"github.com/sirupsen/logrus"
)

// SessionDatabase defines the database operations needed by SessionResolver
type SessionDatabase interface {
	UpsertSession(ctx context.Context, session *models.ChatSession) error
	GetSession(ctx context.Context, id string) (*models.ChatSession, error)
	GetSessionByStableID(ctx context.Context, stableID string) (*models.ChatSession, error)
	GetSessionByAddress(ctx context.Context, address string) (*models.ChatSession, error)
	ListActiveSessions(ctx context.Context) ([]*models.ChatSession, error)
	MergeSessions(ctx context.Context, winnerID, loserID string) error
	ArchiveSession(ctx context.Context, id string) error
	MarkSessionRead(ctx context.Context, id string) error
	PruneArchivedSessions(ctx context.Context, retentionDays int) (int64, error)
}

// NameScorer decides whether a display name looks like a device-assigned
// identity rather than a user-chosen nickname. Pluggable so deployments can
// swap in their own heuristic.
type NameScorer interface {
	LooksLikeDeviceName(name string) bool
}

// DefaultNameScorer treats names carrying digits or model-style tokens
// ("Pixel 7", "SM-G998B") as device names.
type DefaultNameScorer struct{}

func (DefaultNameScorer) LooksLikeDeviceName(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	hasDigit := false
	hasUpperRun := false
	upperRun := 0
	for _, r := range name {
		if unicode.IsDigit(r) {
			hasDigit = true
		}
		if unicode.IsUpper(r) {
			upperRun++
			if upperRun >= 2 {
				hasUpperRun = true
			}
		} else {
			upperRun = 0
		}
	}
	return hasDigit || hasUpperRun
}

// SessionResolver maps peer identities to canonical chat sessions and
// consolidates the duplicates that appear when the same person shows up
// under different identifiers.
type SessionResolver struct {
	db     SessionDatabase
	bus    *bus.Bus
	logger *logrus.Logger
	scorer NameScorer
}

func NewSessionResolver(db SessionDatabase, eventBus *bus.Bus, logger *logrus.Logger) *SessionResolver {
	return &SessionResolver{
		db:     db,
		bus:    eventBus,
		logger: logger,
		scorer: DefaultNameScorer{},
	}
}

// SetNameScorer replaces the device-name heuristic used during consolidation.
func (r *SessionResolver) SetNameScorer(scorer NameScorer) {
	if scorer != nil {
		r.scorer = scorer
	}
}

// Resolve returns the session for a peer, creating one if none exists.
// Lookup prefers the stable hardware-derived id, then the transport address,
// then the canonical id derived from whichever identifier is present.
func (r *SessionResolver) Resolve(ctx context.Context, stableID, address, displayName string) (*models.ChatSession, error) {
	ctx, span := tracing.StartSpan(ctx, "resolver.resolve")
	defer span.End()

	if stableID == "" && address == "" {
		return nil, engerrors.New(engerrors.ErrCodeIdentityUnavailable, "peer has neither a stable id nor an address")
	}

	if stableID != "" {
		session, err := r.db.GetSessionByStableID(ctx, stableID)
		if err != nil {
			return nil, engerrors.Wrap(err, engerrors.ErrCodeDatabaseQuery, "stable id lookup failed")
		}
		if session != nil {
			return r.refresh(ctx, session, stableID, address, displayName)
		}
	}

	if address != "" {
		session, err := r.db.GetSessionByAddress(ctx, address)
		if err != nil {
			return nil, engerrors.Wrap(err, engerrors.ErrCodeDatabaseQuery, "address lookup failed")
		}
		if session != nil {
			return r.refresh(ctx, session, stableID, address, displayName)
		}
	}

	canonical := stableID
	if canonical == "" {
		canonical = address
	}
	id := models.SessionIDFor(canonical)

	session, err := r.db.GetSession(ctx, id)
	if err != nil {
		return nil, engerrors.Wrap(err, engerrors.ErrCodeDatabaseQuery, "session lookup failed")
	}
	if session != nil {
		return r.refresh(ctx, session, stableID, address, displayName)
	}

	session = &models.ChatSession{
		ID:           id,
		PeerStableID: stableID,
		PeerAddress:  address,
		DisplayName:  displayName,
		CreatedAt:    time.Now().UTC(),
		Status:       models.SessionStatusActive,
	}
	if err := r.db.UpsertSession(ctx, session); err != nil {
		return nil, engerrors.Wrap(err, engerrors.ErrCodeDatabaseQuery, "failed to create session")
	}

	metrics.IncrementCounter("resolver_sessions_created", nil, "Chat sessions created")
	r.bus.Publish(bus.Event{Kind: bus.KindSessionCreated, Payload: session.ID})
	r.logger.WithField("session_id", privacy.MaskSessionID(session.ID)).Info("Created chat session")

	return session, nil
}

// refresh folds newly observed identity fields into an existing session.
// Known values are never overwritten with blanks.
func (r *SessionResolver) refresh(ctx context.Context, session *models.ChatSession, stableID, address, displayName string) (*models.ChatSession, error) {
	changed := false
	if stableID != "" && session.PeerStableID != stableID {
		session.PeerStableID = stableID
		changed = true
	}
	if address != "" && session.PeerAddress != address {
		session.PeerAddress = address
		changed = true
	}
	if displayName != "" && session.DisplayName != displayName {
		session.DisplayName = displayName
		changed = true
	}
	if changed {
		if err := r.db.UpsertSession(ctx, session); err != nil {
			return nil, engerrors.Wrap(err, engerrors.ErrCodeDatabaseQuery, "failed to refresh session identity")
		}
	}
	return session, nil
}

// RecordConnection appends a connection observation to the session's rolling
// history.
func (r *SessionResolver) RecordConnection(ctx context.Context, sessionID, connType string) error {
	session, err := r.db.GetSession(ctx, sessionID)
	if err != nil {
		return engerrors.Wrap(err, engerrors.ErrCodeDatabaseQuery, "session lookup failed")
	}
	if session == nil {
		return engerrors.New(engerrors.ErrCodeNotFound, "session does not exist").
			WithContext("session_id", privacy.MaskSessionID(sessionID))
	}
	session.RecordConnection(connType, time.Now().UTC())
	return r.db.UpsertSession(ctx, session)
}

// Consolidate merges duplicate sessions that refer to the same peer. Sessions
// group together when they share a stable id, or failing that a normalized
// display name. Each group keeps one winner; the others' messages are
// reassigned to it and the duplicate rows removed. Running it twice in a row
// is a no-op.
func (r *SessionResolver) Consolidate(ctx context.Context) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "resolver.consolidate")
	defer span.End()

	sessions, err := r.db.ListActiveSessions(ctx)
	if err != nil {
		return 0, engerrors.Wrap(err, engerrors.ErrCodeDatabaseQuery, "failed to list sessions")
	}

	groups := make(map[string][]*models.ChatSession)
	for _, s := range sessions {
		key := ""
		if s.PeerStableID != "" {
			key = "stable:" + models.NormalizeIdentifier(s.PeerStableID)
		} else if s.DisplayName != "" {
			key = "name:" + models.NormalizeDisplayName(s.DisplayName)
		} else {
			continue // nothing to group on
		}
		groups[key] = append(groups[key], s)
	}

	// A named group may belong with a stable-id group when one of its
	// members resolved the stable id later. Fold those in before merging.
	for key, group := range groups {
		if !strings.HasPrefix(key, "name:") {
			continue
		}
		for stableKey, stableGroup := range groups {
			if !strings.HasPrefix(stableKey, "stable:") {
				continue
			}
			if sameDisplayName(group, stableGroup) {
				groups[stableKey] = append(stableGroup, group...)
				delete(groups, key)
				break
			}
		}
	}

	merged := 0
	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		n, err := r.mergeGroup(ctx, group)
		if err != nil {
			return merged, err
		}
		merged += n
	}

	if merged > 0 {
		metrics.IncrementCounter("resolver_sessions_merged", nil, "Duplicate sessions merged")
	}
	return merged, nil
}

func sameDisplayName(a, b []*models.ChatSession) bool {
	for _, sa := range a {
		na := models.NormalizeDisplayName(sa.DisplayName)
		if na == "" {
			continue
		}
		for _, sb := range b {
			if na == models.NormalizeDisplayName(sb.DisplayName) {
				return true
			}
		}
	}
	return false
}

// mergeGroup picks the winner and folds every other member into it.
func (r *SessionResolver) mergeGroup(ctx context.Context, group []*models.ChatSession) (int, error) {
	sort.SliceStable(group, func(i, j int) bool {
		return r.better(group[i], group[j])
	})
	winner := group[0]

	merged := 0
	for _, loser := range group[1:] {
		if loser.ID == winner.ID {
			continue
		}
		// Carry identity fields the winner is missing before the loser row
		// disappears.
		if winner.PeerStableID == "" && loser.PeerStableID != "" {
			winner.PeerStableID = loser.PeerStableID
		}
		if winner.PeerAddress == "" && loser.PeerAddress != "" {
			winner.PeerAddress = loser.PeerAddress
		}
		if err := r.db.UpsertSession(ctx, winner); err != nil {
			return merged, engerrors.Wrap(err, engerrors.ErrCodeDatabaseQuery, "failed to update merge winner")
		}
		if err := r.db.MergeSessions(ctx, winner.ID, loser.ID); err != nil {
			return merged, engerrors.Wrap(err, engerrors.ErrCodeDatabaseQuery, "session merge failed")
		}
		merged++
		r.bus.Publish(bus.Event{Kind: bus.KindSessionMerged, Payload: winner.ID})
		r.logger.WithFields(logrus.Fields{
			"winner": privacy.MaskSessionID(winner.ID),
			"loser":  privacy.MaskSessionID(loser.ID),
		}).Info("Merged duplicate chat sessions")
	}
	return merged, nil
}

// better reports whether a should win over b during consolidation. The
// final lexicographic comparison makes the ordering total, so the winner is
// deterministic regardless of scan order.
func (r *SessionResolver) better(a, b *models.ChatSession) bool {
	if (a.PeerStableID != "") != (b.PeerStableID != "") {
		return a.PeerStableID != ""
	}
	aDev := r.scorer.LooksLikeDeviceName(a.DisplayName)
	bDev := r.scorer.LooksLikeDeviceName(b.DisplayName)
	if aDev != bDev {
		return aDev
	}
	if !a.LastConnectionAt.Equal(b.LastConnectionAt) {
		return a.LastConnectionAt.After(b.LastConnectionAt)
	}
	if a.MessageCount != b.MessageCount {
		return a.MessageCount > b.MessageCount
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Sessions returns all active sessions for the admin surface.
func (r *SessionResolver) Sessions(ctx context.Context) ([]*models.ChatSession, error) {
	return r.db.ListActiveSessions(ctx)
}

// Archive moves a session out of the active list without deleting history.
func (r *SessionResolver) Archive(ctx context.Context, sessionID string) error {
	return r.db.ArchiveSession(ctx, sessionID)
}

// MarkRead clears a session's unread counter.
func (r *SessionResolver) MarkRead(ctx context.Context, sessionID string) error {
	return r.db.MarkSessionRead(ctx, sessionID)
}
