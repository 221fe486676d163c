package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"meshrelay/internal/models"
)

// UpsertSession inserts a session or refreshes its identity fields when the
// id already exists. Counters are owned by the message insert path and are
// deliberately left alone on conflict.
func (d *Database) UpsertSession(ctx context.Context, session *models.ChatSession) error {
	encryptedName, err := d.encryptor.EncryptIfEnabled(session.DisplayName)
	if err != nil {
		return fmt.Errorf("failed to encrypt display name: %w", err)
	}

	history, err := json.Marshal(session.ConnectionHistory)
	if err != nil {
		return fmt.Errorf("failed to marshal connection history: %w", err)
	}

	return retryableDBOperation(ctx, func() error {
		_, err := d.db.ExecContext(ctx, upsertSessionQuery,
			session.ID, session.PeerStableID, session.PeerAddress, encryptedName,
			string(session.Status), session.UnreadCount, session.MessageCount,
			string(history), nullableTime(session.LastMessageAt),
			nullableTime(session.LastConnectionAt), session.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert session: %w", err)
		}
		return nil
	}, "upsert session")
}

// GetSession returns the session with the given id, or nil if absent.
func (d *Database) GetSession(ctx context.Context, id string) (*models.ChatSession, error) {
	return d.querySession(ctx, selectSessionQuery, id)
}

// GetSessionByStableID returns the active session for a peer stable id.
func (d *Database) GetSessionByStableID(ctx context.Context, stableID string) (*models.ChatSession, error) {
	return d.querySession(ctx, selectSessionByStableQuery, stableID)
}

// GetSessionByAddress returns the active session matching a raw peer address.
func (d *Database) GetSessionByAddress(ctx context.Context, address string) (*models.ChatSession, error) {
	return d.querySession(ctx, selectSessionByAddressQuery, address)
}

// ListActiveSessions returns all non-archived sessions, oldest first.
func (d *Database) ListActiveSessions(ctx context.Context) ([]*models.ChatSession, error) {
	rows, err := d.db.QueryContext(ctx, selectActiveSessionsQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.ChatSession
	for rows.Next() {
		session, err := d.scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}

// MergeSessions re-points every message of loserID to winnerID, recounts the
// winner's totals, and deletes the loser, all in one transaction.
func (d *Database) MergeSessions(ctx context.Context, winnerID, loserID string) error {
	return retryableDBOperation(ctx, func() error {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		if _, err := tx.ExecContext(ctx, reassignMessagesQuery, winnerID, loserID); err != nil {
			return fmt.Errorf("failed to reassign messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, recountSessionQuery, winnerID); err != nil {
			return fmt.Errorf("failed to recount winner session: %w", err)
		}
		if _, err := tx.ExecContext(ctx, deleteSessionQuery, loserID); err != nil {
			return fmt.Errorf("failed to delete merged session: %w", err)
		}

		return tx.Commit()
	}, "merge sessions")
}

// ArchiveSession marks a session archived; archived sessions are excluded
// from resolution and eventually pruned.
func (d *Database) ArchiveSession(ctx context.Context, id string) error {
	result, err := d.db.ExecContext(ctx, archiveSessionQuery, id)
	if err != nil {
		return fmt.Errorf("failed to archive session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("no session found with ID: %s", id)
	}
	return nil
}

// MarkSessionRead clears a session's unread counter.
func (d *Database) MarkSessionRead(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, markSessionReadQuery, id)
	if err != nil {
		return fmt.Errorf("failed to mark session read: %w", err)
	}
	return nil
}

// PruneArchivedSessions deletes archived sessions past the retention window.
func (d *Database) PruneArchivedSessions(ctx context.Context, retentionDays int) (int64, error) {
	result, err := d.db.ExecContext(ctx, pruneArchivedSessionsQuery, retentionDays)
	if err != nil {
		return 0, fmt.Errorf("failed to prune archived sessions: %w", err)
	}
	return result.RowsAffected()
}

func (d *Database) querySession(ctx context.Context, query string, arg string) (*models.ChatSession, error) {
	row := d.db.QueryRowContext(ctx, query, arg)
	session, err := d.scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

func (d *Database) scanSession(row rowScanner) (*models.ChatSession, error) {
	session := &models.ChatSession{}
	var stableID, address, name sql.NullString
	var status, history string
	var lastMessage, lastConnection sql.NullTime

	err := row.Scan(
		&session.ID, &stableID, &address, &name, &status,
		&session.UnreadCount, &session.MessageCount, &history,
		&lastMessage, &lastConnection, &session.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	session.PeerStableID = stableID.String
	session.PeerAddress = address.String
	session.Status = models.SessionStatus(status)
	session.LastMessageAt = lastMessage.Time
	session.LastConnectionAt = lastConnection.Time

	session.DisplayName, err = d.encryptor.DecryptIfEnabled(name.String)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt display name: %w", err)
	}

	if err := json.Unmarshal([]byte(history), &session.ConnectionHistory); err != nil {
		return nil, fmt.Errorf("failed to unmarshal connection history: %w", err)
	}

	return session, nil
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
