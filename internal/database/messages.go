package database

import (
	"context"
	"database/sql"
	"fmt"

	"meshrelay/internal/models"
)

// InsertMessageTx inserts a message and bumps the owning session's counters
// in a single transaction, so the derived counts can never diverge from the
// message rows. unreadDelta is 1 for inbound messages, 0 for local sends.
func (d *Database) InsertMessageTx(ctx context.Context, msg *models.Message, unreadDelta int) error {
	encryptedBody, err := d.encryptor.EncryptIfEnabled(msg.Body)
	if err != nil {
		return fmt.Errorf("failed to encrypt message body: %w", err)
	}
	senderHash, err := d.encryptor.EncryptForLookupIfEnabled(msg.SenderID)
	if err != nil {
		return fmt.Errorf("failed to encrypt sender ID: %w", err)
	}

	return retryableDBOperation(ctx, func() error {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		if _, err := tx.ExecContext(ctx, insertMessageQuery,
			msg.ID, msg.SessionID, msg.SenderID, msg.TargetDeviceID,
			encryptedBody, string(msg.Type), string(msg.Status), msg.IsEmergency,
			msg.RetryCount, msg.Latitude, msg.Longitude,
			msg.LocalSynced, msg.RemoteSynced, senderHash, msg.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}

		if _, err := tx.ExecContext(ctx, bumpSessionCountersQuery,
			unreadDelta, msg.CreatedAt, msg.SessionID,
		); err != nil {
			return fmt.Errorf("failed to update session counters: %w", err)
		}

		return tx.Commit()
	}, "insert message")
}

// GetMessage returns the message with the given id, or nil if absent.
func (d *Database) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	row := d.db.QueryRowContext(ctx, selectMessageQuery, messageID)
	msg, err := d.scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// ListSessionMessages returns all messages for a session in display order.
// Display order follows created_at, not insertion order: the mesh reorders
// arrivals and the timestamp is authoritative.
func (d *Database) ListSessionMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	rows, err := d.db.QueryContext(ctx, selectSessionMessagesQuery, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list session messages: %w", err)
	}
	defer rows.Close()

	return d.collectMessages(rows)
}

// ListUnsyncedMessages returns messages not yet pushed to the remote store.
func (d *Database) ListUnsyncedMessages(ctx context.Context, limit int) ([]*models.Message, error) {
	rows, err := d.db.QueryContext(ctx, selectUnsyncedMessagesQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsynced messages: %w", err)
	}
	defer rows.Close()

	return d.collectMessages(rows)
}

// UpdateMessageStatus advances a message's status, enforcing the monotonic
// pending -> sent -> delivered path. A disallowed transition is reported, not
// applied.
func (d *Database) UpdateMessageStatus(ctx context.Context, messageID string, status models.MessageStatus, retryCount int) error {
	return retryableDBOperation(ctx, func() error {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		var current string
		err = tx.QueryRowContext(ctx, `SELECT status FROM messages WHERE message_id = ?`, messageID).Scan(&current)
		if err == sql.ErrNoRows {
			return fmt.Errorf("no message found with ID: %s", messageID)
		}
		if err != nil {
			return fmt.Errorf("failed to read message status: %w", err)
		}

		if !models.CanTransition(models.MessageStatus(current), status) {
			return fmt.Errorf("status transition %s -> %s not allowed for message %s", current, status, messageID)
		}

		if _, err := tx.ExecContext(ctx, updateMessageStatusQuery, string(status), retryCount, messageID); err != nil {
			return fmt.Errorf("failed to update message status: %w", err)
		}

		return tx.Commit()
	}, "update message status")
}

// MarkRemoteSynced flags a message as present in the remote store.
func (d *Database) MarkRemoteSynced(ctx context.Context, messageID string) error {
	_, err := d.db.ExecContext(ctx, markRemoteSyncedQuery, messageID)
	if err != nil {
		return fmt.Errorf("failed to mark message synced: %w", err)
	}
	return nil
}

// PruneTerminalMessages deletes delivered/failed/synced rows older than the
// retention window. Pending rows are never pruned.
func (d *Database) PruneTerminalMessages(ctx context.Context, retentionDays int) (int64, error) {
	result, err := d.db.ExecContext(ctx, pruneTerminalMessagesQuery, retentionDays)
	if err != nil {
		return 0, fmt.Errorf("failed to prune messages: %w", err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (d *Database) scanMessage(row rowScanner) (*models.Message, error) {
	msg := &models.Message{}
	var body, msgType, status string
	var target sql.NullString

	err := row.Scan(
		&msg.ID, &msg.SessionID, &msg.SenderID, &target, &body, &msgType,
		&status, &msg.IsEmergency, &msg.RetryCount, &msg.Latitude, &msg.Longitude,
		&msg.LocalSynced, &msg.RemoteSynced, &msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	msg.TargetDeviceID = target.String
	msg.Type = models.MessageType(msgType)
	msg.Status = models.MessageStatus(status)

	msg.Body, err = d.encryptor.DecryptIfEnabled(body)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt message body: %w", err)
	}

	return msg, nil
}

func (d *Database) collectMessages(rows *sql.Rows) ([]*models.Message, error) {
	var messages []*models.Message
	for rows.Next() {
		msg, err := d.scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return messages, nil
}
