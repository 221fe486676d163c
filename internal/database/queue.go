package database

import (
	"context"
	"database/sql"
	"fmt"

	"meshrelay/internal/models"
)

// SaveQueuedMessage persists a queue entry, updating retry bookkeeping on
// conflict. Queue entries survive a restart; the in-memory queue is rebuilt
// from this table.
func (d *Database) SaveQueuedMessage(ctx context.Context, item *models.QueuedMessage) error {
	return retryableDBOperation(ctx, func() error {
		_, err := d.db.ExecContext(ctx, saveQueuedMessageQuery,
			item.ID, item.MessageID, item.SessionID, item.DeviceID,
			item.Payload, string(item.Type), item.Priority.String(),
			item.QueuedAt, item.RetryCount,
			nullableTime(item.LastRetryAt), nullableTime(item.NextAttemptAt),
			item.LastError,
		)
		if err != nil {
			return fmt.Errorf("failed to save queued message: %w", err)
		}
		return nil
	}, "save queued message")
}

// DeleteQueuedMessage removes a queue entry by id.
func (d *Database) DeleteQueuedMessage(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, deleteQueuedMessageQuery, id)
	if err != nil {
		return fmt.Errorf("failed to delete queued message: %w", err)
	}
	return nil
}

// ListQueuedForDevice returns a device's queue entries, oldest first.
func (d *Database) ListQueuedForDevice(ctx context.Context, deviceID string) ([]*models.QueuedMessage, error) {
	rows, err := d.db.QueryContext(ctx, selectQueuedForDeviceQuery, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list device queue: %w", err)
	}
	defer rows.Close()

	return collectQueued(rows)
}

// ListQueuedAll returns every persisted queue entry, oldest first.
func (d *Database) ListQueuedAll(ctx context.Context) ([]*models.QueuedMessage, error) {
	rows, err := d.db.QueryContext(ctx, selectQueuedAllQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	defer rows.Close()

	return collectQueued(rows)
}

func collectQueued(rows *sql.Rows) ([]*models.QueuedMessage, error) {
	var items []*models.QueuedMessage
	for rows.Next() {
		item := &models.QueuedMessage{}
		var msgType, priority string
		var lastRetry, nextAttempt sql.NullTime
		var lastError sql.NullString

		err := rows.Scan(
			&item.ID, &item.MessageID, &item.SessionID, &item.DeviceID,
			&item.Payload, &msgType, &priority,
			&item.QueuedAt, &item.RetryCount, &lastRetry, &nextAttempt, &lastError,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queued message: %w", err)
		}

		item.Type = models.MessageType(msgType)
		item.Priority = models.ParsePriority(priority)
		item.LastRetryAt = lastRetry.Time
		item.NextAttemptAt = nextAttempt.Time
		item.LastError = lastError.String
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue: %w", err)
	}
	return items, nil
}
