package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"meshrelay/internal/models"
)

// EnqueueSyncEntry records a pending remote mutation for the generic sync
// drain path.
func (d *Database) EnqueueSyncEntry(ctx context.Context, entry *models.SyncQueueEntry) error {
	return retryableDBOperation(ctx, func() error {
		result, err := d.db.ExecContext(ctx, enqueueSyncEntryQuery,
			entry.TableName, entry.RecordID, string(entry.Operation),
			entry.Payload, entry.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to enqueue sync entry: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get sync entry id: %w", err)
		}
		entry.ID = id
		return nil
	}, "enqueue sync entry")
}

// ListSyncEntries returns pending sync entries, oldest first.
func (d *Database) ListSyncEntries(ctx context.Context, limit int) ([]*models.SyncQueueEntry, error) {
	rows, err := d.db.QueryContext(ctx, selectSyncEntriesQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.SyncQueueEntry
	for rows.Next() {
		entry := &models.SyncQueueEntry{}
		var op string
		var lastAttempt sql.NullTime
		var lastError sql.NullString

		err := rows.Scan(
			&entry.ID, &entry.TableName, &entry.RecordID, &op, &entry.Payload,
			&entry.Attempts, &lastAttempt, &lastError, &entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync entry: %w", err)
		}

		entry.Operation = models.SyncOperation(op)
		entry.LastAttempt = lastAttempt.Time
		entry.LastError = lastError.String
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sync entries: %w", err)
	}
	return entries, nil
}

// IncrementSyncAttempt records a failed push of the entry.
func (d *Database) IncrementSyncAttempt(ctx context.Context, id int64, attemptErr string) error {
	_, err := d.db.ExecContext(ctx, incrementSyncAttemptQuery, time.Now().UTC(), attemptErr, id)
	if err != nil {
		return fmt.Errorf("failed to increment sync attempt: %w", err)
	}
	return nil
}

// DeleteSyncEntry retires a successfully pushed entry.
func (d *Database) DeleteSyncEntry(ctx context.Context, id int64) error {
	_, err := d.db.ExecContext(ctx, deleteSyncEntryQuery, id)
	if err != nil {
		return fmt.Errorf("failed to delete sync entry: %w", err)
	}
	return nil
}

// PruneSyncEntries abandons entries that exceeded the attempt cap and the
// age window. They are logged by the caller, not retried forever.
func (d *Database) PruneSyncEntries(ctx context.Context, maxAttempts, maxAgeHours int) (int64, error) {
	result, err := d.db.ExecContext(ctx, pruneSyncEntriesQuery, maxAttempts, maxAgeHours)
	if err != nil {
		return 0, fmt.Errorf("failed to prune sync entries: %w", err)
	}
	return result.RowsAffected()
}
