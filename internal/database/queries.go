package database

// Message queries
const (
	insertMessageQuery = `
		INSERT INTO messages (
			message_id, session_id, sender_id, target_device_id, body, type,
			status, is_emergency, retry_count, latitude, longitude,
			local_synced, remote_synced, sender_id_hash, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	selectMessageQuery = `
		SELECT message_id, session_id, sender_id, target_device_id, body, type,
			   status, is_emergency, retry_count, latitude, longitude,
			   local_synced, remote_synced, created_at
		FROM messages
		WHERE message_id = ?
	`

	selectSessionMessagesQuery = `
		SELECT message_id, session_id, sender_id, target_device_id, body, type,
			   status, is_emergency, retry_count, latitude, longitude,
			   local_synced, remote_synced, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY created_at ASC
	`

	selectUnsyncedMessagesQuery = `
		SELECT message_id, session_id, sender_id, target_device_id, body, type,
			   status, is_emergency, retry_count, latitude, longitude,
			   local_synced, remote_synced, created_at
		FROM messages
		WHERE remote_synced = FALSE
		ORDER BY created_at ASC
		LIMIT ?
	`

	updateMessageStatusQuery = `
		UPDATE messages
		SET status = ?, retry_count = ?
		WHERE message_id = ?
	`

	markRemoteSyncedQuery = `
		UPDATE messages
		SET remote_synced = TRUE,
		    status = CASE WHEN status = 'delivered' THEN 'synced' ELSE status END
		WHERE message_id = ?
	`

	pruneTerminalMessagesQuery = `
		DELETE FROM messages
		WHERE status IN ('delivered', 'failed', 'synced')
		  AND created_at < datetime('now', '-' || ? || ' days')
	`

	bumpSessionCountersQuery = `
		UPDATE chat_sessions
		SET message_count = message_count + 1,
		    unread_count = unread_count + ?,
		    last_message_at = ?
		WHERE id = ?
	`
)

// Chat session queries
const (
	upsertSessionQuery = `
		INSERT INTO chat_sessions (
			id, peer_stable_id, peer_address, display_name, status,
			unread_count, message_count, connection_history,
			last_message_at, last_connection_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			peer_stable_id = excluded.peer_stable_id,
			peer_address = excluded.peer_address,
			display_name = excluded.display_name,
			connection_history = excluded.connection_history,
			last_connection_at = excluded.last_connection_at
	`

	selectSessionColumns = `
		SELECT id, peer_stable_id, peer_address, display_name, status,
			   unread_count, message_count, connection_history,
			   last_message_at, last_connection_at, created_at
		FROM chat_sessions
	`

	selectSessionQuery          = selectSessionColumns + ` WHERE id = ?`
	selectSessionByStableQuery  = selectSessionColumns + ` WHERE peer_stable_id = ? AND status = 'active'`
	selectSessionByAddressQuery = selectSessionColumns + ` WHERE peer_address = ? AND status = 'active'`
	selectActiveSessionsQuery   = selectSessionColumns + ` WHERE status = 'active' ORDER BY created_at ASC`

	reassignMessagesQuery = `
		UPDATE messages SET session_id = ? WHERE session_id = ?
	`

	recountSessionQuery = `
		UPDATE chat_sessions
		SET message_count = (SELECT COUNT(*) FROM messages WHERE session_id = chat_sessions.id)
		WHERE id = ?
	`

	deleteSessionQuery = `
		DELETE FROM chat_sessions WHERE id = ?
	`

	archiveSessionQuery = `
		UPDATE chat_sessions SET status = 'archived' WHERE id = ?
	`

	markSessionReadQuery = `
		UPDATE chat_sessions SET unread_count = 0 WHERE id = ?
	`

	pruneArchivedSessionsQuery = `
		DELETE FROM chat_sessions
		WHERE status = 'archived'
		  AND updated_at < datetime('now', '-' || ? || ' days')
	`
)

// Message queue queries
const (
	saveQueuedMessageQuery = `
		INSERT INTO message_queue (
			id, message_id, session_id, device_id, payload, type, priority,
			queued_at, retry_count, last_retry_at, next_attempt_at, last_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			retry_count = excluded.retry_count,
			last_retry_at = excluded.last_retry_at,
			next_attempt_at = excluded.next_attempt_at,
			last_error = excluded.last_error
	`

	deleteQueuedMessageQuery = `
		DELETE FROM message_queue WHERE id = ?
	`

	selectQueuedColumns = `
		SELECT id, message_id, session_id, device_id, payload, type, priority,
			   queued_at, retry_count, last_retry_at, next_attempt_at, last_error
		FROM message_queue
	`

	selectQueuedForDeviceQuery = selectQueuedColumns + ` WHERE device_id = ? ORDER BY queued_at ASC`
	selectQueuedAllQuery       = selectQueuedColumns + ` ORDER BY queued_at ASC`
)

// Sync queue queries
const (
	enqueueSyncEntryQuery = `
		INSERT INTO sync_queue (table_name, record_id, operation, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	selectSyncEntriesQuery = `
		SELECT id, table_name, record_id, operation, payload, attempts,
			   last_attempt, last_error, created_at
		FROM sync_queue
		ORDER BY created_at ASC
		LIMIT ?
	`

	incrementSyncAttemptQuery = `
		UPDATE sync_queue
		SET attempts = attempts + 1, last_attempt = ?, last_error = ?
		WHERE id = ?
	`

	deleteSyncEntryQuery = `
		DELETE FROM sync_queue WHERE id = ?
	`

	pruneSyncEntriesQuery = `
		DELETE FROM sync_queue
		WHERE attempts >= ?
		  AND created_at < datetime('now', '-' || ? || ' hours')
	`
)
