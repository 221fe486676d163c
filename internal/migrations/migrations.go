package migrations

// Schema evolution is additive only: a device may resume with an older
// on-disk layout, so later migrations add nullable columns and never touch
// existing ones.

const initialSchema = `
CREATE TABLE IF NOT EXISTS messages (
    message_id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    sender_id TEXT NOT NULL,
    target_device_id TEXT,
    body TEXT NOT NULL,
    type TEXT NOT NULL DEFAULT 'text',
    status TEXT NOT NULL DEFAULT 'pending',
    is_emergency BOOLEAN NOT NULL DEFAULT FALSE,
    retry_count INTEGER NOT NULL DEFAULT 0,
    latitude REAL,
    longitude REAL,
    local_synced BOOLEAN NOT NULL DEFAULT FALSE,
    remote_synced BOOLEAN NOT NULL DEFAULT FALSE,
    sender_id_hash TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status);
CREATE INDEX IF NOT EXISTS idx_messages_remote_synced ON messages(remote_synced);

CREATE TRIGGER IF NOT EXISTS messages_updated_at
AFTER UPDATE ON messages
BEGIN
    UPDATE messages SET updated_at = CURRENT_TIMESTAMP
    WHERE message_id = NEW.message_id;
END;

CREATE TABLE IF NOT EXISTS chat_sessions (
    id TEXT PRIMARY KEY,
    peer_stable_id TEXT,
    peer_address TEXT,
    display_name TEXT,
    status TEXT NOT NULL DEFAULT 'active',
    unread_count INTEGER NOT NULL DEFAULT 0,
    message_count INTEGER NOT NULL DEFAULT 0,
    connection_history TEXT NOT NULL DEFAULT '[]',
    last_message_at DATETIME,
    last_connection_at DATETIME,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_sessions_stable_id ON chat_sessions(peer_stable_id);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON chat_sessions(status);

CREATE TRIGGER IF NOT EXISTS chat_sessions_updated_at
AFTER UPDATE ON chat_sessions
BEGIN
    UPDATE chat_sessions SET updated_at = CURRENT_TIMESTAMP
    WHERE id = NEW.id;
END;

CREATE TABLE IF NOT EXISTS message_queue (
    id TEXT PRIMARY KEY,
    message_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    device_id TEXT NOT NULL,
    payload BLOB NOT NULL,
    type TEXT NOT NULL DEFAULT 'text',
    priority TEXT NOT NULL DEFAULT 'normal',
    queued_at DATETIME NOT NULL,
    retry_count INTEGER NOT NULL DEFAULT 0,
    last_retry_at DATETIME,
    next_attempt_at DATETIME,
    last_error TEXT
);

CREATE INDEX IF NOT EXISTS idx_queue_device ON message_queue(device_id, queued_at);

CREATE TABLE IF NOT EXISTS sync_queue (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    table_name TEXT NOT NULL,
    record_id TEXT NOT NULL,
    operation TEXT NOT NULL,
    payload BLOB,
    attempts INTEGER NOT NULL DEFAULT 0,
    last_attempt DATETIME,
    last_error TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_sync_queue_created ON sync_queue(created_at);
`

// GetInitialSchema returns the initial database schema
func GetInitialSchema() string {
	return initialSchema
}
