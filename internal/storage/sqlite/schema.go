package sqlite

const schema = `
-- Processed messages: dedup ledger for exactly-once effect
CREATE TABLE IF NOT EXISTS processed_messages (
    message_id TEXT PRIMARY KEY,
    ship_id TEXT NOT NULL DEFAULT '',
    content_type TEXT NOT NULL DEFAULT '',
    document_id TEXT NOT NULL DEFAULT '',
    operation TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'processed' CHECK(status IN ('processed', 'failed')),
    processed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_processed_messages_processed_at ON processed_messages(processed_at);
CREATE INDEX IF NOT EXISTS idx_processed_messages_status ON processed_messages(status);

-- Outbound sync queue (replica side)
CREATE TABLE IF NOT EXISTS sync_queue (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id TEXT NOT NULL UNIQUE,
    ship_id TEXT NOT NULL,
    content_type TEXT NOT NULL DEFAULT '',
    document_id TEXT NOT NULL DEFAULT '',
    operation TEXT NOT NULL,
    message TEXT NOT NULL,
    state TEXT NOT NULL DEFAULT 'pending' CHECK(state IN ('pending', 'sending', 'sent', 'failed')),
    occurred_at DATETIME NOT NULL,
    next_attempt_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_error TEXT NOT NULL DEFAULT '',
    enqueued_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_sync_queue_claim ON sync_queue(ship_id, state, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_sync_queue_order ON sync_queue(occurred_at, id);

-- Dead-letter store: parked messages, never auto-deleted
CREATE TABLE IF NOT EXISTS dead_letter (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id TEXT NOT NULL UNIQUE,
    ship_id TEXT NOT NULL DEFAULT '',
    content_type TEXT NOT NULL DEFAULT '',
    document_id TEXT NOT NULL DEFAULT '',
    operation TEXT NOT NULL DEFAULT '',
    message TEXT NOT NULL,
    state TEXT NOT NULL DEFAULT 'pending' CHECK(state IN ('pending', 'retrying', 'exhausted', 'resolved')),
    reason TEXT NOT NULL DEFAULT '',
    attempts INTEGER NOT NULL DEFAULT 1,
    last_error TEXT NOT NULL DEFAULT '',
    first_seen_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_seen_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_dead_letter_state ON dead_letter(state);
CREATE INDEX IF NOT EXISTS idx_dead_letter_ship ON dead_letter(ship_id);

-- Fleet registry (master side)
CREATE TABLE IF NOT EXISTS ships (
    ship_id TEXT PRIMARY KEY,
    ship_name TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'offline' CHECK(status IN ('online', 'offline')),
    last_seen_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Identity mappings: (content_type, document_id) -> local row
CREATE TABLE IF NOT EXISTS identity_mappings (
    content_type TEXT NOT NULL,
    document_id TEXT NOT NULL,
    local_id TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (content_type, document_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_identity_reverse ON identity_mappings(content_type, local_id);

-- Recorded write-write conflicts
CREATE TABLE IF NOT EXISTS conflicts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id TEXT NOT NULL,
    content_type TEXT NOT NULL,
    document_id TEXT NOT NULL,
    local_snapshot TEXT,
    remote_snapshot TEXT,
    detected_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    state TEXT NOT NULL DEFAULT 'open' CHECK(state IN ('open', 'resolved')),
    resolution TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_conflicts_state ON conflicts(state);
CREATE INDEX IF NOT EXISTS idx_conflicts_document ON conflicts(content_type, document_id);

-- Internal key/value state (media stats, schema bookkeeping)
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL DEFAULT '',
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Applied schema migrations
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
