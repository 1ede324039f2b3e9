package storage

// Timestamps are stored as Unix milliseconds so due-date comparisons and
// ordering are numeric. Foreign keys are enabled per connection in Open.
const schema = `
-- The 'cards' table stores study content and its queue membership.
CREATE TABLE IF NOT EXISTS cards (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    content TEXT NOT NULL,
    note TEXT NOT NULL DEFAULT '',
    source TEXT NOT NULL DEFAULT '',
    priority TEXT NOT NULL DEFAULT 'medium',
    to_edit INTEGER NOT NULL DEFAULT 0,
    in_queue INTEGER NOT NULL DEFAULT 0,
    content_hash TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cards_user ON cards(user_id, in_queue);
CREATE INDEX IF NOT EXISTS idx_cards_hash ON cards(user_id, content_hash);

CREATE TABLE IF NOT EXISTS card_topics (
    card_id TEXT NOT NULL,
    topic TEXT NOT NULL,

    PRIMARY KEY(card_id, topic),
    FOREIGN KEY(card_id) REFERENCES cards(id) ON DELETE CASCADE
);

-- One row per queued card. Removed when the card leaves the queue.
CREATE TABLE IF NOT EXISTS review_states (
    card_id TEXT PRIMARY KEY,
    ease_factor REAL NOT NULL,
    interval_days INTEGER NOT NULL,
    repetitions INTEGER NOT NULL,
    next_review_at INTEGER NOT NULL,
    last_reviewed_at INTEGER,
    version INTEGER NOT NULL DEFAULT 0,

    FOREIGN KEY(card_id) REFERENCES cards(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_review_states_due ON review_states(next_review_at);

CREATE TABLE IF NOT EXISTS review_logs (
    id TEXT PRIMARY KEY,
    card_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    quality REAL NOT NULL,
    ease_factor REAL NOT NULL,
    interval_days INTEGER NOT NULL,
    repetitions INTEGER NOT NULL,
    reviewed_at INTEGER NOT NULL,

    FOREIGN KEY(card_id) REFERENCES cards(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_review_logs_card ON review_logs(card_id, reviewed_at);
`
