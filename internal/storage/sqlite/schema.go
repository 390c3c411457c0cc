package sqlite

const schema = `
-- Tickets table
-- Ingested attributes are immutable; quality state lives in ticket_state
CREATE TABLE IF NOT EXISTS tickets (
    id TEXT PRIMARY KEY,
    site_id TEXT NOT NULL,
    company_id TEXT NOT NULL DEFAULT '',
    priority INTEGER NOT NULL DEFAULT 0 CHECK(priority >= 0 AND priority <= 4),
    created DATETIME NOT NULL,
    resolved DATETIME,
    description TEXT NOT NULL DEFAULT '',
    category TEXT NOT NULL DEFAULT '',
    subcategory TEXT NOT NULL DEFAULT '',
    ingested_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_tickets_site ON tickets(site_id);
CREATE INDEX IF NOT EXISTS idx_tickets_created ON tickets(created);

-- Ticket quality state
-- Override columns are NULL until a merge or manual correction replaces
-- the ingested value
CREATE TABLE IF NOT EXISTS ticket_state (
    ticket_id TEXT PRIMARY KEY,
    is_active INTEGER NOT NULL DEFAULT 1,
    merged_into TEXT,
    review_status TEXT NOT NULL DEFAULT 'pending'
        CHECK(review_status IN ('pending', 'merged', 'dismissed')),
    description_override TEXT,
    created_override DATETIME,
    priority_override INTEGER CHECK(priority_override IS NULL OR (priority_override >= 0 AND priority_override <= 4)),
    category_override TEXT,
    subcategory_override TEXT,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (ticket_id) REFERENCES tickets(id) ON DELETE CASCADE,
    FOREIGN KEY (merged_into) REFERENCES tickets(id)
);

CREATE INDEX IF NOT EXISTS idx_ticket_state_active ON ticket_state(is_active);

-- Duplicate groups
-- The id is derived from the sorted member ids
CREATE TABLE IF NOT EXISTS duplicate_groups (
    id TEXT PRIMARY KEY,
    site_id TEXT NOT NULL,
    confidence REAL NOT NULL CHECK(confidence >= 0 AND confidence <= 1),
    status TEXT NOT NULL DEFAULT 'pending'
        CHECK(status IN ('pending', 'merged', 'dismissed', 'skipped')),
    evidence TEXT NOT NULL DEFAULT '[]',
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_groups_status ON duplicate_groups(status);
CREATE INDEX IF NOT EXISTS idx_groups_site ON duplicate_groups(site_id);

CREATE TABLE IF NOT EXISTS group_members (
    group_id TEXT NOT NULL,
    ticket_id TEXT NOT NULL,
    PRIMARY KEY (group_id, ticket_id),
    FOREIGN KEY (group_id) REFERENCES duplicate_groups(id) ON DELETE CASCADE,
    FOREIGN KEY (ticket_id) REFERENCES tickets(id)
);

CREATE INDEX IF NOT EXISTS idx_group_members_ticket ON group_members(ticket_id);

-- Audit trail (append-only)
-- A reversal entry must reference the entry it reverses; the reversed
-- entry records the reversal in reversed_by_entry_id
CREATE TABLE IF NOT EXISTS audit_entries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp DATETIME NOT NULL,
    action TEXT NOT NULL
        CHECK(action IN ('merge', 'dismiss', 'manual_correction', 'reversal')),
    user TEXT NOT NULL,
    affected_tickets TEXT NOT NULL DEFAULT '[]',
    description TEXT NOT NULL DEFAULT '',
    metadata TEXT NOT NULL DEFAULT '{}',
    reversible INTEGER NOT NULL DEFAULT 0,
    reverses_entry_id INTEGER REFERENCES audit_entries(id),
    reversed_by_entry_id INTEGER REFERENCES audit_entries(id) ON DELETE SET NULL,
    CHECK ((action = 'reversal') = (reverses_entry_id IS NOT NULL)),
    CHECK (action != 'reversal' OR reversible = 0)
);

CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_entries(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_entries(action);
CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_entries(user);
CREATE INDEX IF NOT EXISTS idx_audit_reverses ON audit_entries(reverses_entry_id);

CREATE TABLE IF NOT EXISTS audit_entry_tickets (
    entry_id INTEGER NOT NULL,
    ticket_id TEXT NOT NULL,
    PRIMARY KEY (entry_id, ticket_id),
    FOREIGN KEY (entry_id) REFERENCES audit_entries(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_audit_entry_tickets_ticket ON audit_entry_tickets(ticket_id);

-- Only the reversal bookkeeping columns may change after an entry is written
CREATE TRIGGER IF NOT EXISTS audit_entries_append_only
BEFORE UPDATE ON audit_entries
WHEN NEW.timestamp IS NOT OLD.timestamp
  OR NEW.action IS NOT OLD.action
  OR NEW.user IS NOT OLD.user
  OR NEW.affected_tickets IS NOT OLD.affected_tickets
  OR NEW.description IS NOT OLD.description
  OR NEW.metadata IS NOT OLD.metadata
  OR NEW.reverses_entry_id IS NOT OLD.reverses_entry_id
BEGIN
    SELECT RAISE(ABORT, 'audit entries are append-only');
END;
`
