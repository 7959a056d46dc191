package storage

import (
	"database/sql"
	"fmt"
)

// CurrentVersion is the current schema version.
const CurrentVersion = 2

// Migrate brings the database to the current schema version. Migrations are
// idempotent and keyed by an integer version in the migrations table.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	current, err := schemaVersion(db)
	if err != nil {
		return err
	}
	if current >= CurrentVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if current < 1 {
		if err := applyBaseSchema(tx); err != nil {
			return fmt.Errorf("apply base schema: %w", err)
		}
		if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (1)"); err != nil {
			return fmt.Errorf("record version 1: %w", err)
		}
	}

	if current < 2 {
		if err := applyFTSSchema(tx); err != nil {
			return fmt.Errorf("apply FTS schema: %w", err)
		}
		if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (2)"); err != nil {
			return fmt.Errorf("record version 2: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// schemaVersion returns the highest applied migration version, 0 for a
// fresh database.
func schemaVersion(db *sql.DB) (int, error) {
	var version sql.NullInt64
	err := db.QueryRow("SELECT MAX(version) FROM migrations").Scan(&version)
	if err == sql.ErrNoRows || (err == nil && !version.Valid) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return int(version.Int64), nil
}

// applyBaseSchema creates all tables and indexes for schema version 1.
func applyBaseSchema(tx *sql.Tx) error {
	tables := []string{
		// Event log: the single source of truth. Sequence is per-project
		// and gap-free; projections are a cache derived from data_json.
		`CREATE TABLE IF NOT EXISTS events (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			project_key  TEXT NOT NULL,
			type         TEXT NOT NULL,
			sequence     INTEGER NOT NULL,
			timestamp_ms INTEGER NOT NULL,
			data_json    TEXT NOT NULL,
			UNIQUE (project_key, sequence)
		)`,

		`CREATE TABLE IF NOT EXISTS agents (
			project_key      TEXT NOT NULL,
			name             TEXT NOT NULL,
			program          TEXT,
			model            TEXT,
			task_description TEXT,
			registered_at    INTEGER NOT NULL,
			last_active_at   INTEGER NOT NULL,
			UNIQUE (project_key, name)
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id           TEXT PRIMARY KEY,
			project_key  TEXT NOT NULL,
			from_agent   TEXT NOT NULL,
			subject      TEXT NOT NULL,
			body         TEXT NOT NULL,
			thread_id    TEXT,
			importance   TEXT NOT NULL DEFAULT 'normal',
			ack_required INTEGER NOT NULL DEFAULT 0,
			created_at   INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS message_recipients (
			message_id TEXT NOT NULL,
			agent      TEXT NOT NULL,
			read_at    INTEGER,
			acked_at   INTEGER,
			PRIMARY KEY (message_id, agent),
			FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS threads (
			thread_id   TEXT PRIMARY KEY,
			project_key TEXT NOT NULL,
			subject     TEXT,
			created_by  TEXT NOT NULL,
			created_at  INTEGER NOT NULL
		)`,

		// Reservation rows are only mutated inside the transaction that
		// appends the matching file_reserved/file_released event.
		`CREATE TABLE IF NOT EXISTS reservations (
			id                   TEXT PRIMARY KEY,
			project_key          TEXT NOT NULL,
			agent                TEXT NOT NULL,
			patterns_json        TEXT NOT NULL,
			exclusive            INTEGER NOT NULL DEFAULT 1,
			reason               TEXT,
			reserved_at          INTEGER NOT NULL,
			expires_at           INTEGER NOT NULL,
			released_at          INTEGER,
			reservation_event_id INTEGER REFERENCES events(id)
		)`,

		// Persisted token buckets so limits survive restarts within a
		// short grace window.
		`CREATE TABLE IF NOT EXISTS rate_limits (
			project_key TEXT NOT NULL,
			agent       TEXT NOT NULL,
			endpoint    TEXT NOT NULL,
			tokens      REAL NOT NULL,
			updated_at  INTEGER NOT NULL,
			PRIMARY KEY (project_key, agent, endpoint)
		)`,

		`CREATE TABLE IF NOT EXISTS cells (
			id            TEXT PRIMARY KEY,
			project_key   TEXT NOT NULL,
			title         TEXT NOT NULL,
			description   TEXT,
			status        TEXT NOT NULL DEFAULT 'open',
			priority      INTEGER NOT NULL DEFAULT 2,
			issue_type    TEXT NOT NULL DEFAULT 'task',
			parent_id     TEXT,
			assignee      TEXT,
			files_json    TEXT,
			created_at    INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL,
			closed_at     INTEGER,
			deleted_at    INTEGER,
			close_reason  TEXT,
			metadata_json TEXT,
			is_blocked    INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS cell_dependencies (
			from_cell    TEXT NOT NULL,
			to_cell      TEXT NOT NULL,
			relationship TEXT NOT NULL,
			PRIMARY KEY (from_cell, to_cell, relationship)
		)`,

		`CREATE TABLE IF NOT EXISTS cell_labels (
			cell_id TEXT NOT NULL,
			name    TEXT NOT NULL,
			PRIMARY KEY (cell_id, name)
		)`,

		`CREATE TABLE IF NOT EXISTS cell_comments (
			id         TEXT PRIMARY KEY,
			cell_id    TEXT NOT NULL,
			author     TEXT NOT NULL,
			body       TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,

		// Embeddings are float32 little-endian blobs; similarity search
		// scans in Go (cosine metric).
		`CREATE TABLE IF NOT EXISTS memories (
			id            TEXT PRIMARY KEY,
			project_key   TEXT NOT NULL,
			content       TEXT NOT NULL,
			collection    TEXT NOT NULL DEFAULT 'default',
			metadata_json TEXT,
			tags_json     TEXT,
			auto_tags_json TEXT,
			embedding     BLOB,
			created_at    INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL,
			valid_from    INTEGER,
			valid_until   INTEGER,
			superseded_by TEXT,
			confidence    REAL NOT NULL DEFAULT 0.7,
			access_count  INTEGER NOT NULL DEFAULT 0,
			last_accessed INTEGER
		)`,

		`CREATE TABLE IF NOT EXISTS memory_links (
			source    TEXT NOT NULL,
			target    TEXT NOT NULL,
			link_type TEXT NOT NULL,
			strength  REAL NOT NULL DEFAULT 1.0,
			PRIMARY KEY (source, target, link_type)
		)`,

		`CREATE TABLE IF NOT EXISTS entities (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			project_key TEXT NOT NULL,
			name        TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			UNIQUE (project_key, name, entity_type)
		)`,

		`CREATE TABLE IF NOT EXISTS relationships (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			subject_entity INTEGER NOT NULL,
			predicate      TEXT NOT NULL,
			object_entity  INTEGER NOT NULL,
			confidence     REAL NOT NULL DEFAULT 0.7,
			memory_id      TEXT,
			UNIQUE (subject_entity, predicate, object_entity)
		)`,

		`CREATE TABLE IF NOT EXISTS memory_entities (
			memory_id TEXT NOT NULL,
			entity_id INTEGER NOT NULL,
			PRIMARY KEY (memory_id, entity_id)
		)`,
	}

	for _, stmt := range tables {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_events_project_seq ON events(project_key, sequence)",
		"CREATE INDEX IF NOT EXISTS idx_events_type ON events(project_key, type)",
		"CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id)",
		"CREATE INDEX IF NOT EXISTS idx_messages_time ON messages(created_at)",
		"CREATE INDEX IF NOT EXISTS idx_recipients_agent ON message_recipients(agent, message_id)",
		"CREATE INDEX IF NOT EXISTS idx_reservations_active ON reservations(agent, released_at, expires_at)",
		"CREATE INDEX IF NOT EXISTS idx_cells_status ON cells(project_key, status)",
		"CREATE INDEX IF NOT EXISTS idx_cells_parent ON cells(parent_id)",
		"CREATE INDEX IF NOT EXISTS idx_deps_to ON cell_dependencies(to_cell)",
		"CREATE INDEX IF NOT EXISTS idx_comments_cell ON cell_comments(cell_id, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_memories_collection ON memories(project_key, collection)",
		"CREATE INDEX IF NOT EXISTS idx_memory_links_source ON memory_links(source)",
		"CREATE INDEX IF NOT EXISTS idx_memory_entities_entity ON memory_entities(entity_id)",
		"CREATE INDEX IF NOT EXISTS idx_relationships_subject ON relationships(subject_entity)",
		"CREATE INDEX IF NOT EXISTS idx_relationships_object ON relationships(object_entity)",
	}
	for _, stmt := range indexes {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	return nil
}

// applyFTSSchema creates the FTS5 virtual tables for schema version 2.
// Rows are maintained explicitly by the mail and memory subsystems rather
// than by triggers, so projection rebuilds stay deterministic.
func applyFTSSchema(tx *sql.Tx) error {
	stmts := []string{
		`CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
			message_id UNINDEXED,
			subject,
			body
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
			memory_id UNINDEXED,
			content
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("create FTS table: %w", err)
		}
	}
	return nil
}
