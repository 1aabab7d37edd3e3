// Schema migrations with an append-only ledger.
//
// DESIGN: Each migration is {version, description, statements}. On startup
// unseen versions run in ascending order, each inside one transaction that
// executes the statements AND appends the ledger row, so a partial failure
// rolls back cleanly and halts startup. Applied migrations are never edited;
// schema changes get a new version.
package store

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

type migration struct {
	version     int
	description string
	statements  []string
}

var migrations = []migration{
	{
		version:     1,
		description: "base tables: sessions, user_prompts, observations, summaries, queue",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_key TEXT NOT NULL UNIQUE,
				project TEXT NOT NULL DEFAULT 'default',
				first_prompt TEXT,
				prompt_count INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT 'active'
					CHECK (status IN ('active','summarizing','completed')),
				created_at INTEGER NOT NULL,
				completed_at INTEGER
			)`,
			`CREATE TABLE IF NOT EXISTS user_prompts (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				prompt_number INTEGER NOT NULL,
				text TEXT NOT NULL,
				created_at INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS observations (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				prompt_number INTEGER NOT NULL DEFAULT 0,
				tool_name TEXT NOT NULL,
				raw_input TEXT,
				compressed TEXT NOT NULL,
				obs_type TEXT NOT NULL DEFAULT 'other',
				title TEXT NOT NULL,
				narrative TEXT NOT NULL DEFAULT '',
				hmac TEXT,
				created_at INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS summaries (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				request TEXT,
				investigated TEXT,
				learned TEXT,
				completed TEXT,
				next_steps TEXT,
				created_at INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS queue (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				item_type TEXT NOT NULL CHECK (item_type IN ('observation','summary')),
				payload TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending'
					CHECK (status IN ('pending','processing','processed','failed')),
				retry_count INTEGER NOT NULL DEFAULT 0,
				error TEXT,
				created_at INTEGER NOT NULL,
				started_at INTEGER,
				completed_at INTEGER
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project, created_at DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_observations_session ON observations(session_id, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_observations_type ON observations(obs_type, created_at DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_summaries_session ON summaries(session_id, created_at DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_queue_status ON queue(status, created_at)`,
		},
	},
	{
		version:     2,
		description: "external-content FTS5 index over observations with sync triggers",
		statements: []string{
			`CREATE VIRTUAL TABLE IF NOT EXISTS observations_fts USING fts5(
				title, narrative, compressed, tool_name,
				content='observations', content_rowid='id'
			)`,
			`CREATE TRIGGER IF NOT EXISTS observations_fts_ai AFTER INSERT ON observations BEGIN
				INSERT INTO observations_fts(rowid, title, narrative, compressed, tool_name)
				VALUES (new.id, new.title, new.narrative, new.compressed, new.tool_name);
			END`,
			`CREATE TRIGGER IF NOT EXISTS observations_fts_ad AFTER DELETE ON observations BEGIN
				INSERT INTO observations_fts(observations_fts, rowid, title, narrative, compressed, tool_name)
				VALUES ('delete', old.id, old.title, old.narrative, old.compressed, old.tool_name);
			END`,
			`CREATE TRIGGER IF NOT EXISTS observations_fts_au AFTER UPDATE ON observations BEGIN
				INSERT INTO observations_fts(observations_fts, rowid, title, narrative, compressed, tool_name)
				VALUES ('delete', old.id, old.title, old.narrative, old.compressed, old.tool_name);
				INSERT INTO observations_fts(rowid, title, narrative, compressed, tool_name)
				VALUES (new.id, new.title, new.narrative, new.compressed, new.tool_name);
			END`,
		},
	},
}

// runMigrations applies all unseen migrations in ascending version order.
// Failure of any migration is fatal to startup.
func (s *Store) runMigrations() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to create migration ledger: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := s.db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("failed to read migration ledger: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate migration ledger: %w", err)
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		if err := s.applyMigration(m); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.description, err)
		}
		log.Info().Int("version", m.version).Str("description", m.description).Msg("migration applied")
	}
	return nil
}

func (s *Store) applyMigration(m migration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range m.statements {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(
		`INSERT INTO schema_migrations (version, applied_at) VALUES (?, unixepoch())`,
		m.version,
	); err != nil {
		return err
	}
	return tx.Commit()
}
