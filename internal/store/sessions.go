// Session and user-prompt persistence.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cmem-sh/cmem/internal/scrub"
)

// CreateSession idempotently creates a session for the external key and
// returns the row. Repeated calls with the same key return the same
// surrogate id. firstPrompt is scrubbed and only recorded on first create.
func (s *Store) CreateSession(key, project, firstPrompt string) (*Session, error) {
	if !ValidSessionKey(key) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSessionID, key)
	}
	if project == "" {
		project = DefaultProject
	}

	var fp any
	if firstPrompt != "" {
		fp = scrub.String(firstPrompt)
	}
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO sessions (session_key, project, first_prompt, created_at)
		 VALUES (?, ?, ?, ?)`,
		key, project, fp, time.Now().Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	sess, err := s.GetSessionByKey(key)
	if err != nil {
		return nil, err
	}

	// Backfill the project when the row was auto-created without one.
	if sess.Project == DefaultProject && project != DefaultProject {
		if _, err := s.db.Exec(
			`UPDATE sessions SET project = ? WHERE id = ? AND project = ?`,
			project, sess.ID, DefaultProject,
		); err != nil {
			return nil, fmt.Errorf("failed to backfill project: %w", err)
		}
		sess.Project = project
	}
	return sess, nil
}

const sessionColumns = `id, session_key, project, COALESCE(first_prompt, ''), prompt_count, status, created_at, completed_at`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var sess Session
	err := row.Scan(&sess.ID, &sess.SessionKey, &sess.Project, &sess.FirstPrompt,
		&sess.PromptCount, &sess.Status, &sess.CreatedAt, &sess.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// GetSessionByKey looks a session up by its external key.
func (s *Store) GetSessionByKey(key string) (*Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE session_key = ?`, key)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", key, err)
	}
	return sess, nil
}

// GetSessionByID looks a session up by surrogate id.
func (s *Store) GetSessionByID(id int64) (*Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %d: %w", id, err)
	}
	return sess, nil
}

// ListSessions returns sessions newest-first, optionally scoped to a project.
func (s *Store) ListSessions(project string, limit, offset int) ([]*Session, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	args := []any{}
	if project != "" {
		query += ` WHERE project = ?`
		args = append(args, project)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// validStatusTransitions encodes the session status DAG.
var validStatusTransitions = map[string]map[string]bool{
	SessionActive:      {SessionSummarizing: true, SessionCompleted: true},
	SessionSummarizing: {SessionCompleted: true},
	SessionCompleted:   {},
}

// UpdateSessionStatus advances the session along the status DAG. Moving to
// completed stamps completed_at. Re-asserting the current status is a no-op.
func (s *Store) UpdateSessionStatus(id int64, status string) error {
	sess, err := s.GetSessionByID(id)
	if err != nil {
		return err
	}
	if sess.Status == status {
		return nil
	}
	if !validStatusTransitions[sess.Status][status] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, sess.Status, status)
	}

	if status == SessionCompleted {
		_, err = s.db.Exec(
			`UPDATE sessions SET status = ?, completed_at = ? WHERE id = ?`,
			status, time.Now().Unix(), id,
		)
	} else {
		_, err = s.db.Exec(`UPDATE sessions SET status = ? WHERE id = ?`, status, id)
	}
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	return nil
}

// IncrementPromptCount atomically bumps the session's prompt counter and
// returns the new value.
func (s *Store) IncrementPromptCount(id int64) (int, error) {
	var count int
	err := s.db.QueryRow(
		`UPDATE sessions SET prompt_count = prompt_count + 1 WHERE id = ? RETURNING prompt_count`,
		id,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment prompt count: %w", err)
	}
	return count, nil
}

// InsertUserPrompt stores one scrubbed prompt row.
func (s *Store) InsertUserPrompt(sessionID int64, promptNumber int, text string) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO user_prompts (session_id, prompt_number, text, created_at)
		 VALUES (?, ?, ?, ?)`,
		sessionID, promptNumber, scrub.String(text), time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert user prompt: %w", err)
	}
	return res.LastInsertId()
}

// LastUserPrompt returns the most recent prompt for a session, or ErrNotFound.
func (s *Store) LastUserPrompt(sessionID int64) (*UserPrompt, error) {
	var p UserPrompt
	err := s.db.QueryRow(
		`SELECT id, session_id, prompt_number, text, created_at
		 FROM user_prompts WHERE session_id = ?
		 ORDER BY prompt_number DESC, id DESC LIMIT 1`,
		sessionID,
	).Scan(&p.ID, &p.SessionID, &p.PromptNumber, &p.Text, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last user prompt: %w", err)
	}
	return &p, nil
}
