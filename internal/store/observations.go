// Observation persistence, HMAC tamper evidence and FTS search.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cmem-sh/cmem/internal/scrub"
)

// ObservationParams carries the fields for one insert. Text fields are
// scrubbed again here so the invariant holds regardless of the caller.
type ObservationParams struct {
	SessionID    int64
	PromptNumber int
	ToolName     string
	RawInput     string
	Compressed   string
	Type         string
	Title        string
	Narrative    string
}

// InsertObservation stores one observation, computing its HMAC at insert.
// Unknown types are coerced to "other"; compressed must be non-empty. Fields
// carrying cmem control tags are rejected outright: a stored title that
// closes the context wrapper would break the single-wrapper guarantee of the
// context block.
func (s *Store) InsertObservation(p ObservationParams) (int64, error) {
	if p.Compressed == "" {
		return 0, fmt.Errorf("compressed content must not be empty")
	}
	obsType := p.Type
	if !ObservationTypes[obsType] {
		obsType = "other"
	}

	compressed := scrub.String(p.Compressed)
	narrative := scrub.String(p.Narrative)
	title := scrub.String(p.Title)
	for _, field := range []string{title, narrative, compressed} {
		if err := scrub.Validate(field); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrUnsafeContent, err)
		}
	}
	var rawInput any
	if p.RawInput != "" {
		cleaned := scrub.JSON(p.RawInput)
		if err := scrub.Validate(cleaned); err != nil {
			return 0, fmt.Errorf("%w: raw input: %v", ErrUnsafeContent, err)
		}
		rawInput = cleaned
	}

	res, err := s.db.Exec(
		`INSERT INTO observations
		 (session_id, prompt_number, tool_name, raw_input, compressed, obs_type, title, narrative, hmac, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.SessionID, p.PromptNumber, p.ToolName, rawInput, compressed, obsType,
		title, narrative, s.computeHMAC(compressed, narrative), time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert observation: %w", err)
	}
	return res.LastInsertId()
}

const observationColumns = `id, session_id, prompt_number, tool_name, COALESCE(raw_input, ''),
	compressed, obs_type, title, narrative, COALESCE(hmac, ''), created_at`

func (s *Store) scanObservation(row interface{ Scan(...any) error }) (*Observation, error) {
	var o Observation
	err := row.Scan(&o.ID, &o.SessionID, &o.PromptNumber, &o.ToolName, &o.RawInput,
		&o.Compressed, &o.Type, &o.Title, &o.Narrative, &o.HMAC, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	if !s.verifyHMAC(&o) {
		log.Warn().Int64("observation_id", o.ID).Msg("observation HMAC mismatch")
	}
	return &o, nil
}

// GetObservation returns one observation by id, verifying its HMAC.
// A mismatch is logged; the row is returned regardless.
func (s *Store) GetObservation(id int64) (*Observation, error) {
	row := s.db.QueryRow(`SELECT `+observationColumns+` FROM observations WHERE id = ?`, id)
	obs, err := s.scanObservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get observation %d: %w", id, err)
	}
	return obs, nil
}

func (s *Store) queryObservations(query string, args ...any) ([]*Observation, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("observation query failed: %w", err)
	}
	defer rows.Close()

	var out []*Observation
	for rows.Next() {
		obs, err := s.scanObservation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		out = append(out, obs)
	}
	return out, rows.Err()
}

// GetObservationsByIDs hydrates full rows for the given ids, ordered by
// created_at ascending, through a parameterized IN clause. Capped at 200.
func (s *Store) GetObservationsByIDs(ids []int64) ([]*Observation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > 200 {
		ids = ids[:200]
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return s.queryObservations(
		`SELECT `+observationColumns+` FROM observations
		 WHERE id IN (`+placeholders+`) ORDER BY created_at ASC, id ASC`,
		args...,
	)
}

// ListObservations returns observations newest-first, optionally project-scoped.
func (s *Store) ListObservations(project string, limit, offset int) ([]*Observation, error) {
	if limit <= 0 {
		limit = 20
	}
	if project == "" {
		return s.queryObservations(
			`SELECT `+observationColumns+` FROM observations
			 ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
			limit, offset,
		)
	}
	return s.queryObservations(
		`SELECT `+obsJoinColumns+` FROM observations o
		 JOIN sessions s ON s.id = o.session_id
		 WHERE s.project = ?
		 ORDER BY o.created_at DESC, o.id DESC LIMIT ? OFFSET ?`,
		project, limit, offset,
	)
}

const obsJoinColumns = `o.id, o.session_id, o.prompt_number, o.tool_name, COALESCE(o.raw_input, ''),
	o.compressed, o.obs_type, o.title, o.narrative, COALESCE(o.hmac, ''), o.created_at`

// CountObservations counts rows for pagination, optionally project-scoped.
func (s *Store) CountObservations(project string) (int, error) {
	var n int
	var err error
	if project == "" {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM observations`).Scan(&n)
	} else {
		err = s.db.QueryRow(
			`SELECT COUNT(*) FROM observations o JOIN sessions s ON s.id = o.session_id WHERE s.project = ?`,
			project,
		).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count observations: %w", err)
	}
	return n, nil
}

// ObservationsByType returns rows of one type via the ordinary index,
// newest-first.
func (s *Store) ObservationsByType(obsType, project string, limit int) ([]*Observation, error) {
	if limit <= 0 {
		limit = 20
	}
	if project == "" {
		return s.queryObservations(
			`SELECT `+observationColumns+` FROM observations
			 WHERE obs_type = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
			obsType, limit,
		)
	}
	return s.queryObservations(
		`SELECT `+obsJoinColumns+` FROM observations o
		 JOIN sessions s ON s.id = o.session_id
		 WHERE o.obs_type = ? AND s.project = ?
		 ORDER BY o.created_at DESC, o.id DESC LIMIT ?`,
		obsType, project, limit,
	)
}

// ObservationsByDateRange returns rows between from and to (epoch seconds,
// inclusive), ascending.
func (s *Store) ObservationsByDateRange(from, to int64, project string) ([]*Observation, error) {
	if project == "" {
		return s.queryObservations(
			`SELECT `+observationColumns+` FROM observations
			 WHERE created_at >= ? AND created_at <= ?
			 ORDER BY created_at ASC, id ASC`,
			from, to,
		)
	}
	return s.queryObservations(
		`SELECT `+obsJoinColumns+` FROM observations o
		 JOIN sessions s ON s.id = o.session_id
		 WHERE o.created_at >= ? AND o.created_at <= ? AND s.project = ?
		 ORDER BY o.created_at ASC, o.id ASC`,
		from, to, project,
	)
}

// ObservationsBefore returns up to limit rows in the session strictly before
// the (ts, excludeID) position, newest-first. The id tie-break keeps windows
// stable when several rows share one second.
func (s *Store) ObservationsBefore(sessionID, ts, excludeID int64, limit int) ([]*Observation, error) {
	return s.queryObservations(
		`SELECT `+observationColumns+` FROM observations
		 WHERE session_id = ? AND (created_at < ? OR (created_at = ? AND id < ?))
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		sessionID, ts, ts, excludeID, limit,
	)
}

// ObservationsAfter returns up to limit rows in the session strictly after
// the (ts, excludeID) position, oldest-first.
func (s *Store) ObservationsAfter(sessionID, ts, excludeID int64, limit int) ([]*Observation, error) {
	return s.queryObservations(
		`SELECT `+observationColumns+` FROM observations
		 WHERE session_id = ? AND (created_at > ? OR (created_at = ? AND id > ?))
		 ORDER BY created_at ASC, id ASC LIMIT ?`,
		sessionID, ts, ts, excludeID, limit,
	)
}

// ObservationsByProject returns all rows for one project, for qmd export.
func (s *Store) ObservationsByProject(project string) ([]*Observation, error) {
	return s.queryObservations(
		`SELECT `+obsJoinColumns+` FROM observations o
		 JOIN sessions s ON s.id = o.session_id
		 WHERE s.project = ?
		 ORDER BY o.created_at ASC, o.id ASC`,
		project,
	)
}

// SearchObservations runs an FTS5 match over the index, ranked by BM25
// (lower is better), optionally scoped to a project. matchExpr must already
// be escaped via EscapeFTSQuery; an empty expression returns no rows.
func (s *Store) SearchObservations(matchExpr, project string, limit int) ([]*Observation, error) {
	if matchExpr == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	if project == "" {
		return s.queryObservations(
			`SELECT `+obsJoinColumns+` FROM observations_fts f
			 JOIN observations o ON o.id = f.rowid
			 JOIN sessions s ON s.id = o.session_id
			 WHERE observations_fts MATCH ?
			 ORDER BY bm25(observations_fts) LIMIT ?`,
			matchExpr, limit,
		)
	}
	return s.queryObservations(
		`SELECT `+obsJoinColumns+` FROM observations_fts f
		 JOIN observations o ON o.id = f.rowid
		 JOIN sessions s ON s.id = o.session_id
		 WHERE observations_fts MATCH ? AND s.project = ?
		 ORDER BY bm25(observations_fts) LIMIT ?`,
		matchExpr, project, limit,
	)
}

// CountSearchMatches counts every FTS5 match for pagination totals,
// regardless of result caps. matchExpr must already be escaped via
// EscapeFTSQuery; the empty expression counts nothing.
func (s *Store) CountSearchMatches(matchExpr, project string) (int, error) {
	if matchExpr == "" {
		return 0, nil
	}
	var n int
	var err error
	if project == "" {
		err = s.db.QueryRow(
			`SELECT COUNT(*) FROM observations_fts WHERE observations_fts MATCH ?`,
			matchExpr,
		).Scan(&n)
	} else {
		err = s.db.QueryRow(
			`SELECT COUNT(*) FROM observations_fts f
			 JOIN observations o ON o.id = f.rowid
			 JOIN sessions s ON s.id = o.session_id
			 WHERE observations_fts MATCH ? AND s.project = ?`,
			matchExpr, project,
		).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count search matches: %w", err)
	}
	return n, nil
}
