// Summary persistence.
package store

import (
	"fmt"
	"time"

	"github.com/cmem-sh/cmem/internal/scrub"
)

// SummaryParams carries the five rollup fields; any may be empty.
type SummaryParams struct {
	SessionID    int64
	Request      string
	Investigated string
	Learned      string
	Completed    string
	NextSteps    string
}

// InsertSummary stores one immutable session rollup. Summary fields are
// rendered inside the context wrapper later, so control markers are rejected
// the same way observation fields are.
func (s *Store) InsertSummary(p SummaryParams) (int64, error) {
	fields := []string{
		scrub.String(p.Request), scrub.String(p.Investigated), scrub.String(p.Learned),
		scrub.String(p.Completed), scrub.String(p.NextSteps),
	}
	for _, field := range fields {
		if err := scrub.Validate(field); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrUnsafeContent, err)
		}
	}

	res, err := s.db.Exec(
		`INSERT INTO summaries (session_id, request, investigated, learned, completed, next_steps, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.SessionID,
		fields[0], fields[1], fields[2], fields[3], fields[4],
		time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert summary: %w", err)
	}
	return res.LastInsertId()
}

const summaryJoinColumns = `m.id, m.session_id, COALESCE(m.request, ''), COALESCE(m.investigated, ''),
	COALESCE(m.learned, ''), COALESCE(m.completed, ''), COALESCE(m.next_steps, ''), m.created_at`

// ListRecentSummaries returns the newest summaries for a project.
func (s *Store) ListRecentSummaries(project string, limit int) ([]*Summary, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.Query(
		`SELECT `+summaryJoinColumns+` FROM summaries m
		 JOIN sessions s ON s.id = m.session_id
		 WHERE s.project = ?
		 ORDER BY m.created_at DESC, m.id DESC LIMIT ?`,
		project, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list summaries: %w", err)
	}
	defer rows.Close()

	var out []*Summary
	for rows.Next() {
		var m Summary
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Request, &m.Investigated,
			&m.Learned, &m.Completed, &m.NextSteps, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
