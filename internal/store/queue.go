// Queue row persistence for the async processing engine.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cmem-sh/cmem/internal/scrub"
)

// MaxQueuePayloadBytes caps the scrubbed JSON payload of one queue row.
const MaxQueuePayloadBytes = 100 * 1024

// Enqueue inserts one pending queue row. The payload must be valid JSON and
// at most MaxQueuePayloadBytes after scrubbing; violations are fatal to the
// request (surfaced as 4xx upstream).
func (s *Store) Enqueue(sessionID int64, itemType, payload string) (int64, error) {
	if itemType != ItemObservation && itemType != ItemSummary {
		return 0, fmt.Errorf("invalid queue item type %q", itemType)
	}
	if !json.Valid([]byte(payload)) {
		return 0, ErrInvalidJSON
	}
	payload = scrub.JSON(payload)
	if len(payload) > MaxQueuePayloadBytes {
		return 0, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	res, err := s.db.Exec(
		`INSERT INTO queue (session_id, item_type, payload, status, created_at)
		 VALUES (?, ?, ?, 'pending', ?)`,
		sessionID, itemType, payload, time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue item: %w", err)
	}
	return res.LastInsertId()
}

const queueColumns = `id, session_id, item_type, payload, status, retry_count,
	COALESCE(error, ''), created_at, started_at, completed_at`

func scanQueueItem(row interface{ Scan(...any) error }) (*QueueItem, error) {
	var q QueueItem
	err := row.Scan(&q.ID, &q.SessionID, &q.Type, &q.Payload, &q.Status,
		&q.RetryCount, &q.Error, &q.CreatedAt, &q.StartedAt, &q.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// GetQueueItem returns one queue row by id.
func (s *Store) GetQueueItem(id int64) (*QueueItem, error) {
	row := s.db.QueryRow(`SELECT `+queueColumns+` FROM queue WHERE id = ?`, id)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue item %d: %w", id, err)
	}
	return item, nil
}

func (s *Store) queryQueueItems(query string, args ...any) ([]*QueueItem, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("queue query failed: %w", err)
	}
	defer rows.Close()

	var out []*QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// PendingItems returns pending rows oldest-first, up to limit.
func (s *Store) PendingItems(limit int) ([]*QueueItem, error) {
	if limit <= 0 {
		limit = 200
	}
	return s.queryQueueItems(
		`SELECT `+queueColumns+` FROM queue WHERE status = 'pending'
		 ORDER BY created_at ASC, id ASC LIMIT ?`,
		limit,
	)
}

// MarkProcessing transitions a row to processing, stamping started_at.
func (s *Store) MarkProcessing(id int64) error {
	_, err := s.db.Exec(
		`UPDATE queue SET status = 'processing', started_at = ? WHERE id = ?`,
		time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark queue item %d processing: %w", id, err)
	}
	return nil
}

// MarkProcessed transitions a row to its terminal processed state.
func (s *Store) MarkProcessed(id int64) error {
	_, err := s.db.Exec(
		`UPDATE queue SET status = 'processed', completed_at = ?, error = NULL WHERE id = ?`,
		time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark queue item %d processed: %w", id, err)
	}
	return nil
}

// MarkFailed transitions a row to its terminal failed state with error text.
func (s *Store) MarkFailed(id int64, errText string) error {
	_, err := s.db.Exec(
		`UPDATE queue SET status = 'failed', completed_at = ?, error = ? WHERE id = ?`,
		time.Now().Unix(), errText, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark queue item %d failed: %w", id, err)
	}
	return nil
}

// MarkPending returns a row to pending (retry path), clearing started_at.
func (s *Store) MarkPending(id int64) error {
	_, err := s.db.Exec(
		`UPDATE queue SET status = 'pending', started_at = NULL WHERE id = ?`, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark queue item %d pending: %w", id, err)
	}
	return nil
}

// IncrementRetry bumps the retry counter and returns the new count.
func (s *Store) IncrementRetry(id int64) (int, error) {
	var count int
	err := s.db.QueryRow(
		`UPDATE queue SET retry_count = retry_count + 1 WHERE id = ? RETURNING retry_count`,
		id,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment retry count: %w", err)
	}
	return count, nil
}

// StuckItems returns processing rows whose started_at is at least threshold
// in the past.
func (s *Store) StuckItems(threshold time.Duration) ([]*QueueItem, error) {
	cutoff := time.Now().Add(-threshold).Unix()
	return s.queryQueueItems(
		`SELECT `+queueColumns+` FROM queue
		 WHERE status = 'processing' AND started_at IS NOT NULL AND started_at <= ?
		 ORDER BY started_at ASC, id ASC`,
		cutoff,
	)
}

// ResetProcessing moves every processing row back to pending. Used for
// startup crash recovery (zero-threshold stuck recovery).
func (s *Store) ResetProcessing() (int64, error) {
	res, err := s.db.Exec(
		`UPDATE queue SET status = 'pending', started_at = NULL WHERE status = 'processing'`,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset processing items: %w", err)
	}
	return res.RowsAffected()
}

// Counts returns queue totals by status plus the current stuck count.
func (s *Store) Counts(stuckThreshold time.Duration) (*QueueCounts, error) {
	counts := &QueueCounts{}
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan queue count: %w", err)
		}
		switch status {
		case QueuePending:
			counts.Pending = n
		case QueueProcessing:
			counts.Processing = n
		case QueueProcessed:
			counts.Processed = n
		case QueueFailed:
			counts.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-stuckThreshold).Unix()
	err = s.db.QueryRow(
		`SELECT COUNT(*) FROM queue WHERE status = 'processing' AND started_at IS NOT NULL AND started_at <= ?`,
		cutoff,
	).Scan(&counts.Stuck)
	if err != nil {
		return nil, fmt.Errorf("failed to count stuck items: %w", err)
	}
	return counts, nil
}
