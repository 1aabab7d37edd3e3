// Package store provides embedded relational persistence for sessions,
// prompts, observations, summaries and the processing queue.
//
// DESIGN: Single SQLite file opened through modernc.org/sqlite with WAL
// journaling, enforced foreign keys and an FTS5 index kept in sync by
// triggers. The store is the single serialization point for the process:
// one writer connection, parameterized statements only. Observations carry
// an HMAC-SHA-256 tag for tamper evidence; mismatches are logged, never
// fatal.
package store

import (
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// defaultHMACKey signs observations until the auth token file exists.
// Degraded but permanent mode: rows written before first-run token
// generation stay verifiable.
const defaultHMACKey = "cmem-hmac-v1-default"

var sessionKeyRe = regexp.MustCompile(`^[A-Za-z0-9_-]{8,128}$`)

// Store wraps the SQLite handle and the HMAC key.
type Store struct {
	db      *sql.DB
	hmacKey []byte
}

// Open creates or opens the database at path, applying file-permission
// hardening and all pending migrations. tokenPath locates the auth token
// used to derive the HMAC key; an absent token falls back to a build-time
// constant.
func Open(path, tokenPath string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir %s: %w", dir, err)
	}

	dsn := "file:" + url.PathEscape(path) +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=cache_size(-16000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer; readers share the same connection via SQLite's own
	// locking. Avoids SQLITE_BUSY storms under concurrent handlers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("could not tighten database file mode")
	}

	s := &Store{db: db, hmacKey: loadHMACKey(tokenPath)}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// loadHMACKey derives the signing key from the on-disk auth token when
// present, else the build-time constant.
func loadHMACKey(tokenPath string) []byte {
	if tokenPath != "" {
		if data, err := os.ReadFile(tokenPath); err == nil {
			if token := strings.TrimSpace(string(data)); token != "" {
				return []byte(token)
			}
		}
	}
	log.Debug().Msg("auth token not found, using default HMAC key")
	return []byte(defaultHMACKey)
}

// computeHMAC signs compressed + "\n" + narrative.
func (s *Store) computeHMAC(compressed, narrative string) string {
	mac := hmac.New(sha256.New, s.hmacKey)
	mac.Write([]byte(compressed))
	mac.Write([]byte("\n"))
	mac.Write([]byte(narrative))
	return hex.EncodeToString(mac.Sum(nil))
}

// verifyHMAC returns true for matching or legacy-empty tags. Comparison is
// constant time.
func (s *Store) verifyHMAC(obs *Observation) bool {
	if obs.HMAC == "" {
		return true
	}
	expected := s.computeHMAC(obs.Compressed, obs.Narrative)
	return hmac.Equal([]byte(expected), []byte(obs.HMAC))
}

// ValidSessionKey reports whether key is an acceptable external session key:
// 8-128 chars of alphanumerics, underscore or hyphen.
func ValidSessionKey(key string) bool {
	return sessionKeyRe.MatchString(key)
}

// EscapeFTSQuery turns arbitrary user input into a safe FTS5 match string by
// quoting the trimmed input and doubling internal double quotes. Empty input
// yields the empty string, meaning "no query".
func EscapeFTSQuery(q string) string {
	q = strings.TrimSpace(q)
	if q == "" {
		return ""
	}
	return `"` + strings.ReplaceAll(q, `"`, `""`) + `"`
}

// StatsForProject returns per-project entity counts.
func (s *Store) StatsForProject(project string) (*ProjectStats, error) {
	stats := &ProjectStats{}
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM sessions WHERE project = ?`, project,
	).Scan(&stats.Sessions)
	if err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}
	err = s.db.QueryRow(
		`SELECT COUNT(*) FROM observations o JOIN sessions s ON s.id = o.session_id WHERE s.project = ?`,
		project,
	).Scan(&stats.Observations)
	if err != nil {
		return nil, fmt.Errorf("failed to count observations: %w", err)
	}
	err = s.db.QueryRow(
		`SELECT COUNT(*) FROM summaries m JOIN sessions s ON s.id = m.session_id WHERE s.project = ?`,
		project,
	).Scan(&stats.Summaries)
	if err != nil {
		return nil, fmt.Errorf("failed to count summaries: %w", err)
	}
	return stats, nil
}
