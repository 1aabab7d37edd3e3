package search_test

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmem-sh/cmem/internal/search"
	"github.com/cmem-sh/cmem/internal/store"
)

func newSearcher(t *testing.T) (*search.Searcher, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "search.db"), "")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return search.New(st, dir), st
}

func seedObservation(t *testing.T, st *store.Store, sessionID int64, typ, title, narrative string) int64 {
	t.Helper()
	id, err := st.InsertObservation(store.ObservationParams{
		SessionID:  sessionID,
		Type:       typ,
		Title:      title,
		Narrative:  narrative,
		Compressed: `{"tags":[]}`,
	})
	require.NoError(t, err)
	return id
}

// =============================================================================
// LAYER 1: INDEX
// =============================================================================

func TestSearchIndex_ReturnsCompactRows(t *testing.T) {
	s, st := newSearcher(t)
	sess, err := st.CreateSession("sess-abc12345", "p1", "")
	require.NoError(t, err)

	id := seedObservation(t, st, sess.ID, "bugfix", "websocket reconnect storm", "client hammered the gateway")
	seedObservation(t, st, sess.ID, "decision", "chose sqlite", "no server to operate")

	hits, err := s.SearchIndex("websocket", "p1", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, id, hits[0].ID)
	assert.Equal(t, "websocket reconnect storm", hits[0].Title)
	assert.Equal(t, "bugfix", hits[0].Type)
	assert.Equal(t, sess.ID, hits[0].SessionID)
}

func TestSearchIndex_ScopesByProject(t *testing.T) {
	s, st := newSearcher(t)
	s1, err := st.CreateSession("sess-abc12345", "p1", "")
	require.NoError(t, err)
	s2, err := st.CreateSession("sess-def12345", "p2", "")
	require.NoError(t, err)

	seedObservation(t, st, s1.ID, "bugfix", "cache eviction bug", "lru")
	seedObservation(t, st, s2.ID, "bugfix", "cache warm-up bug", "lfu")

	hits, err := s.SearchIndex("cache", "p1", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "cache eviction bug", hits[0].Title)
}

func TestSearchIndex_EmptyQueryReturnsNothing(t *testing.T) {
	s, _ := newSearcher(t)
	hits, err := s.SearchIndex("   ", "p1", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchIndex_HostileQueryIsNeutralized(t *testing.T) {
	s, st := newSearcher(t)
	sess, err := st.CreateSession("sess-abc12345", "p1", "")
	require.NoError(t, err)
	seedObservation(t, st, sess.ID, "bugfix", "plain title", "plain body")

	// FTS operators and quotes must be treated as literal text, not syntax.
	for _, q := range []string{`" OR 1=1`, `title NEAR body`, `a*`, `-exclude`} {
		_, err := s.SearchIndex(q, "p1", 10)
		assert.NoError(t, err, q)
	}
}

func TestSearchIndex_CapsLimit(t *testing.T) {
	s, st := newSearcher(t)
	sess, err := st.CreateSession("sess-abc12345", "p1", "")
	require.NoError(t, err)
	for i := 0; i < 60; i++ {
		seedObservation(t, st, sess.ID, "other", "needle entry", "haystack")
	}

	hits, err := s.SearchIndex("needle", "p1", 1000)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(hits), search.IndexCap)
}

func TestCountIndex_UncappedTotal(t *testing.T) {
	s, st := newSearcher(t)
	sess, err := st.CreateSession("sess-abc12345", "p1", "")
	require.NoError(t, err)
	for i := 0; i < 60; i++ {
		seedObservation(t, st, sess.ID, "other", "needle entry", "haystack")
	}

	hits, err := s.SearchIndex("needle", "p1", 1000)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(hits), search.IndexCap)

	// The count sees past the layer-1 cap.
	total, err := s.CountIndex("needle", "p1")
	require.NoError(t, err)
	assert.Equal(t, 60, total)

	total, err = s.CountIndex("   ", "p1")
	require.NoError(t, err)
	assert.Zero(t, total)
}

// TestSearchIndex_RefreshesQmdExport installs a stub qmd binary and checks
// that querying populates the per-project export directory.
func TestSearchIndex_RefreshesQmdExport(t *testing.T) {
	binDir := t.TempDir()
	stub := "#!/bin/sh\nexit 0\n"
	require.NoError(t, os.WriteFile(filepath.Join(binDir, "qmd"), []byte(stub), 0o755))
	t.Setenv("PATH", binDir)

	dataDir := t.TempDir()
	st, err := store.Open(filepath.Join(dataDir, "search.db"), "")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	s := search.New(st, dataDir)

	sess, err := st.CreateSession("sess-abc12345", "p1", "")
	require.NoError(t, err)
	id := seedObservation(t, st, sess.ID, "bugfix", "websocket reconnect storm", "client hammered the gateway")

	hits, err := s.SearchIndex("websocket", "p1", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1) // stub returns no ids, FTS fallback serves

	entries, err := os.ReadDir(filepath.Join(dataDir, "qmd-export", "p1"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), search.Slugify("websocket reconnect storm"))
	assert.True(t, strings.HasPrefix(entries[0].Name(), strconv.FormatInt(id, 10)+"-"))
}

// =============================================================================
// LAYER 2: TIMELINE
// =============================================================================

func TestTimeline_WindowsAroundAnchor(t *testing.T) {
	s, st := newSearcher(t)
	sess, err := st.CreateSession("sess-abc12345", "p1", "")
	require.NoError(t, err)

	var ids []int64
	for i := 0; i < 7; i++ {
		ids = append(ids, seedObservation(t, st, sess.ID, "other", "step", "body"))
	}

	out, err := s.Timeline(ids[3], 2)
	require.NoError(t, err)
	require.Len(t, out, 5)
	got := make([]int64, len(out))
	for i, o := range out {
		got[i] = o.ID
	}
	assert.Equal(t, []int64{ids[1], ids[2], ids[3], ids[4], ids[5]}, got)
}

func TestTimeline_UnknownAnchor(t *testing.T) {
	s, _ := newSearcher(t)
	_, err := s.Timeline(12345, 3)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTimeline_StaysWithinSession(t *testing.T) {
	s, st := newSearcher(t)
	s1, err := st.CreateSession("sess-abc12345", "p1", "")
	require.NoError(t, err)
	s2, err := st.CreateSession("sess-def12345", "p1", "")
	require.NoError(t, err)

	seedObservation(t, st, s1.ID, "other", "foreign", "body")
	anchor := seedObservation(t, st, s2.ID, "other", "anchor", "body")
	seedObservation(t, st, s1.ID, "other", "foreign", "body")

	out, err := s.Timeline(anchor, 5)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, anchor, out[0].ID)
}

// =============================================================================
// LAYER 3: HYDRATION
// =============================================================================

func TestGetByIDs_FullRowsAscending(t *testing.T) {
	s, st := newSearcher(t)
	sess, err := st.CreateSession("sess-abc12345", "p1", "")
	require.NoError(t, err)
	a := seedObservation(t, st, sess.ID, "bugfix", "first", "body one")
	b := seedObservation(t, st, sess.ID, "bugfix", "second", "body two")

	out, err := s.GetByIDs([]int64{b, a})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, a, out[0].ID)
	assert.Equal(t, "body one", out[0].Narrative)
	assert.NotEmpty(t, out[0].HMAC)
}

// =============================================================================
// KEYWORD, TYPE AND DATE QUERIES
// =============================================================================

func TestSearchKeyword(t *testing.T) {
	s, st := newSearcher(t)
	sess, err := st.CreateSession("sess-abc12345", "p1", "")
	require.NoError(t, err)
	seedObservation(t, st, sess.ID, "bugfix", "fixed auth token refresh", "expired tokens looped")

	out, err := s.SearchKeyword("token", "p1", 0)
	require.NoError(t, err)
	require.Len(t, out, 1)

	out, err = s.SearchKeyword("  ", "p1", 0)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestSearchByType(t *testing.T) {
	s, st := newSearcher(t)
	sess, err := st.CreateSession("sess-abc12345", "p1", "")
	require.NoError(t, err)
	seedObservation(t, st, sess.ID, "decision", "pick sqlite", "body")
	seedObservation(t, st, sess.ID, "bugfix", "fix race", "body")

	out, err := s.SearchByType("decision", "p1", 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "pick sqlite", out[0].Title)
}

func TestSearchByDateRange(t *testing.T) {
	s, st := newSearcher(t)
	sess, err := st.CreateSession("sess-abc12345", "p1", "")
	require.NoError(t, err)
	id := seedObservation(t, st, sess.ID, "other", "in range", "body")

	obs, err := st.GetObservation(id)
	require.NoError(t, err)

	out, err := s.SearchByDateRange(obs.CreatedAt-10, obs.CreatedAt+10, "p1")
	require.NoError(t, err)
	require.Len(t, out, 1)

	out, err = s.SearchByDateRange(obs.CreatedAt+100, obs.CreatedAt+200, "p1")
	require.NoError(t, err)
	assert.Empty(t, out)
}

// =============================================================================
// SLUGS
// =============================================================================

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Fixed WebSocket Reconnect", "fixed-websocket-reconnect"},
		{"  !!weird--chars!!  ", "weird-chars"},
		{"ALLCAPS", "allcaps"},
		{"", ""},
		{"---", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, search.Slugify(tt.in), tt.in)
	}
}

func TestSlugify_CapsLength(t *testing.T) {
	long := search.Slugify(strings.Repeat("abc ", 50))
	assert.LessOrEqual(t, len(long), 61) // cap plus a possible trailing rune
	assert.False(t, strings.HasSuffix(long, "-"))
}
