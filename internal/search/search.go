// Package search implements keyword, type and date queries plus the
// three-layer progressive disclosure contract over the store.
//
// DESIGN: Layer 1 returns compact index rows so a caller can decide which
// memories to hydrate; layer 2 is a chronological window around one anchor;
// layer 3 hydrates full rows by id. Query text is escaped into a quoted FTS5
// match string before it ever reaches the index - the match expression is
// the only runtime-constructed literal in the system.
package search

import (
	"strings"

	"github.com/cmem-sh/cmem/internal/store"
)

// IndexCap bounds layer-1 result sets.
const IndexCap = 50

// DefaultKeywordLimit bounds full-row keyword searches.
const DefaultKeywordLimit = 20

// Searcher runs queries against the store. It holds no mutable state.
type Searcher struct {
	store *store.Store
	qmd   *QmdIndex
}

// New creates a Searcher. The optional qmd semantic collaborator is detected
// lazily on first use.
func New(st *store.Store, dataDir string) *Searcher {
	return &Searcher{store: st, qmd: NewQmdIndex(st, dataDir)}
}

// SearchIndex is layer 1: compact rows for up to IndexCap matches.
func (s *Searcher) SearchIndex(query, project string, limit int) ([]*store.SearchHit, error) {
	if limit <= 0 || limit > IndexCap {
		limit = IndexCap
	}
	match := store.EscapeFTSQuery(query)
	if match == "" {
		return nil, nil
	}

	// Semantic ranking first when a qmd index is available; FTS fallback.
	// The export refreshes lazily so new observations become searchable
	// without a write-path hook.
	s.qmd.RefreshExport(project)
	if ids, ok := s.qmd.Query(query, project, limit); ok && len(ids) > 0 {
		obs, err := s.store.GetObservationsByIDs(ids)
		if err == nil && len(obs) > 0 {
			return toHits(obs, limit), nil
		}
	}

	obs, err := s.store.SearchObservations(match, project, limit)
	if err != nil {
		return nil, err
	}
	return toHits(obs, limit), nil
}

// CountIndex returns the total number of keyword matches for the query,
// uncapped, for honest pagination totals alongside SearchIndex.
func (s *Searcher) CountIndex(query, project string) (int, error) {
	return s.store.CountSearchMatches(store.EscapeFTSQuery(query), project)
}

func toHits(obs []*store.Observation, limit int) []*store.SearchHit {
	hits := make([]*store.SearchHit, 0, len(obs))
	for _, o := range obs {
		if len(hits) >= limit {
			break
		}
		hits = append(hits, &store.SearchHit{
			ID:        o.ID,
			Title:     o.Title,
			Type:      o.Type,
			CreatedAt: o.CreatedAt,
			SessionID: o.SessionID,
		})
	}
	return hits
}

// Timeline is layer 2: for the anchor's session, up to window observations
// before the anchor (chronological), the anchor itself, and up to window
// after it.
func (s *Searcher) Timeline(anchorID int64, window int) ([]*store.Observation, error) {
	if window <= 0 {
		window = 5
	}
	anchor, err := s.store.GetObservation(anchorID)
	if err != nil {
		return nil, err
	}

	before, err := s.store.ObservationsBefore(anchor.SessionID, anchor.CreatedAt, anchor.ID, window)
	if err != nil {
		return nil, err
	}
	after, err := s.store.ObservationsAfter(anchor.SessionID, anchor.CreatedAt, anchor.ID, window)
	if err != nil {
		return nil, err
	}

	// before is newest-first; reverse into chronological order.
	out := make([]*store.Observation, 0, len(before)+len(after)+1)
	for i := len(before) - 1; i >= 0; i-- {
		out = append(out, before[i])
	}
	out = append(out, anchor)
	out = append(out, after...)
	return out, nil
}

// GetByIDs is layer 3: full rows ordered by created_at ascending.
func (s *Searcher) GetByIDs(ids []int64) ([]*store.Observation, error) {
	return s.store.GetObservationsByIDs(ids)
}

// SearchKeyword returns full observations ranked by BM25 (lower rank is
// better). Empty or whitespace-only queries return an empty list.
func (s *Searcher) SearchKeyword(query, project string, limit int) ([]*store.Observation, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultKeywordLimit
	}
	return s.store.SearchObservations(store.EscapeFTSQuery(query), project, limit)
}

// SearchByType returns observations of one type via the ordinary index.
func (s *Searcher) SearchByType(obsType, project string, limit int) ([]*store.Observation, error) {
	return s.store.ObservationsByType(obsType, project, limit)
}

// SearchByDateRange returns observations between from and to, ascending.
func (s *Searcher) SearchByDateRange(from, to int64, project string) ([]*store.Observation, error) {
	return s.store.ObservationsByDateRange(from, to, project)
}
