// Route handlers gluing storage, queue, search, context builder and SSE.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cmem-sh/cmem/internal/monitoring"
	"github.com/cmem-sh/cmem/internal/scrub"
	"github.com/cmem-sh/cmem/internal/store"
)

// batchIDCap bounds /api/observations/batch requests.
const batchIDCap = 200

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeStoreError maps store sentinels onto HTTP statuses; messages stay
// minimal, rich context goes to the log.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "not found", http.StatusNotFound)
	case errors.Is(err, store.ErrInvalidSessionID),
		errors.Is(err, store.ErrInvalidJSON),
		errors.Is(err, store.ErrInvalidStatus),
		errors.Is(err, store.ErrUnsafeContent):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrPayloadTooLarge):
		writeError(w, "payload too large", http.StatusRequestEntityTooLarge)
	default:
		log.Error().Err(err).Msg("request failed")
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, "request body too large", http.StatusRequestEntityTooLarge)
		} else {
			writeError(w, "invalid JSON body", http.StatusBadRequest)
		}
		return false
	}
	return true
}

func queryInt(r *http.Request, name, fallback string) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		v = fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts, err := s.engine.Counts()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    int64(time.Since(s.started).Seconds()),
		"port":      s.cfg.Port,
		"tokenPath": s.cfg.TokenPath,
		"queue": map[string]int{
			"pending":    counts.Pending,
			"processing": counts.Processing,
			"failed":     counts.Failed,
			"stuck":      counts.Stuck,
		},
	})
}

// GET /api/context
func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	if project == "" {
		writeError(w, "project parameter is required", http.StatusBadRequest)
		return
	}
	maxTokens := queryInt(r, "limit", "0")

	res, err := s.builder.Build(project, maxTokens)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("X-Token-Estimate", strconv.Itoa(res.TokenEstimate))
	w.Header().Set("X-Observation-Count", strconv.Itoa(res.ObservationCount))
	w.Header().Set("X-Summary-Count", strconv.Itoa(res.SummaryCount))
	w.Header().Set("X-Truncated", strconv.FormatBool(res.Truncated))
	fmt.Fprint(w, res.Markdown)
}

type observationRequest struct {
	SessionID     string          `json:"session_id"`
	ToolName      string          `json:"tool_name"`
	ToolInput     json.RawMessage `json:"tool_input"`
	ToolResponse  string          `json:"tool_response"`
	ToolResult    string          `json:"tool_result"`
	Project       string          `json:"project"`
	CorrelationID string          `json:"correlation_id"`
}

// POST /api/observations
func (s *Server) handleCreateObservation(w http.ResponseWriter, r *http.Request) {
	var req observationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.ToolName == "" {
		writeError(w, "session_id and tool_name are required", http.StatusBadRequest)
		return
	}
	response := req.ToolResponse
	if response == "" {
		response = req.ToolResult
	}

	queueID, err := s.engine.EnqueueObservation(req.SessionID, req.Project, req.ToolName, req.ToolInput, response)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":  true,
		"queued":   true,
		"queue_id": queueID,
	})
}

type batchRequest struct {
	IDs     []int64 `json:"ids"`
	OrderBy string  `json:"orderBy"`
	Limit   int     `json:"limit"`
}

// POST /api/observations/batch
func (s *Server) handleObservationBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, "ids are required", http.StatusBadRequest)
		return
	}
	if len(req.IDs) > batchIDCap {
		writeError(w, fmt.Sprintf("too many ids (max %d)", batchIDCap), http.StatusBadRequest)
		return
	}

	observations, err := s.searcher.GetByIDs(req.IDs)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if req.Limit > 0 && len(observations) > req.Limit {
		observations = observations[:req.Limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"observations": observations})
}

type sessionInitRequest struct {
	SessionID    string `json:"session_id"`
	Project      string `json:"project"`
	UserPrompt   string `json:"userPrompt"`
	PromptNumber int    `json:"promptNumber"`
}

// POST /api/sessions/init
func (s *Server) handleSessionInit(w http.ResponseWriter, r *http.Request) {
	var req sessionInitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeError(w, "session_id is required", http.StatusBadRequest)
		return
	}

	// Fully private prompts are dropped before they touch the store; mixed
	// prompts keep only the text outside the privacy markup.
	userPrompt := req.UserPrompt
	if userPrompt != "" && scrub.IsFullyPrivate(userPrompt) {
		log.Debug().Str("session", req.SessionID).Msg("user prompt fully private, dropped")
		userPrompt = ""
	}
	prompt := scrub.String(strings.TrimSpace(scrub.StripPrivacyMarkup(userPrompt)))

	sess, err := s.store.CreateSession(req.SessionID, req.Project, prompt)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if prompt != "" {
		number, err := s.store.IncrementPromptCount(sess.ID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		// The session counter is authoritative; a client-supplied number that
		// disagrees would let prompt rows drift from prompt_count.
		if req.PromptNumber > 0 && req.PromptNumber != number {
			log.Warn().Int64("session_id", sess.ID).Int("client_number", req.PromptNumber).
				Int("counter", number).Msg("client prompt number ignored, counter wins")
		}
		promptID, err := s.store.InsertUserPrompt(sess.ID, number, prompt)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		s.broker.UserPromptCreated(promptID, sess.ID, sess.Project, number)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"session_id": sess.SessionKey,
		"db_id":      sess.ID,
	})
}

type summarizeRequest struct {
	SessionID            string `json:"session_id"`
	LastUserMessage      string `json:"last_user_message"`
	LastAssistantMessage string `json:"last_assistant_message"`
}

// POST /api/sessions/summarize
func (s *Server) handleSessionSummarize(w http.ResponseWriter, r *http.Request) {
	var req summarizeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeError(w, "session_id is required", http.StatusBadRequest)
		return
	}

	sess, err := s.store.GetSessionByKey(req.SessionID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.store.UpdateSessionStatus(sess.ID, store.SessionSummarizing); err != nil {
		writeStoreError(w, err)
		return
	}
	if _, err := s.engine.EnqueueSummary(req.SessionID, req.LastUserMessage, req.LastAssistantMessage); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "summary_queued": true})
}

type completeRequest struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// POST /api/sessions/complete
func (s *Server) handleSessionComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeError(w, "session_id is required", http.StatusBadRequest)
		return
	}

	sess, err := s.store.GetSessionByKey(req.SessionID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.store.UpdateSessionStatus(sess.ID, store.SessionCompleted); err != nil {
		writeStoreError(w, err)
		return
	}
	if req.Reason != "" {
		log.Info().Int64("session_id", sess.ID).Str("reason", req.Reason).Msg("session completed")
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "completed": true})
}

// GET /api/search
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if strings.TrimSpace(query) == "" {
		writeError(w, "q parameter is required", http.StatusBadRequest)
		return
	}
	project := r.URL.Query().Get("project")
	limit := queryInt(r, "limit", "20")
	offset := queryInt(r, "offset", "0")

	hits, err := s.searcher.SearchIndex(query, project, limit+offset)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	total, err := s.searcher.CountIndex(query, project)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if offset > 0 {
		if offset >= len(hits) {
			hits = nil
		} else {
			hits = hits[offset:]
		}
	}
	if hits == nil {
		hits = []*store.SearchHit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": hits,
		"total":   total,
		"hasMore": offset+len(hits) < total,
	})
}

// GET /api/observations
func (s *Server) handleListObservations(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	limit := queryInt(r, "limit", "50")
	offset := queryInt(r, "offset", "0")
	if limit <= 0 {
		limit = 50
	}

	observations, err := s.store.ListObservations(project, limit, offset)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	total, err := s.store.CountObservations(project)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if observations == nil {
		observations = []*store.Observation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"observations": observations,
		"total":        total,
		"hasMore":      offset+len(observations) < total,
	})
}

// GET /api/observation/:id
func (s *Server) handleGetObservation(w http.ResponseWriter, r *http.Request) {
	idText := strings.TrimPrefix(r.URL.Path, "/api/observation/")
	id, err := strconv.ParseInt(idText, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, "invalid observation id", http.StatusBadRequest)
		return
	}
	obs, err := s.store.GetObservation(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, obs)
}

// GET /api/sessions
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	limit := queryInt(r, "limit", "50")
	offset := queryInt(r, "offset", "0")
	if limit <= 0 {
		limit = 50
	}

	sessions, err := s.store.ListSessions(project, limit, offset)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*store.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// GET /api/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	if project == "" {
		project = store.DefaultProject
	}
	stats, err := s.store.StatsForProject(project)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats, "project": project})
}

// GET /api/queue
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	counts, err := s.engine.Counts()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// POST /api/queue/recover
func (s *Server) handleQueueRecover(w http.ResponseWriter, r *http.Request) {
	recovered, err := s.engine.RecoverStuck()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "recovered": recovered})
}

// GET /stream
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client, err := s.broker.AddClient(w, r)
	if err != nil {
		writeError(w, "streaming unavailable", http.StatusForbidden)
		return
	}
	defer s.broker.RemoveClient(client.ID)
	log.Info().Str("request_id", monitoring.RequestIDFromContext(r.Context())).
		Str("client", client.ID).Msg("stream client connected")

	// Flush headers immediately so clients see the stream open before the
	// first event.
	fmt.Fprint(w, ": connected\n\n")
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	select {
	case <-r.Context().Done():
	case <-client.Done():
	}
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, "Not found", http.StatusNotFound)
}
