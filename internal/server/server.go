// Package server is the localhost HTTP surface of the memory worker.
//
// DESIGN: Plain net/http with a hand-rolled middleware chain (see
// middleware.go). Handlers glue the store, queue engine, searcher, context
// builder and SSE broker; they own no state beyond the Server struct. The
// listener binds the configured host only, so the remote-address guard is a
// second fence, not the first.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cmem-sh/cmem/internal/config"
	"github.com/cmem-sh/cmem/internal/contextpack"
	"github.com/cmem-sh/cmem/internal/queue"
	"github.com/cmem-sh/cmem/internal/search"
	"github.com/cmem-sh/cmem/internal/sse"
	"github.com/cmem-sh/cmem/internal/store"
)

// Server glues the worker subsystems behind the HTTP surface.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	engine   *queue.Engine
	searcher *search.Searcher
	builder  *contextpack.Builder
	broker   *sse.Broker
	token    string

	limiter *rateLimiter
	httpSrv *http.Server
	started time.Time
}

// New assembles the server. Start begins listening.
func New(cfg *config.Config, st *store.Store, engine *queue.Engine, searcher *search.Searcher, builder *contextpack.Builder, broker *sse.Broker, token string) *Server {
	s := &Server{
		cfg:      cfg,
		store:    st,
		engine:   engine,
		searcher: searcher,
		builder:  builder,
		broker:   broker,
		token:    token,
		limiter:  newRateLimiter(RateLimitPerSecond),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", methodOnly(http.MethodGet, s.handleHealth))
	mux.HandleFunc("/api/context", methodOnly(http.MethodGet, s.handleContext))
	mux.HandleFunc("/api/observations", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			s.handleCreateObservation(w, r)
		case http.MethodGet:
			s.handleListObservations(w, r)
		default:
			writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/observations/batch", methodOnly(http.MethodPost, s.handleObservationBatch))
	mux.HandleFunc("/api/observation/", methodOnly(http.MethodGet, s.handleGetObservation))
	mux.HandleFunc("/api/sessions/init", methodOnly(http.MethodPost, s.handleSessionInit))
	mux.HandleFunc("/api/sessions/summarize", methodOnly(http.MethodPost, s.handleSessionSummarize))
	mux.HandleFunc("/api/sessions/complete", methodOnly(http.MethodPost, s.handleSessionComplete))
	mux.HandleFunc("/api/sessions", methodOnly(http.MethodGet, s.handleListSessions))
	mux.HandleFunc("/api/search", methodOnly(http.MethodGet, s.handleSearch))
	mux.HandleFunc("/api/stats", methodOnly(http.MethodGet, s.handleStats))
	mux.HandleFunc("/api/queue", methodOnly(http.MethodGet, s.handleQueue))
	mux.HandleFunc("/api/queue/recover", methodOnly(http.MethodPost, s.handleQueueRecover))
	mux.HandleFunc("/api/events/ws", s.handleWebSocket)
	mux.HandleFunc("/stream", methodOnly(http.MethodGet, s.handleStream))
	mux.HandleFunc("/", s.handleNotFound)

	handler := s.chain(mux)
	s.httpSrv = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: SSE connections are long-lived.
	}
	return s
}

// chain applies the middleware stack, outermost first.
func (s *Server) chain(next http.Handler) http.Handler {
	h := s.contentType(next)
	h = s.authMiddleware(h)
	h = s.bodyLimit(h)
	h = s.rateLimit(h)
	h = s.remoteGuard(h)
	h = s.cors(h)
	h = s.logging(h)
	h = s.panicRecovery(h)
	return h
}

func methodOnly(method string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			writeError(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		handler(w, r)
	}
}

// Handler exposes the full middleware-wrapped handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start listens and serves until Stop or a listener error.
func (s *Server) Start() error {
	s.started = time.Now()
	log.Info().Str("addr", s.httpSrv.Addr).Msg("http server listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and halts the rate-limit sweeper.
func (s *Server) Stop(ctx context.Context) error {
	s.limiter.stopSweeper()
	return s.httpSrv.Shutdown(ctx)
}
