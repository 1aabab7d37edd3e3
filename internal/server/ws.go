// WebSocket mirror of the SSE event stream.
//
// Some dashboard clients cannot consume EventSource; this endpoint replays
// the same broker frames as JSON text messages over a websocket.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog/log"

	"github.com/cmem-sh/cmem/internal/sse"
)

const wsWriteTimeout = 10 * time.Second

// GET /api/events/ws
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !sse.IsLocalAddr(r.RemoteAddr) {
		writeError(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-port localhost pages only; the CORS middleware enforces the
		// matching policy for XHR.
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	tapID, frames := s.broker.Subscribe()
	defer s.broker.Unsubscribe(tapID)

	// Reads are discarded; the endpoint is broadcast-only. CloseRead
	// surfaces client disconnects through the returned context.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(writeCtx, conn, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
