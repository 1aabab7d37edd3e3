// Package sse broadcasts worker lifecycle events to localhost subscribers
// over Server-Sent Events.
//
// DESIGN: The broker owns the subscriber map. Writes happen on the
// broadcaster's goroutine under each client's own lock; a failed write marks
// the client dead and it is reaped after the broadcast. A 30 s ping keeps
// idle connections warm. Only clients whose remote address normalizes to
// localhost are admitted.
package sse

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Event names on the wire.
const (
	EventObservationCreated   = "observation-created"
	EventObservationProcessed = "observation-processed"
	EventSummaryCreated       = "session-summary-created"
	EventUserPromptCreated    = "user-prompt-created"
	EventItemFailed           = "item-failed"
	EventItemStuck            = "item-stuck"
	EventSummarizeRequested   = "summarize-requested"
	EventPing                 = "ping"
)

const pingInterval = 30 * time.Second

// Client is one connected subscriber.
type Client struct {
	ID     string
	Remote string

	w       http.ResponseWriter
	flusher http.Flusher

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// Done is closed when the client is removed, unblocking its handler.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("client closed")
	}
	if _, err := c.w.Write(frame); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

// Broker owns the subscriber map and the ping loop.
type Broker struct {
	mu      sync.Mutex
	clients map[string]*Client
	taps    map[string]chan Frame
	stop    chan struct{}
	stopped bool
}

// Frame is one broadcast event as seen by channel subscribers.
type Frame struct {
	ID    string          `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewBroker creates a broker and starts its ping loop.
func NewBroker() *Broker {
	b := &Broker{
		clients: make(map[string]*Client),
		taps:    make(map[string]chan Frame),
		stop:    make(chan struct{}),
	}
	go b.pingLoop()
	return b
}

// IsLocalAddr reports whether a remote address (host or host:port)
// normalizes to localhost.
func IsLocalAddr(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.ToLower(strings.Trim(host, "[]"))
	switch host {
	case "127.0.0.1", "::1", "::ffff:127.0.0.1", "localhost":
		return true
	}
	return false
}

// AddClient admits a subscriber. Non-localhost remotes are rejected and the
// response writer must not be reused by the caller.
func (b *Broker) AddClient(w http.ResponseWriter, r *http.Request) (*Client, error) {
	if !IsLocalAddr(r.RemoteAddr) {
		return nil, fmt.Errorf("non-localhost subscriber %s rejected", r.RemoteAddr)
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}

	c := &Client{
		ID:      uuid.New().String(),
		Remote:  r.RemoteAddr,
		w:       w,
		flusher: flusher,
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		c.close()
		return nil, fmt.Errorf("broker stopped")
	}
	b.clients[c.ID] = c
	n := len(b.clients)
	b.mu.Unlock()

	log.Debug().Str("client_id", c.ID).Int("subscribers", n).Msg("sse client connected")
	return c, nil
}

// RemoveClient drops a subscriber and unblocks its handler.
func (b *Broker) RemoveClient(id string) {
	b.mu.Lock()
	c, ok := b.clients[id]
	if ok {
		delete(b.clients, id)
	}
	b.mu.Unlock()
	if ok {
		c.close()
		log.Debug().Str("client_id", id).Msg("sse client removed")
	}
}

// Broadcast serializes one event frame and writes it to every subscriber,
// reaping clients whose writes fail. All subscribers see events in the same
// order because frames are written under the broker's lock.
func (b *Broker) Broadcast(event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("failed to marshal sse event")
		return
	}
	eventID := uuid.New().String()
	frame := []byte(fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", eventID, event, payload))

	b.mu.Lock()
	defer b.mu.Unlock()
	var dead []string
	for id, c := range b.clients {
		if err := c.send(frame); err != nil {
			dead = append(dead, id)
		}
	}
	for _, tap := range b.taps {
		// Slow taps drop events instead of blocking the broadcast.
		select {
		case tap <- Frame{ID: eventID, Event: event, Data: payload}:
		default:
		}
	}
	for _, id := range dead {
		if c, ok := b.clients[id]; ok {
			delete(b.clients, id)
			c.close()
		}
	}
	if len(dead) > 0 {
		log.Debug().Int("reaped", len(dead)).Msg("reaped dead sse clients")
	}
}

// ObservationCreated announces a freshly enqueued observation.
func (b *Broker) ObservationCreated(queueID, sessionID int64, project, toolName string) {
	b.Broadcast(EventObservationCreated, map[string]any{
		"queueId": queueID, "sessionId": sessionID, "project": project, "toolName": toolName,
	})
}

// ObservationProcessed announces a persisted observation.
func (b *Broker) ObservationProcessed(observationID, queueID, sessionID int64, project, title, kind string) {
	b.Broadcast(EventObservationProcessed, map[string]any{
		"observationId": observationID, "queueId": queueID, "sessionId": sessionID,
		"project": project, "title": title, "kind": kind,
	})
}

// SummaryCreated announces a persisted session summary.
func (b *Broker) SummaryCreated(summaryID, sessionID int64, project, request string) {
	b.Broadcast(EventSummaryCreated, map[string]any{
		"summaryId": summaryID, "sessionId": sessionID, "project": project, "request": request,
	})
}

// UserPromptCreated announces a stored user prompt.
func (b *Broker) UserPromptCreated(promptID, sessionID int64, project string, promptNumber int) {
	b.Broadcast(EventUserPromptCreated, map[string]any{
		"promptId": promptID, "sessionId": sessionID, "project": project, "promptNumber": promptNumber,
	})
}

// ItemFailed announces a queue item that exhausted its retries.
func (b *Broker) ItemFailed(queueID, sessionID int64, reason string) {
	b.Broadcast(EventItemFailed, map[string]any{
		"queueId": queueID, "sessionId": sessionID, "reason": reason,
	})
}

// ItemStuck announces a queue item reclassified by stuck detection.
func (b *Broker) ItemStuck(queueID, sessionID int64, reason string) {
	b.Broadcast(EventItemStuck, map[string]any{
		"queueId": queueID, "sessionId": sessionID, "reason": reason,
	})
}

// SummarizeRequested announces that a session summary was queued.
func (b *Broker) SummarizeRequested(queueID, sessionID int64, project string) {
	b.Broadcast(EventSummarizeRequested, map[string]any{
		"queueId": queueID, "sessionId": sessionID, "project": project,
	})
}

// Subscribe returns a buffered channel receiving every broadcast frame.
// Used by the websocket mirror. The channel drops frames when full.
func (b *Broker) Subscribe() (string, <-chan Frame) {
	id := uuid.New().String()
	ch := make(chan Frame, 64)
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		close(ch)
		return id, ch
	}
	b.taps[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a channel subscriber.
func (b *Broker) Unsubscribe(id string) {
	b.mu.Lock()
	ch, ok := b.taps[id]
	if ok {
		delete(b.taps, id)
	}
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

// SubscriberCount returns the number of connected clients.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *Broker) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.Broadcast(EventPing, map[string]any{"ts": time.Now().Unix()})
		}
	}
}

// Stop halts the ping loop and closes every subscriber.
func (b *Broker) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	close(b.stop)
	clients := b.clients
	b.clients = make(map[string]*Client)
	taps := b.taps
	b.taps = make(map[string]chan Frame)
	b.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	for _, ch := range taps {
		close(ch)
	}
}
