// Package queue schedules asynchronous processing of observation and
// summary work items over the persistent queue.
//
// DESIGN: Single-process, cooperative. The engine mirrors pending rows in
// an in-memory list and enforces at most one in-flight item per session via
// the processingBySession map. A 500 ms poll drains eligible items, a 60 s
// scan reclassifies rows stuck in processing, and startup resets any
// processing rows left over from a crash. Retries use exponential backoff
// (2s, 4s, 8s) up to three attempts; per-session enqueue order is preserved
// end to end.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cmem-sh/cmem/internal/scrub"
	"github.com/cmem-sh/cmem/internal/store"
)

// Defaults for the scheduling model.
const (
	DefaultPollInterval  = 500 * time.Millisecond
	DefaultStuckInterval = 60 * time.Second
	DefaultStuckTimeout  = 5 * time.Minute
	MaxRetries           = 3
	RefillLimit          = 200
	backoffBase          = 2 * time.Second

	stuckReason = "Stuck: exceeded processing timeout"
)

// Processor handles one claimed queue item. Returning an error triggers the
// engine's retry discipline.
type Processor interface {
	Process(ctx context.Context, item *store.QueueItem) error
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, item *store.QueueItem) error

func (f ProcessorFunc) Process(ctx context.Context, item *store.QueueItem) error {
	return f(ctx, item)
}

// Notifier receives lifecycle fan-out. Satisfied by *sse.Broker.
type Notifier interface {
	ObservationCreated(queueID, sessionID int64, project, toolName string)
	ItemFailed(queueID, sessionID int64, reason string)
	ItemStuck(queueID, sessionID int64, reason string)
	SummarizeRequested(queueID, sessionID int64, project string)
}

// ObservationPayload is the JSON stored in observation queue rows.
type ObservationPayload struct {
	ToolName     string          `json:"tool_name"`
	ToolInput    json.RawMessage `json:"tool_input,omitempty"`
	ToolResponse string          `json:"tool_response"`
	Project      string          `json:"project"`
	PromptNumber int             `json:"prompt_number"`
}

// SummaryPayload is the JSON stored in summary queue rows.
type SummaryPayload struct {
	Project              string `json:"project"`
	LastUserMessage      string `json:"last_user_message,omitempty"`
	LastAssistantMessage string `json:"last_assistant_message,omitempty"`
}

// Config tunes the engine; zero values take the package defaults.
type Config struct {
	PollInterval  time.Duration
	StuckInterval time.Duration
	StuckTimeout  time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.StuckInterval <= 0 {
		c.StuckInterval = DefaultStuckInterval
	}
	if c.StuckTimeout <= 0 {
		c.StuckTimeout = DefaultStuckTimeout
	}
}

// Engine is the in-memory scheduler over the persistent queue.
type Engine struct {
	store     *store.Store
	notifier  Notifier
	processor Processor
	cfg       Config

	mu                  sync.Mutex
	pending             []*store.QueueItem
	pendingIDs          map[int64]bool
	processingBySession map[int64]int64 // session id -> in-flight queue id
	running             bool

	stop chan struct{}
	wg   sync.WaitGroup
	kick chan struct{}
}

// NewEngine creates an engine; call Start to begin processing.
func NewEngine(st *store.Store, notifier Notifier, processor Processor, cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{
		store:               st,
		notifier:            notifier,
		processor:           processor,
		cfg:                 cfg,
		pendingIDs:          make(map[int64]bool),
		processingBySession: make(map[int64]int64),
		stop:                make(chan struct{}),
		kick:                make(chan struct{}, 1),
	}
}

// Start performs crash recovery, refills the in-memory pending list and
// launches the poll and stuck-scan loops.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.mu.Unlock()

	recovered, err := e.store.ResetProcessing()
	if err != nil {
		return fmt.Errorf("startup queue recovery failed: %w", err)
	}
	if recovered > 0 {
		log.Info().Int64("items", recovered).Msg("recovered in-flight queue items from previous run")
	}
	if err := e.refill(); err != nil {
		return err
	}

	e.wg.Add(2)
	go e.pollLoop()
	go e.stuckLoop()
	log.Info().Msg("queue engine started")
	return nil
}

// Stop cancels the timers. In-flight tasks complete naturally; their
// session locks release in the task's defer path.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stop)
	e.mu.Unlock()
	e.wg.Wait()
	log.Info().Msg("queue engine stopped")
}

// EnqueueObservation records one tool execution for async compression.
// The session row is auto-created when missing and its project backfilled.
// Context blocks echoed back in the tool response are stripped so the worker
// never re-captures its own output; inputs still carrying control markers
// after stripping are rejected. toolResponse is truncated to the observation
// byte cap before storage.
func (e *Engine) EnqueueObservation(sessionKey, project, toolName string, toolInput json.RawMessage, toolResponse string) (int64, error) {
	if project == "" {
		project = store.DefaultProject
	}

	toolResponse = scrub.StripPrivacyMarkup(toolResponse)
	if err := scrub.Validate(toolResponse); err != nil {
		return 0, fmt.Errorf("%w: tool response: %v", store.ErrUnsafeContent, err)
	}
	if len(toolInput) > 0 {
		if err := scrub.Validate(string(toolInput)); err != nil {
			return 0, fmt.Errorf("%w: tool input: %v", store.ErrUnsafeContent, err)
		}
	}

	sess, err := e.store.CreateSession(sessionKey, project, "")
	if err != nil {
		return 0, err
	}

	payload, err := json.Marshal(ObservationPayload{
		ToolName:     toolName,
		ToolInput:    toolInput,
		ToolResponse: scrub.EnforceByteLimit(toolResponse, scrub.MaxObservationBytes),
		Project:      sess.Project,
		PromptNumber: sess.PromptCount,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal observation payload: %w", err)
	}

	queueID, err := e.store.Enqueue(sess.ID, store.ItemObservation, string(payload))
	if err != nil {
		return 0, err
	}

	e.track(queueID)
	e.notifier.ObservationCreated(queueID, sess.ID, sess.Project, toolName)
	e.kickNow()
	return queueID, nil
}

// EnqueueSummary records a session summarization request.
func (e *Engine) EnqueueSummary(sessionKey, lastUserMessage, lastAssistantMessage string) (int64, error) {
	sess, err := e.store.GetSessionByKey(sessionKey)
	if err != nil {
		return 0, err
	}

	payload, err := json.Marshal(SummaryPayload{
		Project:              sess.Project,
		LastUserMessage:      lastUserMessage,
		LastAssistantMessage: lastAssistantMessage,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal summary payload: %w", err)
	}

	queueID, err := e.store.Enqueue(sess.ID, store.ItemSummary, string(payload))
	if err != nil {
		return 0, err
	}

	e.track(queueID)
	e.notifier.SummarizeRequested(queueID, sess.ID, sess.Project)
	e.kickNow()
	return queueID, nil
}

// track loads the freshly inserted row into the in-memory pending list.
func (e *Engine) track(queueID int64) {
	item, err := e.store.GetQueueItem(queueID)
	if err != nil {
		log.Error().Err(err).Int64("queue_id", queueID).Msg("failed to load enqueued item")
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.pendingIDs[item.ID] {
		e.pending = append(e.pending, item)
		e.pendingIDs[item.ID] = true
	}
}

// kickNow requests an immediate processing pass without waiting for poll.
func (e *Engine) kickNow() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// refill reloads the in-memory list from pending rows, capped per refill.
func (e *Engine) refill() error {
	items, err := e.store.PendingItems(RefillLimit)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, item := range items {
		if !e.pendingIDs[item.ID] {
			e.pending = append(e.pending, item)
			e.pendingIDs[item.ID] = true
		}
	}
	return nil
}

func (e *Engine) pollLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.processBatch()
		case <-e.kick:
			e.processBatch()
		}
	}
}

func (e *Engine) stuckLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.StuckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.failStuck()
		}
	}
}

// processBatch claims the first eligible item of every unlocked session and
// launches one task per claim. Tasks are independent: a failure in one never
// cancels its siblings.
func (e *Engine) processBatch() {
	e.mu.Lock()
	var claimed []*store.QueueItem
	var remaining []*store.QueueItem
	claimedSessions := make(map[int64]bool)
	for _, item := range e.pending {
		_, locked := e.processingBySession[item.SessionID]
		if locked || claimedSessions[item.SessionID] {
			remaining = append(remaining, item)
			continue
		}
		e.processingBySession[item.SessionID] = item.ID
		claimedSessions[item.SessionID] = true
		delete(e.pendingIDs, item.ID)
		claimed = append(claimed, item)
	}
	e.pending = remaining
	e.mu.Unlock()

	for _, item := range claimed {
		e.wg.Add(1)
		go e.runTask(item)
	}
}

// runTask drives one item through processing, retry or failure. The session
// lock always releases in the defer path so a panic cannot wedge a session.
func (e *Engine) runTask(item *store.QueueItem) {
	defer e.wg.Done()
	defer e.releaseLock(item.SessionID, item.ID)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Int64("queue_id", item.ID).Msg("queue task panicked")
			e.handleFailure(item, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := e.store.MarkProcessing(item.ID); err != nil {
		log.Error().Err(err).Int64("queue_id", item.ID).Msg("failed to mark item processing")
		return
	}

	err := e.processor.Process(context.Background(), item)
	if err == nil {
		if err := e.store.MarkProcessed(item.ID); err != nil {
			log.Error().Err(err).Int64("queue_id", item.ID).Msg("failed to mark item processed")
		}
		return
	}
	e.handleFailure(item, err)
}

func (e *Engine) handleFailure(item *store.QueueItem, cause error) {
	count, err := e.store.IncrementRetry(item.ID)
	if err != nil {
		log.Error().Err(err).Int64("queue_id", item.ID).Msg("failed to increment retry count")
		return
	}

	if count >= MaxRetries {
		if err := e.store.MarkFailed(item.ID, cause.Error()); err != nil {
			log.Error().Err(err).Int64("queue_id", item.ID).Msg("failed to mark item failed")
		}
		log.Error().Err(cause).Int64("queue_id", item.ID).Int("retries", count).Msg("queue item failed permanently")
		e.notifier.ItemFailed(item.ID, item.SessionID, cause.Error())
		return
	}

	if err := e.store.MarkPending(item.ID); err != nil {
		log.Error().Err(err).Int64("queue_id", item.ID).Msg("failed to mark item pending")
		return
	}

	delay := backoffBase << (count - 1) // 2s, 4s, 8s
	log.Warn().Err(cause).Int64("queue_id", item.ID).Int("retry", count).Dur("backoff", delay).Msg("queue item retry scheduled")
	time.AfterFunc(delay, func() {
		select {
		case <-e.stop:
			return
		default:
		}
		e.track(item.ID)
		e.kickNow()
	})
}

func (e *Engine) releaseLock(sessionID, queueID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.processingBySession[sessionID] == queueID {
		delete(e.processingBySession, sessionID)
	}
}

// failStuck reclassifies rows stuck in processing past the timeout.
func (e *Engine) failStuck() {
	items, err := e.store.StuckItems(e.cfg.StuckTimeout)
	if err != nil {
		log.Error().Err(err).Msg("stuck scan failed")
		return
	}
	for _, item := range items {
		if err := e.store.MarkFailed(item.ID, stuckReason); err != nil {
			log.Error().Err(err).Int64("queue_id", item.ID).Msg("failed to fail stuck item")
			continue
		}
		e.releaseLock(item.SessionID, item.ID)
		log.Warn().Int64("queue_id", item.ID).Int64("session_id", item.SessionID).Msg("queue item stuck, marked failed")
		e.notifier.ItemStuck(item.ID, item.SessionID, stuckReason)
	}
}

// RecoverStuck moves stuck rows back to pending instead of failing them and
// refills the in-memory list. Used by the explicit recovery endpoint.
func (e *Engine) RecoverStuck() (int, error) {
	items, err := e.store.StuckItems(e.cfg.StuckTimeout)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, item := range items {
		if err := e.store.MarkPending(item.ID); err != nil {
			return recovered, err
		}
		e.releaseLock(item.SessionID, item.ID)
		recovered++
	}
	if err := e.refill(); err != nil {
		return recovered, err
	}
	if recovered > 0 {
		e.kickNow()
	}
	return recovered, nil
}

// Counts proxies queue totals for the health and queue endpoints.
func (e *Engine) Counts() (*store.QueueCounts, error) {
	return e.store.Counts(e.cfg.StuckTimeout)
}
