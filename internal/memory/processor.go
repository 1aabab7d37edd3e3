// Queue processor gluing the adapters to the store and the event broker.
package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/cmem-sh/cmem/internal/queue"
	"github.com/cmem-sh/cmem/internal/store"
)

// passthroughNarrativeCap bounds the raw narrative stored when no LLM API
// key is configured.
const passthroughNarrativeCap = 2 * 1024

// Events is the broker subset the processor emits on. Satisfied by
// *sse.Broker.
type Events interface {
	ObservationProcessed(observationID, queueID, sessionID int64, project, title, kind string)
	SummaryCreated(summaryID, sessionID int64, project, request string)
}

// Processor implements queue.Processor over the two adapters.
type Processor struct {
	store      *store.Store
	events     Events
	compressor *Compressor
	summarizer *Summarizer

	// passthrough skips the LLM entirely when no API key is configured.
	passthrough bool
}

// NewProcessor wires the adapters. A nil llm enables passthrough mode.
func NewProcessor(st *store.Store, events Events, llm LLMClient) *Processor {
	p := &Processor{store: st, events: events}
	if llm == nil {
		p.passthrough = true
	} else {
		p.compressor = NewCompressor(llm)
		p.summarizer = NewSummarizer(llm)
	}
	return p
}

// Process dispatches one claimed queue item.
func (p *Processor) Process(ctx context.Context, item *store.QueueItem) error {
	switch item.Type {
	case store.ItemObservation:
		return p.processObservation(ctx, item)
	case store.ItemSummary:
		return p.processSummary(ctx, item)
	default:
		return fmt.Errorf("unknown queue item type %q", item.Type)
	}
}

func (p *Processor) processObservation(ctx context.Context, item *store.QueueItem) error {
	var payload queue.ObservationPayload
	if err := json.Unmarshal([]byte(item.Payload), &payload); err != nil {
		return fmt.Errorf("invalid observation payload: %w", err)
	}

	var compressed *CompressedObservation
	if p.passthrough {
		compressed = passthroughObservation(payload)
	} else {
		userGoal := ""
		if prompt, err := p.store.LastUserPrompt(item.SessionID); err == nil {
			userGoal = prompt.Text
		}
		compressed = p.compressor.Compress(ctx, CompressInput{
			ToolName:     payload.ToolName,
			ToolInput:    payload.ToolInput,
			ToolResponse: payload.ToolResponse,
			Project:      payload.Project,
			PromptNumber: payload.PromptNumber,
			UserGoal:     userGoal,
		})
	}

	obsID, err := p.store.InsertObservation(store.ObservationParams{
		SessionID:    item.SessionID,
		PromptNumber: payload.PromptNumber,
		ToolName:     payload.ToolName,
		RawInput:     string(payload.ToolInput),
		Compressed:   compressed.EncodeLists(),
		Type:         compressed.Type,
		Title:        compressed.Title,
		Narrative:    compressed.Narrative,
	})
	if err != nil {
		return err
	}

	log.Info().Int64("observation_id", obsID).Int64("queue_id", item.ID).
		Str("tool", payload.ToolName).Str("type", compressed.Type).Msg("observation persisted")
	p.events.ObservationProcessed(obsID, item.ID, item.SessionID, payload.Project, compressed.Title, compressed.Type)
	return nil
}

func (p *Processor) processSummary(ctx context.Context, item *store.QueueItem) error {
	var payload queue.SummaryPayload
	if err := json.Unmarshal([]byte(item.Payload), &payload); err != nil {
		return fmt.Errorf("invalid summary payload: %w", err)
	}

	stats, err := p.store.StatsForProject(payload.Project)
	if err != nil {
		return err
	}

	in := SummarizeInput{
		Project:              payload.Project,
		LastUserMessage:      payload.LastUserMessage,
		LastAssistantMessage: payload.LastAssistantMessage,
		ObservationCount:     stats.Observations,
	}

	var summary *PartialSummary
	if p.passthrough {
		summary = FallbackSummary(in)
	} else {
		summary = p.summarizer.Summarize(ctx, in)
	}

	summaryID, err := p.store.InsertSummary(store.SummaryParams{
		SessionID:    item.SessionID,
		Request:      summary.Request,
		Investigated: summary.Investigated,
		Learned:      summary.Learned,
		Completed:    summary.Completed,
		NextSteps:    summary.NextSteps,
	})
	if err != nil {
		return err
	}

	log.Info().Int64("summary_id", summaryID).Int64("session_id", item.SessionID).Msg("session summary persisted")
	p.events.SummaryCreated(summaryID, item.SessionID, payload.Project, summary.Request)
	return nil
}

// passthroughObservation stores the raw tool response, capped, when no LLM
// is configured.
func passthroughObservation(payload queue.ObservationPayload) *CompressedObservation {
	narrative := payload.ToolResponse
	if len(narrative) > passthroughNarrativeCap {
		narrative = narrative[:passthroughNarrativeCap]
	}
	if narrative == "" {
		narrative = "(empty tool response)"
	}
	return &CompressedObservation{
		Type:      "other",
		Title:     fmt.Sprintf("%s output", payload.ToolName),
		Narrative: narrative,
	}
}
