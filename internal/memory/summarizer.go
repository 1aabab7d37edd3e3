// Session summarization adapter.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const summarizeMaxTokens = 1024

// SummarizeInput is the material for one session rollup.
type SummarizeInput struct {
	Project              string
	LastUserMessage      string
	LastAssistantMessage string
	ObservationCount     int
}

// PartialSummary mirrors the five summary fields. Absent optional fields
// default to "None".
type PartialSummary struct {
	Request      string
	Investigated string
	Learned      string
	Completed    string
	NextSteps    string
}

const summarizeSystemPrompt = `You summarize one coding-assistant session. Respond with a single ` +
	`<session_summary> element containing <request>, <investigated>, <learned>, ` +
	`<completed> and <next_steps> children. <request> is required; write None for ` +
	`fields you cannot fill.`

// Summarizer produces session rollups.
type Summarizer struct {
	llm LLMClient
}

// NewSummarizer wraps an LLM capability.
func NewSummarizer(llm LLMClient) *Summarizer {
	return &Summarizer{llm: llm}
}

func (s *Summarizer) buildRequest(in SummarizeInput) string {
	var b strings.Builder
	b.WriteString("<c-mem-summarize>\n")
	b.WriteString("<instruction>Summarize this session for future recall.</instruction>\n")
	b.WriteString("<session>\n")
	fmt.Fprintf(&b, "<project>%s</project>\n", escapeXML(in.Project))
	fmt.Fprintf(&b, "<observation_count>%d</observation_count>\n", in.ObservationCount)
	fmt.Fprintf(&b, "<last_user_message>%s</last_user_message>\n", escapeXML(in.LastUserMessage))
	fmt.Fprintf(&b, "<last_assistant_message>%s</last_assistant_message>\n", escapeXML(in.LastAssistantMessage))
	b.WriteString("</session>\n</c-mem-summarize>")
	return b.String()
}

// parseSummary extracts the rollup; a missing <request> is a structural
// failure. Optional fields default to "None".
func parseSummary(response string) (*PartialSummary, error) {
	body, ok := extractElement(response, "session_summary")
	if !ok {
		return nil, fmt.Errorf("no <session_summary> element in response")
	}
	request, ok := extractElement(body, "request")
	if !ok || request == "" {
		return nil, fmt.Errorf("session summary missing request")
	}

	optional := func(name string) string {
		if v, ok := extractElement(body, name); ok && v != "" {
			return v
		}
		return "None"
	}
	return &PartialSummary{
		Request:      request,
		Investigated: optional("investigated"),
		Learned:      optional("learned"),
		Completed:    optional("completed"),
		NextSteps:    optional("next_steps"),
	}, nil
}

// Summarize runs the shared retry discipline and never returns an error:
// after three failed attempts it falls back to the last user message as the
// request, reporting the observation count in completed.
func (s *Summarizer) Summarize(ctx context.Context, in SummarizeInput) *PartialSummary {
	request := s.buildRequest(in)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		response, err := s.llm.Complete(ctx, summarizeSystemPrompt, request, summarizeMaxTokens)
		if err == nil {
			summary, perr := parseSummary(response)
			if perr == nil {
				return summary
			}
			err = perr
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Str("project", in.Project).Msg("summarization attempt failed")
		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				attempt = maxAttempts
			case <-time.After(retryBackoffBase << (attempt - 1)):
			}
		}
	}

	log.Error().Err(lastErr).Str("project", in.Project).Msg("summarization failed, storing fallback summary")
	return FallbackSummary(in)
}

// FallbackSummary is the deterministic rollup stored when summarization is
// exhausted.
func FallbackSummary(in SummarizeInput) *PartialSummary {
	request := strings.TrimSpace(in.LastUserMessage)
	if request == "" {
		request = "None"
	}
	return &PartialSummary{
		Request:      request,
		Investigated: "None",
		Learned:      "None",
		Completed:    fmt.Sprintf("Session recorded %d observations.", in.ObservationCount),
		NextSteps:    "None",
	}
}
