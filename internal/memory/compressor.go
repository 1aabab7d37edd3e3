// Package memory translates raw tool events and session histories into
// structured observations and summaries via an external LLM capability.
//
// DESIGN: Both adapters share one retry discipline - three attempts with
// 1s/2s/4s backoff on network errors or structural parse failures - and
// both degrade to a deterministic fallback record instead of raising. The
// wire format is the <c-mem-compress>/<c-mem-summarize> XML schema; parsing
// is permissive (see xml.go) because LLM output drifts.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cmem-sh/cmem/internal/store"
)

const (
	compressMaxTokens = 1024
	maxAttempts       = 3
	retryBackoffBase  = time.Second

	// Tool output is truncated before prompt insertion.
	promptOutputCap = 8 * 1024
)

// CompressInput is one raw tool event.
type CompressInput struct {
	ToolName     string
	ToolInput    json.RawMessage
	ToolResponse string
	Project      string
	PromptNumber int
	UserGoal     string
}

// CompressedObservation is the structured result of compression.
type CompressedObservation struct {
	Type          string   `json:"type"`
	Title         string   `json:"title"`
	Narrative     string   `json:"narrative"`
	Tags          []string `json:"tags,omitempty"`
	Facts         []string `json:"facts,omitempty"`
	FilesRead     []string `json:"files_read,omitempty"`
	FilesModified []string `json:"files_modified,omitempty"`
}

// EncodeLists JSON-encodes the list fields for the observation's compressed
// blob. Never fails for string slices.
func (c *CompressedObservation) EncodeLists() string {
	blob, _ := json.Marshal(map[string][]string{
		"tags":           c.Tags,
		"facts":          c.Facts,
		"files_read":     c.FilesRead,
		"files_modified": c.FilesModified,
	})
	return string(blob)
}

const compressSystemPrompt = `You are a memory compressor for a coding assistant. ` +
	`Given one tool execution, produce a single <memory> element summarizing what ` +
	`happened and why it matters. Respond with exactly one <memory> element containing ` +
	`<type>, <title>, <narrative>, optional <tags><tag>, <facts><fact> and ` +
	`<files><read>/<modified> children. The type must be one of: bugfix, feature, ` +
	`refactor, config, research, error, decision, other.`

// Compressor turns tool events into structured observations.
type Compressor struct {
	llm LLMClient
}

// NewCompressor wraps an LLM capability.
func NewCompressor(llm LLMClient) *Compressor {
	return &Compressor{llm: llm}
}

// buildRequest renders the <c-mem-compress> request element. Tool input and
// output are JSON-serialized when not already strings and XML-escaped.
func (c *Compressor) buildRequest(in CompressInput) string {
	input := string(in.ToolInput)
	output := in.ToolResponse
	if len(output) > promptOutputCap {
		output = output[:promptOutputCap] + "\n[output truncated]"
	}

	var b strings.Builder
	b.WriteString("<c-mem-compress>\n")
	b.WriteString("<instruction>Compress this tool execution into a structured memory.</instruction>\n")
	b.WriteString("<tool_execution>\n")
	fmt.Fprintf(&b, "<tool>%s</tool>\n", escapeXML(in.ToolName))
	fmt.Fprintf(&b, "<input>%s</input>\n", escapeXML(input))
	fmt.Fprintf(&b, "<output>%s</output>\n", escapeXML(output))
	b.WriteString("</tool_execution>\n<session>\n")
	fmt.Fprintf(&b, "<project>%s</project>\n", escapeXML(in.Project))
	fmt.Fprintf(&b, "<prompt_number>%d</prompt_number>\n", in.PromptNumber)
	fmt.Fprintf(&b, "<user_goal>%s</user_goal>\n", escapeXML(in.UserGoal))
	b.WriteString("</session>\n</c-mem-compress>")
	return b.String()
}

// parseMemory extracts the structured observation from the first <memory>
// element. Unknown types coerce to "other"; empty title or narrative is a
// structural failure that triggers a retry.
func parseMemory(response string) (*CompressedObservation, error) {
	body, ok := extractElement(response, "memory")
	if !ok {
		return nil, fmt.Errorf("no <memory> element in response")
	}

	obsType, _ := extractElement(body, "type")
	obsType = strings.ToLower(obsType)
	if !store.ObservationTypes[obsType] {
		obsType = "other"
	}

	title, _ := extractElement(body, "title")
	narrative, _ := extractElement(body, "narrative")
	if title == "" || narrative == "" {
		return nil, fmt.Errorf("memory element missing title or narrative")
	}

	return &CompressedObservation{
		Type:          obsType,
		Title:         title,
		Narrative:     narrative,
		Tags:          extractRepeated(body, "tag"),
		Facts:         extractRepeated(body, "fact"),
		FilesRead:     extractRepeated(body, "read"),
		FilesModified: extractRepeated(body, "modified"),
	}, nil
}

// Compress runs the retry loop and falls back to a raw record after three
// failed attempts. It never returns an error.
func (c *Compressor) Compress(ctx context.Context, in CompressInput) *CompressedObservation {
	request := c.buildRequest(in)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		response, err := c.llm.Complete(ctx, compressSystemPrompt, request, compressMaxTokens)
		if err == nil {
			obs, perr := parseMemory(response)
			if perr == nil {
				return obs
			}
			err = perr
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Str("tool", in.ToolName).Msg("compression attempt failed")
		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				attempt = maxAttempts
			case <-time.After(retryBackoffBase << (attempt - 1)):
			}
		}
	}

	log.Error().Err(lastErr).Str("tool", in.ToolName).Msg("compression failed, storing fallback observation")
	return FallbackObservation(in.ToolName, in.PromptNumber)
}

// FallbackObservation is the deterministic record stored when compression
// is exhausted.
func FallbackObservation(toolName string, promptNumber int) *CompressedObservation {
	return &CompressedObservation{
		Type:      "other",
		Title:     fmt.Sprintf("%s (session prompt #%d)", toolName, promptNumber),
		Narrative: fmt.Sprintf("Raw observation from %s. Compression failed after %d attempts.", toolName, maxAttempts),
	}
}
