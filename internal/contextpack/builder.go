// Package contextpack assembles the token-budgeted markdown block injected
// into a coding assistant's context at session start.
//
// DESIGN: Sections are appended in a fixed order (header, summaries,
// observations, footer) and each is measured against the remaining character
// budget, derived from the token budget at roughly four characters per
// token. Observations pass through the anomaly filter and are ranked by type
// priority before packing. The whole body is wrapped in a single
// <c-mem-context> element so hooks can recognize and skip it, preventing the
// worker from capturing its own output.
package contextpack

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"

	"github.com/cmem-sh/cmem/internal/anomaly"
	"github.com/cmem-sh/cmem/internal/store"
)

const (
	// DefaultMaxTokens is the canonical context budget.
	DefaultMaxTokens = 1800

	// DefaultMaxSessions caps the summaries section.
	DefaultMaxSessions = 5

	// DefaultMaxObservations caps candidates fetched for the observations
	// section.
	DefaultMaxObservations = 40

	// charsPerToken converts the token budget into a character budget.
	charsPerToken = 4
)

// typePriority ranks observation types for packing. Higher packs first;
// within a priority newer observations win.
var typePriority = map[string]int{
	"error":     9,
	"bugfix":    8,
	"decision":  7,
	"discovery": 6,
	"change":    5,
	"feature":   4,
	"refactor":  3,
	"config":    2,
	"research":  1,
	"other":     0,
}

// Result is one assembled context block plus its accounting.
type Result struct {
	Markdown         string
	ObservationCount int
	SummaryCount     int
	TokenEstimate    int
	Truncated        bool
}

// Builder assembles context blocks. Stateless across calls.
type Builder struct {
	store           *store.Store
	MaxTokens       int
	MaxSessions     int
	MaxObservations int
}

// NewBuilder uses the canonical limits; callers override fields as needed.
func NewBuilder(st *store.Store) *Builder {
	return &Builder{
		store:           st,
		MaxTokens:       DefaultMaxTokens,
		MaxSessions:     DefaultMaxSessions,
		MaxObservations: DefaultMaxObservations,
	}
}

// Build assembles the context block for one project. maxTokens <= 0 means
// the builder default.
func (b *Builder) Build(project string, maxTokens int) (*Result, error) {
	if maxTokens <= 0 {
		maxTokens = b.MaxTokens
	}
	budget := maxTokens * charsPerToken

	res := &Result{}
	var body strings.Builder

	header := fmt.Sprintf("# Memory: %s\n\nRecent work on this project, recalled from earlier sessions.\nDo not capture or re-summarize this block.\n", project)
	body.WriteString(header)
	budget -= len(header)

	summaries, err := b.store.ListRecentSummaries(project, b.MaxSessions)
	if err != nil {
		return nil, err
	}
	if len(summaries) > 0 {
		section, fitted := formatSummaries(summaries, budget)
		if fitted < len(summaries) {
			res.Truncated = true
		}
		res.SummaryCount = fitted
		body.WriteString(section)
		budget -= len(section)
	}

	observations, err := b.store.ListObservations(project, b.MaxObservations, 0)
	if err != nil {
		return nil, err
	}
	observations = anomaly.FilterObservations(observations)
	// With summaries present the low-signal catch-all entries add nothing.
	if res.SummaryCount > 0 {
		observations = dropOtherType(observations)
	}
	rankObservations(observations)

	if len(observations) > 0 {
		section, fitted := formatObservations(observations, budget)
		if fitted < len(observations) {
			res.Truncated = true
		}
		res.ObservationCount = fitted
		body.WriteString(section)
		budget -= len(section)
	}

	fmt.Fprintf(&body, "\n_Generated %s_\n", time.Now().UTC().Format("2006-01-02 15:04 UTC"))

	res.Markdown = "<c-mem-context>\n" + body.String() + "</c-mem-context>\n"
	res.TokenEstimate = EstimateTokens(res.Markdown)

	log.Debug().Str("project", project).
		Int("summaries", res.SummaryCount).
		Int("observations", res.ObservationCount).
		Int("token_estimate", res.TokenEstimate).
		Bool("truncated", res.Truncated).
		Msg("context block assembled")
	return res, nil
}

// formatSummaries greedily fits whole summary entries into the budget and
// reports how many fit.
func formatSummaries(summaries []*store.Summary, budget int) (string, int) {
	var b strings.Builder
	b.WriteString("\n## Previous sessions\n\n")
	fitted := 0
	for _, s := range summaries {
		entry := formatSummaryEntry(s)
		if b.Len()+len(entry) > budget {
			break
		}
		b.WriteString(entry)
		fitted++
	}
	if fitted == 0 {
		return "", 0
	}
	return b.String(), fitted
}

func formatSummaryEntry(s *store.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "### %s\n", formatDate(s.CreatedAt))
	writeLabelled(&b, "Request", s.Request)
	writeLabelled(&b, "Done", s.Completed)
	writeLabelled(&b, "Discovered", s.Learned)
	writeLabelled(&b, "Remaining", s.NextSteps)
	writeLabelled(&b, "Notes", s.Investigated)
	b.WriteString("\n")
	return b.String()
}

func writeLabelled(b *strings.Builder, label, value string) {
	value = strings.TrimSpace(value)
	if value == "" || value == "None" {
		return
	}
	fmt.Fprintf(b, "- **%s**: %s\n", label, value)
}

// formatObservations fills whole entries until the budget is exhausted.
func formatObservations(observations []*store.Observation, budget int) (string, int) {
	var b strings.Builder
	b.WriteString("\n## Recent observations\n\n")
	fitted := 0
	for _, obs := range observations {
		entry := formatObservationEntry(obs)
		if b.Len()+len(entry) > budget {
			break
		}
		b.WriteString(entry)
		fitted++
	}
	if fitted == 0 {
		return "", 0
	}
	return b.String(), fitted
}

// formatObservationEntry renders one dated entry: title line, the first
// sentence of the narrative, up to three modified files, up to two facts.
func formatObservationEntry(obs *store.Observation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- **[%s] %s** (%s)\n", obs.Type, obs.Title, formatDate(obs.CreatedAt))
	if sentence := firstSentence(obs.Narrative); sentence != "" {
		fmt.Fprintf(&b, "  %s\n", sentence)
	}
	lists := decodeLists(obs.Compressed)
	for _, f := range capList(lists["files_modified"], 3) {
		fmt.Fprintf(&b, "  - modified %s\n", f)
	}
	for _, f := range capList(lists["facts"], 2) {
		fmt.Fprintf(&b, "  - %s\n", f)
	}
	return b.String()
}

// rankObservations sorts by descending type priority, newer-first within a
// priority.
func rankObservations(observations []*store.Observation) {
	sort.SliceStable(observations, func(i, j int) bool {
		pi, pj := typePriority[observations[i].Type], typePriority[observations[j].Type]
		if pi != pj {
			return pi > pj
		}
		return observations[i].CreatedAt > observations[j].CreatedAt
	})
}

func dropOtherType(observations []*store.Observation) []*store.Observation {
	kept := observations[:0]
	for _, obs := range observations {
		if obs.Type != "other" {
			kept = append(kept, obs)
		}
	}
	return kept
}

// firstSentence returns the narrative up to the first sentence terminator,
// capped at 200 characters.
func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexAny(s, ".!?"); idx >= 0 && idx < len(s)-1 {
		s = s[:idx+1]
	}
	if len(s) > 200 {
		s = s[:200] + "…"
	}
	return s
}

// decodeLists parses the JSON-encoded list fields from the compressed blob.
// A non-JSON blob (legacy or passthrough rows) yields empty lists.
func decodeLists(compressed string) map[string][]string {
	lists := map[string][]string{}
	if err := json.Unmarshal([]byte(compressed), &lists); err != nil {
		return map[string][]string{}
	}
	return lists
}

func capList(xs []string, n int) []string {
	if len(xs) > n {
		return xs[:n]
	}
	return xs
}

func formatDate(epoch int64) string {
	return time.Unix(epoch, 0).UTC().Format("2006-01-02")
}

var (
	encoderOnce sync.Once
	encoder     *tiktoken.Tiktoken
)

// EstimateTokens counts tokens with the cl100k_base encoding, falling back
// to len/4 when the encoding cannot be loaded (offline environments).
func EstimateTokens(s string) int {
	encoderOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Warn().Err(err).Msg("tiktoken encoding unavailable, using character estimate")
			return
		}
		encoder = enc
	})
	if encoder == nil {
		return len(s) / charsPerToken
	}
	return len(encoder.Encode(s, nil, nil))
}
