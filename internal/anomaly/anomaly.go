// Package anomaly screens stored observations before they are injected into
// a new session's context.
//
// DESIGN: Checks run in a fixed order - structural type, empty content,
// prompt injection, size, HMAC presence. Injection scanning stops at the
// first matching pattern; one block flag is enough to exclude the row from
// context assembly. Flags never delete data: blocked rows stay in the store
// and remain visible through the raw API.
package anomaly

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/cmem-sh/cmem/internal/store"
)

// Severities.
const (
	SeverityWarn  = "warn"
	SeverityBlock = "block"
)

// Flag kinds.
const (
	KindType      = "structural/type"
	KindContent   = "structural/content"
	KindInjection = "prompt-injection"
	KindSize      = "size"
	KindHMAC      = "hmac"
)

const (
	sizeBlockBytes = 50 * 1024
	sizeWarnBytes  = 8 * 1024
)

// Flag describes one finding on an observation.
type Flag struct {
	Kind     string `json:"kind"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
}

// Result is the outcome of DetectAnomalies.
type Result struct {
	Clean bool   `json:"clean"`
	Flags []Flag `json:"flags"`
}

// allowedTypes extends the store vocabulary with the two mapped kinds that
// older compressor prompts emitted.
var allowedTypes = func() map[string]bool {
	m := map[string]bool{"discovery": true, "change": true}
	for t := range store.ObservationTypes {
		m[t] = true
	}
	return m
}()

// injectionPatterns is a bounded, case-insensitive pattern set. Order is
// roughly most common first; scanning stops at the first hit.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore (all )?(previous|prior|above|earlier) (instructions|context|prompt)`),
	regexp.MustCompile(`(?i)you are now (a|an|the) `),
	regexp.MustCompile(`(?i)new (system )?(prompt|instructions|context|rules):`),
	regexp.MustCompile(`(?i)\[(system|assistant|human|INST)\]`),
	regexp.MustCompile(`(?i)<\|(system|assistant|user|im_start)\|>`),
	regexp.MustCompile(`(?i)IMPORTANT: you (must|always|never|ignore)`),
	regexp.MustCompile(`(?i)disregard (all )?(previous|prior) `),
	regexp.MustCompile(`(?i)jailbreak`),
	regexp.MustCompile(`(?i)\bDAN mode\b`),
	regexp.MustCompile(`(?i)pretend you are (not an AI|a human)`),
}

// DetectAnomalies runs all checks against one observation.
func DetectAnomalies(obs *store.Observation) Result {
	var flags []Flag

	if !allowedTypes[obs.Type] {
		flags = append(flags, Flag{
			Kind:     KindType,
			Severity: SeverityBlock,
			Detail:   fmt.Sprintf("unknown observation type %q", obs.Type),
		})
	}

	if strings.TrimSpace(obs.Narrative) == "" && strings.TrimSpace(obs.Compressed) == "" {
		flags = append(flags, Flag{
			Kind:     KindContent,
			Severity: SeverityWarn,
			Detail:   "both narrative and compressed are empty",
		})
	}

	scanned := obs.Title + "\n" + obs.Narrative + "\n" + obs.Compressed
	for _, re := range injectionPatterns {
		if m := re.FindString(scanned); m != "" {
			flags = append(flags, Flag{
				Kind:     KindInjection,
				Severity: SeverityBlock,
				Detail:   fmt.Sprintf("matched %q", m),
			})
			break
		}
	}

	size := len(obs.Narrative) + len(obs.Compressed)
	switch {
	case size > sizeBlockBytes:
		flags = append(flags, Flag{
			Kind:     KindSize,
			Severity: SeverityBlock,
			Detail:   fmt.Sprintf("content is %d bytes", size),
		})
	case size > sizeWarnBytes:
		flags = append(flags, Flag{
			Kind:     KindSize,
			Severity: SeverityWarn,
			Detail:   fmt.Sprintf("content is %d bytes", size),
		})
	}

	if obs.HMAC == "" {
		flags = append(flags, Flag{
			Kind:     KindHMAC,
			Severity: SeverityWarn,
			Detail:   "observation has no HMAC",
		})
	}

	clean := true
	for _, f := range flags {
		if f.Severity == SeverityBlock {
			clean = false
			break
		}
	}
	return Result{Clean: clean, Flags: flags}
}

// FilterObservations returns the subset with no block flags, logging every
// flag raised along the way.
func FilterObservations(xs []*store.Observation) []*store.Observation {
	out := make([]*store.Observation, 0, len(xs))
	for _, obs := range xs {
		res := DetectAnomalies(obs)
		for _, f := range res.Flags {
			log.Warn().
				Int64("observation_id", obs.ID).
				Str("kind", f.Kind).
				Str("severity", f.Severity).
				Str("detail", f.Detail).
				Msg("observation anomaly")
		}
		if res.Clean {
			out = append(out, obs)
		}
	}
	return out
}
