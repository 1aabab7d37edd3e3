// Package scrub redacts secrets and privacy markup from text and JSON
// payloads before anything reaches the database.
//
// DESIGN: Pattern order matters - more specific patterns run before generic
// ones so that an AWS key is recorded as an AWS key redaction rather than
// being half-eaten by the generic assignment pattern. The marker string must
// never itself match any pattern, otherwise scrubbing would not be
// idempotent.
package scrub

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/text/unicode/norm"
)

const (
	// Marker replaces every secret match. Deliberately contains no
	// characters that any secret pattern could re-match.
	Marker = "[REDACTED]"

	// TruncationMarker is appended when EnforceByteLimit cuts a string.
	TruncationMarker = "\n[truncated]"

	// MaxObservationBytes caps scrubbed tool output stored per observation.
	MaxObservationBytes = 50 * 1024

	// maxReplacements bounds per-pattern replacements on a single input.
	maxReplacements = 100

	// maxStripIterations bounds privacy-markup stripping on nested input.
	maxStripIterations = 10
)

// secretPattern pairs a compiled regexp with its replacement template.
type secretPattern struct {
	name    string
	re      *regexp.Regexp
	replace string
}

// Ordered: specific providers first, generic assignments last.
var secretPatterns = []secretPattern{
	{"aws-access-key-id", regexp.MustCompile(`\b(?:AKIA|ASIA|AROA|AIDA)[A-Z0-9]{16}\b`), Marker},
	{"aws-secret-key", regexp.MustCompile(`(?i)\baws_?secret_?(?:access_?)?key\b['"]?\s*[:=]\s*['"]?[A-Za-z0-9/+=]{20,}['"]?`), "aws_secret_access_key=" + Marker},
	{"anthropic-key", regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_-]{8,}\b`), Marker},
	{"generic-sk-token", regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}\b`), Marker},
	{"bearer-header", regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9._~+/=-]{8,}`), "Bearer " + Marker},
	{"jwt", regexp.MustCompile(`\b[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`), Marker},
	{"url-credentials", regexp.MustCompile(`(\w+://)[^/\s:@]+:[^/\s@]+@`), "${1}" + Marker + "@"},
	{"assignment", regexp.MustCompile(`(?i)\b(password|passwd|secret|api_key|apikey|token)\b(['"]?\s*[:=]\s*)['"]?[^\s'",;]{6,}['"]?`), "${1}${2}" + Marker},
	{"env-assignment", regexp.MustCompile(`(?m)^([A-Z][A-Z0-9_]{2,})=(\S{16,})$`), "${1}=" + Marker},
}

var (
	privateBlockRe = regexp.MustCompile(`(?is)<private>.*?</private>`)
	contextBlockRe = regexp.MustCompile(`(?is)<c-mem-context>.*?</c-mem-context>`)
	controlTagRe   = regexp.MustCompile(`(?i)</?c-mem-(compress|summarize|context)`)
	base64RunRe    = regexp.MustCompile(`[A-Za-z0-9+/]{200,}={0,2}`)
)

// String replaces every secret match with the opaque marker.
// Replacement count per pattern is bounded to keep pathological inputs cheap.
func String(s string) string {
	if s == "" {
		return s
	}
	for _, p := range secretPatterns {
		count := 0
		s = p.re.ReplaceAllStringFunc(s, func(m string) string {
			count++
			if count > maxReplacements {
				return m
			}
			return p.re.ReplaceAllString(m, p.replace)
		})
	}
	return s
}

// JSON deep-copies a JSON document, scrubbing every string value.
// Non-string primitives pass through untouched. Invalid JSON is scrubbed as
// plain text.
func JSON(raw string) string {
	if !gjson.Valid(raw) {
		return String(raw)
	}
	out := raw
	walkStrings(gjson.Parse(raw), "", &out)
	return out
}

// walkStrings visits every value, rewriting scrubbed string leaves in place.
func walkStrings(v gjson.Result, path string, out *string) {
	switch {
	case v.IsObject(), v.IsArray():
		v.ForEach(func(key, val gjson.Result) bool {
			child := escapePathKey(key)
			if path != "" {
				child = path + "." + child
			}
			walkStrings(val, child, out)
			return true
		})
	case v.Type == gjson.String:
		clean := String(v.String())
		if clean == v.String() {
			return
		}
		if path == "" {
			// Top-level bare string document.
			*out = `"` + clean + `"`
			return
		}
		if updated, err := sjson.Set(*out, path, clean); err == nil {
			*out = updated
		}
	}
}

// escapePathKey escapes gjson/sjson path metacharacters in object keys.
func escapePathKey(key gjson.Result) string {
	k := key.String()
	if key.Type != gjson.String {
		return k // array index
	}
	r := strings.NewReplacer(`\`, `\\`, `.`, `\.`, `*`, `\*`, `?`, `\?`, `|`, `\|`, `#`, `\#`, `@`, `\@`)
	return r.Replace(k)
}

// StripPrivacyMarkup removes <private> and <c-mem-context> blocks,
// case-insensitively, iterating a bounded number of times so nested or
// interleaved tags cannot loop forever.
func StripPrivacyMarkup(s string) string {
	for i := 0; i < maxStripIterations; i++ {
		next := privateBlockRe.ReplaceAllString(s, "")
		next = contextBlockRe.ReplaceAllString(next, "")
		if next == s {
			return next
		}
		s = next
	}
	return s
}

// IsFullyPrivate reports whether s contained at least one privacy block and
// nothing but whitespace remains after stripping.
func IsFullyPrivate(s string) bool {
	hadBlock := privateBlockRe.MatchString(s) || contextBlockRe.MatchString(s)
	if !hadBlock {
		return false
	}
	return strings.TrimSpace(StripPrivacyMarkup(s)) == ""
}

// EnforceByteLimit truncates s on a code-point boundary when its UTF-8 byte
// length exceeds limit, appending the truncation marker.
func EnforceByteLimit(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + TruncationMarker
}

// Validate rejects raw inputs that carry cmem control tags, opening or
// closing, which would let stored content smuggle instructions into later
// LLM prompts or escape the context wrapper. Input is NFKC-normalized before
// scanning so full-width lookalikes cannot slip through. Long base64 runs
// are logged but allowed.
func Validate(s string) error {
	normalized := norm.NFKC.String(s)
	if loc := controlTagRe.FindString(normalized); loc != "" {
		return fmt.Errorf("contains control tags: %s", loc)
	}
	if base64RunRe.MatchString(normalized) {
		log.Warn().Int("bytes", len(s)).Msg("content contains long base64 run")
	}
	return nil
}
