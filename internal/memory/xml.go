// Permissive XML helpers for the LLM request/response schemas.
//
// DESIGN: LLM output is not trusted to be well-formed XML, so responses are
// mined with case-insensitive regular expressions: first match wins for
// named elements, a separate extractor collects repeated children. Requests
// are built by hand with full escaping of the five XML metacharacters.
package memory

import (
	"regexp"
	"strings"
	"sync"
)

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

// escapeXML escapes the five XML metacharacters.
func escapeXML(s string) string {
	return xmlEscaper.Replace(s)
}

var (
	elementRes   = map[string]*regexp.Regexp{}
	elementResMu sync.Mutex
)

// elementRe returns a cached case-insensitive matcher for <name>...</name>.
// Element names are compile-time constants, never user input.
func elementRe(name string) *regexp.Regexp {
	elementResMu.Lock()
	defer elementResMu.Unlock()
	re, ok := elementRes[name]
	if !ok {
		re = regexp.MustCompile(`(?is)<` + name + `(?:\s[^>]*)?>(.*?)</` + name + `>`)
		elementRes[name] = re
	}
	return re
}

// extractElement returns the trimmed body of the first <name> element.
func extractElement(body, name string) (string, bool) {
	m := elementRe(name).FindStringSubmatch(body)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// extractRepeated returns the trimmed bodies of every <name> element.
func extractRepeated(body, name string) []string {
	var out []string
	for _, m := range elementRe(name).FindAllStringSubmatch(body, -1) {
		if v := strings.TrimSpace(m[1]); v != "" {
			out = append(out, v)
		}
	}
	return out
}
