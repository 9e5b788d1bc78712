// Package rag implements the retrieval-augmented generation orchestrator:
// sanitize, cache, retrieve, rank, build context, template, infer,
// post-process, follow-ups, assemble.
package rag

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/fairyhunter13/ai-request-router/internal/domain"
	"github.com/fairyhunter13/ai-request-router/pkg/textx"
)

// injectionPatterns are neutralized in place: a match is replaced with
// [FILTERED] and recorded as a warning.
var injectionPatterns = compileAll(
	`ignore\s+(all\s+)?previous\s+instructions`,
	`disregard\s+(all\s+)?previous`,
	`forget\s+(all\s+)?previous`,
	`system\s*:\s*you\s+are`,
	`<\s*system\s*>`,
	`</\s*system\s*>`,
	`{{.*?}}`,
	`\[INST\]|\[/INST\]`,
	`<\|.*?\|>`,
	`###\s*System`,
	`###\s*Human`,
	`###\s*Assistant`,
	`BEGIN\s+SYSTEM\s+PROMPT`,
	`END\s+SYSTEM\s+PROMPT`,
)

// suspiciousPatterns are logged but left in the query.
var suspiciousPatterns = compileAll(
	`(execute|run)\s+(command|code|script)`,
	`eval\s*\(`,
	`exec\s*\(`,
	`__import__`,
	`subprocess`,
	`os\.system`,
)

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`(?im)` + p)
	}
	return out
}

const (
	// filteredMarker replaces neutralized injection matches.
	filteredMarker = "[FILTERED]"
	minQueryChars  = 3
)

// Sanitizer normalizes queries and neutralizes prompt-injection attempts.
type Sanitizer struct {
	maxChars int
}

// NewSanitizer bounds query length at maxChars (default 10000).
func NewSanitizer(maxChars int) *Sanitizer {
	if maxChars <= 0 {
		maxChars = 10000
	}
	return &Sanitizer{maxChars: maxChars}
}

// SanitizeOutcome is the result of one sanitization pass.
type SanitizeOutcome struct {
	Query              string
	Warnings           []string
	InjectionFiltered  bool
	SuspiciousDetected bool
	Truncated          bool
}

// Sanitize validates, normalizes, and neutralizes a raw query. The returned
// error is an invalid_parameter tag for queries outside the length bounds.
func (s *Sanitizer) Sanitize(query string) (SanitizeOutcome, error) {
	out := SanitizeOutcome{}

	if len(query) > s.maxChars {
		out.Warnings = append(out.Warnings,
			fmt.Sprintf("query truncated from %d to %d chars", len(query), s.maxChars))
		out.Truncated = true
		query = textx.TruncateRunes(query, s.maxChars)
	}

	for _, p := range injectionPatterns {
		if p.MatchString(query) {
			out.InjectionFiltered = true
			out.Warnings = append(out.Warnings, "prompt injection pattern neutralized: "+clipPattern(p))
			query = p.ReplaceAllString(query, filteredMarker)
		}
	}
	for _, p := range suspiciousPatterns {
		if p.MatchString(query) {
			out.SuspiciousDetected = true
			out.Warnings = append(out.Warnings, "suspicious pattern detected: "+clipPattern(p))
		}
	}

	query = textx.CollapseWhitespace(textx.StripNonPrintable(query))
	out.Query = query

	if len(query) < minQueryChars {
		return out, domain.Ef(domain.CodeInvalidParameter,
			"query too short (minimum %d characters)", minQueryChars)
	}
	return out, nil
}

func clipPattern(p *regexp.Regexp) string {
	s := p.String()
	if len(s) > 50 {
		s = s[:50]
	}
	return s
}

// cacheKeyFields is marshaled in declaration order, which makes the JSON
// canonical for hashing.
type cacheKeyFields struct {
	Tenant        string `json:"tenant"`
	Query         string `json:"query"`
	Template      string `json:"template"`
	TopK          int    `json:"top_k"`
	CitationStyle string `json:"citation_style"`
	ResponseStyle string `json:"response_style"`
}

// CacheKey derives the idempotent cache key for a sanitized query:
// "query:" plus the first 16 hex chars of SHA-256 over the canonical JSON of
// the identity fields.
func CacheKey(tenant, query, template string, topK int, citationStyle, responseStyle string) string {
	b, _ := json.Marshal(cacheKeyFields{
		Tenant:        tenant,
		Query:         query,
		Template:      template,
		TopK:          topK,
		CitationStyle: citationStyle,
		ResponseStyle: responseStyle,
	})
	sum := sha256.Sum256(b)
	return "query:" + hex.EncodeToString(sum[:])[:16]
}
