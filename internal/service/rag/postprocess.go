package rag

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fairyhunter13/ai-request-router/internal/domain"
	"github.com/fairyhunter13/ai-request-router/pkg/textx"
)

// ExtractCitations resolves answer markers ([1], Document 1) to the retrieved
// documents behind them. When the answer cites nothing explicitly the top
// three documents are returned anyway so the caller always sees provenance.
func ExtractCitations(answer string, window domain.ContextWindow, query string, snippetChars int) []domain.Citation {
	var citations []domain.Citation
	for i, doc := range window.Documents {
		n := i + 1
		if !documentCited(answer, n) {
			continue
		}
		snippet := ExtractSnippet(doc.Content, query, snippetChars)
		citations = append(citations, doc.ToCitation(n, snippet))
	}
	if len(citations) == 0 {
		top := window.Documents
		if len(top) > 3 {
			top = top[:3]
		}
		for i, doc := range top {
			snippet := ExtractSnippet(doc.Content, query, snippetChars)
			citations = append(citations, doc.ToCitation(i+1, snippet))
		}
	}
	return citations
}

func documentCited(answer string, n int) bool {
	return strings.Contains(answer, fmt.Sprintf("[%d]", n)) ||
		strings.Contains(answer, fmt.Sprintf("Document %d", n))
}

// PII patterns redacted on request: emails, phone numbers, and long bare
// digit runs that look like identifiers.
var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`(\+\d{1,3}[\s\-]?)?(\(\d{2,4}\)[\s\-]?)?\d{3,4}[\s\-]\d{3,4}([\s\-]\d{2,4})?`)
	idPattern    = regexp.MustCompile(`\b\d{9,}\b`)
)

const redactedMarker = "[REDACTED]"

// Redact replaces PII patterns with a marker and reports whether anything
// was removed.
func Redact(text string) (string, bool) {
	redacted := false
	for _, p := range []*regexp.Regexp{emailPattern, phonePattern, idPattern} {
		if p.MatchString(text) {
			redacted = true
			text = p.ReplaceAllString(text, redactedMarker)
		}
	}
	return text, redacted
}

// OverlapRatio measures how grounded the answer is in the cited content:
// the fraction of distinct answer terms (4+ chars) that appear in the
// context. 1.0 means fully grounded; short answers with no measurable terms
// count as grounded.
func OverlapRatio(answer, context string) float64 {
	contextWords := map[string]bool{}
	for _, w := range textx.Words(context) {
		contextWords[w] = true
	}
	seen := map[string]bool{}
	total, matched := 0, 0
	for _, w := range textx.Words(answer) {
		if len(w) < 4 || seen[w] {
			continue
		}
		seen[w] = true
		total++
		if contextWords[w] {
			matched++
		}
	}
	if total == 0 {
		return 1.0
	}
	return float64(matched) / float64(total)
}
