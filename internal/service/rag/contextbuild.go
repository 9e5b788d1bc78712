package rag

import (
	"fmt"
	"strings"

	"github.com/fairyhunter13/ai-request-router/internal/adapter/ai/tokencount"
	"github.com/fairyhunter13/ai-request-router/internal/domain"
)

var docSeparator = "\n\n" + strings.Repeat("=", 50) + "\n\n"

const truncationMarker = "\n[... content truncated ...]\n"

// historyTurns bounds how much conversation history rides into the prompt.
const historyTurns = 5

// ContextBuilder assembles the token-bounded context block from ranked
// documents.
type ContextBuilder struct {
	maxTokens       int
	charsPerToken   float64
	includeMetadata bool
	estimator       tokencount.Estimator
}

// NewContextBuilder builds a context builder. estimator may be nil; the
// chars-per-token heuristic is then used.
func NewContextBuilder(maxTokens int, charsPerToken float64, includeMetadata bool, estimator tokencount.Estimator) *ContextBuilder {
	if maxTokens <= 0 {
		maxTokens = 3000
	}
	if charsPerToken <= 0 {
		charsPerToken = 4.0
	}
	if estimator == nil {
		estimator = tokencount.CharsEstimator{CharsPerToken: charsPerToken}
	}
	return &ContextBuilder{
		maxTokens:       maxTokens,
		charsPerToken:   charsPerToken,
		includeMetadata: includeMetadata,
		estimator:       estimator,
	}
}

// Build packs documents into the window in rank order until the token budget
// is hit. When even the first document does not fit it is truncated and the
// window is flagged.
func (b *ContextBuilder) Build(docs []domain.RetrievedDocument, maxTokens int) domain.ContextWindow {
	if maxTokens <= 0 {
		maxTokens = b.maxTokens
	}
	window := domain.ContextWindow{}
	var parts []string
	tokens := 0

	for i, doc := range docs {
		text := b.formatDocument(doc, i+1)
		cost := b.estimator.Tokens(text)
		if tokens+cost > maxTokens {
			if len(parts) == 0 {
				parts = append(parts, b.truncate(text, maxTokens))
				window.Documents = append(window.Documents, doc)
				tokens = maxTokens
				window.Truncated = true
			}
			break
		}
		parts = append(parts, text)
		window.Documents = append(window.Documents, doc)
		tokens += cost
	}

	window.Formatted = strings.Join(parts, docSeparator)
	window.TokenCount = tokens
	return window
}

func (b *ContextBuilder) formatDocument(doc domain.RetrievedDocument, number int) string {
	parts := []string{fmt.Sprintf("[Document %d]", number)}
	if b.includeMetadata {
		meta := []string{
			"Title: " + doc.Title,
			"Source: " + doc.Source,
		}
		if doc.URL != "" {
			meta = append(meta, "URL: "+doc.URL)
		}
		if date, ok := doc.Metadata["date"].(string); ok && date != "" {
			meta = append(meta, "Date: "+date)
		}
		if section, ok := doc.Metadata["section"].(string); ok && section != "" {
			meta = append(meta, "Section: "+section)
		}
		meta = append(meta, fmt.Sprintf("Relevance Score: %.3f", doc.Score))
		parts = append(parts, strings.Join(meta, "\n"), "")
	}
	parts = append(parts, doc.Content)
	return strings.Join(parts, "\n")
}

func (b *ContextBuilder) truncate(text string, maxTokens int) string {
	maxChars := int(float64(maxTokens) * b.charsPerToken)
	if len(text) <= maxChars {
		return text
	}
	cut := maxChars - len(truncationMarker)
	if cut < 0 {
		cut = 0
	}
	return text[:cut] + truncationMarker
}

// FormatHistory renders the last turns of conversation history as
// "Role: content" blocks for the conversational template.
func FormatHistory(history []domain.ChatTurn) string {
	if len(history) == 0 {
		return ""
	}
	if len(history) > historyTurns {
		history = history[len(history)-historyTurns:]
	}
	parts := make([]string, len(history))
	for i, turn := range history {
		role := turn.Role
		if role == "" {
			role = "user"
		}
		parts[i] = capitalize(role) + ": " + turn.Content
	}
	return strings.Join(parts, "\n\n")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// ExtractSnippet finds the window of content that matches the most query
// terms and clips it with ellipses.
func ExtractSnippet(content, query string, snippetChars int) string {
	if snippetChars <= 0 {
		snippetChars = 200
	}
	if len(content) <= snippetChars {
		return content
	}

	contentLower := strings.ToLower(content)
	queryWords := strings.Fields(strings.ToLower(query))

	best, bestMatches := 0, -1
	for i := 0; i < len(content)-snippetChars; i += 50 {
		segment := contentLower[i : i+snippetChars]
		matches := 0
		for _, w := range queryWords {
			if strings.Contains(segment, w) {
				matches++
			}
		}
		if matches > bestMatches {
			bestMatches = matches
			best = i
		}
	}

	end := best + snippetChars
	if end > len(content) {
		end = len(content)
	}
	snippet := content[best:end]
	if best > 0 {
		snippet = "..." + snippet
	}
	if end < len(content) {
		snippet += "..."
	}
	return snippet
}
