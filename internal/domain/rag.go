// Package domain defines the entities and ports shared across the router.
package domain

import "time"

// RAGMode selects the prompt template family for a RAG request.
type RAGMode string

const (
	RAGModeStandard       RAGMode = "standard"
	RAGModeLegalAnalysis  RAGMode = "legal_analysis"
	RAGModeConversational RAGMode = "conversational"
	RAGModeSummarization  RAGMode = "summarization"
	RAGModeComparison     RAGMode = "comparison"
)

// ValidRAGMode reports whether m names a known mode.
func ValidRAGMode(m RAGMode) bool {
	switch m {
	case RAGModeStandard, RAGModeLegalAnalysis, RAGModeConversational,
		RAGModeSummarization, RAGModeComparison:
		return true
	}
	return false
}

// Strictness controls how aggressively the model is instructed to stay
// grounded in retrieved snippets.
type Strictness string

const (
	StrictnessStrict   Strictness = "strict"
	StrictnessBalanced Strictness = "balanced"
	StrictnessCreative Strictness = "creative"
)

// ChatTurn is one entry of conversation history.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RAGRequest is the input to the RAG orchestrator.
type RAGRequest struct {
	Query    string `json:"query"`
	TenantID string `json:"tenant_id"`

	TopK          int            `json:"top_k,omitempty"`
	MinSimilarity float64        `json:"min_similarity,omitempty"`
	Filters       map[string]any `json:"filters,omitempty"`

	Mode          RAGMode    `json:"mode,omitempty"`
	Template      string     `json:"template,omitempty"` // explicit template override
	CitationStyle string     `json:"citation_style,omitempty"`
	ResponseStyle string     `json:"response_style,omitempty"`
	Strictness    Strictness `json:"strictness,omitempty"`

	FollowUpCount    int     `json:"follow_up_count,omitempty"`
	MaxContextTokens int     `json:"max_context_tokens,omitempty"`
	SnippetChars     int     `json:"snippet_chars,omitempty"`
	Temperature      float64 `json:"temperature,omitempty"`
	MaxTokens        int     `json:"max_tokens,omitempty"`

	DryRun bool `json:"dry_run,omitempty"`
	Redact bool `json:"redact,omitempty"`

	ConversationHistory []ChatTurn `json:"conversation_history,omitempty"`

	IdempotencyKey string `json:"idempotency_key,omitempty"`
	RequestID      string `json:"request_id,omitempty"`
}

// Citation resolves one answer marker to its retrieved document.
type Citation struct {
	ID         int     `json:"id"`
	DocID      string  `json:"doc_id"`
	Title      string  `json:"title"`
	Source     string  `json:"source"`
	URL        string  `json:"url,omitempty"`
	Snippet    string  `json:"snippet"`
	Similarity float64 `json:"similarity"`
	RankScore  float64 `json:"rank_score"`
	Page       *int    `json:"page,omitempty"`
	Section    string  `json:"section,omitempty"`
}

// FollowUp is a suggested continuation question.
type FollowUp struct {
	Question  string `json:"question"`
	Reasoning string `json:"reasoning,omitempty"`
	Priority  int    `json:"priority"`
}

// RetrievedDocument is one candidate from vector search, post ranking.
type RetrievedDocument struct {
	DocID     string         `json:"doc_id"`
	Title     string         `json:"title"`
	Source    string         `json:"source"`
	URL       string         `json:"url,omitempty"`
	Content   string         `json:"content"`
	Score     float64        `json:"score"`
	RankScore float64        `json:"rank_score"`
	Rank      int            `json:"rank"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ToCitation projects the document into a citation with the given snippet.
func (d RetrievedDocument) ToCitation(id int, snippet string) Citation {
	c := Citation{
		ID:         id,
		DocID:      d.DocID,
		Title:      d.Title,
		Source:     d.Source,
		URL:        d.URL,
		Snippet:    snippet,
		Similarity: d.Score,
		RankScore:  d.RankScore,
	}
	if d.Metadata != nil {
		if p, ok := d.Metadata["page_number"].(float64); ok {
			page := int(p)
			c.Page = &page
		}
		if s, ok := d.Metadata["section"].(string); ok {
			c.Section = s
		}
	}
	return c
}

// ContextWindow is the token-bounded block assembled from retrieved documents.
type ContextWindow struct {
	Documents  []RetrievedDocument `json:"documents"`
	Formatted  string              `json:"formatted"`
	TokenCount int                 `json:"token_count"`
	Truncated  bool                `json:"truncated"`
}

// Provenance is the auditable record of how a RAG result was produced.
type Provenance struct {
	Model            string           `json:"model"`
	Collection       string           `json:"collection,omitempty"`
	RetrievalCount   int              `json:"retrieval_count"`
	ContextTokens    int              `json:"context_tokens"`
	GenerationTokens int              `json:"generation_tokens"`
	CostUSD          float64          `json:"cost_usd"`
	RetrievalMs      int64            `json:"retrieval_ms"`
	GenerationMs     int64            `json:"generation_ms"`
	TotalMs          int64            `json:"total_ms"`
	StageTimingsMs   map[string]int64 `json:"stage_timings_ms,omitempty"`
}

// DryRunInfo is returned instead of an answer when DryRun is set: the
// assembled prompt plus the snippets that would have been sent.
type DryRunInfo struct {
	SystemPrompt string   `json:"system_prompt"`
	UserPrompt   string   `json:"user_prompt"`
	Snippets     []string `json:"snippets"`
}

// RAGResult is the output of the RAG orchestrator.
type RAGResult struct {
	Answer     string     `json:"answer"`
	Citations  []Citation `json:"citations"`
	FollowUps  []FollowUp `json:"follow_up_questions"`
	Confidence float64    `json:"confidence"`
	Provenance Provenance `json:"provenance"`

	HallucinationWarning bool `json:"hallucination_warning"`
	Redacted             bool `json:"redacted"`
	CacheHit             bool `json:"cache_hit"`
	NeedsVerification    bool `json:"needs_verification"`

	DryRun *DryRunInfo `json:"dry_run,omitempty"`

	RequestID string    `json:"request_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
