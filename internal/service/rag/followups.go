package rag

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fairyhunter13/ai-request-router/internal/domain"
)

// ParseFollowUps extracts follow-up questions from a model response. The
// model is asked for a JSON array; free-text interrogative lines are the
// fallback when it does not comply.
func ParseFollowUps(text string, max int) []domain.FollowUp {
	if max <= 0 {
		max = 2
	}
	if parsed := parseFollowUpJSON(text, max); len(parsed) > 0 {
		return parsed
	}
	return extractQuestions(text, max)
}

func parseFollowUpJSON(text string, max int) []domain.FollowUp {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil
	}
	var items []struct {
		Question  string `json:"question"`
		Reasoning string `json:"reasoning"`
		Priority  int    `json:"priority"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &items); err != nil {
		return nil
	}
	var out []domain.FollowUp
	for _, item := range items {
		if strings.TrimSpace(item.Question) == "" {
			continue
		}
		priority := item.Priority
		if priority <= 0 {
			priority = len(out) + 1
		}
		out = append(out, domain.FollowUp{
			Question:  item.Question,
			Reasoning: item.Reasoning,
			Priority:  priority,
		})
		if len(out) == max {
			break
		}
	}
	return out
}

func extractQuestions(text string, max int) []domain.FollowUp {
	var out []domain.FollowUp
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasSuffix(line, "?") || len(line) <= 10 {
			continue
		}
		question := strings.TrimLeft(line, "0123456789.-*• ")
		out = append(out, domain.FollowUp{
			Question:  question,
			Reasoning: "Extracted from response",
			Priority:  len(out) + 1,
		})
		if len(out) == max {
			break
		}
	}
	return out
}

// DefaultFollowUps is the fallback when follow-up generation fails outright.
func DefaultFollowUps(query string, max int) []domain.FollowUp {
	defaults := []domain.FollowUp{
		{
			Question:  fmt.Sprintf("Can you provide more details about %s?", query),
			Reasoning: "Request for elaboration",
			Priority:  1,
		},
		{
			Question:  "What are the practical implications of this?",
			Reasoning: "Application-focused question",
			Priority:  2,
		},
	}
	if max > 0 && max < len(defaults) {
		defaults = defaults[:max]
	}
	return defaults
}
