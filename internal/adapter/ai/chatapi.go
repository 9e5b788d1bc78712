package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/fairyhunter13/ai-request-router/internal/adapter/ai/tokencount"
	"github.com/fairyhunter13/ai-request-router/internal/adapter/observability"
	"github.com/fairyhunter13/ai-request-router/internal/domain"
)

// ChatClient speaks the OpenAI-compatible API shared by the hosted chat
// providers. Every client serves inference; embeddings are served only when
// an embedding model is configured.
type ChatClient struct {
	name       string
	baseURL    string
	apiKey     string
	model      string
	embedModel string
	hc         *http.Client
	counter    *tokencount.Counter
	log        *slog.Logger
}

var _ domain.Provider = (*ChatClient)(nil)

// Option adjusts a ChatClient beyond the required constructor arguments.
type Option func(*ChatClient)

// WithEmbeddings enables the embeddings endpoint under the given model.
func WithEmbeddings(model string) Option {
	return func(c *ChatClient) { c.embedModel = model }
}

// WithHTTPClient swaps the underlying HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *ChatClient) { c.hc = hc }
}

// NewChatClient builds a client for one provider endpoint.
func NewChatClient(name, baseURL, apiKey, model string, timeout time.Duration, log *slog.Logger, opts ...Option) *ChatClient {
	c := &ChatClient{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		hc:      NewHTTPClient(timeout),
		counter: tokencount.NewCounter(),
		log:     log,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Name identifies the provider in the routing chain.
func (c *ChatClient) Name() string { return c.name }

// Supports reports which router operations this client can serve.
func (c *ChatClient) Supports(op string) bool {
	if op == "embed" {
		return c.embedModel != ""
	}
	return true
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage apiUsage `json:"usage"`
}

type apiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Model string   `json:"model"`
	Usage apiUsage `json:"usage"`
}

// Inference sends a chat completion. A non-empty context rides along as the
// system message.
func (c *ChatClient) Inference(ctx domain.Context, in domain.InferenceInput) (*domain.InferenceOutput, error) {
	msgs := make([]chatMessage, 0, 2)
	if in.Context != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: in.Context})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: in.Query})

	req := chatRequest{
		Model:       c.model,
		Messages:    msgs,
		MaxTokens:   in.MaxTokens,
		Temperature: in.Temperature,
	}
	var resp chatResponse
	if err := c.post(ctx, "inference", "/chat/completions", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s inference: response carried no choices", c.name)
	}
	choice := resp.Choices[0]
	answer := strings.TrimSpace(choice.Message.Content)

	model := resp.Model
	if model == "" {
		model = c.model
	}
	tokens := resp.Usage.TotalTokens
	if tokens <= 0 {
		tokens = c.counter.Estimate(c.model, in.Query, in.Context, answer)
	}
	return &domain.InferenceOutput{
		Answer:     answer,
		Model:      model,
		TokensUsed: tokens,
		Confidence: confidenceFor(choice.FinishReason),
	}, nil
}

// Embed returns one vector per input text, in input order.
func (c *ChatClient) Embed(ctx domain.Context, texts []string) (*domain.EmbedOutput, error) {
	if c.embedModel == "" {
		return nil, fmt.Errorf("%s embed: no embedding model configured", c.name)
	}
	req := embeddingsRequest{Model: c.embedModel, Input: texts}
	var resp embeddingsResponse
	if err := c.post(ctx, "embed", "/embeddings", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%s embed: got %d vectors for %d inputs", c.name, len(resp.Data), len(texts))
	}
	sort.Slice(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })
	vectors := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vectors[i] = d.Embedding
	}
	out := &domain.EmbedOutput{Vectors: vectors, Model: c.embedModel}
	if len(vectors) > 0 {
		out.Dimension = len(vectors[0])
	}
	return out, nil
}

// HealthCheck probes the models listing, the cheapest authenticated endpoint
// the OpenAI-compatible surface offers.
func (c *ChatClient) HealthCheck(ctx domain.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("%s health: %w", c.name, err)
	}
	c.auth(req)
	resp, err := c.hc.Do(req)
	if err != nil {
		return TransportError(c.name, "health", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return StatusError(c.name, "health", resp.StatusCode, body)
	}
	return nil
}

func (c *ChatClient) post(ctx context.Context, op, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s %s: marshal request: %w", c.name, op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s %s: build request: %w", c.name, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)
	if rid := observability.RequestIDFromContext(ctx); rid != "" {
		req.Header.Set("X-Request-ID", rid)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return TransportError(c.name, op, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read response: %w", c.name, op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Warn("provider returned non-2xx",
			slog.String("provider", c.name),
			slog.String("operation", op),
			slog.Int("status", resp.StatusCode))
		return StatusError(c.name, op, resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", c.name, op, err)
	}
	return nil
}

func (c *ChatClient) auth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// confidenceFor derives a coarse confidence from how generation ended. A
// clean stop is trustworthy, running out of budget less so.
func confidenceFor(reason string) float64 {
	switch reason {
	case "stop":
		return 0.9
	case "length":
		return 0.6
	default:
		return 0.4
	}
}
