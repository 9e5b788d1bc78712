package ai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fairyhunter13/ai-request-router/internal/adapter/observability"
	"github.com/fairyhunter13/ai-request-router/internal/domain"
)

// EncoderClient talks to a self-hosted embedding encoder (the InLegalBERT
// sidecar). It serves embeddings only; the router skips it for inference via
// Supports.
type EncoderClient struct {
	name    string
	baseURL string
	apiKey  string
	model   string
	hc      *http.Client
	log     *slog.Logger
}

var _ domain.Provider = (*EncoderClient)(nil)

// EncoderOption adjusts an EncoderClient beyond the required constructor
// arguments.
type EncoderOption func(*EncoderClient)

// WithEncoderHTTPClient swaps the underlying HTTP client, mainly for tests.
func WithEncoderHTTPClient(hc *http.Client) EncoderOption {
	return func(c *EncoderClient) { c.hc = hc }
}

// NewEncoderClient builds a client for one encoder endpoint.
func NewEncoderClient(name, baseURL, apiKey, model string, timeout time.Duration, log *slog.Logger, opts ...EncoderOption) *EncoderClient {
	c := &EncoderClient{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		hc:      NewHTTPClient(timeout),
		log:     log,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Name identifies the provider in the routing chain.
func (c *EncoderClient) Name() string { return c.name }

// Supports reports which router operations this client can serve.
func (c *EncoderClient) Supports(op string) bool { return op == "embed" }

type encodeRequest struct {
	Inputs  []string       `json:"inputs"`
	Options map[string]any `json:"options,omitempty"`
}

type encodeResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Model      string      `json:"model"`
}

// Inference is not served by an encoder; the router never routes inference
// here, but a direct caller still gets a clean terminal error.
func (c *EncoderClient) Inference(ctx domain.Context, in domain.InferenceInput) (*domain.InferenceOutput, error) {
	return nil, fmt.Errorf("%s inference: encoder serves embeddings only", c.name)
}

// Embed returns one vector per input text, in input order. The encoder
// answers either a bare JSON matrix or an object with an embeddings field;
// both shapes are accepted.
func (c *EncoderClient) Embed(ctx domain.Context, texts []string) (*domain.EmbedOutput, error) {
	body, err := json.Marshal(encodeRequest{
		Inputs:  texts,
		Options: map[string]any{"wait_for_model": true},
	})
	if err != nil {
		return nil, fmt.Errorf("%s embed: marshal request: %w", c.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s embed: build request: %w", c.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)
	if rid := observability.RequestIDFromContext(ctx); rid != "" {
		req.Header.Set("X-Request-ID", rid)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, TransportError(c.name, "embed", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s embed: read response: %w", c.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Warn("encoder returned non-2xx",
			slog.String("provider", c.name),
			slog.Int("status", resp.StatusCode))
		return nil, StatusError(c.name, "embed", resp.StatusCode, data)
	}

	vectors, model, err := decodeVectors(data)
	if err != nil {
		return nil, fmt.Errorf("%s embed: %w", c.name, err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%s embed: got %d vectors for %d inputs", c.name, len(vectors), len(texts))
	}
	if model == "" {
		model = c.model
	}
	out := &domain.EmbedOutput{Vectors: vectors, Model: model}
	if len(vectors) > 0 {
		out.Dimension = len(vectors[0])
	}
	return out, nil
}

// HealthCheck probes the encoder's health endpoint.
func (c *EncoderClient) HealthCheck(ctx domain.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
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

func (c *EncoderClient) auth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// decodeVectors accepts the two response shapes encoders emit: a bare matrix
// (the Hugging Face inference surface) or {"embeddings": [...], "model": ...}.
func decodeVectors(data []byte) ([][]float32, string, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var vectors [][]float32
		if err := json.Unmarshal(data, &vectors); err != nil {
			return nil, "", fmt.Errorf("decode matrix response: %w", err)
		}
		return vectors, "", nil
	}
	var resp encodeResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, "", fmt.Errorf("decode response: %w", err)
	}
	return resp.Embeddings, resp.Model, nil
}
