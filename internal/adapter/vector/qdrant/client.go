// Package qdrant implements the vector-search port against the Qdrant HTTP
// API. The client is bound to one collection; retrieval filters are mapped
// onto Qdrant must/match conditions.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/ai-request-router/internal/domain"
)

// Client talks to one Qdrant collection.
type Client struct {
	baseURL    string
	apiKey     string
	collection string
	hc         *http.Client
}

var _ domain.VectorSearcher = (*Client)(nil)

// Option adjusts a Client after construction.
type Option func(*Client)

// WithHTTPClient swaps the underlying HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// New constructs a client bound to collection at baseURL. apiKey may be empty
// for unauthenticated deployments.
func New(baseURL, apiKey, collection string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		collection: collection,
		hc: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Collection returns the bound collection name.
func (c *Client) Collection() string { return c.collection }

// EnsureCollection creates the bound collection when it does not exist yet.
// distance is a Qdrant distance name, typically "Cosine".
func (c *Client) EnsureCollection(ctx context.Context, vectorSize int, distance string) error {
	status, _, err := c.do(ctx, http.MethodGet, "/collections/"+c.collection, nil)
	if err != nil {
		return fmt.Errorf("qdrant: check collection %s: %w", c.collection, err)
	}
	if status == http.StatusOK {
		return nil
	}
	body := map[string]any{
		"vectors": map[string]any{"size": vectorSize, "distance": distance},
	}
	status, data, err := c.do(ctx, http.MethodPut, "/collections/"+c.collection, body)
	if err != nil {
		return fmt.Errorf("qdrant: create collection %s: %w", c.collection, err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("qdrant: create collection %s: status %d: %s", c.collection, status, clip(data))
	}
	return nil
}

// Upsert writes points into the bound collection.
func (c *Client) Upsert(ctx domain.Context, points []domain.VectorPoint) error {
	if len(points) == 0 {
		return nil
	}
	qpoints := make([]map[string]any, len(points))
	for i, p := range points {
		qp := map[string]any{
			"vector":  p.Vector,
			"payload": p.Payload,
		}
		if p.ID != "" {
			qp["id"] = p.ID
		}
		qpoints[i] = qp
	}
	status, data, err := c.do(ctx, http.MethodPut, "/collections/"+c.collection+"/points?wait=true", map[string]any{"points": qpoints})
	if err != nil {
		return fmt.Errorf("qdrant: upsert: %w", err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("qdrant: upsert: status %d: %s", status, clip(data))
	}
	return nil
}

// Search returns the topK nearest points. filters become must/match payload
// conditions: each key must equal the given value.
func (c *Client) Search(ctx domain.Context, vector []float32, topK int, filters map[string]any) ([]domain.VectorHit, error) {
	body := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
	}
	if f := filterClause(filters); f != nil {
		body["filter"] = f
	}
	status, data, err := c.do(ctx, http.MethodPost, "/collections/"+c.collection+"/points/search", body)
	if err != nil {
		return nil, fmt.Errorf("qdrant: search: %w", err)
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("qdrant: search: status %d: %s", status, clip(data))
	}
	var out struct {
		Result []struct {
			ID      any            `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("qdrant: decode search response: %w", err)
	}
	hits := make([]domain.VectorHit, len(out.Result))
	for i, r := range out.Result {
		hits[i] = domain.VectorHit{
			DocID:   fmt.Sprint(r.ID),
			Score:   r.Score,
			Payload: r.Payload,
		}
	}
	return hits, nil
}

// Healthy probes the collection and is wired into the readiness endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	status, data, err := c.do(ctx, http.MethodGet, "/collections/"+c.collection, nil)
	if err != nil {
		return fmt.Errorf("qdrant: health: %w", err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("qdrant: health: status %d: %s", status, clip(data))
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

func filterClause(filters map[string]any) map[string]any {
	if len(filters) == 0 {
		return nil
	}
	must := make([]map[string]any, 0, len(filters))
	for key, value := range filters {
		must = append(must, map[string]any{
			"key":   key,
			"match": map[string]any{"value": value},
		})
	}
	return map[string]any{"must": must}
}

func clip(b []byte) string {
	const n = 256
	if len(b) > n {
		b = b[:n]
	}
	return strings.TrimSpace(string(b))
}
