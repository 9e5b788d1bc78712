// Package stub provides a deterministic in-process provider for development
// and tests. Answers and vectors are pure functions of the input, so
// assertions stay stable across runs.
package stub

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fairyhunter13/ai-request-router/internal/domain"
)

// Provider is a fake domain.Provider. The zero value succeeds on every call;
// Fail and FailN make it misbehave on demand.
type Provider struct {
	ProviderName string
	// Answer overrides the generated answer when non-empty.
	Answer string
	// Dimension of generated vectors. Defaults to 8.
	Dimension int
	// NoEmbeddings makes Supports("embed") report false.
	NoEmbeddings bool

	mu    sync.Mutex
	fail  error
	failN int

	calls atomic.Int64
}

var _ domain.Provider = (*Provider)(nil)

// New returns a stub named name.
func New(name string) *Provider {
	return &Provider{ProviderName: name}
}

// Name identifies the provider.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "stub"
	}
	return p.ProviderName
}

// Supports mirrors the real adapters' capability reporting.
func (p *Provider) Supports(op string) bool {
	if op == "embed" {
		return !p.NoEmbeddings
	}
	return true
}

// Fail makes every subsequent call return err until cleared with Fail(nil).
func (p *Provider) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = err
	p.failN = 0
}

// FailN makes the next n calls return err, then recover.
func (p *Provider) FailN(n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = err
	p.failN = n
}

// Calls reports how many provider calls were made, successful or not.
func (p *Provider) Calls() int { return int(p.calls.Load()) }

func (p *Provider) nextErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail == nil {
		return nil
	}
	if p.failN > 0 {
		p.failN--
		err := p.fail
		if p.failN == 0 {
			p.fail = nil
		}
		return err
	}
	return p.fail
}

// Inference answers deterministically, echoing the query.
func (p *Provider) Inference(ctx domain.Context, in domain.InferenceInput) (*domain.InferenceOutput, error) {
	p.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.nextErr(); err != nil {
		return nil, err
	}
	answer := p.Answer
	if answer == "" {
		answer = fmt.Sprintf("stub answer for: %s", strings.TrimSpace(in.Query))
	}
	return &domain.InferenceOutput{
		Answer:     answer,
		Model:      p.Name() + "-model",
		TokensUsed: len(strings.Fields(in.Query)) + len(strings.Fields(answer)),
		Confidence: 0.9,
	}, nil
}

// Embed hashes each text into a unit-free vector. Equal texts get equal
// vectors, different texts almost surely differ.
func (p *Provider) Embed(ctx domain.Context, texts []string) (*domain.EmbedOutput, error) {
	p.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.nextErr(); err != nil {
		return nil, err
	}
	dim := p.Dimension
	if dim <= 0 {
		dim = 8
	}
	vectors := make([][]float32, len(texts))
	for i, t := range texts {
		vectors[i] = hashVector(t, dim)
	}
	return &domain.EmbedOutput{
		Vectors:   vectors,
		Model:     p.Name() + "-embed",
		Dimension: dim,
	}, nil
}

// HealthCheck reports the configured failure, if any.
func (p *Provider) HealthCheck(ctx domain.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.nextErr()
}

func hashVector(text string, dim int) []float32 {
	sum := sha256.Sum256([]byte(text))
	v := make([]float32, dim)
	for i := range v {
		u := binary.BigEndian.Uint32(sum[(i*4)%28:])
		v[i] = float32(u%1000)/1000 - 0.5
	}
	return v
}
