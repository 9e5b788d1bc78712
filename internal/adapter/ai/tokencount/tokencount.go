// Package tokencount estimates token usage when a provider response carries
// no usage block, and backs the context-window budgeting of the retrieval
// pipeline.
package tokencount

import (
	"math"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter caches tiktoken encodings per normalized model name. Encodings are
// expensive to construct, so repeated counts reuse the cached one.
type Counter struct {
	mu    sync.RWMutex
	cache map[string]*tiktoken.Tiktoken
}

// NewCounter returns an empty encoding cache.
func NewCounter() *Counter {
	return &Counter{cache: make(map[string]*tiktoken.Tiktoken)}
}

// Count tokenizes text with the model's encoding.
func (c *Counter) Count(model, text string) (int, error) {
	enc, err := c.encodingFor(model)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// Estimate sums token counts across texts. When the encoding cannot be
// loaded it falls back to four characters per token.
func (c *Counter) Estimate(model string, texts ...string) int {
	total := 0
	for _, t := range texts {
		n, err := c.Count(model, t)
		if err != nil {
			n = len(t) / 4
		}
		total += n
	}
	return total
}

func (c *Counter) encodingFor(model string) (*tiktoken.Tiktoken, error) {
	name := normalizeModel(model)

	c.mu.RLock()
	enc, ok := c.cache[name]
	c.mu.RUnlock()
	if ok {
		return enc, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok = c.cache[name]; ok {
		return enc, nil
	}
	enc, err := tiktoken.EncodingForModel(name)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	c.cache[name] = enc
	return enc, nil
}

// normalizeModel maps provider model names onto names tiktoken recognizes.
// Non-OpenAI models tokenize close enough to cl100k for estimation.
func normalizeModel(model string) string {
	m := strings.ToLower(model)
	if i := strings.LastIndex(m, "/"); i >= 0 {
		m = m[i+1:]
	}
	switch {
	case strings.HasPrefix(m, "gpt-4o"):
		return "gpt-4o"
	case strings.HasPrefix(m, "gpt-4"):
		return "gpt-4"
	case strings.HasPrefix(m, "gpt-3.5"):
		return "gpt-3.5-turbo"
	default:
		return "gpt-4"
	}
}

// Estimator converts text to an approximate token count.
type Estimator interface {
	Tokens(text string) int
}

// CharsEstimator divides character count by a fixed ratio. It is the cheap
// default and needs no encoding data.
type CharsEstimator struct {
	CharsPerToken float64
}

// Tokens rounds up, so any non-empty text costs at least one token.
func (e CharsEstimator) Tokens(text string) int {
	if text == "" {
		return 0
	}
	ratio := e.CharsPerToken
	if ratio <= 0 {
		ratio = 4.0
	}
	return int(math.Ceil(float64(len(text)) / ratio))
}

// TiktokenEstimator tokenizes with the model's real encoding and falls back
// to the character heuristic when the encoding cannot be loaded.
type TiktokenEstimator struct {
	counter  *Counter
	model    string
	fallback CharsEstimator
}

// NewTiktokenEstimator builds an estimator bound to one model name.
func NewTiktokenEstimator(model string, charsPerToken float64) *TiktokenEstimator {
	return &TiktokenEstimator{
		counter:  NewCounter(),
		model:    model,
		fallback: CharsEstimator{CharsPerToken: charsPerToken},
	}
}

// Tokens counts with the model encoding, or estimates by characters when the
// encoding is unavailable.
func (e *TiktokenEstimator) Tokens(text string) int {
	n, err := e.counter.Count(e.model, text)
	if err != nil {
		return e.fallback.Tokens(text)
	}
	return n
}

// ForConfig selects the estimator named by configuration. Unknown names get
// the character heuristic.
func ForConfig(name, model string, charsPerToken float64) Estimator {
	if strings.EqualFold(name, "tiktoken") {
		return NewTiktokenEstimator(model, charsPerToken)
	}
	return CharsEstimator{CharsPerToken: charsPerToken}
}
