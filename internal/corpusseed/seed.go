// Package corpusseed ingests a directory of documents into the vector store:
// sniff the type, split into chunks, embed through the provider chain and
// upsert with deterministic ids so re-runs converge instead of duplicating.
package corpusseed

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/ai-request-router/internal/domain"
	"github.com/fairyhunter13/ai-request-router/internal/service/dispatch"
)

const (
	defaultChunkChars = 1200
	chunkOverlap      = 200
	embedBatchSize    = 16
)

// seedYAML is the structured seed-file shape: either bare text lists or
// entries carrying section metadata.
type seedYAML struct {
	Texts []string       `yaml:"texts"`
	Items []string       `yaml:"items"`
	Data  []seedYAMLItem `yaml:"data"`
}

type seedYAMLItem struct {
	Text    string  `yaml:"text"`
	Section string  `yaml:"section"`
	Weight  float64 `yaml:"weight"`
}

// Seeder embeds documents and writes them to the vector store.
type Seeder struct {
	Router     *dispatch.Router
	Store      domain.VectorSearcher
	ChunkChars int
	Logger     *slog.Logger
}

// New constructs a Seeder with default chunking.
func New(router *dispatch.Router, store domain.VectorSearcher, logger *slog.Logger) *Seeder {
	return &Seeder{Router: router, Store: store, ChunkChars: defaultChunkChars, Logger: logger}
}

// SeedDir walks dir and ingests every supported file. It returns the number
// of points written.
func (s *Seeder) SeedDir(ctx domain.Context, dir string) (int, error) {
	total := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		n, err := s.SeedFile(ctx, path)
		if err != nil {
			return fmt.Errorf("seed %s: %w", path, err)
		}
		total += n
		return nil
	})
	return total, err
}

// SeedFile ingests one file. Unsupported types are skipped, not failed, so a
// mixed corpus directory does not abort the run.
func (s *Seeder) SeedFile(ctx domain.Context, path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	source := filepath.Base(path)

	if isYAMLSeed(path) {
		chunks, err := parseSeedYAML(b)
		if err != nil {
			return 0, err
		}
		return s.ingest(ctx, source, chunks)
	}

	mt := mimetype.Detect(b)
	if !isTextual(mt) {
		s.Logger.Debug("skipping non-text file",
			slog.String("path", path), slog.String("mime", mt.String()))
		return 0, nil
	}

	chunks := make([]chunk, 0)
	for _, c := range splitText(string(b), s.chunkChars()) {
		chunks = append(chunks, chunk{Text: c})
	}
	return s.ingest(ctx, source, chunks)
}

func (s *Seeder) chunkChars() int {
	if s.ChunkChars > 0 {
		return s.ChunkChars
	}
	return defaultChunkChars
}

type chunk struct {
	Text    string
	Section string
	Weight  float64
}

func isYAMLSeed(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func isTextual(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

func parseSeedYAML(b []byte) ([]chunk, error) {
	var doc seedYAML
	if err := yaml.Unmarshal(b, &doc); err != nil {
		// A bare list of strings is also accepted.
		var ls []string
		if err2 := yaml.Unmarshal(b, &ls); err2 != nil {
			return nil, fmt.Errorf("yaml parse: %w", err)
		}
		doc.Texts = ls
	}

	seen := make(map[string]struct{})
	chunks := make([]chunk, 0, len(doc.Data)+len(doc.Items)+len(doc.Texts))
	add := func(c chunk) {
		c.Text = strings.TrimSpace(c.Text)
		if c.Text == "" {
			return
		}
		if _, ok := seen[c.Text]; ok {
			return
		}
		seen[c.Text] = struct{}{}
		chunks = append(chunks, c)
	}
	for _, it := range doc.Data {
		add(chunk{Text: it.Text, Section: it.Section, Weight: it.Weight})
	}
	for _, t := range doc.Items {
		add(chunk{Text: t})
	}
	for _, t := range doc.Texts {
		add(chunk{Text: t})
	}
	return chunks, nil
}

// splitText chunks text on paragraph boundaries where possible, falling back
// to a hard split with overlap for oversized paragraphs.
func splitText(text string, size int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= size {
		return []string{text}
	}

	out := make([]string, 0)
	var current strings.Builder
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if current.Len() > 0 && current.Len()+len(para)+2 > size {
			out = append(out, current.String())
			current.Reset()
		}
		if len(para) > size {
			for start := 0; start < len(para); start += size - chunkOverlap {
				end := start + size
				if end > len(para) {
					end = len(para)
				}
				out = append(out, para[start:end])
				if end == len(para) {
					break
				}
			}
			continue
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	if current.Len() > 0 {
		out = append(out, current.String())
	}
	return out
}

func (s *Seeder) ingest(ctx domain.Context, source string, chunks []chunk) (int, error) {
	written := 0
	for i := 0; i < len(chunks); i += embedBatchSize {
		end := i + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[i:end]

		texts := make([]string, len(batch))
		for j, c := range batch {
			texts[j] = c.Text
		}
		out, provider, err := s.Router.Embed(ctx, texts, dispatch.CallOpts{})
		if err != nil {
			return written, fmt.Errorf("embed batch: %w", err)
		}
		if len(out.Vectors) != len(batch) {
			return written, fmt.Errorf("embed batch: got %d vectors for %d texts", len(out.Vectors), len(batch))
		}

		points := make([]domain.VectorPoint, len(batch))
		for j, c := range batch {
			payload := map[string]any{
				"text":   c.Text,
				"source": source,
			}
			if c.Section != "" {
				payload["section"] = c.Section
			}
			if c.Weight > 0 {
				payload["weight"] = c.Weight
			}
			points[j] = domain.VectorPoint{
				ID:      pointID(source, c.Text),
				Vector:  out.Vectors[j],
				Payload: payload,
			}
		}
		if err := s.Store.Upsert(ctx, points); err != nil {
			return written, fmt.Errorf("vector upsert: %w", err)
		}
		written += len(points)
		s.Logger.Info("corpus batch indexed",
			slog.String("source", source),
			slog.Int("points", len(points)),
			slog.String("provider", provider))
	}
	return written, nil
}

// pointID derives a stable UUID from the chunk identity, so re-seeding the
// same corpus overwrites points instead of duplicating them.
func pointID(source, text string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(source+":"+text)).String()
}
