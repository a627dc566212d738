package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/askd/internal/engine"
)

const defaultEmbedConcurrency = 4

// ErrDimensionMismatch means the model returned vectors of differing sizes,
// which would make passages incomparable.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Embedder turns questions and passages into vectors with one embedding model.
// Input whitespace is collapsed first so extracted text (PDF page breaks,
// HTML indentation) embeds the same as its clean form.
type Embedder struct {
	engine      engine.Engine
	model       string
	concurrency int
}

func NewEmbedder(e engine.Engine, model string) *Embedder {
	return &Embedder{engine: e, model: model, concurrency: defaultEmbedConcurrency}
}

// WithConcurrency bounds how many embedding calls EmbedBatch makes at once.
func (e *Embedder) WithConcurrency(n int) *Embedder {
	if n > 0 {
		e.concurrency = n
	}
	return e
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.embedOne(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return vec, nil
}

// EmbedBatch embeds passages concurrently, preserving order. A nil or empty
// input returns nil. Every vector in the result has the same dimension.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.embedOne(gCtx, text)
			if err != nil {
				return fmt.Errorf("embedding passage %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	dim := len(results[0])
	for i, vec := range results {
		if len(vec) != dim {
			return nil, fmt.Errorf("%w: passage %d has %d, passage 0 has %d", ErrDimensionMismatch, i, len(vec), dim)
		}
	}
	return results, nil
}

func (e *Embedder) embedOne(ctx context.Context, text string) ([]float32, error) {
	clean := strings.Join(strings.Fields(text), " ")
	if clean == "" {
		return nil, errors.New("empty text")
	}
	vec, err := e.engine.Embed(ctx, e.model, clean)
	if err != nil {
		return nil, err
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("model %s returned an empty vector", e.model)
	}
	return vec, nil
}
