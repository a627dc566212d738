package retrieval

import (
	"context"

	"github.com/kalambet/askd/internal/storage"
)

// maxRefContent bounds the passage text carried in a SourceRef.
const maxRefContent = 400

// Passage is a retrieved document fragment with its similarity score.
type Passage struct {
	ID         string             `json:"id"`
	DocumentID storage.DocumentID `json:"document_id"`
	Text       string             `json:"text"`
	Score      float32            `json:"score"`
	Source     string             `json:"source"`
	Pages      string             `json:"pages,omitempty"`
}

// Ref returns the SourceRef recorded with an answer grounded on p.
func (p Passage) Ref() storage.SourceRef {
	content := p.Text
	if r := []rune(content); len(r) > maxRefContent {
		content = string(r[:maxRefContent]) + "..."
	}
	return storage.SourceRef{Source: p.Source, Content: content, Pages: p.Pages}
}

// Refs maps passages to their SourceRefs.
func Refs(passages []Passage) []storage.SourceRef {
	if len(passages) == 0 {
		return nil
	}
	refs := make([]storage.SourceRef, len(passages))
	for i, p := range passages {
		refs[i] = p.Ref()
	}
	return refs
}

// Retriever combines embedding and vector search to find relevant passages.
type Retriever struct {
	embedder *Embedder
	index    PassageIndex
}

// NewRetriever creates a Retriever backed by the given Embedder and PassageIndex.
func NewRetriever(embedder *Embedder, index PassageIndex) *Retriever {
	return &Retriever{embedder: embedder, index: index}
}

// Search embeds the query and returns the topK most similar passages, best first.
func (r *Retriever) Search(ctx context.Context, query string, topK int) ([]Passage, error) {
	if topK <= 0 {
		return nil, nil
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	scored, err := r.index.Search(ctx, vec, topK)
	if err != nil {
		return nil, err
	}

	passages := make([]Passage, len(scored))
	for i, s := range scored {
		passages[i] = Passage{
			ID:         s.ID,
			DocumentID: s.DocumentID,
			Text:       s.Text,
			Score:      s.Score,
			Source:     s.Source,
			Pages:      s.Pages,
		}
	}
	return passages, nil
}
