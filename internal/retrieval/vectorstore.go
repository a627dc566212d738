package retrieval

import (
	"context"
	"time"

	"github.com/kalambet/askd/internal/storage"
)

// PassageIndex stores embedded passages and ranks them against a query vector.
// SQLiteStore is the only implementation; it scans every vector.
type PassageIndex interface {
	// Insert adds records in one transaction.
	Insert(ctx context.Context, records []Record) error

	// Search returns the topK records most similar to vector, best first.
	Search(ctx context.Context, vector []float32, topK int) ([]ScoredRecord, error)

	// DeleteByDocument removes every passage of a document.
	DeleteByDocument(ctx context.Context, id storage.DocumentID) error

	// Count returns the number of stored passages.
	Count(ctx context.Context) (int, error)
}

// Record is one embedded passage.
type Record struct {
	ID         string
	DocumentID storage.DocumentID
	Source     string
	Pages      string
	Text       string
	Embedding  []float32
	CreatedAt  time.Time
}

// ScoredRecord is a Record with its cosine similarity to the query.
type ScoredRecord struct {
	Record
	Score float32
}
