package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/askd/internal/metrics"
	"github.com/kalambet/askd/internal/retrieval"
	"github.com/kalambet/askd/internal/storage"
)

// JobStore abstracts the job queue and document operations the worker needs.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	GetDocument(ctx context.Context, id storage.DocumentID) (storage.Document, error)
	SetDocumentChunkCount(ctx context.Context, id storage.DocumentID, n int) error
}

// BatchEmbedder generates embeddings for many texts.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// PassageWriter stores embedded passages.
type PassageWriter interface {
	Insert(ctx context.Context, records []retrieval.Record) error
	DeleteByDocument(ctx context.Context, id storage.DocumentID) error
}

// WorkerOptions tune chunking and polling. Zero values take the defaults.
type WorkerOptions struct {
	ChunkSize    int
	ChunkOverlap int
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Worker processes ingest_document jobs from the SQLite job queue.
type Worker struct {
	store    JobStore
	embedder BatchEmbedder
	passages PassageWriter
	size     int
	overlap  int
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If PollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, embedder BatchEmbedder, passages PassageWriter, opts WorkerOptions) *Worker {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ChunkOverlap <= 0 {
		opts.ChunkOverlap = DefaultChunkOverlap
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Worker{
		store:    store,
		embedder: embedder,
		passages: passages,
		size:     opts.ChunkSize,
		overlap:  opts.ChunkOverlap,
		poll:     opts.PollInterval,
		logger:   opts.Logger.With("component", "ingest"),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single ingest_document job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobTypeIngestDocument})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		metrics.IngestJobs.WithLabelValues("error").Inc()
		w.logger.Warn("job failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	metrics.IngestJobs.WithLabelValues("success").Inc()
	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload jobPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	doc, err := w.store.GetDocument(ctx, payload.DocumentID)
	if err != nil {
		return fmt.Errorf("loading document %s: %w", payload.DocumentID, err)
	}

	chunks := Split(doc.Content, w.size, w.overlap)
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = strings.ReplaceAll(c.Text, pageBreak, "\n")
	}

	vecs, err := w.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding chunks: %w", err)
	}

	var starts []int
	if doc.Pages > 0 {
		starts = pageStarts(doc.Content)
	}
	now := time.Now().UTC()
	records := make([]retrieval.Record, len(chunks))
	for i, c := range chunks {
		records[i] = retrieval.Record{
			DocumentID: doc.ID,
			Source:     doc.Source,
			Pages:      pageRange(starts, c.Start, c.End),
			Text:       texts[i],
			Embedding:  vecs[i],
			CreatedAt:  now,
		}
	}

	// A retry after a late failure must not duplicate passages.
	if err := w.passages.DeleteByDocument(ctx, doc.ID); err != nil {
		return fmt.Errorf("clearing old passages: %w", err)
	}
	if len(records) > 0 {
		if err := w.passages.Insert(ctx, records); err != nil {
			return fmt.Errorf("inserting passages: %w", err)
		}
	}
	if err := w.store.SetDocumentChunkCount(ctx, doc.ID, len(records)); err != nil {
		return fmt.Errorf("updating chunk count: %w", err)
	}

	w.logger.Info("document indexed", "document_id", doc.ID, "chunks", len(records))
	return nil
}

// pageStarts returns the rune offset at which each page begins.
func pageStarts(text string) []int {
	starts := []int{0}
	i := 0
	for _, r := range text {
		i++
		if string(r) == pageBreak {
			starts = append(starts, i)
		}
	}
	return starts
}

// pageRange renders the 1-based pages covered by runes [start, end) as "3"
// or "3-4". It returns "" when the document has no pages.
func pageRange(starts []int, start, end int) string {
	if len(starts) == 0 {
		return ""
	}
	pageOf := func(offset int) int {
		return sort.Search(len(starts), func(i int) bool { return starts[i] > offset })
	}
	first := pageOf(start)
	last := pageOf(max(start, end-1))
	if first == last {
		return strconv.Itoa(first)
	}
	return strconv.Itoa(first) + "-" + strconv.Itoa(last)
}
