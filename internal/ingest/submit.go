package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kalambet/askd/internal/storage"
)

// JobTypeIngestDocument is the job that chunks and embeds a saved document.
const JobTypeIngestDocument = "ingest_document"

// Queue saves documents and schedules their processing.
type Queue interface {
	SaveDocument(ctx context.Context, d storage.Document) (storage.Document, error)
	EnqueueJob(ctx context.Context, job storage.Job) (string, error)
}

// Submission is a document handed in for ingestion.
type Submission struct {
	Owner  storage.UserID
	Title  string
	Source string
	Kind   Kind
	Data   []byte
}

type jobPayload struct {
	DocumentID storage.DocumentID `json:"document_id"`
}

// Submit extracts the submission's text, saves the document and enqueues
// the job that indexes it. It returns the saved document and the job id.
func Submit(ctx context.Context, q Queue, sub Submission) (storage.Document, string, error) {
	ext, err := Extract(sub.Kind, sub.Data)
	if err != nil {
		return storage.Document{}, "", err
	}
	if strings.TrimSpace(strings.ReplaceAll(ext.Text, pageBreak, "")) == "" {
		return storage.Document{}, "", fmt.Errorf("%w: no text", ErrInvalidDocument)
	}

	title := strings.TrimSpace(sub.Title)
	if title == "" {
		title = ext.Title
	}
	source := strings.TrimSpace(sub.Source)
	if source == "" {
		source = SourceName(title)
	}
	if title == "" {
		title = source
	}

	doc, err := q.SaveDocument(ctx, storage.Document{
		OwnerID: sub.Owner,
		Title:   title,
		Source:  source,
		Content: ext.Text,
		Pages:   ext.Pages,
	})
	if err != nil {
		return storage.Document{}, "", fmt.Errorf("saving document: %w", err)
	}

	payload, err := json.Marshal(jobPayload{DocumentID: doc.ID})
	if err != nil {
		return storage.Document{}, "", err
	}
	jobID, err := q.EnqueueJob(ctx, storage.Job{Type: JobTypeIngestDocument, PayloadJSON: string(payload)})
	if err != nil {
		return storage.Document{}, "", fmt.Errorf("enqueueing ingest job: %w", err)
	}
	return doc, jobID, nil
}
