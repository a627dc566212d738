package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/askd/internal/ingest"
	"github.com/kalambet/askd/internal/retrieval"
	"github.com/kalambet/askd/internal/storage"
)

const maxIngestBodySize = 10 << 20 // 10MB

// IngestRequest submits a document. Type is text (Content is the text), file
// (Content is base64) or url (URL is fetched). Kind overrides the detected
// format: text, html or pdf, a file extension or a media type.
type IngestRequest struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	Source  string `json:"source"`
	Kind    string `json:"kind"`
	Content string `json:"content"`
	URL     string `json:"url"`
}

func handleIngest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		var req IngestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Type == "" {
			req.Type = "text"
		}

		sub := ingest.Submission{
			Owner:  userFrom(r.Context()),
			Title:  req.Title,
			Source: req.Source,
		}

		var err error
		switch req.Type {
		case "url":
			if req.URL == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "url is required")
				return
			}
			if deps.Fetcher == nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "url ingestion is disabled")
				return
			}
			fetched, ferr := deps.Fetcher.Fetch(r.Context(), req.URL)
			if ferr != nil {
				if code, _ := errorStatus(ferr); code != http.StatusInternalServerError {
					writeServiceError(w, deps.Logger, "fetching url", ferr)
					return
				}
				httpError(w, http.StatusBadGateway, "api_error", "failed to fetch url: %v", ferr)
				return
			}
			sub.Kind, sub.Data = fetched.Kind, fetched.Data
			if sub.Title == "" {
				sub.Title = fetched.Title
			}
			if req.Kind != "" {
				if sub.Kind, err = ingest.ParseKind(req.Kind); err != nil {
					writeServiceError(w, deps.Logger, "ingesting", err)
					return
				}
			}

		case "file":
			sub.Data, err = base64.StdEncoding.DecodeString(req.Content)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 content")
				return
			}
			kind := req.Kind
			if kind == "" {
				kind = path.Ext(req.Title)
			}
			if sub.Kind, err = ingest.ParseKind(kind); err != nil {
				writeServiceError(w, deps.Logger, "ingesting", err)
				return
			}

		case "text":
			if req.Content == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
				return
			}
			sub.Data = []byte(req.Content)
			if sub.Kind, err = ingest.ParseKind(req.Kind); err != nil {
				writeServiceError(w, deps.Logger, "ingesting", err)
				return
			}

		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown type %q", req.Type)
			return
		}

		doc, jobID, err := ingest.Submit(r.Context(), deps.Documents, sub)
		if err != nil {
			writeServiceError(w, deps.Logger, "ingesting", err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]any{
			"id":     doc.ID,
			"job_id": jobID,
			"title":  doc.Title,
			"source": doc.Source,
			"status": "queued",
		})
	}
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		docs, err := deps.Documents.ListDocuments(r.Context(), limit, offset)
		if err != nil {
			writeServiceError(w, deps.Logger, "listing documents", err)
			return
		}
		if docs == nil {
			docs = []storage.Document{}
		}
		writeJSON(w, http.StatusOK, docs)
	}
}

// handleDeleteDocument removes a document and its passages. Only the owner may delete.
func handleDeleteDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := storage.DocumentID(chi.URLParam(r, "id"))
		if err := deps.Documents.DeleteDocument(r.Context(), id, userFrom(r.Context())); err != nil {
			writeServiceError(w, deps.Logger, "deleting document", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := deps.Documents.GetJob(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, deps.Logger, "loading job", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":         job.ID,
			"status":     job.Status,
			"attempts":   job.Attempts,
			"last_error": job.LastError,
		})
	}
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		if q == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		topK := parseIntParam(r, "limit", deps.TopK, 50)

		passages, err := deps.Search.Search(r.Context(), q, topK)
		if err != nil {
			deps.Logger.Error("search failed", "error", err)
			httpError(w, http.StatusBadGateway, "api_error", "search failed")
			return
		}
		if passages == nil {
			passages = []retrieval.Passage{}
		}
		writeJSON(w, http.StatusOK, passages)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
