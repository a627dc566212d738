package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/askd/internal/conversation"
	"github.com/kalambet/askd/internal/ingest"
	"github.com/kalambet/askd/internal/retrieval"
	"github.com/kalambet/askd/internal/storage"
)

// Conversations is the conversation surface of *conversation.Manager.
type Conversations interface {
	Ask(ctx context.Context, user storage.UserID, id storage.ConversationID, question string) (conversation.Answer, error)
	Regenerate(ctx context.Context, user storage.UserID, id storage.ConversationID, question string, overwrite bool) (conversation.Answer, error)
	CreateConversation(ctx context.Context, user storage.UserID, topic string) (storage.Conversation, error)
	GetHistory(ctx context.Context, user storage.UserID, id storage.ConversationID) ([]storage.Message, error)
	DeleteThread(ctx context.Context, user storage.UserID, id storage.ConversationID) error
	ListConversations(ctx context.Context, user storage.UserID) ([]storage.ConversationSummary, error)
}

// Accounts is satisfied by *auth.Service.
type Accounts interface {
	TokenResolver
	Register(ctx context.Context, username, password, email string) (storage.User, error)
	Login(ctx context.Context, username, password string) (string, storage.User, error)
	Logout(ctx context.Context, token string) error
}

// DocumentStore saves, lists and removes ingested documents.
type DocumentStore interface {
	ingest.Queue
	ListDocuments(ctx context.Context, limit, offset int) ([]storage.Document, error)
	DeleteDocument(ctx context.Context, id storage.DocumentID, requester storage.UserID) error
	GetJob(ctx context.Context, id string) (storage.Job, error)
}

// Searcher finds passages relevant to a query.
type Searcher interface {
	Search(ctx context.Context, query string, topK int) ([]retrieval.Passage, error)
}

// URLFetcher downloads a document for ingestion.
type URLFetcher interface {
	Fetch(ctx context.Context, rawURL string) (ingest.Fetched, error)
}

type Deps struct {
	Conversations Conversations
	Accounts      Accounts
	Documents     DocumentStore
	Search        Searcher
	Fetcher       URLFetcher // optional; without it url ingestion is rejected
	AdminToken    string
	TopK          int
	Logger        *slog.Logger
}

// NewHandler returns the HTTP API.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.Logger = deps.Logger.With("component", "api")
	if deps.TopK <= 0 {
		deps.TopK = 4
	}

	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/sessions", handleLogin(deps))
	r.With(BearerAuth(deps.AdminToken)).Post("/users", handleRegister(deps))

	r.Group(func(r chi.Router) {
		r.Use(UserAuth(deps.Accounts))

		r.Delete("/sessions/current", handleLogout(deps))

		r.Post("/ask", handleAsk(deps))
		r.Post("/conversations", handleCreateConversation(deps))
		r.Get("/conversations", handleListConversations(deps))
		r.Get("/conversations/{id}/messages", handleGetHistory(deps))
		r.Post("/conversations/{id}/regenerate", handleRegenerate(deps))
		r.Delete("/conversations/{id}", handleDeleteConversation(deps))

		r.Post("/documents", handleIngest(deps))
		r.Get("/documents", handleListDocuments(deps))
		r.Delete("/documents/{id}", handleDeleteDocument(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
		r.Get("/search", handleSearch(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
