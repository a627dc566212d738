package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/askd/internal/conversation"
	"github.com/kalambet/askd/internal/storage"
)

type askRequest struct {
	ConversationID storage.ConversationID `json:"conversation_id"`
	Question       string                 `json:"question"`
}

type regenerateRequest struct {
	Question  string `json:"question"`
	Overwrite bool   `json:"overwrite"`
}

type createConversationRequest struct {
	Topic string `json:"topic"`
}

// answerResponse adds a warning to answers that could not be saved.
type answerResponse struct {
	conversation.Answer
	Warning string `json:"warning,omitempty"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func writeAnswer(w http.ResponseWriter, a conversation.Answer) {
	resp := answerResponse{Answer: a}
	if a.PersistenceFailed {
		resp.Warning = "the answer could not be saved to the conversation"
	}
	writeJSON(w, http.StatusOK, resp)
}

func handleAsk(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req askRequest
		if !decodeBody(w, r, &req) {
			return
		}
		a, err := deps.Conversations.Ask(r.Context(), userFrom(r.Context()), req.ConversationID, req.Question)
		if err != nil {
			writeServiceError(w, deps.Logger, "asking", err)
			return
		}
		if a.PersistenceFailed {
			deps.Logger.Warn("answer not persisted", "conversation_id", a.ConversationID, "error", a.PersistErr)
		}
		writeAnswer(w, a)
	}
}

func handleRegenerate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req regenerateRequest
		if !decodeBody(w, r, &req) {
			return
		}
		id := storage.ConversationID(chi.URLParam(r, "id"))
		a, err := deps.Conversations.Regenerate(r.Context(), userFrom(r.Context()), id, req.Question, req.Overwrite)
		if err != nil {
			writeServiceError(w, deps.Logger, "regenerating", err)
			return
		}
		writeAnswer(w, a)
	}
}

func handleCreateConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createConversationRequest
		if r.ContentLength != 0 && !decodeBody(w, r, &req) {
			return
		}
		c, err := deps.Conversations.CreateConversation(r.Context(), userFrom(r.Context()), req.Topic)
		if err != nil {
			writeServiceError(w, deps.Logger, "creating conversation", err)
			return
		}
		writeJSON(w, http.StatusCreated, c)
	}
}

func handleListConversations(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		convs, err := deps.Conversations.ListConversations(r.Context(), userFrom(r.Context()))
		if err != nil {
			writeServiceError(w, deps.Logger, "listing conversations", err)
			return
		}
		if convs == nil {
			convs = []storage.ConversationSummary{}
		}
		writeJSON(w, http.StatusOK, convs)
	}
}

func handleGetHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := storage.ConversationID(chi.URLParam(r, "id"))
		msgs, err := deps.Conversations.GetHistory(r.Context(), userFrom(r.Context()), id)
		if err != nil {
			writeServiceError(w, deps.Logger, "loading history", err)
			return
		}
		if msgs == nil {
			msgs = []storage.Message{}
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}

func handleDeleteConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := storage.ConversationID(chi.URLParam(r, "id"))
		if err := deps.Conversations.DeleteThread(r.Context(), userFrom(r.Context()), id); err != nil {
			writeServiceError(w, deps.Logger, "deleting conversation", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}
