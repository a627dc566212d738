package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/askd/internal/conversation"
	"github.com/kalambet/askd/internal/storage"
)

// MCPDeps holds dependencies for the MCP server. Every call acts as User.
type MCPDeps struct {
	Conversations Conversations
	Search        Searcher
	User          storage.UserID
	TopK          int
	Logger        *slog.Logger
}

// NewMCPServer creates an MCP server with the askd tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.Logger = deps.Logger.With("component", "mcp")
	if deps.TopK <= 0 {
		deps.TopK = 4
	}

	s := server.NewMCPServer(
		"askd",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("askd answers questions from your documents and keeps the conversation threads."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Ask a question. Answers are grounded on ingested documents and reused for repeated questions."),
			mcp.WithString("question", mcp.Description("The question"), mcp.Required()),
			mcp.WithString("conversation_id", mcp.Description("Thread to continue; omit to start a new one")),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("regenerate",
			mcp.WithDescription("Generate a fresh answer, bypassing the answer cache."),
			mcp.WithString("conversation_id", mcp.Description("Thread the answer is appended to"), mcp.Required()),
			mcp.WithString("question", mcp.Description("The question to answer again"), mcp.Required()),
			mcp.WithBoolean("overwrite", mcp.Description("Replace the cached answer with the new one")),
		),
		mcpRegenerate(deps),
	)

	s.AddTool(
		mcp.NewTool("get_history",
			mcp.WithDescription("Return the messages of a conversation in order."),
			mcp.WithString("conversation_id", mcp.Description("Conversation id"), mcp.Required()),
		),
		mcpGetHistory(deps),
	)

	s.AddTool(
		mcp.NewTool("list_conversations",
			mcp.WithDescription("List your conversations, newest first."),
		),
		mcpListConversations(deps),
	)

	s.AddTool(
		mcp.NewTool("delete_conversation",
			mcp.WithDescription("Delete a conversation and all of its messages."),
			mcp.WithString("conversation_id", mcp.Description("Conversation id"), mcp.Required()),
		),
		mcpDeleteConversation(deps),
	)

	s.AddTool(
		mcp.NewTool("search_passages",
			mcp.WithDescription("Semantically search ingested documents and return matching passages."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 4)")),
		),
		mcpSearchPassages(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"conversations://list",
			"Conversations",
			mcp.WithResourceDescription("Your conversations with message counts as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceConversations(deps),
	)

	return s
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		id := storage.ConversationID(req.GetString("conversation_id", ""))

		a, err := deps.Conversations.Ask(ctx, deps.User, id, question)
		if err != nil {
			return mcpServiceError(deps.Logger, "ask", err), nil
		}
		return mcpJSON(a)
	}
}

func mcpRegenerate(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("conversation_id")
		if err != nil {
			return mcpError("conversation_id is required"), nil
		}
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		a, err := deps.Conversations.Regenerate(ctx, deps.User, storage.ConversationID(id), question, req.GetBool("overwrite", false))
		if err != nil {
			return mcpServiceError(deps.Logger, "regenerate", err), nil
		}
		return mcpJSON(a)
	}
}

func mcpGetHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("conversation_id")
		if err != nil {
			return mcpError("conversation_id is required"), nil
		}
		msgs, err := deps.Conversations.GetHistory(ctx, deps.User, storage.ConversationID(id))
		if err != nil {
			return mcpServiceError(deps.Logger, "get_history", err), nil
		}
		if msgs == nil {
			msgs = []storage.Message{}
		}
		return mcpJSON(msgs)
	}
}

func mcpListConversations(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		convs, err := deps.Conversations.ListConversations(ctx, deps.User)
		if err != nil {
			return mcpServiceError(deps.Logger, "list_conversations", err), nil
		}
		if convs == nil {
			convs = []storage.ConversationSummary{}
		}
		return mcpJSON(convs)
	}
}

func mcpDeleteConversation(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("conversation_id")
		if err != nil {
			return mcpError("conversation_id is required"), nil
		}
		if err := deps.Conversations.DeleteThread(ctx, deps.User, storage.ConversationID(id)); err != nil {
			return mcpServiceError(deps.Logger, "delete_conversation", err), nil
		}
		return mcpText(fmt.Sprintf("Deleted conversation %s", id)), nil
	}
}

func mcpSearchPassages(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", deps.TopK)
		if limit <= 0 {
			limit = deps.TopK
		}
		if limit > 50 {
			limit = 50
		}

		passages, err := deps.Search.Search(ctx, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(passages) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(passages)
	}
}

func mcpResourceConversations(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		convs, err := deps.Conversations.ListConversations(ctx, deps.User)
		if err != nil {
			return nil, fmt.Errorf("listing conversations: %w", err)
		}
		if convs == nil {
			convs = []storage.ConversationSummary{}
		}

		b, err := json.Marshal(convs)
		if err != nil {
			return nil, fmt.Errorf("marshaling conversations: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

// mcpServiceError turns a service error into a tool error. Internal failures
// are logged and reported without detail.
func mcpServiceError(logger *slog.Logger, tool string, err error) *mcp.CallToolResult {
	code, _ := errorStatus(err)
	switch {
	case code == http.StatusInternalServerError:
		logger.Error("tool failed", "tool", tool, "error", err)
		return mcpError(tool + " failed")
	case errors.Is(err, conversation.ErrForbidden):
		return mcpError("forbidden")
	case errors.Is(err, conversation.ErrNotFound):
		return mcpError("conversation not found")
	}
	return mcpError(err.Error())
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
