package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/askd/internal/answercache"
	"github.com/kalambet/askd/internal/composer"
	"github.com/kalambet/askd/internal/metrics"
	"github.com/kalambet/askd/internal/retrieval"
	"github.com/kalambet/askd/internal/storage"
)

// UntitledTopic is shown for conversations that never received a topic.
const UntitledTopic = "Untitled Conversation"

const (
	defaultHistoryWindow     = 10
	defaultTopK              = 4
	defaultGenerationTimeout = 60 * time.Second
)

// MessageStore is what the manager needs from the message log.
type MessageStore interface {
	CreateConversation(ctx context.Context, owner storage.UserID, topic string) (storage.Conversation, error)
	StartConversation(ctx context.Context, owner storage.UserID, topic string, msgs []storage.NewMessage) (storage.Conversation, []int, error)
	GetConversation(ctx context.Context, id storage.ConversationID) (storage.Conversation, error)
	OwnedConversationIDs(ctx context.Context, owner storage.UserID) (map[storage.ConversationID]struct{}, error)
	ListConversations(ctx context.Context, owner storage.UserID) ([]storage.ConversationSummary, error)
	AppendMessages(ctx context.Context, id storage.ConversationID, msgs []storage.NewMessage) ([]int, error)
	ListMessages(ctx context.Context, id storage.ConversationID) ([]storage.Message, error)
	RecentMessages(ctx context.Context, id storage.ConversationID, k int) ([]storage.Message, error)
	DeleteConversation(ctx context.Context, id storage.ConversationID, requester storage.UserID) error
}

// AnswerCache is satisfied by *answercache.Cache.
type AnswerCache interface {
	Lookup(ctx context.Context, question string) (answercache.Result, error)
	Store(ctx context.Context, question, answer string, refs []storage.SourceRef) error
}

// Retriever returns the passages most relevant to a query.
type Retriever interface {
	Search(ctx context.Context, query string, topK int) ([]retrieval.Passage, error)
}

// Generator produces an answer from grounding context. Implementations
// should return ErrModelUnavailable when the model cannot serve the request.
type Generator interface {
	Generate(ctx context.Context, g composer.Grounding, question string) (string, error)
}

// Options tune a Manager. Zero numeric fields take their defaults; start from
// DefaultOptions to get UseCache enabled.
type Options struct {
	// HistoryWindow is how many recent messages ground a generation.
	HistoryWindow int
	// TopK is how many passages are requested from the Retriever.
	TopK int
	// GenerationTimeout bounds retrieval plus generation.
	GenerationTimeout time.Duration
	// UseCache makes Ask consult the answer cache before generating.
	UseCache bool
}

func DefaultOptions() Options {
	return Options{
		HistoryWindow:     defaultHistoryWindow,
		TopK:              defaultTopK,
		GenerationTimeout: defaultGenerationTimeout,
		UseCache:          true,
	}
}

// Answer is the result of Ask and Regenerate.
type Answer struct {
	Answer         string                 `json:"answer"`
	SourceRefs     []storage.SourceRef    `json:"source_refs"`
	ConversationID storage.ConversationID `json:"conversation_id"`
	FromCache      bool                   `json:"from_cache"`

	// Similarity and OriginalQuestion describe the cache hit, if any.
	Similarity       float64 `json:"similarity,omitempty"`
	OriginalQuestion string  `json:"original_question,omitempty"`

	// Positions are the positions of the question and the answer.
	Positions []int `json:"positions,omitempty"`

	// PersistenceFailed is set when the answer could not be appended to the
	// conversation. The answer is still valid; PersistErr says why.
	PersistenceFailed bool  `json:"persistence_failed,omitempty"`
	PersistErr        error `json:"-"`
}

// Manager orchestrates conversations around the answer cache and generation.
type Manager struct {
	store     MessageStore
	cache     AnswerCache
	retriever Retriever
	generator Generator
	opts      Options
	logger    *slog.Logger
}

// NewManager creates a Manager. cache and retriever may be nil: without a
// cache every question is generated, without a retriever answers are
// grounded on history alone.
func NewManager(store MessageStore, cache AnswerCache, retriever Retriever, generator Generator, opts Options, logger *slog.Logger) *Manager {
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = defaultHistoryWindow
	}
	if opts.TopK <= 0 {
		opts.TopK = defaultTopK
	}
	if opts.GenerationTimeout <= 0 {
		opts.GenerationTimeout = defaultGenerationTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     store,
		cache:     cache,
		retriever: retriever,
		generator: generator,
		opts:      opts,
		logger:    logger.With("component", "conversation"),
	}
}

type askMode struct {
	lookup     bool
	writeCache bool
}

// Ask answers question within the conversation id, creating a new
// conversation when id is empty. Cached answers skip generation but are
// still appended to the conversation.
func (m *Manager) Ask(ctx context.Context, user storage.UserID, id storage.ConversationID, question string) (Answer, error) {
	return m.answer(ctx, user, id, question, askMode{lookup: m.opts.UseCache, writeCache: true})
}

// Regenerate always generates a fresh answer and appends it. The cached
// answer for the question is replaced only when overwrite is set.
func (m *Manager) Regenerate(ctx context.Context, user storage.UserID, id storage.ConversationID, question string, overwrite bool) (Answer, error) {
	return m.answer(ctx, user, id, question, askMode{writeCache: overwrite})
}

func (m *Manager) answer(ctx context.Context, user storage.UserID, id storage.ConversationID, question string, mode askMode) (Answer, error) {
	if strings.TrimSpace(question) == "" {
		return Answer{}, fmt.Errorf("%w: empty question", ErrInvalidArgument)
	}
	if id != "" {
		if err := m.authorize(ctx, user, id); err != nil {
			return Answer{}, err
		}
	}

	var res Answer
	var hit bool
	if mode.lookup && m.cache != nil {
		r, err := m.cache.Lookup(ctx, question)
		if err != nil {
			m.logger.Warn("cache lookup failed, generating", "error", err)
		}
		if err == nil && r.Hit {
			hit = true
			res = Answer{
				Answer:           r.Entry.Answer,
				SourceRefs:       r.Entry.SourceRefs,
				FromCache:        true,
				Similarity:       r.Similarity,
				OriginalQuestion: r.Entry.Question,
			}
			m.logger.Debug("answer served from cache",
				"conversation_id", id,
				"match", r.Match,
				"similarity", r.Similarity)
		}
	}

	if !hit {
		text, refs, err := m.generate(ctx, id, question)
		if err != nil {
			return Answer{}, err
		}
		res = Answer{Answer: text, SourceRefs: refs}
	}

	convID, positions, err := m.persist(ctx, user, id, question, res)
	res.ConversationID = convID
	res.Positions = positions
	if err != nil {
		metrics.PersistenceFailures.Inc()
		m.logger.Error("persisting answer failed",
			"conversation_id", id,
			"error", err)
		res.PersistenceFailed = true
		res.PersistErr = fmt.Errorf("%w: %w", ErrStorage, err)
		return res, nil
	}

	if !hit && mode.writeCache && m.cache != nil {
		if err := m.cache.Store(context.WithoutCancel(ctx), question, res.Answer, res.SourceRefs); err != nil {
			m.logger.Warn("caching answer failed", "error", err)
		}
	}
	return res, nil
}

// authorize reports ErrNotFound or ErrForbidden when user cannot use id.
func (m *Manager) authorize(ctx context.Context, user storage.UserID, id storage.ConversationID) error {
	owned, err := m.store.OwnedConversationIDs(ctx, user)
	if err != nil {
		return storageErr("loading owned conversations", err)
	}
	if _, ok := owned[id]; ok {
		return nil
	}
	if _, err := m.store.GetConversation(ctx, id); err != nil {
		return storageErr(fmt.Sprintf("conversation %s", id), err)
	}
	return fmt.Errorf("conversation %s: %w", id, ErrForbidden)
}

// generate grounds and generates an answer under the generation timeout.
// It never writes.
func (m *Manager) generate(ctx context.Context, id storage.ConversationID, question string) (string, []storage.SourceRef, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, m.opts.GenerationTimeout)
	defer cancel()

	var history []storage.Message
	var passages []retrieval.Passage

	g, gctx := errgroup.WithContext(ctx)
	if id != "" {
		g.Go(func() error {
			msgs, err := m.store.RecentMessages(gctx, id, m.opts.HistoryWindow)
			if err != nil {
				return storageErr("loading history", err)
			}
			history = msgs
			return nil
		})
	}
	if m.retriever != nil {
		g.Go(func() error {
			found, err := m.retriever.Search(gctx, question, m.opts.TopK)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				m.logger.Warn("retrieval failed, answering without passages", "error", err)
				return nil
			}
			passages = found
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return "", nil, m.generationFailed(ctx, start, err)
	}

	text, err := m.generator.Generate(ctx, composer.Grounding{History: history, Passages: passages}, question)
	if err != nil {
		return "", nil, m.generationFailed(ctx, start, fmt.Errorf("generating answer: %w", err))
	}

	metrics.GenerationDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
	m.logger.Debug("answer generated",
		"conversation_id", id,
		"history", len(history),
		"passages", len(passages),
		"duration", time.Since(start))
	return text, retrieval.Refs(passages), nil
}

// generationFailed classifies err. Any failure after the deadline passed or
// the caller went away is a timeout.
func (m *Manager) generationFailed(ctx context.Context, start time.Time, err error) error {
	outcome := "error"
	switch {
	case errors.Is(err, ErrModelUnavailable):
		outcome = "unavailable"
	case errors.Is(err, ErrGenerationTimeout):
		outcome = "timeout"
	case ctx.Err() != nil:
		outcome = "timeout"
		err = fmt.Errorf("%w: %w", ErrGenerationTimeout, ctx.Err())
	}
	metrics.GenerationDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	m.logger.Warn("generation failed", "outcome", outcome, "error", err)
	return err
}

// persist appends the question and its answer as one unit, creating the
// conversation first when id is empty. It runs detached from the caller's
// cancellation so a finished generation is not lost to a disconnect.
func (m *Manager) persist(ctx context.Context, user storage.UserID, id storage.ConversationID, question string, a Answer) (storage.ConversationID, []int, error) {
	ctx = context.WithoutCancel(ctx)
	msgs := []storage.NewMessage{
		{Sender: storage.SenderUser, Content: question},
		{Sender: storage.SenderAssistant, Content: a.Answer, SourceRefs: a.SourceRefs},
	}
	if id == "" {
		c, positions, err := m.store.StartConversation(ctx, user, question, msgs)
		if err != nil {
			return "", nil, fmt.Errorf("starting conversation: %w", err)
		}
		return c.ID, positions, nil
	}
	positions, err := m.store.AppendMessages(ctx, id, msgs)
	if err != nil {
		return id, nil, fmt.Errorf("appending messages: %w", err)
	}
	return id, positions, nil
}

// CreateConversation starts an empty conversation. An empty topic is filled
// from the first question asked.
func (m *Manager) CreateConversation(ctx context.Context, user storage.UserID, topic string) (storage.Conversation, error) {
	c, err := m.store.CreateConversation(ctx, user, topic)
	if err != nil {
		return storage.Conversation{}, storageErr("creating conversation", err)
	}
	return c, nil
}

// GetHistory returns every message of the conversation in position order.
func (m *Manager) GetHistory(ctx context.Context, user storage.UserID, id storage.ConversationID) ([]storage.Message, error) {
	if err := m.authorize(ctx, user, id); err != nil {
		return nil, err
	}
	msgs, err := m.store.ListMessages(ctx, id)
	if err != nil {
		return nil, storageErr("listing messages", err)
	}
	return msgs, nil
}

// DeleteThread removes the conversation and its messages. Cached answers are
// not tied to conversations and stay.
func (m *Manager) DeleteThread(ctx context.Context, user storage.UserID, id storage.ConversationID) error {
	if err := m.store.DeleteConversation(ctx, id, user); err != nil {
		return storageErr(fmt.Sprintf("deleting conversation %s", id), err)
	}
	m.logger.Info("conversation deleted", "conversation_id", id)
	return nil
}

// ListConversations returns the user's conversations, newest first.
func (m *Manager) ListConversations(ctx context.Context, user storage.UserID) ([]storage.ConversationSummary, error) {
	list, err := m.store.ListConversations(ctx, user)
	if err != nil {
		return nil, storageErr("listing conversations", err)
	}
	for i := range list {
		if list[i].Topic == "" {
			list[i].Topic = UntitledTopic
		}
	}
	return list, nil
}
