// Package app builds the long-lived service graph once and tears it down once.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/kalambet/askd/internal/answercache"
	"github.com/kalambet/askd/internal/auth"
	"github.com/kalambet/askd/internal/composer"
	"github.com/kalambet/askd/internal/config"
	"github.com/kalambet/askd/internal/conversation"
	"github.com/kalambet/askd/internal/engine"
	"github.com/kalambet/askd/internal/ingest"
	"github.com/kalambet/askd/internal/retrieval"
	"github.com/kalambet/askd/internal/storage"
)

// App holds every component shared by the HTTP API, the MCP server and the
// ingest worker.
type App struct {
	Config    config.Config
	Store     *storage.Store
	Cache     *answercache.Cache
	Engine    engine.Engine
	Passages  *retrieval.SQLiteStore
	Retriever *retrieval.Retriever
	Manager   *conversation.Manager
	Auth      *auth.Service
	Fetcher   *ingest.Fetcher

	// LocalUser is the account MCP calls act as.
	LocalUser storage.User

	logger     *slog.Logger
	redis      *redis.Client
	stopWorker context.CancelFunc
	workerDone chan struct{}
	closeOnce  sync.Once
	closeErr   error
}

// New opens storage and builds the service graph around an Ollama engine.
// The ingest worker starts immediately; call Close to stop it.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	return NewWithEngine(ctx, cfg, engine.NewOllamaEngine(cfg.Ollama.BaseURL), logger)
}

// NewWithEngine is New with a caller-supplied inference engine.
func NewWithEngine(ctx context.Context, cfg config.Config, eng engine.Engine, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	a := &App{
		Config: cfg,
		Store:  store,
		Engine: eng,
		logger: logger,
	}

	if err := a.build(ctx); err != nil {
		if a.redis != nil {
			a.redis.Close()
		}
		store.Close()
		return nil, err
	}

	worker := ingest.NewWorker(store, retrieval.NewEmbedder(eng, cfg.Ollama.EmbedModel), a.Passages, ingest.WorkerOptions{
		ChunkSize:    cfg.Ingest.ChunkSize,
		ChunkOverlap: cfg.Ingest.ChunkOverlap,
		Logger:       logger,
	})
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.stopWorker = cancel
	a.workerDone = make(chan struct{})
	go func() {
		defer close(a.workerDone)
		worker.Run(workerCtx)
	}()

	logger.Info("askd ready",
		"data_dir", cfg.Storage.DataDir,
		"cache_backend", cfg.Cache.Backend,
		"cache_entries", a.Cache.Len(),
		"chat_model", cfg.Ollama.ChatModel,
	)
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	backend, err := a.cacheBackend(ctx)
	if err != nil {
		return err
	}
	a.Cache, err = answercache.New(ctx, backend, answercache.Options{
		Capacity:    cfg.Cache.Capacity,
		Threshold:   cfg.Cache.Threshold,
		ReadThrough: a.redis != nil,
		Logger:      a.logger.With("component", "answercache"),
	})
	if err != nil {
		return err
	}

	a.Passages = retrieval.NewSQLiteStore(a.Store.DB())
	a.Retriever = retrieval.NewRetriever(retrieval.NewEmbedder(a.Engine, cfg.Ollama.EmbedModel), a.Passages)

	generator := conversation.NewEngineGenerator(a.Engine, composer.New(cfg.Generation.ContextTokens), conversation.GenerationOptions{
		Model:       cfg.Ollama.ChatModel,
		Temperature: cfg.Generation.Temperature,
		MaxTokens:   cfg.Generation.MaxTokens,
	})
	a.Manager = conversation.NewManager(a.Store, a.Cache, a.Retriever, generator, conversation.Options{
		HistoryWindow:     cfg.Conversation.HistoryWindow,
		TopK:              cfg.Retrieval.TopK,
		GenerationTimeout: cfg.Generation.Timeout,
		UseCache:          cfg.Cache.Enabled,
	}, a.logger)

	a.Auth = auth.New(a.Store, auth.Options{
		SessionTTL: cfg.Auth.SessionTTL,
		Logger:     a.logger,
	})
	if cfg.Auth.LocalUser != "" {
		a.LocalUser, err = a.Auth.EnsureUser(ctx, cfg.Auth.LocalUser)
		if err != nil {
			return fmt.Errorf("ensuring local user: %w", err)
		}
	}

	a.Fetcher = ingest.NewFetcher(&http.Client{Timeout: 15 * time.Second}, int64(cfg.Ingest.MaxFetchBytes))
	return nil
}

func (a *App) cacheBackend(ctx context.Context) (answercache.Backend, error) {
	switch a.Config.Cache.Backend {
	case "", config.CacheBackendSQLite:
		return a.Store, nil
	case config.CacheBackendRedis:
		rc := a.Config.Redis
		client, err := answercache.NewRedisClient(ctx, answercache.RedisOptions{
			Addr:     rc.Addr,
			Username: rc.Username,
			Password: rc.Password,
			DB:       rc.DB,
		})
		if err != nil {
			return nil, err
		}
		a.redis = client
		return answercache.NewRedisBackend(client, rc.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", a.Config.Cache.Backend)
	}
}

// Close stops the ingest worker, then closes the Redis client and the
// database. Calling it more than once returns the first result.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		a.stopWorker()
		<-a.workerDone

		var errs []error
		if a.redis != nil {
			if err := a.redis.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing redis: %w", err))
			}
		}
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing storage: %w", err))
		}
		a.closeErr = errors.Join(errs...)
		a.logger.Info("askd stopped")
	})
	return a.closeErr
}
