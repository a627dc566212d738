package config

import (
	"time"
)

type Config struct {
	Server       ServerConfig
	Ollama       OllamaConfig
	Storage      StorageConfig
	Log          LogConfig
	Cache        CacheConfig
	Redis        RedisConfig
	Conversation ConversationConfig
	Generation   GenerationConfig
	Retrieval    RetrievalConfig
	Ingest       IngestConfig
	Auth         AuthConfig
}

type ServerConfig struct {
	Port int
}

type OllamaConfig struct {
	BaseURL    string
	ChatModel  string
	EmbedModel string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

// Cache backends.
const (
	CacheBackendSQLite = "sqlite"
	CacheBackendRedis  = "redis"
)

type CacheConfig struct {
	Enabled   bool
	Capacity  int
	Threshold float64
	Backend   string
}

type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
}

type ConversationConfig struct {
	HistoryWindow int
}

type GenerationConfig struct {
	Timeout       time.Duration
	Temperature   float64
	MaxTokens     int
	ContextTokens int
}

type RetrievalConfig struct {
	TopK int
}

type IngestConfig struct {
	ChunkSize     int
	ChunkOverlap  int
	MaxFetchBytes int
}

type AuthConfig struct {
	// LocalUser is the account MCP and unauthenticated local callers act as.
	LocalUser  string
	SessionTTL time.Duration
	AdminToken string
}

// Defaults returns the built-in configuration, before any file or
// environment overrides.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			ChatModel:  "llama3.2",
			EmbedModel: "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Cache: CacheConfig{
			Enabled:   true,
			Capacity:  1000,
			Threshold: 0.90,
			Backend:   CacheBackendSQLite,
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "askd:cache",
		},
		Conversation: ConversationConfig{
			HistoryWindow: 10,
		},
		Generation: GenerationConfig{
			Timeout:       60 * time.Second,
			Temperature:   0.6,
			MaxTokens:     400,
			ContextTokens: 4000,
		},
		Retrieval: RetrievalConfig{
			TopK: 4,
		},
		Ingest: IngestConfig{
			ChunkSize:     1500,
			ChunkOverlap:  150,
			MaxFetchBytes: 5 << 20,
		},
		Auth: AuthConfig{
			LocalUser:  "local",
			SessionTTL: 30 * 24 * time.Hour,
		},
	}
}

// Load reads configuration from the config file, environment variables, and
// the secrets file.
//
// The config file is $XDG_CONFIG_HOME/askd/config.json unless ASKD_CONFIG
// names another path; files ending in .yaml or .yml are read as YAML.
// Environment variables (ASKD_*) override file values. Secrets are never
// read from the config file: they come from the environment or from
// secrets.json in the data directory.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), fileSecrets{path: secretsFilePath()})
}

// secretReader abstracts the secrets file for testing.
type secretReader interface {
	Get(name string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretReader) (Config, error) {
	cfg := Defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, secrets)

	return cfg, nil
}
