package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config represents runtime configuration for the service. Every value is
// sourced from the environment; Load reads an optional .env file first.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Qdrant    QdrantConfig
	AI        AIConfig
	RAG       RAGConfig
	WAHA      WAHAConfig
	Webhook   WebhookConfig
	RateLimit RateLimitConfig
	Pipeline  PipelineConfig
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	Driver   string // mysql or sqlite3
	DSN      string // used directly for sqlite3
	Host     string
	Port     int
	Username string
	Password string
	DBName   string
	Params   string
}

type RedisConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	DB       int
}

type QdrantConfig struct {
	URL        string
	APIKey     string
	Collection string
	Timeout    time.Duration
}

type AIConfig struct {
	Provider string // openai, gemini or claude

	OpenAIAPIKey    string
	OpenAIBaseURL   string
	OpenAIModel     string
	OpenAIEmbedding string

	GoogleAPIKey    string
	GeminiModel     string
	GeminiEmbedding string

	AnthropicAPIKey string
	ClaudeModel     string

	MaxTokens int
	Timeout   time.Duration
}

type RAGConfig struct {
	TopK          int
	MinScore      float64
	HistoryWindow int
	TokenBudget   int
}

type WAHAConfig struct {
	APIURL  string
	APIKey  string
	Session string
	Timeout time.Duration
}

type WebhookConfig struct {
	Secret string
}

type RateLimitConfig struct {
	MessagesPerWindow int
	Window            time.Duration
}

// StagePolicy holds the retry knobs for one pipeline stage.
type StagePolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMult float64
	Timeout     time.Duration
}

type PipelineConfig struct {
	MinWorkers int
	MaxWorkers int
	LeaseTTL   time.Duration
	Retrieve   StagePolicy
	Generate   StagePolicy
	Send       StagePolicy
}

// Load builds the config from the environment. A .env file at envPath (or
// ./.env when empty) is loaded first when present; a missing file is fine.
func Load(envPath string) (*Config, error) {
	if envPath == "" {
		envPath = ".env"
	}
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envPath, err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Address: envStr("SERVER_ADDRESS", ":8080"),
		},
		Database: DatabaseConfig{
			Driver:   envStr("DATABASE_DRIVER", "mysql"),
			DSN:      envStr("DATABASE_DSN", ""),
			Host:     envStr("DATABASE_HOST", "127.0.0.1"),
			Port:     envInt("DATABASE_PORT", 3306),
			Username: envStr("DATABASE_USER", "root"),
			Password: envStr("DATABASE_PASSWORD", ""),
			DBName:   envStr("DATABASE_NAME", "whatsapp_chatbot"),
			Params:   envStr("DATABASE_PARAMS", "parseTime=true&charset=utf8mb4"),
		},
		Redis: RedisConfig{
			Host:     envStr("REDIS_HOST", "127.0.0.1"),
			Port:     envInt("REDIS_PORT", 6379),
			Username: envStr("REDIS_USERNAME", ""),
			Password: envStr("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", 0),
		},
		Qdrant: QdrantConfig{
			URL:        envStr("QDRANT_URL", "http://localhost:6333"),
			APIKey:     envStr("QDRANT_API_KEY", ""),
			Collection: envStr("QDRANT_COLLECTION", "documents"),
			Timeout:    envDur("QDRANT_TIMEOUT", 10*time.Second),
		},
		AI: AIConfig{
			Provider:        envStr("AI_PROVIDER", "gemini"),
			OpenAIAPIKey:    envStr("OPENAI_API_KEY", ""),
			OpenAIBaseURL:   envStr("OPENAI_BASE_URL", ""),
			OpenAIModel:     envStr("OPENAI_MODEL", "gpt-4"),
			OpenAIEmbedding: envStr("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
			GoogleAPIKey:    envStr("GOOGLE_API_KEY", ""),
			GeminiModel:     envStr("GEMINI_MODEL", "gemini-1.5-flash"),
			GeminiEmbedding: envStr("GEMINI_EMBEDDING_MODEL", "text-embedding-004"),
			AnthropicAPIKey: envStr("ANTHROPIC_API_KEY", ""),
			ClaudeModel:     envStr("CLAUDE_MODEL", "claude-3-5-haiku-latest"),
			MaxTokens:       envInt("AI_MAX_TOKENS", 500),
			Timeout:         envDur("AI_TIMEOUT", 30*time.Second),
		},
		RAG: RAGConfig{
			TopK:          envInt("RAG_TOP_K", 5),
			MinScore:      envFloat("RAG_MIN_SCORE", 0.7),
			HistoryWindow: envInt("RAG_HISTORY_WINDOW", 10),
			TokenBudget:   envInt("RAG_TOKEN_BUDGET", 2000),
		},
		WAHA: WAHAConfig{
			APIURL:  envStr("WAHA_API_URL", "http://localhost:3000"),
			APIKey:  envStr("WAHA_API_KEY", ""),
			Session: envStr("WAHA_SESSION", "default"),
			Timeout: envDur("WAHA_TIMEOUT", 30*time.Second),
		},
		Webhook: WebhookConfig{
			Secret: envStr("WEBHOOK_SECRET", ""),
		},
		RateLimit: RateLimitConfig{
			MessagesPerWindow: envInt("RATE_LIMIT_MESSAGES_PER_MINUTE", 10),
			Window:            envDur("RATE_LIMIT_WINDOW", time.Minute),
		},
		Pipeline: PipelineConfig{
			MinWorkers: envInt("PIPELINE_MIN_WORKERS", 2),
			MaxWorkers: envInt("PIPELINE_MAX_WORKERS", 8),
			LeaseTTL:   envDur("PIPELINE_LEASE_TTL", time.Minute),
			Retrieve: StagePolicy{
				MaxAttempts: envInt("RETRIEVE_MAX_ATTEMPTS", 3),
				BackoffBase: envDur("RETRIEVE_BACKOFF_BASE", 500*time.Millisecond),
				BackoffMult: envFloat("RETRIEVE_BACKOFF_MULT", 2.0),
				Timeout:     envDur("RETRIEVE_TIMEOUT", 10*time.Second),
			},
			Generate: StagePolicy{
				MaxAttempts: envInt("GENERATE_MAX_ATTEMPTS", 5),
				BackoffBase: envDur("GENERATE_BACKOFF_BASE", time.Second),
				BackoffMult: envFloat("GENERATE_BACKOFF_MULT", 2.0),
				Timeout:     envDur("GENERATE_TIMEOUT", 30*time.Second),
			},
			Send: StagePolicy{
				MaxAttempts: envInt("SEND_MAX_ATTEMPTS", 5),
				BackoffBase: envDur("SEND_BACKOFF_BASE", time.Second),
				BackoffMult: envFloat("SEND_BACKOFF_MULT", 2.0),
				Timeout:     envDur("SEND_TIMEOUT", 30*time.Second),
			},
		},
	}

	if cfg.Database.Driver == "sqlite3" && cfg.Database.DSN == "" {
		return nil, fmt.Errorf("DATABASE_DSN must be set for sqlite3")
	}
	return cfg, nil
}

// MySQLDSN formats the mysql connection string from the discrete fields.
func (d DatabaseConfig) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
		d.Username, d.Password, d.Host, d.Port, d.DBName, d.Params)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDur(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
