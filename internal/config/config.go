package config

import (
	"log/slog"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds runtime configuration sourced from the environment.
type Config struct {
	// Server
	Port     int    `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Upload limits
	MaxUploadSize int64 `env:"MAX_UPLOAD_SIZE" envDefault:"52428800"` // 50MB in bytes

	// Chunking (token counts)
	ChunkSize      int `env:"CHUNK_SIZE" envDefault:"1000"`
	ChunkOverlap   int `env:"CHUNK_OVERLAP" envDefault:"200"`
	ChunkTolerance int `env:"CHUNK_TOLERANCE" envDefault:"100"`

	// Retrieval
	TopK                int           `env:"TOP_K" envDefault:"5"`
	SimilarityThreshold float32       `env:"SIMILARITY_THRESHOLD" envDefault:"0.5"`
	MaxContextTokens    int           `env:"MAX_CONTEXT_TOKENS" envDefault:"3000"`
	QueryTimeout        time.Duration `env:"QUERY_TIMEOUT" envDefault:"90s"`
	HistoryTurns        int           `env:"HISTORY_TURNS" envDefault:"0"`
	Rerank              bool          `env:"RERANK" envDefault:"true"`

	// Store
	StoreProvider string `env:"STORE_PROVIDER" envDefault:"sqlite"` // "memory", "sqlite" or "postgres"
	StorePath     string `env:"STORE_PATH" envDefault:"./data"`
	DBURL         string `env:"DB_URL"`

	// Queue
	QueueProvider     string        `env:"QUEUE_PROVIDER" envDefault:"local"` // "local" (in-process) or "nats"
	QueueURL          string        `env:"QUEUE_URL"`
	IngestWorkers     int           `env:"INGEST_WORKERS" envDefault:"4"`
	ProcessingTimeout time.Duration `env:"PROCESSING_TIMEOUT" envDefault:"10m"`

	// Embeddings
	EmbeddingProvider   string        `env:"EMBEDDING_PROVIDER" envDefault:"openai"` // "openai", "ollama" or "hash"
	EmbeddingModel      string        `env:"EMBEDDING_MODEL" envDefault:"text-embedding-3-small"`
	EmbeddingDimensions int           `env:"EMBEDDING_DIMENSIONS" envDefault:"1536"`
	EmbeddingBatchSize  int           `env:"EMBEDDING_BATCH_SIZE" envDefault:"64"`
	EmbeddingTimeout    time.Duration `env:"EMBEDDING_TIMEOUT" envDefault:"30s"`
	EmbeddingRateLimit  float64       `env:"EMBEDDING_RATE_LIMIT" envDefault:"10"` // calls per second
	OllamaURL           string        `env:"OLLAMA_URL" envDefault:"http://localhost:11434"`

	// Generation
	LLMProvider       string        `env:"LLM_PROVIDER" envDefault:"openai"`
	OpenAIKey         string        `env:"OPENAI_API_KEY"`
	OpenAIBaseURL     string        `env:"OPENAI_BASE_URL"`
	LLMModel          string        `env:"LLM_MODEL" envDefault:"gpt-4o-mini"`
	LLMTemperature    float64       `env:"LLM_TEMPERATURE" envDefault:"0"`
	LLMMaxTokens      int           `env:"LLM_MAX_TOKENS" envDefault:"1024"`
	GenerationTimeout time.Duration `env:"GENERATION_TIMEOUT" envDefault:"60s"`
	NoContextPolicy   string        `env:"NO_CONTEXT_POLICY" envDefault:"canned"` // "canned" or "instruct"
	PromptsFile       string        `env:"PROMPTS_FILE"`
	// SummaryInputTokens caps the document text sent for a summary.
	SummaryInputTokens int `env:"SUMMARY_INPUT_TOKENS" envDefault:"6000"`

	// Provider retries
	ProviderMaxAttempts int           `env:"PROVIDER_MAX_ATTEMPTS" envDefault:"4"`
	ProviderBackoff     time.Duration `env:"PROVIDER_BACKOFF" envDefault:"200ms"`

	// Embedding cache
	CacheProvider string        `env:"CACHE_PROVIDER" envDefault:"memory"` // "memory", "redis", "tiered" or "none"
	CacheMaxSize  int           `env:"CACHE_MAX_SIZE" envDefault:"10000"`
	CacheTTL      time.Duration `env:"CACHE_TTL" envDefault:"24h"`
	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		slog.Warn("failed to parse env; using defaults where set", "err", err)
	}
	return cfg
}
