package app

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/openai/openai-go/v3"

	"docqa/internal/answer"
	"docqa/internal/cache"
	"docqa/internal/chunker"
	"docqa/internal/config"
	"docqa/internal/embeddings"
	"docqa/internal/ingest"
	"docqa/internal/llm"
	"docqa/internal/logger"
	"docqa/internal/queue"
	"docqa/internal/rag"
	"docqa/internal/retrieval"
	"docqa/internal/retry"
	"docqa/internal/store"
)

// Deps bundles common runtime dependencies for services.
type Deps struct {
	Config    config.Config
	Log       *slog.Logger
	Store     store.Store
	Queue     queue.Queue
	Cache     cache.Cache
	Embedder  embeddings.Embedder
	Generator llm.Generator
	Pipeline  *ingest.Pipeline
	Service   *rag.Service

	closers []func() error
}

// Build loads env, config, and shared components.
func Build() (Deps, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Deps{}, fmt.Errorf("failed to load environment variables: %w", err)
	}
	cfg := config.Load()
	return BuildFrom(cfg, logger.New(cfg.LogLevel))
}

// BuildFrom wires every component from cfg. On error anything already opened
// is closed.
func BuildFrom(cfg config.Config, log *slog.Logger) (deps Deps, err error) {
	deps = Deps{Config: cfg, Log: log}
	defer func() {
		if err != nil {
			_ = deps.Close()
			deps = Deps{}
		}
	}()

	if err := validate(cfg); err != nil {
		return deps, err
	}

	st, err := buildStore(cfg, log)
	if err != nil {
		return deps, fmt.Errorf("failed to initialize store: %w", err)
	}
	deps.Store = st
	deps.closers = append(deps.closers, st.Close)

	q, err := buildQueue(cfg, log)
	if err != nil {
		return deps, fmt.Errorf("failed to initialize queue: %w", err)
	}
	deps.Queue = q
	deps.closers = append(deps.closers, q.Close)

	c, err := buildCache(cfg, log)
	if err != nil {
		return deps, fmt.Errorf("failed to initialize cache: %w", err)
	}
	deps.Cache = c
	deps.closers = append(deps.closers, c.Close)

	embedder, err := buildEmbedder(cfg, log)
	if err != nil {
		return deps, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	deps.Embedder = embeddings.NewCached(embedder, c, log)

	gen, err := buildGenerator(cfg, log)
	if err != nil {
		return deps, fmt.Errorf("failed to initialize LLM: %w", err)
	}
	deps.Generator = gen

	synth, err := buildSynthesizer(cfg, gen, log)
	if err != nil {
		return deps, fmt.Errorf("failed to initialize synthesizer: %w", err)
	}

	deps.Pipeline = ingest.NewPipeline(st, deps.Embedder, chunker.Options{
		MaxTokens: cfg.ChunkSize,
		Overlap:   cfg.ChunkOverlap,
		Tolerance: cfg.ChunkTolerance,
	}, log)

	engine := retrieval.NewEngine(deps.Embedder, st, retrieval.Options{
		MaxContextTokens: cfg.MaxContextTokens,
		Rerank:           cfg.Rerank,
	}, log)

	deps.Service = rag.New(st, q, engine, synth, c, rag.Options{
		MaxUploadSize:   cfg.MaxUploadSize,
		TopK:            cfg.TopK,
		Threshold:       cfg.SimilarityThreshold,
		QueryTimeout:    cfg.QueryTimeout,
		HistoryTurns:    cfg.HistoryTurns,
		EnqueueAttempts: 3,
		EnqueueBackoff:  cfg.ProviderBackoff,
		EmbeddingModel:  deps.Embedder.Model(),
		GenerationModel: gen.Model(),
	}, log)
	return deps, nil
}

// Close releases the queue, store and cache connections.
func (d Deps) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = append(errs, d.closers[i]())
	}
	return errors.Join(errs...)
}

// validate rejects settings that build fine but cannot work together.
func validate(cfg config.Config) error {
	// A fragment larger than the context budget can never be used, so every
	// query would decline.
	if cfg.MaxContextTokens > 0 && cfg.ChunkSize > cfg.MaxContextTokens {
		return fmt.Errorf("MAX_CONTEXT_TOKENS (%d) must be at least CHUNK_SIZE (%d)", cfg.MaxContextTokens, cfg.ChunkSize)
	}
	return nil
}

func buildStore(cfg config.Config, log *slog.Logger) (store.Store, error) {
	switch cfg.StoreProvider {
	case "memory":
		log.Info("using in-memory store; data is lost on exit")
		return store.NewMemory(cfg.EmbeddingDimensions), nil
	case "sqlite":
		db, err := store.NewSQLite(cfg.StorePath, cfg.EmbeddingDimensions)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
		}
		log.Info("using SQLite store", "path", db.Path())
		return db, nil
	case "postgres":
		if cfg.DBURL == "" {
			return nil, fmt.Errorf("DB_URL is required when STORE_PROVIDER=postgres")
		}
		db, err := store.NewPostgres(cfg.DBURL, cfg.EmbeddingDimensions)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Postgres: %w", err)
		}
		log.Info("using Postgres store")
		return db, nil
	default:
		return nil, fmt.Errorf("invalid STORE_PROVIDER: %s (valid options: memory, sqlite, postgres)", cfg.StoreProvider)
	}
}

func buildQueue(cfg config.Config, log *slog.Logger) (queue.Queue, error) {
	switch cfg.QueueProvider {
	case "local":
		log.Info("using in-process queue", "workers", cfg.IngestWorkers)
		return queue.NewLocal(log, cfg.IngestWorkers, 0), nil
	case "nats":
		if cfg.QueueURL == "" {
			return nil, fmt.Errorf("QUEUE_URL is required when QUEUE_PROVIDER=nats")
		}
		nc, err := nats.Connect(cfg.QueueURL, nats.Name("docqa"))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		log.Info("using NATS queue")
		return queue.NewNATS(log, nc, cfg.IngestWorkers), nil
	default:
		return nil, fmt.Errorf("invalid QUEUE_PROVIDER: %s (valid options: local, nats)", cfg.QueueProvider)
	}
}

func buildCache(cfg config.Config, log *slog.Logger) (cache.Cache, error) {
	redisCache := func() (cache.Cache, error) {
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("REDIS_ADDR is required when CACHE_PROVIDER=%s", cfg.CacheProvider)
		}
		rc, err := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.CacheTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		return rc, nil
	}
	switch cfg.CacheProvider {
	case "none":
		log.Info("embedding cache disabled")
		return cache.NewNoOpCache(), nil
	case "memory":
		log.Info("using in-memory embedding cache", "max_entries", cfg.CacheMaxSize)
		return cache.NewLRU(cfg.CacheMaxSize), nil
	case "redis":
		rc, err := redisCache()
		if err != nil {
			return nil, err
		}
		log.Info("using Redis embedding cache", "ttl", cfg.CacheTTL.String())
		return rc, nil
	case "tiered":
		rc, err := redisCache()
		if err != nil {
			return nil, err
		}
		log.Info("using tiered embedding cache", "max_entries", cfg.CacheMaxSize, "ttl", cfg.CacheTTL.String())
		return cache.NewTiered(cache.NewLRU(cfg.CacheMaxSize), rc), nil
	default:
		return nil, fmt.Errorf("invalid CACHE_PROVIDER: %s (valid options: memory, redis, tiered, none)", cfg.CacheProvider)
	}
}

func providerPolicy(cfg config.Config) retry.Policy {
	return retry.Policy{MaxAttempts: cfg.ProviderMaxAttempts, Base: cfg.ProviderBackoff}
}

func buildEmbedder(cfg config.Config, log *slog.Logger) (embeddings.Embedder, error) {
	opts := embeddings.ResilientOptions{
		Retry:     providerPolicy(cfg),
		Timeout:   cfg.EmbeddingTimeout,
		RateLimit: cfg.EmbeddingRateLimit,
		BatchSize: cfg.EmbeddingBatchSize,
	}
	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required when EMBEDDING_PROVIDER=openai")
		}
		embedder, err := embeddings.NewOpenAIEmbedder(cfg.OpenAIKey, cfg.OpenAIBaseURL, openai.EmbeddingModel(cfg.EmbeddingModel), cfg.EmbeddingDimensions)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize OpenAI embedder: %w", err)
		}
		log.Info("using OpenAI embedder", "model", cfg.EmbeddingModel, "dimensions", cfg.EmbeddingDimensions)
		return embeddings.NewResilient(embedder, opts, log), nil
	case "ollama":
		embedder := embeddings.NewOllamaEmbedder(cfg.OllamaURL, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
		log.Info("using Ollama embedder", "url", cfg.OllamaURL, "model", cfg.EmbeddingModel, "dimensions", cfg.EmbeddingDimensions)
		return embeddings.NewResilient(embedder, opts, log), nil
	case "hash":
		log.Info("using offline hashing embedder", "dimensions", cfg.EmbeddingDimensions)
		return embeddings.NewHashingEmbedder(cfg.EmbeddingDimensions), nil
	default:
		return nil, fmt.Errorf("invalid EMBEDDING_PROVIDER: %s (valid options: openai, ollama, hash)", cfg.EmbeddingProvider)
	}
}

func buildGenerator(cfg config.Config, log *slog.Logger) (llm.Generator, error) {
	switch cfg.LLMProvider {
	case "openai":
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required when LLM_PROVIDER=openai")
		}
		gen, err := llm.NewOpenAIGenerator(cfg.OpenAIKey, cfg.OpenAIBaseURL, openai.ChatModel(cfg.LLMModel))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize OpenAI client: %w", err)
		}
		log.Info("using OpenAI generator", "model", cfg.LLMModel)
		return llm.NewResilient(gen, providerPolicy(cfg), cfg.GenerationTimeout, log), nil
	default:
		return nil, fmt.Errorf("invalid LLM_PROVIDER: %s (valid option: openai)", cfg.LLMProvider)
	}
}

func buildSynthesizer(cfg config.Config, gen llm.Generator, log *slog.Logger) (*answer.Synthesizer, error) {
	policy, err := answer.ParsePolicy(cfg.NoContextPolicy)
	if err != nil {
		return nil, err
	}
	prompts, err := answer.LoadPrompts(cfg.PromptsFile)
	if err != nil {
		return nil, err
	}
	return answer.NewSynthesizer(gen, answer.Options{
		Temperature: cfg.LLMTemperature,
		MaxTokens:   cfg.LLMMaxTokens,
		Policy:      policy,
		Prompts:     prompts,

		SummaryInputTokens: cfg.SummaryInputTokens,
	}, log), nil
}
