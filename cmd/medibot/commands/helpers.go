package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components/model"

	"github.com/54b3r/medibot-go/internal/bot"
	"github.com/54b3r/medibot-go/internal/chain"
	"github.com/54b3r/medibot-go/internal/embedder"
	"github.com/54b3r/medibot-go/internal/provider"
	"github.com/54b3r/medibot-go/internal/rag"
	"github.com/54b3r/medibot-go/internal/server"
	"github.com/54b3r/medibot-go/internal/store"
	"github.com/54b3r/medibot-go/internal/tracing"
)

// stack bundles the long-lived clients a bot needs so commands can share
// construction and cleanup.
type stack struct {
	bot       *bot.Bot
	chatModel model.BaseChatModel
	provider  *provider.Config
	qdrant    *rag.QdrantStore
	history   *store.SQLiteStore
	closers   []func()
}

// Close releases every client opened by buildStack in reverse order.
func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// buildStack wires model provider, embedder, Qdrant, history and chain into
// a bot. withHistory controls whether the SQLite store is opened.
func buildStack(ctx context.Context, log *slog.Logger, withHistory bool) (*stack, error) {
	s := &stack{}

	s.provider = provider.ConfigFromEnv()
	chatModel, err := provider.New(ctx, s.provider)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise model provider: %w", err)
	}
	s.chatModel = chatModel
	log.Info("provider initialised",
		slog.String("provider", string(s.provider.Backend)),
		slog.String("model", s.provider.ModelName()),
	)

	qs, emb, err := buildVectorStore(ctx, log)
	if err != nil {
		return nil, err
	}
	s.qdrant = qs
	s.closers = append(s.closers, func() { _ = qs.Close() })

	topK := getEnvInt("RETRIEVER_TOP_K", rag.DefaultTopK)
	retriever, err := rag.NewRetriever(emb, qs, topK)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialise retriever: %w", err)
	}

	ch, err := chain.New(ctx, &chain.Config{
		ChatModel: chatModel,
		Retriever: retriever,
		TopK:      topK,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialise chain: %w", err)
	}

	var history store.ConversationStore
	if withHistory {
		if hs := openHistory(log); hs != nil {
			s.history = hs
			history = hs
			s.closers = append(s.closers, func() { _ = hs.Close() })
		}
	}

	b, err := bot.New(&bot.Config{Chain: ch, History: history})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialise bot: %w", err)
	}
	s.bot = b
	return s, nil
}

// buildVectorStore validates the embedding configuration and connects to the
// Qdrant collection sized for the resolved embedding backend.
func buildVectorStore(ctx context.Context, log *slog.Logger) (*rag.QdrantStore, rag.Embedder, error) {
	if err := embedder.ValidateForRAG(log); err != nil {
		return nil, nil, err
	}
	emb, err := embedder.NewFromEnv(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialise embedder: %w", err)
	}
	backend := embedder.ResolveBackend()
	log.Info("embedder initialised", slog.String("provider", backend))

	cfg := qdrantConfigFromEnv(backend)
	qs, err := rag.NewQdrantStore(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to Qdrant at %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	log.Info("qdrant store ready",
		slog.String("host", cfg.Host),
		slog.Int("port", cfg.Port),
		slog.String("collection", cfg.Collection),
	)
	return qs, emb, nil
}

// qdrantConfigFromEnv resolves the Qdrant connection settings.
//
//	QDRANT_HOST (default: localhost), QDRANT_PORT (default: 6334),
//	QDRANT_COLLECTION (default: medicalbot), QDRANT_API_KEY, QDRANT_TLS,
//	QDRANT_MIN_SCORE (default: 0, disabled)
func qdrantConfigFromEnv(embeddingBackend string) *rag.QdrantConfig {
	return &rag.QdrantConfig{
		Host:       getEnvOrDefault("QDRANT_HOST", "localhost"),
		Port:       getEnvInt("QDRANT_PORT", 6334),
		Collection: getEnvOrDefault("QDRANT_COLLECTION", rag.DefaultCollection),
		VectorSize: uint64(embedder.DefaultDimensions(embeddingBackend)), //nolint:gosec // dimensions are bounded
		APIKey:     os.Getenv("QDRANT_API_KEY"),
		UseTLS:     os.Getenv("QDRANT_TLS") == "true",
		MinScore:   getEnvFloat32("QDRANT_MIN_SCORE", 0),
	}
}

// openHistory opens the conversation history store. MEDIBOT_HISTORY_DB
// overrides the default path (~/.medibot/history.db); the value "disabled"
// turns history off. Failures disable history rather than aborting.
func openHistory(log *slog.Logger) *store.SQLiteStore {
	dbPath := os.Getenv("MEDIBOT_HISTORY_DB")
	if dbPath == store.Disabled {
		log.Info("history: disabled via MEDIBOT_HISTORY_DB=disabled")
		return nil
	}
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			log.Warn("history: could not resolve default DB path, disabling", slog.Any("error", err))
			return nil
		}
	}
	hs, err := store.Open(dbPath)
	if err != nil {
		log.Warn("history: failed to open store, disabling", slog.Any("error", err))
		return nil
	}
	log.Info("history: store opened", slog.String("path", dbPath))
	return hs
}

// defaultHistoryTTL is how long conversation turns are kept.
const defaultHistoryTTL = 30 * 24 * time.Hour

// historyTTLFromEnv reads MEDIBOT_HISTORY_TTL. "0" keeps history forever.
func historyTTLFromEnv() (time.Duration, error) {
	if os.Getenv("MEDIBOT_HISTORY_TTL") == "0" {
		return 0, nil
	}
	return getEnvDuration("MEDIBOT_HISTORY_TTL", defaultHistoryTTL)
}

// pruneHistory deletes turns older than ttl now and then every interval
// until ctx is cancelled.
func pruneHistory(ctx context.Context, log *slog.Logger, hs *store.SQLiteStore, ttl, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := hs.Prune(ctx, ttl)
		switch {
		case err != nil && ctx.Err() == nil:
			log.Warn("history: prune failed", slog.Any("error", err))
		case n > 0:
			log.Info("history: pruned expired messages", slog.Int64("deleted", n), slog.Duration("ttl", ttl))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// setupTracing registers the Langfuse callback handler globally when keys
// are configured. The returned func flushes pending traces and is never nil.
func setupTracing(log *slog.Logger) func() {
	handler, flush, ok := tracing.Setup()
	if !ok {
		log.Info("langfuse tracing disabled", slog.String("reason", "LANGFUSE_PUBLIC_KEY not set"))
		return func() {}
	}
	callbacks.AppendGlobalHandlers(handler)
	log.Info("langfuse tracing enabled")
	return flush
}

// buildPingers returns the readiness probes for the LLM backend and Qdrant.
func buildPingers(s *stack) []server.Pinger {
	return []server.Pinger{
		server.NewLLMPinger(s.chatModel, provider.HealthCheckFor(s.provider), string(s.provider.Backend)),
		server.NewQdrantPinger(s.qdrant.Client(), s.qdrant.Collection()),
	}
}

// serverConfigFromEnv resolves the HTTP server settings. Flags that were set
// explicitly take precedence over MEDIBOT_HOST and MEDIBOT_PORT.
func serverConfigFromEnv(host string, hostSet bool, port int, portSet bool) (*server.Config, error) {
	if !hostSet {
		host = getEnvOrDefault("MEDIBOT_HOST", host)
	}
	if !portSet {
		port = getEnvInt("MEDIBOT_PORT", port)
	}
	timeout, err := getEnvDuration("MEDIBOT_CHAT_TIMEOUT", 2*time.Minute)
	if err != nil {
		return nil, err
	}
	return &server.Config{
		Host:        host,
		Port:        port,
		ChatTimeout: timeout,
		APIKey:      os.Getenv("MEDIBOT_API_KEY"),
		RateLimit:   getEnvFloat64("MEDIBOT_RATE_LIMIT", 0),
		RateBurst:   getEnvInt("MEDIBOT_RATE_BURST", 0),
		TrustProxy:  os.Getenv("MEDIBOT_TRUST_PROXY") == "true",
	}, nil
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat32(key string, fallback float32) float32 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			return float32(f)
		}
	}
	return fallback
}

func getEnvFloat64(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// getEnvDuration parses key as a Go duration. Unlike the numeric helpers a
// malformed value is an error, since a silent fallback would hide a typo in
// the request timeout.
func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, v)
	}
	return d, nil
}
