package embedder

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// chatModelMarkers are name fragments of chat/completion models. An
// EMBEDDING_MODEL containing one of them is almost certainly a mistake.
var chatModelMarkers = []string{
	"gpt-4", "gpt-3.5", "gpt-35", "o1", "o3",
	"llama3", "llama2", "llama-3", "llama-2",
	"mistral", "mixtral", "gemma", "phi-", "phi3",
	"claude", "command-r", "deepseek", "qwen",
	"solar", "vicuna", "falcon", "yi-",
}

// looksLikeChatModel returns true when the model name resembles a known
// chat/completion model rather than a dedicated embedding model.
func looksLikeChatModel(model string) bool {
	lower := strings.ToLower(model)
	for _, m := range chatModelMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// ValidateForRAG is the start-up check for the ingest and serve paths. It
// returns an error when the embedder cannot be built, and warns when the
// configuration works but is probably not what the operator meant. Nothing
// is checked when QDRANT_HOST is unset.
func ValidateForRAG(log *slog.Logger) error {
	if os.Getenv("QDRANT_HOST") == "" {
		return nil
	}

	s := settingsFromEnv()
	if err := s.check(); err != nil {
		return fmt.Errorf("%w (QDRANT_HOST is set, so embeddings are required)", err)
	}

	if s.backend != defaultBackend && os.Getenv("EMBEDDING_PROVIDER") == "" {
		log.Warn("embedder: EMBEDDING_PROVIDER is not set; inheriting MODEL_PROVIDER as embedding backend",
			slog.String("backend", s.backend),
			slog.String("hint", "set EMBEDDING_PROVIDER=openai (or azure/ollama/gemini) to be explicit"),
		)
	}
	if looksLikeChatModel(s.model) {
		log.Warn("embedder: EMBEDDING_MODEL looks like a chat model; retrieval quality will suffer",
			slog.String("model", s.model),
			slog.String("hint", "use a dedicated embedding model e.g. text-embedding-3-small, all-minilm"),
		)
	}
	if s.explicitDims && s.dimensions != s.defaults.dimensions {
		log.Info("embedder: EMBEDDING_DIMENSIONS differs from the model default; the Qdrant collection must match",
			slog.Int("dimensions", s.dimensions),
			slog.Int("model_default", s.defaults.dimensions),
		)
	}
	return nil
}
