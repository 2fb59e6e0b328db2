package embedder

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/54b3r/medibot-go/internal/rag"
)

// defaultBackend is used when neither EMBEDDING_PROVIDER nor MODEL_PROVIDER is set.
const defaultBackend = "openai"

const (
	defaultOllamaModel = "all-minilm"
	defaultOpenAIModel = "text-embedding-3-small"
	defaultGeminiModel = "text-embedding-004"

	defaultAzureAPIVersion = "2025-04-01-preview"
)

// backendDefaults describes where a backend inherits its credentials from and
// what it produces when nothing embedding-specific is configured.
type backendDefaults struct {
	model      string
	dimensions int
	// keyVar and endpointVar name the chat provider's env vars that the
	// embedder falls back to.
	keyVar      string
	endpointVar string
	// endpoint is used when neither EMBEDDING_ENDPOINT nor endpointVar is set.
	endpoint string
}

// all-minilm is sentence-transformers/all-MiniLM-L6-v2 served by Ollama.
var backends = map[string]backendDefaults{
	"openai": {model: defaultOpenAIModel, dimensions: 1536, keyVar: "OPENAI_API_KEY", endpoint: "https://api.openai.com/v1"},
	"azure":  {model: defaultOpenAIModel, dimensions: 1536, keyVar: "AZURE_OPENAI_API_KEY", endpointVar: "AZURE_OPENAI_ENDPOINT"},
	"ollama": {model: defaultOllamaModel, dimensions: 384, endpointVar: "OLLAMA_HOST", endpoint: "http://localhost:11434"},
	"gemini": {model: defaultGeminiModel, dimensions: 768, keyVar: "GOOGLE_API_KEY"},
}

// settings is the embedding configuration after env inheritance is applied.
type settings struct {
	backend    string
	model      string
	apiKey     string
	endpoint   string
	dimensions int
	// explicitDims is true when EMBEDDING_DIMENSIONS was set.
	explicitDims bool
	defaults     backendDefaults
}

// settingsFromEnv resolves the embedder configuration. EMBEDDING_* variables
// always win over values inherited from the chat provider.
func settingsFromEnv() settings {
	s := settings{backend: ResolveBackend()}
	s.defaults = backends[s.backend]

	s.model = firstEnv("EMBEDDING_MODEL")
	if s.model == "" {
		s.model = s.defaults.model
	}
	s.apiKey = firstEnv("EMBEDDING_API_KEY", s.defaults.keyVar)
	s.endpoint = firstEnv("EMBEDDING_ENDPOINT", s.defaults.endpointVar)
	if s.endpoint == "" {
		s.endpoint = s.defaults.endpoint
	}
	if d := getEnvInt("EMBEDDING_DIMENSIONS", 0); d > 0 {
		s.dimensions, s.explicitDims = d, true
	} else {
		s.dimensions = s.defaults.dimensions
	}
	return s
}

// check reports the first missing setting, naming the env vars that supply it.
func (s settings) check() error {
	switch s.backend {
	case "bedrock":
		return fmt.Errorf("embedder: bedrock embedding is not yet implemented; set EMBEDDING_PROVIDER to openai, azure, ollama, or gemini")
	case "openai", "azure", "ollama", "gemini":
	default:
		return fmt.Errorf("embedder: unknown backend %q; valid values: ollama, openai, azure, gemini", s.backend)
	}
	if s.defaults.keyVar != "" && s.apiKey == "" {
		return fmt.Errorf("embedder: %s requires %s or EMBEDDING_API_KEY", s.backend, s.defaults.keyVar)
	}
	if s.endpoint == "" {
		return fmt.Errorf("embedder: %s requires %s or EMBEDDING_ENDPOINT", s.backend, s.defaults.endpointVar)
	}
	return nil
}

// DefaultDimensions returns the vector size the given backend produces, which
// the Qdrant collection must be created with. EMBEDDING_DIMENSIONS always
// takes precedence when set.
func DefaultDimensions(backend string) int {
	if v := getEnvInt("EMBEDDING_DIMENSIONS", 0); v > 0 {
		return v
	}
	if d, ok := backends[backend]; ok {
		return d.dimensions
	}
	return backends[defaultBackend].dimensions
}

// NewFromEnv constructs a rag.Embedder for the resolved backend.
//
// Resolution order:
//
//  1. EMBEDDING_PROVIDER, else MODEL_PROVIDER, else openai
//  2. EMBEDDING_MODEL, else the backend's default embedding model
//  3. EMBEDDING_API_KEY, else the chat provider's key (OPENAI_API_KEY, AZURE_OPENAI_API_KEY, GOOGLE_API_KEY)
//  4. EMBEDDING_ENDPOINT, else the chat provider's endpoint (AZURE_OPENAI_ENDPOINT, OLLAMA_HOST)
//  5. EMBEDDING_DIMENSIONS, else the model default (ollama: 384, openai/azure: 1536, gemini: 768)
func NewFromEnv(ctx context.Context) (rag.Embedder, error) {
	s := settingsFromEnv()
	if err := s.check(); err != nil {
		return nil, err
	}

	switch s.backend {
	case "ollama":
		return NewOllamaEmbedder(&OllamaConfig{
			Host:      s.endpoint,
			Model:     s.model,
			KeepAlive: os.Getenv("OLLAMA_KEEP_ALIVE"),
		}), nil

	case "azure":
		return NewOpenAIEmbedder(&OpenAIConfig{
			BaseURL:    s.endpoint + "/openai",
			APIKey:     s.apiKey,
			Model:      s.model,
			Dimensions: s.dimensions,
			Azure:      true,
			APIVersion: firstEnvOr(defaultAzureAPIVersion, "AZURE_OPENAI_API_VERSION"),
		}), nil

	case "gemini":
		// text-embedding-004 is fixed at 768; only truncate on request.
		dims := 0
		if s.explicitDims {
			dims = s.dimensions
		}
		return NewGeminiEmbedder(ctx, &GeminiConfig{APIKey: s.apiKey, Model: s.model, Dimensions: dims})

	default:
		return NewOpenAIEmbedder(&OpenAIConfig{
			BaseURL:    s.endpoint,
			APIKey:     s.apiKey,
			Model:      s.model,
			Dimensions: s.dimensions,
		}), nil
	}
}

// ResolveBackend returns the effective embedding backend name.
func ResolveBackend() string {
	return firstEnvOr(defaultBackend, "EMBEDDING_PROVIDER", "MODEL_PROVIDER")
}

// firstEnv returns the first non-empty value among the named variables.
// Empty names are skipped.
func firstEnv(keys ...string) string {
	for _, k := range keys {
		if k == "" {
			continue
		}
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func firstEnvOr(fallback string, keys ...string) string {
	if v := firstEnv(keys...); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the integer value of the named environment variable, or
// fallback if the variable is unset, empty, or not parseable.
func getEnvInt(key string, fallback int) int {
	if i, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return i
	}
	return fallback
}
