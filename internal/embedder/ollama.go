package embedder

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// OllamaEmbedder implements rag.Embedder using the Ollama /api/embed endpoint.
// It is safe for concurrent use. No API key is required.
type OllamaEmbedder struct {
	url       string
	model     string
	keepAlive string
	poster    *jsonPoster
}

// OllamaConfig holds the settings for constructing an OllamaEmbedder.
type OllamaConfig struct {
	// Host is the Ollama server base URL (e.g. "http://localhost:11434").
	Host string
	// Model is the embedding model name (e.g. "all-minilm").
	Model string
	// KeepAlive is how long Ollama keeps the model loaded after a request
	// ("5m", "-1" for forever). Empty uses the server default.
	KeepAlive string
	// Timeout bounds each HTTP attempt. Defaults to 60s; the first request
	// may include loading the model.
	Timeout time.Duration
}

// NewOllamaEmbedder constructs an OllamaEmbedder from the given config.
func NewOllamaEmbedder(cfg *OllamaConfig) *OllamaEmbedder {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OllamaEmbedder{
		url:       cfg.Host + "/api/embed",
		model:     cfg.Model,
		keepAlive: cfg.KeepAlive,
		poster: &jsonPoster{
			client:     &http.Client{Timeout: timeout},
			retry:      defaultRetryPolicy(),
			errMessage: ollamaErrorMessage,
		},
	}
}

// ollamaEmbedRequest asks Ollama to truncate inputs that exceed the model's
// context instead of failing. all-minilm only sees 256 tokens, so long chunks
// are embedded by their beginning.
type ollamaEmbedRequest struct {
	Model     string   `json:"model"`
	Input     []string `json:"input"`
	Truncate  bool     `json:"truncate"`
	KeepAlive string   `json:"keep_alive,omitempty"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func ollamaErrorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) != nil {
		return ""
	}
	return e.Error
}

// Embed converts texts into embeddings, parallel to the input.
func (e *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	var result ollamaEmbedResponse
	req := ollamaEmbedRequest{Model: e.model, Input: texts, Truncate: true, KeepAlive: e.keepAlive}
	if err := e.poster.post(ctx, e.url, nil, req, &result); err != nil {
		return nil, fmt.Errorf("ollama embedder: %w", err)
	}

	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embedder: expected %d embeddings, got %d", len(texts), len(result.Embeddings))
	}
	return result.Embeddings, nil
}
