package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HealthChecker probes a backend without spending tokens.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// httpHealthCheck issues a GET against a cheap listing endpoint of the
// backend and treats any 2xx as healthy.
type httpHealthCheck struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// HealthCheck implements HealthChecker.
func (h *httpHealthCheck) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return fmt.Errorf("provider: build health request: %w", err)
	}
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("provider: health request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("provider: health endpoint returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// openAIBaseURL is the public OpenAI API root. Tests override it.
var openAIBaseURL = "https://api.openai.com/v1"

// HealthCheckFor returns a zero-cost probe for backends that expose one, or
// nil when the only way to check the backend is a Generate call.
func HealthCheckFor(cfg *Config) HealthChecker {
	client := &http.Client{Timeout: 5 * time.Second}

	switch cfg.Backend {
	case BackendOpenAI:
		return &httpHealthCheck{
			url:     openAIBaseURL + "/models",
			headers: map[string]string{"Authorization": "Bearer " + cfg.OpenAI.APIKey},
			client:  client,
		}
	case BackendAzure:
		endpoint := strings.TrimRight(cfg.AzureOpenAI.Endpoint, "/")
		return &httpHealthCheck{
			url:     endpoint + "/openai/models?api-version=" + cfg.AzureOpenAI.APIVersion,
			headers: map[string]string{"api-key": cfg.AzureOpenAI.APIKey},
			client:  client,
		}
	case BackendOllama:
		return &httpHealthCheck{
			url:    strings.TrimRight(cfg.Ollama.Host, "/") + "/api/tags",
			client: client,
		}
	default:
		return nil
	}
}
