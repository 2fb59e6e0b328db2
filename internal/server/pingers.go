package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/qdrant/go-client/qdrant"

	"github.com/54b3r/medibot-go/internal/logging"
	"github.com/54b3r/medibot-go/internal/provider"
)

// LLMPinger probes an LLM backend. It prefers the backend's free HTTP
// health endpoint and only falls back to a single-token Generate call for
// backends without one.
type LLMPinger struct {
	// model is the chat model used by the Generate fallback.
	model model.BaseChatModel
	// healthCheck is the zero-cost probe; nil selects the fallback.
	healthCheck provider.HealthChecker
	// name identifies the backend in readiness responses (e.g. "openai").
	name string
}

// NewLLMPinger constructs an LLMPinger for the given model and backend name.
// hc may be nil.
func NewLLMPinger(m model.BaseChatModel, hc provider.HealthChecker, name string) *LLMPinger {
	return &LLMPinger{model: m, healthCheck: hc, name: name}
}

// Name returns the backend label used in readiness responses.
func (p *LLMPinger) Name() string { return p.name }

// Ping probes the LLM backend for readiness.
func (p *LLMPinger) Ping(ctx context.Context) error {
	if p.healthCheck != nil {
		if err := p.healthCheck.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s health check failed: %w", p.name, err)
		}
		return nil
	}
	if p.model == nil {
		return fmt.Errorf("%s: no health check or model configured", p.name)
	}

	logging.FromContext(ctx).Warn("pinger: falling back to Generate-based health check, tokens will be consumed",
		slog.String("backend", p.name),
	)
	resp, err := p.model.Generate(ctx, []*schema.Message{schema.UserMessage("ping")})
	if err != nil {
		return fmt.Errorf("generate failed: %w", err)
	}
	if resp == nil {
		return fmt.Errorf("generate returned nil response")
	}
	return nil
}

// QdrantPinger probes a Qdrant instance using its native HealthCheck RPC.
type QdrantPinger struct {
	// client is the Qdrant gRPC client to probe.
	client *qdrant.Client
	// collection, if set, must exist for the probe to pass.
	collection string
}

// NewQdrantPinger constructs a QdrantPinger. An empty collection skips the
// collection existence check.
func NewQdrantPinger(client *qdrant.Client, collection string) *QdrantPinger {
	return &QdrantPinger{client: client, collection: collection}
}

// Name returns the dependency label used in readiness responses.
func (p *QdrantPinger) Name() string { return "qdrant" }

// Ping calls the Qdrant HealthCheck RPC and, when configured, verifies the
// collection holding the knowledge base exists.
func (p *QdrantPinger) Ping(ctx context.Context) error {
	if _, err := p.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if p.collection == "" {
		return nil
	}
	exists, err := p.client.CollectionExists(ctx, p.collection)
	if err != nil {
		return fmt.Errorf("collection check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("collection %q not found, run `medibot ingest` first", p.collection)
	}
	return nil
}
