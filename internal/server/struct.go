package server

import (
	"context"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/medibot-go/internal/bot"
	"github.com/54b3r/medibot-go/internal/rag"
)

// Config configures [New]. Zero values take the defaults noted per field.
type Config struct {
	Host string // default 127.0.0.1
	Port int    // default 5000

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// ChatTimeout bounds one /get or /api/chat request, retrieval included.
	// Default 2m.
	ChatTimeout time.Duration

	Logger *slog.Logger // default logging.New()

	// Pingers are probed by GET /api/ready. With none, readiness always
	// passes.
	Pingers []Pinger

	// Per-client token bucket: RateLimit requests/second (default 10) with
	// bursts of RateBurst (default 20). TrustProxy keys clients by
	// X-Forwarded-For.
	RateLimit  float64
	RateBurst  int
	TrustProxy bool

	// APIKey protects /api/chat and /api/history. Empty disables auth.
	APIKey string

	// History enables DELETE /api/history/{session}.
	History HistoryClearer

	// Both default to the prometheus globals.
	MetricsRegistry prometheus.Registerer
	MetricsGatherer prometheus.Gatherer
}

// Replier is what the handlers call to answer a message.
// *bot.Bot satisfies it; tests inject a fake.
type Replier interface {
	// Reply answers msg in one piece.
	Reply(ctx context.Context, sessionID, msg string) (*bot.Reply, error)
	// Stream writes the answer to w as it is generated. onSources is called
	// with the retrieved documents before the first chunk.
	Stream(ctx context.Context, sessionID, msg string, w io.Writer, onSources func([]rag.Document)) (*bot.Reply, error)
}

// HistoryClearer deletes a session's conversation history.
type HistoryClearer interface {
	Clear(ctx context.Context, session string) error
}

// Server serves the chat page, the /get endpoint and the streaming API.
type Server struct {
	replier    Replier
	cfg        *Config
	httpServer *http.Server
	log        *slog.Logger
	pingers    []Pinger
	metrics    *serverMetrics
	page       *template.Template

	stopRL func() // stops the rate limiter's sweeper
}

// /get replies with one of these two bodies.
type (
	getResponse struct {
		Response string `json:"response"`
	}
	errorResponse struct {
		Error string `json:"error"`
	}
)

// chatRequest is the POST /api/chat body. Session is optional.
type chatRequest struct {
	Message string `json:"message"`
	Session string `json:"session"`
}

// sourceEvent is one entry of the SSE "sources" event.
type sourceEvent struct {
	Source string  `json:"source"`
	Title  string  `json:"title,omitempty"`
	Page   string  `json:"page,omitempty"`
	Score  float32 `json:"score"`
}

type pageData struct {
	Title string
}
