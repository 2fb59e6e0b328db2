// Package server implements the HTTP server that exposes the chatbot: the
// chat page, the form endpoint /get, a streaming SSE endpoint, health and
// readiness probes, and Prometheus metrics.
// The server is started by the `medibot serve` CLI command.
package server

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/54b3r/medibot-go/internal/bot"
	"github.com/54b3r/medibot-go/internal/logging"
	"github.com/54b3r/medibot-go/internal/rag"
)

//go:embed templates/chat.html
var templatesFS embed.FS

// errorPrefix is prepended to error messages returned by /get.
const errorPrefix = "An error occurred: "

// Chat outcomes recorded in metrics.
const (
	outcomeOK       = "ok"
	outcomeGreeting = "greeting"
	outcomeInvalid  = "invalid"
	outcomeTimeout  = "timeout"
	outcomeError    = "error"
)

// New constructs a Server from the provided replier and config.
func New(r Replier, cfg *Config) (*Server, error) {
	if r == nil {
		return nil, fmt.Errorf("server: replier must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 5000
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.ChatTimeout == 0 {
		cfg.ChatTimeout = 2 * time.Minute
	}
	if cfg.WriteTimeout == 0 {
		// Must outlive the longest streamed answer.
		cfg.WriteTimeout = cfg.ChatTimeout + 30*time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.MetricsRegistry == nil {
		cfg.MetricsRegistry = prometheus.DefaultRegisterer
	}
	if cfg.MetricsGatherer == nil {
		cfg.MetricsGatherer = prometheus.DefaultGatherer
	}

	page, err := template.ParseFS(templatesFS, "templates/chat.html")
	if err != nil {
		return nil, fmt.Errorf("server: parse chat template: %w", err)
	}

	s := &Server{
		replier: r,
		cfg:     cfg,
		log:     cfg.Logger,
		pingers: cfg.Pingers,
		metrics: newServerMetrics(cfg.MetricsRegistry),
		page:    page,
	}

	if cfg.APIKey == "" {
		s.log.Warn("auth: MEDIBOT_API_KEY is not set, /api routes are unauthenticated")
	}

	rl, stop := newRateLimiter(rateLimitConfig{
		RPS:        cfg.RateLimit,
		Burst:      cfg.RateBurst,
		TrustProxy: cfg.TrustProxy,
		Rejected:   s.metrics.rateLimitedTotal,
	})
	s.stopRL = stop
	auth := newAPIKeyAuth(cfg.APIKey, s.metrics.authFailuresTotal)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      requestLogger(s.log, cfg.TrustProxy, s.routes(rl, auth)),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// routes builds the request multiplexer. Every route is instrumented under
// a stable handler name.
func (s *Server) routes(rl *rateLimiter, auth *apiKeyAuth) *http.ServeMux {
	m := s.metrics
	mux := http.NewServeMux()

	mux.Handle("GET /{$}", m.instrument("index", http.HandlerFunc(s.handleIndex)))
	mux.Handle("GET /get", m.instrument("get", rl.middleware(http.HandlerFunc(s.handleGet))))
	mux.Handle("POST /get", m.instrument("get", rl.middleware(http.HandlerFunc(s.handleGet))))
	mux.Handle("POST /api/chat", m.instrument("chat",
		auth.wrap(rl.middleware(http.HandlerFunc(s.handleChat)))))
	mux.Handle("DELETE /api/history/{session}", m.instrument("history",
		auth.wrap(http.HandlerFunc(s.handleClearHistory))))
	mux.Handle("GET /api/health", m.instrument("health", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /api/ready", m.instrument("ready", http.HandlerFunc(s.handleReady)))
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.MetricsGatherer, promhttp.HandlerOpts{}))

	return mux
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.httpServer.Addr }

// Start binds the listen address and serves until ctx is cancelled, then
// drains in-flight requests for up to ShutdownTimeout. A bind failure is
// returned immediately.
func (s *Server) Start(ctx context.Context) error {
	defer s.stopRL()

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.httpServer.Addr, err)
	}
	s.log.Info("medibot server listening", slog.String("addr", "http://"+ln.Addr().String()))

	served := make(chan error, 1)
	go func() { served <- s.httpServer.Serve(ln) }()

	select {
	case err := <-served:
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	s.log.Info("shutting down", slog.Duration("timeout", s.cfg.ShutdownTimeout))
	drainCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// handleIndex serves the chat page.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := s.page.Execute(&buf, pageData{Title: "Medical Chatbot"}); err != nil {
		logging.FromContext(r.Context()).Error("render chat page", slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

// handleGet handles GET|POST /get. The question is read from the "msg"
// form field (or query parameter) and the answer is returned as
// {"response": "..."}. Failures return {"error": "An error occurred: ..."}.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())
	start := time.Now()

	if err := r.ParseForm(); err != nil {
		s.observeChat(outcomeInvalid, start)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: errorPrefix + err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ChatTimeout)
	defer cancel()

	reply, err := s.replier.Reply(ctx, r.FormValue("session"), r.FormValue("msg"))
	if err != nil {
		code, outcome := classify(ctx, err)
		s.observeChat(outcome, start)
		log.Error("chat failed", slog.String("outcome", outcome), slog.Any("error", err))
		writeJSON(w, code, errorResponse{Error: errorPrefix + err.Error()})
		return
	}

	outcome := outcomeOK
	if reply.Greeting {
		outcome = outcomeGreeting
	}
	s.observeChat(outcome, start)
	log.Info("chat answered",
		slog.Bool("greeting", reply.Greeting),
		slog.Int("sources", len(reply.Sources)),
	)
	writeJSON(w, http.StatusOK, getResponse{Response: reply.Text})
}

// handleChat handles POST /api/chat requests. It streams the answer using
// Server-Sent Events (SSE) so the UI can render tokens as they arrive.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.observeChat(outcomeInvalid, start)
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.observeChat(outcomeInvalid, start)
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}

	sse := newSSEStream(w)
	if err := sse.open(); err != nil {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	s.metrics.chatActiveStreams.Inc()
	defer s.metrics.chatActiveStreams.Dec()

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ChatTimeout)
	defer cancel()

	onSources := func(docs []rag.Document) {
		_ = sse.event("sources", sourcesPayload(docs))
	}

	reply, err := s.replier.Stream(ctx, req.Session, req.Message, sse, onSources)
	if err != nil {
		_, outcome := classify(ctx, err)
		s.observeChat(outcome, start)
		logging.FromContext(r.Context()).Error("chat stream failed",
			slog.String("outcome", outcome), slog.Any("error", err))
		_ = sse.event("error", err.Error())
		return
	}

	outcome := outcomeOK
	if reply.Greeting {
		outcome = outcomeGreeting
	}
	s.observeChat(outcome, start)
	_ = sse.event("done", "[DONE]")
}

// handleClearHistory handles DELETE /api/history/{session}.
func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		http.Error(w, "history is disabled", http.StatusNotFound)
		return
	}
	session := r.PathValue("session")
	if err := s.cfg.History.Clear(r.Context(), session); err != nil {
		logging.FromContext(r.Context()).Error("clear history", slog.Any("error", err))
		http.Error(w, "failed to clear history", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// observeChat records the outcome and duration of one chat request.
func (s *Server) observeChat(outcome string, start time.Time) {
	s.metrics.chatRequestsTotal.WithLabelValues(outcome).Inc()
	s.metrics.chatDurationSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

// classify maps a reply error to an HTTP status and a metrics outcome. ctx is
// the request's chat context: once its deadline has passed the request timed
// out, whatever shape the error took on its way up. gRPC deadline statuses
// from Qdrant do not wrap context.DeadlineExceeded.
func classify(ctx context.Context, err error) (int, string) {
	switch {
	case errors.Is(err, bot.ErrEmptyMessage):
		return http.StatusBadRequest, outcomeInvalid
	case errors.Is(ctx.Err(), context.DeadlineExceeded),
		errors.Is(err, context.DeadlineExceeded),
		status.Code(err) == codes.DeadlineExceeded:
		return http.StatusGatewayTimeout, outcomeTimeout
	default:
		return http.StatusInternalServerError, outcomeError
	}
}

func sourcesPayload(docs []rag.Document) string {
	out := make([]sourceEvent, 0, len(docs))
	for _, d := range docs {
		out = append(out, sourceEvent{
			Source: d.Source,
			Title:  d.Metadata["title"],
			Page:   d.Metadata["page"],
			Score:  d.Score,
		})
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sseStream frames output as Server-Sent Events. Plain writes become
// unnamed data frames carrying answer text. A chunk is split on every "\n",
// trailing ones included, so a client joining the data lines with "\n" gets
// the chunk back byte for byte.
type sseStream struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newSSEStream(w http.ResponseWriter) *sseStream {
	return &sseStream{w: w, rc: http.NewResponseController(w)}
}

// open sends the event-stream headers. It fails when w cannot flush, in
// which case nothing has been written yet.
func (s *sseStream) open() error {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	return s.rc.Flush()
}

func (s *sseStream) event(name, data string) error {
	var b strings.Builder
	if name != "" {
		b.WriteString("event: " + name + "\n")
	}
	for line := range strings.SplitSeq(data, "\n") {
		b.WriteString("data: " + line + "\n")
	}
	b.WriteByte('\n')
	if _, err := io.WriteString(s.w, b.String()); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *sseStream) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := s.event("", string(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}
