package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/54b3r/medibot-go/internal/bot"
	"github.com/54b3r/medibot-go/internal/rag"
)

// ---------------------------------------------------------------------------
// Fake replier for chat handler tests
// ---------------------------------------------------------------------------

// fakeReplier implements the Replier interface for tests. It routes
// greetings the way the real bot does and returns a fixed answer otherwise.
type fakeReplier struct {
	// answer is returned (and streamed) for non-greeting messages.
	answer string
	// sources are passed to onSources and returned with the reply.
	sources []rag.Document
	// err is returned instead of an answer.
	err error
	// block waits for ctx cancellation before returning. The error is
	// blockErr when set, else the wrapped ctx.Err().
	block    bool
	blockErr error
	// tokens, when set, are streamed one Write each instead of answer.
	tokens []string

	mu          sync.Mutex
	gotSession  string
	gotMessage  string
	gotDeadline bool
}

func (f *fakeReplier) record(ctx context.Context, session, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotSession = session
	f.gotMessage = msg
	_, f.gotDeadline = ctx.Deadline()
}

func (f *fakeReplier) reply(ctx context.Context, msg string) (*bot.Reply, error) {
	if f.block {
		<-ctx.Done()
		if f.blockErr != nil {
			return nil, f.blockErr
		}
		return nil, fmt.Errorf("chain: generate: %w", ctx.Err())
	}
	if f.err != nil {
		return nil, f.err
	}
	n := bot.Normalize(msg)
	if bot.IsGreeting(n) {
		return &bot.Reply{Text: bot.GreetingReply, Greeting: true}, nil
	}
	if n == "" {
		return nil, bot.ErrEmptyMessage
	}
	return &bot.Reply{Text: f.answer, Sources: f.sources}, nil
}

func (f *fakeReplier) Reply(ctx context.Context, session, msg string) (*bot.Reply, error) {
	f.record(ctx, session, msg)
	return f.reply(ctx, msg)
}

func (f *fakeReplier) Stream(ctx context.Context, session, msg string, w io.Writer, onSources func([]rag.Document)) (*bot.Reply, error) {
	f.record(ctx, session, msg)
	r, err := f.reply(ctx, msg)
	if err != nil {
		return nil, err
	}
	if !r.Greeting && onSources != nil {
		onSources(r.Sources)
	}
	if f.tokens == nil {
		_, _ = io.WriteString(w, r.Text)
		return r, nil
	}
	for _, tok := range f.tokens {
		_, _ = io.WriteString(w, tok)
	}
	return r, nil
}

// newTestServer builds a *Server with a default fake replier, an isolated
// metrics registry and the parsed chat page.
func newTestServer() *Server {
	return newChatTestServer(&fakeReplier{answer: "ok"})
}

// newChatTestServer builds a *Server wired with the given replier fake.
func newChatTestServer(r Replier) *Server {
	reg := prometheus.NewRegistry()
	return &Server{
		replier: r,
		cfg:     &Config{Port: 5000, ChatTimeout: time.Minute, MetricsRegistry: reg, MetricsGatherer: reg},
		log:     slog.Default(),
		metrics: newServerMetrics(reg),
		page:    template.Must(template.ParseFS(templatesFS, "templates/chat.html")),
	}
}

func postForm(s *Server, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/get", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	s.handleGet(w, req)
	return w
}

// ---------------------------------------------------------------------------
// GET|POST /get
// ---------------------------------------------------------------------------

func TestHandleGet_Greeting(t *testing.T) {
	t.Parallel()

	s := newChatTestServer(&fakeReplier{answer: "unused"})
	w := postForm(s, url.Values{"msg": {"  Hello "}})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp getResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Response != "Hello! How can I assist you today?" {
		t.Errorf("response = %q", resp.Response)
	}
}

func TestHandleGet_Answer(t *testing.T) {
	t.Parallel()

	r := &fakeReplier{answer: "Acne is a skin condition."}
	s := newChatTestServer(r)
	w := postForm(s, url.Values{"msg": {"What is acne?"}, "session": {"abc"}})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["response"] != "Acne is a skin condition." {
		t.Errorf("response = %q", resp["response"])
	}
	if _, ok := resp["error"]; ok {
		t.Error("unexpected error key on success")
	}
	if r.gotSession != "abc" || r.gotMessage != "What is acne?" {
		t.Errorf("replier got session=%q msg=%q", r.gotSession, r.gotMessage)
	}
	if !r.gotDeadline {
		t.Error("chat timeout not applied to context")
	}
}

func TestHandleGet_QueryParam(t *testing.T) {
	t.Parallel()

	r := &fakeReplier{answer: "x"}
	s := newChatTestServer(r)
	req := httptest.NewRequest(http.MethodGet, "/get?msg=hi", nil)
	w := httptest.NewRecorder()
	s.handleGet(w, req)

	if w.Code != http.StatusOK || r.gotMessage != "hi" {
		t.Errorf("status=%d message=%q", w.Code, r.gotMessage)
	}
}

func TestHandleGet_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		replier    *fakeReplier
		form       url.Values
		wantStatus int
		wantErr    string
	}{
		{
			name:       "empty message",
			replier:    &fakeReplier{},
			form:       url.Values{"msg": {"   "}},
			wantStatus: http.StatusBadRequest,
			wantErr:    "An error occurred: bot: message is empty",
		},
		{
			name:       "pipeline failure",
			replier:    &fakeReplier{err: errors.New("rag: vector search failed: unavailable")},
			form:       url.Values{"msg": {"what is flu?"}},
			wantStatus: http.StatusInternalServerError,
			wantErr:    "An error occurred: rag: vector search failed: unavailable",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			w := postForm(newChatTestServer(tc.replier), tc.form)
			if w.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tc.wantStatus)
			}
			var resp errorResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Error != tc.wantErr {
				t.Errorf("error = %q, want %q", resp.Error, tc.wantErr)
			}
		})
	}
}

func TestHandleGet_Timeout(t *testing.T) {
	t.Parallel()

	s := newChatTestServer(&fakeReplier{block: true})
	s.cfg.ChatTimeout = 10 * time.Millisecond

	w := postForm(s, url.Values{"msg": {"slow question"}})
	if w.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", w.Code)
	}
	if !strings.Contains(w.Body.String(), errorPrefix) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestHandleGet_TimeoutWithGRPCStatus(t *testing.T) {
	t.Parallel()

	deadline := status.Error(codes.DeadlineExceeded, "context deadline exceeded")
	tests := []struct {
		name string
		err  error
	}{
		{"bare status", deadline},
		{"wrapped status", fmt.Errorf("chain: retrieve: qdrant: search: %w", deadline)},
		{"unrelated error after deadline", errors.New("qdrant: search: transport is closing")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newChatTestServer(&fakeReplier{block: true, blockErr: tt.err})
			s.cfg.ChatTimeout = 10 * time.Millisecond

			w := postForm(s, url.Values{"msg": {"what causes acne?"}})
			if w.Code != http.StatusGatewayTimeout {
				t.Errorf("status = %d, want 504", w.Code)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	live := context.Background()
	expired, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	<-expired.Done()

	tests := []struct {
		name        string
		ctx         context.Context
		err         error
		wantCode    int
		wantOutcome string
	}{
		{"empty message", live, fmt.Errorf("bot: %w", bot.ErrEmptyMessage), http.StatusBadRequest, outcomeInvalid},
		{"context deadline", live, fmt.Errorf("embed: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, outcomeTimeout},
		{"grpc deadline", live, fmt.Errorf("search: %w", status.Error(codes.DeadlineExceeded, "slow")), http.StatusGatewayTimeout, outcomeTimeout},
		{"expired request context", expired, errors.New("upstream gave up"), http.StatusGatewayTimeout, outcomeTimeout},
		{"grpc unavailable", live, status.Error(codes.Unavailable, "qdrant down"), http.StatusInternalServerError, outcomeError},
		{"other", live, errors.New("boom"), http.StatusInternalServerError, outcomeError},
	}
	for _, tt := range tests {
		code, outcome := classify(tt.ctx, tt.err)
		if code != tt.wantCode || outcome != tt.wantOutcome {
			t.Errorf("%s: classify = %d/%s, want %d/%s", tt.name, code, outcome, tt.wantCode, tt.wantOutcome)
		}
	}
}

// ---------------------------------------------------------------------------
// POST /api/chat, validation error paths
// ---------------------------------------------------------------------------

func TestHandleChat_MissingMessage(t *testing.T) {
	t.Parallel()

	s := newChatTestServer(&fakeReplier{})
	req := httptest.NewRequest(http.MethodPost, "/api/chat",
		strings.NewReader(`{"session":"abc"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	s.handleChat(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHandleChat_InvalidJSON(t *testing.T) {
	t.Parallel()

	s := newChatTestServer(&fakeReplier{})
	req := httptest.NewRequest(http.MethodPost, "/api/chat",
		strings.NewReader(`not-json`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	s.handleChat(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// POST /api/chat, SSE stream
// ---------------------------------------------------------------------------

// TestHandleChat_Success verifies that a valid request produces an SSE stream
// with sources, the answer, and a "done" event, in that order.
func TestHandleChat_Success(t *testing.T) {
	t.Parallel()

	r := &fakeReplier{
		answer: "Asthma narrows the airways.\nUse an inhaler.",
		sources: []rag.Document{{
			Source:   "data/Medical_book.pdf",
			Metadata: map[string]string{"title": "Medical book", "page": "42"},
			Score:    0.87,
		}},
	}
	s := newChatTestServer(r)

	req := httptest.NewRequest(http.MethodPost, "/api/chat",
		strings.NewReader(`{"message":"what is asthma?","session":"s-1"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	s.handleChat(w, req)

	body := w.Body.String()
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	iSources := strings.Index(body, "event: sources")
	iAnswer := strings.Index(body, "data: Asthma narrows the airways.\ndata: Use an inhaler.\n\n")
	iDone := strings.Index(body, "event: done\ndata: [DONE]")
	if iSources < 0 || iAnswer < 0 || iDone < 0 {
		t.Fatalf("missing SSE frames in body:\n%s", body)
	}
	if iSources >= iAnswer || iAnswer >= iDone {
		t.Errorf("frames out of order:\n%s", body)
	}
	if !strings.Contains(body, `"page":"42"`) || !strings.Contains(body, `"source":"data/Medical_book.pdf"`) {
		t.Errorf("sources payload incomplete:\n%s", body)
	}
	if r.gotSession != "s-1" {
		t.Errorf("session = %q", r.gotSession)
	}
}

// TestHandleChat_ReplierError verifies that when the replier returns an
// error, the SSE stream includes an "error" event and the response is still
// 200 (SSE errors are delivered in-band, not via HTTP status).
func TestHandleChat_ReplierError(t *testing.T) {
	t.Parallel()

	s := newChatTestServer(&fakeReplier{err: fmt.Errorf("LLM unavailable")})

	req := httptest.NewRequest(http.MethodPost, "/api/chat",
		strings.NewReader(`{"message":"what is flu?"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	s.handleChat(w, req)

	body := w.Body.String()
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(body, "event: error") {
		t.Errorf("expected error event in body, got: %s", body)
	}
	if !strings.Contains(body, "LLM unavailable") {
		t.Errorf("expected error message in body, got: %s", body)
	}
	if strings.Contains(body, "event: done") {
		t.Errorf("done event after error: %s", body)
	}
}

func TestSSEStream_Frames(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	sse := newSSEStream(w)
	if err := sse.open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	n, err := sse.Write([]byte("line one\nline two\n"))
	if err != nil || n != len("line one\nline two\n") {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if n, _ := sse.Write(nil); n != 0 {
		t.Errorf("empty write produced %d bytes", n)
	}
	if err := sse.event("error", "bad\nthings"); err != nil {
		t.Fatal(err)
	}

	want := "data: line one\ndata: line two\ndata: \n\n" + "event: error\ndata: bad\ndata: things\n\n"
	if got := w.Body.String(); got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
	if !w.Flushed {
		t.Error("stream was never flushed")
	}
}

// decodeSSEData rebuilds the unnamed-event payloads of an SSE body the way a
// browser EventSource does: data lines of one event are joined with "\n".
func decodeSSEData(body string) string {
	var out strings.Builder
	var data []string
	named := false
	for line := range strings.SplitSeq(body, "\n") {
		switch {
		case line == "":
			if data != nil && !named {
				out.WriteString(strings.Join(data, "\n"))
			}
			data, named = nil, false
		case strings.HasPrefix(line, "event: "):
			named = true
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		}
	}
	return out.String()
}

func TestHandleChat_KeepsLineBreaks(t *testing.T) {
	t.Parallel()

	tokens := []string{"Acne is common.", "\n\n", "Treatment:", "\n", "- retinoids", "\n"}
	s := newChatTestServer(&fakeReplier{answer: strings.Join(tokens, ""), tokens: tokens})

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"message":"acne?"}`))
	w := httptest.NewRecorder()
	s.handleChat(w, req)

	want := "Acne is common.\n\nTreatment:\n- retinoids\n"
	if got := decodeSSEData(w.Body.String()); got != want {
		t.Errorf("decoded answer = %q, want %q\nbody:\n%s", got, want, w.Body.String())
	}
}
