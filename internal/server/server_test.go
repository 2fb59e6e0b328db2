package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// fakeClearer records the session passed to Clear.
type fakeClearer struct {
	got string
	err error
}

func (f *fakeClearer) Clear(_ context.Context, session string) error {
	f.got = session
	return f.err
}

// newRoutedServer builds a fully routed server through New with an isolated
// registry and rate limiting effectively disabled.
func newRoutedServer(t *testing.T, cfg *Config) *Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.MetricsRegistry = reg
	cfg.MetricsGatherer = reg
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 1000
		cfg.RateBurst = 1000
	}
	s, err := New(&fakeReplier{answer: "Take rest and fluids."}, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestServer_IndexPage(t *testing.T) {
	t.Parallel()

	s := newRoutedServer(t, &Config{})
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(w.Body.String(), `fetch("/get"`) {
		t.Error("chat page does not post to /get")
	}
}

func TestServer_UnknownPath(t *testing.T) {
	t.Parallel()

	s := newRoutedServer(t, &Config{})
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestServer_GetRoute(t *testing.T) {
	t.Parallel()

	s := newRoutedServer(t, &Config{})
	form := url.Values{"msg": {"what is a fever?"}}
	req := httptest.NewRequest(http.MethodPost, "/get", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"response":"Take rest and fluids."`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

// TestServer_GetRouteIsNotAuthenticated keeps the browser form usable when
// an API key protects the JSON endpoints.
func TestServer_GetRouteIsNotAuthenticated(t *testing.T) {
	t.Parallel()

	s := newRoutedServer(t, &Config{APIKey: "secret"})

	req := httptest.NewRequest(http.MethodGet, "/get?msg=hi", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("/get: expected 200, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"message":"hi"}`))
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("/api/chat: expected 401, got %d", w.Code)
	}
}

func TestServer_ClearHistory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		clearer    *fakeClearer
		wantStatus int
	}{
		{name: "cleared", clearer: &fakeClearer{}, wantStatus: http.StatusNoContent},
		{name: "store failure", clearer: &fakeClearer{err: errors.New("disk I/O error")}, wantStatus: http.StatusInternalServerError},
		{name: "history disabled", wantStatus: http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{}
			if tc.clearer != nil {
				cfg.History = tc.clearer
			}
			s := newRoutedServer(t, cfg)
			w := httptest.NewRecorder()
			s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/history/sess-42", nil))

			if w.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tc.wantStatus)
			}
			if tc.clearer != nil && tc.clearer.got != "sess-42" {
				t.Errorf("cleared session = %q", tc.clearer.got)
			}
		})
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	s := newRoutedServer(t, &Config{})
	h := s.Handler()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/get?msg=hello", nil))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{"medibot_http_requests_total", "medibot_chat_requests_total"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}

func TestServer_Addr(t *testing.T) {
	t.Parallel()

	s := newRoutedServer(t, &Config{Host: "0.0.0.0", Port: 8080})
	if got := s.Addr(); got != "0.0.0.0:8080" {
		t.Errorf("Addr() = %q", got)
	}
}

func TestServer_StartFailsWhenPortTaken(t *testing.T) {
	t.Parallel()

	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { taken.Close() })

	s := newRoutedServer(t, &Config{Port: taken.Addr().(*net.TCPAddr).Port})
	err = s.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "listen on") {
		t.Fatalf("Start = %v, want bind error", err)
	}
}

func TestServer_StartStopsOnCancel(t *testing.T) {
	t.Parallel()

	free, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := free.Addr().(*net.TCPAddr).Port
	free.Close()

	s := newRoutedServer(t, &Config{Port: port, ShutdownTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start = %v, want clean shutdown", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
