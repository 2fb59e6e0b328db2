package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// defaultMaxRetries is how many times a throttled or failed embedding call
// is retried before the error is returned.
const defaultMaxRetries = 3

// retryPolicy controls the exponential backoff around one embedding call.
type retryPolicy struct {
	maxRetries uint64
	initial    time.Duration
	maxElapsed time.Duration
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{maxRetries: defaultMaxRetries, initial: 500 * time.Millisecond, maxElapsed: time.Minute}
}

func (p retryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initial
	b.MaxElapsedTime = p.maxElapsed
	return backoff.WithContext(backoff.WithMaxRetries(b, p.maxRetries), ctx)
}

// statusError is a non-2xx response from an embedding endpoint.
type statusError struct {
	code       int
	msg        string
	retryAfter time.Duration
}

func (e *statusError) Error() string { return e.msg }

// retryable reports whether the request may succeed if repeated.
func (e *statusError) retryable() bool {
	return e.code == http.StatusTooManyRequests || e.code >= http.StatusInternalServerError
}

// jsonPoster sends JSON requests and decodes JSON responses, retrying
// throttling, server errors and transport failures.
type jsonPoster struct {
	client *http.Client
	retry  retryPolicy
	// errMessage extracts the upstream error text from a response body.
	errMessage func(body []byte) string
}

// post sends in to url and decodes the response into out.
func (p *jsonPoster) post(ctx context.Context, url string, headers map[string]string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	op := func() error {
		err := p.once(ctx, url, headers, payload, out)
		var se *statusError
		switch {
		case err == nil:
			return nil
		case errors.As(err, &se) && !se.retryable():
			return backoff.Permanent(err)
		case errors.As(err, &se) && se.retryAfter > 0:
			// Honour the server's hint before the backoff's own delay.
			select {
			case <-time.After(se.retryAfter):
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			}
		}
		return err
	}
	return backoff.Retry(op, p.retry.backOff(ctx))
}

func (p *jsonPoster) once(ctx context.Context, url string, headers map[string]string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
		if p.errMessage != nil {
			if m := p.errMessage(body); m != "" {
				msg = m
			}
		}
		return &statusError{code: resp.StatusCode, msg: msg, retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return backoff.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// parseRetryAfter reads a delta-seconds Retry-After value, capped at 30s.
func parseRetryAfter(v string) time.Duration {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0
	}
	return min(time.Duration(n)*time.Second, 30*time.Second)
}
