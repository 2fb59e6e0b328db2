package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/medibot-go/internal/logging"
)

// apiKeyHeader is accepted as an alternative to the Authorization header for
// clients that cannot set bearer tokens.
const apiKeyHeader = "X-API-Key"

// apiKeyAuth guards the JSON API with a single shared key. The browser chat
// page posts to /get and is never wrapped.
type apiKeyAuth struct {
	// digest is the SHA-256 of the configured key; nil disables the check.
	digest []byte
	// failures counts rejections by reason. May be nil.
	failures *prometheus.CounterVec
}

// newAPIKeyAuth returns an authenticator for key. An empty key disables
// authentication; New warns about it once at startup.
func newAPIKeyAuth(key string, failures *prometheus.CounterVec) *apiKeyAuth {
	a := &apiKeyAuth{failures: failures}
	if key != "" {
		sum := sha256.Sum256([]byte(key))
		a.digest = sum[:]
	}
	return a
}

// wrap returns next guarded by the key check. Requests must present either
//
//	Authorization: Bearer <key>
//	X-API-Key: <key>
//
// Rejections are 401 with a WWW-Authenticate challenge and a JSON error body.
// The presented value is never logged.
func (a *apiKeyAuth) wrap(next http.Handler) http.Handler {
	if a.digest == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := presentedKey(r)
		if token == "" {
			a.reject(w, r, "missing", `Bearer realm="medibot"`, "authorization required")
			return
		}
		if !a.matches(token) {
			a.reject(w, r, "invalid", `Bearer realm="medibot", error="invalid_token"`, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// matches compares digests so the comparison time does not depend on how
// much of the key was guessed.
func (a *apiKeyAuth) matches(token string) bool {
	sum := sha256.Sum256([]byte(token))
	return subtle.ConstantTimeCompare(sum[:], a.digest) == 1
}

func (a *apiKeyAuth) reject(w http.ResponseWriter, r *http.Request, reason, challenge, msg string) {
	logging.FromContext(r.Context()).Warn("auth: request rejected",
		slog.String("reason", reason),
		slog.String("path", r.URL.Path),
	)
	if a.failures != nil {
		a.failures.WithLabelValues(reason).Inc()
	}
	w.Header().Set("WWW-Authenticate", challenge)
	writeJSON(w, http.StatusUnauthorized, errorResponse{Error: msg})
}

// presentedKey returns the bearer token, falling back to the X-API-Key header.
func presentedKey(r *http.Request) string {
	if t := bearerToken(r); t != "" {
		return t
	}
	return strings.TrimSpace(r.Header.Get(apiKeyHeader))
}

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header. Returns an empty string if the header is absent or malformed.
func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
