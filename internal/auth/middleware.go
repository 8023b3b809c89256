package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// contextKey is used for storing claims in context.
type contextKey string

const claimsContextKey contextKey = "claims"

// Error codes written by the middleware.
const (
	CodeAuthRequired = "auth_required"
	CodeInvalidToken = "invalid_token"
	CodeForbidden    = "forbidden"
	CodeRateLimited  = "rate_limited"
)

// ErrorWriter writes an error response. The API passes its own so that
// auth failures share the API's error envelope.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, status int, code, message string)

func defaultErrorWriter(w http.ResponseWriter, _ *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}

// Middleware authenticates bearer tokens and authorizes scopes.
type Middleware struct {
	verifier    Verifier
	enabled     bool
	publicPaths map[string]bool
	writeError  ErrorWriter
	now         func() time.Time
}

// MiddlewareConfig holds middleware configuration.
type MiddlewareConfig struct {
	// Enabled controls whether auth is enforced
	Enabled bool

	// PublicPaths are paths that don't require authentication
	PublicPaths []string

	// ErrorWriter overrides the error response format
	ErrorWriter ErrorWriter
}

// NewMiddleware creates a new auth middleware. A nil verifier disables
// authentication.
func NewMiddleware(verifier Verifier, cfg *MiddlewareConfig) *Middleware {
	if cfg == nil {
		cfg = &MiddlewareConfig{}
	}

	publicPaths := map[string]bool{
		"/health":  true,
		"/healthz": true,
		"/ready":   true,
		"/metrics": true,
	}
	for _, p := range cfg.PublicPaths {
		publicPaths[p] = true
	}

	writeError := cfg.ErrorWriter
	if writeError == nil {
		writeError = defaultErrorWriter
	}

	return &Middleware{
		verifier:    verifier,
		enabled:     cfg.Enabled && verifier != nil,
		publicPaths: publicPaths,
		writeError:  writeError,
		now:         time.Now,
	}
}

// Enabled reports whether tokens are checked.
func (m *Middleware) Enabled() bool {
	return m.enabled
}

// Handler authenticates the request and stores its claims in the context.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled || m.publicPaths[r.URL.Path] || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			m.unauthorized(w, r, CodeAuthRequired, "missing authorization header")
			return
		}
		token, ok := bearerToken(authHeader)
		if !ok {
			m.unauthorized(w, r, CodeInvalidToken, "invalid authorization header format")
			return
		}

		claims, err := m.verifier.Verify(r.Context(), token)
		if err != nil {
			slog.Debug("token rejected", slog.Any("error", err))
			m.unauthorized(w, r, CodeInvalidToken, "invalid token")
			return
		}
		if claims.IsExpired(m.now()) {
			m.unauthorized(w, r, CodeInvalidToken, "token expired")
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Require returns middleware that rejects requests whose token lacks
// scope. It passes everything through when authentication is disabled.
func (m *Middleware) Require(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !m.enabled {
				next.ServeHTTP(w, r)
				return
			}
			claims := GetClaims(r.Context())
			if claims == nil || !(claims.HasScope(scope) || claims.HasScope(ScopeAdmin)) {
				m.writeError(w, r, http.StatusForbidden, CodeForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetClaims extracts claims from the request context.
func GetClaims(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsContextKey).(*Claims)
	return claims
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

func (m *Middleware) unauthorized(w http.ResponseWriter, r *http.Request, code, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="pipetrace"`)
	m.writeError(w, r, http.StatusUnauthorized, code, message)
}

// RateLimiter limits requests per client. Producers are keyed by token
// subject when authenticated and by client IP otherwise.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*clientLimiter
	rps      float64
	burst    int

	writeError ErrorWriter
	now        func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a per-client rate limiter.
// rps is requests per second, burst is the maximum burst size.
func NewRateLimiter(rps float64, burst int, writeError ErrorWriter) *RateLimiter {
	if writeError == nil {
		writeError = defaultErrorWriter
	}
	return &RateLimiter{
		limiters:   make(map[string]*clientLimiter),
		rps:        rps,
		burst:      burst,
		writeError: writeError,
		now:        time.Now,
	}
}

// Allow reports whether client may make a request now.
func (rl *RateLimiter) Allow(client string) bool {
	rl.mu.Lock()
	cl, ok := rl.limiters[client]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rl.rps), rl.burst)}
		rl.limiters[client] = cl
	}
	now := rl.now()
	cl.lastSeen = now
	rl.mu.Unlock()
	return cl.limiter.AllowN(now, 1)
}

// Evict forgets clients idle for longer than idle and returns how many.
func (rl *RateLimiter) Evict(idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-idle)
	n := 0
	for k, cl := range rl.limiters {
		if cl.lastSeen.Before(cutoff) {
			delete(rl.limiters, k)
			n++
		}
	}
	return n
}

// Run evicts idle clients every interval until ctx is cancelled.
func (rl *RateLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Evict(interval)
		}
	}
}

// Handler returns the rate limiting middleware handler.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientKey(r)
		if !rl.Allow(client) {
			w.Header().Set("Retry-After", "1")
			rl.writeError(w, r, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded")
			slog.Warn("rate limit exceeded", slog.String("client", client))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if claims := GetClaims(r.Context()); claims != nil && claims.Subject != "" {
		return "sub:" + claims.Subject
	}
	return "ip:" + clientIP(r)
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}
