package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fluxtide/workspace-mcp/internal/apperrors"
	"github.com/fluxtide/workspace-mcp/internal/instrumentation"
	"github.com/fluxtide/workspace-mcp/internal/logging"
)

// RateLimiter is a token bucket rate limiter per client IP.
type RateLimiter struct {
	mu         sync.RWMutex
	buckets    map[string]*bucket
	rate       int
	burst      int
	trustProxy bool
	stop       chan struct{}
}

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastUpdate time.Time
}

// NewRateLimiter creates a rate limiter allowing rate requests per second
// with the given burst, keyed by client IP. Call Stop when done.
func NewRateLimiter(rate, burst int, trustProxy bool) *RateLimiter {
	rl := &RateLimiter{
		buckets:    make(map[string]*bucket),
		rate:       rate,
		burst:      burst,
		trustProxy: trustProxy,
		stop:       make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether a request from ip may proceed.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.RLock()
	b, exists := rl.buckets[ip]
	rl.mu.RUnlock()

	if !exists {
		b = &bucket{tokens: float64(rl.burst), lastUpdate: time.Now()}
		rl.mu.Lock()
		if existing, ok := rl.buckets[ip]; ok {
			b = existing
		} else {
			rl.buckets[ip] = b
		}
		rl.mu.Unlock()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens += now.Sub(b.lastUpdate).Seconds() * float64(rl.rate)
	if b.tokens > float64(rl.burst) {
		b.tokens = float64(rl.burst)
	}
	b.lastUpdate = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Stop terminates the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.stop)
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for ip, b := range rl.buckets {
				b.mu.Lock()
				if now.Sub(b.lastUpdate) > 10*time.Minute {
					delete(rl.buckets, ip)
				}
				b.mu.Unlock()
			}
			rl.mu.Unlock()
		}
	}
}

// Middleware applies the rate limit, answering 429 with Retry-After.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r, rl.trustProxy)) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP extracts the client address, honoring proxy headers only when
// configured to trust them.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if i := strings.IndexByte(xff, ','); i >= 0 {
				return strings.TrimSpace(xff[:i])
			}
			return xff
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}
	addr := r.RemoteAddr
	if i := strings.LastIndexByte(addr, ':'); i >= 0 {
		return addr[:i]
	}
	return addr
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// metricsMiddleware records request counts and latencies. The path label
// is the route pattern, never the raw URL, to bound cardinality.
func metricsMiddleware(metrics *instrumentation.Metrics, route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.RecordHTTPRequest(r.Context(), r.Method, route, rec.status, time.Since(start))
	})
}

// authMiddleware authenticates the MCP endpoint: a bearer token in the
// Authorization header, or the signed session cookie as a fallback. The
// resolved identity and decrypted token set travel on the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
			token := strings.TrimPrefix(header, "Bearer ")
			record, err := s.bearer.Validate(ctx, token)
			if err != nil {
				s.writeAuthError(w, err)
				return
			}
			sess, err := s.sessions.Get(ctx, record.SessionID)
			if err != nil || sess == nil {
				s.writeAuthError(w, apperrors.New(apperrors.KindAuthentication, "session no longer exists"))
				return
			}
			tokenSet, err := s.sessions.Tokens(sess)
			if err != nil || tokenSet == nil {
				s.writeAuthError(w, apperrors.New(apperrors.KindAuthentication, "session has no credentials"))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(ctx, &Auth{
				SessionID: sess.ID,
				UserEmail: record.UserEmail,
				Tokens:    tokenSet,
			})))
			return
		}

		// Cookie fallback for browser-based MCP clients.
		sess, err := s.flow.SessionFromRequest(r)
		if err == nil && sess != nil && sess.Authenticated {
			tokenSet, terr := s.sessions.Tokens(sess)
			if terr == nil && tokenSet != nil {
				next.ServeHTTP(w, r.WithContext(WithAuth(ctx, &Auth{
					SessionID: sess.ID,
					UserEmail: sess.UserEmail,
					Tokens:    tokenSet,
				})))
				return
			}
		}

		s.writeAuthError(w, apperrors.New(apperrors.KindAuthentication, "authentication required"))
	})
}

// writeAuthError maps an error kind onto the 401/403/429/503 response the
// MCP client needs to produce accurate retry guidance.
func (s *Server) writeAuthError(w http.ResponseWriter, err error) {
	kind := apperrors.KindOf(err)
	status := kind.HTTPStatus()

	w.Header().Set("Content-Type", "application/json")
	if kind == apperrors.KindAuthentication || kind == apperrors.KindTokenExpired {
		w.Header().Set("WWW-Authenticate", `Bearer realm="workspace-mcp", error="invalid_token"`)
	}
	var e *apperrors.E
	if errors.As(err, &e) && e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + kind.String() + `"}`))

	s.logger.Debug("mcp request rejected", logging.Status(kind.String()), logging.Err(err))
}
