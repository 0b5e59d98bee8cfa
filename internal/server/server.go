package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/fluxtide/workspace-mcp/internal/authcode"
	"github.com/fluxtide/workspace-mcp/internal/clientreg"
	"github.com/fluxtide/workspace-mcp/internal/instrumentation"
	"github.com/fluxtide/workspace-mcp/internal/logging"
	"github.com/fluxtide/workspace-mcp/internal/oauthflow"
	"github.com/fluxtide/workspace-mcp/internal/session"
	"github.com/fluxtide/workspace-mcp/internal/storage"
	"github.com/fluxtide/workspace-mcp/internal/tokens"
	"github.com/fluxtide/workspace-mcp/internal/workspace"
)

// Config carries the HTTP server settings.
type Config struct {
	// Addr is the main listen address.
	Addr string
	// BaseURL is the public base URL, used in discovery metadata.
	BaseURL string
	// Version is the build version, reported by the MCP server.
	Version string

	// RateLimitRate and RateLimitBurst bound per-IP request rates on the
	// OAuth endpoints. Zero rate disables limiting.
	RateLimitRate  int
	RateLimitBurst int
	// TrustProxy enables X-Forwarded-For handling.
	TrustProxy bool

	// PublicRegistration opens POST /oauth/register without a
	// registration access token.
	PublicRegistration bool
	// RegistrationToken guards registration when PublicRegistration is
	// false.
	RegistrationToken string

	// CleanupInterval is the period of the expired session/token sweep.
	// Zero disables the sweeper.
	CleanupInterval time.Duration
}

// Server is the gateway's main HTTP server.
type Server struct {
	cfg       Config
	store     storage.Store
	sessions  *session.Manager
	codes     *authcode.Manager
	bearer    *tokens.Manager
	clients   *clientreg.Registry
	flow      *oauthflow.Controller
	provider  oauthflow.Upstream
	factory   *workspace.Factory
	metrics   *instrumentation.Metrics
	logger    *slog.Logger
	limiter   *RateLimiter
	httpSrv   *http.Server
	stopSweep chan struct{}
}

// New assembles the server from its components.
func New(
	cfg Config,
	store storage.Store,
	sessions *session.Manager,
	codes *authcode.Manager,
	bearer *tokens.Manager,
	clients *clientreg.Registry,
	flow *oauthflow.Controller,
	provider oauthflow.Upstream,
	factory *workspace.Factory,
	metrics *instrumentation.Metrics,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = &instrumentation.Metrics{}
	}
	s := &Server{
		cfg:       cfg,
		store:     store,
		sessions:  sessions,
		codes:     codes,
		bearer:    bearer,
		clients:   clients,
		flow:      flow,
		provider:  provider,
		factory:   factory,
		metrics:   metrics,
		logger:    logging.WithComponent(logger, "server"),
		stopSweep: make(chan struct{}),
	}
	if cfg.RateLimitRate > 0 {
		s.limiter = NewRateLimiter(cfg.RateLimitRate, cfg.RateLimitBurst, cfg.TrustProxy)
	}
	return s
}

// Routes builds the main mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	limited := func(route string, h http.Handler) http.Handler {
		h = metricsMiddleware(s.metrics, route, h)
		if s.limiter != nil {
			h = s.limiter.Middleware(h)
		}
		return h
	}

	// OAuth flow.
	mux.Handle("/auth/login", limited("/auth/login", http.HandlerFunc(s.flow.HandleLogin)))
	mux.Handle("/oauth/callback", limited("/oauth/callback", http.HandlerFunc(s.flow.HandleCallback)))
	mux.Handle("/auth/status", limited("/auth/status", http.HandlerFunc(s.flow.HandleStatus)))
	mux.Handle("/auth/logout", limited("/auth/logout", http.HandlerFunc(s.flow.HandleLogout)))
	mux.Handle("/token", limited("/token", http.HandlerFunc(s.flow.HandleToken)))
	mux.Handle("/oauth/register", limited("/oauth/register", http.HandlerFunc(s.handleRegister)))

	// Discovery metadata.
	mux.HandleFunc("/.well-known/oauth-authorization-server", s.handleASMetadata)
	mux.HandleFunc("/.well-known/oauth-protected-resource", s.handleResourceMetadata)

	// MCP endpoint: DELETE tears the MCP session down, everything else is
	// JSON-RPC.
	mcpHandler := mcpserver.NewStreamableHTTPServer(s.buildMCPServer(),
		mcpserver.WithEndpointPath("/mcp"),
	)
	mux.Handle("/mcp", metricsMiddleware(s.metrics, "/mcp", s.authMiddleware(mcpHandler)))

	// GDPR data access and erasure.
	mux.Handle("/api/gdpr/user-data", limited("/api/gdpr/user-data", http.HandlerFunc(s.handleGDPR)))

	// Liveness and readiness.
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)

	return mux
}

// Start runs the server until the context is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if s.cfg.CleanupInterval > 0 {
		go s.sweepLoop(s.cfg.CleanupInterval)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.Addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Shutdown stops the listener, the sweeper, and the rate limiter.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stopSweep)
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.httpSrv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// sweepLoop actively removes sessions and tokens whose logical expiry has
// passed. The store's native TTLs normally get there first; the sweep
// covers records whose TTL and expiry field have drifted apart.
func (s *Server) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if _, err := s.sessions.CleanupExpired(ctx); err != nil {
				s.logger.Warn("session sweep failed", logging.Err(err))
			}
			if _, err := s.bearer.CleanupExpired(ctx); err != nil {
				s.logger.Warn("token sweep failed", logging.Err(err))
			}
			cancel()
		}
	}
}

// handleRegister is the RFC 7591 registration endpoint.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.cfg.PublicRegistration {
		header := r.Header.Get("Authorization")
		if s.cfg.RegistrationToken == "" ||
			header != "Bearer "+s.cfg.RegistrationToken {
			http.Error(w, "registration is not public", http.StatusUnauthorized)
			return
		}
	}

	var req clientreg.RegistrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		http.Error(w, "malformed registration request", http.StatusBadRequest)
		return
	}

	resp, err := s.clients.Register(r.Context(), &req, clientIP(r, s.cfg.TrustProxy))
	if err != nil {
		s.writeAuthError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(resp)
}

// handleASMetadata serves RFC 8414 authorization server metadata.
func (s *Server) handleASMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"issuer":                                s.cfg.BaseURL,
		"authorization_endpoint":                s.cfg.BaseURL + "/auth/login",
		"token_endpoint":                        s.cfg.BaseURL + "/token",
		"registration_endpoint":                 s.cfg.BaseURL + "/oauth/register",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"none", "client_secret_basic", "client_secret_post"},
	})
}

// handleResourceMetadata serves RFC 9728 protected resource metadata so
// MCP clients can discover the authorization server.
func (s *Server) handleResourceMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"resource":              s.cfg.BaseURL + "/mcp",
		"authorization_servers": []string{s.cfg.BaseURL},
		"bearer_methods_supported": []string{
			"header",
		},
	})
}
