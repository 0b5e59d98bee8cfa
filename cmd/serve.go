package cmd

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fluxtide/workspace-mcp/internal/authcode"
	"github.com/fluxtide/workspace-mcp/internal/breaker"
	"github.com/fluxtide/workspace-mcp/internal/clientreg"
	"github.com/fluxtide/workspace-mcp/internal/google"
	"github.com/fluxtide/workspace-mcp/internal/instrumentation"
	"github.com/fluxtide/workspace-mcp/internal/logging"
	"github.com/fluxtide/workspace-mcp/internal/oauthflow"
	"github.com/fluxtide/workspace-mcp/internal/redirect"
	"github.com/fluxtide/workspace-mcp/internal/secrets"
	"github.com/fluxtide/workspace-mcp/internal/server"
	"github.com/fluxtide/workspace-mcp/internal/session"
	"github.com/fluxtide/workspace-mcp/internal/storage"
	"github.com/fluxtide/workspace-mcp/internal/tokencrypt"
	"github.com/fluxtide/workspace-mcp/internal/tokens"
	"github.com/fluxtide/workspace-mcp/internal/workspace"
)

func newServeCmd() *cobra.Command {
	var (
		debugMode bool
		httpAddr  string
		baseURL   string
		// OAuth security settings
		allowPublicClientRegistration bool
		registrationAccessToken       string
		maxClientsPerIP               int
		cookieSigningKey              string
		extraRedirectURIs             string
		production                    bool
		trustProxy                    bool
		// Rate limiting
		rateLimitRate  int
		rateLimitBurst int
		// Storage
		redisAddr      string
		redisPassword  string
		redisDB        int
		redisTLS       bool
		redisKeyPrefix string
		// Metrics server
		metricsEnabled bool
		metricsAddr    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP gateway",
		Long: `Start the HTTP gateway serving the MCP endpoint and the OAuth flow.

OAuth Configuration:
  Base URL (required for deployed instances):
    --base-url https://your-domain.com OR MCP_BASE_URL env var

  Upstream credentials (required):
    GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET env vars, or the
    GOOGLE_CLIENT_SECRET_FILE variant for mounted secrets.

  Token encryption (required):
    TOKEN_ENCRYPTION_KEY env var, 64 hex characters (32 bytes).
    Tokens are never written to the store unencrypted.

Storage:
  Without --redis-addr the gateway keeps all state in process memory.
  That is fine for development and useless behind a load balancer.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if debugMode {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(logger)

			if baseURL == "" {
				baseURL = os.Getenv("MCP_BASE_URL")
			}
			if baseURL == "" {
				baseURL = fmt.Sprintf("http://localhost%s", httpAddr)
				logger.Warn("no base URL configured, defaulting to localhost", "base_url", baseURL)
			}

			resolver := secrets.NewResolver(logger)

			encKey, err := resolver.EncryptionKey()
			if err != nil {
				return fmt.Errorf("invalid token encryption key: %w", err)
			}
			if encKey == nil {
				return fmt.Errorf("TOKEN_ENCRYPTION_KEY is required (64 hex characters)")
			}
			cipher, err := tokencrypt.New(encKey)
			if err != nil {
				return fmt.Errorf("failed to initialize token encryption: %w", err)
			}

			clientID := resolver.GoogleClientID()
			clientSecret := resolver.GoogleClientSecret()
			provider, err := google.NewProvider(clientID, clientSecret, baseURL+"/oauth/callback", logger)
			if err != nil {
				return fmt.Errorf("failed to configure Google OAuth: %w", err)
			}

			signingKey, err := resolveCookieSigningKey(cookieSigningKey, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var store storage.Store
			if redisAddr != "" {
				redisStore, err := storage.NewRedisStore(ctx, storage.RedisConfig{
					Addr:       redisAddr,
					Password:   redisPassword,
					DB:         redisDB,
					TLSEnabled: redisTLS,
					KeyPrefix:  redisKeyPrefix,
				}, logger)
				if err != nil {
					return fmt.Errorf("failed to connect to store: %w", err)
				}
				store = redisStore
			} else {
				logger.Warn("no store configured, state is process-local and lost on restart")
				store = storage.NewMemoryStore()
			}
			defer func() {
				if err := store.Close(); err != nil {
					logger.Warn("store close failed", logging.Err(err))
				}
			}()

			instr, err := instrumentation.NewProvider(ctx,
				instrumentation.ConfigFromEnv("workspace-mcp", version))
			if err != nil {
				return fmt.Errorf("failed to initialize instrumentation: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := instr.Shutdown(shutdownCtx); err != nil {
					logger.Warn("instrumentation shutdown failed", logging.Err(err))
				}
			}()
			metrics := instr.Metrics()

			breakers := breaker.NewRegistry(breaker.Settings{}, metrics, logger)
			factory := workspace.NewFactory(provider, breakers, metrics, logger)

			sessions := session.NewManager(store, cipher, 0, logger)
			codes := authcode.NewManager(store, 0, logger)
			bearer := tokens.NewManager(store, 0, logger)
			clients := clientreg.NewRegistry(store, maxClientsPerIP, logger)
			redirects := redirect.NewValidator(clients, redirect.Config{
				Production:     production,
				ProductionURIs: []string{baseURL + "/auth/status"},
				ExtraURIs:      extraRedirectURIs,
			})

			flow := oauthflow.NewController(sessions, codes, bearer, clients, redirects, provider, metrics,
				oauthflow.Config{
					CookieSigningKey: signingKey,
					Secure:           production,
					TrustProxy:       trustProxy,
				}, logger)

			srv := server.New(server.Config{
				Addr:               httpAddr,
				BaseURL:            baseURL,
				Version:            version,
				RateLimitRate:      rateLimitRate,
				RateLimitBurst:     rateLimitBurst,
				TrustProxy:         trustProxy,
				PublicRegistration: allowPublicClientRegistration,
				RegistrationToken:  registrationAccessToken,
				CleanupInterval:    time.Hour,
			}, store, sessions, codes, bearer, clients, flow, provider, factory, metrics, logger)

			if metricsEnabled && instr.Enabled() {
				metricsSrv := server.NewMetricsServer(metricsAddr, instr.Handler())
				go func() {
					logger.Info("metrics server listening", "addr", metricsAddr)
					if err := metricsSrv.Start(); err != nil {
						logger.Error("metrics server failed", logging.Err(err))
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
						logger.Warn("metrics server shutdown failed", logging.Err(err))
					}
				}()
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&httpAddr, "addr", ":8080", "HTTP listen address")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Public base URL (or MCP_BASE_URL env var)")

	cmd.Flags().BoolVar(&allowPublicClientRegistration, "allow-public-client-registration", false,
		"Allow client registration without a registration access token")
	cmd.Flags().StringVar(&registrationAccessToken, "registration-access-token", "",
		"Token required to register clients when public registration is disabled")
	cmd.Flags().IntVar(&maxClientsPerIP, "max-clients-per-ip", 10,
		"Maximum client registrations per source IP (0 for unlimited)")
	cmd.Flags().StringVar(&cookieSigningKey, "cookie-signing-key", "",
		"Base64-encoded session cookie signing key (or MCP_COOKIE_SIGNING_KEY env var)")
	cmd.Flags().StringVar(&extraRedirectURIs, "extra-redirect-uris", "",
		"Comma-separated redirect URIs to whitelist in addition to registered clients")
	cmd.Flags().BoolVar(&production, "production", false,
		"Production mode: secure cookies, no localhost redirect defaults")
	cmd.Flags().BoolVar(&trustProxy, "trust-proxy", false,
		"Trust X-Forwarded-For headers for client IP extraction")

	cmd.Flags().IntVar(&rateLimitRate, "rate-limit", 10, "Requests per second per IP on OAuth endpoints (0 to disable)")
	cmd.Flags().IntVar(&rateLimitBurst, "rate-limit-burst", 20, "Burst size for the per-IP rate limit")

	cmd.Flags().StringVar(&redisAddr, "redis-addr", "", "Redis/Valkey address, e.g. valkey.namespace.svc:6379")
	cmd.Flags().StringVar(&redisPassword, "redis-password", "", "Redis/Valkey password")
	cmd.Flags().IntVar(&redisDB, "redis-db", 0, "Redis/Valkey database number")
	cmd.Flags().BoolVar(&redisTLS, "redis-tls", false, "Enable TLS for store connections")
	cmd.Flags().StringVar(&redisKeyPrefix, "redis-key-prefix", "mcp:", "Key prefix for all store keys")

	cmd.Flags().BoolVar(&metricsEnabled, "metrics-enabled", true, "Serve Prometheus metrics on a dedicated port")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Metrics server listen address")

	return cmd
}

// resolveCookieSigningKey returns the configured signing key, or generates
// an ephemeral one. An ephemeral key invalidates browser sessions on every
// restart and cannot be shared across replicas.
func resolveCookieSigningKey(flagValue string, logger *slog.Logger) ([]byte, error) {
	encoded := flagValue
	if encoded == "" {
		encoded = os.Getenv("MCP_COOKIE_SIGNING_KEY")
	}
	if encoded != "" {
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 cookie signing key: %w", err)
		}
		if len(key) < 32 {
			return nil, fmt.Errorf("cookie signing key must be at least 32 bytes, got %d", len(key))
		}
		return key, nil
	}

	key, err := tokencrypt.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate cookie signing key: %w", err)
	}
	logger.Warn("no cookie signing key configured, generated an ephemeral one")
	return key, nil
}
