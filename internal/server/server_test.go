package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxtide/workspace-mcp/internal/apperrors"
	"github.com/fluxtide/workspace-mcp/internal/authcode"
	"github.com/fluxtide/workspace-mcp/internal/clientreg"
	"github.com/fluxtide/workspace-mcp/internal/oauthflow"
	"github.com/fluxtide/workspace-mcp/internal/redirect"
	"github.com/fluxtide/workspace-mcp/internal/session"
	"github.com/fluxtide/workspace-mcp/internal/storage"
	"github.com/fluxtide/workspace-mcp/internal/tokencrypt"
	"github.com/fluxtide/workspace-mcp/internal/tokens"
)

// fakeUpstream stands in for Google.
type fakeUpstream struct {
	revoked int
}

func (f *fakeUpstream) ConsentURL(state string) string {
	return "https://accounts.example.com/consent?state=" + url.QueryEscape(state)
}

func (f *fakeUpstream) Exchange(context.Context, string) (*session.TokenSet, error) {
	return &session.TokenSet{
		AccessToken: "ya29.upstream",
		TokenType:   "Bearer",
		ExpiryDate:  time.Now().Add(time.Hour),
	}, nil
}

func (f *fakeUpstream) UserEmail(context.Context, *session.TokenSet) (string, error) {
	return "user@example.com", nil
}

func (f *fakeUpstream) Revoke(context.Context, *session.TokenSet) error {
	f.revoked++
	return nil
}

type testEnv struct {
	server   *Server
	store    storage.Store
	sessions *session.Manager
	bearer   *tokens.Manager
	upstream *fakeUpstream
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	store := storage.NewMemoryStore()

	key, err := tokencrypt.GenerateKey()
	require.NoError(t, err)
	cipher, err := tokencrypt.New(key)
	require.NoError(t, err)

	sessions := session.NewManager(store, cipher, 0, nil)
	codes := authcode.NewManager(store, 0, nil)
	bearer := tokens.NewManager(store, 0, nil)
	clients := clientreg.NewRegistry(store, 0, nil)
	redirects := redirect.NewValidator(clients, redirect.Config{})
	upstream := &fakeUpstream{}

	flow := oauthflow.NewController(sessions, codes, bearer, clients, redirects, upstream, nil,
		oauthflow.Config{CookieSigningKey: []byte("test-signing-key-32-bytes-long!!")}, nil)

	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://mcp.example.com"
	}
	srv := New(cfg, store, sessions, codes, bearer, clients, flow, upstream, nil, nil, nil)

	return &testEnv{
		server:   srv,
		store:    store,
		sessions: sessions,
		bearer:   bearer,
		upstream: upstream,
	}
}

// authenticate creates a fully authenticated session and returns a valid
// bearer token for it.
func authenticate(t *testing.T, env *testEnv, email string) (sessionID, token string) {
	t.Helper()
	ctx := context.Background()

	sess, err := env.sessions.Create(ctx, session.Metadata{})
	require.NoError(t, err)
	_, err = env.sessions.StoreTokens(ctx, sess.ID, &session.TokenSet{
		AccessToken: "ya29.test",
		TokenType:   "Bearer",
		ExpiryDate:  time.Now().Add(time.Hour),
	}, email)
	require.NoError(t, err)

	record, err := env.bearer.Issue(ctx, sess.ID, email, "", "")
	require.NoError(t, err)
	return sess.ID, record.Token
}

func TestRateLimiterAllowsBurstThenDenies(t *testing.T) {
	rl := NewRateLimiter(1, 2, false)
	defer rl.Stop()

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))

	// A different IP has its own bucket.
	assert.True(t, rl.Allow("10.0.0.2"))
}

func TestRateLimitMiddlewareAnswers429(t *testing.T) {
	rl := NewRateLimiter(1, 1, false)
	defer rl.Stop()

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/auth/login", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xri        string
		trustProxy bool
		want       string
	}{
		{
			name:       "remote addr only",
			remoteAddr: "192.0.2.1:5000",
			want:       "192.0.2.1",
		},
		{
			name:       "forwarded header ignored without trust",
			remoteAddr: "192.0.2.1:5000",
			xff:        "203.0.113.9",
			want:       "192.0.2.1",
		},
		{
			name:       "forwarded header first entry with trust",
			remoteAddr: "192.0.2.1:5000",
			xff:        "203.0.113.9, 198.51.100.2",
			trustProxy: true,
			want:       "203.0.113.9",
		},
		{
			name:       "real ip with trust",
			remoteAddr: "192.0.2.1:5000",
			xri:        "203.0.113.7",
			trustProxy: true,
			want:       "203.0.113.7",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}
			assert.Equal(t, tt.want, clientIP(req, tt.trustProxy))
		})
	}
}

func TestAuthMiddlewareRejectsMissingCredentials(t *testing.T) {
	env := newTestEnv(t, Config{})

	handler := env.server.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run without credentials")
	}))

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "invalid_token")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["error"])
}

func TestAuthMiddlewareRejectsUnknownToken(t *testing.T) {
	env := newTestEnv(t, Config{})

	handler := env.server.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run with an unknown token")
	}))

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	// A token was presented but matches nothing issued: forbidden, not
	// unauthenticated.
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "permission_denied", body["error"])
}

func TestWriteAuthErrorEmitsRetryAfter(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec := httptest.NewRecorder()
	env.server.writeAuthError(rec, apperrors.RateLimited("client registration limit reached for this address", 3600))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3600", rec.Header().Get("Retry-After"))
}

func TestAuthMiddlewareResolvesBearerToken(t *testing.T) {
	env := newTestEnv(t, Config{})
	sessionID, token := authenticate(t, env, "user@example.com")

	var seen *Auth
	handler := env.server.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = AuthFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, sessionID, seen.SessionID)
	assert.Equal(t, "user@example.com", seen.UserEmail)
	require.NotNil(t, seen.Tokens)
	assert.Equal(t, "ya29.test", seen.Tokens.AccessToken)
}

func TestAuthMiddlewareRejectsTokenForDeletedSession(t *testing.T) {
	env := newTestEnv(t, Config{})
	sessionID, token := authenticate(t, env, "user@example.com")

	_, err := env.sessions.Delete(context.Background(), sessionID)
	require.NoError(t, err)

	handler := env.server.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run for a deleted session")
	}))

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthorizationServerMetadata(t *testing.T) {
	env := newTestEnv(t, Config{BaseURL: "https://mcp.example.com"})
	handler := env.server.Routes()

	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))

	assert.Equal(t, "https://mcp.example.com", meta["issuer"])
	assert.Equal(t, "https://mcp.example.com/auth/login", meta["authorization_endpoint"])
	assert.Equal(t, "https://mcp.example.com/token", meta["token_endpoint"])
	assert.Equal(t, "https://mcp.example.com/oauth/register", meta["registration_endpoint"])
	assert.Equal(t, []any{"S256"}, meta["code_challenge_methods_supported"])
	assert.Equal(t, []any{"authorization_code"}, meta["grant_types_supported"])
}

func TestProtectedResourceMetadata(t *testing.T) {
	env := newTestEnv(t, Config{BaseURL: "https://mcp.example.com"})
	handler := env.server.Routes()

	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-protected-resource", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))

	assert.Equal(t, "https://mcp.example.com/mcp", meta["resource"])
	assert.Equal(t, []any{"https://mcp.example.com"}, meta["authorization_servers"])
}

func TestRegisterEndpointGatedByDefault(t *testing.T) {
	env := newTestEnv(t, Config{RegistrationToken: "reg-secret"})
	handler := env.server.Routes()

	body := bytes.NewBufferString(`{"redirect_uris":["https://client.example.com/cb"]}`)
	req := httptest.NewRequest(http.MethodPost, "/oauth/register", body)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	body = bytes.NewBufferString(`{"redirect_uris":["https://client.example.com/cb"]}`)
	req = httptest.NewRequest(http.MethodPost, "/oauth/register", body)
	req.Header.Set("Authorization", "Bearer reg-secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestRegisterEndpointPublic(t *testing.T) {
	env := newTestEnv(t, Config{PublicRegistration: true})
	handler := env.server.Routes()

	body := bytes.NewBufferString(`{"redirect_uris":["https://client.example.com/cb"],"token_endpoint_auth_method":"none"}`)
	req := httptest.NewRequest(http.MethodPost, "/oauth/register", body)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["client_id"])

	// Malformed body.
	req = httptest.NewRequest(http.MethodPost, "/oauth/register", bytes.NewBufferString("{"))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Wrong method.
	req = httptest.NewRequest(http.MethodGet, "/oauth/register", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

type pingFailingStore struct {
	storage.Store
}

func (s *pingFailingStore) Ping(context.Context) error {
	return assert.AnError
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, Config{})
	handler := env.server.Routes()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzReportsStoreOutage(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.server.store = &pingFailingStore{Store: env.store}
	handler := env.server.Routes()

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGDPRExport(t *testing.T) {
	env := newTestEnv(t, Config{})
	sessionID, token := authenticate(t, env, "user@example.com")
	handler := env.server.Routes()

	req := httptest.NewRequest(http.MethodGet, "/api/gdpr/user-data", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		UserEmail string            `json:"user_email"`
		Sessions  []gdprSessionInfo `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.Equal(t, "user@example.com", resp.UserEmail)
	require.Len(t, resp.Sessions, 1)
	assert.Equal(t, sessionID, resp.Sessions[0].ID)
	assert.True(t, resp.Sessions[0].HasTokens)
	assert.NotContains(t, rec.Body.String(), "ya29.test", "export must not leak token material")
}

func TestGDPRErasure(t *testing.T) {
	env := newTestEnv(t, Config{})
	sessionID, token := authenticate(t, env, "user@example.com")
	handler := env.server.Routes()

	req := httptest.NewRequest(http.MethodDelete, "/api/gdpr/user-data", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Deleted             bool `json:"deleted"`
		SessionsDeleted     int  `json:"sessions_deleted"`
		TokensRevoked       int  `json:"tokens_revoked"`
		BearerTokensRevoked int  `json:"bearer_tokens_revoked"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.True(t, resp.Deleted)
	assert.Equal(t, 1, resp.SessionsDeleted)
	assert.Equal(t, 0, resp.TokensRevoked, "session without a refresh token counts as zero")
	assert.Equal(t, 1, resp.BearerTokensRevoked)
	assert.Equal(t, 1, env.upstream.revoked)

	ctx := context.Background()
	sess, err := env.sessions.Get(ctx, sessionID)
	require.NoError(t, err)
	assert.Nil(t, sess)

	_, err = env.bearer.Validate(ctx, token)
	assert.Error(t, err)
}

func TestGDPRErasureCountsRefreshTokenSessions(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	// One session with a refresh token, two bearer tokens against it.
	sess, err := env.sessions.Create(ctx, session.Metadata{})
	require.NoError(t, err)
	_, err = env.sessions.StoreTokens(ctx, sess.ID, &session.TokenSet{
		AccessToken:  "ya29.test",
		RefreshToken: "1//refresh",
		TokenType:    "Bearer",
		ExpiryDate:   time.Now().Add(time.Hour),
	}, "user@example.com")
	require.NoError(t, err)

	record, err := env.bearer.Issue(ctx, sess.ID, "user@example.com", "", "")
	require.NoError(t, err)
	_, err = env.bearer.Issue(ctx, sess.ID, "user@example.com", "", "")
	require.NoError(t, err)

	handler := env.server.Routes()
	req := httptest.NewRequest(http.MethodDelete, "/api/gdpr/user-data", nil)
	req.Header.Set("Authorization", "Bearer "+record.Token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		SessionsDeleted     int `json:"sessions_deleted"`
		TokensRevoked       int `json:"tokens_revoked"`
		BearerTokensRevoked int `json:"bearer_tokens_revoked"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.Equal(t, 1, resp.SessionsDeleted)
	assert.Equal(t, 1, resp.TokensRevoked, "counts sessions holding a refresh token, not bearer records")
	assert.Equal(t, 2, resp.BearerTokensRevoked)
}

func TestGDPRRequiresAuthentication(t *testing.T) {
	env := newTestEnv(t, Config{})
	handler := env.server.Routes()

	req := httptest.NewRequest(http.MethodGet, "/api/gdpr/user-data", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMaxResultsArg(t *testing.T) {
	assert.Equal(t, int64(defaultMaxResults), maxResultsArg(map[string]any{}))
	assert.Equal(t, int64(10), maxResultsArg(map[string]any{"maxResults": float64(10)}))
	assert.Equal(t, int64(10), maxResultsArg(map[string]any{"maxResults": "10"}))
	assert.Equal(t, int64(maxToolListResults), maxResultsArg(map[string]any{"maxResults": float64(5000)}))
	assert.Equal(t, int64(1), maxResultsArg(map[string]any{"maxResults": float64(-3)}))
}

func TestSplitCommaList(t *testing.T) {
	assert.Equal(t, []string{"a@example.com", "b@example.com"},
		splitCommaList("a@example.com, b@example.com"))
	assert.Nil(t, splitCommaList(""))
	assert.Nil(t, splitCommaList(" , "))
}
