package oauthflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fluxtide/workspace-mcp/internal/apperrors"
	"github.com/fluxtide/workspace-mcp/internal/authcode"
	"github.com/fluxtide/workspace-mcp/internal/clientreg"
	"github.com/fluxtide/workspace-mcp/internal/logging"
	"github.com/fluxtide/workspace-mcp/internal/redirect"
	"github.com/fluxtide/workspace-mcp/internal/session"
	"github.com/fluxtide/workspace-mcp/internal/tokens"
)

// Flow labels for metrics and logs.
const (
	FlowPKCE   = "pkce"
	FlowLegacy = "legacy"
)

// Upstream is the identity provider the flow delegates to. Satisfied by
// *google.Provider.
type Upstream interface {
	ConsentURL(state string) string
	Exchange(ctx context.Context, code string) (*session.TokenSet, error)
	UserEmail(ctx context.Context, tokens *session.TokenSet) (string, error)
	Revoke(ctx context.Context, tokens *session.TokenSet) error
}

// Metrics receives flow outcome events. Implementations must be safe for
// concurrent use.
type Metrics interface {
	LoginStarted(flow string)
	CallbackOutcome(flow, outcome string)
	TokenExchange(outcome string)
}

type noopMetrics struct{}

func (noopMetrics) LoginStarted(string)         {}
func (noopMetrics) CallbackOutcome(_, _ string) {}
func (noopMetrics) TokenExchange(string)        {}

// Config carries the controller's wiring.
type Config struct {
	// CookieName overrides DefaultCookieName.
	CookieName string
	// CookieSigningKey signs session cookies. Required.
	CookieSigningKey []byte
	// Secure marks cookies Secure and enables SameSite=None. Set for any
	// deployment serving HTTPS.
	Secure bool
	// TrustProxy enables X-Forwarded-For for client IP extraction.
	TrustProxy bool
}

// Controller handles the OAuth endpoints.
type Controller struct {
	sessions  *session.Manager
	codes     *authcode.Manager
	bearer    *tokens.Manager
	clients   *clientreg.Registry
	redirects *redirect.Validator
	provider  Upstream
	metrics   Metrics
	cookie    *cookieCodec
	logger    *slog.Logger
	trust     bool
}

// NewController wires the flow controller.
func NewController(
	sessions *session.Manager,
	codes *authcode.Manager,
	bearer *tokens.Manager,
	clients *clientreg.Registry,
	redirects *redirect.Validator,
	provider Upstream,
	metrics Metrics,
	cfg Config,
	logger *slog.Logger,
) *Controller {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		sessions:  sessions,
		codes:     codes,
		bearer:    bearer,
		clients:   clients,
		redirects: redirects,
		provider:  provider,
		metrics:   metrics,
		cookie:    newCookieCodec(cfg.CookieName, cfg.CookieSigningKey, cfg.Secure, session.DefaultTTL),
		logger:    logging.WithComponent(logger, "oauthflow"),
		trust:     cfg.TrustProxy,
	}
}

// HandleLogin starts the flow: validates the redirect target, creates a
// session, parks PKCE parameters if present, sets the session cookie, and
// sends the browser to Google's consent screen.
func (c *Controller) HandleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	redirectURI := q.Get("redirect_uri")
	clientID := q.Get("client_id")
	challenge := q.Get("code_challenge")
	method := q.Get("code_challenge_method")

	isPKCE := clientID != "" && challenge != ""
	flow := FlowLegacy
	if isPKCE {
		flow = FlowPKCE
	}

	// The redirect target is validated on the way in and again on the way
	// out at the callback; registrations can change in between.
	if err := c.redirects.Validate(ctx, clientID, redirectURI); err != nil {
		c.logger.Warn("login rejected: redirect_uri validation failed",
			logging.Flow(flow), logging.ClientID(clientID), logging.Err(err))
		writeErrorPage(w, http.StatusBadRequest, "The redirect URI is not allowed.")
		return
	}

	sess, err := c.sessions.Create(ctx, session.Metadata{
		UserAgent:   r.UserAgent(),
		IPAddress:   clientIP(r, c.trust),
		RedirectURI: redirectURI,
		IsPKCEFlow:  isPKCE,
	})
	if err != nil {
		c.logger.Error("login failed: session creation", logging.Err(err))
		writeErrorPage(w, http.StatusServiceUnavailable, "The service is temporarily unavailable.")
		return
	}

	if isPKCE {
		if _, err := c.clients.Get(ctx, clientID); err != nil {
			c.logger.Warn("login rejected: unknown client", logging.ClientID(clientID))
			writeErrorPage(w, http.StatusBadRequest, "The OAuth client is not registered.")
			return
		}
		pending := &authcode.PendingRequest{
			ClientID:            clientID,
			RedirectURI:         redirectURI,
			CodeChallenge:       challenge,
			CodeChallengeMethod: method,
			State:               q.Get("state"),
			Scope:               q.Get("scope"),
		}
		if err := c.codes.SavePending(ctx, sess.ID, pending); err != nil {
			c.logger.Warn("login rejected: invalid PKCE parameters",
				logging.ClientID(clientID), logging.Err(err))
			writeErrorPage(w, http.StatusBadRequest, "The authorization request is invalid.")
			return
		}
	}

	// The cookie must be on its way before the redirect: the callback
	// needs it to re-bind the browser to this session.
	c.cookie.set(w, sess.ID)
	c.metrics.LoginStarted(flow)

	c.logger.Info("login started", logging.Flow(flow),
		logging.SessionHash(sess.ID), logging.ClientID(clientID))
	http.Redirect(w, r, c.provider.ConsentURL(sess.ID), http.StatusFound)
}

// HandleCallback completes the flow after upstream consent. The state
// parameter carries the gateway session id.
func (c *Controller) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	if upstreamErr := q.Get("error"); upstreamErr != "" {
		c.logger.Warn("callback carried an upstream error", "upstream_error", upstreamErr)
		c.metrics.CallbackOutcome("unknown", "upstream_denied")
		writeErrorPage(w, http.StatusBadRequest, "Google reported an authorization error. No access was granted.")
		return
	}

	state := q.Get("state")
	code := q.Get("code")
	if state == "" || code == "" {
		writeErrorPage(w, http.StatusBadRequest, "The callback request is incomplete.")
		return
	}

	sess, err := c.sessions.Get(ctx, state)
	if err != nil {
		writeErrorPage(w, http.StatusServiceUnavailable, "The service is temporarily unavailable.")
		return
	}
	if sess == nil {
		c.logger.Warn("callback for unknown or expired session")
		writeErrorPage(w, http.StatusBadRequest, "The sign-in session has expired. Please start again.")
		return
	}

	flow := FlowLegacy
	if sess.Metadata.IsPKCEFlow {
		flow = FlowPKCE
	}

	tokenSet, err := c.provider.Exchange(ctx, code)
	if err != nil {
		c.logger.Error("upstream code exchange failed", logging.Flow(flow), logging.Err(err))
		c.metrics.CallbackOutcome(flow, "exchange_failed")
		writeErrorPage(w, http.StatusBadGateway, "Could not complete sign-in with Google.")
		return
	}

	email, err := c.provider.UserEmail(ctx, tokenSet)
	if err != nil {
		c.logger.Error("userinfo lookup failed", logging.Flow(flow), logging.Err(err))
		c.metrics.CallbackOutcome(flow, "userinfo_failed")
		writeErrorPage(w, http.StatusBadGateway, "Could not determine the signed-in account.")
		return
	}

	if _, err := c.sessions.StoreTokens(ctx, sess.ID, tokenSet, email); err != nil {
		c.logger.Error("failed to store session tokens", logging.Flow(flow), logging.Err(err))
		c.metrics.CallbackOutcome(flow, "store_failed")
		writeErrorPage(w, http.StatusServiceUnavailable, "The service is temporarily unavailable.")
		return
	}

	if sess.Metadata.IsPKCEFlow {
		c.completePKCE(ctx, w, r, sess, email, tokenSet)
		return
	}
	c.completeLegacy(ctx, w, r, sess, email)
}

// completePKCE answers the callback with a single-use authorization code.
// The pending request is consumed first, so a duplicate callback delivery
// finds nothing and fails closed.
func (c *Controller) completePKCE(ctx context.Context, w http.ResponseWriter, r *http.Request, sess *session.Session, email string, tokenSet *session.TokenSet) {
	pending, err := c.codes.TakePending(ctx, sess.ID)
	if err != nil {
		c.metrics.CallbackOutcome(FlowPKCE, "store_failed")
		writeErrorPage(w, http.StatusServiceUnavailable, "The service is temporarily unavailable.")
		return
	}
	if pending == nil {
		c.logger.Warn("callback without a pending authorization request",
			logging.SessionHash(sess.ID))
		c.metrics.CallbackOutcome(FlowPKCE, "replayed")
		writeErrorPage(w, http.StatusBadRequest, "This sign-in was already completed. Please start again.")
		return
	}

	// Revalidate on the way out: the registration may have changed since
	// login.
	if err := c.redirects.Validate(ctx, pending.ClientID, pending.RedirectURI); err != nil {
		c.logger.Warn("callback rejected: redirect_uri no longer valid",
			logging.ClientID(pending.ClientID), logging.Err(err))
		c.metrics.CallbackOutcome(FlowPKCE, "redirect_rejected")
		writeErrorPage(w, http.StatusBadRequest, "The redirect URI is not allowed.")
		return
	}

	code, err := c.codes.Mint(ctx, pending, sess.ID, email, tokenSet)
	if err != nil {
		c.logger.Error("failed to mint authorization code", logging.Err(err))
		c.metrics.CallbackOutcome(FlowPKCE, "mint_failed")
		writeErrorPage(w, http.StatusServiceUnavailable, "The service is temporarily unavailable.")
		return
	}

	target, _ := url.Parse(pending.RedirectURI)
	params := target.Query()
	params.Set("code", code)
	if pending.State != "" {
		params.Set("state", pending.State)
	}
	target.RawQuery = params.Encode()

	c.metrics.CallbackOutcome(FlowPKCE, "success")
	c.logger.Info("authorization code issued",
		logging.ClientID(pending.ClientID), logging.UserHash(email))
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// completeLegacy answers the callback with a bearer token delivered to the
// whitelisted redirect URI, or with the status page when none was given.
// The session's redirect_uri is cleared before the redirect so a replayed
// callback cannot re-issue credentials.
func (c *Controller) completeLegacy(ctx context.Context, w http.ResponseWriter, r *http.Request, sess *session.Session, email string) {
	redirectURI := sess.Metadata.RedirectURI
	if redirectURI == "" {
		c.metrics.CallbackOutcome(FlowLegacy, "success")
		writeStatusPage(w, email)
		return
	}

	if err := c.redirects.Validate(ctx, "", redirectURI); err != nil {
		c.logger.Warn("callback rejected: legacy redirect_uri no longer valid", logging.Err(err))
		c.metrics.CallbackOutcome(FlowLegacy, "redirect_rejected")
		writeErrorPage(w, http.StatusBadRequest, "The redirect URI is not allowed.")
		return
	}

	record, err := c.bearer.Issue(ctx, sess.ID, email, "", "")
	if err != nil {
		c.logger.Error("failed to issue bearer token", logging.Err(err))
		c.metrics.CallbackOutcome(FlowLegacy, "issue_failed")
		writeErrorPage(w, http.StatusServiceUnavailable, "The service is temporarily unavailable.")
		return
	}

	if _, err := c.sessions.Update(ctx, sess.ID, func(s *session.Session) {
		s.Metadata.RedirectURI = ""
	}); err != nil {
		c.logger.Warn("failed to clear session redirect_uri", logging.Err(err))
	}

	target, _ := url.Parse(redirectURI)
	params := target.Query()
	params.Set("access_token", record.Token)
	params.Set("token_type", "Bearer")
	target.RawQuery = params.Encode()

	c.metrics.CallbackOutcome(FlowLegacy, "success")
	c.logger.Info("bearer token delivered", logging.UserHash(email))
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// HandleToken is the POST /token endpoint: exchanges an authorization code
// for a bearer token under PKCE.
func (c *Controller) HandleToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		writeOAuthError(w, http.StatusMethodNotAllowed, "invalid_request", "POST required")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}
	if grant := r.PostForm.Get("grant_type"); grant != "authorization_code" {
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type",
			"only authorization_code is supported")
		return
	}

	clientID := r.PostForm.Get("client_id")
	clientSecret := r.PostForm.Get("client_secret")
	if basicID, basicSecret, ok := r.BasicAuth(); ok {
		clientID, clientSecret = basicID, basicSecret
	}

	client, err := c.clients.Get(ctx, clientID)
	if err != nil {
		c.metrics.TokenExchange("unknown_client")
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "unknown client")
		return
	}
	if !client.Public() {
		if err := c.clients.ValidateSecret(ctx, clientID, clientSecret); err != nil {
			c.metrics.TokenExchange("bad_secret")
			writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
			return
		}
	}

	record, err := c.codes.Consume(ctx, authcode.ExchangeRequest{
		Code:         r.PostForm.Get("code"),
		ClientID:     clientID,
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
	})
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindUnavailable {
			c.metrics.TokenExchange("store_failed")
			writeOAuthError(w, http.StatusServiceUnavailable, "temporarily_unavailable",
				"the service is temporarily unavailable")
			return
		}
		c.metrics.TokenExchange("invalid_grant")
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant",
			"the authorization code is invalid, expired, or already used")
		return
	}

	bearerRecord, err := c.bearer.Issue(ctx, record.SessionID, record.UserEmail, clientID, record.Scope)
	if err != nil {
		c.logger.Error("failed to issue bearer token at exchange", logging.Err(err))
		c.metrics.TokenExchange("issue_failed")
		writeOAuthError(w, http.StatusServiceUnavailable, "temporarily_unavailable",
			"the service is temporarily unavailable")
		return
	}

	c.metrics.TokenExchange("success")
	c.logger.Info("token exchange completed",
		logging.ClientID(clientID), logging.UserHash(record.UserEmail))

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, map[string]any{
		"access_token": bearerRecord.Token,
		"token_type":   "Bearer",
		"expires_in":   int(time.Until(bearerRecord.ExpiresAt).Seconds()),
		"scope":        record.Scope,
	})
}

// HandleStatus reports the current session's authentication state.
func (c *Controller) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	setSecurityHeaders(w)

	id := c.cookie.read(r)
	if id == "" {
		writeJSONStatus(w, false, "", time.Time{})
		return
	}
	sess, err := c.sessions.Get(ctx, id)
	if err != nil {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	if sess == nil || !sess.Authenticated {
		writeJSONStatus(w, false, "", time.Time{})
		return
	}
	writeJSONStatus(w, true, sess.UserEmail, sess.ExpiresAt)
}

// HandleLogout tears down the session: bearer tokens are revoked, the
// upstream grant is revoked best-effort, the session record is deleted,
// and the cookie is cleared. Always succeeds from the client's view.
func (c *Controller) HandleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	setSecurityHeaders(w)

	id := c.cookie.read(r)
	if id != "" {
		if sess, err := c.sessions.Get(ctx, id); err == nil && sess != nil {
			if tokenSet, err := c.sessions.Tokens(sess); err == nil && tokenSet != nil {
				if err := c.provider.Revoke(ctx, tokenSet); err != nil {
					c.logger.Warn("upstream revocation failed on logout", logging.Err(err))
				}
			}
			if _, err := c.bearer.RevokeForSession(ctx, id); err != nil {
				c.logger.Warn("bearer revocation failed on logout", logging.Err(err))
			}
		}
		if _, err := c.sessions.Delete(ctx, id); err != nil {
			c.logger.Warn("session deletion failed on logout", logging.Err(err))
		}
	}

	c.cookie.clear(w)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"logged_out":true}`))
}

// SessionFromRequest resolves the request's session via the signed cookie.
// Used by the MCP adapter for cookie-authenticated JSON-RPC calls.
func (c *Controller) SessionFromRequest(r *http.Request) (*session.Session, error) {
	id := c.cookie.read(r)
	if id == "" {
		return nil, nil
	}
	return c.sessions.Get(r.Context(), id)
}

func writeJSONStatus(w http.ResponseWriter, authenticated bool, email string, expires time.Time) {
	w.Header().Set("Content-Type", "application/json")
	body := map[string]any{"authenticated": authenticated}
	if authenticated {
		body["user_email"] = email
		body["expires_at"] = expires.UTC().Format(time.RFC3339)
	}
	writeJSON(w, body)
}

func writeJSON(w http.ResponseWriter, v any) {
	enc := json.NewEncoder(w)
	_ = enc.Encode(v)
}

// clientIP extracts the client address, honoring proxy headers only when
// the deployment says the proxy is trusted.
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
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		return host[:i]
	}
	return host
}
