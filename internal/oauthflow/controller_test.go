package oauthflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxtide/workspace-mcp/internal/authcode"
	"github.com/fluxtide/workspace-mcp/internal/clientreg"
	"github.com/fluxtide/workspace-mcp/internal/redirect"
	"github.com/fluxtide/workspace-mcp/internal/session"
	"github.com/fluxtide/workspace-mcp/internal/storage"
	"github.com/fluxtide/workspace-mcp/internal/tokencrypt"
	"github.com/fluxtide/workspace-mcp/internal/tokens"
)

// fakeUpstream stands in for Google.
type fakeUpstream struct {
	exchangeErr error
	userinfoErr error
	email       string
	revoked     bool
}

func (f *fakeUpstream) ConsentURL(state string) string {
	return "https://accounts.example.com/consent?state=" + url.QueryEscape(state)
}

func (f *fakeUpstream) Exchange(context.Context, string) (*session.TokenSet, error) {
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return &session.TokenSet{
		AccessToken:  "ya29.upstream",
		RefreshToken: "1//upstream",
		TokenType:    "Bearer",
		ExpiryDate:   time.Now().Add(time.Hour),
	}, nil
}

func (f *fakeUpstream) UserEmail(context.Context, *session.TokenSet) (string, error) {
	if f.userinfoErr != nil {
		return "", f.userinfoErr
	}
	if f.email == "" {
		return "user@example.com", nil
	}
	return f.email, nil
}

func (f *fakeUpstream) Revoke(context.Context, *session.TokenSet) error {
	f.revoked = true
	return nil
}

type testEnv struct {
	controller *Controller
	sessions   *session.Manager
	codes      *authcode.Manager
	bearer     *tokens.Manager
	clients    *clientreg.Registry
	upstream   *fakeUpstream
}

func newTestEnv(t *testing.T) *testEnv {
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

	controller := NewController(sessions, codes, bearer, clients, redirects, upstream, nil,
		Config{CookieSigningKey: []byte("test-signing-key-32-bytes-long!!")}, nil)

	return &testEnv{
		controller: controller,
		sessions:   sessions,
		codes:      codes,
		bearer:     bearer,
		clients:    clients,
		upstream:   upstream,
	}
}

// registerPublicClient registers a PKCE client and returns its id.
func registerPublicClient(t *testing.T, env *testEnv, redirectURI string) string {
	t.Helper()
	resp, err := env.clients.Register(context.Background(), &clientreg.RegistrationRequest{
		RedirectURIs:            []string{redirectURI},
		TokenEndpointAuthMethod: clientreg.AuthMethodNone,
	}, "")
	require.NoError(t, err)
	return resp.ClientID
}

// sessionCookie extracts the session cookie set by a login response.
func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == DefaultCookieName && c.Value != "" {
			return c
		}
	}
	t.Fatal("no session cookie set")
	return nil
}

// stateFromConsentRedirect pulls the state (gateway session id) out of the
// consent redirect Location.
func stateFromConsentRedirect(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	return loc.Query().Get("state")
}

func TestLogin_PKCE_HappyPath(t *testing.T) {
	env := newTestEnv(t)
	clientID := registerPublicClient(t, env, "https://app.example.com/callback")
	verifier, err := authcode.GenerateCodeVerifier()
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet,
		"/auth/login?client_id="+clientID+
			"&redirect_uri="+url.QueryEscape("https://app.example.com/callback")+
			"&code_challenge="+authcode.GenerateCodeChallenge(verifier)+
			"&code_challenge_method=S256&state=client-state", nil)
	rec := httptest.NewRecorder()

	env.controller.HandleLogin(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "accounts.example.com/consent")

	cookie := sessionCookie(t, rec)
	assert.True(t, cookie.HttpOnly)

	// The pending request was parked under the session.
	state := stateFromConsentRedirect(t, rec)
	pending, err := env.codes.TakePending(context.Background(), state)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, clientID, pending.ClientID)
	assert.Equal(t, "client-state", pending.State)
}

func TestLogin_RejectsUnlistedRedirect(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet,
		"/auth/login?redirect_uri="+url.QueryEscape("https://evil.example.com/steal"), nil)
	rec := httptest.NewRecorder()

	env.controller.HandleLogin(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotContains(t, rec.Body.String(), "evil.example.com",
		"the rejected URI must not be reflected into the page")
}

func TestLogin_RejectsUnknownClient(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet,
		"/auth/login?client_id=ghost&code_challenge=abc&code_challenge_method=S256"+
			"&redirect_uri="+url.QueryEscape("http://localhost:3000/oauth/callback"), nil)
	rec := httptest.NewRecorder()

	env.controller.HandleLogin(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// runPKCEFlow walks login + callback and returns the authorization code
// and the client's id.
func runPKCEFlow(t *testing.T, env *testEnv, verifier string) (code, clientID string) {
	t.Helper()
	clientID = registerPublicClient(t, env, "https://app.example.com/callback")

	login := httptest.NewRequest(http.MethodGet,
		"/auth/login?client_id="+clientID+
			"&redirect_uri="+url.QueryEscape("https://app.example.com/callback")+
			"&code_challenge="+authcode.GenerateCodeChallenge(verifier)+
			"&code_challenge_method=S256&state=client-state", nil)
	loginRec := httptest.NewRecorder()
	env.controller.HandleLogin(loginRec, login)
	require.Equal(t, http.StatusFound, loginRec.Code)

	state := stateFromConsentRedirect(t, loginRec)
	callback := httptest.NewRequest(http.MethodGet,
		"/oauth/callback?state="+url.QueryEscape(state)+"&code=upstream-code", nil)
	cbRec := httptest.NewRecorder()
	env.controller.HandleCallback(cbRec, callback)
	require.Equal(t, http.StatusFound, cbRec.Code, cbRec.Body.String())

	loc, err := url.Parse(cbRec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "app.example.com", loc.Host)
	assert.Equal(t, "client-state", loc.Query().Get("state"))

	code = loc.Query().Get("code")
	require.NotEmpty(t, code)
	return code, clientID
}

func TestCallback_PKCE_IssuesCode(t *testing.T) {
	env := newTestEnv(t)
	verifier, err := authcode.GenerateCodeVerifier()
	require.NoError(t, err)
	runPKCEFlow(t, env, verifier)
}

func TestCallback_DuplicateDeliveryFailsClosed(t *testing.T) {
	env := newTestEnv(t)
	clientID := registerPublicClient(t, env, "https://app.example.com/callback")
	verifier, err := authcode.GenerateCodeVerifier()
	require.NoError(t, err)

	login := httptest.NewRequest(http.MethodGet,
		"/auth/login?client_id="+clientID+
			"&redirect_uri="+url.QueryEscape("https://app.example.com/callback")+
			"&code_challenge="+authcode.GenerateCodeChallenge(verifier)+
			"&code_challenge_method=S256", nil)
	loginRec := httptest.NewRecorder()
	env.controller.HandleLogin(loginRec, login)
	state := stateFromConsentRedirect(t, loginRec)

	first := httptest.NewRequest(http.MethodGet,
		"/oauth/callback?state="+url.QueryEscape(state)+"&code=upstream-code", nil)
	firstRec := httptest.NewRecorder()
	env.controller.HandleCallback(firstRec, first)
	require.Equal(t, http.StatusFound, firstRec.Code)

	// The same callback delivered again finds no pending request.
	second := httptest.NewRequest(http.MethodGet,
		"/oauth/callback?state="+url.QueryEscape(state)+"&code=upstream-code", nil)
	secondRec := httptest.NewRecorder()
	env.controller.HandleCallback(secondRec, second)
	assert.Equal(t, http.StatusBadRequest, secondRec.Code)
	assert.Empty(t, secondRec.Header().Get("Location"), "no second redirect with credentials")
}

func TestCallback_UpstreamError(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?error=access_denied", nil)
	rec := httptest.NewRecorder()
	env.controller.HandleCallback(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallback_UnknownState(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?state=bogus&code=x", nil)
	rec := httptest.NewRecorder()
	env.controller.HandleCallback(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestToken_FullExchange(t *testing.T) {
	env := newTestEnv(t)
	verifier, err := authcode.GenerateCodeVerifier()
	require.NoError(t, err)
	code, clientID := runPKCEFlow(t, env, verifier)

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {clientID},
		"redirect_uri":  {"https://app.example.com/callback"},
		"code_verifier": {verifier},
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	env.controller.HandleToken(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.AccessToken)
	assert.Equal(t, "Bearer", body.TokenType)
	assert.Greater(t, body.ExpiresIn, 0)

	// The issued bearer token authenticates.
	record, err := env.bearer.Validate(context.Background(), body.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", record.UserEmail)
}

func TestToken_ReplayReturnsInvalidGrant(t *testing.T) {
	env := newTestEnv(t)
	verifier, err := authcode.GenerateCodeVerifier()
	require.NoError(t, err)
	code, clientID := runPKCEFlow(t, env, verifier)

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {clientID},
		"redirect_uri":  {"https://app.example.com/callback"},
		"code_verifier": {verifier},
	}

	exchange := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		env.controller.HandleToken(rec, req)
		return rec
	}

	require.Equal(t, http.StatusOK, exchange().Code)

	rec := exchange()
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body oauthError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "invalid_grant", body.Error)
}

func TestToken_WrongVerifier(t *testing.T) {
	env := newTestEnv(t)
	verifier, err := authcode.GenerateCodeVerifier()
	require.NoError(t, err)
	code, clientID := runPKCEFlow(t, env, verifier)

	wrong, err := authcode.GenerateCodeVerifier()
	require.NoError(t, err)

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {clientID},
		"redirect_uri":  {"https://app.example.com/callback"},
		"code_verifier": {wrong},
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	env.controller.HandleToken(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLegacyFlow_DeliversBearerTokenOnce(t *testing.T) {
	env := newTestEnv(t)

	login := httptest.NewRequest(http.MethodGet,
		"/auth/login?redirect_uri="+url.QueryEscape("http://localhost:3000/oauth/callback"), nil)
	loginRec := httptest.NewRecorder()
	env.controller.HandleLogin(loginRec, login)
	require.Equal(t, http.StatusFound, loginRec.Code)
	state := stateFromConsentRedirect(t, loginRec)

	callback := httptest.NewRequest(http.MethodGet,
		"/oauth/callback?state="+url.QueryEscape(state)+"&code=upstream-code", nil)
	cbRec := httptest.NewRecorder()
	env.controller.HandleCallback(cbRec, callback)
	require.Equal(t, http.StatusFound, cbRec.Code, cbRec.Body.String())

	loc, err := url.Parse(cbRec.Header().Get("Location"))
	require.NoError(t, err)
	token := loc.Query().Get("access_token")
	require.NotEmpty(t, token)
	assert.Equal(t, "Bearer", loc.Query().Get("token_type"))

	record, err := env.bearer.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", record.UserEmail)

	// A replayed callback must not mint a second credential: the session's
	// redirect target was cleared, so it lands on the status page.
	replay := httptest.NewRequest(http.MethodGet,
		"/oauth/callback?state="+url.QueryEscape(state)+"&code=upstream-code", nil)
	replayRec := httptest.NewRecorder()
	env.controller.HandleCallback(replayRec, replay)
	assert.Equal(t, http.StatusOK, replayRec.Code)
	assert.Empty(t, replayRec.Header().Get("Location"))
}

func TestLegacyFlow_NoRedirectShowsStatusPage(t *testing.T) {
	env := newTestEnv(t)

	login := httptest.NewRequest(http.MethodGet, "/auth/login", nil)
	loginRec := httptest.NewRecorder()
	env.controller.HandleLogin(loginRec, login)
	state := stateFromConsentRedirect(t, loginRec)

	callback := httptest.NewRequest(http.MethodGet,
		"/oauth/callback?state="+url.QueryEscape(state)+"&code=upstream-code", nil)
	cbRec := httptest.NewRecorder()
	env.controller.HandleCallback(cbRec, callback)

	assert.Equal(t, http.StatusOK, cbRec.Code)
	assert.Contains(t, cbRec.Body.String(), "user@example.com")
}

func TestStatusAndLogout(t *testing.T) {
	env := newTestEnv(t)

	// Anonymous status.
	rec := httptest.NewRecorder()
	env.controller.HandleStatus(rec, httptest.NewRequest(http.MethodGet, "/auth/status", nil))
	assert.Contains(t, rec.Body.String(), `"authenticated":false`)

	// Complete a legacy login to get an authenticated cookie.
	login := httptest.NewRequest(http.MethodGet, "/auth/login", nil)
	loginRec := httptest.NewRecorder()
	env.controller.HandleLogin(loginRec, login)
	cookie := sessionCookie(t, loginRec)
	state := stateFromConsentRedirect(t, loginRec)

	callback := httptest.NewRequest(http.MethodGet,
		"/oauth/callback?state="+url.QueryEscape(state)+"&code=upstream-code", nil)
	env.controller.HandleCallback(httptest.NewRecorder(), callback)

	statusReq := httptest.NewRequest(http.MethodGet, "/auth/status", nil)
	statusReq.AddCookie(cookie)
	rec = httptest.NewRecorder()
	env.controller.HandleStatus(rec, statusReq)
	assert.Contains(t, rec.Body.String(), `"authenticated":true`)
	assert.Contains(t, rec.Body.String(), "user@example.com")

	// Logout revokes upstream and tears the session down.
	logoutReq := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	logoutReq.AddCookie(cookie)
	rec = httptest.NewRecorder()
	env.controller.HandleLogout(rec, logoutReq)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.upstream.revoked)

	statusReq = httptest.NewRequest(http.MethodGet, "/auth/status", nil)
	statusReq.AddCookie(cookie)
	rec = httptest.NewRecorder()
	env.controller.HandleStatus(rec, statusReq)
	assert.Contains(t, rec.Body.String(), `"authenticated":false`)
}

func TestCookie_TamperedSignatureRejected(t *testing.T) {
	codec := newCookieCodec("", []byte("key-one"), false, time.Hour)

	signed := codec.sign("session-id-123")
	id, ok := codec.verify(signed)
	require.True(t, ok)
	assert.Equal(t, "session-id-123", id)

	_, ok = codec.verify(signed + "x")
	assert.False(t, ok)

	other := newCookieCodec("", []byte("key-two"), false, time.Hour)
	_, ok = other.verify(signed)
	assert.False(t, ok, "a cookie signed under another key must not verify")

	_, ok = codec.verify("no-dot-at-all")
	assert.False(t, ok)
}
