package google

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxtide/workspace-mcp/internal/apperrors"
	"github.com/fluxtide/workspace-mcp/internal/session"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := NewProvider("client-id", "client-secret", "https://gw.example.com/oauth/callback", nil)
	require.NoError(t, err)
	return p
}

func TestNewProvider_RequiresCredentials(t *testing.T) {
	_, err := NewProvider("", "secret", "https://gw.example.com/cb", nil)
	assert.Equal(t, apperrors.KindInternal, apperrors.KindOf(err))

	_, err = NewProvider("id", "", "https://gw.example.com/cb", nil)
	assert.Equal(t, apperrors.KindInternal, apperrors.KindOf(err))
}

func TestConsentURL(t *testing.T) {
	p := newTestProvider(t)

	raw := p.ConsentURL("session-state-123")
	u, err := url.Parse(raw)
	require.NoError(t, err)

	q := u.Query()
	assert.Equal(t, "session-state-123", q.Get("state"))
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.Equal(t, "consent", q.Get("prompt"))
	assert.Equal(t, "https://gw.example.com/oauth/callback", q.Get("redirect_uri"))
	assert.Contains(t, q.Get("scope"), "userinfo.email")
}

func TestUserEmail(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"email":"user@example.com","verified_email":true}`))
	}))
	defer srv.Close()

	p := newTestProvider(t)
	p.httpClient = srv.Client()

	// Point the userinfo call at the test server.
	origTransport := p.httpClient.Transport
	p.httpClient.Transport = rewriteHost(srv.URL, origTransport)

	email, err := p.UserEmail(context.Background(), &session.TokenSet{AccessToken: "ya29.x"})
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", email)
	assert.Equal(t, "Bearer ya29.x", gotAuth)
}

func TestUserEmail_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := newTestProvider(t)
	p.httpClient = srv.Client()
	p.httpClient.Transport = rewriteHost(srv.URL, p.httpClient.Transport)

	_, err := p.UserEmail(context.Background(), &session.TokenSet{AccessToken: "bad"})
	assert.Equal(t, apperrors.KindAuthentication, apperrors.KindOf(err))
}

func TestRevoke_PrefersRefreshToken(t *testing.T) {
	var revoked string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		revoked = r.Form.Get("token")
	}))
	defer srv.Close()

	p := newTestProvider(t)
	p.httpClient = srv.Client()
	p.httpClient.Transport = rewriteHost(srv.URL, p.httpClient.Transport)

	err := p.Revoke(context.Background(), &session.TokenSet{
		AccessToken:  "access",
		RefreshToken: "refresh",
	})
	require.NoError(t, err)
	assert.Equal(t, "refresh", revoked, "revoking the refresh token invalidates the grant")
}

func TestRevoke_NoTokensIsNoOp(t *testing.T) {
	p := newTestProvider(t)
	assert.NoError(t, p.Revoke(context.Background(), &session.TokenSet{}))
}

func TestTokenSource_CarriesStoredToken(t *testing.T) {
	p := newTestProvider(t)
	expiry := time.Now().Add(time.Hour)

	ts := p.TokenSource(context.Background(), &session.TokenSet{
		AccessToken: "ya29.live",
		TokenType:   "Bearer",
		ExpiryDate:  expiry,
	})

	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "ya29.live", tok.AccessToken)
}

// rewriteHost redirects every request to the test server regardless of the
// original URL.
func rewriteHost(target string, next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	u, _ := url.Parse(target)
	return roundTripFunc(func(r *http.Request) (*http.Response, error) {
		r.URL.Scheme = u.Scheme
		r.URL.Host = u.Host
		r.Host = u.Host
		if !strings.HasPrefix(r.URL.Path, "/") {
			r.URL.Path = "/" + r.URL.Path
		}
		return next.RoundTrip(r)
	})
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
