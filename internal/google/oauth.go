package google

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"

	"github.com/fluxtide/workspace-mcp/internal/apperrors"
	"github.com/fluxtide/workspace-mcp/internal/logging"
	"github.com/fluxtide/workspace-mcp/internal/session"
)

const (
	userinfoEndpoint = "https://www.googleapis.com/oauth2/v2/userinfo"
	revokeEndpoint   = "https://oauth2.googleapis.com/revoke"
)

// Provider talks to Google's OAuth endpoints on behalf of the gateway.
type Provider struct {
	config *oauth2.Config
	logger *slog.Logger

	// httpClient is used for the userinfo and revoke calls. Overridable
	// in tests.
	httpClient *http.Client
}

// NewProvider builds the upstream provider. redirectURL is the gateway's
// own /oauth/callback, not a client redirect.
func NewProvider(clientID, clientSecret, redirectURL string, logger *slog.Logger) (*Provider, error) {
	if clientID == "" || clientSecret == "" {
		return nil, apperrors.New(apperrors.KindInternal, "Google OAuth client credentials are not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     googleoauth.Endpoint,
			RedirectURL:  redirectURL,
			Scopes:       Scopes,
		},
		logger:     logging.WithComponent(logger, "google"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// ConsentURL builds the authorization URL. state carries the gateway
// session id; offline access and forced consent guarantee a refresh token.
func (p *Provider) ConsentURL(state string) string {
	return p.config.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"))
}

// Exchange swaps the upstream authorization code for a token set.
func (p *Provider) Exchange(ctx context.Context, code string) (*session.TokenSet, error) {
	tok, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindAuthentication, "upstream code exchange failed", err)
	}
	return &session.TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Scope:        strings.Join(p.config.Scopes, " "),
		ExpiryDate:   tok.Expiry,
	}, nil
}

// UserEmail resolves the authenticated user's email via the userinfo
// endpoint.
func (p *Provider) UserEmail(ctx context.Context, tokens *session.TokenSet) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userinfoEndpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindUnavailable, "userinfo request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", apperrors.New(apperrors.KindAuthentication,
			fmt.Sprintf("userinfo returned status %d: %s", resp.StatusCode, string(body)))
	}

	var info struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("failed to decode userinfo response: %w", err)
	}
	if info.Email == "" {
		return "", apperrors.New(apperrors.KindAuthentication, "userinfo response did not include an email")
	}
	return info.Email, nil
}

// Revoke best-effort revokes the upstream token. Failures are logged and
// reported but callers treat them as non-fatal: local erasure proceeds
// regardless.
func (p *Provider) Revoke(ctx context.Context, tokens *session.TokenSet) error {
	token := tokens.RefreshToken
	if token == "" {
		token = tokens.AccessToken
	}
	if token == "" {
		return nil
	}

	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, revokeEndpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Warn("upstream token revocation failed", logging.Err(err))
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.logger.Warn("upstream token revocation rejected", "status", resp.StatusCode)
		return fmt.Errorf("revoke endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// TokenSource returns a refreshing token source for Workspace API calls.
// Refreshes performed by the source are not persisted back to the session;
// the stored refresh token remains valid either way.
func (p *Provider) TokenSource(ctx context.Context, tokens *session.TokenSet) oauth2.TokenSource {
	return p.config.TokenSource(ctx, &oauth2.Token{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		TokenType:    tokens.TokenType,
		Expiry:       tokens.ExpiryDate,
	})
}
