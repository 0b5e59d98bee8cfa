package clientreg

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/fluxtide/workspace-mcp/internal/apperrors"
	"github.com/fluxtide/workspace-mcp/internal/logging"
	"github.com/fluxtide/workspace-mcp/internal/storage"
)

const keyPrefix = "oauth:client:"

// AuthMethodNone marks a public client. Public clients get no secret and
// must use PKCE.
const AuthMethodNone = "none"

// RegistrationRequest is the RFC 7591 registration request body.
type RegistrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	ClientURI               string   `json:"client_uri,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// RegistrationResponse is returned to the client exactly once. It is the
// only place the plaintext client secret and registration access token ever
// appear.
type RegistrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at"`
	RegistrationAccessToken string   `json:"registration_access_token,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	ClientName              string   `json:"client_name,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// Client is the stored registration. Secrets are kept only as bcrypt
// hashes.
type Client struct {
	ClientID                    string    `json:"client_id"`
	ClientSecretHash            string    `json:"client_secret_hash,omitempty"`
	RegistrationAccessTokenHash string    `json:"registration_access_token_hash,omitempty"`
	RedirectURIs                []string  `json:"redirect_uris"`
	TokenEndpointAuthMethod     string    `json:"token_endpoint_auth_method"`
	GrantTypes                  []string  `json:"grant_types"`
	ResponseTypes               []string  `json:"response_types"`
	ClientName                  string    `json:"client_name,omitempty"`
	Scope                       string    `json:"scope,omitempty"`
	CreatedAt                   time.Time `json:"created_at"`
}

// Public reports whether the client registered without a secret.
func (c *Client) Public() bool {
	return c.TokenEndpointAuthMethod == AuthMethodNone
}

// Registry persists dynamic client registrations.
type Registry struct {
	store  storage.Store
	logger *slog.Logger

	// Per-instance registration counters for DoS protection. Resets on
	// restart, which is acceptable for an abuse brake.
	mu       sync.Mutex
	perIP    map[string]int
	maxPerIP int
}

// NewRegistry creates a client registry. maxPerIP <= 0 disables the per-IP
// registration limit.
func NewRegistry(store storage.Store, maxPerIP int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:    store,
		logger:   logging.WithComponent(logger, "clientreg"),
		perIP:    make(map[string]int),
		maxPerIP: maxPerIP,
	}
}

// Register validates the request, persists the client, and returns the
// one-time registration response.
func (r *Registry) Register(ctx context.Context, req *RegistrationRequest, clientIP string) (*RegistrationResponse, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if err := r.checkIPLimit(clientIP); err != nil {
		return nil, err
	}

	clientID, err := generateSecureToken(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate client id: %w", err)
	}

	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "client_secret_basic"
	}
	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code", "refresh_token"}
	}
	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}

	client := &Client{
		ClientID:                clientID,
		RedirectURIs:            req.RedirectURIs,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		ClientName:              req.ClientName,
		Scope:                   req.Scope,
		CreatedAt:               time.Now(),
	}

	resp := &RegistrationResponse{
		ClientID:                clientID,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		ClientSecretExpiresAt:   0,
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		ClientName:              client.ClientName,
		Scope:                   client.Scope,
	}

	// Public clients get no secret; they are bound by PKCE instead.
	if authMethod != AuthMethodNone {
		secret, err := generateSecureToken(48)
		if err != nil {
			return nil, fmt.Errorf("failed to generate client secret: %w", err)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash client secret: %w", err)
		}
		client.ClientSecretHash = string(hash)
		resp.ClientSecret = secret
	}

	regToken, err := generateSecureToken(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate registration access token: %w", err)
	}
	regHash, err := bcrypt.GenerateFromPassword([]byte(regToken), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash registration access token: %w", err)
	}
	client.RegistrationAccessTokenHash = string(regHash)
	resp.RegistrationAccessToken = regToken

	if err := r.persist(ctx, client); err != nil {
		return nil, err
	}
	r.bumpIPCounter(clientIP)

	r.logger.Info("registered OAuth client",
		logging.ClientID(clientID),
		"client_name", client.ClientName,
		"auth_method", authMethod,
		"redirect_uris", len(client.RedirectURIs))
	return resp, nil
}

// Get returns the stored client, or a not-found error.
func (r *Registry) Get(ctx context.Context, clientID string) (*Client, error) {
	if clientID == "" {
		return nil, apperrors.New(apperrors.KindNotFound, "client not found")
	}
	raw, err := r.store.Get(ctx, keyPrefix+clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.New(apperrors.KindNotFound, "client not found")
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "failed to read client registration", err)
	}

	var client Client
	if err := json.Unmarshal([]byte(raw), &client); err != nil {
		return nil, fmt.Errorf("failed to decode client registration: %w", err)
	}
	return &client, nil
}

// ValidateSecret checks a confidential client's secret against its stored
// hash. Public clients always fail secret validation.
func (r *Registry) ValidateSecret(ctx context.Context, clientID, secret string) error {
	client, err := r.Get(ctx, clientID)
	if err != nil {
		return err
	}
	if client.Public() || client.ClientSecretHash == "" {
		return apperrors.New(apperrors.KindAuthentication, "client has no secret")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(secret)); err != nil {
		return apperrors.New(apperrors.KindAuthentication, "invalid client secret")
	}
	return nil
}

// ValidateRegistrationToken checks the RFC 7592 management token for a
// client.
func (r *Registry) ValidateRegistrationToken(ctx context.Context, clientID, token string) error {
	client, err := r.Get(ctx, clientID)
	if err != nil {
		return err
	}
	if client.RegistrationAccessTokenHash == "" || token == "" {
		return apperrors.New(apperrors.KindAuthentication, "invalid registration access token")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.RegistrationAccessTokenHash), []byte(token)); err != nil {
		return apperrors.New(apperrors.KindAuthentication, "invalid registration access token")
	}
	return nil
}

// ValidateRedirectURI reports whether the URI is registered for the client.
// Matching is exact string equality; no prefix or wildcard forms.
func (r *Registry) ValidateRedirectURI(ctx context.Context, clientID, redirectURI string) error {
	client, err := r.Get(ctx, clientID)
	if err != nil {
		return err
	}
	for _, uri := range client.RedirectURIs {
		if subtle.ConstantTimeCompare([]byte(uri), []byte(redirectURI)) == 1 {
			return nil
		}
	}
	return apperrors.New(apperrors.KindValidation, "redirect_uri not registered for this client")
}

// Delete removes a client registration.
func (r *Registry) Delete(ctx context.Context, clientID string) error {
	if _, err := r.store.Del(ctx, keyPrefix+clientID); err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, "failed to delete client registration", err)
	}
	r.logger.Info("deleted OAuth client", logging.ClientID(clientID))
	return nil
}

func (r *Registry) persist(ctx context.Context, client *Client) error {
	raw, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("failed to encode client registration: %w", err)
	}
	// TTL zero: registrations are durable.
	if err := r.store.Set(ctx, keyPrefix+client.ClientID, string(raw), 0); err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, "failed to store client registration", err)
	}
	return nil
}

func (r *Registry) checkIPLimit(ip string) error {
	if r.maxPerIP <= 0 || ip == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.perIP[ip] >= r.maxPerIP {
		return apperrors.RateLimited("client registration limit reached for this address", 3600)
	}
	return nil
}

func (r *Registry) bumpIPCounter(ip string) {
	if ip == "" {
		return
	}
	r.mu.Lock()
	r.perIP[ip]++
	r.mu.Unlock()
}

func validateRequest(req *RegistrationRequest) error {
	if req == nil || len(req.RedirectURIs) == 0 {
		return apperrors.New(apperrors.KindValidation, "redirect_uris is required")
	}
	for _, raw := range req.RedirectURIs {
		u, err := url.Parse(raw)
		if err != nil {
			return apperrors.New(apperrors.KindValidation, "redirect_uri is not a valid URL: "+raw)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return apperrors.New(apperrors.KindValidation, "redirect_uri must use http or https: "+raw)
		}
		if u.Host == "" {
			return apperrors.New(apperrors.KindValidation, "redirect_uri is missing a host: "+raw)
		}
		if u.Fragment != "" {
			return apperrors.New(apperrors.KindValidation, "redirect_uri must not contain a fragment: "+raw)
		}
	}
	for _, gt := range req.GrantTypes {
		if gt != "authorization_code" && gt != "refresh_token" {
			return apperrors.New(apperrors.KindValidation, "unsupported grant_type: "+gt)
		}
	}
	for _, rt := range req.ResponseTypes {
		if rt != "code" {
			return apperrors.New(apperrors.KindValidation, "unsupported response_type: "+rt)
		}
	}
	return nil
}

// generateSecureToken generates a cryptographically secure random token.
func generateSecureToken(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
