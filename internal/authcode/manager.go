package authcode

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fluxtide/workspace-mcp/internal/apperrors"
	"github.com/fluxtide/workspace-mcp/internal/logging"
	"github.com/fluxtide/workspace-mcp/internal/session"
	"github.com/fluxtide/workspace-mcp/internal/storage"
)

const (
	codePrefix    = "oauth:code:"
	pendingPrefix = "oauth:pending:"

	// DefaultTTL bounds both pending authorization requests and minted
	// codes. Ten minutes is the RFC 6749 recommended maximum.
	DefaultTTL = 10 * time.Minute
)

// PendingRequest is the client's original authorization request, parked
// under the session id while the user completes upstream consent.
type PendingRequest struct {
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	State               string    `json:"state,omitempty"`
	Scope               string    `json:"scope,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// Code is a minted authorization code record. The upstream token set rides
// along so the exchange can attach it to the client's bearer credential
// without a second store lookup.
type Code struct {
	Code                string            `json:"code"`
	ClientID            string            `json:"client_id"`
	RedirectURI         string            `json:"redirect_uri"`
	CodeChallenge       string            `json:"code_challenge"`
	CodeChallengeMethod string            `json:"code_challenge_method"`
	State               string            `json:"state,omitempty"`
	Scope               string            `json:"scope,omitempty"`
	UserEmail           string            `json:"user_email"`
	SessionID           string            `json:"session_id"`
	Tokens              *session.TokenSet `json:"tokens,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	ExpiresAt           time.Time         `json:"expires_at"`
}

// ExchangeRequest carries what the client presented at the token endpoint.
type ExchangeRequest struct {
	Code         string
	ClientID     string
	RedirectURI  string
	CodeVerifier string
}

// Manager mints and consumes authorization codes against the shared store.
type Manager struct {
	store  storage.Store
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates an authorization code manager. A zero ttl uses
// DefaultTTL.
func NewManager(store storage.Store, ttl time.Duration, logger *slog.Logger) *Manager {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		ttl:    ttl,
		logger: logging.WithComponent(logger, "authcode"),
		now:    time.Now,
	}
}

// SavePending parks the client's authorization request under the session
// id. A repeated login on the same session overwrites the previous request.
func (m *Manager) SavePending(ctx context.Context, sessionID string, req *PendingRequest) error {
	if sessionID == "" {
		return apperrors.New(apperrors.KindValidation, "session id is required")
	}
	if req.ClientID == "" || req.RedirectURI == "" {
		return apperrors.New(apperrors.KindValidation, "client_id and redirect_uri are required")
	}
	if req.CodeChallengeMethod != MethodS256 {
		return apperrors.New(apperrors.KindValidation, "only the S256 code challenge method is supported")
	}
	if req.CodeChallenge == "" {
		return apperrors.New(apperrors.KindValidation, "code_challenge is required")
	}

	now := m.now()
	req.CreatedAt = now
	req.ExpiresAt = now.Add(m.ttl)

	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode pending authorization request: %w", err)
	}
	if err := m.store.Set(ctx, pendingPrefix+sessionID, string(raw), m.ttl); err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, "failed to store pending authorization request", err)
	}

	m.logger.Debug("pending authorization request saved",
		logging.SessionHash(sessionID), logging.ClientID(req.ClientID))
	return nil
}

// TakePending atomically removes and returns the pending request for the
// session. Returns (nil, nil) when none exists, which callers must treat
// as a failed flow rather than falling back to a default redirect.
func (m *Manager) TakePending(ctx context.Context, sessionID string) (*PendingRequest, error) {
	raw, err := m.store.GetDel(ctx, pendingPrefix+sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "failed to read pending authorization request", err)
	}

	var req PendingRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return nil, fmt.Errorf("failed to decode pending authorization request: %w", err)
	}
	if m.now().After(req.ExpiresAt) {
		return nil, nil
	}
	return &req, nil
}

// Mint generates a single-use authorization code bound to the pending
// request, the authenticated user, and the upstream token set.
func (m *Manager) Mint(ctx context.Context, req *PendingRequest, sessionID, userEmail string, tokens *session.TokenSet) (string, error) {
	code, err := generateCode()
	if err != nil {
		return "", err
	}

	now := m.now()
	record := &Code{
		Code:                code,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		State:               req.State,
		Scope:               req.Scope,
		UserEmail:           userEmail,
		SessionID:           sessionID,
		Tokens:              tokens,
		CreatedAt:           now,
		ExpiresAt:           now.Add(m.ttl),
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to encode authorization code: %w", err)
	}
	if err := m.store.Set(ctx, codePrefix+code, string(raw), m.ttl); err != nil {
		return "", apperrors.Wrap(apperrors.KindUnavailable, "failed to store authorization code", err)
	}

	m.logger.Info("authorization code minted",
		logging.ClientID(req.ClientID),
		logging.UserHash(userEmail),
		logging.SessionHash(sessionID))
	return code, nil
}

// Consume atomically removes the code from the store and validates the
// exchange request against it. The removal happens before any validation,
// so a failed exchange still destroys the code: there is no second try and
// no replay, regardless of which gateway instance handles the request.
func (m *Manager) Consume(ctx context.Context, req ExchangeRequest) (*Code, error) {
	if req.Code == "" {
		return nil, apperrors.New(apperrors.KindAuthentication, "authorization code is required")
	}

	raw, err := m.store.GetDel(ctx, codePrefix+req.Code)
	if errors.Is(err, storage.ErrNotFound) {
		m.logger.Warn("authorization code exchange for unknown or already-used code",
			logging.ClientID(req.ClientID))
		return nil, apperrors.New(apperrors.KindAuthentication, "invalid or expired authorization code")
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "failed to consume authorization code", err)
	}

	var record Code
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("failed to decode authorization code record: %w", err)
	}

	if m.now().After(record.ExpiresAt) {
		m.logger.Warn("authorization code expired at exchange", logging.ClientID(req.ClientID))
		return nil, apperrors.New(apperrors.KindAuthentication, "invalid or expired authorization code")
	}
	if record.ClientID != req.ClientID {
		m.logger.Warn("authorization code client mismatch",
			logging.ClientID(req.ClientID), logging.UserHash(record.UserEmail))
		return nil, apperrors.New(apperrors.KindAuthentication, "authorization code was not issued to this client")
	}
	if record.RedirectURI != req.RedirectURI {
		m.logger.Warn("authorization code redirect_uri mismatch", logging.ClientID(req.ClientID))
		return nil, apperrors.New(apperrors.KindAuthentication, "redirect_uri does not match the authorization request")
	}
	if !VerifyS256(req.CodeVerifier, record.CodeChallenge, record.CodeChallengeMethod) {
		m.logger.Warn("PKCE verification failed", logging.ClientID(req.ClientID))
		return nil, apperrors.New(apperrors.KindAuthentication, "PKCE verification failed")
	}

	m.logger.Info("authorization code exchanged",
		logging.ClientID(record.ClientID), logging.UserHash(record.UserEmail))
	return &record, nil
}

// generateCode produces a 256-bit URL-safe authorization code.
func generateCode() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate authorization code: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
