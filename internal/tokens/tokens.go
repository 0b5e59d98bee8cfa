package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fluxtide/workspace-mcp/internal/apperrors"
	"github.com/fluxtide/workspace-mcp/internal/logging"
	"github.com/fluxtide/workspace-mcp/internal/storage"
)

const (
	keyPrefix = "token:"

	// DefaultTTL matches the session lifetime.
	DefaultTTL = 24 * time.Hour

	// maxIssueAttempts bounds the collision retry loop. UUID collisions
	// are vanishingly rare; more than a few retries means the store is
	// misbehaving.
	maxIssueAttempts = 5
)

// Record is the stored bearer token metadata.
type Record struct {
	Token     string    `json:"token"`
	SessionID string    `json:"session_id"`
	UserEmail string    `json:"user_email"`
	ClientID  string    `json:"client_id,omitempty"`
	Scope     string    `json:"scope,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports logical expiry, independent of the store's TTL.
func (r *Record) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Manager issues and validates bearer tokens against the shared store.
type Manager struct {
	store  storage.Store
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a token manager. A zero ttl uses DefaultTTL.
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
		logger: logging.WithComponent(logger, "tokens"),
		now:    time.Now,
	}
}

// Issue mints a bearer token bound to the session and user. The token is
// reserved with an atomic set-if-absent; on the (theoretical) collision the
// generation retries up to maxIssueAttempts before giving up with
// apperrors.ErrTokenGenerationExhausted.
func (m *Manager) Issue(ctx context.Context, sessionID, userEmail, clientID, scope string) (*Record, error) {
	if sessionID == "" || userEmail == "" {
		return nil, apperrors.New(apperrors.KindValidation, "session id and user email are required")
	}

	now := m.now()
	for attempt := 0; attempt < maxIssueAttempts; attempt++ {
		record := &Record{
			Token:     uuid.NewString(),
			SessionID: sessionID,
			UserEmail: userEmail,
			ClientID:  clientID,
			Scope:     scope,
			CreatedAt: now,
			ExpiresAt: now.Add(m.ttl),
		}
		raw, err := json.Marshal(record)
		if err != nil {
			return nil, fmt.Errorf("failed to encode token record: %w", err)
		}

		set, err := m.store.SetNX(ctx, keyPrefix+record.Token, string(raw), m.ttl)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindUnavailable, "failed to store bearer token", err)
		}
		if set {
			m.logger.Info("bearer token issued",
				logging.SessionHash(sessionID),
				logging.UserHash(userEmail),
				logging.ClientID(clientID))
			return record, nil
		}
		m.logger.Warn("bearer token collision, regenerating", "attempt", attempt+1)
	}
	return nil, apperrors.ErrTokenGenerationExhausted
}

// Validate resolves a presented token. A logically expired record is
// revoked as a side effect; a failure of that revocation is logged but
// never masks the expired result.
func (m *Manager) Validate(ctx context.Context, token string) (*Record, error) {
	if token == "" {
		return nil, apperrors.New(apperrors.KindAuthentication, "missing bearer token")
	}

	raw, err := m.store.Get(ctx, keyPrefix+token)
	if errors.Is(err, storage.ErrNotFound) {
		// A token was presented but matches nothing we issued. That is a
		// permission failure, distinct from missing credentials.
		return nil, apperrors.New(apperrors.KindPermission, "unknown bearer token")
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "failed to read bearer token", err)
	}

	var record Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("failed to decode token record: %w", err)
	}

	if record.Expired(m.now()) {
		if _, err := m.store.Del(ctx, keyPrefix+token); err != nil {
			m.logger.Warn("failed to revoke expired token",
				logging.SessionHash(record.SessionID), logging.Err(err))
		}
		return nil, apperrors.New(apperrors.KindTokenExpired, "bearer token expired")
	}
	return &record, nil
}

// Revoke deletes a single token. Revoking an absent token is a no-op.
func (m *Manager) Revoke(ctx context.Context, token string) (bool, error) {
	n, err := m.store.Del(ctx, keyPrefix+token)
	if err != nil {
		return false, apperrors.Wrap(apperrors.KindUnavailable, "failed to revoke token", err)
	}
	return n > 0, nil
}

// RevokeForSession deletes every token bound to the session. Used on
// logout and session teardown. Returns the number revoked.
func (m *Manager) RevokeForSession(ctx context.Context, sessionID string) (int, error) {
	return m.revokeMatching(ctx, func(r *Record) bool { return r.SessionID == sessionID })
}

// RevokeForUser deletes every token belonging to the user, across all of
// their sessions.
func (m *Manager) RevokeForUser(ctx context.Context, userEmail string) (int, error) {
	return m.revokeMatching(ctx, func(r *Record) bool { return r.UserEmail == userEmail })
}

// CleanupExpired deletes tokens whose logical expiry has passed. Returns
// the number removed.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	now := m.now()
	return m.revokeMatching(ctx, func(r *Record) bool { return r.Expired(now) })
}

// Count returns the number of live token records, for metrics and the
// health endpoint.
func (m *Manager) Count(ctx context.Context) (int, error) {
	count := 0
	err := m.store.Scan(ctx, keyPrefix+"*", func(string) error {
		count++
		return nil
	})
	if err != nil {
		return 0, apperrors.Wrap(apperrors.KindUnavailable, "failed to count tokens", err)
	}
	return count, nil
}

func (m *Manager) revokeMatching(ctx context.Context, match func(*Record) bool) (int, error) {
	revoked := 0
	err := m.store.Scan(ctx, keyPrefix+"*", func(key string) error {
		raw, err := m.store.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var record Record
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			m.logger.Warn("skipping undecodable token record", "key", key, logging.Err(err))
			return nil
		}
		if match(&record) {
			if _, err := m.store.Del(ctx, key); err != nil {
				return err
			}
			revoked++
		}
		return nil
	})
	if err != nil {
		return revoked, apperrors.Wrap(apperrors.KindUnavailable, "token revocation scan failed", err)
	}
	if revoked > 0 {
		m.logger.Info("revoked bearer tokens", "count", revoked)
	}
	return revoked, nil
}
