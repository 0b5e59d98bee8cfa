package session

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
	"github.com/fluxtide/workspace-mcp/internal/storage"
	"github.com/fluxtide/workspace-mcp/internal/tokencrypt"
)

const keyPrefix = "session:"

// Manager owns the session lifecycle against the shared key-value store.
// Concurrent updates to the same session are last-write-wins at the store
// layer; sessions are not used for financial-grade consistency.
type Manager struct {
	store  storage.Store
	cipher *tokencrypt.Cipher
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a session manager. A zero ttl uses DefaultTTL.
func NewManager(store storage.Store, cipher *tokencrypt.Cipher, ttl time.Duration, logger *slog.Logger) *Manager {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		cipher: cipher,
		ttl:    ttl,
		logger: logging.WithComponent(logger, "session"),
		now:    time.Now,
	}
}

// newSessionID generates an opaque, unguessable session id (256 bits).
func newSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Create creates an unauthenticated session carrying the request metadata.
func (m *Manager) Create(ctx context.Context, meta Metadata) (*Session, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}

	now := m.now()
	sess := &Session{
		ID:             id,
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.ttl),
		LastAccessedAt: now,
		Authenticated:  false,
		Metadata:       meta,
	}

	if err := m.persist(ctx, sess); err != nil {
		return nil, err
	}

	m.logger.Debug("session created", logging.SessionHash(id))
	return sess, nil
}

// Get returns the session for id, refreshing its last-accessed time as a
// side effect. Returns (nil, nil) when the session is missing or expired.
// Store round-trip failures surface as apperrors.ErrStorageUnavailable; a
// session is never fabricated.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	sess, err := m.load(ctx, id)
	if err != nil || sess == nil {
		return nil, err
	}

	now := m.now()
	if sess.Expired(now) {
		// The store's TTL may lag the session's own expiry field.
		_, _ = m.store.Del(ctx, keyPrefix+id)
		return nil, nil
	}

	sess.LastAccessedAt = now
	// Best effort: a failed access-time write must not hide a live session.
	if err := m.persist(ctx, sess); err != nil {
		m.logger.Warn("failed to refresh session access time",
			logging.SessionHash(id), logging.Err(err))
	}
	return sess, nil
}

// Update applies mutate to the session and persists the result. Returns
// (nil, nil) if the session is missing or expired.
func (m *Manager) Update(ctx context.Context, id string, mutate func(*Session)) (*Session, error) {
	sess, err := m.load(ctx, id)
	if err != nil || sess == nil {
		return nil, err
	}
	if sess.Expired(m.now()) {
		_, _ = m.store.Del(ctx, keyPrefix+id)
		return nil, nil
	}

	mutate(sess)
	sess.LastAccessedAt = m.now()
	if err := m.persist(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// StoreTokens encrypts the token set, attaches it with the user's email,
// and marks the session authenticated. Storing the same tokens twice for
// the same id is idempotent.
func (m *Manager) StoreTokens(ctx context.Context, id string, tokens *TokenSet, userEmail string) (*Session, error) {
	if tokens == nil {
		return nil, apperrors.New(apperrors.KindValidation, "token set is required")
	}
	if userEmail == "" {
		return nil, apperrors.New(apperrors.KindValidation, "user email is required")
	}

	plaintext, err := json.Marshal(tokens)
	if err != nil {
		return nil, fmt.Errorf("failed to encode token set: %w", err)
	}
	encrypted, err := m.cipher.Encrypt(string(plaintext))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt token set: %w", err)
	}

	sess, err := m.Update(ctx, id, func(s *Session) {
		s.EncryptedTokens = encrypted
		s.UserEmail = userEmail
		s.Authenticated = true
	})
	if err != nil || sess == nil {
		return nil, err
	}

	m.logger.Info("tokens stored for session",
		logging.SessionHash(id), logging.UserHash(userEmail))
	return sess, nil
}

// Tokens decrypts the session's token set. Returns nil if the session is
// unauthenticated.
func (m *Manager) Tokens(sess *Session) (*TokenSet, error) {
	if sess == nil || sess.EncryptedTokens == "" {
		return nil, nil
	}
	plaintext, err := m.cipher.Decrypt(sess.EncryptedTokens)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt session tokens: %w", err)
	}
	var tokens TokenSet
	if err := json.Unmarshal([]byte(plaintext), &tokens); err != nil {
		return nil, fmt.Errorf("failed to decode session tokens: %w", err)
	}
	return &tokens, nil
}

// Refresh extends the session's expiry by the configured TTL.
func (m *Manager) Refresh(ctx context.Context, id string) (*Session, error) {
	return m.Update(ctx, id, func(s *Session) {
		s.ExpiresAt = m.now().Add(m.ttl)
	})
}

// Delete removes the session. Deleting an absent session returns false
// without error, so double-invocation is safe.
func (m *Manager) Delete(ctx context.Context, id string) (bool, error) {
	n, err := m.store.Del(ctx, keyPrefix+id)
	if err != nil {
		return false, apperrors.Wrap(apperrors.KindUnavailable, "failed to delete session", err)
	}
	if n > 0 {
		m.logger.Debug("session deleted", logging.SessionHash(id))
	}
	return n > 0, nil
}

// All returns every live session via an incremental scan, never a single
// all-keys call that could stall the store under load.
func (m *Manager) All(ctx context.Context) ([]*Session, error) {
	var sessions []*Session
	now := m.now()

	err := m.store.Scan(ctx, keyPrefix+"*", func(key string) error {
		raw, err := m.store.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			return nil // reaped between scan and read
		}
		if err != nil {
			return err
		}
		var sess Session
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			m.logger.Warn("skipping undecodable session record", "key", key, logging.Err(err))
			return nil
		}
		if !sess.Expired(now) {
			sessions = append(sessions, &sess)
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "failed to scan sessions", err)
	}
	return sessions, nil
}

// ForUser returns all live sessions belonging to the given email.
func (m *Manager) ForUser(ctx context.Context, email string) ([]*Session, error) {
	all, err := m.All(ctx)
	if err != nil {
		return nil, err
	}
	var matched []*Session
	for _, sess := range all {
		if sess.UserEmail == email {
			matched = append(matched, sess)
		}
	}
	return matched, nil
}

// CleanupExpired actively deletes sessions whose own expiry field has
// passed but which a passive store TTL might have missed (e.g. stores
// without native expiry). Returns the number removed.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	now := m.now()
	removed := 0

	err := m.store.Scan(ctx, keyPrefix+"*", func(key string) error {
		raw, err := m.store.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var sess Session
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			return nil
		}
		if sess.Expired(now) {
			if _, err := m.store.Del(ctx, key); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, apperrors.Wrap(apperrors.KindUnavailable, "session cleanup failed", err)
	}

	if removed > 0 {
		m.logger.Info("cleaned up expired sessions", "count", removed)
	}
	return removed, nil
}

// load fetches and decodes a session without expiry or access-time
// handling.
func (m *Manager) load(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, nil
	}
	raw, err := m.store.Get(ctx, keyPrefix+id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrStorageUnavailable, err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session record: %w", err)
	}
	return &sess, nil
}

func (m *Manager) persist(ctx context.Context, sess *Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := m.store.Set(ctx, keyPrefix+sess.ID, string(raw), ttl); err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, "failed to write session", err)
	}
	return nil
}
