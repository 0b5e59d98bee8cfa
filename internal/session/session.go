package session

import (
	"time"
)

// DefaultTTL is the session lifetime, matching the cookie max-age.
const DefaultTTL = 24 * time.Hour

// TokenSet is the upstream OAuth token material owned by a session. It is
// always persisted encrypted and decrypted only in-process for the duration
// of an API call.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiryDate   time.Time `json:"expiry_date"`
}

// Metadata is request context captured at session creation and mutated as
// the OAuth flow progresses.
type Metadata struct {
	UserAgent   string `json:"user_agent,omitempty"`
	IPAddress   string `json:"ip_address,omitempty"`
	RedirectURI string `json:"redirect_uri,omitempty"`
	IsPKCEFlow  bool   `json:"is_pkce_flow,omitempty"`
}

// Session is a user session. Invariant: Authenticated implies UserEmail and
// EncryptedTokens are present.
type Session struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	Authenticated  bool      `json:"authenticated"`
	UserEmail      string    `json:"user_email,omitempty"`

	// EncryptedTokens is the AES-256-GCM ciphertext of the JSON-encoded
	// TokenSet. Use Manager.Tokens to decrypt.
	EncryptedTokens string `json:"tokens,omitempty"`

	Metadata Metadata `json:"metadata"`
}

// Expired reports whether the session's own TTL field indicates expiry,
// independent of whether the store has reaped the record yet.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
