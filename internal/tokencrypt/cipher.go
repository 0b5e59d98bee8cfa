package tokencrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// Cipher provides envelope encryption for OAuth tokens at rest.
// Uses AES-256-GCM for authenticated encryption.
//
// Security properties:
//   - AES-256 provides strong confidentiality
//   - GCM mode provides both encryption and authentication (AEAD)
//   - A random nonce is generated for each encryption, never reused
//   - Two encryptions of the same plaintext never produce the same
//     ciphertext
//
// Key management:
//   - The key must be 32 bytes (256 bits)
//   - Resolve it from a secret manager or environment, never source code
type Cipher struct {
	key     []byte
	enabled bool
}

// New creates a token cipher. A nil or empty key disables encryption and
// values pass through unchanged; this is only acceptable for development.
func New(key []byte) (*Cipher, error) {
	if len(key) == 0 {
		return &Cipher{enabled: false}, nil
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be exactly 32 bytes (256 bits), got %d bytes", len(key))
	}
	return &Cipher{key: key, enabled: true}, nil
}

// Enabled reports whether tokens are encrypted at rest.
func (c *Cipher) Enabled() bool {
	return c.enabled
}

// Encrypt encrypts plaintext and returns base64(nonce || ciphertext || tag).
// Empty plaintext is encrypted like any other value so ciphertexts never
// reveal which fields were empty.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if !c.enabled {
		return plaintext, nil
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt. Tampered or truncated input fails GCM
// authentication and returns an error.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	if !c.enabled {
		return encoded, nil
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// GenerateKey generates a 32-byte key for AES-256. Generate once, store in
// secure storage, and reuse; a fresh key per start orphans every stored
// token.
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	return key, nil
}
