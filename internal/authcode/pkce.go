package authcode

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// MethodS256 is the only code challenge method accepted. The plain method
// defeats the purpose of PKCE and is rejected outright.
const MethodS256 = "S256"

// GenerateCodeVerifier generates a random PKCE code verifier: 32 random
// bytes, base64url encoded without padding (43 characters), per RFC 7636.
func GenerateCodeVerifier() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateCodeChallenge derives the S256 code challenge from a verifier:
// BASE64URL(SHA256(ASCII(code_verifier))).
func GenerateCodeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyS256 reports whether the verifier matches the stored challenge
// under the S256 method. Any other method fails verification.
func VerifyS256(verifier, challenge, method string) bool {
	if method != MethodS256 || verifier == "" || challenge == "" {
		return false
	}
	computed := GenerateCodeChallenge(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
