package tokencrypt

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	if len(key) != 32 {
		t.Errorf("GenerateKey() key length = %d, want 32", len(key))
	}

	key2, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	if string(key) == string(key2) {
		t.Error("GenerateKey() generated identical keys (should be random)")
	}
}

func TestCipher_RoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	c, err := New(key)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tests := []struct {
		name      string
		plaintext string
	}{
		{"simple token", "ya29.access_token_123456"},
		{"long token", strings.Repeat("refresh_token_segment_", 40)},
		{"empty string", ""},
		{"special chars", "token!@#$%^&*()_+-={}[]|:;<>?,./"},
		{"multi-byte", "token_日本語_ключ_🔐"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := c.Encrypt(tt.plaintext)
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}

			if ciphertext == tt.plaintext && tt.plaintext != "" {
				t.Error("Encrypt() returned plaintext unchanged")
			}

			if _, err := base64.StdEncoding.DecodeString(ciphertext); err != nil {
				t.Errorf("Encrypt() did not return valid base64: %v", err)
			}

			decrypted, err := c.Decrypt(ciphertext)
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if decrypted != tt.plaintext {
				t.Errorf("Decrypt() = %q, want %q", decrypted, tt.plaintext)
			}
		})
	}
}

func TestCipher_RandomIV(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	c, err := New(key)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for _, plaintext := range []string{"same_token", ""} {
		a, err := c.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		b, err := c.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		if a == b {
			t.Errorf("two encryptions of %q produced identical ciphertext", plaintext)
		}
	}
}

func TestCipher_Disabled(t *testing.T) {
	c, err := New(nil)
	if err != nil {
		t.Fatalf("New(nil) error = %v", err)
	}
	if c.Enabled() {
		t.Error("New(nil) should have encryption disabled")
	}

	plaintext := "access_token_123"
	ciphertext, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if ciphertext != plaintext {
		t.Errorf("Encrypt() with disabled encryption = %q, want passthrough", ciphertext)
	}

	decrypted, err := c.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if decrypted != plaintext {
		t.Errorf("Decrypt() with disabled encryption = %q, want passthrough", decrypted)
	}
}

func TestCipher_InvalidKeySize(t *testing.T) {
	for _, size := range []int{16, 24, 31, 33} {
		if _, err := New(make([]byte, size)); err == nil {
			t.Errorf("New() with %d-byte key should return error", size)
		}
	}
}

func TestCipher_TamperedCiphertext(t *testing.T) {
	key, _ := GenerateKey()
	c, _ := New(key)

	ciphertext, err := c.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	raw, _ := base64.StdEncoding.DecodeString(ciphertext)
	raw[len(raw)-1] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)

	if _, err := c.Decrypt(tampered); err == nil {
		t.Error("Decrypt() of tampered ciphertext should fail authentication")
	}

	if _, err := c.Decrypt("AAAA"); err == nil {
		t.Error("Decrypt() of truncated input should fail")
	}

	if _, err := c.Decrypt("not-base64!"); err == nil {
		t.Error("Decrypt() of invalid base64 should fail")
	}
}

func TestCipher_WrongKey(t *testing.T) {
	key1, _ := GenerateKey()
	key2, _ := GenerateKey()
	c1, _ := New(key1)
	c2, _ := New(key2)

	ciphertext, err := c1.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if _, err := c2.Decrypt(ciphertext); err == nil {
		t.Error("Decrypt() with wrong key should fail")
	}
}
