package secrets

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fluxtide/workspace-mcp/internal/logging"
)

// Environment variable names consulted by the default resolver.
const (
	EnvEncryptionKey     = "TOKEN_ENCRYPTION_KEY"
	EnvEncryptionKeyFile = "TOKEN_ENCRYPTION_KEY_FILE"
	EnvGoogleClientID    = "GOOGLE_CLIENT_ID"
	EnvGoogleSecret      = "GOOGLE_CLIENT_SECRET"
	EnvGoogleSecretFile  = "GOOGLE_CLIENT_SECRET_FILE"
)

// Source resolves a named secret. Implementations may read from the
// environment, from mounted secret files, or from an external manager.
type Source interface {
	// Lookup returns the secret value and whether it was found.
	// A found-but-empty value is treated as absent by the resolver.
	Lookup(name string) (string, bool)
}

// EnvSource resolves secrets from environment variables.
type EnvSource struct{}

// Lookup implements Source.
func (EnvSource) Lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	return strings.TrimSpace(v), ok
}

// FileSource resolves secrets from files whose paths are named by a
// companion "<NAME>_FILE" environment variable. This is the shape secret
// managers mount into containers.
type FileSource struct{}

// Lookup implements Source.
func (FileSource) Lookup(name string) (string, bool) {
	path, ok := os.LookupEnv(name + "_FILE")
	if !ok || path == "" {
		return "", false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(data)), true
}

// Resolver resolves and caches secrets process-wide. Each secret is fetched
// once; subsequent calls return the cached value. Sources are consulted in
// order, first hit wins.
type Resolver struct {
	sources []Source
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]string
}

// NewResolver creates a resolver with the given sources. With no sources it
// defaults to environment variables, then mounted secret files.
func NewResolver(logger *slog.Logger, sources ...Source) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if len(sources) == 0 {
		sources = []Source{EnvSource{}, FileSource{}}
	}
	return &Resolver{
		sources: sources,
		logger:  logging.WithComponent(logger, "secrets"),
		cache:   make(map[string]string),
	}
}

// Get resolves a named secret, caching the first successful lookup.
// Returns an empty string if no source provides the secret.
func (r *Resolver) Get(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.cache[name]; ok {
		return v
	}

	for _, src := range r.sources {
		if v, ok := src.Lookup(name); ok && v != "" {
			r.cache[name] = v
			r.logger.Debug("resolved secret", "name", name)
			return v
		}
	}

	// Cache the miss too: secrets do not appear mid-process, and re-probing
	// files on every call would put the secret mount on the hot path.
	r.cache[name] = ""
	return ""
}

// EncryptionKey resolves the AES-256 token encryption key. The configured
// value must be 64 hex characters (32 bytes). Returns nil with no error if
// the key is not configured, which disables encryption at rest.
func (r *Resolver) EncryptionKey() ([]byte, error) {
	encoded := r.Get(EnvEncryptionKey)
	if encoded == "" {
		return nil, nil
	}

	key, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid hex encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	return key, nil
}

// GoogleClientSecret resolves the upstream OAuth client secret.
func (r *Resolver) GoogleClientSecret() string {
	return r.Get(EnvGoogleSecret)
}

// GoogleClientID resolves the upstream OAuth client id.
func (r *Resolver) GoogleClientID() string {
	return r.Get(EnvGoogleClientID)
}
