package redirect

import (
	"context"
	"net/url"
	"strings"

	"github.com/fluxtide/workspace-mcp/internal/apperrors"
	"github.com/fluxtide/workspace-mcp/internal/clientreg"
)

// Default whitelist entries for local development and the MCP Inspector.
var devDefaults = []string{
	"http://localhost:3000/oauth/callback",
	"http://localhost:5173/oauth/callback",
	"http://localhost:6274/oauth/callback",
	"http://localhost:6274/oauth/callback/debug",
	"http://127.0.0.1:3000/oauth/callback",
	"http://127.0.0.1:6274/oauth/callback",
}

// Validator decides whether a redirect URI may receive credentials.
type Validator struct {
	clients   *clientreg.Registry
	whitelist map[string]bool
}

// Config controls the static whitelist.
type Config struct {
	// Production disables the localhost development defaults.
	Production bool
	// ProductionURIs are additional exact URIs allowed in production,
	// typically the deployment's own status page.
	ProductionURIs []string
	// ExtraURIs is the operator-supplied comma-separated whitelist.
	ExtraURIs string
}

// NewValidator builds a validator. clients may be nil, in which case only
// the static whitelist applies.
func NewValidator(clients *clientreg.Registry, cfg Config) *Validator {
	wl := make(map[string]bool)
	if !cfg.Production {
		for _, uri := range devDefaults {
			wl[uri] = true
		}
	}
	for _, uri := range cfg.ProductionURIs {
		if uri != "" {
			wl[uri] = true
		}
	}
	for _, uri := range strings.Split(cfg.ExtraURIs, ",") {
		uri = strings.TrimSpace(uri)
		if uri != "" {
			wl[uri] = true
		}
	}
	return &Validator{clients: clients, whitelist: wl}
}

// Validate checks a redirect URI for the given client. An empty URI is
// allowed: it means the caller will fall back to the built-in status page
// instead of redirecting. clientID may be empty for the legacy flow, in
// which case only the static whitelist is consulted.
func (v *Validator) Validate(ctx context.Context, clientID, uri string) error {
	if uri == "" {
		return nil
	}

	parsed, err := url.Parse(uri)
	if err != nil {
		return apperrors.New(apperrors.KindValidation, "invalid redirect_uri format")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return apperrors.New(apperrors.KindValidation, "redirect_uri must use http or https")
	}
	if parsed.Host == "" {
		return apperrors.New(apperrors.KindValidation, "redirect_uri is missing a host")
	}
	if parsed.Fragment != "" {
		return apperrors.New(apperrors.KindValidation, "redirect_uri must not contain a fragment")
	}

	// A registered client's own URIs take precedence over the static list.
	if clientID != "" && v.clients != nil {
		if err := v.clients.ValidateRedirectURI(ctx, clientID, uri); err == nil {
			return nil
		} else if apperrors.KindOf(err) == apperrors.KindUnavailable {
			return err
		}
	}

	if v.whitelist[uri] {
		return nil
	}
	return apperrors.New(apperrors.KindValidation, "redirect_uri is not on the allowed list")
}
