package oauthflow

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strings"
	"time"
)

// DefaultCookieName identifies the gateway session cookie.
const DefaultCookieName = "workspace_mcp_session"

// cookieCodec signs session ids so a tampered cookie is rejected before
// any store lookup. The value format is base64url(id) + "." +
// base64url(hmac-sha256(id)).
type cookieCodec struct {
	name   string
	key    []byte
	secure bool
	maxAge time.Duration
}

func newCookieCodec(name string, key []byte, secure bool, maxAge time.Duration) *cookieCodec {
	if name == "" {
		name = DefaultCookieName
	}
	return &cookieCodec{name: name, key: key, secure: secure, maxAge: maxAge}
}

func (c *cookieCodec) sign(id string) string {
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(id))
	return base64.RawURLEncoding.EncodeToString([]byte(id)) + "." +
		base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (c *cookieCodec) verify(value string) (string, bool) {
	dot := strings.IndexByte(value, '.')
	if dot < 0 {
		return "", false
	}
	idBytes, err := base64.RawURLEncoding.DecodeString(value[:dot])
	if err != nil {
		return "", false
	}
	sig, err := base64.RawURLEncoding.DecodeString(value[dot+1:])
	if err != nil {
		return "", false
	}
	mac := hmac.New(sha256.New, c.key)
	mac.Write(idBytes)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return "", false
	}
	return string(idBytes), true
}

// set writes the session cookie. SameSite=None is required because MCP
// clients land on the callback from Google's origin; None requires the
// Secure attribute, so local development without TLS falls back to Lax.
func (c *cookieCodec) set(w http.ResponseWriter, sessionID string) {
	cookie := &http.Cookie{
		Name:     c.name,
		Value:    c.sign(sessionID),
		Path:     "/",
		MaxAge:   int(c.maxAge.Seconds()),
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteNoneMode,
	}
	if !c.secure {
		cookie.SameSite = http.SameSiteLaxMode
	}
	http.SetCookie(w, cookie)
}

// read returns the verified session id from the request cookie, or "".
func (c *cookieCodec) read(r *http.Request) string {
	cookie, err := r.Cookie(c.name)
	if err != nil {
		return ""
	}
	id, ok := c.verify(cookie.Value)
	if !ok {
		return ""
	}
	return id
}

// clear expires the cookie.
func (c *cookieCodec) clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.secure,
	})
}
