package oauthflow

import (
	"encoding/json"
	"html/template"
	"net/http"
)

// oauthError is the RFC 6749 error response body.
type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(oauthError{Error: code, ErrorDescription: description})
}

// errorPageTemplate renders browser-facing failures. Every value passes
// through html/template's contextual escaping, so upstream-controlled
// strings cannot inject markup.
var errorPageTemplate = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>Authentication Error</title>
  <style>
    body { font-family: system-ui, sans-serif; max-width: 32rem; margin: 4rem auto; padding: 0 1rem; }
    h1 { font-size: 1.25rem; }
    p { color: #444; }
  </style>
</head>
<body>
  <h1>Authentication failed</h1>
  <p>{{.Message}}</p>
  <p>You can close this window and try signing in again.</p>
</body>
</html>
`))

// statusPageTemplate renders the post-login landing page when no redirect
// URI was supplied.
var statusPageTemplate = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>Signed In</title>
  <style>
    body { font-family: system-ui, sans-serif; max-width: 32rem; margin: 4rem auto; padding: 0 1rem; }
    h1 { font-size: 1.25rem; }
    p { color: #444; }
  </style>
</head>
<body>
  <h1>Signed in</h1>
  <p>Authenticated as {{.Email}}. You can close this window and return to your MCP client.</p>
</body>
</html>
`))

func writeErrorPage(w http.ResponseWriter, status int, message string) {
	setSecurityHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = errorPageTemplate.Execute(w, struct{ Message string }{Message: message})
}

func writeStatusPage(w http.ResponseWriter, email string) {
	setSecurityHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = statusPageTemplate.Execute(w, struct{ Email string }{Email: email})
}

// setSecurityHeaders applies the browser hardening headers to every
// browser-facing response.
func setSecurityHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'")
	h.Set("Cache-Control", "no-store")
}
