// Package oauthflow implements the gateway's OAuth 2.1 flow controller:
// login, upstream callback, status, logout, and the token endpoint. It
// coordinates the session manager, authorization code manager, client
// registry, redirect validator, and upstream provider, and owns the signed
// session cookie.
//
// Two flows share the callback. The PKCE flow parks the client's
// authorization request at login and answers the callback with a
// single-use authorization code; the legacy flow answers it with a bearer
// token delivered straight to a whitelisted redirect URI. Every branch
// that leaves the gateway re-validates its redirect target immediately
// before issuing the redirect.
package oauthflow
