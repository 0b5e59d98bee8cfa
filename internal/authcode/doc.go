// Package authcode implements the authorization-code half of the OAuth 2.1
// flow: pending authorization requests captured at login, single-use
// authorization codes minted after upstream consent, and PKCE (RFC 7636,
// S256 only) verification at exchange time. Codes live in the shared
// key-value store and are consumed atomically so a code can never be
// exchanged twice, even across gateway instances.
package authcode
