// Package tokens manages the opaque bearer tokens the gateway issues to
// MCP clients after a completed OAuth flow. Tokens live in the shared
// key-value store with a bounded lifetime and are reserved with an atomic
// set-if-absent so two gateway instances can never issue the same token.
package tokens
