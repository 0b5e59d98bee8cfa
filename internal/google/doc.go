// Package google integrates with Google as the upstream identity provider:
// building the consent URL, exchanging authorization codes, resolving the
// authenticated user's email, and best-effort token revocation.
package google
