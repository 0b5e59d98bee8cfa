// Package session manages user sessions in the shared key-value store:
// creation, access-time refresh, encrypted token attachment, TTL-based
// expiry, and active cleanup sweeps. Token material is encrypted with the
// token cipher before it ever reaches the store.
package session
