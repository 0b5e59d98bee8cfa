// Package clientreg implements RFC 7591 dynamic client registration on top
// of the shared key-value store. Registrations are durable (no TTL) so a
// client survives gateway restarts; client secrets are bcrypt-hashed and
// the plaintext is returned exactly once, in the registration response.
package clientreg
