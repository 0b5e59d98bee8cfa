// Package workspace builds per-request Google Workspace API clients from a
// session's token set and routes every upstream call through the circuit
// breaker registry. Clients are stateless: nothing here caches token
// material beyond the lifetime of a single MCP request.
package workspace
