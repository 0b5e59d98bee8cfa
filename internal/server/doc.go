// Package server wires the gateway's HTTP surface: the OAuth endpoints,
// the MCP JSON-RPC endpoint, discovery metadata, GDPR data handlers,
// health checks, and the dedicated metrics listener.
package server
