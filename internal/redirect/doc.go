// Package redirect validates OAuth redirect URIs against dynamic client
// registrations and a static whitelist. Matching is exact string equality
// per OAuth 2.0 Security BCP; there is no prefix, wildcard, or
// normalization matching anywhere in this package.
package redirect
