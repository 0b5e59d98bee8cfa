// Package logging provides structured logging utilities for the gateway.
//
// This package centralizes logging patterns to ensure consistent, structured
// logging throughout the codebase using the standard library's slog package.
//
// # Key Features
//
//   - Structured logging with slog
//   - PII sanitization (email anonymization, session id hashing)
//   - Consistent attribute naming across the codebase
//
// # Usage Patterns
//
// Attach standard attributes:
//
//	logger := logging.WithComponent(slog.Default(), "session")
//	logger.Info("session created",
//	    logging.SessionHash(sess.ID))
//
// Sanitize sensitive data before logging:
//
//	logger.Info("tokens stored",
//	    logging.UserHash(email))
//
// # Security Considerations
//
//   - User emails are hashed to prevent PII leakage while allowing correlation
//   - Session ids and tokens are never logged directly
package logging
