package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/fluxtide/workspace-mcp/internal/apperrors"
	"github.com/fluxtide/workspace-mcp/internal/logging"
)

const (
	// erasureMaxPasses caps the delete-and-requery loop. New sessions can
	// appear between passes; the loop runs until a pass finds nothing.
	erasureMaxPasses = 5
	erasurePassDelay = 100 * time.Millisecond
)

// gdprSessionInfo is the per-session view returned by the data access
// endpoint. Token material is never included, only its metadata.
type gdprSessionInfo struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	UserAgent      string    `json:"user_agent,omitempty"`
	IPAddress      string    `json:"ip_address,omitempty"`
	HasTokens      bool      `json:"has_tokens"`
}

// handleGDPR serves data subject requests for the authenticated user.
// GET returns everything stored about them, DELETE erases it.
func (s *Server) handleGDPR(w http.ResponseWriter, r *http.Request) {
	auth, ok := s.resolveGDPRAuth(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleGDPRExport(w, r, auth)
	case http.MethodDelete:
		s.handleGDPRErasure(w, r, auth)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// resolveGDPRAuth authenticates the request the same way the MCP endpoint
// does: bearer token first, signed cookie as fallback.
func (s *Server) resolveGDPRAuth(w http.ResponseWriter, r *http.Request) (*Auth, bool) {
	var resolved *Auth
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resolved = AuthFromContext(r.Context())
	})
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.authMiddleware(inner).ServeHTTP(rec, r)
	if resolved == nil {
		return nil, false
	}
	return resolved, true
}

func (s *Server) handleGDPRExport(w http.ResponseWriter, r *http.Request, auth *Auth) {
	ctx := r.Context()

	sessions, err := s.sessions.ForUser(ctx, auth.UserEmail)
	if err != nil {
		s.writeAuthError(w, apperrors.Wrap(apperrors.KindUnavailable, "failed to read user data", err))
		return
	}

	infos := make([]gdprSessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, gdprSessionInfo{
			ID:             sess.ID,
			CreatedAt:      sess.CreatedAt,
			ExpiresAt:      sess.ExpiresAt,
			LastAccessedAt: sess.LastAccessedAt,
			UserAgent:      sess.Metadata.UserAgent,
			IPAddress:      sess.Metadata.IPAddress,
			HasTokens:      sess.EncryptedTokens != "",
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"user_email": auth.UserEmail,
		"sessions":   infos,
	})

	s.logger.Info("gdpr export served", logging.UserHash(auth.UserEmail))
}

// handleGDPRErasure deletes every session and bearer token belonging to
// the user, revoking Google credentials best-effort along the way. The
// loop re-queries until a pass finds no sessions, so records created
// mid-erasure are caught too.
func (s *Server) handleGDPRErasure(w http.ResponseWriter, r *http.Request, auth *Auth) {
	ctx := r.Context()

	sessionsDeleted := 0
	tokensRevoked := 0
	for pass := 0; pass < erasureMaxPasses; pass++ {
		sessions, err := s.sessions.ForUser(ctx, auth.UserEmail)
		if err != nil {
			s.writeAuthError(w, apperrors.Wrap(apperrors.KindUnavailable, "failed to enumerate user sessions", err))
			return
		}
		if len(sessions) == 0 {
			break
		}

		for _, sess := range sessions {
			if tokenSet, terr := s.sessions.Tokens(sess); terr == nil && tokenSet != nil {
				// tokens_revoked counts sessions holding a refresh token
				// at deletion time, not bearer records.
				if tokenSet.RefreshToken != "" {
					tokensRevoked++
				}
				if s.provider != nil {
					if rerr := s.provider.Revoke(ctx, tokenSet); rerr != nil {
						s.logger.Warn("upstream revocation failed during erasure",
							logging.SessionHash(sess.ID), logging.Err(rerr))
					}
				}
			}
			deleted, derr := s.sessions.Delete(ctx, sess.ID)
			if derr != nil {
				s.writeAuthError(w, apperrors.Wrap(apperrors.KindUnavailable, "failed to delete session", derr))
				return
			}
			if deleted {
				sessionsDeleted++
			}
		}

		time.Sleep(erasurePassDelay)
	}

	bearerRevoked, err := s.bearer.RevokeForUser(ctx, auth.UserEmail)
	if err != nil {
		s.writeAuthError(w, apperrors.Wrap(apperrors.KindUnavailable, "failed to revoke user tokens", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"deleted":               true,
		"sessions_deleted":      sessionsDeleted,
		"tokens_revoked":        tokensRevoked,
		"bearer_tokens_revoked": bearerRevoked,
	})

	s.logger.Info("gdpr erasure complete",
		logging.UserHash(auth.UserEmail),
		"sessions_deleted", sessionsDeleted,
		"tokens_revoked", tokensRevoked,
		"bearer_tokens_revoked", bearerRevoked,
	)
}
