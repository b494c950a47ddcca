package gateway

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/jholhewres/agentgate/pkg/agentgate/store"
)

type agentHandler func(w http.ResponseWriter, r *http.Request, agent *store.Agent)

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return ""
	}
	return strings.TrimSpace(auth[len("bearer "):])
}

// requireAgent authenticates the bearer token against the store. Revoked
// agents fail exactly like unknown tokens.
func (s *Server) requireAgent(next agentHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "Missing Authorization: Bearer <token>")
			return
		}
		agent, err := s.store.AgentByToken(token)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				s.logger.Error("token lookup failed", "error", err)
			}
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}
		next(w, r, agent)
	}
}

// requireAdmin accepts the admin token via X-Admin-Token or a bearer
// header. When no admin token is configured the whole admin surface is
// disabled.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		configured := s.cfg.AdminAPIToken
		if configured == "" {
			writeError(w, http.StatusServiceUnavailable, "Admin API disabled")
			return
		}
		token := strings.TrimSpace(r.Header.Get("X-Admin-Token"))
		if token == "" {
			token = bearerToken(r)
		}
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(configured)) != 1 {
			writeError(w, http.StatusUnauthorized, "Invalid admin token")
			return
		}
		next(w, r)
	}
}
