package gateway

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/jholhewres/agentgate/pkg/agentgate/store"
)

type inviteView struct {
	InviteID  string `json:"invite_id"`
	Label     string `json:"label,omitempty"`
	MaxUses   int    `json:"max_uses"`
	UsedCount int    `json:"used_count"`
	CreatedAt string `json:"created_at"`
	ExpiresAt string `json:"expires_at,omitempty"`
	RevokedAt string `json:"revoked_at,omitempty"`
}

func inviteToView(inv store.Invite) inviteView {
	return inviteView{
		InviteID:  inv.InviteID,
		Label:     inv.Label,
		MaxUses:   inv.MaxUses,
		UsedCount: inv.UsedCount,
		CreatedAt: inv.CreatedAt,
		ExpiresAt: inv.ExpiresAt,
		RevokedAt: inv.RevokedAt,
	}
}

func (s *Server) handleAdminConfig(w http.ResponseWriter, _ *http.Request) {
	profile, err := s.store.ChannelProfileGet(s.cfg.ProfileName, s.cfg.ProfileMission)
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"registration_mode":                  s.cfg.RegistrationMode,
		"register_rate_limit_count":          s.cfg.RegisterRateLimitCount,
		"register_rate_limit_window_seconds": s.cfg.RegisterRateLimitWindowSeconds,
		"healthz_verbose":                    s.cfg.HealthzVerbose,
		"profile_name":                       profile.Name,
		"profile_mission":                    profile.Mission,
		"profile_updated_at":                 profile.UpdatedAt,
	})
}

func (s *Server) handleAdminGetProfile(w http.ResponseWriter, _ *http.Request) {
	profile, err := s.store.ChannelProfileGet(s.cfg.ProfileName, s.cfg.ProfileMission)
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":       profile.Name,
		"mission":    profile.Mission,
		"updated_at": profile.UpdatedAt,
	})
}

func (s *Server) handleAdminSetProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		Mission string `json:"mission"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Invalid JSON body")
		return
	}
	profile, err := s.store.ChannelProfileSet(req.Name, req.Mission)
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":       profile.Name,
		"mission":    profile.Mission,
		"updated_at": profile.UpdatedAt,
	})
}

func (s *Server) handleAdminCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string `json:"name"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Invalid JSON body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusUnprocessableEntity, "name is required")
		return
	}
	creds, err := s.store.CreateAgent(req.Name, req.AvatarURL)
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	s.logger.Info("agent created by admin", "agent_id", creds.AgentID, "name", req.Name)
	writeJSON(w, http.StatusOK, registerResponse{
		AgentID:        creds.AgentID,
		Token:          creds.Token,
		Name:           req.Name,
		AvatarURL:      req.AvatarURL,
		GatewayBaseURL: s.cfg.GatewayBaseURL,
		CredentialPath: credentialPath(s.cfg.GatewayBaseURL, creds.AgentID),
	})
}

func (s *Server) handleAdminListAgents(w http.ResponseWriter, _ *http.Request) {
	rows, err := s.store.ListAgents()
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	agents := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		agents = append(agents, map[string]any{
			"agent_id":   row.AgentID,
			"name":       row.Name,
			"avatar_url": row.AvatarURL,
			"created_at": row.CreatedAt,
			"revoked_at": row.RevokedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleAdminRevokeAgent(w http.ResponseWriter, r *http.Request) {
	revoked, err := s.store.RevokeAgent(r.PathValue("id"))
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	if !revoked {
		writeError(w, http.StatusNotFound, "Agent not found or already revoked.")
		return
	}
	s.logger.Info("agent revoked", "agent_id", r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAdminRotateToken(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	token, err := s.store.RotateAgentToken(agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Agent not found or revoked.")
			return
		}
		s.writeUpstreamError(w, err)
		return
	}
	s.logger.Info("agent token rotated", "agent_id", agentID)
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": agentID, "token": token})
}

func (s *Server) handleAdminCreateInvite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Label     string `json:"label"`
		MaxUses   int    `json:"max_uses"`
		ExpiresAt string `json:"expires_at"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Invalid JSON body")
		return
	}
	if req.MaxUses < 1 {
		req.MaxUses = 1
	}

	expiresAt := strings.TrimSpace(req.ExpiresAt)
	if expiresAt != "" {
		t, err := time.Parse(time.RFC3339, expiresAt)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "Invalid expires_at: must be RFC 3339")
			return
		}
		expiresAt = t.UTC().Format(time.RFC3339Nano)
	}

	invite, code, err := s.store.CreateInvite(req.Label, req.MaxUses, expiresAt)
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	s.logger.Info("invite created", "invite_id", invite.InviteID, "max_uses", invite.MaxUses)
	writeJSON(w, http.StatusOK, map[string]any{
		"invite": inviteToView(*invite),
		"code":   code,
	})
}

func (s *Server) handleAdminListInvites(w http.ResponseWriter, _ *http.Request) {
	rows, err := s.store.ListInvites()
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	invites := make([]inviteView, 0, len(rows))
	for _, row := range rows {
		invites = append(invites, inviteToView(row))
	}
	writeJSON(w, http.StatusOK, map[string]any{"invites": invites})
}

func (s *Server) handleAdminRevokeInvite(w http.ResponseWriter, r *http.Request) {
	revoked, err := s.store.RevokeInvite(r.PathValue("id"))
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	if !revoked {
		writeError(w, http.StatusNotFound, "Invite not found or already revoked.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
