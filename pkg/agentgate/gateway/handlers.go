package gateway

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/jholhewres/agentgate/pkg/agentgate/config"
	"github.com/jholhewres/agentgate/pkg/agentgate/store"
)

type registerRequest struct {
	Name       string `json:"name"`
	AvatarURL  string `json:"avatar_url"`
	InviteCode string `json:"invite_code"`
}

type registerResponse struct {
	AgentID        string `json:"agent_id"`
	Token          string `json:"token"`
	Name           string `json:"name"`
	AvatarURL      string `json:"avatar_url,omitempty"`
	GatewayBaseURL string `json:"gateway_base_url"`
	CredentialPath string `json:"credential_path"`
}

type inboxAttachment struct {
	AttachmentID string `json:"attachment_id"`
	Filename     string `json:"filename"`
	ContentType  string `json:"content_type,omitempty"`
	SizeBytes    int64  `json:"size_bytes,omitempty"`
	Height       int64  `json:"height,omitempty"`
	Width        int64  `json:"width,omitempty"`
	DownloadURL  string `json:"download_url"`
}

type inboxEvent struct {
	Seq               int64             `json:"seq"`
	AuthorKind        store.AuthorKind  `json:"author_kind"`
	AuthorID          string            `json:"author_id"`
	AuthorName        string            `json:"author_name,omitempty"`
	IsSelf            bool              `json:"is_self"`
	IsHuman           bool              `json:"is_human"`
	Body              string            `json:"body"`
	SourceChannelID   string            `json:"source_channel_id"`
	CreatedAt         string            `json:"created_at"`
	ExternalMessageID string            `json:"external_message_id,omitempty"`
	Attachments       []inboxAttachment `json:"attachments"`
}

type inboxResponse struct {
	Cursor     int64        `json:"cursor"`
	NextCursor int64        `json:"next_cursor"`
	Events     []inboxEvent `json:"events"`
}

func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
	return host
}

// credentialPath suggests where a freshly registered agent should store
// its token, namespaced by gateway so one client can hold credentials for
// several gateways.
func credentialPath(baseURL, agentID string) string {
	return fmt.Sprintf("~/.config/agentgate/%s/%s.json", gatewaySlug(baseURL), agentID)
}

func gatewaySlug(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return "default"
	}
	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	return u.Hostname() + "_" + port
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(clientHost(r)) {
		writeError(w, http.StatusTooManyRequests, "Too many registration attempts. Try again later.")
		return
	}

	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Invalid JSON body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusUnprocessableEntity, "name is required")
		return
	}

	var creds *store.Credentials
	var err error
	switch s.cfg.RegistrationMode {
	case config.RegistrationClosed:
		writeError(w, http.StatusForbidden, "Registration is closed.")
		return
	case config.RegistrationInvite:
		code := strings.TrimSpace(req.InviteCode)
		if code == "" {
			writeError(w, http.StatusForbidden, "Invite code required.")
			return
		}
		creds, err = s.store.CreateAgentWithInvite(req.Name, req.AvatarURL, code)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusForbidden, "Invalid or expired invite code.")
			return
		}
	default:
		creds, err = s.store.CreateAgent(req.Name, req.AvatarURL)
	}
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}

	s.logger.Info("agent registered", "agent_id", creds.AgentID, "name", req.Name)
	writeJSON(w, http.StatusOK, registerResponse{
		AgentID:        creds.AgentID,
		Token:          creds.Token,
		Name:           req.Name,
		AvatarURL:      req.AvatarURL,
		GatewayBaseURL: s.cfg.GatewayBaseURL,
		CredentialPath: credentialPath(s.cfg.GatewayBaseURL, creds.AgentID),
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, agent *store.Agent) {
	cursor, err := s.store.Receipt(agent.AgentID)
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":    agent.AgentID,
		"name":        agent.Name,
		"avatar_url":  agent.AvatarURL,
		"last_cursor": cursor,
	})
}

func (s *Server) handleContext(w http.ResponseWriter, _ *http.Request, _ *store.Agent) {
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

func (s *Server) handleCapabilities(w http.ResponseWriter, _ *http.Request, _ *store.Agent) {
	writeJSON(w, http.StatusOK, map[string]any{
		"platform":                 "discord",
		"single_channel":           true,
		"channel_id":               s.cfg.DiscordChannelID,
		"discord_hard_limit_chars": 2000,
		"gateway_split_limit":      s.cfg.DiscordMaxMessageLen,
		"mentions_enabled":         false,
		"identity_fields":          []string{"author_kind", "author_id", "author_name", "is_self", "is_human"},
		"attachments": map[string]any{
			"supported":         true,
			"inbox_field":       "attachments",
			"download_endpoint": "/v1/attachments/{attachment_id}",
		},
		"threads": map[string]any{
			"supported":   true,
			"inbox_field": "source_channel_id",
		},
		"context": map[string]any{
			"supported": true,
			"endpoint":  "/v1/context",
			"fields":    []string{"name", "mission", "updated_at"},
		},
	})
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request, agent *store.Agent) {
	q := r.URL.Query()

	var cursor int64
	if raw := q.Get("cursor"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeError(w, http.StatusUnprocessableEntity, "cursor must be a non-negative integer")
			return
		}
		cursor = v
	} else {
		v, err := s.store.Receipt(agent.AgentID)
		if err != nil {
			s.writeUpstreamError(w, err)
			return
		}
		cursor = v
	}

	limit := 50
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 200 {
			writeError(w, http.StatusUnprocessableEntity, "limit must be between 1 and 200")
			return
		}
		limit = v
	}

	posts, err := s.store.FetchInbox(s.cfg.DiscordChannelID, cursor, limit)
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}

	seqs := make([]int64, len(posts))
	for i, p := range posts {
		seqs[i] = p.Seq
	}
	attachments, err := s.store.AttachmentsForPosts(seqs)
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}

	next := cursor
	events := make([]inboxEvent, 0, len(posts))
	for _, p := range posts {
		if p.Seq > next {
			next = p.Seq
		}
		atts := make([]inboxAttachment, 0, len(attachments[p.Seq]))
		for _, a := range attachments[p.Seq] {
			atts = append(atts, inboxAttachment{
				AttachmentID: a.AttachmentID,
				Filename:     a.Filename,
				ContentType:  a.ContentType,
				SizeBytes:    a.SizeBytes,
				Height:       a.Height,
				Width:        a.Width,
				DownloadURL:  fmt.Sprintf("%s/v1/attachments/%s", s.cfg.GatewayBaseURL, a.AttachmentID),
			})
		}
		events = append(events, inboxEvent{
			Seq:               p.Seq,
			AuthorKind:        p.AuthorKind,
			AuthorID:          p.AuthorID,
			AuthorName:        p.AuthorName,
			IsSelf:            p.AuthorKind == store.AuthorAgent && p.AuthorID == agent.AgentID,
			IsHuman:           p.AuthorKind == store.AuthorHuman,
			Body:              p.Body,
			SourceChannelID:   p.SourceChannelID,
			CreatedAt:         p.CreatedAt,
			ExternalMessageID: p.DiscordMessageID,
			Attachments:       atts,
		})
	}

	writeJSON(w, http.StatusOK, inboxResponse{Cursor: cursor, NextCursor: next, Events: events})
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request, agent *store.Agent) {
	var req struct {
		Cursor *int64 `json:"cursor"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Cursor == nil || *req.Cursor < 0 {
		writeError(w, http.StatusUnprocessableEntity, "cursor must be a non-negative integer")
		return
	}
	if err := s.store.SetReceipt(agent.AgentID, *req.Cursor); err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "cursor": *req.Cursor})
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request, agent *store.Agent) {
	if s.relay == nil {
		writeError(w, http.StatusBadGateway, "Discord relay is not available in this deployment")
		return
	}

	var req struct {
		Body string `json:"body"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Body) == "" {
		writeError(w, http.StatusUnprocessableEntity, "body is required")
		return
	}

	res, err := s.relay.Post(r.Context(), agent, req.Body)
	if err != nil {
		// Chunks delivered before the failure stay recorded; the caller
		// learns about the partial send through the error status.
		s.writeUpstreamError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"last_seq":                 res.Seq,
		"last_external_message_id": res.DiscordMessageID,
	})
}

// safeDispositionFilename strips characters that would break the
// Content-Disposition header.
func safeDispositionFilename(name string) string {
	cleaned := strings.NewReplacer("\n", " ", "\r", " ", `"`, "").Replace(name)
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return "attachment"
	}
	return cleaned
}

func (s *Server) handleAttachment(w http.ResponseWriter, r *http.Request, _ *store.Agent) {
	if s.attachments == nil {
		writeError(w, http.StatusBadGateway, "Attachment proxy is not available in this deployment")
		return
	}

	id := r.PathValue("id")
	download, err := s.attachments.ResolveDownload(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Attachment not found")
		return
	}
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}

	body, err := s.attachments.Open(r.Context(), download.URL)
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", safeDispositionFilename(download.Filename)))
	if download.ContentType != "" {
		w.Header().Set("Content-Type", download.ContentType)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	if download.SizeBytes > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(download.SizeBytes, 10))
	}
	io.Copy(w, body)
}

// ---------- Health and docs ----------

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	ok := true
	if _, _, err := s.store.Setting("__healthcheck__"); err != nil {
		s.logger.Warn("healthcheck probe failed", "error", err)
		ok = false
	}
	if s.cfg.HealthzVerbose {
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":                ok,
			"version":           Version,
			"registration_mode": s.cfg.RegistrationMode,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": ok})
}

func (s *Server) writeMarkdown(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	io.WriteString(w, body)
}

func (s *Server) handleSkillMD(w http.ResponseWriter, _ *http.Request) {
	s.writeMarkdown(w, skillMD(s.cfg.GatewayBaseURL, s.cfg.DiscordMaxMessageLen))
}

func (s *Server) handleHeartbeatMD(w http.ResponseWriter, _ *http.Request) {
	s.writeMarkdown(w, heartbeatMD())
}

func (s *Server) handleMessagingMD(w http.ResponseWriter, _ *http.Request) {
	s.writeMarkdown(w, messagingMD())
}
