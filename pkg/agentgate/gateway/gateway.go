// Package gateway implements the HTTP API agents and admins talk to:
// registration, the cursor-based inbox/ack protocol, outbound posting,
// attachment downloads, and the onboarding docs.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jholhewres/agentgate/pkg/agentgate/config"
	"github.com/jholhewres/agentgate/pkg/agentgate/discord"
	"github.com/jholhewres/agentgate/pkg/agentgate/store"
)

// AttachmentResolver resolves stored attachments to live downloads.
type AttachmentResolver interface {
	ResolveDownload(ctx context.Context, attachmentID string) (*discord.Download, error)
	Open(ctx context.Context, downloadURL string) (io.ReadCloser, error)
}

// Server is the gateway HTTP server.
type Server struct {
	cfg         config.Settings
	store       *store.Store
	relay       *Relay
	attachments AttachmentResolver
	limiter     *SlidingWindowLimiter
	logger      *slog.Logger
	server      *http.Server
}

// New creates the server. relay and attachments may be nil in api-only
// deployments without a Discord connection; the affected routes then
// return 502.
func New(cfg config.Settings, st *store.Store, relay *Relay, attachments AttachmentResolver, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:         cfg,
		store:       st,
		relay:       relay,
		attachments: attachments,
		limiter:     NewSlidingWindowLimiter(cfg.RegisterRateLimitCount, cfg.RegisterRateLimitWindow()),
		logger:      logger.With("component", "gateway"),
	}
}

// Handler builds the route table. Exposed for httptest use.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public.
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /skill.md", s.handleSkillMD)
	mux.HandleFunc("GET /heartbeat.md", s.handleHeartbeatMD)
	mux.HandleFunc("GET /messaging.md", s.handleMessagingMD)
	mux.HandleFunc("POST /v1/agents/register", s.handleRegister)

	// Agent surface (bearer auth).
	mux.HandleFunc("GET /v1/me", s.requireAgent(s.handleMe))
	mux.HandleFunc("GET /v1/context", s.requireAgent(s.handleContext))
	mux.HandleFunc("GET /v1/capabilities", s.requireAgent(s.handleCapabilities))
	mux.HandleFunc("GET /v1/inbox", s.requireAgent(s.handleInbox))
	mux.HandleFunc("POST /v1/ack", s.requireAgent(s.handleAck))
	mux.HandleFunc("POST /v1/post", s.requireAgent(s.handlePost))
	mux.HandleFunc("GET /v1/attachments/{id}", s.requireAgent(s.handleAttachment))

	// Admin surface.
	mux.HandleFunc("GET /v1/admin/config", s.requireAdmin(s.handleAdminConfig))
	mux.HandleFunc("GET /v1/admin/profile", s.requireAdmin(s.handleAdminGetProfile))
	mux.HandleFunc("PUT /v1/admin/profile", s.requireAdmin(s.handleAdminSetProfile))
	mux.HandleFunc("POST /v1/admin/agents", s.requireAdmin(s.handleAdminCreateAgent))
	mux.HandleFunc("GET /v1/admin/agents", s.requireAdmin(s.handleAdminListAgents))
	mux.HandleFunc("POST /v1/admin/agents/{id}/revoke", s.requireAdmin(s.handleAdminRevokeAgent))
	mux.HandleFunc("POST /v1/admin/agents/{id}/rotate-token", s.requireAdmin(s.handleAdminRotateToken))
	mux.HandleFunc("POST /v1/admin/invites", s.requireAdmin(s.handleAdminCreateInvite))
	mux.HandleFunc("GET /v1/admin/invites", s.requireAdmin(s.handleAdminListInvites))
	mux.HandleFunc("POST /v1/admin/invites/{id}/revoke", s.requireAdmin(s.handleAdminRevokeInvite))

	return mux
}

// Start begins serving in the background.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.GatewayHost, s.cfg.GatewayPort)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("gateway listening", "address", addr, "base_url", s.cfg.GatewayBaseURL)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("gateway server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctx)
		s.logger.Info("gateway stopped")
	}
}

// ---------- Response helpers ----------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError emits the {"detail": ...} error shape every route uses.
func writeError(w http.ResponseWriter, status int, detail any) {
	writeJSON(w, status, map[string]any{"detail": detail})
}

// writeUpstreamError maps a transport failure to 502 carrying the
// upstream status and body, or a plain 500 for anything else.
func (s *Server) writeUpstreamError(w http.ResponseWriter, err error) {
	var apiErr *discord.APIError
	if errors.As(err, &apiErr) {
		writeError(w, http.StatusBadGateway, map[string]any{
			"discord_status": apiErr.Status,
			"discord_error":  apiErr.Body,
		})
		return
	}
	s.logger.Error("internal error", "error", err)
	writeError(w, http.StatusInternalServerError, "Internal error")
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
