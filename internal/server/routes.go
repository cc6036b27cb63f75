package server

import (
	"net/http"
	"time"

	"github.com/brightpath/crmsync/internal/common"
)

// registerRoutes sets up all API routes on the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// System
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/version", s.handleVersion)

	// Webhook ingress. Unauthenticated; notifications are validated against
	// stored channel registrations instead.
	mux.HandleFunc("/webhooks/google", s.handleWebhook)

	// OAuth connect flow
	mux.HandleFunc("/auth/google/connect", s.handleOAuthConnect)
	mux.HandleFunc("/auth/google/callback", s.handleOAuthCallback)

	// Integration management
	mux.HandleFunc("/api/integrations/google/channels/", s.handleChannelByResource)
	mux.HandleFunc("/api/integrations/google/channels", s.handleChannels)
	mux.HandleFunc("/api/integrations/google/sync", s.handleSyncTrigger)
	mux.HandleFunc("/api/integrations/google/status", s.handleIntegrationStatus)
	mux.HandleFunc("/api/integrations/google", s.handleIntegrationRoot)

	// Real-time events
	mux.HandleFunc("/api/events/ws", s.handleEventsWS)
}

// --- System handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"uptime":   s.app.Uptime().Round(time.Second).String(),
		"sessions": s.app.Hub.SessionCount(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
	})
}
