package server

import (
	"errors"
	"net/http"

	"github.com/brightpath/crmsync/internal/models"
)

// handleIntegrationRoot handles /api/integrations/google.
// DELETE disconnects the integration: tokens are cleared and every push
// channel is deactivated through the revoke cascade.
func (s *Server) handleIntegrationRoot(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodDelete) {
		return
	}
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	if err := s.app.Vault.Revoke(r.Context(), userID, models.ProviderGoogle); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "integration not connected")
			return
		}
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to disconnect integration")
		WriteError(w, http.StatusInternalServerError, "failed to disconnect")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

// handleChannels handles /api/integrations/google/channels.
// POST registers a push channel for a resource; GET lists the user's channels.
func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodPost:
		var req struct {
			Resource string `json:"resource"`
		}
		if !DecodeJSON(w, r, &req) {
			return
		}
		if !models.ValidResource(req.Resource) {
			WriteError(w, http.StatusBadRequest, "resource must be 'mailbox' or 'calendar'")
			return
		}

		ch, err := s.app.Channels.Register(r.Context(), userID, req.Resource)
		if err != nil {
			s.writeChannelError(w, userID, req.Resource, err)
			return
		}
		WriteJSON(w, http.StatusCreated, ch)

	case http.MethodGet:
		list, err := s.app.Storage.ChannelStore().ListByUser(r.Context(), userID)
		if err != nil {
			s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to list channels")
			WriteError(w, http.StatusInternalServerError, "failed to list channels")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{"channels": list})

	default:
		RequireMethod(w, r, http.MethodGet, http.MethodPost)
	}
}

// handleChannelByResource handles DELETE /api/integrations/google/channels/{resource}.
func (s *Server) handleChannelByResource(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodDelete) {
		return
	}
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	resource := PathParam(r, "/api/integrations/google/channels/", "")
	if !models.ValidResource(resource) {
		WriteError(w, http.StatusBadRequest, "resource must be 'mailbox' or 'calendar'")
		return
	}

	if err := s.app.Channels.Unregister(r.Context(), userID, resource); err != nil {
		s.writeChannelError(w, userID, resource, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "unregistered"})
}

func (s *Server) writeChannelError(w http.ResponseWriter, userID, resource string, err error) {
	switch {
	case errors.Is(err, models.ErrAuthExpired):
		WriteErrorWithCode(w, http.StatusConflict, "authorization expired, reconnect your account", "auth_expired")
	case errors.Is(err, models.ErrRateLimited):
		WriteErrorWithCode(w, http.StatusTooManyRequests, "provider quota exhausted, retry later", "rate_limited")
	default:
		s.logger.Error().Err(err).Str("user_id", userID).Str("resource", resource).Msg("Channel operation failed")
		WriteError(w, http.StatusBadGateway, "channel operation failed")
	}
}

// handleSyncTrigger handles POST /api/integrations/google/sync. The pass
// runs in the background; triggers landing mid-pass coalesce.
func (s *Server) handleSyncTrigger(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		Resource string `json:"resource"`
	}
	if !DecodeJSON(w, r, &req) {
		return
	}
	if !models.ValidResource(req.Resource) {
		WriteError(w, http.StatusBadRequest, "resource must be 'mailbox' or 'calendar'")
		return
	}

	s.app.Sync.TriggerSync(userID, req.Resource)
	WriteJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

// handleIntegrationStatus handles GET /api/integrations/google/status. It
// assembles the per-resource health view: sync state, last sync time,
// cursor presence, and channel expiry.
func (s *Server) handleIntegrationStatus(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	resources := []string{models.ResourceMailbox, models.ResourceCalendar}
	statuses := make([]models.ResourceStatus, 0, len(resources))

	for _, resource := range resources {
		st := models.ResourceStatus{Resource: resource, State: models.StatusOK}
		if stored, err := s.app.Storage.StatusStore().Get(ctx, userID, resource); err == nil {
			st = *stored
		}
		if _, err := s.app.Storage.SyncStore().GetCursor(ctx, userID, resource); err == nil {
			st.CursorPresent = true
		}
		if ch, err := s.app.Storage.ChannelStore().GetActive(ctx, userID, resource); err == nil {
			st.ChannelExpiry = ch.ExpiresAt
		}
		st.RemediationHint = models.RemediationFor(st.State)
		statuses = append(statuses, st)
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{"resources": statuses})
}
