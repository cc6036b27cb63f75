package server

import (
	"net/http"
)

// Provider notification headers.
const (
	headerChannelID     = "X-Goog-Channel-ID"
	headerResourceState = "X-Goog-Resource-State"
)

// handleWebhook handles POST /webhooks/google. The payload carries no
// change data; it only signals that the watched resource changed. The
// response is always 200 so the provider does not retry or disable the
// channel: unknown and stale channel IDs are logged and dropped.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	channelID := r.Header.Get(headerChannelID)
	resourceState := r.Header.Get(headerResourceState)

	if channelID == "" {
		s.logger.Debug().Msg("Webhook notification without channel ID ignored")
		w.WriteHeader(http.StatusOK)
		return
	}

	s.app.Channels.HandleNotification(r.Context(), channelID, resourceState)

	w.WriteHeader(http.StatusOK)
}
