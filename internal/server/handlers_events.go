package server

import (
	"net/http"
)

// handleEventsWS handles GET /api/events/ws. The upgraded connection only
// receives events targeted at the authenticated user plus broadcast-class
// events; each session sees them in publish order.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	s.app.Hub.ServeWS(w, r, userID)
}
