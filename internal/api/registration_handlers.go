package api

import "net/http"

// handleRegistrationState returns the registrar's current state.
func (s *Server) handleRegistrationState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.State())
}

// handleRegistrationRefresh kicks the registrar to re-register now. The
// refresh runs asynchronously; poll GET /v1/registration for the outcome.
func (s *Server) handleRegistrationRefresh(w http.ResponseWriter, r *http.Request) {
	s.reg.Refresh()
	writeJSON(w, http.StatusAccepted, s.reg.State())
}
