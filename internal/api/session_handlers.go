package api

import (
	"net/http"

	"github.com/fhe-relay/fhe-relay/internal/app"
)

// handleOpenSession creates a session for an owner against a contract.
func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req app.OpenSessionRequest
	if appErr := decodeBody(r, &req); appErr != nil {
		s.writeError(w, r, appErr)
		return
	}

	resp, err := s.relay.OpenSession(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, resp)
}

// handleAuthorize completes the authorization handshake for a pending session.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req app.AuthorizeRequest
	if appErr := decodeBody(r, &req); appErr != nil {
		s.writeError(w, r, appErr)
		return
	}

	resp, err := s.relay.Authorize(r.Context(), r.PathValue("id"), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleCloseSession destroys a session.
func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.relay.CloseSession(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
