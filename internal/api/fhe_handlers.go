package api

import (
	"net/http"

	"github.com/fhe-relay/fhe-relay/internal/app"
)

// handleRead executes a signed call-then-decrypt read.
func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	var req app.OperationRequest
	if appErr := decodeBody(r, &req); appErr != nil {
		s.writeError(w, r, appErr)
		return
	}

	resp, err := s.relay.Read(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleMutate executes a signed encrypt-then-call mutation.
func (s *Server) handleMutate(w http.ResponseWriter, r *http.Request) {
	var req app.OperationRequest
	if appErr := decodeBody(r, &req); appErr != nil {
		s.writeError(w, r, appErr)
		return
	}

	resp, err := s.relay.Mutate(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}
