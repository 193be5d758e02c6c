package api

import "net/http"

func (s *Server) handleListRunners(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.List())
}
