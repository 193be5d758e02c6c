package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/newms87/gpt-manager-sub003/internal/store"
)

func (s *Server) handleListRunProcesses(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	procs, err := s.store.ListProcessesByRun(r.Context(), id)
	if err != nil {
		s.logger.Error("list run processes", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list processes")
		return
	}

	out := make([]*processDetail, 0, len(procs))
	for _, p := range procs {
		out = append(out, &processDetail{Process: p, Status: p.Status()})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetProcess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	p, err := s.store.GetProcess(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "process not found")
		return
	}
	if err != nil {
		s.logger.Error("get process", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get process")
		return
	}

	s.writeJSON(w, http.StatusOK, processDetail{Process: p, Status: p.Status()})
}

func (s *Server) handleStopProcess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.StopProcess(r.Context(), id); err != nil {
		s.writeEngineError(w, "stop process", err)
		return
	}
	s.respondProcess(w, r, id)
}

func (s *Server) handleResumeProcess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.ResumeProcess(r.Context(), id); err != nil {
		s.writeEngineError(w, "resume process", err)
		return
	}
	s.respondProcess(w, r, id)
}

func (s *Server) handleRestartProcess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	repl, err := s.engine.RestartProcess(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, "restart process", err)
		return
	}
	// The replacement is the live process now; the old id is a tombstone.
	s.writeJSON(w, http.StatusOK, processDetail{Process: repl, Status: repl.Status()})
}

func (s *Server) handleDeliverProcessEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read event payload")
		return
	}

	if err := s.engine.DeliverProcessEvent(r.Context(), id, payload); err != nil {
		s.writeEngineError(w, "deliver process event", err)
		return
	}
	s.respondProcess(w, r, id)
}

func (s *Server) respondProcess(w http.ResponseWriter, r *http.Request, id string) {
	p, err := s.store.GetProcess(r.Context(), id)
	if err != nil {
		s.logger.Error("reload process", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to reload process")
		return
	}
	s.writeJSON(w, http.StatusOK, processDetail{Process: p, Status: p.Status()})
}
