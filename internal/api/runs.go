package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/newms87/gpt-manager-sub003/internal/engine"
	"github.com/newms87/gpt-manager-sub003/internal/model"
	"github.com/newms87/gpt-manager-sub003/internal/store"
)

const maxBodySize = 1 << 20 // 1 MB

// createRunRequest is the JSON body for POST /v1/runs.
type createRunRequest struct {
	TaskDefinitionID string            `json:"task_definition_id"`
	Inputs           []runInputRequest `json:"inputs"`
}

type runInputRequest struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// runResponse is the run enriched with its derived status and processes.
type runResponse struct {
	*model.Run
	Status    string           `json:"status"`
	Processes []*processDetail `json:"processes,omitempty"`
}

type processDetail struct {
	*model.Process
	Status string `json:"status"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TaskDefinitionID == "" {
		s.writeError(w, http.StatusBadRequest, "task_definition_id is required")
		return
	}

	def, err := s.store.GetTaskDefinition(r.Context(), req.TaskDefinitionID)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task definition not found")
		return
	}
	if err != nil {
		s.logger.Error("get task definition", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load task definition")
		return
	}

	inputs := make([]*model.Artifact, 0, len(req.Inputs))
	for _, in := range req.Inputs {
		a := &model.Artifact{
			ID:                    model.NewID(),
			OwnerTaskDefinitionID: def.ID,
			Name:                  in.Name,
			Payload:               in.Payload,
			CreatedAt:             time.Now().UTC(),
		}
		if err := s.store.CreateArtifact(r.Context(), a); err != nil {
			s.logger.Error("create input artifact", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to persist inputs")
			return
		}
		inputs = append(inputs, a)
	}

	run, err := s.engine.StartRun(r.Context(), def.ID, inputs)
	if err != nil {
		s.writeEngineError(w, "start run", err)
		return
	}

	s.writeJSON(w, http.StatusCreated, runResponse{Run: run, Status: run.Status()})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
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

	resp := runResponse{Run: run, Status: run.Status()}
	for _, p := range procs {
		resp.Processes = append(resp.Processes, &processDetail{Process: p, Status: p.Status()})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, "stop run", s.engine.StopRun)
}

func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, "resume run", s.engine.ResumeRun)
}

func (s *Server) handleRestartRun(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, "restart run", s.engine.RestartRun)
}

func (s *Server) handleContinueRun(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, "continue run", s.engine.ContinueRun)
}

// runAction applies a lifecycle operation to a run and returns its fresh state.
func (s *Server) runAction(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, id string) error) {
	id := chi.URLParam(r, "id")

	if err := fn(r.Context(), id); err != nil {
		s.writeEngineError(w, op, err)
		return
	}

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		s.logger.Error(op, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to reload run")
		return
	}
	s.writeJSON(w, http.StatusOK, runResponse{Run: run, Status: run.Status()})
}

// writeEngineError maps engine sentinel errors onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, engine.ErrConflict):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrValidation):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error(op, "error", err)
		s.writeError(w, http.StatusInternalServerError, "operation failed")
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
