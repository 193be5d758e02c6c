package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/newms87/gpt-manager-sub003/internal/model"
	"github.com/newms87/gpt-manager-sub003/internal/store"
)

// startWorkflowRequest is the JSON body for POST /v1/workflows/{id}/start.
type startWorkflowRequest struct {
	Inputs []runInputRequest `json:"inputs"`
}

// workflowResponse is the workflow run with its derived status and runs.
type workflowResponse struct {
	*model.WorkflowRun
	Status string         `json:"status"`
	Runs   []*runResponse `json:"runs,omitempty"`
}

func (s *Server) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req startWorkflowRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	wf, err := s.store.GetWorkflowRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		s.logger.Error("get workflow", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get workflow")
		return
	}

	inputs := make([]*model.Artifact, 0, len(req.Inputs))
	for _, in := range req.Inputs {
		a := &model.Artifact{
			ID:        model.NewID(),
			Name:      in.Name,
			Payload:   in.Payload,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.store.CreateArtifact(r.Context(), a); err != nil {
			s.logger.Error("create workflow input artifact", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to persist inputs")
			return
		}
		inputs = append(inputs, a)
	}

	if err := s.engine.StartWorkflow(r.Context(), wf.ID, inputs); err != nil {
		s.writeEngineError(w, "start workflow", err)
		return
	}

	s.respondWorkflow(w, r, id, http.StatusAccepted)
}

func (s *Server) handleStopWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.StopWorkflow(r.Context(), id); err != nil {
		s.writeEngineError(w, "stop workflow", err)
		return
	}
	s.respondWorkflow(w, r, id, http.StatusOK)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	s.respondWorkflow(w, r, chi.URLParam(r, "id"), http.StatusOK)
}

func (s *Server) respondWorkflow(w http.ResponseWriter, r *http.Request, id string, status int) {
	wf, err := s.store.GetWorkflowRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		s.logger.Error("get workflow", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get workflow")
		return
	}

	runs, err := s.store.ListRunsByWorkflow(r.Context(), id)
	if err != nil {
		s.logger.Error("list workflow runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list workflow runs")
		return
	}

	resp := workflowResponse{WorkflowRun: wf, Status: wf.Status()}
	for _, run := range runs {
		resp.Runs = append(resp.Runs, &runResponse{Run: run, Status: run.Status()})
	}
	s.writeJSON(w, status, resp)
}
