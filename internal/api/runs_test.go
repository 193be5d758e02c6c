package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/newms87/gpt-manager-sub003/internal/model"
)

func TestCreateRunAndGetIt(t *testing.T) {
	ts := newTestServer(t)
	def := ts.seedDefinition(t, &model.TaskDefinition{Name: "echo", Agents: []string{"a", "b"}})

	resp := ts.postJSON(t, "/v1/runs", map[string]any{
		"task_definition_id": def.ID,
		"inputs":             []map[string]any{{"name": "seed", "payload": map[string]any{"k": "v"}}},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	created := decodeBody[map[string]any](t, resp)
	runID, _ := created["id"].(string)
	if runID == "" {
		t.Fatal("response missing run id")
	}

	body := ts.waitForRunStatus(t, runID, model.StatusCompleted)
	procs, _ := body["processes"].([]any)
	if len(procs) != 2 {
		t.Fatalf("processes in response = %d, want one per agent", len(procs))
	}
}

func TestCreateRunValidation(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.postJSON(t, "/v1/runs", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing definition id: status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	resp = ts.postJSON(t, "/v1/runs", map[string]any{"task_definition_id": "nope"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown definition: status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestGetRunNotFound(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.get(t, "/v1/runs/missing")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestStopAndResumeRunOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	def := ts.seedDefinition(t, &model.TaskDefinition{Name: "echo"})

	// Prepare without dispatching so the run is still pending when stopped.
	run, err := ts.engine.PrepareRun(context.Background(), def.ID, nil, "", "")
	if err != nil {
		t.Fatalf("prepare run: %v", err)
	}

	stopResp := ts.postJSON(t, "/v1/runs/"+run.ID+"/stop", nil)
	if stopResp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d, want 200", stopResp.StatusCode)
	}
	stopped := decodeBody[map[string]any](t, stopResp)
	if stopped["status"] != model.StatusStopped {
		t.Fatalf("status after stop = %v, want stopped", stopped["status"])
	}

	resumeResp := ts.postJSON(t, "/v1/runs/"+run.ID+"/resume", nil)
	if resumeResp.StatusCode != http.StatusOK {
		t.Fatalf("resume stopped run: status = %d, want 200", resumeResp.StatusCode)
	}
	resumeResp.Body.Close()

	// Resuming a completed run is a conflict.
	ts.waitForRunStatus(t, run.ID, model.StatusCompleted)
	again := ts.postJSON(t, "/v1/runs/"+run.ID+"/resume", nil)
	defer again.Body.Close()
	if again.StatusCode != http.StatusConflict {
		t.Fatalf("resume completed run: status = %d, want 409", again.StatusCode)
	}
}

func TestContinueFinishedRunIsHarmless(t *testing.T) {
	ts := newTestServer(t)
	def := ts.seedDefinition(t, &model.TaskDefinition{Name: "echo"})

	resp := ts.postJSON(t, "/v1/runs", map[string]any{"task_definition_id": def.ID})
	created := decodeBody[map[string]any](t, resp)
	runID := created["id"].(string)
	ts.waitForRunStatus(t, runID, model.StatusCompleted)

	// Continue is a re-entry signal, so stale calls are silent no-ops.
	contResp := ts.postJSON(t, "/v1/runs/"+runID+"/continue", nil)
	defer contResp.Body.Close()
	if contResp.StatusCode != http.StatusOK {
		t.Fatalf("continue completed run: status = %d, want 200", contResp.StatusCode)
	}
	body := decodeBody[map[string]any](t, contResp)
	if body["status"] != model.StatusCompleted {
		t.Fatalf("status after stale continue = %v, want completed", body["status"])
	}
}

func TestRestartRunOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	def := ts.seedDefinition(t, &model.TaskDefinition{Name: "echo"})

	resp := ts.postJSON(t, "/v1/runs", map[string]any{
		"task_definition_id": def.ID,
		"inputs":             []map[string]any{{"name": "seed"}},
	})
	created := decodeBody[map[string]any](t, resp)
	runID := created["id"].(string)
	ts.waitForRunStatus(t, runID, model.StatusCompleted)

	restartResp := ts.postJSON(t, "/v1/runs/"+runID+"/restart", nil)
	if restartResp.StatusCode != http.StatusOK {
		t.Fatalf("restart status = %d, want 200", restartResp.StatusCode)
	}
	restartResp.Body.Close()

	ts.waitForRunStatus(t, runID, model.StatusCompleted)
}
