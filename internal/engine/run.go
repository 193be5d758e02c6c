package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/newms87/gpt-manager-sub003/internal/model"
)

// PrepareRun creates a run for the given task definition, partitions the
// inputs via the definition's runner, and prepares one process per
// (agent, input group) pair. Definitions with no agents still get one
// process per group.
func (e *Engine) PrepareRun(ctx context.Context, defID string, inputs []*model.Artifact, workflowRunID, workflowNodeID string) (*model.Run, error) {
	def, err := e.store.GetTaskDefinition(ctx, defID)
	if err != nil {
		return nil, err
	}
	if _, err := e.resolveRunner(def.Runner); err != nil {
		return nil, err
	}

	run := &model.Run{
		ID:               model.NewID(),
		TaskDefinitionID: def.ID,
		WorkflowRunID:    workflowRunID,
		WorkflowNodeID:   workflowNodeID,
		CreatedAt:        time.Now().UTC(),
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	guard, err := e.lock(ctx, runKey(run.ID))
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	if len(inputs) > 0 {
		if err := e.store.AttachRunArtifacts(ctx, run.ID, model.ArtifactInput, artifactIDs(inputs)); err != nil {
			return nil, fmt.Errorf("attach run inputs: %w", err)
		}
	}

	if err := e.prepareProcesses(ctx, run, def, inputs); err != nil {
		now := time.Now().UTC()
		run.FailedAt = &now
		run.ErrorCount++
		if uerr := e.store.UpdateRun(ctx, run); uerr != nil {
			e.logger.Error("failed to record run preparation failure", "run_id", run.ID, "error", uerr)
		}
		return nil, err
	}

	e.logger.Info("run prepared", "run_id", run.ID, "task_definition_id", def.ID)
	return run, nil
}

func (e *Engine) prepareProcesses(ctx context.Context, run *model.Run, def *model.TaskDefinition, inputs []*model.Artifact) error {
	rn, err := e.resolveRunner(def.Runner)
	if err != nil {
		return err
	}
	groups, err := rn.Partition(ctx, inputs)
	if err != nil {
		return fmt.Errorf("partition inputs: %w", err)
	}
	if len(groups) == 0 {
		groups = [][]*model.Artifact{nil}
	}

	agents := def.Agents
	if len(agents) == 0 {
		agents = []string{""}
	}

	for _, agent := range agents {
		for i, group := range groups {
			tag := fmt.Sprintf("agent=%q group=%d", agent, i)
			if _, err := e.PrepareProcess(ctx, run, def, agent, group, tag); err != nil {
				return err
			}
		}
	}
	return nil
}

// StartRun prepares a run and immediately dispatches it.
func (e *Engine) StartRun(ctx context.Context, defID string, inputs []*model.Artifact) (*model.Run, error) {
	run, err := e.PrepareRun(ctx, defID, inputs, "", "")
	if err != nil {
		return nil, err
	}
	if err := e.DispatchForRun(ctx, run.ID); err != nil {
		return run, err
	}
	return e.store.GetRun(ctx, run.ID)
}

// ContinueRun pushes a run forward with a dispatch pass, which also sweeps
// overdue processes. It is the single re-entry point for "something
// changed" signals and is a silent no-op on runs that cannot continue, so
// stale signals are harmless.
func (e *Engine) ContinueRun(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !run.CanContinue() {
		e.logger.Debug("ignoring continue on settled run", "run_id", runID, "status", run.Status())
		return nil
	}
	return e.DispatchForRun(ctx, runID)
}

// RestartRun wipes a run back to a clean slate: every process is deleted,
// run outputs and failure markers are cleared, and processes are prepared
// again from the run's original inputs. Restarting a run with a running
// process is a conflict.
func (e *Engine) RestartRun(ctx context.Context, runID string) error {
	guard, err := e.lock(ctx, runKey(runID))
	if err != nil {
		return err
	}

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		guard.Release()
		return err
	}
	def, err := e.store.GetTaskDefinition(ctx, run.TaskDefinitionID)
	if err != nil {
		guard.Release()
		return err
	}

	procs, err := e.store.ListProcessesByRun(ctx, runID)
	if err != nil {
		guard.Release()
		return err
	}
	for _, p := range procs {
		if p.Status() == model.StatusRunning {
			guard.Release()
			return fmt.Errorf("restart run %s with running process %s: %w", runID, p.ID, ErrConflict)
		}
	}

	if err := e.store.DeleteProcessesByRun(ctx, runID); err != nil {
		guard.Release()
		return err
	}
	if err := e.store.ClearRunArtifacts(ctx, runID, model.ArtifactOutput); err != nil {
		guard.Release()
		return err
	}

	run.StartedAt = nil
	run.CompletedAt = nil
	run.FailedAt = nil
	run.StoppedAt = nil
	if err := e.store.UpdateRun(ctx, run); err != nil {
		guard.Release()
		return fmt.Errorf("reset run: %w", err)
	}

	var inputs []*model.Artifact
	if run.InWorkflow() {
		// Upstream nodes may have re-run since this run first started, so
		// collect fresh outputs instead of trusting the stored inputs.
		inputs, err = e.collectNodeInputs(ctx, run.WorkflowNodeID)
		if err != nil {
			guard.Release()
			return err
		}
		if err := e.store.ClearRunArtifacts(ctx, runID, model.ArtifactInput); err != nil {
			guard.Release()
			return err
		}
		if len(inputs) > 0 {
			if err := e.store.AttachRunArtifacts(ctx, runID, model.ArtifactInput, artifactIDs(inputs)); err != nil {
				guard.Release()
				return err
			}
		}
	} else {
		inputs, err = e.store.ListRunArtifacts(ctx, runID, model.ArtifactInput)
		if err != nil {
			guard.Release()
			return err
		}
	}
	if err := e.prepareProcesses(ctx, run, def, inputs); err != nil {
		guard.Release()
		return err
	}
	guard.Release()

	e.logger.Info("run restarted", "run_id", runID)
	return e.DispatchForRun(ctx, runID)
}

// ResumeRun clears a stop or failure marker, resumes child processes that
// were themselves stopped, and pushes the run forward again.
func (e *Engine) ResumeRun(ctx context.Context, runID string) error {
	guard, err := e.lock(ctx, runKey(runID))
	if err != nil {
		return err
	}

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		guard.Release()
		return err
	}
	switch run.Status() {
	case model.StatusStopped, model.StatusFailed:
	default:
		guard.Release()
		return fmt.Errorf("resume run %s from %s: %w", runID, run.Status(), ErrConflict)
	}

	run.StoppedAt = nil
	run.FailedAt = nil
	run.CompletedAt = nil
	if err := e.store.UpdateRun(ctx, run); err != nil {
		guard.Release()
		return fmt.Errorf("reset run markers: %w", err)
	}

	procs, err := e.store.ListProcessesByRun(ctx, runID)
	if err != nil {
		guard.Release()
		return err
	}
	guard.Release()

	for _, p := range procs {
		if p.Status() != model.StatusStopped {
			continue
		}
		if err := e.ResumeProcess(ctx, p.ID); err != nil {
			return err
		}
	}

	e.logger.Info("run resumed", "run_id", runID)
	return e.DispatchForRun(ctx, runID)
}

// StopRun marks a run stopped and stops every dispatched or running child
// process. Idempotent.
func (e *Engine) StopRun(ctx context.Context, runID string) error {
	guard, err := e.lock(ctx, runKey(runID))
	if err != nil {
		return err
	}

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		guard.Release()
		return err
	}
	if run.StoppedAt == nil {
		now := time.Now().UTC()
		run.StoppedAt = &now
		if err := e.store.UpdateRun(ctx, run); err != nil {
			guard.Release()
			return fmt.Errorf("mark run stopped: %w", err)
		}
	}

	procs, err := e.store.ListProcessesByRun(ctx, runID)
	if err != nil {
		guard.Release()
		return err
	}
	guard.Release()

	// Only processes that actually went out (dispatched or running) carry
	// a stop marker; pending ones are held back by the run's own state.
	for _, p := range procs {
		if p.DispatchedAt == nil || p.IsTerminal() || p.DeletedAt != nil {
			continue
		}
		if err := e.StopProcess(ctx, p.ID); err != nil {
			return err
		}
	}
	e.logger.Info("run stopped", "run_id", runID)
	return nil
}

// finishRun marks a run completed or failed based on its final process
// states, then hands control to workflow continuation when the run belongs
// to a workflow node.
func (e *Engine) finishRun(ctx context.Context, runID string) error {
	guard, err := e.lock(ctx, runKey(runID))
	if err != nil {
		return err
	}

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		guard.Release()
		return err
	}
	if !run.CanContinue() {
		guard.Release()
		return nil
	}

	procs, err := e.store.ListProcessesByRun(ctx, runID)
	if err != nil {
		guard.Release()
		return err
	}
	var failed, unsettled bool
	for _, p := range procs {
		switch p.Status() {
		case model.StatusCompleted:
		case model.StatusFailed, model.StatusTimeout:
			failed = true
		default:
			unsettled = true
		}
	}
	if len(procs) == 0 || (unsettled && !failed) {
		guard.Release()
		return nil
	}

	now := time.Now().UTC()
	if failed {
		run.FailedAt = &now
	} else {
		run.CompletedAt = &now
	}
	if err := e.store.UpdateRun(ctx, run); err != nil {
		guard.Release()
		return fmt.Errorf("finish run: %w", err)
	}
	guard.Release()

	e.logger.Info("run finished", "run_id", runID, "status", run.Status())
	e.broker.Close(runID)

	if run.InWorkflow() && run.CompletedAt != nil {
		if err := e.OnRunComplete(ctx, run); err != nil {
			if errors.Is(err, ErrConflict) {
				e.logger.Warn("workflow continuation skipped", "run_id", runID, "error", err)
				return nil
			}
			return err
		}
	}
	return nil
}
