package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/tiendc/go-deepcopy"

	"github.com/newms87/gpt-manager-sub003/internal/model"
)

// PrepareProcess creates a process for the run, copies in any input
// artifacts not owned by the run's task definition, and runs the runner's
// preparation step. On failure the process is left incomplete and the error
// is returned; on success it is marked ready for dispatch. The process lock
// is released on every path.
func (e *Engine) PrepareProcess(ctx context.Context, run *model.Run, def *model.TaskDefinition, agentID string, inputs []*model.Artifact, tag string) (*model.Process, error) {
	rn, err := e.resolveRunner(def.Runner)
	if err != nil {
		return nil, err
	}

	proc := &model.Process{
		ID:             model.NewID(),
		RunID:          run.ID,
		AgentID:        agentID,
		OutputSchemaID: def.OutputSchemaID,
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.store.CreateProcess(ctx, proc); err != nil {
		return nil, fmt.Errorf("create process: %w", err)
	}

	guard, err := e.lock(ctx, processKey(proc.ID))
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	owned, err := e.adoptArtifacts(ctx, def.ID, inputs)
	if err != nil {
		return nil, err
	}
	if err := e.store.AttachProcessArtifacts(ctx, proc.ID, model.ArtifactInput, artifactIDs(owned)); err != nil {
		return nil, fmt.Errorf("attach process inputs: %w", err)
	}

	if err := rn.Prepare(ctx, proc, owned); err != nil {
		now := time.Now().UTC()
		proc.IncompleteAt = &now
		proc.ErrorCount++
		proc.LastError = err.Error()
		if uerr := e.store.UpdateProcess(ctx, proc); uerr != nil {
			e.logger.Error("failed to record preparation failure", "process_id", proc.ID, "error", uerr)
		}
		e.publish(run.ID, proc)
		return nil, fmt.Errorf("prepare process %s (%s): %w", proc.ID, tag, err)
	}

	proc.IsReady = true
	if err := e.store.UpdateProcess(ctx, proc); err != nil {
		return nil, fmt.Errorf("mark process ready: %w", err)
	}
	e.publish(run.ID, proc)
	return proc, nil
}

// adoptArtifacts returns the given artifacts with any cross-ownership ones
// replaced by deep copies owned by defID. Copying the whole child tree
// keeps processes from ever sharing mutable state with a different run.
func (e *Engine) adoptArtifacts(ctx context.Context, defID string, artifacts []*model.Artifact) ([]*model.Artifact, error) {
	owned := make([]*model.Artifact, 0, len(artifacts))
	for _, a := range artifacts {
		if a.OwnerTaskDefinitionID == defID {
			owned = append(owned, a)
			continue
		}
		clone, err := e.copyArtifactTree(ctx, a, defID, a.ParentArtifactID)
		if err != nil {
			return nil, err
		}
		owned = append(owned, clone)
	}
	return owned, nil
}

func (e *Engine) copyArtifactTree(ctx context.Context, src *model.Artifact, ownerID, parentID string) (*model.Artifact, error) {
	clone := &model.Artifact{}
	if err := deepcopy.Copy(clone, src); err != nil {
		return nil, fmt.Errorf("copy artifact %s: %w", src.ID, err)
	}
	clone.ID = model.NewID()
	clone.OwnerTaskDefinitionID = ownerID
	clone.ParentArtifactID = parentID
	clone.CreatedAt = time.Now().UTC()
	if err := e.store.CreateArtifact(ctx, clone); err != nil {
		return nil, fmt.Errorf("persist artifact copy: %w", err)
	}

	children, err := e.store.ListArtifactChildren(ctx, src.ID)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		if _, err := e.copyArtifactTree(ctx, child, ownerID, clone.ID); err != nil {
			return nil, err
		}
	}
	return clone, nil
}

// RunProcess executes a process via its runner. It first barriers on the
// owning run's lock to ensure preparation fully finished, then claims the
// process under its own lock. Calling it on a process that is not runnable
// is a no-op, which makes double delivery from the queue safe. Execution
// failures are recorded (retryable as incomplete, permanent as failed)
// before the error is returned.
func (e *Engine) RunProcess(ctx context.Context, processID, workerID string) error {
	proc, err := e.store.GetProcess(ctx, processID)
	if err != nil {
		return err
	}
	run, err := e.store.GetRun(ctx, proc.RunID)
	if err != nil {
		return err
	}
	def, err := e.store.GetTaskDefinition(ctx, run.TaskDefinitionID)
	if err != nil {
		return err
	}
	rn, err := e.resolveRunner(def.Runner)
	if err != nil {
		return err
	}

	// Preparation barrier: once the run lock can be taken, no prepare or
	// restart pass is mid-flight for this run.
	barrier, err := e.lock(ctx, runKey(run.ID))
	if err != nil {
		return err
	}
	barrier.Release()

	guard, err := e.lock(ctx, processKey(proc.ID))
	if err != nil {
		return err
	}

	proc, err = e.store.GetProcess(ctx, proc.ID)
	if err != nil {
		guard.Release()
		return err
	}
	if !proc.Runnable() {
		guard.Release()
		e.logger.Debug("skipping non-runnable process", "process_id", proc.ID, "status", proc.Status())
		return nil
	}

	now := time.Now().UTC()
	if proc.DispatchedAt == nil {
		proc.DispatchedAt = &now
	}
	proc.StartedAt = &now
	if err := e.store.UpdateProcess(ctx, proc); err != nil {
		guard.Release()
		return fmt.Errorf("mark process started: %w", err)
	}
	if err := e.store.RecordDispatch(ctx, proc.ID, workerID); err != nil {
		guard.Release()
		return err
	}

	inputs, err := e.store.ListProcessArtifacts(ctx, proc.ID, model.ArtifactInput)
	if err != nil {
		guard.Release()
		return err
	}

	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.registerInflight(proc.ID, cancel)

	// Execution happens outside every lock so long-running work never
	// starves dispatch decisions on the run.
	guard.Release()
	e.publish(run.ID, proc)

	outputs, execErr := rn.Execute(execCtx, proc, inputs)
	e.clearInflight(proc.ID)
	cancel()

	if execErr != nil {
		e.recordExecutionFailure(proc.ID, run.ID, execErr)
		return fmt.Errorf("execute process %s: %w", proc.ID, execErr)
	}

	if err := e.persistOutputs(ctx, proc, run, def, outputs); err != nil {
		return err
	}
	return e.CompleteProcess(ctx, proc.ID)
}

// recordExecutionFailure classifies and records an execution error. The
// lifecycle state is written before the caller re-raises, so state stays
// consistent even when nobody catches the error.
func (e *Engine) recordExecutionFailure(processID, runID string, execErr error) {
	ctx := context.Background()
	guard, err := e.lock(ctx, processKey(processID))
	if err != nil {
		e.logger.Error("failed to lock failing process", "process_id", processID, "error", err)
		return
	}
	defer guard.Release()

	proc, err := e.store.GetProcess(ctx, processID)
	if err != nil {
		e.logger.Error("failed to reload failing process", "process_id", processID, "error", err)
		return
	}
	// A stop or timeout that landed mid-execution takes precedence.
	if proc.StoppedAt != nil || proc.TimeoutAt != nil {
		return
	}

	now := time.Now().UTC()
	proc.ErrorCount++
	proc.LastError = execErr.Error()
	if e.classifier.IsRetryable(execErr) {
		proc.IncompleteAt = &now
	} else {
		proc.FailedAt = &now
	}
	if err := e.store.UpdateProcess(ctx, proc); err != nil {
		e.logger.Error("failed to record execution failure", "process_id", processID, "error", err)
		return
	}
	e.publish(runID, proc)

	// Let the run settle or refill the freed slot without waiting for the
	// next sweep.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.DispatchForRun(context.Background(), runID); err != nil {
			e.logger.Error("post-failure dispatch failed", "run_id", runID, "error", err)
		}
	}()
}

func (e *Engine) persistOutputs(ctx context.Context, proc *model.Process, run *model.Run, def *model.TaskDefinition, outputs []*model.Artifact) error {
	if len(outputs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(outputs))
	for _, a := range outputs {
		if a.ID == "" {
			a.ID = model.NewID()
		}
		a.OwnerTaskDefinitionID = def.ID
		if a.CreatedAt.IsZero() {
			a.CreatedAt = time.Now().UTC()
		}
		if err := e.store.CreateArtifact(ctx, a); err != nil {
			return err
		}
		ids = append(ids, a.ID)
	}
	if err := e.store.AttachProcessArtifacts(ctx, proc.ID, model.ArtifactOutput, ids); err != nil {
		return err
	}
	if err := e.store.AttachRunArtifacts(ctx, run.ID, model.ArtifactOutput, ids); err != nil {
		return err
	}
	return nil
}

// CompleteProcess marks a process completed, clearing any stale failure
// markers. It is idempotent: completing a completed process changes
// nothing. Completion then signals the dispatcher to look for more work on
// the owning run without holding any lock.
func (e *Engine) CompleteProcess(ctx context.Context, processID string) error {
	guard, err := e.lock(ctx, processKey(processID))
	if err != nil {
		return err
	}

	proc, err := e.store.GetProcess(ctx, processID)
	if err != nil {
		guard.Release()
		return err
	}

	if proc.CompletedAt == nil {
		now := time.Now().UTC()
		proc.CompletedAt = &now
	}
	proc.FailedAt = nil
	proc.IncompleteAt = nil
	proc.StoppedAt = nil
	proc.TimeoutAt = nil
	if err := e.store.UpdateProcess(ctx, proc); err != nil {
		guard.Release()
		return fmt.Errorf("mark process completed: %w", err)
	}
	guard.Release()
	e.publish(proc.RunID, proc)

	if err := e.finishRun(ctx, proc.RunID); err != nil {
		return err
	}

	runID := proc.RunID
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.DispatchForRun(context.Background(), runID); err != nil {
			e.logger.Error("post-completion dispatch failed", "run_id", runID, "error", err)
		}
	}()
	return nil
}

// RestartProcess supersedes a process with a fresh one. Restarting a
// running process is a conflict, not a preemption. The replacement reuses
// the same input artifacts, carries the output schema binding forward, and
// increments the restart count; the old record is tombstoned and every
// earlier tombstone is re-pointed so the chain stays one hop deep.
func (e *Engine) RestartProcess(ctx context.Context, processID string) (*model.Process, error) {
	guard, err := e.lock(ctx, processKey(processID))
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	proc, err := e.store.GetProcess(ctx, processID)
	if err != nil {
		return nil, err
	}
	if proc.Status() == model.StatusRunning {
		return nil, fmt.Errorf("restart process %s while running: %w", processID, ErrConflict)
	}

	e.cancelInflight(proc.ID)

	inputs, err := e.store.ListProcessArtifacts(ctx, proc.ID, model.ArtifactInput)
	if err != nil {
		return nil, err
	}

	repl := &model.Process{
		ID:             model.NewID(),
		RunID:          proc.RunID,
		AgentID:        proc.AgentID,
		IsReady:        proc.IsReady,
		RestartCount:   proc.RestartCount + 1,
		OutputSchemaID: proc.OutputSchemaID,
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.store.CreateProcess(ctx, repl); err != nil {
		return nil, fmt.Errorf("create replacement process: %w", err)
	}
	if err := e.store.AttachProcessArtifacts(ctx, repl.ID, model.ArtifactInput, artifactIDs(inputs)); err != nil {
		return nil, err
	}

	if err := e.store.RepointRestartChain(ctx, proc.ID, repl.ID); err != nil {
		return nil, err
	}
	if err := e.store.SupersedeProcess(ctx, proc.ID, repl.ID); err != nil {
		return nil, err
	}

	restartsTotal.Inc()
	e.publish(repl.RunID, repl)

	runID := repl.RunID
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.DispatchForRun(context.Background(), runID); err != nil {
			e.logger.Error("post-restart dispatch failed", "run_id", runID, "error", err)
		}
	}()
	return repl, nil
}

// ResumeProcess returns a stopped, failed, incomplete or timed-out process
// to pending. All timestamps are cleared, forcing genuine re-execution
// rather than a resume-in-place.
func (e *Engine) ResumeProcess(ctx context.Context, processID string) error {
	guard, err := e.lock(ctx, processKey(processID))
	if err != nil {
		return err
	}

	proc, err := e.store.GetProcess(ctx, processID)
	if err != nil {
		guard.Release()
		return err
	}
	switch proc.Status() {
	case model.StatusStopped, model.StatusFailed, model.StatusIncomplete, model.StatusTimeout:
	default:
		guard.Release()
		return fmt.Errorf("resume process %s from %s: %w", processID, proc.Status(), ErrConflict)
	}

	proc.DispatchedAt = nil
	proc.StartedAt = nil
	proc.CompletedAt = nil
	proc.FailedAt = nil
	proc.IncompleteAt = nil
	proc.StoppedAt = nil
	proc.TimeoutAt = nil
	if err := e.store.UpdateProcess(ctx, proc); err != nil {
		guard.Release()
		return fmt.Errorf("reset process: %w", err)
	}
	guard.Release()
	e.publish(proc.RunID, proc)

	runID := proc.RunID
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.DispatchForRun(context.Background(), runID); err != nil {
			e.logger.Error("post-resume dispatch failed", "run_id", runID, "error", err)
		}
	}()
	return nil
}

// StopProcess marks a process stopped and interrupts any in-flight
// execution. Idempotent: stopping a stopped process is a no-op.
func (e *Engine) StopProcess(ctx context.Context, processID string) error {
	guard, err := e.lock(ctx, processKey(processID))
	if err != nil {
		return err
	}
	defer guard.Release()

	proc, err := e.store.GetProcess(ctx, processID)
	if err != nil {
		return err
	}
	if proc.StoppedAt != nil {
		return nil
	}

	now := time.Now().UTC()
	proc.StoppedAt = &now
	e.cancelInflight(proc.ID)
	if err := e.store.UpdateProcess(ctx, proc); err != nil {
		return fmt.Errorf("mark process stopped: %w", err)
	}
	e.publish(proc.RunID, proc)
	return nil
}

// HandleProcessTimeout marks a pending or running process timed out,
// interrupts its execution, and reports whether it is still eligible for
// automatic restart under the definition's retry cap. Callers that get
// true must follow up with RestartProcess.
func (e *Engine) HandleProcessTimeout(ctx context.Context, processID string) (bool, error) {
	guard, err := e.lock(ctx, processKey(processID))
	if err != nil {
		return false, err
	}
	defer guard.Release()

	proc, err := e.store.GetProcess(ctx, processID)
	if err != nil {
		return false, err
	}
	switch proc.Status() {
	case model.StatusPending, model.StatusRunning:
	default:
		return false, fmt.Errorf("timeout process %s from %s: %w", processID, proc.Status(), ErrConflict)
	}

	now := time.Now().UTC()
	proc.TimeoutAt = &now
	e.cancelInflight(proc.ID)
	if err := e.store.UpdateProcess(ctx, proc); err != nil {
		return false, fmt.Errorf("mark process timed out: %w", err)
	}
	timeoutsTotal.Inc()
	e.publish(proc.RunID, proc)

	run, err := e.store.GetRun(ctx, proc.RunID)
	if err != nil {
		return false, err
	}
	def, err := e.store.GetTaskDefinition(ctx, run.TaskDefinitionID)
	if err != nil {
		return false, err
	}
	return proc.RestartCount < def.MaxProcessRetries, nil
}

func artifactIDs(artifacts []*model.Artifact) []string {
	ids := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		ids = append(ids, a.ID)
	}
	return ids
}
