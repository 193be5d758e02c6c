package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/newms87/gpt-manager-sub003/internal/model"
)

// DispatchForRun performs one dispatch pass over a single run. Runs that
// belong to a workflow are dispatched through the workflow pass instead, so
// the workflow-level cap always subsumes the run-level one.
//
// A pass works on a single snapshot of open processes: slots freed or
// processes restarted mid-pass are picked up by the next pass, never
// re-evaluated within this one.
func (e *Engine) DispatchForRun(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.InWorkflow() {
		return e.DispatchForWorkflow(ctx, run.WorkflowRunID)
	}

	guard, err := e.lock(ctx, runKey(runID))
	if err != nil {
		return err
	}
	defer guard.Release()

	run, err = e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !run.CanContinue() {
		e.logger.Debug("skipping dispatch for inactive run", "run_id", runID, "status", run.Status())
		return nil
	}
	def, err := e.store.GetTaskDefinition(ctx, run.TaskDefinitionID)
	if err != nil {
		return err
	}

	active, err := e.store.CountActiveProcesses(ctx, runID)
	if err != nil {
		return err
	}
	available := def.MaxWorkers - active

	open, err := e.store.ListOpenProcessesByRun(ctx, runID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	launched := 0
	for _, p := range open {
		switch {
		case p.Overdue(def.TimeoutAfter(), now):
			if err := e.timeoutAndRetry(ctx, p.ID); err != nil {
				return err
			}
		case p.Launchable(now) && available > 0:
			if err := e.launch(ctx, run, p); err != nil {
				return err
			}
			available--
			launched++
		}
	}

	if launched > 0 && run.StartedAt == nil {
		run.StartedAt = &now
		if err := e.store.UpdateRun(ctx, run); err != nil {
			return fmt.Errorf("mark run started: %w", err)
		}
	}
	dispatchesTotal.WithLabelValues("run").Add(float64(launched))

	// A pass that launched nothing into an idle run may mean the run has
	// settled: every process completed, or failure with nothing left to
	// do. finishRun re-checks under fresh state.
	if launched == 0 && active == 0 {
		guard.Release()
		return e.finishRun(ctx, runID)
	}
	return nil
}

// DispatchForWorkflow performs one dispatch pass across every run of a
// workflow in a single global FIFO: open processes ordered by creation
// time regardless of which run owns them. Each launch consumes both a
// workflow slot and a per-run slot; per-run availability is cached for the
// duration of the pass.
func (e *Engine) DispatchForWorkflow(ctx context.Context, workflowRunID string) error {
	guard, err := e.lock(ctx, workflowKey(workflowRunID))
	if err != nil {
		return err
	}
	defer guard.Release()

	wf, err := e.store.GetWorkflowRun(ctx, workflowRunID)
	if err != nil {
		return err
	}
	if !wf.CanContinue() {
		e.logger.Debug("skipping dispatch for inactive workflow", "workflow_run_id", workflowRunID, "status", wf.Status())
		return nil
	}

	wfActive, err := e.store.CountActiveProcessesByWorkflow(ctx, workflowRunID)
	if err != nil {
		return err
	}
	wfAvailable := wf.MaxWorkers - wfActive

	open, err := e.store.ListOpenProcessesByWorkflow(ctx, workflowRunID)
	if err != nil {
		return err
	}

	runs := map[string]*model.Run{}
	defs := map[string]*model.TaskDefinition{}
	runSlots := map[string]int{}

	now := time.Now().UTC()
	launched := 0
	for _, p := range open {
		run, ok := runs[p.RunID]
		if !ok {
			run, err = e.store.GetRun(ctx, p.RunID)
			if err != nil {
				return err
			}
			runs[p.RunID] = run
		}
		if !run.CanContinue() {
			continue
		}

		def, ok := defs[run.TaskDefinitionID]
		if !ok {
			def, err = e.store.GetTaskDefinition(ctx, run.TaskDefinitionID)
			if err != nil {
				return err
			}
			defs[run.TaskDefinitionID] = def
		}

		if p.Overdue(def.TimeoutAfter(), now) {
			if err := e.timeoutAndRetry(ctx, p.ID); err != nil {
				return err
			}
			continue
		}
		if !p.Launchable(now) || wfAvailable <= 0 {
			continue
		}

		slots, ok := runSlots[run.ID]
		if !ok {
			active, err := e.store.CountActiveProcesses(ctx, run.ID)
			if err != nil {
				return err
			}
			slots = def.MaxWorkers - active
		}
		if slots <= 0 {
			runSlots[run.ID] = slots
			continue
		}

		if err := e.launch(ctx, run, p); err != nil {
			return err
		}
		runSlots[run.ID] = slots - 1
		wfAvailable--
		launched++

		if run.StartedAt == nil {
			run.StartedAt = &now
			if err := e.store.UpdateRun(ctx, run); err != nil {
				return fmt.Errorf("mark run started: %w", err)
			}
		}
	}
	dispatchesTotal.WithLabelValues("workflow").Add(float64(launched))

	if wf.StartedAt == nil && launched > 0 {
		wf.StartedAt = &now
		if err := e.store.UpdateWorkflowRun(ctx, wf); err != nil {
			return fmt.Errorf("mark workflow started: %w", err)
		}
	}
	guard.Release()

	// Settle runs touched by this pass outside the workflow lock;
	// finishRun takes the run lock itself and no-ops unless the run's
	// processes have actually settled.
	for id, run := range runs {
		if !run.CanContinue() {
			continue
		}
		if err := e.finishRun(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// launch claims a process for execution by stamping its dispatch time,
// then hands it to a worker goroutine. The stamp happens under the
// dispatch lock so the process counts against active slots before the
// goroutine runs.
func (e *Engine) launch(ctx context.Context, run *model.Run, p *model.Process) error {
	now := time.Now().UTC()
	p.DispatchedAt = &now
	if err := e.store.UpdateProcess(ctx, p); err != nil {
		return fmt.Errorf("mark process dispatched: %w", err)
	}
	e.publish(run.ID, p)
	e.logger.Info("process dispatched", "process_id", p.ID, "run_id", run.ID, "worker_id", e.workerID)

	processID := p.ID
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.RunProcess(context.Background(), processID, e.workerID); err != nil {
			e.logger.Error("process execution failed", "process_id", processID, "error", err)
		}
	}()
	return nil
}

// timeoutAndRetry times out an overdue process and restarts it when the
// retry cap allows. The replacement joins the queue tail and is picked up
// by a later pass; timing out does not return a slot to the current pass.
func (e *Engine) timeoutAndRetry(ctx context.Context, processID string) error {
	retry, err := e.HandleProcessTimeout(ctx, processID)
	if err != nil {
		return err
	}
	if !retry {
		e.logger.Warn("process timed out terminally", "process_id", processID)
		return nil
	}
	repl, err := e.RestartProcess(ctx, processID)
	if err != nil {
		return err
	}
	e.logger.Info("process timed out, restarted", "process_id", processID, "replacement_id", repl.ID)
	return nil
}
