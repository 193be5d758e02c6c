package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/newms87/gpt-manager-sub003/internal/model"
)

// Sweep performs one maintenance pass: every active standalone run and
// every active workflow gets a dispatch pass, which times out overdue
// processes and fills freed slots. A sweep is the recovery path for work
// an earlier crashed pass left behind.
func (e *Engine) Sweep(ctx context.Context) error {
	runs, err := e.store.ListActiveRuns(ctx)
	if err != nil {
		return fmt.Errorf("list active runs: %w", err)
	}
	for _, r := range runs {
		if err := e.DispatchForRun(ctx, r.ID); err != nil {
			return fmt.Errorf("sweep run %s: %w", r.ID, err)
		}
	}

	workflows, err := e.store.ListActiveWorkflowRuns(ctx)
	if err != nil {
		return fmt.Errorf("list active workflows: %w", err)
	}
	for _, wf := range workflows {
		if err := e.DispatchForWorkflow(ctx, wf.ID); err != nil {
			return fmt.Errorf("sweep workflow %s: %w", wf.ID, err)
		}
	}

	sweepsTotal.Inc()
	return nil
}

// RunSweeper runs Sweep on the given interval until the context is
// cancelled. Transient sweep failures are retried with exponential backoff
// before the next interval tick.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
			if err := backoff.Retry(func() error { return e.Sweep(ctx) }, policy); err != nil {
				e.logger.Error("sweep pass failed", "error", err)
			}
		}
	}
}

// DeliverProcessEvent routes an external event payload to a running
// process's runner, then pushes the owning run forward. Events for
// processes that are not running are conflicts.
func (e *Engine) DeliverProcessEvent(ctx context.Context, processID string, payload []byte) error {
	proc, err := e.store.GetProcess(ctx, processID)
	if err != nil {
		return err
	}
	if proc.Status() != model.StatusRunning {
		return fmt.Errorf("deliver event to process %s in %s: %w", processID, proc.Status(), ErrConflict)
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

	if err := rn.OnEvent(ctx, proc, payload); err != nil {
		return fmt.Errorf("handle process event: %w", err)
	}
	return e.ContinueRun(ctx, run.ID)
}
