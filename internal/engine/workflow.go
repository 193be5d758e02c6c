package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/newms87/gpt-manager-sub003/internal/model"
)

// StartWorkflow begins execution of a workflow graph: every node with no
// incoming edges gets a run prepared from the workflow's seed inputs, then
// a dispatch pass launches work up to the workflow cap. A graph with no
// starting node cannot make progress and is rejected.
func (e *Engine) StartWorkflow(ctx context.Context, workflowRunID string, inputs []*model.Artifact) error {
	wf, err := e.store.GetWorkflowRun(ctx, workflowRunID)
	if err != nil {
		return err
	}
	if !wf.CanContinue() {
		return fmt.Errorf("start workflow %s from %s: %w", workflowRunID, wf.Status(), ErrConflict)
	}

	nodes, err := e.store.ListWorkflowNodes(ctx, workflowRunID)
	if err != nil {
		return err
	}

	var starting []*model.WorkflowNode
	for _, n := range nodes {
		into, err := e.store.ListEdgesInto(ctx, n.ID)
		if err != nil {
			return err
		}
		if len(into) == 0 {
			starting = append(starting, n)
		}
	}
	if len(starting) == 0 {
		return fmt.Errorf("workflow %s has no starting node: %w", workflowRunID, ErrValidation)
	}

	for _, n := range starting {
		if _, err := e.startRunForNode(ctx, wf, n, inputs); err != nil {
			return err
		}
	}

	e.logger.Info("workflow started", "workflow_run_id", workflowRunID, "starting_nodes", len(starting))
	return e.DispatchForWorkflow(ctx, workflowRunID)
}

// startRunForNode prepares a run for a workflow node unless the node
// already has one. The existing-run check makes continuation idempotent
// when several source runs complete concurrently.
func (e *Engine) startRunForNode(ctx context.Context, wf *model.WorkflowRun, node *model.WorkflowNode, inputs []*model.Artifact) (*model.Run, error) {
	if existing, err := e.store.GetRunByNode(ctx, node.ID); err == nil {
		return existing, nil
	} else if !isNotFound(err) {
		return nil, err
	}
	return e.PrepareRun(ctx, node.TaskDefinitionID, inputs, wf.ID, node.ID)
}

// OnRunComplete advances the workflow after one of its runs finishes. For
// every outgoing edge it checks AND-join readiness on the target node: a
// target starts only once every source node has a completed run, and its
// inputs are the union of all source run outputs. Finally it checks for
// workflow completion.
func (e *Engine) OnRunComplete(ctx context.Context, run *model.Run) error {
	guard, err := e.lock(ctx, workflowKey(run.WorkflowRunID))
	if err != nil {
		return err
	}

	wf, err := e.store.GetWorkflowRun(ctx, run.WorkflowRunID)
	if err != nil {
		guard.Release()
		return err
	}
	if !wf.CanContinue() {
		guard.Release()
		return fmt.Errorf("continue workflow %s from %s: %w", wf.ID, wf.Status(), ErrConflict)
	}

	edges, err := e.store.ListEdgesFrom(ctx, run.WorkflowNodeID)
	if err != nil {
		guard.Release()
		return err
	}

	var started bool
	for _, edge := range edges {
		target, err := e.store.GetWorkflowNode(ctx, edge.TargetNodeID)
		if err != nil {
			guard.Release()
			return err
		}

		ready, inputs, err := e.joinReady(ctx, target)
		if err != nil {
			guard.Release()
			return err
		}
		if !ready {
			continue
		}
		if existing, err := e.store.GetRunByNode(ctx, target.ID); err == nil && existing != nil {
			continue
		} else if err != nil && !isNotFound(err) {
			guard.Release()
			return err
		}

		if _, err := e.startRunForNode(ctx, wf, target, inputs); err != nil {
			guard.Release()
			return err
		}
		started = true
		e.logger.Info("workflow node started", "workflow_run_id", wf.ID, "node_id", target.ID)
	}

	done, err := e.workflowComplete(ctx, wf)
	if err != nil {
		guard.Release()
		return err
	}
	if done && wf.CompletedAt == nil {
		now := time.Now().UTC()
		wf.CompletedAt = &now
		if err := e.store.UpdateWorkflowRun(ctx, wf); err != nil {
			guard.Release()
			return fmt.Errorf("mark workflow completed: %w", err)
		}
		e.logger.Info("workflow completed", "workflow_run_id", wf.ID)
	}
	guard.Release()

	if started {
		return e.DispatchForWorkflow(ctx, wf.ID)
	}
	return nil
}

// joinReady reports whether every source node feeding target has a
// completed run. When ready, it also returns the union of all source run
// outputs in source order.
func (e *Engine) joinReady(ctx context.Context, target *model.WorkflowNode) (bool, []*model.Artifact, error) {
	into, err := e.store.ListEdgesInto(ctx, target.ID)
	if err != nil {
		return false, nil, err
	}

	var inputs []*model.Artifact
	for _, edge := range into {
		src, err := e.store.GetRunByNode(ctx, edge.SourceNodeID)
		if err != nil {
			if isNotFound(err) {
				return false, nil, nil
			}
			return false, nil, err
		}
		if src.Status() != model.StatusCompleted {
			return false, nil, nil
		}
		outputs, err := e.store.ListRunArtifacts(ctx, src.ID, model.ArtifactOutput)
		if err != nil {
			return false, nil, err
		}
		inputs = append(inputs, outputs...)
	}
	return true, inputs, nil
}

// collectNodeInputs returns the union of output artifacts from every
// completed source run feeding the given node. Sources without a completed
// run contribute nothing.
func (e *Engine) collectNodeInputs(ctx context.Context, nodeID string) ([]*model.Artifact, error) {
	into, err := e.store.ListEdgesInto(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	var inputs []*model.Artifact
	for _, edge := range into {
		src, err := e.store.GetRunByNode(ctx, edge.SourceNodeID)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}
		if src.Status() != model.StatusCompleted {
			continue
		}
		outputs, err := e.store.ListRunArtifacts(ctx, src.ID, model.ArtifactOutput)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, outputs...)
	}
	return inputs, nil
}

// workflowComplete reports whether every node of the workflow has a
// completed run.
func (e *Engine) workflowComplete(ctx context.Context, wf *model.WorkflowRun) (bool, error) {
	nodes, err := e.store.ListWorkflowNodes(ctx, wf.ID)
	if err != nil {
		return false, err
	}
	for _, n := range nodes {
		run, err := e.store.GetRunByNode(ctx, n.ID)
		if err != nil {
			if isNotFound(err) {
				return false, nil
			}
			return false, err
		}
		if run.Status() != model.StatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// StopWorkflow marks a workflow stopped and stops each of its runs.
func (e *Engine) StopWorkflow(ctx context.Context, workflowRunID string) error {
	guard, err := e.lock(ctx, workflowKey(workflowRunID))
	if err != nil {
		return err
	}

	wf, err := e.store.GetWorkflowRun(ctx, workflowRunID)
	if err != nil {
		guard.Release()
		return err
	}
	if wf.StoppedAt == nil {
		now := time.Now().UTC()
		wf.StoppedAt = &now
		if err := e.store.UpdateWorkflowRun(ctx, wf); err != nil {
			guard.Release()
			return fmt.Errorf("mark workflow stopped: %w", err)
		}
	}

	runs, err := e.store.ListRunsByWorkflow(ctx, workflowRunID)
	if err != nil {
		guard.Release()
		return err
	}
	guard.Release()

	for _, r := range runs {
		if r.Status() == model.StatusStopped || r.Status() == model.StatusCompleted {
			continue
		}
		if err := e.StopRun(ctx, r.ID); err != nil {
			return err
		}
	}
	e.logger.Info("workflow stopped", "workflow_run_id", workflowRunID)
	return nil
}
