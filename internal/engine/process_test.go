package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/newms87/gpt-manager-sub003/internal/model"
	"github.com/newms87/gpt-manager-sub003/internal/runner"
)

func TestStartRunCompletesWithOutputs(t *testing.T) {
	e, s, _ := newTestEngine(t)
	def := seedDefinition(t, s, &model.TaskDefinition{Name: "echo"})
	in := seedArtifact(t, s, def.ID, "seed")

	run, err := e.StartRun(context.Background(), def.ID, []*model.Artifact{in})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	waitForRunStatus(t, s, run.ID, model.StatusCompleted)

	outputs, err := s.ListRunArtifacts(context.Background(), run.ID, model.ArtifactOutput)
	if err != nil {
		t.Fatalf("list outputs: %v", err)
	}
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output artifact, got %d", len(outputs))
	}
	if outputs[0].OwnerTaskDefinitionID != def.ID {
		t.Errorf("output owner = %s, want %s", outputs[0].OwnerTaskDefinitionID, def.ID)
	}

	p := onlyProcess(t, s, run.ID)
	if p.Status() != model.StatusCompleted {
		t.Errorf("process status = %s, want completed", p.Status())
	}
}

func TestConcurrentRunProcessExecutesOnce(t *testing.T) {
	e, s, reg := newTestEngine(t)
	rn := &stubRunner{
		execute: func(_ context.Context, _ *model.Process, _ []*model.Artifact) ([]*model.Artifact, error) {
			time.Sleep(50 * time.Millisecond)
			return nil, nil
		},
	}
	reg.Register("slow", rn)
	def := seedDefinition(t, s, &model.TaskDefinition{Name: "slow", Runner: "slow"})

	run, err := e.PrepareRun(context.Background(), def.ID, nil, "", "")
	if err != nil {
		t.Fatalf("prepare run: %v", err)
	}
	p := onlyProcess(t, s, run.ID)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.RunProcess(context.Background(), p.ID, "worker-test"); err != nil {
				t.Errorf("run process: %v", err)
			}
		}()
	}
	wg.Wait()

	waitForRunStatus(t, s, run.ID, model.StatusCompleted)
	if got := rn.calls(); got != 1 {
		t.Fatalf("execute ran %d times, want 1", got)
	}
}

func TestPrepareRunFansOutAgentsTimesGroups(t *testing.T) {
	e, s, reg := newTestEngine(t)
	reg.Register("fanout", &stubRunner{
		partition: func(inputs []*model.Artifact) [][]*model.Artifact {
			groups := make([][]*model.Artifact, 0, len(inputs))
			for _, a := range inputs {
				groups = append(groups, []*model.Artifact{a})
			}
			return groups
		},
	})
	def := seedDefinition(t, s, &model.TaskDefinition{
		Name:   "fanout",
		Runner: "fanout",
		Agents: []string{"agent-a", "agent-b"},
	})
	inputs := []*model.Artifact{
		seedArtifact(t, s, def.ID, "one"),
		seedArtifact(t, s, def.ID, "two"),
		seedArtifact(t, s, def.ID, "three"),
	}

	run, err := e.PrepareRun(context.Background(), def.ID, inputs, "", "")
	if err != nil {
		t.Fatalf("prepare run: %v", err)
	}

	procs, err := s.ListProcessesByRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("list processes: %v", err)
	}
	if len(procs) != 6 {
		t.Fatalf("expected 2 agents x 3 groups = 6 processes, got %d", len(procs))
	}
	for _, p := range procs {
		if !p.IsReady {
			t.Errorf("process %s not ready after preparation", p.ID)
		}
		if p.Status() != model.StatusPending {
			t.Errorf("process %s status = %s, want pending", p.ID, p.Status())
		}
	}
}

func TestPrepareProcessCopiesForeignArtifacts(t *testing.T) {
	e, s, _ := newTestEngine(t)
	other := seedDefinition(t, s, &model.TaskDefinition{Name: "upstream"})
	def := seedDefinition(t, s, &model.TaskDefinition{Name: "downstream"})

	foreign := seedArtifact(t, s, other.ID, "borrowed")
	child := &model.Artifact{
		ID:                    model.NewID(),
		OwnerTaskDefinitionID: other.ID,
		ParentArtifactID:      foreign.ID,
		Name:                  "borrowed-child",
		CreatedAt:             time.Now().UTC(),
	}
	if err := s.CreateArtifact(context.Background(), child); err != nil {
		t.Fatalf("create child artifact: %v", err)
	}

	run, err := e.PrepareRun(context.Background(), def.ID, []*model.Artifact{foreign}, "", "")
	if err != nil {
		t.Fatalf("prepare run: %v", err)
	}

	p := onlyProcess(t, s, run.ID)
	inputs, err := s.ListProcessArtifacts(context.Background(), p.ID, model.ArtifactInput)
	if err != nil {
		t.Fatalf("list process inputs: %v", err)
	}
	if len(inputs) != 1 {
		t.Fatalf("expected 1 process input, got %d", len(inputs))
	}
	got := inputs[0]
	if got.ID == foreign.ID {
		t.Fatal("process input references the foreign artifact instead of a copy")
	}
	if got.OwnerTaskDefinitionID != def.ID {
		t.Errorf("copy owner = %s, want %s", got.OwnerTaskDefinitionID, def.ID)
	}

	copies, err := s.ListArtifactChildren(context.Background(), got.ID)
	if err != nil {
		t.Fatalf("list copy children: %v", err)
	}
	if len(copies) != 1 || copies[0].Name != "borrowed-child" {
		t.Fatalf("child artifact was not copied with its parent: %v", copies)
	}
}

func TestRetryableFailureMarksIncomplete(t *testing.T) {
	e, s, reg := newTestEngine(t)
	reg.Register("flaky", &stubRunner{
		execute: func(context.Context, *model.Process, []*model.Artifact) ([]*model.Artifact, error) {
			return nil, runner.Transient(errors.New("connection reset"))
		},
	})
	def := seedDefinition(t, s, &model.TaskDefinition{Name: "flaky", Runner: "flaky"})

	run, err := e.StartRun(context.Background(), def.ID, nil)
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	p := waitForProcessStatus(t, s, onlyProcess(t, s, run.ID).ID, model.StatusIncomplete)
	if p.ErrorCount != 1 {
		t.Errorf("error count = %d, want 1", p.ErrorCount)
	}
	if p.LastError == "" {
		t.Error("last error not recorded")
	}
}

func TestPermanentFailureFailsProcessAndRun(t *testing.T) {
	e, s, reg := newTestEngine(t)
	reg.Register("broken", &stubRunner{
		execute: func(context.Context, *model.Process, []*model.Artifact) ([]*model.Artifact, error) {
			return nil, errors.New("bad input schema")
		},
	})
	def := seedDefinition(t, s, &model.TaskDefinition{Name: "broken", Runner: "broken"})

	run, err := e.StartRun(context.Background(), def.ID, nil)
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	waitForProcessStatus(t, s, onlyProcess(t, s, run.ID).ID, model.StatusFailed)
	waitForRunStatus(t, s, run.ID, model.StatusFailed)
}

func TestPermanentFailureFailsRunWhileSiblingExecutes(t *testing.T) {
	e, s, reg := newTestEngine(t)
	release := make(chan struct{})
	reg.Register("mixed", &stubRunner{
		execute: func(_ context.Context, p *model.Process, _ []*model.Artifact) ([]*model.Artifact, error) {
			switch p.AgentID {
			case "fail":
				return nil, errors.New("bad input")
			case "block":
				<-release
			}
			return nil, nil
		},
	})
	def := seedDefinition(t, s, &model.TaskDefinition{
		Name:   "mixed",
		Runner: "mixed",
		Agents: []string{"fail", "ok", "block"},
	})

	run, err := e.PrepareRun(context.Background(), def.ID, nil, "", "")
	if err != nil {
		t.Fatalf("prepare run: %v", err)
	}
	procs, err := s.ListProcessesByRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("list processes: %v", err)
	}
	byAgent := map[string]string{}
	for _, p := range procs {
		byAgent[p.AgentID] = p.ID
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := e.RunProcess(context.Background(), byAgent["block"], "worker-test"); err != nil {
			t.Errorf("run blocked process: %v", err)
		}
	}()
	waitForProcessStatus(t, s, byAgent["block"], model.StatusRunning)

	if err := e.RunProcess(context.Background(), byAgent["fail"], "worker-test"); err == nil {
		t.Fatal("expected execution error to propagate")
	}
	if err := e.RunProcess(context.Background(), byAgent["ok"], "worker-test"); err != nil {
		t.Fatalf("run sibling: %v", err)
	}

	// The permanent failure settles the run even while a sibling is still
	// executing. The sibling finishes and records its own completion, but
	// the run's verdict does not flip.
	waitForRunStatus(t, s, run.ID, model.StatusFailed)

	close(release)
	<-done
	waitForProcessStatus(t, s, byAgent["block"], model.StatusCompleted)
	r, err := s.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if r.Status() != model.StatusFailed {
		t.Errorf("run status = %s, want failed", r.Status())
	}
}

func TestCompleteProcessIdempotent(t *testing.T) {
	e, s, _ := newTestEngine(t)
	def := seedDefinition(t, s, &model.TaskDefinition{Name: "echo"})

	run, err := e.StartRun(context.Background(), def.ID, nil)
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	p := waitForProcessStatus(t, s, onlyProcess(t, s, run.ID).ID, model.StatusCompleted)
	first := *p.CompletedAt

	time.Sleep(20 * time.Millisecond)
	if err := e.CompleteProcess(context.Background(), p.ID); err != nil {
		t.Fatalf("second complete: %v", err)
	}
	p, err = s.GetProcess(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("get process: %v", err)
	}
	if !p.CompletedAt.Equal(first) {
		t.Errorf("completion timestamp moved from %v to %v", first, *p.CompletedAt)
	}
}

func TestRestartRunningProcessIsConflict(t *testing.T) {
	e, s, reg := newTestEngine(t)
	release := make(chan struct{})
	reg.Register("slow", &stubRunner{
		execute: func(ctx context.Context, _ *model.Process, _ []*model.Artifact) ([]*model.Artifact, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil, nil
		},
	})
	def := seedDefinition(t, s, &model.TaskDefinition{Name: "slow", Runner: "slow"})

	run, err := e.StartRun(context.Background(), def.ID, nil)
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	p := waitForProcessStatus(t, s, onlyProcess(t, s, run.ID).ID, model.StatusRunning)

	if _, err := e.RestartProcess(context.Background(), p.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("restart of running process: err = %v, want ErrConflict", err)
	}
	close(release)
}

func TestRestartChainStaysFlat(t *testing.T) {
	e, s, _ := newTestEngine(t)
	def := seedDefinition(t, s, &model.TaskDefinition{Name: "echo"})

	// An unready process never dispatches, so the chain under test cannot
	// race the launched replacements.
	run := seedUnreadyProcessRun(t, s, def)
	first := onlyProcess(t, s, run.ID)

	second, err := e.RestartProcess(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("first restart: %v", err)
	}
	third, err := e.RestartProcess(context.Background(), second.ID)
	if err != nil {
		t.Fatalf("second restart: %v", err)
	}
	e.Wait()

	if third.RestartCount != 2 {
		t.Errorf("restart count = %d, want 2", third.RestartCount)
	}

	chain, err := s.ListRestartChain(context.Background(), third.ID)
	if err != nil {
		t.Fatalf("list restart chain: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("expected 2 tombstones pointing at %s, got %d", third.ID, len(chain))
	}
	for _, tomb := range chain {
		if tomb.ParentProcessID != third.ID {
			t.Errorf("tombstone %s points at %s, want %s", tomb.ID, tomb.ParentProcessID, third.ID)
		}
		if tomb.DeletedAt == nil {
			t.Errorf("tombstone %s not soft-deleted", tomb.ID)
		}
	}
}

func TestStopInterruptsExecution(t *testing.T) {
	e, s, reg := newTestEngine(t)
	reg.Register("blocking", &stubRunner{
		execute: func(ctx context.Context, _ *model.Process, _ []*model.Artifact) ([]*model.Artifact, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	def := seedDefinition(t, s, &model.TaskDefinition{Name: "blocking", Runner: "blocking"})

	run, err := e.StartRun(context.Background(), def.ID, nil)
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	p := waitForProcessStatus(t, s, onlyProcess(t, s, run.ID).ID, model.StatusRunning)

	if err := e.StopProcess(context.Background(), p.ID); err != nil {
		t.Fatalf("stop process: %v", err)
	}
	e.Wait()

	p = waitForProcessStatus(t, s, p.ID, model.StatusStopped)
	// The stop marker wins over the cancellation error the runner returned.
	if p.IncompleteAt != nil || p.FailedAt != nil {
		t.Errorf("failure markers set on a stopped process: %+v", p)
	}

	// Stopping again is a no-op.
	if err := e.StopProcess(context.Background(), p.ID); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestResumeClearsAllTimestamps(t *testing.T) {
	e, s, _ := newTestEngine(t)
	def := seedDefinition(t, s, &model.TaskDefinition{Name: "echo"})

	run, err := e.PrepareRun(context.Background(), def.ID, nil, "", "")
	if err != nil {
		t.Fatalf("prepare run: %v", err)
	}
	p := onlyProcess(t, s, run.ID)

	if err := e.StopProcess(context.Background(), p.ID); err != nil {
		t.Fatalf("stop process: %v", err)
	}
	if err := e.ResumeProcess(context.Background(), p.ID); err != nil {
		t.Fatalf("resume process: %v", err)
	}

	// The resumed process re-enters the queue from scratch.
	p = waitForProcessStatus(t, s, p.ID, model.StatusCompleted)
	if p.StoppedAt != nil {
		t.Error("stop marker survived resume")
	}
}

func TestResumePendingProcessIsConflict(t *testing.T) {
	e, s, _ := newTestEngine(t)
	def := seedDefinition(t, s, &model.TaskDefinition{Name: "echo"})

	run, err := e.PrepareRun(context.Background(), def.ID, nil, "", "")
	if err != nil {
		t.Fatalf("prepare run: %v", err)
	}
	p := onlyProcess(t, s, run.ID)

	if err := e.ResumeProcess(context.Background(), p.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("resume of pending process: err = %v, want ErrConflict", err)
	}
}

func TestHandleProcessTimeoutRespectsRetryCap(t *testing.T) {
	e, s, _ := newTestEngine(t)
	def := seedDefinition(t, s, &model.TaskDefinition{Name: "echo", MaxProcessRetries: 1})

	run := seedUnreadyProcessRun(t, s, def)
	p := onlyProcess(t, s, run.ID)

	retry, err := e.HandleProcessTimeout(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("timeout: %v", err)
	}
	if !retry {
		t.Fatal("first timeout should be retryable under a cap of 1")
	}

	repl, err := e.RestartProcess(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	e.Wait()

	retry, err = e.HandleProcessTimeout(context.Background(), repl.ID)
	if err != nil {
		t.Fatalf("second timeout: %v", err)
	}
	if retry {
		t.Error("second timeout exceeds the retry cap, should not be retryable")
	}

	if _, err := e.HandleProcessTimeout(context.Background(), repl.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("timeout of a timed-out process: err = %v, want ErrConflict", err)
	}
}
