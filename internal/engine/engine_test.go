package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/newms87/gpt-manager-sub003/internal/locker"
	"github.com/newms87/gpt-manager-sub003/internal/model"
	"github.com/newms87/gpt-manager-sub003/internal/runner"
	"github.com/newms87/gpt-manager-sub003/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, store.Store, *runner.Registry) {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := runner.NewRegistry()
	reg.Register("passthrough", &runner.Passthrough{})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := New(s, locker.New(), reg, nil, "worker-test", logger)
	t.Cleanup(e.Wait)
	return e, s, reg
}

func seedDefinition(t *testing.T, s store.Store, d *model.TaskDefinition) *model.TaskDefinition {
	t.Helper()
	if d.ID == "" {
		d.ID = model.NewID()
	}
	if d.Runner == "" {
		d.Runner = "passthrough"
	}
	if d.MaxWorkers == 0 {
		d.MaxWorkers = 4
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if err := s.UpsertTaskDefinition(context.Background(), d); err != nil {
		t.Fatalf("upsert task definition: %v", err)
	}
	return d
}

func seedArtifact(t *testing.T, s store.Store, ownerDefID, name string) *model.Artifact {
	t.Helper()
	a := &model.Artifact{
		ID:                    model.NewID(),
		OwnerTaskDefinitionID: ownerDefID,
		Name:                  name,
		Payload:               []byte(`{"k":"v"}`),
		CreatedAt:             time.Now().UTC(),
	}
	if err := s.CreateArtifact(context.Background(), a); err != nil {
		t.Fatalf("create artifact: %v", err)
	}
	return a
}

func waitForRunStatus(t *testing.T, s store.Store, runID, want string) *model.Run {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		r, err := s.GetRun(context.Background(), runID)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if r.Status() == want {
			return r
		}
		select {
		case <-deadline:
			t.Fatalf("run %s stuck in %s, want %s", runID, r.Status(), want)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func waitForProcessStatus(t *testing.T, s store.Store, processID, want string) *model.Process {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		p, err := s.GetProcess(context.Background(), processID)
		if err != nil {
			t.Fatalf("get process: %v", err)
		}
		if p.Status() == want {
			return p
		}
		select {
		case <-deadline:
			t.Fatalf("process %s stuck in %s, want %s", processID, p.Status(), want)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// seedUnreadyProcessRun creates a run with a single process that is not
// marked ready, so the dispatcher will never launch it.
func seedUnreadyProcessRun(t *testing.T, s store.Store, def *model.TaskDefinition) *model.Run {
	t.Helper()
	ctx := context.Background()
	run := &model.Run{
		ID:               model.NewID(),
		TaskDefinitionID: def.ID,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	p := &model.Process{
		ID:        model.NewID(),
		RunID:     run.ID,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateProcess(ctx, p); err != nil {
		t.Fatalf("create process: %v", err)
	}
	return run
}

func onlyProcess(t *testing.T, s store.Store, runID string) *model.Process {
	t.Helper()
	procs, err := s.ListProcessesByRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("list processes: %v", err)
	}
	if len(procs) != 1 {
		t.Fatalf("expected 1 process on run %s, got %d", runID, len(procs))
	}
	return procs[0]
}

// stubRunner lets tests script partitioning and execution behavior.
type stubRunner struct {
	mu        sync.Mutex
	execCalls int

	partition func(inputs []*model.Artifact) [][]*model.Artifact
	execute   func(ctx context.Context, p *model.Process, inputs []*model.Artifact) ([]*model.Artifact, error)
	prepare   func(p *model.Process) error
}

func (r *stubRunner) Partition(_ context.Context, inputs []*model.Artifact) ([][]*model.Artifact, error) {
	if r.partition != nil {
		return r.partition(inputs), nil
	}
	return [][]*model.Artifact{inputs}, nil
}

func (r *stubRunner) Prepare(_ context.Context, p *model.Process, _ []*model.Artifact) error {
	if r.prepare != nil {
		return r.prepare(p)
	}
	return nil
}

func (r *stubRunner) Execute(ctx context.Context, p *model.Process, inputs []*model.Artifact) ([]*model.Artifact, error) {
	r.mu.Lock()
	r.execCalls++
	r.mu.Unlock()
	if r.execute != nil {
		return r.execute(ctx, p, inputs)
	}
	return nil, nil
}

func (r *stubRunner) OnEvent(_ context.Context, _ *model.Process, _ []byte) error {
	return nil
}

func (r *stubRunner) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.execCalls
}
