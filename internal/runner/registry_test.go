package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/newms87/gpt-manager-sub003/internal/model"
)

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry()
	pt := &Passthrough{}
	reg.Register("passthrough", pt)

	got, err := reg.Resolve("passthrough")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != Runner(pt) {
		t.Error("Resolve returned a different runner than was registered")
	}
}

func TestRegistryResolveUnknown(t *testing.T) {
	reg := NewRegistry()

	if _, err := reg.Resolve("nope"); err == nil {
		t.Fatal("Resolve of unregistered key should fail")
	}
}

func TestRegistryListSorted(t *testing.T) {
	reg := NewRegistry()
	reg.Register("zeta", &Passthrough{})
	reg.Register("alpha", &Passthrough{})
	reg.Register("mid", &Passthrough{})

	infos := reg.List()
	if len(infos) != 3 {
		t.Fatalf("List() returned %d entries, want 3", len(infos))
	}
	want := []string{"alpha", "mid", "zeta"}
	for i, w := range want {
		if infos[i].Key != w {
			t.Errorf("List()[%d].Key = %q, want %q", i, infos[i].Key, w)
		}
	}
}

func TestDefaultClassifier(t *testing.T) {
	c := DefaultClassifier{}

	if !c.IsRetryable(Transient(errors.New("connection reset"))) {
		t.Error("transient-marked error should be retryable")
	}
	if !c.IsRetryable(context.DeadlineExceeded) {
		t.Error("deadline exceeded should be retryable")
	}
	if c.IsRetryable(errors.New("invalid input")) {
		t.Error("plain error should be permanent")
	}
	if c.IsRetryable(nil) {
		t.Error("nil error should not be retryable")
	}
}

func TestPassthroughExecute(t *testing.T) {
	pt := &Passthrough{}
	inputs := []*model.Artifact{
		{ID: model.NewID(), Name: "a", Payload: []byte(`{"k":1}`)},
		{ID: model.NewID(), Name: "b"},
	}

	outputs, err := pt.Execute(context.Background(), &model.Process{ID: model.NewID()}, inputs)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(outputs) != len(inputs) {
		t.Fatalf("Execute produced %d outputs, want %d", len(outputs), len(inputs))
	}
	for i, out := range outputs {
		if out.ID == inputs[i].ID {
			t.Error("output artifact must have a fresh identity")
		}
		if out.Name != inputs[i].Name {
			t.Errorf("output name = %q, want %q", out.Name, inputs[i].Name)
		}
	}
}

func TestPassthroughExecuteCancelled(t *testing.T) {
	pt := &Passthrough{Delay: time.Minute}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := pt.Execute(ctx, &model.Process{}, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute error = %v, want context.Canceled", err)
	}
}
