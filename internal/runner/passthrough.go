package runner

import (
	"context"
	"time"

	"github.com/newms87/gpt-manager-sub003/internal/model"
)

// Passthrough is a minimal runner that forwards its inputs as outputs. It
// backs definitions that only reshape artifact flow between workflow nodes
// and doubles as the default runner for the daemon.
type Passthrough struct {
	// Delay, when positive, sleeps before producing outputs. Useful for
	// exercising timeout and cancellation paths.
	Delay time.Duration
}

// Partition returns all inputs as a single group.
func (p *Passthrough) Partition(_ context.Context, inputs []*model.Artifact) ([][]*model.Artifact, error) {
	return [][]*model.Artifact{inputs}, nil
}

// Prepare is a no-op; passthrough processes have no configuration.
func (p *Passthrough) Prepare(_ context.Context, _ *model.Process, _ []*model.Artifact) error {
	return nil
}

// Execute copies every input forward as an output artifact.
func (p *Passthrough) Execute(ctx context.Context, proc *model.Process, inputs []*model.Artifact) ([]*model.Artifact, error) {
	if p.Delay > 0 {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	outputs := make([]*model.Artifact, 0, len(inputs))
	for _, in := range inputs {
		outputs = append(outputs, &model.Artifact{
			ID:        model.NewID(),
			Name:      in.Name,
			Payload:   in.Payload,
			CreatedAt: time.Now().UTC(),
		})
	}
	return outputs, nil
}

// OnEvent is a no-op; passthrough processes never wait on external events.
func (p *Passthrough) OnEvent(_ context.Context, _ *model.Process, _ []byte) error {
	return nil
}
