package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/newms87/gpt-manager-sub003/internal/locker"
	"github.com/newms87/gpt-manager-sub003/internal/model"
	"github.com/newms87/gpt-manager-sub003/internal/runner"
	"github.com/newms87/gpt-manager-sub003/internal/store"
)

const (
	// lockLease bounds how long a crashed holder can block dispatch.
	lockLease = 30 * time.Second

	// acquireWait bounds how long any operation waits for a lock.
	acquireWait = 10 * time.Second
)

// Engine coordinates process, run and workflow lifecycles on top of the
// store, serialized per entity by the lock service. Runner execution always
// happens outside the locks so long work never starves dispatch decisions.
type Engine struct {
	store      store.Store
	locks      *locker.Service
	registry   *runner.Registry
	classifier runner.Classifier
	logger     *slog.Logger
	broker     *Broker
	workerID   string
	wg         sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// New creates an execution engine. workerID identifies this engine instance
// in dispatch records.
func New(s store.Store, locks *locker.Service, reg *runner.Registry, cls runner.Classifier, workerID string, logger *slog.Logger) *Engine {
	if cls == nil {
		cls = runner.DefaultClassifier{}
	}
	return &Engine{
		store:      s,
		locks:      locks,
		registry:   reg,
		classifier: cls,
		logger:     logger,
		broker:     NewBroker(),
		workerID:   workerID,
		inflight:   make(map[string]context.CancelFunc),
	}
}

// Broker returns the engine's lifecycle event broker for SSE subscription.
func (e *Engine) Broker() *Broker {
	return e.broker
}

// Wait blocks until all in-flight goroutines complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func runKey(id string) string      { return "run:" + id }
func processKey(id string) string  { return "process:" + id }
func workflowKey(id string) string { return "workflow:" + id }

// lock acquires the keyed lease lock with a bounded wait.
func (e *Engine) lock(ctx context.Context, key string) (*locker.Guard, error) {
	lctx, cancel := context.WithTimeout(ctx, acquireWait)
	defer cancel()
	return e.locks.Acquire(lctx, key, lockLease)
}

func (e *Engine) resolveRunner(key string) (runner.Runner, error) {
	rn, err := e.registry.Resolve(key)
	if err != nil {
		return nil, fmt.Errorf("resolve runner: %w", err)
	}
	return rn, nil
}

// registerInflight records the cancel function for a process's execution
// context so stop, restart and timeout can interrupt it.
func (e *Engine) registerInflight(processID string, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inflight[processID] = cancel
}

func (e *Engine) clearInflight(processID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, processID)
}

// cancelInflight interrupts a process's execution context if one is active.
// Cancellation is cooperative: a runner that never checks its context runs
// to completion regardless.
func (e *Engine) cancelInflight(processID string) {
	e.mu.Lock()
	cancel, ok := e.inflight[processID]
	delete(e.inflight, processID)
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

// publish emits a lifecycle event on the owning run's topic.
func (e *Engine) publish(runID string, p *model.Process) {
	e.broker.Publish(runID, Event{
		ProcessID: p.ID,
		Status:    p.Status(),
		At:        time.Now().UTC(),
	})
}
