// Package locker provides named, time-bounded mutual exclusion. Every
// dispatch-affecting read-then-write on a run or workflow run holds the
// lock keyed by that entity's identity, so two concurrent dispatch attempts
// can never both observe free slots and both launch.
package locker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultLease is the lock lease applied when Acquire is called with a
// non-positive lease. An expired lease lets another caller steal the lock
// from a holder that crashed without releasing.
const DefaultLease = 30 * time.Second

// retryInterval is how often a blocked Acquire re-checks the lock.
const retryInterval = 5 * time.Millisecond

type entry struct {
	held    bool
	expires time.Time
	gen     uint64
}

// Service hands out keyed lease locks. Safe for concurrent use.
type Service struct {
	mu    sync.Mutex
	locks map[string]*entry
	now   func() time.Time
}

// New creates an empty lock service.
func New() *Service {
	return &Service{
		locks: make(map[string]*entry),
		now:   time.Now,
	}
}

// Guard represents a held lock. Release is safe to call exactly once per
// guard; releasing a guard whose lease was stolen is a no-op.
type Guard struct {
	s   *Service
	key string
	gen uint64
}

// Release frees the lock if this guard still holds it.
func (g *Guard) Release() {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()

	e, ok := g.s.locks[g.key]
	if !ok || e.gen != g.gen {
		// Lease expired and the lock was stolen; nothing to release.
		return
	}
	e.held = false
}

// Acquire blocks until the lock for key is obtained or ctx is done. The
// lease bounds how long the lock survives a holder that never releases:
// once it expires, the next Acquire steals the lock.
func (s *Service) Acquire(ctx context.Context, key string, lease time.Duration) (*Guard, error) {
	if lease <= 0 {
		lease = DefaultLease
	}

	for {
		if g, ok := s.tryAcquire(key, lease); ok {
			return g, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock %q: %w", key, ctx.Err())
		case <-time.After(retryInterval):
		}
	}
}

// TryAcquire attempts a single non-blocking acquisition.
func (s *Service) TryAcquire(key string, lease time.Duration) (*Guard, bool) {
	if lease <= 0 {
		lease = DefaultLease
	}
	return s.tryAcquire(key, lease)
}

func (s *Service) tryAcquire(key string, lease time.Duration) (*Guard, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.locks[key]
	if !ok {
		e = &entry{}
		s.locks[key] = e
	}

	if e.held && now.Before(e.expires) {
		return nil, false
	}

	e.held = true
	e.expires = now.Add(lease)
	e.gen++
	return &Guard{s: s, key: key, gen: e.gen}, true
}

// Held reports whether the lock for key is currently held and unexpired.
func (s *Service) Held(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.locks[key]
	return ok && e.held && s.now().Before(e.expires)
}
