// Package locks implements named consumer locks with cooperative polling.
package locks

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/chutney/pkg/schema"
)

// DefaultPollInterval is the sleep between two acquisition attempts.
const DefaultPollInterval = 50 * time.Millisecond

// Supervisor arbitrates named resources between competing consumers.
// Construct one per process and inject it where needed.
type Supervisor struct {
	mu       sync.Mutex
	owners   map[string]string
	interval time.Duration
}

// NewSupervisor creates a Supervisor polling at the given interval.
func NewSupervisor(interval time.Duration) *Supervisor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Supervisor{
		owners:   make(map[string]string),
		interval: interval,
	}
}

// Lock acquires name for owner if it is free. It is reentrant for the current owner.
func (s *Supervisor) Lock(name, owner string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, held := s.owners[name]
	if held && current != owner {
		return false
	}
	s.owners[name] = owner
	return true
}

// Unlock releases name if owner holds it. It reports whether the lock was released.
func (s *Supervisor) Unlock(name, owner string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.owners[name] != owner {
		return false
	}
	delete(s.owners, name)
	return true
}

// Holder returns the current owner of name.
func (s *Supervisor) Holder(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.owners[name]
	return owner, ok
}

// WaitUntilAvailable repeatedly tries to acquire name for owner, sleeping the
// poll interval between attempts. It returns a LOCK_TIMEOUT error once timeout
// elapses, or the context error if ctx ends first.
func (s *Supervisor) WaitUntilAvailable(ctx context.Context, name, owner string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if s.Lock(name, owner) {
			return nil
		}
		if !time.Now().Before(deadline) {
			holder, _ := s.Holder(name)
			return schema.NewErrorf(schema.ErrCodeLockTimeout,
				"lock %q not acquired within %s", name, timeout).
				WithDetails(map[string]any{"lock": name, "owner": owner, "holder": holder})
		}

		wait := s.interval
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
