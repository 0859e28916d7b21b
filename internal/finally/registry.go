// Package finally collects the cleanup actions registered while an execution
// runs and drains them once the step tree is done.
package finally

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rendis/chutney/pkg/schema"
)

// RunFunc executes one finally action.
type RunFunc func(ctx context.Context, action schema.FinallyAction)

// Registry holds the finally actions of one execution, keyed by identifier.
// It is safe for concurrent use, including registration while draining.
type Registry struct {
	mu      sync.Mutex
	entries map[string]schema.FinallyAction
	order   []string
	drained bool
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[string]schema.FinallyAction),
		logger:  logger,
	}
}

// Register inserts the action or overwrites the one registered under the same
// identifier. Overwriting keeps the position of the first registration.
// Registrations after Drain has returned are logged and ignored.
func (r *Registry) Register(action schema.FinallyAction) {
	if action.Identifier == "" {
		action.Identifier = action.Type + "-" + action.Name
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.drained {
		r.logger.Warn("finally action registered after drain, ignored",
			slog.String("identifier", action.Identifier), slog.String("type", action.Type))
		return
	}
	if _, exists := r.entries[action.Identifier]; !exists {
		r.order = append(r.order, action.Identifier)
	}
	r.entries[action.Identifier] = action
}

// Actions returns the registered actions in registration order.
func (r *Registry) Actions() []schema.FinallyAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Len returns the number of pending actions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Drain runs the pending actions in at most two passes and returns those that ran.
// Pass one runs a snapshot of everything registered so far. Pass two runs, once,
// the identifiers registered during pass one that pass one did not run.
// Identifiers registered during pass two are logged and dropped, and an
// identifier never runs twice.
func (r *Registry) Drain(ctx context.Context, run RunFunc) []schema.FinallyAction {
	ran := make(map[string]bool)
	var executed []schema.FinallyAction

	for pass := 1; pass <= 2; pass++ {
		r.mu.Lock()
		batch := r.takeLocked(ran)
		r.mu.Unlock()

		for _, action := range batch {
			ran[action.Identifier] = true
			run(ctx, action)
			executed = append(executed, action)
		}
	}

	r.mu.Lock()
	leftover := r.takeLocked(ran)
	r.drained = true
	r.mu.Unlock()

	for _, action := range leftover {
		r.logger.Warn("finally action registered during last drain pass, dropped",
			slog.String("identifier", action.Identifier), slog.String("type", action.Type))
	}
	return executed
}

// takeLocked removes every pending entry and returns those whose identifier has not run.
func (r *Registry) takeLocked(ran map[string]bool) []schema.FinallyAction {
	batch := make([]schema.FinallyAction, 0, len(r.order))
	for _, action := range r.snapshotLocked() {
		if !ran[action.Identifier] {
			batch = append(batch, action)
		}
	}
	r.entries = make(map[string]schema.FinallyAction)
	r.order = nil
	return batch
}

func (r *Registry) snapshotLocked() []schema.FinallyAction {
	out := make([]schema.FinallyAction, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id])
	}
	return out
}
