package engine

import (
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/chutney/internal/finally"
	"github.com/rendis/chutney/pkg/schema"
)

// ScenarioExecution is one run of a scenario. The control flags are written by
// the control-event handler and read by the engine at every step boundary.
type ScenarioExecution struct {
	ID       int64
	Scenario *schema.Scenario
	Root     *Step

	mustPause atomic.Bool
	mustStop  atomic.Bool

	// mu guards every step field, the status, the context and the finally steps.
	mu           sync.RWMutex
	status       schema.Status
	context      map[string]any
	finallySteps []*Step
	startedAt    time.Time
	endedAt      time.Time

	finally     *finally.Registry
	unsubscribe func()
	done        chan struct{}
	doneOnce    sync.Once
}

// Pause asks the engine to suspend before the next step. Ignored once stopped.
func (x *ScenarioExecution) Pause() {
	if x.mustStop.Load() {
		return
	}
	x.mustPause.Store(true)
}

// Resume clears a pause request. Ignored once stopped.
func (x *ScenarioExecution) Resume() {
	if x.mustStop.Load() {
		return
	}
	x.mustPause.Store(false)
}

// Stop asks the engine to stop every step not started yet. Idempotent.
func (x *ScenarioExecution) Stop() {
	x.mustStop.Store(true)
}

// MustPause reports whether a pause was requested and not cleared.
func (x *ScenarioExecution) MustPause() bool { return x.mustPause.Load() }

// MustStop reports whether a stop was requested.
func (x *ScenarioExecution) MustStop() bool { return x.mustStop.Load() }

// Status returns the overall execution status.
func (x *ScenarioExecution) Status() schema.Status {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.status
}

// Done is closed once the execution reached a terminal status and its finally
// actions were drained.
func (x *ScenarioExecution) Done() <-chan struct{} {
	return x.done
}

// Report snapshots the execution. Safe to call while the execution runs.
func (x *ScenarioExecution) Report() *schema.ExecutionReport {
	x.mu.RLock()
	defer x.mu.RUnlock()

	r := &schema.ExecutionReport{
		ExecutionID: x.ID,
		Status:      x.status,
		StartedAt:   timePtr(x.startedAt),
		EndedAt:     timePtr(x.endedAt),
		Context:     maps.Clone(x.context),
		Root:        x.Root.report(),
	}
	if x.Scenario != nil {
		r.ScenarioID = x.Scenario.ID
		r.Title = x.Scenario.Title
	}
	for _, s := range x.finallySteps {
		r.Finally = append(r.Finally, s.report())
	}
	return r
}

// transition moves the execution status. The caller holds x.mu.
func (x *ScenarioExecution) transitionLocked(to schema.Status) error {
	if x.status == to {
		return nil
	}
	if !isValidExecutionTransition(x.status, to) {
		return invalidTransition(x.ID, x.status, to)
	}
	x.status = to
	return nil
}

// contextSnapshot returns a shallow copy of the scenario context.
func (x *ScenarioExecution) contextSnapshot() map[string]any {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return maps.Clone(x.context)
}

func (x *ScenarioExecution) finish() {
	x.doneOnce.Do(func() {
		if x.unsubscribe != nil {
			x.unsubscribe()
		}
		close(x.done)
	})
}

// Abandon releases an execution that will never be run.
func (x *ScenarioExecution) Abandon() {
	x.finish()
}
