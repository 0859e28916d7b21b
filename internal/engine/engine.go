package engine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync/atomic"
	"time"

	"github.com/rendis/chutney/internal/actions"
	"github.com/rendis/chutney/internal/eventbus"
	"github.com/rendis/chutney/internal/expressions"
	"github.com/rendis/chutney/internal/finally"
	"github.com/rendis/chutney/internal/logging"
	"github.com/rendis/chutney/internal/metrics"
	"github.com/rendis/chutney/pkg/schema"
)

// DefaultPollInterval is how often a paused execution re-checks its flags.
const DefaultPollInterval = 100 * time.Millisecond

// Options configures an Engine. Bus and Delegator are required.
type Options struct {
	Bus       eventbus.Bus
	Delegator Delegator
	Locks     actions.LockSupervisor
	// Routes computes hops for targets declaring no agents. Optional.
	Routes       RouteFinder
	Expr         *expressions.ExprEngine
	CEL          *expressions.CELEngine
	Logger       *slog.Logger
	PollInterval time.Duration
	// LastID is the highest execution id already handed out. New ids follow it.
	LastID int64
}

// Engine drives scenario executions: depth-first traversal of the step tree,
// pause and stop control, retry and soft-assert strategies, finally drain.
type Engine struct {
	bus          eventbus.Bus
	delegator    Delegator
	locks        actions.LockSupervisor
	routes       RouteFinder
	interpolator *expressions.Interpolator
	cel          *expressions.CELEngine
	logger       *slog.Logger
	pollInterval time.Duration

	lastID atomic.Int64
}

// NewEngine creates an Engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Bus == nil || opts.Delegator == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires an event bus and a delegator")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Expr == nil {
		opts.Expr = expressions.NewExprEngine()
	}
	if opts.CEL == nil {
		cel, err := expressions.NewCELEngine()
		if err != nil {
			return nil, err
		}
		opts.CEL = cel
	}

	e := &Engine{
		bus:          opts.Bus,
		delegator:    opts.Delegator,
		locks:        opts.Locks,
		routes:       opts.Routes,
		interpolator: expressions.NewInterpolator(opts.Expr),
		cel:          opts.CEL,
		logger:       opts.Logger,
		pollInterval: opts.PollInterval,
	}
	e.lastID.Store(opts.LastID)
	return e, nil
}

// NewExecution builds a fresh execution of scenario with the next execution id
// and subscribes it to the control commands published for that id.
func (e *Engine) NewExecution(scenario *schema.Scenario) (*ScenarioExecution, error) {
	if scenario == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "scenario is nil")
	}

	targets := make(map[string]*schema.Target, len(scenario.Targets))
	for i := range scenario.Targets {
		t := scenario.Targets[i]
		targets[t.Name] = &t
	}
	children, err := buildSteps(scenario.Steps, targets)
	if err != nil {
		return nil, err
	}

	id := e.lastID.Add(1)
	x := &ScenarioExecution{
		ID:       id,
		Scenario: scenario,
		Root: &Step{
			ID:     fmt.Sprintf("execution-%d", id),
			Name:   scenario.Title,
			Steps:  children,
			status: schema.StatusNotExecuted,
		},
		status:  schema.StatusNotExecuted,
		context: maps.Clone(scenario.Context),
		finally: finally.NewRegistry(e.logger.With(slog.Int64("execution_id", id))),
		done:    make(chan struct{}),
	}
	if x.context == nil {
		x.context = map[string]any{}
	}

	x.unsubscribe = e.bus.Handle(eventbus.Filter{ExecutionID: id, Types: schema.ControlEvents}, func(ev eventbus.Event) {
		switch ev.Type {
		case schema.EventPauseCommand:
			x.Pause()
		case schema.EventResumeCommand:
			x.Resume()
		case schema.EventStopCommand:
			x.Stop()
		}
	})
	return x, nil
}

// Run drives x to a terminal status, drains its finally actions and returns the
// final report. Run must be called at most once per execution.
func (e *Engine) Run(ctx context.Context, x *ScenarioExecution) *schema.ExecutionReport {
	defer x.finish()

	ctx = logging.WithExecutionID(ctx, x.ID)
	logger := logging.LogWith(ctx, e.logger)

	x.mu.Lock()
	if err := x.transitionLocked(schema.StatusRunning); err != nil {
		x.mu.Unlock()
		logger.Error("execution cannot start", slog.Any("error", err))
		return x.Report()
	}
	x.startedAt = time.Now().UTC()
	x.mu.Unlock()

	metrics.ExecutionStarted()
	e.publish(ctx, x.ID, schema.EventScenarioStarted, "", map[string]any{"title": x.Root.Name})
	logger.Info("scenario started", slog.String("title", x.Root.Name))

	e.runStep(ctx, x, x.Root, false)

	// Finally actions run whatever the outcome, even when the caller gave up.
	e.drainFinally(context.WithoutCancel(ctx), x)

	x.mu.Lock()
	final := x.Root.status
	if err := x.transitionLocked(final); err != nil {
		logger.Error("execution status not updated", slog.Any("error", err))
	}
	x.endedAt = time.Now().UTC()
	elapsed := x.endedAt.Sub(x.startedAt)
	x.mu.Unlock()

	metrics.ExecutionFinished(final, elapsed)
	e.publish(ctx, x.ID, schema.EventScenarioEnded, "", map[string]any{"status": string(final)})
	logger.Info("scenario ended", slog.String("status", string(final)), slog.Duration("duration", elapsed))

	return x.Report()
}

// halted reports whether the traversal must stop before the next step.
func halted(ctx context.Context, x *ScenarioExecution) bool {
	return x.MustStop() || ctx.Err() != nil
}

func (e *Engine) runStep(ctx context.Context, x *ScenarioExecution, s *Step, inheritedSoft bool) {
	s.soft = inheritedSoft || s.isSoftAssert()

	if halted(ctx, x) {
		e.stopStep(x, s)
		return
	}
	if x.MustPause() {
		e.waitWhilePaused(ctx, x, s)
		if halted(ctx, x) {
			e.stopStep(x, s)
			return
		}
	}

	ctx = logging.WithStepID(ctx, s.ID)
	x.mu.Lock()
	s.status = schema.StatusRunning
	s.startedAt = time.Now().UTC()
	x.mu.Unlock()
	e.publish(ctx, x.ID, schema.EventStepStarted, s.ID, map[string]any{"name": s.Name})

	own := schema.StatusSuccess
	if s.Type != "" {
		own = e.executeAction(ctx, x, s)
	}
	for _, child := range s.Steps {
		e.runStep(ctx, x, child, s.soft)
	}

	x.mu.Lock()
	status, degraded := s.rollup(own)
	s.status = status
	s.degraded = degraded
	if degraded && s.Type == "" {
		s.information = append(s.information, "some soft-asserted steps failed")
	}
	s.endedAt = time.Now().UTC()
	x.mu.Unlock()

	if s.Type != "" {
		metrics.ObserveStep(s.Type, status, s.endedAt.Sub(s.startedAt))
	}
	e.publish(ctx, x.ID, schema.EventStepEnded, s.ID, map[string]any{"name": s.Name, "status": string(status)})
}

func (e *Engine) stopStep(x *ScenarioExecution, s *Step) {
	x.mu.Lock()
	s.markStopped()
	x.mu.Unlock()
}

// waitWhilePaused suspends the traversal before s until the pause clears or a
// stop is requested. step_paused is published once per suspension.
func (e *Engine) waitWhilePaused(ctx context.Context, x *ScenarioExecution, s *Step) {
	x.mu.Lock()
	s.status = schema.StatusPaused
	if err := x.transitionLocked(schema.StatusPaused); err != nil {
		e.logger.Warn("pause not recorded", slog.Any("error", err))
	}
	x.mu.Unlock()
	e.publish(ctx, x.ID, schema.EventStepPaused, s.ID, map[string]any{"name": s.Name})
	logging.LogWith(ctx, e.logger).Info("execution paused", slog.String("step", s.Name))

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for x.MustPause() && !halted(ctx, x) {
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}

	x.mu.Lock()
	s.status = schema.StatusNotExecuted
	if !x.MustStop() {
		if err := x.transitionLocked(schema.StatusRunning); err != nil {
			e.logger.Warn("resume not recorded", slog.Any("error", err))
		}
	}
	x.mu.Unlock()
}

// executeAction evaluates the inputs of s, invokes its action through the
// delegator, applying the retry strategy, and records the final outcome.
func (e *Engine) executeAction(ctx context.Context, x *ScenarioExecution, s *Step) schema.Status {
	data := x.contextSnapshot()

	inputs, err := e.interpolator.ResolveMap(ctx, s.Inputs, data)
	if err != nil {
		x.mu.Lock()
		s.errors = append(s.errors, fmt.Sprintf("input evaluation failed: %v", err))
		x.mu.Unlock()
		return schema.StatusFailure
	}
	x.mu.Lock()
	s.evaluated = inputs
	x.mu.Unlock()

	call := &schema.StepCall{
		ExecutionID: x.ID,
		StepID:      s.ID,
		Name:        s.Name,
		Type:        s.Type,
		Target:      s.Target,
		Route:       e.routeFor(s.Target),
		Inputs:      inputs,
	}

	policy := retryPolicy(s.Strategy)
	var outcome *schema.StepOutcome
	for n := 0; ; n++ {
		started := time.Now().UTC()
		outcome = e.invoke(ctx, x, call, data)
		if outcome.Status == schema.StatusSuccess {
			e.applyOutputs(ctx, s, call, outcome, data)
		}

		if policy != nil {
			x.mu.Lock()
			s.attempts = append(s.attempts, attempt{outcome: outcome, startedAt: started, endedAt: time.Now().UTC()})
			x.mu.Unlock()
		}
		if outcome.Status == schema.StatusSuccess || policy == nil || n >= policy.Max {
			break
		}
		metrics.IncStepRetries()
		if err := WaitForBackoff(ctx, ComputeBackoff(policy, n)); err != nil {
			break
		}
	}

	x.mu.Lock()
	s.agent = outcome.Agent
	s.results = outcome.Outputs
	s.errors = append(s.errors, outcome.Errors...)
	s.information = append(s.information, outcome.Information...)
	if outcome.Status == schema.StatusSuccess {
		maps.Copy(x.context, outcome.Outputs)
	}
	x.mu.Unlock()

	return outcome.Status
}

// invoke runs one call through the executor chosen by the delegator.
func (e *Engine) invoke(ctx context.Context, x *ScenarioExecution, call *schema.StepCall, data map[string]any) *schema.StepOutcome {
	executor := e.delegator.FindExecutor(call)
	outcome := executor.Execute(ctx, call, actions.Env{
		Logger:  logging.LogWith(ctx, e.logger),
		Finally: x.finally,
		Locks:   e.locks,
		Context: data,
	})
	if outcome == nil {
		return schema.Failed("executor returned no outcome")
	}
	return outcome
}

// applyOutputs evaluates declared outputs and validations of a successful
// outcome in place. A failing validation turns the outcome into a FAILURE.
func (e *Engine) applyOutputs(ctx context.Context, s *Step, call *schema.StepCall, outcome *schema.StepOutcome, data map[string]any) {
	if len(s.Outputs) > 0 {
		scope := maps.Clone(data)
		if scope == nil {
			scope = map[string]any{}
		}
		maps.Copy(scope, outcome.Outputs)

		declared := make(map[string]any, len(s.Outputs))
		for _, name := range slices.Sorted(maps.Keys(s.Outputs)) {
			v, err := e.interpolator.Resolve(ctx, s.Outputs[name], scope)
			if err != nil {
				outcome.Status = schema.StatusFailure
				outcome.Errors = append(outcome.Errors, fmt.Sprintf("output %q: %v", name, err))
				return
			}
			declared[name] = v
		}
		outcome.Outputs = declared
	}

	if len(s.Validations) == 0 {
		return
	}
	vars := map[string]any{"outputs": outcome.Outputs, "inputs": call.Inputs, "context": data}
	for _, name := range slices.Sorted(maps.Keys(s.Validations)) {
		ok, err := e.cel.EvaluateBool(ctx, s.Validations[name], vars)
		switch {
		case err != nil:
			outcome.Status = schema.StatusFailure
			outcome.Errors = append(outcome.Errors, fmt.Sprintf("validation %q: %v", name, err))
		case !ok:
			outcome.Status = schema.StatusFailure
			outcome.Errors = append(outcome.Errors, fmt.Sprintf("validation %q failed", name))
		default:
			outcome.Information = append(outcome.Information, fmt.Sprintf("validation %q passed", name))
		}
	}
}

func (e *Engine) routeFor(t *schema.Target) schema.Route {
	switch {
	case t.IsEmpty():
		return schema.Route{}
	case len(t.Agents) > 0:
		return schema.NewRoute(t.Agents)
	case e.routes != nil:
		if hops, ok := e.routes.RouteTo(t.Name); ok {
			return schema.NewRoute(hops)
		}
	}
	return schema.Route{}
}

// drainFinally runs the registered finally actions through the same
// delegation path as regular steps. Failures are logged and swallowed.
func (e *Engine) drainFinally(ctx context.Context, x *ScenarioExecution) {
	logger := logging.LogWith(ctx, e.logger)
	x.finally.Drain(ctx, func(ctx context.Context, fa schema.FinallyAction) {
		s := &Step{
			ID:        fa.Identifier,
			Name:      fa.Name,
			Type:      fa.Type,
			Target:    fa.Target,
			Inputs:    fa.Inputs,
			evaluated: fa.Inputs,
			status:    schema.StatusRunning,
			startedAt: time.Now().UTC(),
		}
		call := &schema.StepCall{
			ExecutionID: x.ID,
			StepID:      s.ID,
			Name:        s.Name,
			Type:        s.Type,
			Target:      s.Target,
			Route:       e.routeFor(s.Target),
			Inputs:      fa.Inputs,
		}
		outcome := e.invoke(logging.WithStepID(ctx, s.ID), x, call, x.contextSnapshot())

		x.mu.Lock()
		s.status = outcome.Status
		s.agent = outcome.Agent
		s.results = outcome.Outputs
		s.errors = outcome.Errors
		s.information = outcome.Information
		s.endedAt = time.Now().UTC()
		x.finallySteps = append(x.finallySteps, s)
		x.mu.Unlock()

		metrics.IncFinallyAction(outcome.Status)
		if outcome.Status != schema.StatusSuccess {
			logger.Warn("finally action failed",
				slog.String("identifier", fa.Identifier),
				slog.String("type", fa.Type),
				slog.Any("errors", outcome.Errors))
		}
	})
}

func (e *Engine) publish(ctx context.Context, id int64, eventType, stepID string, payload map[string]any) {
	// Lifecycle events are still published once the run context is cancelled.
	err := e.bus.Publish(context.WithoutCancel(ctx), eventbus.Event{
		Type:        eventType,
		ExecutionID: id,
		StepID:      stepID,
		Payload:     payload,
	})
	if err != nil {
		e.logger.Debug("event not published", slog.String("type", eventType), slog.Any("error", err))
	}
}
