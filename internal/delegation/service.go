package delegation

import (
	"context"
	"log/slog"

	"github.com/rendis/chutney/internal/actions"
	"github.com/rendis/chutney/internal/engine"
	"github.com/rendis/chutney/internal/finally"
	"github.com/rendis/chutney/internal/logging"
	"github.com/rendis/chutney/pkg/schema"
)

// Client sends delegation requests to remote agents.
type Client interface {
	Delegate(ctx context.Context, agent schema.NamedHostAndPort, req *schema.DelegationRequest) (*schema.StepOutcome, error)
}

// Options configures a Service. Local and Client are required.
type Options struct {
	Local    engine.StepExecutor
	Client   Client
	Breakers *BreakerRegistry
	Locks    actions.LockSupervisor
	Logger   *slog.Logger
}

// Service chooses, per step call, between running locally and forwarding the
// call to the next agent hop of its route.
type Service struct {
	local    engine.StepExecutor
	client   Client
	breakers *BreakerRegistry
	locks    actions.LockSupervisor
	logger   *slog.Logger
}

// NewService creates a delegation service.
func NewService(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Breakers == nil {
		opts.Breakers = NewBreakerRegistry(DefaultBreakerConfig())
	}
	return &Service{
		local:    opts.Local,
		client:   opts.Client,
		breakers: opts.Breakers,
		locks:    opts.Locks,
		logger:   opts.Logger,
	}
}

// FindExecutor returns the local executor when the call has no target or its
// route is exhausted, otherwise a remote executor bound to the next hop.
// The route of call is never modified.
func (s *Service) FindExecutor(call *schema.StepCall) engine.StepExecutor {
	if call == nil || call.Target.IsEmpty() {
		return s.local
	}
	hop, ok := call.Route.NextHop()
	if !ok {
		return s.local
	}
	return &RemoteStepExecutor{
		agent:    hop,
		client:   s.client,
		breakers: s.breakers,
		logger:   s.logger,
	}
}

// ExecuteDelegated runs a call received from another agent. Finally actions
// registered while running it are collected and returned with the outcome so
// the caller drains them with its own execution.
func (s *Service) ExecuteDelegated(ctx context.Context, req *schema.DelegationRequest) *schema.StepOutcome {
	ctx = logging.WithExecutionID(ctx, req.ExecutionID)
	ctx = logging.WithStepID(ctx, req.Step.StepID)
	logger := logging.LogWith(ctx, s.logger)

	registry := finally.NewRegistry(logger)
	call := req.Step
	env := actions.Env{
		Logger:  logger,
		Finally: registry,
		Locks:   s.locks,
		Context: req.Environment,
	}

	logger.Debug("delegated step received",
		slog.String("step", call.Name),
		slog.Int("remaining_hops", len(call.Route.Remaining())))

	outcome := s.FindExecutor(&call).Execute(ctx, &call, env)
	if outcome == nil {
		outcome = schema.Failed("executor returned no outcome")
	}
	outcome.Finally = registry.Actions()
	return outcome
}
