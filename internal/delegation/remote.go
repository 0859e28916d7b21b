package delegation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rendis/chutney/internal/actions"
	"github.com/rendis/chutney/internal/metrics"
	"github.com/rendis/chutney/pkg/schema"
)

// RemoteStepExecutor forwards step calls to one agent. It does not retry:
// retries belong to the engine strategy.
type RemoteStepExecutor struct {
	agent    schema.NamedHostAndPort
	client   Client
	breakers *BreakerRegistry
	logger   *slog.Logger
}

// Agent returns the hop this executor is bound to.
func (r *RemoteStepExecutor) Agent() schema.NamedHostAndPort {
	return r.agent
}

// Execute sends the call, with its route advanced past this hop, to the agent.
// A network failure becomes a FAILURE outcome with a connectivity message.
func (r *RemoteStepExecutor) Execute(ctx context.Context, call *schema.StepCall, env actions.Env) *schema.StepOutcome {
	if err := r.breakers.Allow(r.agent.Name); err != nil {
		return schema.Failed(err.Error())
	}

	req := &schema.DelegationRequest{
		ExecutionID: call.ExecutionID,
		Step:        *r.Forward(call),
		Environment: env.Context,
	}
	outcome, err := r.client.Delegate(ctx, r.agent, req)
	if err != nil {
		r.breakers.Failure(r.agent.Name)
		metrics.IncDelegation(r.agent.Name, false)
		r.logger.WarnContext(ctx, "delegation failed",
			slog.String("agent", r.agent.Name),
			slog.String("address", r.agent.Address()),
			slog.Any("error", err))
		return schema.Failed(schema.NewErrorf(schema.ErrCodeConnectivity,
			"agent %s (%s) unreachable: %v", r.agent.Name, r.agent.Address(), err).Error())
	}
	r.breakers.Success(r.agent.Name)
	metrics.IncDelegation(r.agent.Name, true)

	if outcome == nil || outcome.Status == "" {
		return schema.Failed(fmt.Sprintf("agent %s returned no status", r.agent.Name))
	}
	if outcome.Agent == "" {
		outcome.Agent = r.agent.Name
	}

	// Finally actions of the remote side are drained by the caller's execution.
	// Untargeted ones, and those aimed at the call target, travel back through
	// the same hops so they run where they were registered.
	for _, fa := range outcome.Finally {
		if call.Target != nil && (fa.Target.IsEmpty() || fa.Target.Name == call.Target.Name) {
			fa.Target = call.Target
		}
		if env.Finally != nil {
			env.Finally.Register(fa)
		}
	}
	outcome.Finally = nil
	return outcome
}

// Forward returns the call as sent to the agent: the route moves past this hop.
func (r *RemoteStepExecutor) Forward(call *schema.StepCall) *schema.StepCall {
	return call.Forward()
}
