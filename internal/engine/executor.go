package engine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"

	"github.com/rendis/chutney/internal/actions"
	"github.com/rendis/chutney/pkg/schema"
)

// StepExecutor executes exactly one step call and reports its outcome.
// Implementations never return nil and never panic.
type StepExecutor interface {
	Execute(ctx context.Context, call *schema.StepCall, env actions.Env) *schema.StepOutcome
}

// Delegator picks the executor of a step call: local, or a remote agent hop.
type Delegator interface {
	FindExecutor(call *schema.StepCall) StepExecutor
}

// RouteFinder computes the agent hops leading to a target from this agent.
type RouteFinder interface {
	RouteTo(target string) ([]schema.NamedHostAndPort, bool)
}

// TemplateSource resolves action templates by action type.
type TemplateSource interface {
	Get(actionType string) (actions.Template, error)
}

// LocalStepExecutor runs actions in the current process.
type LocalStepExecutor struct {
	templates TemplateSource
	agent     string
}

// NewLocalStepExecutor creates a local executor. agent names the agent the
// actions run on and is reported in every outcome.
func NewLocalStepExecutor(templates TemplateSource, agent string) *LocalStepExecutor {
	return &LocalStepExecutor{templates: templates, agent: agent}
}

// Execute resolves the template of the call, builds the action through the
// parameter resolution chain, validates it and runs it.
func (e *LocalStepExecutor) Execute(ctx context.Context, call *schema.StepCall, env actions.Env) (outcome *schema.StepOutcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = schema.Failed(fmt.Sprintf("action %q panicked: %v", call.Type, r))
		}
		outcome.Agent = e.agent
	}()

	tmpl, err := e.templates.Get(call.Type)
	if err != nil {
		return schema.Failed(fmt.Sprintf("unknown action %q", call.Type))
	}

	action, err := tmpl.Build(actions.NewResolverChain(call, env))
	if err != nil {
		return schema.Failed(err.Error())
	}

	if v, ok := action.(actions.Validator); ok {
		if problems := v.Validate(); len(problems) > 0 {
			return schema.Failed(problems...)
		}
	}

	if env.Logger != nil {
		env.Logger.DebugContext(ctx, "executing action",
			slog.String("step", call.Name), slog.String("type", call.Type))
	}

	result := action.Execute(ctx)
	status := result.Status
	if status == "" {
		status = schema.StatusSuccess
	}
	return &schema.StepOutcome{
		Status:      status,
		Outputs:     maps.Clone(result.Outputs),
		Errors:      result.Errors,
		Information: result.Information,
	}
}

// localDelegator runs every call on one executor.
type localDelegator struct {
	executor StepExecutor
}

// LocalOnly returns a Delegator that never forwards a call.
func LocalOnly(executor StepExecutor) Delegator {
	return localDelegator{executor: executor}
}

func (d localDelegator) FindExecutor(*schema.StepCall) StepExecutor {
	return d.executor
}
