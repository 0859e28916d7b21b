package actions

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/chutney/pkg/schema"
)

// Action is a constructed, ready-to-run action instance.
type Action interface {
	Execute(ctx context.Context) Result
}

// Validator is implemented by actions that check their inputs before running.
// Every returned string is a human-readable problem; none means valid.
type Validator interface {
	Validate() []string
}

// Result is the outcome of one action invocation.
type Result struct {
	Status      schema.Status
	Outputs     map[string]any
	Errors      []string
	Information []string
}

// Ok builds a SUCCESS result.
func Ok(outputs map[string]any, information ...string) Result {
	return Result{Status: schema.StatusSuccess, Outputs: outputs, Information: information}
}

// Ko builds a FAILURE result.
func Ko(messages ...string) Result {
	return Result{Status: schema.StatusFailure, Errors: messages}
}

// FinallyRegistrar receives the cleanup actions registered by running actions.
type FinallyRegistrar interface {
	Register(action schema.FinallyAction)
}

// LockSupervisor arbitrates named resources between consumers.
type LockSupervisor interface {
	Lock(name, owner string) bool
	Unlock(name, owner string) bool
	WaitUntilAvailable(ctx context.Context, name, owner string, timeout time.Duration) error
}

// Env carries the injectable collaborators available to an action.
type Env struct {
	Logger  *slog.Logger
	Finally FinallyRegistrar
	Locks   LockSupervisor
	// Context is the scenario context. Actions must treat it as read-only.
	Context map[string]any
}
