package engine

import (
	"slices"

	"github.com/rendis/chutney/pkg/schema"
)

// ValidExecutionTransitions defines allowed execution status transitions.
var ValidExecutionTransitions = map[schema.Status][]schema.Status{
	schema.StatusNotExecuted: {schema.StatusRunning},
	schema.StatusRunning:     {schema.StatusPaused, schema.StatusSuccess, schema.StatusFailure, schema.StatusStopped},
	schema.StatusPaused:      {schema.StatusRunning, schema.StatusSuccess, schema.StatusFailure, schema.StatusStopped},
	// Terminal states: no outgoing transitions.
	schema.StatusSuccess: {},
	schema.StatusFailure: {},
	schema.StatusStopped: {},
}

func isValidExecutionTransition(from, to schema.Status) bool {
	return slices.Contains(ValidExecutionTransitions[from], to)
}

func invalidTransition(id int64, from, to schema.Status) error {
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid execution transition: %s -> %s", from, to).
		WithDetails(map[string]any{"execution_id": id, "from": string(from), "to": string(to)})
}
