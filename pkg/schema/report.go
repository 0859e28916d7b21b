package schema

import "time"

// StepReport is an immutable snapshot of one step of an execution.
type StepReport struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Type        string         `json:"type,omitempty"`
	Target      string         `json:"target,omitempty"`
	Status      Status         `json:"status"`
	Degraded    bool           `json:"degraded,omitempty"`
	Agent       string         `json:"agent,omitempty"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	Outputs     map[string]any `json:"outputs,omitempty"`
	Errors      []string       `json:"errors,omitempty"`
	Information []string       `json:"information,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	EndedAt     *time.Time     `json:"ended_at,omitempty"`
	Attempts    []StepReport   `json:"attempts,omitempty"`
	Steps       []StepReport   `json:"steps,omitempty"`
}

// ExecutionReport is an immutable snapshot of a scenario execution.
type ExecutionReport struct {
	ExecutionID int64          `json:"execution_id"`
	ScenarioID  string         `json:"scenario_id,omitempty"`
	Title       string         `json:"title"`
	Status      Status         `json:"status"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	EndedAt     *time.Time     `json:"ended_at,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Root        StepReport     `json:"root"`
	Finally     []StepReport   `json:"finally,omitempty"`
}

// Walk calls fn for every step of the report in depth-first, parent-first order.
func (r StepReport) Walk(fn func(StepReport)) {
	fn(r)
	for _, c := range r.Steps {
		c.Walk(fn)
	}
}
