package engine

import (
	"maps"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/chutney/pkg/schema"
)

// Step is one node of an execution tree. It is owned by the ScenarioExecution
// that built it and mutated only by the goroutine running that execution.
type Step struct {
	ID          string
	Name        string
	Type        string
	Target      *schema.Target
	Inputs      map[string]any
	Outputs     map[string]string
	Validations map[string]string
	Strategy    *schema.Strategy
	Steps       []*Step

	soft        bool
	status      schema.Status
	degraded    bool
	agent       string
	evaluated   map[string]any
	results     map[string]any
	errors      []string
	information []string
	startedAt   time.Time
	endedAt     time.Time
	attempts    []attempt
}

// attempt is one invocation of a retried step.
type attempt struct {
	outcome   *schema.StepOutcome
	startedAt time.Time
	endedAt   time.Time
}

// buildSteps turns definitions into fresh steps. A step target must name one
// of the scenario targets.
func buildSteps(defs []schema.StepDefinition, targets map[string]*schema.Target) ([]*Step, error) {
	steps := make([]*Step, 0, len(defs))
	for i := range defs {
		s, err := buildStep(&defs[i], targets)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, nil
}

func buildStep(def *schema.StepDefinition, targets map[string]*schema.Target) (*Step, error) {
	id := def.ID
	if id == "" {
		id = uuid.NewString()
	}

	var target *schema.Target
	if def.Target != "" {
		t, ok := targets[def.Target]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %q uses undeclared target %q", def.Name, def.Target).
				WithStep(id)
		}
		target = t
	}

	children, err := buildSteps(def.Steps, targets)
	if err != nil {
		return nil, err
	}

	return &Step{
		ID:          id,
		Name:        def.Name,
		Type:        def.Type,
		Target:      target,
		Inputs:      maps.Clone(def.Inputs),
		Outputs:     maps.Clone(def.Outputs),
		Validations: maps.Clone(def.Validations),
		Strategy:    def.Strategy,
		Steps:       children,
		status:      schema.StatusNotExecuted,
	}, nil
}

func (s *Step) isSoftAssert() bool {
	return s.Strategy != nil && s.Strategy.Type == schema.StrategySoftAssert
}

// markStopped sets the step and every descendant not yet finished to STOPPED.
func (s *Step) markStopped() {
	if !s.status.IsTerminal() {
		s.status = schema.StatusStopped
	}
	for _, c := range s.Steps {
		c.markStopped()
	}
}

// rollup derives the status of a step from its own action status and its children.
// A failed child that is not soft-asserted fails the parent. FAILURE wins over STOPPED.
// Soft failures keep the parent successful but flag it as degraded.
func (s *Step) rollup(own schema.Status) (schema.Status, bool) {
	failed := own == schema.StatusFailure
	stopped := own == schema.StatusStopped
	degraded := false

	for _, c := range s.Steps {
		switch {
		case c.status == schema.StatusFailure && c.soft:
			degraded = true
		case c.status == schema.StatusFailure:
			failed = true
		case c.status == schema.StatusStopped:
			stopped = true
		}
		if c.degraded {
			degraded = true
		}
	}

	switch {
	case failed:
		return schema.StatusFailure, degraded
	case stopped:
		return schema.StatusStopped, degraded
	default:
		return schema.StatusSuccess, degraded
	}
}

// report snapshots the step. The caller holds the execution read lock.
func (s *Step) report() schema.StepReport {
	r := schema.StepReport{
		ID:          s.ID,
		Name:        s.Name,
		Type:        s.Type,
		Status:      s.status,
		Degraded:    s.degraded,
		Agent:       s.agent,
		Inputs:      maps.Clone(s.evaluated),
		Outputs:     maps.Clone(s.results),
		Errors:      append([]string(nil), s.errors...),
		Information: append([]string(nil), s.information...),
		StartedAt:   timePtr(s.startedAt),
		EndedAt:     timePtr(s.endedAt),
	}
	if r.Inputs == nil {
		r.Inputs = maps.Clone(s.Inputs)
	}
	if s.Target != nil {
		r.Target = s.Target.Name
	}
	for i, a := range s.attempts {
		r.Attempts = append(r.Attempts, schema.StepReport{
			ID:          s.ID,
			Name:        attemptName(s.Name, i),
			Type:        s.Type,
			Status:      a.outcome.Status,
			Agent:       a.outcome.Agent,
			Outputs:     maps.Clone(a.outcome.Outputs),
			Errors:      append([]string(nil), a.outcome.Errors...),
			Information: append([]string(nil), a.outcome.Information...),
			StartedAt:   timePtr(a.startedAt),
			EndedAt:     timePtr(a.endedAt),
		})
	}
	for _, c := range s.Steps {
		r.Steps = append(r.Steps, c.report())
	}
	return r
}

func attemptName(name string, i int) string {
	return name + " #" + strconv.Itoa(i+1)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
