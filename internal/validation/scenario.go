package validation

import (
	"fmt"
	"time"

	"github.com/rendis/chutney/pkg/schema"
)

// ActionLookup reports whether an action type is registered.
type ActionLookup interface {
	Has(actionType string) bool
}

// ScenarioValidator runs the two-stage validation of a scenario:
// structural (JSON Schema) then semantic (references, strategies, actions).
type ScenarioValidator struct {
	jsonSchema *JSONSchemaValidator
	actions    ActionLookup
}

// NewScenarioValidator creates a ScenarioValidator. lookup may be nil to skip
// action existence checks.
func NewScenarioValidator(jsv *JSONSchemaValidator, lookup ActionLookup) *ScenarioValidator {
	return &ScenarioValidator{jsonSchema: jsv, actions: lookup}
}

// Validate returns every issue found. Structural errors short-circuit the semantic stage.
func (v *ScenarioValidator) Validate(scenario *schema.Scenario) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if scenario == nil {
		result.AddError("/", "scenario is nil")
		return result
	}

	if err := v.jsonSchema.ValidateScenario(scenario); err != nil {
		se, _ := err.(*schema.Error)
		if se != nil {
			if violations, ok := se.Details["violations"].([]string); ok {
				for _, msg := range violations {
					result.AddError("/", "%s", msg)
				}
				return result
			}
		}
		result.AddError("/", "%s", err.Error())
		return result
	}

	targets := make(map[string]bool, len(scenario.Targets))
	for i, t := range scenario.Targets {
		if targets[t.Name] {
			result.AddError(fmt.Sprintf("targets[%d]", i), "duplicate target %q", t.Name)
		}
		targets[t.Name] = true
	}

	ids := make(map[string]bool)
	for i := range scenario.Steps {
		v.validateStep(&scenario.Steps[i], fmt.Sprintf("steps[%d]", i), targets, ids, result)
	}
	return result
}

func (v *ScenarioValidator) validateStep(step *schema.StepDefinition, path string, targets, ids map[string]bool, result *schema.ValidationResult) {
	if step.ID != "" {
		if ids[step.ID] {
			result.AddError(path+".id", "duplicate step id %q", step.ID)
		}
		ids[step.ID] = true
	}

	switch {
	case step.Type == "" && len(step.Steps) == 0:
		result.AddError(path, "step %q has neither a type nor child steps", step.Name)
	case step.Type != "" && v.actions != nil && !v.actions.Has(step.Type):
		result.AddError(path+".type", "unknown action %q", step.Type)
	}

	if step.Target != "" && !targets[step.Target] {
		result.AddError(path+".target", "references undeclared target %q", step.Target)
	}

	if s := step.Strategy; s != nil {
		switch s.Type {
		case schema.StrategyRetry:
			if s.Retry == nil {
				result.AddError(path+".strategy", "retry strategy without retry policy")
			} else {
				validateDurations(s.Retry, path+".strategy.retry", result)
			}
		default:
			if s.Retry != nil {
				result.AddWarning(path+".strategy.retry", "retry policy ignored by %q strategy", s.Type)
			}
		}
	}

	if len(step.Steps) > 0 && step.Type != "" {
		result.AddWarning(path, "step %q runs action %q before its children", step.Name, step.Type)
	}

	for i := range step.Steps {
		v.validateStep(&step.Steps[i], fmt.Sprintf("%s.steps[%d]", path, i), targets, ids, result)
	}
}

func validateDurations(policy *schema.RetryPolicy, path string, result *schema.ValidationResult) {
	var delay, maxDelay time.Duration
	var err error
	if policy.Delay != "" {
		if delay, err = time.ParseDuration(policy.Delay); err != nil {
			result.AddError(path+".delay", "invalid duration %q", policy.Delay)
		}
	}
	if policy.MaxDelay != "" {
		if maxDelay, err = time.ParseDuration(policy.MaxDelay); err != nil {
			result.AddError(path+".max_delay", "invalid duration %q", policy.MaxDelay)
		}
	}
	if delay > 0 && maxDelay > 0 && maxDelay < delay {
		result.AddWarning(path+".max_delay", "max_delay %s is lower than delay %s", maxDelay, delay)
	}
}
