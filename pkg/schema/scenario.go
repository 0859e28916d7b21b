package schema

// Scenario is a declarative tree of steps submitted for execution.
type Scenario struct {
	ID          string           `json:"id,omitempty" yaml:"id,omitempty"`
	Title       string           `json:"title" yaml:"title"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Targets     []Target         `json:"targets,omitempty" yaml:"targets,omitempty"`
	Context     map[string]any   `json:"context,omitempty" yaml:"context,omitempty"`
	Steps       []StepDefinition `json:"steps" yaml:"steps"`
}

// StepDefinition describes one node of the scenario tree.
// A step with children and no type is a container whose status rolls up from its children.
type StepDefinition struct {
	ID          string            `json:"id,omitempty" yaml:"id,omitempty"`
	Name        string            `json:"name" yaml:"name"`
	Type        string            `json:"type,omitempty" yaml:"type,omitempty"`
	Target      string            `json:"target,omitempty" yaml:"target,omitempty"`
	Inputs      map[string]any    `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs     map[string]string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Validations map[string]string `json:"validations,omitempty" yaml:"validations,omitempty"`
	Strategy    *Strategy         `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Steps       []StepDefinition  `json:"steps,omitempty" yaml:"steps,omitempty"`
}

// StrategyType enumerates step execution strategies.
type StrategyType string

const (
	StrategyDefault    StrategyType = "default"
	StrategyRetry      StrategyType = "retry"
	StrategySoftAssert StrategyType = "soft-assert"
)

// Strategy configures how the engine drives a step.
type Strategy struct {
	Type  StrategyType `json:"type" yaml:"type"`
	Retry *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// RetryPolicy configures retry behavior for a step.
type RetryPolicy struct {
	Max      int    `json:"max" yaml:"max"`                                 // extra attempts after the first
	Backoff  string `json:"backoff,omitempty" yaml:"backoff,omitempty"`     // none | constant | linear | exponential
	Delay    string `json:"delay,omitempty" yaml:"delay,omitempty"`         // e.g. "500ms"
	MaxDelay string `json:"max_delay,omitempty" yaml:"max_delay,omitempty"` // cap on computed delay
}

// Target is a named endpoint plus the ordered agent hops leading to it.
type Target struct {
	Name       string             `json:"name" yaml:"name"`
	URL        string             `json:"url,omitempty" yaml:"url,omitempty"`
	Properties map[string]string  `json:"properties,omitempty" yaml:"properties,omitempty"`
	Agents     []NamedHostAndPort `json:"agents,omitempty" yaml:"agents,omitempty"`
}

// IsEmpty reports whether the target carries no name.
func (t *Target) IsEmpty() bool {
	return t == nil || t.Name == ""
}
