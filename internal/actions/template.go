package actions

import (
	"github.com/rendis/chutney/pkg/schema"
)

// Constructor builds an action from its resolved arguments.
type Constructor func(args Args) (Action, error)

// Template describes how to construct one action kind. It is immutable once registered.
type Template struct {
	Type        string
	Description string
	Parameters  []ParameterDescriptor
	New         Constructor
}

// ExpectsTarget reports whether the action kind needs a target.
func (t Template) ExpectsTarget() bool {
	for _, p := range t.Parameters {
		if p.Source == SourceTarget && !p.Optional {
			return true
		}
	}
	return false
}

// Inputs returns the declared named inputs.
func (t Template) Inputs() []ParameterDescriptor {
	var inputs []ParameterDescriptor
	for _, p := range t.Parameters {
		if p.Source == SourceInput {
			inputs = append(inputs, p)
		}
	}
	return inputs
}

// Build resolves the parameters through chain and constructs the action.
func (t Template) Build(chain ResolverChain) (Action, error) {
	args, err := chain.Resolve(t.Parameters)
	if err != nil {
		return nil, err
	}
	return t.New(args)
}

// check rejects contract violations: a template without type or constructor,
// an input without name or kind, duplicate parameter names, unknown sources.
func (t Template) check() error {
	if t.Type == "" {
		return schema.NewError(schema.ErrCodeValidation, "action template type is empty")
	}
	if t.New == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "action %q has no constructor", t.Type)
	}

	seen := make(map[string]bool, len(t.Parameters))
	for i, p := range t.Parameters {
		switch p.Source {
		case SourceInput:
			if p.Name == "" {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"action %q: input parameter %d has no name", t.Type, i)
			}
			if p.Kind == "" {
				p.Kind = KindAny
			}
			if !p.Kind.valid() {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"action %q: input %q has unknown kind %q", t.Type, p.Name, p.Kind)
			}
		case SourceTarget, SourceLogger, SourceInputs, SourceFinally, SourceLocks, SourceContext:
			if p.Name == "" {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"action %q: %s parameter %d has no name", t.Type, p.Source, i)
			}
		default:
			return schema.NewErrorf(schema.ErrCodeValidation,
				"action %q: parameter %q has unknown source %q", t.Type, p.Name, p.Source)
		}
		if seen[p.Name] {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"action %q: duplicate parameter %q", t.Type, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// TemplateInfo is a summary of a registered action kind for listing.
type TemplateInfo struct {
	Type          string                `json:"type"`
	Description   string                `json:"description,omitempty"`
	ExpectsTarget bool                  `json:"expects_target"`
	Inputs        []ParameterDescriptor `json:"inputs,omitempty"`
}
