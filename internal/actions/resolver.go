package actions

import (
	"log/slog"

	"github.com/spf13/cast"

	"github.com/rendis/chutney/pkg/schema"
)

// ParameterResolver produces the value of a declared parameter.
type ParameterResolver interface {
	CanResolve(desc ParameterDescriptor) bool
	Resolve(desc ParameterDescriptor) (any, error)
}

// ResolverChain tries its resolvers in order. The first resolver able to
// resolve a parameter wins.
type ResolverChain []ParameterResolver

// NewResolverChain builds the chain for one step call. Special sources come
// first, then named inputs, then the defaults of optional parameters.
func NewResolverChain(call *schema.StepCall, env Env) ResolverChain {
	logger := env.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("step", call.Name), slog.String("action", call.Type))

	inputs := call.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	scenarioCtx := env.Context
	if scenarioCtx == nil {
		scenarioCtx = map[string]any{}
	}

	return ResolverChain{
		injectable(SourceTarget, call.Target, !call.Target.IsEmpty()),
		injectable(SourceLogger, logger, true),
		injectable(SourceInputs, inputs, true),
		injectable(SourceFinally, env.Finally, env.Finally != nil),
		injectable(SourceLocks, env.Locks, env.Locks != nil),
		injectable(SourceContext, scenarioCtx, true),
		&InputResolver{Inputs: inputs},
		DefaultResolver{},
	}
}

// Resolve produces the arguments for params. A parameter no resolver can
// satisfy yields an UNRESOLVED_PARAMETER error.
func (c ResolverChain) Resolve(params []ParameterDescriptor) (Args, error) {
	args := Args{values: make(map[string]any, len(params))}
	for _, desc := range params {
		resolved := false
		for _, r := range c {
			if !r.CanResolve(desc) {
				continue
			}
			v, err := r.Resolve(desc)
			if err != nil {
				return Args{}, err
			}
			args.values[desc.Name] = v
			resolved = true
			break
		}
		if !resolved {
			return Args{}, schema.NewErrorf(schema.ErrCodeUnresolvedParameter,
				"cannot resolve parameter %q from %s", desc.Name, desc.Source).
				WithDetails(map[string]any{"parameter": desc.Name, "source": string(desc.Source)})
		}
	}
	return args, nil
}

type injectableResolver struct {
	source  Source
	value   any
	present bool
}

func injectable(source Source, value any, present bool) *injectableResolver {
	return &injectableResolver{source: source, value: value, present: present}
}

func (r *injectableResolver) CanResolve(desc ParameterDescriptor) bool {
	return desc.Source == r.source && r.present
}

func (r *injectableResolver) Resolve(ParameterDescriptor) (any, error) {
	return r.value, nil
}

// InputResolver resolves named inputs and converts them to the declared kind.
type InputResolver struct {
	Inputs map[string]any
}

func (r *InputResolver) CanResolve(desc ParameterDescriptor) bool {
	if desc.Source != SourceInput {
		return false
	}
	v, ok := r.Inputs[desc.Name]
	return ok && v != nil
}

func (r *InputResolver) Resolve(desc ParameterDescriptor) (any, error) {
	return Convert(desc, r.Inputs[desc.Name])
}

// DefaultResolver resolves optional parameters to their declared default.
type DefaultResolver struct{}

func (DefaultResolver) CanResolve(desc ParameterDescriptor) bool {
	return desc.Optional
}

func (DefaultResolver) Resolve(desc ParameterDescriptor) (any, error) {
	if desc.Default == nil || desc.Source != SourceInput {
		return desc.Default, nil
	}
	return Convert(desc, desc.Default)
}

// Convert coerces raw to the kind of desc.
func Convert(desc ParameterDescriptor, raw any) (any, error) {
	var (
		v   any
		err error
	)
	switch desc.Kind {
	case KindString:
		v, err = cast.ToStringE(raw)
	case KindInt:
		v, err = cast.ToIntE(raw)
	case KindFloat:
		v, err = cast.ToFloat64E(raw)
	case KindBool:
		v, err = cast.ToBoolE(raw)
	case KindDuration:
		v, err = cast.ToDurationE(raw)
	case KindMap:
		v, err = cast.ToStringMapE(raw)
	case KindList:
		v, err = cast.ToSliceE(raw)
	case KindStringMap:
		v, err = cast.ToStringMapStringE(raw)
	case KindStringList:
		v, err = cast.ToStringSliceE(raw)
	default:
		v = raw
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"input %q: cannot convert %T to %s", desc.Name, raw, desc.Kind).WithCause(err)
	}
	return v, nil
}
