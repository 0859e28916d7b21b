package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/chutney/internal/expressions"
	"github.com/rendis/chutney/internal/validation"
	"github.com/rendis/chutney/pkg/schema"
)

// BuiltinDeps are the engines the built-in actions evaluate with.
type BuiltinDeps struct {
	Expr    *expressions.ExprEngine
	CEL     *expressions.CELEngine
	JQ      *expressions.GoJQEngine
	Schemas *validation.JSONSchemaValidator
}

// BuiltinLoader serves the built-in action kinds.
func BuiltinLoader(deps BuiltinDeps) Loader {
	return StaticLoader{LoaderName: "builtin", Templates: Builtins(deps)}
}

// Builtins returns the templates of every built-in action kind.
func Builtins(deps BuiltinDeps) []Template {
	templates := []Template{
		successTemplate(),
		failTemplate(),
		debugTemplate(),
		sleepTemplate(),
		contextPutTemplate(),
		finalTemplate(),
		lockTemplate(),
		unlockTemplate(),
	}
	if deps.Expr != nil {
		templates = append(templates, computeTemplate(deps.Expr))
	}
	if deps.CEL != nil {
		templates = append(templates, assertTemplate(deps.CEL))
	}
	if deps.JQ != nil {
		templates = append(templates, jsonTransformTemplate(deps.JQ))
	}
	if deps.Schemas != nil {
		templates = append(templates, jsonValidationTemplate(deps.Schemas))
	}
	return templates
}

// ActionFunc adapts a function to the Action interface.
type ActionFunc func(ctx context.Context) Result

func (f ActionFunc) Execute(ctx context.Context) Result { return f(ctx) }

// --- success / fail ---

func successTemplate() Template {
	return Template{
		Type:        "success",
		Description: "Always succeeds",
		New: func(Args) (Action, error) {
			return ActionFunc(func(context.Context) Result { return Ok(nil) }), nil
		},
	}
}

func failTemplate() Template {
	return Template{
		Type:        "fail",
		Description: "Always fails with the given message",
		Parameters:  []ParameterDescriptor{OptionalInput("message", KindString, "step failed")},
		New: func(args Args) (Action, error) {
			msg := args.String("message")
			return ActionFunc(func(context.Context) Result { return Ko(msg) }), nil
		},
	}
}

// --- debug ---

func debugTemplate() Template {
	return Template{
		Type:        "debug",
		Description: "Logs every input of the step",
		Parameters:  []ParameterDescriptor{Injected(SourceLogger), Injected(SourceInputs)},
		New: func(args Args) (Action, error) {
			logger, inputs := args.Logger(), args.Inputs()
			return ActionFunc(func(ctx context.Context) Result {
				keys := make([]string, 0, len(inputs))
				for k := range inputs {
					keys = append(keys, k)
				}
				sort.Strings(keys)

				info := make([]string, 0, len(keys))
				for _, k := range keys {
					logger.InfoContext(ctx, "debug input", slog.String("name", k), slog.Any("value", inputs[k]))
					info = append(info, fmt.Sprintf("%s = %v", k, inputs[k]))
				}
				return Ok(nil, info...)
			}), nil
		},
	}
}

// --- sleep ---

type sleepAction struct {
	duration time.Duration
}

func sleepTemplate() Template {
	return Template{
		Type:        "sleep",
		Description: "Waits for the given duration",
		Parameters:  []ParameterDescriptor{Input("duration", KindDuration)},
		New: func(args Args) (Action, error) {
			return &sleepAction{duration: args.Duration("duration")}, nil
		},
	}
}

func (a *sleepAction) Validate() []string {
	if a.duration < 0 {
		return []string{fmt.Sprintf("duration must not be negative, got %s", a.duration)}
	}
	return nil
}

func (a *sleepAction) Execute(ctx context.Context) Result {
	select {
	case <-time.After(a.duration):
		return Ok(nil, fmt.Sprintf("slept %s", a.duration))
	case <-ctx.Done():
		return Ko(fmt.Sprintf("sleep interrupted: %s", ctx.Err()))
	}
}

// --- context-put ---

func contextPutTemplate() Template {
	return Template{
		Type:        "context-put",
		Description: "Publishes its entries as outputs",
		Parameters:  []ParameterDescriptor{Input("entries", KindMap)},
		New: func(args Args) (Action, error) {
			entries := args.Map("entries")
			return ActionFunc(func(context.Context) Result {
				out := make(map[string]any, len(entries))
				for k, v := range entries {
					out[k] = v
				}
				return Ok(out)
			}), nil
		},
	}
}

// --- compute ---

func computeTemplate(engine *expressions.ExprEngine) Template {
	return Template{
		Type:        "compute",
		Description: "Evaluates an expr expression against the scenario context",
		Parameters: []ParameterDescriptor{
			Input("expression", KindString),
			OptionalInput("output", KindString, "result"),
			Injected(SourceContext),
		},
		New: func(args Args) (Action, error) {
			expression, output, scenarioCtx := args.String("expression"), args.String("output"), args.Context()
			return ActionFunc(func(ctx context.Context) Result {
				v, err := engine.Evaluate(ctx, expression, scenarioCtx)
				if err != nil {
					return Ko(err.Error())
				}
				return Ok(map[string]any{output: v})
			}), nil
		},
	}
}

// --- assert ---

type assertAction struct {
	engine  *expressions.CELEngine
	asserts []string
	data    map[string]any
}

func assertTemplate(engine *expressions.CELEngine) Template {
	return Template{
		Type:        "assert",
		Description: "Checks CEL assertions against the scenario context",
		Parameters: []ParameterDescriptor{
			Input("asserts", KindStringList),
			Injected(SourceContext),
		},
		New: func(args Args) (Action, error) {
			return &assertAction{
				engine:  engine,
				asserts: args.StringList("asserts"),
				data:    map[string]any{"context": args.Context()},
			}, nil
		},
	}
}

func (a *assertAction) Validate() []string {
	if len(a.asserts) == 0 {
		return []string{"at least one assertion is required"}
	}
	return nil
}

func (a *assertAction) Execute(ctx context.Context) Result {
	var failures, info []string
	for _, expression := range a.asserts {
		ok, err := a.engine.EvaluateBool(ctx, expression, a.data)
		switch {
		case err != nil:
			failures = append(failures, err.Error())
		case !ok:
			failures = append(failures, fmt.Sprintf("assertion %q is false", expression))
		default:
			info = append(info, fmt.Sprintf("assertion %q is true", expression))
		}
	}
	if len(failures) > 0 {
		r := Ko(failures...)
		r.Information = info
		return r
	}
	return Ok(nil, info...)
}

// --- json-transform ---

func jsonTransformTemplate(engine *expressions.GoJQEngine) Template {
	return Template{
		Type:        "json-transform",
		Description: "Runs a jq query on a document",
		Parameters: []ParameterDescriptor{
			Input("document", KindAny),
			Input("query", KindString),
			OptionalInput("output", KindString, "result"),
		},
		New: func(args Args) (Action, error) {
			doc, err := decodeDocument(args.Value("document"))
			if err != nil {
				return nil, err
			}
			query, output := args.String("query"), args.String("output")
			return ActionFunc(func(ctx context.Context) Result {
				v, err := engine.EvaluateValue(ctx, query, doc)
				if err != nil {
					return Ko(err.Error())
				}
				return Ok(map[string]any{output: v})
			}), nil
		},
	}
}

// --- json-validation ---

func jsonValidationTemplate(validator *validation.JSONSchemaValidator) Template {
	return Template{
		Type:        "json-validation",
		Description: "Validates a document against a JSON schema",
		Parameters: []ParameterDescriptor{
			Input("document", KindAny),
			Input("schema", KindAny),
		},
		New: func(args Args) (Action, error) {
			doc, err := decodeDocument(args.Value("document"))
			if err != nil {
				return nil, err
			}
			rawSchema, err := schemaBytes(args.Value("schema"))
			if err != nil {
				return nil, err
			}
			return ActionFunc(func(context.Context) Result {
				if err := validator.ValidateValue(doc, rawSchema); err != nil {
					var se *schema.Error
					if errors.As(err, &se) {
						if violations, ok := se.Details["violations"].([]string); ok {
							return Ko(violations...)
						}
					}
					return Ko(err.Error())
				}
				return Ok(nil, "document is valid")
			}), nil
		},
	}
}

// decodeDocument accepts a JSON string or an already decoded value.
func decodeDocument(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	var doc any
	if err := json.Unmarshal([]byte(s), &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "document is not valid JSON").WithCause(err)
	}
	return doc, nil
}

func schemaBytes(v any) ([]byte, error) {
	if s, ok := v.(string); ok {
		return []byte(s), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "schema is not serializable").WithCause(err)
	}
	return b, nil
}

// --- final ---

type finalAction struct {
	registrar FinallyRegistrar
	action    schema.FinallyAction
}

func finalTemplate() Template {
	return Template{
		Type:        "final",
		Description: "Registers a finally action run after the scenario",
		Parameters: []ParameterDescriptor{
			Input("type", KindString),
			OptionalInput("name", KindString, ""),
			OptionalInput("identifier", KindString, ""),
			OptionalInput("inputs", KindMap, nil),
			OptionalInjected(SourceTarget),
			Injected(SourceFinally),
		},
		New: func(args Args) (Action, error) {
			fa := schema.FinallyAction{
				Identifier: args.String("identifier"),
				Type:       args.String("type"),
				Name:       args.String("name"),
				Target:     args.Target(),
				Inputs:     args.Map("inputs"),
			}
			if fa.Name == "" {
				fa.Name = fa.Type
			}
			return &finalAction{registrar: args.Finally(), action: fa}, nil
		},
	}
}

func (a *finalAction) Validate() []string {
	if a.action.Type == "" {
		return []string{"finally action type is empty"}
	}
	return nil
}

func (a *finalAction) Execute(context.Context) Result {
	a.registrar.Register(a.action)
	return Ok(nil, fmt.Sprintf("finally action %q registered", a.action.Name))
}

// --- lock / unlock ---

type lockAction struct {
	locks     LockSupervisor
	registrar FinallyRegistrar
	name      string
	owner     string
	timeout   time.Duration
}

func lockTemplate() Template {
	return Template{
		Type:        "lock",
		Description: "Acquires a named consumer lock, released after the scenario",
		Parameters: []ParameterDescriptor{
			Input("name", KindString),
			OptionalInput("owner", KindString, ""),
			OptionalInput("timeout", KindDuration, "5s"),
			Injected(SourceLocks),
			Injected(SourceFinally),
		},
		New: func(args Args) (Action, error) {
			owner := args.String("owner")
			if owner == "" {
				owner = uuid.NewString()
			}
			return &lockAction{
				locks:     args.Locks(),
				registrar: args.Finally(),
				name:      args.String("name"),
				owner:     owner,
				timeout:   args.Duration("timeout"),
			}, nil
		},
	}
}

func (a *lockAction) Validate() []string {
	var problems []string
	if a.name == "" {
		problems = append(problems, "lock name is empty")
	}
	if a.timeout <= 0 {
		problems = append(problems, "lock timeout must be positive")
	}
	return problems
}

func (a *lockAction) Execute(ctx context.Context) Result {
	if err := a.locks.WaitUntilAvailable(ctx, a.name, a.owner, a.timeout); err != nil {
		return Ko(err.Error())
	}
	a.registrar.Register(schema.FinallyAction{
		Identifier: "unlock-" + a.name,
		Type:       "unlock",
		Name:       "release " + a.name,
		Inputs:     map[string]any{"name": a.name, "owner": a.owner},
	})
	return Ok(map[string]any{"lock_owner": a.owner}, fmt.Sprintf("lock %q acquired", a.name))
}

func unlockTemplate() Template {
	return Template{
		Type:        "unlock",
		Description: "Releases a named consumer lock",
		Parameters: []ParameterDescriptor{
			Input("name", KindString),
			Input("owner", KindString),
			Injected(SourceLocks),
		},
		New: func(args Args) (Action, error) {
			locks, name, owner := args.Locks(), args.String("name"), args.String("owner")
			return ActionFunc(func(context.Context) Result {
				if !locks.Unlock(name, owner) {
					return Ko(fmt.Sprintf("lock %q is not held by %q", name, owner))
				}
				return Ok(nil, fmt.Sprintf("lock %q released", name))
			}), nil
		},
	}
}
