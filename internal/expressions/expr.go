package expressions

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/chutney/pkg/schema"
)

// ExprEngine evaluates expr-lang expressions against the scenario context.
// Keys of the data map are top-level variables. Compiled programs are cached
// and shared across goroutines.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		cache: make(map[string]*vm.Program),
	}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate compiles (or retrieves from cache) the expression and runs it on data.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}

	prg, err := e.getOrCompile(expression, data)
	if err != nil {
		return nil, err
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

// getOrCompile compiles against the shape of data so context keys shadow expr
// builtins of the same name (count, values, len...). The scenario context
// changes between steps, so programs are cached per expression and per set of
// typed keys.
func (e *ExprEngine) getOrCompile(expression string, data map[string]any) (*vm.Program, error) {
	key := cacheKey(expression, data)

	e.mu.RLock()
	if prg, ok := e.cache[key]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[key]; ok {
		return prg, nil
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}
	prg, err := expr.Compile(expression, expr.Env(env), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[key] = prg
	return prg, nil
}

// cacheKey joins the expression with the sorted names and dynamic types of data.
func cacheKey(expression string, data map[string]any) string {
	names := make([]string, 0, len(data))
	for k, v := range data {
		names = append(names, fmt.Sprintf("%s:%T", k, v))
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(expression)
	for _, n := range names {
		b.WriteByte('\x00')
		b.WriteString(n)
	}
	return b.String()
}

var _ Engine = (*ExprEngine)(nil)
