package actions

import (
	"log/slog"
	"time"

	"github.com/rendis/chutney/pkg/schema"
)

// Args holds the resolved constructor arguments of an action, keyed by parameter name.
// Getters return the zero value when the parameter is absent or of another type.
type Args struct {
	values map[string]any
}

// NewArgs wraps already resolved values.
func NewArgs(values map[string]any) Args {
	return Args{values: values}
}

// Value returns the raw resolved value.
func (a Args) Value(name string) any { return a.values[name] }

// Has reports whether name resolved to a non-nil value.
func (a Args) Has(name string) bool { return a.values[name] != nil }

func (a Args) String(name string) string {
	v, _ := a.values[name].(string)
	return v
}

func (a Args) Int(name string) int {
	v, _ := a.values[name].(int)
	return v
}

func (a Args) Float(name string) float64 {
	v, _ := a.values[name].(float64)
	return v
}

func (a Args) Bool(name string) bool {
	v, _ := a.values[name].(bool)
	return v
}

func (a Args) Duration(name string) time.Duration {
	v, _ := a.values[name].(time.Duration)
	return v
}

func (a Args) Map(name string) map[string]any {
	v, _ := a.values[name].(map[string]any)
	return v
}

func (a Args) List(name string) []any {
	v, _ := a.values[name].([]any)
	return v
}

func (a Args) StringMap(name string) map[string]string {
	v, _ := a.values[name].(map[string]string)
	return v
}

func (a Args) StringList(name string) []string {
	v, _ := a.values[name].([]string)
	return v
}

// Target returns the injected step target, or nil.
func (a Args) Target() *schema.Target {
	v, _ := a.values[string(SourceTarget)].(*schema.Target)
	return v
}

// Logger returns the injected step logger, or the default logger.
func (a Args) Logger() *slog.Logger {
	if v, ok := a.values[string(SourceLogger)].(*slog.Logger); ok {
		return v
	}
	return slog.Default()
}

// Inputs returns the injected raw input map.
func (a Args) Inputs() map[string]any {
	v, _ := a.values[string(SourceInputs)].(map[string]any)
	return v
}

// Finally returns the injected finally-action registrar, or nil.
func (a Args) Finally() FinallyRegistrar {
	v, _ := a.values[string(SourceFinally)].(FinallyRegistrar)
	return v
}

// Locks returns the injected lock supervisor, or nil.
func (a Args) Locks() LockSupervisor {
	v, _ := a.values[string(SourceLocks)].(LockSupervisor)
	return v
}

// Context returns the injected scenario context.
func (a Args) Context() map[string]any {
	v, _ := a.values[string(SourceContext)].(map[string]any)
	return v
}
