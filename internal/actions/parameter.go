package actions

// Source tells where the value of a declared parameter comes from.
type Source string

const (
	SourceInput   Source = "input"   // one named logical input of the step
	SourceTarget  Source = "target"  // the step target
	SourceLogger  Source = "logger"  // a logger scoped to the step
	SourceInputs  Source = "inputs"  // the whole raw input map
	SourceFinally Source = "finally" // the finally-action registrar
	SourceLocks   Source = "locks"   // the consumer lock supervisor
	SourceContext Source = "context" // the read-only scenario context
)

// Kind is the semantic type an input is converted to.
type Kind string

const (
	KindAny        Kind = "any"
	KindString     Kind = "string"
	KindInt        Kind = "int"
	KindFloat      Kind = "float"
	KindBool       Kind = "bool"
	KindDuration   Kind = "duration"
	KindMap        Kind = "map"
	KindList       Kind = "list"
	KindStringMap  Kind = "string_map"
	KindStringList Kind = "string_list"
)

func (k Kind) valid() bool {
	switch k {
	case KindAny, KindString, KindInt, KindFloat, KindBool, KindDuration,
		KindMap, KindList, KindStringMap, KindStringList:
		return true
	}
	return false
}

// ParameterDescriptor declares one constructor parameter of an action kind.
type ParameterDescriptor struct {
	Name     string `json:"name"`
	Kind     Kind   `json:"kind,omitempty"`
	Source   Source `json:"source"`
	Optional bool   `json:"optional,omitempty"`
	Default  any    `json:"default,omitempty"`
}

// Input declares a required named input.
func Input(name string, kind Kind) ParameterDescriptor {
	return ParameterDescriptor{Name: name, Kind: kind, Source: SourceInput}
}

// OptionalInput declares a named input falling back to def when absent.
func OptionalInput(name string, kind Kind, def any) ParameterDescriptor {
	return ParameterDescriptor{Name: name, Kind: kind, Source: SourceInput, Optional: true, Default: def}
}

// Injected declares a parameter filled from a special source.
func Injected(source Source) ParameterDescriptor {
	return ParameterDescriptor{Name: string(source), Source: source}
}

// OptionalInjected declares an injectable parameter that may be absent, such as
// the target of an action runnable with or without one.
func OptionalInjected(source Source) ParameterDescriptor {
	return ParameterDescriptor{Name: string(source), Source: source, Optional: true}
}
