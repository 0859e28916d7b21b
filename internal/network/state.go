package network

import "github.com/rendis/chutney/pkg/schema"

// ConfigurationState tracks the progress of one topology build.
type ConfigurationState string

const (
	StateNotStarted ConfigurationState = "NOT_STARTED"
	StateExploring  ConfigurationState = "EXPLORING"
	StateWrapingUp  ConfigurationState = "WRAPING_UP"
	StateFinished   ConfigurationState = "FINISHED"
)

var validStateTransitions = map[ConfigurationState]ConfigurationState{
	StateNotStarted: StateExploring,
	StateExploring:  StateWrapingUp,
	StateWrapingUp:  StateFinished,
}

// CanChangeTo reports whether next directly follows s.
func (s ConfigurationState) CanChangeTo(next ConfigurationState) bool {
	want, ok := validStateTransitions[s]
	return ok && want == next
}

func invalidStateTransition(from, to ConfigurationState) error {
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid configuration transition: %s -> %s", from, to).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}
