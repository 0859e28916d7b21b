package schema

import (
	"bytes"
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// ParseScenario decodes a scenario document. Documents starting with '{' are
// read as JSON, anything else as YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, NewError(ErrCodeValidation, "scenario document is empty")
	}

	s := &Scenario{}
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, s); err != nil {
			return nil, NewErrorf(ErrCodeValidation, "parse scenario json: %v", err).WithCause(err)
		}
		return s, nil
	}
	if err := yaml.Unmarshal(trimmed, s); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "parse scenario yaml: %v", err).WithCause(err)
	}
	return s, nil
}
