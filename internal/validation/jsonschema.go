package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/chutney/pkg/schema"
)

const scenarioSchemaURL = "https://chutney.dev/schemas/scenario.json"

// scenarioSchemaJSON is the JSON Schema of a scenario document.
const scenarioSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://chutney.dev/schemas/scenario.json",
  "type": "object",
  "required": ["title", "steps"],
  "properties": {
    "id": { "type": "string" },
    "title": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "context": { "type": "object" },
    "targets": {
      "type": "array",
      "items": { "$ref": "#/$defs/target" }
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
    },
    "agent": {
      "type": "object",
      "required": ["name", "host", "port"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "host": { "type": "string", "minLength": 1 },
        "port": { "type": "integer", "minimum": 1, "maximum": 65535 }
      },
      "additionalProperties": false
    },
    "target": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "url": { "type": "string" },
        "properties": { "type": "object", "additionalProperties": { "type": "string" } },
        "agents": { "type": "array", "items": { "$ref": "#/$defs/agent" } }
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "id": { "type": "string" },
        "name": { "type": "string", "minLength": 1 },
        "type": { "type": "string" },
        "target": { "type": "string" },
        "inputs": { "type": "object" },
        "outputs": { "type": "object", "additionalProperties": { "type": "string" } },
        "validations": { "type": "object", "additionalProperties": { "type": "string" } },
        "strategy": { "$ref": "#/$defs/strategy" },
        "steps": { "type": "array", "items": { "$ref": "#/$defs/step" } }
      },
      "additionalProperties": false
    },
    "strategy": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": { "type": "string", "enum": ["default", "retry", "soft-assert"] },
        "retry": {
          "type": "object",
          "required": ["max"],
          "properties": {
            "max": { "type": "integer", "minimum": 0 },
            "backoff": { "type": "string", "enum": ["none", "constant", "linear", "exponential"] },
            "delay": { "$ref": "#/$defs/duration" },
            "max_delay": { "$ref": "#/$defs/duration" }
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates scenario documents and arbitrary values
// against JSON Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	scenarioSchema *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the scenario schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(scenarioSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal scenario schema: %w", err)
	}
	if err := c.AddResource(scenarioSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add scenario schema resource: %w", err)
	}
	compiled, err := c.Compile(scenarioSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile scenario schema: %w", err)
	}

	return &JSONSchemaValidator{
		scenarioSchema: compiled,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateScenario checks the structure of a scenario document.
func (v *JSONSchemaValidator) ValidateScenario(scenario *schema.Scenario) error {
	if scenario == nil {
		return schema.NewError(schema.ErrCodeValidation, "scenario is nil")
	}
	doc, err := toJSONValue(scenario)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize scenario").WithCause(err)
	}
	if err := v.scenarioSchema.Validate(doc); err != nil {
		return toSchemaError(err)
	}
	return nil
}

// ValidateValue validates any JSON-like value against a schema given as raw JSON.
// Compiled schemas are cached by their text.
func (v *JSONSchemaValidator) ValidateValue(value any, rawSchema []byte) error {
	if len(rawSchema) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(rawSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid json schema").WithCause(err)
	}

	doc, err := toJSONValue(value)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize value").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toSchemaError(err)
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(rawSchema []byte) (*jsonschema.Schema, error) {
	key := string(rawSchema)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// A fresh compiler per schema: resource URLs never collide.
	url := fmt.Sprintf("chutney://value-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON so numbers become json.Number.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func toSchemaError(err error) *schema.Error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
			WithDetails(map[string]any{"violations": violations})
	}
}

// collectViolations walks a ValidationError tree and collects leaf messages
// prefixed with their instance location.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
