package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chutney/pkg/schema"
)

type stubLookup map[string]bool

func (s stubLookup) Has(t string) bool { return s[t] }

func newValidator(t *testing.T) *ScenarioValidator {
	t.Helper()
	jsv, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return NewScenarioValidator(jsv, stubLookup{"success": true, "fail": true})
}

func TestValidate_ValidScenario(t *testing.T) {
	v := newValidator(t)
	scenario := &schema.Scenario{
		Title:   "smoke",
		Targets: []schema.Target{{Name: "db", Agents: []schema.NamedHostAndPort{{Name: "B", Host: "b", Port: 8081}}}},
		Steps: []schema.StepDefinition{
			{Name: "ping", Type: "success", Target: "db"},
			{Name: "group", Steps: []schema.StepDefinition{
				{Name: "retry me", Type: "fail", Strategy: &schema.Strategy{
					Type:  schema.StrategyRetry,
					Retry: &schema.RetryPolicy{Max: 2, Delay: "10ms", Backoff: "exponential"},
				}},
			}},
		},
	}

	result := v.Validate(scenario)
	assert.True(t, result.Valid(), "%+v", result.Errors)
	assert.NoError(t, result.ToError())
}

func TestValidate_Structural(t *testing.T) {
	v := newValidator(t)

	result := v.Validate(&schema.Scenario{Title: "empty"})
	assert.False(t, result.Valid())

	result = v.Validate(&schema.Scenario{Title: "bad strategy", Steps: []schema.StepDefinition{
		{Name: "s", Type: "success", Strategy: &schema.Strategy{Type: "loop"}},
	}})
	assert.False(t, result.Valid())

	result = v.Validate(nil)
	assert.False(t, result.Valid())
}

func TestValidate_Semantic(t *testing.T) {
	v := newValidator(t)
	scenario := &schema.Scenario{
		Title: "broken",
		Steps: []schema.StepDefinition{
			{ID: "x", Name: "unknown", Type: "teleport"},
			{ID: "x", Name: "dup", Type: "success", Target: "nowhere"},
			{Name: "empty"},
			{Name: "no policy", Type: "success", Strategy: &schema.Strategy{Type: schema.StrategyRetry}},
		},
	}

	result := v.Validate(scenario)
	require.Len(t, result.Errors, 5)

	var paths []string
	for _, issue := range result.Errors {
		paths = append(paths, issue.Path)
	}
	assert.ElementsMatch(t, []string{
		"steps[0].type", "steps[1].id", "steps[1].target", "steps[2]", "steps[3].strategy",
	}, paths)
}

func TestValidate_Warnings(t *testing.T) {
	v := newValidator(t)
	scenario := &schema.Scenario{
		Title: "warn",
		Steps: []schema.StepDefinition{
			{Name: "soft", Type: "success", Strategy: &schema.Strategy{
				Type: schema.StrategySoftAssert, Retry: &schema.RetryPolicy{Max: 1},
			}},
			{Name: "parent", Type: "success", Steps: []schema.StepDefinition{{Name: "child", Type: "success"}}},
		},
	}

	result := v.Validate(scenario)
	assert.True(t, result.Valid())
	assert.Len(t, result.Warnings, 2)
}

func TestValidateValue(t *testing.T) {
	jsv, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	raw := []byte(`{"type":"object","required":["id"],"properties":{"id":{"type":"integer"}}}`)
	require.NoError(t, jsv.ValidateValue(map[string]any{"id": 3}, raw))

	err = jsv.ValidateValue(map[string]any{"id": "three"}, raw)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	require.NoError(t, jsv.ValidateValue(map[string]any{"id": 4}, raw))
	assert.Len(t, jsv.cache, 1)

	assert.NoError(t, jsv.ValidateValue("anything", nil))
	assert.Error(t, jsv.ValidateValue("x", []byte(`{not json`)))
}
