package actions

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chutney/pkg/schema"
)

type recordingRegistrar struct {
	actions []schema.FinallyAction
}

func (r *recordingRegistrar) Register(a schema.FinallyAction) { r.actions = append(r.actions, a) }

type fakeLocks struct {
	held map[string]string
}

func newFakeLocks() *fakeLocks { return &fakeLocks{held: map[string]string{}} }

func (l *fakeLocks) Lock(name, owner string) bool {
	if h, ok := l.held[name]; ok && h != owner {
		return false
	}
	l.held[name] = owner
	return true
}

func (l *fakeLocks) Unlock(name, owner string) bool {
	if l.held[name] != owner {
		return false
	}
	delete(l.held, name)
	return true
}

func (l *fakeLocks) WaitUntilAvailable(_ context.Context, name, owner string, _ time.Duration) error {
	if !l.Lock(name, owner) {
		return schema.NewErrorf(schema.ErrCodeLockTimeout, "lock %q busy", name)
	}
	return nil
}

func testEnv() Env {
	return Env{
		Logger:  slog.New(slog.DiscardHandler),
		Finally: &recordingRegistrar{},
		Locks:   newFakeLocks(),
		Context: map[string]any{"user": "ana"},
	}
}

func TestResolverChain_Injectables(t *testing.T) {
	target := &schema.Target{Name: "api", URL: "http://api"}
	call := &schema.StepCall{Name: "s", Type: "x", Target: target, Inputs: map[string]any{"n": "3"}}
	env := testEnv()

	args, err := NewResolverChain(call, env).Resolve([]ParameterDescriptor{
		Injected(SourceTarget),
		Injected(SourceLogger),
		Injected(SourceInputs),
		Injected(SourceFinally),
		Injected(SourceLocks),
		Injected(SourceContext),
		Input("n", KindInt),
	})
	require.NoError(t, err)

	assert.Same(t, target, args.Target())
	assert.NotNil(t, args.Logger())
	assert.Equal(t, call.Inputs, args.Inputs())
	assert.Same(t, env.Finally, args.Finally())
	assert.Same(t, env.Locks, args.Locks())
	assert.Equal(t, "ana", args.Context()["user"])
	assert.Equal(t, 3, args.Int("n"))
}

func TestResolverChain_MissingTarget(t *testing.T) {
	call := &schema.StepCall{Name: "s", Type: "x"}
	chain := NewResolverChain(call, testEnv())

	_, err := chain.Resolve([]ParameterDescriptor{Injected(SourceTarget)})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeUnresolvedParameter))

	args, err := chain.Resolve([]ParameterDescriptor{OptionalInjected(SourceTarget)})
	require.NoError(t, err)
	assert.Nil(t, args.Target())
}

func TestResolverChain_InputBeforeDefault(t *testing.T) {
	call := &schema.StepCall{Inputs: map[string]any{"given": "x"}}
	args, err := NewResolverChain(call, testEnv()).Resolve([]ParameterDescriptor{
		OptionalInput("given", KindString, "default"),
		OptionalInput("absent", KindString, "default"),
		OptionalInput("timeout", KindDuration, "2s"),
	})
	require.NoError(t, err)
	assert.Equal(t, "x", args.String("given"))
	assert.Equal(t, "default", args.String("absent"))
	assert.Equal(t, 2*time.Second, args.Duration("timeout"))
}

func TestResolverChain_MissingRequiredInput(t *testing.T) {
	call := &schema.StepCall{Inputs: map[string]any{"other": 1}}
	_, err := NewResolverChain(call, testEnv()).Resolve([]ParameterDescriptor{Input("uri", KindString)})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeUnresolvedParameter))
}

func TestConvert(t *testing.T) {
	tests := []struct {
		kind Kind
		raw  any
		want any
	}{
		{KindString, 12, "12"},
		{KindInt, "42", 42},
		{KindFloat, "1.5", 1.5},
		{KindBool, "true", true},
		{KindDuration, "150ms", 150 * time.Millisecond},
		{KindStringList, []any{"a", "b"}, []string{"a", "b"}},
		{KindStringMap, map[string]any{"a": 1}, map[string]string{"a": "1"}},
		{KindAny, []int{1}, []int{1}},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			got, err := Convert(Input("v", tt.kind), tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConvert_Failure(t *testing.T) {
	_, err := Convert(Input("port", KindInt), "eighty")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}
