package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/chutney/internal/actions"
	"github.com/rendis/chutney/internal/eventbus"
	"github.com/rendis/chutney/internal/expressions"
	"github.com/rendis/chutney/internal/locks"
	"github.com/rendis/chutney/internal/logging"
	"github.com/rendis/chutney/pkg/schema"
)

// recorder collects the names of the steps whose action ran, in order.
type recorder struct {
	mu    sync.Mutex
	names []string
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

type harness struct {
	engine  *Engine
	bus     *eventbus.MemoryBus
	rec     *recorder
	flaky   map[string]int
	gates   map[string]chan struct{}
	started chan string
	mu      sync.Mutex
}

func newHarness(t *testing.T, opts ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		bus:     eventbus.NewMemoryBus(64),
		rec:     &recorder{},
		flaky:   map[string]int{},
		gates:   map[string]chan struct{}{},
		started: make(chan string, 16),
	}

	reg := actions.NewRegistry()
	for _, tmpl := range actions.Builtins(actions.BuiltinDeps{Expr: expressions.NewExprEngine()}) {
		require.NoError(t, reg.Register(tmpl))
	}
	require.NoError(t, reg.Register(h.recordTemplate()))
	require.NoError(t, reg.Register(h.flakyTemplate()))
	require.NoError(t, reg.Register(h.gateTemplate()))
	require.NoError(t, reg.Register(actions.Template{
		Type: "panic",
		New: func(actions.Args) (actions.Action, error) {
			return actions.ActionFunc(func(context.Context) actions.Result { panic("kaboom") }), nil
		},
	}))

	o := Options{
		Bus:          h.bus,
		Delegator:    LocalOnly(NewLocalStepExecutor(reg, "local")),
		Locks:        locks.NewSupervisor(time.Millisecond),
		Logger:       logging.Discard(),
		PollInterval: 5 * time.Millisecond,
	}
	for _, fn := range opts {
		fn(&o)
	}
	e, err := NewEngine(o)
	require.NoError(t, err)
	h.engine = e
	return h
}

// record succeeds unless its "fail" input is true.
func (h *harness) recordTemplate() actions.Template {
	return actions.Template{
		Type: "record",
		Parameters: []actions.ParameterDescriptor{
			actions.Input("name", actions.KindString),
			actions.OptionalInput("fail", actions.KindBool, false),
		},
		New: func(args actions.Args) (actions.Action, error) {
			name, fail := args.String("name"), args.Bool("fail")
			return actions.ActionFunc(func(context.Context) actions.Result {
				h.rec.add(name)
				if fail {
					return actions.Ko(name + " failed")
				}
				return actions.Ok(map[string]any{"last": name})
			}), nil
		},
	}
}

// flaky fails until it has been called "succeed_on" times.
func (h *harness) flakyTemplate() actions.Template {
	return actions.Template{
		Type: "flaky",
		Parameters: []actions.ParameterDescriptor{
			actions.Input("name", actions.KindString),
			actions.Input("succeed_on", actions.KindInt),
		},
		New: func(args actions.Args) (actions.Action, error) {
			name, succeedOn := args.String("name"), args.Int("succeed_on")
			return actions.ActionFunc(func(context.Context) actions.Result {
				h.mu.Lock()
				h.flaky[name]++
				n := h.flaky[name]
				h.mu.Unlock()
				if n < succeedOn {
					return actions.Ko("not yet")
				}
				return actions.Ok(nil)
			}), nil
		},
	}
}

// gate blocks until the test releases the gate of the same name.
func (h *harness) gateTemplate() actions.Template {
	return actions.Template{
		Type:       "gate",
		Parameters: []actions.ParameterDescriptor{actions.Input("name", actions.KindString)},
		New: func(args actions.Args) (actions.Action, error) {
			name := args.String("name")
			gate := h.gate(name)
			return actions.ActionFunc(func(ctx context.Context) actions.Result {
				h.rec.add(name)
				h.started <- name
				select {
				case <-gate:
					return actions.Ok(nil)
				case <-ctx.Done():
					return actions.Ko("cancelled")
				}
			}), nil
		},
	}
}

func (h *harness) gate(name string) chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.gates[name]
	if !ok {
		g = make(chan struct{})
		h.gates[name] = g
	}
	return g
}

func (h *harness) run(t *testing.T, sc *schema.Scenario) *schema.ExecutionReport {
	t.Helper()
	x, err := h.engine.NewExecution(sc)
	require.NoError(t, err)
	return h.engine.Run(context.Background(), x)
}

func (h *harness) command(t *testing.T, id int64, eventType string) {
	t.Helper()
	require.NoError(t, h.bus.Publish(context.Background(), eventbus.Event{Type: eventType, ExecutionID: id}))
}

func (h *harness) waitStarted(t *testing.T, name string) {
	t.Helper()
	select {
	case got := <-h.started:
		require.Equal(t, name, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("step %q never started", name)
	}
}

func record(name string) schema.StepDefinition {
	return schema.StepDefinition{Name: name, Type: "record", Inputs: map[string]any{"name": name}}
}

func recordFail(name string) schema.StepDefinition {
	return schema.StepDefinition{Name: name, Type: "record", Inputs: map[string]any{"name": name, "fail": true}}
}

func gateStep(name string) schema.StepDefinition {
	return schema.StepDefinition{Name: name, Type: "gate", Inputs: map[string]any{"name": name}}
}

func statuses(r schema.StepReport) map[string]schema.Status {
	out := map[string]schema.Status{}
	r.Walk(func(s schema.StepReport) { out[s.Name] = s.Status })
	return out
}
