package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chutney/internal/actions"
	"github.com/rendis/chutney/internal/engine"
	"github.com/rendis/chutney/internal/eventbus"
	"github.com/rendis/chutney/internal/expressions"
	"github.com/rendis/chutney/internal/logging"
	"github.com/rendis/chutney/internal/validation"
	"github.com/rendis/chutney/pkg/schema"
)

type memoryReports struct {
	mu      sync.Mutex
	reports map[int64]*schema.ExecutionReport
	fail    bool
}

func (s *memoryReports) SaveReport(_ context.Context, r *schema.ExecutionReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	s.reports[r.ExecutionID] = r
	return nil
}

func (s *memoryReports) GetReport(_ context.Context, id int64) (*schema.ExecutionReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok {
		return nil, notFound(id)
	}
	return r, nil
}

type fixture struct {
	manager *Manager
	reports *memoryReports
	release chan struct{}
	started chan struct{}
}

func newFixture(t *testing.T, poolSize, keep int) *fixture {
	t.Helper()
	f := &fixture{
		reports: &memoryReports{reports: map[int64]*schema.ExecutionReport{}},
		release: make(chan struct{}),
		started: make(chan struct{}, 16),
	}

	reg := actions.NewRegistry()
	for _, tmpl := range actions.Builtins(actions.BuiltinDeps{Expr: expressions.NewExprEngine()}) {
		require.NoError(t, reg.Register(tmpl))
	}
	require.NoError(t, reg.Register(actions.Template{
		Type: "block",
		New: func(actions.Args) (actions.Action, error) {
			return actions.ActionFunc(func(context.Context) actions.Result {
				f.started <- struct{}{}
				<-f.release
				return actions.Ok(nil)
			}), nil
		},
	}))

	bus := eventbus.NewMemoryBus(64)
	eng, err := engine.NewEngine(engine.Options{
		Bus:          bus,
		Delegator:    engine.LocalOnly(engine.NewLocalStepExecutor(reg, "local")),
		Logger:       logging.Discard(),
		PollInterval: 2 * time.Millisecond,
		LastID:       10,
	})
	require.NoError(t, err)

	jsv, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)

	m, err := NewManager(Options{
		Engine:       eng,
		Bus:          bus,
		Validator:    validation.NewScenarioValidator(jsv, reg),
		Store:        f.reports,
		PoolSize:     poolSize,
		KeepFinished: keep,
		Logger:       logging.Discard(),
	})
	require.NoError(t, err)
	f.manager = m
	t.Cleanup(func() {
		select {
		case <-f.release:
		default:
			close(f.release)
		}
		_ = m.Shutdown(context.Background())
	})
	return f
}

func (f *fixture) unblock() {
	close(f.release)
}

func waitStarted(t *testing.T, f *fixture) {
	t.Helper()
	select {
	case <-f.started:
	case <-time.After(2 * time.Second):
		t.Fatal("blocking step never started")
	}
}

func scenario(steps ...schema.StepDefinition) *schema.Scenario {
	return &schema.Scenario{Title: "managed", Steps: steps}
}

func step(id, actionType string) schema.StepDefinition {
	return schema.StepDefinition{ID: id, Name: id, Type: actionType}
}

func TestNewManagerRequiresEngine(t *testing.T) {
	_, err := NewManager(Options{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestRunReturnsFinalReport(t *testing.T) {
	f := newFixture(t, 2, 0)

	report, err := f.manager.Run(context.Background(), scenario(step("a", "success"), step("b", "success")))
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSuccess, report.Status)
	assert.Equal(t, int64(11), report.ExecutionID)

	saved, err := f.reports.GetReport(context.Background(), report.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSuccess, saved.Status)
}

func TestStartRejectsInvalidScenario(t *testing.T) {
	f := newFixture(t, 1, 0)

	_, err := f.manager.Start(context.Background(), scenario(step("a", "nope")))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.Empty(t, f.manager.List())
}

func TestIDsAreMonotonic(t *testing.T) {
	f := newFixture(t, 4, 0)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		id, err := f.manager.Start(ctx, scenario(step("a", "success")))
		require.NoError(t, err)
		assert.Greater(t, id, last)
		last = id
		_, err = f.manager.Wait(ctx, id)
		require.NoError(t, err)
	}
}

func TestStopRunningExecution(t *testing.T) {
	f := newFixture(t, 1, 0)
	ctx := context.Background()

	id, err := f.manager.Start(ctx, scenario(step("a", "block"), step("b", "success")))
	require.NoError(t, err)
	waitStarted(t, f)

	live, err := f.manager.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusRunning, live.Status)

	require.NoError(t, f.manager.Stop(ctx, id))
	f.unblock()

	report, err := f.manager.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusStopped, report.Status)
	assert.Equal(t, schema.StatusSuccess, report.Root.Steps[0].Status)
	assert.Equal(t, schema.StatusStopped, report.Root.Steps[1].Status)

	// Commands to a finished execution are accepted and ignored.
	assert.NoError(t, f.manager.Resume(ctx, id))
}

func TestPauseAndResume(t *testing.T) {
	f := newFixture(t, 1, 0)
	ctx := context.Background()

	id, err := f.manager.Start(ctx, scenario(step("a", "block"), step("b", "success")))
	require.NoError(t, err)
	waitStarted(t, f)

	require.NoError(t, f.manager.Pause(ctx, id))
	f.unblock()

	require.Eventually(t, func() bool {
		r, err := f.manager.Status(ctx, id)
		return err == nil && len(r.Root.Steps) == 2 && r.Root.Steps[1].Status == schema.StatusPaused
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.manager.Resume(ctx, id))
	report, err := f.manager.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSuccess, report.Status)
}

func TestCommandsUnknownExecution(t *testing.T) {
	f := newFixture(t, 1, 0)
	ctx := context.Background()

	for _, cmd := range []func(context.Context, int64) error{f.manager.Pause, f.manager.Resume, f.manager.Stop} {
		err := cmd(ctx, 999)
		assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	}
	_, err := f.manager.Status(ctx, 999)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	_, err = f.manager.Wait(ctx, 999)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestPauseDoesNotBlockOtherExecutions(t *testing.T) {
	f := newFixture(t, 2, 0)
	ctx := context.Background()

	blocked, err := f.manager.Start(ctx, scenario(step("a", "block"), step("b", "success")))
	require.NoError(t, err)
	waitStarted(t, f)
	require.NoError(t, f.manager.Pause(ctx, blocked))
	f.unblock()

	report, err := f.manager.Run(ctx, scenario(step("x", "success")))
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSuccess, report.Status)

	require.NoError(t, f.manager.Stop(ctx, blocked))
	final, err := f.manager.Wait(ctx, blocked)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusStopped, final.Status)
}

func TestEvictedExecutionComesFromStore(t *testing.T) {
	f := newFixture(t, 1, 1)
	ctx := context.Background()

	first, err := f.manager.Run(ctx, scenario(step("a", "success")))
	require.NoError(t, err)
	_, err = f.manager.Run(ctx, scenario(step("a", "fail")))
	require.NoError(t, err)

	list := f.manager.List()
	require.Len(t, list, 1)
	assert.Equal(t, schema.StatusFailure, list[0].Status)

	got, err := f.manager.Status(ctx, first.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSuccess, got.Status)

	err = f.manager.Stop(ctx, first.ExecutionID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestStoreFailureKeepsReportInMemory(t *testing.T) {
	f := newFixture(t, 1, 0)
	f.reports.fail = true

	report, err := f.manager.Run(context.Background(), scenario(step("a", "success")))
	require.NoError(t, err)

	got, err := f.manager.Status(context.Background(), report.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSuccess, got.Status)
}

func TestStartBlocksWhenPoolIsFull(t *testing.T) {
	f := newFixture(t, 1, 0)

	_, err := f.manager.Start(context.Background(), scenario(step("a", "block")))
	require.NoError(t, err)
	waitStarted(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = f.manager.Start(ctx, scenario(step("b", "success")))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, f.manager.List(), 1)
}

func TestShutdownStopsRunning(t *testing.T) {
	f := newFixture(t, 2, 0)
	ctx := context.Background()

	id, err := f.manager.Start(ctx, scenario(step("a", "block"), step("b", "success")))
	require.NoError(t, err)
	waitStarted(t, f)

	go func() {
		time.Sleep(20 * time.Millisecond)
		f.unblock()
	}()
	require.NoError(t, f.manager.Shutdown(ctx))

	report, err := f.manager.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusStopped, report.Status)

	_, err = f.manager.Start(ctx, scenario(step("c", "success")))
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestPoolMetrics(t *testing.T) {
	f := newFixture(t, 3, 0)
	ctx := context.Background()

	_, err := f.manager.Run(ctx, scenario(step("a", "success")))
	require.NoError(t, err)
	_, err = f.manager.Run(ctx, scenario(step("a", "fail")))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		m := f.manager.PoolMetrics()
		return m.Completed == 1 && m.Failed == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, f.manager.PoolMetrics().Size)
}

type panickingDelegator struct{}

func (panickingDelegator) FindExecutor(*schema.StepCall) engine.StepExecutor {
	panic("no executor")
}

func TestPanickingRunStillCompletes(t *testing.T) {
	bus := eventbus.NewMemoryBus(8)
	eng, err := engine.NewEngine(engine.Options{
		Bus:       bus,
		Delegator: panickingDelegator{},
		Logger:    logging.Discard(),
	})
	require.NoError(t, err)
	reports := &memoryReports{reports: map[int64]*schema.ExecutionReport{}}
	m, err := NewManager(Options{Engine: eng, Bus: bus, Store: reports, PoolSize: 1, Logger: logging.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	report, err := m.Run(ctx, scenario(step("a", "success")))
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFailure, report.Status)
	assert.NotNil(t, report.EndedAt)

	saved, err := reports.GetReport(ctx, report.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFailure, saved.Status)

	m.pool.Wait()
	assert.Equal(t, int64(1), m.PoolMetrics().Panics)

	// The pool slot was released.
	_, err = m.Run(ctx, scenario(step("b", "success")))
	require.NoError(t, err)
}
