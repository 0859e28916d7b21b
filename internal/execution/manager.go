package execution

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/rendis/chutney/internal/engine"
	"github.com/rendis/chutney/internal/eventbus"
	"github.com/rendis/chutney/internal/store"
	"github.com/rendis/chutney/pkg/schema"
)

// DefaultKeepFinished is how many finished executions stay in memory.
const DefaultKeepFinished = 100

var errExecutionFailed = errors.New("execution failed")

// ReportStore persists final execution reports.
type ReportStore interface {
	SaveReport(ctx context.Context, report *schema.ExecutionReport) error
	GetReport(ctx context.Context, id int64) (*schema.ExecutionReport, error)
}

// ScenarioValidator checks a scenario before it is started.
type ScenarioValidator interface {
	Validate(scenario *schema.Scenario) *schema.ValidationResult
}

// Options configures a Manager.
type Options struct {
	Engine    *engine.Engine
	Bus       eventbus.Bus
	Validator ScenarioValidator
	Store     ReportStore
	PoolSize  int
	// KeepFinished bounds the finished executions kept in memory.
	KeepFinished int
	Logger       *slog.Logger
}

type entry struct {
	exec   *engine.ScenarioExecution
	done   chan struct{}
	report *schema.ExecutionReport
}

// Manager starts executions on a bounded pool and routes control commands to
// them through the event bus.
type Manager struct {
	engine    *engine.Engine
	bus       eventbus.Bus
	validator ScenarioValidator
	store     ReportStore
	pool      *Pool
	keep      int
	logger    *slog.Logger

	runCtx context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	entries  map[int64]*entry
	finished []int64
}

// NewManager creates a Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Engine == nil || opts.Bus == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "manager requires an engine and an event bus")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.KeepFinished <= 0 {
		opts.KeepFinished = DefaultKeepFinished
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Manager{
		engine:    opts.Engine,
		bus:       opts.Bus,
		validator: opts.Validator,
		store:     opts.Store,
		pool:      NewPool(opts.PoolSize),
		keep:      opts.KeepFinished,
		logger:    opts.Logger,
		runCtx:    runCtx,
		cancel:    cancel,
		entries:   make(map[int64]*entry),
	}, nil
}

// Start validates scenario and submits a new execution. It blocks while the
// pool is full, until ctx is done.
func (m *Manager) Start(ctx context.Context, scenario *schema.Scenario) (int64, error) {
	if m.validator != nil {
		if err := m.validator.Validate(scenario).ToError(); err != nil {
			return 0, err
		}
	}
	x, err := m.engine.NewExecution(scenario)
	if err != nil {
		return 0, err
	}

	en := &entry{exec: x, done: make(chan struct{})}
	m.mu.Lock()
	m.entries[x.ID] = en
	m.mu.Unlock()

	err = m.pool.Submit(ctx, func() error {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("execution panicked",
					slog.Int64("execution_id", x.ID),
					slog.Any("panic", r),
				)
				m.complete(en, failedReport(x))
				panic(r)
			}
		}()
		report := m.engine.Run(m.runCtx, x)
		m.complete(en, report)
		if report.Status == schema.StatusFailure {
			return errExecutionFailed
		}
		return nil
	})
	if err != nil {
		x.Abandon()
		m.mu.Lock()
		delete(m.entries, x.ID)
		m.mu.Unlock()
		close(en.done)
		return 0, err
	}

	m.logger.Info("execution submitted",
		slog.Int64("execution_id", x.ID),
		slog.String("title", scenario.Title),
	)
	return x.ID, nil
}

// Run starts scenario and waits for its final report.
func (m *Manager) Run(ctx context.Context, scenario *schema.Scenario) (*schema.ExecutionReport, error) {
	id, err := m.Start(ctx, scenario)
	if err != nil {
		return nil, err
	}
	return m.Wait(ctx, id)
}

// Wait blocks until the execution finished and returns its final report.
func (m *Manager) Wait(ctx context.Context, id int64) (*schema.ExecutionReport, error) {
	m.mu.RLock()
	en, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return m.stored(ctx, id)
	}

	select {
	case <-en.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return en.report, nil
}

// Pause asks the execution to suspend at the next step boundary.
func (m *Manager) Pause(ctx context.Context, id int64) error {
	return m.command(ctx, id, schema.EventPauseCommand)
}

// Resume clears a pause request.
func (m *Manager) Resume(ctx context.Context, id int64) error {
	return m.command(ctx, id, schema.EventResumeCommand)
}

// Stop asks the execution to stop before its next step.
func (m *Manager) Stop(ctx context.Context, id int64) error {
	return m.command(ctx, id, schema.EventStopCommand)
}

// command publishes a control event. Commands to finished executions are no-ops.
func (m *Manager) command(ctx context.Context, id int64, eventType string) error {
	m.mu.RLock()
	_, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return notFound(id)
	}
	if err := m.bus.Publish(ctx, eventbus.Event{Type: eventType, ExecutionID: id}); err != nil {
		return err
	}
	m.logger.Info("control command sent",
		slog.Int64("execution_id", id),
		slog.String("command", eventType),
	)
	return nil
}

// Status returns a live snapshot of a running execution, or the final report of
// a finished one.
func (m *Manager) Status(ctx context.Context, id int64) (*schema.ExecutionReport, error) {
	m.mu.RLock()
	en, ok := m.entries[id]
	var report *schema.ExecutionReport
	if ok {
		report = en.report
	}
	m.mu.RUnlock()

	if !ok {
		return m.stored(ctx, id)
	}
	if report != nil {
		return report, nil
	}
	return en.exec.Report(), nil
}

// List returns the executions held in memory, newest first.
func (m *Manager) List() []*store.ExecutionSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*store.ExecutionSummary, 0, len(m.entries))
	for _, en := range m.entries {
		r := en.report
		if r == nil {
			r = en.exec.Report()
		}
		out = append(out, &store.ExecutionSummary{
			ID:         r.ExecutionID,
			ScenarioID: r.ScenarioID,
			Title:      r.Title,
			Status:     r.Status,
			StartedAt:  r.StartedAt,
			EndedAt:    r.EndedAt,
		})
	}
	slices.SortFunc(out, func(a, b *store.ExecutionSummary) int {
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})
	return out
}

// PoolMetrics exposes the worker pool counters.
func (m *Manager) PoolMetrics() PoolMetrics {
	return m.pool.Metrics()
}

// Shutdown stops every running execution and waits for them to finish, or
// for ctx to be done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	var running []int64
	for id, en := range m.entries {
		if en.report == nil {
			running = append(running, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range running {
		if err := m.Stop(ctx, id); err != nil {
			m.logger.Warn("stop on shutdown failed",
				slog.Int64("execution_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	done := make(chan struct{})
	go func() {
		m.pool.Shutdown()
		close(done)
	}()
	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		return ctx.Err()
	}
}

func (m *Manager) complete(en *entry, report *schema.ExecutionReport) {
	if m.store != nil {
		if err := m.store.SaveReport(context.Background(), report); err != nil {
			m.logger.Error("failed to save report",
				slog.Int64("execution_id", report.ExecutionID),
				slog.String("error", err.Error()),
			)
		}
	}

	m.mu.Lock()
	en.report = report
	m.finished = append(m.finished, report.ExecutionID)
	for len(m.finished) > m.keep {
		delete(m.entries, m.finished[0])
		m.finished = m.finished[1:]
	}
	m.mu.Unlock()
	close(en.done)
}

// failedReport is the last snapshot of an execution that did not end
// normally, marked as failed.
func failedReport(x *engine.ScenarioExecution) *schema.ExecutionReport {
	r := x.Report()
	r.Status = schema.StatusFailure
	r.Root.Status = schema.StatusFailure
	if r.EndedAt == nil {
		now := time.Now()
		r.EndedAt = &now
	}
	return r
}

func (m *Manager) stored(ctx context.Context, id int64) (*schema.ExecutionReport, error) {
	if m.store == nil {
		return nil, notFound(id)
	}
	return m.store.GetReport(ctx, id)
}

func notFound(id int64) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "execution %d not found", id)
}
