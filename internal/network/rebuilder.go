package network

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/chutney/pkg/schema"
)

// Configurer runs one topology build.
type Configurer interface {
	Configure(ctx context.Context, cfg schema.NetworkConfiguration) (*schema.NetworkDescription, error)
}

// Rebuilder triggers a topology build whenever its cron schedule is due.
type Rebuilder struct {
	configurer Configurer
	source     func() schema.NetworkConfiguration
	schedule   cron.Schedule
	expression string
	interval   time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	nextRun time.Time
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewRebuilder parses expression and returns a stopped Rebuilder. source is
// called before every build to get a fresh configuration.
func NewRebuilder(c Configurer, source func() schema.NetworkConfiguration, expression string, logger *slog.Logger) (*Rebuilder, error) {
	schedule, err := cronParser.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse cron expression %q: %v", expression, err).WithCause(err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Rebuilder{
		configurer: c,
		source:     source,
		schedule:   schedule,
		expression: expression,
		interval:   time.Second,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// NextRun returns the next time the schedule fires after from.
func (r *Rebuilder) NextRun(from time.Time) time.Time {
	return r.schedule.Next(from)
}

// Start launches the background loop.
func (r *Rebuilder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.done != nil {
		r.mu.Unlock()
		return fmt.Errorf("rebuilder already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.nextRun = r.schedule.Next(r.now())
	done := r.done
	r.mu.Unlock()

	go r.loop(loopCtx, done)
	r.logger.Info("network rebuilder started",
		slog.String("schedule", r.expression),
		slog.Time("next_run", r.nextRun),
	)
	return nil
}

func (r *Rebuilder) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// tick runs a build when the schedule is due. It reports whether it did.
func (r *Rebuilder) tick(ctx context.Context) bool {
	now := r.now()
	r.mu.Lock()
	due := !r.nextRun.After(now)
	if due {
		r.nextRun = r.schedule.Next(now)
	}
	r.mu.Unlock()
	if !due {
		return false
	}

	if _, err := r.configurer.Configure(ctx, r.source()); err != nil {
		r.logger.Error("scheduled network build failed", slog.String("error", err.Error()))
	}
	return true
}

// Stop shuts the loop down and waits for an in-flight build.
func (r *Rebuilder) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	r.logger.Info("network rebuilder stopped")
}
