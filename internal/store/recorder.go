package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rendis/chutney/internal/eventbus"
	"github.com/rendis/chutney/internal/metrics"
)

// EventAppender is the part of Store the recorder writes to.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *Event) error
}

// Recorder copies every bus event into the event log.
type Recorder struct {
	bus    eventbus.Bus
	sink   EventAppender
	logger *slog.Logger

	mu     sync.Mutex
	cancel func()
	done   chan struct{}
}

// NewRecorder creates a stopped Recorder.
func NewRecorder(bus eventbus.Bus, sink EventAppender, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{bus: bus, sink: sink, logger: logger}
}

// Start subscribes to the bus and persists events until Stop or ctx is done.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return fmt.Errorf("recorder already started")
	}

	ch, unsubscribe, err := r.bus.Subscribe(ctx, eventbus.Filter{})
	if err != nil {
		return fmt.Errorf("subscribe recorder: %w", err)
	}
	r.cancel = unsubscribe
	r.done = make(chan struct{})
	go r.loop(ctx, ch, r.done)
	return nil
}

func (r *Recorder) loop(ctx context.Context, ch <-chan eventbus.Event, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			r.record(context.WithoutCancel(ctx), e)
		}
	}
}

func (r *Recorder) record(ctx context.Context, e eventbus.Event) {
	var payload json.RawMessage
	if e.Payload != nil {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			r.logger.Warn("event payload not serializable",
				slog.String("event_type", e.Type),
				slog.String("error", err.Error()),
			)
		} else {
			payload = raw
		}
	}

	err := r.sink.AppendEvent(ctx, &Event{
		EventID:     e.ID,
		ExecutionID: e.ExecutionID,
		StepID:      e.StepID,
		Type:        e.Type,
		Payload:     payload,
		Timestamp:   e.Timestamp,
	})
	if err != nil {
		metrics.IncRecorderDropped()
		r.logger.Error("failed to record event",
			slog.Int64("execution_id", e.ExecutionID),
			slog.String("event_type", e.Type),
			slog.String("error", err.Error()),
		)
	}
}

// Stop unsubscribes and waits for the pending events to be written.
func (r *Recorder) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
