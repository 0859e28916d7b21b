package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/chutney/pkg/schema"
)

// EventLog provides sequenced append and replay on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-execution sequence.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	db := el.store.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx may start a deferred transaction. A write forces
	// the lock before the sequence is read.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (event_id, execution_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		nullStr(event.EventID), event.ExecutionID, nullStr(event.StepID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// StepTrace is the state of one step rebuilt from the event log.
type StepTrace struct {
	StepID    string        `json:"step_id"`
	Name      string        `json:"name,omitempty"`
	Status    schema.Status `json:"status"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
}

// Trace is an execution rebuilt from its events.
type Trace struct {
	ExecutionID int64                 `json:"execution_id"`
	Status      schema.Status         `json:"status"`
	Steps       map[string]*StepTrace `json:"steps"`
}

type tracePayload struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Replay rebuilds the last known state of an execution from its events.
// Returns an error if sequence gaps are detected.
func (el *EventLog) Replay(ctx context.Context, executionID int64) (*Trace, error) {
	events, err := el.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	trace := &Trace{
		ExecutionID: executionID,
		Status:      schema.StatusNotExecuted,
		Steps:       make(map[string]*StepTrace),
	}
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %d: expected %d, got %d", executionID, expected, e.Sequence)
		}
	}

	for _, e := range events {
		var p tracePayload
		if len(e.Payload) > 0 {
			_ = json.Unmarshal(e.Payload, &p)
		}
		ts := e.Timestamp

		switch e.Type {
		case schema.EventScenarioStarted:
			trace.Status = schema.StatusRunning
		case schema.EventScenarioEnded:
			if p.Status != "" {
				trace.Status = schema.Status(p.Status)
			}
		}
		if e.StepID == "" {
			continue
		}

		st, ok := trace.Steps[e.StepID]
		if !ok {
			st = &StepTrace{StepID: e.StepID, Status: schema.StatusNotExecuted}
			trace.Steps[e.StepID] = st
		}
		if p.Name != "" {
			st.Name = p.Name
		}

		switch e.Type {
		case schema.EventStepStarted:
			st.Status = schema.StatusRunning
			st.StartedAt = &ts
		case schema.EventStepPaused:
			st.Status = schema.StatusPaused
		case schema.EventStepEnded:
			st.Status = schema.Status(p.Status)
			st.EndedAt = &ts
		}
	}
	return trace, nil
}
