package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/chutney/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for the event log.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Reports ---

// SaveReport inserts the report or replaces the stored one with the same id.
func (s *LibSQLStore) SaveReport(ctx context.Context, report *schema.ExecutionReport) error {
	if report == nil {
		return schema.NewError(schema.ErrCodeValidation, "report is nil")
	}
	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, scenario_id, title, status, report, started_at, ended_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   scenario_id=excluded.scenario_id, title=excluded.title, status=excluded.status,
		   report=excluded.report, started_at=excluded.started_at, ended_at=excluded.ended_at,
		   updated_at=excluded.updated_at`,
		report.ExecutionID, nullStr(report.ScenarioID), report.Title, string(report.Status), string(raw),
		nullTime(report.StartedAt), nullTime(report.EndedAt), now, now,
	)
	if err != nil {
		return storeError("save report", err)
	}
	return nil
}

// GetReport returns the stored report of an execution.
func (s *LibSQLStore) GetReport(ctx context.Context, id int64) (*schema.ExecutionReport, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT report FROM executions WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, storeError("get report", err)
	}
	report := &schema.ExecutionReport{}
	if err := json.Unmarshal([]byte(raw), report); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	return report, nil
}

// ListExecutions returns summaries, newest first.
func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionSummary, error) {
	query := `SELECT id, scenario_id, title, status, started_at, ended_at, updated_at FROM executions`
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ScenarioID != "" {
		where = append(where, "scenario_id = ?")
		args = append(args, filter.ScenarioID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list executions", err)
	}
	defer rows.Close()

	var out []*ExecutionSummary
	for rows.Next() {
		e := &ExecutionSummary{}
		var scenarioID sql.NullString
		var status string
		var startedAt, endedAt sql.NullTime
		if err := rows.Scan(&e.ID, &scenarioID, &e.Title, &status, &startedAt, &endedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.ScenarioID = scenarioID.String
		e.Status = schema.Status(status)
		e.StartedAt = timePtr(startedAt)
		e.EndedAt = timePtr(endedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteExecution removes a report and its events.
func (s *LibSQLStore) DeleteExecution(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin delete", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE execution_id = ?`, id); err != nil {
		return storeError("delete events", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM executions WHERE id = ?`, id)
	if err != nil {
		return storeError("delete execution", err)
	}
	if err := checkRowsAffected(res, "execution", id); err != nil {
		return err
	}
	return tx.Commit()
}

// LastExecutionID returns the highest execution id seen by the store, from
// reports or events.
func (s *LibSQLStore) LastExecutionID(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(COALESCE((SELECT MAX(id) FROM executions), 0), COALESCE((SELECT MAX(execution_id) FROM events), 0))`,
	).Scan(&id)
	if err != nil {
		return 0, storeError("last execution id", err)
	}
	return id, nil
}

// --- Events ---

// AppendEvent delegates to the event log.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	return NewEventLog(s).AppendEvent(ctx, event)
}

// GetEvents returns events of an execution with sequence > since, ordered by sequence.
func (s *LibSQLStore) GetEvents(ctx context.Context, executionID int64, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_id, execution_id, step_id, event_type, payload, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, storeError("get events", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var eventID, stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &eventID, &e.ExecutionID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.EventID = eventID.String
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource string, id int64) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %d not found", resource, id)
}

func storeError(op string, err error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

var _ Store = (*LibSQLStore)(nil)
