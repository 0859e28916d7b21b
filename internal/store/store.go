package store

import (
	"context"

	"github.com/rendis/chutney/pkg/schema"
)

// Store persists execution reports and the event log.
// All implementations must be safe for concurrent use.
type Store interface {
	// Reports
	SaveReport(ctx context.Context, report *schema.ExecutionReport) error
	GetReport(ctx context.Context, id int64) (*schema.ExecutionReport, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionSummary, error)
	DeleteExecution(ctx context.Context, id int64) error
	LastExecutionID(ctx context.Context) (int64, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID int64, since int64) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
