package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/chutney/pkg/schema"
)

// ExecutionSummary is the indexed part of a stored report.
type ExecutionSummary struct {
	ID         int64         `json:"id"`
	ScenarioID string        `json:"scenario_id,omitempty"`
	Title      string        `json:"title"`
	Status     schema.Status `json:"status"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	EndedAt    *time.Time    `json:"ended_at,omitempty"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// ExecutionFilter narrows ListExecutions. Zero fields match everything.
type ExecutionFilter struct {
	Status     schema.Status
	ScenarioID string
	Limit      int
	Offset     int
}

// Event is one persisted bus event.
type Event struct {
	ID          int64           `json:"id"`
	EventID     string          `json:"event_id,omitempty"`
	ExecutionID int64           `json:"execution_id"`
	StepID      string          `json:"step_id,omitempty"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}
