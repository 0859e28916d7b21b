package schema

// Event type constants published on the event bus.
const (
	EventScenarioStarted = "scenario_started"
	EventScenarioEnded   = "scenario_ended"

	EventStepStarted = "step_started"
	EventStepEnded   = "step_ended"
	EventStepPaused  = "step_paused"

	EventPauseCommand  = "pause_command"
	EventResumeCommand = "resume_command"
	EventStopCommand   = "stop_command"
)

// ControlEvents lists the command events an execution listens to.
var ControlEvents = []string{EventPauseCommand, EventResumeCommand, EventStopCommand}

// Status is the lifecycle state shared by steps and executions.
type Status string

const (
	StatusNotExecuted Status = "NOT_EXECUTED"
	StatusRunning     Status = "RUNNING"
	StatusPaused      Status = "PAUSED"
	StatusSuccess     Status = "SUCCESS"
	StatusFailure     Status = "FAILURE"
	StatusStopped     Status = "STOPPED"
)

// IsTerminal reports whether no further transition can leave the status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusStopped:
		return true
	}
	return false
}
