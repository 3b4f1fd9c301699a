package orchestrator

import (
	"errors"
	"fmt"
	"time"
)

// ExecutionStatus is the state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Finished reports whether the status is terminal.
func (s ExecutionStatus) Finished() bool { return s != ExecutionRunning }

// StepStatus is the outcome of one step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

var (
	ErrDefinitionNotFound = errors.New("workflow definition not found")
	ErrExecutionNotFound  = errors.New("workflow execution not found")
	ErrExecutionFinished  = errors.New("workflow execution already finished")
	ErrUnknownTransform   = errors.New("unknown input transform")
	ErrAgentPanic         = errors.New("agent panicked")
)

// StepFailedError reports the step that aborted an execution.
type StepFailedError struct {
	Step  string
	Cause error
}

func (e *StepFailedError) Error() string {
	return fmt.Sprintf("workflow step %q failed: %v", e.Step, e.Cause)
}

func (e *StepFailedError) Unwrap() error { return e.Cause }

// StepResult records one step of an execution.
type StepResult struct {
	Name       string     `json:"name"`
	Capability string     `json:"capability"`
	Status     StepStatus `json:"status"`
	Attempts   int        `json:"attempts"`
	Output     any        `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at,omitzero"`
	EndedAt    time.Time  `json:"ended_at,omitzero"`
}

// Execution is a snapshot of a workflow run.
type Execution struct {
	ID           string          `json:"id"`
	DefinitionID string          `json:"definition_id"`
	CurrentStep  int             `json:"current_step"`
	Steps        []StepResult    `json:"steps"`
	Status       ExecutionStatus `json:"status"`
	Output       any             `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	EndedAt      time.Time       `json:"ended_at,omitzero"`
}

// Step returns the named step result.
func (e *Execution) Step(name string) (StepResult, bool) {
	for _, s := range e.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepResult{}, false
}

func (e *Execution) clone() *Execution {
	out := *e
	out.Steps = append([]StepResult(nil), e.Steps...)
	return &out
}

// WorkflowEvent is the payload of every workflow-* topic.
type WorkflowEvent struct {
	ExecutionID  string `json:"execution_id"`
	DefinitionID string `json:"definition_id"`
	Step         string `json:"step,omitempty"`
	Attempt      int    `json:"attempt,omitempty"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
}

// RouteEvent is the payload of <capability>-completed and -failed.
type RouteEvent struct {
	Capability    string        `json:"capability"`
	AgentID       string        `json:"agent_id,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Duration      time.Duration `json:"duration"`
	Error         string        `json:"error,omitempty"`
}
