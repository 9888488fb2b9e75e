package engine

import "fmt"

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	// RunStatusPending indicates the run has been created but not started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every plan step completed successfully.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusPartial indicates at least one step failed or was skipped
	// while others completed.
	RunStatusPartial RunStatus = "partial"

	// RunStatusFailed indicates the run failed before any step completed.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status is a final state.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusPartial, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// Validate checks if the run status is a known value.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusPartial, RunStatusFailed, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// ActionType is the kind of change a plan step performs on a node.
type ActionType string

const (
	// ActionCreate brings a declared node into existence.
	ActionCreate ActionType = "create"

	// ActionUpdate mutates an existing node in place.
	ActionUpdate ActionType = "update"

	// ActionReplace destroys and recreates a node whose immutable
	// attributes changed.
	ActionReplace ActionType = "replace"

	// ActionDestroy removes a node that is no longer declared.
	ActionDestroy ActionType = "destroy"

	// ActionNoOp records that a node matches its desired state. NoOp
	// entries appear in diffs but never become plan steps.
	ActionNoOp ActionType = "noop"
)

// IsMutating returns true if the action changes real infrastructure.
func (a ActionType) IsMutating() bool {
	return a != ActionNoOp
}

// Validate checks if the action type is a known value.
func (a ActionType) Validate() error {
	switch a {
	case ActionCreate, ActionUpdate, ActionReplace, ActionDestroy, ActionNoOp:
		return nil
	default:
		return fmt.Errorf("invalid action type: %s", a)
	}
}

// StepStatus represents the lifecycle state of a single plan step during
// execution.
type StepStatus string

const (
	// StepStatusPending indicates the step is waiting on its dependencies.
	StepStatusPending StepStatus = "pending"

	// StepStatusRunning indicates a worker is executing the step.
	StepStatusRunning StepStatus = "running"

	// StepStatusApplied indicates the step completed successfully.
	StepStatusApplied StepStatus = "applied"

	// StepStatusFailed indicates the provider operation returned an error.
	StepStatusFailed StepStatus = "failed"

	// StepStatusSkipped indicates a transitive dependency failed, so the
	// step never ran.
	StepStatusSkipped StepStatus = "skipped"
)

// IsTerminal returns true if the step status is a final state.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusApplied, StepStatusFailed, StepStatusSkipped:
		return true
	default:
		return false
	}
}

// EventType categorizes engine events emitted during a run.
type EventType string

const (
	EventRunStarted    EventType = "run.started"
	EventRunFinished   EventType = "run.finished"
	EventStepStarted   EventType = "step.started"
	EventStepApplied   EventType = "step.applied"
	EventStepFailed    EventType = "step.failed"
	EventStepSkipped   EventType = "step.skipped"
	EventDriftDetected EventType = "drift.detected"
	EventPolicyDenied  EventType = "policy.denied"
)
