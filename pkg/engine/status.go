package engine

import (
	"encoding/json"
	"fmt"
)

// Action classifies what the plan engine decided for one node.
type Action string

const (
	// ActionCreate indicates the node exists in declarations but not in state.
	ActionCreate Action = "create"

	// ActionUpdate indicates an in-place change to an existing object.
	ActionUpdate Action = "update"

	// ActionReplace indicates the object must be destroyed and recreated,
	// because a changed attribute forces replacement or the node is tainted.
	ActionReplace Action = "replace"

	// ActionDestroy indicates the node exists in state but not in declarations.
	ActionDestroy Action = "destroy"

	// ActionNoOp indicates declarations and state agree.
	ActionNoOp Action = "noop"
)

// IsDestructive returns true if the action destroys an existing object.
func (a Action) IsDestructive() bool {
	return a == ActionDestroy || a == ActionReplace
}

// CreatesObject returns true if the action realizes a new object, which is
// what arms attached provisioners.
func (a Action) CreatesObject() bool {
	return a == ActionCreate || a == ActionReplace
}

// IsMutating returns true if the action changes real-world state.
func (a Action) IsMutating() bool {
	return a == ActionCreate || a == ActionUpdate ||
		a == ActionReplace || a == ActionDestroy
}

// Validate checks if the action is valid.
func (a Action) Validate() error {
	switch a {
	case ActionCreate, ActionUpdate, ActionReplace, ActionDestroy, ActionNoOp:
		return nil
	default:
		return fmt.Errorf("invalid action: %s", a)
	}
}

// OperationStatus tracks one planned operation through the apply executor.
type OperationStatus string

const (
	// OperationPending indicates the operation is waiting on dependencies.
	OperationPending OperationStatus = "pending"

	// OperationRunning indicates the operation is executing.
	OperationRunning OperationStatus = "running"

	// OperationApplied indicates the operation succeeded and its result is
	// committed to state.
	OperationApplied OperationStatus = "applied"

	// OperationFailed indicates the provider reported a failure.
	OperationFailed OperationStatus = "failed"

	// OperationBlocked indicates the operation was skipped because a
	// dependency failed.
	OperationBlocked OperationStatus = "blocked"

	// OperationTainted indicates the object was created but its provisioner
	// failed; the node is flagged for forced replacement on the next plan.
	OperationTainted OperationStatus = "tainted"

	// OperationAborted indicates the operation was never issued because the
	// run was cancelled.
	OperationAborted OperationStatus = "aborted"
)

// IsTerminal returns true if the status represents a final state.
func (s OperationStatus) IsTerminal() bool {
	return s == OperationApplied || s == OperationFailed ||
		s == OperationBlocked || s == OperationTainted || s == OperationAborted
}

// Succeeded returns true if the object ended up in the desired real-world
// state. A tainted node succeeded at the provider level but is flagged for
// replacement.
func (s OperationStatus) Succeeded() bool {
	return s == OperationApplied
}

// Validate checks if the operation status is valid.
func (s OperationStatus) Validate() error {
	switch s {
	case OperationPending, OperationRunning, OperationApplied,
		OperationFailed, OperationBlocked, OperationTainted, OperationAborted:
		return nil
	default:
		return fmt.Errorf("invalid operation status: %s", s)
	}
}

// RunStatus represents the overall status of an apply run.
type RunStatus string

const (
	// RunStatusPending indicates the run is created but not yet started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every operation applied cleanly.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates at least one operation failed.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was aborted by the user.
	RunStatusCancelled RunStatus = "cancelled"

	// RunStatusPartial indicates some operations applied and others failed
	// or were blocked.
	RunStatusPartial RunStatus = "partial"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusCancelled || s == RunStatusPartial
}

// IsActive returns true if the run is pending or running.
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled, RunStatusPartial:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}
