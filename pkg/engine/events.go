package engine

import "time"

// ApplyEventType classifies execution lifecycle events.
type ApplyEventType string

const (
	// EventRunStarted signals that an apply run began executing.
	EventRunStarted ApplyEventType = "run_started"

	// EventRunCompleted signals that an apply run reached a terminal status.
	EventRunCompleted ApplyEventType = "run_completed"

	// EventOperationStarted signals that a node operation was issued.
	EventOperationStarted ApplyEventType = "operation_started"

	// EventOperationRetried signals a retryable provider failure and an
	// upcoming re-attempt.
	EventOperationRetried ApplyEventType = "operation_retried"

	// EventOperationApplied signals that a node operation committed.
	EventOperationApplied ApplyEventType = "operation_applied"

	// EventOperationFailed signals a terminal provider failure.
	EventOperationFailed ApplyEventType = "operation_failed"

	// EventOperationBlocked signals an operation skipped because one of its
	// dependencies did not complete.
	EventOperationBlocked ApplyEventType = "operation_blocked"

	// EventOperationAborted signals an operation never issued because the
	// run was cancelled.
	EventOperationAborted ApplyEventType = "operation_aborted"

	// EventProvisionStarted signals that a provisioner began executing
	// against a freshly created object.
	EventProvisionStarted ApplyEventType = "provision_started"

	// EventProvisionFailed signals a provisioner failure; the object it ran
	// against is tainted.
	EventProvisionFailed ApplyEventType = "provision_failed"
)

// ApplyEvent is one execution lifecycle notification.
type ApplyEvent struct {
	// Type classifies the event.
	Type ApplyEventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID identifies the apply run the event belongs to.
	RunID string `json:"run_id"`

	// Node is the address of the node involved, empty for run-level events.
	Node string `json:"node,omitempty"`

	// Message is the human-readable description.
	Message string `json:"message"`

	// Level is the severity: "info", "warning", or "error".
	Level string `json:"level"`
}

// EventSink receives apply lifecycle events as they happen. Publish is
// called from executor worker goroutines, so implementations must be safe
// for concurrent use and must not block.
type EventSink interface {
	Publish(event *ApplyEvent)
}
