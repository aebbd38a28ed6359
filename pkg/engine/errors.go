package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, a target host still booting.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	// Should be retried with exponential backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a resource state conflict.
	// Examples: concurrent modifications, a held state lock.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid declarations, reference cycles, prevent_destroy violations.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the failure for programmatic handling.
	Code string `json:"code,omitempty"`

	// Node is the address of the node that caused the error, if applicable.
	Node string `json:"node,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Node != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (node=%s, operation=%s)%s",
			e.Class, e.Message, e.Node, e.Operation, e.unwrapSuffix())
	}
	if e.Node != "" {
		return fmt.Sprintf("[%s] %s (node=%s)%s", e.Class, e.Message, e.Node, e.unwrapSuffix())
	}
	return fmt.Sprintf("[%s] %s%s", e.Class, e.Message, e.unwrapSuffix())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapSuffix() string {
	if e.Err != nil {
		return ": " + e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithNode adds node address context to an error.
func (e *EngineError) WithNode(addr string) *EngineError {
	e.Node = addr
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// IsCode returns true if the error carries the given code anywhere in its chain.
func IsCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Error codes for the failure modes the engine distinguishes.
const (
	// ErrCodeDuplicateNode reports two declarations of the same (kind, name)
	// address within one namespace.
	ErrCodeDuplicateNode = "DUPLICATE_NODE"

	// ErrCodeUnknownReference reports a reference whose target node or
	// attribute does not exist in the expanded graph.
	ErrCodeUnknownReference = "UNKNOWN_REFERENCE"

	// ErrCodeCyclicDependency reports a reference cycle; the error details
	// carry the full cycle path.
	ErrCodeCyclicDependency = "CYCLIC_DEPENDENCY"

	// ErrCodeMissingRequiredVariable reports a module input variable with no
	// default left unbound by the caller.
	ErrCodeMissingRequiredVariable = "MISSING_REQUIRED_VARIABLE"

	// ErrCodeUnknownOutput reports a parent referencing an output a module
	// does not declare.
	ErrCodeUnknownOutput = "UNKNOWN_OUTPUT"

	// ErrCodeModuleRecursionLimit reports module expansion exceeding the
	// configured nesting ceiling.
	ErrCodeModuleRecursionLimit = "MODULE_RECURSION_LIMIT"

	// ErrCodeCorruptState reports unreadable or malformed persisted state.
	ErrCodeCorruptState = "CORRUPT_STATE"

	// ErrCodeProviderOperation wraps a provider-reported failure during apply.
	ErrCodeProviderOperation = "PROVIDER_OPERATION"

	// ErrCodeProvisionerFailure reports an exhausted connection retry budget
	// or a non-zero remote exit status.
	ErrCodeProvisionerFailure = "PROVISIONER_FAILURE"

	// ErrCodePreventDestroy reports a planned destroy of a node whose
	// lifecycle forbids it.
	ErrCodePreventDestroy = "PREVENT_DESTROY"

	// ErrCodeValidation reports invalid declarations or settings.
	ErrCodeValidation = "VALIDATION_ERROR"

	// ErrCodeStateLocked reports a state lock held by another process.
	ErrCodeStateLocked = "STATE_LOCKED"

	// ErrCodeDependencyFailed marks an operation skipped because a
	// dependency failed.
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
)
