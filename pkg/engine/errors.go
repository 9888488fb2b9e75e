// Package engine implements the core of the Terrane orchestrator: building a
// dependency graph from declarations, reconciling it against a persisted state
// snapshot, scheduling the diff into a deterministic plan, and applying the
// plan concurrently through providers.
package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass classifies an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassValidation indicates a malformed or inconsistent declaration
	// set. Validation errors are raised before any mutation takes place.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassProvider indicates a provider operation failed. Provider
	// errors are localized to a single node and never abort sibling subtrees.
	ErrorClassProvider ErrorClass = "provider"

	// ErrorClassConflict indicates contention on a shared resource, such as
	// the state lock being held by another run.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassInternal indicates a bug in the engine itself.
	ErrorClassInternal ErrorClass = "internal"
)

// EngineError is a classified error with node and operation context.
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Node is the node identity that caused the error, if applicable.
	Node string `json:"node,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	if e.Node != "" {
		fmt.Fprintf(&b, " (node=%s", e.Node)
		if e.Operation != "" {
			fmt.Fprintf(&b, ", operation=%s", e.Operation)
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassValidation, Message: message, Code: ErrCodeValidation, Err: err}
}

// NewProviderError creates a new provider error.
func NewProviderError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassProvider, Message: message, Code: ErrCodeProviderFailed, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Code: ErrCodeLockConflict, Err: err}
}

// NewInternalError creates a new internal error.
func NewInternalError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassInternal, Message: message, Code: ErrCodeInternal, Err: err}
}

// WithNode adds node context to an error.
func (e *EngineError) WithNode(nodeID string) *EngineError {
	e.Node = nodeID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode sets the error code.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// IsValidation returns true if the error is classified as a validation error.
func IsValidation(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassValidation
	}
	var unresolved *UnresolvedReferenceError
	var cyclic *CyclicDependencyError
	return errors.As(err, &unresolved) || errors.As(err, &cyclic)
}

// IsProvider returns true if the error is classified as a provider error.
func IsProvider(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassProvider
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict error.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	var lock *LockConflictError
	return errors.As(err, &lock)
}

// Common error codes.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeUnresolvedReference = "UNRESOLVED_REFERENCE"
	ErrCodeCycle               = "CYCLIC_DEPENDENCY"
	ErrCodeUnknownType         = "UNKNOWN_RESOURCE_TYPE"
	ErrCodePlanConflict        = "PLAN_CONFLICT"
	ErrCodePlanConsumed        = "PLAN_CONSUMED"
	ErrCodeLockConflict        = "LOCK_CONFLICT"
	ErrCodeProviderFailed      = "PROVIDER_FAILED"
	ErrCodeDependencyFailed    = "DEPENDENCY_FAILED"
	ErrCodePolicyDenied        = "POLICY_DENIED"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// UnresolvedReferenceError is raised by the graph builder when a declaration
// references a node that does not exist in the declaration set.
type UnresolvedReferenceError struct {
	// Consumer is the node whose attribute or depends_on entry holds the
	// dangling reference.
	Consumer string

	// Target is the referenced node identity that could not be found.
	Target string
}

// Error implements the error interface.
func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("node %q references non-existent node %q", e.Consumer, e.Target)
}

// CyclicDependencyError is raised by the graph builder when the dependency
// graph contains a cycle. Cycle holds the node identities along the cycle,
// ending with a repeat of the first node.
type CyclicDependencyError struct {
	Cycle []string
}

// Error implements the error interface.
func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("circular dependency detected: %s", strings.Join(e.Cycle, " -> "))
}

// PlanConflictError is raised by the planner when a diff set carries more
// than one mutation for the same node.
type PlanConflictError struct {
	Node string
}

// Error implements the error interface.
func (e *PlanConflictError) Error() string {
	return fmt.Sprintf("plan contains conflicting steps for node %q", e.Node)
}

// PartialApplyError summarizes an apply in which at least one node failed or
// was skipped. The persisted snapshot still reflects every node that did
// complete, so a subsequent run resumes from that point.
type PartialApplyError struct {
	RunID   string
	Failed  []string
	Skipped []string
}

// Error implements the error interface.
func (e *PartialApplyError) Error() string {
	parts := []string{fmt.Sprintf("apply incomplete: %d node(s) failed", len(e.Failed))}
	if len(e.Failed) > 0 {
		parts = append(parts, fmt.Sprintf("failed: %s", strings.Join(e.Failed, ", ")))
	}
	if len(e.Skipped) > 0 {
		parts = append(parts, fmt.Sprintf("skipped: %s", strings.Join(e.Skipped, ", ")))
	}
	return strings.Join(parts, "; ")
}

// LockConflictError is raised when another run holds the state lock.
type LockConflictError struct {
	Holder string
}

// Error implements the error interface.
func (e *LockConflictError) Error() string {
	if e.Holder == "" {
		return "state lock is held by another run"
	}
	return fmt.Sprintf("state lock is held by %s", e.Holder)
}
