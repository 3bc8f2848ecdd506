package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is wrapped by every "entity absent" error. Resources owned by
// another tenant are reported the same way.
var ErrNotFound = errors.New("not found")

// Sentinel errors for simple conditions without extra context.
var (
	ErrTenantNotFound    = fmt.Errorf("tenant %w", ErrNotFound)
	ErrProfileNotFound   = fmt.Errorf("profile %w", ErrNotFound)
	ErrMigrationNotFound = fmt.Errorf("migration %w", ErrNotFound)
	ErrArtifactNotFound  = fmt.Errorf("artifact %w", ErrNotFound)
)

// DenialReason explains why an actor was refused.
type DenialReason string

const (
	ReasonInactiveActor     DenialReason = "inactive_actor"
	ReasonTenantMismatch    DenialReason = "tenant_mismatch"
	ReasonInsufficientRole  DenialReason = "insufficient_role"
	ReasonTenantInactive    DenialReason = "tenant_inactive"
	ReasonMigrationDisabled DenialReason = "migration_disabled"
	ReasonProfileQuota      DenialReason = "profile_quota_exceeded"
)

// ForbiddenError is returned when a role, tenant or setting check fails.
type ForbiddenError struct {
	Reason DenialReason
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("forbidden: %s", e.Reason)
}

// ConflictError is returned when an exclusivity rule or an optimistic write fails.
type ConflictError struct {
	Resource ResourceType
	ID       string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q conflict: %s", e.Resource, e.ID, e.Reason)
}

// InvalidStateError is returned when an operation is not valid for the
// resource's current status. Reason is optional.
type InvalidStateError struct {
	Resource  ResourceType
	ID        string
	Operation string
	Current   string
	Reason    string
}

func (e *InvalidStateError) Error() string {
	msg := fmt.Sprintf("cannot %s %s %q in state %q", e.Operation, e.Resource, e.ID, e.Current)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// TransitionError is returned when a profile status change is not in the
// lifecycle table.
type TransitionError struct {
	From ProfileStatus
	To   ProfileStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("transition from %q to %q is not allowed", e.From, e.To)
}

// ExecutorError is returned when a deployment action failed or timed out.
type ExecutorError struct {
	Step     StepName
	DeviceID string
	Detail   string
}

func (e *ExecutorError) Error() string {
	return fmt.Sprintf("step %s on device %q failed: %s", e.Step, e.DeviceID, e.Detail)
}

// ValidationError is returned for malformed input, before any state is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ErrorKind is the caller-visible classification of an error.
type ErrorKind string

const (
	KindNone            ErrorKind = ""
	KindNotFound        ErrorKind = "not_found"
	KindForbidden       ErrorKind = "forbidden"
	KindConflict        ErrorKind = "conflict"
	KindInvalidState    ErrorKind = "invalid_state"
	KindExecutorFailure ErrorKind = "executor_failure"
	KindValidation      ErrorKind = "validation_error"
	KindInternal        ErrorKind = "internal"
)

// KindOf classifies err.
func KindOf(err error) ErrorKind {
	var (
		forbidden  *ForbiddenError
		conflict   *ConflictError
		invalid    *InvalidStateError
		transition *TransitionError
		executor   *ExecutorError
		validation *ValidationError
	)
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.As(err, &forbidden):
		return KindForbidden
	case errors.As(err, &conflict):
		return KindConflict
	case errors.As(err, &invalid), errors.As(err, &transition):
		return KindInvalidState
	case errors.As(err, &executor):
		return KindExecutorFailure
	case errors.As(err, &validation):
		return KindValidation
	default:
		return KindInternal
	}
}
