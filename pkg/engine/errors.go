package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure, such as a dropped
	// repository connection, that may succeed on a later run.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a failure that will repeat until the
	// metadata, installer, or machine state changes.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes for programmatic handling.
const (
	ErrCodeMetadata               = "METADATA_ERROR"
	ErrCodeNotFound               = "NOT_FOUND"
	ErrCodeRepository             = "REPOSITORY_ERROR"
	ErrCodeInstallerNotFound      = "INSTALLER_NOT_FOUND"
	ErrCodeActionFailed           = "ACTION_FAILED"
	ErrCodePostActionVerification = "POST_ACTION_VERIFICATION"
	ErrCodeCycle                  = "CYCLE_DETECTED"
	ErrCodePolicyDenied           = "POLICY_DENIED"
	ErrCodeState                  = "STATE_ERROR"
	ErrCodeInternal               = "INTERNAL_ERROR"
)

// Sentinels for errors.Is. Matching is by code.
var (
	ErrMetadata               = &EngineError{Code: ErrCodeMetadata}
	ErrNotFound               = &EngineError{Code: ErrCodeNotFound}
	ErrRepository             = &EngineError{Code: ErrCodeRepository}
	ErrInstallerNotFound      = &EngineError{Code: ErrCodeInstallerNotFound}
	ErrActionFailed           = &EngineError{Code: ErrCodeActionFailed}
	ErrPostActionVerification = &EngineError{Code: ErrCodePostActionVerification}
	ErrCycle                  = &EngineError{Code: ErrCodeCycle}
	ErrPolicyDenied           = &EngineError{Code: ErrCodePolicyDenied}
)

// EngineError represents a classified error with context.
// Resource holds the package id and Operation the processing phase.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the error kind.
	Code string `json:"code,omitempty"`

	// Resource is the package id that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the phase being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		fmt.Fprintf(&sb, " (package=%s, phase=%s)", e.Resource, e.Operation)
	case e.Resource != "":
		fmt.Fprintf(&sb, " (package=%s)", e.Resource)
	case e.Operation != "":
		fmt.Fprintf(&sb, " (phase=%s)", e.Operation)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is. A target with a
// code matches on code alone; otherwise the classes must match.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	if t.Code != "" {
		return e.Code == t.Code
	}
	return e.Class == t.Class
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
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

// WithResource adds the package id to an error.
func (e *EngineError) WithResource(packageID string) *EngineError {
	e.Resource = packageID
	return e
}

// WithOperation adds the phase to an error.
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

// NewMetadataError reports a malformed or unreadable package record.
func NewMetadataError(packageID, message string, err error) *EngineError {
	return NewPermanentError(message, err).
		WithCode(ErrCodeMetadata).
		WithResource(packageID).
		WithOperation(PhaseMetadata)
}

// NewNotFoundError reports a package record that does not exist.
func NewNotFoundError(packageID string, err error) *EngineError {
	return NewPermanentError("package metadata not found", err).
		WithCode(ErrCodeNotFound).
		WithResource(packageID).
		WithOperation(PhaseMetadata)
}

// NewRepositoryError reports a transport failure talking to the repository.
func NewRepositoryError(packageID, operation string, err error) *EngineError {
	return NewTransientError("repository request failed", err).
		WithCode(ErrCodeRepository).
		WithResource(packageID).
		WithOperation(operation)
}

// NewInstallerNotFoundError reports a script without a usable entry point.
func NewInstallerNotFoundError(packageID, ref string, err error) *EngineError {
	return NewPermanentError("no installer found in script", err).
		WithCode(ErrCodeInstallerNotFound).
		WithResource(packageID).
		WithOperation(PhaseResolveInstaller).
		WithDetail("installer", ref)
}

// NewActionFailedError reports an installer action that returned false or failed.
func NewActionFailedError(packageID string, method Method, err error) *EngineError {
	return NewPermanentError(fmt.Sprintf("%s action failed", method), err).
		WithCode(ErrCodeActionFailed).
		WithResource(packageID).
		WithOperation(PhaseAct).
		WithDetail("method", method.String())
}

// NewPostActionVerificationError reports a check() result that disagrees
// with the state the action should have produced.
func NewPostActionVerificationError(packageID string, method Method, expected, actual bool) *EngineError {
	return NewPermanentError(
		fmt.Sprintf("post-%s check returned %t, expected %t", method, actual, expected), nil).
		WithCode(ErrCodePostActionVerification).
		WithResource(packageID).
		WithOperation(PhaseVerify).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

// NewCycleError reports a depend/chain cycle. The path starts and ends
// with the same package id.
func NewCycleError(path []string) *EngineError {
	e := NewPermanentError(fmt.Sprintf("circular dependency detected: %s", formatCycle(path)), nil).
		WithCode(ErrCodeCycle).
		WithOperation(PhaseGraph).
		WithDetail("cycle", path)
	if len(path) > 0 {
		e.Resource = path[0]
	}
	return e
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

func hasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsMetadataError returns true if err is a MetadataError.
func IsMetadataError(err error) bool { return hasCode(err, ErrCodeMetadata) }

// IsNotFound returns true if err is a NotFoundError.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsRepositoryError returns true if err is a RepositoryError.
func IsRepositoryError(err error) bool { return hasCode(err, ErrCodeRepository) }

// IsInstallerNotFound returns true if err is an InstallerNotFoundError.
func IsInstallerNotFound(err error) bool { return hasCode(err, ErrCodeInstallerNotFound) }

// IsActionFailed returns true if err is an ActionFailedError.
func IsActionFailed(err error) bool { return hasCode(err, ErrCodeActionFailed) }

// IsPostActionVerification returns true if err is a PostActionVerificationError.
func IsPostActionVerification(err error) bool {
	return hasCode(err, ErrCodePostActionVerification)
}

// IsCycleError returns true if err is a CycleError.
func IsCycleError(err error) bool { return hasCode(err, ErrCodeCycle) }

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
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

// ErrorCode extracts the code of the outermost EngineError, or
// ErrCodeInternal for foreign errors.
func ErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return ErrCodeInternal
}
