// Package errors provides structured error handling for netsentry operations.
// It defines error codes and the typed errors raised by the assessment
// pipeline, and utilities for classifying them as fatal or retryable.
package errors

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"time"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeCanceled      ErrorCode = "CANCELED"
	CodePermission    ErrorCode = "PERMISSION"

	// Network and scanning errors.
	CodeNetworkUnreachable ErrorCode = "NETWORK_UNREACHABLE"
	CodeHostUnreachable    ErrorCode = "HOST_UNREACHABLE"
	CodeScanFailed         ErrorCode = "SCAN_FAILED"
	CodeDiscoveryFailed    ErrorCode = "DISCOVERY_FAILED"
	CodeTargetInvalid      ErrorCode = "TARGET_INVALID"
	CodeResourceExhausted  ErrorCode = "RESOURCE_EXHAUSTED"
	CodeRateLimited        ErrorCode = "RATE_LIMITED"

	// Rule engine errors.
	CodeCheckFailed ErrorCode = "CHECK_FAILED"

	// File system errors.
	CodeFileNotFound   ErrorCode = "FILE_NOT_FOUND"
	CodeFilePermission ErrorCode = "FILE_PERMISSION"
)

// ScanError represents an error that occurred during scanning operations.
type ScanError struct {
	Code    ErrorCode
	Message string
	Target  string
	Cause   error
}

// Error implements the error interface.
func (e *ScanError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("[%s] %s (target: %s)", e.Code, e.Message, e.Target)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ScanError) Unwrap() error {
	return e.Cause
}

// WrapScanErrorWithTarget wraps an error with target information.
func WrapScanErrorWithTarget(code ErrorCode, message, target string, err error) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Target:  target,
		Cause:   err,
	}
}

// InvalidTargetError is raised when a target expression cannot be parsed or
// resolved. It is fatal for the session.
type InvalidTargetError struct {
	Input  string
	Reason string
	Cause  error
}

func (e *InvalidTargetError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s (target: %s): %v", CodeTargetInvalid, e.Reason, e.Input, e.Cause)
	}
	return fmt.Sprintf("[%s] %s (target: %s)", CodeTargetInvalid, e.Reason, e.Input)
}

func (e *InvalidTargetError) Unwrap() error { return e.Cause }

// NewInvalidTargetError creates an error for an unusable target expression.
func NewInvalidTargetError(input, reason string, cause error) *InvalidTargetError {
	return &InvalidTargetError{Input: input, Reason: reason, Cause: cause}
}

// PermissionError reports that an operation needs privileges the process
// does not have. Fallback names the technique used instead, if any.
type PermissionError struct {
	Operation string
	Fallback  string
	Cause     error
}

func (e *PermissionError) Error() string {
	msg := fmt.Sprintf("[%s] %s requires elevated privileges", CodePermission, e.Operation)
	if e.Fallback != "" {
		msg += fmt.Sprintf(", falling back to %s", e.Fallback)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *PermissionError) Unwrap() error { return e.Cause }

// NewPermissionError creates an error for an operation that needs privileges.
func NewPermissionError(operation, fallback string, cause error) *PermissionError {
	return &PermissionError{Operation: operation, Fallback: fallback, Cause: cause}
}

// ProbeTimeoutError reports a probe that received no answer within its
// deadline. It is retryable.
type ProbeTimeoutError struct {
	Stage   string
	Target  string
	Port    int
	Timeout time.Duration
	Cause   error
}

func (e *ProbeTimeoutError) Error() string {
	if e.Port > 0 {
		return fmt.Sprintf("[%s] %s probe timed out after %s (target: %s:%d)",
			CodeTimeout, e.Stage, e.Timeout, e.Target, e.Port)
	}
	return fmt.Sprintf("[%s] %s probe timed out after %s (target: %s)", CodeTimeout, e.Stage, e.Timeout, e.Target)
}

func (e *ProbeTimeoutError) Unwrap() error { return e.Cause }

// NewProbeTimeoutError creates an error for a probe that ran out of time.
func NewProbeTimeoutError(stage, target string, port int, timeout time.Duration, cause error) *ProbeTimeoutError {
	return &ProbeTimeoutError{Stage: stage, Target: target, Port: port, Timeout: timeout, Cause: cause}
}

// NetworkUnreachableError reports that no route exists to a host. The host
// is marked unreachable and its remaining probes are skipped.
type NetworkUnreachableError struct {
	Target string
	Cause  error
}

func (e *NetworkUnreachableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] network unreachable (target: %s): %v", CodeNetworkUnreachable, e.Target, e.Cause)
	}
	return fmt.Sprintf("[%s] network unreachable (target: %s)", CodeNetworkUnreachable, e.Target)
}

func (e *NetworkUnreachableError) Unwrap() error { return e.Cause }

// NewNetworkUnreachableError creates an error for an unroutable target.
func NewNetworkUnreachableError(target string, cause error) *NetworkUnreachableError {
	return &NetworkUnreachableError{Target: target, Cause: cause}
}

// CheckExecutionError reports a vulnerability check that failed or panicked.
// It never aborts the session.
type CheckExecutionError struct {
	CheckID string
	Target  string
	Port    int
	Panic   interface{}
	Cause   error
}

func (e *CheckExecutionError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("[%s] check %s panicked (target: %s:%d): %v", CodeCheckFailed, e.CheckID, e.Target, e.Port, e.Panic)
	}
	return fmt.Sprintf("[%s] check %s failed (target: %s:%d): %v", CodeCheckFailed, e.CheckID, e.Target, e.Port, e.Cause)
}

func (e *CheckExecutionError) Unwrap() error { return e.Cause }

// NewCheckExecutionError creates an error for a failed check.
func NewCheckExecutionError(checkID, target string, port int, cause error) *CheckExecutionError {
	return &CheckExecutionError{CheckID: checkID, Target: target, Port: port, Cause: cause}
}

// ConfigError represents configuration-related errors.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Field   string
	Value   interface{}
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates a new configuration error.
func NewConfigError(code ErrorCode, message string) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
	}
}

// NewConfigFieldError creates a configuration error for a specific field.
func NewConfigFieldError(code ErrorCode, message, field string, value interface{}) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Field:   field,
		Value:   value,
	}
}

// WrapConfigError wraps an existing error as a configuration error.
func WrapConfigError(code ErrorCode, message string, err error) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Utility functions for common error operations

// GetCode extracts the error code from the first typed error in the chain.
func GetCode(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	var (
		scanErr    *ScanError
		targetErr  *InvalidTargetError
		permErr    *PermissionError
		timeoutErr *ProbeTimeoutError
		netErr     *NetworkUnreachableError
		checkErr   *CheckExecutionError
		configErr  *ConfigError
	)

	switch {
	case stderrors.As(err, &targetErr):
		return CodeTargetInvalid
	case stderrors.As(err, &permErr):
		return CodePermission
	case stderrors.As(err, &timeoutErr):
		return CodeTimeout
	case stderrors.As(err, &netErr):
		return CodeNetworkUnreachable
	case stderrors.As(err, &checkErr):
		return CodeCheckFailed
	case stderrors.As(err, &configErr):
		return configErr.Code
	case stderrors.As(err, &scanErr):
		return scanErr.Code
	}
	return CodeUnknown
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}

// IsRetryable determines if an error indicates a transient condition worth
// another attempt.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeTimeout, CodeResourceExhausted, CodeRateLimited:
		return true
	default:
		return false
	}
}

// IsFatal determines if an error should stop a session before scanning
// begins. Only resolution and configuration problems qualify.
func IsFatal(err error) bool {
	switch GetCode(err) {
	case CodeTargetInvalid, CodeConfiguration, CodeValidation:
		return true
	default:
		return false
	}
}

// Common error creation functions

// ErrConfigInvalid creates an error for invalid configuration.
func ErrConfigInvalid(field string, value interface{}) *ConfigError {
	return NewConfigFieldError(CodeValidation, "Invalid configuration value", field, value)
}

// ErrConfigMissing creates an error for missing required configuration.
func ErrConfigMissing(field string) *ConfigError {
	return NewConfigFieldError(CodeConfiguration, "Required configuration field missing", field, nil)
}

// ErrResourceExhausted creates a retryable error for local descriptor
// exhaustion.
func ErrResourceExhausted(target string, err error) *ScanError {
	return WrapScanErrorWithTarget(CodeResourceExhausted, "Local socket resources exhausted", target, err)
}

// WrapFileError wraps a filesystem failure on path.
func WrapFileError(err error, path string) *ScanError {
	code := CodeFileNotFound
	if stderrors.Is(err, fs.ErrPermission) {
		code = CodeFilePermission
	}
	return WrapScanErrorWithTarget(code, "File operation failed", path, err)
}
