package domain

import (
	"errors"
	"fmt"
	"time"
)

// Errors local to a single value, run or result. None of them is fatal to the process.
var (
	ErrNotFound                      = errors.New("not found")
	ErrConfiguration                 = errors.New("configuration error")
	ErrInsufficientHistory           = errors.New("insufficient history")
	ErrAlreadyVerified               = errors.New("result already verified")
	ErrStaleWrite                    = errors.New("stale write")
	ErrInvalidValue                  = errors.New("invalid value")
	ErrUnflaggedConfirmationRequired = errors.New("result contains unflagged values and requires explicit confirmation")
	ErrTargetsLocked                 = errors.New("qc targets are locked once runs reference them")
	ErrMaterialRetired               = errors.New("qc material is retired")
	ErrInvalidDisposition            = errors.New("invalid review disposition")
	ErrDuplicate                     = errors.New("already exists")
)

// Issue codes stored on degraded values and runs.
const (
	IssueConfiguration = "CONFIGURATION_ERROR"
	IssueInvalidValue  = "INVALID_VALUE"
	IssueInsufficient  = "INSUFFICIENT_HISTORY"
)

// ConfigurationError reports missing or invalid analyte reference or QC target data.
type ConfigurationError struct {
	TestCode string
	Field    string
	Reason   string
}

// Error implements the error interface
func (e *ConfigurationError) Error() string {
	if e.TestCode == "" {
		return fmt.Sprintf("configuration error: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("configuration error for %s: %s %s", e.TestCode, e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrConfiguration.
func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

// InvalidValueError reports a non-numeric value where a numeric one was expected.
type InvalidValueError struct {
	TestCode string
	Raw      string
	Reason   string
}

// Error implements the error interface
func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("invalid value %q for %s: %s", e.Raw, e.TestCode, e.Reason)
}

// Unwrap lets errors.Is match ErrInvalidValue.
func (e *InvalidValueError) Unwrap() error {
	return ErrInvalidValue
}

// IssueCode maps an error to the code persisted on the degraded value.
func IssueCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfiguration):
		return IssueConfiguration
	case errors.Is(err, ErrInvalidValue):
		return IssueInvalidValue
	case errors.Is(err, ErrInsufficientHistory):
		return IssueInsufficient
	default:
		return ErrInternalServer
	}
}

// ErrorCode maps an engine error onto the code reported to API and tool clients.
func ErrorCode(err error) string {
	var validation *ValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validation):
		return ErrValidation
	case errors.Is(err, ErrInvalidValue), errors.Is(err, ErrInvalidDisposition):
		return ErrInvalidInput
	case errors.Is(err, ErrNotFound):
		return ErrNotFoundCode
	case errors.Is(err, ErrConfiguration):
		return ErrConfigurationCode
	case errors.Is(err, ErrInsufficientHistory):
		return ErrInsufficientData
	case errors.Is(err, ErrAlreadyVerified):
		return ErrAlreadyVerifiedKey
	case errors.Is(err, ErrStaleWrite):
		return ErrStaleWriteCode
	case errors.Is(err, ErrUnflaggedConfirmationRequired):
		return ErrConfirmationNeeded
	case errors.Is(err, ErrTargetsLocked), errors.Is(err, ErrMaterialRetired), errors.Is(err, ErrDuplicate):
		return ErrConflict
	default:
		return ErrInternalServer
	}
}

// APIError represents a standardized error response
type APIError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes for different failure scenarios
const (
	ErrInvalidInput       = "INVALID_INPUT"
	ErrDatabaseError      = "DATABASE_ERROR"
	ErrNotFoundCode       = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrConfigurationCode  = "CONFIGURATION_ERROR"
	ErrInsufficientData   = "INSUFFICIENT_HISTORY"
	ErrAlreadyVerifiedKey = "ALREADY_VERIFIED"
	ErrStaleWriteCode     = "STALE_WRITE"
	ErrConfirmationNeeded = "CONFIRMATION_REQUIRED"
	ErrRateLimit          = "RATE_LIMIT_EXCEEDED"
	ErrInternalServer     = "INTERNAL_SERVER_ERROR"
	ErrValidation         = "VALIDATION_ERROR"
)

// ValidationError represents input validation errors
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// NewAPIError creates a new APIError with timestamp
func NewAPIError(code, message, details, requestID string) *APIError {
	return &APIError{
		Code:      code,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
	}
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}
