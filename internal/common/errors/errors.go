// Package errors provides the error taxonomy shared by the mailbox, messaging
// and transport layers, plus its mapping onto BPMN errors and HTTP statuses.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

// Domain errors
const (
	ErrCodeInvalidRecipient ErrorCode = "INVALID_RECIPIENT"
	ErrCodeInvalidPayload   ErrorCode = "INVALID_PAYLOAD"
	ErrCodeInvalidMessage   ErrorCode = "INVALID_MESSAGE"
	ErrCodeInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrCodeDeliveryFailed   ErrorCode = "DELIVERY_FAILED"
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
)

// Infrastructure errors
const (
	ErrCodeStoreUnavailable      ErrorCode = "STORE_UNAVAILABLE"
	ErrCodeIdentityLookupFailed  ErrorCode = "IDENTITY_LOOKUP_FAILED"
	ErrCodeAuthentication        ErrorCode = "AUTHENTICATION_ERROR"
	ErrCodeForbidden             ErrorCode = "FORBIDDEN"
	ErrCodeSchemaValidationError ErrorCode = "SCHEMA_VALIDATION_FAILED"
	ErrCodeTimeout               ErrorCode = "TIMEOUT_ERROR"
	ErrCodeInternal              ErrorCode = "INTERNAL_ERROR"
)

// MetaOutcomeUnknown marks a failure where the write may or may not have
// been applied (deadline hit after the request left).
const MetaOutcomeUnknown = "outcomeUnknown"

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`

	cause error
}

func (e *StandardError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("StandardError[%s]: %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// Is matches any *StandardError with the same code, so callers can test
// against the sentinels below with errors.Is.
func (e *StandardError) Is(target error) bool {
	t, ok := target.(*StandardError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func (e *StandardError) Unwrap() error { return e.cause }

// WithMeta returns a copy of e carrying an extra metadata entry.
func (e *StandardError) WithMeta(key string, value interface{}) *StandardError {
	cp := *e
	cp.Metadata = make(map[string]interface{}, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		cp.Metadata[k] = v
	}
	cp.Metadata[key] = value
	return &cp
}

// OutcomeUnknown reports whether err is a delivery failure whose write may
// still have been applied.
func OutcomeUnknown(err error) bool {
	var se *StandardError
	if !stderrors.As(err, &se) {
		return false
	}
	v, _ := se.Metadata[MetaOutcomeUnknown].(bool)
	return v
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidRecipient = &StandardError{Code: ErrCodeInvalidRecipient, Message: "invalid recipient"}
	ErrInvalidPayload   = &StandardError{Code: ErrCodeInvalidPayload, Message: "invalid notification payload"}
	ErrInvalidMessage   = &StandardError{Code: ErrCodeInvalidMessage, Message: "invalid message"}
	ErrInvalidInput     = &StandardError{Code: ErrCodeInvalidInput, Message: "invalid input"}
	ErrDeliveryFailed   = &StandardError{Code: ErrCodeDeliveryFailed, Message: "delivery failed"}
	ErrNotFound         = &StandardError{Code: ErrCodeNotFound, Message: "not found"}
)

// ==========================
// 2. BPMN Error Integration
// ==========================

// BPMNError represents an error that can be thrown to the Camunda workflow engine.
type BPMNError struct {
	Code           string                 `json:"code"`
	Message        string                 `json:"message"`
	Details        string                 `json:"details,omitempty"`
	Retryable      bool                   `json:"retryable"`
	Retries        int                    `json:"retries"`
	ErrorVariables map[string]interface{} `json:"errorVariables,omitempty"`
}

func (e *BPMNError) Error() string {
	return fmt.Sprintf("BPMNError[%s]: %s", e.Code, e.Message)
}

// ToErrorVariables returns a map suitable for setting Camunda job fail variables.
func (e *BPMNError) ToErrorVariables() map[string]interface{} {
	vars := map[string]interface{}{
		"errorCode":    e.Code,
		"errorMessage": e.Message,
		"errorDetails": e.Details,
		"retryable":    e.Retryable,
	}
	for k, v := range e.ErrorVariables {
		vars[k] = v
	}
	return vars
}

// ==========================
// 3. Error Constructors
// ==========================

func newError(code ErrorCode, message, details string, retryable bool) *StandardError {
	return &StandardError{
		Code:      code,
		Message:   message,
		Details:   details,
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
	}
}

// NewInvalidRecipientError is returned when a recipient id is missing.
func NewInvalidRecipientError(details string) *StandardError {
	return newError(ErrCodeInvalidRecipient, "Recipient is missing or invalid", details, false)
}

// NewInvalidPayloadError is returned for an unknown type or missing title.
func NewInvalidPayloadError(details string) *StandardError {
	return newError(ErrCodeInvalidPayload, "Notification payload is invalid", details, false)
}

// NewInvalidMessageError is returned for empty or whitespace-only message text.
func NewInvalidMessageError(details string) *StandardError {
	return newError(ErrCodeInvalidMessage, "Message text must not be empty", details, false)
}

// NewInvalidInputError covers malformed participant pairs and similar.
func NewInvalidInputError(details string) *StandardError {
	return newError(ErrCodeInvalidInput, "Invalid input", details, false)
}

// NewDeliveryFailedError wraps a store write failure. Always retryable.
func NewDeliveryFailedError(recipientID string, err error) *StandardError {
	e := newError(ErrCodeDeliveryFailed, "Notification delivery failed",
		fmt.Sprintf("recipient: %s, error: %v", recipientID, err), true)
	e.cause = err
	e.Metadata = map[string]interface{}{"recipientId": recipientID}
	return e
}

// NewDeliveryTimeoutError is a DeliveryFailed whose outcome is unknown.
func NewDeliveryTimeoutError(recipientID string, err error) *StandardError {
	return NewDeliveryFailedError(recipientID, err).WithMeta(MetaOutcomeUnknown, true)
}

func NewNotFoundError(resource, id string) *StandardError {
	return newError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), fmt.Sprintf("id: %s", id), false)
}

// NewStoreUnavailableError wraps a datastore failure outside the dispatch path.
func NewStoreUnavailableError(op string, err error) *StandardError {
	e := newError(ErrCodeStoreUnavailable, "Datastore operation failed",
		fmt.Sprintf("op: %s, error: %v", op, err), true)
	e.cause = err
	return e
}

func NewIdentityLookupFailedError(err error) *StandardError {
	e := newError(ErrCodeIdentityLookupFailed, "Identity provider lookup failed", err.Error(), true)
	e.cause = err
	return e
}

func NewAuthenticationError(details string) *StandardError {
	return newError(ErrCodeAuthentication, "Authentication failed", details, false)
}

func NewForbiddenError(details string) *StandardError {
	return newError(ErrCodeForbidden, "Operation not permitted", details, false)
}

func NewSchemaValidationError(details string) *StandardError {
	return newError(ErrCodeSchemaValidationError, "Input does not match schema", details, false)
}

func NewTimeoutError(service string, err error) *StandardError {
	e := newError(ErrCodeTimeout, fmt.Sprintf("Service '%s' timeout", service), err.Error(), true)
	e.cause = err
	return e
}

func NewExternalServiceError(service string, err error) *StandardError {
	e := newError("EXTERNAL_SERVICE_ERROR", fmt.Sprintf("External service '%s' error", service), err.Error(), true)
	e.cause = err
	return e
}

func NewResourceNotFoundError(service, details string) *StandardError {
	return newError("RESOURCE_NOT_FOUND", fmt.Sprintf("Resource not found in %s", service), details, false)
}

// ==========================
// 4. Error Conversion to BPMN
// ==========================

// BPMNErrorMapping maps internal error codes to BPMN error codes.
var BPMNErrorMapping = map[ErrorCode]string{
	ErrCodeInvalidRecipient:      "INVALID_RECIPIENT",
	ErrCodeInvalidPayload:        "INVALID_PAYLOAD",
	ErrCodeInvalidMessage:        "INVALID_MESSAGE",
	ErrCodeInvalidInput:          "INVALID_INPUT",
	ErrCodeDeliveryFailed:        "NOTIFICATION_DELIVERY_FAILED",
	ErrCodeSchemaValidationError: "INVALID_PAYLOAD",
	ErrCodeStoreUnavailable:      "STORE_UNAVAILABLE",
	ErrCodeIdentityLookupFailed:  "IDENTITY_LOOKUP_FAILED",
}

// GetRetryCount returns the recommended retry count for a job failing with code.
func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeDeliveryFailed,
		ErrCodeStoreUnavailable,
		ErrCodeIdentityLookupFailed:
		return 3
	case ErrCodeTimeout:
		return 2
	default:
		return 0
	}
}

// ConvertToBPMNError converts a StandardError to a BPMNError for Camunda.
func ConvertToBPMNError(stdErr *StandardError) *BPMNError {
	bpmnCode, ok := BPMNErrorMapping[stdErr.Code]
	if !ok {
		bpmnCode = string(stdErr.Code)
	}

	retries := GetRetryCount(stdErr.Code)
	if !stdErr.Retryable {
		retries = 0
	}

	return &BPMNError{
		Code:      bpmnCode,
		Message:   stdErr.Message,
		Details:   stdErr.Details,
		Retryable: stdErr.Retryable,
		Retries:   retries,
		ErrorVariables: map[string]interface{}{
			"originalErrorCode": string(stdErr.Code),
			"timestamp":         stdErr.Timestamp.Format(time.RFC3339),
		},
	}
}

// ==========================
// 5. Utility Functions
// ==========================

// IsRetryableErrorCode checks if an error code is retryable.
func IsRetryableErrorCode(code ErrorCode) bool {
	return GetRetryCount(code) > 0
}

// IsRetryable reports whether err is a retryable StandardError.
func IsRetryable(err error) bool {
	var se *StandardError
	return stderrors.As(err, &se) && se.Retryable
}

// CodeOf returns the code of err, or INTERNAL_ERROR for foreign errors.
func CodeOf(err error) ErrorCode {
	var se *StandardError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// GetErrorCategory returns the category of the error code.
func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "INVALID") || strings.Contains(codeStr, "VALIDATION"):
		return "VALIDATION"
	case strings.Contains(codeStr, "DELIVERY"):
		return "NOTIFICATION"
	case strings.Contains(codeStr, "STORE"):
		return "DATABASE"
	case strings.Contains(codeStr, "IDENTITY") || strings.Contains(codeStr, "AUTH") || code == ErrCodeForbidden:
		return "AUTH"
	case strings.Contains(codeStr, "NOT_FOUND"):
		return "NOT_FOUND"
	default:
		return "OTHER"
	}
}

// HTTPStatus maps an error onto the status the API layer responds with.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrCodeInvalidRecipient, ErrCodeInvalidPayload, ErrCodeInvalidMessage,
		ErrCodeInvalidInput, ErrCodeSchemaValidationError:
		return http.StatusBadRequest
	case ErrCodeNotFound, "RESOURCE_NOT_FOUND":
		return http.StatusNotFound
	case ErrCodeAuthentication:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeDeliveryFailed, ErrCodeStoreUnavailable, ErrCodeIdentityLookupFailed:
		return http.StatusServiceUnavailable
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
