package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError represents an application-level error with HTTP status code
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
	StatusCode int    `json:"-"`
}

func (e *AppError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Common error codes.
//
// Authentication and authorization failures (signature_mismatch, invalid_nonce,
// authorization_required) are never retried automatically; the client has to
// re-sign or complete the challenge. engine_unavailable is transient and safe
// to retry with backoff.
const (
	ErrCodeBadRequest            = "bad_request"
	ErrCodeUnauthorized          = "unauthorized"
	ErrCodeNotFound              = "not_found"
	ErrCodeRateLimited           = "rate_limited"
	ErrCodeInternalError         = "internal_error"
	ErrCodeUnknownSession        = "unknown_session"
	ErrCodeIdentityMismatch      = "identity_mismatch"
	ErrCodeAuthorizationRequired = "authorization_required"
	ErrCodeNothingToAuthorize    = "nothing_to_authorize"
	ErrCodeSignatureMismatch     = "signature_mismatch"
	ErrCodeInvalidNonce          = "invalid_nonce"
	ErrCodeUnknownOperation      = "unknown_operation"
	ErrCodeEncryptionFailure     = "encryption_failure"
	ErrCodeDecryptionFailure     = "decryption_failure"
	ErrCodeEngineUnavailable     = "engine_unavailable"
	ErrCodeTransactionFailed     = "transaction_failed"
)

// Predefined errors
var (
	ErrUnauthorized = &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    "Authentication required",
		StatusCode: http.StatusUnauthorized,
	}

	ErrBadRequest = &AppError{
		Code:       ErrCodeBadRequest,
		Message:    "Invalid request parameters",
		StatusCode: http.StatusBadRequest,
	}

	ErrInternalError = &AppError{
		Code:       ErrCodeInternalError,
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}

	ErrNothingToAuthorize = &AppError{
		Code:       ErrCodeNothingToAuthorize,
		Message:    "Session has no pending challenge and no permission",
		StatusCode: http.StatusConflict,
	}

	ErrAuthorizationRequired = &AppError{
		Code:       ErrCodeAuthorizationRequired,
		Message:    "Session is awaiting challenge signature",
		StatusCode: http.StatusForbidden,
	}
)

// New creates a new AppError
func New(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// NewWithDetail creates a new AppError with additional detail
func NewWithDetail(code, message, detail string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		Detail:     detail,
		StatusCode: statusCode,
	}
}

// UnknownSession creates an unknown session error
func UnknownSession(sessionID string) *AppError {
	return &AppError{
		Code:       ErrCodeUnknownSession,
		Message:    "Session not found",
		Detail:     fmt.Sprintf("session_id: %s", sessionID),
		StatusCode: http.StatusNotFound,
	}
}

// IdentityMismatch creates an identity mismatch error
func IdentityMismatch(detail string) *AppError {
	return &AppError{
		Code:       ErrCodeIdentityMismatch,
		Message:    "Supplied key does not belong to the claimed owner",
		Detail:     detail,
		StatusCode: http.StatusBadRequest,
	}
}

// SignatureMismatch creates a signature mismatch error
func SignatureMismatch(detail string) *AppError {
	return &AppError{
		Code:       ErrCodeSignatureMismatch,
		Message:    "Signature does not recover to the expected signer",
		Detail:     detail,
		StatusCode: http.StatusUnauthorized,
	}
}

// InvalidNonce creates an invalid nonce error
func InvalidNonce(claimed, expected uint64) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidNonce,
		Message:    "Request nonce does not match session nonce",
		Detail:     fmt.Sprintf("claimed: %d, expected: %d", claimed, expected),
		StatusCode: http.StatusConflict,
	}
}

// UnknownOperation creates an unknown operation error
func UnknownOperation(name string) *AppError {
	return &AppError{
		Code:       ErrCodeUnknownOperation,
		Message:    "Operation not found in contract ABI",
		Detail:     fmt.Sprintf("operation: %s", name),
		StatusCode: http.StatusNotFound,
	}
}

// EncryptionFailure creates an engine-level encryption error
func EncryptionFailure(detail string) *AppError {
	return &AppError{
		Code:       ErrCodeEncryptionFailure,
		Message:    "Encryption engine call failed",
		Detail:     detail,
		StatusCode: http.StatusBadGateway,
	}
}

// DecryptionFailure creates an engine-level decryption error
func DecryptionFailure(detail string) *AppError {
	return &AppError{
		Code:       ErrCodeDecryptionFailure,
		Message:    "Decryption engine call failed",
		Detail:     detail,
		StatusCode: http.StatusBadGateway,
	}
}

// EngineUnavailable creates a transient engine initialization error
func EngineUnavailable(detail string) *AppError {
	return &AppError{
		Code:       ErrCodeEngineUnavailable,
		Message:    "Crypto engine is not available",
		Detail:     detail,
		StatusCode: http.StatusServiceUnavailable,
	}
}

// TransactionFailed creates a transaction failure error
func TransactionFailed(detail string) *AppError {
	return &AppError{
		Code:       ErrCodeTransactionFailed,
		Message:    "Transaction failed",
		Detail:     detail,
		StatusCode: http.StatusBadGateway,
	}
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsCode reports whether err is an AppError with the given code
func IsCode(err error, code string) bool {
	appErr, ok := IsAppError(err)
	return ok && appErr.Code == code
}
