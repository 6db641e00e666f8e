package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a SyncError so one observable error value can drive a single UI state.
type Kind string

const (
	// KindConfiguration marks missing or invalid client options. Fatal, never retried.
	KindConfiguration Kind = "configuration"
	// KindConnection marks handshake or transport failures, retried per backoff policy.
	KindConnection Kind = "connection"
	// KindEmit marks an intent that could not be sent. The intent is dropped.
	KindEmit Kind = "emit"
	// KindHandler marks a failure inside a consumer callback, caught at the dispatch boundary.
	KindHandler Kind = "handler"
	// KindProtocol marks an intent rejected by the authority.
	KindProtocol Kind = "protocol"
	// KindInternal is the fallback for untyped failures.
	KindInternal Kind = "internal"
)

// SyncError is the structured error surfaced by the client core and the authority server.
type SyncError struct {
	Kind       Kind   `json:"kind"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Internal   error  `json:"-"`
}

func (e *SyncError) Error() string {
	if e == nil {
		return "<nil>"
	}

	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Internal)
	}

	return e.Message
}

// Unwrap exposes the internal error for errors.Is / errors.As compatibility.
func (e *SyncError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Internal
}

// Is matches on Code so copies produced by WithInternal still compare equal to their sentinel.
func (e *SyncError) Is(target error) bool {
	var other *SyncError
	if !errors.As(target, &other) || e == nil || other == nil {
		return false
	}
	return e.Code == other.Code
}

// WithInternal returns a copy of the SyncError with an attached internal error.
func (e *SyncError) WithInternal(err error) *SyncError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Internal = err
	return &cpy
}

// WithMessage returns a copy of the SyncError carrying a more specific message.
func (e *SyncError) WithMessage(message string) *SyncError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Message = message
	return &cpy
}

// Client side taxonomy.
var (
	ErrMissingURL = &SyncError{
		Kind:       KindConfiguration,
		Code:       "config.missing_url",
		Message:    "Channel URL is required",
		StatusCode: http.StatusBadRequest,
	}

	ErrMissingToken = &SyncError{
		Kind:       KindConfiguration,
		Code:       "config.missing_token",
		Message:    "Auth token is required",
		StatusCode: http.StatusBadRequest,
	}

	ErrConnectFailed = &SyncError{
		Kind:       KindConnection,
		Code:       "connection.failed",
		Message:    "Connection to the collaboration channel failed",
		StatusCode: http.StatusBadGateway,
	}

	ErrReconnectFailed = &SyncError{
		Kind:       KindConnection,
		Code:       "connection.reconnect_failed",
		Message:    "Reconnection failed; retry manually",
		StatusCode: http.StatusBadGateway,
	}

	ErrNotConnected = &SyncError{
		Kind:       KindEmit,
		Code:       "emit.not_connected",
		Message:    "Cannot send while disconnected",
		StatusCode: http.StatusServiceUnavailable,
	}

	ErrSendBufferFull = &SyncError{
		Kind:       KindEmit,
		Code:       "emit.buffer_full",
		Message:    "Outbound buffer is full",
		StatusCode: http.StatusServiceUnavailable,
	}

	ErrEncodeFailed = &SyncError{
		Kind:       KindEmit,
		Code:       "emit.encode_failed",
		Message:    "Failed to encode outbound intent",
		StatusCode: http.StatusBadRequest,
	}

	ErrInvalidIntent = &SyncError{
		Kind:       KindEmit,
		Code:       "emit.invalid",
		Message:    "Intent payload is invalid",
		StatusCode: http.StatusBadRequest,
	}

	ErrHandlerFailed = &SyncError{
		Kind:       KindHandler,
		Code:       "handler.failed",
		Message:    "Event handler failed",
		StatusCode: http.StatusInternalServerError,
	}
)

// Authority side taxonomy, delivered to clients as thread:error frames.
var (
	ErrNotLockHolder = &SyncError{
		Kind:       KindProtocol,
		Code:       "lock.not_holder",
		Message:    "Edit lock is not held by this user",
		StatusCode: http.StatusConflict,
	}

	ErrNotMember = &SyncError{
		Kind:       KindProtocol,
		Code:       "room.not_member",
		Message:    "Join the thread before sending intents",
		StatusCode: http.StatusForbidden,
	}

	ErrBadIntent = &SyncError{
		Kind:       KindProtocol,
		Code:       "intent.invalid",
		Message:    "Invalid intent payload",
		StatusCode: http.StatusBadRequest,
	}

	ErrUnauthorized = &SyncError{
		Kind:       KindProtocol,
		Code:       "UNAUTHORIZED",
		Message:    "Authentication required",
		StatusCode: http.StatusUnauthorized,
	}

	ErrNotFound = &SyncError{
		Kind:       KindProtocol,
		Code:       "NOT_FOUND",
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	ErrInternal = &SyncError{
		Kind:       KindInternal,
		Code:       "INTERNAL_SERVER_ERROR",
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}
)

// New builds a new error with the provided metadata.
func New(kind Kind, code, message string, statusCode int) *SyncError {
	return &SyncError{
		Kind:       kind,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap turns any error into an internal SyncError while keeping the original error for logging.
func Wrap(err error, message string) *SyncError {
	return &SyncError{
		Kind:       KindInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Internal:   err,
	}
}

// FromError converts a generic error into a SyncError, defaulting to ErrInternal.
func FromError(err error) *SyncError {
	if err == nil {
		return nil
	}

	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr
	}

	return ErrInternal.WithInternal(err)
}

// KindOf reports the kind of err, or "" when err is nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return FromError(err).Kind
}
