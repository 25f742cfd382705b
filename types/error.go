package types

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unified error code across the memory core.
type ErrorCode string

// Memory error codes
const (
	ErrValidation         ErrorCode = "VALIDATION"
	ErrNotFound           ErrorCode = "NOT_FOUND"
	ErrWriteFailed        ErrorCode = "WRITE_FAILED"
	ErrQueryFailed        ErrorCode = "QUERY_FAILED"
	ErrCircuitOpen        ErrorCode = "CIRCUIT_OPEN"
	ErrDependencyMissing  ErrorCode = "DEPENDENCY_MISSING"
	ErrBackendUnavailable ErrorCode = "BACKEND_UNAVAILABLE"
	ErrInternal           ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and cause.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Backend   string    `json:"backend,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithBackend sets the backend name.
func (e *Error) WithBackend(backend string) *Error {
	e.Backend = backend
	return e
}

// =============================================================================
// 常用错误构造
// =============================================================================

// NewValidationError 输入非法，永不重试
func NewValidationError(format string, args ...any) *Error {
	return NewError(ErrValidation, fmt.Sprintf(format, args...))
}

// NewNotFoundError 目标不存在
func NewNotFoundError(what, id string) *Error {
	return NewError(ErrNotFound, fmt.Sprintf("%s %q not found", what, id))
}

// NewWriteError 重试耗尽后的写入失败
func NewWriteError(op string, cause error) *Error {
	return NewError(ErrWriteFailed, op+" failed").WithCause(cause)
}

// NewQueryError 重试耗尽后的读取失败
func NewQueryError(op string, cause error) *Error {
	return NewError(ErrQueryFailed, op+" failed").WithCause(cause)
}

// NewCircuitOpenError 熔断快速失败
func NewCircuitOpenError(backend string) *Error {
	return NewError(ErrCircuitOpen, "backend temporarily unavailable").WithBackend(backend)
}

// NewDependencyError 必需组件未配置
func NewDependencyError(component string) *Error {
	return NewError(ErrDependencyMissing, component+" is not configured")
}

// NewUnavailableError 后端暂时不可用（可重试）
func NewUnavailableError(backend string, cause error) *Error {
	return NewError(ErrBackendUnavailable, "backend unavailable").
		WithBackend(backend).
		WithCause(cause).
		WithRetryable(true)
}

// =============================================================================
// 错误判断
// =============================================================================

// AsError extracts *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// GetErrorCode extracts the outermost error code from an error chain.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether any *Error in the error tree carries code,
// including errors joined with errors.Join or multiple %w verbs.
func IsErrorCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	if e, ok := err.(*Error); ok && e.Code == code {
		return true
	}
	switch u := err.(type) {
	case interface{ Unwrap() error }:
		return IsErrorCode(u.Unwrap(), code)
	case interface{ Unwrap() []error }:
		for _, inner := range u.Unwrap() {
			if IsErrorCode(inner, code) {
				return true
			}
		}
	}
	return false
}

// IsValidation 是否为输入校验错误
func IsValidation(err error) bool { return IsErrorCode(err, ErrValidation) }

// IsNotFound 是否为不存在
func IsNotFound(err error) bool { return IsErrorCode(err, ErrNotFound) }

// IsCircuitOpen 是否为熔断快速失败
func IsCircuitOpen(err error) bool { return IsErrorCode(err, ErrCircuitOpen) }

// IsDependencyMissing 是否为组件缺失
func IsDependencyMissing(err error) bool { return IsErrorCode(err, ErrDependencyMissing) }

// IsRetryable checks if the outermost structured error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// IsTransient 判断错误是否属于可重试的瞬时失败（超时、连接拒绝、后端不可用）。
// 校验、不存在、熔断打开均不是瞬时失败。调用方取消也不是。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if IsValidation(err) || IsNotFound(err) || IsCircuitOpen(err) || IsDependencyMissing(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return IsRetryable(err)
}

// IsClientError 校验与不存在不计入熔断失败
func IsClientError(err error) bool {
	return IsValidation(err) || IsNotFound(err)
}

// HTTPStatus 将错误映射为 API 层的 HTTP 状态码
func HTTPStatus(err error) int {
	switch GetErrorCode(err) {
	case "":
		if err == nil {
			return http.StatusOK
		}
		return http.StatusInternalServerError
	case ErrValidation:
		return http.StatusBadRequest
	case ErrNotFound:
		return http.StatusNotFound
	case ErrCircuitOpen, ErrBackendUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage 返回可暴露给终端用户的信息，不泄露后端错误细节
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	e, ok := AsError(err)
	if !ok {
		return "internal error"
	}
	switch e.Code {
	case ErrValidation, ErrNotFound:
		return e.Message
	case ErrCircuitOpen, ErrBackendUnavailable:
		return "service temporarily unavailable"
	default:
		return "internal error"
	}
}
