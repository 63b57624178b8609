package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode 错误码类型
type ErrorCode string

const (
	CodeInvalidRequest  ErrorCode = "INVALID_REQUEST"
	CodeNotFound        ErrorCode = "NOT_FOUND"
	CodeAuthError       ErrorCode = "AUTH_ERROR"
	CodeRateLimited     ErrorCode = "RATE_LIMITED"
	CodeQuotaExceeded   ErrorCode = "QUOTA_EXCEEDED"
	CodeUpstreamTimeout ErrorCode = "UPSTREAM_TIMEOUT"
	CodeUpstreamError   ErrorCode = "UPSTREAM_ERROR"
	CodeUnavailable     ErrorCode = "SERVICE_UNAVAILABLE"
	CodeInternal        ErrorCode = "INTERNAL_ERROR"
)

// AppError 应用错误
type AppError struct {
	Code    ErrorCode
	Message string
	// RetryAfter 限流场景下建议的重试间隔，0 表示上游未提供
	RetryAfter time.Duration
	// StatusCode 上游返回的原始 HTTP 状态码，0 表示不适用
	StatusCode int
	Err        error
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 实现 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus 返回应答给客户端的 HTTP 状态码
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAuthError:
		return http.StatusUnauthorized
	case CodeRateLimited, CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case CodeUpstreamTimeout:
		return http.StatusGatewayTimeout
	case CodeUpstreamError:
		return http.StatusBadGateway
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewInvalidRequestError 创建无效请求错误
func NewInvalidRequestError(message string) *AppError {
	return &AppError{
		Code:    CodeInvalidRequest,
		Message: message,
	}
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(message string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: message,
	}
}

// NewAuthError 创建认证错误
func NewAuthError(message string) *AppError {
	return &AppError{
		Code:       CodeAuthError,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

// NewAuthErrorWithCause 创建带原因的认证错误
func NewAuthErrorWithCause(message string, cause error) *AppError {
	return &AppError{
		Code:       CodeAuthError,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
		Err:        cause,
	}
}

// NewRateLimitedError 创建限流错误
func NewRateLimitedError(message string, retryAfter time.Duration) *AppError {
	return &AppError{
		Code:       CodeRateLimited,
		Message:    message,
		RetryAfter: retryAfter,
		StatusCode: http.StatusTooManyRequests,
	}
}

// NewQuotaExceededError 创建配额耗尽错误
func NewQuotaExceededError(message string, retryAfter time.Duration) *AppError {
	return &AppError{
		Code:       CodeQuotaExceeded,
		Message:    message,
		RetryAfter: retryAfter,
		StatusCode: http.StatusTooManyRequests,
	}
}

// NewUpstreamTimeoutError 创建上游超时错误
func NewUpstreamTimeoutError(message string, cause error) *AppError {
	return &AppError{
		Code:       CodeUpstreamTimeout,
		Message:    message,
		StatusCode: http.StatusGatewayTimeout,
		Err:        cause,
	}
}

// NewUpstreamError 创建上游错误
func NewUpstreamError(message string, statusCode int, cause error) *AppError {
	return &AppError{
		Code:       CodeUpstreamError,
		Message:    message,
		StatusCode: statusCode,
		Err:        cause,
	}
}

// NewUnavailableError 创建服务不可用错误
func NewUnavailableError(message string) *AppError {
	return &AppError{
		Code:       CodeUnavailable,
		Message:    message,
		StatusCode: http.StatusServiceUnavailable,
	}
}

// NewInternalError 创建内部错误
func NewInternalError(message string) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: message,
	}
}

// NewInternalErrorWithCause 创建带原因的内部错误
func NewInternalErrorWithCause(message string, cause error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: message,
		Err:     cause,
	}
}

// As 从错误链中提取 AppError
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsAuthError 判断是否为认证错误
func IsAuthError(err error) bool {
	if appErr, ok := As(err); ok {
		return appErr.Code == CodeAuthError
	}
	return false
}

// IsRateLimited 判断是否为限流错误（含配额耗尽）
func IsRateLimited(err error) bool {
	if appErr, ok := As(err); ok {
		return appErr.Code == CodeRateLimited || appErr.Code == CodeQuotaExceeded
	}
	return false
}

// IsQuotaExceeded 判断是否为配额耗尽错误
func IsQuotaExceeded(err error) bool {
	if appErr, ok := As(err); ok {
		return appErr.Code == CodeQuotaExceeded
	}
	return false
}

// IsUpstreamTimeout 判断是否为上游超时错误
func IsUpstreamTimeout(err error) bool {
	if appErr, ok := As(err); ok {
		return appErr.Code == CodeUpstreamTimeout
	}
	return false
}

// IsInvalidRequest 判断是否为无效请求错误
func IsInvalidRequest(err error) bool {
	if appErr, ok := As(err); ok {
		return appErr.Code == CodeInvalidRequest
	}
	return false
}

// IsNotFound 判断是否为未找到错误
func IsNotFound(err error) bool {
	if appErr, ok := As(err); ok {
		return appErr.Code == CodeNotFound
	}
	return false
}

// RetryAfterOf 提取错误建议的重试间隔，无则返回 0
func RetryAfterOf(err error) time.Duration {
	if appErr, ok := As(err); ok {
		return appErr.RetryAfter
	}
	return 0
}
