package service

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	domainErrors "github.com/ngoclaw/gravitygate/pkg/errors"
)

// RetryResult reports what the retry handler did for one dispatch.
type RetryResult struct {
	RetryCount            int
	TokenRefreshSucceeded bool
}

// RetryHandler wraps an upstream dispatch with a single 401-triggered token
// refresh and retry. Any second auth failure is returned verbatim.
type RetryHandler struct {
	maxAuthRetries int
	autoRefresh    bool
	logger         *zap.Logger
}

// NewRetryHandler creates a handler. maxAuthRetries below zero resets to the
// default of one; zero disables retrying entirely.
func NewRetryHandler(maxAuthRetries int, autoRefresh bool, logger *zap.Logger) *RetryHandler {
	if maxAuthRetries < 0 {
		maxAuthRetries = 1
	}
	return &RetryHandler{
		maxAuthRetries: maxAuthRetries,
		autoRefresh:    autoRefresh,
		logger:         logger,
	}
}

// Execute runs op once and, on an auth failure, refreshes credentials and
// runs op exactly one more time. All other failures pass through untouched.
// A failed refresh surfaces the original auth error so the client sees the
// authentication failure, not the refresh internals.
func (h *RetryHandler) Execute(ctx context.Context, op func(context.Context) error, refresh func(context.Context) error) (*RetryResult, error) {
	result := &RetryResult{}

	err := op(ctx)
	if err == nil || !IsAuthFailure(err) {
		return result, err
	}

	if h.maxAuthRetries < 1 || !h.autoRefresh || refresh == nil {
		return result, err
	}

	if refreshErr := refresh(ctx); refreshErr != nil {
		h.logger.Warn("Token refresh failed, surfacing original auth error",
			zap.Error(refreshErr),
		)
		return result, err
	}
	result.TokenRefreshSucceeded = true

	result.RetryCount = 1
	return result, op(ctx)
}

// IsAuthFailure reports whether err looks like an upstream authentication
// failure: a classified auth error, a 401 status, or a message carrying
// "401" / "Unauthorized".
func IsAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	if appErr, ok := domainErrors.As(err); ok {
		if appErr.Code == domainErrors.CodeAuthError || appErr.StatusCode == http.StatusUnauthorized {
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "401") || strings.Contains(msg, "Unauthorized")
}
