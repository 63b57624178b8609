package service

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	domainErrors "github.com/ngoclaw/gravitygate/pkg/errors"
)

func TestRetryHandler_SuccessPassthrough(t *testing.T) {
	handler := NewRetryHandler(1, true, zap.NewNop())

	calls := 0
	result, err := handler.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	}, func(ctx context.Context) error {
		t.Fatal("refresh must not run on success")
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("op called %d times, want 1", calls)
	}
	if result.RetryCount != 0 || result.TokenRefreshSucceeded {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestRetryHandler_AuthRetryAfterRefresh(t *testing.T) {
	handler := NewRetryHandler(1, true, zap.NewNop())

	calls := 0
	refreshes := 0
	result, err := handler.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return domainErrors.NewAuthError("token expired")
		}
		return nil
	}, func(ctx context.Context) error {
		refreshes++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("op called %d times, want 2", calls)
	}
	if refreshes != 1 {
		t.Fatalf("refresh called %d times, want 1", refreshes)
	}
	if result.RetryCount != 1 || !result.TokenRefreshSucceeded {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestRetryHandler_RefreshFailureReturnsOriginal(t *testing.T) {
	handler := NewRetryHandler(1, true, zap.NewNop())

	original := domainErrors.NewAuthError("token expired")
	calls := 0
	_, err := handler.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return original
	}, func(ctx context.Context) error {
		return errors.New("refresh endpoint down")
	})
	if !errors.Is(err, original) {
		t.Fatalf("got %v, want the original auth error", err)
	}
	if calls != 1 {
		t.Fatalf("op called %d times, want 1 (no retry after failed refresh)", calls)
	}
}

func TestRetryHandler_SecondAuthFailureNotRetried(t *testing.T) {
	handler := NewRetryHandler(1, true, zap.NewNop())

	calls := 0
	second := domainErrors.NewAuthError("still unauthorized")
	_, err := handler.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return domainErrors.NewAuthError("token expired")
		}
		return second
	}, func(ctx context.Context) error {
		return nil
	})
	if !errors.Is(err, second) {
		t.Fatalf("got %v, want the second auth error verbatim", err)
	}
	if calls != 2 {
		t.Fatalf("op called %d times, want exactly 2", calls)
	}
}

func TestRetryHandler_DisabledAutoRefresh(t *testing.T) {
	handler := NewRetryHandler(1, false, zap.NewNop())

	original := domainErrors.NewAuthError("token expired")
	calls := 0
	_, err := handler.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return original
	}, func(ctx context.Context) error {
		t.Fatal("refresh must not run when auto refresh is off")
		return nil
	})
	if !errors.Is(err, original) {
		t.Fatalf("got %v, want original error", err)
	}
	if calls != 1 {
		t.Fatalf("op called %d times, want 1", calls)
	}
}

func TestRetryHandler_ZeroRetriesDisables(t *testing.T) {
	handler := NewRetryHandler(0, true, zap.NewNop())

	original := domainErrors.NewAuthError("token expired")
	_, err := handler.Execute(context.Background(), func(ctx context.Context) error {
		return original
	}, func(ctx context.Context) error {
		t.Fatal("refresh must not run with zero retries")
		return nil
	})
	if !errors.Is(err, original) {
		t.Fatalf("got %v, want original error", err)
	}
}

func TestRetryHandler_NonAuthErrorsUntouched(t *testing.T) {
	handler := NewRetryHandler(1, true, zap.NewNop())

	upstream := domainErrors.NewUpstreamError("backend exploded", 500, nil)
	calls := 0
	_, err := handler.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return upstream
	}, func(ctx context.Context) error {
		t.Fatal("refresh must not run for non-auth errors")
		return nil
	})
	if !errors.Is(err, upstream) {
		t.Fatalf("got %v, want upstream error", err)
	}
	if calls != 1 {
		t.Fatalf("op called %d times, want 1", calls)
	}
}

func TestRetryHandler_IsAuthFailure(t *testing.T) {
	if !IsAuthFailure(domainErrors.NewAuthError("nope")) {
		t.Error("typed auth error not detected")
	}
	if !IsAuthFailure(domainErrors.NewUpstreamError("denied", 401, nil)) {
		t.Error("401 upstream error not detected")
	}
	if !IsAuthFailure(errors.New("server said 401")) {
		t.Error("plain 401 message not detected")
	}
	if IsAuthFailure(domainErrors.NewRateLimitedError("slow down", 0)) {
		t.Error("rate limit misdetected as auth failure")
	}
	if IsAuthFailure(nil) {
		t.Error("nil misdetected")
	}
}
