package retry

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/commerce-coordinator/internal/domain"
)

type recordedCall struct {
	endpoint string
	attempts int
	err      error
}

type stubRecorder struct {
	calls []recordedCall
}

func (r *stubRecorder) ObserveRemoteCall(endpoint string, attempts int, err error) {
	r.calls = append(r.calls, recordedCall{endpoint: endpoint, attempts: attempts, err: err})
}

func noSleep(delays *[]time.Duration) Option {
	return WithSleep(func(_ context.Context, d time.Duration) error {
		if delays != nil {
			*delays = append(*delays, d)
		}
		return nil
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxAttempts != 3 {
		t.Fatalf("unexpected MaxAttempts: %d", cfg.MaxAttempts)
	}
	if cfg.InitialDelay <= 0 || cfg.MaxDelay <= 0 {
		t.Fatalf("delays must be positive: %+v", cfg)
	}
	if cfg.BackoffFactor <= 1 {
		t.Fatalf("backoff factor should be > 1: %f", cfg.BackoffFactor)
	}
}

func TestRead_RetryThenSuccess(t *testing.T) {
	var delays []time.Duration
	cfg := Config{MaxAttempts: 4, InitialDelay: 10 * time.Millisecond, MaxDelay: 25 * time.Millisecond, BackoffFactor: 2}
	caller := New(cfg, nil, noSleep(&delays))

	attempts := 0
	err := caller.Read(context.Background(), "get_order", "O1", func(context.Context) error {
		attempts++
		if attempts < 4 {
			return &domain.OMSError{Op: "GetOrderByID", StatusCode: http.StatusBadGateway, Err: domain.ErrTemporary}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 4 {
		t.Fatalf("expected 4 attempts, got %d", attempts)
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("unexpected delays %v", delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("unexpected delays %v, want %v", delays, want)
		}
	}
}

func TestRead_ExhaustedWrapsRemoteCallFailed(t *testing.T) {
	recorder := &stubRecorder{}
	caller := New(Config{MaxAttempts: 3}, nil, noSleep(nil), WithRecorder(recorder))

	lastErr := &url.Error{Op: "Get", URL: "http://oms/orders/O1", Err: errors.New("connection refused")}
	err := caller.Read(context.Background(), "get_order", "O1", func(context.Context) error {
		return lastErr
	})
	if !errors.Is(err, ErrRemoteCallFailed) {
		t.Fatalf("expected ErrRemoteCallFailed, got %v", err)
	}
	var urlErr *url.Error
	if !errors.As(err, &urlErr) {
		t.Fatalf("last error must stay in chain, got %v", err)
	}
	if len(recorder.calls) != 1 || recorder.calls[0].attempts != 3 {
		t.Fatalf("unexpected recorded calls %+v", recorder.calls)
	}
}

func TestWrite_ExhaustedReturnsLastError(t *testing.T) {
	caller := New(Config{MaxAttempts: 2}, nil, noSleep(nil))

	attempts := 0
	err := caller.Write(context.Background(), "transition_line_items", "O1", func(context.Context) error {
		attempts++
		return domain.ErrTemporary
	})
	if err != domain.ErrTemporary {
		t.Fatalf("expected last error as is, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestCaller_FatalErrorsAreNotRetried(t *testing.T) {
	caller := New(Config{MaxAttempts: 5}, nil, noSleep(nil))

	cases := map[string]error{
		"version conflict": &domain.OMSError{Op: "TransitionLineItems", StatusCode: http.StatusConflict, Err: domain.ErrVersionConflict},
		"already refunded": domain.ErrChargeAlreadyRefunded,
		"permanent":        domain.Permanent(domain.ErrTemporary),
		"canceled":         context.Canceled,
	}
	for name, callErr := range cases {
		t.Run(name, func(t *testing.T) {
			attempts := 0
			err := caller.Read(context.Background(), "op", "tag", func(context.Context) error {
				attempts++
				return callErr
			})
			if attempts != 1 {
				t.Fatalf("expected a single attempt, got %d", attempts)
			}
			if !errors.Is(err, callErr) || errors.Is(err, ErrRemoteCallFailed) {
				t.Fatalf("fatal error must be returned unchanged, got %v", err)
			}
		})
	}
}

func TestValueHelpers(t *testing.T) {
	caller := New(Config{MaxAttempts: 2}, nil, noSleep(nil))

	calls := 0
	got, err := ReadValue(context.Background(), caller, "get_customer", "C1", func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", context.DeadlineExceeded
		}
		return "jane", nil
	})
	if err != nil || got != "jane" {
		t.Fatalf("unexpected result %q %v", got, err)
	}

	n, err := WriteValue(context.Background(), caller, "refund", "ch_1", func(context.Context) (int, error) {
		return 0, domain.ErrRefundDeclined
	})
	if !errors.Is(err, domain.ErrRefundDeclined) || n != 0 {
		t.Fatalf("unexpected result %d %v", n, err)
	}
}

func TestCaller_StopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	caller := New(Config{MaxAttempts: 5, InitialDelay: time.Hour}, nil)
	attempts := 0
	err := caller.Write(ctx, "op", "tag", func(context.Context) error {
		attempts++
		return domain.ErrTemporary
	})
	if attempts != 1 || !errors.Is(err, domain.ErrTemporary) {
		t.Fatalf("expected single attempt with last error, got attempts=%d err=%v", attempts, err)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"oms 503", &domain.OMSError{StatusCode: http.StatusServiceUnavailable, Err: errors.New("x")}, true},
		{"oms 429", &domain.OMSError{StatusCode: http.StatusTooManyRequests, Err: errors.New("x")}, true},
		{"oms 404", &domain.OMSError{StatusCode: http.StatusNotFound, Err: domain.ErrOrderNotFound}, false},
		{"temporary", domain.ErrTemporary, true},
		{"deadline", context.DeadlineExceeded, true},
		{"url error", &url.Error{Op: "Get", URL: "x", Err: errors.New("eof")}, true},
		{"circuit open", ErrCircuitOpen, true},
		{"unknown", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Fatalf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestCircuitBreaker(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(2, time.Minute, nil)
	cb.now = func() time.Time { return now }

	fail := func() error { return domain.ErrTemporary }
	_ = cb.Execute("refund", fail)
	_ = cb.Execute("refund", fail)
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open breaker, got %s", cb.State())
	}

	called := false
	if err := cb.Execute("refund", func() error { called = true; return nil }); !errors.Is(err, ErrCircuitOpen) || called {
		t.Fatalf("open breaker must short-circuit, err=%v called=%v", err, called)
	}

	now = now.Add(2 * time.Minute)
	if err := cb.Execute("refund", func() error { return nil }); err != nil {
		t.Fatalf("half-open trial call should pass: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("expected closed breaker, got %s", cb.State())
	}
}

func TestCaller_WithCircuitBreaker(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Hour, nil)
	caller := New(Config{MaxAttempts: 3}, nil, noSleep(nil), WithCircuitBreaker(cb))

	attempts := 0
	err := caller.Write(context.Background(), "stripe_refund", "ch_1", func(context.Context) error {
		attempts++
		return domain.ErrTemporary
	})
	if attempts != 1 {
		t.Fatalf("breaker should stop calls after first failure, got %d attempts", attempts)
	}
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen as last error, got %v", err)
	}
}
