package retry

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"testing"
	"time"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{5, 30 * time.Second}, // 32s > 30s, capped
		{20, 30 * time.Second},
	}
	for _, tt := range tests {
		got := Delay(time.Second, 30*time.Second, 2, tt.attempt)
		if got != tt.want {
			t.Errorf("Delay(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffNextAndReset(t *testing.T) {
	b := NewBackoff(Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 3})
	want := []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 900 * time.Millisecond, time.Second}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("Next() #%d = %v, want %v", i, got, w)
		}
	}
	b.Reset()
	if got := b.Next(); got != 100*time.Millisecond {
		t.Errorf("after Reset, Next() = %v, want 100ms", got)
	}
}

func TestDoTransientThenSuccess(t *testing.T) {
	calls := 0
	var retries []int
	v, err := Do(context.Background(), fastPolicy(3), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("read tcp: connection reset by peer")
		}
		return "ok", nil
	}, func(attempt int, err error, delay time.Duration) {
		retries = append(retries, attempt)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "ok" {
		t.Errorf("value = %q, want ok", v)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(retries) != 2 || retries[0] != 1 || retries[1] != 2 {
		t.Errorf("onRetry attempts = %v, want [1 2]", retries)
	}
}

func TestDoPermanentFailsOnce(t *testing.T) {
	calls := 0
	notified := false
	_, err := Do(context.Background(), fastPolicy(5), func(context.Context) (int, error) {
		calls++
		return 0, errors.New("claude: command not found")
	}, func(int, error, time.Duration) { notified = true })
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if notified {
		t.Error("onRetry called for permanent error")
	}
}

func TestDoExhaustionReturnsLastError(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastPolicy(3), func(context.Context) (int, error) {
		calls++
		return 0, fmt.Errorf("network unreachable (attempt %d)", calls)
	}, nil)
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if err == nil || err.Error() != "network unreachable (attempt 3)" {
		t.Errorf("err = %v, want last attempt's error", err)
	}
}

func TestDoContextCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2}
	_, err := Do(ctx, p, func(context.Context) (int, error) {
		return 0, errors.New("socket hang up")
	}, func(int, error, time.Duration) { cancel() })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestDoZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	Do(context.Background(), Policy{}, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("timeout")
	}, nil)
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"enoent", errors.New("spawn gemini ENOENT"), ClassPermanent},
		{"eacces", errors.New("EACCES: permission denied"), ClassPermanent},
		{"not installed", errors.New("gemini is not installed"), ClassPermanent},
		{"not authorized", errors.New("user not authorized"), ClassPermanent},
		{"econnrefused", errors.New("connect ECONNREFUSED 127.0.0.1:443"), ClassTransient},
		{"timeout", errors.New("request timeout"), ClassTransient},
		{"broken pipe", errors.New("write |1: broken pipe"), ClassTransient},
		{"socket hang up", errors.New("socket hang up"), ClassTransient},
		{"network", errors.New("network is unreachable"), ClassTransient},
		{"spawn", errors.New("spawn failed"), ClassTransient},
		{"unknown", errors.New("something odd happened"), ClassPermanent},
		{"permanent wins", errors.New("timeout: file not found"), ClassPermanent},
		{"exec not found", &exec.Error{Name: "opencode", Err: exec.ErrNotFound}, ClassPermanent},
		{"syscall reset", fmt.Errorf("read: %w", syscall.ECONNRESET), ClassTransient},
		{"canceled", fmt.Errorf("turn: %w", context.Canceled), ClassPermanent},
		{"marked transient", Transient(errors.New("exit status 1")), ClassTransient},
		{"marked permanent", Permanent(errors.New("network down")), ClassPermanent},
		{"nil", nil, ClassPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestMarkedErrorsUnwrap(t *testing.T) {
	base := errors.New("boom")
	if !errors.Is(Transient(base), base) {
		t.Error("Transient should unwrap to base")
	}
	if Transient(nil) != nil || Permanent(nil) != nil {
		t.Error("marking nil should stay nil")
	}
}
