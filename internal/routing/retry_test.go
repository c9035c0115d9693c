package routing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vietddude/pipewarden/internal/core/domain"
	"github.com/vietddude/pipewarden/internal/failure"
)

var testPolicy = RetryPolicy{
	MaxAttempts:       3,
	BaseDelay:         100 * time.Millisecond,
	BackoffMultiplier: 2,
	MaxDelay:          time.Second,
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, BackoffMultiplier: 3, MaxDelay: time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 300 * time.Millisecond},
		{3, 900 * time.Millisecond},
		{4, time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExecuteWithRetry_InvokesExactlyMaxAttempts(t *testing.T) {
	for _, n := range []int{1, 2, 5} {
		calls := 0
		op := func(ctx context.Context) (string, error) {
			calls++
			return "", errors.New("503 service unavailable")
		}

		policy := testPolicy
		policy.MaxAttempts = n
		clock := newFakeClock()

		_, err := executeWithRetry(context.Background(), clock, op, policy, Target[string]{Provider: "p"}, nil)
		if err == nil {
			t.Fatal("expected failure")
		}
		if calls != n {
			t.Errorf("maxAttempts=%d: invoked %d times", n, calls)
		}

		var rerr *RetryError
		if !errors.As(err, &rerr) {
			t.Fatalf("expected *RetryError, got %T", err)
		}
		if len(rerr.Attempts) != n {
			t.Errorf("expected %d attempt records, got %d", n, len(rerr.Attempts))
		}
		if rerr.Err.Context["attempts"] != n {
			t.Errorf("expected attempts annotation %d, got %v", n, rerr.Err.Context["attempts"])
		}
		if len(clock.sleeps) != n-1 {
			t.Errorf("expected %d sleeps, got %d", n-1, len(clock.sleeps))
		}
	}
}

func TestExecuteWithRetry_CriticalNeverRetried(t *testing.T) {
	calls := 0
	op := func(ctx context.Context) (int, error) {
		calls++
		return 0, failure.CriticalError(failure.CodeSecretNotFound, errors.New("ELEVENLABS_API_KEY"))
	}

	policy := testPolicy
	policy.MaxAttempts = 10
	_, err := executeWithRetry(context.Background(), newFakeClock(), op, policy, Target[int]{Provider: "p"}, nil)

	if calls != 1 {
		t.Fatalf("critical failure must not be retried, invoked %d times", calls)
	}
	if !failure.Classify(err).IsCritical() {
		t.Errorf("expected critical classification, got %v", err)
	}
}

func TestExecuteWithRetry_FailoverStopsEarly(t *testing.T) {
	calls := 0
	op := func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("429 Too Many Requests")
	}

	_, err := executeWithRetry(context.Background(), newFakeClock(), op, testPolicy, Target[int]{Provider: "p"}, nil)
	if err == nil || calls != 1 {
		t.Fatalf("expected a single attempt before failover, got %d (err=%v)", calls, err)
	}
	if failure.Classify(err).IsCritical() {
		t.Error("rate limiting must stay recoverable at chain level")
	}
}

func TestExecuteWithRetry_SucceedsOnThirdAttempt(t *testing.T) {
	calls := 0
	op := func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection reset by peer")
		}
		return "script", nil
	}

	var observed []domain.Attempt
	clock := newFakeClock()
	res, err := executeWithRetry(context.Background(), clock, op, testPolicy,
		Target[string]{Provider: "openai", Tier: domain.TierPrimary},
		func(a domain.Attempt) { observed = append(observed, a) })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Value != "script" {
		t.Errorf("unexpected value %q", res.Value)
	}
	if len(observed) != 3 || len(res.Attempts) != 3 {
		t.Fatalf("expected 3 attempt records, got %d observed / %d returned", len(observed), len(res.Attempts))
	}

	last := observed[2]
	if last.AttemptNumber != 3 || last.Outcome != domain.OutcomeSuccess {
		t.Errorf("unexpected final attempt %+v", last)
	}
	for _, a := range observed[:2] {
		if a.Outcome != domain.OutcomeFailure || a.ErrorCode != failure.CodeNetwork {
			t.Errorf("unexpected failed attempt %+v", a)
		}
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(clock.sleeps) != 2 || clock.sleeps[0] != want[0] || clock.sleeps[1] != want[1] {
		t.Errorf("unexpected backoff sequence %v", clock.sleeps)
	}
}

func TestExecuteWithRetry_CancelledBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	op := func(ctx context.Context) (int, error) {
		calls++
		cancel()
		return 0, errors.New("502 bad gateway")
	}

	_, err := executeWithRetry(ctx, newFakeClock(), op, testPolicy, Target[int]{Provider: "p"}, nil)
	if calls != 1 {
		t.Fatalf("expected no attempt after cancellation, got %d", calls)
	}
	if !failure.Is(err, failure.KindCancelled) {
		t.Errorf("expected cancelled classification, got %v", err)
	}
	if failure.Is(err, failure.KindTimeout) {
		t.Error("cancellation must not be reported as a timeout")
	}
}

func TestExecuteWithRetry_DeadlineIsCancellation(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	calls := 0
	op := func(ctx context.Context) (int, error) {
		calls++
		return 1, nil
	}

	_, err := executeWithRetry(ctx, newFakeClock(), op, testPolicy, Target[int]{Provider: "p"}, nil)
	if calls != 0 {
		t.Errorf("expired caller deadline must stop before the first attempt")
	}
	if !failure.Is(err, failure.KindCancelled) {
		t.Errorf("expected cancelled, got %v", err)
	}
}

func TestExecuteWithRetry_RetryableCheck(t *testing.T) {
	calls := 0
	op := func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("unexpected end of JSON input")
	}

	policy := testPolicy
	policy.Retryable = func(fe *failure.Error) bool { return fe.Code != failure.CodeMalformedResponse }

	_, err := executeWithRetry(context.Background(), newFakeClock(), op, policy, Target[int]{Provider: "p"}, nil)
	if err == nil || calls != 1 {
		t.Errorf("expected retryable check to stop after 1 call, got %d", calls)
	}
}

func TestExecuteWithRetry_PricesEveryAttempt(t *testing.T) {
	calls := 0
	op := func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("timeout")
		}
		return 2000, nil
	}
	target := Target[int]{
		Provider: "p",
		Price: func(tokens int, err error) float64 {
			if err != nil {
				return 0.001
			}
			return float64(tokens) / 1000 * 0.01
		},
	}

	res, err := executeWithRetry(context.Background(), newFakeClock(), op, testPolicy, target, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Attempts[0].CostUSD != 0.001 || res.Attempts[1].CostUSD != 0.02 {
		t.Errorf("unexpected attempt costs %+v", res.Attempts)
	}
}
