package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ef-rpc/breaker"
	"ef-rpc/message"
	"ef-rpc/policy"
	"ef-rpc/rpcerr"
)

func noSleep(context.Context, time.Duration) error { return nil }

func failing(kind rpcerr.Kind, sends *int) Attempt {
	return func(ctx context.Context, n int) *message.Response {
		*sends++
		return message.Failure("r", rpcerr.New(kind, "Calc", "Add", "attempt %d", n))
	}
}

func TestRetryCountPlusOneAttempts(t *testing.T) {
	p := policy.Default()
	p.Retry.Count = 3
	sends := 0
	e := &Executor{Policy: p, Sleep: noSleep}

	resp := e.Do(context.Background(), "Calc", "Add", failing(rpcerr.TransportError, &sends))
	assert.Equal(t, 4, sends)
	require.NotNil(t, resp.Failure())
	assert.Equal(t, rpcerr.TransportError, resp.Failure().Kind)
	assert.Equal(t, 4, resp.Failure().Attempts)
	assert.Equal(t, "attempt 4", resp.Failure().Message, "last attempt's failure is surfaced")
	v, _ := resp.MetadataValue(message.MetadataAttempts)
	assert.Equal(t, 4, v)
}

func TestNonRetryableKinds(t *testing.T) {
	for _, kind := range []rpcerr.Kind{rpcerr.ApplicationError, rpcerr.RateLimited, rpcerr.CircuitOpen, rpcerr.MethodNotFound} {
		sends := 0
		e := &Executor{Policy: policy.Default(), Sleep: noSleep}
		resp := e.Do(context.Background(), "Calc", "Add", failing(kind, &sends))
		assert.Equal(t, 1, sends, kind.String())
		assert.Equal(t, kind, resp.Failure().Kind)
	}
}

func TestSucceedsAfterTimeouts(t *testing.T) {
	sends := 0
	e := &Executor{Policy: policy.Default(), Sleep: noSleep}
	resp := e.Do(context.Background(), "Calc", "Add", func(ctx context.Context, n int) *message.Response {
		sends++
		if n < 3 {
			return message.Failure("r", rpcerr.New(rpcerr.Timeout, "Calc", "Add", "slow"))
		}
		return message.Success("r", 30)
	})
	assert.True(t, resp.IsSuccess())
	assert.Equal(t, 3, sends)
}

func TestNonIdempotentSingleAttempt(t *testing.T) {
	p := policy.Default()
	p.NonIdempotent = true
	sends := 0
	e := &Executor{Policy: p, Sleep: noSleep}
	e.Do(context.Background(), "Calc", "Add", failing(rpcerr.Timeout, &sends))
	assert.Equal(t, 1, sends)
}

func TestBreakerOpenBeforeFirstAttempt(t *testing.T) {
	b := breaker.New(breaker.Settings{FailureThreshold: 1, RecoveryTime: time.Hour})
	tk, _ := b.Allow()
	b.Report(tk, false)

	sends := 0
	e := &Executor{Policy: policy.Default(), Breaker: b, Sleep: noSleep}
	resp := e.Do(context.Background(), "Calc", "Add", failing(rpcerr.TransportError, &sends))
	assert.Equal(t, 0, sends)
	assert.Equal(t, rpcerr.CircuitOpen, resp.Failure().Kind)
}

func TestBreakerOpensMidRetry(t *testing.T) {
	b := breaker.New(breaker.Settings{FailureThreshold: 2, RecoveryTime: time.Hour})
	sends := 0
	e := &Executor{Policy: policy.Default(), Breaker: b, Sleep: noSleep}
	resp := e.Do(context.Background(), "Calc", "Add", failing(rpcerr.TransportError, &sends))

	assert.Equal(t, 2, sends, "breaker opened after the second failure")
	assert.Equal(t, rpcerr.TransportError, resp.Failure().Kind)
	assert.Equal(t, 2, resp.Failure().Attempts)
	assert.Equal(t, breaker.Open, b.State())
}

func TestCanceledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sends := 0
	p := policy.Default()
	p.Retry.Interval = time.Hour
	e := &Executor{Policy: p}
	resp := e.Do(ctx, "Calc", "Add", func(ctx context.Context, n int) *message.Response {
		sends++
		cancel()
		return message.Failure("r", rpcerr.New(rpcerr.Timeout, "Calc", "Add", "slow"))
	})
	assert.Equal(t, 1, sends)
	assert.Equal(t, rpcerr.Canceled, resp.Failure().Kind)
}

func TestDeadlineDuringBackoff(t *testing.T) {
	for _, kind := range []rpcerr.Kind{rpcerr.Timeout, rpcerr.TransportError} {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		p := policy.Default()
		p.Retry.Interval = time.Hour
		sends := 0
		e := &Executor{Policy: p}
		resp := e.Do(ctx, "Calc", "Add", failing(kind, &sends))
		cancel()

		assert.Equal(t, 1, sends, kind.String())
		require.NotNil(t, resp.Failure())
		assert.Equal(t, rpcerr.Timeout, resp.Failure().Kind, kind.String())
		assert.Equal(t, 1, resp.Failure().Attempts)
		if kind == rpcerr.Timeout {
			assert.Equal(t, "attempt 1", resp.Failure().Message, "the attempt's own timeout is kept")
		}
	}
}

func TestVerdict(t *testing.T) {
	cb := policy.CircuitBreaker{}
	assert.Equal(t, Success, Verdict(message.Success("r", 1), cb))
	assert.Equal(t, Failure, Verdict(message.Failure("r", errors.New("boom")), cb))
	assert.Equal(t, Failure, Verdict(message.Failure("r", rpcerr.New(rpcerr.Timeout, "", "", "")), cb))
	assert.Equal(t, Neutral, Verdict(message.Failure("r", rpcerr.New(rpcerr.Canceled, "", "", "")), cb))

	cb.IgnoreApplicationErrors = true
	assert.Equal(t, Success, Verdict(message.Failure("r", errors.New("boom")), cb))
}

func TestBackoff(t *testing.T) {
	fixed := policy.Retry{Interval: 100 * time.Millisecond, Backoff: policy.BackoffFixed}
	assert.Equal(t, 100*time.Millisecond, Backoff(fixed, 3))

	exp := policy.Retry{Interval: 100 * time.Millisecond, Backoff: policy.BackoffExponential, MaxInterval: time.Second}
	assert.Equal(t, 100*time.Millisecond, Backoff(exp, 1))
	assert.Equal(t, 200*time.Millisecond, Backoff(exp, 2))
	assert.Equal(t, 400*time.Millisecond, Backoff(exp, 3))
	assert.Equal(t, time.Second, Backoff(exp, 10))
}
