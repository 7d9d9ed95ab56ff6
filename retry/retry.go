// Package retry runs one logical call as a bounded series of attempts.
//
// Only Timeout and TransportError failures are retried. The breaker, if
// any, is consulted before every attempt: a breaker that opens between
// attempts stops the series and the caller gets the last real failure.
package retry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"ef-rpc/breaker"
	"ef-rpc/message"
	"ef-rpc/policy"
	"ef-rpc/rpcerr"
)

// Attempt performs attempt n (1-based) and returns its response. It must
// never return nil.
type Attempt func(ctx context.Context, n int) *message.Response

// Executor applies a method policy to a series of attempts.
type Executor struct {
	Policy policy.Method
	// Breaker guards every attempt. Nil disables the check.
	Breaker *breaker.Breaker
	Logger  *zap.Logger
	// Sleep waits between attempts. Defaults to a ctx-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Do runs attempts until one succeeds, one fails with a non-retryable kind,
// the attempt budget is spent, or the breaker rejects. The returned response
// records the number of attempts made in its metadata, and in its failure.
func (e *Executor) Do(ctx context.Context, service, method string, attempt Attempt) *message.Response {
	limit := e.Policy.Attempts()
	sleep := e.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	logger := e.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var last *message.Response
	made := 0
	for n := 1; n <= limit; n++ {
		if n > 1 {
			wait := Backoff(e.Policy.Retry, n-1)
			logger.Debug("retrying call",
				zap.String("service", service),
				zap.String("method", method),
				zap.Int("attempt", n),
				zap.Duration("backoff", wait),
				zap.Stringer("lastKind", last.Failure().Kind))
			if err := sleep(ctx, wait); err != nil {
				last = interrupted(last, err, service, method)
				break
			}
		}

		var ticket breaker.Ticket
		if e.Breaker != nil {
			var ok bool
			if ticket, ok = e.Breaker.Allow(); !ok {
				if last == nil {
					return message.Failure("", rpcerr.New(rpcerr.CircuitOpen, service, method, "circuit breaker is open"))
				}
				break
			}
		}

		resp := attempt(ctx, n)
		made = n
		if e.Breaker != nil {
			e.report(ticket, resp)
		}
		last = resp
		if resp.IsSuccess() || !retryable(resp) {
			break
		}
	}
	return withAttempts(last, made)
}

func (e *Executor) report(t breaker.Ticket, resp *message.Response) {
	switch Verdict(resp, e.Policy.CircuitBreaker) {
	case Success:
		e.Breaker.Report(t, true)
	case Failure:
		e.Breaker.Report(t, false)
	default:
		e.Breaker.Release(t)
	}
}

// interrupted is the outcome of a series whose context ended during a
// backoff. A passed deadline surfaces as Timeout, keeping the last attempt's
// own Timeout failure when it has one; cancellation surfaces as Canceled.
func interrupted(last *message.Response, err error, service, method string) *message.Response {
	if !errors.Is(err, context.DeadlineExceeded) {
		return message.Failure(last.RequestID(), rpcerr.New(rpcerr.Canceled, service, method,
			"canceled while backing off: %v", err))
	}
	if f := last.Failure(); f != nil && f.Kind == rpcerr.Timeout {
		return last
	}
	return message.Failure(last.RequestID(), rpcerr.New(rpcerr.Timeout, service, method,
		"deadline passed while backing off: %v", err))
}

func retryable(resp *message.Response) bool {
	f := resp.Failure()
	return f != nil && f.Kind.Retryable()
}

func withAttempts(resp *message.Response, n int) *message.Response {
	out := resp.WithMetadata(message.MetadataAttempts, n)
	if f := resp.Failure(); f != nil && n > 0 {
		out = out.WithFailure(f.WithAttempts(n))
	}
	return out
}

// Outcome is how a response counts toward breaker accounting.
type Outcome int

const (
	Neutral Outcome = iota
	Success
	Failure
)

// Verdict classifies resp for the breaker. Timeouts, transport failures and
// unclassified failures count against the target, as do application errors
// unless the policy ignores them. Caller-side and lookup failures say
// nothing about the target's health.
func Verdict(resp *message.Response, p policy.CircuitBreaker) Outcome {
	f := resp.Failure()
	if f == nil {
		return Success
	}
	switch f.Kind {
	case rpcerr.Timeout, rpcerr.TransportError, rpcerr.Other:
		return Failure
	case rpcerr.ApplicationError:
		if p.IgnoreApplicationErrors {
			return Success
		}
		return Failure
	default:
		return Neutral
	}
}

// Backoff returns the wait before retry number n (1-based).
func Backoff(p policy.Retry, n int) time.Duration {
	if p.Backoff != policy.BackoffExponential || n <= 1 {
		return p.Interval
	}
	d := p.Interval
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxInterval > 0 && d >= p.MaxInterval {
			return p.MaxInterval
		}
	}
	return d
}

// Sleep waits for d or until ctx ends.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
