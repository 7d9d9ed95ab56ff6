package main

import (
	"context"
	"errors"
	"time"

	"ef-rpc/policy"
)

const (
	calcService = "Calc"
	calcVersion = "1.0"
)

// Calc is the demo service.
type Calc struct{}

func (Calc) Add(a, b int) int { return a + b }

func (Calc) Sub(a, b int) int { return a - b }

func (Calc) Mul(a, b int) int { return a * b }

func (Calc) Div(a, b int) (int, error) {
	if b == 0 {
		return 0, errors.New("division by zero")
	}
	return a / b, nil
}

// Sleep holds the request for ms milliseconds, or until it is abandoned.
func (Calc) Sleep(ctx context.Context, ms int) (int, error) {
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return ms, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// calcPolicies caches the pure arithmetic and never retries Sleep.
func calcPolicies(def policy.Method) policy.Set {
	pure := def
	pure.Cache.Enabled = true
	sleep := def
	sleep.NonIdempotent = true
	return policy.NewSet(def, map[string]policy.Method{
		"Add":   pure,
		"Sub":   pure,
		"Mul":   pure,
		"Sleep": sleep,
	})
}
