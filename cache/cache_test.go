package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ef-rpc/policy"
)

func TestLRUEviction(t *testing.T) {
	c := NewLRU(2, time.Hour)
	c.Add("a", 1)
	c.Add("b", 2)
	_, _ = c.Get("a") // a is now most recent
	c.Add("c", 3)

	_, ok := c.Get("b")
	assert.False(t, ok, "b was least recently used")
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, c.Len())
}

func TestLRUExpiry(t *testing.T) {
	c := NewLRU(10, 50*time.Millisecond)
	c.Add("k", "v")
	_, ok := c.Get("k")
	assert.True(t, ok)

	time.Sleep(120 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
}

func TestResultsExpire(t *testing.T) {
	r := NewResults()
	p := policy.Cache{Enabled: true, TTL: 50 * time.Millisecond, MaxSize: 10, Strategy: policy.StrategyLRU}
	require.NoError(t, r.Put("Calc.Add:v1", []any{1, 2}, p, 3))
	_, ok := r.Get("Calc.Add:v1", []any{1, 2}, p)
	assert.True(t, ok)

	time.Sleep(120 * time.Millisecond)
	_, ok = r.Get("Calc.Add:v1", []any{1, 2}, p)
	assert.False(t, ok, "result outlived its TTL")
}

func TestArgsHash(t *testing.T) {
	a, err := ArgsHash([]any{10, 20})
	require.NoError(t, err)
	b, _ := ArgsHash([]any{10, 20})
	c, _ := ArgsHash([]any{20, 10})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)

	_, err = ArgsHash([]any{make(chan int)})
	assert.Error(t, err)
}

func TestResults(t *testing.T) {
	r := NewResults()
	p := policy.Cache{Enabled: true, TTL: time.Hour, MaxSize: 10, Strategy: policy.StrategyLRU}

	_, ok := r.Get("Calc.Add:v1", []any{1, 2}, p)
	assert.False(t, ok)

	require.NoError(t, r.Put("Calc.Add:v1", []any{1, 2}, p, 3))
	v, ok := r.Get("Calc.Add:v1", []any{1, 2}, p)
	assert.True(t, ok)
	assert.Equal(t, 3, v)

	_, ok = r.Get("Calc.Sub:v1", []any{1, 2}, p)
	assert.False(t, ok, "methods do not share entries")

	r.Invalidate("Calc.Add:v1")
	_, ok = r.Get("Calc.Add:v1", []any{1, 2}, p)
	assert.False(t, ok)

	bad := p
	bad.Strategy = "lfu"
	assert.Error(t, r.Put("Calc.Mul:v1", nil, bad, 1))
}
