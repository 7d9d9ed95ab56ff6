// Package cache holds successful call results keyed by method and
// arguments.
//
// This is the per-method result cache of the client pipeline. It is not the
// codec's type cache; the two never share entries.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"ef-rpc/policy"
)

// LRU is a bounded least-recently used cache whose entries expire a fixed
// TTL after they were stored.
type LRU = expirable.LRU[string, any]

// NewLRU returns an LRU holding at most maxEntries results for ttl each.
func NewLRU(maxEntries int, ttl time.Duration) *LRU {
	return expirable.NewLRU[string, any](maxEntries, nil, ttl)
}

// ArgsHash is the hex SHA-256 of the JSON encoding of args.
func ArgsHash(args []any) (string, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Results keeps one LRU per method key, sized by the policy in force when
// the method is first cached.
type Results struct {
	mu     sync.Mutex
	caches map[string]*LRU
}

func NewResults() *Results {
	return &Results{caches: make(map[string]*LRU)}
}

func (r *Results) lru(methodKey string, p policy.Cache) (*LRU, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.caches[methodKey]; ok {
		return c, nil
	}
	if p.Strategy != "" && p.Strategy != policy.StrategyLRU {
		return nil, fmt.Errorf("cache: unknown strategy %q", p.Strategy)
	}
	c := NewLRU(p.MaxSize, p.TTL)
	r.caches[methodKey] = c
	return c, nil
}

// Get looks up the cached result of methodKey called with args.
func (r *Results) Get(methodKey string, args []any, p policy.Cache) (any, bool) {
	h, err := ArgsHash(args)
	if err != nil {
		return nil, false
	}
	c, err := r.lru(methodKey, p)
	if err != nil {
		return nil, false
	}
	return c.Get(h)
}

// Put stores a successful result.
func (r *Results) Put(methodKey string, args []any, p policy.Cache, result any) error {
	h, err := ArgsHash(args)
	if err != nil {
		return err
	}
	c, err := r.lru(methodKey, p)
	if err != nil {
		return err
	}
	c.Add(h, result)
	return nil
}

// Invalidate drops every cached result of methodKey.
func (r *Results) Invalidate(methodKey string) {
	r.mu.Lock()
	delete(r.caches, methodKey)
	r.mu.Unlock()
}
