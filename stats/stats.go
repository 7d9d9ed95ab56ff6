// Package stats aggregates call counters for clients and servers.
//
// A Recorder is written by the dispatch paths and read through Snapshot,
// which returns a copy. Every request lands in exactly one of successful or
// failed; timeouts are failures counted a second time in TimeoutRequests.
// Cache hits are successful requests counted a second time in CacheHits and
// never touch the response time figures. Neither do calls rejected locally
// by a circuit breaker or rate limiter: nothing was sent, so there is no
// response time to measure.
package stats

import (
	"sync"
	"time"

	"ef-rpc/message"
	"ef-rpc/rpcerr"
)

// Snapshot is a point-in-time copy of a Recorder.
type Snapshot struct {
	TotalRequests       int64         `json:"totalRequests"`
	SuccessfulRequests  int64         `json:"successfulRequests"`
	FailedRequests      int64         `json:"failedRequests"`
	TimeoutRequests     int64         `json:"timeoutRequests"`
	CacheHits           int64         `json:"cacheHits"`
	AverageResponseTime time.Duration `json:"averageResponseTime"`
	MinResponseTime     time.Duration `json:"minResponseTime"`
	MaxResponseTime     time.Duration `json:"maxResponseTime"`
	TakenAt             time.Time     `json:"takenAt"`
}

// SuccessRate returns successful/total, or 0 with no requests.
func (s Snapshot) SuccessRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.SuccessfulRequests) / float64(s.TotalRequests)
}

// Source is anything that can produce a snapshot.
type Source interface {
	Snapshot() Snapshot
}

// Recorder is safe for concurrent use. One lock keeps the counters
// consistent with each other in every snapshot.
type Recorder struct {
	mu       sync.Mutex
	total    int64
	success  int64
	failed   int64
	timeouts int64
	hits     int64
	timed    int64
	sum      time.Duration
	min      time.Duration
	max      time.Duration
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record counts one finished network call.
func (r *Recorder) Record(resp *message.Response, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total++
	if resp.IsSuccess() {
		r.success++
	} else {
		r.failed++
		if resp.IsTimeout() {
			r.timeouts++
		}
		if rejected(resp) {
			return
		}
	}
	r.timed++
	r.sum += elapsed
	if r.timed == 1 || elapsed < r.min {
		r.min = elapsed
	}
	if elapsed > r.max {
		r.max = elapsed
	}
}

func rejected(resp *message.Response) bool {
	f := resp.Failure()
	return f != nil && (f.Kind == rpcerr.CircuitOpen || f.Kind == rpcerr.RateLimited)
}

// RecordCacheHit counts one call answered from the result cache.
func (r *Recorder) RecordCacheHit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total++
	r.success++
	r.hits++
}

func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{
		TotalRequests:      r.total,
		SuccessfulRequests: r.success,
		FailedRequests:     r.failed,
		TimeoutRequests:    r.timeouts,
		CacheHits:          r.hits,
		MinResponseTime:    r.min,
		MaxResponseTime:    r.max,
		TakenAt:            time.Now(),
	}
	if r.timed > 0 {
		s.AverageResponseTime = r.sum / time.Duration(r.timed)
	}
	return s
}

// Reset zeroes every counter.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r = Recorder{}
}
