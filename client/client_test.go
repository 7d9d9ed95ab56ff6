package client

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ef-rpc/codec"
	"ef-rpc/config"
	"ef-rpc/discovery"
	"ef-rpc/message"
	"ef-rpc/policy"
	"ef-rpc/rpcerr"
	"ef-rpc/server"
	"ef-rpc/transport"
)

type Calc struct{}

func (Calc) Add(a, b int) int { return a + b }

func (Calc) Div(a, b int) (int, error) {
	if b == 0 {
		return 0, errors.New("division by zero")
	}
	return a / b, nil
}

// stubTransport records sends and answers through handle, which runs on
// its own goroutine like a real receive loop.
type stubTransport struct {
	mu      sync.Mutex
	recv    transport.ReceiveFunc
	sends   atomic.Int32
	sendErr error
	handle  func(ctx context.Context, id string, payload []byte) ([]byte, error)
	closed  atomic.Bool
	targets []transport.Target
}

func (s *stubTransport) OnReceive(fn transport.ReceiveFunc) {
	s.mu.Lock()
	s.recv = fn
	s.mu.Unlock()
}

func (s *stubTransport) Send(ctx context.Context, id string, payload []byte) error {
	s.sends.Add(1)
	if target, ok := transport.TargetFrom(ctx); ok {
		s.mu.Lock()
		s.targets = append(s.targets, target)
		s.mu.Unlock()
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	if s.handle == nil {
		return nil // never answered
	}
	s.mu.Lock()
	recv := s.recv
	s.mu.Unlock()
	go func() {
		out, err := s.handle(context.Background(), id, payload)
		recv(id, out, err)
	}()
	return nil
}

func (s *stubTransport) Close() error {
	s.closed.Store(true)
	return nil
}

// loopback answers through an in-process server.
func loopback(t *testing.T) *stubTransport {
	t.Helper()
	svr := server.NewServer()
	_, err := svr.Register("Calc", "v1", Calc{}, policy.Set{})
	require.NoError(t, err)
	svr.Start()
	return &stubTransport{handle: func(ctx context.Context, id string, payload []byte) ([]byte, error) {
		return svr.Handle(ctx, codec.CodecTypeJSON, id, payload), nil
	}}
}

func fast(mutate func(p *policy.Method)) policy.Set {
	p := policy.Default()
	p.Timeout = time.Second
	p.Retry.Interval = time.Millisecond
	if mutate != nil {
		mutate(&p)
	}
	return policy.Uniform(p)
}

func TestProxyCall(t *testing.T) {
	st := loopback(t)
	c := New(st)
	defer c.Close()
	calc := c.Service("Calc", "v1", fast(nil))

	var sum int
	require.NoError(t, calc.Call(context.Background(), "Add", &sum, 10, 20))
	assert.Equal(t, 30, sum)

	err := calc.Call(context.Background(), "Div", nil, 1, 0)
	assert.True(t, rpcerr.Is(rpcerr.ApplicationError, err), "got %v", err)
	assert.Equal(t, int32(2), st.sends.Load(), "application errors are not retried")

	err = c.Service("Nope", "v1", fast(nil)).Call(context.Background(), "Add", nil, 1, 2)
	assert.True(t, rpcerr.Is(rpcerr.ServiceNotFound, err), "got %v", err)

	snap := c.Stats()
	assert.Equal(t, int64(3), snap.TotalRequests)
	assert.Equal(t, snap.TotalRequests, snap.SuccessfulRequests+snap.FailedRequests)
	assert.Equal(t, int64(1), snap.SuccessfulRequests)
	assert.Equal(t, transport.Target{Service: "Calc", Version: "v1"}, st.targets[0])
	assert.Zero(t, c.Pending())
}

func TestTimeoutWithoutResponse(t *testing.T) {
	st := &stubTransport{}
	c := New(st)
	policies := fast(func(p *policy.Method) {
		p.Timeout = 50 * time.Millisecond
		p.Retry.Enabled = false
	})

	start := time.Now()
	err := c.Service("Calc", "v1", policies).Call(context.Background(), "Add", nil, 1, 2)
	elapsed := time.Since(start)

	require.True(t, rpcerr.Is(rpcerr.Timeout, err), "got %v", err)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Zero(t, c.Pending())
	assert.Equal(t, int64(1), c.Stats().TimeoutRequests)

	var rerr *rpcerr.Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "Calc", rerr.Service)
	assert.Equal(t, "Add", rerr.Method)
}

func TestCallerDeadlineReportsTimeout(t *testing.T) {
	st := &stubTransport{}
	c := New(st)
	policies := fast(func(p *policy.Method) {
		p.Retry.Count = 3
		p.Retry.Interval = 10 * time.Millisecond
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := c.Service("Calc", "v1", policies).Call(ctx, "Add", nil, 1, 2)

	require.True(t, rpcerr.Is(rpcerr.Timeout, err), "got %v", err)
	snap := c.Stats()
	assert.Equal(t, int64(1), snap.TotalRequests)
	assert.Equal(t, int64(1), snap.TimeoutRequests)
	assert.Zero(t, c.Pending())
}

type forgettingTransport struct {
	*stubTransport
	forgot chan string
}

func (f *forgettingTransport) Forget(id string) { f.forgot <- id }

func TestUnansweredCallIsForgotten(t *testing.T) {
	ft := &forgettingTransport{stubTransport: &stubTransport{}, forgot: make(chan string, 4)}
	c := New(ft)
	calc := c.Service("Calc", "v1", fast(func(p *policy.Method) {
		p.Timeout = 20 * time.Millisecond
		p.Retry.Enabled = false
	}))

	resp := calc.Invoke(context.Background(), "Add", 1, 2)

	require.True(t, rpcerr.Is(rpcerr.Timeout, resp.Err()), "got %v", resp.Err())
	select {
	case id := <-ft.forgot:
		assert.Equal(t, resp.RequestID(), id)
	default:
		t.Fatal("timed out call was not forgotten by the transport")
	}

	answered := &forgettingTransport{stubTransport: loopback(t), forgot: make(chan string, 4)}
	var sum int
	require.NoError(t, New(answered).Service("Calc", "v1", fast(nil)).Call(context.Background(), "Add", &sum, 1, 2))
	assert.Empty(t, answered.forgot)
}

func TestRetriesTransportErrors(t *testing.T) {
	st := &stubTransport{sendErr: errors.New("connection refused")}
	c := New(st)

	resp := c.Service("Calc", "v1", fast(nil)).Invoke(context.Background(), "Add", 1, 2)

	assert.Equal(t, int32(4), st.sends.Load())
	require.True(t, rpcerr.Is(rpcerr.TransportError, resp.Err()), "got %v", resp.Err())
	assert.Equal(t, 4, resp.Failure().Attempts)
	assert.Zero(t, c.Pending())
}

func TestCircuitOpenSkipsTransport(t *testing.T) {
	st := &stubTransport{sendErr: errors.New("down")}
	c := New(st)
	calc := c.Service("Calc", "v1", fast(func(p *policy.Method) {
		p.Retry.Enabled = false
		p.CircuitBreaker.Enabled = true
		p.CircuitBreaker.FailureThreshold = 2
	}))

	for i := 0; i < 2; i++ {
		err := calc.Call(context.Background(), "Add", nil, 1, 2)
		require.True(t, rpcerr.Is(rpcerr.TransportError, err), "got %v", err)
	}
	err := calc.Call(context.Background(), "Add", nil, 1, 2)
	assert.True(t, rpcerr.Is(rpcerr.CircuitOpen, err), "got %v", err)
	assert.Equal(t, int32(2), st.sends.Load())
	assert.Len(t, c.Breakers(), 1)
}

func TestReceiveErrorFailsCall(t *testing.T) {
	st := &stubTransport{handle: func(context.Context, string, []byte) ([]byte, error) {
		return nil, errors.New("connection reset")
	}}
	c := New(st)
	err := c.Service("Calc", "v1", fast(func(p *policy.Method) { p.Retry.Enabled = false })).
		Call(context.Background(), "Add", nil, 1, 2)
	assert.True(t, rpcerr.Is(rpcerr.TransportError, err), "got %v", err)
}

func TestUndecodableResponse(t *testing.T) {
	st := &stubTransport{handle: func(context.Context, string, []byte) ([]byte, error) {
		return []byte("{broken"), nil
	}}
	c := New(st)
	err := c.Service("Calc", "v1", fast(nil)).Call(context.Background(), "Add", nil, 1, 2)
	assert.True(t, rpcerr.Is(rpcerr.SerializationError, err), "got %v", err)
	assert.Equal(t, int32(1), st.sends.Load())
}

func TestAsyncDispatch(t *testing.T) {
	st := loopback(t)
	release := make(chan struct{})
	inner := st.handle
	st.handle = func(ctx context.Context, id string, payload []byte) ([]byte, error) {
		<-release
		return inner(ctx, id, payload)
	}
	c := New(st)
	calc := c.Service("Calc", "v1", fast(func(p *policy.Method) { p.Async = true }))

	call := calc.Dispatch(context.Background(), "Add", 2, 3)
	assert.Nil(t, call.Response(), "async call returned before the response")
	close(release)

	var sum int
	require.NoError(t, call.Decode(&sum))
	assert.Equal(t, 5, sum)
	assert.Equal(t, call.Request.MessageID(), call.Response().RequestID())
}

func TestSubmitHonoursAsync(t *testing.T) {
	st := loopback(t)
	release := make(chan struct{})
	inner := st.handle
	st.handle = func(ctx context.Context, id string, payload []byte) ([]byte, error) {
		<-release
		return inner(ctx, id, payload)
	}
	c := New(st)
	p := fast(nil).For("Add")

	p.Async = true
	req, err := message.NewRequest("Calc", "Add", "v1", 1, 2)
	require.NoError(t, err)
	async := c.Submit(context.Background(), req, p)
	assert.Nil(t, async.Response(), "async submit waited for the response")
	close(release)
	var sum int
	require.NoError(t, async.Decode(&sum))
	assert.Equal(t, 3, sum)

	p.Async = false
	req, err = message.NewRequest("Calc", "Add", "v1", 3, 4)
	require.NoError(t, err)
	done := c.Submit(context.Background(), req, p)
	require.NotNil(t, done.Response(), "sync submit returned before the response")
	require.NoError(t, done.Decode(&sum))
	assert.Equal(t, 7, sum)
}

func TestCacheHitSkipsTransport(t *testing.T) {
	st := loopback(t)
	c := New(st)
	calc := c.Service("Calc", "v1", fast(func(p *policy.Method) { p.Cache.Enabled = true }))

	for i := 0; i < 3; i++ {
		var sum int
		require.NoError(t, calc.Call(context.Background(), "Add", &sum, 4, 5))
		assert.Equal(t, 9, sum)
	}
	assert.Equal(t, int32(1), st.sends.Load())
	snap := c.Stats()
	assert.Equal(t, int64(3), snap.TotalRequests)
	assert.Equal(t, int64(2), snap.CacheHits)
}

func TestRateLimited(t *testing.T) {
	st := loopback(t)
	c := New(st)
	calc := c.Service("Calc", "v1", fast(func(p *policy.Method) {
		p.RateLimit.Enabled = true
		p.RateLimit.Threshold = 3
		p.RateLimit.Window = time.Minute
	}))

	limited := 0
	for i := 0; i < 4; i++ {
		if err := calc.Call(context.Background(), "Add", nil, 1, 1); rpcerr.Is(rpcerr.RateLimited, err) {
			limited++
		}
	}
	assert.Equal(t, 1, limited)
	assert.Equal(t, int32(3), st.sends.Load())
}

func TestCloseFailsPendingCalls(t *testing.T) {
	st := &stubTransport{}
	c := New(st)
	call := c.Service("Calc", "v1", fast(func(p *policy.Method) {
		p.Timeout = time.Minute
		p.Retry.Enabled = false
	})).Go(context.Background(), "Add", 1, 2)

	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Close())

	assert.True(t, rpcerr.Is(rpcerr.TransportError, call.Err()), "got %v", call.Err())
	assert.True(t, st.closed.Load())

	resp := c.Invoke(context.Background(), call.Request.Reissue(), policy.Default())
	assert.True(t, rpcerr.Is(rpcerr.TransportError, resp.Err()))
}

func TestCallerCancel(t *testing.T) {
	c := New(&stubTransport{})
	ctx, cancel := context.WithCancel(context.Background())
	call := c.Service("Calc", "v1", fast(func(p *policy.Method) { p.Timeout = time.Minute })).Go(ctx, "Add", 1, 2)
	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.True(t, rpcerr.Is(rpcerr.Canceled, call.Err()), "got %v", call.Err())
	assert.Zero(t, c.Pending())
}

func TestIsServiceAvailable(t *testing.T) {
	d := discovery.NewStatic(map[string][]discovery.Instance{
		"Calc:v1": {{Addr: "127.0.0.1:1", Weight: 1, Version: "v1"}},
	})
	c := New(&stubTransport{}, WithDiscovery(d))
	assert.True(t, c.IsServiceAvailable(context.Background(), "Calc", "v1"))
	assert.False(t, c.IsServiceAvailable(context.Background(), "Calc", "v2"))

	tcp := New(transport.NewTCPClient(transport.WithDiscovery(d)))
	defer tcp.Close()
	assert.True(t, tcp.IsServiceAvailable(context.Background(), "Calc", "v1"))
	assert.False(t, tcp.IsServiceAvailable(context.Background(), "Other", "v1"))
}

func TestDialTCP(t *testing.T) {
	svr := server.NewServer()
	_, err := svr.Register("Calc", "1.0", Calc{}, policy.Set{})
	require.NoError(t, err)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.Serve(lis)
	defer svr.Shutdown(time.Second)

	cfg := config.Default()
	cfg.ListenAddr = lis.Addr().String()
	cfg.ConnectionPoolSize = 2
	cfg.EnableCompression = true
	c, err := Dial(cfg, nil, nil)
	require.NoError(t, err)
	defer c.Close()

	calc := c.Service("Calc", "1.0", policy.Set{})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var sum int
			if assert.NoError(t, calc.Call(context.Background(), "Add", &sum, i, i)) {
				assert.Equal(t, 2*i, sum)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int64(20), c.Stats().SuccessfulRequests)
	assert.Equal(t, int64(20), svr.Stats().SuccessfulRequests)
}

func TestDialUnknownProtocol(t *testing.T) {
	cfg := config.Default()
	cfg.TransportProtocol = "carrier-pigeon"
	_, err := Dial(cfg, nil, nil)
	assert.Error(t, err)
}

func TestDialMQTTUnreachableBroker(t *testing.T) {
	cfg := config.Default()
	cfg.TransportProtocol = "mqtt"
	cfg.MQTTURL = "tcp://127.0.0.1:1"
	cfg.Timeout = 500 * time.Millisecond
	_, err := Dial(cfg, nil, nil)
	assert.Error(t, err)
}

func TestDialMQTT(t *testing.T) {
	url := os.Getenv("MQTT_URL")
	if url == "" {
		t.Skip("MQTT_URL not set")
	}
	svr := server.NewServer()
	_, err := svr.Register("MQTTCalc", "1.0", Calc{}, policy.Set{})
	require.NoError(t, err)
	mc, err := transport.ConnectMQTT(url, "efrpc-test-dial-srv", 5*time.Second)
	require.NoError(t, err)
	defer mc.Disconnect(100)
	ms, err := transport.NewMQTTServer(mc, svr.Handler())
	require.NoError(t, err)
	defer ms.Close()

	cfg := config.Default()
	cfg.TransportProtocol = "mqtt"
	cfg.MQTTURL = url
	c, err := Dial(cfg, nil, nil)
	require.NoError(t, err)
	defer c.Close()

	var sum int
	require.NoError(t, c.Service("MQTTCalc", "1.0", policy.Set{}).Call(context.Background(), "Add", &sum, 4, 5))
	assert.Equal(t, 9, sum)
}

func TestRequestBuildFailure(t *testing.T) {
	c := New(&stubTransport{})
	err := c.Service("", "v1", policy.Set{}).Call(context.Background(), "Add", nil)
	assert.True(t, rpcerr.Is(rpcerr.InvalidArgument, err), "got %v", err)
}
