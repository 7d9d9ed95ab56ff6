package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"ef-rpc/discovery"
	"ef-rpc/protocol"
	"ef-rpc/rpcerr"
)

type received struct {
	id      string
	payload []byte
	err     error
}

func collect(tr Transport) <-chan received {
	ch := make(chan received, 128)
	tr.OnReceive(func(id string, payload []byte, err error) {
		ch <- received{id, payload, err}
	})
	return ch
}

// echoServer answers every request frame with "echo:" + body under the same
// id. With hangUp set it closes the connection on the first request instead.
func echoServer(t *testing.T, hangUp bool) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { lis.Close() })
	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				var mu sync.Mutex
				for {
					h, body, err := protocol.Decode(conn, 0)
					if err != nil {
						return
					}
					if h.MsgType == protocol.MsgTypeHeartbeat {
						continue
					}
					if hangUp {
						return
					}
					go func() {
						mu.Lock()
						defer mu.Unlock()
						protocol.Encode(conn, &protocol.Header{
							CodecType: h.CodecType,
							MsgType:   protocol.MsgTypeResponse,
							ID:        h.ID,
						}, append([]byte("echo:"), body...))
					}()
				}
			}(conn)
		}
	}()
	return lis.Addr().String()
}

func waitFor(t *testing.T, ch <-chan received) received {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no response delivered")
	}
	return received{}
}

// 测试单连接上串行发送多个请求
func TestTCPClientSerial(t *testing.T) {
	addr := echoServer(t, false)
	tr := NewTCPClient(WithAddrs(addr))
	defer tr.Close()
	got := collect(tr)

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("req-%d", i)
		if err := tr.Send(context.Background(), id, []byte(id)); err != nil {
			t.Fatal(err)
		}
		r := waitFor(t, got)
		if r.err != nil || r.id != id || string(r.payload) != "echo:"+id {
			t.Fatalf("unexpected delivery %+v", r)
		}
	}
}

// 测试单连接上并发发送多个请求（多路复用核心测试）
func TestTCPClientConcurrent(t *testing.T) {
	addr := echoServer(t, false)
	tr := NewTCPClient(WithAddrs(addr), WithPoolSize(2))
	defer tr.Close()

	var mu sync.Mutex
	seen := map[string]string{}
	var wg sync.WaitGroup
	wg.Add(50)
	tr.OnReceive(func(id string, payload []byte, err error) {
		defer wg.Done()
		if err != nil {
			t.Errorf("delivery error for %s: %v", id, err)
			return
		}
		mu.Lock()
		seen[id] = string(payload)
		mu.Unlock()
	})

	for i := 0; i < 50; i++ {
		go func(n int) {
			id := fmt.Sprintf("req-%d", n)
			if err := tr.Send(context.Background(), id, []byte(id)); err != nil {
				t.Errorf("send failed: %v", err)
				wg.Done()
			}
		}(i)
	}
	wg.Wait()

	if len(seen) != 50 {
		t.Fatalf("expect 50 distinct responses, got %d", len(seen))
	}
	for id, payload := range seen {
		if payload != "echo:"+id {
			t.Fatalf("response for %s routed wrong: %s", id, payload)
		}
	}
	if n := tr.Conns(addr); n < 1 || n > 2 {
		t.Fatalf("expect 1-2 pooled connections, got %d", n)
	}
}

func TestTCPClientBrokenConnection(t *testing.T) {
	addr := echoServer(t, true)
	tr := NewTCPClient(WithAddrs(addr))
	defer tr.Close()
	got := collect(tr)

	statuses := make(chan ConnStatus, 8)
	tr.AddStatusListener(func(a string, s ConnStatus, err error) { statuses <- s })

	if err := tr.Send(context.Background(), "doomed", []byte("x")); err != nil {
		t.Fatal(err)
	}
	r := waitFor(t, got)
	if r.id != "doomed" || r.err == nil {
		t.Fatalf("expect an error delivery for the in-flight call, got %+v", r)
	}

	want := []ConnStatus{Connecting, Connected, Disconnected}
	for _, w := range want {
		select {
		case s := <-statuses:
			if s != w {
				t.Fatalf("status %v, want %v", s, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing status %v", w)
		}
	}
}

func TestTCPClientDiscovery(t *testing.T) {
	addr := echoServer(t, false)
	d := discovery.NewStatic(map[string][]discovery.Instance{
		"Calc:1.0": {{Addr: addr, Weight: 1}},
	})
	tr := NewTCPClient(WithDiscovery(d))
	defer tr.Close()
	got := collect(tr)

	ctx := WithTarget(context.Background(), "Calc", "1.0")
	if err := tr.Send(ctx, "a", []byte("a")); err != nil {
		t.Fatal(err)
	}
	if r := waitFor(t, got); r.err != nil {
		t.Fatal(r.err)
	}

	err := tr.Send(WithTarget(context.Background(), "Missing", "1.0"), "b", nil)
	if !rpcerr.Is(rpcerr.ServiceNotFound, err) {
		t.Fatalf("expect ServiceNotFound, got %v", err)
	}
}

func TestTCPClientClosed(t *testing.T) {
	tr := NewTCPClient(WithAddrs("127.0.0.1:1"))
	tr.Close()
	if err := tr.Send(context.Background(), "x", nil); !errors.Is(err, errConnClosed) {
		t.Fatalf("expect errConnClosed, got %v", err)
	}
}

// silentServer reads request frames and never answers them.
func silentServer(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { lis.Close() })
	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				for {
					if _, _, err := protocol.Decode(conn, 0); err != nil {
						return
					}
				}
			}()
		}
	}()
	return lis.Addr().String()
}

func inflightCount(tr *TCPClient) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	n := 0
	for _, p := range tr.pools {
		p.mu.Lock()
		for _, c := range p.conns {
			c.inflight.Range(func(_, _ any) bool { n++; return true })
		}
		p.mu.Unlock()
	}
	return n
}

func TestTCPClientForget(t *testing.T) {
	tr := NewTCPClient(WithAddrs(silentServer(t)), WithPoolSize(2))
	defer tr.Close()
	collect(tr)

	for _, id := range []string{"a", "b", "c"} {
		if err := tr.Send(context.Background(), id, []byte(id)); err != nil {
			t.Fatal(err)
		}
	}
	if n := inflightCount(tr); n != 3 {
		t.Fatalf("expect 3 calls in flight, got %d", n)
	}
	tr.Forget("b")
	tr.Forget("unknown")
	if n := inflightCount(tr); n != 2 {
		t.Fatalf("expect 2 calls in flight after forget, got %d", n)
	}
	tr.Forget("a")
	tr.Forget("c")
	if n := inflightCount(tr); n != 0 {
		t.Fatalf("expect nothing in flight, got %d", n)
	}
}

func TestConnPoolDialsOutsideLock(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var peers []net.Conn
	dials := 0
	o := newOptions([]Option{WithPoolSize(2), WithHeartbeat(0)})
	p := newConnPool("pipe", &o, func(string, []byte, error) {}, &statusListeners{})
	p.dialer = func(ctx context.Context, network, addr string) (net.Conn, error) {
		mu.Lock()
		dials++
		slow := dials == 2
		mu.Unlock()
		if slow {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		a, b := net.Pipe()
		mu.Lock()
		peers = append(peers, b)
		mu.Unlock()
		return a, nil
	}
	defer func() {
		p.close()
		mu.Lock()
		for _, c := range peers {
			c.Close()
		}
		mu.Unlock()
	}()

	first, err := p.get(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	slowDone := make(chan *muxConn, 1)
	go func() {
		c, err := p.get(context.Background())
		if err != nil {
			t.Error(err)
		}
		slowDone <- c
	}()
	for {
		p.mu.Lock()
		d := p.dialing
		p.mu.Unlock()
		if d == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	got := make(chan *muxConn, 1)
	go func() {
		c, _ := p.get(context.Background())
		got <- c
	}()
	select {
	case c := <-got:
		if c != first {
			t.Fatal("expect the live connection while the second dial is pending")
		}
	case <-time.After(time.Second):
		t.Fatal("checkout blocked behind a slow dial")
	}

	close(release)
	select {
	case c := <-slowDone:
		if c == nil || c == first {
			t.Fatal("expect a second connection from the slow dial")
		}
	case <-time.After(time.Second):
		t.Fatal("slow dial never settled")
	}
	if n := p.size(); n != 2 {
		t.Fatalf("expect 2 connections, got %d", n)
	}
}

func TestConnPoolWaitsForPendingDial(t *testing.T) {
	release := make(chan struct{})
	o := newOptions([]Option{WithPoolSize(1), WithHeartbeat(0)})
	p := newConnPool("pipe", &o, func(string, []byte, error) {}, &statusListeners{})
	var peer net.Conn
	p.dialer = func(ctx context.Context, network, addr string) (net.Conn, error) {
		<-release
		a, b := net.Pipe()
		peer = b
		return a, nil
	}
	defer func() {
		p.close()
		if peer != nil {
			peer.Close()
		}
	}()

	results := make(chan *muxConn, 2)
	for i := 0; i < 2; i++ {
		go func() {
			c, err := p.get(context.Background())
			if err != nil {
				t.Error(err)
			}
			results <- c
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)

	a, b := <-results, <-results
	if a == nil || a != b {
		t.Fatal("expect both checkouts to share the single dialled connection")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.mu.Lock()
	p.conns = nil
	p.dialing = 1
	p.dialDone = make(chan struct{})
	p.mu.Unlock()
	if _, err := p.get(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expect a canceled wait, got %v", err)
	}
}
