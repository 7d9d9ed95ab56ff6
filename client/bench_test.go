package client

import (
	"context"
	"net"
	"testing"
	"time"

	"ef-rpc/codec"
	"ef-rpc/discovery"
	"ef-rpc/message"
	"ef-rpc/policy"
	"ef-rpc/server"
	"ef-rpc/transport"
)

// ---- Setup 公共函数 ----

func setupServerAndClient(b *testing.B, ct codec.CodecType) (*server.Server, *Client) {
	svr := server.NewServer()
	if _, err := svr.Register("Calc", "v1", Calc{}, policy.Set{}); err != nil {
		b.Fatal(err)
	}
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		b.Fatal(err)
	}
	go svr.Serve(lis)

	// 用内存 discovery，不依赖 etcd
	d := discovery.NewStatic(map[string][]discovery.Instance{
		"Calc:v1": {{Addr: lis.Addr().String(), Weight: 1, Version: "v1"}},
	})
	tcp := transport.NewTCPClient(
		transport.WithDiscovery(d),
		transport.WithPoolSize(8),
		transport.WithCodec(ct),
	)
	cli := New(tcp, WithCodec(codec.GetCodec(ct)), WithDiscovery(d))
	b.Cleanup(func() {
		cli.Close()
		svr.Shutdown(3 * time.Second)
	})
	return svr, cli
}

// 场景1: 单 goroutine 串行调用
func BenchmarkSerialCall(b *testing.B) {
	_, cli := setupServerAndClient(b, codec.CodecTypeJSON)
	calc := cli.Service("Calc", "v1", policy.Set{})
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var sum int
		if err := calc.Call(ctx, "Add", &sum, 1, 2); err != nil {
			b.Fatal(err)
		}
	}
}

// 场景2: 多 goroutine 并发调用（体现多路复用优势）
func BenchmarkConcurrentCall(b *testing.B) {
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeZstd} {
		b.Run(ct.String(), func(b *testing.B) {
			_, cli := setupServerAndClient(b, ct)
			calc := cli.Service("Calc", "v1", policy.Set{})
			ctx := context.Background()

			b.ResetTimer()
			b.RunParallel(func(pb *testing.PB) {
				for pb.Next() {
					var sum int
					if err := calc.Call(ctx, "Add", &sum, 1, 2); err != nil {
						b.Error(err)
						return
					}
				}
			})
		})
	}
}

// 场景3: 编解码性能（不走网络，纯 codec）
func BenchmarkCodec(b *testing.B) {
	req, err := message.NewRequest("Calc", "Add", "v1", 1, 2)
	if err != nil {
		b.Fatal(err)
	}
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeZstd} {
		cdc := codec.GetCodec(ct)
		b.Run(ct.String(), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				data, _ := cdc.Encode(req)
				var out message.Request
				cdc.Decode(data, &out)
			}
		})
	}
}
