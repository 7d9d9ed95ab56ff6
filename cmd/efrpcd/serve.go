package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"ef-rpc/config"
	"ef-rpc/discovery"
	"ef-rpc/gateway"
	"ef-rpc/logging"
	"ef-rpc/server"
	"ef-rpc/stats"
	"ef-rpc/transport"
)

const (
	propGRPCListen    = "grpc.listen"
	propAdvertiseAddr = "advertise.addr"
	reportInterval    = time.Minute
	shutdownTimeout   = 10 * time.Second
)

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithMaxMessageSize(cfg.MaxMessageSize),
	}
	if len(cfg.DiscoveryEndpoints) > 0 {
		etcd, err := discovery.NewEtcd(cfg.DiscoveryEndpoints, discovery.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("connect etcd: %w", err)
		}
		defer etcd.Close()
		adv, ok := cfg.Property(propAdvertiseAddr)
		if !ok {
			adv = advertiseAddr(cfg.ListenAddr)
		}
		opts = append(opts, server.WithDiscovery(etcd, adv, 1))
	}

	svr := server.NewServer(opts...)
	if _, err := svr.Register(calcService, calcVersion, Calc{}, calcPolicies(cfg.MethodPolicy())); err != nil {
		return err
	}

	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("efrpcd"))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		ns, err := transport.NewNATSServer(nc, svr.Handler(), transport.WithLogger(logger))
		if err != nil {
			nc.Close()
			return err
		}
		closers = append(closers, func() { ns.Close(); nc.Close() })
		logger.Info("serving nats", zap.String("url", cfg.NATSURL))
	}

	if cfg.AMQPURL != "" {
		as, err := transport.NewAMQPServer(cfg.AMQPURL, svr.Handler(), transport.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("connect amqp: %w", err)
		}
		closers = append(closers, func() { as.Close() })
		if err := as.Listen(calcService, calcVersion); err != nil {
			return err
		}
		logger.Info("serving amqp", zap.String("queue", transport.QueueName(transport.DefaultPrefix, calcService, calcVersion)))
	}

	if cfg.MQTTURL != "" {
		mc, err := transport.ConnectMQTT(cfg.MQTTURL, "efrpcd-"+uuid.NewString(), cfg.Timeout)
		if err != nil {
			return fmt.Errorf("connect mqtt: %w", err)
		}
		ms, err := transport.NewMQTTServer(mc, svr.Handler(), transport.WithLogger(logger))
		if err != nil {
			mc.Disconnect(0)
			return err
		}
		closers = append(closers, func() { ms.Close(); mc.Disconnect(250) })
		logger.Info("serving mqtt", zap.String("url", cfg.MQTTURL))
	}

	if addr, ok := cfg.Property(propGRPCListen); ok {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		gs := transport.NewGRPCServer(svr.Handler())
		go func() {
			if err := gs.Serve(lis); err != nil {
				logger.Error("grpc server stopped", zap.Error(err))
			}
		}()
		closers = append(closers, gs.GracefulStop)
		logger.Info("serving grpc", zap.String("addr", addr))
	}

	httpSrv, err := newHTTPServer(ctx, cfg, svr, logger)
	if err != nil {
		return err
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", zap.Error(err))
		}
	}()
	closers = append(closers, func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = httpSrv.Shutdown(sctx)
	})

	serveErr := make(chan error, 1)
	go func() { serveErr <- svr.ListenAndServe(cfg.ListenAddr) }()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	return svr.Shutdown(shutdownTimeout)
}

// newHTTPServer exposes /rpc and, with monitoring, /metrics and the
// PostgreSQL stats reporter.
func newHTTPServer(ctx context.Context, cfg *config.Config, svr *server.Server, logger *zap.Logger) (*http.Server, error) {
	mux := http.NewServeMux()
	rpcHandler, err := gateway.NewHandler(svr.Router(), logger)
	if err != nil {
		return nil, err
	}
	mux.Handle("/rpc", rpcHandler)

	if cfg.EnableMonitoring {
		sources := map[string]stats.Source{"server": svr.StatsSource()}
		reg := prometheus.NewRegistry()
		reg.MustRegister(stats.NewCollector("efrpc", sources))
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

		if cfg.DatabaseURL != "" {
			store, err := stats.NewPGStore(ctx, cfg.DatabaseURL)
			if err != nil {
				return nil, fmt.Errorf("connect database: %w", err)
			}
			go func() {
				stats.NewReporter(sources, store, reportInterval, logger).Run(ctx)
				store.Close()
			}()
		}
	}

	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}, nil
}

func advertiseAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil || host == "" || host == "0.0.0.0" || host == "::" {
		return net.JoinHostPort("127.0.0.1", port)
	}
	return listen
}
