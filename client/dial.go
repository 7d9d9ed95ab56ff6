package client

import (
	"context"
	"fmt"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"ef-rpc/codec"
	"ef-rpc/config"
	"ef-rpc/discovery"
	"ef-rpc/loadbalance"
	"ef-rpc/policy"
	"ef-rpc/transport"
)

// PropertyGRPCTarget names the config property holding the gRPC dial target.
const PropertyGRPCTarget = "grpc.target"

// Dial builds a client from cfg: serializer, transport protocol, pool size,
// load balancing and the default method policy. With a nil d, TCP clients
// call the configured listen address directly.
func Dial(cfg *config.Config, d discovery.Discovery, logger *zap.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cd, err := codec.ForName(cfg.SerializerType, cfg.EnableCompression)
	if err != nil {
		return nil, err
	}
	topts := []transport.Option{
		transport.WithCodec(cd.Type()),
		transport.WithLogger(logger),
		transport.WithMaxMessageSize(cfg.MaxMessageSize),
		transport.WithDialTimeout(cfg.Timeout),
	}

	var t transport.Transport
	switch strings.ToLower(cfg.TransportProtocol) {
	case "", "tcp":
		bal, err := loadbalance.New(cfg.LoadBalanceStrategy)
		if err != nil {
			return nil, err
		}
		topts = append(topts, transport.WithPoolSize(cfg.ConnectionPoolSize), transport.WithBalancer(bal))
		if d != nil {
			topts = append(topts, transport.WithDiscovery(d))
		} else {
			topts = append(topts, transport.WithAddrs(localAddr(cfg.ListenAddr)))
		}
		t = transport.NewTCPClient(topts...)
	case "nats":
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("efrpc-client"))
		if err != nil {
			return nil, fmt.Errorf("client: connect nats: %w", err)
		}
		nt, err := transport.NewNATSClient(nc, topts...)
		if err != nil {
			nc.Close()
			return nil, err
		}
		t = &ownedNATS{NATSClient: nt, nc: nc}
	case "amqp":
		if t, err = transport.NewAMQPClient(cfg.AMQPURL, topts...); err != nil {
			return nil, err
		}
	case "mqtt":
		mc, err := transport.ConnectMQTT(cfg.MQTTURL, "efrpc-client-"+uuid.NewString(), cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("client: connect mqtt: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		mt, err := transport.NewMQTTClient(ctx, mc, topts...)
		cancel()
		if err != nil {
			mc.Disconnect(0)
			return nil, err
		}
		t = &ownedMQTT{MQTTClient: mt, mc: mc}
	case "grpc":
		target, ok := cfg.Property(PropertyGRPCTarget)
		if !ok {
			target = localAddr(cfg.ListenAddr)
		}
		if t, err = transport.NewGRPCClient(target, nil, topts...); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("client: unknown transport protocol %q", cfg.TransportProtocol)
	}

	base := []Option{
		WithLogger(logger),
		WithCodec(cd),
		WithPolicies(policy.Uniform(cfg.MethodPolicy())),
	}
	if d != nil {
		base = append(base, WithDiscovery(d))
	}
	return New(t, append(base, opts...)...), nil
}

// ownedNATS closes the connection it was dialled with.
type ownedNATS struct {
	*transport.NATSClient
	nc *nats.Conn
}

func (o *ownedNATS) Close() error {
	err := o.NATSClient.Close()
	o.nc.Close()
	return err
}

// ownedMQTT disconnects the client it was dialled with.
type ownedMQTT struct {
	*transport.MQTTClient
	mc mqtt.Client
}

func (o *ownedMQTT) Close() error {
	err := o.MQTTClient.Close()
	o.mc.Disconnect(250)
	return err
}

// localAddr turns a listen address such as ":9000" into a dialable one.
func localAddr(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "127.0.0.1" + listen
	}
	return listen
}
