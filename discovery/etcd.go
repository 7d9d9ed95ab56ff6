package discovery

// etcd as a service phonebook:
//
//	Key:   /ef-rpc/{service}/{addr}
//	Value: JSON-encoded Instance
//
// Registration uses TTL-based leases: if the server crashes, the lease
// expires and the entry disappears with it.

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const keyPrefix = "/ef-rpc/"

func serviceKey(service string) string { return keyPrefix + service + "/" }

// Etcd implements Discovery on etcd v3.
type Etcd struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // by key, for Deregister
}

type EtcdOption func(*etcdOptions)

type etcdOptions struct {
	logger      *zap.Logger
	dialTimeout time.Duration
}

// WithLogger sets the logger of both this backend and the etcd client.
func WithLogger(l *zap.Logger) EtcdOption {
	return func(o *etcdOptions) { o.logger = l }
}

func WithDialTimeout(d time.Duration) EtcdOption {
	return func(o *etcdOptions) { o.dialTimeout = d }
}

// NewEtcd connects to the given etcd endpoints.
func NewEtcd(endpoints []string, opts ...EtcdOption) (*Etcd, error) {
	o := etcdOptions{logger: zap.NewNop(), dialTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: o.dialTimeout,
		Logger:      o.logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("discovery: etcd connect: %w", err)
	}
	return &Etcd{client: c, logger: o.logger, leases: make(map[string]clientv3.LeaseID)}, nil
}

// Register adds inst under a TTL lease and keeps the lease alive in the
// background until Deregister or Close.
//
// The keepalive is bound to the client, not to ctx, so a registration
// outlives the call that made it.
func (r *Etcd) Register(ctx context.Context, service string, inst Instance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}
	val, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	key := serviceKey(service) + inst.Addr
	if _, err = r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(context.WithoutCancel(ctx), lease.ID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()

	// Drain keepalive responses so the channel never fills up. It closes
	// when the lease is revoked or the client is closed.
	go func() {
		for range ch {
		}
		r.logger.Debug("etcd keepalive stopped", zap.String("key", key))
	}()
	r.logger.Info("instance registered", zap.String("service", service), zap.String("addr", inst.Addr), zap.Int64("ttl", ttl))
	return nil
}

// Deregister removes the instance and revokes its lease.
func (r *Etcd) Deregister(ctx context.Context, service, addr string) error {
	key := serviceKey(service) + addr
	if _, err := r.client.Delete(ctx, key); err != nil {
		return err
	}
	r.mu.Lock()
	id, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()
	if ok {
		if _, err := r.client.Revoke(ctx, id); err != nil {
			r.logger.Warn("lease revoke failed", zap.String("key", key), zap.Error(err))
		}
	}
	r.logger.Info("instance deregistered", zap.String("service", service), zap.String("addr", addr))
	return nil
}

// Discover returns every instance currently registered for service.
func (r *Etcd) Discover(ctx context.Context, service string) ([]Instance, error) {
	resp, err := r.client.Get(ctx, serviceKey(service), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst Instance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			r.logger.Warn("skipping malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// Watch re-fetches the full list on every change under the service prefix.
func (r *Etcd) Watch(ctx context.Context, service string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	go func() {
		defer close(ch)
		for wresp := range r.client.Watch(ctx, serviceKey(service), clientv3.WithPrefix()) {
			if err := wresp.Err(); err != nil {
				r.logger.Warn("etcd watch error", zap.String("service", service), zap.Error(err))
				continue
			}
			instances, err := r.Discover(ctx, service)
			if err != nil {
				r.logger.Warn("etcd rediscover failed", zap.String("service", service), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close closes the etcd client. Leases stop being renewed and expire.
func (r *Etcd) Close() error {
	return r.client.Close()
}
