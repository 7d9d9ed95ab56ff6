// Package discovery resolves service names to network instances.
//
// Servers Register the address they serve on under each service key
// ("Calc:1.0"); clients Discover the current instance list and Watch it for
// changes. Two backends exist: etcd for real
// deployments and Static for tests and fixed topologies.
package discovery

import "context"

// Instance is one reachable server of a service.
type Instance struct {
	Addr     string            `json:"addr"`
	Weight   int               `json:"weight"` // Weight for load balancing
	Version  string            `json:"version"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type Discovery interface {
	// Register announces inst for service. ttl is in seconds; a backend
	// that keeps entries alive renews them until Deregister.
	Register(ctx context.Context, service string, inst Instance, ttl int64) error
	Deregister(ctx context.Context, service, addr string) error
	Discover(ctx context.Context, service string) ([]Instance, error)
	// Watch emits the full instance list after every change until ctx ends.
	Watch(ctx context.Context, service string) <-chan []Instance
}
