// Package registry maps (service name, version) to a registered
// implementation and its policy on the server side.
//
// Registration never overwrites: replacing an implementation means
// Unregister followed by Register. Listeners are owned by the Registry
// instance and see every registration change.
package registry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"ef-rpc/message"
	"ef-rpc/policy"
	"ef-rpc/rpcerr"
)

// Event is a registration change delivered to listeners.
type Event int

const (
	EventRegistered Event = iota
	EventUnregistered
	EventStatusChanged
)

func (e Event) String() string {
	switch e {
	case EventRegistered:
		return "registered"
	case EventUnregistered:
		return "unregistered"
	default:
		return "status_changed"
	}
}

// Listener observes registration changes. It runs synchronously on the
// goroutine that made the change, after the registry lock is released.
type Listener func(ev Event, svc *Service)

type Registry struct {
	mu        sync.RWMutex
	services  map[string]*Service // by "name:version"
	listeners map[int]Listener
	nextID    int
	logger    *zap.Logger
	now       func() time.Time
}

type Option func(*Registry)

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		services:  make(map[string]*Service),
		listeners: make(map[int]Listener),
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds impl to (name, version). An empty version means
// message.DefaultVersion; a zero policy set means policy.DefaultSet.
func (r *Registry) Register(name, version string, impl any, p policy.Set) (*Service, error) {
	if name == "" {
		return nil, rpcerr.New(rpcerr.InvalidArgument, "", "", "service name is required")
	}
	if version == "" {
		version = message.DefaultVersion
	}
	if p.IsZero() {
		p = policy.DefaultSet()
	}
	if err := p.Validate(); err != nil {
		return nil, rpcerr.New(rpcerr.InvalidArgument, name, "", "invalid policy: %v", err)
	}
	svc, err := newService(name, version, impl, p, r.now())
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, exists := r.services[svc.Key()]; exists {
		r.mu.Unlock()
		return nil, rpcerr.New(rpcerr.AlreadyRegistered, name, "", "%s is already registered", svc.Key())
	}
	r.services[svc.Key()] = svc
	r.mu.Unlock()

	r.logger.Info("service registered",
		zap.String("service", svc.Key()),
		zap.Strings("methods", svc.MethodNames()))
	r.notify(EventRegistered, svc)
	return svc, nil
}

// Unregister removes (name, version). It fails with NotRegistered if absent.
func (r *Registry) Unregister(name, version string) error {
	key := message.ServiceKey(name, version)
	r.mu.Lock()
	svc, ok := r.services[key]
	if ok {
		delete(r.services, key)
	}
	r.mu.Unlock()
	if !ok {
		return rpcerr.New(rpcerr.NotRegistered, name, "", "%s is not registered", key)
	}

	svc.status.Store(int32(Stopped))
	r.logger.Info("service unregistered", zap.String("service", key))
	r.notify(EventUnregistered, svc)
	return nil
}

// Lookup finds an exact (name, version) registration.
func (r *Registry) Lookup(name, version string) (*Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[message.ServiceKey(name, version)]
	return svc, ok
}

// Resolve finds the registration serving (name, version). A version that
// looks like a semver constraint ("^1.2", ">= 2, < 3", "1.x") selects the
// highest registered version satisfying it; anything else must match
// exactly.
func (r *Registry) Resolve(name, version string) (*Service, error) {
	if svc, ok := r.Lookup(name, version); ok {
		return svc, nil
	}
	if !isConstraint(version) {
		return nil, rpcerr.New(rpcerr.ServiceNotFound, name, "", "%s is not registered",
			message.ServiceKey(name, version))
	}
	c, err := semver.NewConstraint(version)
	if err != nil {
		return nil, rpcerr.New(rpcerr.ServiceNotFound, name, "", "bad version constraint %q: %v", version, err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		best    *Service
		bestVer *semver.Version
	)
	for _, svc := range r.services {
		if svc.Name != name {
			continue
		}
		v, err := semver.NewVersion(svc.Version)
		if err != nil || !c.Check(v) {
			continue
		}
		if bestVer == nil || v.GreaterThan(bestVer) {
			best, bestVer = svc, v
		}
	}
	if best == nil {
		return nil, rpcerr.New(rpcerr.ServiceNotFound, name, "", "no version of %s satisfies %q", name, version)
	}
	return best, nil
}

func isConstraint(v string) bool {
	return strings.ContainsAny(v, "^~<>=*,|") || strings.Contains(v, ".x") || v == "x"
}

// List returns every registration sorted by key.
func (r *Registry) List() []*Service {
	r.mu.RLock()
	out := make([]*Service, 0, len(r.services))
	for _, svc := range r.services {
		out = append(out, svc)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// SetStatus moves (name, version) to status.
func (r *Registry) SetStatus(name, version string, status Status) error {
	svc, ok := r.Lookup(name, version)
	if !ok {
		return rpcerr.New(rpcerr.NotRegistered, name, "", "%s is not registered", message.ServiceKey(name, version))
	}
	if Status(svc.status.Swap(int32(status))) == status {
		return nil
	}
	r.notify(EventStatusChanged, svc)
	return nil
}

// SetAllStatus moves every registration to status.
func (r *Registry) SetAllStatus(status Status) {
	for _, svc := range r.List() {
		_ = r.SetStatus(svc.Name, svc.Version, status)
	}
}

// AddListener registers l and returns a function that removes it.
func (r *Registry) AddListener(l Listener) (remove func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = l
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func (r *Registry) notify(ev Event, svc *Service) {
	r.mu.RLock()
	ls := make([]Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		ls = append(ls, l)
	}
	r.mu.RUnlock()
	for _, l := range ls {
		l(ev, svc)
	}
}
