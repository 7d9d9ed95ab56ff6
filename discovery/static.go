package discovery

import (
	"context"
	"slices"
	"sync"
)

// Static is an in-memory Discovery. TTLs are ignored.
type Static struct {
	mu       sync.Mutex
	services map[string][]Instance
	watchers map[string][]chan []Instance
}

// NewStatic returns a Static seeded with the given instances.
func NewStatic(seed map[string][]Instance) *Static {
	s := &Static{
		services: make(map[string][]Instance, len(seed)),
		watchers: make(map[string][]chan []Instance),
	}
	for svc, insts := range seed {
		s.services[svc] = slices.Clone(insts)
	}
	return s
}

func (s *Static) Register(_ context.Context, service string, inst Instance, _ int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.services[service]
	i := slices.IndexFunc(list, func(x Instance) bool { return x.Addr == inst.Addr })
	if i >= 0 {
		list[i] = inst
	} else {
		list = append(list, inst)
	}
	s.services[service] = list
	s.publishLocked(service)
	return nil
}

func (s *Static) Deregister(_ context.Context, service, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.services[service]
	n := len(list)
	list = slices.DeleteFunc(list, func(x Instance) bool { return x.Addr == addr })
	s.services[service] = list
	if len(list) != n {
		s.publishLocked(service)
	}
	return nil
}

func (s *Static) Discover(_ context.Context, service string) ([]Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.services[service]), nil
}

// Watch emits on every Register or Deregister of service.
func (s *Static) Watch(ctx context.Context, service string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	s.mu.Lock()
	s.watchers[service] = append(s.watchers[service], ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		s.watchers[service] = slices.DeleteFunc(s.watchers[service], func(c chan []Instance) bool { return c == ch })
		close(ch)
	}()
	return ch
}

// publishLocked replaces any unread update so a slow watcher only ever
// sees the latest list.
func (s *Static) publishLocked(service string) {
	snapshot := s.services[service]
	for _, ch := range s.watchers[service] {
		select {
		case <-ch:
		default:
		}
		ch <- slices.Clone(snapshot)
	}
}
