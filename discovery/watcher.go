package discovery

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Change is the kind of a membership change.
type Change int

const (
	Online Change = iota
	Offline
)

func (c Change) String() string {
	if c == Online {
		return "online"
	}
	return "offline"
}

// Listener is notified of instances joining or leaving a service.
type Listener func(change Change, service string, inst Instance)

// Watcher keeps the latest instance list of one service and reports the
// differences between successive lists to its listeners.
type Watcher struct {
	d       Discovery
	service string
	logger  *zap.Logger

	mu        sync.RWMutex
	current   map[string]Instance
	listeners map[int]Listener
	nextID    int
}

func NewWatcher(d Discovery, service string, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		d:         d,
		service:   service,
		logger:    logger,
		current:   make(map[string]Instance),
		listeners: make(map[int]Listener),
	}
}

// AddListener registers l and returns a func that removes it.
func (w *Watcher) AddListener(l Listener) (remove func()) {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.listeners[id] = l
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		delete(w.listeners, id)
		w.mu.Unlock()
	}
}

// Instances returns the last observed list.
func (w *Watcher) Instances() []Instance {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Instance, 0, len(w.current))
	for _, inst := range w.current {
		out = append(out, inst)
	}
	return out
}

// Run loads the initial list and then follows updates until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	initial, err := w.d.Discover(ctx, w.service)
	if err != nil {
		return err
	}
	w.apply(initial)
	for list := range w.d.Watch(ctx, w.service) {
		w.apply(list)
	}
	return ctx.Err()
}

func (w *Watcher) apply(list []Instance) {
	next := make(map[string]Instance, len(list))
	for _, inst := range list {
		next[inst.Addr] = inst
	}

	type event struct {
		change Change
		inst   Instance
	}
	var events []event

	w.mu.Lock()
	for addr, inst := range next {
		if _, ok := w.current[addr]; !ok {
			events = append(events, event{Online, inst})
		}
	}
	for addr, inst := range w.current {
		if _, ok := next[addr]; !ok {
			events = append(events, event{Offline, inst})
		}
	}
	w.current = next
	listeners := make([]Listener, 0, len(w.listeners))
	for _, l := range w.listeners {
		listeners = append(listeners, l)
	}
	w.mu.Unlock()

	for _, ev := range events {
		w.logger.Info("instance "+ev.change.String(), zap.String("service", w.service), zap.String("addr", ev.inst.Addr))
		for _, l := range listeners {
			l(ev.change, w.service, ev.inst)
		}
	}
}
