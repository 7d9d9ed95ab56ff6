package transport

import "sync"

// ConnStatus is the state of one client connection.
type ConnStatus int

const (
	Disconnected ConnStatus = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s ConnStatus) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// StatusListener observes connection state changes. err is set for Failed
// and for a Disconnected caused by an error.
type StatusListener func(addr string, status ConnStatus, err error)

type statusListeners struct {
	mu     sync.RWMutex
	m      map[int]StatusListener
	nextID int
}

func (l *statusListeners) add(fn StatusListener) (remove func()) {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[int]StatusListener)
	}
	id := l.nextID
	l.nextID++
	l.m[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.m, id)
		l.mu.Unlock()
	}
}

func (l *statusListeners) notify(addr string, status ConnStatus, err error) {
	l.mu.RLock()
	fns := make([]StatusListener, 0, len(l.m))
	for _, fn := range l.m {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(addr, status, err)
	}
}
