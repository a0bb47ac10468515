package broadcast

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrClosed is returned when publishing on a closed transport.
var ErrClosed = errors.New("broadcast: transport closed")

const loopbackBuffer = 64

// Loopback is an in-process bus. Each channel name is an isolated room;
// a publication reaches every other endpoint joined to the same name.
type Loopback struct {
	mu    sync.RWMutex
	rooms map[string]map[*endpoint]struct{}
}

func NewLoopback() *Loopback {
	return &Loopback{rooms: make(map[string]map[*endpoint]struct{})}
}

// Join attaches a new endpoint to the named channel.
func (l *Loopback) Join(name string) Transport {
	e := &endpoint{bus: l, name: name, ch: make(chan []byte, loopbackBuffer)}
	l.mu.Lock()
	room, ok := l.rooms[name]
	if !ok {
		room = make(map[*endpoint]struct{})
		l.rooms[name] = room
	}
	room[e] = struct{}{}
	l.mu.Unlock()
	return e
}

type endpoint struct {
	bus    *Loopback
	name   string
	ch     chan []byte
	closed bool // guarded by bus.mu
}

func (e *endpoint) Publish(data []byte) error {
	e.bus.mu.RLock()
	defer e.bus.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	for peer := range e.bus.rooms[e.name] {
		if peer == e {
			continue
		}
		msg := append([]byte(nil), data...)
		select {
		case peer.ch <- msg:
		default:
			slog.Debug("broadcast: loopback peer buffer full, message dropped", "channel", e.name)
		}
	}
	return nil
}

func (e *endpoint) Messages() <-chan []byte { return e.ch }

func (e *endpoint) Close() error {
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	room := e.bus.rooms[e.name]
	delete(room, e)
	if len(room) == 0 {
		delete(e.bus.rooms, e.name)
	}
	close(e.ch)
	return nil
}

// Nop is a Transport that publishes nowhere. It disables cross-context sync.
type Nop struct {
	once sync.Once
	ch   chan []byte
}

func NewNop() *Nop { return &Nop{ch: make(chan []byte)} }

func (n *Nop) Publish([]byte) error    { return nil }
func (n *Nop) Messages() <-chan []byte { return n.ch }
func (n *Nop) Close() error {
	n.once.Do(func() { close(n.ch) })
	return nil
}
