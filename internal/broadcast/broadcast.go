package broadcast

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Action string

const (
	ActionCacheUpdated     Action = "cache-updated"
	ActionCacheInvalidated Action = "cache-invalidated"
	ActionCacheCleared     Action = "cache-cleared"
	ActionSessionUpdated   Action = "session-updated"
	ActionSessionDeleted   Action = "session-deleted"
)

// Message is the envelope exchanged between contexts.
type Message struct {
	Action    Action          `json:"action"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	Origin    string          `json:"origin,omitempty"`
}

// Transport moves encoded messages between contexts. The Messages channel
// must be closed once the transport is closed.
type Transport interface {
	Publish(data []byte) error
	Messages() <-chan []byte
	Close() error
}

// Broadcaster encodes announcements onto a Transport and dispatches
// incoming ones to a handler.
type Broadcaster struct {
	t      Transport
	origin string
	now    func() time.Time

	once sync.Once
	done chan struct{}
}

func New(t Transport) *Broadcaster {
	return &Broadcaster{
		t:      t,
		origin: uuid.NewString(),
		now:    time.Now,
		done:   make(chan struct{}),
	}
}

func (b *Broadcaster) Origin() string { return b.origin }

// Announce publishes action with data. Failures are logged and returned but
// callers treat announcements as fire-and-forget.
func (b *Broadcaster) Announce(action Action, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("broadcast %s: %w", action, err)
	}
	msg, err := json.Marshal(Message{
		Action:    action,
		Data:      raw,
		Timestamp: b.now().UnixMilli(),
		Origin:    b.origin,
	})
	if err != nil {
		return fmt.Errorf("broadcast %s: %w", action, err)
	}
	if err := b.t.Publish(msg); err != nil {
		slog.Warn("broadcast: publish failed", "action", action, "err", err)
		return fmt.Errorf("broadcast %s: %w", action, err)
	}
	return nil
}

// Listen dispatches incoming messages from other origins to fn until the
// transport's channel closes. It returns immediately; only the first call
// has an effect.
func (b *Broadcaster) Listen(fn func(Message)) {
	b.once.Do(func() {
		go b.loop(fn)
	})
}

func (b *Broadcaster) loop(fn func(Message)) {
	defer close(b.done)
	for data := range b.t.Messages() {
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("broadcast: dropping undecodable message", "err", err)
			continue
		}
		if msg.Origin == b.origin {
			continue
		}
		fn(msg)
	}
}

// Close closes the transport and waits for the listen loop, if any, to end.
func (b *Broadcaster) Close() error {
	err := b.t.Close()
	started := true
	b.once.Do(func() { started = false })
	if started {
		<-b.done
	}
	return err
}
