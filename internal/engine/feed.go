package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/lunari-eduardo/lunari-plataforma-f864b1a6-sub004/internal/broadcast"
	model "github.com/lunari-eduardo/lunari-plataforma-f864b1a6-sub004/internal/models"
)

// feedManager owns the change-feed subscriptions of one binding. Callbacks
// carry the epoch of the binding and are ignored once it has ended.
type feedManager struct {
	e     *Engine
	feed  ChangeFeed
	epoch uint64

	mu     sync.Mutex
	closed bool
	subs   map[model.Period][]func()
}

func newFeedManager(e *Engine, feed ChangeFeed, epoch uint64) *feedManager {
	return &feedManager{
		e:     e,
		feed:  feed,
		epoch: epoch,
		subs:  make(map[model.Period][]func()),
	}
}

// watch opens the sessions and payments subscriptions of p unless they are
// already open.
func (m *feedManager) watch(p model.Period) {
	if m == nil || m.feed == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if _, ok := m.subs[p]; ok {
		return
	}

	unsubSessions, err := m.feed.SubscribeSessions(p, func(ev model.SessionEvent) {
		m.applySessionEvent(p, ev)
	})
	if err != nil {
		slog.Warn("engine: subscribe sessions", "period", p.String(), "err", err)
		return
	}
	unsubPayments, err := m.feed.SubscribePayments(p, func(ev model.PaymentEvent) {
		m.applyPaymentEvent(p, ev)
	})
	if err != nil {
		unsubSessions()
		slog.Warn("engine: subscribe payments", "period", p.String(), "err", err)
		return
	}
	m.subs[p] = []func(){unsubSessions, unsubPayments}
	slog.Debug("engine: watching period", "period", p.String())
}

func (m *feedManager) close() {
	if m == nil {
		return
	}
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[model.Period][]func())
	m.closed = true
	m.mu.Unlock()
	for _, fns := range subs {
		for _, unsub := range fns {
			unsub()
		}
	}
}

func (m *feedManager) periods() []model.Period {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	out := make([]model.Period, 0, len(m.subs))
	for p := range m.subs {
		out = append(out, p)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// applySessionEvent patches the entry of p in memory. Events for a period
// whose entry is gone (invalidated or pruned) are dropped; the next load
// brings the rows back.
func (m *feedManager) applySessionEvent(p model.Period, ev model.SessionEvent) {
	rec := ev.Record()
	if rec == nil {
		return
	}
	e := m.e

	e.mu.Lock()
	if !e.bound || e.epoch != m.epoch {
		e.mu.Unlock()
		return
	}
	changed := false
	// An INSERT never creates the entry: a period holding one record would
	// read as fully loaded.
	applied := e.store.Update(p, func(rs []model.Session) []model.Session {
		switch ev.Type {
		case model.EventInsert:
			changed = true
			return upsert(rs, rec.Clone(), true)
		case model.EventUpdate:
			if rec.Period() != p {
				out, ok := without(rs, rec.ID)
				changed = ok
				return out
			}
			changed = true
			return upsert(rs, rec.Clone(), true)
		case model.EventDelete:
			out, ok := without(rs, rec.ID)
			changed = ok
			return out
		}
		return rs
	})
	e.mu.Unlock()

	if !applied || !changed {
		slog.Debug("engine: session event not applied", "period", p.String(), "type", ev.Type, "id", rec.ID)
		return
	}
	ctx := context.Background()
	e.persist(ctx)
	e.notify(Update{Period: p, Kind: UpdatePatched})
	e.announce(broadcast.ActionCacheUpdated, periodsData{Periods: []string{p.String()}})
}

// applyPaymentEvent invalidates the whole period owning the payment's
// session. When the session cannot be placed, the subscription's period is
// invalidated and refetched instead.
func (m *feedManager) applyPaymentEvent(sub model.Period, ev model.PaymentEvent) {
	e := m.e
	e.mu.Lock()
	current := e.bound && e.epoch == m.epoch
	e.mu.Unlock()
	if !current {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.opts.FetchTimeout)
	defer cancel()

	owner, err := m.resolve(ctx, ev.SessionID)
	if err != nil {
		e.diagnose(&ChangeFeedDesyncError{SessionID: ev.SessionID, Guess: sub, Err: err})
		e.invalidate(ctx, sub)
		if _, err := e.EnsureLoaded(ctx, sub); err != nil {
			slog.Warn("engine: refetch after desync failed", "period", sub.String(), "err", err)
		}
		return
	}
	slog.Debug("engine: payment event invalidates period",
		"session", ev.SessionID, "payment", ev.Payment.ID, "period", owner.String())
	e.invalidate(ctx, owner)
}

func (m *feedManager) resolve(ctx context.Context, sessionID string) (model.Period, error) {
	if sessionID == "" {
		return model.Period{}, errMissingSessionID
	}
	if p, ok := m.e.store.Locate(sessionID); ok {
		return p, nil
	}
	s, err := m.e.opts.Remote.GetSession(ctx, sessionID)
	if err != nil {
		return model.Period{}, &RemoteFetchError{Op: "get", ID: sessionID, Err: err}
	}
	p := s.Period()
	if p.IsZero() {
		return model.Period{}, errUndatedSession
	}
	return p, nil
}
