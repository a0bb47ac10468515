package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	model "github.com/lunari-eduardo/lunari-plataforma-f864b1a6-sub004/internal/models"
)

// ErrClosed is returned by Subscribe* after Close.
var ErrClosed = errors.New("kafka: feed closed")

type Config struct {
	Brokers          []string
	SessionsTopic    string
	PaymentsTopic    string
	GroupID          string
	DLQTopic         string // "" disables the dead-letter queue
	MinBytes         int
	MaxBytes         int
	MaxWait          time.Duration
	ReadErrorBackoff time.Duration
}

type reader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type sessionSub struct {
	period model.Period
	fn     func(model.SessionEvent)
}

type paymentSub struct {
	period model.Period
	fn     func(model.PaymentEvent)
}

// Feed consumes the sessions and payments change topics and fans events out
// to per-period subscribers.
type Feed struct {
	sessions reader
	payments reader
	dlq      writer // optional
	backoff  time.Duration

	mu       sync.RWMutex
	closed   bool
	nextID   uint64
	sessSubs map[uint64]sessionSub
	paySubs  map[uint64]paymentSub
}

func NewFeed(cfg Config) *Feed {
	if cfg.MinBytes == 0 {
		cfg.MinBytes = 10e3
	}
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = 10e6
	}
	if cfg.MaxWait == 0 {
		cfg.MaxWait = 2 * time.Second
	}
	if cfg.ReadErrorBackoff == 0 {
		cfg.ReadErrorBackoff = 2 * time.Second
	}

	newReader := func(topic string) *kafkago.Reader {
		return kafkago.NewReader(kafkago.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    topic,
			GroupID:  cfg.GroupID,
			MinBytes: cfg.MinBytes,
			MaxBytes: cfg.MaxBytes,
			MaxWait:  cfg.MaxWait,
			// Offsets are committed manually after each processed message.
			CommitInterval: 0,
		})
	}
	var w writer
	if cfg.DLQTopic != "" {
		w = &kafkago.Writer{
			Addr:     kafkago.TCP(cfg.Brokers...),
			Topic:    cfg.DLQTopic,
			Balancer: &kafkago.LeastBytes{},
		}
	}
	return newFeed(newReader(cfg.SessionsTopic), newReader(cfg.PaymentsTopic), w, cfg.ReadErrorBackoff)
}

func newFeed(sessions, payments reader, dlq writer, backoff time.Duration) *Feed {
	return &Feed{
		sessions: sessions,
		payments: payments,
		dlq:      dlq,
		backoff:  backoff,
		sessSubs: make(map[uint64]sessionSub),
		paySubs:  make(map[uint64]paymentSub),
	}
}

// SubscribeSessions delivers session events whose row belongs to p.
func (f *Feed) SubscribeSessions(p model.Period, fn func(model.SessionEvent)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	f.nextID++
	id := f.nextID
	f.sessSubs[id] = sessionSub{period: p, fn: fn}
	return func() {
		f.mu.Lock()
		delete(f.sessSubs, id)
		f.mu.Unlock()
	}, nil
}

// SubscribePayments delivers payment events whose own date falls in p.
func (f *Feed) SubscribePayments(p model.Period, fn func(model.PaymentEvent)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	f.nextID++
	id := f.nextID
	f.paySubs[id] = paymentSub{period: p, fn: fn}
	return func() {
		f.mu.Lock()
		delete(f.paySubs, id)
		f.mu.Unlock()
	}, nil
}

// Subscribers returns the number of live session and payment subscriptions.
func (f *Feed) Subscribers() (sessions, payments int) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.sessSubs), len(f.paySubs)
}

func (f *Feed) Close() error {
	f.mu.Lock()
	f.closed = true
	f.sessSubs = make(map[uint64]sessionSub)
	f.paySubs = make(map[uint64]paymentSub)
	f.mu.Unlock()

	var errs []error
	if f.sessions != nil {
		errs = append(errs, f.sessions.Close())
	}
	if f.payments != nil {
		errs = append(errs, f.payments.Close())
	}
	if f.dlq != nil {
		errs = append(errs, f.dlq.Close())
	}
	return errors.Join(errs...)
}

// Run consumes both topics until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		f.consume(ctx, "sessions", f.sessions, f.handleSession)
	}()
	go func() {
		defer wg.Done()
		f.consume(ctx, "payments", f.payments, f.handlePayment)
	}()
	wg.Wait()
	return nil
}

func (f *Feed) consume(ctx context.Context, name string, r reader, handle func(context.Context, kafkago.Message) error) {
	slog.Info("kafka: feed consumer started", "stream", name)
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return
			}
			slog.Error("kafka: fetch error", "stream", name, "err", err, "retry_in", f.backoff)
			if !sleep(ctx, f.backoff) {
				return
			}
			continue
		}

		if err := handle(ctx, m); err != nil {
			// Not committed: the message is redelivered.
			slog.Error("kafka: process error", "stream", name, "offset", m.Offset, "err", err)
			if !sleep(ctx, 500*time.Millisecond) {
				return
			}
			continue
		}

		if err := r.CommitMessages(ctx, m); err != nil {
			slog.Error("kafka: commit error", "stream", name, "offset", m.Offset, "err", err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// reject moves an undecodable message to the DLQ when one is configured.
// Such messages never become valid, so they are committed either way.
func (f *Feed) reject(ctx context.Context, m kafkago.Message, cause error) error {
	slog.Warn("kafka: rejecting message", "topic", m.Topic, "offset", m.Offset, "err", cause)
	if f.dlq == nil {
		return nil
	}
	return f.dlq.WriteMessages(ctx, kafkago.Message{
		Key:   m.Key,
		Value: m.Value,
		Time:  time.Now(),
	})
}

func (f *Feed) handleSession(ctx context.Context, m kafkago.Message) error {
	var ev model.SessionEvent
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		return f.reject(ctx, m, err)
	}
	if err := ev.Validate(); err != nil {
		return f.reject(ctx, m, err)
	}
	f.dispatchSession(ev)
	return nil
}

func (f *Feed) handlePayment(ctx context.Context, m kafkago.Message) error {
	ev, err := model.DecodePaymentEvent(m.Value)
	if err != nil {
		return f.reject(ctx, m, err)
	}
	f.dispatchPayment(ev)
	return nil
}

// dispatchSession routes ev to the subscribers of the row's period. An
// UPDATE that moves a row to another period is also delivered to the old
// period's subscribers as a DELETE.
func (f *Feed) dispatchSession(ev model.SessionEvent) int {
	target := ev.Record().Period()
	var moved model.Period
	if ev.Type == model.EventUpdate && ev.Old != nil && ev.New != nil {
		if old := ev.Old.Period(); !old.IsZero() && old != target {
			moved = old
		}
	}

	f.mu.RLock()
	var fns []func(model.SessionEvent)
	var movedFns []func(model.SessionEvent)
	for _, s := range f.sessSubs {
		switch {
		case s.period == target:
			fns = append(fns, s.fn)
		case !moved.IsZero() && s.period == moved:
			movedFns = append(movedFns, s.fn)
		}
	}
	f.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
	gone := model.SessionEvent{Type: model.EventDelete, Old: ev.Old}
	for _, fn := range movedFns {
		fn(gone)
	}
	return len(fns) + len(movedFns)
}

func paymentDate(p model.Payment) string {
	if p.TransactionDate != "" {
		return p.TransactionDate
	}
	return p.DueDate
}

func (f *Feed) dispatchPayment(ev model.PaymentEvent) int {
	target, err := model.PeriodOf(paymentDate(ev.Payment))
	if err != nil {
		slog.Debug("kafka: payment event without usable date", "payment", ev.Payment.ID, "err", err)
		return 0
	}
	f.mu.RLock()
	var fns []func(model.PaymentEvent)
	for _, s := range f.paySubs {
		if s.period == target {
			fns = append(fns, s.fn)
		}
	}
	f.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
	return len(fns)
}
