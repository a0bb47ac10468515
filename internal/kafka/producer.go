package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
)

// Publisher writes raw change events to a topic. It is what the upstream
// capture process (or the producer tool) uses to feed Feed.
type Publisher struct {
	w writer
}

func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{w: &kafkago.Writer{
		Addr:     kafkago.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafkago.LeastBytes{},
	}}
}

// Publish encodes each event as JSON and writes it keyed by key.
func (p *Publisher) Publish(ctx context.Context, key string, events ...any) error {
	msgs := make([]kafkago.Message, 0, len(events))
	for _, ev := range events {
		b, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		msgs = append(msgs, kafkago.Message{Key: []byte(key), Value: b, Time: time.Now()})
	}
	return p.w.WriteMessages(ctx, msgs...)
}

func (p *Publisher) Close() error { return p.w.Close() }
