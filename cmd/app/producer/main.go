// Command producer publishes change events read from a JSON file, for local
// testing of the change feed.
//
// The file holds an array of raw events, each {"eventType", "new", "old"}.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lunari-eduardo/lunari-plataforma-f864b1a6-sub004/internal/kafka"
	model "github.com/lunari-eduardo/lunari-plataforma-f864b1a6-sub004/internal/models"
)

type options struct {
	brokers string
	topic   string
	file    string
	key     string
	payment bool
}

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:          "producer",
		Short:        "Publish session or payment change events to Kafka",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.brokers, "brokers", "localhost:9092", "comma separated broker list")
	cmd.Flags().StringVar(&opts.topic, "topic", "sessions.changes", "destination topic")
	cmd.Flags().StringVarP(&opts.file, "file", "f", "events.json", "JSON array of events")
	cmd.Flags().StringVar(&opts.key, "key", "k1", "message key")
	cmd.Flags().BoolVar(&opts.payment, "payments", false, "validate events as payment events")
	return cmd
}

func run(ctx context.Context, opts *options) error {
	data, err := os.ReadFile(opts.file)
	if err != nil {
		return err
	}
	events, err := decodeEvents(data, opts.payment)
	if err != nil {
		return err
	}

	pub := kafka.NewPublisher(strings.Split(opts.brokers, ","), opts.topic)
	defer pub.Close()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := pub.Publish(ctx, opts.key, events...); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	slog.Info("published", "topic", opts.topic, "events", len(events))
	return nil
}

// decodeEvents checks every event the same way the feed will and returns
// them unchanged for publishing.
func decodeEvents(data []byte, payments bool) ([]any, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	out := make([]any, 0, len(raw))
	for i, r := range raw {
		if payments {
			if _, err := model.DecodePaymentEvent(r); err != nil {
				return nil, fmt.Errorf("event %d: %w", i, err)
			}
		} else {
			var ev model.SessionEvent
			if err := json.Unmarshal(r, &ev); err != nil {
				return nil, fmt.Errorf("event %d: %w", i, err)
			}
			if err := ev.Validate(); err != nil {
				return nil, fmt.Errorf("event %d: %w", i, err)
			}
		}
		out = append(out, r)
	}
	return out, nil
}
