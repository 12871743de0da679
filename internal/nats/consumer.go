package nats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// MaxDeliver bounds redelivery of a message whose handler keeps failing.
const MaxDeliver = 10

// ConsumerManager handles durable consumer creation and retrieval.
type ConsumerManager struct {
	js jetstream.JetStream
}

// NewConsumerManager creates a new ConsumerManager.
func NewConsumerManager(js jetstream.JetStream) *ConsumerManager {
	return &ConsumerManager{js: js}
}

// EnsureConsumer creates or updates a durable consumer on the given stream.
func (cm *ConsumerManager) EnsureConsumer(ctx context.Context, stream, name, filterSubject string) (jetstream.Consumer, error) {
	cfg := jetstream.ConsumerConfig{
		Durable:       name,
		FilterSubject: filterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    MaxDeliver,
	}

	consumer, err := cm.js.CreateOrUpdateConsumer(ctx, stream, cfg)
	if err != nil {
		return nil, fmt.Errorf("ensuring consumer %s on %s: %w", name, stream, err)
	}
	return consumer, nil
}

// HandlerFunc processes one message. A nil return acks the message, an error
// naks it for redelivery.
type HandlerFunc func(ctx context.Context, msg jetstream.Msg) error

// Run ensures the durable consumer and fetches batches until ctx is cancelled.
func (cm *ConsumerManager) Run(ctx context.Context, stream, name, filterSubject string, handle HandlerFunc) error {
	consumer, err := cm.EnsureConsumer(ctx, stream, name, filterSubject)
	if err != nil {
		return err
	}

	slog.Info("nats consumer started", "consumer", name, "subject", filterSubject)

	for {
		msgs, err := consumer.Fetch(10, jetstream.FetchMaxWait(FetchTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Debug("nats consumer: fetching messages", "consumer", name, "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			if err := handle(ctx, msg); err != nil {
				slog.Warn("nats consumer: handler failed", "consumer", name, "subject", msg.Subject(), "error", err)
				_ = msg.NakWithDelay(backoff(msg))
				continue
			}
			_ = msg.Ack()
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

func backoff(msg jetstream.Msg) time.Duration {
	meta, err := msg.Metadata()
	if err != nil || meta.NumDelivered < 1 {
		return time.Second
	}
	d := time.Duration(meta.NumDelivered) * 2 * time.Second
	if d > time.Minute {
		d = time.Minute
	}
	return d
}
