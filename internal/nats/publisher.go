package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// Publisher provides typed methods for publishing events to NATS JetStream.
type Publisher struct {
	js jetstream.JetStream
}

// NewPublisher creates a new Publisher.
func NewPublisher(js jetstream.JetStream) *Publisher {
	return &Publisher{js: js}
}

// PublishReferralApproved publishes an approved referral. The event id is
// used as the message id so a retried publish is deduplicated by the stream.
func (p *Publisher) PublishReferralApproved(ctx context.Context, event ReferralApproved) error {
	return p.publish(ctx, SubjectReferralApproved, event, jetstream.WithMsgID(event.EventID.String()))
}

// PublishProvisionTask queues an account for initialization retry.
func (p *Publisher) PublishProvisionTask(ctx context.Context, task ProvisionTask) error {
	return p.publish(ctx, SubjectProvisionTask, task)
}

// PublishAuditEvent publishes an audit event.
func (p *Publisher) PublishAuditEvent(ctx context.Context, event AuditEvent) error {
	return p.publish(ctx, SubjectAuditEvent, event)
}

func (p *Publisher) publish(ctx context.Context, subject string, data any, opts ...jetstream.PublishOpt) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event for %s: %w", subject, err)
	}
	_, err = p.js.Publish(ctx, subject, payload, opts...)
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}
