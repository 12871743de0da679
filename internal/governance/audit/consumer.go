package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	inats "github.com/aiox-platform/quotaengine/internal/nats"
)

// Consumer listens on the audit event NATS subject and persists entries to the database.
type Consumer struct {
	repo        Inserter
	consumerMgr *inats.ConsumerManager
}

// NewConsumer creates a new audit event Consumer.
func NewConsumer(repo Inserter, consumerMgr *inats.ConsumerManager) *Consumer {
	return &Consumer{
		repo:        repo,
		consumerMgr: consumerMgr,
	}
}

// Start begins the consume loop. Blocks until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	return c.consumerMgr.Run(ctx, inats.StreamEvents, "audit-persister", inats.SubjectAuditEvent, c.handleMsg)
}

func (c *Consumer) handleMsg(ctx context.Context, msg jetstream.Msg) error {
	return c.handle(ctx, msg.Data())
}

func (c *Consumer) handle(ctx context.Context, data []byte) error {
	var event inats.AuditEvent
	if err := json.Unmarshal(data, &event); err != nil {
		// A malformed payload will never parse; drop it.
		slog.Error("audit consumer: unmarshaling event", "error", err)
		return nil
	}

	if err := c.repo.Insert(ctx, ToLog(event)); err != nil {
		return fmt.Errorf("persisting audit log %s: %w", event.EventType, err)
	}

	slog.Debug("audit consumer: persisted event",
		"event_type", event.EventType,
		"user_id", event.UserID,
		"resource_id", event.ResourceID,
	)
	return nil
}
