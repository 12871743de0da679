package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	inats "github.com/aiox-platform/quotaengine/internal/nats"
)

// Recorder accepts audit events. Recording is best effort: failures are
// logged and never returned to the caller.
type Recorder interface {
	Record(ctx context.Context, event inats.AuditEvent)
}

// EventPublisher is the subset of the NATS publisher used for audit events.
type EventPublisher interface {
	PublishAuditEvent(ctx context.Context, event inats.AuditEvent) error
}

type publishingRecorder struct {
	pub EventPublisher
}

// NewPublishingRecorder records events by publishing them for the Consumer.
func NewPublishingRecorder(pub EventPublisher) Recorder {
	return &publishingRecorder{pub: pub}
}

func (r *publishingRecorder) Record(ctx context.Context, event inats.AuditEvent) {
	stamp(&event)
	if err := r.pub.PublishAuditEvent(ctx, event); err != nil {
		slog.Warn("audit: publishing event", "error", err, "event_type", event.EventType)
	}
}

// Inserter persists audit logs.
type Inserter interface {
	Insert(ctx context.Context, log *AuditLog) error
}

type directRecorder struct {
	repo Inserter
}

// NewDirectRecorder writes events straight to the repository. Used when NATS
// is not configured.
func NewDirectRecorder(repo Inserter) Recorder {
	return &directRecorder{repo: repo}
}

func (r *directRecorder) Record(ctx context.Context, event inats.AuditEvent) {
	stamp(&event)
	if err := r.repo.Insert(ctx, ToLog(event)); err != nil {
		slog.Warn("audit: persisting event", "error", err, "event_type", event.EventType)
	}
}

type discard struct{}

func (discard) Record(context.Context, inats.AuditEvent) {}

// Discard drops every event.
var Discard Recorder = discard{}

func stamp(event *inats.AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}
}

// ToLog converts a published audit event into its table row.
func ToLog(event inats.AuditEvent) *AuditLog {
	log := &AuditLog{
		ID:           uuid.New(),
		EventType:    event.EventType,
		Severity:     event.Severity,
		ResourceType: event.ResourceType,
		ResourceID:   event.ResourceID,
		IPHash:       event.IPHash,
		CreatedAt:    event.Timestamp,
	}
	if event.UserID != uuid.Nil {
		id := event.UserID
		log.UserID = &id
	}
	if len(event.Details) > 0 {
		if data, err := json.Marshal(event.Details); err == nil {
			log.Details = data
		}
	}
	return log
}
