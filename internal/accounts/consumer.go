package accounts

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	inats "github.com/aiox-platform/quotaengine/internal/nats"
)

// Reconciler retries provisioning for tasks queued by Initialize.
type Reconciler struct {
	svc         *Service
	consumerMgr *inats.ConsumerManager
}

func NewReconciler(svc *Service, consumerMgr *inats.ConsumerManager) *Reconciler {
	return &Reconciler{svc: svc, consumerMgr: consumerMgr}
}

// Start begins the consume loop. Blocks until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) error {
	return r.consumerMgr.Run(ctx, inats.StreamTasks, "account-provisioner", inats.SubjectProvisionTask, r.handleMsg)
}

func (r *Reconciler) handleMsg(ctx context.Context, msg jetstream.Msg) error {
	return r.handle(ctx, msg.Data())
}

func (r *Reconciler) handle(ctx context.Context, data []byte) error {
	var task inats.ProvisionTask
	if err := json.Unmarshal(data, &task); err != nil {
		slog.Error("account reconciler: unmarshaling task", "error", err)
		return nil
	}

	a, err := r.svc.Get(ctx, task.UserID)
	if err != nil {
		return err
	}
	if a == nil {
		slog.Warn("account reconciler: unknown account", "user_id", task.UserID)
		return nil
	}
	if a.Provisioned() || a.ProvisionAttempts >= MaxProvisionAttempts {
		return nil
	}
	return r.svc.Provision(ctx, task.UserID)
}
