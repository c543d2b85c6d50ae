package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/growthpact/jobs-service/internal/domain"
)

const (
	AuditExchange = "growthpact.audit"
	auditTimeout  = 5 * time.Second
)

// EventPublisher defines the interface for publishing events to a message broker.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// Auditor sends audit records to the audit sink. Delivery is best effort:
// failures are logged and never reach the caller.
type Auditor struct {
	publisher EventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

func NewAuditor(publisher EventPublisher, logger *slog.Logger) *Auditor {
	return &Auditor{publisher: publisher, logger: logger, now: time.Now}
}

func (a *Auditor) Record(ctx context.Context, action string, metadata map[string]interface{}) {
	if a == nil || a.publisher == nil {
		return
	}
	record := domain.AuditRecord{
		Action:    action,
		Actor:     domain.SystemActor,
		Metadata:  metadata,
		Timestamp: a.now().UTC(),
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	if err := a.publisher.Publish(pubCtx, AuditExchange, "audit."+action, record); err != nil {
		a.logger.Warn("audit publish failed", "action", action, "error", err)
	}
}
