package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/meeting-scheduler/internal/model"
	"github.com/capitalize-ai/meeting-scheduler/pkg/logger"
)

// EventPublisher appends audit events to a durable log.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *model.AuditEvent) (uint64, error)
}

// Auditor records audit events. A nil publisher makes it a no-op.
type Auditor struct {
	publisher EventPublisher
	logger    *logger.Logger
}

// NewAuditor creates an auditor.
func NewAuditor(publisher EventPublisher, log *logger.Logger) *Auditor {
	return &Auditor{publisher: publisher, logger: log.With(zap.String("component", "audit"))}
}

// Record publishes an event. Audit failures never fail the request.
func (a *Auditor) Record(ctx context.Context, conversationID, userID string, typ model.EventType, reason string, metadata map[string]any) {
	if a == nil || a.publisher == nil {
		return
	}
	event := &model.AuditEvent{
		ConversationID: conversationID,
		UserID:         userID,
		Type:           typ,
		Reason:         reason,
		Metadata:       metadata,
		CreatedAt:      time.Now(),
	}
	if _, err := a.publisher.PublishEvent(ctx, event); err != nil {
		a.logger.Warn("failed to publish audit event",
			zap.String("conversation_id", conversationID),
			zap.String("type", string(typ)),
			zap.Error(err),
		)
	}
}
