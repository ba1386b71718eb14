package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/meeting-scheduler/internal/model"
	"github.com/capitalize-ai/meeting-scheduler/internal/store"
	"github.com/capitalize-ai/meeting-scheduler/pkg/logger"
	"github.com/capitalize-ai/meeting-scheduler/pkg/metrics"
)

// Authorizer completes the OAuth consent flow.
type Authorizer interface {
	ParseState(state string) (string, error)
	CompleteAuthorization(ctx context.Context, userID, code string) (*model.OAuthToken, error)
}

// Handler answers one inbound message.
type Handler interface {
	Handle(ctx context.Context, msg model.InboundMessage) (*model.Reply, error)
}

// Deliverer posts a reply to a chat target.
type Deliverer interface {
	Deliver(ctx context.Context, target model.Target, reply *model.Reply) error
}

// ResumeController replays a deferred request once the user has authorized
// calendar access.
type ResumeController struct {
	auth     Authorizer
	deferred store.DeferredRequestStore
	loop     Handler
	deliver  Deliverer
	audit    *Auditor
	logger   *logger.Logger
}

// NewResumeController creates a resume controller.
func NewResumeController(auth Authorizer, deferred store.DeferredRequestStore, loop Handler, deliver Deliverer, audit *Auditor, log *logger.Logger) *ResumeController {
	return &ResumeController{
		auth:     auth,
		deferred: deferred,
		loop:     loop,
		deliver:  deliver,
		audit:    audit,
		logger:   log.With(zap.String("component", "resume")),
	}
}

// Authorize validates the callback state and stores the user's credential.
// It returns the user it authorized; the deferred request is left in place.
func (r *ResumeController) Authorize(ctx context.Context, state, code string) (string, error) {
	userID, err := r.auth.ParseState(state)
	if err != nil {
		return "", err
	}
	if _, err := r.auth.CompleteAuthorization(ctx, userID, code); err != nil {
		return userID, err
	}
	r.audit.Record(ctx, "", userID, model.EventAuthorized, "", nil)
	return userID, nil
}

// Resume takes the user's deferred request, if any, runs it through the tool
// loop and delivers the reply. Only one caller can take a given request.
func (r *ResumeController) Resume(ctx context.Context, userID string) (*model.Reply, error) {
	log := r.logger.With(zap.String("user_id", userID))

	d, err := r.deferred.TakeDeferred(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		log.Debug("no deferred request to resume")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to take deferred request: %w", err)
	}

	metrics.RecordDeferred("resumed")
	r.audit.Record(ctx, d.ConversationID, userID, model.EventRequestResumed, "", nil)
	log.Info("resuming deferred request", zap.String("conversation_id", d.ConversationID))

	reply, err := r.loop.Handle(ctx, model.InboundMessage{
		ConversationID: d.ConversationID,
		UserID:         d.UserID,
		Target:         d.Target,
		Text:           d.Text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to handle resumed request: %w", err)
	}

	if r.deliver != nil {
		if err := r.deliver.Deliver(ctx, d.Target, reply); err != nil {
			return reply, fmt.Errorf("failed to deliver resumed reply: %w", err)
		}
	}
	return reply, nil
}
