// Package service provides the scheduling assistant's orchestration: the
// tool loop, confirmation handling and resumption after authorization.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/meeting-scheduler/internal/model"
	"github.com/capitalize-ai/meeting-scheduler/internal/store"
	"github.com/capitalize-ai/meeting-scheduler/pkg/logger"
	"github.com/capitalize-ai/meeting-scheduler/pkg/metrics"
)

// maxSaveAttempts bounds reload-and-reapply after version conflicts.
const maxSaveAttempts = 3

// ErrConversationNotFound is returned for unknown or expired conversations.
var ErrConversationNotFound = errors.New("conversation not found")

// ConversationService loads and saves conversations under optimistic
// concurrency.
type ConversationService struct {
	store  store.ConversationStore
	ttl    time.Duration
	audit  *Auditor
	now    func() time.Time
	logger *logger.Logger
}

// NewConversationService creates a new conversation service.
func NewConversationService(s store.ConversationStore, ttl time.Duration, audit *Auditor, log *logger.Logger) *ConversationService {
	return &ConversationService{
		store:  s,
		ttl:    ttl,
		audit:  audit,
		now:    time.Now,
		logger: log.With(zap.String("component", "conversations")),
	}
}

// Load returns the stored conversation or a fresh unsaved one.
func (s *ConversationService) Load(ctx context.Context, id, userID string) (*model.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.NewConversation(id, userID, s.now(), s.ttl), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return conv, nil
}

// Get retrieves a conversation by ID, scoped to its owner.
func (s *ConversationService) Get(ctx context.Context, id, userID string) (*model.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	if conv.UserID != userID {
		return nil, ErrConversationNotFound
	}
	return conv, nil
}

// Delete removes a conversation once it is complete.
func (s *ConversationService) Delete(ctx context.Context, id, userID string) error {
	if _, err := s.Get(ctx, id, userID); err != nil {
		return err
	}
	return s.store.DeleteConversation(ctx, id)
}

// Append saves base plus turns. When another writer got there first, the
// latest version is reloaded and the same turns are appended to it.
func (s *ConversationService) Append(ctx context.Context, base *model.Conversation, turns ...model.Turn) (*model.Conversation, error) {
	conv := base.Clone()
	conv.Append(s.now(), s.ttl, cloneTurns(turns)...)

	for attempt := 1; ; attempt++ {
		err := s.store.SaveConversation(ctx, conv)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrConflict) || attempt >= maxSaveAttempts {
			return nil, fmt.Errorf("failed to save conversation: %w", err)
		}

		metrics.RecordConversationConflict()
		s.logger.Info("conversation changed concurrently, reapplying turns",
			zap.String("conversation_id", base.ID),
			zap.Int("attempt", attempt),
		)
		if conv, err = s.Load(ctx, base.ID, base.UserID); err != nil {
			return nil, err
		}
		conv.Append(s.now(), s.ttl, cloneTurns(turns)...)
	}

	for _, t := range turns {
		s.audit.Record(ctx, conv.ID, conv.UserID, model.EventTurn, "", map[string]any{
			"role":      t.Role,
			"tool_name": t.ToolName,
		})
	}
	return conv, nil
}

func cloneTurns(turns []model.Turn) []model.Turn {
	return append([]model.Turn(nil), turns...)
}
