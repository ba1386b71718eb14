package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/meeting-scheduler/internal/middleware"
	"github.com/capitalize-ai/meeting-scheduler/internal/model"
	"github.com/capitalize-ai/meeting-scheduler/internal/service"
	"github.com/capitalize-ai/meeting-scheduler/pkg/logger"
)

// ActionResolver resolves pending actions.
type ActionResolver interface {
	OnAction(ctx context.Context, userID, token string, typ model.ActionType, fields map[string]string) (*model.Reply, error)
}

// AuthLinker reports calendar authorization and builds consent links.
type AuthLinker interface {
	IsAuthorized(ctx context.Context, userID string) (bool, error)
	AuthorizationURL(userID string) (string, error)
}

// MessageHandler is the REST channel: the same tool loop and action flow the
// Slack handlers drive, with replies returned in the response body.
type MessageHandler struct {
	loop          service.Handler
	conversations *service.ConversationService
	actions       ActionResolver
	auth          AuthLinker
	logger        *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(
	loop service.Handler,
	convs *service.ConversationService,
	actions ActionResolver,
	auth AuthLinker,
	log *logger.Logger,
) *MessageHandler {
	return &MessageHandler{
		loop:          loop,
		conversations: convs,
		actions:       actions,
		auth:          auth,
		logger:        log,
	}
}

// Send handles POST /api/v1/conversations/{id}/messages
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// A conversation id already used by someone else is not revealed.
	conv, err := h.conversations.Load(ctx, conversationID, userID)
	if err != nil {
		h.logger.Error("failed to load conversation", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	if conv.UserID != userID {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	reply, err := h.loop.Handle(ctx, model.InboundMessage{
		ConversationID: conversationID,
		UserID:         userID,
		Text:           req.Content,
	})
	if err != nil {
		h.logger.Error("failed to handle message", zap.Error(err), zap.String("conversation_id", conversationID))
		writeError(w, http.StatusInternalServerError, "failed to handle message")
		return
	}

	writeJSON(w, http.StatusOK, reply)
}

// Action handles POST /api/v1/actions/{token}
func (h *MessageHandler) Action(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	token := chi.URLParam(r, "token")

	if err := middleware.ValidateActionToken(token); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Action != model.ActionConfirm && req.Action != model.ActionCancel {
		writeError(w, http.StatusBadRequest, "action must be confirm or cancel")
		return
	}
	if err := middleware.ValidateTitle(req.Fields[service.FieldTitle]); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reply, err := h.actions.OnAction(ctx, userID, token, req.Action, req.Fields)
	if errors.Is(err, service.ErrInvalidField) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("failed to resolve action", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to resolve action")
		return
	}

	writeJSON(w, http.StatusOK, reply)
}

// Authorize handles GET /api/v1/oauth/authorize
func (h *MessageHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	authorized, err := h.auth.IsAuthorized(ctx, userID)
	if err != nil {
		h.logger.Error("failed to check authorization", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to check authorization")
		return
	}
	url, err := h.auth.AuthorizationURL(userID)
	if err != nil {
		h.logger.Error("failed to build authorization link", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to build authorization link")
		return
	}

	writeJSON(w, http.StatusOK, &model.AuthorizeResponse{URL: url, Authorized: authorized})
}
