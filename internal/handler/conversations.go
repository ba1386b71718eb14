// Package handler provides HTTP handlers for the Slack webhooks, the OAuth
// callback and the REST API.
package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/meeting-scheduler/internal/middleware"
	"github.com/capitalize-ai/meeting-scheduler/internal/model"
	"github.com/capitalize-ai/meeting-scheduler/internal/service"
	"github.com/capitalize-ai/meeting-scheduler/pkg/logger"
)

// EventReader reads a conversation's audit log.
type EventReader interface {
	GetEvents(ctx context.Context, conversationID string, afterSequence uint64, limit int) ([]model.AuditEvent, error)
}

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	service *service.ConversationService
	events  EventReader
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler. events may be
// nil when the audit log is disabled.
func NewConversationHandler(svc *service.ConversationService, events EventReader, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		service: svc,
		events:  events,
		logger:  log,
	}
}

// Get handles GET /api/v1/conversations/{id}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.service.Get(ctx, conversationID, userID)
	if err != nil {
		h.notFoundOr500(w, err, "failed to get conversation")
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

// Delete handles DELETE /api/v1/conversations/{id}
func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.Delete(ctx, conversationID, userID); err != nil {
		h.notFoundOr500(w, err, "failed to delete conversation")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Events handles GET /api/v1/conversations/{id}/events
func (h *ConversationHandler) Events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.events == nil {
		writeError(w, http.StatusNotImplemented, "audit log is disabled")
		return
	}
	if _, err := h.service.Get(ctx, conversationID, userID); err != nil {
		h.notFoundOr500(w, err, "failed to get conversation")
		return
	}

	afterSequence, limit := pageParams(r)
	events, err := h.events.GetEvents(ctx, conversationID, afterSequence, limit)
	if err != nil {
		h.logger.Error("failed to read audit events", zap.Error(err), zap.String("conversation_id", conversationID))
		writeError(w, http.StatusInternalServerError, "failed to read events")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events":   events,
		"has_more": len(events) == limit,
	})
}

func (h *ConversationHandler) notFoundOr500(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, service.ErrConversationNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	h.logger.Error(msg, zap.Error(err))
	writeError(w, http.StatusInternalServerError, msg)
}

// pageParams reads after_sequence and limit.
func pageParams(r *http.Request) (uint64, int) {
	afterSequence := uint64(0)
	limit := 50

	if seq := r.URL.Query().Get("after_sequence"); seq != "" {
		if parsed, err := strconv.ParseUint(seq, 10, 64); err == nil {
			afterSequence = parsed
		}
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}
	return afterSequence, limit
}
