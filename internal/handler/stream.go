package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/meeting-scheduler/internal/middleware"
	"github.com/capitalize-ai/meeting-scheduler/internal/service"
	"github.com/capitalize-ai/meeting-scheduler/pkg/logger"
	"github.com/capitalize-ai/meeting-scheduler/pkg/metrics"
)

// StreamHandler streams a conversation's audit events over SSE.
type StreamHandler struct {
	conversations *service.ConversationService
	events        EventReader
	pollInterval  time.Duration
	heartbeat     time.Duration
	logger        *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(convs *service.ConversationService, events EventReader, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		conversations: convs,
		events:        events,
		pollInterval:  2 * time.Second,
		heartbeat:     30 * time.Second,
		logger:        log,
	}
}

// ReplayCompleteEvent marks the end of the initial replay.
type ReplayCompleteEvent struct {
	LastSequence uint64 `json:"last_sequence"`
	EventCount   int    `json:"event_count"`
}

// Stream handles GET /api/v1/conversations/{id}/stream
// Supports ?after_sequence=N for resuming from a specific point.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
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
	if _, err := h.conversations.Get(ctx, conversationID, userID); err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	lastSequence, _ := pageParams(r)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	log := h.logger.With(zap.String("conversation_id", conversationID))

	sendSSEEvent(w, flusher, "connected", map[string]string{
		"conversation_id": conversationID,
	})

	// drain sends everything after lastSequence and reports how many.
	drain := func() (int, error) {
		sent := 0
		for {
			batch, err := h.events.GetEvents(ctx, conversationID, lastSequence, 50)
			if err != nil {
				return sent, err
			}
			for _, ev := range batch {
				if err := sendSSEEvent(w, flusher, "event", ev); err != nil {
					return sent, err
				}
				lastSequence = ev.Sequence
				sent++
			}
			if len(batch) < 50 {
				return sent, nil
			}
		}
	}

	replayed, err := drain()
	if err != nil {
		log.Error("failed to replay events", zap.Error(err))
		sendSSEEvent(w, flusher, "error", map[string]string{"code": "replay_error"})
		return
	}
	sendSSEEvent(w, flusher, "replay_complete", &ReplayCompleteEvent{
		LastSequence: lastSequence,
		EventCount:   replayed,
	})

	poll := time.NewTicker(h.pollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("SSE client disconnected")
			return
		case <-poll.C:
			if _, err := drain(); err != nil && ctx.Err() == nil {
				log.Warn("failed to read live events", zap.Error(err))
			}
		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", map[string]time.Time{"timestamp": time.Now()})
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
