package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"go.uber.org/zap"

	"github.com/capitalize-ai/meeting-scheduler/internal/model"
	"github.com/capitalize-ai/meeting-scheduler/internal/service"
	slackchat "github.com/capitalize-ai/meeting-scheduler/internal/slack"
	"github.com/capitalize-ai/meeting-scheduler/pkg/logger"
)

// ActionFlow resolves pending actions and describes them for dialogs.
type ActionFlow interface {
	ActionResolver
	Describe(ctx context.Context, userID, token string) (*model.PendingAction, error)
}

// Chat posts replies and opens dialogs on the chat platform.
type Chat interface {
	Deliver(ctx context.Context, target model.Target, reply *model.Reply) error
	OpenTitleModal(ctx context.Context, triggerID, token string, index int, title string, slot *model.TimeRange) error
}

// SlackHandler receives Slack Events API and interactivity webhooks.
// Requests must already have passed signature verification.
type SlackHandler struct {
	loop     service.Handler
	actions  ActionFlow
	chat     Chat
	dispatch Dispatcher
	botID    string
	logger   *logger.Logger
}

// NewSlackHandler creates a Slack webhook handler.
func NewSlackHandler(loop service.Handler, actions ActionFlow, chat Chat, dispatch Dispatcher, log *logger.Logger) *SlackHandler {
	return &SlackHandler{
		loop:     loop,
		actions:  actions,
		chat:     chat,
		dispatch: dispatch,
		logger:   log.With(zap.String("component", "slack_handler")),
	}
}

// WithBotUserID sets the bot's own user id so its mentions can be removed
// from channel messages.
func (h *SlackHandler) WithBotUserID(id string) *SlackHandler {
	h.botID = id
	return h
}

// ConversationID keys a conversation by channel and thread.
func ConversationID(channel, thread string) string {
	return channel + ":" + thread
}

// Events handles POST /slack/events
func (h *SlackHandler) Events(w http.ResponseWriter, r *http.Request) {
	// Slack retries when the first delivery was slow to ack; the first
	// delivery is already being processed.
	if r.Header.Get("X-Slack-Retry-Num") != "" {
		w.WriteHeader(http.StatusOK)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	ev, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event")
		return
	}

	switch ev.Type {
	case slackevents.URLVerification:
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			writeError(w, http.StatusBadRequest, "invalid challenge")
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(challenge.Challenge))
		return

	case slackevents.CallbackEvent:
		if msg, ok := inboundMessage(ev.InnerEvent, h.botID); ok {
			h.dispatch(r.Context(), func(ctx context.Context) { h.handleMessage(ctx, msg) })
		}
	}
	w.WriteHeader(http.StatusOK)
}

// inboundMessage extracts a message addressed to the bot: a mention in a
// channel or a direct message. Bot posts and edits are ignored. Direct
// messages are taken verbatim; any mention in them names an attendee.
func inboundMessage(inner slackevents.EventsAPIInnerEvent, botID string) (model.InboundMessage, bool) {
	var user, channel, text, ts, thread string
	switch e := inner.Data.(type) {
	case *slackevents.AppMentionEvent:
		if e.BotID != "" {
			return model.InboundMessage{}, false
		}
		user, channel, ts, thread = e.User, e.Channel, e.TimeStamp, e.ThreadTimeStamp
		text = slackchat.CleanMention(e.Text, botID)
	case *slackevents.MessageEvent:
		if e.ChannelType != "im" || e.BotID != "" || e.SubType != "" {
			return model.InboundMessage{}, false
		}
		user, channel, ts, thread = e.User, e.Channel, e.TimeStamp, e.ThreadTimeStamp
		text = strings.TrimSpace(e.Text)
	default:
		return model.InboundMessage{}, false
	}
	if thread == "" {
		thread = ts
	}
	return model.InboundMessage{
		ConversationID: ConversationID(channel, thread),
		UserID:         user,
		Target:         model.Target{Channel: channel, Thread: thread},
		Text:           text,
	}, true
}

func (h *SlackHandler) handleMessage(ctx context.Context, msg model.InboundMessage) {
	reply, err := h.loop.Handle(ctx, msg)
	if err != nil {
		h.logger.Error("failed to handle message", zap.Error(err), zap.String("conversation_id", msg.ConversationID))
		reply = &model.Reply{Text: service.ApologyText, Failed: true}
	}
	h.deliver(ctx, msg.Target, reply)
}

func (h *SlackHandler) deliver(ctx context.Context, target model.Target, reply *model.Reply) {
	if err := h.chat.Deliver(ctx, target, reply); err != nil {
		h.logger.Error("failed to deliver reply", zap.Error(err), zap.String("channel", target.Channel))
	}
}

// Interactive handles POST /slack/interactive
func (h *SlackHandler) Interactive(w http.ResponseWriter, r *http.Request) {
	var cb slack.InteractionCallback
	if err := json.Unmarshal([]byte(r.FormValue("payload")), &cb); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	switch cb.Type {
	case slack.InteractionTypeBlockActions:
		h.blockAction(r.Context(), &cb)
	case slack.InteractionTypeViewSubmission:
		if cb.View.CallbackID == slackchat.TitleModalCallback {
			h.titleSubmitted(r.Context(), &cb)
		}
	}
	// An empty 200 also closes a submitted modal.
	w.WriteHeader(http.StatusOK)
}

// callbackTarget is where the clicked message lives.
func callbackTarget(cb *slack.InteractionCallback) model.Target {
	thread := cb.Message.ThreadTimestamp
	if thread == "" {
		thread = cb.Message.Timestamp
	}
	return model.Target{Channel: cb.Channel.ID, Thread: thread}
}

func (h *SlackHandler) blockAction(ctx context.Context, cb *slack.InteractionCallback) {
	if len(cb.ActionCallback.BlockActions) == 0 {
		return
	}
	act := cb.ActionCallback.BlockActions[0]
	userID := cb.User.ID
	fallback := callbackTarget(cb)
	log := h.logger.With(zap.String("user_id", userID), zap.String("action_id", act.ActionID))

	switch slackchat.ParseActionID(act.ActionID) {
	case slackchat.ActionAuthorize:
		// Link button; the browser handles it.

	case slackchat.ActionCancel:
		h.resolve(ctx, userID, act.Value, model.ActionCancel, nil, fallback)

	case slackchat.ActionChooseReschedule:
		token, index, err := slackchat.DecodeChoice(act.Value)
		if err != nil {
			log.Warn("invalid choice value", zap.Error(err))
			return
		}
		h.resolve(ctx, userID, token, model.ActionConfirm, map[string]string{
			service.FieldSlot: strconv.Itoa(index),
		}, fallback)

	case slackchat.ActionConfirm, slackchat.ActionChooseSlot:
		token, index, err := slackchat.DecodeChoice(act.Value)
		if err != nil {
			log.Warn("invalid choice value", zap.Error(err))
			return
		}
		a, err := h.actions.Describe(ctx, userID, token)
		if errors.Is(err, service.ErrActionNotFound) {
			// Let the controller produce the stale or not-yours reply.
			h.resolve(ctx, userID, token, model.ActionConfirm, nil, fallback)
			return
		}
		if err != nil {
			log.Error("failed to load action", zap.Error(err))
			h.deliver(ctx, fallback, &model.Reply{Text: service.ApologyText, Failed: true})
			return
		}
		slot := &a.Args.Range
		if index >= 0 {
			if index >= len(a.Candidates) {
				log.Warn("choice out of range", zap.Int("index", index))
				return
			}
			slot = &a.Candidates[index]
		}
		// The trigger id is only valid for a few seconds, so the modal opens
		// before the webhook is acknowledged.
		if err := h.chat.OpenTitleModal(ctx, cb.TriggerID, token, index, a.Args.Title, slot); err != nil {
			log.Error("failed to open title modal", zap.Error(err))
		}

	default:
		log.Warn("unknown action")
	}
}

func (h *SlackHandler) titleSubmitted(ctx context.Context, cb *slack.InteractionCallback) {
	userID := cb.User.ID
	token, index, err := slackchat.DecodeChoice(cb.View.PrivateMetadata)
	if err != nil {
		h.logger.Warn("invalid modal metadata", zap.Error(err))
		return
	}

	fields := map[string]string{}
	if cb.View.State != nil {
		if v, ok := cb.View.State.Values[slackchat.TitleBlockID][slackchat.TitleActionID]; ok {
			fields[service.FieldTitle] = v.Value
		}
	}
	if index >= 0 {
		fields[service.FieldSlot] = strconv.Itoa(index)
	}

	var target model.Target
	if a, err := h.actions.Describe(ctx, userID, token); err == nil {
		target = a.Target
	}
	h.resolve(ctx, userID, token, model.ActionConfirm, fields, target)
}

// resolve applies the action in the background and posts the outcome.
func (h *SlackHandler) resolve(ctx context.Context, userID, token string, typ model.ActionType, fields map[string]string, target model.Target) {
	h.dispatch(ctx, func(ctx context.Context) {
		reply, err := h.actions.OnAction(ctx, userID, token, typ, fields)
		switch {
		case errors.Is(err, service.ErrInvalidField):
			h.logger.Warn("invalid action fields", zap.Error(err))
			reply = &model.Reply{Text: service.StaleText, Failed: true}
		case err != nil:
			h.logger.Error("failed to resolve action", zap.Error(err))
			reply = &model.Reply{Text: service.ApologyText, Failed: true}
		}
		if target.Channel == "" {
			h.logger.Warn("no target for action reply", zap.String("user_id", userID))
			return
		}
		h.deliver(ctx, target, reply)
	})
}
