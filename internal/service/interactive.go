package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/capitalize-ai/meeting-scheduler/internal/model"
	"github.com/capitalize-ai/meeting-scheduler/internal/store"
	"github.com/capitalize-ai/meeting-scheduler/internal/tools"
	"github.com/capitalize-ai/meeting-scheduler/pkg/logger"
	"github.com/capitalize-ai/meeting-scheduler/pkg/metrics"
	"github.com/capitalize-ai/meeting-scheduler/pkg/tracing"
)

// Field names accepted by OnAction.
const (
	FieldTitle = "title"
	FieldSlot  = "slot"
)

// Reply texts for actions.
const (
	StaleText     = "This request is no longer valid."
	NotOwnerText  = "Only the person who asked can respond to this request."
	CancelledText = "Cancelled. Nothing was changed on the calendar."
	ReauthText    = "Calendar access has expired. Please authorize again and repeat the request."
)

var (
	// ErrInvalidField is returned when an edited field cannot be applied.
	ErrInvalidField = errors.New("invalid action field")
	// ErrActionNotFound is returned by Describe for unknown tokens.
	ErrActionNotFound = errors.New("action not found")
)

// Controller resolves pending actions when the user clicks a prompt.
type Controller struct {
	convs    *ConversationService
	actions  store.PendingActionStore
	executor ToolExecutor
	audit    *Auditor
	loc      *time.Location
	now      func() time.Time
	logger   *logger.Logger
}

// NewController creates an interactive flow controller.
func NewController(convs *ConversationService, actions store.PendingActionStore, executor ToolExecutor, audit *Auditor, loc *time.Location, log *logger.Logger) *Controller {
	return &Controller{
		convs:    convs,
		actions:  actions,
		executor: executor,
		audit:    audit,
		loc:      loc,
		now:      time.Now,
		logger:   log.With(zap.String("component", "interactive")),
	}
}

// Describe returns an open action owned by userID without consuming it. Chat
// handlers use it to prefill the title dialog and to find the reply target.
func (c *Controller) Describe(ctx context.Context, userID, token string) (*model.PendingAction, error) {
	a, err := c.actions.GetAction(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrActionNotFound
	}
	if err != nil {
		return nil, err
	}
	if a.UserID != userID || a.State != model.ActionOpen || a.Expired(c.now()) {
		return nil, ErrActionNotFound
	}
	return a, nil
}

// OnAction applies a confirm or cancel to the action behind token. Stale,
// expired and foreign tokens produce a failed reply rather than an error.
// ErrInvalidField is returned, without consuming the token, when fields do
// not fit the action.
func (c *Controller) OnAction(ctx context.Context, userID, token string, typ model.ActionType, fields map[string]string) (reply *model.Reply, err error) {
	ctx, span := tracing.Start(ctx, "Controller.OnAction",
		attribute.String("user_id", userID),
		attribute.String("action", string(typ)),
	)
	defer func() { tracing.End(span, err) }()

	log := c.logger.With(zap.String("user_id", userID), zap.String("token", token), zap.String("action", string(typ)))

	a, err := c.actions.GetAction(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		log.Info("action on unknown token")
		return staleReply(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load action: %w", err)
	}

	if a.UserID != userID {
		log.Warn("action by non-owner", zap.String("owner", a.UserID))
		return &model.Reply{Text: NotOwnerText, Failed: true}, nil
	}

	if a.Expired(c.now()) {
		c.expire(ctx, a, log)
		return staleReply(), nil
	}
	if a.State != model.ActionOpen {
		log.Info("action on consumed token", zap.String("state", string(a.State)))
		return staleReply(), nil
	}

	switch typ {
	case model.ActionCancel:
		return c.cancel(ctx, a, log)
	case model.ActionConfirm:
		args, err := resolveArgs(a, fields)
		if err != nil {
			return nil, err
		}
		return c.confirm(ctx, a, args, log)
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidField, typ)
	}
}

func staleReply() *model.Reply {
	return &model.Reply{Text: StaleText, Failed: true}
}

// expire records the passive expiry of a token still marked open.
func (c *Controller) expire(ctx context.Context, a *model.PendingAction, log *logger.Logger) {
	if a.State != model.ActionOpen {
		return
	}
	if err := c.actions.TransitionAction(ctx, a.Token, model.ActionOpen, model.ActionExpired); err != nil {
		if !errors.Is(err, store.ErrStale) {
			log.Warn("failed to mark action expired", zap.Error(err))
		}
		return
	}
	metrics.RecordActionTransition(string(model.ActionExpired))
	c.audit.Record(ctx, a.ConversationID, a.UserID, model.EventActionExpired, "", map[string]any{"token": a.Token})
	log.Info("action expired")
}

func (c *Controller) cancel(ctx context.Context, a *model.PendingAction, log *logger.Logger) (*model.Reply, error) {
	if err := c.actions.TransitionAction(ctx, a.Token, model.ActionOpen, model.ActionCancelled); err != nil {
		if errors.Is(err, store.ErrStale) || errors.Is(err, store.ErrNotFound) {
			return staleReply(), nil
		}
		return nil, fmt.Errorf("failed to cancel action: %w", err)
	}
	metrics.RecordActionTransition(string(model.ActionCancelled))
	c.audit.Record(ctx, a.ConversationID, a.UserID, model.EventActionCancelled, "", map[string]any{"token": a.Token})
	log.Info("action cancelled")
	return &model.Reply{Text: CancelledText}, nil
}

// confirm wins the open to confirmed transition before touching the calendar,
// so concurrent confirmations of one token write at most once.
func (c *Controller) confirm(ctx context.Context, a *model.PendingAction, args model.EventArgs, log *logger.Logger) (*model.Reply, error) {
	if err := c.actions.TransitionAction(ctx, a.Token, model.ActionOpen, model.ActionConfirmed); err != nil {
		if errors.Is(err, store.ErrStale) || errors.Is(err, store.ErrNotFound) {
			log.Info("lost confirmation race")
			return staleReply(), nil
		}
		return nil, fmt.Errorf("failed to confirm action: %w", err)
	}
	metrics.RecordActionTransition(string(model.ActionConfirmed))
	c.audit.Record(ctx, a.ConversationID, a.UserID, model.EventActionConfirmed, "", map[string]any{
		"token": a.Token,
		"kind":  a.Kind,
	})

	ev, err := c.executor.Commit(ctx, a.UserID, a.Token, a.Kind, args)
	if err != nil {
		log.Error("calendar write failed after confirmation", zap.Error(err))
		text := fmt.Sprintf("I couldn't update the calendar: %s", safeMessage(err))
		if errors.Is(err, tools.ErrAuthorizationRequired) {
			text = ReauthText
		}
		c.complete(ctx, a, text, log)
		return &model.Reply{Text: text, Failed: true}, nil
	}

	text := c.completionText(a.Kind, ev)
	c.complete(ctx, a, text, log)
	log.Info("action committed", zap.String("event_id", ev.ID))
	return &model.Reply{Text: text, Attendees: ev.Attendees, Link: ev.Link}, nil
}

// complete appends the outcome to the conversation so the engine sees it on
// the next message. The calendar write already happened, so failures are
// only logged.
func (c *Controller) complete(ctx context.Context, a *model.PendingAction, text string, log *logger.Logger) {
	conv, err := c.convs.Load(ctx, a.ConversationID, a.UserID)
	if err == nil {
		_, err = c.convs.Append(ctx, conv, model.Turn{Role: model.RoleAssistant, Content: text})
	}
	if err != nil {
		log.Warn("failed to record completion turn", zap.Error(err))
	}
}

func (c *Controller) completionText(kind model.ActionKind, ev *model.CalendarEvent) string {
	when := c.formatRange(ev.Range)
	switch kind {
	case model.KindReschedule:
		return fmt.Sprintf("Moved %q to %s.", ev.Title, when)
	default:
		return fmt.Sprintf("Created %q on %s.", ev.Title, when)
	}
}

func (c *Controller) formatRange(r model.TimeRange) string {
	start, end := r.Start.In(c.loc), r.End.In(c.loc)
	return fmt.Sprintf("%s %s-%s", start.Format("01/02 (Mon)"), start.Format("15:04"), end.Format("15:04"))
}

// resolveArgs applies the user's edits and candidate choice to the stored
// arguments.
func resolveArgs(a *model.PendingAction, fields map[string]string) (model.EventArgs, error) {
	args := a.Args
	args.Attendees = append([]string(nil), a.Args.Attendees...)

	if len(a.Candidates) > 0 {
		raw, ok := fields[FieldSlot]
		if !ok {
			return args, fmt.Errorf("%w: a slot must be chosen", ErrInvalidField)
		}
		i, err := strconv.Atoi(raw)
		if err != nil || i < 0 || i >= len(a.Candidates) {
			return args, fmt.Errorf("%w: slot %q out of range", ErrInvalidField, raw)
		}
		args.Range = a.Candidates[i]
	}

	if title, ok := fields[FieldTitle]; ok && a.Kind.NeedsTitle() {
		if title = strings.TrimSpace(title); title != "" {
			args.Title = title
		}
	}
	if args.Range.Empty() {
		return args, fmt.Errorf("%w: no time selected", ErrInvalidField)
	}
	return args, nil
}

// safeMessage trims an upstream error to something fit for chat.
func safeMessage(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	if r := []rune(msg); len(r) > maxErrorRunes {
		msg = string(r[:maxErrorRunes]) + "..."
	}
	return msg
}

const maxErrorRunes = 200
