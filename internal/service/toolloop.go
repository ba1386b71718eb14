package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/capitalize-ai/meeting-scheduler/internal/llm"
	"github.com/capitalize-ai/meeting-scheduler/internal/model"
	"github.com/capitalize-ai/meeting-scheduler/internal/slots"
	"github.com/capitalize-ai/meeting-scheduler/internal/store"
	"github.com/capitalize-ai/meeting-scheduler/internal/tools"
	"github.com/capitalize-ai/meeting-scheduler/pkg/logger"
	"github.com/capitalize-ai/meeting-scheduler/pkg/metrics"
	"github.com/capitalize-ai/meeting-scheduler/pkg/tracing"
)

// ErrIterationLimit is returned when the engine keeps calling tools past the cap.
var ErrIterationLimit = errors.New("tool iteration limit exceeded")

// Reply texts.
const (
	GreetingText     = "Hi! How can I help with scheduling? I can find free time, set up meetings and move existing ones."
	ApologyText      = "Sorry, something went wrong while handling your request. Please try again in a moment."
	RetryText        = "I couldn't finish working that out. Please try again, perhaps with a little more detail."
	AuthorizeText    = "I need access to your Google Calendar first. Use the button below to authorize, and I'll continue automatically."
	ConfirmationText = "Please confirm the meeting below."
	awaitingResult   = `{"status":"awaiting_confirmation"}`
	skippedResult    = `{"error":"not executed: an earlier action in this turn is awaiting confirmation"}`
)

// ToolExecutor runs tool calls and commits confirmed actions.
type ToolExecutor interface {
	Execute(ctx context.Context, call model.ToolCall, userID string) (*tools.Result, error)
	Commit(ctx context.Context, userID, token string, kind model.ActionKind, args model.EventArgs) (*model.CalendarEvent, error)
}

// AuthGate reports calendar authorization and issues consent links.
type AuthGate interface {
	IsAuthorized(ctx context.Context, userID string) (bool, error)
	AuthorizationURL(userID string) (string, error)
}

// LoopConfig tunes the tool loop.
type LoopConfig struct {
	MaxIterations int
	ActionTTL     time.Duration
	DeferredTTL   time.Duration
	Calendar      slots.Calendar
}

// ToolLoop drives the engine over a conversation until it answers, asks for
// confirmation, or needs calendar authorization.
type ToolLoop struct {
	convs    *ConversationService
	engine   llm.Client
	executor ToolExecutor
	gate     AuthGate
	actions  store.PendingActionStore
	deferred store.DeferredRequestStore
	audit    *Auditor
	cfg      LoopConfig
	now      func() time.Time
	logger   *logger.Logger
}

// NewToolLoop creates a tool loop.
func NewToolLoop(
	convs *ConversationService,
	engine llm.Client,
	executor ToolExecutor,
	gate AuthGate,
	actions store.PendingActionStore,
	deferred store.DeferredRequestStore,
	audit *Auditor,
	cfg LoopConfig,
	log *logger.Logger,
) *ToolLoop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 5
	}
	return &ToolLoop{
		convs:    convs,
		engine:   engine,
		executor: executor,
		gate:     gate,
		actions:  actions,
		deferred: deferred,
		audit:    audit,
		cfg:      cfg,
		now:      time.Now,
		logger:   log.With(zap.String("component", "toolloop")),
	}
}

// run is the state of one Handle call.
type run struct {
	msg       model.InboundMessage
	base      *model.Conversation
	turns     []model.Turn
	proposals []*model.PendingAction
	events    []*model.CalendarEvent
	log       *logger.Logger
}

// Handle processes one inbound message and returns the reply to deliver.
// Failures of the engine or the loop become apology replies; the returned
// error is reserved for store failures and cancellation.
func (l *ToolLoop) Handle(ctx context.Context, msg model.InboundMessage) (reply *model.Reply, err error) {
	ctx, span := tracing.Start(ctx, "ToolLoop.Handle",
		attribute.String("conversation_id", msg.ConversationID),
		attribute.String("user_id", msg.UserID),
	)
	defer func() { tracing.End(span, err) }()

	if strings.TrimSpace(msg.Text) == "" {
		return &model.Reply{Text: GreetingText}, nil
	}

	base, err := l.convs.Load(ctx, msg.ConversationID, msg.UserID)
	if err != nil {
		return nil, err
	}

	r := &run{
		msg:   msg,
		base:  base,
		turns: []model.Turn{{Role: model.RoleUser, Content: msg.Text}},
		log:   l.logger.ForConversation(ctx, msg.ConversationID, msg.UserID),
	}

	reply, iterations, err := l.loop(ctx, r)
	switch {
	case err == nil:
		metrics.RecordToolLoop("ok", iterations)
		return reply, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, ErrIterationLimit):
		metrics.RecordToolLoop("limit", iterations)
		r.log.Warn("tool loop hit iteration cap", zap.Int("max_iterations", l.cfg.MaxIterations))
		l.audit.Record(ctx, msg.ConversationID, msg.UserID, model.EventIterationExceeded, err.Error(), nil)
		return l.fail(ctx, r, RetryText)
	default:
		metrics.RecordToolLoop("error", iterations)
		r.log.Error("tool loop failed", zap.Error(err))
		l.audit.Record(ctx, msg.ConversationID, msg.UserID, model.EventRequestFailed, err.Error(), nil)
		return l.fail(ctx, r, ApologyText)
	}
}

func (l *ToolLoop) loop(ctx context.Context, r *run) (*model.Reply, int, error) {
	specs := tools.Specs()

	for iter := 1; iter <= l.cfg.MaxIterations; iter++ {
		history := append(append([]model.Turn(nil), r.base.Turns...), r.turns...)
		resp, err := l.engine.Complete(ctx, &llm.Request{
			System: SystemPrompt(l.cfg.Calendar, l.now()),
			Turns:  history,
			Tools:  specs,
		})
		if err != nil {
			return nil, iter, fmt.Errorf("engine call failed: %w", err)
		}

		if !resp.HasToolCalls() {
			r.turns = append(r.turns, model.Turn{Role: model.RoleAssistant, Content: resp.Text})
			reply, err := l.finish(ctx, r, resp.Text)
			return reply, iter, err
		}

		r.turns = append(r.turns, model.Turn{
			Role:      model.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		for i, call := range resp.ToolCalls {
			ok, err := l.gate.IsAuthorized(ctx, r.msg.UserID)
			if err != nil {
				return nil, iter, fmt.Errorf("authorization check failed: %w", err)
			}
			if !ok {
				reply, err := l.deferRequest(ctx, r)
				return reply, iter, err
			}

			res, err := l.executor.Execute(ctx, call, r.msg.UserID)
			if errors.Is(err, tools.ErrAuthorizationRequired) {
				reply, err := l.deferRequest(ctx, r)
				return reply, iter, err
			}
			if err != nil {
				return nil, iter, err
			}

			if res.Confirmatory {
				r.turns = append(r.turns, toolTurn(call, awaitingResult, false))
				for _, rest := range resp.ToolCalls[i+1:] {
					r.turns = append(r.turns, toolTurn(rest, skippedResult, true))
				}
				r.proposals = append(r.proposals, res.Proposal)
				text := resp.Text
				if text == "" {
					text = ConfirmationText
				}
				reply, err := l.finish(ctx, r, text)
				return reply, iter, err
			}

			r.turns = append(r.turns, toolTurn(call, res.Content, res.IsError))
			if res.Proposal != nil {
				r.proposals = append(r.proposals, res.Proposal)
			}
			if res.Event != nil {
				r.events = append(r.events, res.Event)
			}
		}
	}
	return nil, l.cfg.MaxIterations, ErrIterationLimit
}

func toolTurn(call model.ToolCall, content string, isError bool) model.Turn {
	return model.Turn{
		Role:       model.RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		IsError:    isError,
	}
}

// finish saves the conversation, then opens the pending actions collected
// during the run and attaches their prompts.
func (l *ToolLoop) finish(ctx context.Context, r *run, text string) (*model.Reply, error) {
	if _, err := l.convs.Append(ctx, r.base, r.turns...); err != nil {
		return nil, err
	}

	reply := &model.Reply{Text: text}
	for _, proposal := range r.proposals {
		action := l.open(r.msg, proposal)
		if err := l.actions.CreateAction(ctx, action); err != nil {
			return nil, fmt.Errorf("failed to create pending action: %w", err)
		}
		metrics.RecordActionTransition(string(model.ActionOpen))
		l.audit.Record(ctx, r.msg.ConversationID, r.msg.UserID, model.EventActionCreated, "", map[string]any{
			"token": action.Token,
			"kind":  action.Kind,
		})
		reply.Prompts = append(reply.Prompts, promptFor(action))
	}
	for _, ev := range r.events {
		reply.Attendees = append(reply.Attendees, ev.Attendees...)
		if ev.Link != "" {
			reply.Link = ev.Link
		}
	}
	return reply, nil
}

func (l *ToolLoop) open(msg model.InboundMessage, proposal *model.PendingAction) *model.PendingAction {
	now := l.now()
	action := *proposal
	action.Token = uuid.NewString()
	action.ConversationID = msg.ConversationID
	action.UserID = msg.UserID
	action.Target = msg.Target
	action.State = model.ActionOpen
	action.CreatedAt = now
	action.ExpiresAt = now.Add(l.cfg.ActionTTL)
	return &action
}

func promptFor(a *model.PendingAction) model.Prompt {
	p := model.Prompt{
		Token:      a.Token,
		Title:      a.Args.Title,
		Candidates: a.Candidates,
		Fallback:   a.Fallback,
	}
	switch a.Kind {
	case model.KindCreateEvent:
		p.Kind = model.PromptConfirmCreate
		args := a.Args
		p.Args = &args
	case model.KindCreateFromSlot:
		p.Kind = model.PromptChooseSlot
	case model.KindReschedule:
		p.Kind = model.PromptChooseReschedule
	}
	return p
}

// deferRequest parks the original message until the user authorizes. The
// conversation is left untouched; the resumed run appends the message again.
func (l *ToolLoop) deferRequest(ctx context.Context, r *run) (*model.Reply, error) {
	url, err := l.gate.AuthorizationURL(r.msg.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to build authorization link: %w", err)
	}

	now := l.now()
	if err := l.deferred.PutDeferred(ctx, &model.DeferredRequest{
		UserID:         r.msg.UserID,
		ConversationID: r.msg.ConversationID,
		Target:         r.msg.Target,
		Text:           r.msg.Text,
		CreatedAt:      now,
		ExpiresAt:      now.Add(l.cfg.DeferredTTL),
	}); err != nil {
		return nil, fmt.Errorf("failed to store deferred request: %w", err)
	}

	metrics.RecordDeferred("stored")
	l.audit.Record(ctx, r.msg.ConversationID, r.msg.UserID, model.EventRequestDeferred, "", nil)
	r.log.Info("request deferred until calendar authorization")

	return &model.Reply{
		Text:    AuthorizeText,
		Prompts: []model.Prompt{{Kind: model.PromptAuthorize, URL: url}},
	}, nil
}

// fail records the user turn with an apology so the conversation stays a
// valid alternation, and returns the apology.
func (l *ToolLoop) fail(ctx context.Context, r *run, text string) (*model.Reply, error) {
	turns := []model.Turn{r.turns[0], {Role: model.RoleAssistant, Content: text}}
	if _, err := l.convs.Append(ctx, r.base, turns...); err != nil {
		r.log.Warn("failed to record failed request", zap.Error(err))
	}
	return &model.Reply{Text: text, Failed: true}, nil
}

// SystemPrompt describes the assistant's role and the current date in the
// business time zone.
func SystemPrompt(cal slots.Calendar, now time.Time) string {
	today := now.In(cal.Location)
	return fmt.Sprintf(`You are a scheduling assistant working inside a team chat.
Today is %s (%s) in the %s time zone.
Use the tools to look up free time, propose new meetings and move existing ones.
Business hours are %s-%s on business days, excluding %s-%s.
Times without an explicit offset are in %s.
Never say a meeting was created or moved unless a tool result confirms it; new meetings are created only after the user confirms.
When a tool returns candidate slots, summarise them briefly; the user picks one with the buttons shown under your reply.
Reply in the language the user writes in, and keep replies short.`,
		today.Format(time.DateOnly), today.Weekday(), cal.Location,
		cal.DayStart, cal.DayEnd, cal.LunchStart, cal.LunchEnd,
		cal.Location)
}
