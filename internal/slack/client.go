package slack

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/capitalize-ai/meeting-scheduler/internal/model"
	"github.com/capitalize-ai/meeting-scheduler/pkg/logger"
)

// Client posts to Slack and looks users up.
type Client struct {
	api      *slack.Client
	renderer *Renderer
	log      *logger.Logger
}

// NewClient creates a client for a bot token.
func NewClient(token string, renderer *Renderer, log *logger.Logger, opts ...slack.Option) *Client {
	return &Client{
		api:      slack.New(token, opts...),
		renderer: renderer,
		log:      log.With(zap.String("component", "slack")),
	}
}

// Deliver posts a reply into the target thread. Targets without a channel
// belong to the REST channel, which reads replies from the conversation.
func (c *Client) Deliver(ctx context.Context, target model.Target, reply *model.Reply) error {
	if target.Channel == "" {
		return nil
	}

	opts := []slack.MsgOption{
		slack.MsgOptionText(reply.Text, false),
		slack.MsgOptionBlocks(c.renderer.Blocks(reply)...),
	}
	if target.Thread != "" {
		opts = append(opts, slack.MsgOptionTS(target.Thread))
	}
	if _, _, err := c.api.PostMessageContext(ctx, target.Channel, opts...); err != nil {
		return fmt.Errorf("failed to post message: %w", err)
	}

	if len(reply.Attendees) > 0 {
		c.mentionAttendees(ctx, target, reply)
	}
	return nil
}

// mentionAttendees posts a follow-up naming the attendees who are workspace
// members. Failures only cost the courtesy post.
func (c *Client) mentionAttendees(ctx context.Context, target model.Target, reply *model.Reply) {
	var mentions []string
	for _, addr := range reply.Attendees {
		id, err := c.UserIDByEmail(ctx, addr)
		if err != nil {
			continue
		}
		mentions = append(mentions, "<@"+id+">")
	}
	if len(mentions) == 0 {
		return
	}

	text := strings.Join(mentions, " ") + " you have been added to this meeting."
	if reply.Link != "" {
		text += " <" + reply.Link + "|Open in Calendar>"
	}
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if target.Thread != "" {
		opts = append(opts, slack.MsgOptionTS(target.Thread))
	}
	if _, _, err := c.api.PostMessageContext(ctx, target.Channel, opts...); err != nil {
		c.log.Warn("failed to post attendee mentions", zap.String("channel", target.Channel), zap.Error(err))
	}
}

// OpenTitleModal opens the title-edit modal for a pending action.
func (c *Client) OpenTitleModal(ctx context.Context, triggerID, token string, index int, title string, slot *model.TimeRange) error {
	if _, err := c.api.OpenViewContext(ctx, triggerID, c.renderer.TitleModal(token, index, title, slot)); err != nil {
		return fmt.Errorf("failed to open modal: %w", err)
	}
	return nil
}

// BotUserID returns the user id the bot token acts as.
func (c *Client) BotUserID(ctx context.Context) (string, error) {
	resp, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to identify bot user: %w", err)
	}
	return resp.UserID, nil
}

// ResolveMentionToEmail returns the profile email of a user id.
func (c *Client) ResolveMentionToEmail(ctx context.Context, userID string) (string, error) {
	u, err := c.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to look up user %s: %w", userID, err)
	}
	if u.Profile.Email == "" {
		return "", errors.New("user " + userID + " has no visible email address")
	}
	return u.Profile.Email, nil
}

// UserIDByEmail returns the workspace user owning an email address.
func (c *Client) UserIDByEmail(ctx context.Context, email string) (string, error) {
	u, err := c.api.GetUserByEmailContext(ctx, email)
	if err != nil {
		return "", err
	}
	return u.ID, nil
}
