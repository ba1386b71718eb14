// Package slack is the chat-platform collaborator: it renders replies as
// Block Kit messages, opens the title modal and looks users up.
package slack

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/capitalize-ai/meeting-scheduler/internal/model"
)

// Action ids carried by interactive elements.
const (
	ActionConfirm          = "confirm"
	ActionCancel           = "cancel"
	ActionChooseSlot       = "choose_slot"
	ActionChooseReschedule = "choose_reschedule"
	ActionAuthorize        = "authorize"
)

// TitleModalCallback identifies the title-edit modal submission.
const TitleModalCallback = "title_modal"

// Title modal input ids.
const (
	TitleBlockID  = "title"
	TitleActionID = "title_input"
)

// EncodeChoice packs a token and candidate index into a button value or
// modal metadata. Index -1 means no candidate.
func EncodeChoice(token string, index int) string {
	if index < 0 {
		return token
	}
	return token + "|" + strconv.Itoa(index)
}

// DecodeChoice reverses EncodeChoice.
func DecodeChoice(value string) (token string, index int, err error) {
	token, idx, found := strings.Cut(value, "|")
	if !found {
		return token, -1, nil
	}
	index, err = strconv.Atoi(idx)
	if err != nil || index < 0 {
		return "", 0, fmt.Errorf("invalid choice %q", value)
	}
	return token, index, nil
}

// ParseActionID strips the per-button index suffix from an action id.
func ParseActionID(actionID string) string {
	if i := strings.LastIndexByte(actionID, '_'); i > 0 {
		if _, err := strconv.Atoi(actionID[i+1:]); err == nil {
			return actionID[:i]
		}
	}
	return actionID
}

// Renderer turns replies into Block Kit.
type Renderer struct {
	loc *time.Location
}

// NewRenderer creates a renderer formatting times in loc.
func NewRenderer(loc *time.Location) *Renderer {
	return &Renderer{loc: loc}
}

func mrkdwn(text string) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.MarkdownType, text, false, false)
}

func plain(text string) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.PlainTextType, text, false, false)
}

// FormatRange renders a slot as "03/04 (Tue) 09:00-10:00".
func (r *Renderer) FormatRange(tr model.TimeRange) string {
	s, e := tr.Start.In(r.loc), tr.End.In(r.loc)
	return fmt.Sprintf("%s %s-%s", s.Format("01/02 (Mon)"), s.Format("15:04"), e.Format("15:04"))
}

// Blocks renders a reply.
func (r *Renderer) Blocks(reply *model.Reply) []slack.Block {
	var blocks []slack.Block
	if reply.Text != "" {
		blocks = append(blocks, slack.NewSectionBlock(mrkdwn(reply.Text), nil, nil))
	}
	for _, p := range reply.Prompts {
		blocks = append(blocks, r.prompt(p)...)
	}
	return blocks
}

func (r *Renderer) prompt(p model.Prompt) []slack.Block {
	switch p.Kind {
	case model.PromptAuthorize:
		btn := slack.NewButtonBlockElement(ActionAuthorize, "", plain("Authorize Google Calendar"))
		btn.URL = p.URL
		btn.Style = slack.StylePrimary
		return []slack.Block{
			slack.NewSectionBlock(mrkdwn("Calendar access is needed. Authorize, and I'll pick up your request where it left off."), nil, nil),
			slack.NewActionBlock("authorize_"+p.Token, btn),
		}

	case model.PromptConfirmCreate:
		var lines []string
		if p.Args != nil {
			lines = append(lines, "*"+p.Args.Title+"*", r.FormatRange(p.Args.Range))
			if len(p.Args.Attendees) > 0 {
				lines = append(lines, "Attendees: "+strings.Join(p.Args.Attendees, ", "))
			}
		}
		confirm := slack.NewButtonBlockElement(ActionConfirm, p.Token, plain("Create"))
		confirm.Style = slack.StylePrimary
		cancel := slack.NewButtonBlockElement(ActionCancel, p.Token, plain("Cancel"))
		cancel.Style = slack.StyleDanger
		return []slack.Block{
			slack.NewSectionBlock(mrkdwn(strings.Join(lines, "\n")), nil, nil),
			slack.NewActionBlock("confirm_"+p.Token, confirm, cancel),
		}

	case model.PromptChooseSlot, model.PromptChooseReschedule:
		action := ActionChooseSlot
		if p.Kind == model.PromptChooseReschedule {
			action = ActionChooseReschedule
		}
		var blocks []slack.Block
		if p.Fallback && len(p.Candidates) > 0 {
			note := fmt.Sprintf("No business hours in the requested range. Showing %s instead.", p.Candidates[0].Start.In(r.loc).Format("01/02 (Mon)"))
			blocks = append(blocks, slack.NewContextBlock("", mrkdwn(note)))
		}
		elements := make([]slack.BlockElement, 0, len(p.Candidates)+1)
		for i, c := range p.Candidates {
			elements = append(elements, slack.NewButtonBlockElement(fmt.Sprintf("%s_%d", action, i), EncodeChoice(p.Token, i), plain(r.FormatRange(c))))
		}
		cancel := slack.NewButtonBlockElement(ActionCancel, p.Token, plain("Cancel"))
		elements = append(elements, cancel)
		return append(blocks, slack.NewActionBlock("choose_"+p.Token, elements...))
	}
	return nil
}

// TitleModal builds the title-edit modal for a pending action.
func (r *Renderer) TitleModal(token string, index int, title string, slot *model.TimeRange) slack.ModalViewRequest {
	input := slack.NewPlainTextInputBlockElement(plain("Meeting title"), TitleActionID)
	input.InitialValue = title

	blocks := []slack.Block{}
	if slot != nil {
		blocks = append(blocks, slack.NewSectionBlock(mrkdwn("*When:* "+r.FormatRange(*slot)), nil, nil))
	}
	blocks = append(blocks, slack.NewInputBlock(TitleBlockID, plain("Title"), nil, input))

	return slack.ModalViewRequest{
		Type:            slack.VTModal,
		CallbackID:      TitleModalCallback,
		PrivateMetadata: EncodeChoice(token, index),
		Title:           plain("Create meeting"),
		Submit:          plain("Create"),
		Close:           plain("Cancel"),
		Blocks:          slack.Blocks{BlockSet: blocks},
	}
}
