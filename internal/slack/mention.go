package slack

import (
	"regexp"
	"strings"
)

var (
	leadingMention = regexp.MustCompile(`^\s*<@[A-Z0-9]+(?:\|[^>]*)?>`)
	userMention    = regexp.MustCompile(`<@([A-Z0-9]+)(?:\|[^>]*)?>`)
)

// CleanMention removes the bot's own mentions from text and trims the rest.
// Mentions of other users are attendees and stay. When the bot id is not
// known only a leading mention is removed.
func CleanMention(text, botUserID string) string {
	if botUserID == "" {
		return strings.TrimSpace(leadingMention.ReplaceAllString(text, ""))
	}
	text = userMention.ReplaceAllStringFunc(text, func(m string) string {
		if userMention.FindStringSubmatch(m)[1] == botUserID {
			return ""
		}
		return m
	})
	return strings.TrimSpace(text)
}
