package middleware

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Input limits for the REST channel.
const (
	MaxMessageRunes = 8000
	MaxTitleRunes   = 256
)

// ErrInvalidInput wraps every validation failure.
var ErrInvalidInput = errors.New("invalid input")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// ValidateMessageContent checks a user message before it reaches the engine.
func ValidateMessageContent(content string) error {
	if !utf8.ValidString(content) {
		return invalid("content must be valid UTF-8")
	}
	if strings.TrimSpace(content) == "" {
		return invalid("content cannot be empty")
	}
	if n := utf8.RuneCountInString(content); n > MaxMessageRunes {
		return invalid("content is %d characters, limit is %d", n, MaxMessageRunes)
	}
	return nil
}

// ValidateConversationID accepts the uuid ids REST clients mint. Chat
// thread ids never arrive through this channel.
func ValidateConversationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return invalid("conversation id must be a uuid")
	}
	return nil
}

// ValidateActionToken checks the shape of a pending action token.
func ValidateActionToken(token string) error {
	if _, err := uuid.Parse(token); err != nil {
		return invalid("action token must be a uuid")
	}
	return nil
}

// ValidateTitle checks an edited meeting title. Empty keeps the proposed one.
func ValidateTitle(title string) error {
	if !utf8.ValidString(title) {
		return invalid("title must be valid UTF-8")
	}
	if n := utf8.RuneCountInString(title); n > MaxTitleRunes {
		return invalid("title is %d characters, limit is %d", n, MaxTitleRunes)
	}
	if strings.IndexFunc(title, unicode.IsControl) >= 0 {
		return invalid("title must be a single line")
	}
	return nil
}
