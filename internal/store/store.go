// Package store defines persistence for conversations, pending actions,
// deferred requests and OAuth tokens.
//
// Every backend implements the same conditional-update contract:
// conversations are saved with an optimistic version check, pending actions
// move between states only from the expected state, and a deferred request
// is handed out to at most one caller.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/capitalize-ai/meeting-scheduler/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist or has expired.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a conversation was saved by someone else since it was loaded.
	ErrConflict = errors.New("store: version conflict")
	// ErrStale is returned when a pending action is no longer in the expected state.
	ErrStale = errors.New("store: stale state")
)

// ConversationStore persists per-thread conversation state.
type ConversationStore interface {
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	// SaveConversation writes c if the stored version still equals c.Version
	// (zero for a new conversation) and increments c.Version on success.
	SaveConversation(ctx context.Context, c *model.Conversation) error
	DeleteConversation(ctx context.Context, id string) error
}

// PendingActionStore persists actions awaiting confirmation.
type PendingActionStore interface {
	CreateAction(ctx context.Context, a *model.PendingAction) error
	GetAction(ctx context.Context, token string) (*model.PendingAction, error)
	// TransitionAction moves the action from one state to another, returning
	// ErrStale when it is not currently in from.
	TransitionAction(ctx context.Context, token string, from, to model.ActionState) error
}

// DeferredRequestStore keeps at most one deferred request per user.
type DeferredRequestStore interface {
	// PutDeferred stores d, replacing any request already held for the user.
	PutDeferred(ctx context.Context, d *model.DeferredRequest) error
	// TakeDeferred removes and returns the user's request. Concurrent callers
	// race and only one receives it; the rest get ErrNotFound.
	TakeDeferred(ctx context.Context, userID string) (*model.DeferredRequest, error)
}

// TokenStore persists OAuth credentials by user.
type TokenStore interface {
	GetToken(ctx context.Context, userID string) (*model.OAuthToken, error)
	PutToken(ctx context.Context, t *model.OAuthToken) error
}

// Store is a complete backend.
type Store interface {
	ConversationStore
	PendingActionStore
	DeferredRequestStore
	TokenStore
	Close() error
}

// ExpiredActionRetention keeps expired pending actions around so a late click
// still finds the token and gets the expiry reply.
const ExpiredActionRetention = 24 * time.Hour

// Purger deletes records past their expiry. Backends with native TTLs do
// not implement it.
type Purger interface {
	// PurgeExpired removes expired conversations and deferred requests, and
	// pending actions expired for longer than ExpiredActionRetention. It
	// returns the number of records removed.
	PurgeExpired(ctx context.Context) (int64, error)
}
