package store

import (
	"context"
	"sync"
	"time"

	"github.com/capitalize-ai/meeting-scheduler/internal/model"
)

// Memory is an in-process Store for development and tests.
//
// Expired conversations are dropped when read; PurgeExpired sweeps the rest.
type Memory struct {
	mu            sync.RWMutex
	conversations map[string]*model.Conversation
	actions       map[string]*model.PendingAction
	deferred      map[string]*model.DeferredRequest
	tokens        map[string]*model.OAuthToken

	now func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]*model.Conversation),
		actions:       make(map[string]*model.PendingAction),
		deferred:      make(map[string]*model.DeferredRequest),
		tokens:        make(map[string]*model.OAuthToken),
		now:           time.Now,
	}
}

// WithClock replaces the clock used for TTL checks.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	if c.Expired(m.now()) {
		delete(m.conversations, id)
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (m *Memory) SaveConversation(ctx context.Context, c *model.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current int64
	if existing, ok := m.conversations[c.ID]; ok && !existing.Expired(m.now()) {
		current = existing.Version
	}
	if current != c.Version {
		return ErrConflict
	}

	c.Version++
	m.conversations[c.ID] = c.Clone()
	return nil
}

func (m *Memory) DeleteConversation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.conversations, id)
	return nil
}

func (m *Memory) CreateAction(ctx context.Context, a *model.PendingAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.actions[a.Token]; ok {
		return ErrConflict
	}
	cp := *a
	m.actions[a.Token] = &cp
	return nil
}

func (m *Memory) GetAction(ctx context.Context, token string) (*model.PendingAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.actions[token]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) TransitionAction(ctx context.Context, token string, from, to model.ActionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.actions[token]
	if !ok {
		return ErrNotFound
	}
	if a.State != from {
		return ErrStale
	}
	a.State = to
	return nil
}

func (m *Memory) PutDeferred(ctx context.Context, d *model.DeferredRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *d
	m.deferred[d.UserID] = &cp
	return nil
}

func (m *Memory) TakeDeferred(ctx context.Context, userID string) (*model.DeferredRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deferred[userID]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.deferred, userID)
	if d.Expired(m.now()) {
		return nil, ErrNotFound
	}
	return d, nil
}

func (m *Memory) GetToken(ctx context.Context, userID string) (*model.OAuthToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tokens[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) PutToken(ctx context.Context, t *model.OAuthToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *t
	m.tokens[t.UserID] = &cp
	return nil
}

// PurgeExpired implements Purger.
func (m *Memory) PurgeExpired(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var n int64
	for id, c := range m.conversations {
		if c.Expired(now) {
			delete(m.conversations, id)
			n++
		}
	}
	for token, a := range m.actions {
		if a.Expired(now.Add(-ExpiredActionRetention)) {
			delete(m.actions, token)
			n++
		}
	}
	for user, d := range m.deferred {
		if d.Expired(now) {
			delete(m.deferred, user)
			n++
		}
	}
	return n, nil
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}
