// Package storetest is a conformance suite shared by all store backends.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/capitalize-ai/meeting-scheduler/internal/model"
	"github.com/capitalize-ai/meeting-scheduler/internal/store"
)

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock fixed at t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Factory builds a fresh, empty backend driven by clock.
type Factory func(t *testing.T, clock *Clock) store.Store

// Run exercises the store contract against a backend.
func Run(t *testing.T, newStore Factory) {
	t.Run("ConversationLifecycle", func(t *testing.T) { testConversationLifecycle(t, newStore) })
	t.Run("ConversationConflict", func(t *testing.T) { testConversationConflict(t, newStore) })
	t.Run("ConversationTTL", func(t *testing.T) { testConversationTTL(t, newStore) })
	t.Run("ActionTransitions", func(t *testing.T) { testActionTransitions(t, newStore) })
	t.Run("ActionConcurrentConfirm", func(t *testing.T) { testActionConcurrentConfirm(t, newStore) })
	t.Run("DeferredSingleSlot", func(t *testing.T) { testDeferredSingleSlot(t, newStore) })
	t.Run("DeferredTakeOnce", func(t *testing.T) { testDeferredTakeOnce(t, newStore) })
	t.Run("DeferredExpiry", func(t *testing.T) { testDeferredExpiry(t, newStore) })
	t.Run("Tokens", func(t *testing.T) { testTokens(t, newStore) })
}

// PurgingStore is a backend that deletes expired records on request.
type PurgingStore interface {
	store.Store
	store.Purger
}

// RunPurge checks expired record removal for backends without native TTLs.
func RunPurge(t *testing.T, newStore func(t *testing.T, clock *Clock) PurgingStore) {
	ctx := context.Background()
	clock := NewClock(epoch)
	s := newStore(t, clock)

	for _, c := range []*model.Conversation{
		model.NewConversation("C1:short", "U1", clock.Now(), time.Hour),
		model.NewConversation("C1:read", "U1", clock.Now(), time.Hour),
		model.NewConversation("C1:long", "U1", clock.Now(), 3*time.Hour),
	} {
		if err := s.SaveConversation(ctx, c); err != nil {
			t.Fatalf("SaveConversation(%s) error = %v", c.ID, err)
		}
	}
	early := newAction("tok-early", clock.Now())
	early.ExpiresAt = clock.Now().Add(time.Hour)
	late := newAction("tok-late", clock.Now())
	late.ExpiresAt = clock.Now().Add(48 * time.Hour)
	for _, a := range []*model.PendingAction{early, late} {
		if err := s.CreateAction(ctx, a); err != nil {
			t.Fatalf("CreateAction(%s) error = %v", a.Token, err)
		}
	}
	d := &model.DeferredRequest{UserID: "U1", Text: "hi", CreatedAt: clock.Now(), ExpiresAt: clock.Now().Add(10 * time.Minute)}
	if err := s.PutDeferred(ctx, d); err != nil {
		t.Fatalf("PutDeferred() error = %v", err)
	}

	clock.Advance(2 * time.Hour)

	// Reading an expired conversation deletes it.
	if _, err := s.GetConversation(ctx, "C1:read"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetConversation(expired) error = %v, want ErrNotFound", err)
	}
	n, err := s.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired() error = %v", err)
	}
	if n != 2 {
		t.Errorf("first PurgeExpired() = %d, want 2 (C1:short and the deferred request)", n)
	}
	if _, err := s.GetAction(ctx, "tok-early"); err != nil {
		t.Errorf("GetAction(recently expired) error = %v, want it kept", err)
	}
	if _, err := s.GetConversation(ctx, "C1:long"); err != nil {
		t.Errorf("GetConversation(live) error = %v", err)
	}

	clock.Advance(24 * time.Hour)
	n, err = s.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired() error = %v", err)
	}
	if n != 2 {
		t.Errorf("second PurgeExpired() = %d, want 2 (C1:long and tok-early)", n)
	}
	if _, err := s.GetAction(ctx, "tok-early"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetAction(purged) error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetAction(ctx, "tok-late"); err != nil {
		t.Errorf("GetAction(live) error = %v", err)
	}

	// The slot of a purged conversation is free for a new one.
	fresh := model.NewConversation("C1:short", "U1", clock.Now(), time.Hour)
	if err := s.SaveConversation(ctx, fresh); err != nil {
		t.Errorf("SaveConversation(after purge) error = %v", err)
	}
}

var epoch = time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)

func testConversationLifecycle(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock(epoch)
	s := newStore(t, clock)

	if _, err := s.GetConversation(ctx, "C1:1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetConversation(missing) error = %v, want ErrNotFound", err)
	}

	c := model.NewConversation("C1:1", "U1", clock.Now(), time.Hour)
	c.Append(clock.Now(), time.Hour, model.Turn{Role: model.RoleUser, Content: "find a slot tomorrow"})
	if err := s.SaveConversation(ctx, c); err != nil {
		t.Fatalf("SaveConversation() error = %v", err)
	}
	if c.Version != 1 {
		t.Errorf("Version after first save = %d, want 1", c.Version)
	}

	got, err := s.GetConversation(ctx, "C1:1")
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	if got.Version != 1 || len(got.Turns) != 1 || got.Turns[0].Content != "find a slot tomorrow" {
		t.Errorf("GetConversation() = version %d, %d turns; want version 1, 1 turn", got.Version, len(got.Turns))
	}

	got.Append(clock.Now(), time.Hour, model.Turn{Role: model.RoleAssistant, Content: "ok"})
	if err := s.SaveConversation(ctx, got); err != nil {
		t.Fatalf("second SaveConversation() error = %v", err)
	}
	if got.Version != 2 {
		t.Errorf("Version after second save = %d, want 2", got.Version)
	}

	if err := s.DeleteConversation(ctx, "C1:1"); err != nil {
		t.Fatalf("DeleteConversation() error = %v", err)
	}
	if _, err := s.GetConversation(ctx, "C1:1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetConversation(deleted) error = %v, want ErrNotFound", err)
	}
}

func testConversationConflict(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock(epoch)
	s := newStore(t, clock)

	c := model.NewConversation("C1:2", "U1", clock.Now(), time.Hour)
	if err := s.SaveConversation(ctx, c); err != nil {
		t.Fatalf("SaveConversation() error = %v", err)
	}

	a, err := s.GetConversation(ctx, "C1:2")
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	b, err := s.GetConversation(ctx, "C1:2")
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}

	a.Append(clock.Now(), time.Hour, model.Turn{Role: model.RoleUser, Content: "a"})
	if err := s.SaveConversation(ctx, a); err != nil {
		t.Fatalf("SaveConversation(a) error = %v", err)
	}
	b.Append(clock.Now(), time.Hour, model.Turn{Role: model.RoleUser, Content: "b"})
	if err := s.SaveConversation(ctx, b); !errors.Is(err, store.ErrConflict) {
		t.Errorf("SaveConversation(stale) error = %v, want ErrConflict", err)
	}

	fresh := model.NewConversation("C1:2", "U1", clock.Now(), time.Hour)
	if err := s.SaveConversation(ctx, fresh); !errors.Is(err, store.ErrConflict) {
		t.Errorf("SaveConversation(new over existing) error = %v, want ErrConflict", err)
	}
}

func testConversationTTL(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock(epoch)
	s := newStore(t, clock)

	c := model.NewConversation("C1:3", "U1", clock.Now(), time.Hour)
	if err := s.SaveConversation(ctx, c); err != nil {
		t.Fatalf("SaveConversation() error = %v", err)
	}

	clock.Advance(time.Hour)
	if _, err := s.GetConversation(ctx, "C1:3"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetConversation(expired) error = %v, want ErrNotFound", err)
	}

	// An expired conversation is replaced by a new one.
	fresh := model.NewConversation("C1:3", "U1", clock.Now(), time.Hour)
	if err := s.SaveConversation(ctx, fresh); err != nil {
		t.Errorf("SaveConversation(over expired) error = %v", err)
	}
}

func newAction(token string, now time.Time) *model.PendingAction {
	return &model.PendingAction{
		Token:          token,
		ConversationID: "C1:1",
		UserID:         "U1",
		Target:         model.Target{Channel: "C1", Thread: "1"},
		Kind:           model.KindCreateEvent,
		ToolName:       "create_event",
		Args: model.EventArgs{
			Title:     "Weekly sync",
			Attendees: []string{"a@example.com"},
			Range:     model.TimeRange{Start: now.Add(time.Hour), End: now.Add(90 * time.Minute)},
		},
		State:     model.ActionOpen,
		CreatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
	}
}

func testActionTransitions(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock(epoch)
	s := newStore(t, clock)

	if err := s.CreateAction(ctx, newAction("tok-1", clock.Now())); err != nil {
		t.Fatalf("CreateAction() error = %v", err)
	}
	got, err := s.GetAction(ctx, "tok-1")
	if err != nil {
		t.Fatalf("GetAction() error = %v", err)
	}
	if got.State != model.ActionOpen || got.Args.Title != "Weekly sync" || len(got.Args.Attendees) != 1 {
		t.Errorf("GetAction() = %+v", got)
	}

	if err := s.TransitionAction(ctx, "tok-1", model.ActionOpen, model.ActionCancelled); err != nil {
		t.Fatalf("TransitionAction(open->cancelled) error = %v", err)
	}
	if err := s.TransitionAction(ctx, "tok-1", model.ActionOpen, model.ActionConfirmed); !errors.Is(err, store.ErrStale) {
		t.Errorf("TransitionAction(after cancel) error = %v, want ErrStale", err)
	}
	if err := s.TransitionAction(ctx, "missing", model.ActionOpen, model.ActionConfirmed); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("TransitionAction(missing) error = %v, want ErrNotFound", err)
	}

	got, err = s.GetAction(ctx, "tok-1")
	if err != nil {
		t.Fatalf("GetAction() error = %v", err)
	}
	if got.State != model.ActionCancelled {
		t.Errorf("State = %q, want cancelled", got.State)
	}
}

func testActionConcurrentConfirm(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock(epoch)
	s := newStore(t, clock)

	if err := s.CreateAction(ctx, newAction("tok-race", clock.Now())); err != nil {
		t.Fatalf("CreateAction() error = %v", err)
	}

	const workers = 8
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.TransitionAction(ctx, "tok-race", model.ActionOpen, model.ActionConfirmed)
			if err == nil {
				wins.Add(1)
			} else if !errors.Is(err, store.ErrStale) {
				t.Errorf("TransitionAction() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Errorf("successful transitions = %d, want 1", got)
	}
}

func testDeferredSingleSlot(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock(epoch)
	s := newStore(t, clock)

	first := &model.DeferredRequest{UserID: "U1", ConversationID: "C1:1", Text: "first", CreatedAt: clock.Now(), ExpiresAt: clock.Now().Add(10 * time.Minute)}
	second := &model.DeferredRequest{UserID: "U1", ConversationID: "C1:2", Text: "second", CreatedAt: clock.Now(), ExpiresAt: clock.Now().Add(10 * time.Minute)}
	if err := s.PutDeferred(ctx, first); err != nil {
		t.Fatalf("PutDeferred(first) error = %v", err)
	}
	if err := s.PutDeferred(ctx, second); err != nil {
		t.Fatalf("PutDeferred(second) error = %v", err)
	}

	got, err := s.TakeDeferred(ctx, "U1")
	if err != nil {
		t.Fatalf("TakeDeferred() error = %v", err)
	}
	if got.Text != "second" || got.ConversationID != "C1:2" {
		t.Errorf("TakeDeferred() = %q in %q, want second in C1:2", got.Text, got.ConversationID)
	}
	if _, err := s.TakeDeferred(ctx, "U1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second TakeDeferred() error = %v, want ErrNotFound", err)
	}
}

func testDeferredTakeOnce(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock(epoch)
	s := newStore(t, clock)

	d := &model.DeferredRequest{UserID: "U2", ConversationID: "C1:1", Text: "resume me", CreatedAt: clock.Now(), ExpiresAt: clock.Now().Add(10 * time.Minute)}
	if err := s.PutDeferred(ctx, d); err != nil {
		t.Fatalf("PutDeferred() error = %v", err)
	}

	const workers = 8
	var taken atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.TakeDeferred(ctx, "U2")
			if err == nil {
				taken.Add(1)
			} else if !errors.Is(err, store.ErrNotFound) {
				t.Errorf("TakeDeferred() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := taken.Load(); got != 1 {
		t.Errorf("successful takes = %d, want 1", got)
	}
}

func testDeferredExpiry(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock(epoch)
	s := newStore(t, clock)

	d := &model.DeferredRequest{UserID: "U3", Text: "old", CreatedAt: clock.Now(), ExpiresAt: clock.Now().Add(10 * time.Minute)}
	if err := s.PutDeferred(ctx, d); err != nil {
		t.Fatalf("PutDeferred() error = %v", err)
	}
	clock.Advance(11 * time.Minute)
	if _, err := s.TakeDeferred(ctx, "U3"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("TakeDeferred(expired) error = %v, want ErrNotFound", err)
	}
}

func testTokens(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock(epoch)
	s := newStore(t, clock)

	if _, err := s.GetToken(ctx, "U1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetToken(missing) error = %v, want ErrNotFound", err)
	}

	tok := &model.OAuthToken{UserID: "U1", Provider: "google", AccessToken: "a1", RefreshToken: "r1", Expiry: clock.Now().Add(time.Hour)}
	if err := s.PutToken(ctx, tok); err != nil {
		t.Fatalf("PutToken() error = %v", err)
	}
	tok2 := &model.OAuthToken{UserID: "U1", Provider: "google", AccessToken: "a2", RefreshToken: "r1", Expiry: clock.Now().Add(2 * time.Hour)}
	if err := s.PutToken(ctx, tok2); err != nil {
		t.Fatalf("PutToken(update) error = %v", err)
	}

	got, err := s.GetToken(ctx, "U1")
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if got.AccessToken != "a2" || got.RefreshToken != "r1" || !got.Expiry.Equal(tok2.Expiry) {
		t.Errorf("GetToken() = %+v, want access a2 refresh r1", got)
	}
}
