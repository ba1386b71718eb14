package nats

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/meeting-scheduler/internal/model"
	"github.com/capitalize-ai/meeting-scheduler/internal/store"
)

const (
	BucketConversations = "conversations"
	BucketActions       = "pending_actions"
	BucketDeferred      = "deferred_requests"
	BucketTokens        = "oauth_tokens"

	// casAttempts bounds read-modify-write retries on a busy key.
	casAttempts = 5
)

// KVConfig sets bucket-level retention. Records also carry their own expiry,
// which is checked on read; bucket TTL only reclaims space.
type KVConfig struct {
	ConversationTTL time.Duration
	ActionTTL       time.Duration
	DeferredTTL     time.Duration
	Replicas        int
}

// KVStore implements store.Store on JetStream key-value buckets. Conditional
// updates use the per-key revision.
type KVStore struct {
	conversations jetstream.KeyValue
	actions       jetstream.KeyValue
	deferred      jetstream.KeyValue
	tokens        jetstream.KeyValue

	now func() time.Time
}

var _ store.Store = (*KVStore)(nil)

// NewKVStore creates or binds the buckets.
func NewKVStore(ctx context.Context, client *Client, cfg KVConfig) (*KVStore, error) {
	if cfg.Replicas == 0 {
		cfg.Replicas = 1
	}
	s := &KVStore{now: time.Now}

	specs := []struct {
		bucket string
		ttl    time.Duration
		desc   string
		dst    *jetstream.KeyValue
	}{
		{BucketConversations, cfg.ConversationTTL, "Scheduler conversations by thread", &s.conversations},
		{BucketActions, cfg.ActionTTL, "Actions awaiting confirmation by token", &s.actions},
		{BucketDeferred, cfg.DeferredTTL, "Requests parked for authorization by user", &s.deferred},
		{BucketTokens, 0, "Calendar OAuth credentials by user", &s.tokens},
	}
	for _, spec := range specs {
		kv, err := client.JetStream().CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      spec.bucket,
			Description: spec.desc,
			History:     1,
			TTL:         spec.ttl,
			Storage:     jetstream.FileStorage,
			Replicas:    cfg.Replicas,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to ensure bucket %s: %w", spec.bucket, err)
		}
		*spec.dst = kv
	}
	return s, nil
}

// WithClock replaces the clock used for expiry checks.
func (s *KVStore) WithClock(now func() time.Time) *KVStore {
	s.now = now
	return s
}

// Close is a no-op; the connection is owned by the Client.
func (s *KVStore) Close() error {
	return nil
}

// key maps arbitrary ids onto the KV key alphabet.
func key(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

func isWrongRevision(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

func isMissing(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}

func (s *KVStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	entry, err := s.conversations.Get(ctx, key(id))
	if err != nil {
		if isMissing(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	var c model.Conversation
	if err := json.Unmarshal(entry.Value(), &c); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	if c.Expired(s.now()) {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *KVStore) SaveConversation(ctx context.Context, c *model.Conversation) error {
	k := key(c.ID)
	next := *c
	next.Version = c.Version + 1
	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}

	entry, err := s.conversations.Get(ctx, k)
	switch {
	case isMissing(err):
		if c.Version != 0 {
			return store.ErrConflict
		}
		if _, err := s.conversations.Create(ctx, k, data); err != nil {
			if isWrongRevision(err) {
				return store.ErrConflict
			}
			return fmt.Errorf("create conversation: %w", err)
		}
	case err != nil:
		return fmt.Errorf("get conversation: %w", err)
	default:
		var current model.Conversation
		if err := json.Unmarshal(entry.Value(), &current); err != nil {
			return fmt.Errorf("decode conversation: %w", err)
		}
		stored := current.Version
		if current.Expired(s.now()) {
			stored = 0
		}
		if stored != c.Version {
			return store.ErrConflict
		}
		if _, err := s.conversations.Update(ctx, k, data, entry.Revision()); err != nil {
			if isWrongRevision(err) {
				return store.ErrConflict
			}
			return fmt.Errorf("update conversation: %w", err)
		}
	}

	c.Version = next.Version
	return nil
}

func (s *KVStore) DeleteConversation(ctx context.Context, id string) error {
	if err := s.conversations.Delete(ctx, key(id)); err != nil && !isMissing(err) {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

func (s *KVStore) CreateAction(ctx context.Context, a *model.PendingAction) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode pending action: %w", err)
	}
	if _, err := s.actions.Create(ctx, key(a.Token), data); err != nil {
		if isWrongRevision(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("create pending action: %w", err)
	}
	return nil
}

func (s *KVStore) getAction(ctx context.Context, token string) (*model.PendingAction, uint64, error) {
	entry, err := s.actions.Get(ctx, key(token))
	if err != nil {
		if isMissing(err) {
			return nil, 0, store.ErrNotFound
		}
		return nil, 0, fmt.Errorf("get pending action: %w", err)
	}
	var a model.PendingAction
	if err := json.Unmarshal(entry.Value(), &a); err != nil {
		return nil, 0, fmt.Errorf("decode pending action: %w", err)
	}
	return &a, entry.Revision(), nil
}

func (s *KVStore) GetAction(ctx context.Context, token string) (*model.PendingAction, error) {
	a, _, err := s.getAction(ctx, token)
	return a, err
}

func (s *KVStore) TransitionAction(ctx context.Context, token string, from, to model.ActionState) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		a, rev, err := s.getAction(ctx, token)
		if err != nil {
			return err
		}
		if a.State != from {
			return store.ErrStale
		}
		a.State = to
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("encode pending action: %w", err)
		}
		_, err = s.actions.Update(ctx, key(token), data, rev)
		if err == nil {
			return nil
		}
		if !isWrongRevision(err) {
			return fmt.Errorf("update pending action: %w", err)
		}
	}
	return store.ErrStale
}

func (s *KVStore) PutDeferred(ctx context.Context, d *model.DeferredRequest) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode deferred request: %w", err)
	}
	if _, err := s.deferred.Put(ctx, key(d.UserID), data); err != nil {
		return fmt.Errorf("put deferred request: %w", err)
	}
	return nil
}

func (s *KVStore) TakeDeferred(ctx context.Context, userID string) (*model.DeferredRequest, error) {
	k := key(userID)
	entry, err := s.deferred.Get(ctx, k)
	if err != nil {
		if isMissing(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get deferred request: %w", err)
	}

	// Only the caller whose delete lands on the revision it read owns the request.
	if err := s.deferred.Delete(ctx, k, jetstream.LastRevision(entry.Revision())); err != nil {
		if isWrongRevision(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("delete deferred request: %w", err)
	}

	var d model.DeferredRequest
	if err := json.Unmarshal(entry.Value(), &d); err != nil {
		return nil, fmt.Errorf("decode deferred request: %w", err)
	}
	if d.Expired(s.now()) {
		return nil, store.ErrNotFound
	}
	return &d, nil
}

func (s *KVStore) GetToken(ctx context.Context, userID string) (*model.OAuthToken, error) {
	entry, err := s.tokens.Get(ctx, key(userID))
	if err != nil {
		if isMissing(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get oauth token: %w", err)
	}
	var t model.OAuthToken
	if err := json.Unmarshal(entry.Value(), &t); err != nil {
		return nil, fmt.Errorf("decode oauth token: %w", err)
	}
	return &t, nil
}

func (s *KVStore) PutToken(ctx context.Context, t *model.OAuthToken) error {
	cp := *t
	cp.UpdatedAt = s.now()
	data, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("encode oauth token: %w", err)
	}
	if _, err := s.tokens.Put(ctx, key(t.UserID), data); err != nil {
		return fmt.Errorf("put oauth token: %w", err)
	}
	return nil
}
