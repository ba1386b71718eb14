package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/capitalize-ai/meeting-scheduler/internal/model"
	"github.com/capitalize-ai/meeting-scheduler/internal/store"
)

// GormStore implements store.Store on sqlite or postgres.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

var (
	_ store.Store  = (*GormStore)(nil)
	_ store.Purger = (*GormStore)(nil)
)

// NewGormStore opens the database and migrates the schema.
func NewGormStore(driver, dsn string) (*GormStore, error) {
	gormDB, err := OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open gorm store: %w", err)
	}

	s := &GormStore{db: gormDB, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock replaces the clock used for TTL checks.
func (s *GormStore) WithClock(now func() time.Time) *GormStore {
	s.now = now
	return s
}

func (s *GormStore) migrate() error {
	if err := s.db.AutoMigrate(&conversationRow{}, &pendingActionRow{}, &deferredRequestRow{}, &oauthTokenRow{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	now := s.now().UTC()
	var row conversationRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if !row.ExpiresAt.After(now) {
		// The expiry condition keeps a concurrent fresh save.
		if err := s.db.WithContext(ctx).
			Where("id = ? AND expires_at <= ?", id, now).
			Delete(&conversationRow{}).Error; err != nil {
			return nil, fmt.Errorf("delete expired conversation: %w", err)
		}
		return nil, store.ErrNotFound
	}
	return row.toModel()
}

func (s *GormStore) SaveConversation(ctx context.Context, c *model.Conversation) error {
	next := *c
	next.Version = c.Version + 1
	row, err := conversationRowFrom(&next)
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current conversationRow
		err := tx.Where("id = ?", c.ID).Take(&current).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if c.Version != 0 {
				return store.ErrConflict
			}
			if err := tx.Create(&row).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return store.ErrConflict
				}
				return fmt.Errorf("create conversation: %w", err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("get conversation: %w", err)
		}

		expected := c.Version
		stored := current.Version
		if !current.ExpiresAt.After(s.now().UTC()) {
			// An expired record counts as absent.
			stored = 0
		}
		if stored != expected {
			return store.ErrConflict
		}

		res := tx.Model(&conversationRow{}).
			Where("id = ? AND version = ?", c.ID, current.Version).
			Updates(map[string]any{
				"user_id":    row.UserID,
				"turns_json": row.TurnsJSON,
				"version":    row.Version,
				"created_at": row.CreatedAt,
				"updated_at": row.UpdatedAt,
				"expires_at": row.ExpiresAt,
			})
		if res.Error != nil {
			return fmt.Errorf("update conversation: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return store.ErrConflict
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.Version = next.Version
	return nil
}

func (s *GormStore) DeleteConversation(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&conversationRow{}).Error; err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

func (s *GormStore) CreateAction(ctx context.Context, a *model.PendingAction) error {
	row, err := pendingActionRowFrom(a)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return store.ErrConflict
		}
		return fmt.Errorf("create pending action: %w", err)
	}
	return nil
}

func (s *GormStore) GetAction(ctx context.Context, token string) (*model.PendingAction, error) {
	var row pendingActionRow
	err := s.db.WithContext(ctx).Where("token = ?", token).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get pending action: %w", err)
	}
	return row.toModel()
}

func (s *GormStore) TransitionAction(ctx context.Context, token string, from, to model.ActionState) error {
	res := s.db.WithContext(ctx).
		Model(&pendingActionRow{}).
		Where("token = ? AND state = ?", token, string(from)).
		Update("state", string(to))
	if res.Error != nil {
		return fmt.Errorf("transition pending action: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&pendingActionRow{}).Where("token = ?", token).Count(&count).Error; err != nil {
		return fmt.Errorf("lookup pending action: %w", err)
	}
	if count == 0 {
		return store.ErrNotFound
	}
	return store.ErrStale
}

func (s *GormStore) PutDeferred(ctx context.Context, d *model.DeferredRequest) error {
	row := deferredRequestRow{
		UserID:         d.UserID,
		ConversationID: d.ConversationID,
		Channel:        d.Target.Channel,
		Thread:         d.Target.Thread,
		Text:           d.Text,
		CreatedAt:      d.CreatedAt.UTC(),
		ExpiresAt:      d.ExpiresAt.UTC(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("put deferred request: %w", err)
	}
	return nil
}

func (s *GormStore) TakeDeferred(ctx context.Context, userID string) (*model.DeferredRequest, error) {
	var out *model.DeferredRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row deferredRequestRow
		if err := tx.Where("user_id = ?", userID).Take(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return store.ErrNotFound
			}
			return fmt.Errorf("get deferred request: %w", err)
		}

		res := tx.Where("user_id = ?", row.UserID).Delete(&deferredRequestRow{})
		if res.Error != nil {
			return fmt.Errorf("delete deferred request: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return store.ErrNotFound
		}
		if !row.ExpiresAt.After(s.now().UTC()) {
			return nil
		}
		out = row.toModel()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, store.ErrNotFound
	}
	return out, nil
}

func (s *GormStore) GetToken(ctx context.Context, userID string) (*model.OAuthToken, error) {
	var row oauthTokenRow
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get oauth token: %w", err)
	}
	return row.toModel(), nil
}

func (s *GormStore) PutToken(ctx context.Context, t *model.OAuthToken) error {
	row := oauthTokenRow{
		UserID:       t.UserID,
		Provider:     t.Provider,
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		Expiry:       t.Expiry.UTC(),
		UpdatedAt:    s.now().UTC(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("put oauth token: %w", err)
	}
	return nil
}

// PurgeExpired implements store.Purger.
func (s *GormStore) PurgeExpired(ctx context.Context) (int64, error) {
	now := s.now().UTC()
	var n int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, del := range []struct {
			what   string
			model  any
			before time.Time
		}{
			{"conversations", &conversationRow{}, now},
			{"pending actions", &pendingActionRow{}, now.Add(-store.ExpiredActionRetention)},
			{"deferred requests", &deferredRequestRow{}, now},
		} {
			res := tx.Where("expires_at <= ?", del.before).Delete(del.model)
			if res.Error != nil {
				return fmt.Errorf("purge %s: %w", del.what, res.Error)
			}
			n += res.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}
