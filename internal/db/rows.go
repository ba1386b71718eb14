package db

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/capitalize-ai/meeting-scheduler/internal/model"
)

type conversationRow struct {
	ID        string    `gorm:"primaryKey;size:191"`
	UserID    string    `gorm:"size:191;index"`
	TurnsJSON string    `gorm:"type:text;not null"`
	Version   int64     `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

func (conversationRow) TableName() string {
	return "conversations"
}

func conversationRowFrom(c *model.Conversation) (conversationRow, error) {
	turns, err := json.Marshal(c.Turns)
	if err != nil {
		return conversationRow{}, fmt.Errorf("marshal turns: %w", err)
	}
	return conversationRow{
		ID:        c.ID,
		UserID:    c.UserID,
		TurnsJSON: string(turns),
		Version:   c.Version,
		CreatedAt: c.CreatedAt.UTC(),
		UpdatedAt: c.UpdatedAt.UTC(),
		ExpiresAt: c.ExpiresAt.UTC(),
	}, nil
}

func (r conversationRow) toModel() (*model.Conversation, error) {
	var turns []model.Turn
	if err := json.Unmarshal([]byte(r.TurnsJSON), &turns); err != nil {
		return nil, fmt.Errorf("unmarshal turns: %w", err)
	}
	return &model.Conversation{
		ID:        r.ID,
		UserID:    r.UserID,
		Turns:     turns,
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		ExpiresAt: r.ExpiresAt,
	}, nil
}

type pendingActionRow struct {
	Token          string    `gorm:"primaryKey;size:191"`
	ConversationID string    `gorm:"size:191;index"`
	UserID         string    `gorm:"size:191"`
	Channel        string    `gorm:"size:191"`
	Thread         string    `gorm:"size:191"`
	Kind           string    `gorm:"size:64;not null"`
	ToolName       string    `gorm:"size:64;not null"`
	ArgsJSON       string    `gorm:"type:text;not null"`
	CandidatesJSON string    `gorm:"type:text"`
	Fallback       bool      `gorm:"not null"`
	State          string    `gorm:"size:32;not null;index"`
	CreatedAt      time.Time `gorm:"not null"`
	ExpiresAt      time.Time `gorm:"not null;index"`
}

func (pendingActionRow) TableName() string {
	return "pending_actions"
}

func pendingActionRowFrom(a *model.PendingAction) (pendingActionRow, error) {
	args, err := json.Marshal(a.Args)
	if err != nil {
		return pendingActionRow{}, fmt.Errorf("marshal args: %w", err)
	}
	candidates, err := json.Marshal(a.Candidates)
	if err != nil {
		return pendingActionRow{}, fmt.Errorf("marshal candidates: %w", err)
	}
	return pendingActionRow{
		Token:          a.Token,
		ConversationID: a.ConversationID,
		UserID:         a.UserID,
		Channel:        a.Target.Channel,
		Thread:         a.Target.Thread,
		Kind:           string(a.Kind),
		ToolName:       a.ToolName,
		ArgsJSON:       string(args),
		CandidatesJSON: string(candidates),
		Fallback:       a.Fallback,
		State:          string(a.State),
		CreatedAt:      a.CreatedAt.UTC(),
		ExpiresAt:      a.ExpiresAt.UTC(),
	}, nil
}

func (r pendingActionRow) toModel() (*model.PendingAction, error) {
	a := &model.PendingAction{
		Token:          r.Token,
		ConversationID: r.ConversationID,
		UserID:         r.UserID,
		Target:         model.Target{Channel: r.Channel, Thread: r.Thread},
		Kind:           model.ActionKind(r.Kind),
		ToolName:       r.ToolName,
		Fallback:       r.Fallback,
		State:          model.ActionState(r.State),
		CreatedAt:      r.CreatedAt,
		ExpiresAt:      r.ExpiresAt,
	}
	if err := json.Unmarshal([]byte(r.ArgsJSON), &a.Args); err != nil {
		return nil, fmt.Errorf("unmarshal args: %w", err)
	}
	if r.CandidatesJSON != "" {
		if err := json.Unmarshal([]byte(r.CandidatesJSON), &a.Candidates); err != nil {
			return nil, fmt.Errorf("unmarshal candidates: %w", err)
		}
	}
	return a, nil
}

type deferredRequestRow struct {
	UserID         string    `gorm:"primaryKey;size:191"`
	ConversationID string    `gorm:"size:191"`
	Channel        string    `gorm:"size:191"`
	Thread         string    `gorm:"size:191"`
	Text           string    `gorm:"type:text;not null"`
	CreatedAt      time.Time `gorm:"not null"`
	ExpiresAt      time.Time `gorm:"not null"`
}

func (deferredRequestRow) TableName() string {
	return "deferred_requests"
}

func (r deferredRequestRow) toModel() *model.DeferredRequest {
	return &model.DeferredRequest{
		UserID:         r.UserID,
		ConversationID: r.ConversationID,
		Target:         model.Target{Channel: r.Channel, Thread: r.Thread},
		Text:           r.Text,
		CreatedAt:      r.CreatedAt,
		ExpiresAt:      r.ExpiresAt,
	}
}

type oauthTokenRow struct {
	UserID       string    `gorm:"primaryKey;size:191"`
	Provider     string    `gorm:"size:64;not null"`
	AccessToken  string    `gorm:"type:text;not null"`
	RefreshToken string    `gorm:"type:text"`
	Expiry       time.Time
	UpdatedAt    time.Time `gorm:"not null"`
}

func (oauthTokenRow) TableName() string {
	return "oauth_tokens"
}

func (r oauthTokenRow) toModel() *model.OAuthToken {
	return &model.OAuthToken{
		UserID:       r.UserID,
		Provider:     r.Provider,
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		Expiry:       r.Expiry,
		UpdatedAt:    r.UpdatedAt,
	}
}
