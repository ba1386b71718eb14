// Package oauth tracks per-user calendar authorization and hands out fresh
// access tokens.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/capitalize-ai/meeting-scheduler/internal/model"
	"github.com/capitalize-ai/meeting-scheduler/internal/store"
	"github.com/capitalize-ai/meeting-scheduler/pkg/logger"
)

var (
	// ErrNotAuthorized means the user must (re)authorize calendar access.
	ErrNotAuthorized = errors.New("calendar access not authorized")

	// ErrInvalidState is returned for a forged, expired or malformed state.
	ErrInvalidState = errors.New("invalid authorization state")
)

// stateAudience keeps state tokens apart from API bearer tokens signed
// with the same secret.
const stateAudience = "calendar-authorization"

// Provider is the OAuth authorization server.
type Provider interface {
	Name() string
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*model.OAuthToken, error)
	Refresh(ctx context.Context, refreshToken string) (*model.OAuthToken, error)
}

// GateConfig configures a Gate.
type GateConfig struct {
	StateSecret   []byte
	StateTTL      time.Duration
	RefreshMargin time.Duration
}

// Gate owns OAuth tokens. Nothing else reads them.
type Gate struct {
	tokens   store.TokenStore
	provider Provider
	cfg      GateConfig
	now      func() time.Time
	log      *logger.Logger
}

// NewGate creates a gate.
func NewGate(tokens store.TokenStore, provider Provider, cfg GateConfig, log *logger.Logger) *Gate {
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = 10 * time.Minute
	}
	return &Gate{
		tokens:   tokens,
		provider: provider,
		cfg:      cfg,
		now:      time.Now,
		log:      log.With(zap.String("component", "oauth")),
	}
}

// WithClock replaces the gate's clock.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// IsAuthorized reports whether the user holds a credential that is valid or
// can be refreshed.
func (g *Gate) IsAuthorized(ctx context.Context, userID string) (bool, error) {
	tok, err := g.tokens.GetToken(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return tok.RefreshToken != "" || !tok.ExpiresWithin(g.now(), g.cfg.RefreshMargin), nil
}

// AccessToken returns a usable access token, refreshing it first when it
// expires within the refresh margin.
func (g *Gate) AccessToken(ctx context.Context, userID string) (string, error) {
	tok, err := g.tokens.GetToken(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNotAuthorized
	}
	if err != nil {
		return "", fmt.Errorf("failed to load token: %w", err)
	}

	now := g.now()
	if !tok.ExpiresWithin(now, g.cfg.RefreshMargin) {
		return tok.AccessToken, nil
	}
	if tok.RefreshToken == "" {
		return "", ErrNotAuthorized
	}

	fresh, err := g.provider.Refresh(ctx, tok.RefreshToken)
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.ErrorCode == "invalid_grant" {
			g.log.Info("refresh token revoked", zap.String("user_id", userID))
			return "", fmt.Errorf("%w: refresh token revoked", ErrNotAuthorized)
		}
		return "", fmt.Errorf("failed to refresh token: %w", err)
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = tok.RefreshToken
	}
	fresh.UserID = userID
	fresh.Provider = g.provider.Name()
	fresh.UpdatedAt = now
	if err := g.tokens.PutToken(ctx, fresh); err != nil {
		return "", fmt.Errorf("failed to store refreshed token: %w", err)
	}
	return fresh.AccessToken, nil
}

type stateClaims struct {
	jwt.RegisteredClaims
}

// AuthorizationURL returns the consent page link for userID. The state
// parameter is a short-lived signed token naming the user.
func (g *Gate) AuthorizationURL(userID string) (string, error) {
	now := g.now()
	claims := stateClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   userID,
		Audience:  jwt.ClaimStrings{stateAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(g.cfg.StateTTL)),
		ID:        uuid.NewString(),
	}}
	state, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.cfg.StateSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign state: %w", err)
	}
	return g.provider.AuthCodeURL(state), nil
}

// ParseState verifies a state parameter and returns its user.
func (g *Gate) ParseState(state string) (string, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(stateAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.now),
	)
	var claims stateClaims
	_, err := parser.ParseWithClaims(state, &claims, func(*jwt.Token) (any, error) {
		return g.cfg.StateSecret, nil
	})
	if err != nil || claims.Subject == "" {
		return "", fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return claims.Subject, nil
}

// CompleteAuthorization exchanges the callback code and stores the token.
func (g *Gate) CompleteAuthorization(ctx context.Context, userID, code string) (*model.OAuthToken, error) {
	if code == "" {
		return nil, errors.New("authorization code is missing")
	}
	tok, err := g.provider.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	if tok.RefreshToken == "" {
		if prev, err := g.tokens.GetToken(ctx, userID); err == nil {
			tok.RefreshToken = prev.RefreshToken
		}
	}
	tok.UserID = userID
	tok.Provider = g.provider.Name()
	tok.UpdatedAt = g.now()
	if err := g.tokens.PutToken(ctx, tok); err != nil {
		return nil, fmt.Errorf("failed to store token: %w", err)
	}

	g.log.Info("calendar authorized", zap.String("user_id", userID))
	return tok, nil
}
