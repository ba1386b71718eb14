package oauth

import (
	"context"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
	"google.golang.org/api/calendar/v3"

	"github.com/capitalize-ai/meeting-scheduler/internal/model"
)

// GoogleProvider authorizes Google Calendar access.
type GoogleProvider struct {
	cfg *oauth2.Config
}

// NewGoogleProvider creates a provider for the calendar scope.
func NewGoogleProvider(clientID, clientSecret, redirectURL string) *GoogleProvider {
	return &GoogleProvider{cfg: &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     endpoints.Google,
		Scopes:       []string{calendar.CalendarScope},
	}}
}

// Name returns the provider name.
func (p *GoogleProvider) Name() string {
	return "google"
}

// AuthCodeURL requests offline access and forces the consent screen so a
// refresh token is always issued.
func (p *GoogleProvider) AuthCodeURL(state string) string {
	return p.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for a token.
func (p *GoogleProvider) Exchange(ctx context.Context, code string) (*model.OAuthToken, error) {
	tok, err := p.cfg.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	return fromOAuth2(tok), nil
}

// Refresh obtains a new access token.
func (p *GoogleProvider) Refresh(ctx context.Context, refreshToken string) (*model.OAuthToken, error) {
	tok, err := p.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, err
	}
	return fromOAuth2(tok), nil
}

func fromOAuth2(tok *oauth2.Token) *model.OAuthToken {
	return &model.OAuthToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
}
