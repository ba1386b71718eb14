package oauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/capitalize-ai/meeting-scheduler/internal/model"
	"github.com/capitalize-ai/meeting-scheduler/internal/store"
	"github.com/capitalize-ai/meeting-scheduler/pkg/logger"
)

type fakeProvider struct {
	refreshes  int
	refreshErr error
	exchanged  *model.OAuthToken
	now        func() time.Time
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) AuthCodeURL(state string) string {
	return "https://auth.example.com/?state=" + url.QueryEscape(state)
}

func (p *fakeProvider) Exchange(ctx context.Context, code string) (*model.OAuthToken, error) {
	if code != "good-code" {
		return nil, errors.New("bad code")
	}
	tok := *p.exchanged
	return &tok, nil
}

func (p *fakeProvider) Refresh(ctx context.Context, refreshToken string) (*model.OAuthToken, error) {
	p.refreshes++
	if p.refreshErr != nil {
		return nil, p.refreshErr
	}
	return &model.OAuthToken{
		AccessToken: fmt.Sprintf("access-%d", p.refreshes),
		Expiry:      p.now().Add(time.Hour),
	}, nil
}

type fixture struct {
	gate     *Gate
	provider *fakeProvider
	tokens   *store.Memory
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	f.tokens = store.NewMemory().WithClock(clock)
	f.provider = &fakeProvider{now: clock, exchanged: &model.OAuthToken{
		AccessToken:  "first",
		RefreshToken: "refresh-1",
		Expiry:       f.now.Add(time.Hour),
	}}
	f.gate = NewGate(f.tokens, f.provider, GateConfig{
		StateSecret:   []byte("test-secret"),
		StateTTL:      10 * time.Minute,
		RefreshMargin: time.Minute,
	}, logger.NewNop()).WithClock(clock)
	return f
}

func TestAuthorizationRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if ok, err := f.gate.IsAuthorized(ctx, "U1"); err != nil || ok {
		t.Fatalf("IsAuthorized() = %v, %v; want false", ok, err)
	}
	if _, err := f.gate.AccessToken(ctx, "U1"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("AccessToken() error = %v, want ErrNotAuthorized", err)
	}

	link, err := f.gate.AuthorizationURL("U1")
	if err != nil {
		t.Fatalf("AuthorizationURL() error = %v", err)
	}
	u, _ := url.Parse(link)
	user, err := f.gate.ParseState(u.Query().Get("state"))
	if err != nil || user != "U1" {
		t.Fatalf("ParseState() = %q, %v", user, err)
	}

	if _, err := f.gate.CompleteAuthorization(ctx, user, "good-code"); err != nil {
		t.Fatalf("CompleteAuthorization() error = %v", err)
	}
	if ok, _ := f.gate.IsAuthorized(ctx, "U1"); !ok {
		t.Error("IsAuthorized() = false after completion")
	}
	access, err := f.gate.AccessToken(ctx, "U1")
	if err != nil || access != "first" {
		t.Errorf("AccessToken() = %q, %v; want first", access, err)
	}
	if f.provider.refreshes != 0 {
		t.Errorf("refreshes = %d, want 0", f.provider.refreshes)
	}
}

func TestCompleteAuthorizationBadCode(t *testing.T) {
	f := newFixture(t)
	if _, err := f.gate.CompleteAuthorization(context.Background(), "U1", "nope"); err == nil {
		t.Fatal("CompleteAuthorization(bad code) error = nil")
	}
	if ok, _ := f.gate.IsAuthorized(context.Background(), "U1"); ok {
		t.Error("IsAuthorized() = true after failed exchange")
	}
}

func TestParseStateRejects(t *testing.T) {
	f := newFixture(t)
	link, _ := f.gate.AuthorizationURL("U1")
	u, _ := url.Parse(link)
	state := u.Query().Get("state")

	other := NewGate(f.tokens, f.provider, GateConfig{StateSecret: []byte("other")}, logger.NewNop())
	if _, err := other.ParseState(state); !errors.Is(err, ErrInvalidState) {
		t.Errorf("wrong secret: error = %v, want ErrInvalidState", err)
	}

	f.now = f.now.Add(11 * time.Minute)
	if _, err := f.gate.ParseState(state); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expired: error = %v, want ErrInvalidState", err)
	}
	if _, err := f.gate.ParseState("U1"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("raw user id: error = %v, want ErrInvalidState", err)
	}
}

func TestAccessTokenRefresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.tokens.PutToken(ctx, &model.OAuthToken{
		UserID:       "U1",
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		Expiry:       f.now.Add(30 * time.Second),
	})

	access, err := f.gate.AccessToken(ctx, "U1")
	if err != nil || access != "access-1" {
		t.Fatalf("AccessToken() = %q, %v; want access-1", access, err)
	}
	stored, _ := f.tokens.GetToken(ctx, "U1")
	if stored.AccessToken != "access-1" || stored.RefreshToken != "refresh-1" {
		t.Errorf("stored token = %+v, want refreshed access and kept refresh token", stored)
	}

	// Fresh now; no further refresh.
	if _, err := f.gate.AccessToken(ctx, "U1"); err != nil || f.provider.refreshes != 1 {
		t.Errorf("refreshes = %d, err = %v; want 1, nil", f.provider.refreshes, err)
	}
}

func TestAccessTokenRefreshFailures(t *testing.T) {
	tests := []struct {
		name        string
		refresh     string
		refreshErr  error
		wantNotAuth bool
	}{
		{"no refresh token", "", nil, true},
		{"revoked", "r", &oauth2.RetrieveError{ErrorCode: "invalid_grant"}, true},
		{"transient", "r", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.provider.refreshErr = tt.refreshErr
			f.tokens.PutToken(context.Background(), &model.OAuthToken{
				UserID: "U1", AccessToken: "old", RefreshToken: tt.refresh, Expiry: f.now.Add(-time.Minute),
			})

			_, err := f.gate.AccessToken(context.Background(), "U1")
			if err == nil {
				t.Fatal("AccessToken() error = nil")
			}
			if got := errors.Is(err, ErrNotAuthorized); got != tt.wantNotAuth {
				t.Errorf("errors.Is(ErrNotAuthorized) = %v, want %v (err %v)", got, tt.wantNotAuth, err)
			}
		})
	}
}

func TestGoogleProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(body))
		w.Header().Set("Content-Type", "application/json")
		switch form.Get("grant_type") {
		case "authorization_code":
			io.WriteString(w, `{"access_token":"at","refresh_token":"rt","token_type":"Bearer","expires_in":3600}`)
		case "refresh_token":
			io.WriteString(w, `{"access_token":"at2","token_type":"Bearer","expires_in":3600}`)
		default:
			http.Error(w, "unsupported", http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	p := NewGoogleProvider("client", "secret", "https://sched.example.com/oauth/google/callback")
	link := p.AuthCodeURL("st")
	for _, want := range []string{"access_type=offline", "prompt=consent", "state=st", url.QueryEscape("https://www.googleapis.com/auth/calendar")} {
		if !strings.Contains(link, want) {
			t.Errorf("AuthCodeURL() = %s, missing %s", link, want)
		}
	}

	p.cfg.Endpoint = oauth2.Endpoint{AuthURL: srv.URL + "/auth", TokenURL: srv.URL + "/token", AuthStyle: oauth2.AuthStyleInParams}
	tok, err := p.Exchange(context.Background(), "code")
	if err != nil || tok.AccessToken != "at" || tok.RefreshToken != "rt" || tok.Expiry.IsZero() {
		t.Fatalf("Exchange() = %+v, %v", tok, err)
	}
	tok, err = p.Refresh(context.Background(), "rt")
	if err != nil || tok.AccessToken != "at2" {
		t.Fatalf("Refresh() = %+v, %v", tok, err)
	}
}
