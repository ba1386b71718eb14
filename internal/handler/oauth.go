package handler

import (
	"context"
	"errors"
	"html/template"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/meeting-scheduler/internal/model"
	"github.com/capitalize-ai/meeting-scheduler/internal/oauth"
	"github.com/capitalize-ai/meeting-scheduler/pkg/logger"
)

// Resumer completes authorization and replays the deferred request.
type Resumer interface {
	Authorize(ctx context.Context, state, code string) (string, error)
	Resume(ctx context.Context, userID string) (*model.Reply, error)
}

// OAuthHandler serves the OAuth provider's redirect.
type OAuthHandler struct {
	resume   Resumer
	dispatch Dispatcher
	logger   *logger.Logger
}

// NewOAuthHandler creates an OAuth callback handler.
func NewOAuthHandler(resume Resumer, dispatch Dispatcher, log *logger.Logger) *OAuthHandler {
	return &OAuthHandler{
		resume:   resume,
		dispatch: dispatch,
		logger:   log.With(zap.String("component", "oauth_handler")),
	}
}

var resultPage = template.Must(template.New("result").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body><h1>{{.Title}}</h1><p>{{.Message}}</p></body></html>
`))

func renderResult(w http.ResponseWriter, status int, title, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	resultPage.Execute(w, map[string]string{"Title": title, "Message": message})
}

// Callback handles GET /oauth/google/callback
func (h *OAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if denied := q.Get("error"); denied != "" {
		h.logger.Info("authorization declined", zap.String("error", denied))
		renderResult(w, http.StatusBadRequest, "Authorization cancelled",
			"Calendar access was not granted. Ask the assistant again to get a new link.")
		return
	}

	userID, err := h.resume.Authorize(r.Context(), q.Get("state"), q.Get("code"))
	if errors.Is(err, oauth.ErrInvalidState) {
		renderResult(w, http.StatusBadRequest, "Link expired",
			"This authorization link is invalid or has expired. Ask the assistant again to get a new one.")
		return
	}
	if err != nil {
		h.logger.Error("authorization failed", zap.Error(err), zap.String("user_id", userID))
		renderResult(w, http.StatusBadGateway, "Authorization failed",
			"Google did not accept the authorization. Please open the link from the assistant again.")
		return
	}

	h.dispatch(r.Context(), func(ctx context.Context) {
		if _, err := h.resume.Resume(ctx, userID); err != nil {
			h.logger.Error("failed to resume deferred request", zap.Error(err), zap.String("user_id", userID))
		}
	})

	renderResult(w, http.StatusOK, "Calendar connected",
		"You can close this window. If you had asked for something, the answer is on its way in Slack.")
}
