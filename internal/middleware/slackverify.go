package middleware

import (
	"bytes"
	"io"
	"net/http"

	"github.com/slack-go/slack"
)

// maxWebhookBody bounds Slack request bodies.
const maxWebhookBody = 1 << 20

// SlackVerify rejects requests without a valid Slack signature. The body is
// buffered and restored for the next handler.
func SlackVerify(signingSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
			if err != nil {
				http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
				return
			}

			sv, err := slack.NewSecretsVerifier(r.Header, signingSecret)
			if err != nil {
				http.Error(w, `{"error":"missing or stale signature"}`, http.StatusUnauthorized)
				return
			}
			if _, err := sv.Write(body); err != nil {
				http.Error(w, `{"error":"failed to verify signature"}`, http.StatusUnauthorized)
				return
			}
			if err := sv.Ensure(); err != nil {
				http.Error(w, `{"error":"invalid signature"}`, http.StatusUnauthorized)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}
