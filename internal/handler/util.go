package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// Dispatcher runs work after the HTTP response has been sent.
type Dispatcher func(ctx context.Context, fn func(ctx context.Context))

// AsyncDispatcher runs fn in a goroutine, detached from the request but
// bounded by timeout. Chat platforms expect an acknowledgement within a few
// seconds, well before the engine answers.
func AsyncDispatcher(timeout time.Duration) Dispatcher {
	return func(ctx context.Context, fn func(ctx context.Context)) {
		detached := context.WithoutCancel(ctx)
		go func() {
			ctx, cancel := context.WithTimeout(detached, timeout)
			defer cancel()
			fn(ctx)
		}()
	}
}
