package handlers

import (
	"context"
	"net/http"
	"time"
)

type controllerKey struct{}

// WithResponseController exposes the connection's response controller to
// handlers. gin's writer hides it, and long-lived streams need it to move the
// server's write deadline.
func WithResponseController(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), controllerKey{}, http.NewResponseController(w))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extendWriteDeadline gives the next write d to complete. It is a no-op when
// the request did not come through WithResponseController.
func extendWriteDeadline(ctx context.Context, d time.Duration) {
	rc, ok := ctx.Value(controllerKey{}).(*http.ResponseController)
	if !ok {
		return
	}
	_ = rc.SetWriteDeadline(time.Now().Add(d))
}
