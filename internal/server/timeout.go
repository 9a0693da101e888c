package server

import (
	"context"
	"net/http"
	"time"
)

// TimeoutMiddleware bounds each exchange's context. Handlers cancel
// cooperatively; streamed responses observe the deadline at their next
// suspension point.
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
