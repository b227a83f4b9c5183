package middleware

import (
	"context"
	"net/http"
	"time"
)

// Timeout bounds every request context. Work still running when the deadline
// passes sees a cancelled context and the store rolls it back.
func Timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
