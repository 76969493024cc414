package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/imaginario/searchd/internal/auth"
)

type contextKey int

const userIDKey contextKey = iota

// JWTAuth rejects requests without a valid bearer token and stores the
// authenticated user id on the request context.
func JWTAuth(tokens *auth.TokenAuthority) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(header, prefix) {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			uid, err := tokens.Verify(header[len(prefix):])
			if err != nil {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			ctx := context.WithValue(r.Context(), userIDKey, uid)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// userID returns the authenticated user for the request, or "" outside the
// JWTAuth middleware.
func userID(r *http.Request) string {
	uid, _ := r.Context().Value(userIDKey).(string)
	return uid
}
