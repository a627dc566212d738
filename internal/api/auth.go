package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/kalambet/askd/internal/auth"
	"github.com/kalambet/askd/internal/storage"
)

type ctxKey int

const userIDKey ctxKey = iota

// TokenResolver maps a session token to the user it belongs to.
type TokenResolver interface {
	Resolve(ctx context.Context, token string) (storage.UserID, error)
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) || len(h) == len(prefix) {
		return "", false
	}
	return h[len(prefix):], true
}

// BearerAuth guards admin routes with a static token.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := bearerToken(r)
			if !ok || token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UserAuth resolves the bearer session token and stores the user id in the
// request context.
func UserAuth(res TokenResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				httpError(w, http.StatusUnauthorized, "authentication_error", "missing session token")
				return
			}
			user, err := res.Resolve(r.Context(), token)
			if errors.Is(err, auth.ErrInvalidCredentials) {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or expired session token")
				return
			}
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "resolving session failed")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, user)))
		})
	}
}

func userFrom(ctx context.Context) storage.UserID {
	id, _ := ctx.Value(userIDKey).(storage.UserID)
	return id
}
