package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrUnauthorized is returned when a request carries no valid credential.
var ErrUnauthorized = eris.New("api: unauthorized")

// UserAuthenticator resolves a bearer token to a user id.
type UserAuthenticator interface {
	Authenticate(ctx context.Context, token string) (userID string, err error)
}

// StaticTokens authenticates users against a fixed token table.
type StaticTokens map[string]string

// Authenticate implements UserAuthenticator.
func (s StaticTokens) Authenticate(_ context.Context, token string) (string, error) {
	for known, userID := range s {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			return userID, nil
		}
	}
	return "", ErrUnauthorized
}

type ctxKey int

const userIDKey ctxKey = iota

// UserID returns the authenticated user id stored on ctx.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// requireServiceToken guards worker endpoints with the shared service token.
// An empty configured token rejects everything.
func requireServiceToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := bearerToken(r)
			if token == "" || got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requireUser(auth UserAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if auth == nil || token == "" {
				writeError(w, ErrUnauthorized)
				return
			}
			userID, err := auth.Authenticate(r.Context(), token)
			if err != nil || userID == "" {
				writeError(w, ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
		})
	}
}
