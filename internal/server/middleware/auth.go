// Package middleware provides HTTP middleware for reviewer authentication.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/MSA-I/RE-TOUR-sub007/internal/logging"
)

// ContextKey is a typed key for context values to avoid collisions.
type ContextKey string

const reviewerKey ContextKey = "reviewer"

// TokenValidator validates bearer tokens. It lets the middleware work
// with any token service without an import cycle.
type TokenValidator interface {
	ValidateToken(tokenString string) (ReviewerGetter, error)
}

// ReviewerGetter exposes the reviewer identity carried by token claims.
type ReviewerGetter interface {
	GetReviewer() string
}

// RequireReviewer rejects requests without a valid bearer token and
// stores the reviewer identity in the request context.
func RequireReviewer(v TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				unauthorized(w)
				return
			}
			claims, err := v.ValidateToken(token)
			if err != nil || claims.GetReviewer() == "" {
				unauthorized(w)
				return
			}

			reviewer := claims.GetReviewer()
			ctx := context.WithValue(r.Context(), reviewerKey, reviewer)
			ctx = logging.WithReviewer(ctx, reviewer)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	parts := strings.Fields(r.Header.Get("Authorization"))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="retour"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
}

// Reviewer returns the authenticated reviewer from the request context.
func Reviewer(r *http.Request) (string, error) {
	reviewer, ok := r.Context().Value(reviewerKey).(string)
	if !ok || reviewer == "" {
		return "", fmt.Errorf("reviewer not found in request context")
	}
	return reviewer, nil
}

// WithReviewer returns ctx carrying reviewer, as the middleware would.
func WithReviewer(ctx context.Context, reviewer string) context.Context {
	return context.WithValue(ctx, reviewerKey, reviewer)
}
