// Package auth identifies the user behind a request. Bearer tokens are HS256 JWTs whose
// subject is the user id; browser clients use a signed session cookie instead.
package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// ClaimsKey is the context key for storing JWT claims.
	ClaimsKey contextKey = "claims"
	// UserIDKey is the context key for the authenticated user id.
	UserIDKey contextKey = "user_id"
)

// Claims is the bearer token payload. Subject carries the user id.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// GetClaims retrieves JWT claims from the request context.
// Returns nil and false if claims are not present, e.g. for session-cookie requests.
func GetClaims(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*Claims)
	return claims, ok
}
