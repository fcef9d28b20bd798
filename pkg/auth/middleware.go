package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"
)

// Middleware provides HTTP authentication middleware.
// It is thin and delegates authentication logic to AuthService.
type Middleware struct {
	authService AuthService
	logger      *zap.Logger
}

// NewMiddleware creates a new auth middleware with the given AuthService.
func NewMiddleware(authService AuthService, logger *zap.Logger) *Middleware {
	return &Middleware{
		authService: authService,
		logger:      logger.Named("auth"),
	}
}

// RequireUser authenticates the request and puts the user id (and claims, for bearer
// tokens) into the context for downstream handlers.
func (m *Middleware) RequireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := m.authService.ValidateRequest(r)
		if err != nil {
			m.logger.Debug("Request not authenticated",
				zap.String("path", r.URL.Path),
				zap.Error(err))
			message := "Invalid credentials"
			if errors.Is(err, ErrMissingAuthorization) {
				message = "Authentication required"
			}
			m.unauthorized(w, message)
			return
		}

		ctx := WithUserID(r.Context(), identity.UserID)
		if identity.Claims != nil {
			ctx = context.WithValue(ctx, ClaimsKey, identity.Claims)
		}
		next(w, r.WithContext(ctx))
	}
}

// unauthorized writes a 401 in the same envelope the API handlers use.
func (m *Middleware) unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="urekai"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   "unauthorized",
		"message": message,
	})
}
