package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/sessions"
	"go.uber.org/zap"

	"github.com/urekai/urekai-engine/pkg/apperrors"
)

// Common authentication errors. Both match apperrors.ErrUnauthorized.
var (
	ErrMissingAuthorization = fmt.Errorf("%w: missing authorization", apperrors.ErrUnauthorized)
	ErrInvalidAuthFormat    = fmt.Errorf("%w: invalid authorization header format", apperrors.ErrUnauthorized)
)

// UserIDHeader carries the user id in local development when verification is off.
const UserIDHeader = "X-User-ID"

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	// Claims is set when the caller authenticated with a bearer token.
	Claims *Claims
	Source string
}

// AuthService defines the interface for authentication operations.
type AuthService interface {
	// ValidateRequest identifies the caller. It checks, in order:
	//   1. Session cookie named "urekai-session" (browser clients)
	//   2. Authorization header with "Bearer" scheme (API clients)
	//   3. X-User-ID header, only when header identities are allowed
	ValidateRequest(r *http.Request) (*Identity, error)
}

type authService struct {
	validator      TokenValidator
	store          sessions.Store
	allowHeaderIDs bool
	logger         *zap.Logger
}

// NewAuthService creates an AuthService. store may be nil to disable session cookies;
// allowHeaderIDs trusts X-User-ID and must only be set for local development.
func NewAuthService(validator TokenValidator, store sessions.Store, allowHeaderIDs bool, logger *zap.Logger) AuthService {
	return &authService{
		validator:      validator,
		store:          store,
		allowHeaderIDs: allowHeaderIDs,
		logger:         logger,
	}
}

var _ AuthService = (*authService)(nil)

func (s *authService) ValidateRequest(r *http.Request) (*Identity, error) {
	if s.store != nil {
		if userID := sessionUserID(s.store, r); userID != "" {
			return &Identity{UserID: userID, Source: "session"}, nil
		}
	}

	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.logger.Debug("Invalid Authorization header format",
				zap.String("path", r.URL.Path))
			return nil, ErrInvalidAuthFormat
		}

		claims, err := s.validator.ValidateToken(parts[1])
		if err != nil {
			s.logger.Debug("JWT validation failed",
				zap.Error(err),
				zap.String("path", r.URL.Path))
			return nil, err
		}
		return &Identity{UserID: claims.Subject, Claims: claims, Source: "header"}, nil
	}

	if s.allowHeaderIDs {
		if userID := strings.TrimSpace(r.Header.Get(UserIDHeader)); userID != "" {
			return &Identity{UserID: userID, Source: "local"}, nil
		}
	}

	s.logger.Debug("No credentials found in request",
		zap.String("path", r.URL.Path),
		zap.String("method", r.Method))
	return nil, ErrMissingAuthorization
}
