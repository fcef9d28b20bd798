package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMissingSubject is returned for tokens without a sub claim.
var ErrMissingSubject = errors.New("token has no subject")

// TokenValidator validates a bearer token and returns its claims.
type TokenValidator interface {
	ValidateToken(tokenString string) (*Claims, error)
}

// HMACValidator validates HS256 tokens signed with a shared secret.
type HMACValidator struct {
	secret             []byte
	enableVerification bool
}

// NewHMACValidator creates a validator. With enableVerification false tokens are parsed
// without checking the signature, for local development.
func NewHMACValidator(secret string, enableVerification bool) *HMACValidator {
	return &HMACValidator{secret: []byte(secret), enableVerification: enableVerification}
}

var _ TokenValidator = (*HMACValidator)(nil)

// ValidateToken validates a token and returns the claims. The subject is required.
func (v *HMACValidator) ValidateToken(tokenString string) (*Claims, error) {
	var claims *Claims
	var err error
	if v.enableVerification {
		claims, err = v.parseVerified(tokenString)
	} else {
		claims, err = parseUnverifiedToken(tokenString)
	}
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, ErrMissingSubject
	}
	return claims, nil
}

func (v *HMACValidator) parseVerified(tokenString string) (*Claims, error) {
	if len(v.secret) == 0 {
		return nil, errors.New("no JWT secret configured")
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	return claims, nil
}

// parseUnverifiedToken parses a JWT without verifying the signature.
func parseUnverifiedToken(tokenString string) (*Claims, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	token, _, err := parser.ParseUnverified(tokenString, &Claims{})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	return claims, nil
}
