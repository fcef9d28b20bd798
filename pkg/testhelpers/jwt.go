// Package testhelpers provides utilities for testing urekai-engine components.
package testhelpers

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TestJWTSecret signs tokens produced by GenerateTestJWT.
const TestJWTSecret = "test-jwt-secret-for-unit-tests-only"

// GenerateTestJWT creates an HS256 token whose subject is userID, valid for one hour.
func GenerateTestJWT(userID, secret string) string {
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		panic(err)
	}
	return token
}

// GenerateTestJWTWithBearer returns token with "Bearer " prefix for Authorization header.
func GenerateTestJWTWithBearer(userID, secret string) string {
	return "Bearer " + GenerateTestJWT(userID, secret)
}
