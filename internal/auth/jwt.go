package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken is returned when no access token is available.
	ErrMissingToken = errors.New("access token is missing")
	// ErrTokenExpired is returned when the access token's exp claim is in the past.
	ErrTokenExpired = errors.New("access token is expired")
)

// Claims are the parts of an access token the client cares about.
type Claims struct {
	Subject   string
	ExpiresAt time.Time
}

// Inspect reads the subject and expiry of a JWT access token without verifying its
// signature. Verification is the server's job; the client only needs to know whether
// presenting the token is worthwhile.
func Inspect(token string) (Claims, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return Claims{}, ErrMissingToken
	}

	var registered jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &registered); err != nil {
		return Claims{}, fmt.Errorf("failed to parse access token: %w", err)
	}

	claims := Claims{Subject: registered.Subject}
	if registered.ExpiresAt != nil {
		claims.ExpiresAt = registered.ExpiresAt.Time
	}
	return claims, nil
}

// Usable reports whether token is present, parseable and not expired at now.
// Tokens without an exp claim are treated as usable.
func Usable(token string, now time.Time) error {
	claims, err := Inspect(token)
	if err != nil {
		return err
	}
	if !claims.ExpiresAt.IsZero() && !now.Before(claims.ExpiresAt) {
		return ErrTokenExpired
	}
	return nil
}
