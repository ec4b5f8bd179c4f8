// Package auth validates operator credentials for the dashboard API.
package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized is returned for any token that fails validation. Callers
// must not leak the underlying parse error to clients.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is the authenticated operator attached to a request.
type Identity struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// Provider validates bearer tokens presented to the API.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Name() string
	Close() error
}
