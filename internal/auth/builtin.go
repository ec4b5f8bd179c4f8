package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/openbrain/openbrain/internal/config"
)

// BuiltinProvider issues and validates HMAC-signed JWTs using the configured
// shared secret. It is the default when no external identity provider is
// wired up.
type BuiltinProvider struct {
	secret []byte
	expiry time.Duration
}

// NewBuiltin creates a BuiltinProvider from the auth config.
func NewBuiltin(cfg config.AuthConfig) *BuiltinProvider {
	return &BuiltinProvider{
		secret: []byte(cfg.JWTSecret),
		expiry: cfg.JWTExpiry.Duration,
	}
}

// IssueToken mints a signed token for an operator.
func (p *BuiltinProvider) IssueToken(userID, username, role string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":      userID,
		"username": username,
		"role":     role,
		"iat":      now.Unix(),
		"exp":      now.Add(p.expiry).Unix(),
	})
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses a builtin JWT and returns the operator identity.
func (p *BuiltinProvider) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return p.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrUnauthorized
	}
	username, _ := claims["username"].(string)
	if username == "" {
		username = sub
	}
	role, _ := claims["role"].(string)
	if role == "" {
		role = "operator"
	}

	return &Identity{UserID: sub, Username: username, Role: role}, nil
}

// Name returns the provider name.
func (p *BuiltinProvider) Name() string { return "builtin" }

// Close is a no-op for the builtin provider.
func (p *BuiltinProvider) Close() error { return nil }
