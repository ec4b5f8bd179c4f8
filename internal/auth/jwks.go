package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// JWKSProvider validates JWTs issued by an external identity provider using
// its published JWKS.
type JWKSProvider struct {
	issuer string
	jwks   keyfunc.Keyfunc
}

// NewJWKS creates a JWKSProvider that fetches keys from the issuer's
// well-known JWKS endpoint.
func NewJWKS(issuer string) (*JWKSProvider, error) {
	if issuer == "" {
		return nil, fmt.Errorf("jwks issuer URL is required")
	}

	jwksURL := strings.TrimRight(issuer, "/") + "/.well-known/jwks.json"
	jwks, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}

	return &JWKSProvider{issuer: issuer, jwks: jwks}, nil
}

// ValidateToken parses an externally issued JWT and returns an Identity.
func (p *JWKSProvider) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.Parse(tokenStr, p.jwks.KeyfuncCtx(ctx),
		jwt.WithIssuer(p.issuer),
		jwt.WithExpirationRequired(),
	)
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

	role, _ := claims["role"].(string)
	if role == "" {
		role = "operator"
	}

	// Build a human-readable username from available claims.
	username := sub
	switch {
	case claimStr(claims, "username") != "":
		username = claimStr(claims, "username")
	case claimStr(claims, "name") != "":
		username = claimStr(claims, "name")
	case claimStr(claims, "email") != "":
		username = claimStr(claims, "email")
	}

	return &Identity{UserID: sub, Username: username, Role: role}, nil
}

// claimStr extracts a string claim or returns "".
func claimStr(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}

// Name returns the provider name.
func (p *JWKSProvider) Name() string { return "jwks" }

// Close is a no-op; the JWKS refresh goroutine stops with the process.
func (p *JWKSProvider) Close() error { return nil }
