package auth

import (
	"fmt"

	"github.com/openbrain/openbrain/internal/config"
)

// NewProvider creates an auth Provider based on configuration.
func NewProvider(cfg config.AuthConfig) (Provider, error) {
	switch cfg.Provider {
	case "jwks":
		return NewJWKS(cfg.JWKSIssuer)
	case "builtin", "":
		return NewBuiltin(cfg), nil
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}
