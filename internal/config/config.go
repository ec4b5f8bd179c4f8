// Package config handles openbrain configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex
// string suitable for use as a JWT secret or workspace sync secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level openbrain configuration.
type Config struct {
	Server     ServerConfig      `json:"server"`
	Auth       AuthConfig        `json:"auth"`
	Storage    StorageConfig     `json:"storage"`
	Gateway    GatewayConfig     `json:"gateway,omitempty"`
	Sync       SyncConfig        `json:"sync,omitempty"`
	Workspaces []WorkspaceConfig `json:"workspaces,omitempty"`
	Logging    LoggingConfig     `json:"logging"`
}

// ServerConfig defines the dashboard API listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"`                      // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB
}

// AuthConfig defines operator authentication settings.
type AuthConfig struct {
	Provider   string   `json:"provider,omitempty"` // "builtin" (default) or "jwks"
	JWTSecret  string   `json:"jwt_secret,omitempty"`
	JWTExpiry  Duration `json:"jwt_expiry,omitempty"`
	JWKSIssuer string   `json:"jwks_issuer,omitempty"` // e.g. "https://auth.example.com"
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver string `json:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn"`    // e.g. "openbrain.db" or ":memory:"
}

// GatewayConfig defines the shared gateway connection behavior applied to
// every workspace.
type GatewayConfig struct {
	Client         string   `json:"client,omitempty"` // client id presented on connect
	Mode           string   `json:"mode,omitempty"`   // "local" or "cloud"
	Role           string   `json:"role,omitempty"`
	Scopes         []string `json:"scopes,omitempty"`
	ConnectWait    Duration `json:"connect_wait,omitempty"`
	ReconnectDelay Duration `json:"reconnect_delay,omitempty"`
	IdleTimeout    Duration `json:"idle_timeout,omitempty"`
	SweepInterval  Duration `json:"sweep_interval,omitempty"`
}

// SyncConfig defines the local agent's push loop. Only the agent command uses
// it; the server ignores this section.
type SyncConfig struct {
	ServerURL   string   `json:"server_url,omitempty"`  // dashboard base URL, e.g. "https://ops.example.com"
	WorkspaceID string   `json:"workspace_id,omitempty"`
	Secret      string   `json:"secret,omitempty"`      // shared sync secret for this workspace
	DataDir     string   `json:"data_dir,omitempty"`    // local replica directory
	Interval    Duration `json:"interval,omitempty"`    // push period; default 30s
}

// WorkspaceConfig seeds one workspace into the store at startup.
type WorkspaceConfig struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	GatewayURL   string `json:"gateway_url,omitempty"`
	GatewayToken string `json:"gateway_token,omitempty"`
	SyncSecret   string `json:"sync_secret"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	// JWTSecret is only required for the builtin auth provider.
	if (c.Auth.Provider == "" || c.Auth.Provider == "builtin") && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret - generate a new one")
	}
	if c.Auth.Provider == "jwks" && c.Auth.JWKSIssuer == "" {
		return fmt.Errorf("auth.jwks_issuer is required when provider is jwks")
	}
	for i, ws := range c.Workspaces {
		if ws.ID == "" {
			return fmt.Errorf("workspaces[%d].id is required", i)
		}
		if ws.SyncSecret == "" {
			return fmt.Errorf("workspaces[%d].sync_secret is required", i)
		}
		if knownWeakSecrets[ws.SyncSecret] {
			return fmt.Errorf("workspaces[%d].sync_secret is a well-known weak secret", i)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "openbrain.db"
	}
	if c.Gateway.Client == "" {
		c.Gateway.Client = "openbrain-dashboard"
	}
	if c.Gateway.Mode == "" {
		c.Gateway.Mode = "cloud"
	}
	if c.Gateway.Role == "" {
		c.Gateway.Role = "operator"
	}
	if len(c.Gateway.Scopes) == 0 {
		c.Gateway.Scopes = []string{"operator.read", "operator.write"}
	}
	if c.Gateway.ConnectWait.Duration == 0 {
		c.Gateway.ConnectWait.Duration = 8 * time.Second
	}
	if c.Gateway.ReconnectDelay.Duration == 0 {
		c.Gateway.ReconnectDelay.Duration = 3 * time.Second
	}
	if c.Gateway.IdleTimeout.Duration == 0 {
		c.Gateway.IdleTimeout.Duration = 5 * time.Minute
	}
	if c.Gateway.SweepInterval.Duration == 0 {
		c.Gateway.SweepInterval.Duration = 60 * time.Second
	}
	if c.Sync.Interval.Duration == 0 {
		c.Sync.Interval.Duration = 30 * time.Second
	}
	if c.Sync.DataDir == "" {
		c.Sync.DataDir = "./openbrain-data"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
}
