package config

import (
	"fmt"
	"strings"
	"time"
)

// ServerConfig controls the listening sockets of the dotbot server.
type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`

	// PublicURL is the externally reachable base URL, used when rendering
	// pairing instructions.
	PublicURL string `yaml:"public_url"`

	// ReadTimeout and WriteTimeout bound plain HTTP handlers. Websocket
	// upgrades are exempt.
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

func (c *ServerConfig) applyDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8787
	}
	if c.MetricsPort == 0 {
		c.MetricsPort = 9090
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
}

func (c *ServerConfig) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Port)
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("server.metrics_port %d out of range", c.MetricsPort)
	}
	return nil
}

// DatabaseConfig points at the server's sqlite database.
type DatabaseConfig struct {
	Path            string        `yaml:"path"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func (c *DatabaseConfig) applyDefaults() {
	if c.Path == "" {
		c.Path = "dotbot.db"
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 25
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
}

// AuthConfig controls device sessions and pairing.
type AuthConfig struct {
	// JWTSecret signs device session tokens. Required in production;
	// supply via ${DOTBOT_JWT_SECRET} expansion.
	JWTSecret string `yaml:"jwt_secret"`

	// SessionTTL is the lifetime of an issued device session.
	SessionTTL time.Duration `yaml:"session_ttl"`

	// InviteTTL is how long a pairing invite stays redeemable.
	InviteTTL time.Duration `yaml:"invite_ttl"`

	// CookieKey is the hex-encoded 32-byte AES key for setup cookies.
	CookieKey string `yaml:"cookie_key"`
}

func (c *AuthConfig) applyDefaults() {
	if c.SessionTTL == 0 {
		c.SessionTTL = 30 * 24 * time.Hour
	}
	if c.InviteTTL == 0 {
		c.InviteTTL = 24 * time.Hour
	}
}

func (c *AuthConfig) validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.SessionTTL < time.Minute {
		return fmt.Errorf("auth.session_ttl %s too short", c.SessionTTL)
	}
	return nil
}
