// Package config loads the authgate service configuration from the
// environment.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config is the service configuration.
type Config struct {
	ClientID     string `env:"AUTHLETE_CLIENT_ID,required" validate:"required"`
	ClientSecret string `env:"AUTHLETE_CLIENT_SECRET,required" validate:"required"`
	RedirectURI  string `env:"AUTHLETE_REDIRECT_URI,required" validate:"required,url"`
	BaseURL      string `env:"AUTHLETE_BASE_URL,required" validate:"required,url"`
	ServiceID    string `env:"AUTHLETE_SERVICE_ID,required" validate:"required"`
	AccessToken  string `env:"AUTHLETE_ACCESS_TOKEN,required" validate:"required"`

	FlowTTLSeconds int           `env:"FLOW_TTL_SECONDS" envDefault:"600" validate:"min=1"`
	Scope          string        `env:"AUTHGATE_SCOPE" envDefault:"openid"`
	LoginURL       string        `env:"AUTHGATE_LOGIN_URL" envDefault:"/login/identify" validate:"required"`
	PostLoginURL   string        `env:"AUTHGATE_POST_LOGIN_URL" envDefault:"/" validate:"required"`
	IDPTimeout     time.Duration `env:"AUTHGATE_IDP_TIMEOUT" envDefault:"10s" validate:"min=1ms"`
	// IssuerURL enables ID token verification against the issuer's keys.
	IssuerURL string `env:"AUTHGATE_ISSUER_URL" validate:"omitempty,url"`

	ListenAddr   string   `env:"AUTHGATE_LISTEN_ADDR" envDefault:":8080" validate:"required"`
	CookieKey    string   `env:"AUTHGATE_COOKIE_KEY"`
	CookieSecure bool     `env:"AUTHGATE_COOKIE_SECURE" envDefault:"true"`
	CORSOrigins  []string `env:"AUTHGATE_CORS_ORIGINS" envSeparator:"," validate:"dive,url"`

	ValkeyAddr string `env:"AUTHGATE_VALKEY_ADDR" validate:"omitempty,hostname_port"`
	PasskeyDB  string `env:"AUTHGATE_PASSKEY_DB"`
	UsersFile  string `env:"AUTHGATE_USERS_FILE"`

	RPID          string   `env:"AUTHGATE_RP_ID" envDefault:"localhost" validate:"required"`
	RPDisplayName string   `env:"AUTHGATE_RP_DISPLAY_NAME" envDefault:"authgate" validate:"required"`
	RPOrigins     []string `env:"AUTHGATE_RP_ORIGINS" envSeparator:"," envDefault:"http://localhost:8080" validate:"min=1,dive,url"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text" validate:"oneof=text json"`
}

// Load reads the dotenv files, .env when none are named, then parses and
// validates the environment. Missing dotenv files are ignored.
func Load(dotenv ...string) (*Config, error) {
	if err := godotenv.Load(dotenv...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load dotenv: %w", err)
	}
	return Parse()
}

// Parse reads the configuration from the process environment.
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the cookie key.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if _, err := c.CookieKeyBytes(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	return nil
}

// FlowTTL is FlowTTLSeconds as a duration.
func (c *Config) FlowTTL() time.Duration {
	return time.Duration(c.FlowTTLSeconds) * time.Second
}

// CookieKeyBytes decodes CookieKey. It returns nil when no key is set, in
// which case the caller generates one per process.
func (c *Config) CookieKeyBytes() ([]byte, error) {
	if c.CookieKey == "" {
		return nil, nil
	}
	k, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(c.CookieKey, "="))
	if err != nil {
		return nil, fmt.Errorf("AUTHGATE_COOKIE_KEY: %w", err)
	}
	if len(k) != 32 {
		return nil, fmt.Errorf("AUTHGATE_COOKIE_KEY: want 32 bytes, got %d", len(k))
	}
	return k, nil
}

// NewLogger returns a logger writing to w at LogLevel in LogFormat.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
