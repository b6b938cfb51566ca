package config

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("AUTHLETE_CLIENT_ID", "client")
	t.Setenv("AUTHLETE_CLIENT_SECRET", "secret")
	t.Setenv("AUTHLETE_REDIRECT_URI", "https://app.example/auth/callback")
	t.Setenv("AUTHLETE_BASE_URL", "https://api.authlete.example")
	t.Setenv("AUTHLETE_SERVICE_ID", "12345")
	t.Setenv("AUTHLETE_ACCESS_TOKEN", "token")
}

func TestParseDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.FlowTTL() != 600*time.Second {
		t.Errorf("FlowTTL = %v", cfg.FlowTTL())
	}
	if cfg.Scope != "openid" || cfg.LoginURL != "/login/identify" || cfg.PostLoginURL != "/" {
		t.Errorf("defaults = %q %q %q", cfg.Scope, cfg.LoginURL, cfg.PostLoginURL)
	}
	if cfg.IDPTimeout != 10*time.Second {
		t.Errorf("IDPTimeout = %v", cfg.IDPTimeout)
	}
	if cfg.ListenAddr != ":8080" || !cfg.CookieSecure {
		t.Errorf("ListenAddr = %q, CookieSecure = %v", cfg.ListenAddr, cfg.CookieSecure)
	}
	if cfg.RPID != "localhost" || len(cfg.RPOrigins) != 1 || cfg.RPOrigins[0] != "http://localhost:8080" {
		t.Errorf("relying party = %q %v", cfg.RPID, cfg.RPOrigins)
	}
	if k, err := cfg.CookieKeyBytes(); err != nil || k != nil {
		t.Errorf("CookieKeyBytes = %v, %v", k, err)
	}
}

func TestParseOverrides(t *testing.T) {
	setRequired(t)
	key := bytes.Repeat([]byte{7}, 32)
	t.Setenv("FLOW_TTL_SECONDS", "120")
	t.Setenv("AUTHGATE_CORS_ORIGINS", "http://a.example,http://b.example")
	t.Setenv("AUTHGATE_COOKIE_KEY", base64.RawURLEncoding.EncodeToString(key))
	t.Setenv("AUTHGATE_COOKIE_SECURE", "false")
	t.Setenv("AUTHGATE_VALKEY_ADDR", "localhost:6379")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.FlowTTL() != 2*time.Minute {
		t.Errorf("FlowTTL = %v", cfg.FlowTTL())
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "http://b.example" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
	got, err := cfg.CookieKeyBytes()
	if err != nil || !bytes.Equal(got, key) {
		t.Errorf("CookieKeyBytes = %x, %v", got, err)
	}
	if cfg.CookieSecure {
		t.Errorf("CookieSecure = true")
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"missing client id", "AUTHLETE_CLIENT_ID", ""},
		{"bad base url", "AUTHLETE_BASE_URL", "not a url"},
		{"zero ttl", "FLOW_TTL_SECONDS", "0"},
		{"bad log level", "LOG_LEVEL", "loud"},
		{"short cookie key", "AUTHGATE_COOKIE_KEY", "c2hvcnQ"},
		{"bad cors origin", "AUTHGATE_CORS_ORIGINS", "nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			if tt.value == "" {
				os.Unsetenv(tt.key)
			} else {
				t.Setenv(tt.key, tt.value)
			}
			if _, err := Parse(); err == nil {
				t.Fatalf("Parse succeeded with %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestLoadDotenv(t *testing.T) {
	setRequired(t)
	t.Setenv("AUTHGATE_SCOPE", "")
	os.Unsetenv("AUTHGATE_SCOPE")

	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("AUTHGATE_SCOPE=openid email\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("AUTHGATE_SCOPE") })

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scope != "openid email" {
		t.Errorf("Scope = %q", cfg.Scope)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("Load with missing file: %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{LogLevel: "warn", LogFormat: "json"}
	logger := cfg.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("log output = %q", out)
	}
}
