package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSetDefaults(t *testing.T) {
	var c GatewayConfig
	c.SetDefaults()
	if c.Port != 8080 || c.MetricsAddr != ":8080" || c.Path != "/mcp" {
		t.Fatalf("defaults = %+v", c)
	}
	if c.PollInterval != 200*time.Millisecond || c.RelayMaxFailures != 5 || c.IdleTimeout != 5*time.Minute {
		t.Fatalf("relay defaults = %+v", c)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("validate defaults: %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("METRICS_PORT", "9100")
	t.Setenv("REQUEST_TIMEOUT", "2.5")
	t.Setenv("IDLE_TIMEOUT", "30s")
	t.Setenv("API_KEYS", "k1=acme, k2=globex:bob")
	t.Setenv("RATE_LIMIT", "100/10s")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")

	var c GatewayConfig
	c.SetDefaults()
	c.ApplyEnv()
	if c.Port != 9000 || c.MetricsAddr != ":9100" {
		t.Fatalf("port = %d metrics = %q", c.Port, c.MetricsAddr)
	}
	if c.RequestTimeout != 2500*time.Millisecond || c.IdleTimeout != 30*time.Second {
		t.Fatalf("timeouts = %v %v", c.RequestTimeout, c.IdleTimeout)
	}
	if k := c.Auth.APIKeys["k2"]; k.TenantID != "globex" || k.UserID != "bob" || k.Scopes[0] != "*" {
		t.Fatalf("api keys = %+v", c.Auth.APIKeys)
	}
	if c.RateLimit.Default.Limit != 100 || c.RateLimit.Default.Window != 10*time.Second {
		t.Fatalf("rate limit = %+v", c.RateLimit.Default)
	}
	if len(c.AllowedOrigins) != 2 || c.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("origins = %v", c.AllowedOrigins)
	}
}

func TestBindFlags(t *testing.T) {
	var c GatewayConfig
	c.SetDefaults()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.BindFlags(fs)
	err := fs.Parse([]string{
		"-port", "7000",
		"-metrics-port", "127.0.0.1:7001",
		"-request-timeout", "5",
		"-rate-limit", "10",
		"-relay-max-failures", "2",
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.Port != 7000 || c.MetricsAddr != "127.0.0.1:7001" || c.RequestTimeout != 5*time.Second {
		t.Fatalf("flags = %+v", c)
	}
	if c.RateLimit.Default.Limit != 10 || c.RateLimit.Default.Window != time.Minute || c.RelayMaxFailures != 2 {
		t.Fatalf("flags = %+v", c)
	}
	if err := fs.Parse([]string{"-api-keys", "nokey"}); err == nil {
		t.Fatalf("malformed api key accepted")
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	data := `
port: 8443
public_url: https://gw.example.com
poll_interval: 50ms
auth:
  jwt_secret: s3cret
  session_cookie: mcp_session
  api_keys:
    k1:
      tenant_id: acme
      scopes: ["tools:read"]
rate_limit:
  default: {limit: 600, window: 1m}
  tiers:
    expensive: {limit: 5, window: 1h}
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	var c GatewayConfig
	if err := c.LoadFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	c.SetDefaults()
	if c.Port != 8443 || c.PublicURL != "https://gw.example.com" || c.PollInterval != 50*time.Millisecond {
		t.Fatalf("config = %+v", c)
	}
	if c.Auth.APIKeys["k1"].TenantID != "acme" || c.Auth.SessionCookie != "mcp_session" {
		t.Fatalf("auth = %+v", c.Auth)
	}
	if tier := c.RateLimit.Tiers["expensive"]; tier.Limit != 5 || tier.Window != time.Hour {
		t.Fatalf("tiers = %+v", c.RateLimit.Tiers)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.toml")
	data := `
port = 9090
idle_timeout = "2m"

[rate_limit]
fail_open = true

[rate_limit.default]
limit = 20
window = "30s"
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	var c GatewayConfig
	if err := c.LoadFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Port != 9090 || c.IdleTimeout != 2*time.Minute {
		t.Fatalf("config = %+v", c)
	}
	if !c.RateLimit.FailOpen || c.RateLimit.Default.Limit != 20 || c.RateLimit.Default.Window != 30*time.Second {
		t.Fatalf("rate limit = %+v", c.RateLimit)
	}
}

func TestLoadMissingFile(t *testing.T) {
	var c GatewayConfig
	err := c.LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if !os.IsNotExist(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestValidate(t *testing.T) {
	var c GatewayConfig
	c.SetDefaults()
	c.Path = "mcp"
	c.Auth.SessionCookie = "sid"
	err := c.Validate()
	if err == nil {
		t.Fatalf("invalid config accepted")
	}
	for _, want := range []string{"must start with /", "session_cookie requires jwt_secret"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
}

func TestResolveConfigPath(t *testing.T) {
	cases := []struct {
		goos, home, pd, want string
	}{
		{"linux", "/home/u", "", filepath.Join("/etc", "mcpgate", "gateway.yaml")},
		{"darwin", "/Users/u", "", filepath.Join("/Users/u", "Library", "Application Support", "mcpgate", "gateway.yaml")},
		{"windows", "", "", filepath.Join("C:/ProgramData", "mcpgate", "gateway.yaml")},
	}
	for _, tc := range cases {
		if got := ResolveConfigPath(tc.goos, tc.home, tc.pd, "gateway.yaml"); got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.goos, got, tc.want)
		}
	}
}
