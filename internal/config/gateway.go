// Package config holds the gateway configuration and its sources: built-in
// defaults, a YAML or TOML file, environment variables and flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/gaspardpetit/mcpgate/internal/ratelimit"
)

// APIKey maps a static key to the principal it authenticates.
type APIKey struct {
	TenantID string   `yaml:"tenant_id" toml:"tenant_id"`
	UserID   string   `yaml:"user_id" toml:"user_id"`
	Scopes   []string `yaml:"scopes" toml:"scopes"`
}

// AuthConfig selects the authenticators placed in front of the gateway.
// With nothing configured every caller is the anonymous tenant.
type AuthConfig struct {
	APIKeys       map[string]APIKey `yaml:"api_keys" toml:"api_keys"`
	JWTSecret     string            `yaml:"jwt_secret" toml:"jwt_secret"`
	JWTIssuer     string            `yaml:"jwt_issuer" toml:"jwt_issuer"`
	SessionCookie string            `yaml:"session_cookie" toml:"session_cookie"`
	// AllowAnonymous keeps anonymous access when credentials are configured.
	AllowAnonymous bool `yaml:"allow_anonymous" toml:"allow_anonymous"`
}

// Enabled reports whether any credential source is configured.
func (a AuthConfig) Enabled() bool {
	return len(a.APIKeys) > 0 || a.JWTSecret != ""
}

// RateLimitConfig is the quota section.
type RateLimitConfig struct {
	Default  ratelimit.Policy            `yaml:"default" toml:"default"`
	Tiers    map[string]ratelimit.Policy `yaml:"tiers" toml:"tiers"`
	FailOpen bool                        `yaml:"fail_open" toml:"fail_open"`
}

// GatewayConfig holds configuration for the mcpgate server.
type GatewayConfig struct {
	Port        int    `yaml:"port" toml:"port"`
	MetricsAddr string `yaml:"metrics_addr" toml:"metrics_addr"`
	PublicURL   string `yaml:"public_url" toml:"public_url"`
	Path        string `yaml:"path" toml:"path"`
	ConfigFile  string `yaml:"-" toml:"-"`
	LogLevel    string `yaml:"log_level" toml:"log_level"`
	LogJSON     bool   `yaml:"log_json" toml:"log_json"`
	RedisAddr   string `yaml:"redis_addr" toml:"redis_addr"`

	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
	MaxBodyBytes   int64    `yaml:"max_body_bytes" toml:"max_body_bytes"`

	RequestTimeout   time.Duration `yaml:"request_timeout" toml:"request_timeout"`
	DrainTimeout     time.Duration `yaml:"drain_timeout" toml:"drain_timeout"`
	PollInterval     time.Duration `yaml:"poll_interval" toml:"poll_interval"`
	IdleTimeout      time.Duration `yaml:"idle_timeout" toml:"idle_timeout"`
	RelayBackoff     time.Duration `yaml:"relay_backoff" toml:"relay_backoff"`
	RelayMaxFailures int           `yaml:"relay_max_failures" toml:"relay_max_failures"`
	KeepAlive        time.Duration `yaml:"keep_alive" toml:"keep_alive"`
	SessionTTL       time.Duration `yaml:"session_ttl" toml:"session_ttl"`
	// DisableSessions serves only the direct and websocket transports.
	DisableSessions bool `yaml:"disable_sessions" toml:"disable_sessions"`
	// Builtins registers the demo tools, resources and prompts.
	Builtins bool `yaml:"builtins" toml:"builtins"`

	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
}

// SetDefaults initializes c with built-in defaults.
func (c *GatewayConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	if c.Path == "" {
		c.Path = "/mcp"
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 1 << 20
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.RelayBackoff == 0 {
		c.RelayBackoff = time.Second
	}
	if c.RelayMaxFailures == 0 {
		c.RelayMaxFailures = 5
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = 15 * time.Second
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = 10 * time.Minute
	}
	if c.RateLimit.Default.Window == 0 {
		c.RateLimit.Default.Window = time.Minute
	}
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("gateway.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *GatewayConfig) ApplyEnv() {
	if v := GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := GetEnv("LOG_FORMAT", ""); v != "" {
		c.LogJSON = strings.EqualFold(v, "json")
	}
	if v := GetEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := GetEnv("METRICS_PORT", ""); v != "" {
		c.MetricsAddr = metricsAddr(v)
	}
	if v := GetEnv("PUBLIC_URL", ""); v != "" {
		c.PublicURL = v
	}
	if v := GetEnv("MCP_PATH", ""); v != "" {
		c.Path = v
	}
	if v := GetEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := GetEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	if v := GetEnv("REQUEST_TIMEOUT", ""); v != "" {
		if d, err := parseSeconds(v); err == nil {
			c.RequestTimeout = d
		}
	}
	envDuration("DRAIN_TIMEOUT", &c.DrainTimeout)
	envDuration("POLL_INTERVAL", &c.PollInterval)
	envDuration("IDLE_TIMEOUT", &c.IdleTimeout)
	envDuration("RELAY_BACKOFF", &c.RelayBackoff)
	envDuration("KEEP_ALIVE", &c.KeepAlive)
	envDuration("SESSION_TTL", &c.SessionTTL)
	if v := GetEnv("RELAY_MAX_FAILURES", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RelayMaxFailures = n
		}
	}
	if v := GetEnv("API_KEYS", ""); v != "" {
		if keys, err := parseAPIKeys(v); err == nil {
			c.Auth.APIKeys = keys
		}
	}
	if v := GetEnv("JWT_SECRET", ""); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := GetEnv("JWT_ISSUER", ""); v != "" {
		c.Auth.JWTIssuer = v
	}
	if v := GetEnv("SESSION_COOKIE", ""); v != "" {
		c.Auth.SessionCookie = v
	}
	if v := GetEnv("RATE_LIMIT", ""); v != "" {
		if p, err := parsePolicy(v); err == nil {
			c.RateLimit.Default = p
		}
	}
	if v := GetEnv("RATE_LIMIT_FAIL_OPEN", ""); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.RateLimit.FailOpen = b
		}
	}
}

// BindFlags binds command line flags using the current config values as
// defaults so main can call flag.Parse().
func (c *GatewayConfig) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "gateway config file path (.yaml or .toml)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.BoolVar(&c.LogJSON, "log-json", c.LogJSON, "write logs as JSON instead of console text")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP listen port for the MCP endpoint")
	fs.Func("metrics-port", "Prometheus metrics listen address or port; defaults to the value of --port", func(v string) error {
		c.MetricsAddr = metricsAddr(v)
		return nil
	})
	fs.StringVar(&c.PublicURL, "public-url", c.PublicURL, "externally visible base URL used in session endpoint events")
	fs.StringVar(&c.Path, "path", c.Path, "URL path of the MCP endpoint")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for sessions, quotas and server state")
	fs.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", c.MaxBodyBytes, "largest accepted request body")
	fs.Func("request-timeout", "request timeout in seconds", func(v string) error {
		d, err := parseSeconds(v)
		if err != nil {
			return err
		}
		c.RequestTimeout = d
		return nil
	})
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for in-flight requests on shutdown (-1 to wait indefinitely, 0 to exit immediately)")
	fs.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "session stream relay poll interval")
	fs.DurationVar(&c.IdleTimeout, "idle-timeout", c.IdleTimeout, "close session streams without activity for this long")
	fs.DurationVar(&c.RelayBackoff, "relay-backoff", c.RelayBackoff, "delay after a failed relay poll")
	fs.IntVar(&c.RelayMaxFailures, "relay-max-failures", c.RelayMaxFailures, "consecutive relay failures that end a session stream")
	fs.DurationVar(&c.KeepAlive, "keep-alive", c.KeepAlive, "interval of keep-alive comments on session streams")
	fs.DurationVar(&c.SessionTTL, "session-ttl", c.SessionTTL, "expiry of idle session records in redis")
	fs.BoolVar(&c.DisableSessions, "disable-sessions", c.DisableSessions, "serve only direct and websocket transports")
	fs.BoolVar(&c.Builtins, "builtins", c.Builtins, "register the builtin demo tools, resources and prompts")
	fs.Func("api-keys", "comma separated key=tenant[:user] pairs accepted via X-API-Key or bearer", func(v string) error {
		keys, err := parseAPIKeys(v)
		if err != nil {
			return err
		}
		c.Auth.APIKeys = keys
		return nil
	})
	fs.StringVar(&c.Auth.JWTSecret, "jwt-secret", c.Auth.JWTSecret, "HS256 secret for bearer tokens; leave empty to disable")
	fs.StringVar(&c.Auth.JWTIssuer, "jwt-issuer", c.Auth.JWTIssuer, "required token issuer")
	fs.StringVar(&c.Auth.SessionCookie, "session-cookie", c.Auth.SessionCookie, "cookie name carrying a session token")
	fs.BoolVar(&c.Auth.AllowAnonymous, "allow-anonymous", c.Auth.AllowAnonymous, "accept unauthenticated callers when credentials are configured")
	fs.Func("rate-limit", "default tenant quota as count/window, e.g. 600/1m; 0 disables", func(v string) error {
		p, err := parsePolicy(v)
		if err != nil {
			return err
		}
		c.RateLimit.Default = p
		return nil
	})
	fs.BoolVar(&c.RateLimit.FailOpen, "rate-limit-fail-open", c.RateLimit.FailOpen, "admit calls when the quota store is unavailable")
}

// LoadFile populates the config from a YAML or, for a .toml extension, TOML
// file.
func (c *GatewayConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(b), c); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		return nil
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Validate reports settings the gateway cannot start with.
func (c *GatewayConfig) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if !strings.HasPrefix(c.Path, "/") {
		errs = append(errs, fmt.Errorf("path %q must start with /", c.Path))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if c.RelayMaxFailures <= 0 {
		errs = append(errs, errors.New("relay_max_failures must be positive"))
	}
	if c.Auth.SessionCookie != "" && c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("session_cookie requires jwt_secret"))
	}
	if c.RateLimit.Default.Limit > 0 && c.RateLimit.Default.Window <= 0 {
		errs = append(errs, errors.New("rate_limit.default.window must be positive"))
	}
	for name, p := range c.RateLimit.Tiers {
		if p.Limit > 0 && p.Window <= 0 {
			errs = append(errs, fmt.Errorf("rate_limit.tiers.%s.window must be positive", name))
		}
	}
	return errors.Join(errs...)
}

func metricsAddr(v string) string {
	if strings.Contains(v, ":") {
		return v
	}
	return ":" + v
}

func envDuration(key string, dst *time.Duration) {
	if v := GetEnv(key, ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func parseSeconds(v string) (time.Duration, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(f * float64(time.Second)), nil
}

// parsePolicy reads "count/window"; a bare count uses a one minute window.
func parsePolicy(v string) (ratelimit.Policy, error) {
	count, window, found := strings.Cut(strings.TrimSpace(v), "/")
	n, err := strconv.ParseInt(count, 10, 64)
	if err != nil {
		return ratelimit.Policy{}, fmt.Errorf("rate limit %q: %w", v, err)
	}
	p := ratelimit.Policy{Limit: n, Window: time.Minute}
	if found {
		d, err := time.ParseDuration(window)
		if err != nil {
			return ratelimit.Policy{}, fmt.Errorf("rate limit %q: %w", v, err)
		}
		p.Window = d
	}
	return p, nil
}

// parseAPIKeys reads "key=tenant[:user],..."; keys granted this way carry
// every scope.
func parseAPIKeys(v string) (map[string]APIKey, error) {
	keys := map[string]APIKey{}
	for _, part := range splitComma(v) {
		if part == "" {
			continue
		}
		key, owner, ok := strings.Cut(part, "=")
		if !ok || key == "" || owner == "" {
			return nil, fmt.Errorf("api key entry %q: want key=tenant[:user]", part)
		}
		tenant, user, _ := strings.Cut(owner, ":")
		keys[key] = APIKey{TenantID: tenant, UserID: user, Scopes: []string{"*"}}
	}
	return keys, nil
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}
