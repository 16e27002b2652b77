// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/nomad-proxy/config.toml",
	"configs/config.toml",
}

// reservedRoutes are served by the proxy itself and never forwarded.
var reservedRoutes = []string{"/reset", "/_proxy/healthz", "/_proxy/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config    string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host      string `kong:"help='Listen host (overrides config).',env='PROXY_HOST'"`
	Port      int    `kong:"short='p',help='Listen port (overrides config).',env='PROXY_PORT'"`
	LogLevel  string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	RedisAddr string `kong:"help='Redis address for the outage store (overrides config).',env='REDIS_ADDR'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Stream   StreamConfig   `toml:"stream"`
	Cookie   CookieConfig   `toml:"cookie"`
	Outage   OutageConfig   `toml:"outage"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string          `toml:"host"`
	Port           int             `toml:"port"` // 0 means "use default" (8080)
	FormMaxBytes   int64           `toml:"form_max_bytes"`
	MaxConnections int             `toml:"max_connections"` // 0 means unlimited
	ProxyProtocol  bool            `toml:"proxy_protocol"`
	RateLimit      RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds backend connection settings.
type UpstreamConfig struct {
	DialTimeoutSeconds   int    `toml:"dial_timeout_seconds"`
	HeaderTimeoutSeconds int    `toml:"header_timeout_seconds"`
	IdleTimeoutSeconds   int    `toml:"idle_timeout_seconds"` // negative disables the per-read deadline
	UserAgent            string `toml:"user_agent"`
}

// StreamConfig controls detection and relaying of continuous multipart streams.
type StreamConfig struct {
	ContentTypes        []string `toml:"content_types"`
	PathSuffixes        []string `toml:"path_suffixes"`
	ChunkBytes          int      `toml:"chunk_bytes"`
	WriteTimeoutSeconds int      `toml:"write_timeout_seconds"`
}

// CookieConfig controls the attributes of the target cookies.
type CookieConfig struct {
	Secure               bool `toml:"secure"`
	LastTargetMaxAgeDays int  `toml:"last_target_max_age_days"`
}

// OutageConfig selects where mid-stream failures are recorded.
type OutageConfig struct {
	Store      string `toml:"store"`
	TTLSeconds int    `toml:"ttl_seconds"`
	RedisAddr  string `toml:"redis_addr"`
	RedisDB    int    `toml:"redis_db"`
	KeyPrefix  string `toml:"key_prefix"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file (if any) and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/nomad-proxy/config.toml then configs/config.toml. Unlike an explicit
// path, a missing file in the search paths is not an error: defaults apply.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.RedisAddr != "" {
		c.Outage.RedisAddr = cli.RedisAddr
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.FormMaxBytes < 0 {
		return fmt.Errorf("server.form_max_bytes must be non-negative; got %d", c.Server.FormMaxBytes)
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections must be non-negative; got %d", c.Server.MaxConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.Upstream.DialTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.dial_timeout_seconds must be non-negative; got %d", c.Upstream.DialTimeoutSeconds)
	}
	if c.Upstream.HeaderTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.header_timeout_seconds must be non-negative; got %d", c.Upstream.HeaderTimeoutSeconds)
	}
	if c.Stream.ChunkBytes < 0 {
		return fmt.Errorf("stream.chunk_bytes must be non-negative; got %d", c.Stream.ChunkBytes)
	}
	if c.Stream.WriteTimeoutSeconds < 0 {
		return fmt.Errorf("stream.write_timeout_seconds must be non-negative; got %d", c.Stream.WriteTimeoutSeconds)
	}
	if c.Cookie.LastTargetMaxAgeDays < 0 {
		return fmt.Errorf("cookie.last_target_max_age_days must be non-negative; got %d", c.Cookie.LastTargetMaxAgeDays)
	}
	if c.Outage.TTLSeconds < 0 {
		return fmt.Errorf("outage.ttl_seconds must be non-negative; got %d", c.Outage.TTLSeconds)
	}

	for _, ct := range c.Stream.ContentTypes {
		if !strings.Contains(ct, "/") {
			return fmt.Errorf("stream.content_types entries must be media types; got %q", ct)
		}
	}

	switch strings.ToLower(c.Outage.Store) {
	case "memory", "":
		// valid
	case "redis":
		if c.Outage.RedisAddr == "" {
			return fmt.Errorf("outage.redis_addr is required when outage.store is redis")
		}
	default:
		return fmt.Errorf("outage.store must be one of: memory, redis; got %q", c.Outage.Store)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		if p == "/" {
			return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, "/")
		}
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.FormMaxBytes == 0 {
		c.Server.FormMaxBytes = 4 * 1024
	}
	if c.Upstream.DialTimeoutSeconds == 0 {
		c.Upstream.DialTimeoutSeconds = 10
	}
	if c.Upstream.HeaderTimeoutSeconds == 0 {
		c.Upstream.HeaderTimeoutSeconds = 15
	}
	if c.Upstream.IdleTimeoutSeconds == 0 {
		c.Upstream.IdleTimeoutSeconds = 30
	}
	if c.Upstream.UserAgent == "" {
		c.Upstream.UserAgent = "NomadProxy/1.0"
	}
	if len(c.Stream.ContentTypes) == 0 {
		c.Stream.ContentTypes = []string{"multipart/x-mixed-replace"}
	}
	if c.Stream.PathSuffixes == nil {
		c.Stream.PathSuffixes = []string{".mjpeg"}
	}
	if c.Stream.ChunkBytes == 0 {
		c.Stream.ChunkBytes = 8 * 1024
	}
	if c.Stream.WriteTimeoutSeconds == 0 {
		c.Stream.WriteTimeoutSeconds = 30
	}
	if c.Cookie.LastTargetMaxAgeDays == 0 {
		c.Cookie.LastTargetMaxAgeDays = 30
	}
	if c.Outage.Store == "" {
		c.Outage.Store = "memory"
	}
	c.Outage.Store = strings.ToLower(c.Outage.Store)
	if c.Outage.TTLSeconds == 0 {
		c.Outage.TTLSeconds = 3600
	}
	if c.Outage.KeyPrefix == "" {
		c.Outage.KeyPrefix = "nomad-proxy:outage:"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/_proxy/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DialTimeout returns the backend connect timeout.
func (c *UpstreamConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutSeconds) * time.Second
}

// HeaderTimeout returns how long to wait for the backend response headers.
func (c *UpstreamConfig) HeaderTimeout() time.Duration {
	return time.Duration(c.HeaderTimeoutSeconds) * time.Second
}

// IdleTimeout returns the per-read deadline on the backend connection, or 0
// when disabled.
func (c *UpstreamConfig) IdleTimeout() time.Duration {
	if c.IdleTimeoutSeconds < 0 {
		return 0
	}
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// WriteTimeout returns the per-chunk client write deadline.
func (c *StreamConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

// TTL returns how long a recorded outage is honoured.
func (c *OutageConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
