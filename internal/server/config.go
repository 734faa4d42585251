// Package server provides configuration helpers that define runtime defaults,
// validation, and hardening limits for the relay.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Tyrowin/tcprelay/internal/protocol"
)

// Default values for optional configuration fields.
const (
	DefaultTCPAddr           = "127.0.0.1:8080"
	DefaultHTTPAddr          = ":8081"
	DefaultMaxMessageSize    = 64 * 1024
	DefaultHandshakeTimeout  = 30 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultQueueCapacity     = 4096
	DefaultBroadcastCapacity = 1024
	DefaultShutdownTimeout   = 10 * time.Second
)

// RateLimitConfig defines the parameters for per-connection message rate
// limiting. A zero Burst disables the limiter.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// HandshakeConfig names the header a client must present and its required value.
type HandshakeConfig struct {
	Key   string `yaml:"key"`
	Token string `yaml:"token"`
}

// LogConfig selects the slog handler built by the launcher.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config holds the relay configuration including the hardening limits that
// bound handshakes, lines, and the inbound queue.
type Config struct {
	TCPAddr           string          `yaml:"tcp_addr"`
	HTTPAddr          string          `yaml:"http_addr"`
	AllowedOrigins    []string        `yaml:"allowed_origins"`
	MaxMessageSize    int             `yaml:"max_message_size"`
	MaxHandshakeSize  int             `yaml:"max_handshake_size"`
	HandshakeTimeout  time.Duration   `yaml:"handshake_timeout"`
	IdleTimeout       time.Duration   `yaml:"idle_timeout"`
	WriteTimeout      time.Duration   `yaml:"write_timeout"`
	QueueCapacity     int             `yaml:"queue_capacity"`
	BroadcastCapacity int             `yaml:"broadcast_capacity"`
	ShutdownTimeout   time.Duration   `yaml:"shutdown_timeout"`
	RateLimit         RateLimitConfig `yaml:"rate_limit"`
	Handshake         HandshakeConfig `yaml:"handshake"`
	Log               LogConfig       `yaml:"log"`
}

func defaultConfig() Config {
	return Config{
		TCPAddr:           DefaultTCPAddr,
		HTTPAddr:          DefaultHTTPAddr,
		AllowedOrigins:    []string{"http://localhost:8081"},
		MaxMessageSize:    DefaultMaxMessageSize,
		MaxHandshakeSize:  protocol.DefaultMaxHandshakeSize,
		HandshakeTimeout:  DefaultHandshakeTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		QueueCapacity:     DefaultQueueCapacity,
		BroadcastCapacity: DefaultBroadcastCapacity,
		ShutdownTimeout:   DefaultShutdownTimeout,
		RateLimit: RateLimitConfig{
			RefillInterval: time.Second,
		},
		Handshake: HandshakeConfig{
			Key:   protocol.DefaultHandshakeKey,
			Token: protocol.DefaultHandshakeToken,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// sanitizeConfig fills zero values with defaults. Zero timeouts for the
// handshake and idle reads are kept: they disable the deadline.
func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()

	if cfg.TCPAddr == "" {
		cfg.TCPAddr = def.TCPAddr
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.MaxHandshakeSize <= 0 {
		cfg.MaxHandshakeSize = def.MaxHandshakeSize
	}
	if cfg.HandshakeTimeout < 0 {
		cfg.HandshakeTimeout = 0
	}
	if cfg.IdleTimeout < 0 {
		cfg.IdleTimeout = 0
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.BroadcastCapacity <= 0 {
		cfg.BroadcastCapacity = def.BroadcastCapacity
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.RateLimit.Burst < 0 {
		cfg.RateLimit.Burst = 0
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.Handshake.Key == "" {
		cfg.Handshake.Key = def.Handshake.Key
	}
	if cfg.Handshake.Token == "" {
		cfg.Handshake.Token = def.Handshake.Token
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Log.Format
	}
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)

	return cfg
}

// Validate reports configuration values that cannot be repaired by defaults.
func (c *Config) Validate() error {
	var errs []error

	if strings.ContainsAny(c.Handshake.Key, ":\n\x00") {
		errs = append(errs, fmt.Errorf("handshake.key %q contains a reserved character", c.Handshake.Key))
	}
	if strings.ContainsAny(c.Handshake.Token, "\n\x00") {
		errs = append(errs, fmt.Errorf("handshake.token contains a reserved character"))
	}
	if _, err := ParseLogLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if addr := os.Getenv("TCP_ADDR"); addr != "" {
		cfg.TCPAddr = addr
	}

	// HTTP_ADDR may be set to "-" to disable the HTTP surface.
	if addr, ok := os.LookupEnv("HTTP_ADDR"); ok {
		cfg.HTTPAddr = addr
		if addr == "-" {
			cfg.HTTPAddr = ""
		}
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseIntValue(maxSize, cfg.MaxMessageSize)
	}

	if timeout := os.Getenv("HANDSHAKE_TIMEOUT"); timeout != "" {
		cfg.HandshakeTimeout = parseSeconds(timeout, cfg.HandshakeTimeout)
	}

	if timeout := os.Getenv("IDLE_TIMEOUT"); timeout != "" {
		cfg.IdleTimeout = parseSeconds(timeout, cfg.IdleTimeout)
	}

	if capacity := os.Getenv("QUEUE_CAPACITY"); capacity != "" {
		cfg.QueueCapacity = parseIntValue(capacity, cfg.QueueCapacity)
	}

	if capacity := os.Getenv("BROADCAST_CAPACITY"); capacity != "" {
		cfg.BroadcastCapacity = parseIntValue(capacity, cfg.BroadcastCapacity)
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}

	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseSeconds(interval, cfg.RateLimit.RefillInterval)
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Log.Format = format
	}

	cfg = sanitizeConfig(cfg)
	return &cfg
}

// LoadConfig reads a YAML config file, expands ${VAR} references, applies
// defaults, and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := defaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	cfg = sanitizeConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// ParseLogLevel maps a level name onto its slog.Level.
func ParseLogLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed >= 0 {
		return parsed
	}
	return defaultValue
}

// parseSeconds accepts either a bare number of seconds or a Go duration string.
func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d >= 0 {
		return d
	}
	return defaultValue
}
