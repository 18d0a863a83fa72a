// ABOUTME: Configuration loading and parsing for support-sync
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete support-sync configuration
type Config struct {
	Messages   MessagesConfig   `yaml:"messages" toml:"messages"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit" toml:"rate_limit"`
	Retry      RetryConfig      `yaml:"retry" toml:"retry"`
	Typing     TypingConfig     `yaml:"typing" toml:"typing"`
	Pagination PaginationConfig `yaml:"pagination" toml:"pagination"`
	Offline    OfflineConfig    `yaml:"offline" toml:"offline"`
	Drafts     DraftsConfig     `yaml:"drafts" toml:"drafts"`
	Store      StoreConfig      `yaml:"store" toml:"store"`
	Presence   PresenceConfig   `yaml:"presence" toml:"presence"`
	Endpoint   EndpointConfig   `yaml:"endpoint" toml:"endpoint"`
	Local      LocalConfig      `yaml:"local" toml:"local"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics" toml:"metrics"`
	Identity   IdentityConfig   `yaml:"identity" toml:"identity"`
}

// MessagesConfig holds content, edit, pin, and attachment limits
type MessagesConfig struct {
	MaxLength          int      `yaml:"max_length" toml:"max_length"`
	MaxEdits           int      `yaml:"max_edits" toml:"max_edits"`
	MaxPins            int      `yaml:"max_pins" toml:"max_pins"`
	MaxAttachments     int      `yaml:"max_attachments" toml:"max_attachments"`
	MaxAttachmentBytes int64    `yaml:"max_attachment_bytes" toml:"max_attachment_bytes"`
	AllowedMimeTypes   []string `yaml:"allowed_mime_types" toml:"allowed_mime_types"`

	EditWindow    time.Duration `yaml:"-" toml:"-"`
	EditWindowRaw string        `yaml:"edit_window" toml:"edit_window"`
}

// RateLimitConfig holds the sliding-window limit for outbound actions
type RateLimitConfig struct {
	Limit int `yaml:"limit" toml:"limit"`

	Window    time.Duration `yaml:"-" toml:"-"`
	WindowRaw string        `yaml:"window" toml:"window"`
}

// RetryConfig holds send retry and backoff settings
type RetryConfig struct {
	MaxRetries int     `yaml:"max_retries" toml:"max_retries"`
	Jitter     float64 `yaml:"jitter" toml:"jitter"`

	BaseDelay    time.Duration `yaml:"-" toml:"-"`
	MaxDelay     time.Duration `yaml:"-" toml:"-"`
	BaseDelayRaw string        `yaml:"base_delay" toml:"base_delay"`
	MaxDelayRaw  string        `yaml:"max_delay" toml:"max_delay"`
}

// TypingConfig holds presence timing
type TypingConfig struct {
	Timeout     time.Duration `yaml:"-" toml:"-"`
	Debounce    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw  string        `yaml:"timeout" toml:"timeout"`
	DebounceRaw string        `yaml:"debounce" toml:"debounce"`
}

// PaginationConfig holds page sizes
type PaginationConfig struct {
	MessageInitial   int `yaml:"message_initial" toml:"message_initial"`
	MessagePage      int `yaml:"message_page" toml:"message_page"`
	ConversationPage int `yaml:"conversation_page" toml:"conversation_page"`
}

// OfflineConfig holds reconnect behavior
type OfflineConfig struct {
	SettleDelay    time.Duration `yaml:"-" toml:"-"`
	SettleDelayRaw string        `yaml:"settle_delay" toml:"settle_delay"`
}

// DraftsConfig holds draft persistence timing
type DraftsConfig struct {
	SaveDebounce    time.Duration `yaml:"-" toml:"-"`
	SaveDebounceRaw string        `yaml:"save_debounce" toml:"save_debounce"`
}

// StoreConfig selects the remote document store
type StoreConfig struct {
	Backend         string `yaml:"backend" toml:"backend"` // memory or firestore
	ProjectID       string `yaml:"project_id" toml:"project_id"`
	CredentialsFile string `yaml:"credentials_file" toml:"credentials_file"`
}

// PresenceConfig selects where the typing slot lives
type PresenceConfig struct {
	Backend   string `yaml:"backend" toml:"backend"` // store or redis
	RedisAddr string `yaml:"redis_addr" toml:"redis_addr"`
}

// EndpointConfig holds the outbound send endpoint
type EndpointConfig struct {
	BaseURL   string `yaml:"base_url" toml:"base_url"`
	CSRFToken string `yaml:"csrf_token" toml:"csrf_token"`
	Addr      string `yaml:"addr" toml:"addr"` // listen address for the dev server

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// LocalConfig holds client-local persistence
type LocalConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// IdentityConfig is the local participant
type IdentityConfig struct {
	ID          string `yaml:"id" toml:"id"`
	Email       string `yaml:"email" toml:"email"`
	DisplayName string `yaml:"display_name" toml:"display_name"`
	Role        string `yaml:"role" toml:"role"` // user or admin
}

// Default returns the configuration used when no file overrides a value.
func Default() *Config {
	cfg := &Config{
		Messages: MessagesConfig{
			MaxLength:          2000,
			MaxEdits:           5,
			MaxPins:            5,
			MaxAttachments:     5,
			MaxAttachmentBytes: 10 * 1024 * 1024,
			AllowedMimeTypes: []string{
				"image/jpeg", "image/png", "image/gif", "image/webp",
				"application/pdf", "text/plain",
			},
			EditWindowRaw: "15m",
		},
		RateLimit:  RateLimitConfig{Limit: 10, WindowRaw: "60s"},
		Retry:      RetryConfig{MaxRetries: 3, Jitter: 0.2, BaseDelayRaw: "1s", MaxDelayRaw: "30s"},
		Typing:     TypingConfig{TimeoutRaw: "3s", DebounceRaw: "1s"},
		Pagination: PaginationConfig{MessageInitial: 10, MessagePage: 10, ConversationPage: 20},
		Offline:    OfflineConfig{SettleDelayRaw: "500ms"},
		Drafts:     DraftsConfig{SaveDebounceRaw: "500ms"},
		Store:      StoreConfig{Backend: "memory"},
		Presence:   PresenceConfig{Backend: "store"},
		Endpoint:   EndpointConfig{BaseURL: "http://localhost:8080", Addr: "127.0.0.1:8080", TimeoutRaw: "10s"},
		Local:      LocalConfig{Path: defaultLocalPath()},
		Logging:    LoggingConfig{Level: "info", Format: "text"},
		Metrics:    MetricsConfig{Path: "/metrics"},
		Identity:   IdentityConfig{Role: "user"},
	}
	// Defaults are constant strings; they always parse.
	_ = parseDurations(cfg)
	return cfg
}

func defaultLocalPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "supportsync.db"
	}
	return filepath.Join(home, ".local", "share", "supportsync", "local.db")
}

// Load reads a configuration file and returns it layered over Default.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that every value is usable.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Messages.MaxLength <= 0 {
		return fmt.Errorf("messages.max_length must be positive")
	}
	if c.Messages.MaxEdits < 0 || c.Messages.MaxPins < 0 || c.Messages.MaxAttachments < 0 {
		return fmt.Errorf("messages limits must not be negative")
	}
	if c.Messages.EditWindow <= 0 {
		return fmt.Errorf("messages.edit_window must be positive")
	}
	if c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.limit and rate_limit.window must be positive")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return fmt.Errorf("retry.jitter must be in [0, 1)")
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.base_delay must be positive and not exceed retry.max_delay")
	}
	if c.Typing.Timeout <= 0 {
		return fmt.Errorf("typing.timeout must be positive")
	}
	if c.Pagination.MessageInitial <= 0 || c.Pagination.MessagePage <= 0 || c.Pagination.ConversationPage <= 0 {
		return fmt.Errorf("pagination sizes must be positive")
	}

	switch c.Store.Backend {
	case "memory":
	case "firestore":
		if c.Store.ProjectID == "" {
			return fmt.Errorf("store.project_id is required for the firestore backend")
		}
	default:
		return fmt.Errorf("store.backend %q must be memory or firestore", c.Store.Backend)
	}

	switch c.Presence.Backend {
	case "store":
	case "redis":
		if c.Presence.RedisAddr == "" {
			return fmt.Errorf("presence.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("presence.backend %q must be store or redis", c.Presence.Backend)
	}

	switch c.Identity.Role {
	case "user", "admin":
	default:
		return fmt.Errorf("identity.role %q must be user or admin", c.Identity.Role)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"messages.edit_window", cfg.Messages.EditWindowRaw, &cfg.Messages.EditWindow},
		{"rate_limit.window", cfg.RateLimit.WindowRaw, &cfg.RateLimit.Window},
		{"retry.base_delay", cfg.Retry.BaseDelayRaw, &cfg.Retry.BaseDelay},
		{"retry.max_delay", cfg.Retry.MaxDelayRaw, &cfg.Retry.MaxDelay},
		{"typing.timeout", cfg.Typing.TimeoutRaw, &cfg.Typing.Timeout},
		{"typing.debounce", cfg.Typing.DebounceRaw, &cfg.Typing.Debounce},
		{"offline.settle_delay", cfg.Offline.SettleDelayRaw, &cfg.Offline.SettleDelay},
		{"drafts.save_debounce", cfg.Drafts.SaveDebounceRaw, &cfg.Drafts.SaveDebounce},
		{"endpoint.timeout", cfg.Endpoint.TimeoutRaw, &cfg.Endpoint.Timeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
