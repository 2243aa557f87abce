// Package config handles toolchat configuration loading and validation.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the root configuration structure for toolchat.
type Config struct {
	// Global settings
	Global GlobalConfig `yaml:"global" mapstructure:"global"`

	// Logging settings
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	// Service is how the client reaches the message service.
	Service ServiceConfig `yaml:"service" mapstructure:"service"`

	// Sync tunes pagination and polling.
	Sync SyncConfig `yaml:"sync" mapstructure:"sync"`

	// Server configures the tchatd development service.
	Server ServerConfig `yaml:"server" mapstructure:"server"`
}

// GlobalConfig contains global toolchat settings.
type GlobalConfig struct {
	// DataDir is where toolchat stores its data (default: ~/.local/share/toolchat).
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`

	// ConfigDir is where config files are stored (default: ~/.config/toolchat).
	ConfigDir string `yaml:"config_dir" mapstructure:"config_dir"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level" mapstructure:"level"`

	// Format is the output format (json, console).
	Format string `yaml:"format" mapstructure:"format"`

	// File is an optional log file path.
	File string `yaml:"file" mapstructure:"file"`

	// EnableCaller adds caller information to logs.
	EnableCaller bool `yaml:"enable_caller" mapstructure:"enable_caller"`
}

// ServiceConfig points the client at a message service.
type ServiceConfig struct {
	// BaseURL is the REST root, e.g. http://localhost:8787/api.
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`

	// Token is the bearer token. Usually supplied through TOOLCHAT_SERVICE_TOKEN.
	Token string `yaml:"token" mapstructure:"token"`

	// Timeout bounds each HTTP request.
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// SyncConfig tunes the synchronization engine.
type SyncConfig struct {
	// PageSize is the history page size requested from the service.
	PageSize int `yaml:"page_size" mapstructure:"page_size"`

	// ConversationPageSize is the conversation list page size.
	ConversationPageSize int `yaml:"conversation_page_size" mapstructure:"conversation_page_size"`

	// RefreshInterval is how often conversations and unread counts are polled.
	RefreshInterval time.Duration `yaml:"refresh_interval" mapstructure:"refresh_interval"`

	// ReconcileGrace is how long an optimistic unread decrement beats a higher server value.
	ReconcileGrace time.Duration `yaml:"reconcile_grace" mapstructure:"reconcile_grace"`

	// SearchRPS and SearchBurst throttle search requests.
	SearchRPS   float64 `yaml:"search_rps" mapstructure:"search_rps"`
	SearchBurst int     `yaml:"search_burst" mapstructure:"search_burst"`
}

// ServerConfig configures tchatd.
type ServerConfig struct {
	// Addr is the listen address.
	Addr string `yaml:"addr" mapstructure:"addr"`

	// DatabasePath is the SQLite file (default: DataDir/tchatd.db).
	DatabasePath string `yaml:"database_path" mapstructure:"database_path"`

	// JWTSecret signs and verifies bearer tokens.
	JWTSecret string `yaml:"jwt_secret" mapstructure:"jwt_secret"`

	// RateLimitRPS and RateLimitBurst bound requests per user.
	RateLimitRPS   float64 `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst" mapstructure:"rate_limit_burst"`

	// BusyTimeoutMs is how long to wait for a locked database (milliseconds).
	BusyTimeoutMs int `yaml:"busy_timeout_ms" mapstructure:"busy_timeout_ms"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Global: GlobalConfig{
			DataDir:   filepath.Join(homeDir, ".local", "share", "toolchat"),
			ConfigDir: filepath.Join(homeDir, ".config", "toolchat"),
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "console",
			EnableCaller: false,
		},
		Service: ServiceConfig{
			BaseURL: "http://127.0.0.1:8787/api",
			Timeout: 10 * time.Second,
		},
		Sync: SyncConfig{
			PageSize:             20,
			ConversationPageSize: 20,
			RefreshInterval:      30 * time.Second,
			ReconcileGrace:       10 * time.Second,
			SearchRPS:            2,
			SearchBurst:          4,
		},
		Server: ServerConfig{
			Addr:           "127.0.0.1:8787",
			DatabasePath:   "", // Will be set to DataDir/tchatd.db
			RateLimitRPS:   20,
			RateLimitBurst: 40,
			BusyTimeoutMs:  5000,
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Logging.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json")
	}

	if c.Service.BaseURL != "" {
		parsed, err := url.Parse(c.Service.BaseURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("service.base_url must be an absolute URL")
		}
	}
	if c.Service.Timeout < 0 {
		return fmt.Errorf("service.timeout must not be negative")
	}

	if c.Sync.PageSize < 1 || c.Sync.PageSize > 200 {
		return fmt.Errorf("sync.page_size must be between 1 and 200")
	}
	if c.Sync.ConversationPageSize < 1 || c.Sync.ConversationPageSize > 200 {
		return fmt.Errorf("sync.conversation_page_size must be between 1 and 200")
	}
	if c.Sync.RefreshInterval < time.Second {
		return fmt.Errorf("sync.refresh_interval must be at least 1s")
	}
	if c.Sync.ReconcileGrace < 0 {
		return fmt.Errorf("sync.reconcile_grace must not be negative")
	}
	if c.Sync.SearchRPS <= 0 || c.Sync.SearchBurst < 1 {
		return fmt.Errorf("sync.search_rps must be positive and sync.search_burst at least 1")
	}

	if c.Server.RateLimitRPS <= 0 || c.Server.RateLimitBurst < 1 {
		return fmt.Errorf("server.rate_limit_rps must be positive and server.rate_limit_burst at least 1")
	}
	if c.Server.BusyTimeoutMs < 0 {
		return fmt.Errorf("server.busy_timeout_ms must not be negative")
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Global.DataDir,
		c.Global.ConfigDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// DatabasePath returns the full tchatd database path.
func (c *Config) DatabasePath() string {
	if c.Server.DatabasePath != "" {
		return c.Server.DatabasePath
	}
	return filepath.Join(c.Global.DataDir, "tchatd.db")
}

// ContextPath returns where the CLI keeps the signed-in identity.
func (c *Config) ContextPath() string {
	return filepath.Join(c.Global.ConfigDir, "context.yaml")
}
