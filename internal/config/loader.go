package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Loader handles configuration loading with Viper.
type Loader struct {
	v          *viper.Viper
	configFile string
	envFiles   []string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v: viper.New(),
	}
}

// SetConfigFile sets an explicit config file path.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

// SetEnvFiles replaces the dotenv files read before the environment is consulted.
// The default is ".env" in the working directory.
func (l *Loader) SetEnvFiles(paths ...string) {
	l.envFiles = append(make([]string, 0, len(paths)), paths...)
}

// Load loads configuration with proper precedence:
// defaults < config file < .env < env vars < CLI flags
func (l *Loader) Load() (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	if err := l.loadEnvFiles(); err != nil {
		return nil, err
	}

	// Set up Viper
	l.setupViper(cfg)

	// Load config file
	if err := l.loadConfigFile(); err != nil {
		// Config file is optional, only error if explicitly specified
		if l.configFile != "" {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Unmarshal into config struct
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Apply env var overrides (Viper's Unmarshal doesn't properly merge env vars for nested structs)
	l.applyEnvOverrides(cfg)

	// Expand ~ in paths
	expandPaths(cfg)

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadEnvFiles exports dotenv entries that are not already set in the process.
func (l *Loader) loadEnvFiles() error {
	files := l.envFiles
	explicit := files != nil
	if !explicit {
		files = []string{".env"}
	}
	for _, path := range files {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) && !explicit {
				continue
			}
			return fmt.Errorf("failed to read env file %s: %w", path, err)
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", path, err)
		}
	}
	return nil
}

// expandTilde expands ~ to the user's home directory.
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// expandPaths expands ~ in all path-related config fields.
func expandPaths(cfg *Config) {
	cfg.Global.DataDir = expandTilde(cfg.Global.DataDir)
	cfg.Global.ConfigDir = expandTilde(cfg.Global.ConfigDir)
	cfg.Logging.File = expandTilde(cfg.Logging.File)
	cfg.Server.DatabasePath = expandTilde(cfg.Server.DatabasePath)
}

// setupViper configures Viper with defaults and environment bindings.
func (l *Loader) setupViper(cfg *Config) {
	v := l.v

	// Config file settings
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		v.AddConfigPath(filepath.Join(xdgConfig, "toolchat"))
	}

	homeDir, _ := os.UserHomeDir()
	if homeDir != "" {
		v.AddConfigPath(filepath.Join(homeDir, ".config", "toolchat"))
	}

	// Current directory
	v.AddConfigPath(".")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults from config struct
	l.setDefaults(cfg)

	// Explicitly bind environment variables (Viper's Unmarshal has issues without this)
	bindEnvVars(v)

	// AutomaticEnv for any keys not explicitly bound
	v.AutomaticEnv()
}

// setDefaults sets all default values in Viper.
func (l *Loader) setDefaults(cfg *Config) {
	v := l.v

	// Global
	v.SetDefault("global.data_dir", cfg.Global.DataDir)
	v.SetDefault("global.config_dir", cfg.Global.ConfigDir)

	// Logging
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.enable_caller", cfg.Logging.EnableCaller)

	// Service
	v.SetDefault("service.base_url", cfg.Service.BaseURL)
	v.SetDefault("service.token", cfg.Service.Token)
	v.SetDefault("service.timeout", cfg.Service.Timeout)

	// Sync
	v.SetDefault("sync.page_size", cfg.Sync.PageSize)
	v.SetDefault("sync.conversation_page_size", cfg.Sync.ConversationPageSize)
	v.SetDefault("sync.refresh_interval", cfg.Sync.RefreshInterval)
	v.SetDefault("sync.reconcile_grace", cfg.Sync.ReconcileGrace)
	v.SetDefault("sync.search_rps", cfg.Sync.SearchRPS)
	v.SetDefault("sync.search_burst", cfg.Sync.SearchBurst)

	// Server
	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.database_path", cfg.Server.DatabasePath)
	v.SetDefault("server.jwt_secret", cfg.Server.JWTSecret)
	v.SetDefault("server.rate_limit_rps", cfg.Server.RateLimitRPS)
	v.SetDefault("server.rate_limit_burst", cfg.Server.RateLimitBurst)
	v.SetDefault("server.busy_timeout_ms", cfg.Server.BusyTimeoutMs)
}

// loadConfigFile attempts to load the configuration file.
func (l *Loader) loadConfigFile() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found, use defaults
			return nil
		}
		return err
	}

	return nil
}

// ConfigFileUsed returns the config file that was loaded.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Viper returns the underlying Viper instance for advanced use.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	loader := NewLoader()
	loader.SetConfigFile(path)
	return loader.Load()
}

// LoadDefault loads configuration with default search paths.
func LoadDefault() (*Config, error) {
	loader := NewLoader()
	return loader.Load()
}

// envPrefix namespaces every environment override.
const envPrefix = "TOOLCHAT"

// bindEnvVars binds environment variables for config keys.
// Viper's Unmarshal has issues with env vars on nested structs unless explicitly bound.
func bindEnvVars(v *viper.Viper) {
	for _, key := range envBindings {
		// Convert key to env var format: service.base_url -> TOOLCHAT_SERVICE_BASE_URL
		envVar := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(key, envVar)
	}
}

// All configurable keys that support environment variable overrides.
var envBindings = []string{
	"global.data_dir",
	"global.config_dir",
	"logging.level",
	"logging.format",
	"logging.file",
	"logging.enable_caller",
	"service.base_url",
	"service.token",
	"service.timeout",
	"sync.page_size",
	"sync.conversation_page_size",
	"sync.refresh_interval",
	"sync.reconcile_grace",
	"sync.search_rps",
	"sync.search_burst",
	"server.addr",
	"server.database_path",
	"server.jwt_secret",
	"server.rate_limit_rps",
	"server.rate_limit_burst",
	"server.busy_timeout_ms",
}

// applyEnvOverrides manually applies env var overrides to the config struct.
// This is needed because Viper's Unmarshal doesn't properly merge env vars
// for nested struct fields when a config file is present.
func (l *Loader) applyEnvOverrides(cfg *Config) {
	v := l.v

	// Global
	if dataDir := v.GetString("global.data_dir"); dataDir != "" {
		cfg.Global.DataDir = dataDir
	}
	if configDir := v.GetString("global.config_dir"); configDir != "" {
		cfg.Global.ConfigDir = configDir
	}

	// Logging
	if level := v.GetString("logging.level"); level != "" && level != "info" { // "info" is default
		cfg.Logging.Level = level
	}
	if format := v.GetString("logging.format"); format != "" && format != "console" { // "console" is default
		cfg.Logging.Format = format
	}
	if file := v.GetString("logging.file"); file != "" {
		cfg.Logging.File = file
	}

	// Service
	if baseURL := v.GetString("service.base_url"); baseURL != "" {
		cfg.Service.BaseURL = baseURL
	}
	if token := v.GetString("service.token"); token != "" {
		cfg.Service.Token = token
	}

	// Server
	if secret := v.GetString("server.jwt_secret"); secret != "" {
		cfg.Server.JWTSecret = secret
	}
	if path := v.GetString("server.database_path"); path != "" {
		cfg.Server.DatabasePath = path
	}
}
