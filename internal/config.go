package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App      ApplicationConfig `yaml:"app"`
	Steam    SteamConfig       `yaml:"steam"`
	Library  LibraryConfig     `yaml:"library"`
	Inbox    InboxConfig       `yaml:"inbox"`
	Archive  ArchiveConfig     `yaml:"archive"`
	SQLite   SQLiteConfig      `yaml:"sqlite"`
	Resolver ResolverConfig    `yaml:"resolver"`
	Auth     AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Inbox.Validate(); err != nil {
		return err
	}
	if err := c.Archive.Validate(); err != nil {
		return err
	}
	if err := c.SQLite.Validate(); err != nil {
		return err
	}
	if err := c.Resolver.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// SteamConfig holds the Steam installation root. An empty Root enables
// auto-detection.
type SteamConfig struct {
	Root string `yaml:"root"`
}

// LibraryConfig holds the destination directory scripts are installed
// into. An empty Path means the Steam plugin directory is used.
type LibraryConfig struct {
	Path string `yaml:"path"`
}

// InboxConfig holds the watched drop directory.
type InboxConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the inbox configuration.
func (c *InboxConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// ArchiveConfig holds the directory for timestamped copies of every
// injected script.
type ArchiveConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the archive configuration.
func (c *ArchiveConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// SQLiteConfig holds SQLite database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// ResolverConfig holds upstream resolution settings.
type ResolverConfig struct {
	BaseURL        string `yaml:"base_url"`
	UserAgent      string `yaml:"user_agent"`
	Cookies        string `yaml:"cookies"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxAttempts    int    `yaml:"max_attempts"`
	Workers        int    `yaml:"workers"`
	// CheckInterval enables a periodic report-only check when positive
	// (e.g. "30m"). Empty disables it.
	CheckInterval string `yaml:"check_interval"`
}

// Validate validates the resolver configuration.
func (c *ResolverConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.BaseURL, validation.Required),
		validation.Field(&c.TimeoutSeconds, validation.Min(1)),
		validation.Field(&c.MaxAttempts, validation.Min(1)),
		validation.Field(&c.Workers, validation.Min(1)),
	); err != nil {
		return err
	}
	if c.CheckInterval != "" {
		if _, err := time.ParseDuration(c.CheckInterval); err != nil {
			return fmt.Errorf("resolver: bad check_interval %q: %w", c.CheckInterval, err)
		}
	}
	return nil
}

// Timeout returns the per-request timeout.
func (c *ResolverConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CheckEvery returns the periodic check interval, zero when disabled.
func (c *ResolverConfig) CheckEvery() time.Duration {
	if c.CheckInterval == "" {
		return 0
	}
	d, err := time.ParseDuration(c.CheckInterval)
	if err != nil {
		return 0
	}
	return d
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local use.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled" for backward compatibility.
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Inbox: InboxConfig{
			Path: "./inbox",
		},
		Archive: ArchiveConfig{
			Path: "./archive",
		},
		SQLite: SQLiteConfig{
			Path: "./manifold.db",
		},
		Resolver: ResolverConfig{
			BaseURL:        "https://steamdb.info",
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
			TimeoutSeconds: 15,
			MaxAttempts:    4,
			Workers:        4,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
