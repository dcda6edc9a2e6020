package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	corebuild "github.com/artpar/deployagent/internal/core/build"
	"github.com/artpar/deployagent/internal/shell/builder"
	"github.com/artpar/deployagent/internal/shell/discovery"
	"github.com/artpar/deployagent/internal/shell/gitsync"
	"github.com/artpar/deployagent/internal/shell/updater"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig       `mapstructure:"server" yaml:"server"`
	Log          LogConfig          `mapstructure:"log" yaml:"log"`
	Database     DatabaseConfig     `mapstructure:"database" yaml:"database"`
	Repositories RepositoriesConfig `mapstructure:"repositories" yaml:"repositories"`
	Git          GitConfig          `mapstructure:"git" yaml:"git"`
	Discovery    discovery.Config   `mapstructure:"discovery" yaml:"discovery"`
	Build        BuildConfig        `mapstructure:"build" yaml:"build"`
	Updater      UpdaterConfig      `mapstructure:"updater" yaml:"updater"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

// RepositoriesConfig says where working copies live and what they track.
type RepositoriesConfig struct {
	Root   string `mapstructure:"root" yaml:"root"`
	Remote string `mapstructure:"remote" yaml:"remote"`
	Branch string `mapstructure:"branch" yaml:"branch"`
}

// GitConfig holds git invocation settings.
type GitConfig struct {
	Executable string        `mapstructure:"executable" yaml:"executable"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// BuildConfig holds publish settings.
type BuildConfig struct {
	Executable         string        `mapstructure:"executable" yaml:"executable"`
	Args               []string      `mapstructure:"args" yaml:"args"`
	MaxConcurrent      int           `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	Timeout            time.Duration `mapstructure:"timeout" yaml:"timeout"`
	PlaceholderName    string        `mapstructure:"placeholder_name" yaml:"placeholder_name"`
	PlaceholderContent string        `mapstructure:"placeholder_content" yaml:"placeholder_content"`
	// GracePeriod is how long a cancelled child gets between SIGTERM and kill.
	GracePeriod time.Duration `mapstructure:"grace_period" yaml:"grace_period"`
}

// UpdaterConfig holds self-update settings.
type UpdaterConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	ReleasesURL string        `mapstructure:"releases_url" yaml:"releases_url"`
	AssetName   string        `mapstructure:"asset_name" yaml:"asset_name"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries" yaml:"max_retries"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	defaultCommand := corebuild.DefaultCommand()

	// Set defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("database.dsn", "./data/deployagent.db")
	v.SetDefault("repositories.root", "~/source/repos")
	v.SetDefault("repositories.remote", "origin")
	v.SetDefault("repositories.branch", "master")
	v.SetDefault("git.executable", "git")
	v.SetDefault("git.timeout", "10m")
	v.SetDefault("discovery.project_pattern", discovery.DefaultConfig().ProjectPattern)
	v.SetDefault("discovery.profile_extension", discovery.DefaultConfig().ProfileExtension)
	v.SetDefault("build.executable", defaultCommand.Executable)
	v.SetDefault("build.args", defaultCommand.Args)
	v.SetDefault("build.max_concurrent", 4)
	v.SetDefault("build.timeout", "30m")
	v.SetDefault("build.placeholder_name", corebuild.DefaultPlaceholderName)
	v.SetDefault("build.placeholder_content", corebuild.DefaultPlaceholderContent)
	v.SetDefault("build.grace_period", "10s")
	v.SetDefault("updater.enabled", false)
	v.SetDefault("updater.releases_url", "")
	v.SetDefault("updater.asset_name", updater.DefaultAssetName())
	v.SetDefault("updater.timeout", "5m")
	v.SetDefault("updater.max_retries", 3)

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			// A missing file falls back to defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("DEPLOYAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	root, err := expandHome(cfg.Repositories.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repositories.root: %w", err)
	}
	cfg.Repositories.Root = root

	return &cfg, nil
}

// Validate rejects configurations the agent cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", c.Server.Port))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Repositories.Root == "" {
		errs = append(errs, errors.New("repositories.root is required"))
	}
	if c.Repositories.Remote == "" || c.Repositories.Branch == "" {
		errs = append(errs, errors.New("repositories.remote and repositories.branch are required"))
	}
	if c.Git.Executable == "" {
		errs = append(errs, errors.New("git.executable is required"))
	}
	if err := c.BuildCommand().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("build: %w", err))
	}
	if c.Build.MaxConcurrent < 0 {
		errs = append(errs, errors.New("build.max_concurrent must not be negative"))
	}
	if c.Updater.Enabled && c.Updater.ReleasesURL == "" {
		errs = append(errs, errors.New("updater.releases_url is required when the updater is enabled"))
	}
	return errors.Join(errs...)
}

// BuildCommand returns the publish command template.
func (c *Config) BuildCommand() corebuild.CommandSpec {
	return corebuild.CommandSpec{Executable: c.Build.Executable, Args: c.Build.Args}
}

// GitsyncConfig maps the repositories and git sections onto the synchronizer.
func (c *Config) GitsyncConfig() gitsync.Config {
	return gitsync.Config{
		Executable: c.Git.Executable,
		Remote:     c.Repositories.Remote,
		Branch:     c.Repositories.Branch,
		Timeout:    c.Git.Timeout,
	}
}

// BuilderConfig maps the build section onto the orchestrator.
func (c *Config) BuilderConfig() builder.Config {
	return builder.Config{
		Command:            c.BuildCommand(),
		MaxConcurrent:      c.Build.MaxConcurrent,
		Timeout:            c.Build.Timeout,
		PlaceholderName:    c.Build.PlaceholderName,
		PlaceholderContent: c.Build.PlaceholderContent,
	}
}

// UpdaterConfig maps the updater section onto the release updater.
func (c *Config) UpdaterConfig(version, executable string) updater.Config {
	return updater.Config{
		Enabled:        c.Updater.Enabled,
		ReleasesURL:    c.Updater.ReleasesURL,
		AssetName:      c.Updater.AssetName,
		CurrentVersion: version,
		ExecutablePath: executable,
		Timeout:        c.Updater.Timeout,
		MaxRetries:     c.Updater.MaxRetries,
	}
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
