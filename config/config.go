package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Logging LoggingConfig `mapstructure:"logging"`
	Export  ExportConfig  `mapstructure:"export"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// SandboxConfig holds sandbox configuration
type SandboxConfig struct {
	Backend          string `mapstructure:"backend"`
	Host             string `mapstructure:"host"`
	BuildDir         string `mapstructure:"build_dir"`
	ImageTag         string `mapstructure:"image_tag"`
	Workdir          string `mapstructure:"workdir"`
	TimeoutSec       int    `mapstructure:"timeout_sec"`
	RemoveTimeoutSec int    `mapstructure:"remove_timeout_sec"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// ExportConfig holds configuration for workflow exports
type ExportConfig struct {
	BaseDir string     `mapstructure:"base_dir"`
	SMTP    SMTPConfig `mapstructure:"smtp"`
}

// SMTPConfig holds the mail relay used by send_email exports
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// New loads and validates the application configuration from config.yaml in
// the working directory or ./config, falling back to defaults.
func New() (*Config, error) {
	return Load("")
}

// Load reads the configuration from path, or searches the default locations
// when path is empty. Environment variables prefixed with CODECHAIN_ override
// file values, e.g. CODECHAIN_SANDBOX_IMAGE_TAG.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("CODECHAIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)

	v.SetDefault("sandbox.backend", "docker")
	v.SetDefault("sandbox.host", "")
	v.SetDefault("sandbox.build_dir", "./docker")
	v.SetDefault("sandbox.image_tag", "codechain-sandbox")
	v.SetDefault("sandbox.workdir", "/home/sandbox")
	v.SetDefault("sandbox.timeout_sec", 10)
	v.SetDefault("sandbox.remove_timeout_sec", 10)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("export.base_dir", ".")
	v.SetDefault("export.smtp.host", "")
	v.SetDefault("export.smtp.port", 25)
	v.SetDefault("export.smtp.username", "")
	v.SetDefault("export.smtp.password", "")
	v.SetDefault("export.smtp.from", "")
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.Transport == "http" && (c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535) {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}

	supportedBackends := map[string]bool{
		"docker": true,
		"podman": true,
	}
	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if c.Sandbox.BuildDir == "" {
		return errors.New("sandbox.build_dir must be set")
	}

	if c.Sandbox.ImageTag == "" {
		return errors.New("sandbox.image_tag must be set")
	}

	if !strings.HasPrefix(c.Sandbox.Workdir, "/") {
		return fmt.Errorf("sandbox.workdir must be an absolute path, got: %q", c.Sandbox.Workdir)
	}

	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %d", c.Sandbox.TimeoutSec)
	}

	if c.Sandbox.RemoveTimeoutSec <= 0 {
		return fmt.Errorf("sandbox.remove_timeout_sec must be positive, got: %d", c.Sandbox.RemoveTimeoutSec)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
		"dpanic": true, "panic": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	if c.Export.SMTP.Host != "" {
		if c.Export.SMTP.Port <= 0 || c.Export.SMTP.Port > 65535 {
			return fmt.Errorf("invalid export.smtp.port: %d", c.Export.SMTP.Port)
		}
		if c.Export.SMTP.From == "" {
			return errors.New("export.smtp.from must be set when export.smtp.host is set")
		}
	}

	return nil
}

// GetTimeout returns the default execution timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSec) * time.Second
}

// GetRemoveTimeout returns the container removal timeout as a duration
func (c *Config) GetRemoveTimeout() time.Duration {
	return time.Duration(c.Sandbox.RemoveTimeoutSec) * time.Second
}
