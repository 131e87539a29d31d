// File: internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Driver() DriverConfig

	// Driver Setters
	SetDriverAppHost(string)
	SetDriverSavePath(string)
	SetDriverDefaultMaxWaitTime(time.Duration)

	// Browser Setters
	SetBrowserHeadless(bool)
}

// Config holds the entire application configuration.
// Sections are exported for viper's mapstructure decoding; callers go through the getters.
type Config struct {
	LoggerCfg  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	BrowserCfg BrowserConfig `mapstructure:"browser" yaml:"browser"`
	DriverCfg  DriverConfig  `mapstructure:"driver" yaml:"driver"`
}

var _ Interface = (*Config)(nil)

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig   { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig { return c.BrowserCfg }
func (c *Config) Driver() DriverConfig   { return c.DriverCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetDriverAppHost(h string)  { c.DriverCfg.AppHost = h }
func (c *Config) SetDriverSavePath(p string) { c.DriverCfg.SavePath = p }
func (c *Config) SetDriverDefaultMaxWaitTime(d time.Duration) {
	c.DriverCfg.DefaultMaxWaitTime = d
}
func (c *Config) SetBrowserHeadless(b bool) { c.BrowserCfg.Headless = b }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug string `mapstructure:"debug" yaml:"debug"`
	Info  string `mapstructure:"info" yaml:"info"`
	Warn  string `mapstructure:"warn" yaml:"warn"`
	Error string `mapstructure:"error" yaml:"error"`
}

// BrowserConfig holds settings for the Chrome process the driver launches.
type BrowserConfig struct {
	Headless        bool          `mapstructure:"headless" yaml:"headless"`
	ExecPath        string        `mapstructure:"exec_path" yaml:"exec_path"`
	Args            []string      `mapstructure:"args" yaml:"args"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	WindowWidth     int           `mapstructure:"window_width" yaml:"window_width"`
	WindowHeight    int           `mapstructure:"window_height" yaml:"window_height"`
	LaunchTimeout   time.Duration `mapstructure:"launch_timeout" yaml:"launch_timeout"`
}

// DriverConfig carries the host-DSL settings the driver consumes: where relative
// visits resolve, where files are saved and how long to wait by default.
type DriverConfig struct {
	AppHost                string        `mapstructure:"app_host" yaml:"app_host"`
	DefaultHost            string        `mapstructure:"default_host" yaml:"default_host"`
	SavePath               string        `mapstructure:"save_path" yaml:"save_path"`
	DefaultMaxWaitTime     time.Duration `mapstructure:"default_max_wait_time" yaml:"default_max_wait_time"`
	DefaultTimeout         time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
	MaxConcurrentDownloads int           `mapstructure:"max_concurrent_downloads" yaml:"max_concurrent_downloads"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "cdpdriver")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.window_width", 1280)
	v.SetDefault("browser.window_height", 800)
	v.SetDefault("browser.launch_timeout", "60s")

	// -- Driver --
	v.SetDefault("driver.save_path", ".")
	v.SetDefault("driver.default_max_wait_time", "2s")
	v.SetDefault("driver.default_timeout", "30s")
	v.SetDefault("driver.max_concurrent_downloads", 4)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	savePath, err := homedir.Expand(cfg.DriverCfg.SavePath)
	if err != nil {
		return nil, fmt.Errorf("could not resolve save path '%s': %w", cfg.DriverCfg.SavePath, err)
	}
	cfg.DriverCfg.SavePath = savePath

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.DriverCfg.Validate(); err != nil {
		return fmt.Errorf("driver configuration invalid: %w", err)
	}
	if c.BrowserCfg.WindowWidth < 0 || c.BrowserCfg.WindowHeight < 0 {
		return fmt.Errorf("browser.window_width and browser.window_height must not be negative")
	}
	return nil
}

// Validate checks the driver section.
func (d *DriverConfig) Validate() error {
	for name, host := range map[string]string{"app_host": d.AppHost, "default_host": d.DefaultHost} {
		if host == "" {
			continue
		}
		u, err := url.Parse(host)
		if err != nil {
			return fmt.Errorf("%s is not a valid URL: %w", name, err)
		}
		if !u.IsAbs() {
			return fmt.Errorf("%s must be an absolute URL, got %q", name, host)
		}
	}
	if d.DefaultMaxWaitTime < 0 {
		return fmt.Errorf("default_max_wait_time must not be negative")
	}
	if d.DefaultTimeout < 0 {
		return fmt.Errorf("default_timeout must not be negative")
	}
	if d.MaxConcurrentDownloads <= 0 {
		return fmt.Errorf("max_concurrent_downloads must be a positive integer")
	}
	return nil
}
