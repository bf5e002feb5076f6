package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "MDBOARD"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "markdown-board.db"
	defaultLogLevel          = "info"
	defaultDebounceInterval  = 2 * time.Second
	defaultMaxWait           = 20 * time.Second
	defaultLoadTimeout       = 5 * time.Second
	defaultRetentionWindow   = 30 * 24 * time.Hour
	defaultRetentionInterval = time.Hour
)

// AppConfig captures runtime configuration for the sync server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	DebounceInterval  time.Duration
	MaxWait           time.Duration
	LoadTimeout       time.Duration
	RetentionWindow   time.Duration
	RetentionInterval time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("title.debounce_interval", defaultDebounceInterval)
	configViper.SetDefault("title.max_wait", defaultMaxWait)
	configViper.SetDefault("sync.load_timeout", defaultLoadTimeout)
	configViper.SetDefault("retention.window", defaultRetentionWindow)
	configViper.SetDefault("retention.interval", defaultRetentionInterval)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		DebounceInterval:  configViper.GetDuration("title.debounce_interval"),
		MaxWait:           configViper.GetDuration("title.max_wait"),
		LoadTimeout:       configViper.GetDuration("sync.load_timeout"),
		RetentionWindow:   configViper.GetDuration("retention.window"),
		RetentionInterval: configViper.GetDuration("retention.interval"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.DebounceInterval <= 0 {
		return fmt.Errorf("title.debounce_interval must be positive")
	}
	if c.MaxWait < c.DebounceInterval {
		return fmt.Errorf("title.max_wait must be at least title.debounce_interval")
	}
	if c.LoadTimeout <= 0 {
		return fmt.Errorf("sync.load_timeout must be positive")
	}
	if c.RetentionWindow <= 0 {
		return fmt.Errorf("retention.window must be positive")
	}
	if c.RetentionInterval <= 0 {
		return fmt.Errorf("retention.interval must be positive")
	}
	return nil
}
