// Package config loads stresslab settings from flags, a YAML file and
// STRESSLAB_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Listen     string   `mapstructure:"listen"`
	APIKey     string   `mapstructure:"api_key"`
	AllowedIPs []string `mapstructure:"allowed_ips"`

	Store     StoreConfig     `mapstructure:"store"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	Request   RequestConfig   `mapstructure:"request"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Retention RetentionConfig `mapstructure:"retention"`
	Log       LogConfig       `mapstructure:"log"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

type LimitsConfig struct {
	MaxConcurrency int `mapstructure:"max_concurrency"`
	MinDuration    int `mapstructure:"min_duration"`
	MaxDuration    int `mapstructure:"max_duration"`
}

type RequestConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
}

type ProxyConfig struct {
	// Rotation is round_robin or random.
	Rotation string `mapstructure:"rotation"`
}

type AuthConfig struct {
	RateWindow time.Duration `mapstructure:"rate_window"`
	RateLimit  int           `mapstructure:"rate_limit"`
}

type RetentionConfig struct {
	FinishedTTL time.Duration `mapstructure:"finished_ttl"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8000")
	v.SetDefault("api_key", "")
	v.SetDefault("allowed_ips", []string{})
	v.SetDefault("store.driver", "bolt")
	v.SetDefault("store.path", "")
	v.SetDefault("limits.max_concurrency", 1000)
	v.SetDefault("limits.min_duration", 5)
	v.SetDefault("limits.max_duration", 3600)
	v.SetDefault("request.connect_timeout", 5*time.Second)
	v.SetDefault("request.read_timeout", 5*time.Second)
	v.SetDefault("proxy.rotation", "round_robin")
	v.SetDefault("auth.rate_window", 60*time.Second)
	v.SetDefault("auth.rate_limit", 5)
	v.SetDefault("retention.finished_ttl", time.Hour)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
}

// New returns a viper instance with defaults and environment binding. When
// file is empty, $HOME/.stresslab.yaml is used if present.
func New(file string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home)
		v.SetConfigType("yaml")
		v.SetConfigName(".stresslab")
	}

	v.SetEnvPrefix("stresslab")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file, if any, and decodes v.
func Load(v *viper.Viper) (Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Store.Driver {
	case "bolt", "sqlite", "none":
	default:
		return fmt.Errorf("store.driver must be bolt, sqlite or none, got %q", c.Store.Driver)
	}
	if c.Proxy.Rotation != "round_robin" && c.Proxy.Rotation != "random" {
		return fmt.Errorf("proxy.rotation must be round_robin or random, got %q", c.Proxy.Rotation)
	}
	if c.Limits.MaxConcurrency < 1 {
		return fmt.Errorf("limits.max_concurrency must be positive")
	}
	if c.Limits.MinDuration < 1 || c.Limits.MaxDuration < c.Limits.MinDuration {
		return fmt.Errorf("limits.min_duration and limits.max_duration must satisfy 1 <= min <= max")
	}
	if c.Auth.RateLimit < 1 || c.Auth.RateWindow <= 0 {
		return fmt.Errorf("auth.rate_limit and auth.rate_window must be positive")
	}
	return nil
}
