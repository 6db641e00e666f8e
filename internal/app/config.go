package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/charlesng35/threadsync/internal/collab"
	"github.com/charlesng35/threadsync/pkg/validator"
)

// Config represents the runtime configuration for the threadsync authority and its clients.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	Client   ClientConfig   `mapstructure:"client"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int    `mapstructure:"port" validate:"min=1,max=65535"`
	LogLevel    string `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
	Development bool   `mapstructure:"development"`
	// RateLimit caps websocket upgrades per client IP per minute. Zero disables it.
	RateLimit int `mapstructure:"rate_limit" validate:"min=0"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver" validate:"oneof=sqlite postgres mysql"`
	Path     string `mapstructure:"path"`
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port" validate:"min=0,max=65535"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

// CacheConfig describes cache backends.
type CacheConfig struct {
	Redis RedisCacheConfig `mapstructure:"redis"`
}

// RedisCacheConfig holds Redis connection options. When enabled, Redis holds the edit
// locks and carries broadcasts between authority nodes.
type RedisCacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Address  string        `mapstructure:"address" validate:"required_if=Enabled true"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db" validate:"min=0"`
	TLS      bool          `mapstructure:"tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// AuthConfig captures authentication settings.
type AuthConfig struct {
	JWT JWTSettings `mapstructure:"jwt"`
}

// JWTSettings configures JWT access tokens.
type JWTSettings struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"access_token_ttl"`
}

// RealtimeConfig tunes the authority hub.
type RealtimeConfig struct {
	LockTTL        time.Duration `mapstructure:"lock_ttl"`
	SweepSchedule  string        `mapstructure:"sweep_schedule"`
	SendBuffer     int           `mapstructure:"send_buffer" validate:"min=0"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	OpTimeout      time.Duration `mapstructure:"op_timeout"`
}

// ClientConfig configures the client sync core used by threadctl.
type ClientConfig struct {
	URL                  string        `mapstructure:"url"`
	Token                string        `mapstructure:"token"`
	ReconnectionAttempts int           `mapstructure:"reconnection_attempts"`
	ReconnectionDelay    time.Duration `mapstructure:"reconnection_delay"`
	ReconnectionDelayMax time.Duration `mapstructure:"reconnection_delay_max"`
	RandomizationFactor  float64       `mapstructure:"randomization_factor" validate:"min=0,max=1"`
	Timeout              time.Duration `mapstructure:"timeout"`
	TypingIdle           time.Duration `mapstructure:"typing_idle"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("THREADSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks field constraints that defaults cannot repair.
func (c *Config) Validate() error {
	if err := validator.ValidateStruct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.development", false)
	v.SetDefault("server.rate_limit", 60)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/threadsync.sqlite")

	v.SetDefault("cache.redis.enabled", false)
	v.SetDefault("cache.redis.address", "127.0.0.1:6379")
	v.SetDefault("cache.redis.username", "")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.tls", false)
	v.SetDefault("cache.redis.timeout", "5s")

	v.SetDefault("auth.jwt.issuer", "threadsync")
	v.SetDefault("auth.jwt.access_token_ttl", "12h")

	v.SetDefault("realtime.lock_ttl", "2m")
	v.SetDefault("realtime.sweep_schedule", "@every 30s")
	v.SetDefault("realtime.send_buffer", 64)
	v.SetDefault("realtime.allowed_origins", []string{})
	v.SetDefault("realtime.op_timeout", "5s")

	v.SetDefault("client.url", "ws://127.0.0.1:8000/ws")
	v.SetDefault("client.reconnection_attempts", 5)
	v.SetDefault("client.reconnection_delay", "1s")
	v.SetDefault("client.reconnection_delay_max", "5s")
	v.SetDefault("client.randomization_factor", 0.5)
	v.SetDefault("client.timeout", "20s")
	v.SetDefault("client.typing_idle", collab.DefaultTypingIdle)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
