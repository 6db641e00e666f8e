package app

import (
	"strings"

	"github.com/charlesng35/threadsync/internal/cache"
	"github.com/charlesng35/threadsync/internal/channel"
	"github.com/charlesng35/threadsync/internal/database"
	"github.com/charlesng35/threadsync/internal/realtime"
)

// DatabaseConfig converts the database section into database.Config.
func (c DatabaseConfig) DatabaseConfig() database.Config {
	return database.Config{
		Driver:   strings.TrimSpace(c.Driver),
		Path:     strings.TrimSpace(c.Path),
		DSN:      strings.TrimSpace(c.DSN),
		Host:     strings.TrimSpace(c.Host),
		Port:     c.Port,
		Name:     strings.TrimSpace(c.Name),
		User:     strings.TrimSpace(c.User),
		Password: c.Password,
	}
}

// RedisClientConfig converts the redis section used for edit locks and
// cross-node fan-out into cache.RedisConfig.
func (c CacheConfig) RedisClientConfig() cache.RedisConfig {
	r := c.Redis
	return cache.RedisConfig{
		Address:  strings.TrimSpace(r.Address),
		Username: strings.TrimSpace(r.Username),
		Password: r.Password,
		DB:       r.DB,
		TLS:      r.TLS,
		Timeout:  r.Timeout,
	}
}

// HubConfig converts the realtime section into realtime.Config. Zero values fall back
// to the hub defaults.
func (c RealtimeConfig) HubConfig() realtime.Config {
	origins := make([]string, 0, len(c.AllowedOrigins))
	for _, origin := range c.AllowedOrigins {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}

	return realtime.Config{
		LockTTL:        c.LockTTL,
		SendBuffer:     c.SendBuffer,
		AllowedOrigins: origins,
		OpTimeout:      c.OpTimeout,
	}
}

// ClientOptions converts the client section into channel.Options. An explicit token
// overrides the configured one.
func (c ClientConfig) ClientOptions(token string) channel.Options {
	if strings.TrimSpace(token) == "" {
		token = c.Token
	}

	return channel.Options{
		URL:                  strings.TrimSpace(c.URL),
		Token:                strings.TrimSpace(token),
		ReconnectionAttempts: c.ReconnectionAttempts,
		ReconnectionDelay:    c.ReconnectionDelay,
		ReconnectionDelayMax: c.ReconnectionDelayMax,
		RandomizationFactor:  c.RandomizationFactor,
		Timeout:              c.Timeout,
	}
}
