package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/heliosforge/progcache/internal/platform/env"
	goredis "github.com/redis/go-redis/v9"
)

type Config struct {
	URL         string
	Password    string
	DB          int
	PingTimeout time.Duration
}

func ConfigFromEnv() (Config, error) {
	db, err := env.Int("PROGCACHE_REDIS_DB", -1)
	if err != nil {
		return Config{}, err
	}
	pingTimeout, err := env.Duration("PROGCACHE_REDIS_PING_TIMEOUT", 2*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		URL:         env.String("PROGCACHE_REDIS_URL", "redis://localhost:6379/0"),
		Password:    env.String("PROGCACHE_REDIS_PASSWORD", ""),
		DB:          db,
		PingTimeout: pingTimeout,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("PROGCACHE_REDIS_URL is required")
	}
	if _, err := goredis.ParseURL(c.URL); err != nil {
		return fmt.Errorf("PROGCACHE_REDIS_URL: %w", err)
	}
	if c.PingTimeout <= 0 {
		return errors.New("PROGCACHE_REDIS_PING_TIMEOUT must be positive")
	}
	return nil
}

// Options resolves the client options. Password and DB override the URL when set.
func (c Config) Options() (*goredis.Options, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	opts, err := goredis.ParseURL(c.URL)
	if err != nil {
		return nil, err
	}
	if c.Password != "" {
		opts.Password = c.Password
	}
	if c.DB >= 0 {
		opts.DB = c.DB
	}
	return opts, nil
}

// Open connects and pings the server.
func Open(ctx context.Context, cfg Config) (*goredis.Client, error) {
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	client := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return client, nil
}
