package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/heliosforge/progcache/internal/domain"
	goredislib "github.com/redis/go-redis/v9"
)

const redisLockPrefix = "progcache:v1:lock:"

// RedisConfig tunes the cross-process mutex.
type RedisConfig struct {
	// Expiry is the mutex lease. It is extended while the section runs, so it
	// only bounds how long a crashed holder blocks other processes.
	Expiry     time.Duration
	Tries      int
	RetryDelay time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.Expiry <= 0 {
		c.Expiry = 2 * time.Minute
	}
	if c.Tries <= 0 {
		c.Tries = 64
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 250 * time.Millisecond
	}
	return c
}

// Redis extends Local with a redsync mutex so processes sharing a backing
// store do not compile the same key concurrently.
type Redis struct {
	local  *Local
	rs     *redsync.Redsync
	cfg    RedisConfig
	logger *slog.Logger
}

func NewRedis(client goredislib.UniversalClient, local *Local, cfg RedisConfig, logger *slog.Logger) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if local == nil {
		local = NewLocal(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		local:  local,
		rs:     redsync.New(goredis.NewPool(client)),
		cfg:    cfg.withDefaults(),
		logger: logger,
	}, nil
}

func (r *Redis) WithLock(ctx context.Context, key domain.CacheKey, section Section) (domain.CompiledArtifact, error) {
	if r == nil || r.rs == nil {
		return domain.CompiledArtifact{}, errors.New("redis lock coordinator not initialized")
	}
	if section == nil {
		return domain.CompiledArtifact{}, errors.New("section is required")
	}
	return r.local.WithLock(ctx, key, func(ctx context.Context) (domain.CompiledArtifact, error) {
		mutex := r.rs.NewMutex(
			MutexName(key),
			redsync.WithExpiry(r.cfg.Expiry),
			redsync.WithTries(r.cfg.Tries),
			redsync.WithRetryDelay(r.cfg.RetryDelay),
		)
		if err := mutex.LockContext(ctx); err != nil {
			if isLockContention(err) {
				return domain.CompiledArtifact{}, fmt.Errorf("%w: key %s: %w", domain.ErrLockTimeout, key, err)
			}
			return domain.CompiledArtifact{}, fmt.Errorf("%w: acquire lock %s: %w", domain.ErrStoreFailed, key, err)
		}
		defer func() {
			if ok, err := mutex.UnlockContext(context.WithoutCancel(ctx)); err != nil || !ok {
				r.logger.Warn("release redis lock", "key", key, "released", ok, "error", err)
			}
		}()
		stop := make(chan struct{})
		done := make(chan struct{})
		go r.keepAlive(ctx, mutex, key, stop, done)
		defer func() {
			close(stop)
			<-done
		}()
		return section(ctx)
	})
}

// keepAlive extends the lease every third of its expiry so a compilation
// slower than the lease keeps the key locked.
func (r *Redis) keepAlive(ctx context.Context, mutex *redsync.Mutex, key domain.CacheKey, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(max(r.cfg.Expiry/3, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if ok, err := mutex.ExtendContext(context.WithoutCancel(ctx)); err != nil || !ok {
				r.logger.Warn("extend redis lock", "key", key, "extended", ok, "error", err)
			}
		}
	}
}

// Held reports sections held by this process.
func (r *Redis) Held() []Handle {
	return r.local.Held()
}

func isLockContention(err error) bool {
	if errors.Is(err, redsync.ErrFailed) {
		return true
	}
	var taken *redsync.ErrTaken
	return errors.As(err, &taken)
}

func MutexName(key domain.CacheKey) string {
	return redisLockPrefix + string(key)
}
