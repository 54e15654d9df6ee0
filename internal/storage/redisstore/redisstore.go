// Package redisstore keeps encoded artifacts in Redis.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/heliosforge/progcache/internal/artifactstore"
	"github.com/heliosforge/progcache/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	CacheVersion      = "v1"
	artifactKeyPrefix = "progcache:" + CacheVersion + ":artifact:"
)

type Backend struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// New returns a backend storing entries with the given TTL; zero keeps them forever.
func New(client redis.UniversalClient, ttl time.Duration) (*Backend, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be >= 0")
	}
	return &Backend{client: client, ttl: ttl}, nil
}

func (b *Backend) Get(ctx context.Context, key domain.CacheKey) (domain.CompiledArtifact, bool, error) {
	if b == nil || b.client == nil {
		return domain.CompiledArtifact{}, false, errors.New("redis backend not initialized")
	}
	blob, err := b.client.Get(ctx, ArtifactKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.CompiledArtifact{}, false, nil
		}
		return domain.CompiledArtifact{}, false, fmt.Errorf("get value: %w", err)
	}
	artifact, err := artifactstore.Decode(blob)
	if err != nil {
		return domain.CompiledArtifact{}, false, err
	}
	return artifact, true, nil
}

func (b *Backend) Put(ctx context.Context, artifact domain.CompiledArtifact) error {
	if b == nil || b.client == nil {
		return errors.New("redis backend not initialized")
	}
	blob, err := artifactstore.Encode(artifact)
	if err != nil {
		return err
	}
	if err := b.client.Set(ctx, ArtifactKey(artifact.Key), blob, b.ttl).Err(); err != nil {
		return fmt.Errorf("set value: %w", err)
	}
	return nil
}

func (b *Backend) HealthCheck(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func ArtifactKey(key domain.CacheKey) string {
	return artifactKeyPrefix + string(key)
}
