// Package memory is a bounded in-process artifact backend.
package memory

import (
	"context"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/heliosforge/progcache/internal/domain"
)

const DefaultMaxEntries = 1024

// Backend keeps the most recently used artifacts. Payloads are copied on the
// way in and out so callers cannot mutate stored entries.
type Backend struct {
	entries *lru.Cache[domain.CacheKey, domain.CompiledArtifact]
}

func New(maxEntries int) (*Backend, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	entries, err := lru.New[domain.CacheKey, domain.CompiledArtifact](maxEntries)
	if err != nil {
		return nil, err
	}
	return &Backend{entries: entries}, nil
}

func (b *Backend) Get(ctx context.Context, key domain.CacheKey) (domain.CompiledArtifact, bool, error) {
	if b == nil || b.entries == nil {
		return domain.CompiledArtifact{}, false, errors.New("memory backend not initialized")
	}
	artifact, ok := b.entries.Get(key)
	if !ok {
		return domain.CompiledArtifact{}, false, nil
	}
	return artifact.Clone(), true, nil
}

func (b *Backend) Put(ctx context.Context, artifact domain.CompiledArtifact) error {
	if b == nil || b.entries == nil {
		return errors.New("memory backend not initialized")
	}
	b.entries.Add(artifact.Key, artifact.Clone())
	return nil
}

func (b *Backend) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	if b == nil || b.entries == nil {
		return 0, errors.New("memory backend not initialized")
	}
	var removed int64
	for _, key := range b.entries.Keys() {
		artifact, ok := b.entries.Peek(key)
		if !ok || !artifact.CreatedAt.Before(olderThan) {
			continue
		}
		if b.entries.Remove(key) {
			removed++
		}
	}
	return removed, nil
}

func (b *Backend) Len() int {
	return b.entries.Len()
}
