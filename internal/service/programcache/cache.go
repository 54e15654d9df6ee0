package programcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/heliosforge/progcache/internal/cachekey"
	"github.com/heliosforge/progcache/internal/compiler"
	"github.com/heliosforge/progcache/internal/domain"
	"github.com/heliosforge/progcache/internal/lock"
	"github.com/heliosforge/progcache/internal/platform/auditlog"
)

// ArtifactStore is satisfied by *artifactstore.Store.
type ArtifactStore interface {
	Get(ctx context.Context, key domain.CacheKey) (domain.CompiledArtifact, bool, error)
	Put(ctx context.Context, artifact domain.CompiledArtifact) error
}

// Stats counts calls. Every GetOrCompile call is either a hit or a miss;
// LateHits counts the misses that found the artifact once they held the key
// lock, stored meanwhile by another caller or process.
type Stats struct {
	Hits               int64 `json:"hits"`
	Misses             int64 `json:"misses"`
	LateHits           int64 `json:"late_hits"`
	Compiles           int64 `json:"compiles"`
	CompileFailures    int64 `json:"compile_failures"`
	StoreReadFailures  int64 `json:"store_read_failures"`
	StoreWriteFailures int64 `json:"store_write_failures"`
}

type counters struct {
	hits               atomic.Int64
	misses             atomic.Int64
	lateHits           atomic.Int64
	compiles           atomic.Int64
	compileFailures    atomic.Int64
	storeReadFailures  atomic.Int64
	storeWriteFailures atomic.Int64
}

type Cache struct {
	store  ArtifactStore
	locks  lock.Coordinator
	logger *slog.Logger
	now    func() time.Time
	stats  counters
	audit  auditlog.Recorder
}

func New(store ArtifactStore, locks lock.Coordinator, logger *slog.Logger) (*Cache, error) {
	if store == nil {
		return nil, errors.New("artifact store is required")
	}
	if locks == nil {
		return nil, errors.New("lock coordinator is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:  store,
		locks:  locks,
		logger: logger,
		now:    time.Now,
	}, nil
}

// SetAuditRecorder journals every compilation through rec. Call it before
// serving requests.
func (c *Cache) SetAuditRecorder(rec auditlog.Recorder) {
	c.audit = rec
}

// GetOrCompile returns the artifact for source compiled with params, invoking
// compile only when no stored artifact exists.
func (c *Cache) GetOrCompile(ctx context.Context, source domain.Source, params domain.CompileParams, compile compiler.Compiler) (domain.CompiledArtifact, error) {
	if c == nil || c.store == nil || c.locks == nil {
		return domain.CompiledArtifact{}, errors.New("program cache not initialized")
	}
	if compile == nil {
		return domain.CompiledArtifact{}, errors.New("compiler is required")
	}
	key, err := cachekey.Derive(source, params)
	if err != nil {
		return domain.CompiledArtifact{}, err
	}

	if artifact, ok := c.lookup(ctx, key); ok {
		c.stats.hits.Add(1)
		return artifact, nil
	}
	c.stats.misses.Add(1)

	artifact, err := c.locks.WithLock(ctx, key, func(sectionCtx context.Context) (domain.CompiledArtifact, error) {
		if artifact, ok := c.lookup(sectionCtx, key); ok {
			c.stats.lateHits.Add(1)
			return artifact, nil
		}
		return c.compileAndStore(sectionCtx, key, source, params, compile)
	})
	if err != nil {
		return domain.CompiledArtifact{}, err
	}
	// Waiters share one result; hand each caller its own payload.
	return artifact.Clone(), nil
}

// Lookup returns the stored artifact for key without compiling.
func (c *Cache) Lookup(ctx context.Context, key domain.CacheKey) (domain.CompiledArtifact, error) {
	if c == nil || c.store == nil {
		return domain.CompiledArtifact{}, errors.New("program cache not initialized")
	}
	if err := key.Validate(); err != nil {
		return domain.CompiledArtifact{}, err
	}
	artifact, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.stats.storeReadFailures.Add(1)
		return domain.CompiledArtifact{}, err
	}
	if !ok {
		return domain.CompiledArtifact{}, fmt.Errorf("%w: artifact %s", domain.ErrNotFound, key)
	}
	return artifact, nil
}

func (c *Cache) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	return Stats{
		Hits:               c.stats.hits.Load(),
		Misses:             c.stats.misses.Load(),
		LateHits:           c.stats.lateHits.Load(),
		Compiles:           c.stats.compiles.Load(),
		CompileFailures:    c.stats.compileFailures.Load(),
		StoreReadFailures:  c.stats.storeReadFailures.Load(),
		StoreWriteFailures: c.stats.storeWriteFailures.Load(),
	}
}

// lookup treats read failures as misses.
func (c *Cache) lookup(ctx context.Context, key domain.CacheKey) (domain.CompiledArtifact, bool) {
	artifact, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.stats.storeReadFailures.Add(1)
		c.logger.Warn("artifact store read failed", "key", key, "error", err)
		return domain.CompiledArtifact{}, false
	}
	return artifact, ok
}

func (c *Cache) compileAndStore(ctx context.Context, key domain.CacheKey, source domain.Source, params domain.CompileParams, compile compiler.Compiler) (domain.CompiledArtifact, error) {
	c.stats.compiles.Add(1)
	start := c.now()
	artifact, err := compile.Compile(ctx, source, params)
	if err == nil {
		artifact, err = c.normalize(key, params, artifact)
	}
	if err != nil {
		c.stats.compileFailures.Add(1)
		c.logger.Warn("compile failed", "key", key, "target", params.Target, "error", err)
		c.record(ctx, auditlog.ActionArtifactCompileFailed, key, map[string]any{
			"target":   params.Target,
			"optimize": params.Optimize,
			"error":    err.Error(),
		})
		return domain.CompiledArtifact{}, fmt.Errorf("%w: key %s: %w", domain.ErrCompileFailed, key, err)
	}
	c.logger.Info("compiled program",
		"key", key,
		"target", params.Target,
		"optimize", params.Optimize,
		"bytes", len(artifact.Payload),
		"duration", c.now().Sub(start),
	)

	if err := c.store.Put(ctx, artifact); err != nil {
		c.stats.storeWriteFailures.Add(1)
		c.logger.Error("artifact store write failed", "key", key, "error", err)
		if !errors.Is(err, domain.ErrStoreFailed) {
			err = fmt.Errorf("%w: put %s: %w", domain.ErrStoreFailed, key, err)
		}
		return domain.CompiledArtifact{}, err
	}
	c.record(ctx, auditlog.ActionArtifactMinted, key, map[string]any{
		"target":      params.Target,
		"optimize":    params.Optimize,
		"size_bytes":  len(artifact.Payload),
		"sha256":      artifact.SHA256,
		"duration_ms": c.now().Sub(start).Milliseconds(),
	})
	return artifact, nil
}

func (c *Cache) record(ctx context.Context, action string, key domain.CacheKey, payload map[string]any) {
	if c.audit == nil {
		return
	}
	actor, requestID := auditlog.FromContext(ctx)
	err := c.audit.Record(ctx, auditlog.Event{
		OccurredAt:   c.now().UTC(),
		Actor:        actor,
		Action:       action,
		ResourceType: "artifact",
		ResourceID:   string(key),
		RequestID:    requestID,
		Payload:      payload,
	})
	if err != nil {
		c.logger.Warn("audit record failed", "action", action, "key", key, "error", err)
	}
}

// normalize stamps the cache-owned fields onto a compiler result.
func (c *Cache) normalize(key domain.CacheKey, params domain.CompileParams, artifact domain.CompiledArtifact) (domain.CompiledArtifact, error) {
	if len(artifact.Payload) == 0 {
		return domain.CompiledArtifact{}, errors.New("compiler returned an empty payload")
	}
	if artifact.Version == "" {
		artifact.Version = params.Target
	}
	if artifact.Version != params.Target {
		return domain.CompiledArtifact{}, fmt.Errorf("compiler returned version %s for target %s", artifact.Version, params.Target)
	}
	artifact = artifact.Clone()
	artifact.Key = key
	artifact.SHA256 = domain.PayloadSHA256(artifact.Payload)
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = c.now()
	}
	artifact.CreatedAt = artifact.CreatedAt.UTC()
	return artifact, nil
}
