// Package lock serializes compilations per cache key.
//
// A Coordinator runs at most one critical section per key at a time. Callers
// that arrive while a section is running attach to it and receive its result
// instead of starting their own. Failed sections are forgotten at settlement so
// the next caller runs the section again.
package lock

import (
	"context"
	"time"

	"github.com/heliosforge/progcache/internal/domain"
)

// Section is the guarded work for one key.
type Section func(ctx context.Context) (domain.CompiledArtifact, error)

// Coordinator provides per-key mutual exclusion.
type Coordinator interface {
	WithLock(ctx context.Context, key domain.CacheKey, section Section) (domain.CompiledArtifact, error)
}

// Handle describes a held critical section.
type Handle struct {
	Key        domain.CacheKey `json:"key"`
	AcquiredAt time.Time       `json:"acquired_at"`
	Holder     string          `json:"holder"`
}
