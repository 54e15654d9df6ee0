// Package artifactstore persists compiled artifacts on a pluggable backend.
//
// Backends only move artifacts in and out. Store layers integrity checks and
// the conflict policy on top:
//   - Get never fails for a missing key; it reports ok=false.
//   - Put of an artifact identical to the stored one is a no-op.
//   - Put of a different artifact under a stored key is rejected with
//     domain.ErrArtifactConflict under ConflictReject, or replaces the stored
//     entry under ConflictOverwrite.
//   - Entries that fail the integrity check read as corrupt, and a later Put
//     replaces them regardless of policy.
//
// Store does not serialize writers itself; callers hold the key's lock
// coordinator section while writing.
package artifactstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/heliosforge/progcache/internal/domain"
)

// Backend is the storage medium supplied by the deployment environment.
type Backend interface {
	// Get returns ok=false with a nil error when key is absent.
	Get(ctx context.Context, key domain.CacheKey) (domain.CompiledArtifact, bool, error)
	// Put stores artifact under artifact.Key, replacing any existing entry.
	Put(ctx context.Context, artifact domain.CompiledArtifact) error
}

// Pruner is implemented by backends that can drop old entries.
type Pruner interface {
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

type ConflictPolicy string

const (
	ConflictReject    ConflictPolicy = "reject"
	ConflictOverwrite ConflictPolicy = "overwrite"
)

func ParseConflictPolicy(raw string) (ConflictPolicy, error) {
	switch ConflictPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ConflictReject:
		return ConflictReject, nil
	case ConflictOverwrite:
		return ConflictOverwrite, nil
	default:
		return "", fmt.Errorf("unknown conflict policy %q", raw)
	}
}

type Store struct {
	backend Backend
	policy  ConflictPolicy
}

func New(backend Backend, policy ConflictPolicy) (*Store, error) {
	if backend == nil {
		return nil, errors.New("artifact backend is required")
	}
	if policy == "" {
		policy = ConflictReject
	}
	if policy != ConflictReject && policy != ConflictOverwrite {
		return nil, fmt.Errorf("unknown conflict policy %q", policy)
	}
	return &Store{backend: backend, policy: policy}, nil
}

func (s *Store) Policy() ConflictPolicy {
	return s.policy
}

// Backend exposes the underlying medium, e.g. for readiness checks or pruning.
func (s *Store) Backend() Backend {
	return s.backend
}

// Get loads the artifact stored under key. Backend and integrity failures wrap
// domain.ErrStoreFailed.
func (s *Store) Get(ctx context.Context, key domain.CacheKey) (domain.CompiledArtifact, bool, error) {
	if s == nil || s.backend == nil {
		return domain.CompiledArtifact{}, false, errors.New("artifact store not initialized")
	}
	artifact, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		return domain.CompiledArtifact{}, false, fmt.Errorf("%w: get %s: %w", domain.ErrStoreFailed, key, err)
	}
	if !ok {
		return domain.CompiledArtifact{}, false, nil
	}
	if artifact.Key != key {
		return domain.CompiledArtifact{}, false, fmt.Errorf("%w: get %s: backend returned key %s", domain.ErrStoreFailed, key, artifact.Key)
	}
	if err := artifact.VerifyIntegrity(); err != nil {
		return domain.CompiledArtifact{}, false, fmt.Errorf("%w: get %s: %w", domain.ErrStoreFailed, key, err)
	}
	return artifact, true, nil
}

// Put stores artifact according to the conflict policy.
func (s *Store) Put(ctx context.Context, artifact domain.CompiledArtifact) error {
	if s == nil || s.backend == nil {
		return errors.New("artifact store not initialized")
	}
	if err := artifact.Validate(); err != nil {
		return fmt.Errorf("%w: put %s: %w", domain.ErrStoreFailed, artifact.Key, err)
	}
	if err := artifact.VerifyIntegrity(); err != nil {
		return fmt.Errorf("%w: put %s: %w", domain.ErrStoreFailed, artifact.Key, err)
	}

	existing, ok, err := s.Get(ctx, artifact.Key)
	switch {
	case err != nil && errors.Is(err, domain.ErrIntegrity):
		// Corrupt entries are replaced.
	case err != nil:
		return err
	case ok:
		conflict := domain.EnsureArtifactImmutable(existing, artifact)
		if conflict == nil {
			return nil
		}
		if s.policy == ConflictReject {
			return fmt.Errorf("%w: put %s: %w", domain.ErrStoreFailed, artifact.Key, conflict)
		}
	}

	if err := s.backend.Put(ctx, artifact); err != nil {
		return fmt.Errorf("%w: put %s: %w", domain.ErrStoreFailed, artifact.Key, err)
	}
	return nil
}
