package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/heliosforge/progcache/internal/domain"
	"golang.org/x/sync/singleflight"
)

// Local coordinates sections within one process.
type Local struct {
	group       singleflight.Group
	waitTimeout time.Duration
	now         func() time.Time

	mu   sync.Mutex
	held map[domain.CacheKey]Handle
}

// NewLocal returns an in-process coordinator. A positive waitTimeout bounds how
// long a caller waits for the section; the section keeps running after a
// waiter times out.
func NewLocal(waitTimeout time.Duration) *Local {
	if waitTimeout < 0 {
		waitTimeout = 0
	}
	return &Local{
		waitTimeout: waitTimeout,
		now:         time.Now,
		held:        map[domain.CacheKey]Handle{},
	}
}

func (l *Local) WithLock(ctx context.Context, key domain.CacheKey, section Section) (domain.CompiledArtifact, error) {
	if l == nil {
		return domain.CompiledArtifact{}, errors.New("lock coordinator not initialized")
	}
	if section == nil {
		return domain.CompiledArtifact{}, errors.New("section is required")
	}
	if key == "" {
		return domain.CompiledArtifact{}, errors.New("cache key is required")
	}

	// The section must outlive any single waiter.
	sectionCtx := context.WithoutCancel(ctx)
	ch := l.group.DoChan(string(key), func() (val any, err error) {
		handle := l.acquire(key)
		defer l.release(handle)
		// singleflight re-panics DoChan panics on a fresh goroutine.
		defer func() {
			if v := recover(); v != nil {
				val, err = nil, fmt.Errorf("section panicked for key %s: %v", key, v)
			}
		}()
		return section(sectionCtx)
	})

	var timeout <-chan time.Time
	if l.waitTimeout > 0 {
		timer := time.NewTimer(l.waitTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return domain.CompiledArtifact{}, res.Err
		}
		artifact, ok := res.Val.(domain.CompiledArtifact)
		if !ok {
			return domain.CompiledArtifact{}, fmt.Errorf("unexpected section result %T", res.Val)
		}
		return artifact, nil
	case <-ctx.Done():
		return domain.CompiledArtifact{}, ctx.Err()
	case <-timeout:
		return domain.CompiledArtifact{}, fmt.Errorf("%w: key %s after %s", domain.ErrLockTimeout, key, l.waitTimeout)
	}
}

// Held returns the sections currently running, oldest first.
func (l *Local) Held() []Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Handle, 0, len(l.held))
	for _, h := range l.held {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AcquiredAt.Before(out[j].AcquiredAt)
	})
	return out
}

func (l *Local) acquire(key domain.CacheKey) Handle {
	h := Handle{Key: key, AcquiredAt: l.now().UTC(), Holder: uuid.NewString()}
	l.mu.Lock()
	l.held[key] = h
	l.mu.Unlock()
	return h
}

func (l *Local) release(h Handle) {
	l.mu.Lock()
	if cur, ok := l.held[h.Key]; ok && cur.Holder == h.Holder {
		delete(l.held, h.Key)
	}
	l.mu.Unlock()
}
