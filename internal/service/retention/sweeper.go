// Package retention drops artifacts older than a maximum age on a cron
// schedule. Only backends implementing artifactstore.Pruner take part.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/heliosforge/progcache/internal/artifactstore"
	"github.com/robfig/cron/v3"
)

const sweepTimeout = 5 * time.Minute

type Sweeper struct {
	pruner   artifactstore.Pruner
	schedule string
	maxAge   time.Duration
	logger   *slog.Logger
	now      func() time.Time
	cron     *cron.Cron

	mu        sync.Mutex
	lastRun   time.Time
	lastCount int64
}

// NewSweeper validates schedule as a standard five-field cron spec or a
// descriptor such as @hourly.
func NewSweeper(pruner artifactstore.Pruner, schedule string, maxAge time.Duration, logger *slog.Logger) (*Sweeper, error) {
	if pruner == nil {
		return nil, errors.New("pruner is required")
	}
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return nil, errors.New("retention schedule is required")
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", schedule, err)
	}
	if maxAge <= 0 {
		return nil, errors.New("retention max age must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		pruner:   pruner,
		schedule: schedule,
		maxAge:   maxAge,
		logger:   logger,
		now:      time.Now,
		cron:     cron.New(),
	}, nil
}

func (s *Sweeper) Start() error {
	if s == nil || s.cron == nil {
		return errors.New("sweeper not initialized")
	}
	if _, err := s.cron.AddFunc(s.schedule, s.runScheduled); err != nil {
		return fmt.Errorf("schedule retention sweep: %w", err)
	}
	s.cron.Start()
	s.logger.Info("retention sweeper started", "schedule", s.schedule, "max_age", s.maxAge)
	return nil
}

// Stop halts scheduling and waits for a running sweep or ctx, whichever ends first.
func (s *Sweeper) Stop(ctx context.Context) error {
	if s == nil || s.cron == nil {
		return nil
	}
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep prunes artifacts created before now minus the maximum age.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	if s == nil || s.pruner == nil {
		return 0, errors.New("sweeper not initialized")
	}
	cutoff := s.now().Add(-s.maxAge)
	n, err := s.pruner.Prune(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune before %s: %w", cutoff.UTC().Format(time.RFC3339), err)
	}
	s.mu.Lock()
	s.lastRun = s.now()
	s.lastCount = n
	s.mu.Unlock()
	return n, nil
}

// LastRun reports when Sweep last succeeded and how many artifacts it removed.
func (s *Sweeper) LastRun() (time.Time, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastCount
}

func (s *Sweeper) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	n, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error("retention sweep failed", "error", err)
		return
	}
	s.logger.Info("retention sweep complete", "pruned", n)
}
