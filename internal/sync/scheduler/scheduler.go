// Package scheduler owns the triggering policy for sync: the
// offline-to-online trigger with a settle delay, the periodic safety-net
// drain, cache sweeping, and retention cleanup. The engine stays
// trigger-agnostic; everything that decides WHEN to sync lives here.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/coursekit/coursekit/internal/cache"
	"github.com/coursekit/coursekit/internal/db"
	apperrors "github.com/coursekit/coursekit/internal/errors"
	"github.com/coursekit/coursekit/internal/logging"
	"github.com/coursekit/coursekit/internal/models"
	"github.com/coursekit/coursekit/internal/reachability"
	coresync "github.com/coursekit/coursekit/internal/sync"
	"github.com/coursekit/coursekit/internal/sync/queue"
)

// Config tunes the scheduler.
type Config struct {
	SettleDelay    time.Duration // wait after a transition to online before draining
	PeriodicEvery  time.Duration // safety-net drain cadence while online
	SweepEvery     time.Duration // expired-cache sweep cadence
	RetentionEvery time.Duration // retention cleanup cadence
	RetentionAge   time.Duration // synced progress older than this is removed
	StaleClaimAge  time.Duration // in-flight claims older than this are requeued at startup
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		SettleDelay:    2 * time.Second,
		PeriodicEvery:  15 * time.Minute,
		SweepEvery:     time.Hour,
		RetentionEvery: 24 * time.Hour,
		RetentionAge:   30 * 24 * time.Hour,
		StaleClaimAge:  time.Minute,
	}
}

// Scheduler wires reachability transitions and timed jobs to the engine.
type Scheduler struct {
	engine  *coresync.Engine
	queue   *queue.Queue
	store   *db.Store
	cache   *cache.Cache
	monitor *reachability.Monitor
	cfg     Config

	jobs        *gocron.Scheduler
	unsubscribe func()

	mu          sync.Mutex
	settleTimer *time.Timer
	running     bool
}

// New creates a Scheduler.
func New(engine *coresync.Engine, q *queue.Queue, store *db.Store, c *cache.Cache, monitor *reachability.Monitor, cfg Config) *Scheduler {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultConfig().SettleDelay
	}
	if cfg.StaleClaimAge <= 0 {
		cfg.StaleClaimAge = DefaultConfig().StaleClaimAge
	}
	return &Scheduler{
		engine:  engine,
		queue:   q,
		store:   store,
		cache:   c,
		monitor: monitor,
		cfg:     cfg,
		jobs:    gocron.NewScheduler(time.UTC),
	}
}

// Start recovers stale claims, subscribes to reachability transitions,
// and registers the periodic jobs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	// Claims left in_flight by a crash predate this process; put them
	// back without consuming a retry.
	requeued, err := s.queue.RequeueStale(ctx, s.cfg.StaleClaimAge)
	if err != nil {
		return err
	}
	if requeued > 0 {
		logging.Info("Requeued stale in-flight actions", map[string]interface{}{"count": requeued})
	}

	s.unsubscribe = s.monitor.Subscribe(func(state reachability.State) {
		s.onReachabilityChange(ctx, state)
	})

	if s.cfg.PeriodicEvery > 0 {
		if _, err := s.jobs.Every(s.cfg.PeriodicEvery).Do(func() {
			if !s.monitor.State().IsOnline {
				return
			}
			s.engine.DrainOnce(ctx, coresync.DrainOptions{})
		}); err != nil {
			return apperrors.Wrap(apperrors.ErrInternal, "failed to schedule periodic sync", err)
		}
	}

	if s.cfg.SweepEvery > 0 {
		if _, err := s.jobs.Every(s.cfg.SweepEvery).Do(func() {
			if _, err := s.cache.SweepExpired(ctx); err != nil {
				logging.Error("Cache sweep failed", err)
			}
		}); err != nil {
			return apperrors.Wrap(apperrors.ErrInternal, "failed to schedule cache sweep", err)
		}
	}

	if s.cfg.RetentionEvery > 0 && s.cfg.RetentionAge > 0 {
		if _, err := s.jobs.Every(s.cfg.RetentionEvery).Do(func() {
			if _, err := s.PruneSyncedProgress(ctx); err != nil {
				logging.Error("Retention cleanup failed", err)
			}
		}); err != nil {
			return apperrors.Wrap(apperrors.ErrInternal, "failed to schedule retention cleanup", err)
		}
	}

	s.jobs.StartAsync()
	logging.Info("Sync scheduler started", map[string]interface{}{
		"periodic_every": s.cfg.PeriodicEvery.String(),
		"settle_delay":   s.cfg.SettleDelay.String(),
	})
	return nil
}

// Stop cancels the settle timer and stops background jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	if s.settleTimer != nil {
		s.settleTimer.Stop()
		s.settleTimer = nil
	}
	s.mu.Unlock()

	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.jobs.Stop()
}

// SyncNow triggers an immediate drain regardless of timers. Used by the
// explicit user-facing sync action.
func (s *Scheduler) SyncNow(ctx context.Context) *coresync.DrainResult {
	return s.engine.DrainOnce(ctx, coresync.DrainOptions{})
}

// onReachabilityChange schedules a drain after the settle delay on a
// transition to online, and cancels a pending one on a transition back
// to offline. Flapping within the delay therefore triggers nothing.
func (s *Scheduler) onReachabilityChange(ctx context.Context, state reachability.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}

	if s.settleTimer != nil {
		s.settleTimer.Stop()
		s.settleTimer = nil
	}
	if !state.IsOnline {
		return
	}

	s.settleTimer = time.AfterFunc(s.cfg.SettleDelay, func() {
		if !s.monitor.State().IsOnline {
			return
		}
		s.engine.DrainOnce(ctx, coresync.DrainOptions{})
	})
}

// PruneSyncedProgress removes synced progress records older than the
// retention age. Unsynced records are never touched.
func (s *Scheduler) PruneSyncedProgress(ctx context.Context) (int, error) {
	docs, err := s.store.GetByIndex(ctx, db.CollectionProgress, "synced", true)
	if err != nil {
		return 0, err
	}
	records, err := db.DecodeAll[models.ProgressRecord](docs)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-s.cfg.RetentionAge).Unix()
	removed := 0
	for i := range records {
		rec := &records[i]
		if rec.Timestamp >= cutoff {
			continue
		}
		if err := s.store.Delete(ctx, db.CollectionProgress, rec.Key()); err != nil {
			return removed, err
		}
		removed++
	}

	if removed > 0 {
		logging.Info("Pruned old synced progress records", map[string]interface{}{"removed": removed})
	}
	return removed, nil
}
