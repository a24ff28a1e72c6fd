// Package reaper schedules the destruction of Instanced deployments once
// their lease expires. The database's expired_at column is the source of
// truth; the in-memory timers here are a cache that the startup sweep
// rebuilds, so a process restart never loses a pending expiration.
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wisbric/chalorch/internal/telemetry"
	"github.com/wisbric/chalorch/pkg/deployment"
	"github.com/wisbric/chalorch/pkg/tasktracker"
)

// Teardown matches engine.Engine.Teardown. Taken as a function rather than
// an interface so this package never imports pkg/engine, which itself may
// depend on a Scheduler satisfied by *Reaper.
type Teardown func(ctx context.Context, rowID int64) error

// Reaper holds one timer per scheduled-but-not-yet-fired expiration.
type Reaper struct {
	store    *deployment.Store
	teardown Teardown
	tracker  *tasktracker.Tracker
	logger   *slog.Logger

	mu     sync.Mutex
	timers map[int64]*time.Timer
}

// New constructs a Reaper. Call StartupSweep once after construction to
// recover leases left behind by a prior process.
func New(store *deployment.Store, teardown Teardown, tracker *tasktracker.Tracker, logger *slog.Logger) *Reaper {
	return &Reaper{
		store:    store,
		teardown: teardown,
		tracker:  tracker,
		logger:   logger,
		timers:   make(map[int64]*time.Timer),
	}
}

// Schedule arranges for rowID's teardown to run at (or shortly after) at.
// Implements engine.Scheduler. Replaces any existing timer for the row.
func (r *Reaper) Schedule(rowID int64, at time.Time) {
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}

	r.mu.Lock()
	if existing, ok := r.timers[rowID]; ok {
		existing.Stop()
	}
	r.timers[rowID] = time.AfterFunc(delay, func() { r.fire(rowID) })
	r.mu.Unlock()
}

// Cancel stops a pending expiration, e.g. because the row was destroyed
// early by an explicit teardown request.
func (r *Reaper) Cancel(rowID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[rowID]; ok {
		t.Stop()
		delete(r.timers, rowID)
	}
}

func (r *Reaper) fire(rowID int64) {
	r.mu.Lock()
	delete(r.timers, rowID)
	r.mu.Unlock()

	r.tracker.Go("reaper-teardown", func() {
		ctx := context.Background()
		if err := r.teardown(ctx, rowID); err != nil {
			if r.logger != nil {
				r.logger.Error("reaper teardown failed", "row_id", rowID, "error", err)
			}
			return
		}
		if r.logger != nil {
			r.logger.Info("reaper teardown completed", "row_id", rowID)
		}
	})
}

// StartupSweep loads every non-destroyed row with a lease and schedules its
// expiration, reconstructing the timer set a prior process held in memory.
func (r *Reaper) StartupSweep(ctx context.Context) error {
	rows, err := r.store.ListPendingExpiry(ctx)
	if err != nil {
		return err
	}

	for _, row := range rows {
		if row.ExpiredAt == nil {
			continue
		}
		r.Schedule(row.ID, *row.ExpiredAt)
		telemetry.ReaperScheduledTotal.WithLabelValues("startup").Inc()
	}

	if r.logger != nil {
		r.logger.Info("reaper startup sweep complete", "scheduled_count", len(rows))
	}
	return nil
}
