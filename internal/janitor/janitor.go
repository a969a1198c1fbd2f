package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stewardai/steward/internal/memory"
	"github.com/stewardai/steward/internal/registry"
	"github.com/stewardai/steward/internal/stream"
)

// DefaultSchedule is the sweep cadence.
const DefaultSchedule = "@every 1m"

// DefaultIdleTTL is how long a settled session lingers in memory before
// its shard is persisted and dropped.
const DefaultIdleTTL = 30 * time.Minute

// SnapshotSaver persists a session's working memory before its shard is
// dropped. Satisfied by the store; may be nil.
type SnapshotSaver interface {
	SaveSnapshot(ctx context.Context, snap *memory.Snapshot) error
}

// Awaiter reports whether a session is parked on an intervention.
// Satisfied by the policy coordinator.
type Awaiter interface {
	AwaitingSessions() []string
}

// Janitor sweeps settled sessions on a cron schedule: shards whose tasks
// have all finished and that stayed idle past the TTL are snapshotted,
// dropped, their event queues closed, and their registry bookkeeping
// released. Sessions parked on an intervention are never swept; their
// timeout-abort is the coordinator's own timer.
type Janitor struct {
	shards  *memory.Shards
	bus     *stream.Bus
	tasks   *registry.Registry
	awaiter Awaiter
	saver   SnapshotSaver
	logger  *slog.Logger

	schedule string
	ttl      time.Duration
	cron     *cron.Cron

	mu        sync.Mutex
	idleSince map[string]time.Time
	now       func() time.Time
}

// New creates a Janitor. saver may be nil; schedule and ttl fall back to
// the defaults when zero-valued.
func New(shards *memory.Shards, bus *stream.Bus, tasks *registry.Registry, awaiter Awaiter, saver SnapshotSaver, logger *slog.Logger, schedule string, ttl time.Duration) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if ttl <= 0 {
		ttl = DefaultIdleTTL
	}
	return &Janitor{
		shards:    shards,
		bus:       bus,
		tasks:     tasks,
		awaiter:   awaiter,
		saver:     saver,
		logger:    logger,
		schedule:  schedule,
		ttl:       ttl,
		idleSince: make(map[string]time.Time),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start schedules the sweep and begins running it.
func (j *Janitor) Start(ctx context.Context) error {
	if j.cron != nil {
		return fmt.Errorf("janitor already started")
	}
	j.cron = cron.New()
	if _, err := j.cron.AddFunc(j.schedule, func() { j.Sweep(ctx) }); err != nil {
		return fmt.Errorf("schedule janitor sweep: %w", err)
	}
	j.cron.Start()
	j.logger.Info("janitor started", "schedule", j.schedule, "idle_ttl", j.ttl.String())
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
}

// Sweep runs one pass. Exported so shutdown paths and tests can force a
// sweep without waiting for the schedule.
func (j *Janitor) Sweep(ctx context.Context) {
	awaiting := make(map[string]bool)
	for _, id := range j.awaiter.AwaitingSessions() {
		awaiting[id] = true
	}

	now := j.now()
	j.mu.Lock()
	defer j.mu.Unlock()

	live := make(map[string]bool)
	for _, sessionID := range j.shards.Sessions() {
		live[sessionID] = true

		if awaiting[sessionID] || j.tasks.ActiveTasks(sessionID) > 0 {
			delete(j.idleSince, sessionID)
			continue
		}

		since, seen := j.idleSince[sessionID]
		if !seen {
			j.idleSince[sessionID] = now
			continue
		}
		if now.Sub(since) < j.ttl {
			continue
		}

		j.expire(ctx, sessionID)
		delete(j.idleSince, sessionID)
	}

	// Forget bookkeeping for shards dropped by someone else.
	for sessionID := range j.idleSince {
		if !live[sessionID] {
			delete(j.idleSince, sessionID)
		}
	}
}

func (j *Janitor) expire(ctx context.Context, sessionID string) {
	if j.saver != nil {
		if m, ok := j.shards.Peek(sessionID); ok {
			if err := j.saver.SaveSnapshot(ctx, m.ToSnapshot()); err != nil {
				j.logger.Warn("persist snapshot before expiry", "session_id", sessionID, "error", err.Error())
				return
			}
		}
	}
	j.shards.Drop(sessionID)
	j.bus.Close(sessionID)
	j.tasks.Prune(sessionID)
	j.logger.Info("expired idle session", "session_id", sessionID)
}
