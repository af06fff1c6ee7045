// Package sweeper runs the scheduled background jobs spec.md §6 calls
// out as the queue's, presence's, and the assignment lease's TTL
// backstops: stale queue-entry purge, presence reap, and orphaned
// assignment-lease reap. None of this is load-bearing for correctness
// — the ephemeral store's own TTLs and the single-winner claim script
// are — but it keeps the queue and registries from accumulating
// garbage left behind by clients that disconnect without a clean close.
//
// Scheduling follows the teacher's cron.Scheduler in internal/cron: a
// robfig/cron/v3 instance driving named jobs, started and stopped
// against a context.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/ashureev/chatcoord/internal/assignment"
	"github.com/ashureev/chatcoord/internal/domain"
	"github.com/ashureev/chatcoord/internal/ephemeral"
	"github.com/ashureev/chatcoord/internal/queue"
)

// PurgeCallback is invoked once per queue entry the sweeper drops for
// sitting in the queue past QueuePurgeAge, so the caller can close the
// conversation with a system notice the same way an agent-initiated
// close does.
type PurgeCallback func(entry domain.QueueEntry)

// Config holds the sweeper's schedule and tunables (spec.md §6's
// sweeper.* keys).
type Config struct {
	QueuePurgeCron     string
	PresenceReapCron   string
	AssignmentReapCron string
	QueuePurgeAge      time.Duration
}

// Sweeper periodically purges stale queue entries, pings the ephemeral
// store as a presence-reap liveness check, and reaps orphaned per-agent
// assignment-load entries whose ephemeral lease has already expired.
type Sweeper struct {
	cfg        Config
	queue      *queue.Engine
	assignment *assignment.Registry
	store      ephemeral.Store
	onPurge    PurgeCallback

	cron *cronlib.Cron
}

// New builds a Sweeper. queueEngine and registry may be nil to disable
// their respective jobs (useful in tests that only want one job wired).
// onPurge may be nil if the caller doesn't need to react to purged
// queue entries.
func New(cfg Config, queueEngine *queue.Engine, registry *assignment.Registry, store ephemeral.Store, onPurge PurgeCallback) *Sweeper {
	return &Sweeper{
		cfg:        cfg,
		queue:      queueEngine,
		assignment: registry,
		store:      store,
		onPurge:    onPurge,
	}
}

// Start schedules all configured jobs and begins running them. Stop
// must be called to release the underlying cron goroutine.
func (s *Sweeper) Start(ctx context.Context) error {
	s.cron = cronlib.New(cronlib.WithParser(cronlib.NewParser(
		cronlib.Second | cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
	)))

	if s.queue != nil && s.cfg.QueuePurgeCron != "" {
		if _, err := s.cron.AddFunc(s.cfg.QueuePurgeCron, func() { s.purgeQueue(ctx) }); err != nil {
			return err
		}
	}
	if s.cfg.PresenceReapCron != "" {
		if _, err := s.cron.AddFunc(s.cfg.PresenceReapCron, func() { s.reapPresence(ctx) }); err != nil {
			return err
		}
	}
	if s.assignment != nil && s.cfg.AssignmentReapCron != "" {
		if _, err := s.cron.AddFunc(s.cfg.AssignmentReapCron, func() { s.reapAssignments(ctx) }); err != nil {
			return err
		}
	}

	s.cron.Start()
	slog.Info("sweeper: started",
		"queue_purge_cron", s.cfg.QueuePurgeCron,
		"presence_reap_cron", s.cfg.PresenceReapCron,
		"assignment_reap_cron", s.cfg.AssignmentReapCron,
	)
	return nil
}

// Stop halts the scheduler and waits for in-flight jobs to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	slog.Info("sweeper: stopped")
}

func (s *Sweeper) purgeQueue(ctx context.Context) {
	purged, err := s.queue.PurgeOlderThan(ctx, s.cfg.QueuePurgeAge)
	if err != nil {
		slog.Error("sweeper: queue purge failed", "error", err)
		return
	}
	if len(purged) == 0 {
		return
	}
	slog.Info("sweeper: purged stale queue entries", "count", len(purged))
	if s.onPurge == nil {
		return
	}
	for _, entry := range purged {
		s.onPurge(entry)
	}
}

// reapPresence is a liveness check only: presence keys carry their own
// TTL in the ephemeral store and expire on their own. Logging a failure
// here surfaces a dead ephemeral store well before a customer or agent
// would notice one.
func (s *Sweeper) reapPresence(ctx context.Context) {
	if err := s.store.Ping(ctx); err != nil {
		slog.Error("sweeper: presence reap could not reach ephemeral store", "error", err)
	}
}

// reapAssignments drops per-agent in-memory load entries whose backing
// ephemeral lease has already expired, so this instance's Registry does
// not keep overcounting an agent's concurrency (spec.md §4.C: "a stale
// registry entry that outlives its TTL lease is not fatal"). CanAssign
// counts only the in-process view and never consults the lease, so
// without this job such an entry stays counted until it is removed
// explicitly.
func (s *Sweeper) reapAssignments(ctx context.Context) {
	reaped := 0
	for _, agentID := range s.assignment.AgentIDs() {
		for _, conversationID := range s.assignment.AssignmentsOf(agentID) {
			owner, ok, err := s.assignment.Lease(ctx, conversationID)
			if err != nil {
				slog.Error("sweeper: assignment reap lookup failed", "conversation_id", conversationID, "error", err)
				continue
			}
			if !ok || owner != agentID {
				s.assignment.RemoveAssignment(agentID, conversationID)
				reaped++
			}
		}
	}
	if reaped > 0 {
		slog.Info("sweeper: reaped orphaned assignment entries", "count", reaped)
	}
}
