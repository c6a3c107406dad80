// Package dispatch matches pending jobs to available robots. A single worker
// loop serializes candidate selection so two jobs can never race into the
// same capacity slot; the actual network round-trips happen after the slot
// is reserved.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/omerlefaruk/CasareRPA-sub014/internal/db"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/protocol"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/registry"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/store"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/types"
)

// Config controls dispatch pacing. Zero values are replaced by defaults.
type Config struct {
	// BatchSize bounds how many pending jobs one cycle considers.
	BatchSize int
	// IdleMin and IdleMax bound the exponential sleep between empty cycles.
	IdleMin time.Duration
	IdleMax time.Duration
	// AssignTimeout is the wait for a robot's accept/reject reply.
	AssignTimeout time.Duration
	// RejectBackoff is the base hold-off applied from the second rejection
	// of the same (job, robot) pair within RejectWindow, doubling per
	// further rejection. A first rejection requeues the job immediately.
	RejectBackoff time.Duration
	// RejectWindow bounds how long rejections of a pair count as
	// consecutive; outside it the count restarts at zero.
	RejectWindow time.Duration
	// ErrorCooldown keeps a robot out of selection after an assignment
	// round-trip failed on it (timeout or dead connection).
	ErrorCooldown time.Duration
	// CancelTimeout is the wait for a job_cancelled confirmation.
	CancelTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.IdleMin <= 0 {
		c.IdleMin = 100 * time.Millisecond
	}
	if c.IdleMax <= 0 {
		c.IdleMax = 2 * time.Second
	}
	if c.AssignTimeout <= 0 {
		c.AssignTimeout = 10 * time.Second
	}
	if c.RejectBackoff <= 0 {
		c.RejectBackoff = 30 * time.Second
	}
	if c.RejectWindow <= 0 {
		c.RejectWindow = 2 * time.Minute
	}
	if c.ErrorCooldown <= 0 {
		c.ErrorCooldown = 5 * time.Second
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = 10 * time.Second
	}
}

// pairKey identifies a (job, robot) offer for rejection tracking.
type pairKey struct {
	jobID   string
	robotID string
}

type rejection struct {
	firstAt time.Time
	until   time.Time
	count   int
}

// Dispatcher runs the assignment loop.
type Dispatcher struct {
	cfg      Config
	stores   *store.Stores
	registry *registry.Registry
	logger   *zap.Logger

	mu        sync.Mutex
	rejected  map[pairKey]rejection
	cooldowns map[string]time.Time
}

// New constructs a Dispatcher.
func New(cfg Config, stores *store.Stores, reg *registry.Registry, logger *zap.Logger) *Dispatcher {
	cfg.withDefaults()
	return &Dispatcher{
		cfg:       cfg,
		stores:    stores,
		registry:  reg,
		logger:    logger.Named("dispatcher"),
		rejected:  make(map[pairKey]rejection),
		cooldowns: make(map[string]time.Time),
	}
}

// Run executes dispatch cycles until ctx is done. After an empty cycle the
// loop sleeps with exponential backoff, but any registry wake-up (connect,
// heartbeat, freed slot) or explicit Poke cuts the sleep short.
func (d *Dispatcher) Run(ctx context.Context) {
	idle := d.cfg.IdleMin
	for {
		n := d.cycle(ctx)
		if ctx.Err() != nil {
			return
		}
		if n > 0 {
			idle = d.cfg.IdleMin
			continue
		}

		timer := time.NewTimer(idle)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-d.registry.Wake():
			timer.Stop()
			idle = d.cfg.IdleMin
		case <-timer.C:
			idle *= 2
			if idle > d.cfg.IdleMax {
				idle = d.cfg.IdleMax
			}
		}
	}
}

// Poke triggers an immediate dispatch cycle, used when a new job is enqueued.
func (d *Dispatcher) Poke() {
	d.registry.Notify()
}

// cycle selects and launches assignments for one batch of pending jobs.
// Selection (candidate choice + slot reservation + DB claim) is serialized;
// the robot round-trip runs in its own goroutine so one slow robot cannot
// stall the queue. Returns the number of assignments launched.
func (d *Dispatcher) cycle(ctx context.Context) int {
	jobs, err := d.stores.Jobs.NextPending(ctx, d.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("load pending jobs", zap.Error(err))
		}
		return 0
	}
	if len(jobs) == 0 {
		return 0
	}

	snaps := d.registry.Snapshots()
	if len(snaps) == 0 {
		return 0
	}

	now := time.Now()
	d.expirePenalties(now)

	launched := 0
	for i := range jobs {
		job := &jobs[i]
		snap, ok := d.pick(job, snaps, now)
		if !ok {
			continue
		}

		if !d.claim(ctx, job, snap.RobotID) {
			continue
		}

		launched++
		go d.deliver(ctx, job, snap.RobotID)

		// Refresh the chosen robot's snapshot so the rest of the batch
		// sees the slot we just took.
		for j := range snaps {
			if snaps[j].RobotID == snap.RobotID {
				snaps[j].ActiveJobs = append(snaps[j].ActiveJobs, job.ID.String())
			}
		}
	}
	return launched
}

// pick applies the eligibility predicate and tie-breaks: fewest active jobs,
// then most recent heartbeat, then robot_id for determinism.
func (d *Dispatcher) pick(job *db.Job, snaps []registry.RobotSnapshot, now time.Time) (registry.RobotSnapshot, bool) {
	jobID := job.ID.String()
	required := store.DecodeList(job.RequiredCaps)

	candidates := make([]registry.RobotSnapshot, 0, len(snaps))
	for _, s := range snaps {
		if !d.eligible(job, jobID, s, required, now) {
			continue
		}
		candidates = append(candidates, s)
	}
	if len(candidates) == 0 {
		return registry.RobotSnapshot{}, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if len(a.ActiveJobs) != len(b.ActiveJobs) {
			return len(a.ActiveJobs) < len(b.ActiveJobs)
		}
		if !a.LastHeartbeat.Equal(b.LastHeartbeat) {
			return a.LastHeartbeat.After(b.LastHeartbeat)
		}
		return a.RobotID < b.RobotID
	})
	return candidates[0], true
}

func (d *Dispatcher) eligible(job *db.Job, jobID string, s registry.RobotSnapshot, required []string, now time.Time) bool {
	if !s.Available() {
		return false
	}
	if job.RequestedRobot != "" && job.RequestedRobot != s.RobotID {
		return false
	}
	if job.TenantID != "" && s.TenantID != "" && job.TenantID != s.TenantID {
		return false
	}
	for _, cap := range required {
		if !s.HasCapability(cap) {
			return false
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if rej, ok := d.rejected[pairKey{jobID, s.RobotID}]; ok && now.Before(rej.until) {
		return false
	}
	if until, ok := d.cooldowns[s.RobotID]; ok && now.Before(until) {
		return false
	}
	return true
}

// claim reserves the robot's capacity slot and writes the assigned state.
// Both must succeed before anything touches the network; either failure
// unwinds the other.
func (d *Dispatcher) claim(ctx context.Context, job *db.Job, robotID string) bool {
	jobID := job.ID.String()

	if !d.registry.Reserve(robotID, jobID) {
		return false
	}
	if err := d.stores.Jobs.MarkAssigned(ctx, jobID, robotID); err != nil {
		d.registry.Release(robotID, jobID)
		if !errors.Is(err, store.ErrStale) && ctx.Err() == nil {
			d.logger.Error("mark assigned", zap.String("job_id", jobID), zap.Error(err))
		}
		return false
	}
	return true
}

// deliver performs the robot round-trip for one claimed job and settles the
// outcome: accept → running, reject → back to pending with a hold-off,
// timeout or dead connection → back to pending with a robot cooldown.
func (d *Dispatcher) deliver(ctx context.Context, job *db.Job, robotID string) {
	jobID := job.ID.String()
	log := d.logger.With(zap.String("job_id", jobID), zap.String("robot_id", robotID))

	env, err := protocol.New(protocol.TypeJobAssign, protocol.JobAssignPayload{
		JobID:          jobID,
		WorkflowID:     job.WorkflowID,
		WorkflowName:   job.WorkflowName,
		WorkflowJSON:   job.WorkflowJSON,
		Priority:       types.Priority(job.Priority).String(),
		TimeoutSeconds: job.TimeoutSeconds,
		Parameters:     store.DecodeMap(job.Parameters),
	})
	if err != nil {
		log.Error("encode assignment", zap.Error(err))
		d.unwind(ctx, jobID, robotID, log)
		return
	}

	reply, err := d.registry.SendWithReply(ctx, robotID, env, d.cfg.AssignTimeout)
	if err != nil {
		assignOutcomes.WithLabelValues("error").Inc()
		log.Warn("assignment round-trip failed", zap.Error(err))
		d.penalizeRobot(robotID)
		d.unwind(ctx, jobID, robotID, log)
		d.audit(ctx, "job.assign_failed", jobID, fmt.Sprintf("robot %s: %v", robotID, err))
		return
	}

	switch reply.Type {
	case protocol.TypeJobAccept:
		assignOutcomes.WithLabelValues("accepted").Inc()
		if err := d.stores.Jobs.MarkRunning(ctx, jobID); err != nil && !errors.Is(err, store.ErrStale) {
			log.Error("mark running", zap.Error(err))
		}
		log.Info("job accepted")

	case protocol.TypeJobReject:
		assignOutcomes.WithLabelValues("rejected").Inc()
		var p protocol.JobReplyPayload
		_ = protocol.DecodePayload(reply, &p)
		log.Info("job rejected", zap.String("reason", p.Reason))
		d.penalizePair(jobID, robotID)
		d.unwind(ctx, jobID, robotID, log)
		d.audit(ctx, "job.rejected", jobID, fmt.Sprintf("robot %s: %s", robotID, p.Reason))

	default:
		assignOutcomes.WithLabelValues("unexpected").Inc()
		log.Warn("unexpected assignment reply", zap.String("type", string(reply.Type)))
		d.penalizeRobot(robotID)
		d.unwind(ctx, jobID, robotID, log)
	}
}

// unwind returns a claimed job to the queue and frees the capacity slot.
func (d *Dispatcher) unwind(ctx context.Context, jobID, robotID string, log *zap.Logger) {
	if err := d.stores.Jobs.Release(ctx, jobID); err != nil && !errors.Is(err, store.ErrStale) {
		log.Error("release job", zap.Error(err))
	}
	d.registry.Release(robotID, jobID)
}

func (d *Dispatcher) penalizePair(jobID, robotID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	key := pairKey{jobID, robotID}
	rej := d.rejected[key]
	if rej.count == 0 || now.Sub(rej.firstAt) > d.cfg.RejectWindow {
		rej = rejection{firstAt: now}
	}
	rej.count++

	// A single rejection requeues the job immediately — the robot may have
	// been momentarily busy and the very next cycle can retry it. The
	// hold-off starts on a repeat rejection within the window and doubles
	// from there, capped at 8x the base.
	if rej.count > 1 {
		shift := rej.count - 2
		if shift > 3 {
			shift = 3
		}
		rej.until = now.Add(d.cfg.RejectBackoff << shift)
	}
	d.rejected[key] = rej
}

func (d *Dispatcher) penalizeRobot(robotID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cooldowns[robotID] = time.Now().Add(d.cfg.ErrorCooldown)
}

// expirePenalties drops stale penalty entries so the maps stay small.
func (d *Dispatcher) expirePenalties(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, rej := range d.rejected {
		if now.After(rej.until) && now.Sub(rej.firstAt) > d.cfg.RejectWindow {
			delete(d.rejected, k)
		}
	}
	for id, until := range d.cooldowns {
		if now.After(until) {
			delete(d.cooldowns, id)
		}
	}
}

func (d *Dispatcher) audit(ctx context.Context, action, entityID, detail string) {
	if err := d.stores.Audit.Append(ctx, "dispatcher", action, entityID, detail); err != nil {
		d.logger.Warn("audit append", zap.String("action", action), zap.Error(err))
	}
}

// ─── Cancellation ────────────────────────────────────────────────────────────

// CancelJob cancels a job on behalf of an operator. A pending job is
// cancelled directly. An assigned or running job gets a cancel request to
// its robot; the job is recorded cancelled whether or not the confirmation
// arrives, with a missing confirmation noted in the audit trail.
func (d *Dispatcher) CancelJob(ctx context.Context, jobID, actor, reason string) error {
	job, err := d.stores.Jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}

	status := types.JobStatus(job.Status)
	if status.Terminal() {
		return store.ErrStale
	}

	terminal := store.TerminalUpdate{Status: types.JobStatusCancelled, Error: reason}

	if status == types.JobStatusPending {
		if err := d.stores.Jobs.RecordTerminal(ctx, jobID, terminal); err != nil {
			return err
		}
		d.audit(ctx, "job.cancelled", jobID, fmt.Sprintf("by %s while pending: %s", actor, reason))
		return nil
	}

	robotID := job.AssignedRobotID
	env, err := protocol.New(protocol.TypeJobCancel, protocol.JobCancelPayload{JobID: jobID, Reason: reason})
	if err != nil {
		return err
	}

	_, sendErr := d.registry.SendWithReply(ctx, robotID, env, d.cfg.CancelTimeout)

	if err := d.stores.Jobs.RecordTerminal(ctx, jobID, terminal); err != nil && !errors.Is(err, store.ErrStale) {
		return err
	}
	d.registry.Release(robotID, jobID)

	switch {
	case sendErr == nil:
		d.audit(ctx, "job.cancelled", jobID, fmt.Sprintf("by %s, confirmed by robot %s", actor, robotID))
	case errors.Is(sendErr, registry.ErrNotConnected):
		d.audit(ctx, "job.cancelled", jobID, fmt.Sprintf("by %s, robot %s offline", actor, robotID))
	default:
		// The robot may still be executing; the janitor's timeout sweep is
		// the backstop if it never notices the cancellation.
		d.audit(ctx, "job.cancel_ack_missing", jobID, fmt.Sprintf("by %s, robot %s: %v", actor, robotID, sendErr))
	}
	return nil
}
