// Package relay turns raw robot messages into persistent job state and live
// events. It is the registry's inbound sink: every job lifecycle report and
// log line lands here, gets written to the store with retries, and is fanned
// out to hub subscribers. Persistence is at-least-once; fan-out to
// subscribers is at-most-once.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/omerlefaruk/CasareRPA-sub014/internal/db"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/protocol"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/registry"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/store"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/types"
)

// persistMaxElapsed bounds the retry window for one store write. A write
// that cannot land within this window is logged and dropped; the robot's
// next report or the janitor's sweep repairs the record.
const persistMaxElapsed = 30 * time.Second

// Relay consumes inbound robot traffic on behalf of the registry.
type Relay struct {
	stores   *store.Stores
	hub      *Hub
	registry *registry.Registry
	logger   *zap.Logger
}

// New constructs a Relay over the given stores and hub. The registry
// reference is used to free capacity slots when jobs reach terminal state.
func New(stores *store.Stores, hub *Hub, reg *registry.Registry, logger *zap.Logger) *Relay {
	return &Relay{
		stores:   stores,
		hub:      hub,
		registry: reg,
		logger:   logger.Named("relay"),
	}
}

// HandleInbound implements registry.Sink. It never blocks the caller's read
// loop on subscriber backpressure, only on store writes (which are bounded
// by the retry window).
func (rl *Relay) HandleInbound(ctx context.Context, robotID string, env protocol.Envelope) {
	log := rl.logger.With(zap.String("robot_id", robotID), zap.String("type", string(env.Type)))

	switch env.Type {
	case protocol.TypeJobProgress:
		rl.onProgress(ctx, robotID, env, log)
	case protocol.TypeJobComplete:
		rl.onComplete(ctx, robotID, env, log)
	case protocol.TypeJobFailed:
		rl.onFailed(ctx, robotID, env, log)
	case protocol.TypeJobCancelled:
		// An uncorrelated cancellation confirmation; the correlated path is
		// absorbed by the sender's reply future.
		rl.onCancelled(ctx, robotID, env, log)
	case protocol.TypeLogEntry:
		rl.onLogEntries(ctx, robotID, env, log, false)
	case protocol.TypeLogBatch:
		rl.onLogEntries(ctx, robotID, env, log, true)
	case protocol.TypeHeartbeat, protocol.TypeStatusResponse:
		// Telemetry already persisted (or purely live); publish only.
		rl.publish(TopicRobot(robotID), robotID, "", env)
	case protocol.TypeError:
		var p protocol.ErrorPayload
		_ = protocol.DecodePayload(env, &p)
		log.Warn("robot reported error", zap.String("code", p.Code), zap.String("message", p.Message))
		rl.publish(TopicRobot(robotID), robotID, "", env)
	default:
		// Unknown or future message types pass through to subscribers
		// untouched so tooling newer than this server keeps working.
		log.Debug("passing through unhandled message type")
		rl.publish(TopicRobot(robotID), robotID, "", env)
	}
}

func (rl *Relay) onProgress(ctx context.Context, robotID string, env protocol.Envelope, log *zap.Logger) {
	var p protocol.JobProgressPayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		log.Warn("bad progress payload", zap.Error(err))
		return
	}
	if p.JobID == "" {
		return
	}

	rl.persist(ctx, log, "progress", func() error {
		return rl.stores.Jobs.UpdateProgress(ctx, p.JobID, p.Progress, p.CurrentNode)
	})
	rl.publish(TopicJob(p.JobID), robotID, p.JobID, env)
	rl.publish(TopicRobot(robotID), robotID, p.JobID, env)
}

func (rl *Relay) onComplete(ctx context.Context, robotID string, env protocol.Envelope, log *zap.Logger) {
	var p protocol.JobCompletePayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		log.Warn("bad completion payload", zap.Error(err))
		return
	}
	if p.JobID == "" {
		return
	}

	rl.finishJob(ctx, robotID, p.JobID, env, log, store.TerminalUpdate{
		Status: types.JobStatusSucceeded,
		Result: p.Result,
	})
}

func (rl *Relay) onFailed(ctx context.Context, robotID string, env protocol.Envelope, log *zap.Logger) {
	var p protocol.JobFailedPayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		log.Warn("bad failure payload", zap.Error(err))
		return
	}
	if p.JobID == "" {
		return
	}

	rl.finishJob(ctx, robotID, p.JobID, env, log, store.TerminalUpdate{
		Status: types.JobStatusFailed,
		Error:  p.ErrorMessage,
	})
}

func (rl *Relay) onCancelled(ctx context.Context, robotID string, env protocol.Envelope, log *zap.Logger) {
	var p protocol.JobReplyPayload
	if err := protocol.DecodePayload(env, &p); err != nil || p.JobID == "" {
		return
	}

	rl.finishJob(ctx, robotID, p.JobID, env, log, store.TerminalUpdate{
		Status: types.JobStatusCancelled,
		Error:  p.Reason,
	})
}

// finishJob records a terminal outcome, frees the robot's capacity slot and
// publishes the event. RecordTerminal is idempotent, so a redelivered
// terminal report cannot double-finish a job.
func (rl *Relay) finishJob(ctx context.Context, robotID, jobID string, env protocol.Envelope, log *zap.Logger, upd store.TerminalUpdate) {
	rl.persist(ctx, log.With(zap.String("job_id", jobID)), "terminal", func() error {
		return rl.stores.Jobs.RecordTerminal(ctx, jobID, upd)
	})

	rl.registry.Release(robotID, jobID)
	jobsFinished.WithLabelValues(string(upd.Status)).Inc()

	rl.publish(TopicJob(jobID), robotID, jobID, env)
	rl.publish(TopicRobot(robotID), robotID, jobID, env)
}

func (rl *Relay) onLogEntries(ctx context.Context, robotID string, env protocol.Envelope, log *zap.Logger, batch bool) {
	var lines []protocol.LogEntryPayload
	if batch {
		var p protocol.LogBatchPayload
		if err := protocol.DecodePayload(env, &p); err != nil {
			log.Warn("bad log batch payload", zap.Error(err))
			return
		}
		lines = p.Entries
	} else {
		var p protocol.LogEntryPayload
		if err := protocol.DecodePayload(env, &p); err != nil {
			log.Warn("bad log payload", zap.Error(err))
			return
		}
		lines = []protocol.LogEntryPayload{p}
	}
	if len(lines) == 0 {
		return
	}

	entries := make([]db.LogEntry, 0, len(lines))
	for _, l := range lines {
		ts := l.Timestamp
		if ts.IsZero() {
			ts = env.TS
		}
		entries = append(entries, db.LogEntry{
			JobID:     l.JobID,
			RobotID:   robotID,
			Level:     l.Level,
			Source:    l.Source,
			Message:   l.Message,
			NodeID:    l.NodeID,
			Extra:     encodeExtra(l.Extra),
			Timestamp: ts,
		})
	}

	rl.persist(ctx, log, "logs", func() error {
		return rl.stores.Logs.AppendBatch(ctx, entries)
	})

	rl.publish(TopicLogs, robotID, "", env)
	seen := make(map[string]struct{}, 1)
	for _, l := range lines {
		if l.JobID == "" {
			continue
		}
		if _, dup := seen[l.JobID]; dup {
			continue
		}
		seen[l.JobID] = struct{}{}
		rl.publish(TopicJob(l.JobID), robotID, l.JobID, env)
	}
}

// persist runs one store write with exponential backoff. Permanent failures
// (missing rows, stale transitions) are not retried: the write is already
// meaningless, not merely delayed.
func (rl *Relay) persist(ctx context.Context, log *zap.Logger, op string, fn func() error) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = persistMaxElapsed

	err := backoff.Retry(func() error {
		err := fn()
		switch {
		case err == nil:
			return nil
		case errors.Is(err, store.ErrMissing), errors.Is(err, store.ErrStale):
			return backoff.Permanent(err)
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		default:
			persistRetries.WithLabelValues(op).Inc()
			return err
		}
	}, backoff.WithContext(bo, ctx))

	if err != nil {
		if errors.Is(err, store.ErrStale) {
			// A report for a job that already reached terminal state.
			log.Debug("stale write ignored", zap.String("op", op))
			return
		}
		persistFailures.WithLabelValues(op).Inc()
		log.Error("persist failed after retries", zap.String("op", op), zap.Error(err))
	}
}

func (rl *Relay) publish(topic, robotID, jobID string, env protocol.Envelope) {
	rl.hub.Publish(Event{
		Topic:   topic,
		Type:    string(env.Type),
		RobotID: robotID,
		JobID:   jobID,
		TS:      env.TS,
		Payload: env.Payload,
	})
}

func encodeExtra(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
