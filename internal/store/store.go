// Package store implements persistent, transactional storage of robots,
// jobs, API keys, logs and the audit trail on top of the db package's GORM
// models. Every operation returns either success or one of the typed
// failures in errors.go; recovery policy belongs to the caller.
package store

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"

	"github.com/omerlefaruk/CasareRPA-sub014/internal/db"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/types"
)

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// RobotFilter narrows ListRobots results. Zero values mean "no filter".
type RobotFilter struct {
	Status     types.RobotStatus
	TenantID   string
	Capability string
}

// Registration is the input to RegisterRobot — the subset of robot fields a
// client declares about itself.
type Registration struct {
	RobotID           string
	Name              string
	Hostname          string
	TenantID          string
	Environment       string
	MaxConcurrentJobs int
	Capabilities      []string
	Tags              []string
}

// JobRequest is the input to EnqueueJob.
type JobRequest struct {
	TenantID       string
	WorkflowID     string
	WorkflowName   string
	WorkflowJSON   []byte
	Parameters     map[string]any
	Priority       types.Priority
	TimeoutSeconds int
	RequestedRobot string
	RequiredCaps   []string
}

// TerminalUpdate carries the final outcome written by RecordJobTerminal.
type TerminalUpdate struct {
	Status types.JobStatus // must be terminal
	Result map[string]any
	Error  string
}

// RobotStore persists the fleet's registered robots.
type RobotStore interface {
	// Register upserts a robot keyed on its client-chosen robot_id. On a
	// unique collision of name or hostname the value is deterministically
	// disambiguated and the insert retried up to 3 times.
	Register(ctx context.Context, reg Registration) (*db.Robot, error)

	// UpdateStatus atomically updates status, heartbeat timestamp and
	// optional metrics. If no row exists yet (heartbeat before
	// registration), a minimal row is created so the fleet self-heals.
	UpdateStatus(ctx context.Context, robotID string, status types.RobotStatus, heartbeat time.Time, metrics map[string]float64) error

	Get(ctx context.Context, robotID string) (*db.Robot, error)
	List(ctx context.Context, filter RobotFilter, opts ListOptions) ([]db.Robot, int64, error)
	Update(ctx context.Context, robot *db.Robot) error
	Delete(ctx context.Context, robotID string) error

	// MarkOfflineStale flips robots to offline whose last heartbeat is older
	// than the cutoff. Returns the robot_ids affected.
	MarkOfflineStale(ctx context.Context, cutoff time.Time) ([]string, error)
}

// JobStore persists the job queue and its state machine.
type JobStore interface {
	Enqueue(ctx context.Context, req JobRequest) (*db.Job, error)
	Get(ctx context.Context, jobID string) (*db.Job, error)
	List(ctx context.Context, status types.JobStatus, opts ListOptions) ([]db.Job, int64, error)

	// NextPending returns up to limit pending jobs ordered by
	// priority DESC, created_at ASC — the dispatch candidate batch.
	NextPending(ctx context.Context, limit int) ([]db.Job, error)

	// MarkAssigned transitions pending → assigned and records the job in the
	// robot's current_job_ids set, in one transaction guarded on the current
	// status. Returns ErrStale if the job is no longer pending.
	MarkAssigned(ctx context.Context, jobID, robotID string) error

	// Release returns assigned|running → pending and removes the job from
	// the robot's current_job_ids. Used on robot reject or disconnect
	// before completion. No-op (ErrStale) once the job is terminal.
	Release(ctx context.Context, jobID string) error

	// MarkRunning transitions assigned → running and stamps started_at.
	MarkRunning(ctx context.Context, jobID string) error

	UpdateProgress(ctx context.Context, jobID string, progress float64, currentNode string) error

	// RecordTerminal writes the final state. Idempotent: only advances from
	// non-terminal states, a second call with the same status is a no-op.
	RecordTerminal(ctx context.Context, jobID string, upd TerminalUpdate) error

	// ReleaseAllForRobot re-queues every assigned (not yet running or
	// already running) job held by a robot. Called by the stale sweeper on
	// disconnect. Returns the affected job ids.
	ReleaseAllForRobot(ctx context.Context, robotID string) ([]string, error)

	// ListTimedOut returns non-terminal jobs whose timeout_seconds + grace
	// elapsed since started_at. The janitor marks them timed_out.
	ListTimedOut(ctx context.Context, grace time.Duration, now time.Time) ([]db.Job, error)
}

// MintedKey is returned by KeyStore.Create: the cleartext secret appears here
// exactly once and is never stored or logged.
type MintedKey struct {
	Key    *db.APIKey
	Secret string
}

// KeyStore persists per-robot channel credentials.
type KeyStore interface {
	Create(ctx context.Context, robotID string, expiresAt *time.Time) (*MintedKey, error)

	// Verify checks a presented secret. The comparison against the stored
	// hash is constant-time. Returns ErrMissing for unknown, revoked or
	// expired keys — callers cannot distinguish why a key failed.
	Verify(ctx context.Context, secret, remoteIP string) (*db.APIKey, error)

	Revoke(ctx context.Context, keyID string) error
	ListByRobot(ctx context.Context, robotID string) ([]db.APIKey, error)
	List(ctx context.Context, opts ListOptions) ([]db.APIKey, int64, error)
}

// LogStore persists the append-only per-job diagnostic stream.
type LogStore interface {
	AppendBatch(ctx context.Context, entries []db.LogEntry) error
	ListByJob(ctx context.Context, jobID string, opts ListOptions) ([]db.LogEntry, int64, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditStore records control-plane and dispatch decisions.
type AuditStore interface {
	Append(ctx context.Context, actor, action, entityID, detail string) error
	List(ctx context.Context, opts ListOptions) ([]db.AuditEntry, int64, error)
}

// Stores bundles all repositories over one database handle.
type Stores struct {
	Robots RobotStore
	Jobs   JobStore
	Keys   KeyStore
	Logs   LogStore
	Audit  AuditStore
}

// New wires all stores over the provided *gorm.DB.
func New(database *gorm.DB) *Stores {
	return &Stores{
		Robots: &gormRobotStore{db: database},
		Jobs:   &gormJobStore{db: database},
		Keys:   &gormKeyStore{db: database},
		Logs:   &gormLogStore{db: database},
		Audit:  &gormAuditStore{db: database},
	}
}

// ─── JSON column helpers ─────────────────────────────────────────────────────

// EncodeList marshals a string slice for a JSON text column. nil encodes
// as an empty array so columns never hold SQL NULL.
func EncodeList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(raw)
}

// DecodeList unmarshals a JSON text column into a string slice.
// Malformed column content yields an empty slice rather than an error —
// these columns are always written by EncodeList.
func DecodeList(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil
	}
	return items
}

// encodeMap marshals an arbitrary map for a JSON text column.
func encodeMap[V any](m map[string]V) string {
	if len(m) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// DecodeMap unmarshals a JSON text column into a map.
func DecodeMap(raw string) map[string]any {
	if raw == "" || raw == "{}" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}
