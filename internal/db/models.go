package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Robots
// -----------------------------------------------------------------------------

// Robot represents a registered worker process. The RobotID is client-chosen
// and stable across reconnects; the row is upserted on every registration.
// Capability, tag, job and metric sets are stored as JSON text columns — the
// orchestrator only reasons about status, capacity and routing, everything
// else is opaque.
type Robot struct {
	Base
	RobotID           string `gorm:"uniqueIndex;not null"`
	Name              string `gorm:"uniqueIndex;not null;size:255"`
	Hostname          string `gorm:"uniqueIndex;not null;size:255"`
	TenantID          string `gorm:"not null;default:'default';index"`
	Environment       string `gorm:"not null;default:''"`
	Status            string `gorm:"not null;default:'offline';index"` // online, busy, offline, error, maintenance
	MaxConcurrentJobs int    `gorm:"not null;default:1"`
	Capabilities      string `gorm:"type:text;not null;default:'[]'"` // JSON array of tags
	Tags              string `gorm:"type:text;not null;default:'[]'"` // JSON array, free-form affinity labels
	CurrentJobIDs     string `gorm:"type:text;not null;default:'[]'"` // JSON array of job UUIDs
	Metrics           string `gorm:"type:text;not null;default:'{}'"` // JSON map: cpu%, mem%, disk%
	LastSeenAt        *time.Time
	LastHeartbeatAt   *time.Time
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

// Job represents one execution of a workflow on one robot.
// Status transitions are monotonic except assigned → pending on robot reject
// or disconnect before start. Terminal states are absorbing:
// succeeded, failed, cancelled, timed_out.
type Job struct {
	Base
	TenantID        string `gorm:"not null;default:'default';index"`
	WorkflowID      string `gorm:"not null;default:''"`
	WorkflowName    string `gorm:"not null"`
	WorkflowJSON    []byte `gorm:"type:blob"`                       // opaque workflow definition
	Parameters      string `gorm:"type:text;not null;default:'{}'"` // JSON map
	Priority        int    `gorm:"not null;default:1;index"`        // 0=low 1=normal 2=high 3=critical
	TimeoutSeconds  int    `gorm:"not null;default:0"`
	RequestedRobot  string `gorm:"not null;default:''"`             // robot_id pin, empty = any
	RequiredCaps    string `gorm:"type:text;not null;default:'[]'"` // JSON array
	Status          string `gorm:"not null;default:'pending';index"`
	AssignedRobotID string `gorm:"not null;default:'';index"`
	ProgressPercent float64 `gorm:"not null;default:0"`
	CurrentNode     string  `gorm:"not null;default:''"`
	Result          string  `gorm:"type:text;not null;default:'{}'"` // JSON map
	Error           string  `gorm:"type:text;not null;default:''"`
	AssignedAt      *time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
}

// -----------------------------------------------------------------------------
// API keys
// -----------------------------------------------------------------------------

// APIKey is the per-robot credential for the robot channel. The secret is
// returned exactly once at mint time; only its bcrypt hash is stored.
type APIKey struct {
	Base
	KeyID      string `gorm:"uniqueIndex;not null"`
	RobotID    string `gorm:"not null;index"`
	SecretHash string `gorm:"not null"`                       // bcrypt hash, never the cleartext
	Status     string `gorm:"not null;default:'valid';index"` // valid, revoked, expired
	ExpiresAt  *time.Time
	LastUsedAt *time.Time
	LastUsedIP string `gorm:"not null;default:''"`
}

// -----------------------------------------------------------------------------
// Logs
// -----------------------------------------------------------------------------

// LogEntry stores one diagnostic line from a job's execution stream.
// Entries are inserted in batches — robots ship LogBatch frames and the relay
// flushes them in one INSERT.
type LogEntry struct {
	Base
	JobID     string    `gorm:"not null;index"`
	RobotID   string    `gorm:"not null;index"`
	Level     string    `gorm:"not null"`
	Source    string    `gorm:"not null;default:''"`
	Message   string    `gorm:"type:text;not null"`
	NodeID    string    `gorm:"not null;default:''"`
	Extra     string    `gorm:"type:text;not null;default:'{}'"`
	Timestamp time.Time `gorm:"not null;index"`
}

// -----------------------------------------------------------------------------
// Audit log
// -----------------------------------------------------------------------------

// AuditEntry records control-plane and dispatch decisions for operators:
// key lifecycle events, job rejections, cancellations, missing cancel acks.
type AuditEntry struct {
	Base
	Actor    string `gorm:"not null"` // "dispatcher", "api:<remote>", "sweeper"
	Action   string `gorm:"not null;index"`
	EntityID string `gorm:"not null;default:'';index"`
	Detail   string `gorm:"type:text;not null;default:''"`
}
