// Package types defines shared domain types used by both the orchestrator
// and the robot agent.
package types

// ─── Robot ───────────────────────────────────────────────────────────────────

// RobotStatus represents the current state of a robot in the fleet.
type RobotStatus string

const (
	RobotStatusOnline      RobotStatus = "online"
	RobotStatusBusy        RobotStatus = "busy"
	RobotStatusOffline     RobotStatus = "offline"
	RobotStatusError       RobotStatus = "error"
	RobotStatusMaintenance RobotStatus = "maintenance"
)

// Valid reports whether s is one of the known robot statuses.
func (s RobotStatus) Valid() bool {
	switch s {
	case RobotStatusOnline, RobotStatusBusy, RobotStatusOffline,
		RobotStatusError, RobotStatusMaintenance:
		return true
	}
	return false
}

// ─── Job ─────────────────────────────────────────────────────────────────────

// JobStatus represents the current execution state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusAssigned  JobStatus = "assigned"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusTimedOut  JobStatus = "timed_out"
)

// Terminal reports whether the status is absorbing — once a job reaches a
// terminal status it never changes again.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCancelled, JobStatusTimedOut:
		return true
	}
	return false
}

// ─── Priority ────────────────────────────────────────────────────────────────

// Priority orders jobs in the dispatch queue. Higher values win.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// ParsePriority maps the wire/API strings to a Priority.
// Unrecognised values fall back to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// String returns the API representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// ─── API keys ────────────────────────────────────────────────────────────────

// KeyStatus represents the lifecycle state of an API key.
type KeyStatus string

const (
	KeyStatusValid   KeyStatus = "valid"
	KeyStatusRevoked KeyStatus = "revoked"
	KeyStatusExpired KeyStatus = "expired"
)
