// Package protocol defines the framed message envelope exchanged between the
// orchestrator and robots over the WebSocket channel, together with the typed
// payloads for every message in the catalog.
//
// One envelope per WebSocket text frame. Every envelope carries a unique
// message ID; a reply references the original message through CorrelationID.
// Unknown message types decode successfully and are carried as-is so either
// side can add message types without breaking the other.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of message carried by an Envelope.
type Type string

// Message catalog. Direction is noted for reference: "→" server-to-robot,
// "←" robot-to-server.
const (
	TypeRegister     Type = "register"      // ←
	TypeRegisterAck  Type = "register_ack"  // →
	TypeHeartbeat    Type = "heartbeat"     // ←
	TypeHeartbeatAck Type = "heartbeat_ack" // →

	TypeJobAssign    Type = "job_assign"    // →
	TypeJobAccept    Type = "job_accept"    // ← reply
	TypeJobReject    Type = "job_reject"    // ← reply
	TypeJobProgress  Type = "job_progress"  // ←
	TypeJobComplete  Type = "job_complete"  // ←
	TypeJobFailed    Type = "job_failed"    // ←
	TypeJobCancel    Type = "job_cancel"    // →
	TypeJobCancelled Type = "job_cancelled" // ← reply

	TypeLogEntry Type = "log_entry" // ←
	TypeLogBatch Type = "log_batch" // ←

	TypeStatusRequest  Type = "status_request"  // →
	TypeStatusResponse Type = "status_response" // ← reply

	TypePause    Type = "pause"    // →
	TypeResume   Type = "resume"   // →
	TypeShutdown Type = "shutdown" // →

	TypeDisconnect Type = "disconnect" // ←
	TypeError      Type = "error"      // either
)

// knownTypes is the set of message types this build understands. Envelopes
// with a type outside this set still decode; Known reports false for them.
var knownTypes = map[Type]struct{}{
	TypeRegister: {}, TypeRegisterAck: {},
	TypeHeartbeat: {}, TypeHeartbeatAck: {},
	TypeJobAssign: {}, TypeJobAccept: {}, TypeJobReject: {},
	TypeJobProgress: {}, TypeJobComplete: {}, TypeJobFailed: {},
	TypeJobCancel: {}, TypeJobCancelled: {},
	TypeLogEntry: {}, TypeLogBatch: {},
	TypeStatusRequest: {}, TypeStatusResponse: {},
	TypePause: {}, TypeResume: {}, TypeShutdown: {},
	TypeDisconnect: {}, TypeError: {},
}

// Envelope is the self-describing frame wrapper. Payload stays raw until a
// handler decodes it into the payload struct matching Type.
type Envelope struct {
	ID            string          `json:"id"`
	Type          Type            `json:"type"`
	TS            time.Time       `json:"ts"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Known reports whether the envelope's type belongs to this build's catalog.
// Unknown envelopes are forwarded untouched rather than rejected.
func (e Envelope) Known() bool {
	_, ok := knownTypes[e.Type]
	return ok
}

// IsReply reports whether the envelope answers an earlier message.
func (e Envelope) IsReply() bool {
	return e.CorrelationID != ""
}

// New builds an envelope of the given type with a fresh message ID and the
// payload marshalled in place. The timestamp is the current UTC time.
func New(t Type, payload any) (Envelope, error) {
	env := Envelope{
		ID:   uuid.NewString(),
		Type: t,
		TS:   time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, &EncodeError{Type: t, Err: err}
		}
		env.Payload = raw
	}
	return env, nil
}

// NewReply builds an envelope answering a prior message: CorrelationID is set
// to the original message's ID.
func NewReply(to Envelope, t Type, payload any) (Envelope, error) {
	env, err := New(t, payload)
	if err != nil {
		return Envelope{}, err
	}
	env.CorrelationID = to.ID
	return env, nil
}

// ─── Payloads ────────────────────────────────────────────────────────────────

// RegisterPayload is the robot's identity self-declaration. It must be the
// first application-level message on a new connection.
type RegisterPayload struct {
	RobotName         string            `json:"robot_name"`
	Hostname          string            `json:"hostname,omitempty"`
	Environment       string            `json:"environment,omitempty"`
	TenantID          string            `json:"tenant_id,omitempty"`
	MaxConcurrentJobs int               `json:"max_concurrent_jobs"`
	Tags              []string          `json:"tags,omitempty"`
	Capabilities      []string          `json:"capabilities,omitempty"`
	AuthToken         string            `json:"auth_token,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// RegisterConfig carries server-side overrides handed back in RegisterAck.
type RegisterConfig struct {
	HeartbeatIntervalSecs int `json:"heartbeat_interval"`
}

// RegisterAckPayload acknowledges (or refuses) a registration.
type RegisterAckPayload struct {
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Config  RegisterConfig `json:"config"`
}

// HeartbeatPayload is the periodic liveness report.
type HeartbeatPayload struct {
	Status        string   `json:"status"`
	CurrentJobs   int      `json:"current_jobs"`
	CPUPercent    float64  `json:"cpu_percent"`
	MemoryPercent float64  `json:"memory_percent"`
	DiskPercent   float64  `json:"disk_percent"`
	ActiveJobIDs  []string `json:"active_job_ids,omitempty"`
}

// JobAssignPayload carries a full job to a robot. WorkflowJSON is opaque to
// the orchestrator — it is stored and forwarded as raw bytes.
type JobAssignPayload struct {
	JobID          string          `json:"job_id"`
	WorkflowID     string          `json:"workflow_id,omitempty"`
	WorkflowName   string          `json:"workflow_name"`
	WorkflowJSON   json.RawMessage `json:"workflow_json"`
	Priority       string          `json:"priority"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	Parameters     map[string]any  `json:"parameters,omitempty"`
}

// JobReplyPayload is shared by JobAccept, JobReject and JobCancelled.
// Reason is only meaningful for rejections.
type JobReplyPayload struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason,omitempty"`
}

// JobProgressPayload reports execution progress, 0–100.
type JobProgressPayload struct {
	JobID       string  `json:"job_id"`
	Progress    float64 `json:"progress"`
	CurrentNode string  `json:"current_node,omitempty"`
	Message     string  `json:"message,omitempty"`
}

// JobCompletePayload reports a successful terminal state.
type JobCompletePayload struct {
	JobID      string         `json:"job_id"`
	Result     map[string]any `json:"result,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}

// JobFailedPayload reports a failed terminal state. A failed job is a normal
// outcome, not a transport or protocol error.
type JobFailedPayload struct {
	JobID        string `json:"job_id"`
	ErrorMessage string `json:"error_message"`
	ErrorType    string `json:"error_type,omitempty"`
	StackTrace   string `json:"stack_trace,omitempty"`
	FailedNode   string `json:"failed_node,omitempty"`
}

// JobCancelPayload asks a robot to abort a running job.
type JobCancelPayload struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason,omitempty"`
}

// LogEntryPayload is one diagnostic log line emitted during execution.
type LogEntryPayload struct {
	JobID     string         `json:"job_id"`
	Level     string         `json:"level"`
	Source    string         `json:"source,omitempty"`
	Message   string         `json:"message"`
	NodeID    string         `json:"node_id,omitempty"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// LogBatchPayload carries several log lines in one frame to cut per-frame
// overhead during chatty executions.
type LogBatchPayload struct {
	Entries []LogEntryPayload `json:"entries"`
}

// StatusResponsePayload answers a StatusRequest with a point-in-time snapshot.
type StatusResponsePayload struct {
	Status       string   `json:"status"`
	ActiveJobIDs []string `json:"active_job_ids,omitempty"`
	CPUPercent   float64  `json:"cpu_percent"`
	MemPercent   float64  `json:"memory_percent"`
	DiskPercent  float64  `json:"disk_percent"`
	Uptime       int64    `json:"uptime_seconds,omitempty"`
}

// CommandPayload is shared by the Pause/Resume/Shutdown admin commands.
type CommandPayload struct {
	Reason string `json:"reason,omitempty"`
}

// DisconnectPayload announces an orderly departure.
type DisconnectPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ErrorPayload carries a diagnostic error frame in either direction.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
