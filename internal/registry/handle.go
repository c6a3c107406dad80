package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/omerlefaruk/CasareRPA-sub014/internal/protocol"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/types"
)

// ErrReplyTimeout is returned when a correlated reply did not arrive within
// the reply window.
var ErrReplyTimeout = errors.New("registry: reply timed out")

// ErrHandleClosed is returned when an operation targets a connection that has
// already closed (disconnect, supersede, stale eviction or shutdown).
var ErrHandleClosed = errors.New("registry: connection closed")

// ErrNotConnected is returned when no live handle exists for a robot_id.
// Callers treat this as "robot offline".
var ErrNotConnected = errors.New("registry: robot not connected")

// handleState tracks a connection through its lifecycle. The state only
// moves forward; a reconnect always produces a fresh handle.
type handleState int

const (
	stateAuth handleState = iota
	stateRegistered
	stateActive
	stateClosed
)

const (
	// sendBufferSize is the capacity of the per-connection outbound queue.
	// A full queue means the writer cannot drain to the socket — the
	// connection is closed rather than blocking the sender.
	sendBufferSize = 64

	// maxFrameSize bounds a single inbound frame. Workflow payloads travel
	// server→robot, so inbound frames stay small; 1 MB leaves headroom for
	// large log batches.
	maxFrameSize = 1 << 20

	writeWait = 10 * time.Second
)

// Handle represents one live robot connection: the socket, the robot's
// cached identity, its capacity counters and the pending-reply futures.
// Handles live exactly as long as their WebSocket connection and are never
// persisted — after a crash the fleet state is rebuilt from reconnects.
type Handle struct {
	robotID     string
	tenantID    string
	connectedAt time.Time

	conn *websocket.Conn
	send chan []byte

	// closed is closed exactly once when the handle enters stateClosed.
	closed    chan struct{}
	closeOnce sync.Once

	// mu guards everything below. Never held across a DB call or a socket
	// write — collect what you need under the lock, then release it.
	mu            sync.Mutex
	state         handleState
	status        types.RobotStatus
	maxConcurrent int
	capabilities  map[string]struct{}
	activeJobs    map[string]struct{}
	lastHeartbeat time.Time
	metrics       map[string]float64

	// pending maps outstanding message IDs to their reply futures. Each
	// future receives exactly one envelope or is failed on close.
	pendingMu sync.Mutex
	pending   map[string]chan protocol.Envelope
}

func newHandle(robotID, tenantID string, conn *websocket.Conn) *Handle {
	return &Handle{
		robotID:       robotID,
		tenantID:      tenantID,
		connectedAt:   time.Now().UTC(),
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
		closed:        make(chan struct{}),
		state:         stateAuth,
		status:        types.RobotStatusOnline,
		maxConcurrent: 1,
		capabilities:  make(map[string]struct{}),
		activeJobs:    make(map[string]struct{}),
		lastHeartbeat: time.Now().UTC(),
		pending:       make(map[string]chan protocol.Envelope),
	}
}

// RobotID returns the robot this handle belongs to.
func (h *Handle) RobotID() string { return h.robotID }

// Closed returns a channel closed when the handle reaches its terminal state.
func (h *Handle) Closed() <-chan struct{} { return h.closed }

// IsClosed reports whether the handle has reached its terminal state.
func (h *Handle) IsClosed() bool {
	select {
	case <-h.closed:
		return true
	default:
		return false
	}
}

// applyRegistration caches the identity the robot declared in its Register
// message and moves the handle to stateRegistered.
func (h *Handle) applyRegistration(p protocol.RegisterPayload) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.state = stateRegistered
	if p.MaxConcurrentJobs >= 1 {
		h.maxConcurrent = p.MaxConcurrentJobs
	}
	h.capabilities = make(map[string]struct{}, len(p.Capabilities))
	for _, c := range p.Capabilities {
		h.capabilities[c] = struct{}{}
	}
}

// applyHeartbeat refreshes liveness and cached metrics. The first heartbeat
// moves the handle to stateActive.
func (h *Handle) applyHeartbeat(p protocol.HeartbeatPayload, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == stateRegistered {
		h.state = stateActive
	}
	h.lastHeartbeat = at
	if s := types.RobotStatus(p.Status); s.Valid() {
		h.status = s
	}
	h.metrics = map[string]float64{
		"cpu_percent":    p.CPUPercent,
		"memory_percent": p.MemoryPercent,
		"disk_percent":   p.DiskPercent,
	}
}

// heartbeatAge returns how long ago the last heartbeat was observed.
func (h *Handle) heartbeatAge(now time.Time) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return now.Sub(h.lastHeartbeat)
}

// TryReserve attempts to claim one capacity slot for a job. It fails when
// the robot is at max_concurrent_jobs, is not accepting work, or the handle
// has closed. The reservation keeps |activeJobs| ≤ maxConcurrent at every
// instant, before the robot has even acknowledged the assignment.
func (h *Handle) TryReserve(jobID string) bool {
	if h.IsClosed() {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.status != types.RobotStatusOnline && h.status != types.RobotStatusBusy {
		return false
	}
	if len(h.activeJobs) >= h.maxConcurrent {
		return false
	}
	h.activeJobs[jobID] = struct{}{}
	return true
}

// ReleaseJob frees the capacity slot held by a job. Safe to call for a job
// that was never reserved.
func (h *Handle) ReleaseJob(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.activeJobs, jobID)
}

// Snapshot returns a point-in-time copy of the handle's scheduling-relevant
// state for the dispatcher's eligibility predicate.
func (h *Handle) Snapshot() RobotSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	caps := make([]string, 0, len(h.capabilities))
	for c := range h.capabilities {
		caps = append(caps, c)
	}
	jobs := make([]string, 0, len(h.activeJobs))
	for j := range h.activeJobs {
		jobs = append(jobs, j)
	}

	return RobotSnapshot{
		RobotID:       h.robotID,
		TenantID:      h.tenantID,
		Status:        h.status,
		ActiveJobs:    jobs,
		MaxConcurrent: h.maxConcurrent,
		Capabilities:  caps,
		LastHeartbeat: h.lastHeartbeat,
		ConnectedAt:   h.connectedAt,
		Metrics:       h.metrics,
	}
}

// RobotSnapshot is the dispatcher's read-only view of a live connection.
type RobotSnapshot struct {
	RobotID       string
	TenantID      string
	Status        types.RobotStatus
	ActiveJobs    []string
	MaxConcurrent int
	Capabilities  []string
	LastHeartbeat time.Time
	ConnectedAt   time.Time
	Metrics       map[string]float64
}

// HasCapability reports whether the robot declared the given capability tag.
func (s RobotSnapshot) HasCapability(cap string) bool {
	for _, c := range s.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Available reports whether the robot can take one more job right now.
func (s RobotSnapshot) Available() bool {
	return s.Status == types.RobotStatusOnline && len(s.ActiveJobs) < s.MaxConcurrent
}

// ─── Outbound queue ──────────────────────────────────────────────────────────

// enqueue places an encoded frame on the outbound queue. Fails with
// ErrHandleClosed after close; a full queue also fails rather than blocking.
func (h *Handle) enqueue(frame []byte) error {
	select {
	case <-h.closed:
		return ErrHandleClosed
	default:
	}

	select {
	case h.send <- frame:
		return nil
	case <-h.closed:
		return ErrHandleClosed
	default:
		return errors.New("registry: send queue full")
	}
}

// sendEnvelope encodes and enqueues one envelope.
func (h *Handle) sendEnvelope(env protocol.Envelope) error {
	frame, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return h.enqueue(frame)
}

// ─── Pending-reply futures ───────────────────────────────────────────────────

// registerPending creates a reply future for the given message ID.
func (h *Handle) registerPending(msgID string) chan protocol.Envelope {
	ch := make(chan protocol.Envelope, 1)
	h.pendingMu.Lock()
	h.pending[msgID] = ch
	h.pendingMu.Unlock()
	return ch
}

// cancelPending removes a future without completing it.
func (h *Handle) cancelPending(msgID string) {
	h.pendingMu.Lock()
	delete(h.pending, msgID)
	h.pendingMu.Unlock()
}

// completePending delivers a reply to its future. Replies whose correlation
// ID matches no outstanding message are ignored, per protocol.
func (h *Handle) completePending(env protocol.Envelope) bool {
	h.pendingMu.Lock()
	ch, ok := h.pending[env.CorrelationID]
	if ok {
		delete(h.pending, env.CorrelationID)
	}
	h.pendingMu.Unlock()

	if !ok {
		return false
	}
	ch <- env
	return true
}

// failAllPending drops every outstanding future. Waiters observe the closed
// channel and translate it to a dispatch failure.
func (h *Handle) failAllPending() {
	h.pendingMu.Lock()
	for id, ch := range h.pending {
		close(ch)
		delete(h.pending, id)
	}
	h.pendingMu.Unlock()
}

// markClosed transitions the handle to its terminal state exactly once,
// failing all pending futures and closing the socket. The frame argument is
// a best-effort close frame; the peer may already be gone.
func (h *Handle) markClosed(code int, reason string) {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.state = stateClosed
		h.mu.Unlock()

		close(h.closed)
		h.failAllPending()

		// WriteControl is the only write safe to issue while the write pump
		// may be mid-frame on another goroutine.
		msg := websocket.FormatCloseMessage(code, reason)
		_ = h.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = h.conn.Close()
	})
}
