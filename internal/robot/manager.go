// Package robot implements the worker-side connection manager. It maintains
// the persistent WebSocket channel to the orchestrator and handles:
//   - Registration (presenting identity, capabilities and credentials)
//   - Heartbeat loop with host metrics
//   - Job assignments: capacity gating, accept/reject, execution via Runner
//   - Progress, log, completion and failure reporting
//   - Cancellation, pause/resume and remote shutdown
//   - Automatic reconnection with exponential backoff + jitter
//
// State persistence: the first run generates a stable robot_id and writes it
// to <state-dir>/robot-state.json so every reconnect presents the same
// identity instead of registering a duplicate.
package robot

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/omerlefaruk/CasareRPA-sub014/internal/protocol"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/types"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second
	backoffFactor  = 2.0
	// jitterFraction adds up to ±20% random jitter to each backoff interval
	// to prevent thundering herd when many robots reconnect simultaneously.
	jitterFraction = 0.2

	// defaultHeartbeat applies until the register_ack overrides it.
	defaultHeartbeat = 30 * time.Second

	registerAckWait = 10 * time.Second
	writeWait       = 10 * time.Second
	sendQueueSize   = 64
)

// Config holds everything needed to join the fleet.
type Config struct {
	// ServerURL is the orchestrator's channel endpoint base, e.g.
	// "ws://orchestrator:8080". The robot path is appended automatically.
	ServerURL string
	// APIKey is the channel credential in "<key_id>.<random>" form.
	APIKey string
	// RobotID overrides the persisted identity. Usually left empty.
	RobotID string
	// Name is the human-facing robot name shown in the fleet view.
	Name string
	// StateDir is where robot-state.json is persisted.
	StateDir string

	Environment       string
	TenantID          string
	MaxConcurrentJobs int
	Capabilities      []string
	Tags              []string
}

// runningJob tracks one in-flight execution.
type runningJob struct {
	cancel context.CancelFunc
	// cancelled marks a server-initiated cancellation: the job_cancelled
	// reply is its terminal report, so the executor's own terminal message
	// is suppressed.
	cancelled bool
}

// Manager maintains the channel and executes assignments via the Runner.
// It implements Reporter so the Runner can publish progress and logs.
type Manager struct {
	cfg    Config
	runner Runner
	logger *zap.Logger

	robotID   string
	startedAt time.Time

	// Session state, replaced on every reconnect.
	mu        sync.Mutex
	send      chan []byte
	sessionUp bool
	heartbeat time.Duration
	paused    bool
	jobs      map[string]*runningJob

	// shutdown is closed when the server orders a remote shutdown.
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// New creates a Manager. Call Run to start the connection loop.
func New(cfg Config, runner Runner, logger *zap.Logger) (*Manager, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("robot: server URL is required")
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 1
	}

	robotID := cfg.RobotID
	if robotID == "" {
		state, err := loadState(cfg.StateDir)
		if err != nil {
			logger.Warn("failed to load robot state, generating new identity", zap.Error(err))
		}
		robotID = state.RobotID
	}
	if robotID == "" {
		robotID = "robot-" + uuid.NewString()
		if err := saveState(cfg.StateDir, robotState{RobotID: robotID}); err != nil {
			// Non-fatal, but the next restart registers as a new robot.
			logger.Warn("failed to persist robot state", zap.Error(err))
		}
	}

	return &Manager{
		cfg:       cfg,
		runner:    runner,
		logger:    logger.Named("robot"),
		robotID:   robotID,
		startedAt: time.Now(),
		heartbeat: defaultHeartbeat,
		jobs:      make(map[string]*runningJob),
		shutdown:  make(chan struct{}),
	}, nil
}

// RobotID returns the stable fleet identity this manager presents.
func (m *Manager) RobotID() string { return m.robotID }

// Run starts the connection loop: connect, register, serve the session, and
// on any failure reconnect with exponential backoff. Blocks until ctx is
// cancelled or the server orders a shutdown.
func (m *Manager) Run(ctx context.Context) error {
	backoff := backoffInitial

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("connection manager stopped")
			return ctx.Err()
		case <-m.shutdown:
			m.logger.Info("shut down by server command")
			return nil
		default:
		}

		m.logger.Info("connecting to orchestrator", zap.String("url", m.cfg.ServerURL))

		err := m.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-m.shutdown:
			m.logger.Info("shut down by server command")
			return nil
		default:
		}

		if err != nil {
			m.logger.Warn("session ended, reconnecting",
				zap.Error(err),
				zap.Duration("backoff", backoff))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(backoff)):
		}
		backoff = nextBackoff(backoff)
		if err == nil {
			backoff = backoffInitial
		}
	}
}

// channelURL builds the full channel endpoint with the credential attached.
func (m *Manager) channelURL() (string, error) {
	u, err := url.Parse(m.cfg.ServerURL)
	if err != nil {
		return "", fmt.Errorf("robot: invalid server URL: %w", err)
	}
	u.Path = "/api/v1/robot/" + m.robotID
	q := u.Query()
	q.Set("api_key", m.cfg.APIKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// session runs one connection from dial to teardown.
func (m *Manager) session(ctx context.Context) error {
	target, err := m.channelURL()
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	if err := m.register(conn); err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}

	m.mu.Lock()
	m.send = make(chan []byte, sendQueueSize)
	m.sessionUp = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.sessionUp = false
		m.mu.Unlock()
	}()

	m.logger.Info("registered with orchestrator",
		zap.String("robot_id", m.robotID),
		zap.Duration("heartbeat", m.currentHeartbeat()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.writePump(gctx, conn) })
	g.Go(func() error { return m.readLoop(gctx, conn) })
	g.Go(func() error { return m.heartbeatLoop(gctx) })

	err = g.Wait()
	if ctx.Err() != nil {
		// Graceful shutdown, not a session failure.
		m.sayGoodbye(conn, "robot shutting down")
		return nil
	}
	return err
}

// register sends the identity declaration and waits for the acknowledgement.
// The server's heartbeat interval override takes effect immediately.
func (m *Manager) register(conn *websocket.Conn) error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	env, err := protocol.New(protocol.TypeRegister, protocol.RegisterPayload{
		RobotName:         m.cfg.Name,
		Hostname:          hostname,
		Environment:       m.cfg.Environment,
		TenantID:          m.cfg.TenantID,
		MaxConcurrentJobs: m.cfg.MaxConcurrentJobs,
		Capabilities:      m.cfg.Capabilities,
		Tags:              m.cfg.Tags,
		AuthToken:         m.cfg.APIKey,
	})
	if err != nil {
		return err
	}
	frame, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("send register: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(registerAckWait))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("await register_ack: %w", err)
	}
	reply, err := protocol.Decode(raw)
	if err != nil {
		return err
	}
	if reply.Type == protocol.TypeError {
		var p protocol.ErrorPayload
		_ = protocol.DecodePayload(reply, &p)
		return fmt.Errorf("server refused registration: %s (%s)", p.Message, p.Code)
	}
	if reply.Type != protocol.TypeRegisterAck {
		return fmt.Errorf("expected register_ack, got %q", reply.Type)
	}

	var ack protocol.RegisterAckPayload
	if err := protocol.DecodePayload(reply, &ack); err != nil {
		return err
	}
	if !ack.Success {
		return fmt.Errorf("server refused registration: %s", ack.Message)
	}
	if secs := ack.Config.HeartbeatIntervalSecs; secs > 0 {
		m.mu.Lock()
		m.heartbeat = time.Duration(secs) * time.Second
		m.mu.Unlock()
	}
	return nil
}

func (m *Manager) currentHeartbeat() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heartbeat
}

// ─── Pumps ───────────────────────────────────────────────────────────────────

func (m *Manager) writePump(ctx context.Context, conn *websocket.Conn) error {
	m.mu.Lock()
	send := m.send
	m.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
	}
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) error {
	// The server acks every heartbeat, so silence for two intervals means
	// the channel is dead.
	for {
		_ = conn.SetReadDeadline(time.Now().Add(2 * m.currentHeartbeat()))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			m.logger.Warn("malformed frame from server", zap.Error(err))
			continue
		}
		m.handleInbound(ctx, env)

		select {
		case <-m.shutdown:
			return nil
		default:
		}
	}
}

func (m *Manager) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.currentHeartbeat())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sendHeartbeat()
			ticker.Reset(m.currentHeartbeat())
		}
	}
}

func (m *Manager) sendHeartbeat() {
	metrics := collectMetrics()

	m.mu.Lock()
	active := make([]string, 0, len(m.jobs))
	for id := range m.jobs {
		active = append(active, id)
	}
	paused := m.paused
	m.mu.Unlock()

	status := types.RobotStatusOnline
	switch {
	case paused:
		status = types.RobotStatusMaintenance
	case len(active) > 0:
		status = types.RobotStatusBusy
	}

	m.sendMessage(protocol.TypeHeartbeat, protocol.HeartbeatPayload{
		Status:        string(status),
		CurrentJobs:   len(active),
		CPUPercent:    metrics.CPUPercent,
		MemoryPercent: metrics.MemoryPercent,
		DiskPercent:   metrics.DiskPercent,
		ActiveJobIDs:  active,
	})
}

// ─── Inbound handling ────────────────────────────────────────────────────────

func (m *Manager) handleInbound(ctx context.Context, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeHeartbeatAck:
		// Liveness confirmed by the read deadline reset; nothing to do.

	case protocol.TypeJobAssign:
		m.onAssign(ctx, env)

	case protocol.TypeJobCancel:
		m.onCancel(env)

	case protocol.TypePause:
		m.setPaused(true)
		m.logger.Info("paused by server")

	case protocol.TypeResume:
		m.setPaused(false)
		m.logger.Info("resumed by server")

	case protocol.TypeShutdown:
		var p protocol.CommandPayload
		_ = protocol.DecodePayload(env, &p)
		m.logger.Info("shutdown ordered by server", zap.String("reason", p.Reason))
		m.cancelAllJobs()
		m.shutdownOnce.Do(func() { close(m.shutdown) })

	case protocol.TypeStatusRequest:
		m.onStatusRequest(env)

	case protocol.TypeDisconnect:
		// Server-initiated teardown (e.g. restart); the read loop will see
		// the close frame next and the outer loop reconnects with backoff.

	case protocol.TypeError:
		var p protocol.ErrorPayload
		_ = protocol.DecodePayload(env, &p)
		m.logger.Warn("server reported error", zap.String("code", p.Code), zap.String("message", p.Message))

	default:
		m.logger.Debug("ignoring unknown message type", zap.String("type", string(env.Type)))
	}
}

func (m *Manager) onAssign(ctx context.Context, env protocol.Envelope) {
	var p protocol.JobAssignPayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		m.logger.Warn("bad assignment payload", zap.Error(err))
		m.sendReply(env, protocol.TypeJobReject, protocol.JobReplyPayload{
			JobID: p.JobID, Reason: "malformed assignment",
		})
		return
	}
	log := m.logger.With(zap.String("job_id", p.JobID))

	m.mu.Lock()
	switch {
	case m.paused:
		m.mu.Unlock()
		log.Info("rejecting assignment while paused")
		m.sendReply(env, protocol.TypeJobReject, protocol.JobReplyPayload{
			JobID: p.JobID, Reason: "robot is paused",
		})
		return
	case len(m.jobs) >= m.cfg.MaxConcurrentJobs:
		m.mu.Unlock()
		log.Info("rejecting assignment at capacity")
		m.sendReply(env, protocol.TypeJobReject, protocol.JobReplyPayload{
			JobID: p.JobID, Reason: "at capacity",
		})
		return
	case m.jobs[p.JobID] != nil:
		// A redelivered assignment for a job already in flight is
		// acknowledged, not restarted.
		m.mu.Unlock()
		m.sendReply(env, protocol.TypeJobAccept, protocol.JobReplyPayload{JobID: p.JobID})
		return
	}

	var (
		jobCtx context.Context
		cancel context.CancelFunc
	)
	if p.TimeoutSeconds > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, time.Duration(p.TimeoutSeconds)*time.Second)
	} else {
		jobCtx, cancel = context.WithCancel(ctx)
	}
	m.jobs[p.JobID] = &runningJob{cancel: cancel}
	m.mu.Unlock()

	m.sendReply(env, protocol.TypeJobAccept, protocol.JobReplyPayload{JobID: p.JobID})
	log.Info("job accepted", zap.String("workflow", p.WorkflowName))

	go m.execute(jobCtx, Job{
		ID:             p.JobID,
		WorkflowID:     p.WorkflowID,
		WorkflowName:   p.WorkflowName,
		WorkflowJSON:   p.WorkflowJSON,
		TimeoutSeconds: p.TimeoutSeconds,
		Parameters:     p.Parameters,
	})
}

// execute runs one job to completion and reports the terminal state, unless
// a server-side cancellation already reported it.
func (m *Manager) execute(ctx context.Context, job Job) {
	log := m.logger.With(zap.String("job_id", job.ID))
	started := time.Now()

	result, err := m.runner.Execute(ctx, job, m)

	m.mu.Lock()
	rj := m.jobs[job.ID]
	cancelled := rj != nil && rj.cancelled
	delete(m.jobs, job.ID)
	m.mu.Unlock()
	if rj != nil {
		rj.cancel()
	}

	if cancelled {
		log.Info("job cancelled", zap.Duration("ran", time.Since(started)))
		return
	}

	if err != nil {
		log.Warn("job failed", zap.Error(err))
		m.sendMessage(protocol.TypeJobFailed, protocol.JobFailedPayload{
			JobID:        job.ID,
			ErrorMessage: err.Error(),
			ErrorType:    errorType(err),
		})
		return
	}

	log.Info("job completed", zap.Duration("took", time.Since(started)))
	m.sendMessage(protocol.TypeJobComplete, protocol.JobCompletePayload{
		JobID:      job.ID,
		Result:     result,
		DurationMS: time.Since(started).Milliseconds(),
	})
}

func (m *Manager) onCancel(env protocol.Envelope) {
	var p protocol.JobCancelPayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		return
	}

	m.mu.Lock()
	rj := m.jobs[p.JobID]
	if rj != nil {
		rj.cancelled = true
	}
	m.mu.Unlock()

	if rj != nil {
		rj.cancel()
		m.logger.Info("cancelling job on server request",
			zap.String("job_id", p.JobID), zap.String("reason", p.Reason))
	}
	// Confirm even for unknown jobs: the job may have finished a moment ago
	// and the confirmation is what the server is waiting on.
	m.sendReply(env, protocol.TypeJobCancelled, protocol.JobReplyPayload{JobID: p.JobID})
}

func (m *Manager) onStatusRequest(env protocol.Envelope) {
	metrics := collectMetrics()

	m.mu.Lock()
	active := make([]string, 0, len(m.jobs))
	for id := range m.jobs {
		active = append(active, id)
	}
	paused := m.paused
	m.mu.Unlock()

	status := types.RobotStatusOnline
	switch {
	case paused:
		status = types.RobotStatusMaintenance
	case len(active) > 0:
		status = types.RobotStatusBusy
	}

	m.sendReply(env, protocol.TypeStatusResponse, protocol.StatusResponsePayload{
		Status:       string(status),
		ActiveJobIDs: active,
		CPUPercent:   metrics.CPUPercent,
		MemPercent:   metrics.MemoryPercent,
		DiskPercent:  metrics.DiskPercent,
		Uptime:       int64(time.Since(m.startedAt).Seconds()),
	})
}

func (m *Manager) setPaused(v bool) {
	m.mu.Lock()
	m.paused = v
	m.mu.Unlock()
}

func (m *Manager) cancelAllJobs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rj := range m.jobs {
		rj.cancelled = true
		rj.cancel()
	}
}

// ─── Reporter ────────────────────────────────────────────────────────────────

// Progress implements Reporter.
func (m *Manager) Progress(jobID string, percent float64, currentNode, message string) {
	m.sendMessage(protocol.TypeJobProgress, protocol.JobProgressPayload{
		JobID:       jobID,
		Progress:    percent,
		CurrentNode: currentNode,
		Message:     message,
	})
}

// Log implements Reporter.
func (m *Manager) Log(jobID, level, source, message string) {
	m.sendMessage(protocol.TypeLogEntry, protocol.LogEntryPayload{
		JobID:     jobID,
		Level:     level,
		Source:    source,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

// ─── Outbound helpers ────────────────────────────────────────────────────────

// sendMessage queues a fire-and-forget message on the current session.
// Messages are dropped with a warning when no session is up; the persisted
// job state on the server side is repaired by re-reports and sweeps.
func (m *Manager) sendMessage(t protocol.Type, payload any) {
	env, err := protocol.New(t, payload)
	if err != nil {
		m.logger.Warn("encode message", zap.String("type", string(t)), zap.Error(err))
		return
	}
	m.enqueue(env)
}

func (m *Manager) sendReply(to protocol.Envelope, t protocol.Type, payload any) {
	env, err := protocol.NewReply(to, t, payload)
	if err != nil {
		m.logger.Warn("encode reply", zap.String("type", string(t)), zap.Error(err))
		return
	}
	m.enqueue(env)
}

func (m *Manager) enqueue(env protocol.Envelope) {
	frame, err := protocol.Encode(env)
	if err != nil {
		m.logger.Warn("encode frame", zap.Error(err))
		return
	}

	m.mu.Lock()
	up, send := m.sessionUp, m.send
	m.mu.Unlock()

	if !up || send == nil {
		m.logger.Warn("no session, dropping message", zap.String("type", string(env.Type)))
		return
	}
	select {
	case send <- frame:
	default:
		m.logger.Warn("send queue full, dropping message", zap.String("type", string(env.Type)))
	}
}

// sayGoodbye sends a best-effort disconnect frame during graceful shutdown.
func (m *Manager) sayGoodbye(conn *websocket.Conn, reason string) {
	env, err := protocol.New(protocol.TypeDisconnect, protocol.DisconnectPayload{Reason: reason})
	if err != nil {
		return
	}
	if frame, err := protocol.Encode(env); err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.TextMessage, frame)
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
}

// errorType buckets runner failures for the orchestrator's failure payload.
func errorType(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "execution_error"
	}
}

// nextBackoff returns the next backoff duration, capped at backoffMax.
func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

// jitter adds a random ±jitterFraction perturbation to d to avoid
// thundering herd on reconnect.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
