// Package registry owns the live WebSocket connections to the robot fleet.
// It authenticates the channel, runs the framing protocol on it, tracks
// per-connection capacity and correlated replies, and evicts connections
// whose heartbeats stop. Persistence of what robots report is delegated to
// the store; interpretation of job traffic is delegated to the inbound sink.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/omerlefaruk/CasareRPA-sub014/internal/protocol"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/store"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/types"
)

// Sink consumes inbound messages the registry does not handle itself.
// Register, heartbeats and correlated replies are absorbed by the registry;
// everything else (job lifecycle, logs, unknown types) flows here. The relay
// implements this.
type Sink interface {
	HandleInbound(ctx context.Context, robotID string, env protocol.Envelope)
}

// Config controls channel timing. Zero values are replaced by defaults.
type Config struct {
	// HeartbeatInterval is advertised to robots in the register_ack.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout evicts a connection with no heartbeat for this long.
	HeartbeatTimeout time.Duration
	// ReplyTimeout is the default wait for a correlated reply.
	ReplyTimeout time.Duration
	// RegisterDeadline bounds the wait for the first frame after upgrade.
	RegisterDeadline time.Duration
}

func (c *Config) withDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 2 * c.HeartbeatInterval
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = 10 * time.Second
	}
	if c.RegisterDeadline <= 0 {
		c.RegisterDeadline = 10 * time.Second
	}
}

// Registry maps robot_id → live connection handle and enforces that at most
// one handle exists per robot at any time.
type Registry struct {
	cfg    Config
	logger *zap.Logger
	stores *store.Stores
	sink   Sink

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	handles map[string]*Handle

	// wake is a capacity-1 edge trigger for the dispatcher: buffered so a
	// notification is never lost and never blocks.
	wake chan struct{}
}

// New constructs a Registry. SetSink must be called before serving traffic.
func New(cfg Config, stores *store.Stores, logger *zap.Logger) *Registry {
	cfg.withDefaults()
	return &Registry{
		cfg:    cfg,
		logger: logger.Named("registry"),
		stores: stores,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Robots are CLI processes, not browsers; origin does not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		handles: make(map[string]*Handle),
		wake:    make(chan struct{}, 1),
	}
}

// SetSink installs the inbound message consumer. Must be called once, before
// the first connection is served.
func (r *Registry) SetSink(s Sink) { r.sink = s }

// Wake exposes the dispatcher trigger. It fires when fleet availability may
// have improved: a robot connected, came back online, or freed capacity.
func (r *Registry) Wake() <-chan struct{} { return r.wake }

func (r *Registry) notifyWake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Notify fires the dispatcher trigger manually, for events outside the
// registry's view such as a freshly enqueued job.
func (r *Registry) Notify() { r.notifyWake() }

// Get returns the live handle for a robot, if one exists.
func (r *Registry) Get(robotID string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[robotID]
	return h, ok
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// Snapshots returns a point-in-time view of every live connection, for the
// dispatcher's candidate selection and the fleet status API.
func (r *Registry) Snapshots() []RobotSnapshot {
	r.mu.RLock()
	hs := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		hs = append(hs, h)
	}
	r.mu.RUnlock()

	out := make([]RobotSnapshot, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.Snapshot())
	}
	return out
}

// Reserve claims one capacity slot on a robot's live handle for a job.
// Returns false when the robot is not connected or has no free slot.
func (r *Registry) Reserve(robotID, jobID string) bool {
	h, ok := r.Get(robotID)
	if !ok {
		return false
	}
	return h.TryReserve(jobID)
}

// Release frees a capacity slot and wakes the dispatcher, since a freed slot
// may make a pending job dispatchable.
func (r *Registry) Release(robotID, jobID string) {
	if h, ok := r.Get(robotID); ok {
		h.ReleaseJob(jobID)
	}
	r.notifyWake()
}

// Send enqueues a fire-and-forget envelope to a robot.
func (r *Registry) Send(robotID string, env protocol.Envelope) error {
	h, ok := r.Get(robotID)
	if !ok {
		return ErrNotConnected
	}
	return h.sendEnvelope(env)
}

// SendWithReply sends an envelope and blocks until the correlated reply
// arrives, the timeout elapses, the connection closes, or ctx is done.
// A timeout ≤ 0 uses the configured default.
func (r *Registry) SendWithReply(ctx context.Context, robotID string, env protocol.Envelope, timeout time.Duration) (protocol.Envelope, error) {
	h, ok := r.Get(robotID)
	if !ok {
		return protocol.Envelope{}, ErrNotConnected
	}
	if timeout <= 0 {
		timeout = r.cfg.ReplyTimeout
	}

	fut := h.registerPending(env.ID)
	if err := h.sendEnvelope(env); err != nil {
		h.cancelPending(env.ID)
		return protocol.Envelope{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply, ok := <-fut:
		if !ok {
			return protocol.Envelope{}, ErrHandleClosed
		}
		return reply, nil
	case <-timer.C:
		h.cancelPending(env.ID)
		return protocol.Envelope{}, ErrReplyTimeout
	case <-h.closed:
		h.cancelPending(env.ID)
		return protocol.Envelope{}, ErrHandleClosed
	case <-ctx.Done():
		h.cancelPending(env.ID)
		return protocol.Envelope{}, ctx.Err()
	}
}

// ─── Connection lifecycle ────────────────────────────────────────────────────

// ServeRobot upgrades an HTTP request into a robot channel and runs it until
// disconnect. The first frame must be a register message carrying valid
// credentials; everything before a successful register_ack touches no fleet
// state beyond the key's last_used stamp.
func (r *Registry) ServeRobot(w http.ResponseWriter, req *http.Request, robotID string) {
	log := r.logger.With(zap.String("robot_id", robotID), zap.String("remote", req.RemoteAddr))

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxFrameSize)

	env, reg, err := r.awaitRegister(conn)
	if err != nil {
		log.Warn("registration rejected", zap.Error(err))
		r.refuse(conn, "invalid_register", "registration message required")
		return
	}

	secret := req.URL.Query().Get("api_key")
	if secret == "" {
		secret = reg.AuthToken
	}
	key, err := r.stores.Keys.Verify(req.Context(), secret, req.RemoteAddr)
	if err != nil {
		authFailures.Inc()
		log.Warn("channel authentication failed")
		r.refuse(conn, "unauthorized", "invalid credentials")
		return
	}
	if key.RobotID != "" && key.RobotID != robotID {
		authFailures.Inc()
		log.Warn("api key does not match robot", zap.String("key_id", key.KeyID))
		r.refuse(conn, "unauthorized", "invalid credentials")
		return
	}

	robot, err := r.stores.Robots.Register(req.Context(), store.Registration{
		RobotID:           robotID,
		Name:              reg.RobotName,
		Hostname:          reg.Hostname,
		TenantID:          reg.TenantID,
		Environment:       reg.Environment,
		MaxConcurrentJobs: reg.MaxConcurrentJobs,
		Capabilities:      reg.Capabilities,
		Tags:              reg.Tags,
	})
	if err != nil {
		log.Error("persist registration", zap.Error(err))
		r.refuse(conn, "internal", "registration could not be stored")
		return
	}

	h := newHandle(robotID, robot.TenantID, conn)
	h.applyRegistration(reg)

	r.attach(h, log)
	defer r.detach(h, log)

	now := time.Now().UTC()
	if err := r.stores.Robots.UpdateStatus(req.Context(), robotID, types.RobotStatusOnline, now, nil); err != nil {
		log.Warn("mark robot online", zap.Error(err))
	}

	ack, err := protocol.NewReply(env, protocol.TypeRegisterAck, protocol.RegisterAckPayload{
		Success: true,
		Config: protocol.RegisterConfig{
			HeartbeatIntervalSecs: int(r.cfg.HeartbeatInterval / time.Second),
		},
	})
	if err == nil {
		err = h.sendEnvelope(ack)
	}
	if err != nil {
		log.Warn("send register ack", zap.Error(err))
		return
	}

	log.Info("robot connected",
		zap.String("name", robot.Name),
		zap.Int("max_concurrent_jobs", robot.MaxConcurrentJobs))
	r.notifyWake()

	g, ctx := errgroup.WithContext(req.Context())
	g.Go(func() error { return r.writePump(h) })
	g.Go(func() error { return r.readLoop(ctx, h, log) })
	if err := g.Wait(); err != nil && !errors.Is(err, ErrHandleClosed) {
		log.Info("robot channel closed", zap.Error(err))
	}
}

// awaitRegister reads the first frame, which the protocol requires to be a
// register message, within the configured deadline.
func (r *Registry) awaitRegister(conn *websocket.Conn) (protocol.Envelope, protocol.RegisterPayload, error) {
	var reg protocol.RegisterPayload

	_ = conn.SetReadDeadline(time.Now().Add(r.cfg.RegisterDeadline))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return protocol.Envelope{}, reg, fmt.Errorf("read first frame: %w", err)
	}

	env, err := protocol.Decode(raw)
	if err != nil {
		return protocol.Envelope{}, reg, err
	}
	if env.Type != protocol.TypeRegister {
		return protocol.Envelope{}, reg, fmt.Errorf("first frame is %q, want %q", env.Type, protocol.TypeRegister)
	}
	if err := protocol.DecodePayload(env, &reg); err != nil {
		return protocol.Envelope{}, reg, err
	}
	return env, reg, nil
}

// refuse sends a diagnostic error frame on a connection that never attached
// and closes it. No handle exists yet, so the socket is written directly.
func (r *Registry) refuse(conn *websocket.Conn, code, message string) {
	env, err := protocol.New(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message})
	if err == nil {
		if frame, err := protocol.Encode(env); err == nil {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.TextMessage, frame)
		}
	}
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code)
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
	_ = conn.Close()
}

// attach installs a handle as the robot's current connection. A reconnect
// supersedes: the prior handle is closed and its futures failed, but the
// robot's jobs are left alone — the same robot is still executing them.
func (r *Registry) attach(h *Handle, log *zap.Logger) {
	r.mu.Lock()
	old := r.handles[h.robotID]
	r.handles[h.robotID] = h
	r.mu.Unlock()

	if old != nil {
		log.Info("superseding previous connection")
		supersededConns.Inc()
		old.markClosed(websocket.ClosePolicyViolation, "superseded by new connection")
	}
	connectedRobots.Set(float64(r.Count()))
}

// detach removes a handle if it is still the robot's current connection.
// Only the current connection's departure means the robot is gone: its row
// is flipped offline and its incomplete jobs re-queued. A superseded handle
// detaches as a no-op.
func (r *Registry) detach(h *Handle, log *zap.Logger) {
	h.markClosed(websocket.CloseNormalClosure, "disconnect")

	r.mu.Lock()
	current := r.handles[h.robotID] == h
	if current {
		delete(r.handles, h.robotID)
	}
	r.mu.Unlock()
	connectedRobots.Set(float64(r.Count()))

	if !current {
		return
	}

	// The request context died with the connection; give cleanup its own.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.stores.Robots.UpdateStatus(ctx, h.robotID, types.RobotStatusOffline, time.Now().UTC(), nil); err != nil {
		log.Warn("mark robot offline", zap.Error(err))
	}
	released, err := r.stores.Jobs.ReleaseAllForRobot(ctx, h.robotID)
	if err != nil {
		log.Error("release jobs on disconnect", zap.Error(err))
	} else if len(released) > 0 {
		log.Info("re-queued jobs from disconnected robot", zap.Strings("job_ids", released))
		if err := r.stores.Audit.Append(ctx, "registry", "jobs.released", h.robotID,
			fmt.Sprintf("robot disconnected, %d job(s) re-queued", len(released))); err != nil {
			log.Warn("audit release", zap.Error(err))
		}
	}
	log.Info("robot disconnected")
	r.notifyWake()
}

// writePump is the sole goroutine writing to the socket. Everything outbound
// funnels through the handle's queue.
func (r *Registry) writePump(h *Handle) error {
	for {
		select {
		case frame := <-h.send:
			_ = h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.markClosed(websocket.CloseAbnormalClosure, "write failed")
				return fmt.Errorf("write: %w", err)
			}
			messagesSent.Inc()
		case <-h.closed:
			return ErrHandleClosed
		}
	}
}

// readLoop consumes inbound frames until the connection dies. The read
// deadline doubles as the liveness bound: any frame resets it, so a robot
// that stops sending heartbeats is dropped by the socket itself even before
// the sweeper notices.
func (r *Registry) readLoop(ctx context.Context, h *Handle, log *zap.Logger) error {
	for {
		_ = h.conn.SetReadDeadline(time.Now().Add(r.cfg.HeartbeatTimeout))
		_, raw, err := h.conn.ReadMessage()
		if err != nil {
			h.markClosed(websocket.CloseAbnormalClosure, "read failed")
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			// A peer that cannot frame messages correctly cannot be
			// trusted with job traffic.
			log.Warn("malformed frame", zap.Error(err))
			r.sendError(h, "malformed_message", err.Error())
			h.markClosed(websocket.CloseInvalidFramePayloadData, "malformed message")
			return fmt.Errorf("decode: %w", err)
		}
		messagesReceived.WithLabelValues(string(env.Type)).Inc()

		if done, err := r.handleInbound(ctx, h, env, log); err != nil {
			return err
		} else if done {
			return nil
		}
	}
}

// handleInbound routes one decoded envelope. Returns done=true on graceful
// disconnect.
func (r *Registry) handleInbound(ctx context.Context, h *Handle, env protocol.Envelope, log *zap.Logger) (bool, error) {
	switch {
	case env.Type == protocol.TypeHeartbeat:
		r.handleHeartbeat(ctx, h, env, log)
		return false, nil

	case env.IsReply():
		// Replies either complete an outstanding future or are dropped;
		// late replies after a timeout are expected and harmless.
		if !h.completePending(env) {
			log.Debug("reply with no outstanding request",
				zap.String("correlation_id", env.CorrelationID),
				zap.String("type", string(env.Type)))
		}
		return false, nil

	case env.Type == protocol.TypeRegister:
		// Re-registration on a live channel refreshes declared capacity
		// and capabilities without a reconnect.
		var reg protocol.RegisterPayload
		if err := protocol.DecodePayload(env, &reg); err != nil {
			r.sendError(h, "invalid_payload", err.Error())
			return false, nil
		}
		h.applyRegistration(reg)
		if ack, err := protocol.NewReply(env, protocol.TypeRegisterAck, protocol.RegisterAckPayload{
			Success: true,
			Config: protocol.RegisterConfig{
				HeartbeatIntervalSecs: int(r.cfg.HeartbeatInterval / time.Second),
			},
		}); err == nil {
			_ = h.sendEnvelope(ack)
		}
		r.notifyWake()
		return false, nil

	case env.Type == protocol.TypeDisconnect:
		var p protocol.DisconnectPayload
		_ = protocol.DecodePayload(env, &p)
		log.Info("robot requested disconnect", zap.String("reason", p.Reason))
		h.markClosed(websocket.CloseNormalClosure, "client disconnect")
		return true, nil

	default:
		if r.sink != nil {
			r.sink.HandleInbound(ctx, h.robotID, env)
		}
		return false, nil
	}
}

// handleHeartbeat refreshes the handle, persists the reported status and
// acknowledges. Heartbeats are also forwarded to the sink so subscribers can
// watch live fleet telemetry.
func (r *Registry) handleHeartbeat(ctx context.Context, h *Handle, env protocol.Envelope, log *zap.Logger) {
	var hb protocol.HeartbeatPayload
	if err := protocol.DecodePayload(env, &hb); err != nil {
		r.sendError(h, "invalid_payload", err.Error())
		return
	}

	now := time.Now().UTC()
	h.applyHeartbeat(hb, now)

	status := types.RobotStatus(hb.Status)
	if !status.Valid() {
		status = types.RobotStatusOnline
	}
	metrics := map[string]float64{
		"cpu_percent":    hb.CPUPercent,
		"memory_percent": hb.MemoryPercent,
		"disk_percent":   hb.DiskPercent,
	}
	if err := r.stores.Robots.UpdateStatus(ctx, h.robotID, status, now, metrics); err != nil {
		log.Warn("persist heartbeat", zap.Error(err))
	}

	if ack, err := protocol.NewReply(env, protocol.TypeHeartbeatAck, nil); err == nil {
		_ = h.sendEnvelope(ack)
	}
	r.notifyWake()

	if r.sink != nil {
		r.sink.HandleInbound(ctx, h.robotID, env)
	}
}

func (r *Registry) sendError(h *Handle, code, message string) {
	if env, err := protocol.New(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message}); err == nil {
		_ = h.sendEnvelope(env)
	}
}

// ─── Stale sweeper ───────────────────────────────────────────────────────────

// RunSweeper evicts connections whose heartbeats have stopped. It wakes at
// half the heartbeat interval so a dead connection is detected within
// timeout + interval/2 in the worst case. Blocks until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context) {
	log := r.logger.Named("sweeper")
	ticker := time.NewTicker(r.cfg.HeartbeatInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(log)
		}
	}
}

func (r *Registry) sweep(log *zap.Logger) {
	now := time.Now().UTC()

	r.mu.RLock()
	stale := make([]*Handle, 0)
	for _, h := range r.handles {
		if h.heartbeatAge(now) > r.cfg.HeartbeatTimeout {
			stale = append(stale, h)
		}
	}
	r.mu.RUnlock()

	for _, h := range stale {
		staleEvictions.Inc()
		log.Warn("evicting stale connection",
			zap.String("robot_id", h.robotID),
			zap.Duration("heartbeat_age", h.heartbeatAge(now)))
		// Closing the socket unblocks the connection's readLoop, whose
		// detach performs the offline flip and job release.
		h.markClosed(websocket.CloseGoingAway, "heartbeat timeout")
	}
}

// Shutdown closes every live connection with a server-initiated disconnect.
// Robots treat this as a signal to reconnect with backoff.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	hs := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		hs = append(hs, h)
	}
	r.mu.RUnlock()

	for _, h := range hs {
		if env, err := protocol.New(protocol.TypeDisconnect, protocol.DisconnectPayload{Reason: "server shutting down"}); err == nil {
			_ = h.sendEnvelope(env)
		}
		h.markClosed(websocket.CloseGoingAway, "server shutdown")
	}
}
