package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/omerlefaruk/CasareRPA-sub014/internal/db"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/protocol"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/registry"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/store"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/types"
)

// RobotHandler groups the fleet management HTTP handlers. Robots register
// themselves over the channel; the API reads, commands, and removes them.
type RobotHandler struct {
	stores   *store.Stores
	registry *registry.Registry
	logger   *zap.Logger
}

// NewRobotHandler creates a new RobotHandler.
func NewRobotHandler(stores *store.Stores, reg *registry.Registry, logger *zap.Logger) *RobotHandler {
	return &RobotHandler{
		stores:   stores,
		registry: reg,
		logger:   logger.Named("robot_handler"),
	}
}

// robotResponse is the JSON representation of a robot.
type robotResponse struct {
	RobotID           string         `json:"robot_id"`
	Name              string         `json:"name"`
	Hostname          string         `json:"hostname"`
	TenantID          string         `json:"tenant_id"`
	Environment       string         `json:"environment"`
	Status            string         `json:"status"`
	Connected         bool           `json:"connected"`
	MaxConcurrentJobs int            `json:"max_concurrent_jobs"`
	Capabilities      []string       `json:"capabilities"`
	Tags              []string       `json:"tags"`
	CurrentJobIDs     []string       `json:"current_job_ids"`
	Metrics           map[string]any `json:"metrics"`
	LastSeenAt        *time.Time     `json:"last_seen_at"`
	LastHeartbeatAt   *time.Time     `json:"last_heartbeat_at"`
	CreatedAt         time.Time      `json:"created_at"`
}

func (h *RobotHandler) toResponse(r *db.Robot) robotResponse {
	_, connected := h.registry.Get(r.RobotID)
	return robotResponse{
		RobotID:           r.RobotID,
		Name:              r.Name,
		Hostname:          r.Hostname,
		TenantID:          r.TenantID,
		Environment:       r.Environment,
		Status:            r.Status,
		Connected:         connected,
		MaxConcurrentJobs: r.MaxConcurrentJobs,
		Capabilities:      orEmpty(store.DecodeList(r.Capabilities)),
		Tags:              orEmpty(store.DecodeList(r.Tags)),
		CurrentJobIDs:     orEmpty(store.DecodeList(r.CurrentJobIDs)),
		Metrics:           store.DecodeMap(r.Metrics),
		LastSeenAt:        r.LastSeenAt,
		LastHeartbeatAt:   r.LastHeartbeatAt,
		CreatedAt:         r.CreatedAt.UTC(),
	}
}

type listRobotsResponse struct {
	Items []robotResponse `json:"items"`
	Total int64           `json:"total"`
}

// List handles GET /api/v1/robots.
// Optional filters: status, tenant_id, capability.
func (h *RobotHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := store.RobotFilter{
		TenantID:   r.URL.Query().Get("tenant_id"),
		Capability: r.URL.Query().Get("capability"),
	}
	if s := r.URL.Query().Get("status"); s != "" {
		status := types.RobotStatus(s)
		if !status.Valid() {
			ErrBadRequest(w, "invalid status filter")
			return
		}
		filter.Status = status
	}

	robots, total, err := h.stores.Robots.List(r.Context(), filter, paginationOpts(r))
	if err != nil {
		h.logger.Error("list robots", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]robotResponse, len(robots))
	for i := range robots {
		items[i] = h.toResponse(&robots[i])
	}
	Ok(w, listRobotsResponse{Items: items, Total: total})
}

// Get handles GET /api/v1/robots/{robot_id}.
func (h *RobotHandler) Get(w http.ResponseWriter, r *http.Request) {
	robotID := chi.URLParam(r, "robot_id")

	robot, err := h.stores.Robots.Get(r.Context(), robotID)
	if err != nil {
		if errors.Is(err, store.ErrMissing) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("get robot", zap.String("robot_id", robotID), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, h.toResponse(robot))
}

// Delete handles DELETE /api/v1/robots/{robot_id}.
// A connected robot cannot be deleted; disconnect or shut it down first.
func (h *RobotHandler) Delete(w http.ResponseWriter, r *http.Request) {
	robotID := chi.URLParam(r, "robot_id")

	if _, connected := h.registry.Get(robotID); connected {
		ErrConflict(w, "robot is connected; shut it down before deleting")
		return
	}

	if err := h.stores.Robots.Delete(r.Context(), robotID); err != nil {
		if errors.Is(err, store.ErrMissing) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("delete robot", zap.String("robot_id", robotID), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.audit(r, "robot.deleted", robotID, "")
	NoContent(w)
}

// registerRobotRequest is the body for POST /api/v1/robots/register — the
// HTTP fallback for robots that cannot hold a channel open. Registering over
// the channel remains the normal path.
type registerRobotRequest struct {
	RobotID           string   `json:"robot_id"`
	Name              string   `json:"name,omitempty"`
	Hostname          string   `json:"hostname,omitempty"`
	Environment       string   `json:"environment,omitempty"`
	TenantID          string   `json:"tenant_id,omitempty"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs,omitempty"`
	Capabilities      []string `json:"capabilities,omitempty"`
	Tags              []string `json:"tags,omitempty"`
}

// Register handles POST /api/v1/robots/register.
// Upserts the robot keyed on robot_id, same as a channel registration.
func (h *RobotHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRobotRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RobotID == "" {
		ErrUnprocessable(w, "robot_id is required")
		return
	}

	robot, err := h.stores.Robots.Register(r.Context(), store.Registration{
		RobotID:           req.RobotID,
		Name:              req.Name,
		Hostname:          req.Hostname,
		TenantID:          req.TenantID,
		Environment:       req.Environment,
		MaxConcurrentJobs: req.MaxConcurrentJobs,
		Capabilities:      req.Capabilities,
		Tags:              req.Tags,
	})
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			ErrStoreUnavailable(w)
			return
		}
		h.logger.Error("register robot", zap.String("robot_id", req.RobotID), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.audit(r, "robot.registered", req.RobotID, "via http")
	Created(w, h.toResponse(robot))
}

// heartbeatRequest is the optional body for POST /api/v1/robots/{robot_id}/heartbeat.
type heartbeatRequest struct {
	Status        string  `json:"status,omitempty"`
	CPUPercent    float64 `json:"cpu_percent,omitempty"`
	MemoryPercent float64 `json:"memory_percent,omitempty"`
	DiskPercent   float64 `json:"disk_percent,omitempty"`
}

// Heartbeat handles POST /api/v1/robots/{robot_id}/heartbeat — the HTTP
// liveness path for robots without a channel. A heartbeat for an unknown
// robot creates a minimal row, mirroring the channel's self-healing.
func (h *RobotHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	robotID := chi.URLParam(r, "robot_id")

	var req heartbeatRequest
	var metrics map[string]float64
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
		metrics = map[string]float64{
			"cpu_percent":    req.CPUPercent,
			"memory_percent": req.MemoryPercent,
			"disk_percent":   req.DiskPercent,
		}
	}

	status := types.RobotStatusOnline
	if req.Status != "" {
		status = types.RobotStatus(req.Status)
		if !status.Valid() {
			ErrUnprocessable(w, "invalid status: "+req.Status)
			return
		}
	}

	if err := h.stores.Robots.UpdateStatus(r.Context(), robotID, status, time.Now().UTC(), metrics); err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			ErrStoreUnavailable(w)
			return
		}
		h.logger.Error("heartbeat", zap.String("robot_id", robotID), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, map[string]string{"robot_id": robotID, "status": string(status)})
}

// updateRobotRequest is the body for PUT /api/v1/robots/{robot_id}. Absent
// fields keep their current values.
type updateRobotRequest struct {
	Name              *string  `json:"name,omitempty"`
	Environment       *string  `json:"environment,omitempty"`
	MaxConcurrentJobs *int     `json:"max_concurrent_jobs,omitempty"`
	Capabilities      []string `json:"capabilities,omitempty"`
	Tags              []string `json:"tags,omitempty"`
}

// Update handles PUT /api/v1/robots/{robot_id}.
func (h *RobotHandler) Update(w http.ResponseWriter, r *http.Request) {
	robotID := chi.URLParam(r, "robot_id")

	var req updateRobotRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.MaxConcurrentJobs != nil && *req.MaxConcurrentJobs < 1 {
		ErrUnprocessable(w, "max_concurrent_jobs must be at least 1")
		return
	}

	robot, err := h.stores.Robots.Get(r.Context(), robotID)
	if err != nil {
		if errors.Is(err, store.ErrMissing) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("get robot", zap.String("robot_id", robotID), zap.Error(err))
		ErrInternal(w)
		return
	}

	if req.Name != nil {
		robot.Name = *req.Name
	}
	if req.Environment != nil {
		robot.Environment = *req.Environment
	}
	if req.MaxConcurrentJobs != nil {
		robot.MaxConcurrentJobs = *req.MaxConcurrentJobs
	}
	if req.Capabilities != nil {
		robot.Capabilities = store.EncodeList(req.Capabilities)
	}
	if req.Tags != nil {
		robot.Tags = store.EncodeList(req.Tags)
	}

	if err := h.stores.Robots.Update(r.Context(), robot); err != nil {
		h.logger.Error("update robot", zap.String("robot_id", robotID), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.audit(r, "robot.updated", robotID, "")
	Ok(w, h.toResponse(robot))
}

// statusUpdateRequest is the body for PUT /api/v1/robots/{robot_id}/status.
type statusUpdateRequest struct {
	Status string `json:"status"`
}

// UpdateStatus handles PUT /api/v1/robots/{robot_id}/status — an operator
// override, typically to place a robot in maintenance. Unlike the heartbeat,
// an unknown robot is a 404 rather than a self-healed row.
func (h *RobotHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	robotID := chi.URLParam(r, "robot_id")

	var req statusUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	status := types.RobotStatus(req.Status)
	if !status.Valid() {
		ErrUnprocessable(w, "invalid status: "+req.Status)
		return
	}

	robot, err := h.stores.Robots.Get(r.Context(), robotID)
	if err != nil {
		if errors.Is(err, store.ErrMissing) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("get robot", zap.String("robot_id", robotID), zap.Error(err))
		ErrInternal(w)
		return
	}

	robot.Status = string(status)
	if err := h.stores.Robots.Update(r.Context(), robot); err != nil {
		h.logger.Error("update robot status", zap.String("robot_id", robotID), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.audit(r, "robot.status_changed", robotID, string(status))
	Ok(w, h.toResponse(robot))
}

// commandRequest is the body for POST /api/v1/robots/{robot_id}/command.
type commandRequest struct {
	Command string `json:"command"` // pause, resume, shutdown
	Reason  string `json:"reason,omitempty"`
}

// Command handles POST /api/v1/robots/{robot_id}/command.
// Sends a fire-and-forget admin command over the robot's channel. The robot
// applies it asynchronously; the response only confirms delivery was queued.
func (h *RobotHandler) Command(w http.ResponseWriter, r *http.Request) {
	robotID := chi.URLParam(r, "robot_id")

	var req commandRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var msgType protocol.Type
	switch req.Command {
	case "pause":
		msgType = protocol.TypePause
	case "resume":
		msgType = protocol.TypeResume
	case "shutdown":
		msgType = protocol.TypeShutdown
	default:
		ErrBadRequest(w, "command must be one of: pause, resume, shutdown")
		return
	}

	env, err := protocol.New(msgType, protocol.CommandPayload{Reason: req.Reason})
	if err != nil {
		ErrInternal(w)
		return
	}
	if err := h.registry.Send(robotID, env); err != nil {
		if errors.Is(err, registry.ErrNotConnected) {
			ErrRobotOffline(w)
			return
		}
		h.logger.Error("send command", zap.String("robot_id", robotID), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.audit(r, "robot.command", robotID, fmt.Sprintf("%s: %s", req.Command, req.Reason))
	Accepted(w, map[string]string{"command": req.Command, "robot_id": robotID})
}

// liveStatusResponse is the live, channel-sourced view of a robot, as opposed
// to the persisted view returned by Get.
type liveStatusResponse struct {
	RobotID       string   `json:"robot_id"`
	Status        string   `json:"status"`
	ActiveJobIDs  []string `json:"active_job_ids"`
	CPUPercent    float64  `json:"cpu_percent"`
	MemoryPercent float64  `json:"memory_percent"`
	DiskPercent   float64  `json:"disk_percent"`
	UptimeSeconds int64    `json:"uptime_seconds,omitempty"`
}

// LiveStatus handles GET /api/v1/robots/{robot_id}/status/live.
// Performs a correlated status round-trip over the robot's channel, so the
// answer reflects the robot right now rather than its last heartbeat.
func (h *RobotHandler) LiveStatus(w http.ResponseWriter, r *http.Request) {
	robotID := chi.URLParam(r, "robot_id")

	env, err := protocol.New(protocol.TypeStatusRequest, nil)
	if err != nil {
		ErrInternal(w)
		return
	}

	reply, err := h.registry.SendWithReply(r.Context(), robotID, env, 0)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrNotConnected), errors.Is(err, registry.ErrHandleClosed):
			ErrRobotOffline(w)
		case errors.Is(err, registry.ErrReplyTimeout):
			errJSON(w, http.StatusGatewayTimeout, "robot did not answer in time", "robot_timeout")
		default:
			h.logger.Error("live status", zap.String("robot_id", robotID), zap.Error(err))
			ErrInternal(w)
		}
		return
	}

	var p protocol.StatusResponsePayload
	if err := protocol.DecodePayload(reply, &p); err != nil {
		h.logger.Warn("bad status response", zap.String("robot_id", robotID), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, liveStatusResponse{
		RobotID:       robotID,
		Status:        p.Status,
		ActiveJobIDs:  orEmpty(p.ActiveJobIDs),
		CPUPercent:    p.CPUPercent,
		MemoryPercent: p.MemPercent,
		DiskPercent:   p.DiskPercent,
		UptimeSeconds: p.Uptime,
	})
}

func (h *RobotHandler) audit(r *http.Request, action, entityID, detail string) {
	if err := h.stores.Audit.Append(r.Context(), actorFromCtx(r.Context()), action, entityID, detail); err != nil {
		h.logger.Warn("audit append", zap.String("action", action), zap.Error(err))
	}
}

// orEmpty keeps list fields as [] instead of null in JSON responses.
func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// paginationOpts reads limit and offset query parameters.
// Defaults: limit=20, offset=0. Max limit is capped at 100.
func paginationOpts(r *http.Request) store.ListOptions {
	limit := 20
	offset := 0

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 100 {
		limit = 100
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return store.ListOptions{Limit: limit, Offset: offset}
}
