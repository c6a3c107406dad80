package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omerlefaruk/CasareRPA-sub014/internal/db"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/dispatch"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/store"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/types"
)

// JobHandler groups the job queue HTTP handlers. Jobs enter through Create,
// are assigned by the dispatcher, and reach terminal state through robot
// reports or Cancel.
type JobHandler struct {
	stores     *store.Stores
	dispatcher *dispatch.Dispatcher
	logger     *zap.Logger
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(stores *store.Stores, d *dispatch.Dispatcher, logger *zap.Logger) *JobHandler {
	return &JobHandler{
		stores:     stores,
		dispatcher: d,
		logger:     logger.Named("job_handler"),
	}
}

// createJobRequest is the body for POST /api/v1/jobs.
type createJobRequest struct {
	WorkflowName   string          `json:"workflow_name"`
	WorkflowID     string          `json:"workflow_id,omitempty"`
	WorkflowJSON   json.RawMessage `json:"workflow_json"`
	Parameters     map[string]any  `json:"parameters,omitempty"`
	Priority       string          `json:"priority,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
	RequestedRobot string          `json:"requested_robot,omitempty"`
	RequiredCaps   []string        `json:"required_capabilities,omitempty"`
	TenantID       string          `json:"tenant_id,omitempty"`
}

// jobResponse is the JSON representation of a job.
type jobResponse struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenant_id"`
	WorkflowID      string          `json:"workflow_id,omitempty"`
	WorkflowName    string          `json:"workflow_name"`
	WorkflowJSON    json.RawMessage `json:"workflow_json,omitempty"`
	Parameters      map[string]any  `json:"parameters,omitempty"`
	Priority        string          `json:"priority"`
	TimeoutSeconds  int             `json:"timeout_seconds"`
	RequestedRobot  string          `json:"requested_robot,omitempty"`
	RequiredCaps    []string        `json:"required_capabilities"`
	Status          string          `json:"status"`
	AssignedRobotID string          `json:"assigned_robot_id,omitempty"`
	ProgressPercent float64         `json:"progress_percent"`
	CurrentNode     string          `json:"current_node,omitempty"`
	Result          map[string]any  `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	AssignedAt      *time.Time      `json:"assigned_at,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
}

// jobToResponse converts a db.Job. The workflow body is only included when
// detail is true — list responses stay compact.
func jobToResponse(j *db.Job, detail bool) jobResponse {
	resp := jobResponse{
		ID:              j.ID.String(),
		TenantID:        j.TenantID,
		WorkflowID:      j.WorkflowID,
		WorkflowName:    j.WorkflowName,
		Priority:        types.Priority(j.Priority).String(),
		TimeoutSeconds:  j.TimeoutSeconds,
		RequestedRobot:  j.RequestedRobot,
		RequiredCaps:    orEmpty(store.DecodeList(j.RequiredCaps)),
		Status:          j.Status,
		AssignedRobotID: j.AssignedRobotID,
		ProgressPercent: j.ProgressPercent,
		CurrentNode:     j.CurrentNode,
		Error:           j.Error,
		CreatedAt:       j.CreatedAt.UTC(),
		AssignedAt:      j.AssignedAt,
		StartedAt:       j.StartedAt,
		FinishedAt:      j.FinishedAt,
	}
	if detail {
		resp.WorkflowJSON = j.WorkflowJSON
		resp.Parameters = store.DecodeMap(j.Parameters)
		resp.Result = store.DecodeMap(j.Result)
	}
	return resp
}

type listJobsResponse struct {
	Items []jobResponse `json:"items"`
	Total int64         `json:"total"`
}

// Create handles POST /api/v1/jobs.
// Enqueues a job and pokes the dispatcher so an eligible robot picks it up
// without waiting out the idle backoff.
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.WorkflowName == "" {
		ErrUnprocessable(w, "workflow_name is required")
		return
	}
	if len(req.WorkflowJSON) == 0 {
		ErrUnprocessable(w, "workflow_json is required")
		return
	}

	priority := types.PriorityNormal
	switch req.Priority {
	case "":
	case "low", "normal", "high", "critical":
		priority = types.ParsePriority(req.Priority)
	default:
		ErrUnprocessable(w, "priority must be one of: low, normal, high, critical")
		return
	}
	if req.TimeoutSeconds < 0 {
		ErrUnprocessable(w, "timeout_seconds must be non-negative")
		return
	}

	job, err := h.stores.Jobs.Enqueue(r.Context(), store.JobRequest{
		TenantID:       req.TenantID,
		WorkflowID:     req.WorkflowID,
		WorkflowName:   req.WorkflowName,
		WorkflowJSON:   req.WorkflowJSON,
		Parameters:     req.Parameters,
		Priority:       priority,
		TimeoutSeconds: req.TimeoutSeconds,
		RequestedRobot: req.RequestedRobot,
		RequiredCaps:   req.RequiredCaps,
	})
	if err != nil {
		h.logger.Error("enqueue job", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.dispatcher.Poke()
	Created(w, jobToResponse(job, true))
}

// List handles GET /api/v1/jobs. Optional status filter.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	var status types.JobStatus
	if s := r.URL.Query().Get("status"); s != "" {
		status = types.JobStatus(s)
	}

	jobs, total, err := h.stores.Jobs.List(r.Context(), status, paginationOpts(r))
	if err != nil {
		h.logger.Error("list jobs", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]jobResponse, len(jobs))
	for i := range jobs {
		items[i] = jobToResponse(&jobs[i], false)
	}
	Ok(w, listJobsResponse{Items: items, Total: total})
}

// Get handles GET /api/v1/jobs/{id}.
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	job, err := h.stores.Jobs.Get(r.Context(), id.String())
	if err != nil {
		if errors.Is(err, store.ErrMissing) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("get job", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, jobToResponse(job, true))
}

// cancelRequest is the body for POST /api/v1/jobs/{id}/cancel.
type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Cancel handles POST /api/v1/jobs/{id}/cancel.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req cancelRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}

	err := h.dispatcher.CancelJob(r.Context(), id.String(), actorFromCtx(r.Context()), req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrMissing):
			ErrNotFound(w)
		case errors.Is(err, store.ErrStale):
			ErrGone(w, "job already reached a terminal state")
		default:
			h.logger.Error("cancel job", zap.String("id", id.String()), zap.Error(err))
			ErrInternal(w)
		}
		return
	}
	Accepted(w, map[string]string{"id": id.String(), "status": string(types.JobStatusCancelled)})
}

// logResponse is one diagnostic line from a job's execution stream.
type logResponse struct {
	RobotID   string         `json:"robot_id"`
	Level     string         `json:"level"`
	Source    string         `json:"source,omitempty"`
	Message   string         `json:"message"`
	NodeID    string         `json:"node_id,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type listLogsResponse struct {
	Items []logResponse `json:"items"`
	Total int64         `json:"total"`
}

// Logs handles GET /api/v1/jobs/{id}/logs, ordered by timestamp ascending.
func (h *JobHandler) Logs(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	logs, total, err := h.stores.Logs.ListByJob(r.Context(), id.String(), paginationOpts(r))
	if err != nil {
		h.logger.Error("list job logs", zap.String("job_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]logResponse, len(logs))
	for i, l := range logs {
		items[i] = logResponse{
			RobotID:   l.RobotID,
			Level:     l.Level,
			Source:    l.Source,
			Message:   l.Message,
			NodeID:    l.NodeID,
			Extra:     store.DecodeMap(l.Extra),
			Timestamp: l.Timestamp.UTC(),
		}
	}
	Ok(w, listLogsResponse{Items: items, Total: total})
}

// parseUUID reads and validates a UUID path parameter, writing a 400 on
// failure so callers can early-return.
func parseUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, param)
	id, err := uuid.Parse(raw)
	if err != nil {
		ErrBadRequest(w, "invalid "+param+": must be a valid UUID")
		return uuid.UUID{}, false
	}
	return id, true
}
