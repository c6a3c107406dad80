package relay

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/omerlefaruk/CasareRPA-sub014/internal/db"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/protocol"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/registry"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/store"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/types"
)

func newTestRelay(t *testing.T) (*Relay, *store.Stores, *Hub) {
	t.Helper()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	stores := store.New(database)
	hub := NewHub()
	reg := registry.New(registry.Config{}, stores, zap.NewNop())
	return New(stores, hub, reg, zap.NewNop()), stores, hub
}

func runningJob(t *testing.T, stores *store.Stores, robotID string) string {
	t.Helper()
	ctx := context.Background()
	_, err := stores.Robots.Register(ctx, store.Registration{RobotID: robotID, Name: robotID, Hostname: robotID})
	require.NoError(t, err)
	job, err := stores.Jobs.Enqueue(ctx, store.JobRequest{WorkflowName: "wf", WorkflowJSON: []byte(`{}`)})
	require.NoError(t, err)
	require.NoError(t, stores.Jobs.MarkAssigned(ctx, job.ID.String(), robotID))
	require.NoError(t, stores.Jobs.MarkRunning(ctx, job.ID.String()))
	return job.ID.String()
}

func mustEnvelope(t *testing.T, typ protocol.Type, payload any) protocol.Envelope {
	t.Helper()
	env, err := protocol.New(typ, payload)
	require.NoError(t, err)
	return env
}

func TestProgressPersistsAndPublishes(t *testing.T) {
	rl, stores, hub := newTestRelay(t)
	ctx := context.Background()
	jobID := runningJob(t, stores, "robot-a")

	sub := hub.Subscribe(TopicJob(jobID))
	defer hub.Unsubscribe(sub)

	rl.HandleInbound(ctx, "robot-a", mustEnvelope(t, protocol.TypeJobProgress, protocol.JobProgressPayload{
		JobID: jobID, Progress: 42.5, CurrentNode: "node-3",
	}))

	job, err := stores.Jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 42.5, job.ProgressPercent)
	assert.Equal(t, "node-3", job.CurrentNode)

	ev := recvEvent(t, sub)
	assert.Equal(t, "job_progress", ev.Type)
	assert.Equal(t, jobID, ev.JobID)
	assert.Equal(t, "robot-a", ev.RobotID)
}

func TestCompletionFinishesJob(t *testing.T) {
	rl, stores, _ := newTestRelay(t)
	ctx := context.Background()
	jobID := runningJob(t, stores, "robot-a")

	rl.HandleInbound(ctx, "robot-a", mustEnvelope(t, protocol.TypeJobComplete, protocol.JobCompletePayload{
		JobID:  jobID,
		Result: map[string]any{"rows": 7.0},
	}))

	job, err := stores.Jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, string(types.JobStatusSucceeded), job.Status)
	assert.Equal(t, map[string]any{"rows": 7.0}, store.DecodeMap(job.Result))
	assert.NotNil(t, job.FinishedAt)
}

func TestFailureFinishesJob(t *testing.T) {
	rl, stores, _ := newTestRelay(t)
	ctx := context.Background()
	jobID := runningJob(t, stores, "robot-a")

	rl.HandleInbound(ctx, "robot-a", mustEnvelope(t, protocol.TypeJobFailed, protocol.JobFailedPayload{
		JobID:        jobID,
		ErrorMessage: "selector not found",
		ErrorType:    "execution_error",
	}))

	job, err := stores.Jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, string(types.JobStatusFailed), job.Status)
	assert.Equal(t, "selector not found", job.Error)
}

func TestRedeliveredTerminalReportIsIgnored(t *testing.T) {
	rl, stores, _ := newTestRelay(t)
	ctx := context.Background()
	jobID := runningJob(t, stores, "robot-a")

	rl.HandleInbound(ctx, "robot-a", mustEnvelope(t, protocol.TypeJobComplete, protocol.JobCompletePayload{JobID: jobID}))
	// The robot retries the send after a flaky ack; the failure report must
	// not overwrite the recorded success.
	rl.HandleInbound(ctx, "robot-a", mustEnvelope(t, protocol.TypeJobFailed, protocol.JobFailedPayload{
		JobID: jobID, ErrorMessage: "should not land",
	}))

	job, err := stores.Jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, string(types.JobStatusSucceeded), job.Status)
	assert.Empty(t, job.Error)
}

func TestUncorrelatedCancellation(t *testing.T) {
	rl, stores, _ := newTestRelay(t)
	ctx := context.Background()
	jobID := runningJob(t, stores, "robot-a")

	rl.HandleInbound(ctx, "robot-a", mustEnvelope(t, protocol.TypeJobCancelled, protocol.JobReplyPayload{
		JobID: jobID, Reason: "operator request",
	}))

	job, err := stores.Jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, string(types.JobStatusCancelled), job.Status)
}

func TestLogBatchPersistsAndFansOut(t *testing.T) {
	rl, stores, hub := newTestRelay(t)
	ctx := context.Background()
	jobID := runningJob(t, stores, "robot-a")

	logsSub := hub.Subscribe(TopicLogs)
	jobSub := hub.Subscribe(TopicJob(jobID))
	defer hub.Unsubscribe(logsSub)
	defer hub.Unsubscribe(jobSub)

	rl.HandleInbound(ctx, "robot-a", mustEnvelope(t, protocol.TypeLogBatch, protocol.LogBatchPayload{
		Entries: []protocol.LogEntryPayload{
			{JobID: jobID, Level: "info", Message: "step 1", Timestamp: time.Now()},
			{JobID: jobID, Level: "warn", Message: "step 2", Timestamp: time.Now()},
		},
	}))

	entries, total, err := stores.Logs.ListByJob(ctx, jobID, store.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Equal(t, "robot-a", entries[0].RobotID)

	// One frame, one event per matching topic — the job topic is not
	// published once per line.
	assert.Equal(t, "log_batch", recvEvent(t, logsSub).Type)
	assert.Equal(t, "log_batch", recvEvent(t, jobSub).Type)
	select {
	case ev := <-jobSub.C():
		t.Fatalf("unexpected duplicate event %s", ev.Type)
	default:
	}
}

func TestSingleLogEntryWithoutTimestamp(t *testing.T) {
	rl, stores, _ := newTestRelay(t)
	ctx := context.Background()
	jobID := runningJob(t, stores, "robot-a")

	env := mustEnvelope(t, protocol.TypeLogEntry, protocol.LogEntryPayload{
		JobID: jobID, Level: "info", Message: "no clock on this robot",
	})
	rl.HandleInbound(ctx, "robot-a", env)

	entries, _, err := stores.Logs.ListByJob(ctx, jobID, store.ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	// Missing per-line timestamps fall back to the envelope timestamp.
	assert.WithinDuration(t, env.TS, entries[0].Timestamp, time.Second)
}

func TestUnknownTypePassesThrough(t *testing.T) {
	rl, _, hub := newTestRelay(t)

	sub := hub.Subscribe(TopicRobot("robot-a"))
	defer hub.Unsubscribe(sub)

	env := protocol.Envelope{
		ID:      "m1",
		Type:    "telemetry_v2",
		TS:      time.Now(),
		Payload: []byte(`{"k":1}`),
	}
	rl.HandleInbound(context.Background(), "robot-a", env)

	ev := recvEvent(t, sub)
	assert.Equal(t, "telemetry_v2", ev.Type)
	assert.JSONEq(t, `{"k":1}`, string(ev.Payload))
}

func TestProgressForUnknownJobDoesNotBlock(t *testing.T) {
	rl, _, _ := newTestRelay(t)

	// ErrMissing is permanent: the handler returns promptly instead of
	// retrying for the full backoff window.
	start := time.Now()
	rl.HandleInbound(context.Background(), "robot-a", mustEnvelope(t, protocol.TypeJobProgress, protocol.JobProgressPayload{
		JobID: "00000000-0000-0000-0000-000000000000", Progress: 10,
	}))
	assert.Less(t, time.Since(start), 5*time.Second)
}
