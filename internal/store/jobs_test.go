package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omerlefaruk/CasareRPA-sub014/internal/db"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/store"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/types"
)

func enqueue(t *testing.T, s *store.Stores, name string, prio types.Priority) *db.Job {
	t.Helper()
	job, err := s.Jobs.Enqueue(context.Background(), store.JobRequest{
		WorkflowName: name,
		WorkflowJSON: []byte(`{"nodes":[]}`),
		Priority:     prio,
	})
	require.NoError(t, err)
	return job
}

func registerRobot(t *testing.T, s *store.Stores, robotID string) {
	t.Helper()
	_, err := s.Robots.Register(context.Background(), store.Registration{
		RobotID: robotID, Name: robotID, Hostname: robotID,
	})
	require.NoError(t, err)
}

func TestNextPendingOrdersByPriorityThenAge(t *testing.T) {
	s := newTestStores(t)

	low := enqueue(t, s, "low", types.PriorityLow)
	normalOld := enqueue(t, s, "normal-old", types.PriorityNormal)
	normalNew := enqueue(t, s, "normal-new", types.PriorityNormal)
	critical := enqueue(t, s, "critical", types.PriorityCritical)

	batch, err := s.Jobs.NextPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, batch, 4)

	assert.Equal(t, critical.ID, batch[0].ID)
	assert.Equal(t, normalOld.ID, batch[1].ID)
	assert.Equal(t, normalNew.ID, batch[2].ID)
	assert.Equal(t, low.ID, batch[3].ID)
}

func TestJobAssignReleaseCycle(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	registerRobot(t, s, "robot-a")
	job := enqueue(t, s, "wf", types.PriorityNormal)
	jobID := job.ID.String()

	require.NoError(t, s.Jobs.MarkAssigned(ctx, jobID, "robot-a"))

	// Double assignment loses the status guard.
	assert.ErrorIs(t, s.Jobs.MarkAssigned(ctx, jobID, "robot-b"), store.ErrStale)

	got, err := s.Jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, string(types.JobStatusAssigned), got.Status)
	assert.Equal(t, "robot-a", got.AssignedRobotID)
	assert.NotNil(t, got.AssignedAt)

	robot, err := s.Robots.Get(ctx, "robot-a")
	require.NoError(t, err)
	assert.Equal(t, []string{jobID}, store.DecodeList(robot.CurrentJobIDs))

	// Release puts the job back in the queue and clears ownership.
	require.NoError(t, s.Jobs.Release(ctx, jobID))

	got, err = s.Jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, string(types.JobStatusPending), got.Status)
	assert.Empty(t, got.AssignedRobotID)
	assert.Nil(t, got.AssignedAt)

	robot, err = s.Robots.Get(ctx, "robot-a")
	require.NoError(t, err)
	assert.Empty(t, store.DecodeList(robot.CurrentJobIDs))
}

func TestMarkRunningRequiresAssigned(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	registerRobot(t, s, "robot-a")
	job := enqueue(t, s, "wf", types.PriorityNormal)
	jobID := job.ID.String()

	// pending → running is not a legal transition.
	assert.ErrorIs(t, s.Jobs.MarkRunning(ctx, jobID), store.ErrStale)

	require.NoError(t, s.Jobs.MarkAssigned(ctx, jobID, "robot-a"))
	require.NoError(t, s.Jobs.MarkRunning(ctx, jobID))

	got, err := s.Jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, string(types.JobStatusRunning), got.Status)
	assert.NotNil(t, got.StartedAt)
}

func TestRecordTerminalIsIdempotent(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	registerRobot(t, s, "robot-a")
	job := enqueue(t, s, "wf", types.PriorityNormal)
	jobID := job.ID.String()

	require.NoError(t, s.Jobs.MarkAssigned(ctx, jobID, "robot-a"))
	require.NoError(t, s.Jobs.MarkRunning(ctx, jobID))

	require.NoError(t, s.Jobs.RecordTerminal(ctx, jobID, store.TerminalUpdate{
		Status: types.JobStatusSucceeded,
		Result: map[string]any{"rows": 42.0},
	}))

	got, err := s.Jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, string(types.JobStatusSucceeded), got.Status)
	assert.Equal(t, 100.0, got.ProgressPercent)
	assert.NotNil(t, got.FinishedAt)
	assert.Equal(t, map[string]any{"rows": 42.0}, store.DecodeMap(got.Result))

	// A late failure report cannot overwrite the settled outcome.
	require.NoError(t, s.Jobs.RecordTerminal(ctx, jobID, store.TerminalUpdate{
		Status: types.JobStatusFailed,
		Error:  "too late",
	}))
	got, err = s.Jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, string(types.JobStatusSucceeded), got.Status)
	assert.Empty(t, got.Error)

	// Releasing a terminal job is a stale no-op.
	assert.ErrorIs(t, s.Jobs.Release(ctx, jobID), store.ErrStale)
}

func TestRecordTerminalRejectsNonTerminalStatus(t *testing.T) {
	s := newTestStores(t)
	job := enqueue(t, s, "wf", types.PriorityNormal)

	err := s.Jobs.RecordTerminal(context.Background(), job.ID.String(), store.TerminalUpdate{
		Status: types.JobStatusRunning,
	})
	require.Error(t, err)
}

func TestUpdateProgressClampsAndIgnoresTerminal(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	registerRobot(t, s, "robot-a")
	job := enqueue(t, s, "wf", types.PriorityNormal)
	jobID := job.ID.String()

	require.NoError(t, s.Jobs.MarkAssigned(ctx, jobID, "robot-a"))
	require.NoError(t, s.Jobs.UpdateProgress(ctx, jobID, 150, "node-7"))

	got, err := s.Jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 100.0, got.ProgressPercent)
	assert.Equal(t, "node-7", got.CurrentNode)

	require.NoError(t, s.Jobs.RecordTerminal(ctx, jobID, store.TerminalUpdate{Status: types.JobStatusCancelled}))

	// Late progress after the terminal write is silently dropped.
	require.NoError(t, s.Jobs.UpdateProgress(ctx, jobID, 10, "node-1"))
	got, err = s.Jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, "node-7", got.CurrentNode)
}

func TestReleaseAllForRobot(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	registerRobot(t, s, "robot-a")
	registerRobot(t, s, "robot-b")

	a1 := enqueue(t, s, "a1", types.PriorityNormal)
	a2 := enqueue(t, s, "a2", types.PriorityNormal)
	b1 := enqueue(t, s, "b1", types.PriorityNormal)

	require.NoError(t, s.Jobs.MarkAssigned(ctx, a1.ID.String(), "robot-a"))
	require.NoError(t, s.Jobs.MarkAssigned(ctx, a2.ID.String(), "robot-a"))
	require.NoError(t, s.Jobs.MarkRunning(ctx, a2.ID.String()))
	require.NoError(t, s.Jobs.MarkAssigned(ctx, b1.ID.String(), "robot-b"))

	released, err := s.Jobs.ReleaseAllForRobot(ctx, "robot-a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a1.ID.String(), a2.ID.String()}, released)

	for _, id := range released {
		job, err := s.Jobs.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, string(types.JobStatusPending), job.Status)
		assert.Empty(t, job.AssignedRobotID)
	}

	// robot-b's job is untouched.
	job, err := s.Jobs.Get(ctx, b1.ID.String())
	require.NoError(t, err)
	assert.Equal(t, string(types.JobStatusAssigned), job.Status)

	robot, err := s.Robots.Get(ctx, "robot-a")
	require.NoError(t, err)
	assert.Empty(t, store.DecodeList(robot.CurrentJobIDs))
}

func TestListTimedOut(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	registerRobot(t, s, "robot-a")

	expired, err := s.Jobs.Enqueue(ctx, store.JobRequest{
		WorkflowName:   "slow",
		WorkflowJSON:   []byte(`{}`),
		TimeoutSeconds: 1,
	})
	require.NoError(t, err)
	unlimited, err := s.Jobs.Enqueue(ctx, store.JobRequest{
		WorkflowName: "forever",
		WorkflowJSON: []byte(`{}`),
	})
	require.NoError(t, err)

	require.NoError(t, s.Jobs.MarkAssigned(ctx, expired.ID.String(), "robot-a"))
	require.NoError(t, s.Jobs.MarkRunning(ctx, expired.ID.String()))
	require.NoError(t, s.Jobs.MarkAssigned(ctx, unlimited.ID.String(), "robot-a"))
	require.NoError(t, s.Jobs.MarkRunning(ctx, unlimited.ID.String()))

	// Far enough in the future that timeout+grace has elapsed for the
	// 1-second job; the zero-timeout job never times out.
	future := time.Now().Add(5 * time.Minute)
	out, err := s.Jobs.ListTimedOut(ctx, 60*time.Second, future)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, expired.ID, out[0].ID)

	// Before the grace elapses nothing is reported.
	out, err = s.Jobs.ListTimedOut(ctx, 60*time.Second, time.Now())
	require.NoError(t, err)
	assert.Empty(t, out)
}
