package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omerlefaruk/CasareRPA-sub014/internal/db"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/store"
)

func TestLogAppendAndList(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	now := time.Now().UTC()
	entries := []db.LogEntry{
		{JobID: "job-1", RobotID: "robot-a", Level: "info", Message: "starting", Timestamp: now},
		{JobID: "job-1", RobotID: "robot-a", Level: "error", Message: "boom", NodeID: "n3", Timestamp: now.Add(time.Second)},
		{JobID: "job-2", RobotID: "robot-a", Level: "info", Message: "other job", Timestamp: now},
	}
	require.NoError(t, s.Logs.AppendBatch(ctx, entries))

	got, total, err := s.Logs.ListByJob(ctx, "job-1", store.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, got, 2)
	assert.Equal(t, "starting", got[0].Message)
	assert.Equal(t, "boom", got[1].Message)
}

func TestLogRetentionPurge(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	fresh := time.Now().UTC()
	require.NoError(t, s.Logs.AppendBatch(ctx, []db.LogEntry{
		{JobID: "job-1", RobotID: "robot-a", Level: "info", Message: "ancient", Timestamp: old},
		{JobID: "job-1", RobotID: "robot-a", Level: "info", Message: "recent", Timestamp: fresh},
	}))

	deleted, err := s.Logs.DeleteOlderThan(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	got, _, err := s.Logs.ListByJob(ctx, "job-1", store.ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "recent", got[0].Message)
}

func TestAuditAppendAndList(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	require.NoError(t, s.Audit.Append(ctx, "dispatcher", "job.rejected", "job-1", "at capacity"))
	require.NoError(t, s.Audit.Append(ctx, "api:admin", "key.minted", "key-1", ""))

	entries, total, err := s.Audit.List(ctx, store.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, entries, 2)
}
