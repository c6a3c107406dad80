package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omerlefaruk/CasareRPA-sub014/internal/store"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/types"
)

func TestRobotRegisterIsIdempotent(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	reg := store.Registration{
		RobotID:           "robot-a",
		Name:              "finance-bot",
		Hostname:          "host-a",
		MaxConcurrentJobs: 2,
		Capabilities:      []string{"browser", "excel"},
	}

	first, err := s.Robots.Register(ctx, reg)
	require.NoError(t, err)
	assert.Equal(t, "finance-bot", first.Name)
	assert.Equal(t, string(types.RobotStatusOffline), first.Status)
	assert.Equal(t, "default", first.TenantID)

	// Same robot_id re-registers into the same row.
	reg.MaxConcurrentJobs = 4
	second, err := s.Robots.Register(ctx, reg)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 4, second.MaxConcurrentJobs)

	_, total, err := s.Robots.List(ctx, store.RobotFilter{}, store.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestRobotRegisterDisambiguatesNameCollision(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	_, err := s.Robots.Register(ctx, store.Registration{
		RobotID: "robot-a", Name: "worker", Hostname: "host-a",
	})
	require.NoError(t, err)

	// A different robot claiming the same display name gets renamed, not
	// rejected.
	other, err := s.Robots.Register(ctx, store.Registration{
		RobotID: "robot-b", Name: "worker", Hostname: "host-b",
	})
	require.NoError(t, err)
	assert.NotEqual(t, "worker", other.Name)
	assert.Contains(t, other.Name, "worker (")
}

func TestRobotUpdateStatusSelfHeals(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	// A heartbeat for a robot that never registered creates a minimal row.
	hb := time.Now().UTC()
	err := s.Robots.UpdateStatus(ctx, "ghost", types.RobotStatusOnline, hb, map[string]float64{"cpu_percent": 12.5})
	require.NoError(t, err)

	robot, err := s.Robots.Get(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, string(types.RobotStatusOnline), robot.Status)
	require.NotNil(t, robot.LastHeartbeatAt)
	assert.Equal(t, map[string]any{"cpu_percent": 12.5}, store.DecodeMap(robot.Metrics))
}

func TestRobotListFilters(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	_, err := s.Robots.Register(ctx, store.Registration{
		RobotID: "r1", Name: "r1", Hostname: "h1", TenantID: "acme",
		Capabilities: []string{"browser"},
	})
	require.NoError(t, err)
	_, err = s.Robots.Register(ctx, store.Registration{
		RobotID: "r2", Name: "r2", Hostname: "h2", TenantID: "acme",
		Capabilities: []string{"excel"},
	})
	require.NoError(t, err)
	_, err = s.Robots.Register(ctx, store.Registration{
		RobotID: "r3", Name: "r3", Hostname: "h3", TenantID: "globex",
	})
	require.NoError(t, err)

	robots, total, err := s.Robots.List(ctx, store.RobotFilter{TenantID: "acme"}, store.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, robots, 2)

	robots, total, err = s.Robots.List(ctx, store.RobotFilter{Capability: "browser"}, store.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, "r1", robots[0].RobotID)

	require.NoError(t, s.Robots.UpdateStatus(ctx, "r3", types.RobotStatusOnline, time.Now(), nil))
	_, total, err = s.Robots.List(ctx, store.RobotFilter{Status: types.RobotStatusOnline}, store.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestRobotDeleteMissing(t *testing.T) {
	s := newTestStores(t)
	err := s.Robots.Delete(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrMissing)
}

func TestMarkOfflineStale(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	old := time.Now().Add(-10 * time.Minute)
	fresh := time.Now()

	require.NoError(t, s.Robots.UpdateStatus(ctx, "stale-bot", types.RobotStatusOnline, old, nil))
	require.NoError(t, s.Robots.UpdateStatus(ctx, "live-bot", types.RobotStatusBusy, fresh, nil))

	ids, err := s.Robots.MarkOfflineStale(ctx, time.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"stale-bot"}, ids)

	robot, err := s.Robots.Get(ctx, "stale-bot")
	require.NoError(t, err)
	assert.Equal(t, string(types.RobotStatusOffline), robot.Status)

	robot, err = s.Robots.Get(ctx, "live-bot")
	require.NoError(t, err)
	assert.Equal(t, string(types.RobotStatusBusy), robot.Status)

	// Second sweep finds nothing: offline robots are not re-reported.
	ids, err = s.Robots.MarkOfflineStale(ctx, time.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, ids)
}
