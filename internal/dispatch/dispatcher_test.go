package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
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

func newTestStores(t *testing.T) *store.Stores {
	t.Helper()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	return store.New(database)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.Stores, *registry.Registry) {
	t.Helper()
	stores := newTestStores(t)
	reg := registry.New(registry.Config{}, stores, zap.NewNop())
	d := New(Config{}, stores, reg, zap.NewNop())
	return d, stores, reg
}

func testJob(tenantID string) *db.Job {
	job := &db.Job{
		TenantID:     tenantID,
		WorkflowName: "wf",
		Status:       string(types.JobStatusPending),
	}
	job.ID = uuid.New()
	return job
}

func onlineSnap(robotID string, activeJobs int, heartbeat time.Time) registry.RobotSnapshot {
	jobs := make([]string, activeJobs)
	for i := range jobs {
		jobs[i] = uuid.NewString()
	}
	return registry.RobotSnapshot{
		RobotID:       robotID,
		TenantID:      "default",
		Status:        types.RobotStatusOnline,
		ActiveJobs:    jobs,
		MaxConcurrent: 4,
		LastHeartbeat: heartbeat,
	}
}

func TestPickPrefersLeastLoaded(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	now := time.Now()

	snaps := []registry.RobotSnapshot{
		onlineSnap("busy-bot", 3, now),
		onlineSnap("idle-bot", 0, now),
		onlineSnap("mid-bot", 1, now),
	}

	snap, ok := d.pick(testJob("default"), snaps, now)
	require.True(t, ok)
	assert.Equal(t, "idle-bot", snap.RobotID)
}

func TestPickTieBreaksOnHeartbeatThenID(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	now := time.Now()

	// Equal load: the robot heard from most recently wins.
	snaps := []registry.RobotSnapshot{
		onlineSnap("stale-bot", 0, now.Add(-time.Minute)),
		onlineSnap("fresh-bot", 0, now),
	}
	snap, ok := d.pick(testJob("default"), snaps, now)
	require.True(t, ok)
	assert.Equal(t, "fresh-bot", snap.RobotID)

	// Fully equal: lowest robot_id for determinism.
	snaps = []registry.RobotSnapshot{
		onlineSnap("bbb", 0, now),
		onlineSnap("aaa", 0, now),
	}
	snap, ok = d.pick(testJob("default"), snaps, now)
	require.True(t, ok)
	assert.Equal(t, "aaa", snap.RobotID)
}

func TestEligibilityFilters(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	now := time.Now()

	t.Run("unavailable robot", func(t *testing.T) {
		s := onlineSnap("bot", 0, now)
		s.Status = types.RobotStatusMaintenance
		_, ok := d.pick(testJob("default"), []registry.RobotSnapshot{s}, now)
		assert.False(t, ok)
	})

	t.Run("at capacity", func(t *testing.T) {
		s := onlineSnap("bot", 4, now)
		_, ok := d.pick(testJob("default"), []registry.RobotSnapshot{s}, now)
		assert.False(t, ok)
	})

	t.Run("robot pin", func(t *testing.T) {
		job := testJob("default")
		job.RequestedRobot = "wanted-bot"
		snaps := []registry.RobotSnapshot{
			onlineSnap("other-bot", 0, now),
			onlineSnap("wanted-bot", 2, now),
		}
		snap, ok := d.pick(job, snaps, now)
		require.True(t, ok)
		assert.Equal(t, "wanted-bot", snap.RobotID)

		job.RequestedRobot = "absent-bot"
		_, ok = d.pick(job, snaps, now)
		assert.False(t, ok)
	})

	t.Run("tenant isolation", func(t *testing.T) {
		job := testJob("acme")
		s := onlineSnap("bot", 0, now)
		s.TenantID = "globex"
		_, ok := d.pick(job, []registry.RobotSnapshot{s}, now)
		assert.False(t, ok)

		s.TenantID = "acme"
		_, ok = d.pick(job, []registry.RobotSnapshot{s}, now)
		assert.True(t, ok)
	})

	t.Run("required capabilities", func(t *testing.T) {
		job := testJob("default")
		job.RequiredCaps = `["browser","excel"]`
		s := onlineSnap("bot", 0, now)
		s.Capabilities = []string{"browser"}
		_, ok := d.pick(job, []registry.RobotSnapshot{s}, now)
		assert.False(t, ok)

		s.Capabilities = []string{"browser", "excel", "pdf"}
		_, ok = d.pick(job, []registry.RobotSnapshot{s}, now)
		assert.True(t, ok)
	})
}

func TestSingleRejectionRetriesImmediately(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	now := time.Now()

	job := testJob("default")
	jobID := job.ID.String()
	snaps := []registry.RobotSnapshot{onlineSnap("bot", 0, now)}

	// One rejection does not exclude the pair: the next cycle retries it.
	d.penalizePair(jobID, "bot")
	_, ok := d.pick(job, snaps, now)
	assert.True(t, ok, "a single rejection must not hold the pair off")
}

func TestRepeatRejectionExcludesPair(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	now := time.Now()

	job := testJob("default")
	jobID := job.ID.String()
	snaps := []registry.RobotSnapshot{onlineSnap("bot", 0, now)}

	d.penalizePair(jobID, "bot")
	d.penalizePair(jobID, "bot")
	_, ok := d.pick(job, snaps, now)
	assert.False(t, ok, "pair under backoff must not be re-offered")

	// A different job is unaffected.
	_, ok = d.pick(testJob("default"), snaps, now)
	assert.True(t, ok)

	// After the hold-off expires the pair becomes eligible again.
	_, ok = d.pick(job, snaps, now.Add(d.cfg.RejectBackoff+time.Second))
	assert.True(t, ok)
}

func TestRejectionCountResetsAfterWindow(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	d.penalizePair("job-1", "bot")

	// Simulate the first rejection having happened outside the window.
	d.mu.Lock()
	rej := d.rejected[pairKey{"job-1", "bot"}]
	rej.firstAt = time.Now().Add(-d.cfg.RejectWindow - time.Second)
	d.rejected[pairKey{"job-1", "bot"}] = rej
	d.mu.Unlock()

	// The next rejection starts a fresh window: count 1, no hold-off.
	d.penalizePair("job-1", "bot")
	d.mu.Lock()
	rej = d.rejected[pairKey{"job-1", "bot"}]
	d.mu.Unlock()
	assert.Equal(t, 1, rej.count)
	assert.True(t, rej.until.IsZero())
}

func TestRejectionBackoffDoublesAndCaps(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	for i := 0; i < 10; i++ {
		d.penalizePair("job-1", "bot")
	}

	d.mu.Lock()
	rej := d.rejected[pairKey{"job-1", "bot"}]
	d.mu.Unlock()

	assert.Equal(t, 10, rej.count)
	// The hold-off is capped at 8x the base.
	maxUntil := time.Now().Add(d.cfg.RejectBackoff*8 + time.Second)
	assert.True(t, rej.until.Before(maxUntil))
	assert.True(t, rej.until.After(time.Now().Add(d.cfg.RejectBackoff*8-time.Minute)))
}

func TestErrorCooldownExcludesRobot(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	now := time.Now()
	snaps := []registry.RobotSnapshot{onlineSnap("flaky-bot", 0, now)}

	d.penalizeRobot("flaky-bot")
	_, ok := d.pick(testJob("default"), snaps, now)
	assert.False(t, ok)

	_, ok = d.pick(testJob("default"), snaps, now.Add(d.cfg.ErrorCooldown+time.Second))
	assert.True(t, ok)
}

func TestExpireDropsStaleEntries(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	d.penalizePair("job-1", "bot")
	d.penalizeRobot("bot")

	d.expirePenalties(time.Now().Add(24 * time.Hour))

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Empty(t, d.rejected)
	assert.Empty(t, d.cooldowns)
}

func TestCancelPendingJob(t *testing.T) {
	d, stores, _ := newTestDispatcher(t)
	ctx := context.Background()

	job, err := stores.Jobs.Enqueue(ctx, store.JobRequest{
		WorkflowName: "wf", WorkflowJSON: []byte(`{}`),
	})
	require.NoError(t, err)

	require.NoError(t, d.CancelJob(ctx, job.ID.String(), "api:admin", "not needed"))

	got, err := stores.Jobs.Get(ctx, job.ID.String())
	require.NoError(t, err)
	assert.Equal(t, string(types.JobStatusCancelled), got.Status)
	assert.Equal(t, "not needed", got.Error)

	// Cancelling a settled job reports the stale state.
	assert.ErrorIs(t, d.CancelJob(ctx, job.ID.String(), "api:admin", "again"), store.ErrStale)
}

func TestCancelAssignedJobWithOfflineRobot(t *testing.T) {
	d, stores, _ := newTestDispatcher(t)
	ctx := context.Background()

	_, err := stores.Robots.Register(ctx, store.Registration{RobotID: "robot-a", Name: "bot", Hostname: "h"})
	require.NoError(t, err)
	job, err := stores.Jobs.Enqueue(ctx, store.JobRequest{
		WorkflowName: "wf", WorkflowJSON: []byte(`{}`),
	})
	require.NoError(t, err)
	require.NoError(t, stores.Jobs.MarkAssigned(ctx, job.ID.String(), "robot-a"))

	// The robot has no live connection: the cancel is recorded anyway.
	require.NoError(t, d.CancelJob(ctx, job.ID.String(), "api:admin", "operator request"))

	got, err := stores.Jobs.Get(ctx, job.ID.String())
	require.NoError(t, err)
	assert.Equal(t, string(types.JobStatusCancelled), got.Status)
}

func TestCancelUnknownJob(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	err := d.CancelJob(context.Background(), uuid.NewString(), "api:admin", "x")
	assert.ErrorIs(t, err, store.ErrMissing)
}

// ─── Assignment round-trip ───────────────────────────────────────────────────

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(raw)
	require.NoError(t, err)
	return env
}

func writeReply(t *testing.T, conn *websocket.Conn, to protocol.Envelope, typ protocol.Type, payload any) {
	t.Helper()
	env, err := protocol.NewReply(to, typ, payload)
	require.NoError(t, err)
	frame, err := protocol.Encode(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func waitForCond(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// TestAssignRejectThenAccept drives the full claim-and-deliver path over a
// real WebSocket: the robot declines the first offer, and the dispatcher must
// requeue the job and retry it promptly rather than holding the pair off.
func TestAssignRejectThenAccept(t *testing.T) {
	stores := newTestStores(t)
	reg := registry.New(registry.Config{}, stores, zap.NewNop())

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		robotID := strings.TrimPrefix(r.URL.Path, "/robot/")
		reg.ServeRobot(w, r, robotID)
	}))
	t.Cleanup(server.Close)

	ctx := context.Background()
	minted, err := stores.Keys.Create(ctx, "robot-a", nil)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/robot/robot-a?api_key=" + minted.Secret
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	regEnv, err := protocol.New(protocol.TypeRegister, protocol.RegisterPayload{
		RobotName:         "bot",
		MaxConcurrentJobs: 1,
	})
	require.NoError(t, err)
	frame, err := protocol.Encode(regEnv)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
	require.Equal(t, protocol.TypeRegisterAck, readFrame(t, conn).Type)

	job, err := stores.Jobs.Enqueue(ctx, store.JobRequest{
		WorkflowName: "wf", WorkflowJSON: []byte(`{}`),
	})
	require.NoError(t, err)
	jobID := job.ID.String()

	d := New(Config{
		IdleMin:       10 * time.Millisecond,
		IdleMax:       50 * time.Millisecond,
		AssignTimeout: 2 * time.Second,
	}, stores, reg, zap.NewNop())

	runCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	go d.Run(runCtx)
	d.Poke()

	assign := readFrame(t, conn)
	require.Equal(t, protocol.TypeJobAssign, assign.Type)
	var p protocol.JobAssignPayload
	require.NoError(t, protocol.DecodePayload(assign, &p))
	require.Equal(t, jobID, p.JobID)
	writeReply(t, conn, assign, protocol.TypeJobReject, protocol.JobReplyPayload{JobID: jobID, Reason: "busy"})

	// The retry arrives well inside the read deadline: a single rejection
	// carries no hold-off.
	assign = readFrame(t, conn)
	require.Equal(t, protocol.TypeJobAssign, assign.Type)
	require.NoError(t, protocol.DecodePayload(assign, &p))
	require.Equal(t, jobID, p.JobID)
	writeReply(t, conn, assign, protocol.TypeJobAccept, protocol.JobReplyPayload{JobID: jobID})

	waitForCond(t, func() bool {
		got, err := stores.Jobs.Get(ctx, jobID)
		return err == nil && got.Status == string(types.JobStatusRunning) && got.AssignedRobotID == "robot-a"
	}, "job never reached running")

	// The declined offer left an audit trail entry.
	waitForCond(t, func() bool {
		entries, _, err := stores.Audit.List(ctx, store.ListOptions{Limit: 50})
		if err != nil {
			return false
		}
		for _, e := range entries {
			if e.Action == "job.rejected" && e.EntityID == jobID {
				return true
			}
		}
		return false
	}, "rejection never audited")
}
