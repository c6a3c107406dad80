package robot

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/omerlefaruk/CasareRPA-sub014/internal/protocol"
)

func TestStateRoundTrip(t *testing.T) {
	dir := t.TempDir()

	// Missing file means first run: empty state, no error.
	s, err := loadState(dir)
	require.NoError(t, err)
	assert.Empty(t, s.RobotID)

	require.NoError(t, saveState(dir, robotState{RobotID: "robot-abc"}))
	s, err = loadState(dir)
	require.NoError(t, err)
	assert.Equal(t, "robot-abc", s.RobotID)

	// No stray temp files survive the atomic write.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "robot-state.json", entries[0].Name())
}

func TestStateSaveCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")

	require.NoError(t, saveState(dir, robotState{RobotID: "robot-abc"}))
	s, err := loadState(dir)
	require.NoError(t, err)
	assert.Equal(t, "robot-abc", s.RobotID)
}

func TestStateCorruptedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(stateFilePath(dir), []byte("{not json"), 0600))

	_, err := loadState(dir)
	assert.Error(t, err)
}

func TestIdentityPrecedence(t *testing.T) {
	t.Run("config override wins", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, saveState(dir, robotState{RobotID: "robot-persisted"}))

		m, err := New(Config{ServerURL: "ws://x", StateDir: dir, RobotID: "robot-flag"}, nil, zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, "robot-flag", m.RobotID())
	})

	t.Run("persisted identity reused", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, saveState(dir, robotState{RobotID: "robot-persisted"}))

		m, err := New(Config{ServerURL: "ws://x", StateDir: dir}, nil, zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, "robot-persisted", m.RobotID())
	})

	t.Run("first run generates and persists", func(t *testing.T) {
		dir := t.TempDir()

		m1, err := New(Config{ServerURL: "ws://x", StateDir: dir}, nil, zap.NewNop())
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(m1.RobotID(), "robot-"))

		// A restart presents the same identity.
		m2, err := New(Config{ServerURL: "ws://x", StateDir: dir}, nil, zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, m1.RobotID(), m2.RobotID())
	})
}

func TestNewRequiresServerURL(t *testing.T) {
	_, err := New(Config{}, nil, zap.NewNop())
	assert.Error(t, err)
}

func TestNextBackoffDoublesAndCaps(t *testing.T) {
	b := backoffInitial
	assert.Equal(t, 2*time.Second, nextBackoff(b))
	assert.Equal(t, 4*time.Second, nextBackoff(2*time.Second))

	for i := 0; i < 20; i++ {
		b = nextBackoff(b)
	}
	assert.Equal(t, backoffMax, b)
}

func TestJitterBounds(t *testing.T) {
	base := 10 * time.Second
	lo := time.Duration(float64(base) * (1 - jitterFraction))
	hi := time.Duration(float64(base) * (1 + jitterFraction))

	for i := 0; i < 100; i++ {
		d := jitter(base)
		assert.GreaterOrEqual(t, d, lo)
		assert.LessOrEqual(t, d, hi)
	}
}

func TestErrorTypeBuckets(t *testing.T) {
	assert.Equal(t, "timeout", errorType(context.DeadlineExceeded))
	assert.Equal(t, "cancelled", errorType(context.Canceled))
	assert.Equal(t, "execution_error", errorType(errors.New("boom")))
}

// ─── Session integration against a scripted orchestrator ────────────────────

// stubRunner reports one progress tick and returns a fixed result.
type stubRunner struct {
	result map[string]any
	err    error
}

func (r *stubRunner) Execute(ctx context.Context, job Job, rep Reporter) (map[string]any, error) {
	rep.Progress(job.ID, 50, "node-1", "halfway")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.result, r.err
}

// fakeOrchestrator accepts one channel connection, acks registration, assigns
// a job, and forwards every subsequent robot frame to Frames.
type fakeOrchestrator struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	Registered chan protocol.RegisterPayload
	Frames     chan protocol.Envelope
	assignment protocol.JobAssignPayload
}

func newFakeOrchestrator(t *testing.T, assignment protocol.JobAssignPayload) *fakeOrchestrator {
	f := &fakeOrchestrator{
		t:          t,
		Registered: make(chan protocol.RegisterPayload, 1),
		Frames:     make(chan protocol.Envelope, 64),
		assignment: assignment,
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeOrchestrator) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fakeOrchestrator) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	require.NoError(f.t, err)
	defer conn.Close()

	// Registration handshake.
	env := f.read(conn)
	require.Equal(f.t, protocol.TypeRegister, env.Type)
	var reg protocol.RegisterPayload
	require.NoError(f.t, protocol.DecodePayload(env, &reg))
	f.Registered <- reg

	ack, err := protocol.NewReply(env, protocol.TypeRegisterAck, protocol.RegisterAckPayload{
		Success: true,
		Config:  protocol.RegisterConfig{HeartbeatIntervalSecs: 30},
	})
	require.NoError(f.t, err)
	f.write(conn, ack)

	assign, err := protocol.New(protocol.TypeJobAssign, f.assignment)
	require.NoError(f.t, err)
	f.write(conn, assign)

	for {
		env, err := f.readErr(conn)
		if err != nil {
			return
		}
		f.Frames <- env
	}
}

func (f *fakeOrchestrator) read(conn *websocket.Conn) protocol.Envelope {
	env, err := f.readErr(conn)
	require.NoError(f.t, err)
	return env
}

func (f *fakeOrchestrator) readErr(conn *websocket.Conn) (protocol.Envelope, error) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.Decode(raw)
}

func (f *fakeOrchestrator) write(conn *websocket.Conn, env protocol.Envelope) {
	frame, err := protocol.Encode(env)
	require.NoError(f.t, err)
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	require.NoError(f.t, conn.WriteMessage(websocket.TextMessage, frame))
}

// waitFor drains frames until one of the wanted type arrives.
func (f *fakeOrchestrator) waitFor(typ protocol.Type) protocol.Envelope {
	f.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case env := <-f.Frames:
			if env.Type == typ {
				return env
			}
		case <-deadline:
			f.t.Fatalf("timed out waiting for %s frame", typ)
		}
	}
}

func TestSessionExecutesAssignment(t *testing.T) {
	orch := newFakeOrchestrator(t, protocol.JobAssignPayload{
		JobID:        "job-1",
		WorkflowName: "invoice-sync",
		WorkflowJSON: []byte(`{"nodes":[]}`),
	})

	m, err := New(Config{
		ServerURL:    orch.url(),
		APIKey:       "key1.s3cret",
		RobotID:      "robot-test",
		Name:         "worker",
		StateDir:     t.TempDir(),
		Capabilities: []string{"browser"},
	}, &stubRunner{result: map[string]any{"rows": 7.0}}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()

	reg := <-orch.Registered
	assert.Equal(t, "worker", reg.RobotName)
	assert.Equal(t, "key1.s3cret", reg.AuthToken)
	assert.Equal(t, []string{"browser"}, reg.Capabilities)

	accept := orch.waitFor(protocol.TypeJobAccept)
	var reply protocol.JobReplyPayload
	require.NoError(t, protocol.DecodePayload(accept, &reply))
	assert.Equal(t, "job-1", reply.JobID)

	progress := orch.waitFor(protocol.TypeJobProgress)
	var prog protocol.JobProgressPayload
	require.NoError(t, protocol.DecodePayload(progress, &prog))
	assert.Equal(t, 50.0, prog.Progress)
	assert.Equal(t, "node-1", prog.CurrentNode)

	complete := orch.waitFor(protocol.TypeJobComplete)
	var comp protocol.JobCompletePayload
	require.NoError(t, protocol.DecodePayload(complete, &comp))
	assert.Equal(t, "job-1", comp.JobID)
	assert.Equal(t, map[string]any{"rows": 7.0}, comp.Result)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not stop after context cancellation")
	}
}

func TestSessionReportsFailure(t *testing.T) {
	orch := newFakeOrchestrator(t, protocol.JobAssignPayload{
		JobID:        "job-1",
		WorkflowName: "invoice-sync",
		WorkflowJSON: []byte(`{}`),
	})

	m, err := New(Config{
		ServerURL: orch.url(),
		APIKey:    "key1.s3cret",
		RobotID:   "robot-test",
		StateDir:  t.TempDir(),
	}, &stubRunner{err: errors.New("selector not found")}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	failed := orch.waitFor(protocol.TypeJobFailed)
	var p protocol.JobFailedPayload
	require.NoError(t, protocol.DecodePayload(failed, &p))
	assert.Equal(t, "job-1", p.JobID)
	assert.Equal(t, "selector not found", p.ErrorMessage)
	assert.Equal(t, "execution_error", p.ErrorType)
}
