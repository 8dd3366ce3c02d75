package server

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/nimbus/pkg/node"
	"github.com/cuemby/nimbus/pkg/plugin"
	"github.com/cuemby/nimbus/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeNodes struct {
	failStart    bool
	allocateErrs map[string]bool
	freed        int
	stopped      int
}

func (f *fakeNodes) Allocate(ctx context.Context, nodeName string, req types.Resources) (node.AllocationResult, error) {
	if f.allocateErrs != nil && f.allocateErrs[nodeName] {
		return node.AllocationResult{}, &allocErr{nodeName}
	}
	return node.AllocationResult{Ports: []types.HostPort{{Host: "127.0.0.1", Port: 30000}}}, nil
}

type allocErr struct{ node string }

func (e *allocErr) Error() string { return "no capacity on " + e.node }

func (f *fakeNodes) Free(ctx context.Context, res node.AllocationResult) { f.freed++ }

func (f *fakeNodes) Start(ctx context.Context, nodeName string, unit types.Allocation, name string) (plugin.ScreenHandle, error) {
	if f.failStart {
		return nil, &allocErr{nodeName}
	}
	h := newTestScreen()
	return h, nil
}

func (f *fakeNodes) Restart(ctx context.Context, nodeName string, unit types.Allocation, name string) error {
	return nil
}

func (f *fakeNodes) Stop(ctx context.Context, nodeName string, unit types.Allocation, name string) error {
	f.stopped++
	return nil
}

type testScreen struct {
	ch chan []byte
}

func newTestScreen() *testScreen {
	h := &testScreen{ch: make(chan []byte, 4)}
	close(h.ch)
	return h
}
func (h *testScreen) Lines() <-chan []byte { return h.ch }
func (h *testScreen) Close() error         { return nil }

type fakeAuth struct{}

func (fakeAuth) RegisterServer(server uuid.UUID) (string, error) { return "srv_test", nil }
func (fakeAuth) UnregisterServer(token string)                   {}

type fakeBus struct {
	closed []uuid.UUID
}

func (b *fakeBus) PublishScreen(server uuid.UUID, lines [][]byte) {}
func (b *fakeBus) CloseServer(server uuid.UUID)                   { b.closed = append(b.closed, server) }

type fakeGroups struct {
	attached, detached int
}

func (g *fakeGroups) Attach(group string, server types.NameAndUuid)      { g.attached++ }
func (g *fakeGroups) Detach(group string, server uuid.UUID)              { g.detached++ }
func (g *fakeGroups) StartFailed(group string, requestID uuid.UUID) {}

type fakeUsers struct{ removed int }

func (u *fakeUsers) RemoveUsersOfServer(server uuid.UUID) { u.removed++ }

func newTestManager() (*Manager, *fakeNodes, *fakeBus, *fakeGroups, *fakeUsers) {
	nodes := &fakeNodes{}
	bus := &fakeBus{}
	groups := &fakeGroups{}
	users := &fakeUsers{}
	m := New(Config{StartupTimeout: time.Minute, HeartbeatTimeout: time.Minute}, nodes, fakeAuth{}, bus, groups, users)
	return m, nodes, bus, groups, users
}

func TestStartRequestInstallsServerAfterTwoTicks(t *testing.T) {
	ctx := context.Background()
	m, _, _, groups, _ := newTestManager()

	id := m.ScheduleStart(types.StartRequest{Name: "lobby-1", Group: "lobby", Nodes: []string{"n1"}})

	m.Tick(ctx, time.Now())
	_, ok := m.GetServer(id)
	require.False(t, ok, "server must not exist until the Creating stage completes")

	m.Tick(ctx, time.Now())
	srv, ok := m.GetServer(id)
	require.True(t, ok)
	require.Equal(t, types.ServerStateStarting, srv.State)
	require.Equal(t, 1, groups.attached)
}

func TestStopDrainsThroughAllStages(t *testing.T) {
	ctx := context.Background()
	m, nodes, bus, groups, users := newTestManager()

	id := m.ScheduleStart(types.StartRequest{Name: "lobby-1", Group: "lobby", Nodes: []string{"n1"}})
	m.Tick(ctx, time.Now())
	m.Tick(ctx, time.Now())
	_, ok := m.GetServer(id)
	require.True(t, ok)

	m.ScheduleStop(id)
	m.Tick(ctx, time.Now()) // Queued -> Freeing
	m.Tick(ctx, time.Now()) // Freeing -> Running
	m.Tick(ctx, time.Now()) // Running -> removed

	_, ok = m.GetServer(id)
	require.False(t, ok)
	require.Equal(t, 1, nodes.freed)
	require.Equal(t, 1, nodes.stopped)
	require.Equal(t, 1, users.removed)
	require.Contains(t, bus.closed, id)
	require.Equal(t, 1, groups.detached)
}

func TestDuplicateStopIsDroppedOnceInFlight(t *testing.T) {
	ctx := context.Background()
	m, _, _, _, _ := newTestManager()

	id := m.ScheduleStart(types.StartRequest{Name: "lobby-1", Nodes: []string{"n1"}})
	m.Tick(ctx, time.Now())
	m.Tick(ctx, time.Now())

	m.ScheduleStop(id)
	m.Tick(ctx, time.Now()) // now Freeing
	m.ScheduleStop(id)      // should be dropped, already past Queued

	m.mu.RLock()
	count := len(m.stops)
	m.mu.RUnlock()
	require.Equal(t, 1, count)
}

func TestHeartbeatMovesStartingToPreparing(t *testing.T) {
	ctx := context.Background()
	m, _, _, _, _ := newTestManager()

	id := m.ScheduleStart(types.StartRequest{Name: "lobby-1", Nodes: []string{"n1"}})
	m.Tick(ctx, time.Now())
	m.Tick(ctx, time.Now())

	require.NoError(t, m.Heartbeat(id, time.Now()))
	srv, _ := m.GetServer(id)
	require.Equal(t, types.ServerStatePreparing, srv.State)

	require.NoError(t, m.SetRunning(id))
	srv, _ = m.GetServer(id)
	require.Equal(t, types.ServerStateRunning, srv.State)
}

func TestFindFallbackPrefersHighestPriority(t *testing.T) {
	ctx := context.Background()
	m, _, _, _, _ := newTestManager()

	spec := types.ServerSpec{Fallback: types.FallbackPolicy{Enabled: true, Priority: 1}}
	idLow := m.ScheduleStart(types.StartRequest{Name: "low", Nodes: []string{"n1"}, Spec: spec})
	m.Tick(ctx, time.Now())
	m.Tick(ctx, time.Now())
	require.NoError(t, m.SetReady(idLow, true))
	m.mu.Lock()
	m.servers[idLow].State = types.ServerStateRunning
	m.mu.Unlock()

	specHigh := types.ServerSpec{Fallback: types.FallbackPolicy{Enabled: true, Priority: 5}}
	idHigh := m.ScheduleStart(types.StartRequest{Name: "high", Nodes: []string{"n1"}, Spec: specHigh})
	m.Tick(ctx, time.Now())
	m.Tick(ctx, time.Now())
	require.NoError(t, m.SetReady(idHigh, true))
	m.mu.Lock()
	m.servers[idHigh].State = types.ServerStateRunning
	m.mu.Unlock()

	best, ok := m.FindFallback(uuid.Nil)
	require.True(t, ok)
	require.Equal(t, idHigh, best.UUID)
}

func TestCancelStartOnlyWorksBeforeAllocating(t *testing.T) {
	ctx := context.Background()
	m, _, _, _, _ := newTestManager()

	id := m.ScheduleStart(types.StartRequest{Name: "lobby-1", Nodes: []string{"n1"}})
	require.True(t, m.CancelStart(id))

	id2 := m.ScheduleStart(types.StartRequest{Name: "lobby-2", Nodes: []string{"n1"}})
	m.Tick(ctx, time.Now())
	require.False(t, m.CancelStart(id2), "cancel must be ignored once past Queued")
}
