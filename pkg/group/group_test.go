package group

import (
	"testing"
	"time"

	"github.com/cuemby/nimbus/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	groups map[string]types.Group
}

func newFakeStore() *fakeStore { return &fakeStore{groups: make(map[string]types.Group)} }

func (s *fakeStore) SaveGroup(g types.Group) error  { s.groups[g.Name] = g; return nil }
func (s *fakeStore) DeleteGroup(name string) error  { delete(s.groups, name); return nil }
func (s *fakeStore) LoadGroups() ([]types.Group, error) {
	out := make([]types.Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	return out, nil
}

type fakeServers struct {
	servers    map[uuid.UUID]types.Server
	started    []types.StartRequest
	stopped    []uuid.UUID
	canceled   []uuid.UUID
}

func newFakeServers() *fakeServers {
	return &fakeServers{servers: make(map[uuid.UUID]types.Server)}
}

func (f *fakeServers) ScheduleStart(req types.StartRequest) uuid.UUID {
	req.ID = uuid.New()
	f.started = append(f.started, req)
	return req.ID
}

func (f *fakeServers) ScheduleStop(id uuid.UUID) { f.stopped = append(f.stopped, id) }

func (f *fakeServers) CancelStart(id uuid.UUID) bool {
	f.canceled = append(f.canceled, id)
	return true
}

func (f *fakeServers) GetServer(id uuid.UUID) (types.Server, bool) {
	s, ok := f.servers[id]
	return s, ok
}

func (f *fakeServers) SetEmptySince(id uuid.UUID, at *time.Time) error {
	s := f.servers[id]
	s.Flags.EmptySince = at
	f.servers[id] = s
	return nil
}

func (f *fakeServers) ListByGroup(group string) []types.Server {
	var out []types.Server
	for _, s := range f.servers {
		if s.Group == group {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeServers) attachRunning(group, name string, id uuid.UUID, connected uint32) {
	f.servers[id] = types.Server{
		ID:             types.NameAndUuid{Name: name, UUID: id},
		Group:          group,
		State:          types.ServerStateRunning,
		ConnectedUsers: connected,
	}
}

func TestReconcileQueuesStartsUpToMin(t *testing.T) {
	store := newFakeStore()
	servers := newFakeServers()
	m := New(Config{EmptyServerTimeout: time.Minute}, store, servers)

	require.NoError(t, m.CreateGroup(types.Group{
		Name:        "lobby",
		Status:      types.GroupStatusActive,
		NodeNames:   []string{"n1"},
		Constraints: types.Constraints{Min: 2, Max: 5},
	}))

	// reconcileOne queues at most one start per group per tick.
	m.Tick(time.Now())
	m.Tick(time.Now())
	require.Len(t, servers.started, 2)
	require.Equal(t, "lobby-1", servers.started[0].Name)
	require.Equal(t, "lobby-2", servers.started[1].Name)
}

func TestReconcileDoesNotOverQueuePastTarget(t *testing.T) {
	store := newFakeStore()
	servers := newFakeServers()
	m := New(Config{EmptyServerTimeout: time.Minute}, store, servers)

	require.NoError(t, m.CreateGroup(types.Group{
		Name:        "lobby",
		Status:      types.GroupStatusActive,
		NodeNames:   []string{"n1"},
		Constraints: types.Constraints{Min: 1, Max: 5},
	}))

	m.Tick(time.Now())
	require.Len(t, servers.started, 1)

	// A second tick before the request ever attaches must not queue again.
	m.Tick(time.Now())
	require.Len(t, servers.started, 1)
}

func TestScalingThresholdAddsTarget(t *testing.T) {
	store := newFakeStore()
	servers := newFakeServers()
	m := New(Config{EmptyServerTimeout: time.Minute}, store, servers)

	require.NoError(t, m.CreateGroup(types.Group{
		Name:        "lobby",
		Status:      types.GroupStatusActive,
		NodeNames:   []string{"n1"},
		Constraints: types.Constraints{Min: 1, Max: 5},
		Scaling:     types.ScalingPolicy{Enabled: true, Threshold: 0.8, MaxPlayers: 10},
	}))

	id := uuid.New()
	servers.attachRunning("lobby", "lobby-1", id, 9) // 0.9 >= 0.8 threshold

	m.Tick(time.Now())
	require.Len(t, servers.started, 1, "ratio above threshold must add one more to target")
}

func TestStopEmptySetsTimerThenStopsAfterDeadline(t *testing.T) {
	store := newFakeStore()
	servers := newFakeServers()
	m := New(Config{EmptyServerTimeout: time.Minute}, store, servers)

	require.NoError(t, m.CreateGroup(types.Group{
		Name:        "lobby",
		Status:      types.GroupStatusActive,
		NodeNames:   []string{"n1"},
		Constraints: types.Constraints{Min: 0, Max: 5},
		Scaling:     types.ScalingPolicy{StopEmpty: true},
	}))

	id := uuid.New()
	servers.attachRunning("lobby", "lobby-1", id, 0)

	now := time.Now()
	m.Tick(now)
	require.Empty(t, servers.stopped, "first empty tick only starts the timer")

	s := servers.servers[id]
	require.NotNil(t, s.Flags.EmptySince)

	m.Tick(now.Add(2 * time.Minute))
	require.Contains(t, servers.stopped, id, "deadline elapsed, server must be stopped")
}

func TestDeleteGroupRequiresInactive(t *testing.T) {
	store := newFakeStore()
	servers := newFakeServers()
	m := New(Config{}, store, servers)

	require.NoError(t, m.CreateGroup(types.Group{Name: "lobby", Status: types.GroupStatusActive}))
	require.Error(t, m.DeleteGroup("lobby"))

	require.NoError(t, m.SetStatus("lobby", types.GroupStatusInactive))
	require.NoError(t, m.DeleteGroup("lobby"))

	_, ok := m.Get("lobby")
	require.False(t, ok)
}

func TestReconcileWithNoNodesIsNoOp(t *testing.T) {
	store := newFakeStore()
	servers := newFakeServers()
	m := New(Config{EmptyServerTimeout: time.Minute}, store, servers)

	require.NoError(t, m.CreateGroup(types.Group{
		Name:        "lobby",
		Status:      types.GroupStatusActive,
		NodeNames:   nil,
		Constraints: types.Constraints{Min: 2, Max: 5},
	}))

	m.Tick(time.Now())
	m.Tick(time.Now())
	require.Empty(t, servers.started, "a group with no surviving nodes must never schedule a start")
}

func TestStartFailedReleasesReservedID(t *testing.T) {
	store := newFakeStore()
	servers := newFakeServers()
	m := New(Config{EmptyServerTimeout: time.Minute}, store, servers)

	require.NoError(t, m.CreateGroup(types.Group{
		Name:        "lobby",
		Status:      types.GroupStatusActive,
		NodeNames:   []string{"n1"},
		Constraints: types.Constraints{Min: 1, Max: 1},
	}))

	m.Tick(time.Now())
	require.Len(t, servers.started, 1)
	firstID := servers.started[0].ID

	m.StartFailed("lobby", firstID)
	m.Tick(time.Now())
	require.Len(t, servers.started, 2)
	require.Equal(t, servers.started[0].Name, servers.started[1].Name, "released id must be reused deterministically")
}
