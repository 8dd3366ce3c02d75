package user

import (
	"testing"

	"github.com/cuemby/nimbus/pkg/bus"
	"github.com/cuemby/nimbus/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeServers struct {
	servers    map[uuid.UUID]types.Server
	fallback   uuid.UUID
	hasFallback bool
	connected  map[uuid.UUID]uint32
}

func newFakeServers() *fakeServers {
	return &fakeServers{servers: make(map[uuid.UUID]types.Server), connected: make(map[uuid.UUID]uint32)}
}

func (f *fakeServers) GetServer(id uuid.UUID) (types.Server, bool) {
	s, ok := f.servers[id]
	return s, ok
}

func (f *fakeServers) FindFallback(exclude uuid.UUID) (types.NameAndUuid, bool) {
	if !f.hasFallback {
		return types.NameAndUuid{}, false
	}
	return types.NameAndUuid{UUID: f.fallback}, true
}

func (f *fakeServers) IncrementConnected(id uuid.UUID) error {
	f.connected[id]++
	return nil
}

func (f *fakeServers) DecrementConnected(id uuid.UUID) error {
	if f.connected[id] > 0 {
		f.connected[id]--
	}
	return nil
}

type fakeGroups struct{}

func (fakeGroups) Get(name string) (types.Group, bool) { return types.Group{}, false }

type fakeGroupServers struct {
	byGroup map[string][]types.Server
}

func (f *fakeGroupServers) ListByGroup(group string) []types.Server { return f.byGroup[group] }

func TestUserConnectedIsIdempotent(t *testing.T) {
	servers := newFakeServers()
	m := New(servers, fakeGroups{}, &fakeGroupServers{}, bus.New())

	serverID := uuid.New()
	userID := uuid.New()
	require.NoError(t, m.UserConnected(serverID, "alice", userID))
	require.NoError(t, m.UserConnected(serverID, "alice", userID))
	require.Equal(t, uint32(1), servers.connected[serverID])
}

func TestTransferToFallbackPushesMessage(t *testing.T) {
	servers := newFakeServers()
	b := bus.New()
	m := New(servers, fakeGroups{}, &fakeGroupServers{}, b)

	from := uuid.New()
	to := uuid.New()
	servers.servers[from] = types.Server{ID: types.NameAndUuid{UUID: from}}
	servers.servers[to] = types.Server{ID: types.NameAndUuid{UUID: to}, Allocation: types.Allocation{Ports: []types.HostPort{{Host: "127.0.0.1", Port: 25565}}}}
	servers.hasFallback = true
	servers.fallback = to

	userID := uuid.New()
	require.NoError(t, m.UserConnected(from, "alice", userID))

	ch := b.SubscribeTransfer(from)
	count, err := m.TransferUsers(CallerUser, uuid.Nil, []uuid.UUID{userID}, types.TransferTarget{Kind: types.TransferTargetFallback})
	require.NoError(t, err)
	require.Equal(t, 1, count)

	msg := <-ch
	require.Equal(t, userID, msg.UserID)
	require.Equal(t, "127.0.0.1", msg.Host)
	require.Equal(t, uint32(25565), msg.Port)
}

func TestServerCallerCannotTransferOthersUsers(t *testing.T) {
	servers := newFakeServers()
	m := New(servers, fakeGroups{}, &fakeGroupServers{}, bus.New())

	ownServer := uuid.New()
	otherServer := uuid.New()
	servers.servers[ownServer] = types.Server{ID: types.NameAndUuid{UUID: ownServer}}
	servers.servers[otherServer] = types.Server{ID: types.NameAndUuid{UUID: otherServer}}
	servers.hasFallback = true
	servers.fallback = ownServer

	userID := uuid.New()
	require.NoError(t, m.UserConnected(otherServer, "bob", userID))

	count, err := m.TransferUsers(CallerServer, ownServer, []uuid.UUID{userID}, types.TransferTarget{Kind: types.TransferTargetFallback})
	require.NoError(t, err)
	require.Equal(t, 0, count, "a server caller must not transfer a user on a different server")
}

func TestTransferToSameServerIsRejected(t *testing.T) {
	servers := newFakeServers()
	m := New(servers, fakeGroups{}, &fakeGroupServers{}, bus.New())

	serverID := uuid.New()
	// Running and ready, so only the same-server check can reject it.
	servers.servers[serverID] = types.Server{ID: types.NameAndUuid{UUID: serverID}, State: types.ServerStateRunning, Ready: true}
	userID := uuid.New()
	require.NoError(t, m.UserConnected(serverID, "alice", userID))

	count, err := m.TransferUsers(CallerUser, uuid.Nil, []uuid.UUID{userID}, types.TransferTarget{Kind: types.TransferTargetServer, ServerID: serverID})
	require.NoError(t, err)
	require.Equal(t, 0, count)
}
