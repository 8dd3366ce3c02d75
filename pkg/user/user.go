// Package user implements the User/Transfer Manager: tracks which server
// each connected user occupies and resolves transfer targets (a specific
// server, the first eligible server in a group, or the current fallback
// candidate) to a concrete destination.
//
// Session bookkeeping is a plain map+mutex keyed by uuid with idempotent
// insert/remove, generalized from a join-tracking idiom to per-user
// server assignment.
package user

import (
	"fmt"
	"sync"

	"github.com/cuemby/nimbus/pkg/bus"
	"github.com/cuemby/nimbus/pkg/ctlerr"
	"github.com/cuemby/nimbus/pkg/log"
	"github.com/cuemby/nimbus/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Servers is the subset of the Server Manager the transfer resolver
// consults.
type Servers interface {
	GetServer(id uuid.UUID) (types.Server, bool)
	FindFallback(exclude uuid.UUID) (types.NameAndUuid, bool)
	IncrementConnected(id uuid.UUID) error
	DecrementConnected(id uuid.UUID) error
}

// Groups is the subset of the Group Reconciler the transfer resolver
// consults to find the first eligible server in a named group.
type Groups interface {
	Get(name string) (types.Group, bool)
}

// GroupServers lists a group's currently attached live servers; split
// from Groups so a test double doesn't need a full reconciler.
type GroupServers interface {
	ListByGroup(group string) []types.Server
}

// Manager tracks user→server assignments and resolves transfer targets.
type Manager struct {
	servers Servers
	groups  Groups
	gs      GroupServers
	bus     *bus.Bus
	log     zerolog.Logger

	mu    sync.RWMutex
	users map[uuid.UUID]types.User
}

// New constructs a User/Transfer Manager.
func New(servers Servers, groups Groups, gs GroupServers, b *bus.Bus) *Manager {
	return &Manager{
		servers: servers,
		groups:  groups,
		gs:      gs,
		bus:     b,
		log:     log.WithComponent("user"),
		users:   make(map[uuid.UUID]types.User),
	}
}

// UserConnected implements §4.6's user_connected: idempotent insert,
// increments the server's connected-player count.
func (m *Manager) UserConnected(serverID uuid.UUID, name string, userID uuid.UUID) error {
	m.mu.Lock()
	if _, exists := m.users[userID]; exists {
		m.mu.Unlock()
		return nil
	}
	m.users[userID] = types.User{ID: types.NameAndUuid{Name: name, UUID: userID}, Server: serverID}
	m.mu.Unlock()
	return m.servers.IncrementConnected(serverID)
}

// UserDisconnected implements §4.6's user_disconnected.
func (m *Manager) UserDisconnected(serverID uuid.UUID, userID uuid.UUID) error {
	m.mu.Lock()
	u, ok := m.users[userID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.users, userID)
	m.mu.Unlock()
	return m.servers.DecrementConnected(u.Server)
}

// RemoveUsersOfServer implements server.Users: drops every user whose
// server equals destroyed, called when the Server Manager finishes a
// stop.
func (m *Manager) RemoveUsersOfServer(destroyed uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, u := range m.users {
		if u.Server == destroyed {
			delete(m.users, id)
		}
	}
}

// ListUsers returns every currently connected user, for the operator
// get_users RPC.
func (m *Manager) ListUsers() []types.User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	return out
}

// CallerKind distinguishes a server-authenticated caller from a
// user-authenticated (operator) caller for TransferUsers authorization.
type CallerKind int

const (
	CallerUser CallerKind = iota
	CallerServer
)

// TransferUsers implements §4.6's transfer_users: resolves each user's
// destination and pushes a TransferMessage onto its source server's
// transfer subscription. Returns the count successfully queued.
//
// A server-authenticated caller may only transfer users currently on its
// own server; a user-authenticated (operator) caller may transfer any
// user.
func (m *Manager) TransferUsers(callerKind CallerKind, callerServer uuid.UUID, userIDs []uuid.UUID, target types.TransferTarget) (int, error) {
	accepted := 0
	for _, userID := range userIDs {
		m.mu.RLock()
		u, ok := m.users[userID]
		m.mu.RUnlock()
		if !ok {
			continue
		}
		if callerKind == CallerServer && u.Server != callerServer {
			continue
		}

		from, to, err := m.resolveTransfer(u.Server, target)
		if err != nil {
			m.log.Debug().Str("user_id", userID.String()).Err(err).Msg("transfer resolution failed")
			continue
		}

		host, port := serverEndpoint(to)
		m.bus.PushTransfer(from, types.TransferMessage{UserID: userID, Host: host, Port: port})
		accepted++
	}
	return accepted, nil
}

func serverEndpoint(s types.Server) (string, uint32) {
	if len(s.Allocation.Ports) == 0 {
		return "", 0
	}
	p := s.Allocation.Ports[0]
	return p.Host, p.Port
}

// resolveTransfer implements §4.6's resolve_transfer algorithm.
func (m *Manager) resolveTransfer(fromID uuid.UUID, target types.TransferTarget) (uuid.UUID, types.Server, error) {
	fromSrv, ok := m.servers.GetServer(fromID)
	if !ok {
		return uuid.Nil, types.Server{}, fmt.Errorf("source server: %w", ctlerr.NotFound)
	}

	var to types.Server
	switch target.Kind {
	case types.TransferTargetServer:
		s, ok := m.servers.GetServer(target.ServerID)
		if !ok || s.State != types.ServerStateRunning || !s.Ready {
			return uuid.Nil, types.Server{}, fmt.Errorf("transfer target server: %w", ctlerr.NotFound)
		}
		to = s

	case types.TransferTargetGroup:
		found := false
		for _, s := range m.gs.ListByGroup(target.GroupName) {
			if s.State == types.ServerStateRunning && s.Ready {
				to = s
				found = true
				break
			}
		}
		if !found {
			return uuid.Nil, types.Server{}, fmt.Errorf("no eligible server in group %s: %w", target.GroupName, ctlerr.NotFound)
		}

	case types.TransferTargetFallback:
		ref, ok := m.servers.FindFallback(fromID)
		if !ok {
			return uuid.Nil, types.Server{}, fmt.Errorf("no fallback candidate: %w", ctlerr.NotFound)
		}
		s, ok := m.servers.GetServer(ref.UUID)
		if !ok {
			return uuid.Nil, types.Server{}, fmt.Errorf("fallback candidate vanished: %w", ctlerr.NotFound)
		}
		to = s

	default:
		return uuid.Nil, types.Server{}, fmt.Errorf("unknown transfer target kind: %w", ctlerr.Protocol)
	}

	if to.ID.UUID == fromSrv.ID.UUID {
		return uuid.Nil, types.Server{}, fmt.Errorf("transfer target is the source server: %w", ctlerr.Protocol)
	}
	return fromID, to, nil
}
