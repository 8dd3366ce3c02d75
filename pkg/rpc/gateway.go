// Package rpc implements the external RPC surface glue: wire DTOs,
// AuthType gating, and a Gateway translating each boundary call into
// either a direct manager read or a Task Dispatcher mutation.
//
// Authorization is method-name-driven, generalized from a read-only/
// write split to a User/Server AuthType split; the gRPC server wiring
// follows the same shape as a conventional gRPC service registration.
package rpc

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/nimbus/pkg/auth"
	"github.com/cuemby/nimbus/pkg/bus"
	"github.com/cuemby/nimbus/pkg/ctlerr"
	"github.com/cuemby/nimbus/pkg/dispatch"
	"github.com/cuemby/nimbus/pkg/group"
	"github.com/cuemby/nimbus/pkg/log"
	"github.com/cuemby/nimbus/pkg/node"
	"github.com/cuemby/nimbus/pkg/server"
	"github.com/cuemby/nimbus/pkg/types"
	"github.com/cuemby/nimbus/pkg/user"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Gateway wires every §6 RPC to the controller's managers. Mutations run
// through the dispatcher; reads go straight to the owning manager's own
// locking, per §4.9.
type Gateway struct {
	log zerolog.Logger

	dispatcher *dispatch.Dispatcher
	nodes      *node.Manager
	servers    *server.Manager
	groups     *group.Manager
	users      *user.Manager
	auth       *auth.Registry
	bus        *bus.Bus

	protocolVersion   uint32
	controllerVersion string
	requestShutdown   func()
}

// New constructs a Gateway. requestShutdown is invoked once by the
// operator-auth RequestStop RPC; it is expected to begin the controller's
// graceful shutdown sequence.
func New(d *dispatch.Dispatcher, nodes *node.Manager, servers *server.Manager, groups *group.Manager, users *user.Manager, authReg *auth.Registry, b *bus.Bus, protocolVersion uint32, controllerVersion string, requestShutdown func()) *Gateway {
	return &Gateway{
		log:               log.WithComponent("rpc"),
		dispatcher:        d,
		nodes:             nodes,
		servers:           servers,
		groups:            groups,
		users:             users,
		auth:              authReg,
		bus:               b,
		protocolVersion:   protocolVersion,
		controllerVersion: controllerVersion,
		requestShutdown:   requestShutdown,
	}
}

func call[T any](ctx context.Context, g *Gateway, fn func(ctx context.Context) (T, error)) (T, error) {
	return dispatch.Call(ctx, g.dispatcher, fn)
}

// --- operator: resource management -----------------------------------

// SetResource implements set_resource. Only Node and Group support
// activation; the original grants no "active" toggle for a live Server, a
// distinction preserved here (see DESIGN.md).
func (g *Gateway) SetResource(ctx context.Context, category ResourceCategory, id string, active bool) error {
	_, err := call(ctx, g, func(ctx context.Context) (struct{}, error) {
		switch category {
		case CategoryNode:
			status := types.NodeStatusInactive
			if active {
				status = types.NodeStatusActive
			}
			return struct{}{}, g.nodes.SetStatus(id, status)
		case CategoryGroup:
			status := types.GroupStatusInactive
			if active {
				status = types.GroupStatusActive
			}
			return struct{}{}, g.groups.SetStatus(id, status)
		default:
			return struct{}{}, fmt.Errorf("resource category %s does not support activation: %w", category, ctlerr.Protocol)
		}
	})
	return err
}

// DeleteResource implements delete_resource. A Server category schedules a
// graceful stop rather than performing an immediate delete, matching the
// original's checked_unit_stop behavior for units.
func (g *Gateway) DeleteResource(ctx context.Context, category ResourceCategory, id string) error {
	_, err := call(ctx, g, func(ctx context.Context) (struct{}, error) {
		switch category {
		case CategoryNode:
			hasLive := g.servers.HasLiveServersOnNode(id)
			if err := g.nodes.DeleteNode(id, hasLive); err != nil {
				return struct{}{}, err
			}
			g.groups.NodeDetached(id)
			return struct{}{}, nil
		case CategoryGroup:
			return struct{}{}, g.groups.DeleteGroup(id)
		case CategoryServer:
			sid, err := uuid.Parse(id)
			if err != nil {
				return struct{}{}, fmt.Errorf("invalid server id %q: %w", id, ctlerr.Protocol)
			}
			g.servers.ScheduleStop(sid)
			return struct{}{}, nil
		default:
			return struct{}{}, fmt.Errorf("unknown resource category %q: %w", id, ctlerr.Protocol)
		}
	})
	return err
}

// --- nodes --------------------------------------------------------------

func (g *Gateway) CreateNode(ctx context.Context, req CreateNodeRequest) (CreateNodeResponse, error) {
	res, err := call(ctx, g, func(ctx context.Context) (node.CreateResult, error) {
		return g.nodes.CreateNode(ctx, req.Name, req.PluginName, req.Capabilities, req.ControllerAddress)
	})
	switch res {
	case node.Created:
		return CreateNodeResponse{Result: "Created"}, nil
	case node.AlreadyExistsResult:
		return CreateNodeResponse{Result: "AlreadyExists"}, nil
	default:
		reason := ""
		if err != nil {
			reason = err.Error()
		}
		return CreateNodeResponse{Result: "Denied", Reason: reason}, nil
	}
}

func (g *Gateway) GetNode(name string) (NodeDTO, error) {
	n, ok := g.nodes.Get(name)
	if !ok {
		return NodeDTO{}, fmt.Errorf("node %s: %w", name, ctlerr.NotFound)
	}
	return nodeToDTO(n), nil
}

func (g *Gateway) GetNodes() []NodeDTO {
	list := g.nodes.List()
	out := make([]NodeDTO, 0, len(list))
	for _, n := range list {
		out = append(out, nodeToDTO(n))
	}
	return out
}

// --- groups ---------------------------------------------------------------

func (g *Gateway) CreateGroup(ctx context.Context, req CreateGroupRequest) error {
	_, err := call(ctx, g, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.groups.CreateGroup(req.toGroup())
	})
	return err
}

func (g *Gateway) GetGroup(name string) (GroupDTO, error) {
	grp, ok := g.groups.Get(name)
	if !ok {
		return GroupDTO{}, fmt.Errorf("group %s: %w", name, ctlerr.NotFound)
	}
	return groupToDTO(grp), nil
}

func (g *Gateway) GetGroups() []GroupDTO {
	list := g.groups.List()
	out := make([]GroupDTO, 0, len(list))
	for _, grp := range list {
		out = append(out, groupToDTO(grp))
	}
	return out
}

// --- servers ----------------------------------------------------------

func (g *Gateway) GetServer(id uuid.UUID) (ServerDTO, error) {
	s, ok := g.servers.GetServer(id)
	if !ok {
		return ServerDTO{}, fmt.Errorf("server %s: %w", id, ctlerr.NotFound)
	}
	return serverToDTO(s), nil
}

func (g *Gateway) GetServers() []ServerDTO {
	list := g.servers.List()
	out := make([]ServerDTO, 0, len(list))
	for _, s := range list {
		out = append(out, serverToDTO(s))
	}
	return out
}

// --- users / transfers -------------------------------------------------

func (g *Gateway) GetUsers() []UserDTO {
	list := g.users.ListUsers()
	out := make([]UserDTO, 0, len(list))
	for _, u := range list {
		out = append(out, userToDTO(u))
	}
	return out
}

func (g *Gateway) UserConnected(ctx context.Context, req UserConnectedRequest) error {
	_, err := call(ctx, g, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.users.UserConnected(req.ServerID, req.Name, req.UserID)
	})
	return err
}

func (g *Gateway) UserDisconnected(ctx context.Context, req UserDisconnectedRequest) error {
	_, err := call(ctx, g, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.users.UserDisconnected(req.ServerID, req.UserID)
	})
	return err
}

// TransferUsers implements transfer_users for both the operator and server
// surfaces; callerServer is uuid.Nil for an operator caller.
func (g *Gateway) TransferUsers(ctx context.Context, callerServer uuid.UUID, req TransferUsersRequest) (TransferUsersResponse, error) {
	kind := user.CallerUser
	if callerServer != uuid.Nil {
		kind = user.CallerServer
	}
	accepted, err := call(ctx, g, func(ctx context.Context) (int, error) {
		return g.users.TransferUsers(kind, callerServer, req.UserIDs, req.Target.toTarget())
	})
	if err != nil {
		return TransferUsersResponse{}, err
	}
	return TransferUsersResponse{Accepted: uint32(accepted)}, nil
}

// WriteToScreen implements write_to_screen. The plugin contract of §4.1
// exposes no guest-side console-input call, so operator input is echoed
// onto the server's own screen stream rather than injected into the
// sandboxed process (documented as an Open Question decision in DESIGN.md).
func (g *Gateway) WriteToScreen(req WriteToScreenRequest) {
	g.bus.PublishScreen(req.ServerID, [][]byte{req.Data})
}

func (g *Gateway) SubscribeToScreen(server uuid.UUID) (<-chan types.ScreenLines, func()) {
	return g.bus.SubscribeScreen(server)
}

func (g *Gateway) SubscribeToTransfers(server uuid.UUID) <-chan types.TransferMessage {
	return g.bus.SubscribeTransfer(server)
}

func (g *Gateway) PublishMessage(req PublishMessageRequest) (int, bool) {
	return g.bus.PublishChannel(req.Topic, req.Data)
}

func (g *Gateway) SubscribeToChannel(topic string) (<-chan types.ChannelMessage, func()) {
	return g.bus.SubscribeChannel(topic)
}

// --- server-auth self calls ---------------------------------------------

func (g *Gateway) Beat(ctx context.Context, server uuid.UUID) error {
	_, err := call(ctx, g, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.servers.Heartbeat(server, time.Now())
	})
	return err
}

func (g *Gateway) SetReady(ctx context.Context, server uuid.UUID, ready bool) error {
	_, err := call(ctx, g, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.servers.SetReady(server, ready)
	})
	return err
}

func (g *Gateway) SetRunning(ctx context.Context, server uuid.UUID) error {
	_, err := call(ctx, g, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.servers.SetRunning(server)
	})
	return err
}

// RequestServerStop implements the server-auth request_stop: the server
// asks to be torn down gracefully.
func (g *Gateway) RequestServerStop(ctx context.Context, server uuid.UUID) error {
	_, err := call(ctx, g, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.servers.RequestStop(server)
	})
	return err
}

// RequestControllerStop implements the operator-auth request_stop: begins
// controller shutdown.
func (g *Gateway) RequestControllerStop() {
	if g.requestShutdown != nil {
		g.requestShutdown()
	}
}

// --- version ------------------------------------------------------------

func (g *Gateway) GetProtoVer() uint32 { return g.protocolVersion }
func (g *Gateway) GetCtrlVer() string  { return g.controllerVersion }
