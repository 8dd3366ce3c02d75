package rpc

import (
	"context"

	"github.com/cuemby/nimbus/pkg/auth"
	"github.com/cuemby/nimbus/pkg/types"
	"github.com/google/uuid"
)

var (
	userOnly   = []auth.AuthType{auth.AuthTypeUser}
	serverOnly = []auth.AuthType{auth.AuthTypeServer}
	either     = []auth.AuthType{auth.AuthTypeServer, auth.AuthTypeUser}
)

func unary(allowed []auth.AuthType, fn unaryFn) route {
	return route{kind: kindUnary, allowed: allowed, unary: fn}
}

func streaming(allowed []auth.AuthType, fn streamFn) route {
	return route{kind: kindStream, allowed: allowed, stream: fn}
}

// buildRoutes enumerates every boundary RPC of §6, the Operator (User-auth)
// and Server (Server-auth) surfaces alike, keyed by bare method name.
func (t *Transport) buildRoutes() map[string]route {
	return map[string]route{
		"SetResource": unary(userOnly, func(ctx context.Context, g *Gateway, id identity, payload []byte) (any, error) {
			req, err := decode[SetResourceRequest](payload)
			if err != nil {
				return nil, err
			}
			cat, ok := ParseCategory(req.Category)
			if !ok {
				return nil, errUnknownCategory(req.Category)
			}
			return struct{}{}, g.SetResource(ctx, cat, req.ID, req.Active)
		}),

		"DeleteResource": unary(userOnly, func(ctx context.Context, g *Gateway, id identity, payload []byte) (any, error) {
			req, err := decode[DeleteResourceRequest](payload)
			if err != nil {
				return nil, err
			}
			cat, ok := ParseCategory(req.Category)
			if !ok {
				return nil, errUnknownCategory(req.Category)
			}
			return struct{}{}, g.DeleteResource(ctx, cat, req.ID)
		}),

		"CreateNode": unary(userOnly, func(ctx context.Context, g *Gateway, id identity, payload []byte) (any, error) {
			req, err := decode[CreateNodeRequest](payload)
			if err != nil {
				return nil, err
			}
			return g.CreateNode(ctx, req)
		}),

		"GetNode": unary(userOnly, func(ctx context.Context, g *Gateway, id identity, payload []byte) (any, error) {
			req, err := decode[GetNodeRequest](payload)
			if err != nil {
				return nil, err
			}
			return g.GetNode(req.Name)
		}),

		"GetNodes": unary(userOnly, func(ctx context.Context, g *Gateway, id identity, payload []byte) (any, error) {
			return g.GetNodes(), nil
		}),

		"CreateGroup": unary(userOnly, func(ctx context.Context, g *Gateway, id identity, payload []byte) (any, error) {
			req, err := decode[CreateGroupRequest](payload)
			if err != nil {
				return nil, err
			}
			return struct{}{}, g.CreateGroup(ctx, req)
		}),

		"GetGroup": unary(userOnly, func(ctx context.Context, g *Gateway, id identity, payload []byte) (any, error) {
			req, err := decode[GetNodeRequest](payload) // {name}
			if err != nil {
				return nil, err
			}
			return g.GetGroup(req.Name)
		}),

		"GetGroups": unary(either, func(ctx context.Context, g *Gateway, id identity, payload []byte) (any, error) {
			return g.GetGroups(), nil
		}),

		"GetServer": unary(userOnly, func(ctx context.Context, g *Gateway, id identity, payload []byte) (any, error) {
			req, err := decode[struct {
				UUID uuid.UUID `json:"uuid"`
			}](payload)
			if err != nil {
				return nil, err
			}
			return g.GetServer(req.UUID)
		}),

		"GetServers": unary(either, func(ctx context.Context, g *Gateway, id identity, payload []byte) (any, error) {
			return g.GetServers(), nil
		}),

		"GetUsers": unary(userOnly, func(ctx context.Context, g *Gateway, id identity, payload []byte) (any, error) {
			return g.GetUsers(), nil
		}),

		"TransferUsers": unary(either, func(ctx context.Context, g *Gateway, id identity, payload []byte) (any, error) {
			req, err := decode[TransferUsersRequest](payload)
			if err != nil {
				return nil, err
			}
			return g.TransferUsers(ctx, id.server, req)
		}),

		"WriteToScreen": unary(userOnly, func(ctx context.Context, g *Gateway, id identity, payload []byte) (any, error) {
			req, err := decode[WriteToScreenRequest](payload)
			if err != nil {
				return nil, err
			}
			g.WriteToScreen(req)
			return struct{}{}, nil
		}),

		"SubscribeToScreen": streaming(userOnly, func(ctx context.Context, g *Gateway, id identity, payload []byte, send func(any) error) error {
			req, err := decode[WriteToScreenRequest](payload) // reuses {server_id}
			if err != nil {
				return err
			}
			ch, unsubscribe := g.SubscribeToScreen(req.ServerID)
			defer unsubscribe()
			return pumpStream(ctx, ch, send, func(lines types.ScreenLines) any {
				return ScreenLinesDTO{Server: lines.Server, Lines: lines.Lines}
			})
		}),

		"RequestStop": unary(either, func(ctx context.Context, g *Gateway, id identity, payload []byte) (any, error) {
			if id.isServer() {
				return struct{}{}, g.RequestServerStop(ctx, id.server)
			}
			g.RequestControllerStop()
			return struct{}{}, nil
		}),

		"GetProtoVer": unary(either, func(ctx context.Context, g *Gateway, id identity, payload []byte) (any, error) {
			return VersionResponse{ProtocolVersion: g.GetProtoVer()}, nil
		}),

		"GetCtrlVer": unary(either, func(ctx context.Context, g *Gateway, id identity, payload []byte) (any, error) {
			return ControllerVersionResponse{Version: g.GetCtrlVer()}, nil
		}),

		"Beat": unary(serverOnly, func(ctx context.Context, g *Gateway, id identity, payload []byte) (any, error) {
			return struct{}{}, g.Beat(ctx, id.server)
		}),

		"SetReady": unary(serverOnly, func(ctx context.Context, g *Gateway, id identity, payload []byte) (any, error) {
			req, err := decode[SetReadyRequest](payload)
			if err != nil {
				return nil, err
			}
			return struct{}{}, g.SetReady(ctx, id.server, req.Ready)
		}),

		"SetRunning": unary(serverOnly, func(ctx context.Context, g *Gateway, id identity, payload []byte) (any, error) {
			return struct{}{}, g.SetRunning(ctx, id.server)
		}),

		"UserConnected": unary(serverOnly, func(ctx context.Context, g *Gateway, id identity, payload []byte) (any, error) {
			req, err := decode[UserConnectedRequest](payload)
			if err != nil {
				return nil, err
			}
			return struct{}{}, g.UserConnected(ctx, req)
		}),

		"UserDisconnected": unary(serverOnly, func(ctx context.Context, g *Gateway, id identity, payload []byte) (any, error) {
			req, err := decode[UserDisconnectedRequest](payload)
			if err != nil {
				return nil, err
			}
			return struct{}{}, g.UserDisconnected(ctx, req)
		}),

		"SubscribeToTransfers": streaming(serverOnly, func(ctx context.Context, g *Gateway, id identity, payload []byte, send func(any) error) error {
			ch := g.SubscribeToTransfers(id.server)
			return pumpStream(ctx, ch, send, func(msg types.TransferMessage) any {
				return TransferResolvedDTO{UserID: msg.UserID, Host: msg.Host, Port: msg.Port}
			})
		}),

		"PublishMessage": unary(serverOnly, func(ctx context.Context, g *Gateway, id identity, payload []byte) (any, error) {
			req, err := decode[PublishMessageRequest](payload)
			if err != nil {
				return nil, err
			}
			accepted, _ := g.PublishMessage(req)
			return struct {
				Accepted int `json:"accepted"`
			}{accepted}, nil
		}),

		"SubscribeToChannel": streaming(serverOnly, func(ctx context.Context, g *Gateway, id identity, payload []byte, send func(any) error) error {
			req, err := decode[struct {
				Topic string `json:"topic"`
			}](payload)
			if err != nil {
				return err
			}
			ch, unsubscribe := g.SubscribeToChannel(req.Topic)
			defer unsubscribe()
			return pumpStream(ctx, ch, send, func(msg types.ChannelMessage) any {
				return ChannelMessageDTO{Topic: msg.Topic, Bytes: msg.Bytes}
			})
		}),
	}
}

func errUnknownCategory(cat string) error {
	return &Fault{Kind: ErrorProtocol, Message: "unknown resource category: " + cat}
}

// pumpStream forwards ch onto send, converting each message with toDTO,
// until ctx is canceled or ch is closed.
func pumpStream[T any](ctx context.Context, ch <-chan T, send func(any) error, toDTO func(T) any) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := send(toDTO(msg)); err != nil {
				return err
			}
		}
	}
}
