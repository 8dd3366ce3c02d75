package rpc

import (
	"github.com/cuemby/nimbus/pkg/types"
	"github.com/google/uuid"
)

// --- common envelopes ------------------------------------------------

// ErrorKind mirrors §7's taxonomy for the wire, independent of the Go
// sentinel used internally so clients never import pkg/ctlerr.
type ErrorKind string

const (
	ErrorNotFound ErrorKind = "NotFound"
	ErrorConflict ErrorKind = "Conflict"
	ErrorProtocol ErrorKind = "Protocol"
	ErrorCapacity ErrorKind = "CapacityDenied"
	ErrorPlugin   ErrorKind = "PluginFailure"
	ErrorNotReady ErrorKind = "NotReady"
	ErrorInternal ErrorKind = "Internal"
)

// Fault is the wire representation of a failed call.
type Fault struct {
	Kind    ErrorKind `json:"kind"`
	Reason  string    `json:"reason,omitempty"`
	Message string    `json:"message"`
}

func (f *Fault) Error() string { return f.Message }

// --- operator: resource management -----------------------------------

type SetResourceRequest struct {
	Category string `json:"category"`
	ID       string `json:"id"`
	Active   bool   `json:"active"`
}

type DeleteResourceRequest struct {
	Category string `json:"category"`
	ID       string `json:"id"`
}

// --- nodes --------------------------------------------------------------

type CreateNodeRequest struct {
	Name              string             `json:"name"`
	PluginName        string             `json:"plugin_name"`
	Capabilities      types.Capabilities `json:"capabilities"`
	ControllerAddress string             `json:"controller_address"`
}

type CreateNodeResponse struct {
	Result string `json:"result"` // "Created" | "AlreadyExists" | "Denied"
	Reason string `json:"reason,omitempty"`
}

type GetNodeRequest struct {
	Name string `json:"name"`
}

type NodeDTO struct {
	Name              string             `json:"name"`
	PluginName        string             `json:"plugin_name"`
	Capabilities      types.Capabilities `json:"capabilities"`
	ControllerAddress string             `json:"controller_address"`
	Status            string             `json:"status"`
}

func nodeToDTO(n types.Node) NodeDTO {
	return NodeDTO{
		Name:              n.Name,
		PluginName:        n.PluginName,
		Capabilities:      n.Capabilities,
		ControllerAddress: n.ControllerAddress,
		Status:            string(n.Status),
	}
}

// --- groups ---------------------------------------------------------------

type CreateGroupRequest struct {
	Name        string              `json:"name"`
	NodeNames   []string            `json:"node_names"`
	Constraints types.Constraints   `json:"constraints"`
	Scaling     types.ScalingPolicy `json:"scaling"`
	Resources   types.Resources     `json:"resources"`
	Spec        types.ServerSpec    `json:"spec"`
}

func (r CreateGroupRequest) toGroup() types.Group {
	return types.Group{
		Name:        r.Name,
		Status:      types.GroupStatusInactive,
		NodeNames:   r.NodeNames,
		Constraints: r.Constraints,
		Scaling:     r.Scaling,
		Resources:   r.Resources,
		Spec:        r.Spec,
	}
}

type GroupDTO struct {
	Name        string              `json:"name"`
	Status      string              `json:"status"`
	NodeNames   []string            `json:"node_names"`
	Constraints types.Constraints   `json:"constraints"`
	Scaling     types.ScalingPolicy `json:"scaling"`
	Resources   types.Resources     `json:"resources"`
	Spec        types.ServerSpec    `json:"spec"`
}

func groupToDTO(g types.Group) GroupDTO {
	return GroupDTO{
		Name:        g.Name,
		Status:      string(g.Status),
		NodeNames:   g.NodeNames,
		Constraints: g.Constraints,
		Scaling:     g.Scaling,
		Resources:   g.Resources,
		Spec:        g.Spec,
	}
}

// --- servers ----------------------------------------------------------

type ServerDTO struct {
	UUID           uuid.UUID `json:"uuid"`
	Name           string    `json:"name"`
	Group          string    `json:"group"`
	Node           string    `json:"node"`
	State          string    `json:"state"`
	Ready          bool      `json:"ready"`
	ConnectedUsers uint32    `json:"connected_users"`
}

func serverToDTO(s types.Server) ServerDTO {
	return ServerDTO{
		UUID:           s.ID.UUID,
		Name:           s.ID.Name,
		Group:          s.Group,
		Node:           s.Node,
		State:          string(s.State),
		Ready:          s.Ready,
		ConnectedUsers: s.ConnectedUsers,
	}
}

// --- users / transfers -------------------------------------------------

type UserDTO struct {
	UUID   uuid.UUID `json:"uuid"`
	Name   string    `json:"name"`
	Server uuid.UUID `json:"server"`
}

func userToDTO(u types.User) UserDTO {
	return UserDTO{UUID: u.ID.UUID, Name: u.ID.Name, Server: u.Server}
}

type UserConnectedRequest struct {
	ServerID uuid.UUID `json:"server_id"`
	Name     string    `json:"name"`
	UserID   uuid.UUID `json:"id"`
}

type UserDisconnectedRequest struct {
	ServerID uuid.UUID `json:"server_id"`
	UserID   uuid.UUID `json:"id"`
}

type TransferTargetDTO struct {
	Kind      string    `json:"kind"` // "Server" | "Group" | "Fallback"
	ServerID  uuid.UUID `json:"server_id,omitempty"`
	GroupName string    `json:"group_name,omitempty"`
}

func (d TransferTargetDTO) toTarget() types.TransferTarget {
	switch d.Kind {
	case "Server":
		return types.TransferTarget{Kind: types.TransferTargetServer, ServerID: d.ServerID}
	case "Group":
		return types.TransferTarget{Kind: types.TransferTargetGroup, GroupName: d.GroupName}
	default:
		return types.TransferTarget{Kind: types.TransferTargetFallback}
	}
}

type TransferUsersRequest struct {
	UserIDs []uuid.UUID       `json:"user_ids"`
	Target  TransferTargetDTO `json:"target"`
}

type TransferUsersResponse struct {
	Accepted uint32 `json:"accepted"`
}

type WriteToScreenRequest struct {
	ServerID uuid.UUID `json:"server_id"`
	Data     []byte    `json:"data"`
}

type ScreenLinesDTO struct {
	Server uuid.UUID `json:"server"`
	Lines  [][]byte  `json:"lines"`
}

type PublishMessageRequest struct {
	Topic string `json:"topic"`
	Data  []byte `json:"data"`
}

type ChannelMessageDTO struct {
	Topic string `json:"topic"`
	Bytes []byte `json:"bytes"`
}

type TransferResolvedDTO struct {
	UserID uuid.UUID `json:"user_id"`
	Host   string    `json:"host"`
	Port   uint32    `json:"port"`
}

// --- server-auth self calls ---------------------------------------------

type SetReadyRequest struct {
	Ready bool `json:"ready"`
}

// --- version ------------------------------------------------------------

type VersionResponse struct {
	ProtocolVersion uint32 `json:"protocol_version"`
}

type ControllerVersionResponse struct {
	Version string `json:"version"`
}
