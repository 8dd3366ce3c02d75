package types

import (
	"time"

	"github.com/google/uuid"
)

// NameAndUuid pairs a human-assigned name with an immutable identifier. All
// inter-component references outside of persisted config use the UUID; the
// name exists for logging and operator-facing DTOs only.
type NameAndUuid struct {
	Name string
	UUID uuid.UUID
}

// NewNameAndUuid generates a fresh identifier pair.
func NewNameAndUuid(name string) NameAndUuid {
	return NameAndUuid{Name: name, UUID: uuid.New()}
}

// NodeStatus is the activation state of a Node.
type NodeStatus string

const (
	NodeStatusActive   NodeStatus = "active"
	NodeStatusInactive NodeStatus = "inactive"
)

// Capabilities bounds what a Node may be allocated. A nil pointer field
// means "unbounded" for that dimension.
type Capabilities struct {
	Memory     *uint32 `toml:"memory,omitempty"`
	MaxServers *uint32 `toml:"max_servers,omitempty"`
	ChildHint  string  `toml:"child,omitempty"`
}

// Node is a capacity-bearing backend reached through a named plugin.
type Node struct {
	Name              string       `toml:"name"`
	PluginName        string       `toml:"plugin_name"`
	Capabilities      Capabilities `toml:"capabilities"`
	ControllerAddress string       `toml:"controller_address"`
	Status            NodeStatus   `toml:"status"`
}

// ScalingPolicy controls a group's target fleet size.
type ScalingPolicy struct {
	Enabled    bool    `toml:"enabled"`
	Threshold  float32 `toml:"threshold"`
	StopEmpty  bool    `toml:"stop_empty"`
	MaxPlayers uint32  `toml:"max_players"`
}

// Constraints bounds a group's fleet size and start priority.
type Constraints struct {
	Min      uint32 `toml:"min"`
	Max      uint32 `toml:"max"`
	Priority int32  `toml:"priority"`
}

// Resources requested for a single server's allocation.
type Resources struct {
	Memory uint32 `toml:"memory"`
	Swap   uint32 `toml:"swap"`
	CPU    uint32 `toml:"cpu"`
	IO     uint32 `toml:"io"`
	Disk   uint32 `toml:"disk"`
	Ports  uint32 `toml:"ports"`
}

// Retention describes whether a server's backing data survives its stop.
type Retention string

const (
	RetentionTemporary Retention = "temporary"
	RetentionPermanent Retention = "permanent"
)

// FallbackPolicy marks a server template as eligible to receive rerouted
// users and at what priority relative to other fallback candidates.
type FallbackPolicy struct {
	Enabled  bool  `toml:"enabled"`
	Priority int32 `toml:"priority"`
}

// KeyValue is an ordered key/value pair, used where map ordering would be
// nondeterministic on persistence round-trips (settings, env).
type KeyValue struct {
	Key   string `toml:"key"`
	Value string `toml:"value"`
}

// ServerSpec is the template applied to every server launched from a group.
type ServerSpec struct {
	Image      string         `toml:"image"`
	Settings   []KeyValue     `toml:"settings"`
	Env        []KeyValue     `toml:"env"`
	Retention  Retention      `toml:"retention"`
	MaxPlayers uint32         `toml:"max_players"`
	Fallback   FallbackPolicy `toml:"fallback"`
}

// GroupStatus is the activation state of a Group.
type GroupStatus string

const (
	GroupStatusActive   GroupStatus = "active"
	GroupStatusInactive GroupStatus = "inactive"
)

// Group is a scaling policy plus a server template, bound to a set of
// Nodes by name.
type Group struct {
	Name        string        `toml:"name"`
	Status      GroupStatus   `toml:"status"`
	NodeNames   []string      `toml:"node_names"`
	Constraints Constraints   `toml:"constraints"`
	Scaling     ScalingPolicy `toml:"scaling"`
	Resources   Resources     `toml:"resources"`
	Spec        ServerSpec    `toml:"spec"`
}

// HostPort is a single allocated address on a node.
type HostPort struct {
	Host string
	Port uint32
}

// Allocation is the concrete set of ports, resources, and spec assigned to
// a Server for its entire lifetime. Its ports are returned to the owning
// Node's port pool when the Server is destroyed.
type Allocation struct {
	Ports     []HostPort
	Resources Resources
	Spec      ServerSpec
}

// ServerState is the lifecycle stage of a live Server.
type ServerState string

const (
	ServerStateStarting   ServerState = "starting"
	ServerStatePreparing  ServerState = "preparing"
	ServerStateRunning    ServerState = "running"
	ServerStateRestarting ServerState = "restarting"
	ServerStateStopping   ServerState = "stopping"
)

// Heart tracks a server's heartbeat deadline.
type Heart struct {
	NextCheckin time.Time
	Timeout     time.Duration
}

// Expired reports whether the heartbeat deadline has passed as of now.
func (h Heart) Expired(now time.Time) bool {
	return now.After(h.NextCheckin)
}

// Flags holds miscellaneous per-server bookkeeping used by the reconciler.
type Flags struct {
	EmptySince *time.Time
}

// Server is a single running workload instance. Servers are runtime-only;
// they are never persisted directly (they are reconstructed from the
// owning Group's scaling decisions and the Node Manager's allocations).
type Server struct {
	ID             NameAndUuid
	Group          string // empty if not attached to a group
	Node           string
	Allocation     Allocation
	ConnectedUsers uint32
	Token          string
	Heart          Heart
	State          ServerState
	Ready          bool
	Flags          Flags
}

// StartStage is the current stage of a StartRequest's staged execution.
type StartStage int

const (
	StartStageQueued StartStage = iota
	StartStageAllocating
	StartStageCreating
)

// StartRequest is an ephemeral request to launch a new server, matched
// against candidate nodes in order until one accepts the allocation.
type StartRequest struct {
	ID        uuid.UUID
	Name      string
	Group     string
	Nodes     []string
	Resources Resources
	Spec      ServerSpec
	Priority  int32
	When      *time.Time

	Stage     StartStage
	NodeIndex int

	// Sequence preserves FIFO ordering among requests of equal priority.
	Sequence uint64
}

// StopStage is the current stage of a Stop/Restart request's staged
// execution.
type StopStage int

const (
	StageQueued StopStage = iota
	StageFreeing
	StageRunning
)

// StopRequest asks the Server Manager to tear a server down.
type StopRequest struct {
	Server uuid.UUID
	When   *time.Time
	Stage  StopStage
}

// RestartRequest asks the Server Manager to restart a server in place.
type RestartRequest struct {
	Server uuid.UUID
	When   *time.Time
	Stage  StopStage
}

// User is a connected player tracked against the server they currently
// occupy.
type User struct {
	ID     NameAndUuid
	Server uuid.UUID
}

// TransferTargetKind discriminates the tagged TransferTarget union.
type TransferTargetKind int

const (
	TransferTargetServer TransferTargetKind = iota
	TransferTargetGroup
	TransferTargetFallback
)

// TransferTarget names where a transferred user should end up: a specific
// server, the first eligible server in a named group, or the fallback
// candidate with the highest priority.
type TransferTarget struct {
	Kind      TransferTargetKind
	ServerID  uuid.UUID // valid when Kind == TransferTargetServer
	GroupName string    // valid when Kind == TransferTargetGroup
}

// TransferMessage is delivered to a source server's transfer subscription
// once a transfer has been resolved to a concrete destination.
type TransferMessage struct {
	UserID uuid.UUID
	Host   string
	Port   uint32
}

// ScreenLines is a batch of console output bytes from a running server,
// delivered to screen-stream subscribers.
type ScreenLines struct {
	Server uuid.UUID
	Lines  [][]byte
}

// ChannelMessage is a publish on a named pub/sub channel.
type ChannelMessage struct {
	Topic string
	Bytes []byte
}
