// Package plugin implements the Plugin Runtime: it loads sandboxed
// node-driver plugin artifacts, exposes a typed bidirectional contract to
// the Node Manager, and enforces an epoch-bounded time limit on every
// cross-boundary call.
//
// The Driver contract is deliberately small: Init, InitNode, and a
// per-node handle exposing AllocateAddresses/FreeAddresses/Start/Restart/
// Stop/Tick. Two implementations exist: WasmDriver, a wazero-sandboxed
// loader grounded on teranos-QNTX's ats/wasm and ats/wasi packages, and
// FakeDriver, an in-process stand-in for tests. Concrete backend adapters
// beyond the sandbox (a local-process driver, a panel driver) have no
// home here; only the sandbox contract and a test fake do.
package plugin

import (
	"context"
	"time"
)

// Information is returned once by a plugin's Init call.
type Information struct {
	Authors []string
	Version string
	Ready   bool
}

// UnitProposal describes the resources a prospective server would need,
// passed to AllocateAddresses before the server exists.
type UnitProposal struct {
	Resources ResourceRequest
	PortCount uint32
}

// ResourceRequest mirrors types.Resources without importing pkg/types, so
// the plugin contract stays independent of the controller's internal
// model (a plugin only ever sees what crosses the sandbox boundary).
type ResourceRequest struct {
	Memory uint32
	Swap   uint32
	CPU    uint32
	IO     uint32
	Disk   uint32
}

// Unit describes a concrete server for start/restart/stop calls.
type Unit struct {
	Name      string
	Addresses []HostPort
	Resources ResourceRequest
	Image     string
	Settings  map[string]string
	Env       map[string]string
}

// HostPort is an allocated address handed to a plugin and later returned.
type HostPort struct {
	Host string
	Port uint32
}

// ScreenHandle streams console output lines from a started server. Reading
// from Lines after Close has been called returns a closed channel.
type ScreenHandle interface {
	Lines() <-chan []byte
	Close() error
}

// ScopedError is one entry of the slice a plugin's Tick may return,
// scoped to the unit it concerns.
type ScopedError struct {
	Unit string
	Err  error
}

// NodeHandle is the per-node contract a driver exposes after InitNode.
type NodeHandle interface {
	AllocateAddresses(ctx context.Context, proposal UnitProposal) ([]HostPort, error)
	FreeAddresses(ctx context.Context, addrs []HostPort) error
	StartServer(ctx context.Context, unit Unit) (ScreenHandle, error)
	RestartServer(ctx context.Context, unit Unit) error
	StopServer(ctx context.Context, unit Unit) error
	Tick(ctx context.Context) []ScopedError
}

// Driver is the generic node-driver contract a loaded plugin artifact
// implements, per §4.1.
type Driver interface {
	// Name identifies the plugin as configured by nodes that reference it.
	Name() string
	// Init is called once per load.
	Init(ctx context.Context) (Information, error)
	// InitNode is called once per configured node using this plugin.
	InitNode(ctx context.Context, name string, caps NodeCapabilities, controllerAddr string) (NodeHandle, error)
	// Close releases sandbox resources. Called when the plugin is unloaded.
	Close(ctx context.Context) error
}

// NodeCapabilities is the subset of types.Capabilities relevant to a
// driver's InitNode call.
type NodeCapabilities struct {
	Memory     *uint32
	MaxServers *uint32
}

// DefaultEpoch is the default time bound on a single cross-boundary call.
const DefaultEpoch = 30 * time.Second
