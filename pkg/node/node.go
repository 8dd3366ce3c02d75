// Package node implements the Node Manager: it holds the authoritative
// set of Nodes, gates allocations by capacity, and forwards lifecycle
// calls to each node's plugin instance.
//
// The capacity gate and node-bookkeeping idiom follow a
// filterSchedulableNodes/selectNode split generalized from a polling
// scheduler to an on-demand check; the allocate/deallocate accounting
// follows original_source/controller/.../node.rs's algorithm, with one
// deliberate difference: the prospective request's own memory is
// included in the over-limit check here, not just already-allocated
// memory.
package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/nimbus/pkg/ctlerr"
	"github.com/cuemby/nimbus/pkg/log"
	"github.com/cuemby/nimbus/pkg/plugin"
	"github.com/cuemby/nimbus/pkg/types"
	"github.com/docker/go-units"
	"github.com/rs/zerolog"
)

// Store persists Node records.
type Store interface {
	SaveNode(n types.Node) error
	DeleteNode(name string) error
	LoadNodes() ([]types.Node, error)
}

// CreateResult mirrors the original controller's CreationResult: a denial
// is a successful outcome carrying a reason, not a transport error.
type CreateResult int

const (
	Created CreateResult = iota
	AlreadyExistsResult
	Denied
)

// entry is the Manager's live bookkeeping for one Node: its persisted
// record, plugin handle, and current allocations.
type entry struct {
	mu          sync.Mutex
	record      types.Node
	handle      plugin.NodeHandle
	allocByID   map[uint64]types.Allocation // keyed by an opaque allocation sequence
	nextAllocID uint64
	usedMemory  uint32
	liveCount   uint32
}

// Plugins resolves a loaded, ready plugin by name.
type Plugins interface {
	Get(name string) (plugin.Driver, bool)
}

// Manager owns every Node, gates allocations by capacity, and forwards
// start/restart/stop/free calls to the owning plugin's NodeHandle.
type Manager struct {
	store   Store
	plugins Plugins
	log     zerolog.Logger

	mu      sync.RWMutex
	entries map[string]*entry // keyed by lower-cased name; node lookups are case-insensitive
}

// New constructs a Manager backed by store and plugins.
func New(store Store, plugins Plugins) *Manager {
	return &Manager{
		store:   store,
		plugins: plugins,
		log:     log.WithComponent("node"),
		entries: make(map[string]*entry),
	}
}

func key(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// LoadAll restores persisted nodes at startup. A node whose plugin is not
// loaded is kept in the set but skipped during allocation, with a warning
// (per §3's invariant on plugin_name resolution at ready-time).
func (m *Manager) LoadAll(ctx context.Context) error {
	records, err := m.store.LoadNodes()
	if err != nil {
		return fmt.Errorf("failed to load nodes: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range records {
		e := &entry{record: rec, allocByID: make(map[uint64]types.Allocation)}
		if driver, ok := m.plugins.Get(rec.PluginName); ok {
			handle, err := driver.InitNode(ctx, rec.Name, toPluginCaps(rec.Capabilities), rec.ControllerAddress)
			if err != nil {
				m.log.Warn().Err(err).Str("node", rec.Name).Msg("failed to init node against its plugin, node unusable until reloaded")
			} else {
				e.handle = handle
			}
		} else {
			m.log.Warn().Str("node", rec.Name).Str("plugin", rec.PluginName).
				Msg("node references a plugin that is not loaded, skipping until plugin becomes available")
		}
		m.entries[key(rec.Name)] = e
	}
	return nil
}

func toPluginCaps(c types.Capabilities) plugin.NodeCapabilities {
	return plugin.NodeCapabilities{Memory: c.Memory, MaxServers: c.MaxServers}
}

// CreateNode implements §4.2's create_node. New nodes always persist as
// Inactive regardless of any status implied by the caller (the original
// controller's safety-first default, supplemented per SPEC_FULL.md).
func (m *Manager) CreateNode(ctx context.Context, name, pluginName string, caps types.Capabilities, controllerAddr string) (CreateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[key(name)]; exists {
		return AlreadyExistsResult, nil
	}

	rec := types.Node{
		Name:              name,
		PluginName:        pluginName,
		Capabilities:      caps,
		ControllerAddress: controllerAddr,
		Status:            types.NodeStatusInactive,
	}

	e := &entry{record: rec, allocByID: make(map[uint64]types.Allocation)}
	if driver, ok := m.plugins.Get(pluginName); ok {
		handle, err := driver.InitNode(ctx, name, toPluginCaps(caps), controllerAddr)
		if err != nil {
			return Denied, fmt.Errorf("plugin denied node init: %w", err)
		}
		e.handle = handle
	} else {
		m.log.Warn().Str("node", name).Str("plugin", pluginName).
			Msg("creating node against a plugin that is not currently loaded")
	}

	if err := m.store.SaveNode(rec); err != nil {
		return Denied, fmt.Errorf("failed to persist node %s: %w", name, err)
	}
	m.entries[key(name)] = e
	return Created, nil
}

// DeleteNode implements §4.2's delete_node: allowed only when Inactive and
// unreferenced by any live server (checked by the caller, the RPC gateway,
// via the Server Manager's HasLiveServersOnNode before calling this).
func (m *Manager) DeleteNode(name string, hasLiveServers bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key(name)]
	if !ok {
		return fmt.Errorf("node %s: %w", name, ctlerr.NotFound)
	}
	if e.record.Status != types.NodeStatusInactive {
		return ctlerr.Conflict(ctlerr.NotInactive, "node must be set inactive before deletion")
	}
	if hasLiveServers {
		return ctlerr.Conflict(ctlerr.NotInactive, "node still has live servers referencing it")
	}

	if err := m.store.DeleteNode(name); err != nil {
		return fmt.Errorf("failed to delete persisted node %s: %w", name, err)
	}
	delete(m.entries, key(name))
	return nil
}

// SetStatus implements §4.2's set_node_status. Inactive nodes reject
// future allocations; existing servers are not stopped (§9 open question
// 2: this spec preserves them).
func (m *Manager) SetStatus(name string, status types.NodeStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key(name)]
	if !ok {
		return fmt.Errorf("node %s: %w", name, ctlerr.NotFound)
	}
	e.record.Status = status
	if err := m.store.SaveNode(e.record); err != nil {
		return fmt.Errorf("failed to persist node %s: %w", name, err)
	}
	return nil
}

// Get returns a copy of the node's persisted record.
func (m *Manager) Get(name string) (types.Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key(name)]
	if !ok {
		return types.Node{}, false
	}
	return e.record, true
}

// List returns every node's persisted record.
func (m *Manager) List() []types.Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Node, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.record)
	}
	return out
}

// AllocationResult carries an opaque handle the Server Manager stores on
// the Server so Free can later reverse exactly this allocation's memory
// accounting.
type AllocationResult struct {
	Ports    []types.HostPort
	allocID  uint64
	nodeName string
}

// Allocate implements §4.2's allocate: capacity checks under a per-node
// lock, then delegation to the plugin. Memory and max-servers checks run
// in the order spec.md §4.2 specifies; a short port count from the plugin
// triggers a compensating free and a CapacityDenied result.
func (m *Manager) Allocate(ctx context.Context, nodeName string, req types.Resources) (AllocationResult, error) {
	m.mu.RLock()
	e, ok := m.entries[key(nodeName)]
	m.mu.RUnlock()
	if !ok {
		return AllocationResult{}, fmt.Errorf("node %s: %w", nodeName, ctlerr.NotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.record.Status != types.NodeStatusActive {
		return AllocationResult{}, fmt.Errorf("node %s is inactive: %w", nodeName, ctlerr.CapacityDenied)
	}
	if e.handle == nil {
		return AllocationResult{}, fmt.Errorf("node %s has no usable plugin: %w", nodeName, ctlerr.CapacityDenied)
	}

	if cap := e.record.Capabilities.Memory; cap != nil {
		if e.usedMemory+req.Memory > *cap {
			m.log.Warn().Str("node", nodeName).
				Str("used", units.BytesSize(float64(e.usedMemory))).
				Str("requested", units.BytesSize(float64(req.Memory))).
				Str("max", units.BytesSize(float64(*cap))).
				Msg("rejecting allocation: memory capacity exceeded")
			return AllocationResult{}, fmt.Errorf("node %s: %w", nodeName, ctlerr.CapacityDenied)
		}
	}
	if cap := e.record.Capabilities.MaxServers; cap != nil {
		if e.liveCount+1 > *cap {
			m.log.Warn().Str("node", nodeName).Uint32("live", e.liveCount).Uint32("max", *cap).
				Msg("rejecting allocation: max_servers capacity exceeded")
			return AllocationResult{}, fmt.Errorf("node %s: %w", nodeName, ctlerr.CapacityDenied)
		}
	}

	ports, err := e.handle.AllocateAddresses(ctx, plugin.UnitProposal{
		Resources: toPluginResources(req),
		PortCount: req.Ports,
	})
	if err != nil {
		return AllocationResult{}, fmt.Errorf("node %s: plugin allocate: %w", nodeName, ctlerr.PluginFailure)
	}
	if uint32(len(ports)) < req.Ports {
		_ = e.handle.FreeAddresses(ctx, ports)
		return AllocationResult{}, fmt.Errorf("node %s: plugin returned fewer ports than requested: %w", nodeName, ctlerr.CapacityDenied)
	}

	e.nextAllocID++
	id := e.nextAllocID
	alloc := types.Allocation{Ports: fromPluginPorts(ports), Resources: req}
	e.allocByID[id] = alloc
	e.usedMemory += req.Memory
	e.liveCount++

	return AllocationResult{Ports: alloc.Ports, allocID: id, nodeName: nodeName}, nil
}

func toPluginResources(r types.Resources) plugin.ResourceRequest {
	return plugin.ResourceRequest{Memory: r.Memory, Swap: r.Swap, CPU: r.CPU, IO: r.IO, Disk: r.Disk}
}

func fromPluginPorts(ports []plugin.HostPort) []types.HostPort {
	out := make([]types.HostPort, len(ports))
	for i, p := range ports {
		out[i] = types.HostPort{Host: p.Host, Port: p.Port}
	}
	return out
}

func toPluginPorts(ports []types.HostPort) []plugin.HostPort {
	out := make([]plugin.HostPort, len(ports))
	for i, p := range ports {
		out[i] = plugin.HostPort{Host: p.Host, Port: p.Port}
	}
	return out
}

// Free reverses a prior Allocate: it calls the plugin's FreeAddresses
// best-effort (errors are logged, never fatal) and always releases the
// node's memory/count accounting.
func (m *Manager) Free(ctx context.Context, res AllocationResult) {
	m.mu.RLock()
	e, ok := m.entries[key(res.nodeName)]
	m.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle != nil {
		if err := e.handle.FreeAddresses(ctx, toPluginPorts(res.Ports)); err != nil {
			m.log.Error().Err(err).Str("node", res.nodeName).Msg("failed to free addresses on plugin, releasing accounting anyway")
		}
	}
	if alloc, ok := e.allocByID[res.allocID]; ok {
		if e.usedMemory >= alloc.Resources.Memory {
			e.usedMemory -= alloc.Resources.Memory
		} else {
			e.usedMemory = 0
		}
		delete(e.allocByID, res.allocID)
	}
	if e.liveCount > 0 {
		e.liveCount--
	}
}

// Start delegates to the plugin's StartServer.
func (m *Manager) Start(ctx context.Context, nodeName string, unit types.Allocation, name string) (plugin.ScreenHandle, error) {
	e, ok := m.lookup(nodeName)
	if !ok || e.handle == nil {
		return nil, fmt.Errorf("node %s has no usable plugin: %w", nodeName, ctlerr.PluginFailure)
	}
	return e.handle.StartServer(ctx, toPluginUnit(name, unit))
}

// Restart delegates to the plugin's RestartServer.
func (m *Manager) Restart(ctx context.Context, nodeName string, unit types.Allocation, name string) error {
	e, ok := m.lookup(nodeName)
	if !ok || e.handle == nil {
		return fmt.Errorf("node %s has no usable plugin: %w", nodeName, ctlerr.PluginFailure)
	}
	return e.handle.RestartServer(ctx, toPluginUnit(name, unit))
}

// Stop delegates to the plugin's StopServer.
func (m *Manager) Stop(ctx context.Context, nodeName string, unit types.Allocation, name string) error {
	e, ok := m.lookup(nodeName)
	if !ok || e.handle == nil {
		return fmt.Errorf("node %s has no usable plugin: %w", nodeName, ctlerr.PluginFailure)
	}
	return e.handle.StopServer(ctx, toPluginUnit(name, unit))
}

func toPluginUnit(name string, a types.Allocation) plugin.Unit {
	settings := make(map[string]string, len(a.Spec.Settings))
	for _, kv := range a.Spec.Settings {
		settings[kv.Key] = kv.Value
	}
	env := make(map[string]string, len(a.Spec.Env))
	for _, kv := range a.Spec.Env {
		env[kv.Key] = kv.Value
	}
	return plugin.Unit{
		Name:      name,
		Addresses: toPluginPorts(a.Ports),
		Resources: toPluginResources(a.Resources),
		Image:     a.Spec.Image,
		Settings:  settings,
		Env:       env,
	}
}

func (m *Manager) lookup(name string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key(name)]
	return e, ok
}
