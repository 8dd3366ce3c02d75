// Package group implements the Group Reconciler: the per-tick scaling
// decision loop that turns a group's policy into start/stop requests
// against the Server Manager, with idle-timeout hysteresis and
// priority-ordered starts.
//
// The tick-and-reconcile shape (a schedule/scheduleService split)
// generalizes from "ensure N containers per service" to this richer
// per-tick scaling algorithm, and pkg/idpool backs the per-group
// server-numbering pool shared with port allocation.
package group

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/nimbus/pkg/ctlerr"
	"github.com/cuemby/nimbus/pkg/idpool"
	"github.com/cuemby/nimbus/pkg/log"
	"github.com/cuemby/nimbus/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store persists Group records.
type Store interface {
	SaveGroup(g types.Group) error
	DeleteGroup(name string) error
	LoadGroups() ([]types.Group, error)
}

// Servers is the subset of the Server Manager the reconciler drives.
type Servers interface {
	ScheduleStart(req types.StartRequest) uuid.UUID
	ScheduleStop(id uuid.UUID)
	CancelStart(id uuid.UUID) bool
	GetServer(id uuid.UUID) (types.Server, bool)
	SetEmptySince(id uuid.UUID, at *time.Time) error
	ListByGroup(group string) []types.Server
}

// Config bounds timers used by the reconciler.
type Config struct {
	EmptyServerTimeout time.Duration
}

type groupState struct {
	record       types.Group
	pool         *idpool.Pool
	queuedStarts map[uuid.UUID]struct{} // start/server ids not yet attached
	serverIDs    map[uuid.UUID]uint32   // server uuid -> its numeric id, for pool release on Detach
}

// Manager owns every Group and runs the per-tick scaling algorithm.
type Manager struct {
	cfg     Config
	store   Store
	servers Servers
	log     zerolog.Logger

	mu     sync.RWMutex
	groups map[string]*groupState
}

// New constructs a Group Reconciler.
func New(cfg Config, store Store, servers Servers) *Manager {
	return &Manager{
		cfg:     cfg,
		store:   store,
		servers: servers,
		log:     log.WithComponent("group"),
		groups:  make(map[string]*groupState),
	}
}

// LoadAll restores persisted groups at startup.
func (m *Manager) LoadAll() error {
	records, err := m.store.LoadGroups()
	if err != nil {
		return fmt.Errorf("failed to load groups: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		m.groups[rec.Name] = &groupState{record: rec, pool: idpool.New(), queuedStarts: make(map[uuid.UUID]struct{}), serverIDs: make(map[uuid.UUID]uint32)}
	}
	return nil
}

// CreateGroup persists a new group, inactive-by-default semantics are
// left to the caller (the group's Status field as passed is honored).
func (m *Manager) CreateGroup(g types.Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.groups[g.Name]; exists {
		return fmt.Errorf("group %s: %w", g.Name, ctlerr.AlreadyExists)
	}
	if err := m.store.SaveGroup(g); err != nil {
		return fmt.Errorf("failed to persist group %s: %w", g.Name, err)
	}
	m.groups[g.Name] = &groupState{record: g, pool: idpool.New(), queuedStarts: make(map[uuid.UUID]struct{}), serverIDs: make(map[uuid.UUID]uint32)}
	return nil
}

// DeleteGroup implements §4.4's group deletion: allowed only when
// Inactive. Cancels queued starts and enqueues stops for attached live
// servers before removing the group.
func (m *Manager) DeleteGroup(name string) error {
	m.mu.Lock()
	g, ok := m.groups[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("group %s: %w", name, ctlerr.NotFound)
	}
	if g.record.Status != types.GroupStatusInactive {
		m.mu.Unlock()
		return ctlerr.Conflict(ctlerr.NotInactive, "group must be set inactive before deletion")
	}
	queued := make([]uuid.UUID, 0, len(g.queuedStarts))
	for id := range g.queuedStarts {
		queued = append(queued, id)
	}
	m.mu.Unlock()

	for _, id := range queued {
		m.servers.CancelStart(id)
	}
	for _, s := range m.servers.ListByGroup(name) {
		m.servers.ScheduleStop(s.ID.UUID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.DeleteGroup(name); err != nil {
		return fmt.Errorf("failed to delete persisted group %s: %w", name, err)
	}
	delete(m.groups, name)
	return nil
}

// SetStatus activates or deactivates a group.
func (m *Manager) SetStatus(name string, status types.GroupStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[name]
	if !ok {
		return fmt.Errorf("group %s: %w", name, ctlerr.NotFound)
	}
	g.record.Status = status
	return m.store.SaveGroup(g.record)
}

// Get returns a copy of the group's persisted record.
func (m *Manager) Get(name string) (types.Group, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[name]
	if !ok {
		return types.Group{}, false
	}
	return g.record, true
}

// List returns every group's persisted record.
func (m *Manager) List() []types.Group {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Group, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g.record)
	}
	return out
}

// Attach implements server.Groups: a request queued by this reconciler
// has become a live server. The numeric id stays reserved in serverIDs
// until the server is destroyed; only the "still pending" bookkeeping
// used for the active+queued<target comparison is cleared here.
func (m *Manager) Attach(name string, server types.NameAndUuid) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[name]
	if !ok {
		return
	}
	delete(g.queuedStarts, server.UUID)
}

// Detach implements server.Groups: releases the group-server-id slot a
// destroyed server was holding back to the pool, per §4.5's
// deterministic-reuse requirement.
func (m *Manager) Detach(name string, server uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[name]
	if !ok {
		return
	}
	delete(g.queuedStarts, server)
	if id, ok := g.serverIDs[server]; ok {
		g.pool.Release(id)
		delete(g.serverIDs, server)
	}
}

// StartFailed implements server.Groups: a queued request this reconciler
// placed was abandoned before ever becoming a live server. Releases its
// reserved numeric id so a later tick can reuse it.
func (m *Manager) StartFailed(name string, requestID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[name]
	if !ok {
		return
	}
	delete(g.queuedStarts, requestID)
	if id, ok := g.serverIDs[requestID]; ok {
		g.pool.Release(id)
		delete(g.serverIDs, requestID)
	}
}

// NodeDetached implements §4.4's node-detachment cleanup: removes
// nodeName from every group's node list and resaves the group.
func (m *Manager) NodeDetached(nodeName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.groups {
		kept := g.record.NodeNames[:0]
		changed := false
		for _, n := range g.record.NodeNames {
			if n == nodeName {
				changed = true
				continue
			}
			kept = append(kept, n)
		}
		if changed {
			g.record.NodeNames = kept
			if err := m.store.SaveGroup(g.record); err != nil {
				m.log.Error().Err(err).Str("group", g.record.Name).Msg("failed to persist group after node detachment")
			}
		}
	}
}

// Tick runs the per-tick scaling algorithm of §4.4 for every active
// group.
func (m *Manager) Tick(now time.Time) {
	m.mu.RLock()
	names := make([]string, 0, len(m.groups))
	for name, g := range m.groups {
		if g.record.Status == types.GroupStatusActive {
			names = append(names, name)
		}
	}
	m.mu.RUnlock()

	for _, name := range names {
		m.reconcileOne(name, now)
	}
}

func (m *Manager) reconcileOne(name string, now time.Time) {
	m.mu.RLock()
	g, ok := m.groups[name]
	if !ok {
		m.mu.RUnlock()
		return
	}
	record := g.record
	pool := g.pool
	queuedCount := len(g.queuedStarts)
	m.mu.RUnlock()

	if len(record.NodeNames) == 0 {
		m.log.Warn().Str("group", name).Msg("group has no surviving nodes, skipping reconciliation")
		return
	}

	live := m.servers.ListByGroup(name)

	target := record.Constraints.Min
	if record.Scaling.Enabled && record.Scaling.MaxPlayers > 0 {
		for _, s := range live {
			if s.State != types.ServerStateRunning {
				continue
			}
			ratio := float32(s.ConnectedUsers) / float32(record.Scaling.MaxPlayers)
			if ratio >= record.Scaling.Threshold {
				target++
			}
		}
	}
	if target > record.Constraints.Max {
		target = record.Constraints.Max
	}

	if record.Scaling.StopEmpty && uint32(len(live)) > target {
		excess := uint32(len(live)) - target
		for _, s := range live {
			if s.State != types.ServerStateRunning {
				continue
			}
			if s.ConnectedUsers == 0 {
				if s.Flags.EmptySince == nil {
					deadline := now.Add(m.cfg.EmptyServerTimeout)
					_ = m.servers.SetEmptySince(s.ID.UUID, &deadline)
				} else if now.After(*s.Flags.EmptySince) && excess > 0 {
					m.servers.ScheduleStop(s.ID.UUID)
					excess--
				}
			} else if s.Flags.EmptySince != nil {
				_ = m.servers.SetEmptySince(s.ID.UUID, nil)
			}
		}
	}

	active := uint32(0)
	for _, s := range live {
		if s.State != types.ServerStateStopping {
			active++
		}
	}
	if active+uint32(queuedCount) < target {
		id := pool.Acquire()
		serverName := fmt.Sprintf("%s-%d", name, id)
		startID := m.servers.ScheduleStart(types.StartRequest{
			Name:      serverName,
			Group:     name,
			Nodes:     record.NodeNames,
			Resources: record.Resources,
			Spec:      record.Spec,
			Priority:  record.Constraints.Priority,
		})

		m.mu.Lock()
		if g, ok := m.groups[name]; ok {
			g.queuedStarts[startID] = struct{}{}
			g.serverIDs[startID] = id
		}
		m.mu.Unlock()
	}
}
