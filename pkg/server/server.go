// Package server implements the Server Manager: the central state
// machine owning every running server, driving start/restart/stop
// requests through staged calls against the Node Manager, and tracking
// heartbeat-based liveness.
//
// The tick-driven reconciliation loop, timer-scoped metrics, and
// per-cycle logging texture follow a polling scheduler idiom generalized
// to a request-driven staged machine; lifecycle bookkeeping (map+mutex
// keyed by uuid) follows the same pattern used for token/session
// tracking elsewhere in this codebase. The original design's staged
// Allocating/Creating async futures collapse to one synchronous call per
// stage per tick here: with a single-writer tick loop there is no
// concurrent mutation to race against, so "await fut" is simply "call
// and advance," while still honoring the one-stage-per-tick-per-request
// invariant.
package server

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/nimbus/pkg/ctlerr"
	"github.com/cuemby/nimbus/pkg/log"
	"github.com/cuemby/nimbus/pkg/metrics"
	"github.com/cuemby/nimbus/pkg/node"
	"github.com/cuemby/nimbus/pkg/plugin"
	"github.com/cuemby/nimbus/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// NodeDelegate is the subset of the Node Manager the Server Manager
// drives. Matches pkg/node.Manager's method set exactly.
type NodeDelegate interface {
	Allocate(ctx context.Context, nodeName string, req types.Resources) (node.AllocationResult, error)
	Free(ctx context.Context, res node.AllocationResult)
	Start(ctx context.Context, nodeName string, unit types.Allocation, name string) (plugin.ScreenHandle, error)
	Restart(ctx context.Context, nodeName string, unit types.Allocation, name string) error
	Stop(ctx context.Context, nodeName string, unit types.Allocation, name string) error
}

// Auth is the subset of the Auth Registry the Server Manager drives.
type Auth interface {
	RegisterServer(server uuid.UUID) (string, error)
	UnregisterServer(token string)
}

// Bus delivers console output and tears down per-server subscriptions.
type Bus interface {
	PublishScreen(server uuid.UUID, lines [][]byte)
	CloseServer(server uuid.UUID)
}

// Groups is notified as servers join or leave a group's live set, and
// when a request it queued is abandoned before ever becoming live.
type Groups interface {
	Attach(group string, server types.NameAndUuid)
	Detach(group string, server uuid.UUID)
	StartFailed(group string, requestID uuid.UUID)
}

// Users removes session state referencing a destroyed server.
type Users interface {
	RemoveUsersOfServer(server uuid.UUID)
}

// Config bounds timeouts used by the staged machine.
type Config struct {
	StartupTimeout   time.Duration
	HeartbeatTimeout time.Duration
}

type startItem struct {
	req   *types.StartRequest
	index int // heap.Interface bookkeeping
}

// startHeap is a max-heap on Priority, FIFO among ties via Sequence.
type startHeap []*startItem

func (h startHeap) Len() int { return len(h) }
func (h startHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority > h[j].req.Priority
	}
	return h[i].req.Sequence < h[j].req.Sequence
}
func (h startHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *startHeap) Push(x any) {
	item := x.(*startItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *startHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Manager owns every live Server and the pending start/stop/restart
// queues. All mutation is expected to happen from a single goroutine
// (the dispatcher or the tick loop); exported methods take an internal
// lock only to let read-only queries run concurrently with it.
type Manager struct {
	cfg     Config
	nodes   NodeDelegate
	auth    Auth
	bus     Bus
	groups  Groups
	users   Users
	log     zerolog.Logger

	mu          sync.RWMutex
	servers     map[uuid.UUID]*types.Server
	allocations map[uuid.UUID]node.AllocationResult
	screens     map[uuid.UUID]plugin.ScreenHandle

	starts      startHeap
	startIndex  map[uuid.UUID]*startItem
	startSeq    uint64
	stops       map[uuid.UUID]*types.StopRequest
	restarts    map[uuid.UUID]*types.RestartRequest

	// pendingNode records which node a Creating-stage request's
	// allocation came from, keyed by the request's own UUID.
	pendingNode map[uuid.UUID]string

	shuttingDown bool
}

// New constructs a Server Manager wired to its collaborators.
func New(cfg Config, nodes NodeDelegate, auth Auth, bus Bus, groups Groups, users Users) *Manager {
	return &Manager{
		cfg:         cfg,
		nodes:       nodes,
		auth:        auth,
		bus:         bus,
		groups:      groups,
		users:       users,
		log:         log.WithComponent("server"),
		servers:     make(map[uuid.UUID]*types.Server),
		allocations: make(map[uuid.UUID]node.AllocationResult),
		screens:     make(map[uuid.UUID]plugin.ScreenHandle),
		startIndex:  make(map[uuid.UUID]*startItem),
		stops:       make(map[uuid.UUID]*types.StopRequest),
		restarts:    make(map[uuid.UUID]*types.RestartRequest),
		pendingNode: make(map[uuid.UUID]string),
	}
}

// ScheduleStart enqueues a new StartRequest, assigning it a fresh UUID
// and FIFO sequence number if unset.
func (m *Manager) ScheduleStart(req types.StartRequest) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	m.startSeq++
	req.Sequence = m.startSeq
	req.Stage = types.StartStageQueued
	req.NodeIndex = 0

	item := &startItem{req: &req}
	heap.Push(&m.starts, item)
	m.startIndex[req.ID] = item
	metrics.StartQueueDepth.Set(float64(len(m.starts)))
	return req.ID
}

// CancelStart removes a pending start, ignored once it has moved beyond
// Queued (an in-flight allocation cannot be unwound mid-stage).
func (m *Manager) CancelStart(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.startIndex[id]
	if !ok || item.req.Stage != types.StartStageQueued {
		return false
	}
	heap.Remove(&m.starts, item.index)
	delete(m.startIndex, id)
	metrics.StartQueueDepth.Set(float64(len(m.starts)))
	return true
}

// ScheduleStop enqueues a stop, dropped with a debug log if one is
// already in flight past Queued for the same server.
func (m *Manager) ScheduleStop(serverID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduleStopLocked(serverID)
}

func (m *Manager) scheduleStopLocked(serverID uuid.UUID) {
	if existing, ok := m.stops[serverID]; ok && existing.Stage != types.StageQueued {
		m.log.Debug().Str("server_id", serverID.String()).Msg("dropping duplicate stop request, already in flight")
		return
	}
	m.stops[serverID] = &types.StopRequest{Server: serverID, Stage: types.StageQueued}
	metrics.StopQueueDepth.Set(float64(len(m.stops)))
}

// ScheduleRestart enqueues a restart, dropped if the server is already
// stopping.
func (m *Manager) ScheduleRestart(serverID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if srv, ok := m.servers[serverID]; ok && srv.State == types.ServerStateStopping {
		m.log.Debug().Str("server_id", serverID.String()).Msg("dropping restart request for a server already stopping")
		return
	}
	if _, inFlight := m.restarts[serverID]; inFlight {
		return
	}
	m.restarts[serverID] = &types.RestartRequest{Server: serverID, Stage: types.StageQueued}
}

// GetServer returns a copy of the server's current state.
func (m *Manager) GetServer(id uuid.UUID) (types.Server, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.servers[id]
	if !ok {
		return types.Server{}, false
	}
	return *s, true
}

// Resolve returns the name/uuid pair for a live server.
func (m *Manager) Resolve(id uuid.UUID) (types.NameAndUuid, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.servers[id]
	if !ok {
		return types.NameAndUuid{}, false
	}
	return types.NameAndUuid{Name: s.ID.Name, UUID: s.ID.UUID}, true
}

// HasLiveServersOnNode reports whether any live server currently
// references nodeName, used by the RPC gateway to gate node deletion.
func (m *Manager) HasLiveServersOnNode(nodeName string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.servers {
		if s.Node == nodeName {
			return true
		}
	}
	return false
}

// Heartbeat implements §4.3's heartbeat transition.
func (m *Manager) Heartbeat(id uuid.UUID, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.servers[id]
	if !ok {
		return fmt.Errorf("server %s: %w", id, ctlerr.NotFound)
	}
	s.Heart.NextCheckin = now.Add(s.Heart.Timeout)
	if s.State == types.ServerStateStarting || s.State == types.ServerStateRestarting {
		s.State = types.ServerStatePreparing
		m.log.Info().Str("server_id", id.String()).Msg("server entered preparing state on first heartbeat")
	}
	return nil
}

// SetReady implements §4.3's set_ready.
func (m *Manager) SetReady(id uuid.UUID, ready bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[id]
	if !ok {
		return fmt.Errorf("server %s: %w", id, ctlerr.NotFound)
	}
	s.Ready = ready
	return nil
}

// SetRunning implements §4.3's set_running.
func (m *Manager) SetRunning(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[id]
	if !ok {
		return fmt.Errorf("server %s: %w", id, ctlerr.NotFound)
	}
	if s.State == types.ServerStatePreparing {
		s.State = types.ServerStateRunning
	}
	return nil
}

// RequestStop implements §4.3's request_stop from the server itself.
func (m *Manager) RequestStop(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[id]
	if !ok {
		return fmt.Errorf("server %s: %w", id, ctlerr.NotFound)
	}
	if s.State == types.ServerStateStopping {
		return nil
	}
	s.Ready = false
	s.State = types.ServerStateStopping
	m.scheduleStopLocked(id)
	return nil
}

// SetEmptySince updates the idle-hysteresis timer the Group Reconciler
// attaches to an empty, attached server.
func (m *Manager) SetEmptySince(id uuid.UUID, at *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[id]
	if !ok {
		return fmt.Errorf("server %s: %w", id, ctlerr.NotFound)
	}
	s.Flags.EmptySince = at
	return nil
}

// IncrementConnected and DecrementConnected track player counts for the
// Group Reconciler's scaling decisions; called by the User/Transfer
// Manager on connect/disconnect.
func (m *Manager) IncrementConnected(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[id]
	if !ok {
		return fmt.Errorf("server %s: %w", id, ctlerr.NotFound)
	}
	s.ConnectedUsers++
	return nil
}

func (m *Manager) DecrementConnected(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[id]
	if !ok {
		return fmt.Errorf("server %s: %w", id, ctlerr.NotFound)
	}
	if s.ConnectedUsers > 0 {
		s.ConnectedUsers--
	}
	return nil
}

// ListByGroup returns every live server currently attached to group.
func (m *Manager) ListByGroup(group string) []types.Server {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Server
	for _, s := range m.servers {
		if s.Group == group {
			out = append(out, *s)
		}
	}
	return out
}

// List returns every live server, for the operator get_servers RPC.
func (m *Manager) List() []types.Server {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Server, 0, len(m.servers))
	for _, s := range m.servers {
		out = append(out, *s)
	}
	return out
}

// FindFallback implements §4.3's find_fallback: highest fallback
// priority among ready, Running, fallback-enabled servers other than
// exclude.
func (m *Manager) FindFallback(exclude uuid.UUID) (types.NameAndUuid, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *types.Server
	for _, s := range m.servers {
		if s.ID.UUID == exclude || !s.Ready || s.State != types.ServerStateRunning || !s.Allocation.Spec.Fallback.Enabled {
			continue
		}
		if best == nil || s.Allocation.Spec.Fallback.Priority > best.Allocation.Spec.Fallback.Priority {
			best = s
		}
	}
	if best == nil {
		return types.NameAndUuid{}, false
	}
	return types.NameAndUuid{Name: best.ID.Name, UUID: best.ID.UUID}, true
}

// Tick advances the start heap and the stop/restart maps by at most one
// stage per request, per §4.3.
func (m *Manager) Tick(ctx context.Context, now time.Time) {
	m.sweepLiveness(now)
	m.tickStarts(ctx)
	m.tickStops(ctx)
	m.tickRestarts(ctx)
}

func (m *Manager) sweepLiveness(now time.Time) {
	m.mu.Lock()
	var toRestart []uuid.UUID
	for id, s := range m.servers {
		if !s.Heart.Expired(now) {
			continue
		}
		if s.State == types.ServerStateStarting || s.State == types.ServerStateRestarting {
			m.log.Warn().Str("server_id", id.String()).Msg("server failed to start in time")
		} else {
			m.log.Warn().Str("server_id", id.String()).Msg("server missed heartbeat, no heartbeat received")
		}
		if _, already := m.restarts[id]; !already {
			toRestart = append(toRestart, id)
		}
	}
	for _, id := range toRestart {
		m.restarts[id] = &types.RestartRequest{Server: id, Stage: types.StageQueued}
	}
	m.mu.Unlock()
}

func (m *Manager) tickStarts(ctx context.Context) {
	m.mu.Lock()
	if m.starts.Len() == 0 {
		m.mu.Unlock()
		return
	}
	pending := make([]*startItem, m.starts.Len())
	for i := range pending {
		pending[i] = heap.Pop(&m.starts).(*startItem)
	}
	delete0 := func(id uuid.UUID) { delete(m.startIndex, id) }
	m.mu.Unlock()

	for _, item := range pending {
		done := m.advanceStart(ctx, item.req)
		m.mu.Lock()
		if done {
			delete0(item.req.ID)
		} else {
			heap.Push(&m.starts, item)
		}
		metrics.StartQueueDepth.Set(float64(len(m.starts)))
		m.mu.Unlock()
	}
}

func (m *Manager) notifyStartFailed(req *types.StartRequest) {
	if req.Group != "" && m.groups != nil {
		m.groups.StartFailed(req.Group, req.ID)
	}
}

// advanceStart performs exactly one stage transition for req and reports
// whether the request is finished (either installed as a live Server or
// abandoned after a fatal failure).
func (m *Manager) advanceStart(ctx context.Context, req *types.StartRequest) (done bool) {
	switch req.Stage {
	case types.StartStageQueued:
		if len(req.Nodes) == 0 {
			m.log.Error().Str("request", req.Name).Msg("start request names no candidate nodes, dropping")
			m.notifyStartFailed(req)
			return true
		}
		if req.NodeIndex >= len(req.Nodes) {
			req.NodeIndex = 0
		}
		nodeName := req.Nodes[req.NodeIndex]
		alloc, err := m.nodes.Allocate(ctx, nodeName, req.Resources)
		if err != nil {
			if req.NodeIndex+1 < len(req.Nodes) {
				m.log.Debug().Str("node", nodeName).Str("request", req.Name).Err(err).
					Msg("allocation failed on node, trying next candidate")
				req.NodeIndex++
			} else {
				m.log.Warn().Str("request", req.Name).Msg("no capacity on any candidate node, retrying next tick")
				req.NodeIndex = 0
			}
			return false
		}
		req.Stage = types.StartStageCreating
		m.mu.Lock()
		m.pendingAlloc(req.ID, nodeName, alloc)
		m.mu.Unlock()
		return false

	case types.StartStageCreating:
		m.mu.Lock()
		alloc, nodeName, hasAlloc := m.popPendingAlloc(req.ID)
		m.mu.Unlock()
		if !hasAlloc {
			m.notifyStartFailed(req)
			return true
		}

		unit := types.Allocation{Ports: alloc.Ports, Resources: req.Resources, Spec: req.Spec}
		screen, err := m.nodes.Start(ctx, nodeName, unit, req.Name)
		if err != nil {
			m.log.Error().Err(err).Str("request", req.Name).Msg("server failed to start, freeing allocation")
			m.nodes.Free(ctx, alloc)
			metrics.ServersFailedTotal.Inc()
			m.notifyStartFailed(req)
			return true
		}

		id := types.NewNameAndUuid(req.Name)
		if req.ID != uuid.Nil {
			id.UUID = req.ID
		}
		token, err := m.auth.RegisterServer(id.UUID)
		if err != nil {
			m.log.Error().Err(err).Str("request", req.Name).Msg("failed to mint server token, stopping freshly started server")
			_ = m.nodes.Stop(ctx, nodeName, unit, req.Name)
			_ = screen.Close()
			m.nodes.Free(ctx, alloc)
			metrics.ServersFailedTotal.Inc()
			m.notifyStartFailed(req)
			return true
		}

		now := time.Now()
		srv := &types.Server{
			ID:         id,
			Group:      req.Group,
			Node:       nodeName,
			Allocation: unit,
			Token:      token,
			Heart:      types.Heart{NextCheckin: now.Add(m.cfg.StartupTimeout), Timeout: m.cfg.HeartbeatTimeout},
			State:      types.ServerStateStarting,
			Ready:      false,
		}

		m.mu.Lock()
		m.servers[id.UUID] = srv
		m.allocations[id.UUID] = alloc
		m.screens[id.UUID] = screen
		m.mu.Unlock()

		go m.pumpScreen(id.UUID, screen)

		if req.Group != "" && m.groups != nil {
			m.groups.Attach(req.Group, id)
		}
		metrics.ServersStartedTotal.Inc()
		m.log.Info().Str("server_id", id.UUID.String()).Str("name", id.Name).Str("node", nodeName).Msg("server started")
		return true

	default:
		return true
	}
}

// pendingAlloc/popPendingAlloc stash an in-progress allocation between
// the Queued and Creating stages, keyed by the request's own UUID (a
// single tick loop drives one Manager, so no two requests ever share a
// UUID concurrently).
func (m *Manager) pendingAlloc(id uuid.UUID, nodeName string, alloc node.AllocationResult) {
	m.allocations[id] = alloc
	m.pendingNode[id] = nodeName
}

func (m *Manager) popPendingAlloc(id uuid.UUID) (node.AllocationResult, string, bool) {
	alloc, ok := m.allocations[id]
	if !ok {
		return node.AllocationResult{}, "", false
	}
	nodeName := m.pendingNode[id]
	delete(m.allocations, id)
	delete(m.pendingNode, id)
	return alloc, nodeName, true
}

func (m *Manager) pumpScreen(id uuid.UUID, screen plugin.ScreenHandle) {
	var batch [][]byte
	flush := time.NewTicker(250 * time.Millisecond)
	defer flush.Stop()
	for {
		select {
		case line, ok := <-screen.Lines():
			if !ok {
				if len(batch) > 0 {
					m.bus.PublishScreen(id, batch)
				}
				return
			}
			batch = append(batch, line)
		case <-flush.C:
			if len(batch) > 0 {
				m.bus.PublishScreen(id, batch)
				batch = nil
			}
		}
	}
}

func (m *Manager) tickStops(ctx context.Context) {
	m.mu.Lock()
	ids := make([]uuid.UUID, 0, len(m.stops))
	for id := range m.stops {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.advanceStop(ctx, id)
	}
}

func (m *Manager) advanceStop(ctx context.Context, id uuid.UUID) {
	m.mu.Lock()
	req, ok := m.stops[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	srv, exists := m.servers[id]
	m.mu.Unlock()

	if !exists {
		m.mu.Lock()
		delete(m.stops, id)
		metrics.StopQueueDepth.Set(float64(len(m.stops)))
		m.mu.Unlock()
		return
	}

	switch req.Stage {
	case types.StageQueued:
		m.mu.Lock()
		srv.State = types.ServerStateStopping
		req.Stage = types.StageFreeing
		m.mu.Unlock()

	case types.StageFreeing:
		m.mu.Lock()
		alloc := m.allocations[id]
		m.mu.Unlock()
		m.nodes.Free(ctx, alloc)
		m.mu.Lock()
		req.Stage = types.StageRunning
		m.mu.Unlock()

	case types.StageRunning:
		if err := m.nodes.Stop(ctx, srv.Node, srv.Allocation, srv.ID.Name); err != nil {
			m.log.Error().Err(err).Str("server_id", id.String()).Msg("plugin stop call failed, removing server anyway")
		}
		m.finishStop(id, srv)
	}
}

func (m *Manager) finishStop(id uuid.UUID, srv *types.Server) {
	m.mu.Lock()
	delete(m.servers, id)
	delete(m.allocations, id)
	if screen, ok := m.screens[id]; ok {
		_ = screen.Close()
		delete(m.screens, id)
	}
	delete(m.stops, id)
	metrics.StopQueueDepth.Set(float64(len(m.stops)))
	group := srv.Group
	token := srv.Token
	m.mu.Unlock()

	m.auth.UnregisterServer(token)
	m.users.RemoveUsersOfServer(id)
	m.bus.CloseServer(id)
	if group != "" && m.groups != nil {
		m.groups.Detach(group, id)
	}
	m.log.Info().Str("server_id", id.String()).Msg("server stopped and removed")
}

func (m *Manager) tickRestarts(ctx context.Context) {
	m.mu.Lock()
	ids := make([]uuid.UUID, 0, len(m.restarts))
	for id := range m.restarts {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.advanceRestart(ctx, id)
	}
}

func (m *Manager) advanceRestart(ctx context.Context, id uuid.UUID) {
	m.mu.Lock()
	req, ok := m.restarts[id]
	srv, exists := m.servers[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	if !exists {
		m.mu.Lock()
		delete(m.restarts, id)
		m.mu.Unlock()
		return
	}

	switch req.Stage {
	case types.StageQueued:
		m.mu.Lock()
		srv.State = types.ServerStateRestarting
		srv.Heart.NextCheckin = time.Now().Add(m.cfg.StartupTimeout)
		req.Stage = types.StageRunning
		m.mu.Unlock()

	case types.StageRunning:
		err := m.nodes.Restart(ctx, srv.Node, srv.Allocation, srv.ID.Name)
		m.mu.Lock()
		delete(m.restarts, id)
		m.mu.Unlock()
		if err != nil {
			m.log.Error().Err(err).Str("server_id", id.String()).Msg("restart failed, escalating to stop")
			m.ScheduleStop(id)
		}
	}
}

// Shutdown cancels pending starts/restarts and enqueues stops for every
// live server, then blocks until both the live set and the stop queue
// have drained (or ctx is canceled).
func (m *Manager) Shutdown(ctx context.Context, tick func()) error {
	m.mu.Lock()
	m.shuttingDown = true
	m.starts = nil
	m.startIndex = make(map[uuid.UUID]*startItem)
	m.restarts = make(map[uuid.UUID]*types.RestartRequest)
	ids := make([]uuid.UUID, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.ScheduleStop(id)
	}

	for {
		m.mu.RLock()
		drained := len(m.servers) == 0 && len(m.stops) == 0
		m.mu.RUnlock()
		if drained {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			tick()
		}
	}
}
