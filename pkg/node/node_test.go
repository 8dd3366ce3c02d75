package node

import (
	"context"
	"testing"

	"github.com/cuemby/nimbus/pkg/ctlerr"
	"github.com/cuemby/nimbus/pkg/plugin"
	"github.com/cuemby/nimbus/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	nodes map[string]types.Node
}

func newFakeStore() *fakeStore { return &fakeStore{nodes: make(map[string]types.Node)} }

func (s *fakeStore) SaveNode(n types.Node) error { s.nodes[n.Name] = n; return nil }
func (s *fakeStore) DeleteNode(name string) error { delete(s.nodes, name); return nil }
func (s *fakeStore) LoadNodes() ([]types.Node, error) {
	out := make([]types.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	return out, nil
}

type fakePlugins struct {
	drivers map[string]plugin.Driver
}

func (p *fakePlugins) Get(name string) (plugin.Driver, bool) {
	d, ok := p.drivers[name]
	return d, ok
}

func memCap(v uint32) *uint32 { return &v }

func TestCreateNodeThenAllocateRequiresActive(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	plugins := &fakePlugins{drivers: map[string]plugin.Driver{"local": plugin.NewFakeDriver("local")}}
	m := New(store, plugins)

	result, err := m.CreateNode(ctx, "n1", "local", types.Capabilities{Memory: memCap(1024)}, "http://c/")
	require.NoError(t, err)
	require.Equal(t, Created, result)

	_, err = m.Allocate(ctx, "n1", types.Resources{Memory: 64, Ports: 1})
	require.ErrorIs(t, err, ctlerr.CapacityDenied, "inactive nodes must reject allocation")

	require.NoError(t, m.SetStatus("n1", types.NodeStatusActive))

	alloc, err := m.Allocate(ctx, "n1", types.Resources{Memory: 64, Ports: 1})
	require.NoError(t, err)
	require.Len(t, alloc.Ports, 1)
}

func TestAllocateRejectsOverMemory(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	plugins := &fakePlugins{drivers: map[string]plugin.Driver{"local": plugin.NewFakeDriver("local")}}
	m := New(store, plugins)

	_, err := m.CreateNode(ctx, "n1", "local", types.Capabilities{Memory: memCap(100)}, "http://c/")
	require.NoError(t, err)
	require.NoError(t, m.SetStatus("n1", types.NodeStatusActive))

	_, err = m.Allocate(ctx, "n1", types.Resources{Memory: 64})
	require.NoError(t, err)

	_, err = m.Allocate(ctx, "n1", types.Resources{Memory: 64})
	require.ErrorIs(t, err, ctlerr.CapacityDenied, "second allocation pushes used memory past the 100-unit cap")
}

func TestAllocateRejectsOverMaxServers(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	plugins := &fakePlugins{drivers: map[string]plugin.Driver{"local": plugin.NewFakeDriver("local")}}
	m := New(store, plugins)

	one := uint32(1)
	_, err := m.CreateNode(ctx, "n1", "local", types.Capabilities{MaxServers: &one}, "http://c/")
	require.NoError(t, err)
	require.NoError(t, m.SetStatus("n1", types.NodeStatusActive))

	_, err = m.Allocate(ctx, "n1", types.Resources{})
	require.NoError(t, err)

	_, err = m.Allocate(ctx, "n1", types.Resources{})
	require.ErrorIs(t, err, ctlerr.CapacityDenied)
}

func TestAllocateFreeRoundTripsAccounting(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	plugins := &fakePlugins{drivers: map[string]plugin.Driver{"local": plugin.NewFakeDriver("local")}}
	m := New(store, plugins)

	_, err := m.CreateNode(ctx, "n1", "local", types.Capabilities{Memory: memCap(100)}, "http://c/")
	require.NoError(t, err)
	require.NoError(t, m.SetStatus("n1", types.NodeStatusActive))

	alloc, err := m.Allocate(ctx, "n1", types.Resources{Memory: 90})
	require.NoError(t, err)

	_, err = m.Allocate(ctx, "n1", types.Resources{Memory: 90})
	require.Error(t, err, "second allocation must be denied while the first holds 90/100")

	m.Free(ctx, alloc)

	_, err = m.Allocate(ctx, "n1", types.Resources{Memory: 90})
	require.NoError(t, err, "freeing the first allocation must release its memory accounting")
}

func TestDeleteNodeRequiresInactive(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	plugins := &fakePlugins{drivers: map[string]plugin.Driver{"local": plugin.NewFakeDriver("local")}}
	m := New(store, plugins)

	_, err := m.CreateNode(ctx, "n1", "local", types.Capabilities{}, "http://c/")
	require.NoError(t, err)
	require.NoError(t, m.SetStatus("n1", types.NodeStatusActive))

	err = m.DeleteNode("n1", false)
	require.ErrorIs(t, err, ctlerr.NotInactive)

	require.NoError(t, m.SetStatus("n1", types.NodeStatusInactive))
	require.NoError(t, m.DeleteNode("n1", false))

	_, ok := m.Get("n1")
	require.False(t, ok)
}

func TestAllocatePluginFailureIsSurfaced(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	driver := plugin.NewFakeDriver("local")
	plugins := &fakePlugins{drivers: map[string]plugin.Driver{"local": driver}}
	m := New(store, plugins)

	_, err := m.CreateNode(ctx, "n1", "local", types.Capabilities{}, "http://c/")
	require.NoError(t, err)
	require.NoError(t, m.SetStatus("n1", types.NodeStatusActive))

	driver.FailAllocate(true)
	_, err = m.Allocate(ctx, "n1", types.Resources{Ports: 2})
	require.ErrorIs(t, err, ctlerr.PluginFailure)
}
