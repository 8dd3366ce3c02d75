package plugin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFakeDriverAllocateAndStart(t *testing.T) {
	ctx := context.Background()
	d := NewFakeDriver("local")

	info, err := d.Init(ctx)
	require.NoError(t, err)
	require.True(t, info.Ready)

	node, err := d.InitNode(ctx, "n1", NodeCapabilities{}, "http://c/")
	require.NoError(t, err)

	addrs, err := node.AllocateAddresses(ctx, UnitProposal{PortCount: 2})
	require.NoError(t, err)
	require.Len(t, addrs, 2)
	require.NotEqual(t, addrs[0].Port, addrs[1].Port)

	screen, err := node.StartServer(ctx, Unit{Name: "lobby-1"})
	require.NoError(t, err)
	line := <-screen.Lines()
	require.Contains(t, string(line), "lobby-1")
}

func TestFakeDriverFailAllocateReturnsError(t *testing.T) {
	ctx := context.Background()
	d := NewFakeDriver("local")
	d.FailAllocate(true)

	node, err := d.InitNode(ctx, "n1", NodeCapabilities{}, "http://c/")
	require.NoError(t, err)

	_, err = node.AllocateAddresses(ctx, UnitProposal{PortCount: 1})
	require.Error(t, err)
}

func TestRegistryReadyGate(t *testing.T) {
	r := NewRegistry()
	r.Register("broken", NewFakeDriver("broken"), false)
	r.Register("ok", NewFakeDriver("ok"), true)

	_, found := r.Get("broken")
	require.False(t, found, "a plugin that reported ready=false must not be usable")

	_, found = r.Get("ok")
	require.True(t, found)
}
