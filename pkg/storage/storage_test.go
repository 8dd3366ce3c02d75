package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/nimbus/pkg/auth"
	"github.com/cuemby/nimbus/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadNodeRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	mem := uint32(2048)
	n := types.Node{
		Name:              "n1",
		PluginName:        "local",
		Capabilities:      types.Capabilities{Memory: &mem},
		ControllerAddress: "http://c/",
		Status:            types.NodeStatusInactive,
	}
	require.NoError(t, s.SaveNode(n))
	require.FileExists(t, filepath.Join(dir, "nodes", "n1.toml"))

	loaded, err := s.LoadNodes()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, "n1", loaded[0].Name)
	require.Equal(t, mem, *loaded[0].Capabilities.Memory)

	require.NoError(t, s.DeleteNode("n1"))
	loaded, err = s.LoadNodes()
	require.NoError(t, err)
	require.Empty(t, loaded, "delete must remove the residual persisted file (L1)")
}

func TestLoadNodesSkipsUnparseableFile(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, s.SaveNode(types.Node{Name: "good", Status: types.NodeStatusActive}))

	badPath := filepath.Join(dir, "nodes", "bad.toml")
	require.NoError(t, os.WriteFile(badPath, []byte("not = [valid toml"), 0o644))

	loaded, err := s.LoadNodes()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, "good", loaded[0].Name)
}

func TestUserStoreRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	rec := auth.UserRecord{Name: "admin", UUID: uuid.New(), Token: "user_abc"}
	require.NoError(t, s.SaveUser("admin", rec))

	users, err := s.ListUsers()
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, rec.Token, users[0].Token)
}
