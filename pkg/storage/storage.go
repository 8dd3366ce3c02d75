// Package storage implements the Config/Storage Shims (spec component J):
// one TOML file per persisted entity under a data directory, treated as an
// opaque KV by the rest of the controller. Grounded on
// teranos-QNTX/am/persist.go's TOML load/save idiom and on the original
// Rust controller's LoadFromTomlFile/SaveToTomlFile traits, which name this
// exact layout (nodes/<name>.toml, groups/<name>.toml, users/<name>.toml).
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/nimbus/pkg/auth"
	"github.com/cuemby/nimbus/pkg/log"
	"github.com/cuemby/nimbus/pkg/types"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
)

// Store persists Nodes, Groups, and user-operator tokens as individual
// TOML files under dataDir. It implements auth.Store directly so the Auth
// Registry can be constructed with it without an adapter.
type Store struct {
	dataDir string
	log     zerolog.Logger
}

// New creates a Store rooted at dataDir. The nodes/, groups/, and users/
// subdirectories are created lazily on first write.
func New(dataDir string) *Store {
	return &Store{dataDir: dataDir, log: log.WithComponent("storage")}
}

func (s *Store) entityDir(kind string) string {
	return filepath.Join(s.dataDir, kind)
}

func (s *Store) entityPath(kind, name string) string {
	return filepath.Join(s.entityDir(kind), name+".toml")
}

func (s *Store) save(kind, name string, v any) error {
	dir := s.entityDir(kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", kind, err)
	}
	data, err := toml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s %s: %w", kind, name, err)
	}
	path := s.entityPath(kind, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s %s: %w", kind, name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to finalize %s %s: %w", kind, name, err)
	}
	return nil
}

func (s *Store) delete(kind, name string) error {
	if err := os.Remove(s.entityPath(kind, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s %s: %w", kind, name, err)
	}
	return nil
}

func (s *Store) listNames(kind string) ([]string, error) {
	dir := s.entityDir(kind)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".toml"))
	}
	return names, nil
}

// SaveNode persists a Node to nodes/<name>.toml.
func (s *Store) SaveNode(n types.Node) error {
	return s.save("nodes", n.Name, n)
}

// DeleteNode removes a node's persisted record.
func (s *Store) DeleteNode(name string) error {
	return s.delete("nodes", name)
}

// LoadNodes loads every persisted node, skipping and warning on any file
// that fails to parse (ConfigError semantics — the rest of startup is not
// blocked by one bad file).
func (s *Store) LoadNodes() ([]types.Node, error) {
	names, err := s.listNames("nodes")
	if err != nil {
		return nil, err
	}
	var out []types.Node
	for _, name := range names {
		data, err := os.ReadFile(s.entityPath("nodes", name))
		if err != nil {
			s.log.Warn().Err(err).Str("node", name).Msg("failed to read persisted node, skipping")
			continue
		}
		var n types.Node
		if err := toml.Unmarshal(data, &n); err != nil {
			s.log.Warn().Err(err).Str("node", name).Msg("failed to parse persisted node, skipping")
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// SaveGroup persists a Group to groups/<name>.toml.
func (s *Store) SaveGroup(g types.Group) error {
	return s.save("groups", g.Name, g)
}

// DeleteGroup removes a group's persisted record.
func (s *Store) DeleteGroup(name string) error {
	return s.delete("groups", name)
}

// LoadGroups loads every persisted group, skipping and warning on parse
// failure.
func (s *Store) LoadGroups() ([]types.Group, error) {
	names, err := s.listNames("groups")
	if err != nil {
		return nil, err
	}
	var out []types.Group
	for _, name := range names {
		data, err := os.ReadFile(s.entityPath("groups", name))
		if err != nil {
			s.log.Warn().Err(err).Str("group", name).Msg("failed to read persisted group, skipping")
			continue
		}
		var g types.Group
		if err := toml.Unmarshal(data, &g); err != nil {
			s.log.Warn().Err(err).Str("group", name).Msg("failed to parse persisted group, skipping")
			continue
		}
		out = append(out, g)
	}
	return out, nil
}

// SaveUser implements auth.Store: persists a user's token record to
// users/<name>.toml.
func (s *Store) SaveUser(name string, rec auth.UserRecord) error {
	return s.save("users", name, rec)
}

// DeleteUser implements auth.Store.
func (s *Store) DeleteUser(name string) error {
	return s.delete("users", name)
}

// ListUsers implements auth.Store: loads every persisted user token,
// skipping and warning on parse failure.
func (s *Store) ListUsers() ([]auth.UserRecord, error) {
	names, err := s.listNames("users")
	if err != nil {
		return nil, err
	}
	var out []auth.UserRecord
	for _, name := range names {
		data, err := os.ReadFile(s.entityPath("users", name))
		if err != nil {
			s.log.Warn().Err(err).Str("user", name).Msg("failed to read persisted user, skipping")
			continue
		}
		var rec auth.UserRecord
		if err := toml.Unmarshal(data, &rec); err != nil {
			s.log.Warn().Err(err).Str("user", name).Msg("failed to parse persisted user, skipping")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
