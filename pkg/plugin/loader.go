package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/nimbus/pkg/log"
	"github.com/rs/zerolog"
)

// Registry holds every loaded plugin, keyed by name, and enforces the
// ready-gate of §4.1: a plugin whose Init reports ready=false is kept
// loaded (so it still appears in introspection) but never handed to a
// Node.
type Registry struct {
	log     zerolog.Logger
	drivers map[string]Driver
	ready   map[string]bool
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		log:     log.WithComponent("plugin"),
		drivers: make(map[string]Driver),
		ready:   make(map[string]bool),
	}
}

// LoadDir compiles and initializes every `.wasm` artifact under dir,
// naming each plugin after its filename without extension. Artifacts that
// fail to compile or whose Init call errors are skipped with a warning
// rather than aborting the whole load (ConfigError semantics — one bad
// plugin does not stop the controller from starting).
func (r *Registry) LoadDir(ctx context.Context, dir string, epoch time.Duration, fsRoot string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		r.log.Warn().Str("dir", dir).Msg("plugin directory does not exist, no plugins loaded")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to list plugin directory %s: %w", dir, err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".wasm") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".wasm")
		if err := r.loadOne(ctx, name, filepath.Join(dir, e.Name()), epoch, fsRoot); err != nil {
			r.log.Error().Err(err).Str("plugin", name).Msg("failed to load plugin, skipping")
		}
	}
	return nil
}

func (r *Registry) loadOne(ctx context.Context, name, artifactPath string, epoch time.Duration, fsRoot string) error {
	data, err := os.ReadFile(artifactPath)
	if err != nil {
		return fmt.Errorf("read artifact: %w", err)
	}

	driver, err := NewWasmDriver(ctx, name, data, epoch, fsRoot)
	if err != nil {
		return fmt.Errorf("compile: %w", err)
	}

	info, err := driver.Init(ctx)
	if err != nil {
		driver.Close(ctx)
		return fmt.Errorf("init: %w", err)
	}

	r.Register(name, driver, info.Ready)
	if !info.Ready {
		r.log.Warn().Str("plugin", name).Msg("plugin reported ready=false, loaded but unusable")
	}
	return nil
}

// Register adds an already-constructed driver to the registry (used by
// LoadDir and directly by tests wiring a FakeDriver).
func (r *Registry) Register(name string, d Driver, ready bool) {
	r.drivers[name] = d
	r.ready[name] = ready
}

// Get returns the named plugin's driver, only if it passed the ready gate.
func (r *Registry) Get(name string) (Driver, bool) {
	d, ok := r.drivers[name]
	if !ok || !r.ready[name] {
		return nil, false
	}
	return d, true
}

// CloseAll releases every loaded plugin's sandbox resources.
func (r *Registry) CloseAll(ctx context.Context) {
	for name, d := range r.drivers {
		if err := d.Close(ctx); err != nil {
			r.log.Warn().Err(err).Str("plugin", name).Msg("error closing plugin")
		}
	}
}
