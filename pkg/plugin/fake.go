package plugin

import (
	"context"
	"fmt"
	"sync"
)

// FakeDriver is an in-process stand-in for a sandboxed plugin, used by
// controller and server-manager tests so they can exercise the full
// Node/Server lifecycle without compiling a WASM artifact. It implements
// the same Driver contract as WasmDriver. Per §1's Non-goals, this is the
// only backend adapter this repository carries beyond the sandbox itself.
type FakeDriver struct {
	name string

	mu           sync.Mutex
	nextPort     uint32
	failAllocate bool
	failStart    bool
	startDelay   func()
}

// NewFakeDriver constructs a fake plugin named name. Ports are allocated
// starting at 20000 and increase monotonically for the lifetime of the
// driver (it does not need idpool's reuse semantics; that correctness
// property is tested against idpool directly).
func NewFakeDriver(name string) *FakeDriver {
	return &FakeDriver{name: name, nextPort: 20000}
}

// FailAllocate makes every subsequent AllocateAddresses call fail, to
// exercise the Server Manager's next-candidate-node retry path.
func (d *FakeDriver) FailAllocate(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAllocate = fail
}

// FailStart makes every subsequent StartServer call fail, to exercise the
// Server Manager's Creating-stage failure path, which frees the allocation.
func (d *FakeDriver) FailStart(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failStart = fail
}

func (d *FakeDriver) Name() string { return d.name }

func (d *FakeDriver) Init(ctx context.Context) (Information, error) {
	return Information{Authors: []string{"nimbus"}, Version: "test", Ready: true}, nil
}

func (d *FakeDriver) InitNode(ctx context.Context, name string, caps NodeCapabilities, controllerAddr string) (NodeHandle, error) {
	return &fakeNodeHandle{driver: d, nodeName: name}, nil
}

func (d *FakeDriver) Close(ctx context.Context) error { return nil }

type fakeNodeHandle struct {
	driver   *FakeDriver
	nodeName string
}

func (h *fakeNodeHandle) AllocateAddresses(ctx context.Context, proposal UnitProposal) ([]HostPort, error) {
	h.driver.mu.Lock()
	defer h.driver.mu.Unlock()

	if h.driver.failAllocate {
		return nil, fmt.Errorf("fake driver %s: allocate denied", h.driver.name)
	}
	out := make([]HostPort, 0, proposal.PortCount)
	for i := uint32(0); i < proposal.PortCount; i++ {
		out = append(out, HostPort{Host: "127.0.0.1", Port: h.driver.nextPort})
		h.driver.nextPort++
	}
	return out, nil
}

func (h *fakeNodeHandle) FreeAddresses(ctx context.Context, addrs []HostPort) error {
	return nil
}

func (h *fakeNodeHandle) StartServer(ctx context.Context, unit Unit) (ScreenHandle, error) {
	h.driver.mu.Lock()
	fail := h.driver.failStart
	h.driver.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("fake driver %s: start denied", h.driver.name)
	}
	handle := newScreenHandle()
	handle.push([]byte(fmt.Sprintf("[%s] started %s", h.nodeName, unit.Name)))
	return handle, nil
}

func (h *fakeNodeHandle) RestartServer(ctx context.Context, unit Unit) error { return nil }

func (h *fakeNodeHandle) StopServer(ctx context.Context, unit Unit) error { return nil }

func (h *fakeNodeHandle) Tick(ctx context.Context) []ScopedError { return nil }
