package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/nimbus/pkg/log"
	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// command names exchanged with the guest over the shared-memory JSON
// protocol, mirroring the tagged `{cmd, ...}` envelope used by
// teranos-QNTX's ats/wasi VerifyCommand.
const (
	cmdInit              = "Init"
	cmdInitNode          = "InitNode"
	cmdAllocateAddresses = "AllocateAddresses"
	cmdFreeAddresses     = "FreeAddresses"
	cmdStartServer       = "StartServer"
	cmdRestartServer     = "RestartServer"
	cmdStopServer        = "StopServer"
	cmdTick              = "Tick"
)

type wireEnvelope struct {
	Cmd    string          `json:"cmd"`
	Node   string          `json:"node,omitempty"`
	Unit   *Unit           `json:"unit,omitempty"`
	Addrs  []HostPort      `json:"addresses,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

type wireResponse struct {
	Status  string          `json:"status"` // "Success" | "Error"
	Message string          `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// WasmDriver sandboxes a single plugin artifact in a wazero runtime. Each
// configured Node gets its own module instance so guest-side state (sandbox
// handles, per-node sockets) never leaks between nodes sharing one plugin.
//
// Grounded on teranos-QNTX/ats/wasm/engine.go for the compile-once /
// instantiate-per-use split and the (ptr,len)-pair shared-memory call
// protocol, and on teranos-QNTX/ats/wasi/runner.go for wiring
// wasi_snapshot_preview1 and the tagged-JSON command envelope. Epoch
// interruption is the Go-idiomatic analogue of the original Rust driver's
// wasmtime fuel/epoch deadlines (original_source/controller/.../driver/wasm.rs).
type WasmDriver struct {
	name     string
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	epoch    time.Duration
	log      zerolog.Logger

	mu sync.Mutex
}

// NewWasmDriver compiles wasmBytes and wires WASI plus the host capability
// module (see host.go) into a fresh runtime scoped to this one plugin.
func NewWasmDriver(ctx context.Context, name string, wasmBytes []byte, epoch time.Duration, fsRoot string) (*WasmDriver, error) {
	if epoch <= 0 {
		epoch = DefaultEpoch
	}

	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	r := wazero.NewRuntimeWithConfig(ctx, cfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("plugin %s: failed to instantiate WASI: %w", name, err)
	}

	if err := instantiateHostModule(ctx, r, name, fsRoot); err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("plugin %s: failed to instantiate host module: %w", name, err)
	}

	compiled, err := r.CompileModule(ctx, wasmBytes)
	if err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("plugin %s: failed to compile module: %w", name, err)
	}

	return &WasmDriver{
		name:     name,
		runtime:  r,
		compiled: compiled,
		epoch:    epoch,
		log:      log.WithComponent("plugin").With().Str("plugin", name).Logger(),
	}, nil
}

// Name implements Driver.
func (d *WasmDriver) Name() string { return d.name }

// Close implements Driver.
func (d *WasmDriver) Close(ctx context.Context) error {
	return d.runtime.Close(ctx)
}

func (d *WasmDriver) newInstance(ctx context.Context, instanceName string) (api.Module, error) {
	return d.runtime.InstantiateModule(ctx, d.compiled,
		wazero.NewModuleConfig().WithName(instanceName).WithStartFunctions("_start"))
}

// Init implements Driver. It instantiates a throwaway module solely to
// call the guest's init entrypoint; InitNode instantiates the long-lived
// per-node module that later calls reuse.
func (d *WasmDriver) Init(ctx context.Context) (Information, error) {
	mod, err := d.newInstance(ctx, d.name+"-init")
	if err != nil {
		return Information{}, fmt.Errorf("plugin %s: instantiate for init: %w", d.name, err)
	}
	defer mod.Close(ctx)

	resp, err := d.call(ctx, mod, wireEnvelope{Cmd: cmdInit})
	if err != nil {
		return Information{}, err
	}

	var info Information
	if err := json.Unmarshal(resp.Result, &info); err != nil {
		return Information{}, fmt.Errorf("plugin %s: malformed Init result: %w", d.name, err)
	}
	return info, nil
}

// InitNode implements Driver.
func (d *WasmDriver) InitNode(ctx context.Context, name string, caps NodeCapabilities, controllerAddr string) (NodeHandle, error) {
	mod, err := d.newInstance(ctx, d.name+"-node-"+name)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: instantiate node %s: %w", d.name, name, err)
	}

	params, _ := json.Marshal(struct {
		Capabilities   NodeCapabilities `json:"capabilities"`
		ControllerAddr string           `json:"controller_addr"`
	}{caps, controllerAddr})

	resp, err := d.call(ctx, mod, wireEnvelope{Cmd: cmdInitNode, Node: name, Params: params})
	if err != nil {
		mod.Close(ctx)
		return nil, err
	}
	if resp.Status != "Success" {
		mod.Close(ctx)
		return nil, fmt.Errorf("plugin %s: InitNode(%s) denied: %s", d.name, name, resp.Message)
	}

	return &wasmNodeHandle{driver: d, mod: mod, nodeName: name}, nil
}

// call marshals env, executes the guest's single dispatch entrypoint under
// the epoch deadline, and unmarshals the response envelope.
func (d *WasmDriver) call(ctx context.Context, mod api.Module, env wireEnvelope) (wireResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, d.epoch)
	defer cancel()

	input, err := json.Marshal(env)
	if err != nil {
		return wireResponse{}, fmt.Errorf("plugin %s: marshal request: %w", d.name, err)
	}

	output, err := callJSONFn(ctx, mod, "nimbus_dispatch", input)
	if err != nil {
		return wireResponse{}, fmt.Errorf("plugin %s: %s: %w", d.name, env.Cmd, err)
	}

	var resp wireResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return wireResponse{}, fmt.Errorf("plugin %s: %s: malformed response: %w", d.name, env.Cmd, err)
	}
	if resp.Status == "Error" {
		return resp, fmt.Errorf("plugin %s: %s: %s", d.name, env.Cmd, resp.Message)
	}
	return resp, nil
}

type wasmNodeHandle struct {
	driver   *WasmDriver
	mod      api.Module
	nodeName string
	mu       sync.Mutex
}

func (h *wasmNodeHandle) AllocateAddresses(ctx context.Context, proposal UnitProposal) ([]HostPort, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	params, _ := json.Marshal(proposal)
	resp, err := h.driver.call(ctx, h.mod, wireEnvelope{Cmd: cmdAllocateAddresses, Node: h.nodeName, Params: params})
	if err != nil {
		return nil, err
	}
	var addrs []HostPort
	if err := json.Unmarshal(resp.Result, &addrs); err != nil {
		return nil, fmt.Errorf("plugin %s: malformed AllocateAddresses result: %w", h.driver.name, err)
	}
	return addrs, nil
}

func (h *wasmNodeHandle) FreeAddresses(ctx context.Context, addrs []HostPort) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, err := h.driver.call(ctx, h.mod, wireEnvelope{Cmd: cmdFreeAddresses, Node: h.nodeName, Addrs: addrs})
	return err
}

func (h *wasmNodeHandle) StartServer(ctx context.Context, unit Unit) (ScreenHandle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	resp, err := h.driver.call(ctx, h.mod, wireEnvelope{Cmd: cmdStartServer, Node: h.nodeName, Unit: &unit})
	if err != nil {
		return nil, err
	}
	// The response only confirms the guest accepted the start. The
	// returned handle is fresh and nothing in this package pushes console
	// lines onto it (host_log goes to the controller's log only).
	return newScreenHandle(), nil
}

func (h *wasmNodeHandle) RestartServer(ctx context.Context, unit Unit) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.driver.call(ctx, h.mod, wireEnvelope{Cmd: cmdRestartServer, Node: h.nodeName, Unit: &unit})
	return err
}

func (h *wasmNodeHandle) StopServer(ctx context.Context, unit Unit) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.driver.call(ctx, h.mod, wireEnvelope{Cmd: cmdStopServer, Node: h.nodeName, Unit: &unit})
	return err
}

func (h *wasmNodeHandle) Tick(ctx context.Context) []ScopedError {
	h.mu.Lock()
	defer h.mu.Unlock()

	resp, err := h.driver.call(ctx, h.mod, wireEnvelope{Cmd: cmdTick, Node: h.nodeName})
	if err != nil {
		return []ScopedError{{Unit: "", Err: err}}
	}
	var wireErrs []struct {
		Unit    string `json:"unit"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(resp.Result, &wireErrs); err != nil {
		return nil
	}
	out := make([]ScopedError, 0, len(wireErrs))
	for _, e := range wireErrs {
		out = append(out, ScopedError{Unit: e.Unit, Err: fmt.Errorf("%s", e.Message)})
	}
	return out
}

// callJSONFn handles the shared (ptr,len)-pair memory protocol: allocate
// input in guest memory, call fnName(ptr,len), unpack the (ptr<<32)|len
// result, read and copy it out, then free both buffers.
func callJSONFn(ctx context.Context, mod api.Module, fnName string, input []byte) ([]byte, error) {
	allocFn := mod.ExportedFunction("nimbus_alloc")
	freeFn := mod.ExportedFunction("nimbus_free")
	targetFn := mod.ExportedFunction(fnName)
	if allocFn == nil || freeFn == nil || targetFn == nil {
		return nil, fmt.Errorf("missing export %q (or nimbus_alloc/nimbus_free)", fnName)
	}

	inputSize := uint64(len(input))
	var inputPtr uint64
	if inputSize > 0 {
		res, err := allocFn.Call(ctx, inputSize)
		if err != nil {
			return nil, fmt.Errorf("alloc: %w", err)
		}
		inputPtr = res[0]
		if inputPtr == 0 {
			return nil, fmt.Errorf("alloc returned null")
		}
		if !mod.Memory().Write(uint32(inputPtr), input) {
			freeFn.Call(ctx, inputPtr, inputSize)
			return nil, fmt.Errorf("memory write out of range")
		}
	}

	results, err := targetFn.Call(ctx, inputPtr, inputSize)
	if inputSize > 0 {
		freeFn.Call(ctx, inputPtr, inputSize)
	}
	if err != nil {
		return nil, fmt.Errorf("call: %w", err)
	}

	packed := results[0]
	resultPtr := uint32(packed >> 32)
	resultLen := uint32(packed & 0xFFFFFFFF)
	if resultPtr == 0 || resultLen == 0 {
		return []byte(`{"status":"Error","message":"empty result"}`), nil
	}

	resultBytes, ok := mod.Memory().Read(resultPtr, resultLen)
	if !ok {
		return nil, fmt.Errorf("memory read out of range")
	}
	out := make([]byte, len(resultBytes))
	copy(out, resultBytes)
	freeFn.Call(ctx, uint64(resultPtr), uint64(resultLen))
	return out, nil
}
