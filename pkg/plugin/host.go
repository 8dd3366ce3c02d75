package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/nimbus/pkg/log"
	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// instantiateHostModule wires the capabilities §4.1 exports to guest
// plugins: a logger, an HTTP client, a process builder, and file access
// scoped to fsRoot/<plugin-name>. Every function follows the same
// (ptr,len)-in / packed-(ptr<<32|len)-out JSON protocol used for the
// guest-facing nimbus_dispatch entrypoint in wasm.go, so a single
// memory-marshaling helper serves both directions.
func instantiateHostModule(ctx context.Context, r wazero.Runtime, pluginName, fsRoot string) error {
	logger := log.WithComponent("plugin-host").With().Str("plugin", pluginName).Logger()
	sandboxDir := filepath.Join(fsRoot, pluginName)
	if err := os.MkdirAll(filepath.Join(sandboxDir, "configs"), 0o755); err != nil {
		return fmt.Errorf("create plugin sandbox configs dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(sandboxDir, "data"), 0o755); err != nil {
		return fmt.Errorf("create plugin sandbox data dir: %w", err)
	}

	h := &hostCapabilities{logger: logger, sandboxDir: sandboxDir}

	_, err := r.NewHostModuleBuilder("nimbus_host").
		NewFunctionBuilder().WithFunc(h.hostLog).Export("host_log").
		NewFunctionBuilder().WithFunc(h.hostHTTPRequest).Export("host_http_request").
		NewFunctionBuilder().WithFunc(h.hostProcessSpawn).Export("host_process_spawn").
		NewFunctionBuilder().WithFunc(h.hostReadFile).Export("host_read_file").
		NewFunctionBuilder().WithFunc(h.hostWriteFile).Export("host_write_file").
		Instantiate(ctx)
	return err
}

type hostCapabilities struct {
	logger     zerolog.Logger
	sandboxDir string
}

func readGuestJSON(ctx context.Context, mod api.Module, ptr, size uint32) ([]byte, bool) {
	if size == 0 {
		return nil, true
	}
	return mod.Memory().Read(ptr, size)
}

func writeHostResult(ctx context.Context, mod api.Module, v any) uint64 {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(`{"status":"Error","message":"host: marshal failure"}`)
	}
	return packIntoGuest(ctx, mod, data)
}

// packIntoGuest allocates space in the guest via its exported nimbus_alloc
// and writes data there, returning the (ptr<<32)|len pair expected by
// callJSONFn's unpacking on the Go side of a *guest*-initiated call. Host
// functions return this same encoding so the guest's wrapper code (plugin
// SDK) can share one unpacking routine with the host's own calls.
func packIntoGuest(ctx context.Context, mod api.Module, data []byte) uint64 {
	allocFn := mod.ExportedFunction("nimbus_alloc")
	if allocFn == nil {
		return 0
	}
	res, err := allocFn.Call(ctx, uint64(len(data)))
	if err != nil || res[0] == 0 {
		return 0
	}
	ptr := uint32(res[0])
	if !mod.Memory().Write(ptr, data) {
		return 0
	}
	return (uint64(ptr) << 32) | uint64(len(data))
}

func (h *hostCapabilities) hostLog(ctx context.Context, mod api.Module, level uint32, ptr, size uint32) {
	data, ok := readGuestJSON(ctx, mod, ptr, size)
	if !ok {
		return
	}
	msg := string(data)
	switch level {
	case 0:
		h.logger.Debug().Msg(msg)
	case 1:
		h.logger.Info().Msg(msg)
	case 2:
		h.logger.Warn().Msg(msg)
	default:
		h.logger.Error().Msg(msg)
	}
}

type httpRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body,omitempty"`
}

type httpResponse struct {
	Code    int               `json:"code"`
	Reason  string            `json:"reason"`
	Headers map[string]string `json:"headers"`
	Bytes   []byte            `json:"bytes,omitempty"`
}

func (h *hostCapabilities) hostHTTPRequest(ctx context.Context, mod api.Module, ptr, size uint32) uint64 {
	data, ok := readGuestJSON(ctx, mod, ptr, size)
	if !ok {
		return 0
	}
	var req httpRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return writeHostResult(ctx, mod, httpResponse{Code: 0, Reason: "bad request: " + err.Error()})
	}

	client := &http.Client{Timeout: 10 * time.Second}
	httpReq, err := http.NewRequestWithContext(ctx, strings.ToUpper(req.Method), req.URL, nil)
	if err != nil {
		return writeHostResult(ctx, mod, httpResponse{Code: 0, Reason: err.Error()})
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return writeHostResult(ctx, mod, httpResponse{Code: 0, Reason: err.Error()})
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return writeHostResult(ctx, mod, httpResponse{
		Code:    resp.StatusCode,
		Reason:  resp.Status,
		Headers: headers,
		Bytes:   body,
	})
}

type processSpawnRequest struct {
	Cmd  string            `json:"cmd"`
	Args []string          `json:"args"`
	Env  map[string]string `json:"env"`
	Dir  string            `json:"dir"`
}

type processSpawnResponse struct {
	Pid     int    `json:"pid,omitempty"`
	Started bool   `json:"started"`
	Error   string `json:"error,omitempty"`
}

// hostProcessSpawn starts a detached process rooted under the plugin's
// sandboxed data directory. The driver is responsible for its own
// wait/kill bookkeeping via subsequent calls (not modeled over this
// boundary beyond launch, matching §4.1's process-builder capability).
func (h *hostCapabilities) hostProcessSpawn(ctx context.Context, mod api.Module, ptr, size uint32) uint64 {
	data, ok := readGuestJSON(ctx, mod, ptr, size)
	if !ok {
		return 0
	}
	var req processSpawnRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return writeHostResult(ctx, mod, processSpawnResponse{Error: err.Error()})
	}

	dir := filepath.Join(h.sandboxDir, "data")
	if req.Dir != "" {
		dir = filepath.Join(dir, filepath.Clean("/"+req.Dir))
	}

	cmd := exec.Command(req.Cmd, req.Args...)
	cmd.Dir = dir
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if err := cmd.Start(); err != nil {
		return writeHostResult(ctx, mod, processSpawnResponse{Error: err.Error()})
	}
	return writeHostResult(ctx, mod, processSpawnResponse{Pid: cmd.Process.Pid, Started: true})
}

type fileRequest struct {
	Path string `json:"path"`
	Data []byte `json:"data,omitempty"`
}

type fileResponse struct {
	Data  []byte `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func (h *hostCapabilities) resolveScoped(path string) (string, error) {
	clean := filepath.Clean("/" + path)
	full := filepath.Join(h.sandboxDir, clean)
	if !strings.HasPrefix(full, h.sandboxDir) {
		return "", fmt.Errorf("path escapes sandbox: %s", path)
	}
	return full, nil
}

func (h *hostCapabilities) hostReadFile(ctx context.Context, mod api.Module, ptr, size uint32) uint64 {
	data, ok := readGuestJSON(ctx, mod, ptr, size)
	if !ok {
		return 0
	}
	var req fileRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return writeHostResult(ctx, mod, fileResponse{Error: err.Error()})
	}
	full, err := h.resolveScoped(req.Path)
	if err != nil {
		return writeHostResult(ctx, mod, fileResponse{Error: err.Error()})
	}
	contents, err := os.ReadFile(full)
	if err != nil {
		return writeHostResult(ctx, mod, fileResponse{Error: err.Error()})
	}
	return writeHostResult(ctx, mod, fileResponse{Data: contents})
}

func (h *hostCapabilities) hostWriteFile(ctx context.Context, mod api.Module, ptr, size uint32) uint64 {
	data, ok := readGuestJSON(ctx, mod, ptr, size)
	if !ok {
		return 0
	}
	var req fileRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return writeHostResult(ctx, mod, fileResponse{Error: err.Error()})
	}
	full, err := h.resolveScoped(req.Path)
	if err != nil {
		return writeHostResult(ctx, mod, fileResponse{Error: err.Error()})
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return writeHostResult(ctx, mod, fileResponse{Error: err.Error()})
	}
	if err := os.WriteFile(full, req.Data, 0o644); err != nil {
		return writeHostResult(ctx, mod, fileResponse{Error: err.Error()})
	}
	return writeHostResult(ctx, mod, fileResponse{})
}
