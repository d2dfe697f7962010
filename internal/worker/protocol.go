package worker

import (
	"encoding/json"
	"fmt"
	"strings"

	"gpupool/internal/poolerr"
)

// Commands understood by workers.
const (
	CmdLoad     = "load"
	CmdUnload   = "unload"
	CmdInfer    = "infer"
	CmdStatus   = "status"
	CmdDefrag   = "defrag"
	CmdCleanup  = "cleanup"
	CmdCancel   = "cancel"
	CmdShutdown = "shutdown"
)

// IsMutating reports whether cmd changes the device's model residency or
// memory layout. Mutating commands are serialized per device.
func IsMutating(cmd string) bool {
	switch cmd {
	case CmdLoad, CmdUnload, CmdDefrag, CmdCleanup:
		return true
	}
	return false
}

// Request is one line written to the worker's stdin.
type Request struct {
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WireError is the error object of a failed response.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response is one line read from the worker's stdout answering a Request.
type Response struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

// Heartbeat is an unsolicited liveness message. Memory fields are optional.
type Heartbeat struct {
	Type       string `json:"type"`
	Status     string `json:"status"`
	UsedBytes  int64  `json:"used_bytes,omitempty"`
	TotalBytes int64  `json:"total_bytes,omitempty"`
}

// Heartbeat statuses.
const (
	BeatReady = "ready"
	BeatBusy  = "busy"
)

// inbound decodes either a Response or a Heartbeat.
type inbound struct {
	Type       string          `json:"type,omitempty"`
	Status     string          `json:"status,omitempty"`
	UsedBytes  int64           `json:"used_bytes,omitempty"`
	TotalBytes int64           `json:"total_bytes,omitempty"`
	ID         string          `json:"id,omitempty"`
	OK         bool            `json:"ok"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *WireError      `json:"error,omitempty"`
}

func (in inbound) isHeartbeat() bool { return in.Type == "heartbeat" }

func (in inbound) heartbeat() Heartbeat {
	return Heartbeat{Type: in.Type, Status: in.Status, UsedBytes: in.UsedBytes, TotalBytes: in.TotalBytes}
}

func (in inbound) response() Response {
	return Response{ID: in.ID, OK: in.OK, Result: in.Result, Error: in.Error}
}

// Wire error codes with a specific pool error kind.
var codeKinds = map[string]poolerr.Kind{
	"oom":                 poolerr.KindInsufficientMemory,
	"out_of_memory":       poolerr.KindInsufficientMemory,
	"insufficient_memory": poolerr.KindInsufficientMemory,
	"not_found":           poolerr.KindNotFound,
	"invalid_request":     poolerr.KindInvalidRequest,
	"invalid":             poolerr.KindInvalidRequest,
	"not_implemented":     poolerr.KindNotImplemented,
	"timeout":             poolerr.KindTimeout,
	"cancelled":           poolerr.KindTimeout,
	"busy":                poolerr.KindUnavailable,
}

// responseError converts a failed response into a pool error.
func responseError(deviceID, command string, r Response) error {
	code, msg := "worker_error", "worker reported failure"
	if r.Error != nil {
		if r.Error.Code != "" {
			code = r.Error.Code
		}
		if r.Error.Message != "" {
			msg = r.Error.Message
		}
	}
	kind, ok := codeKinds[strings.ToLower(code)]
	if !ok {
		kind = poolerr.KindWorker
	}
	return &poolerr.Error{Kind: kind, Op: "worker." + command, Msg: fmt.Sprintf("%s: %s: %s", deviceID, code, msg)}
}

// encodePayload marshals v unless it is already raw JSON.
func encodePayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, poolerr.Wrap(poolerr.KindInvalidRequest, "worker.encode", err)
	}
	return b, nil
}

// ComponentRef names one cached component in a load payload.
type ComponentRef struct {
	Kind    string `json:"kind"`
	CacheID string `json:"cache_id"`
	Path    string `json:"path,omitempty"`
	Bytes   int64  `json:"bytes"`
}

// LoadPayload is the payload of a load command.
type LoadPayload struct {
	ModelID    string         `json:"model_id"`
	Components []ComponentRef `json:"components"`
}

// MemoryResult is the result of load, unload, defrag and cleanup when the
// worker reports device memory.
type MemoryResult struct {
	UsedBytes  int64 `json:"used_bytes,omitempty"`
	TotalBytes int64 `json:"total_bytes,omitempty"`
	FreedBytes int64 `json:"freed_bytes,omitempty"`
}

// StatusResult is the result of a status command.
type StatusResult struct {
	State          string  `json:"state"`
	ModelID        string  `json:"model_id,omitempty"`
	UsedBytes      int64   `json:"used_bytes,omitempty"`
	TotalBytes     int64   `json:"total_bytes,omitempty"`
	UtilizationPct float64 `json:"utilization_pct,omitempty"`
	TemperatureC   float64 `json:"temperature_c,omitempty"`
	PowerW         float64 `json:"power_w,omitempty"`
}
