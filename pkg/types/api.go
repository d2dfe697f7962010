package types

import "encoding/json"

// Response is the envelope every endpoint without a richer body returns.
type Response struct {
	// Whether the operation succeeded.
	// example: true
	Success bool `json:"success" example:"true"`
	// Human-readable outcome.
	// example: model sdxl-base loaded on cuda:0
	Message string `json:"message,omitempty" example:"model sdxl-base loaded on cuda:0"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Always false.
	Success bool `json:"success"`
	// Error message.
	// example: device cuda:9 not found
	Error string `json:"error" example:"device cuda:9 not found"`
	// Error kind from the pool taxonomy.
	// example: not_found
	Kind string `json:"kind,omitempty" example:"not_found"`
	// HTTP status code.
	// example: 404
	Code int `json:"code" example:"404"`
}

// ComponentStatus is one component of a resident model.
type ComponentStatus struct {
	Kind    string `json:"kind"`
	CacheID string `json:"cache_id,omitempty"`
	Bytes   int64  `json:"bytes"`
}

// ResidentStatus describes the model a device holds in VRAM.
type ResidentStatus struct {
	ModelID    string            `json:"model_id"`
	Components []ComponentStatus `json:"components"`
	Bytes      int64             `json:"bytes"`
	// example: 1700000000
	LoadedAt int64 `json:"loaded_at_unix"`
	Ready    bool  `json:"ready"`
}

// WorkerStatus describes the worker process bound to a device.
type WorkerStatus struct {
	// Lifecycle state (starting, ready, busy, unresponsive, crashed, stopped).
	// example: ready
	State         string `json:"state" example:"ready"`
	PID           int    `json:"pid,omitempty"`
	Restarts      int    `json:"restarts"`
	InFlight      int    `json:"in_flight"`
	LastHeartbeat int64  `json:"last_heartbeat_unix,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

// HealthStatus is the latest telemetry sample of a device.
type HealthStatus struct {
	UtilizationPct float64 `json:"utilization_pct"`
	TemperatureC   float64 `json:"temperature_c"`
	PowerW         float64 `json:"power_w"`
	SampledAt      int64   `json:"sampled_at_unix"`
}

// DeviceStatus is returned by GET /devices/{id}.
type DeviceStatus struct {
	// example: cuda:0
	ID    string `json:"id" example:"cuda:0"`
	Index int    `json:"index"`
	// example: NVIDIA GeForce RTX 4090
	Name           string `json:"name" example:"NVIDIA GeForce RTX 4090"`
	Vendor         string `json:"vendor,omitempty"`
	DriverVersion  string `json:"driver_version,omitempty"`
	TotalBytes     int64  `json:"total_bytes"`
	UsedBytes      int64  `json:"used_bytes"`
	AvailableBytes int64  `json:"available_bytes"`
	// example: available
	Status   string          `json:"status" example:"available"`
	Resident *ResidentStatus `json:"resident,omitempty"`
	Worker   *WorkerStatus   `json:"worker,omitempty"`
	Health   *HealthStatus   `json:"health,omitempty"`
}

// CacheStats summarizes the RAM model cache.
type CacheStats struct {
	TotalBytes    int64  `json:"total_bytes"`
	CapacityBytes int64  `json:"capacity_bytes"`
	PinnedBytes   int64  `json:"pinned_bytes"`
	EntryCount    int    `json:"entry_count"`
	ModelCount    int    `json:"model_count"`
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Evictions     uint64 `json:"evictions"`
}

// CacheEntry is one cached model component.
type CacheEntry struct {
	CacheID      string `json:"cache_id"`
	ModelID      string `json:"model_id"`
	Kind         string `json:"kind"`
	Path         string `json:"path"`
	SizeBytes    int64  `json:"size_bytes"`
	Checksum     string `json:"checksum"`
	LastAccessed int64  `json:"last_accessed_unix"`
	AccessCount  int64  `json:"access_count"`
	RefCount     int32  `json:"ref_count"`
}

// CacheStatus is returned by GET /cache/status.
type CacheStatus struct {
	Success bool         `json:"success"`
	Stats   CacheStats   `json:"stats"`
	Entries []CacheEntry `json:"entries"`
}

// PoolStatus is returned by GET /pool/status.
type PoolStatus struct {
	Success bool           `json:"success"`
	Devices []DeviceStatus `json:"devices"`
	// example: 4
	DeviceCount    int        `json:"device_count" example:"4"`
	AvailableCount int        `json:"available_count"`
	Cache          CacheStats `json:"cache"`
	Models         []Model    `json:"models"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds  int64 `json:"uptime_seconds" example:"3600"`
	ServerTimeUnix int64 `json:"server_time_unix"`
	// Overall state: ready when at least one device can take work.
	// example: ready
	State string `json:"state" example:"ready"`
}

// DeviceMemory is the VRAM accounting of one device.
type DeviceMemory struct {
	ID             string  `json:"id"`
	TotalBytes     int64   `json:"total_bytes"`
	UsedBytes      int64   `json:"used_bytes"`
	AvailableBytes int64   `json:"available_bytes"`
	ResidentBytes  int64   `json:"resident_bytes"`
	AllocatedBytes int64   `json:"allocated_bytes"`
	UsedRatio      float64 `json:"used_ratio"`
}

// MemoryStats is returned by GET /memory.
type MemoryStats struct {
	Success bool           `json:"success"`
	Devices []DeviceMemory `json:"devices"`
	Cache   CacheStats     `json:"cache"`
	// Sum over all devices.
	TotalBytes int64 `json:"total_bytes"`
	UsedBytes  int64 `json:"used_bytes"`
}

// LoadRequest is the body of POST /devices/{id}/load.
type LoadRequest struct {
	// example: sdxl-base
	Model string `json:"model" example:"sdxl-base"`
	// Require the model to be in the RAM cache already.
	FromCache bool `json:"from_cache,omitempty"`
}

// ComponentRequest names one component for POST /cache/load.
type ComponentRequest struct {
	// example: base
	Kind string `json:"kind" example:"base"`
	// Path relative to the model directory, or absolute.
	// example: sdxl-base/unet/diffusion_pytorch_model.safetensors
	Path string `json:"path"`
}

// CacheLoadRequest is the body of POST /cache/load. Components are
// discovered from the model directory when omitted.
type CacheLoadRequest struct {
	Model      string             `json:"model"`
	Components []ComponentRequest `json:"components,omitempty"`
}

// InferRequest represents an image-generation request.
type InferRequest struct {
	// Model to run. Required.
	// example: sdxl-base
	Model string `json:"model" example:"sdxl-base"`
	// Model family used for placement when the model is not yet known (sdxl, sd15, refiner).
	// example: sdxl
	Kind string `json:"kind,omitempty" example:"sdxl"`
	// example: a lighthouse at dusk, oil painting
	Prompt         string `json:"prompt" example:"a lighthouse at dusk, oil painting"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	// example: 1024
	Width int `json:"width,omitempty" example:"1024"`
	// example: 1024
	Height int `json:"height,omitempty" example:"1024"`
	// example: 30
	Steps int `json:"steps,omitempty" example:"30"`
	// example: 7.5
	GuidanceScale float64 `json:"guidance_scale,omitempty" example:"7.5"`
	// Random seed for reproducibility; 0 lets the worker choose.
	Seed      int64  `json:"seed,omitempty"`
	NumImages int    `json:"num_images,omitempty"`
	OutputDir string `json:"output_dir,omitempty"`
}

// InferResponse is returned by the inference endpoints.
type InferResponse struct {
	Success    bool            `json:"success"`
	DeviceID   string          `json:"device_id"`
	ModelID    string          `json:"model_id"`
	Result     json.RawMessage `json:"result,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

// BatchRequest is the body of the /batch endpoints. An empty device list
// targets every device in the pool.
type BatchRequest struct {
	// example: ["cuda:0","cuda:1"]
	Devices []string `json:"devices,omitempty"`
	// Model for batch load.
	Model string `json:"model,omitempty"`
	// FromCache requires the model to be in the RAM cache already.
	FromCache bool `json:"from_cache,omitempty"`
	// Inference parameters for batch inference.
	Inference *InferRequest `json:"inference,omitempty"`
}

// TargetResult is the outcome of one device inside a batch job.
type TargetResult struct {
	DeviceID   string `json:"device_id"`
	Success    bool   `json:"success"`
	Message    string `json:"message,omitempty"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Data       any    `json:"data,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// JobResponse is returned by the batch and job endpoints.
type JobResponse struct {
	// True only when every target succeeded.
	Success bool `json:"success"`
	// example: 5b0c1a8e-3f3e-4c39-9d7f-5c1f0b3d2a11
	JobID string `json:"job_id"`
	// example: load
	Kind string `json:"kind" example:"load"`
	// example: partially_failed
	Status       string         `json:"status" example:"partially_failed"`
	Results      []TargetResult `json:"results"`
	SuccessCount int            `json:"success_count"`
	FailureCount int            `json:"failure_count"`
	Total        int            `json:"total"`
	CreatedAt    int64          `json:"created_at_unix"`
	FinishedAt   int64          `json:"finished_at_unix,omitempty"`
}

// AllocateRequest is the body of POST /devices/{id}/allocations.
type AllocateRequest struct {
	SizeBytes int64  `json:"size_bytes"`
	Tag       string `json:"tag,omitempty"`
}

// AllocationStatus describes a VRAM allocation.
type AllocationStatus struct {
	ID        string `json:"id"`
	DeviceID  string `json:"device_id"`
	SizeBytes int64  `json:"size_bytes"`
	Tag       string `json:"tag,omitempty"`
	Active    bool   `json:"active"`
	CreatedAt int64  `json:"created_at_unix"`
}

// CleanupResponse is returned by POST /devices/{id}/cleanup.
type CleanupResponse struct {
	Success    bool   `json:"success"`
	DeviceID   string `json:"device_id"`
	FreedBytes int64  `json:"freed_bytes"`
}

// EventInfo is one entry of GET /events.
type EventInfo struct {
	Name     string         `json:"name"`
	DeviceID string         `json:"device_id,omitempty"`
	ModelID  string         `json:"model_id,omitempty"`
	Time     int64          `json:"time_unix"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// DevicesResponse is returned by GET /devices.
type DevicesResponse struct {
	Success bool           `json:"success"`
	Devices []DeviceStatus `json:"devices"`
}

// DeviceResponse carries one device after an operation on it.
type DeviceResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message,omitempty"`
	Device  DeviceStatus `json:"device"`
}

// BestDeviceResponse is returned by GET /pool/best.
type BestDeviceResponse struct {
	Success  bool   `json:"success"`
	Model    string `json:"model"`
	Kind     string `json:"kind,omitempty"`
	DeviceID string `json:"device_id"`
}

// ModelDevicesResponse is returned by GET /pool/models/{model}/devices.
type ModelDevicesResponse struct {
	Success bool     `json:"success"`
	Model   string   `json:"model"`
	Devices []string `json:"devices"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	Success bool    `json:"success"`
	Models  []Model `json:"models"`
}

// CacheLoadResponse is returned by POST /cache/load.
type CacheLoadResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message,omitempty"`
	Entries []CacheEntry `json:"entries"`
}

// JobsResponse is returned by GET /jobs.
type JobsResponse struct {
	Success bool          `json:"success"`
	Jobs    []JobResponse `json:"jobs"`
}

// AllocationsResponse is returned by GET /devices/{id}/allocations.
type AllocationsResponse struct {
	Success     bool               `json:"success"`
	Allocations []AllocationStatus `json:"allocations"`
}

// AllocationResponse is returned by POST /devices/{id}/allocations.
type AllocationResponse struct {
	Success    bool             `json:"success"`
	Allocation AllocationStatus `json:"allocation"`
}

// EventsResponse is returned by GET /events.
type EventsResponse struct {
	Success bool        `json:"success"`
	Events  []EventInfo `json:"events"`
}
