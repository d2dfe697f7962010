package pool

import (
	"context"
	"strings"
	"time"

	"gpupool/internal/cache"
	"gpupool/internal/device"
	"gpupool/internal/poolerr"
	"gpupool/internal/registry"
	"gpupool/internal/worker"
	"gpupool/pkg/types"
)

// FindBestDevice picks the device for modelID. An empty kind is inferred
// from the model directory or the model name.
func (p *Pool) FindBestDevice(modelID, kind string) (string, error) {
	return p.sched.FindBestDevice(modelID, p.kindOf(modelID, kind))
}

// DevicesWithModel lists the devices holding modelID in VRAM.
func (p *Pool) DevicesWithModel(modelID string) []string {
	return p.sched.DevicesWithModel(modelID)
}

func (p *Pool) kindOf(modelID, kind string) string {
	if kind != "" {
		return kind
	}
	if m, ok := registry.Find(p.Models(), modelID); ok && m.Kind != "" {
		return m.Kind
	}
	return registry.InferKind(modelID)
}

// LoadModel makes modelID resident on deviceID. With fromCache the model
// must already be in the RAM cache; otherwise it is read from model_dir
// as needed.
func (p *Pool) LoadModel(ctx context.Context, deviceID, modelID string, fromCache bool) (device.ResidentModel, error) {
	const op = "pool.load"
	if modelID == "" {
		return device.ResidentModel{}, poolerr.InvalidRequest(op, "model is required")
	}
	if _, err := p.reg.Get(deviceID); err != nil {
		return device.ResidentModel{}, err
	}
	if fromCache && !p.cache.Contains(modelID) {
		return device.ResidentModel{}, poolerr.NotFound(op, "model %s is not in the RAM cache", modelID)
	}
	return p.vram.Promote(ctx, deviceID, modelID)
}

// UnloadModel evicts whatever deviceID holds.
func (p *Pool) UnloadModel(ctx context.Context, deviceID string) error {
	return p.vram.Evict(ctx, deviceID)
}

// inferPayload is the payload of the infer command.
type inferPayload struct {
	ModelID string `json:"model_id"`
	types.InferRequest
}

// RunInference runs req on deviceID, or on the best device when deviceID is
// empty. The model is promoted first unless the device already holds it,
// and stays resident until the worker answers.
func (p *Pool) RunInference(ctx context.Context, deviceID string, req types.InferRequest) (types.InferResponse, error) {
	const op = "pool.infer"
	if req.Model == "" {
		return types.InferResponse{}, poolerr.InvalidRequest(op, "model is required")
	}
	if req.Width < 0 || req.Height < 0 || req.Steps < 0 || req.NumImages < 0 {
		return types.InferResponse{}, poolerr.InvalidRequest(op, "width, height, steps and num_images must not be negative")
	}
	if deviceID == "" {
		id, err := p.FindBestDevice(req.Model, req.Kind)
		if err != nil {
			return types.InferResponse{}, err
		}
		deviceID = id
	}
	if req.OutputDir == "" {
		req.OutputDir = p.cfg.OutputDir
	}
	start := time.Now()
	var res worker.Result
	err := p.vram.Use(ctx, deviceID, req.Model, func(ctx context.Context) error {
		var err error
		res, err = p.dispatch.Dispatch(ctx, deviceID, worker.CmdInfer, inferPayload{ModelID: req.Model, InferRequest: req}, p.cfg.TaskTimeoutDur())
		return err
	})
	if err != nil {
		return types.InferResponse{}, err
	}
	return types.InferResponse{
		Success:    true,
		DeviceID:   deviceID,
		ModelID:    req.Model,
		Result:     res.Data,
		DurationMS: time.Since(start).Milliseconds(),
	}, nil
}

// CleanupDevice asks the worker on deviceID to free scratch memory and
// returns the bytes it reports freed.
func (p *Pool) CleanupDevice(ctx context.Context, deviceID string) (int64, error) {
	return p.vram.Cleanup(ctx, deviceID)
}

// CacheLoad reads modelID into the RAM cache. Components are discovered
// when none are given.
func (p *Pool) CacheLoad(ctx context.Context, modelID string, components []types.ComponentRequest) ([]cache.Entry, error) {
	const op = "pool.cache_load"
	if strings.TrimSpace(modelID) == "" {
		return nil, poolerr.InvalidRequest(op, "model is required")
	}
	specs := make([]cache.ComponentSpec, 0, len(components))
	for _, c := range components {
		if c.Path == "" {
			return nil, poolerr.InvalidRequest(op, "component %q has no path", c.Kind)
		}
		kind := c.Kind
		if kind == "" {
			kind = cache.KindBase
		}
		specs = append(specs, cache.ComponentSpec{Kind: kind, Path: c.Path})
	}
	return p.cache.Load(ctx, modelID, specs)
}

// CacheRemove drops modelID from the RAM cache. Models resident on a device
// are in use and cannot be removed.
func (p *Pool) CacheRemove(modelID string) error {
	return p.cache.Remove(modelID)
}

// Allocate records a VRAM allocation outside of model residency.
func (p *Pool) Allocate(deviceID string, size int64, tag string) (device.Allocation, error) {
	return p.reg.Allocate(deviceID, size, tag)
}

// Deallocate releases an allocation. Releasing twice is an invariant violation.
func (p *Pool) Deallocate(id string) error {
	return p.reg.Deallocate(id)
}

// Allocations lists the allocations recorded for deviceID.
func (p *Pool) Allocations(deviceID string) ([]device.Allocation, error) {
	if _, err := p.reg.Get(deviceID); err != nil {
		return nil, err
	}
	return p.reg.Allocations(deviceID), nil
}

// Postprocess is not provided by this pool.
func (p *Pool) Postprocess(context.Context) error {
	return poolerr.New(poolerr.KindNotImplemented, "pool.postprocess", "postprocessing is not implemented")
}

// Training is not provided by this pool.
func (p *Pool) Training(context.Context) error {
	return poolerr.New(poolerr.KindNotImplemented, "pool.training", "training is not implemented")
}
