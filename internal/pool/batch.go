package pool

import (
	"context"

	"gpupool/internal/batch"
	"gpupool/internal/poolerr"
	"gpupool/pkg/types"
)

// Job parameter keys.
const (
	paramModel     = "model_id"
	paramFromCache = "from_cache"
	paramRequest   = "request"
)

// runSub executes one device's share of a batch job.
func (p *Pool) runSub(ctx context.Context, kind batch.Kind, target string, params map[string]any) (any, error) {
	switch kind {
	case batch.KindLoad:
		model, _ := params[paramModel].(string)
		fromCache, _ := params[paramFromCache].(bool)
		rm, err := p.LoadModel(ctx, target, model, fromCache)
		if err != nil {
			return nil, err
		}
		return map[string]any{"model_id": rm.ModelID, "bytes": rm.Bytes()}, nil
	case batch.KindUnload:
		return nil, p.UnloadModel(ctx, target)
	case batch.KindCleanup:
		freed, err := p.CleanupDevice(ctx, target)
		if err != nil {
			return nil, err
		}
		return map[string]any{"freed_bytes": freed}, nil
	case batch.KindInference:
		req, ok := params[paramRequest].(types.InferRequest)
		if !ok {
			return nil, poolerr.InvalidRequest("pool.batch", "inference job without a request")
		}
		resp, err := p.RunInference(ctx, target, req)
		if err != nil {
			return nil, err
		}
		return resp.Result, nil
	}
	return nil, poolerr.InvalidRequest("pool.batch", "unknown job kind %q", kind)
}

// targets defaults an empty device list to every device in the pool.
func (p *Pool) targets(devices []string) []string {
	if len(devices) > 0 {
		return devices
	}
	out := make([]string, 0, p.reg.Len())
	for _, d := range p.reg.List() {
		out = append(out, d.ID)
	}
	return out
}

// BatchLoad loads modelID on each device concurrently.
func (p *Pool) BatchLoad(devices []string, modelID string, fromCache bool) (string, error) {
	if modelID == "" {
		return "", poolerr.InvalidRequest("pool.batch_load", "model is required")
	}
	return p.jobs.Submit(batch.KindLoad, p.targets(devices), map[string]any{paramModel: modelID, paramFromCache: fromCache})
}

// BatchUnload evicts the resident model of each device.
func (p *Pool) BatchUnload(devices []string) (string, error) {
	return p.jobs.Submit(batch.KindUnload, p.targets(devices), nil)
}

// BatchCleanup runs CleanupDevice on each device.
func (p *Pool) BatchCleanup(devices []string) (string, error) {
	return p.jobs.Submit(batch.KindCleanup, p.targets(devices), nil)
}

// BatchInference runs the same request on each device.
func (p *Pool) BatchInference(devices []string, req types.InferRequest) (string, error) {
	if req.Model == "" {
		return "", poolerr.InvalidRequest("pool.batch_infer", "model is required")
	}
	return p.jobs.Submit(batch.KindInference, p.targets(devices), map[string]any{paramModel: req.Model, paramRequest: req})
}

// Job returns a snapshot of job id.
func (p *Pool) Job(id string) (batch.Job, error) { return p.jobs.Status(id) }

// WaitJob blocks until job id is terminal or ctx ends.
func (p *Pool) WaitJob(ctx context.Context, id string) (batch.Job, error) {
	return p.jobs.Wait(ctx, id)
}

// CancelJob marks job id cancelled. In-flight sub-operations are asked to
// stop but may still complete on their worker.
func (p *Pool) CancelJob(id string) (batch.Job, error) { return p.jobs.Cancel(id) }

// Jobs lists retained jobs, oldest first.
func (p *Pool) Jobs() []batch.Job { return p.jobs.List() }
