package pool

import (
	"sort"
	"time"

	"gpupool/internal/batch"
	"gpupool/internal/cache"
	"gpupool/internal/device"
	"gpupool/internal/events"
	"gpupool/internal/worker"
	"gpupool/pkg/types"
)

// Status builds the pool-wide report for /pool/status.
func (p *Pool) Status() types.PoolStatus {
	devs := p.reg.List()
	resp := types.PoolStatus{
		Success:        true,
		Devices:        make([]types.DeviceStatus, 0, len(devs)),
		DeviceCount:    len(devs),
		Cache:          cacheStats(p.cache.Stats()),
		Models:         p.Models(),
		UptimeSeconds:  int64(time.Since(p.started).Seconds()),
		ServerTimeUnix: time.Now().Unix(),
		State:          "degraded",
	}
	for _, d := range devs {
		if d.Status == device.StatusAvailable {
			resp.AvailableCount++
		}
		resp.Devices = append(resp.Devices, p.deviceStatus(d))
	}
	if p.Ready() {
		resp.State = "ready"
	}
	return resp
}

// DeviceStatus reports a single device.
func (p *Pool) DeviceStatus(id string) (types.DeviceStatus, error) {
	d, err := p.reg.Get(id)
	if err != nil {
		return types.DeviceStatus{}, err
	}
	return p.deviceStatus(d), nil
}

// Devices reports every device.
func (p *Pool) Devices() []types.DeviceStatus {
	devs := p.reg.List()
	out := make([]types.DeviceStatus, 0, len(devs))
	for _, d := range devs {
		out = append(out, p.deviceStatus(d))
	}
	return out
}

func (p *Pool) deviceStatus(d device.Device) types.DeviceStatus {
	s := types.DeviceStatus{
		ID:             d.ID,
		Index:          d.Index,
		Name:           d.Name,
		Vendor:         d.Vendor,
		DriverVersion:  d.DriverVersion,
		TotalBytes:     d.TotalBytes,
		UsedBytes:      d.UsedBytes,
		AvailableBytes: d.AvailableBytes(),
		Status:         string(d.Status),
	}
	if rm := d.Resident; rm != nil {
		r := &types.ResidentStatus{ModelID: rm.ModelID, Bytes: rm.Bytes(), LoadedAt: rm.LoadedAt.Unix(), Ready: rm.Ready}
		for _, c := range rm.Components {
			r.Components = append(r.Components, types.ComponentStatus{Kind: c.Kind, CacheID: c.CacheID, Bytes: c.Bytes})
		}
		s.Resident = r
	}
	if info, err := p.workers.Info(d.ID); err == nil {
		s.Worker = workerStatus(info)
	}
	if !d.LastHealth.IsZero() {
		s.Health = &types.HealthStatus{
			UtilizationPct: d.Health.UtilizationPct,
			TemperatureC:   d.Health.TemperatureC,
			PowerW:         d.Health.PowerW,
			SampledAt:      d.LastHealth.Unix(),
		}
	}
	return s
}

func workerStatus(info worker.Info) *types.WorkerStatus {
	w := &types.WorkerStatus{
		State:     string(info.State),
		PID:       info.Pid,
		Restarts:  info.Restarts,
		InFlight:  info.InFlight,
		LastError: info.LastError,
	}
	if !info.LastHeartbeat.IsZero() {
		w.LastHeartbeat = info.LastHeartbeat.Unix()
	}
	return w
}

// CacheStatus reports the RAM cache and its entries, most recently used first.
func (p *Pool) CacheStatus() types.CacheStatus {
	entries := p.cache.Entries()
	sort.Slice(entries, func(i, j int) bool { return entries[i].LastAccessed.After(entries[j].LastAccessed) })
	resp := types.CacheStatus{Success: true, Stats: cacheStats(p.cache.Stats()), Entries: make([]types.CacheEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, cacheEntry(e))
	}
	return resp
}

// MemoryStats reports VRAM accounting per device plus the RAM cache.
func (p *Pool) MemoryStats() types.MemoryStats {
	resp := types.MemoryStats{Success: true, Cache: cacheStats(p.cache.Stats())}
	for _, d := range p.reg.List() {
		m := types.DeviceMemory{
			ID:             d.ID,
			TotalBytes:     d.TotalBytes,
			UsedBytes:      d.UsedBytes,
			AvailableBytes: d.AvailableBytes(),
			UsedRatio:      d.UsedRatio(),
		}
		if d.Resident != nil {
			m.ResidentBytes = d.Resident.Bytes()
		}
		for _, a := range p.reg.Allocations(d.ID) {
			if a.Active {
				m.AllocatedBytes += a.Size
			}
		}
		resp.TotalBytes += d.TotalBytes
		resp.UsedBytes += d.UsedBytes
		resp.Devices = append(resp.Devices, m)
	}
	return resp
}

func cacheStats(s cache.Stats) types.CacheStats {
	return types.CacheStats{
		TotalBytes:    s.TotalBytes,
		CapacityBytes: s.CapacityBytes,
		PinnedBytes:   s.PinnedBytes,
		EntryCount:    s.EntryCount,
		ModelCount:    s.ModelCount,
		Hits:          s.Hits,
		Misses:        s.Misses,
		Evictions:     s.Evictions,
	}
}

func cacheEntry(e cache.Entry) types.CacheEntry {
	return types.CacheEntry{
		CacheID:      e.ID,
		ModelID:      e.ModelID,
		Kind:         e.Kind,
		Path:         e.Path,
		SizeBytes:    e.Size,
		Checksum:     e.Checksum,
		LastAccessed: e.LastAccessed.Unix(),
		AccessCount:  e.AccessCount,
		RefCount:     e.RefCount,
	}
}

// CacheEntries converts cache entries for API responses.
func CacheEntries(es []cache.Entry) []types.CacheEntry {
	out := make([]types.CacheEntry, 0, len(es))
	for _, e := range es {
		out = append(out, cacheEntry(e))
	}
	return out
}

// JobReport converts a job into its per-target API form. Targets keep
// submission order.
func JobReport(j batch.Job) types.JobResponse {
	resp := types.JobResponse{
		JobID:     j.ID,
		Kind:      string(j.Kind),
		Status:    string(j.Status),
		Total:     len(j.Targets),
		Results:   make([]types.TargetResult, 0, len(j.Targets)),
		CreatedAt: j.CreatedAt.Unix(),
	}
	if !j.FinishedAt.IsZero() {
		resp.FinishedAt = j.FinishedAt.Unix()
	}
	for _, t := range j.Targets {
		r := j.SubResults[t]
		resp.Results = append(resp.Results, types.TargetResult{
			DeviceID:   t,
			Success:    r.Success,
			Message:    r.Message,
			ErrorKind:  r.ErrorKind,
			Data:       r.Data,
			DurationMS: r.Duration.Milliseconds(),
		})
		if r.Success {
			resp.SuccessCount++
		} else if !r.Finished.IsZero() {
			resp.FailureCount++
		}
	}
	resp.Success = j.Status == batch.StatusCompleted
	return resp
}

// AllocationReport converts an allocation for API responses.
func AllocationReport(a device.Allocation) types.AllocationStatus {
	return types.AllocationStatus{
		ID:        a.ID,
		DeviceID:  a.DeviceID,
		SizeBytes: a.Size,
		Tag:       a.Tag,
		Active:    a.Active,
		CreatedAt: a.CreatedAt.Unix(),
	}
}

// EventReport converts events for API responses.
func EventReport(es []events.Event) []types.EventInfo {
	out := make([]types.EventInfo, 0, len(es))
	for _, e := range es {
		out = append(out, types.EventInfo{Name: e.Name, DeviceID: e.DeviceID, ModelID: e.ModelID, Time: e.Time.Unix(), Fields: e.Fields})
	}
	return out
}
