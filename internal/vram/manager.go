// Package vram tracks which model each device holds in video memory and
// drives promote (RAM to VRAM) and evict through the device's worker.
package vram

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gpupool/internal/cache"
	"gpupool/internal/device"
	"gpupool/internal/events"
	"gpupool/internal/poolerr"
	"gpupool/internal/worker"
)

// KindWorkspace labels the fixed per-model VRAM overhead in a residency.
const KindWorkspace = "workspace"

// DefaultOverhead is the workspace reserved on top of the component sizes.
const DefaultOverhead = int64(256 << 20)

// Dispatcher sends commands to device workers.
type Dispatcher interface {
	Dispatch(ctx context.Context, deviceID, command string, payload any, timeout time.Duration) (worker.Result, error)
}

// ModelCache is the part of the RAM cache promote needs.
type ModelCache interface {
	Load(ctx context.Context, modelID string, specs []cache.ComponentSpec) ([]cache.Entry, error)
	Acquire(modelID string) ([]cache.Entry, error)
	Release(modelID string) error
}

// Config configures a Manager.
type Config struct {
	Registry *device.Registry
	Cache    ModelCache
	Workers  Dispatcher
	// Overhead is added to the component sizes; 0 uses DefaultOverhead, < 0 none.
	Overhead int64
	// Specs resolves the components of a model; nil lets the cache discover them.
	Specs         func(modelID string) []cache.ComponentSpec
	LoadTimeout   time.Duration // 0 uses the coordinator's message timeout
	DefragTimeout time.Duration
	Logger        zerolog.Logger
	Publisher     events.Publisher
}

// Manager serializes residency changes per device.
type Manager struct {
	cfg Config
	log zerolog.Logger
	pub events.Publisher

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

func New(cfg Config) *Manager {
	if cfg.Overhead == 0 {
		cfg.Overhead = DefaultOverhead
	}
	if cfg.Overhead < 0 {
		cfg.Overhead = 0
	}
	return &Manager{cfg: cfg, log: cfg.Logger, pub: events.OrNoop(cfg.Publisher), locks: make(map[string]*sync.RWMutex)}
}

func (m *Manager) deviceLock(deviceID string) *sync.RWMutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[deviceID]
	if !ok {
		l = &sync.RWMutex{}
		m.locks[deviceID] = l
	}
	return l
}

// lock excludes every other residency change and every Use on deviceID.
func (m *Manager) lock(deviceID string) func() {
	l := m.deviceLock(deviceID)
	l.Lock()
	return l.Unlock
}

// Required returns the VRAM bytes needed to hold entries.
func (m *Manager) Required(entries []cache.Entry) int64 {
	n := m.cfg.Overhead
	for _, e := range entries {
		n += e.Size
	}
	return n
}

// Query returns the residency of deviceID.
func (m *Manager) Query(deviceID string) (*device.ResidentModel, bool) {
	d, err := m.cfg.Registry.Get(deviceID)
	if err != nil || d.Resident == nil {
		return nil, false
	}
	return d.Resident, true
}

// Promote makes modelID resident on deviceID, evicting whatever the device
// held before. Holding the model already is a no-op.
func (m *Manager) Promote(ctx context.Context, deviceID, modelID string) (device.ResidentModel, error) {
	const op = "vram.promote"
	if modelID == "" {
		return device.ResidentModel{}, poolerr.InvalidRequest(op, "model id is required")
	}
	unlock := m.lock(deviceID)
	defer unlock()

	d, err := m.cfg.Registry.Get(deviceID)
	if err != nil {
		return device.ResidentModel{}, err
	}
	if d.Status == device.StatusOffline || d.Status == device.StatusError {
		return device.ResidentModel{}, poolerr.New(poolerr.KindUnavailable, op, "device %s is %s", deviceID, d.Status)
	}
	if d.Holds(modelID) && d.Resident.Ready {
		return d.Resident.Clone(), nil
	}

	entries, err := m.pin(ctx, modelID)
	if err != nil {
		return device.ResidentModel{}, err
	}
	pinned := true
	defer func() {
		if pinned {
			if err := m.cfg.Cache.Release(modelID); err != nil {
				m.log.Error().Err(err).Str("model", modelID).Msg("vram: release after failed promote")
			}
		}
	}()

	need := m.Required(entries)
	var residentBytes int64
	if d.Resident != nil {
		residentBytes = d.Resident.Bytes()
	}
	if need > d.AvailableBytes()+residentBytes {
		return device.ResidentModel{}, poolerr.New(poolerr.KindInsufficientMemory, op,
			"%s needs %d bytes, %s can free at most %d", modelID, need, deviceID, d.AvailableBytes()+residentBytes)
	}
	if d.Resident != nil {
		if err := m.evictLocked(ctx, d); err != nil {
			return device.ResidentModel{}, err
		}
		if d, err = m.cfg.Registry.Get(deviceID); err != nil {
			return device.ResidentModel{}, err
		}
	}
	if need > d.AvailableBytes() {
		m.defragLocked(ctx, deviceID)
	}

	payload := loadPayload(modelID, entries)
	if _, err := m.cfg.Workers.Dispatch(ctx, deviceID, worker.CmdLoad, payload, m.cfg.LoadTimeout); err != nil {
		if !poolerr.IsInsufficientMemory(err) {
			return device.ResidentModel{}, err
		}
		m.log.Warn().Str("device", deviceID).Str("model", modelID).Msg("vram: worker out of memory, defragmenting and retrying")
		m.defragLocked(ctx, deviceID)
		if _, err := m.cfg.Workers.Dispatch(ctx, deviceID, worker.CmdLoad, payload, m.cfg.LoadTimeout); err != nil {
			return device.ResidentModel{}, err
		}
	}

	rm := device.ResidentModel{DeviceID: deviceID, ModelID: modelID, LoadedAt: time.Now(), Ready: true}
	for _, e := range entries {
		rm.Components = append(rm.Components, device.ResidentComponent{Kind: e.Kind, CacheID: e.ID, Bytes: e.Size})
	}
	if m.cfg.Overhead > 0 {
		rm.Components = append(rm.Components, device.ResidentComponent{Kind: KindWorkspace, Bytes: m.cfg.Overhead})
	}
	if _, err := m.cfg.Registry.SetResidency(deviceID, &rm); err != nil {
		// Registry rejected it (allocations grew meanwhile); undo on the worker.
		if _, uerr := m.cfg.Workers.Dispatch(context.Background(), deviceID, worker.CmdUnload, nil, m.cfg.LoadTimeout); uerr != nil {
			m.log.Error().Err(uerr).Str("device", deviceID).Msg("vram: unload after rejected residency")
		}
		return device.ResidentModel{}, err
	}
	pinned = false
	m.log.Info().Str("device", deviceID).Str("model", modelID).Int64("bytes", rm.Bytes()).Msg("vram: promoted")
	m.pub.Publish(events.Event{Name: "model_promoted", DeviceID: deviceID, ModelID: modelID, Fields: map[string]any{"bytes": rm.Bytes()}})
	return rm, nil
}

// useAttempts bounds how often Use promotes before giving up on a device
// whose residency keeps changing.
const useAttempts = 3

// Use runs fn while deviceID holds modelID, promoting it first when needed.
// Residency cannot change until fn returns; concurrent Use calls for the
// resident model run side by side.
func (m *Manager) Use(ctx context.Context, deviceID, modelID string, fn func(ctx context.Context) error) error {
	const op = "vram.use"
	if modelID == "" {
		return poolerr.InvalidRequest(op, "model id is required")
	}
	l := m.deviceLock(deviceID)
	for attempt := 0; attempt < useAttempts; attempt++ {
		l.RLock()
		d, err := m.cfg.Registry.Get(deviceID)
		if err != nil {
			l.RUnlock()
			return err
		}
		if d.Holds(modelID) && d.Resident.Ready {
			err := fn(ctx)
			l.RUnlock()
			return err
		}
		l.RUnlock()
		if _, err := m.Promote(ctx, deviceID, modelID); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return poolerr.Wrap(poolerr.KindTimeout, op, err)
		}
	}
	return poolerr.New(poolerr.KindConflict, op, "%s on %s was replaced %d times before use", modelID, deviceID, useAttempts)
}

// pin loads modelID into the cache and takes a reference on it. An eviction
// racing between load and acquire triggers one reload.
func (m *Manager) pin(ctx context.Context, modelID string) ([]cache.Entry, error) {
	var specs []cache.ComponentSpec
	if m.cfg.Specs != nil {
		specs = m.cfg.Specs(modelID)
	}
	for attempt := 0; ; attempt++ {
		if _, err := m.cfg.Cache.Load(ctx, modelID, specs); err != nil {
			return nil, err
		}
		entries, err := m.cfg.Cache.Acquire(modelID)
		if err == nil {
			return entries, nil
		}
		if !poolerr.IsNotFound(err) || attempt > 0 {
			return nil, err
		}
	}
}

func loadPayload(modelID string, entries []cache.Entry) worker.LoadPayload {
	p := worker.LoadPayload{ModelID: modelID}
	for _, e := range entries {
		p.Components = append(p.Components, worker.ComponentRef{Kind: e.Kind, CacheID: e.ID, Path: e.Path, Bytes: e.Size})
	}
	return p
}

// Evict unloads whatever deviceID holds. Evicting an empty device is a no-op.
func (m *Manager) Evict(ctx context.Context, deviceID string) error {
	unlock := m.lock(deviceID)
	defer unlock()
	d, err := m.cfg.Registry.Get(deviceID)
	if err != nil {
		return err
	}
	if d.Resident == nil {
		return nil
	}
	return m.evictLocked(ctx, d)
}

func (m *Manager) evictLocked(ctx context.Context, d device.Device) error {
	modelID := d.Resident.ModelID
	if _, err := m.cfg.Workers.Dispatch(ctx, d.ID, worker.CmdUnload, map[string]string{"model_id": modelID}, m.cfg.LoadTimeout); err != nil {
		return err
	}
	m.clear(d.ID, modelID, "model_evicted")
	return nil
}

// clear drops the residency record and the cache references behind it.
func (m *Manager) clear(deviceID, modelID, event string) {
	if _, err := m.cfg.Registry.SetResidency(deviceID, nil); err != nil {
		m.log.Error().Err(err).Str("device", deviceID).Msg("vram: clear residency")
	}
	if err := m.cfg.Cache.Release(modelID); err != nil && !poolerr.IsNotFound(err) {
		m.log.Error().Err(err).Str("model", modelID).Msg("vram: release cache references")
	}
	m.log.Info().Str("device", deviceID).Str("model", modelID).Msg("vram: " + event)
	m.pub.Publish(events.Event{Name: event, DeviceID: deviceID, ModelID: modelID})
}

// Forget clears the residency of a device whose worker died; nothing is
// sent to the worker.
func (m *Manager) Forget(deviceID string) {
	unlock := m.lock(deviceID)
	defer unlock()
	d, err := m.cfg.Registry.Get(deviceID)
	if err != nil || d.Resident == nil {
		return
	}
	m.clear(deviceID, d.Resident.ModelID, "residency_lost")
}

// Defragment asks the worker to compact device memory and returns the bytes
// it reports freed.
func (m *Manager) Defragment(ctx context.Context, deviceID string) (int64, error) {
	unlock := m.lock(deviceID)
	defer unlock()
	return m.memoryCommand(ctx, deviceID, worker.CmdDefrag)
}

// Cleanup asks the worker to release caches and scratch buffers. Residency
// is kept.
func (m *Manager) Cleanup(ctx context.Context, deviceID string) (int64, error) {
	unlock := m.lock(deviceID)
	defer unlock()
	return m.memoryCommand(ctx, deviceID, worker.CmdCleanup)
}

func (m *Manager) memoryCommand(ctx context.Context, deviceID, command string) (int64, error) {
	if _, err := m.cfg.Registry.Get(deviceID); err != nil {
		return 0, err
	}
	res, err := m.cfg.Workers.Dispatch(ctx, deviceID, command, nil, m.cfg.DefragTimeout)
	if err != nil {
		return 0, err
	}
	var mem worker.MemoryResult
	if err := res.Decode(&mem); err != nil {
		return 0, err
	}
	m.pub.Publish(events.Event{Name: "device_" + command, DeviceID: deviceID, Fields: map[string]any{"freed_bytes": mem.FreedBytes}})
	return mem.FreedBytes, nil
}

// defragLocked is the best-effort defragmentation inside promote.
func (m *Manager) defragLocked(ctx context.Context, deviceID string) {
	if _, err := m.memoryCommand(ctx, deviceID, worker.CmdDefrag); err != nil {
		m.log.Warn().Err(err).Str("device", deviceID).Msg("vram: defragment failed")
	}
}

// CheckInvariants verifies residency accounting against the registry and
// returns the first violation.
func (m *Manager) CheckInvariants() error {
	for _, d := range m.cfg.Registry.List() {
		if d.UsedBytes > d.TotalBytes {
			return poolerr.New(poolerr.KindInvariant, "vram.check", "%s uses %d of %d bytes", d.ID, d.UsedBytes, d.TotalBytes)
		}
		if d.Resident != nil && d.Resident.DeviceID != "" && d.Resident.DeviceID != d.ID {
			return poolerr.New(poolerr.KindInvariant, "vram.check", "%s holds residency recorded for %s", d.ID, d.Resident.DeviceID)
		}
	}
	return nil
}
