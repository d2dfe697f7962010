package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"gpupool/internal/batch"
	"gpupool/internal/cache"
	"gpupool/internal/common/fsutil"
	"gpupool/internal/config"
	"gpupool/internal/device"
	"gpupool/internal/events"
	"gpupool/internal/registry"
	"gpupool/internal/scheduler"
	"gpupool/internal/vram"
	"gpupool/internal/worker"
	"gpupool/pkg/types"
)

// Options carries the configuration and the replaceable collaborators of a
// Pool. Nil collaborators get production defaults derived from Config.
type Options struct {
	Config config.Config

	// Enumerator defaults to the configured static devices, or nvidia-smi.
	Enumerator device.Enumerator
	// Spawner defaults to an ExecSpawner running worker_command.
	Spawner worker.Spawner
	// Storage defaults to model_dir on local disk.
	Storage cache.Storage
	// Registerer receives the pool metrics; nil keeps them private.
	Registerer prometheus.Registerer

	Logger    zerolog.Logger
	Publisher events.Publisher
	// EventBuffer is the number of recent events kept for /events.
	EventBuffer int
}

// Pool wires the device registry, RAM cache, worker coordinator, VRAM
// manager, scheduler and batch orchestrator behind one management surface.
type Pool struct {
	cfg config.Config
	log zerolog.Logger

	reg     *device.Registry
	cache   *cache.Cache
	workers *worker.Coordinator
	vram    *vram.Manager
	sched   *scheduler.Scheduler
	jobs    *batch.Orchestrator

	ring     *events.Ring
	pub      events.Publisher
	metrics  *metrics
	dispatch vram.Dispatcher

	mu     sync.RWMutex
	models []types.Model

	cron      *cron.Cron
	runCancel context.CancelFunc
	bg        sync.WaitGroup
	closeOnce sync.Once
	started   time.Time
}

// New enumerates devices and builds a Pool. Workers are not started until
// Start.
func New(ctx context.Context, opts Options) (*Pool, error) {
	cfg := opts.Config
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	log := opts.Logger
	if dir, err := fsutil.ExpandHome(cfg.ModelDir); err == nil {
		cfg.ModelDir = dir
	}

	devs, err := Enumerate(ctx, cfg, opts.Enumerator)
	if err != nil {
		return nil, err
	}
	if len(devs) == 0 {
		log.Warn().Ints("device_list", cfg.DeviceList).Msg("pool: no devices found")
	}

	p := &Pool{cfg: cfg, log: log, started: time.Now()}
	p.ring = events.NewRing(opts.EventBuffer, opts.Publisher)

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	p.metrics = newMetrics(reg, p)
	p.pub = observe{m: p.metrics, next: p.ring}

	p.reg = device.NewRegistry(devs, log.With().Str("component", "registry").Logger())

	storage := opts.Storage
	if storage == nil {
		storage = cache.DirStorage{Root: cfg.ModelDir}
	}
	p.cache = cache.New(cache.Config{
		CapacityBytes: cfg.CacheBytes(),
		Storage:       storage,
		Logger:        log.With().Str("component", "cache").Logger(),
		EvictHook:     func(cache.Entry) { p.metrics.cacheEvict.Inc() },
	})

	spawner := opts.Spawner
	if spawner == nil {
		spawner = worker.ExecSpawner{
			Command: cfg.WorkerCommand,
			Env:     append(append([]string(nil), cfg.WorkerEnv...), "GPUPOOL_MODEL_DIR="+cfg.ModelDir, "GPUPOOL_OUTPUT_DIR="+cfg.OutputDir),
		}
	}
	p.workers = worker.New(worker.Config{
		Spawner:           spawner,
		Registry:          p.reg,
		HeartbeatInterval: cfg.HeartbeatIntervalDur(),
		MissLimit:         cfg.HeartbeatMissLimit,
		GraceMisses:       cfg.HeartbeatGraceMisses,
		MessageTimeout:    cfg.MessageTimeoutDur(),
		StartTimeout:      cfg.WorkerTimeoutDur(),
		RetryAttempts:     cfg.RetryAttempts,
		SpawnDelay:        cfg.WorkerSpawnDelayDur(),
		ParallelSpawn:     cfg.ParallelWorkerSpawn,
		Logger:            log.With().Str("component", "worker").Logger(),
		Publisher:         p.pub,
		OnWorkerLost:      p.workerLost,
	})
	p.dispatch = timedDispatcher{next: p.workers, m: p.metrics}

	p.vram = vram.New(vram.Config{
		Registry:  p.reg,
		Cache:     p.cache,
		Workers:   p.dispatch,
		Logger:    log.With().Str("component", "vram").Logger(),
		Publisher: p.pub,
	})
	p.sched = scheduler.New(p.reg, p.cachedSize)
	p.jobs = batch.New(batch.Config{
		Runner:      batch.RunnerFunc(p.runSub),
		BatchSize:   cfg.BatchSize,
		TaskTimeout: cfg.TaskTimeoutDur(),
		Retention:   cfg.JobRetentionDur(),
		Logger:      log.With().Str("component", "batch").Logger(),
		Publisher:   p.pub,
	})

	p.rescanModels()
	return p, nil
}

// Enumerate lists the devices the pool would manage under cfg.
func Enumerate(ctx context.Context, cfg config.Config, e device.Enumerator) ([]device.Device, error) {
	if e == nil {
		if len(cfg.StaticDevices) > 0 {
			e = staticDevices(cfg.StaticDevices)
		} else {
			e = device.SMIEnumerator{Bin: cfg.NvidiaSMI, Indices: cfg.DeviceList}
		}
	}
	devs, err := e.Enumerate(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	return device.FilterIndices(devs, cfg.DeviceList), nil
}

func staticDevices(in []config.StaticDevice) device.StaticEnumerator {
	out := make(device.StaticEnumerator, 0, len(in))
	for _, s := range in {
		name := s.Name
		if name == "" {
			name = "static"
		}
		out = append(out, device.Device{
			ID:         device.DeviceID(s.Index),
			Index:      s.Index,
			Name:       name,
			TotalBytes: int64(s.TotalGB * float64(1<<30)),
		})
	}
	return out
}

// workerLost drops the state a dead worker took with it: its residency and
// the allocations the driver reclaimed.
func (p *Pool) workerLost(deviceID string) {
	p.vram.Forget(deviceID)
	if n := p.reg.ReleaseDevice(deviceID); n > 0 {
		p.log.Warn().Str("device", deviceID).Int("allocations", n).Msg("pool: released allocations of lost worker")
	}
}

// cachedSize feeds the scheduler the exact VRAM need of cached models.
func (p *Pool) cachedSize(modelID string) (int64, bool) {
	entries, ok := p.cache.Get(modelID)
	if !ok {
		return 0, false
	}
	return p.vram.Required(entries), true
}

// Start launches workers (when auto_start_workers is set), the heartbeat
// monitor, the scheduled maintenance jobs and the model directory watcher.
func (p *Pool) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	p.runCancel = cancel

	if _, err := fsutil.EnsureDir(p.cfg.OutputDir); err != nil {
		p.log.Warn().Err(err).Str("dir", p.cfg.OutputDir).Msg("pool: output dir")
	}
	if *p.cfg.AutoStartWorkers {
		if err := p.workers.StartAll(ctx); err != nil {
			// Failed devices are Offline; the pool serves the rest.
			p.log.Error().Err(err).Msg("pool: some workers failed to start")
		}
	}

	p.bg.Add(2)
	go func() {
		defer p.bg.Done()
		p.workers.Run(runCtx)
	}()
	changes, unsubscribe := p.reg.Subscribe(64)
	go func() {
		defer p.bg.Done()
		defer unsubscribe()
		p.followDevices(runCtx, changes)
	}()

	if err := p.startCron(); err != nil {
		cancel()
		return err
	}
	if p.cfg.WatchModelDir {
		p.bg.Add(1)
		go func() {
			defer p.bg.Done()
			w := &registry.Watcher{
				Dir:      p.cfg.ModelDir,
				OnChange: p.setModels,
				Logger:   p.log.With().Str("component", "registry").Logger(),
			}
			if err := w.Run(runCtx); err != nil {
				p.log.Warn().Err(err).Msg("pool: model dir watcher stopped")
			}
		}()
	}
	p.log.Info().Int("devices", p.reg.Len()).Int64("cache_bytes", p.cfg.CacheBytes()).Msg("pool: started")
	return nil
}

// followDevices logs device status transitions and republishes them.
func (p *Pool) followDevices(ctx context.Context, changes <-chan device.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			if c.OldStatus == c.Device.Status {
				continue
			}
			p.log.Info().Str("device", c.DeviceID).Str("from", string(c.OldStatus)).Str("to", string(c.Device.Status)).Msg("pool: device status")
			p.pub.Publish(events.Event{Name: "device_status", DeviceID: c.DeviceID, Fields: map[string]any{"from": string(c.OldStatus), "to": string(c.Device.Status)}})
		}
	}
}

// Close stops background work, jobs and workers. It is safe to call more
// than once.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		if p.cron != nil {
			<-p.cron.Stop().Done()
		}
		if p.runCancel != nil {
			p.runCancel()
		}
		p.jobs.Close()
		p.workers.StopAll()
		p.bg.Wait()
		p.log.Info().Msg("pool: closed")
	})
}

// Ready reports whether at least one device can take work.
func (p *Pool) Ready() bool {
	for _, d := range p.reg.List() {
		if d.Status != device.StatusAvailable {
			continue
		}
		if st, err := p.workers.State(d.ID); err == nil && (st == worker.StateReady || st == worker.StateBusy) {
			return true
		}
	}
	return false
}

// Models returns the models found under model_dir.
func (p *Pool) Models() []types.Model {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]types.Model, len(p.models))
	copy(out, p.models)
	return out
}

func (p *Pool) setModels(ms []types.Model) {
	p.mu.Lock()
	p.models = ms
	p.mu.Unlock()
	p.pub.Publish(events.Event{Name: "models_changed", Fields: map[string]any{"count": len(ms)}})
}

func (p *Pool) rescanModels() {
	ms, err := registry.LoadDir(p.cfg.ModelDir)
	if err != nil {
		p.log.Warn().Err(err).Str("dir", p.cfg.ModelDir).Msg("pool: model dir scan")
		return
	}
	p.mu.Lock()
	p.models = ms
	p.mu.Unlock()
}

// Events returns recently published lifecycle events, oldest first.
func (p *Pool) Events() []events.Event { return p.ring.Recent() }

// Registry exposes the device registry for read-only callers.
func (p *Pool) Registry() *device.Registry { return p.reg }
