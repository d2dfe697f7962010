// Package worker supervises one external compute process per device and
// exchanges line-delimited JSON commands with it.
package worker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"gpupool/internal/device"
	"gpupool/internal/events"
	"gpupool/internal/poolerr"
)

// State is a worker's lifecycle state.
type State string

const (
	StateStarting     State = "starting"
	StateReady        State = "ready"
	StateBusy         State = "busy"
	StateUnresponsive State = "unresponsive"
	StateCrashed      State = "crashed"
	StateStopped      State = "stopped"
)

// Config configures a Coordinator. Zero values take the defaults noted.
type Config struct {
	Spawner  Spawner
	Registry *device.Registry

	HeartbeatInterval time.Duration // 5s
	MissLimit         int           // 3
	GraceMisses       int           // 1
	MessageTimeout    time.Duration // 30s
	StartTimeout      time.Duration // 60s
	RetryAttempts     int           // 3; negative disables respawn
	RetryInterval     time.Duration // 500ms initial backoff
	SpawnDelay        time.Duration
	ParallelSpawn     bool

	Logger    zerolog.Logger
	Publisher events.Publisher
	// OnWorkerLost runs after a worker dies, before any respawn. The VRAM
	// state it held is gone.
	OnWorkerLost func(deviceID string)
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.MissLimit <= 0 {
		c.MissLimit = 3
	}
	if c.GraceMisses <= 0 {
		c.GraceMisses = 1
	}
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = 30 * time.Second
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = 60 * time.Second
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 500 * time.Millisecond
	}
}

// Info is a snapshot of one worker.
type Info struct {
	DeviceID      string    `json:"device_id"`
	State         State     `json:"state"`
	Pid           int       `json:"pid,omitempty"`
	Restarts      int       `json:"restarts"`
	InFlight      int       `json:"in_flight"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

type handle struct {
	deviceID string
	index    int
	slot     chan struct{} // mutating-command slot

	mu        sync.Mutex
	proc      *Process
	state     State
	restarts  int
	startedAt time.Time
	lastErr   string
	stopping  bool
	// respawning is set while watch owns the restart of a crashed worker.
	respawning bool
}

func (h *handle) snapshot() Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	in := Info{DeviceID: h.deviceID, State: h.state, Restarts: h.restarts, StartedAt: h.startedAt, LastError: h.lastErr}
	if h.proc != nil {
		in.Pid = h.proc.Pid()
		in.InFlight = h.proc.InFlight()
		in.LastHeartbeat = h.proc.LastHeartbeat()
		if h.state == StateReady && (in.InFlight > 0 || h.proc.reportingBusy()) {
			in.State = StateBusy
		}
	}
	return in
}

// Coordinator owns the worker processes of all devices.
type Coordinator struct {
	cfg Config
	log zerolog.Logger
	pub events.Publisher

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	workers map[string]*handle
	wg      sync.WaitGroup
}

// New returns a Coordinator. No process is started until Start or StartAll.
func New(cfg Config) *Coordinator {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:     cfg,
		log:     cfg.Logger,
		pub:     events.OrNoop(cfg.Publisher),
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[string]*handle),
	}
}

func (c *Coordinator) handle(deviceID string) (*handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.workers[deviceID]; ok {
		return h, nil
	}
	d, err := c.cfg.Registry.Get(deviceID)
	if err != nil {
		return nil, err
	}
	h := &handle{deviceID: deviceID, index: d.Index, slot: make(chan struct{}, 1), state: StateStopped}
	c.workers[deviceID] = h
	return h, nil
}

func (c *Coordinator) lookup(deviceID string) (*handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.workers[deviceID]
	return h, ok
}

// Start spawns the worker for deviceID and waits until it is ready. Starting
// a live worker is a no-op.
func (c *Coordinator) Start(ctx context.Context, deviceID string) error {
	if c.ctx.Err() != nil {
		return poolerr.New(poolerr.KindUnavailable, "worker.start", "coordinator stopped")
	}
	h, err := c.handle(deviceID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	if h.respawning {
		h.mu.Unlock()
		return nil
	}
	switch h.state {
	case StateStarting, StateReady, StateUnresponsive:
		h.mu.Unlock()
		return nil
	}
	h.stopping = false
	h.state = StateStarting
	h.mu.Unlock()
	return c.spawn(ctx, h)
}

// spawn expects the caller to have moved h to StateStarting.
func (c *Coordinator) spawn(ctx context.Context, h *handle) error {
	log := c.log.With().Str("device", h.deviceID).Logger()
	conn, err := c.cfg.Spawner.Spawn(ctx, h.deviceID, h.index)
	if err != nil {
		c.failStart(h, err)
		return err
	}
	proc := newProcess(h.deviceID, conn, log, nil)
	c.pub.Publish(events.Event{Name: "worker_spawn", DeviceID: h.deviceID, Fields: map[string]any{"pid": conn.Pid()}})
	log.Info().Int("pid", conn.Pid()).Msg("worker: spawned")

	if err := proc.waitReady(ctx, c.cfg.StartTimeout); err != nil {
		_ = conn.Kill()
		<-proc.Done()
		c.failStart(h, err)
		return err
	}

	h.mu.Lock()
	if h.stopping {
		h.mu.Unlock()
		_ = conn.Kill()
		return poolerr.New(poolerr.KindUnavailable, "worker.start", "%s: stopped during start", h.deviceID)
	}
	if _, err := c.cfg.Registry.SetStatus(h.deviceID, device.StatusAvailable); err != nil {
		log.Warn().Err(err).Msg("worker: device status update failed")
	}
	h.proc = proc
	h.state = StateReady
	h.startedAt = time.Now()
	h.lastErr = ""
	h.mu.Unlock()
	c.pub.Publish(events.Event{Name: "worker_ready", DeviceID: h.deviceID, Fields: map[string]any{"pid": conn.Pid()}})
	log.Info().Int("pid", conn.Pid()).Msg("worker: ready")

	c.wg.Add(1)
	go c.watch(h, proc)
	return nil
}

func (c *Coordinator) failStart(h *handle, err error) {
	h.mu.Lock()
	h.state = StateCrashed
	h.lastErr = err.Error()
	h.mu.Unlock()
	c.pub.Publish(events.Event{Name: "worker_start_failed", DeviceID: h.deviceID, Fields: map[string]any{"error": err.Error()}})
	c.log.Warn().Str("device", h.deviceID).Err(err).Msg("worker: start failed")
}

// watch handles the exit of proc.
func (c *Coordinator) watch(h *handle, proc *Process) {
	defer c.wg.Done()
	<-proc.Done()
	h.mu.Lock()
	if h.proc != proc {
		h.mu.Unlock()
		return
	}
	if h.stopping {
		h.state = StateStopped
		h.mu.Unlock()
		return
	}
	h.state = StateCrashed
	h.respawning = true
	if err := proc.Err(); err != nil && h.lastErr == "" {
		h.lastErr = err.Error()
	}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.respawning = false
		h.mu.Unlock()
	}()

	c.log.Error().Str("device", h.deviceID).Err(proc.Err()).Msg("worker: crashed")
	c.pub.Publish(events.Event{Name: "worker_crashed", DeviceID: h.deviceID, Fields: map[string]any{"error": errString(proc.Err())}})
	c.markOffline(h.deviceID)
	if c.cfg.OnWorkerLost != nil {
		c.cfg.OnWorkerLost(h.deviceID)
	}
	c.respawn(h)
}

func (c *Coordinator) markOffline(deviceID string) {
	if _, err := c.cfg.Registry.SetStatus(deviceID, device.StatusOffline); err != nil {
		c.log.Warn().Str("device", deviceID).Err(err).Msg("worker: device status update failed")
	}
}

// respawn restarts a crashed worker with exponential backoff, leaving it
// Stopped when the attempts run out.
func (c *Coordinator) respawn(h *handle) {
	if c.cfg.RetryAttempts < 0 || c.ctx.Err() != nil {
		c.giveUp(h)
		return
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInterval
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	attempt := 0
	op := func() error {
		h.mu.Lock()
		stopping := h.stopping
		if !stopping {
			h.state = StateStarting
		}
		h.mu.Unlock()
		if stopping {
			return backoff.Permanent(poolerr.New(poolerr.KindUnavailable, "worker.respawn", "stopped"))
		}
		attempt++
		c.pub.Publish(events.Event{Name: "worker_respawn", DeviceID: h.deviceID, Fields: map[string]any{"attempt": attempt}})
		return c.spawn(c.ctx, h)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.RetryAttempts-1)), c.ctx)
	// The first attempt runs after one backoff interval.
	select {
	case <-time.After(c.cfg.RetryInterval):
	case <-c.ctx.Done():
		c.giveUp(h)
		return
	}
	if err := backoff.Retry(op, policy); err != nil {
		c.giveUp(h)
		return
	}
	h.mu.Lock()
	h.restarts++
	h.mu.Unlock()
}

func (c *Coordinator) giveUp(h *handle) {
	h.mu.Lock()
	h.state = StateStopped
	h.proc = nil
	h.mu.Unlock()
	c.markOffline(h.deviceID)
	c.pub.Publish(events.Event{Name: "worker_stopped", DeviceID: h.deviceID})
	c.log.Error().Str("device", h.deviceID).Msg("worker: retries exhausted, device offline")
}

// Stop shuts the worker for deviceID down. The device keeps its status.
func (c *Coordinator) Stop(deviceID string) error {
	h, ok := c.lookup(deviceID)
	if !ok {
		return poolerr.NotFound("worker.stop", "no worker for device %q", deviceID)
	}
	h.mu.Lock()
	h.stopping = true
	proc := h.proc
	h.mu.Unlock()
	if proc == nil {
		h.mu.Lock()
		h.state = StateStopped
		h.mu.Unlock()
		return nil
	}
	// Polite shutdown first; the worker may not answer before exiting.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	_, _ = proc.call(ctx, CmdShutdown, nil, time.Second)
	cancel()
	_ = proc.conn.Kill()
	<-proc.Done()
	h.mu.Lock()
	h.state = StateStopped
	h.proc = nil
	h.mu.Unlock()
	c.pub.Publish(events.Event{Name: "worker_stop", DeviceID: deviceID})
	c.log.Info().Str("device", deviceID).Msg("worker: stopped")
	return nil
}

// StartAll starts a worker on every registered device that is not Offline,
// in parallel or one by one with SpawnDelay between spawns. It returns the
// first start error after attempting all devices.
func (c *Coordinator) StartAll(ctx context.Context) error {
	var ids []string
	for _, d := range c.cfg.Registry.List() {
		if d.Status == device.StatusOffline {
			continue
		}
		ids = append(ids, d.ID)
	}
	if c.cfg.ParallelSpawn {
		var g errgroup.Group
		for _, id := range ids {
			id := id
			g.Go(func() error { return c.Start(ctx, id) })
		}
		return g.Wait()
	}
	var first error
	for i, id := range ids {
		if i > 0 && c.cfg.SpawnDelay > 0 {
			select {
			case <-time.After(c.cfg.SpawnDelay):
			case <-ctx.Done():
				return poolerr.Wrap(poolerr.KindTimeout, "worker.start_all", ctx.Err())
			}
		}
		if err := c.Start(ctx, id); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// StopAll stops every worker and ends background supervision.
func (c *Coordinator) StopAll() {
	c.cancel()
	c.mu.Lock()
	ids := make([]string, 0, len(c.workers))
	for id := range c.workers {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = c.Stop(id)
		}(id)
	}
	wg.Wait()
	c.wg.Wait()
}

// Dispatch sends command to the worker on deviceID and waits for its
// response. Mutating commands wait for the device's slot first. A zero
// timeout uses MessageTimeout.
func (c *Coordinator) Dispatch(ctx context.Context, deviceID, command string, payload any, timeout time.Duration) (Result, error) {
	op := "worker." + command
	h, ok := c.lookup(deviceID)
	if !ok {
		if _, err := c.cfg.Registry.Get(deviceID); err != nil {
			return Result{}, err
		}
		return Result{}, poolerr.New(poolerr.KindUnavailable, op, "no worker running on %s", deviceID)
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return Result{}, err
	}
	if timeout <= 0 {
		timeout = c.cfg.MessageTimeout
	}
	if IsMutating(command) {
		select {
		case h.slot <- struct{}{}:
			defer func() { <-h.slot }()
		case <-ctx.Done():
			return Result{}, poolerr.Wrap(poolerr.KindTimeout, op, ctx.Err())
		}
	}
	h.mu.Lock()
	proc, state := h.proc, h.state
	h.mu.Unlock()
	switch {
	case proc == nil || state == StateStopped:
		return Result{}, poolerr.New(poolerr.KindUnavailable, op, "worker on %s is %s", deviceID, state)
	case state == StateCrashed || state == StateStarting:
		return Result{}, poolerr.New(poolerr.KindWorkerCrashed, op, "worker on %s is %s", deviceID, state)
	}
	res, err := proc.call(ctx, command, raw, timeout)
	ev := c.log.Debug()
	if err != nil {
		ev = c.log.Warn().Err(err)
	}
	ev.Str("device", deviceID).Str("command", command).Dur("elapsed", res.Elapsed).Msg("worker: dispatch")
	return res, err
}

// State returns the lifecycle state of deviceID's worker.
func (c *Coordinator) State(deviceID string) (State, error) {
	h, ok := c.lookup(deviceID)
	if !ok {
		if _, err := c.cfg.Registry.Get(deviceID); err != nil {
			return "", err
		}
		return StateStopped, nil
	}
	return h.snapshot().State, nil
}

// Info returns a snapshot of deviceID's worker.
func (c *Coordinator) Info(deviceID string) (Info, error) {
	h, ok := c.lookup(deviceID)
	if !ok {
		if _, err := c.cfg.Registry.Get(deviceID); err != nil {
			return Info{}, err
		}
		return Info{DeviceID: deviceID, State: StateStopped}, nil
	}
	return h.snapshot(), nil
}

// Workers returns snapshots of all known workers ordered by device id.
func (c *Coordinator) Workers() []Info {
	c.mu.Lock()
	hs := make([]*handle, 0, len(c.workers))
	for _, h := range c.workers {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	out := make([]Info, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Run supervises heartbeats until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.ctx.Done():
			return
		case now := <-t.C:
			c.CheckHeartbeats(now)
		}
	}
}

// CheckHeartbeats applies the missed-heartbeat rules as of now.
func (c *Coordinator) CheckHeartbeats(now time.Time) {
	c.mu.Lock()
	hs := make([]*handle, 0, len(c.workers))
	for _, h := range c.workers {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	for _, h := range hs {
		c.checkOne(h, now)
	}
}

func (c *Coordinator) checkOne(h *handle, now time.Time) {
	h.mu.Lock()
	proc, state := h.proc, h.state
	if proc == nil || (state != StateReady && state != StateUnresponsive) {
		h.mu.Unlock()
		return
	}
	misses := int(now.Sub(proc.LastHeartbeat()) / c.cfg.HeartbeatInterval)
	switch {
	case misses >= c.cfg.MissLimit+c.cfg.GraceMisses:
		h.lastErr = "heartbeat lost"
		h.mu.Unlock()
		c.log.Error().Str("device", h.deviceID).Int("missed", misses).Msg("worker: heartbeat lost, killing")
		// watch takes over once the process is gone.
		go func() { _ = proc.conn.Kill() }()
		return
	case misses >= c.cfg.MissLimit && state == StateReady:
		h.state = StateUnresponsive
		h.mu.Unlock()
		c.log.Warn().Str("device", h.deviceID).Int("missed", misses).Msg("worker: unresponsive")
		c.pub.Publish(events.Event{Name: "worker_unresponsive", DeviceID: h.deviceID, Fields: map[string]any{"missed": misses}})
		if _, err := c.cfg.Registry.SetStatus(h.deviceID, device.StatusBusy); err != nil {
			c.log.Warn().Str("device", h.deviceID).Err(err).Msg("worker: device status update failed")
		}
		return
	case misses < c.cfg.MissLimit && state == StateUnresponsive:
		h.state = StateReady
		h.mu.Unlock()
		c.log.Info().Str("device", h.deviceID).Msg("worker: recovered")
		c.pub.Publish(events.Event{Name: "worker_recovered", DeviceID: h.deviceID})
		if _, err := c.cfg.Registry.SetStatus(h.deviceID, device.StatusAvailable); err != nil {
			c.log.Warn().Str("device", h.deviceID).Err(err).Msg("worker: device status update failed")
		}
		return
	}
	h.mu.Unlock()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
