package worker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpupool/internal/device"
	"gpupool/internal/events"
	"gpupool/internal/poolerr"
	"gpupool/internal/worker"
	"gpupool/internal/worker/workertest"
)

const gib = int64(1 << 30)

type fixture struct {
	reg   *device.Registry
	sp    *workertest.Spawner
	pub   *events.MemoryPublisher
	coord *worker.Coordinator
	lost  chan string
}

func newFixture(t *testing.T, sp *workertest.Spawner, mutate func(*worker.Config)) *fixture {
	t.Helper()
	reg := device.NewRegistry([]device.Device{
		{ID: "cuda:0", Index: 0, TotalBytes: 24 * gib},
		{ID: "cuda:1", Index: 1, TotalBytes: 8 * gib},
	}, zerolog.Nop())
	f := &fixture{reg: reg, sp: sp, pub: events.NewMemoryPublisher(), lost: make(chan string, 16)}
	cfg := worker.Config{
		Spawner:           sp,
		Registry:          reg,
		HeartbeatInterval: 50 * time.Millisecond,
		MessageTimeout:    2 * time.Second,
		StartTimeout:      2 * time.Second,
		RetryInterval:     5 * time.Millisecond,
		Logger:            zerolog.Nop(),
		Publisher:         f.pub,
		OnWorkerLost:      func(id string) { f.lost <- id },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.coord = worker.New(cfg)
	t.Cleanup(f.coord.StopAll)
	return f
}

func TestStartAndDispatch(t *testing.T) {
	f := newFixture(t, &workertest.Spawner{}, nil)
	ctx := context.Background()
	require.NoError(t, f.coord.Start(ctx, "cuda:0"))
	require.NoError(t, f.coord.Start(ctx, "cuda:0"), "starting a live worker is a no-op")
	assert.Equal(t, 1, f.sp.Spawns("cuda:0"))

	st, err := f.coord.State("cuda:0")
	require.NoError(t, err)
	assert.Equal(t, worker.StateReady, st)

	res, err := f.coord.Dispatch(ctx, "cuda:0", worker.CmdLoad, worker.LoadPayload{
		ModelID:    "sdxl",
		Components: []worker.ComponentRef{{Kind: "base", CacheID: "c1", Bytes: 5 * gib}},
	}, 0)
	require.NoError(t, err)
	var mem worker.MemoryResult
	require.NoError(t, res.Decode(&mem))
	assert.Equal(t, 5*gib, mem.UsedBytes)
	assert.Equal(t, "sdxl", f.sp.Latest("cuda:0").Model())

	_, err = f.coord.Dispatch(ctx, "cuda:1", worker.CmdStatus, nil, 0)
	assert.True(t, poolerr.IsUnavailable(err), "no worker on cuda:1: %v", err)
	_, err = f.coord.Dispatch(ctx, "cuda:9", worker.CmdStatus, nil, 0)
	assert.True(t, poolerr.IsNotFound(err))
	assert.True(t, f.pub.Has("worker_ready", "cuda:0"))
}

func TestWorkerErrorCodesMapToKinds(t *testing.T) {
	sp := &workertest.Spawner{Handler: func(f *workertest.Fake, req worker.Request) worker.Response {
		switch req.Command {
		case worker.CmdLoad:
			return workertest.Fail(req, "oom", "CUDA out of memory")
		case worker.CmdInfer:
			return workertest.Fail(req, "nan_output", "black image")
		}
		return workertest.DefaultHandler(f, req)
	}}
	f := newFixture(t, sp, nil)
	ctx := context.Background()
	require.NoError(t, f.coord.Start(ctx, "cuda:0"))

	_, err := f.coord.Dispatch(ctx, "cuda:0", worker.CmdLoad, worker.LoadPayload{ModelID: "m"}, 0)
	assert.True(t, poolerr.IsInsufficientMemory(err), "got %v", err)
	_, err = f.coord.Dispatch(ctx, "cuda:0", worker.CmdInfer, nil, 0)
	assert.True(t, poolerr.IsWorker(err), "got %v", err)
	assert.Contains(t, err.Error(), "black image")
}

func TestTimeoutLeavesWorkerAlive(t *testing.T) {
	sp := &workertest.Spawner{Handler: func(f *workertest.Fake, req worker.Request) worker.Response {
		if req.Command == worker.CmdInfer {
			return worker.Response{} // never answers
		}
		return workertest.DefaultHandler(f, req)
	}}
	f := newFixture(t, sp, nil)
	ctx := context.Background()
	require.NoError(t, f.coord.Start(ctx, "cuda:0"))

	_, err := f.coord.Dispatch(ctx, "cuda:0", worker.CmdInfer, map[string]any{"prompt": "x"}, 30*time.Millisecond)
	assert.True(t, poolerr.IsTimeout(err), "got %v", err)

	st, _ := f.coord.State("cuda:0")
	assert.Equal(t, worker.StateReady, st)
	_, err = f.coord.Dispatch(ctx, "cuda:0", worker.CmdStatus, nil, 0)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		for _, c := range f.sp.Latest("cuda:0").Commands() {
			if c == worker.CmdCancel {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "timed-out command gets a cancel")
}

func TestMutatingCommandsAreSerialized(t *testing.T) {
	var cur, peak atomic.Int32
	release := make(chan struct{})
	sp := &workertest.Spawner{Handler: func(f *workertest.Fake, req worker.Request) worker.Response {
		if req.Command == worker.CmdLoad {
			n := cur.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			cur.Add(-1)
		}
		return workertest.DefaultHandler(f, req)
	}}
	f := newFixture(t, sp, nil)
	ctx := context.Background()
	require.NoError(t, f.coord.Start(ctx, "cuda:0"))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.coord.Dispatch(ctx, "cuda:0", worker.CmdLoad, worker.LoadPayload{ModelID: "m"}, 0)
			assert.NoError(t, err)
		}()
	}
	// A read-only status query is answered while a load is in flight.
	require.Eventually(t, func() bool { return cur.Load() == 1 }, time.Second, time.Millisecond)
	_, err := f.coord.Dispatch(ctx, "cuda:0", worker.CmdStatus, nil, 0)
	require.NoError(t, err)
	st, _ := f.coord.State("cuda:0")
	assert.Equal(t, worker.StateBusy, st)

	for i := 0; i < 4; i++ {
		release <- struct{}{}
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
}

func TestMissedHeartbeatsUnresponsiveThenCrashed(t *testing.T) {
	f := newFixture(t, &workertest.Spawner{}, nil)
	ctx := context.Background()
	require.NoError(t, f.coord.Start(ctx, "cuda:0"))
	first := f.sp.Latest("cuda:0")
	first.Silence(true)

	info, err := f.coord.Info("cuda:0")
	require.NoError(t, err)
	interval := 50 * time.Millisecond
	last := info.LastHeartbeat

	f.coord.CheckHeartbeats(last.Add(2 * interval))
	st, _ := f.coord.State("cuda:0")
	assert.Equal(t, worker.StateReady, st)

	f.coord.CheckHeartbeats(last.Add(3*interval + interval/2))
	st, _ = f.coord.State("cuda:0")
	assert.Equal(t, worker.StateUnresponsive, st)
	d, _ := f.reg.Get("cuda:0")
	assert.Equal(t, device.StatusBusy, d.Status)
	assert.True(t, f.pub.Has("worker_unresponsive", "cuda:0"))

	changes, unsubscribe := f.reg.Subscribe(64)
	defer unsubscribe()
	f.coord.CheckHeartbeats(last.Add(4*interval + interval/2))
	select {
	case id := <-f.lost:
		assert.Equal(t, "cuda:0", id)
	case <-time.After(2 * time.Second):
		t.Fatal("worker was not declared lost")
	}
	offline := false
	for !offline {
		select {
		case c := <-changes:
			offline = c.DeviceID == "cuda:0" && c.Device.Status == device.StatusOffline
		case <-time.After(2 * time.Second):
			t.Fatal("device never went offline after the worker was lost")
		}
	}
	assert.True(t, first.Exited())
	assert.True(t, f.pub.Has("worker_crashed", "cuda:0"))

	require.Eventually(t, func() bool {
		st, _ := f.coord.State("cuda:0")
		return st == worker.StateReady && f.sp.Spawns("cuda:0") == 2
	}, 2*time.Second, 5*time.Millisecond)
	d, _ = f.reg.Get("cuda:0")
	assert.Equal(t, device.StatusAvailable, d.Status)
}

func TestConcurrentStartSpawnsOnce(t *testing.T) {
	sp := &workertest.Spawner{FailSpawn: func(string) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	}}
	f := newFixture(t, sp, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.coord.Start(context.Background(), "cuda:0"))
		}()
	}
	wg.Wait()
	require.Eventually(t, func() bool {
		st, _ := f.coord.State("cuda:0")
		return st == worker.StateReady
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.sp.Spawns("cuda:0"))
}

func TestRecoveryFromUnresponsive(t *testing.T) {
	f := newFixture(t, &workertest.Spawner{}, nil)
	require.NoError(t, f.coord.Start(context.Background(), "cuda:0"))
	info, _ := f.coord.Info("cuda:0")
	f.coord.CheckHeartbeats(info.LastHeartbeat.Add(160 * time.Millisecond))
	st, _ := f.coord.State("cuda:0")
	require.Equal(t, worker.StateUnresponsive, st)

	f.sp.Latest("cuda:0").Beat(worker.BeatReady)
	require.Eventually(t, func() bool {
		in, _ := f.coord.Info("cuda:0")
		return in.LastHeartbeat.After(info.LastHeartbeat)
	}, time.Second, time.Millisecond)
	f.coord.CheckHeartbeats(time.Now())
	st, _ = f.coord.State("cuda:0")
	assert.Equal(t, worker.StateReady, st)
	d, _ := f.reg.Get("cuda:0")
	assert.Equal(t, device.StatusAvailable, d.Status)
}

func TestCrashFailsInFlightAndRespawns(t *testing.T) {
	started := make(chan struct{}, 1)
	sp := &workertest.Spawner{Handler: func(f *workertest.Fake, req worker.Request) worker.Response {
		if req.Command == worker.CmdInfer {
			started <- struct{}{}
			<-make(chan struct{})
		}
		return workertest.DefaultHandler(f, req)
	}}
	f := newFixture(t, sp, nil)
	ctx := context.Background()
	require.NoError(t, f.coord.Start(ctx, "cuda:0"))

	errc := make(chan error, 1)
	go func() {
		_, err := f.coord.Dispatch(ctx, "cuda:0", worker.CmdInfer, nil, 0)
		errc <- err
	}()
	<-started
	f.sp.Latest("cuda:0").Crash()

	select {
	case err := <-errc:
		assert.True(t, poolerr.IsWorkerCrashed(err), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight command not failed")
	}
	require.Eventually(t, func() bool {
		in, _ := f.coord.Info("cuda:0")
		return in.State == worker.StateReady && in.Restarts == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "cuda:0", <-f.lost)
}

func TestRetriesExhaustedLeavesDeviceOffline(t *testing.T) {
	var spawns atomic.Int32
	sp := &workertest.Spawner{FailSpawn: func(string) error {
		if spawns.Add(1) > 1 {
			return errors.New("driver not loaded")
		}
		return nil
	}}
	f := newFixture(t, sp, func(c *worker.Config) { c.RetryAttempts = 2 })
	require.NoError(t, f.coord.Start(context.Background(), "cuda:0"))
	f.sp.Latest("cuda:0").Crash()

	require.Eventually(t, func() bool {
		st, _ := f.coord.State("cuda:0")
		return st == worker.StateStopped
	}, 2*time.Second, 5*time.Millisecond)
	d, _ := f.reg.Get("cuda:0")
	assert.Equal(t, device.StatusOffline, d.Status)
	assert.Equal(t, int32(3), spawns.Load(), "one initial spawn plus two retries")
	assert.True(t, f.pub.Has("worker_stopped", "cuda:0"))

	_, err := f.coord.Dispatch(context.Background(), "cuda:0", worker.CmdStatus, nil, 0)
	assert.True(t, poolerr.IsUnavailable(err))
}

func TestStartAllSkipsOfflineDevices(t *testing.T) {
	for _, parallel := range []bool{true, false} {
		sp := &workertest.Spawner{}
		f := newFixture(t, sp, func(c *worker.Config) {
			c.ParallelSpawn = parallel
			c.SpawnDelay = time.Millisecond
		})
		_, err := f.reg.SetStatus("cuda:1", device.StatusOffline)
		require.NoError(t, err)
		require.NoError(t, f.coord.StartAll(context.Background()))
		assert.Equal(t, 1, sp.Spawns("cuda:0"))
		assert.Equal(t, 0, sp.Spawns("cuda:1"))
		ws := f.coord.Workers()
		require.Len(t, ws, 1)
		assert.Equal(t, "cuda:0", ws[0].DeviceID)
	}
}

func TestStopSendsShutdown(t *testing.T) {
	f := newFixture(t, &workertest.Spawner{}, nil)
	require.NoError(t, f.coord.Start(context.Background(), "cuda:0"))
	fake := f.sp.Latest("cuda:0")
	require.NoError(t, f.coord.Stop("cuda:0"))
	assert.Contains(t, fake.Commands(), worker.CmdShutdown)
	assert.True(t, fake.Exited())
	st, _ := f.coord.State("cuda:0")
	assert.Equal(t, worker.StateStopped, st)
	assert.Equal(t, 1, f.sp.Spawns("cuda:0"), "stopped workers are not respawned")
	assert.True(t, poolerr.IsNotFound(f.coord.Stop("cuda:7")))
}

func TestStartWithoutHeartbeatFallsBackToStatusQuery(t *testing.T) {
	f := newFixture(t, &workertest.Spawner{NoInitialBeat: true}, func(c *worker.Config) {
		c.StartTimeout = 20 * time.Millisecond
	})
	require.NoError(t, f.coord.Start(context.Background(), "cuda:0"))
	assert.Contains(t, f.sp.Latest("cuda:0").Commands(), worker.CmdStatus)
}
