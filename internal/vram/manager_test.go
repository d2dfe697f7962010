package vram

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpupool/internal/cache"
	"gpupool/internal/device"
	"gpupool/internal/events"
	"gpupool/internal/poolerr"
	"gpupool/internal/worker"
	"gpupool/internal/worker/workertest"
)

const kib = 1024

type env struct {
	reg   *device.Registry
	cache *cache.Cache
	sp    *workertest.Spawner
	coord *worker.Coordinator
	mgr   *Manager
	pub   *events.MemoryPublisher
	root  string
}

func writeModel(t *testing.T, root, name string, size int) {
	t.Helper()
	b := make([]byte, size)
	binary.LittleEndian.PutUint64(b[:8], 2)
	copy(b[8:], "{}")
	require.NoError(t, os.WriteFile(filepath.Join(root, name+".safetensors"), b, 0o644))
}

func newEnv(t *testing.T, total int64, handler workertest.Handler) *env {
	t.Helper()
	root := t.TempDir()
	e := &env{root: root, pub: events.NewMemoryPublisher(), sp: &workertest.Spawner{Handler: handler}}
	e.reg = device.NewRegistry([]device.Device{{ID: "cuda:0", Index: 0, TotalBytes: total}}, zerolog.Nop())
	e.cache = cache.New(cache.Config{Storage: cache.DirStorage{Root: root}, Logger: zerolog.Nop()})
	e.coord = worker.New(worker.Config{
		Spawner:        e.sp,
		Registry:       e.reg,
		MessageTimeout: 2 * time.Second,
		Logger:         zerolog.Nop(),
	})
	t.Cleanup(e.coord.StopAll)
	require.NoError(t, e.coord.Start(context.Background(), "cuda:0"))
	e.mgr = New(Config{
		Registry:  e.reg,
		Cache:     e.cache,
		Workers:   e.coord,
		Overhead:  -1,
		Logger:    zerolog.Nop(),
		Publisher: e.pub,
	})
	return e
}

func refCount(t *testing.T, c *cache.Cache, model string) int32 {
	t.Helper()
	es, ok := c.Get(model)
	if !ok {
		return 0
	}
	return es[0].RefCount
}

func countCommand(f *workertest.Fake, cmd string) int {
	n := 0
	for _, c := range f.Commands() {
		if c == cmd {
			n++
		}
	}
	return n
}

func TestPromoteAndAffinityFastPath(t *testing.T) {
	e := newEnv(t, 10*kib, nil)
	writeModel(t, e.root, "a", 4*kib)
	ctx := context.Background()

	rm, err := e.mgr.Promote(ctx, "cuda:0", "a")
	require.NoError(t, err)
	assert.Equal(t, "a", rm.ModelID)
	assert.True(t, rm.Ready)
	assert.Equal(t, int64(4*kib), rm.Bytes())

	d, _ := e.reg.Get("cuda:0")
	assert.Equal(t, int64(4*kib), d.UsedBytes)
	assert.Equal(t, int32(1), refCount(t, e.cache, "a"))

	_, err = e.mgr.Promote(ctx, "cuda:0", "a")
	require.NoError(t, err)
	fake := e.sp.Latest("cuda:0")
	assert.Equal(t, 1, countCommand(fake, worker.CmdLoad), "second promote is a no-op")
	assert.Equal(t, int32(1), refCount(t, e.cache, "a"))

	got, ok := e.mgr.Query("cuda:0")
	require.True(t, ok)
	assert.Equal(t, "a", got.ModelID)
	assert.True(t, e.pub.Has("model_promoted", "cuda:0"))
}

func TestPromoteReplacesResidentModel(t *testing.T) {
	e := newEnv(t, 10*kib, nil)
	writeModel(t, e.root, "a", 4*kib)
	writeModel(t, e.root, "b", 6*kib)
	ctx := context.Background()

	_, err := e.mgr.Promote(ctx, "cuda:0", "a")
	require.NoError(t, err)
	_, err = e.mgr.Promote(ctx, "cuda:0", "b")
	require.NoError(t, err)

	d, _ := e.reg.Get("cuda:0")
	assert.True(t, d.Holds("b"))
	assert.Equal(t, int64(6*kib), d.UsedBytes)
	assert.Equal(t, int32(0), refCount(t, e.cache, "a"))
	assert.Equal(t, int32(1), refCount(t, e.cache, "b"))
	assert.Equal(t, []string{worker.CmdLoad, worker.CmdUnload, worker.CmdLoad}, e.sp.Latest("cuda:0").Commands())
	assert.True(t, e.pub.Has("model_evicted", "cuda:0"))
}

func TestPromoteTooLargeLeavesStateUnchanged(t *testing.T) {
	e := newEnv(t, 10*kib, nil)
	writeModel(t, e.root, "a", 4*kib)
	writeModel(t, e.root, "huge", 12*kib)
	ctx := context.Background()
	_, err := e.mgr.Promote(ctx, "cuda:0", "a")
	require.NoError(t, err)

	_, err = e.mgr.Promote(ctx, "cuda:0", "huge")
	assert.True(t, poolerr.IsInsufficientMemory(err), "got %v", err)
	d, _ := e.reg.Get("cuda:0")
	assert.True(t, d.Holds("a"), "resident model kept")
	assert.Equal(t, int32(0), refCount(t, e.cache, "huge"))
	assert.Equal(t, 1, countCommand(e.sp.Latest("cuda:0"), worker.CmdLoad))
}

func TestPromoteAccountsForAllocationsAndOverhead(t *testing.T) {
	e := newEnv(t, 10*kib, nil)
	e.mgr = New(Config{Registry: e.reg, Cache: e.cache, Workers: e.coord, Overhead: kib, Logger: zerolog.Nop()})
	writeModel(t, e.root, "a", 4*kib)
	_, err := e.reg.Allocate("cuda:0", 6*kib, "scratch")
	require.NoError(t, err)

	_, err = e.mgr.Promote(context.Background(), "cuda:0", "a")
	assert.True(t, poolerr.IsInsufficientMemory(err), "4 KiB + 1 KiB workspace does not fit in 4 KiB")

	require.Equal(t, 1, e.reg.ReleaseDevice("cuda:0"))
	rm, err := e.mgr.Promote(context.Background(), "cuda:0", "a")
	require.NoError(t, err)
	assert.Equal(t, int64(5*kib), rm.Bytes())
	kinds := []string{}
	for _, c := range rm.Components {
		kinds = append(kinds, c.Kind)
	}
	assert.Contains(t, kinds, KindWorkspace)
}

func TestWorkerOOMTriggersDefragAndOneRetry(t *testing.T) {
	var mu sync.Mutex
	loads := 0
	e := newEnv(t, 10*kib, func(f *workertest.Fake, req worker.Request) worker.Response {
		if req.Command == worker.CmdLoad {
			mu.Lock()
			loads++
			n := loads
			mu.Unlock()
			if n == 1 {
				return workertest.Fail(req, "oom", "fragmented")
			}
		}
		return workertest.DefaultHandler(f, req)
	})
	writeModel(t, e.root, "a", 4*kib)
	_, err := e.mgr.Promote(context.Background(), "cuda:0", "a")
	require.NoError(t, err)
	assert.Equal(t, []string{worker.CmdLoad, worker.CmdDefrag, worker.CmdLoad}, e.sp.Latest("cuda:0").Commands())
}

func TestFailedLoadReleasesReferences(t *testing.T) {
	e := newEnv(t, 10*kib, func(f *workertest.Fake, req worker.Request) worker.Response {
		if req.Command == worker.CmdLoad {
			return workertest.Fail(req, "corrupt_weights", "bad tensor")
		}
		return workertest.DefaultHandler(f, req)
	})
	writeModel(t, e.root, "a", 4*kib)
	_, err := e.mgr.Promote(context.Background(), "cuda:0", "a")
	assert.True(t, poolerr.IsWorker(err), "got %v", err)
	_, ok := e.mgr.Query("cuda:0")
	assert.False(t, ok)
	assert.Equal(t, int32(0), refCount(t, e.cache, "a"))
	d, _ := e.reg.Get("cuda:0")
	assert.Zero(t, d.UsedBytes)
}

func TestConcurrentPromotesKeepOneResident(t *testing.T) {
	e := newEnv(t, 10*kib, nil)
	models := []string{"a", "b", "c", "d"}
	for _, m := range models {
		writeModel(t, e.root, m, 3*kib)
	}
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(m string) {
			defer wg.Done()
			_, err := e.mgr.Promote(context.Background(), "cuda:0", m)
			assert.NoError(t, err)
			assert.NoError(t, e.mgr.CheckInvariants())
		}(models[i%len(models)])
	}
	wg.Wait()

	d, _ := e.reg.Get("cuda:0")
	require.NotNil(t, d.Resident)
	assert.LessOrEqual(t, d.UsedBytes, d.TotalBytes)
	assert.Equal(t, d.Resident.Bytes(), d.UsedBytes)
	for _, m := range models {
		want := int32(0)
		if m == d.Resident.ModelID {
			want = 1
		}
		assert.Equal(t, want, refCount(t, e.cache, m), m)
	}
	assert.Equal(t, d.Resident.ModelID, e.sp.Latest("cuda:0").Model(), "worker and registry agree")
}

func TestUsePromotesAndHoldsResidency(t *testing.T) {
	e := newEnv(t, 10*kib, nil)
	writeModel(t, e.root, "a", 4*kib)
	ctx := context.Background()

	inside := make(chan struct{})
	release := make(chan struct{})
	used := make(chan error, 1)
	go func() {
		used <- e.mgr.Use(ctx, "cuda:0", "a", func(context.Context) error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside
	d, _ := e.reg.Get("cuda:0")
	assert.True(t, d.Holds("a"), "promoted before fn runs")

	evicted := make(chan error, 1)
	go func() { evicted <- e.mgr.Evict(ctx, "cuda:0") }()
	select {
	case <-evicted:
		t.Fatal("evict finished while the model was in use")
	case <-time.After(100 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-used)
	require.NoError(t, <-evicted)
	d, _ = e.reg.Get("cuda:0")
	assert.Nil(t, d.Resident)

	err := e.mgr.Use(ctx, "cuda:0", "", func(context.Context) error { return nil })
	assert.True(t, poolerr.IsInvalidRequest(err))
}

func TestEvictAndForget(t *testing.T) {
	e := newEnv(t, 10*kib, nil)
	writeModel(t, e.root, "a", 4*kib)
	ctx := context.Background()
	require.NoError(t, e.mgr.Evict(ctx, "cuda:0"), "empty device")

	_, err := e.mgr.Promote(ctx, "cuda:0", "a")
	require.NoError(t, err)
	require.NoError(t, e.mgr.Evict(ctx, "cuda:0"))
	_, ok := e.mgr.Query("cuda:0")
	assert.False(t, ok)
	assert.Equal(t, int32(0), refCount(t, e.cache, "a"))
	assert.Equal(t, "", e.sp.Latest("cuda:0").Model())

	_, err = e.mgr.Promote(ctx, "cuda:0", "a")
	require.NoError(t, err)
	e.mgr.Forget("cuda:0")
	_, ok = e.mgr.Query("cuda:0")
	assert.False(t, ok)
	assert.Equal(t, int32(0), refCount(t, e.cache, "a"))
	assert.True(t, e.pub.Has("residency_lost", "cuda:0"))

	assert.True(t, poolerr.IsNotFound(e.mgr.Evict(ctx, "cuda:9")))
}

func TestPromoteRejectsOfflineDevice(t *testing.T) {
	e := newEnv(t, 10*kib, nil)
	writeModel(t, e.root, "a", 4*kib)
	_, err := e.reg.SetStatus("cuda:0", device.StatusOffline)
	require.NoError(t, err)
	_, err = e.mgr.Promote(context.Background(), "cuda:0", "a")
	assert.True(t, poolerr.IsUnavailable(err))
}

func TestDefragmentAndCleanup(t *testing.T) {
	e := newEnv(t, 10*kib, func(f *workertest.Fake, req worker.Request) worker.Response {
		if req.Command == worker.CmdDefrag || req.Command == worker.CmdCleanup {
			return workertest.OK(req, worker.MemoryResult{FreedBytes: 512})
		}
		return workertest.DefaultHandler(f, req)
	})
	freed, err := e.mgr.Defragment(context.Background(), "cuda:0")
	require.NoError(t, err)
	assert.Equal(t, int64(512), freed)
	freed, err = e.mgr.Cleanup(context.Background(), "cuda:0")
	require.NoError(t, err)
	assert.Equal(t, int64(512), freed)
	assert.True(t, e.pub.Has("device_defrag", "cuda:0"))
}
