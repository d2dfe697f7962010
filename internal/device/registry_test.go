package device

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpupool/internal/poolerr"
)

const gib = int64(1 << 30)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry([]Device{
		{ID: "cuda:1", Index: 1, Name: "B", TotalBytes: 8 * gib},
		{ID: "cuda:0", Index: 0, Name: "A", TotalBytes: 24 * gib},
	}, zerolog.Nop())
}

func resident(model string, bytes int64) *ResidentModel {
	return &ResidentModel{ModelID: model, Components: []ResidentComponent{{Kind: "base", Bytes: bytes}}, Ready: true, LoadedAt: time.Now()}
}

func TestListOrderedByIndexAndCopies(t *testing.T) {
	r := newTestRegistry(t)
	devs := r.List()
	require.Len(t, devs, 2)
	assert.Equal(t, "cuda:0", devs[0].ID)
	assert.Equal(t, StatusAvailable, devs[0].Status)

	_, err := r.SetResidency("cuda:0", resident("m", gib))
	require.NoError(t, err)
	devs = r.List()
	devs[0].Resident.ModelID = "mutated"
	got, err := r.Get("cuda:0")
	require.NoError(t, err)
	assert.Equal(t, "m", got.Resident.ModelID, "snapshot must not alias registry state")
}

func TestGetNotFound(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Get("cuda:7")
	assert.True(t, poolerr.IsNotFound(err))
}

func TestCASRejectsStaleVersion(t *testing.T) {
	r := newTestRegistry(t)
	snap, err := r.Get("cuda:0")
	require.NoError(t, err)

	_, err = r.UpdateStatus("cuda:0", snap.Version, StatusBusy)
	require.NoError(t, err)

	_, err = r.UpdateStatus("cuda:0", snap.Version, StatusAvailable)
	require.Error(t, err)
	assert.True(t, poolerr.IsConflict(err))
	assert.True(t, errors.Is(err, ErrStale))

	cur, _ := r.Get("cuda:0")
	assert.Equal(t, StatusBusy, cur.Status)
	assert.Equal(t, snap.Version+1, cur.Version)
}

func TestConcurrentCASExactlyOneWinner(t *testing.T) {
	r := newTestRegistry(t)
	snap, _ := r.Get("cuda:0")
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.UpdateResidency("cuda:0", snap.Version, resident("m", gib)); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestResidencyAccountingAndInvariants(t *testing.T) {
	r := newTestRegistry(t)

	d, err := r.SetResidency("cuda:1", resident("sdxl-base", 6*gib))
	require.NoError(t, err)
	assert.Equal(t, 6*gib, d.UsedBytes)
	assert.Equal(t, 2*gib, d.AvailableBytes())
	assert.Equal(t, "cuda:1", d.Resident.DeviceID)

	// a second model without evicting first is refused
	_, err = r.SetResidency("cuda:1", resident("other", gib))
	assert.True(t, poolerr.IsConflict(err))

	// clearing restores the bytes
	d, err = r.SetResidency("cuda:1", nil)
	require.NoError(t, err)
	assert.Zero(t, d.UsedBytes)
	assert.Nil(t, d.Resident)

	// more than total is refused and leaves state unchanged
	_, err = r.SetResidency("cuda:1", resident("huge", 9*gib))
	assert.True(t, poolerr.IsInsufficientMemory(err))
	d, _ = r.Get("cuda:1")
	assert.Zero(t, d.UsedBytes)
	assert.Nil(t, d.Resident)
}

func TestUpdatePropagatesCallbackError(t *testing.T) {
	r := newTestRegistry(t)
	boom := errors.New("boom")
	_, err := r.Update("cuda:0", func(*Device) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestSubscribeReceivesChanges(t *testing.T) {
	r := newTestRegistry(t)
	ch, cancel := r.Subscribe(4)
	defer cancel()

	_, err := r.SetStatus("cuda:0", StatusOffline)
	require.NoError(t, err)

	select {
	case c := <-ch:
		assert.Equal(t, "cuda:0", c.DeviceID)
		assert.Equal(t, StatusAvailable, c.OldStatus)
		assert.Equal(t, StatusOffline, c.Device.Status)
	case <-time.After(time.Second):
		t.Fatal("no change notification")
	}
	cancel()
	cancel() // idempotent
}

func TestHealthSampleSetsTimestamp(t *testing.T) {
	r := newTestRegistry(t)
	d, err := r.RecordHealth("cuda:0", HealthSample{UsedBytes: gib, TemperatureC: 60})
	require.NoError(t, err)
	assert.False(t, d.LastHealth.IsZero())
	assert.Equal(t, 60.0, d.Health.TemperatureC)
}

func TestAllocateAndDeallocate(t *testing.T) {
	r := newTestRegistry(t)
	a, err := r.Allocate("cuda:1", 2*gib, "latents")
	require.NoError(t, err)
	assert.True(t, a.Active)

	d, _ := r.Get("cuda:1")
	assert.Equal(t, 2*gib, d.UsedBytes)

	require.NoError(t, r.Deallocate(a.ID))
	d, _ = r.Get("cuda:1")
	assert.Zero(t, d.UsedBytes)

	err = r.Deallocate(a.ID)
	assert.True(t, poolerr.IsInvariant(err), "double deallocation must surface, got %v", err)

	b, err := r.Allocate("cuda:1", gib, "latents")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Len(t, r.Allocations("cuda:1"), 2)

	_, err = r.Allocate("cuda:1", 16*gib, "too big")
	assert.True(t, poolerr.IsInsufficientMemory(err))

	_, err = r.Allocate("cuda:1", 0, "zero")
	assert.True(t, poolerr.IsInvalidRequest(err))
}

func TestReleaseDevice(t *testing.T) {
	r := newTestRegistry(t)
	_, _ = r.Allocate("cuda:0", gib, "a")
	_, _ = r.Allocate("cuda:0", gib, "b")
	assert.Equal(t, 2, r.ReleaseDevice("cuda:0"))
	d, _ := r.Get("cuda:0")
	assert.Zero(t, d.UsedBytes)
}
