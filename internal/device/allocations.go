package device

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"gpupool/internal/poolerr"
)

// Allocation is an ad-hoc VRAM buffer tracked independently of model residency.
type Allocation struct {
	ID         string
	DeviceID   string
	Size       int64
	Tag        string
	Active     bool
	CreatedAt  time.Time
	ReleasedAt time.Time
}

// Allocate reserves size bytes on a device. The bytes count toward the device's
// UsedBytes until Deallocate.
func (r *Registry) Allocate(deviceID string, size int64, tag string) (Allocation, error) {
	if size <= 0 {
		return Allocation{}, poolerr.InvalidRequest("device.allocate", "size must be positive, got %d", size)
	}
	if _, err := r.Update(deviceID, func(d *Device) error {
		if d.Status == StatusOffline || d.Status == StatusError {
			return poolerr.New(poolerr.KindUnavailable, "device.allocate", "device %s is %s", d.ID, d.Status)
		}
		if d.TotalBytes > 0 && d.UsedBytes+size > d.TotalBytes {
			return poolerr.New(poolerr.KindInsufficientMemory, "device.allocate",
				"device %s has %d bytes free, need %d", d.ID, d.AvailableBytes(), size)
		}
		d.UsedBytes += size
		return nil
	}); err != nil {
		return Allocation{}, err
	}
	a := &Allocation{
		ID:        uuid.New().String(),
		DeviceID:  deviceID,
		Size:      size,
		Tag:       tag,
		Active:    true,
		CreatedAt: time.Now(),
	}
	r.mu.Lock()
	r.allocs[a.ID] = a
	r.mu.Unlock()
	return *a, nil
}

// Deallocate releases an allocation. Releasing an already inactive allocation
// is an invariant violation; the record is kept so its id is never reused.
func (r *Registry) Deallocate(id string) error {
	r.mu.Lock()
	a, ok := r.allocs[id]
	if !ok {
		r.mu.Unlock()
		return poolerr.NotFound("device.deallocate", "allocation %q", id)
	}
	if !a.Active {
		r.mu.Unlock()
		return poolerr.New(poolerr.KindInvariant, "device.deallocate", "allocation %s already released", id)
	}
	a.Active = false
	a.ReleasedAt = time.Now()
	deviceID, size := a.DeviceID, a.Size
	r.mu.Unlock()

	_, err := r.Update(deviceID, func(d *Device) error {
		d.UsedBytes -= size
		if d.UsedBytes < 0 {
			d.UsedBytes = 0
		}
		return nil
	})
	return err
}

// Allocations lists allocations for a device ("" for all), oldest first.
// Inactive allocations are included.
func (r *Registry) Allocations(deviceID string) []Allocation {
	r.mu.RLock()
	out := make([]Allocation, 0, len(r.allocs))
	for _, a := range r.allocs {
		if deviceID == "" || a.DeviceID == deviceID {
			out = append(out, *a)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ReleaseDevice deactivates every active allocation on a device, e.g. after
// its worker crashed and the driver reclaimed the memory. Returns the count.
func (r *Registry) ReleaseDevice(deviceID string) int {
	r.mu.RLock()
	var ids []string
	for id, a := range r.allocs {
		if a.DeviceID == deviceID && a.Active {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()
	n := 0
	for _, id := range ids {
		if err := r.Deallocate(id); err == nil {
			n++
		}
	}
	return n
}
