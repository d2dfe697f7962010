// Package device holds the authoritative in-memory record of every accelerator
// managed by the pool.
//
// All mutations are compare-and-swap: callers read a snapshot, decide, and
// commit against the snapshot's Version. A stale commit fails with a Conflict
// error wrapping ErrStale and the caller re-reads. Update wraps that loop for
// callers that simply want "apply this change to the latest state".
package device

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"gpupool/internal/poolerr"
)

// ErrStale is wrapped by the Conflict error returned when a CAS commit carries
// an outdated version.
var ErrStale = errors.New("stale device snapshot")

// casRetries bounds the retry loop inside Update.
const casRetries = 16

// Registry owns the device table.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Device
	order   []string

	allocs map[string]*Allocation

	subMu  sync.Mutex
	subs   map[uint64]chan Change
	nextID uint64

	log zerolog.Logger
}

// NewRegistry builds a registry from an enumeration result. Devices start
// Available unless their status is already set.
func NewRegistry(devs []Device, logger zerolog.Logger) *Registry {
	r := &Registry{
		devices: make(map[string]*Device, len(devs)),
		allocs:  make(map[string]*Allocation),
		subs:    make(map[uint64]chan Change),
		log:     logger,
	}
	for _, d := range devs {
		d := d.clone()
		if d.Status == "" {
			d.Status = StatusAvailable
		}
		d.Version = 1
		r.devices[d.ID] = &d
		r.order = append(r.order, d.ID)
	}
	sort.SliceStable(r.order, func(i, j int) bool {
		a, b := r.devices[r.order[i]], r.devices[r.order[j]]
		if a.Index != b.Index {
			return a.Index < b.Index
		}
		return a.ID < b.ID
	})
	return r
}

// List returns snapshots of all devices ordered by index.
func (r *Registry) List() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.devices[id].clone())
	}
	return out
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Get returns a snapshot of one device.
func (r *Registry) Get(id string) (Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return Device{}, poolerr.NotFound("device.get", "device %q", id)
	}
	return d.clone(), nil
}

// UpdateStatus sets the status if expectVersion is current.
func (r *Registry) UpdateStatus(id string, expectVersion uint64, status Status) (Device, error) {
	return r.cas(id, expectVersion, func(d *Device) error {
		d.Status = status
		return nil
	})
}

// UpdateResidency installs (or clears, when rm is nil) the device's resident
// model and adjusts UsedBytes by the difference in resident bytes.
func (r *Registry) UpdateResidency(id string, expectVersion uint64, rm *ResidentModel) (Device, error) {
	return r.cas(id, expectVersion, func(d *Device) error {
		applyResidency(d, rm)
		return nil
	})
}

// UpdateHealth records a telemetry sample.
func (r *Registry) UpdateHealth(id string, expectVersion uint64, sample HealthSample) (Device, error) {
	return r.cas(id, expectVersion, func(d *Device) error {
		applyHealth(d, sample)
		return nil
	})
}

func applyResidency(d *Device, rm *ResidentModel) {
	d.UsedBytes -= d.Resident.Bytes()
	if rm == nil {
		d.Resident = nil
		return
	}
	cp := rm.Clone()
	cp.DeviceID = d.ID
	d.Resident = &cp
	d.UsedBytes += cp.Bytes()
}

func applyHealth(d *Device, s HealthSample) {
	if s.SampledAt.IsZero() {
		s.SampledAt = time.Now()
	}
	d.Health = s
	d.LastHealth = s.SampledAt
	if d.TotalBytes == 0 && s.TotalBytes > 0 {
		d.TotalBytes = s.TotalBytes
	}
}

// Update applies fn to a copy of the latest snapshot and commits it, re-reading
// and retrying when another writer got there first. Errors returned by fn and
// invariant violations are returned without retry.
func (r *Registry) Update(id string, fn func(d *Device) error) (Device, error) {
	var out Device
	op := func() error {
		snap, err := r.Get(id)
		if err != nil {
			return backoff.Permanent(err)
		}
		out, err = r.cas(id, snap.Version, fn)
		if err != nil {
			if errors.Is(err, ErrStale) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), casRetries)
	if err := backoff.Retry(op, b); err != nil {
		return Device{}, err
	}
	return out, nil
}

// SetStatus is Update for the common "force this status" case.
func (r *Registry) SetStatus(id string, status Status) (Device, error) {
	return r.Update(id, func(d *Device) error {
		d.Status = status
		return nil
	})
}

// SetResidency is Update for residency changes.
func (r *Registry) SetResidency(id string, rm *ResidentModel) (Device, error) {
	return r.Update(id, func(d *Device) error {
		applyResidency(d, rm)
		return nil
	})
}

// RecordHealth is Update for health samples.
func (r *Registry) RecordHealth(id string, s HealthSample) (Device, error) {
	return r.Update(id, func(d *Device) error {
		applyHealth(d, s)
		return nil
	})
}

// cas validates and commits the result of fn applied to the current record,
// provided expectVersion still matches.
func (r *Registry) cas(id string, expectVersion uint64, fn func(d *Device) error) (Device, error) {
	r.mu.Lock()
	cur, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return Device{}, poolerr.NotFound("device.update", "device %q", id)
	}
	if cur.Version != expectVersion {
		r.mu.Unlock()
		return Device{}, &poolerr.Error{Kind: poolerr.KindConflict, Op: "device.update", Msg: id, Err: ErrStale}
	}
	next := cur.clone()
	if err := fn(&next); err != nil {
		r.mu.Unlock()
		return Device{}, err
	}
	if err := validate(cur, &next); err != nil {
		r.mu.Unlock()
		return Device{}, err
	}
	next.Version = cur.Version + 1
	oldStatus := cur.Status
	r.devices[id] = &next
	snap := next.clone()
	r.mu.Unlock()

	if oldStatus != snap.Status {
		r.log.Info().Str("device", id).Str("from", string(oldStatus)).Str("to", string(snap.Status)).Msg("device status")
	}
	r.notify(Change{DeviceID: id, OldStatus: oldStatus, Device: snap})
	return snap, nil
}

func validate(cur *Device, next *Device) error {
	if next.ID != cur.ID {
		return poolerr.New(poolerr.KindInvariant, "device.update", "device id is immutable")
	}
	if next.UsedBytes < 0 {
		return poolerr.New(poolerr.KindInvariant, "device.update", "device %s used bytes negative (%d)", cur.ID, next.UsedBytes)
	}
	if next.TotalBytes > 0 && next.UsedBytes > next.TotalBytes {
		return poolerr.New(poolerr.KindInsufficientMemory, "device.update",
			"device %s: used %d would exceed total %d", cur.ID, next.UsedBytes, next.TotalBytes)
	}
	if cur.Resident != nil && next.Resident != nil && cur.Resident.ModelID != next.Resident.ModelID {
		return poolerr.Conflict("device.update", "device %s holds %q; evict before installing %q",
			cur.ID, cur.Resident.ModelID, next.Resident.ModelID)
	}
	return nil
}

// Subscribe returns a channel receiving every committed change. Slow
// subscribers miss changes rather than block writers. Call cancel to release.
func (r *Registry) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Change, buffer)
	r.subMu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = ch
	r.subMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subs, id)
			r.subMu.Unlock()
			close(ch)
		})
	}
}

func (r *Registry) notify(c Change) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- c:
		default:
			r.log.Warn().Str("device", c.DeviceID).Msg("device change dropped for slow subscriber")
		}
	}
}
