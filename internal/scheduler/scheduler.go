// Package scheduler picks the device a model should run on.
package scheduler

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"gpupool/internal/device"
	"gpupool/internal/poolerr"
)

const gib = int64(1 << 30)

// ErrNoneAvailable is wrapped by FindBestDevice when no device qualifies.
var ErrNoneAvailable = errors.New("no device available")

// DefaultRequirements are minimum VRAM bytes per model kind.
var DefaultRequirements = map[string]int64{
	"sdxl":    8 * gib,
	"sd15":    4 * gib,
	"refiner": 6 * gib,
}

// DefaultRequirement applies to kinds missing from the table.
const DefaultRequirement = 2 * gib

// Sizer reports the VRAM a model needs when that is known exactly, for
// instance from its cached component sizes.
type Sizer func(modelID string) (int64, bool)

// Scheduler ranks devices for placement. It holds no state besides the
// requirement table; the registry is the source of truth.
type Scheduler struct {
	reg   *device.Registry
	sizer Sizer

	mu   sync.RWMutex
	reqs map[string]int64
}

// New returns a Scheduler over reg. sizer may be nil.
func New(reg *device.Registry, sizer Sizer) *Scheduler {
	reqs := make(map[string]int64, len(DefaultRequirements))
	for k, v := range DefaultRequirements {
		reqs[k] = v
	}
	return &Scheduler{reg: reg, sizer: sizer, reqs: reqs}
}

// SetRequirement overrides the minimum bytes for kind.
func (s *Scheduler) SetRequirement(kind string, bytes int64) {
	s.mu.Lock()
	s.reqs[strings.ToLower(kind)] = bytes
	s.mu.Unlock()
}

// Requirement returns the minimum bytes for kind.
func (s *Scheduler) Requirement(kind string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.reqs[strings.ToLower(kind)]; ok {
		return v
	}
	return DefaultRequirement
}

func (s *Scheduler) need(modelID, kind string) int64 {
	n := s.Requirement(kind)
	if s.sizer != nil {
		if exact, ok := s.sizer(modelID); ok && exact > n {
			n = exact
		}
	}
	return n
}

// FindBestDevice returns the device modelID should be placed on. Among
// Available devices it prefers one already holding the model, then the one
// with the most free bytes that meets the requirement, then the lowest index.
func (s *Scheduler) FindBestDevice(modelID, kind string) (string, error) {
	const op = "scheduler.find"
	if modelID == "" {
		return "", poolerr.InvalidRequest(op, "model id is required")
	}
	if c := s.Candidates(modelID, kind); len(c) > 0 {
		return c[0], nil
	}
	return "", &poolerr.Error{Kind: poolerr.KindUnavailable, Op: op, Msg: "model " + modelID + " (" + kind + ")", Err: ErrNoneAvailable}
}

// rank orders by free bytes descending, then by index.
func rank(ds []device.Device) []device.Device {
	sort.SliceStable(ds, func(i, j int) bool {
		fi, fj := ds[i].AvailableBytes(), ds[j].AvailableBytes()
		if fi != fj {
			return fi > fj
		}
		return ds[i].Index < ds[j].Index
	})
	return ds
}

// DevicesWithModel lists the devices currently holding modelID, by index.
func (s *Scheduler) DevicesWithModel(modelID string) []string {
	var out []string
	for _, d := range s.reg.List() {
		if d.Holds(modelID) {
			out = append(out, d.ID)
		}
	}
	return out
}

// Candidates returns every Available device that could take modelID, best first.
func (s *Scheduler) Candidates(modelID, kind string) []string {
	need := s.need(modelID, kind)
	var holders, fits []device.Device
	for _, d := range s.reg.List() {
		if d.Status != device.StatusAvailable {
			continue
		}
		switch {
		case d.Holds(modelID) && d.Resident.Ready:
			holders = append(holders, d)
		case d.AvailableBytes()+d.Resident.Bytes() >= need:
			fits = append(fits, d)
		}
	}
	out := make([]string, 0, len(holders)+len(fits))
	for _, d := range rank(holders) {
		out = append(out, d.ID)
	}
	for _, d := range rank(fits) {
		out = append(out, d.ID)
	}
	return out
}
