package device

import "time"

// Status is the health/availability state of a device.
type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
	StatusOffline   Status = "offline"
	StatusError     Status = "error"
)

// Device is the registry's record of one accelerator. Values returned by the
// Registry are snapshots; mutate only through the Registry API.
type Device struct {
	ID            string
	Index         int
	UUID          string
	Name          string
	Vendor        string
	DriverVersion string
	TotalBytes    int64
	UsedBytes     int64
	Status        Status
	Resident      *ResidentModel
	Health        HealthSample
	LastHealth    time.Time
	// Version increments on every committed mutation and is the compare-and-swap token.
	Version uint64
}

// AvailableBytes is the VRAM not accounted to residency or allocations.
func (d Device) AvailableBytes() int64 {
	if free := d.TotalBytes - d.UsedBytes; free > 0 {
		return free
	}
	return 0
}

// UsedRatio returns used/total in [0,1]; 0 when total is unknown.
func (d Device) UsedRatio() float64 {
	if d.TotalBytes <= 0 {
		return 0
	}
	return float64(d.UsedBytes) / float64(d.TotalBytes)
}

// Holds reports whether the device currently holds modelID in VRAM.
func (d Device) Holds(modelID string) bool {
	return d.Resident != nil && d.Resident.ModelID == modelID
}

func (d Device) clone() Device {
	out := d
	if d.Resident != nil {
		rm := d.Resident.Clone()
		out.Resident = &rm
	}
	return out
}

// ResidentComponent is one model component held in VRAM.
type ResidentComponent struct {
	Kind    string
	CacheID string
	Bytes   int64
}

// ResidentModel is the set of components a device holds for one model.
type ResidentModel struct {
	DeviceID   string
	ModelID    string
	Components []ResidentComponent
	LoadedAt   time.Time
	Ready      bool
}

// Bytes sums the VRAM used by all components.
func (r *ResidentModel) Bytes() int64 {
	if r == nil {
		return 0
	}
	var n int64
	for _, c := range r.Components {
		n += c.Bytes
	}
	return n
}

// Clone returns a deep copy.
func (r ResidentModel) Clone() ResidentModel {
	out := r
	out.Components = append([]ResidentComponent(nil), r.Components...)
	return out
}

// HealthSample is one telemetry reading for a device.
type HealthSample struct {
	TotalBytes     int64
	UsedBytes      int64
	UtilizationPct float64
	TemperatureC   float64
	PowerW         float64
	SampledAt      time.Time
}

// Change is pushed to subscribers after every committed mutation.
type Change struct {
	DeviceID  string
	OldStatus Status
	Device    Device
}
