package device

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const mibToBytes = 1 << 20

// Enumerator discovers the accelerators present on the host.
type Enumerator interface {
	Enumerate(ctx context.Context) ([]Device, error)
}

// smiQueryFields is the column order requested from nvidia-smi.
var smiQueryFields = []string{
	"index", "uuid", "name", "driver_version",
	"memory.total", "memory.used", "utilization.gpu", "temperature.gpu", "power.draw",
}

// SMIEnumerator queries nvidia-smi for the installed GPUs.
type SMIEnumerator struct {
	// Bin defaults to "nvidia-smi".
	Bin string
	// Indices restricts the result to these device indices when non-empty.
	Indices []int
}

// Enumerate runs nvidia-smi and parses its CSV output.
func (e SMIEnumerator) Enumerate(ctx context.Context) ([]Device, error) {
	bin := e.Bin
	if bin == "" {
		bin = "nvidia-smi"
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	args := []string{"--query-gpu=" + strings.Join(smiQueryFields, ","), "--format=csv,noheader,nounits"}
	out, err := exec.CommandContext(ctx, bin, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", bin, err)
	}
	devs, err := ParseSMI(out)
	if err != nil {
		return nil, err
	}
	return FilterIndices(devs, e.Indices), nil
}

// ParseSMI parses `nvidia-smi --format=csv,noheader,nounits` output for the
// smiQueryFields columns. Memory columns are MiB. Unparseable numeric values
// such as "[N/A]" are treated as zero.
func ParseSMI(data []byte) ([]Device, error) {
	var devs []Device
	sc := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		cols := strings.Split(text, ",")
		if len(cols) < 6 {
			return nil, fmt.Errorf("nvidia-smi line %d: expected at least 6 columns, got %d", line, len(cols))
		}
		for i := range cols {
			cols[i] = strings.TrimSpace(cols[i])
		}
		idx, err := strconv.Atoi(cols[0])
		if err != nil {
			return nil, fmt.Errorf("nvidia-smi line %d: bad index %q", line, cols[0])
		}
		now := time.Now()
		total := int64(parseFloat(cols[4]) * mibToBytes)
		d := Device{
			ID:            DeviceID(idx),
			Index:         idx,
			UUID:          cols[1],
			Name:          cols[2],
			Vendor:        "NVIDIA",
			DriverVersion: cols[3],
			TotalBytes:    total,
			Status:        StatusAvailable,
			Health: HealthSample{
				TotalBytes: total,
				UsedBytes:  int64(parseFloat(cols[5]) * mibToBytes),
				SampledAt:  now,
			},
			LastHealth: now,
		}
		if len(cols) > 6 {
			d.Health.UtilizationPct = parseFloat(cols[6])
		}
		if len(cols) > 7 {
			d.Health.TemperatureC = parseFloat(cols[7])
		}
		if len(cols) > 8 {
			d.Health.PowerW = parseFloat(cols[8])
		}
		devs = append(devs, d)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return devs, nil
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

// DeviceID is the registry id for a device index.
func DeviceID(index int) string { return "cuda:" + strconv.Itoa(index) }

// FilterIndices keeps devices whose index is listed; an empty list keeps all.
func FilterIndices(devs []Device, indices []int) []Device {
	if len(indices) == 0 {
		return devs
	}
	want := make(map[int]bool, len(indices))
	for _, i := range indices {
		want[i] = true
	}
	out := devs[:0:0]
	for _, d := range devs {
		if want[d.Index] {
			out = append(out, d)
		}
	}
	return out
}

// StaticEnumerator returns a fixed device list. Used for configured pools
// without nvidia-smi and in tests.
type StaticEnumerator []Device

func (s StaticEnumerator) Enumerate(context.Context) ([]Device, error) {
	out := make([]Device, len(s))
	for i, d := range s {
		out[i] = d.clone()
	}
	return out, nil
}
