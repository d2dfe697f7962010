package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"gpupool/internal/device"
	"gpupool/internal/events"
	"gpupool/internal/worker"
)

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct{ log zerolog.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug().Fields(kv).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error().Err(err).Fields(kv).Msg("cron: " + msg)
}

func every(d time.Duration) string { return fmt.Sprintf("@every %s", d) }

// startCron schedules health sampling and job pruning every
// scheduler_interval, and the VRAM pressure monitor every cleanup_interval
// when vram_monitoring is on. Overlapping runs are skipped.
func (p *Pool) startCron() error {
	logger := cronLogger{log: p.log.With().Str("component", "cron").Logger()}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	if d := p.cfg.SchedulerIntervalDur(); d > 0 {
		if _, err := c.AddFunc(every(d), func() {
			ctx, cancel := context.WithTimeout(context.Background(), d)
			defer cancel()
			p.SampleHealth(ctx)
			if n := p.jobs.Prune(time.Now()); n > 0 {
				p.log.Debug().Int("jobs", n).Msg("pool: pruned finished jobs")
			}
		}); err != nil {
			return fmt.Errorf("schedule health sampling: %w", err)
		}
	}
	if d := p.cfg.CleanupIntervalDur(); *p.cfg.VRAMMonitoring && d > 0 {
		if _, err := c.AddFunc(every(d), func() {
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.MessageTimeoutDur())
			defer cancel()
			p.RelieveMemoryPressure(ctx)
		}); err != nil {
			return fmt.Errorf("schedule vram monitor: %w", err)
		}
	}
	c.Start()
	p.cron = c
	return nil
}

// SampleHealth asks every live worker for its status and records the
// sample in the registry.
func (p *Pool) SampleHealth(ctx context.Context) {
	for _, d := range p.reg.List() {
		st, err := p.workers.State(d.ID)
		if err != nil || (st != worker.StateReady && st != worker.StateBusy) {
			continue
		}
		res, err := p.dispatch.Dispatch(ctx, d.ID, worker.CmdStatus, nil, 0)
		if err != nil {
			p.log.Warn().Err(err).Str("device", d.ID).Msg("pool: health sample")
			continue
		}
		var s worker.StatusResult
		if err := res.Decode(&s); err != nil {
			p.log.Warn().Err(err).Str("device", d.ID).Msg("pool: decode health sample")
			continue
		}
		if _, err := p.reg.RecordHealth(d.ID, device.HealthSample{
			TotalBytes:     s.TotalBytes,
			UsedBytes:      s.UsedBytes,
			UtilizationPct: s.UtilizationPct,
			TemperatureC:   s.TemperatureC,
			PowerW:         s.PowerW,
		}); err != nil {
			p.log.Warn().Err(err).Str("device", d.ID).Msg("pool: record health")
		}
	}
}

// RelieveMemoryPressure runs cleanup on every available device whose used
// VRAM ratio exceeds memory_threshold. It returns the devices cleaned.
func (p *Pool) RelieveMemoryPressure(ctx context.Context) []string {
	var cleaned []string
	for _, d := range p.reg.List() {
		if d.Status != device.StatusAvailable || d.TotalBytes == 0 {
			continue
		}
		ratio := d.UsedRatio()
		if ratio <= p.cfg.MemoryThreshold {
			continue
		}
		freed, err := p.vram.Cleanup(ctx, d.ID)
		if err != nil {
			p.log.Warn().Err(err).Str("device", d.ID).Float64("used_ratio", ratio).Msg("pool: cleanup under memory pressure")
			continue
		}
		cleaned = append(cleaned, d.ID)
		p.log.Info().Str("device", d.ID).Float64("used_ratio", ratio).Int64("freed_bytes", freed).Msg("pool: memory pressure cleanup")
		p.pub.Publish(events.Event{Name: "memory_pressure", DeviceID: d.ID, Fields: map[string]any{"used_ratio": ratio, "freed_bytes": freed}})
	}
	return cleaned
}
