package pool

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"gpupool/internal/device"
	"gpupool/internal/events"
	"gpupool/internal/poolerr"
	"gpupool/internal/vram"
	"gpupool/internal/worker"
)

const namespace = "gpupool"

type metrics struct {
	promotions *prometheus.CounterVec
	evictions  *prometheus.CounterVec
	workers    *prometheus.CounterVec
	jobs       *prometheus.CounterVec
	dispatch   *prometheus.HistogramVec
	cacheEvict prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, p *Pool) *metrics {
	m := &metrics{
		promotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promotions_total",
			Help:      "Models promoted from RAM cache to VRAM",
		}, []string{"device"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Models removed from VRAM, by reason",
		}, []string{"device", "reason"}),
		workers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "events_total",
			Help:      "Worker lifecycle events (crashed, respawn, unresponsive, stopped)",
		}, []string{"device", "event"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_jobs_total",
			Help:      "Finished batch jobs by kind and status",
		}, []string{"kind", "status"}),
		dispatch: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Round trip of worker commands",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"command", "outcome"}),
		cacheEvict: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "RAM cache entries evicted to make room",
		}),
	}
	reg.MustRegister(m.promotions, m.evictions, m.workers, m.jobs, m.dispatch, m.cacheEvict, &collector{p: p})
	return m
}

// observe turns lifecycle events into counters before passing them on.
type observe struct {
	m    *metrics
	next events.Publisher
}

func (o observe) Publish(e events.Event) {
	switch e.Name {
	case "model_promoted":
		o.m.promotions.WithLabelValues(e.DeviceID).Inc()
	case "model_evicted":
		o.m.evictions.WithLabelValues(e.DeviceID, "unload").Inc()
	case "residency_lost":
		o.m.evictions.WithLabelValues(e.DeviceID, "worker_lost").Inc()
	case "worker_crashed", "worker_respawn", "worker_unresponsive", "worker_stopped":
		o.m.workers.WithLabelValues(e.DeviceID, e.Name[len("worker_"):]).Inc()
	case "job_finished":
		kind, _ := e.Fields["kind"].(string)
		status, _ := e.Fields["status"].(string)
		o.m.jobs.WithLabelValues(kind, status).Inc()
	}
	o.next.Publish(e)
}

// timedDispatcher records dispatch latency for every command the VRAM
// manager and the pool send.
type timedDispatcher struct {
	next vram.Dispatcher
	m    *metrics
}

func (t timedDispatcher) Dispatch(ctx context.Context, deviceID, command string, payload any, timeout time.Duration) (worker.Result, error) {
	start := time.Now()
	res, err := t.next.Dispatch(ctx, deviceID, command, payload, timeout)
	outcome := "ok"
	if err != nil {
		outcome = poolerr.KindOf(err).String()
	}
	t.m.dispatch.WithLabelValues(command, outcome).Observe(time.Since(start).Seconds())
	return res, err
}

var (
	descUsed = prometheus.NewDesc(namespace+"_device_vram_used_bytes",
		"VRAM bytes accounted as used", []string{"device"}, nil)
	descTotal = prometheus.NewDesc(namespace+"_device_vram_total_bytes",
		"VRAM capacity", []string{"device"}, nil)
	descStatus = prometheus.NewDesc(namespace+"_device_status",
		"1 for the current status of each device", []string{"device", "status"}, nil)
	descCacheBytes = prometheus.NewDesc(namespace+"_cache_bytes",
		"Bytes held in the RAM model cache", nil, nil)
	descCacheCapacity = prometheus.NewDesc(namespace+"_cache_capacity_bytes",
		"RAM model cache capacity", nil, nil)
	descCacheEntries = prometheus.NewDesc(namespace+"_cache_entries",
		"Components held in the RAM model cache", nil, nil)
)

var deviceStatuses = []device.Status{device.StatusAvailable, device.StatusBusy, device.StatusOffline, device.StatusError}

// collector reads device and cache gauges at scrape time.
type collector struct {
	p *Pool
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descUsed
	ch <- descTotal
	ch <- descStatus
	ch <- descCacheBytes
	ch <- descCacheCapacity
	ch <- descCacheEntries
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for _, d := range c.p.reg.List() {
		ch <- prometheus.MustNewConstMetric(descUsed, prometheus.GaugeValue, float64(d.UsedBytes), d.ID)
		ch <- prometheus.MustNewConstMetric(descTotal, prometheus.GaugeValue, float64(d.TotalBytes), d.ID)
		for _, s := range deviceStatuses {
			v := 0.0
			if d.Status == s {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(descStatus, prometheus.GaugeValue, v, d.ID, string(s))
		}
	}
	st := c.p.cache.Stats()
	ch <- prometheus.MustNewConstMetric(descCacheBytes, prometheus.GaugeValue, float64(st.TotalBytes))
	ch <- prometheus.MustNewConstMetric(descCacheCapacity, prometheus.GaugeValue, float64(st.CapacityBytes))
	ch <- prometheus.MustNewConstMetric(descCacheEntries, prometheus.GaugeValue, float64(st.EntryCount))
}
