// Package pool is the management surface of the GPU pool. It wires the
// components together and is split by concern:
//
//   - pool.go: Options, New/Start/Close, device enumeration, model list.
//   - ops.go: device and cache operations (load, unload, inference, cleanup, allocations).
//   - batch.go: batch jobs and the runner executing their sub-operations.
//   - status_report.go: pool, device, cache and memory reports for the API.
//   - monitor.go: scheduled health sampling, job pruning and VRAM pressure cleanup.
//   - metrics.go: Prometheus counters fed by lifecycle events, scrape-time gauges.
//
// Callers outside the HTTP layer should use the exported methods only.
package pool
