// Package batch fans multi-device jobs out to a Runner and aggregates the
// per-device results into a job status.
package batch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"gpupool/internal/events"
	"gpupool/internal/poolerr"
)

// Kind is the operation a job performs on each target.
type Kind string

const (
	KindLoad      Kind = "load"
	KindInference Kind = "inference"
	KindUnload    Kind = "unload"
	KindCleanup   Kind = "cleanup"
)

func (k Kind) valid() bool {
	switch k {
	case KindLoad, KindInference, KindUnload, KindCleanup:
		return true
	}
	return false
}

// Status is a job's aggregate state.
type Status string

const (
	StatusQueued          Status = "queued"
	StatusRunning         Status = "running"
	StatusPartiallyFailed Status = "partially_failed"
	StatusFailed          Status = "failed"
	StatusCompleted       Status = "completed"
	StatusCancelled       Status = "cancelled"
)

// Terminal reports whether no further change can happen.
func (s Status) Terminal() bool {
	switch s {
	case StatusPartiallyFailed, StatusFailed, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// ErrorKindCancelled marks sub-results that a cancel cut short.
const ErrorKindCancelled = "cancelled"

// SubResult is the outcome on one target.
type SubResult struct {
	DeviceID  string        `json:"device_id"`
	Success   bool          `json:"success"`
	Message   string        `json:"message,omitempty"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Data      any           `json:"data,omitempty"`
	Started   time.Time     `json:"started,omitempty"`
	Finished  time.Time     `json:"finished,omitempty"`
	Duration  time.Duration `json:"duration"`
}

func (r SubResult) done() bool { return !r.Finished.IsZero() }

// Job is a snapshot of a batch job.
type Job struct {
	ID         string               `json:"id"`
	Kind       Kind                 `json:"kind"`
	Targets    []string             `json:"targets"`
	Params     map[string]any       `json:"params,omitempty"`
	SubResults map[string]SubResult `json:"sub_results"`
	Status     Status               `json:"status"`
	CreatedAt  time.Time            `json:"created_at"`
	FinishedAt time.Time            `json:"finished_at,omitempty"`
}

// SuccessCount is the number of targets that succeeded.
func (j Job) SuccessCount() int {
	n := 0
	for _, r := range j.SubResults {
		if r.Success {
			n++
		}
	}
	return n
}

// deriveStatus computes a job's status from its sub-results alone.
func deriveStatus(subs map[string]SubResult, total int, cancelled bool) Status {
	if cancelled {
		return StatusCancelled
	}
	var started, finished, ok int
	for _, r := range subs {
		if !r.Started.IsZero() {
			started++
		}
		if r.done() {
			finished++
			if r.Success {
				ok++
			}
		}
	}
	switch {
	case finished < total && started == 0:
		return StatusQueued
	case finished < total:
		return StatusRunning
	case ok == total:
		return StatusCompleted
	case ok == 0:
		return StatusFailed
	default:
		return StatusPartiallyFailed
	}
}

// Runner executes one sub-operation on one target.
type Runner interface {
	RunSub(ctx context.Context, kind Kind, target string, params map[string]any) (any, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, kind Kind, target string, params map[string]any) (any, error)

func (f RunnerFunc) RunSub(ctx context.Context, kind Kind, target string, params map[string]any) (any, error) {
	return f(ctx, kind, target, params)
}

// Config configures an Orchestrator.
type Config struct {
	Runner Runner
	// BatchSize bounds concurrent sub-operations per job; <= 0 is unbounded.
	BatchSize int
	// TaskTimeout bounds each sub-operation; <= 0 is unbounded.
	TaskTimeout time.Duration
	// Retention is how long terminal jobs are kept by Prune. Default 1h.
	Retention time.Duration
	Logger    zerolog.Logger
	Publisher events.Publisher
}

type job struct {
	Job
	cancelled bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func (j *job) snapshot() Job {
	out := j.Job
	out.Targets = append([]string(nil), j.Targets...)
	out.SubResults = make(map[string]SubResult, len(j.SubResults))
	for k, v := range j.SubResults {
		out.SubResults[k] = v
	}
	return out
}

// Orchestrator runs and tracks batch jobs.
type Orchestrator struct {
	cfg Config
	log zerolog.Logger
	pub events.Publisher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*job
}

func New(cfg Config) *Orchestrator {
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:    cfg,
		log:    cfg.Logger,
		pub:    events.OrNoop(cfg.Publisher),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*job),
	}
}

// Submit validates and starts a job, returning its id immediately.
func (o *Orchestrator) Submit(kind Kind, targets []string, params map[string]any) (string, error) {
	const op = "batch.submit"
	if !kind.valid() {
		return "", poolerr.InvalidRequest(op, "unknown job kind %q", kind)
	}
	if len(targets) == 0 {
		return "", poolerr.InvalidRequest(op, "no targets")
	}
	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		if t == "" || seen[t] {
			return "", poolerr.InvalidRequest(op, "empty or duplicate target %q", t)
		}
		seen[t] = true
	}
	if o.ctx.Err() != nil {
		return "", poolerr.New(poolerr.KindUnavailable, op, "orchestrator closed")
	}
	ctx, cancel := context.WithCancel(o.ctx)
	j := &job{
		Job: Job{
			ID:         uuid.NewString(),
			Kind:       kind,
			Targets:    append([]string(nil), targets...),
			Params:     params,
			SubResults: make(map[string]SubResult, len(targets)),
			Status:     StatusQueued,
			CreatedAt:  time.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, t := range targets {
		j.SubResults[t] = SubResult{DeviceID: t}
	}
	o.mu.Lock()
	o.jobs[j.ID] = j
	o.mu.Unlock()

	o.log.Info().Str("job", j.ID).Str("kind", string(kind)).Int("targets", len(targets)).Msg("batch: submitted")
	o.pub.Publish(events.Event{Name: "job_submitted", Fields: map[string]any{"job": j.ID, "kind": string(kind)}})
	o.wg.Add(1)
	go o.run(ctx, j)
	return j.ID, nil
}

func (o *Orchestrator) run(ctx context.Context, j *job) {
	defer o.wg.Done()
	defer j.cancel()
	var g errgroup.Group
	if o.cfg.BatchSize > 0 {
		g.SetLimit(o.cfg.BatchSize)
	}
	for _, target := range j.Targets {
		target := target
		g.Go(func() error {
			o.runOne(ctx, j, target)
			return nil
		})
	}
	_ = g.Wait()
	o.finish(j)
}

func (o *Orchestrator) runOne(ctx context.Context, j *job, target string) {
	start := time.Now()
	if !o.update(j, target, func(r *SubResult) { r.Started = start }) {
		return
	}
	if ctx.Err() != nil {
		return
	}
	sctx := ctx
	if o.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, o.cfg.TaskTimeout)
		defer cancel()
	}
	data, err := o.cfg.Runner.RunSub(sctx, j.Kind, target, j.Params)
	if err == nil && sctx.Err() != nil {
		err = poolerr.Wrap(poolerr.KindTimeout, "batch."+string(j.Kind), sctx.Err())
	}
	end := time.Now()
	o.update(j, target, func(r *SubResult) {
		r.Finished = end
		r.Duration = end.Sub(start)
		if err != nil {
			r.Message = err.Error()
			r.ErrorKind = poolerr.KindOf(err).String()
			return
		}
		r.Success = true
		r.Message = "ok"
		r.Data = data
	})
	ev := o.log.Debug()
	if err != nil {
		ev = o.log.Warn().Err(err)
	}
	ev.Str("job", j.ID).Str("target", target).Dur("elapsed", end.Sub(start)).Msg("batch: sub-operation finished")
}

// update applies fn to target's sub-result unless the job is terminal.
func (o *Orchestrator) update(j *job, target string, fn func(*SubResult)) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if j.Status.Terminal() {
		return false
	}
	r := j.SubResults[target]
	fn(&r)
	j.SubResults[target] = r
	j.Status = deriveStatus(j.SubResults, len(j.Targets), j.cancelled)
	return true
}

func (o *Orchestrator) finish(j *job) {
	o.mu.Lock()
	if j.cancelled {
		o.mu.Unlock()
		return
	}
	j.Status = deriveStatus(j.SubResults, len(j.Targets), false)
	j.FinishedAt = time.Now()
	snap := j.snapshot()
	close(j.done)
	o.mu.Unlock()

	o.log.Info().Str("job", snap.ID).Str("status", string(snap.Status)).Int("succeeded", snap.SuccessCount()).Int("targets", len(snap.Targets)).Msg("batch: finished")
	o.pub.Publish(events.Event{Name: "job_finished", Fields: map[string]any{"job": snap.ID, "kind": string(snap.Kind), "status": string(snap.Status), "succeeded": snap.SuccessCount()}})
}

// Status returns a snapshot of job id.
func (o *Orchestrator) Status(id string) (Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	j, ok := o.jobs[id]
	if !ok {
		return Job{}, poolerr.NotFound("batch.status", "job %q", id)
	}
	return j.snapshot(), nil
}

// Cancel marks a job cancelled and cancels its in-flight sub-operations.
// Work already committed on a worker may still complete. Cancelling a
// terminal job is a Conflict.
func (o *Orchestrator) Cancel(id string) (Job, error) {
	o.mu.Lock()
	j, ok := o.jobs[id]
	if !ok {
		o.mu.Unlock()
		return Job{}, poolerr.NotFound("batch.cancel", "job %q", id)
	}
	if j.Status.Terminal() {
		snap := j.snapshot()
		o.mu.Unlock()
		return snap, poolerr.Conflict("batch.cancel", "job %s already %s", id, snap.Status)
	}
	now := time.Now()
	j.cancelled = true
	for t, r := range j.SubResults {
		if !r.done() {
			r.Finished = now
			r.Message = "cancelled"
			r.ErrorKind = ErrorKindCancelled
			if !r.Started.IsZero() {
				r.Duration = now.Sub(r.Started)
			}
			j.SubResults[t] = r
		}
	}
	j.Status = deriveStatus(j.SubResults, len(j.Targets), true)
	j.FinishedAt = now
	snap := j.snapshot()
	close(j.done)
	o.mu.Unlock()

	j.cancel()
	o.log.Info().Str("job", id).Msg("batch: cancelled")
	o.pub.Publish(events.Event{Name: "job_cancelled", Fields: map[string]any{"job": id}})
	return snap, nil
}

// Wait blocks until job id is terminal or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, id string) (Job, error) {
	o.mu.Lock()
	j, ok := o.jobs[id]
	o.mu.Unlock()
	if !ok {
		return Job{}, poolerr.NotFound("batch.wait", "job %q", id)
	}
	select {
	case <-j.done:
		return o.Status(id)
	case <-ctx.Done():
		return Job{}, poolerr.Wrap(poolerr.KindTimeout, "batch.wait", ctx.Err())
	}
}

// List returns all tracked jobs, oldest first.
func (o *Orchestrator) List() []Job {
	o.mu.Lock()
	out := make([]Job, 0, len(o.jobs))
	for _, j := range o.jobs {
		out = append(out, j.snapshot())
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}

// Prune drops terminal jobs that finished more than Retention before now.
func (o *Orchestrator) Prune(now time.Time) int {
	cutoff := now.Add(-o.cfg.Retention)
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for id, j := range o.jobs {
		if j.Status.Terminal() && j.FinishedAt.Before(cutoff) {
			delete(o.jobs, id)
			n++
		}
	}
	return n
}

// Close cancels running jobs and waits for their goroutines.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}
