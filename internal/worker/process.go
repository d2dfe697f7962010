package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"gpupool/internal/poolerr"
)

// maxLine bounds a single protocol message.
const maxLine = 16 << 20

// Result is the decoded payload of a successful response.
type Result struct {
	DeviceID string          `json:"device_id"`
	Command  string          `json:"command"`
	Data     json.RawMessage `json:"data,omitempty"`
	Elapsed  time.Duration   `json:"elapsed"`
}

// Decode unmarshals the result data into v.
func (r Result) Decode(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return poolerr.Wrap(poolerr.KindWorker, "worker.decode", err)
	}
	return nil
}

// Process is one running worker and the in-flight request table for it.
type Process struct {
	deviceID string
	conn     Conn
	log      zerolog.Logger
	onBeat   func(Heartbeat)

	wmu sync.Mutex // serializes writes to stdin

	mu      sync.Mutex
	pending map[string]chan Response

	lastBeat   atomic.Int64 // unix nanos
	beatStatus atomic.Value // string
	inFlight   atomic.Int32
	ready      chan struct{}
	readyOnce  sync.Once

	done    chan struct{}
	exitErr error
}

func newProcess(deviceID string, conn Conn, log zerolog.Logger, onBeat func(Heartbeat)) *Process {
	p := &Process{
		deviceID: deviceID,
		conn:     conn,
		log:      log,
		onBeat:   onBeat,
		pending:  make(map[string]chan Response),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	p.lastBeat.Store(time.Now().UnixNano())
	p.beatStatus.Store("")
	go p.readLoop()
	return p
}

// Done is closed once the process has exited and its output is drained.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err returns the exit error after Done is closed.
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.exitErr
	default:
		return nil
	}
}

func (p *Process) Pid() int { return p.conn.Pid() }

// LastHeartbeat returns the time of the last heartbeat (or spawn).
func (p *Process) LastHeartbeat() time.Time { return time.Unix(0, p.lastBeat.Load()) }

// InFlight is the number of commands awaiting a response.
func (p *Process) InFlight() int { return int(p.inFlight.Load()) }

// reportingBusy reports whether the worker's last heartbeat said busy.
func (p *Process) reportingBusy() bool { return p.beatStatus.Load().(string) == BeatBusy }

func (p *Process) readLoop() {
	sc := bufio.NewScanner(p.conn.Reader())
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var in inbound
		if err := json.Unmarshal(line, &in); err != nil {
			p.log.Debug().Str("device", p.deviceID).Err(err).Msg("worker: dropping malformed line")
			continue
		}
		if in.isHeartbeat() {
			p.heartbeat(in.heartbeat())
			continue
		}
		p.deliver(in.response())
	}
	err := p.conn.Wait()
	if err == nil && sc.Err() != nil {
		err = sc.Err()
	}
	if err == nil {
		err = fmt.Errorf("worker exited")
	}
	p.exitErr = err
	close(p.done)
}

func (p *Process) heartbeat(hb Heartbeat) {
	p.lastBeat.Store(time.Now().UnixNano())
	p.beatStatus.Store(hb.Status)
	p.readyOnce.Do(func() { close(p.ready) })
	if p.onBeat != nil {
		p.onBeat(hb)
	}
}

func (p *Process) deliver(r Response) {
	p.mu.Lock()
	ch, ok := p.pending[r.ID]
	if ok {
		delete(p.pending, r.ID)
	}
	p.mu.Unlock()
	if !ok {
		p.log.Debug().Str("device", p.deviceID).Str("id", r.ID).Msg("worker: response for unknown request")
		return
	}
	// Any response proves liveness.
	p.lastBeat.Store(time.Now().UnixNano())
	ch <- r
}

func (p *Process) send(req Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return poolerr.Wrap(poolerr.KindInvalidRequest, "worker.send", err)
	}
	b = append(b, '\n')
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if _, err := p.conn.Write(b); err != nil {
		return poolerr.Wrap(poolerr.KindWorkerCrashed, "worker.send", err)
	}
	return nil
}

// call sends one command and waits for the matching response.
func (p *Process) call(ctx context.Context, command string, payload json.RawMessage, timeout time.Duration) (Result, error) {
	select {
	case <-p.done:
		return Result{}, poolerr.Wrap(poolerr.KindWorkerCrashed, "worker."+command, p.exitErr)
	default:
	}
	id := uuid.NewString()
	ch := make(chan Response, 1)
	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	forget := func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}

	start := time.Now()
	if err := p.send(Request{ID: id, Command: command, Payload: payload}); err != nil {
		forget()
		return Result{}, err
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case r := <-ch:
		if !r.OK {
			return Result{}, responseError(p.deviceID, command, r)
		}
		return Result{DeviceID: p.deviceID, Command: command, Data: r.Result, Elapsed: time.Since(start)}, nil
	case <-p.done:
		forget()
		return Result{}, poolerr.New(poolerr.KindWorkerCrashed, "worker."+command, "%s: worker exited: %v", p.deviceID, p.exitErr)
	case <-timer:
		forget()
		p.cancel(id)
		return Result{}, poolerr.New(poolerr.KindTimeout, "worker."+command, "%s: no response within %s", p.deviceID, timeout)
	case <-ctx.Done():
		forget()
		p.cancel(id)
		return Result{}, poolerr.Wrap(poolerr.KindTimeout, "worker."+command, ctx.Err())
	}
}

// cancel asks the worker to abandon request target. Best effort.
func (p *Process) cancel(target string) {
	payload, _ := json.Marshal(map[string]string{"target": target})
	if err := p.send(Request{ID: uuid.NewString(), Command: CmdCancel, Payload: payload}); err != nil {
		p.log.Debug().Str("device", p.deviceID).Err(err).Msg("worker: cancel not delivered")
	}
}

// waitReady blocks until the first heartbeat, falling back to a status query
// when none arrives within timeout.
func (p *Process) waitReady(ctx context.Context, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.ready:
		return nil
	case <-p.done:
		return poolerr.New(poolerr.KindWorkerCrashed, "worker.start", "%s: exited before ready: %v", p.deviceID, p.exitErr)
	case <-ctx.Done():
		return poolerr.Wrap(poolerr.KindTimeout, "worker.start", ctx.Err())
	case <-t.C:
	}
	wait := timeout / 2
	if wait < time.Second {
		wait = time.Second
	}
	if _, err := p.call(ctx, CmdStatus, nil, wait); err != nil {
		if poolerr.IsTimeout(err) {
			return poolerr.New(poolerr.KindTimeout, "worker.start", "%s: not ready within %s", p.deviceID, timeout)
		}
		return err
	}
	p.readyOnce.Do(func() { close(p.ready) })
	return nil
}
