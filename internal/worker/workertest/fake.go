// Package workertest provides an in-memory worker speaking the pool's
// line-delimited JSON protocol, for tests.
package workertest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"gpupool/internal/worker"
)

// Handler answers one request. Returning a Response with an empty ID sends nothing.
type Handler func(f *Fake, req worker.Request) worker.Response

// OK builds a success response carrying v.
func OK(req worker.Request, v any) worker.Response {
	var raw json.RawMessage
	if v != nil {
		raw, _ = json.Marshal(v)
	}
	return worker.Response{ID: req.ID, OK: true, Result: raw}
}

// Fail builds an error response.
func Fail(req worker.Request, code, msg string) worker.Response {
	return worker.Response{ID: req.ID, Error: &worker.WireError{Code: code, Message: msg}}
}

var pids atomic.Int64

// Spawner hands out Fakes. The zero value serves DefaultHandler and sends a
// single ready heartbeat on spawn.
type Spawner struct {
	Handler Handler
	// HeartbeatEvery sends periodic ready heartbeats when > 0.
	HeartbeatEvery time.Duration
	// FailSpawn, when set, is consulted before each spawn.
	FailSpawn func(deviceID string) error
	// NoInitialBeat suppresses the heartbeat sent on spawn.
	NoInitialBeat bool
	// TotalBytes is reported by DefaultHandler status replies.
	TotalBytes int64

	mu    sync.Mutex
	fakes map[string][]*Fake
}

func (s *Spawner) Spawn(_ context.Context, deviceID string, _ int) (worker.Conn, error) {
	if s.FailSpawn != nil {
		if err := s.FailSpawn(deviceID); err != nil {
			return nil, err
		}
	}
	h := s.Handler
	if h == nil {
		h = DefaultHandler
	}
	f := newFake(deviceID, h, s.TotalBytes)
	s.mu.Lock()
	if s.fakes == nil {
		s.fakes = make(map[string][]*Fake)
	}
	s.fakes[deviceID] = append(s.fakes[deviceID], f)
	s.mu.Unlock()
	go f.serve()
	if !s.NoInitialBeat {
		go f.Beat(worker.BeatReady)
	}
	if s.HeartbeatEvery > 0 {
		go f.beatLoop(s.HeartbeatEvery)
	}
	return f, nil
}

// Latest returns the most recent Fake spawned for deviceID.
func (s *Spawner) Latest(deviceID string) *Fake {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs := s.fakes[deviceID]
	if len(fs) == 0 {
		return nil
	}
	return fs[len(fs)-1]
}

// Spawns counts the Fakes spawned for deviceID.
func (s *Spawner) Spawns(deviceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fakes[deviceID])
}

// Fake is one in-memory worker process.
type Fake struct {
	DeviceID   string
	TotalBytes int64

	handler Handler
	pid     int

	inR  *io.PipeReader
	inW  *io.PipeWriter
	outR *io.PipeReader
	outW *io.PipeWriter
	wmu  sync.Mutex

	mu       sync.Mutex
	silent   bool
	requests []worker.Request
	model    string
	used     int64

	exitOnce sync.Once
	exited   chan struct{}
	exitErr  error
}

func newFake(deviceID string, h Handler, total int64) *Fake {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	return &Fake{
		DeviceID:   deviceID,
		TotalBytes: total,
		handler:    h,
		pid:        int(pids.Add(1)) + 10000,
		inR:        inR,
		inW:        inW,
		outR:       outR,
		outW:       outW,
		exited:     make(chan struct{}),
	}
}

func (f *Fake) Write(p []byte) (int, error) { return f.inW.Write(p) }
func (f *Fake) Reader() io.Reader           { return f.outR }
func (f *Fake) Pid() int                    { return f.pid }

func (f *Fake) Wait() error {
	<-f.exited
	return f.exitErr
}

func (f *Fake) Kill() error {
	f.exit(nil)
	return nil
}

// Crash makes the process exit with an error.
func (f *Fake) Crash() { f.exit(errors.New("exit status 139")) }

// Exited reports whether the process is gone.
func (f *Fake) Exited() bool {
	select {
	case <-f.exited:
		return true
	default:
		return false
	}
}

func (f *Fake) exit(err error) {
	f.exitOnce.Do(func() {
		f.exitErr = err
		_ = f.inR.Close()
		_ = f.outW.Close()
		close(f.exited)
	})
}

// Silence stops (or resumes) heartbeats and responses.
func (f *Fake) Silence(on bool) {
	f.mu.Lock()
	f.silent = on
	f.mu.Unlock()
}

func (f *Fake) isSilent() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.silent
}

// Requests returns the requests received so far.
func (f *Fake) Requests() []worker.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]worker.Request(nil), f.requests...)
}

// Commands returns the command names received so far.
func (f *Fake) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.requests))
	for i, r := range f.requests {
		out[i] = r.Command
	}
	return out
}

// Model returns the model DefaultHandler considers loaded.
func (f *Fake) Model() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.model
}

// Beat sends one heartbeat unless silenced.
func (f *Fake) Beat(status string) {
	if f.isSilent() {
		return
	}
	f.send(worker.Heartbeat{Type: "heartbeat", Status: status})
}

func (f *Fake) beatLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-f.exited:
			return
		case <-t.C:
			f.Beat(worker.BeatReady)
		}
	}
}

func (f *Fake) send(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	f.wmu.Lock()
	defer f.wmu.Unlock()
	_, _ = f.outW.Write(append(b, '\n'))
}

func (f *Fake) serve() {
	sc := bufio.NewScanner(f.inR)
	for sc.Scan() {
		var req worker.Request
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			continue
		}
		f.mu.Lock()
		f.requests = append(f.requests, req)
		silent := f.silent
		f.mu.Unlock()
		if silent {
			continue
		}
		go func(req worker.Request) {
			resp := f.handler(f, req)
			if resp.ID == "" || f.isSilent() {
				return
			}
			f.send(resp)
			if req.Command == worker.CmdShutdown {
				f.exit(nil)
			}
		}(req)
	}
}

// DefaultHandler models a worker holding at most one model.
func DefaultHandler(f *Fake, req worker.Request) worker.Response {
	switch req.Command {
	case worker.CmdLoad:
		var p worker.LoadPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil || p.ModelID == "" {
			return Fail(req, "invalid_request", "bad load payload")
		}
		var total int64
		for _, c := range p.Components {
			total += c.Bytes
		}
		f.mu.Lock()
		f.model, f.used = p.ModelID, total
		f.mu.Unlock()
		return OK(req, worker.MemoryResult{UsedBytes: total})
	case worker.CmdUnload:
		f.mu.Lock()
		freed := f.used
		f.model, f.used = "", 0
		f.mu.Unlock()
		return OK(req, worker.MemoryResult{FreedBytes: freed})
	case worker.CmdInfer:
		if f.Model() == "" {
			return Fail(req, "not_found", "no model loaded")
		}
		return OK(req, map[string]any{"images": []string{"image-0.png"}, "model_id": f.Model()})
	case worker.CmdStatus:
		f.mu.Lock()
		defer f.mu.Unlock()
		return OK(req, worker.StatusResult{State: worker.BeatReady, ModelID: f.model, UsedBytes: f.used, TotalBytes: f.TotalBytes, UtilizationPct: 10})
	case worker.CmdDefrag, worker.CmdCleanup, worker.CmdCancel, worker.CmdShutdown:
		return OK(req, worker.MemoryResult{})
	}
	return Fail(req, "invalid_request", "unknown command "+req.Command)
}
