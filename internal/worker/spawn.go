package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"gpupool/internal/poolerr"
)

// Conn is a live connection to one worker process.
type Conn interface {
	io.Writer
	// Reader yields the worker's stdout.
	Reader() io.Reader
	// Wait blocks until the process exits.
	Wait() error
	// Kill terminates the process, gracefully first.
	Kill() error
	Pid() int
}

// Spawner starts a worker bound to one device.
type Spawner interface {
	Spawn(ctx context.Context, deviceID string, index int) (Conn, error)
}

// ExecSpawner runs Command as a child process with CUDA_VISIBLE_DEVICES
// restricted to the target device.
type ExecSpawner struct {
	Command []string
	Env     []string
	Dir     string
	// KillGrace is the wait between SIGTERM and SIGKILL. Default 2s.
	KillGrace time.Duration
}

func (s ExecSpawner) Spawn(_ context.Context, deviceID string, index int) (Conn, error) {
	if len(s.Command) == 0 || strings.TrimSpace(s.Command[0]) == "" {
		return nil, poolerr.InvalidRequest("worker.spawn", "worker command is empty")
	}
	cmd := exec.Command(s.Command[0], s.Command[1:]...)
	cmd.Dir = s.Dir
	cmd.Env = append(append(os.Environ(), s.Env...),
		"CUDA_VISIBLE_DEVICES="+strconv.Itoa(index),
		"GPUPOOL_DEVICE_ID="+deviceID,
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, poolerr.Wrap(poolerr.KindWorkerCrashed, "worker.spawn", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, poolerr.Wrap(poolerr.KindWorkerCrashed, "worker.spawn", err)
	}
	tail := &tailBuffer{max: 4096}
	cmd.Stderr = tail
	if err := cmd.Start(); err != nil {
		return nil, poolerr.Wrap(poolerr.KindWorkerCrashed, "worker.spawn", fmt.Errorf("start %s: %w", s.Command[0], err))
	}
	grace := s.KillGrace
	if grace <= 0 {
		grace = 2 * time.Second
	}
	c := &execConn{cmd: cmd, stdin: stdin, stdout: stdout, tail: tail, grace: grace, done: make(chan struct{})}
	go func() {
		c.waitErr = cmd.Wait()
		close(c.done)
	}()
	return c, nil
}

type execConn struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.Reader
	tail    *tailBuffer
	grace   time.Duration
	done    chan struct{}
	waitErr error
}

func (c *execConn) Write(p []byte) (int, error) { return c.stdin.Write(p) }
func (c *execConn) Reader() io.Reader           { return c.stdout }
func (c *execConn) Pid() int                    { return c.cmd.Process.Pid }

func (c *execConn) Wait() error {
	<-c.done
	if c.waitErr != nil {
		if t := c.tail.String(); t != "" {
			return fmt.Errorf("%w; stderr tail: %s", c.waitErr, t)
		}
	}
	return c.waitErr
}

func (c *execConn) Kill() error {
	_ = c.stdin.Close()
	select {
	case <-c.done:
		return nil
	default:
	}
	_ = c.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-c.done:
	case <-time.After(c.grace):
		_ = c.cmd.Process.Kill()
		<-c.done
	}
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	t.mu.Unlock()
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
