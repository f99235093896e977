// Package proc supervises the OS child processes of the cluster:
// Supervisor (Doctor) children spawned by the bridge, and executor
// (Frank) and route-worker children spawned by the worker face.
package proc

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/barrhawk/fleetbridge/pkg/log"
)

// ExitInfo describes how a supervised child terminated
type ExitInfo struct {
	Code   int
	Signal string
	Err    error
}

// Child is one supervised OS process. Stdout and stderr are relayed
// line-by-line into the structured log with the child id attached; the
// exit callback runs on a background goroutine once the process dies.
type Child struct {
	ID      string
	cmd     *exec.Cmd
	logger  zerolog.Logger
	started time.Time

	mu     sync.Mutex
	exited bool
}

// Options configures a spawn
type Options struct {
	ID     string
	Binary string
	Args   []string
	Env    []string // appended to the parent environment
	OnExit func(info ExitInfo)
}

// Spawn starts a child process and begins supervising it. Spawning is
// cheap; the caller must not be blocked by the child's lifetime.
func Spawn(opts Options) (*Child, error) {
	cmd := exec.Command(opts.Binary, opts.Args...)
	cmd.Env = append(os.Environ(), opts.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to pipe stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to pipe stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", opts.Binary, err)
	}

	c := &Child{
		ID:      opts.ID,
		cmd:     cmd,
		logger:  log.ForChild(opts.ID, ""),
		started: time.Now(),
	}

	go c.relay(stdout, "stdout")
	go c.relay(stderr, "stderr")
	go c.wait(opts.OnExit)

	return c, nil
}

// PID returns the child's OS process id
func (c *Child) PID() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// StartedAt returns when the child was spawned
func (c *Child) StartedAt() time.Time {
	return c.started
}

// Alive reports whether the child has not yet exited
func (c *Child) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.exited
}

// Terminate sends SIGTERM and escalates to SIGKILL after grace. It
// returns immediately; the exit callback reports the actual death.
func (c *Child) Terminate(grace time.Duration) {
	c.mu.Lock()
	if c.exited || c.cmd.Process == nil {
		c.mu.Unlock()
		return
	}
	proc := c.cmd.Process
	c.mu.Unlock()

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		c.logger.Error().Err(err).Msg("failed to send SIGTERM")
	}

	go func() {
		time.Sleep(grace)
		c.mu.Lock()
		exited := c.exited
		c.mu.Unlock()
		if !exited {
			c.logger.Warn().Msg("child did not stop gracefully, force killing")
			_ = proc.Kill()
		}
	}()
}

// relay forwards one stdio stream into the structured log, line by
// line, without unbounded buffering
func (c *Child) relay(r io.Reader, stream string) {
	logger := log.ForChild(c.ID, stream)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		logger.Info().Msg(scanner.Text())
	}
}

func (c *Child) wait(onExit func(ExitInfo)) {
	err := c.cmd.Wait()

	c.mu.Lock()
	c.exited = true
	c.mu.Unlock()

	info := ExitInfo{Err: err}
	if state := c.cmd.ProcessState; state != nil {
		info.Code = state.ExitCode()
		if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			info.Signal = status.Signal().String()
		}
	}

	c.logger.Info().
		Int("exit_code", info.Code).
		Str("signal", info.Signal).
		Msg("child exited")

	if onExit != nil {
		onExit(info)
	}
}
