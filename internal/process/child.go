package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/servo/internal/logger"
	"github.com/loykin/servo/internal/logring"
)

var (
	// ErrNotRunning signals that no live process is attached to the child.
	ErrNotRunning = errors.New("process is not running")
	// ErrStalePID means the recorded PID now refers to a different process
	// (the OS reused the number after our child exited). Signals must never
	// be delivered in that situation.
	ErrStalePID = errors.New("recorded pid refers to a different process")
	// ErrAlreadyRunning guards double spawns.
	ErrAlreadyRunning = errors.New("process is already running")
)

// StartSpec is everything needed to spawn one service process.
type StartSpec struct {
	Command      string
	Args         []string
	WorkDir      string
	Env          []string
	Log          logger.Config
	RingCapacity int
}

// Child owns at most one OS process for a service across its runs. stdout
// and stderr are always captured into bounded ring buffers; file logging is
// additive when configured. A monitor goroutine attached at spawn is the only
// caller of cmd.Wait, so kill escalation never races the reaper.
type Child struct {
	mu        sync.Mutex
	id        string
	cmd       *exec.Cmd
	pid       int
	startUnix int64
	startedAt time.Time
	waitDone  chan struct{}
	exited    bool
	exitErr   error
	stdout    *logring.Buffer
	stderr    *logring.Buffer
	closers   []io.WriteCloser
}

func NewChild(id string, ringCapacity int) *Child {
	return &Child{
		id:     id,
		stdout: logring.New(ringCapacity),
		stderr: logring.New(ringCapacity),
	}
}

// Spawn starts the process described by spec. On success pid, startedAt and
// the process start-time identity are recorded and a monitor goroutine reaps
// the child when it exits.
func (c *Child) Spawn(spec StartSpec) error {
	c.mu.Lock()
	if c.pid != 0 && !c.exited {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.mu.Unlock()

	cmd := BuildCommand(spec.Command, spec.Args)
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var closers []io.WriteCloser
	outW := io.Writer(c.stdout)
	errW := io.Writer(c.stderr)
	if spec.Log.Dir != "" || spec.Log.StdoutPath != "" || spec.Log.StderrPath != "" {
		if spec.Log.Dir != "" {
			_ = os.MkdirAll(spec.Log.Dir, 0o750)
		}
		fileOut, fileErr, _ := spec.Log.Writers(c.id)
		if fileOut != nil {
			outW = io.MultiWriter(c.stdout, fileOut)
			closers = append(closers, fileOut)
		}
		if fileErr != nil {
			errW = io.MultiWriter(c.stderr, fileErr)
			closers = append(closers, fileErr)
		}
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		for _, cl := range closers {
			_ = cl.Close()
		}
		return fmt.Errorf("spawn %s: %w", c.id, err)
	}

	pid := cmd.Process.Pid
	done := make(chan struct{})
	c.mu.Lock()
	c.cmd = cmd
	c.pid = pid
	c.startUnix = startUnixTime(pid)
	c.startedAt = time.Now()
	c.waitDone = done
	c.exited = false
	c.exitErr = nil
	c.closers = closers
	c.mu.Unlock()

	go c.monitor(cmd, done)
	return nil
}

func (c *Child) monitor(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	c.mu.Lock()
	c.exited = true
	c.exitErr = err
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()
	for _, cl := range closers {
		_ = cl.Close()
	}
	close(done)
}

// Alive reports whether the spawned process is still running.
func (c *Child) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pid != 0 && !c.exited
}

// PID returns the last spawned pid, 0 when never spawned.
func (c *Child) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pid
}

// StartedAt returns the last spawn time; zero when never spawned.
func (c *Child) StartedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startedAt
}

// Uptime returns how long the current run has been alive, 0 when not running.
func (c *Child) Uptime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pid == 0 || c.exited {
		return 0
	}
	return time.Since(c.startedAt)
}

// ExitErr returns the error cmd.Wait reported for the last completed run.
func (c *Child) ExitErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.exited {
		return nil
	}
	return c.exitErr
}

// WaitDone returns a channel closed when the current run exits, or nil when
// no run was started.
func (c *Child) WaitDone() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitDone
}

// SameProcess re-verifies that the recorded PID still refers to the process
// we spawned, comparing the kernel-reported start time against the one
// captured at spawn.
func (c *Child) SameProcess() bool {
	c.mu.Lock()
	pid := c.pid
	exited := c.exited
	recorded := c.startUnix
	c.mu.Unlock()
	if pid == 0 || exited {
		return false
	}
	if recorded == 0 {
		// identity unknown; monitor-based exit tracking is the only guard
		return true
	}
	cur := startUnixTime(pid)
	return cur == 0 || cur == recorded
}

// Signal delivers sig to the process group after re-verifying PID identity.
func (c *Child) Signal(sig syscall.Signal) error {
	c.mu.Lock()
	pid := c.pid
	exited := c.exited
	c.mu.Unlock()
	if pid == 0 || exited {
		return ErrNotRunning
	}
	if !c.SameProcess() {
		return ErrStalePID
	}
	if err := syscall.Kill(-pid, sig); err != nil {
		return fmt.Errorf("signal %s to pid %d: %w", sig, pid, err)
	}
	return nil
}

// Stdout returns the captured stdout ring buffer.
func (c *Child) Stdout() *logring.Buffer { return c.stdout }

// Stderr returns the captured stderr ring buffer.
func (c *Child) Stderr() *logring.Buffer { return c.stderr }
