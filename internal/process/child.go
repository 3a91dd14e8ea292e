package process

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Exit codes for launches that never produced a process, following shell conventions.
const (
	ExitNotExecutable = 126
	ExitNotFound      = 127
)

// ExitStatus describes how a child run ended.
// Code is the exit code, or -signum when the child was killed by a signal.
type ExitStatus struct {
	Code     int
	Signal   syscall.Signal
	Signaled bool
	Err      error
}

func (e ExitStatus) Success() bool { return e.Code == 0 && e.Err == nil }

// Launcher starts child processes. It is an interface so the supervisor
// loop can be driven by fakes in tests.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Child, error)
}

// Child is one running instance of the supervised process.
type Child interface {
	PID() int
	StartedAt() time.Time
	// Wait blocks until the child exits. It may be called more than once.
	Wait() ExitStatus
	// Stop asks the child to exit with SIGTERM and escalates to SIGKILL after timeout.
	Stop(timeout time.Duration) ExitStatus
}

// LaunchExitCode maps a start failure to the code recorded for it.
func LaunchExitCode(err error) int {
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return ExitNotFound
	case errors.Is(err, fs.ErrPermission):
		return ExitNotExecutable
	default:
		return ExitNotFound
	}
}

// ExitStatusFromError converts the result of cmd.Wait.
func ExitStatusFromError(err error) ExitStatus {
	if err == nil {
		return ExitStatus{}
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			sig := ws.Signal()
			return ExitStatus{Code: -int(sig), Signal: sig, Signaled: true, Err: err}
		}
		return ExitStatus{Code: ee.ExitCode(), Err: err}
	}
	return ExitStatus{Code: -1, Err: err}
}

// ExecLauncher starts real OS processes.
type ExecLauncher struct {
	// Stdout and Stderr receive child output when the spec has no log config.
	Stdout io.Writer
	Stderr io.Writer
}

func NewExecLauncher() *ExecLauncher {
	return &ExecLauncher{Stdout: os.Stdout, Stderr: os.Stderr}
}

func (l *ExecLauncher) Launch(_ context.Context, spec Spec) (Child, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	cmd := spec.BuildCommand()

	var closers []io.Closer
	if spec.Log.Enabled() {
		if spec.Log.Dir != "" {
			_ = os.MkdirAll(spec.Log.Dir, 0o750)
		}
		outW, errW, err := spec.Log.Writers(spec.Name)
		if err != nil {
			return nil, err
		}
		if outW != nil {
			cmd.Stdout = outW
			closers = append(closers, outW)
		}
		if errW != nil {
			cmd.Stderr = errW
			closers = append(closers, errW)
		}
	}
	if cmd.Stdout == nil {
		cmd.Stdout = l.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = l.Stderr
	}

	if err := cmd.Start(); err != nil {
		for _, c := range closers {
			_ = c.Close()
		}
		return nil, err
	}
	c := &execChild{
		cmd:       cmd,
		startedAt: time.Now(),
		closers:   closers,
		done:      make(chan struct{}),
	}
	go c.wait()
	return c, nil
}

type execChild struct {
	cmd       *exec.Cmd
	startedAt time.Time
	closers   []io.Closer

	done   chan struct{}
	status ExitStatus
	once   sync.Once
}

func (c *execChild) wait() {
	err := c.cmd.Wait()
	c.status = ExitStatusFromError(err)
	for _, cl := range c.closers {
		_ = cl.Close()
	}
	close(c.done)
}

func (c *execChild) PID() int { return c.cmd.Process.Pid }

func (c *execChild) StartedAt() time.Time { return c.startedAt }

func (c *execChild) Wait() ExitStatus {
	<-c.done
	return c.status
}

func (c *execChild) Stop(timeout time.Duration) ExitStatus {
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	c.once.Do(func() {
		_ = signalGroup(c.PID(), syscall.SIGTERM)
	})
	select {
	case <-c.done:
	case <-time.After(timeout):
		_ = signalGroup(c.PID(), syscall.SIGKILL)
		<-c.done
	}
	return c.status
}
