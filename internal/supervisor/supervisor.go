package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/loykin/crashguard/internal/ledger"
	"github.com/loykin/crashguard/internal/metrics"
	"github.com/loykin/crashguard/internal/policy"
	"github.com/loykin/crashguard/internal/process"
	"github.com/loykin/crashguard/internal/report"
)

// ErrCrashLimitReached is returned by Run when the policy denies a launch.
var ErrCrashLimitReached = errors.New("crash limit reached")

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Options wires a Supervisor. Ledger, Launcher and Spec are required.
type Options struct {
	Limits   policy.Limits
	Spec     process.Spec
	Ledger   ledger.Ledger
	Launcher process.Launcher
	Reporter report.Reporter
	Logger   *slog.Logger
	Now      func() time.Time
	Sleep    SleepFunc
}

// Snapshot is a copy of the supervision session for status reporting.
type Snapshot struct {
	Name           string    `json:"name"`
	State          State     `json:"state"`
	TotalRestarts  int       `json:"total_restarts"`
	WindowCrashes  int       `json:"window_crashes"`
	Launches       int       `json:"launches"`
	PID            int       `json:"pid,omitempty"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	LastExitCode   *int      `json:"last_exit_code,omitempty"`
	LedgerDegraded bool      `json:"ledger_degraded"`
	MaxRestarts    int       `json:"max_restarts"`
	WindowSeconds  int       `json:"time_window_seconds"`
}

// Supervisor runs one child under crash-loop protection.
type Supervisor struct {
	limits   policy.Limits
	spec     process.Spec
	ledger   *ledger.Fallback
	launcher process.Launcher
	reporter report.Reporter
	log      *slog.Logger
	now      func() time.Time
	sleep    SleepFunc

	mu   sync.RWMutex
	snap Snapshot
}

func New(opts Options) (*Supervisor, error) {
	if err := opts.Limits.Validate(); err != nil {
		return nil, err
	}
	if opts.Ledger == nil {
		return nil, errors.New("supervisor: ledger is required")
	}
	if opts.Launcher == nil {
		return nil, errors.New("supervisor: launcher is required")
	}
	if err := opts.Spec.Validate(); err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}
	s := &Supervisor{
		limits:   opts.Limits,
		spec:     opts.Spec,
		launcher: opts.Launcher,
		reporter: opts.Reporter,
		log:      opts.Logger,
		now:      opts.Now,
		sleep:    opts.Sleep,
	}
	if s.reporter == nil {
		s.reporter = report.Discard{}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("server", opts.Spec.Name)
	if s.now == nil {
		s.now = time.Now
	}
	if s.sleep == nil {
		s.sleep = Sleep
	}
	s.ledger = ledger.NewFallback(opts.Ledger, s.onLedgerDegraded).WithLogger(s.log)
	s.snap = Snapshot{
		Name:          opts.Spec.Name,
		State:         StateChecking,
		MaxRestarts:   opts.Limits.MaxRestarts,
		WindowSeconds: opts.Limits.TimeWindowSeconds,
	}
	return s, nil
}

// Sleep waits for d unless ctx ends first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Snapshot returns a copy of the current session state.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := s.snap
	if snap.LastExitCode != nil {
		c := *snap.LastExitCode
		snap.LastExitCode = &c
	}
	return snap
}

// Ledger exposes the wrapped ledger; it never returns errors once degraded.
func (s *Supervisor) Ledger() ledger.Ledger { return s.ledger }

// ReportAnomaly surfaces a startup problem (e.g. a reset crash history) as a
// ledger_degraded event.
func (s *Supervisor) ReportAnomaly(err error) {
	if err == nil {
		return
	}
	s.log.Warn("crash ledger anomaly", "error", err)
	s.markDegraded()
	s.emit(report.EventLedgerDegraded, err.Error(), 0, 0, 0)
}

func (s *Supervisor) onLedgerDegraded(err error) {
	s.markDegraded()
	s.emit(report.EventLedgerDegraded, fmt.Sprintf("crash ledger failed, history reset: %v", err), 0, 0, 0)
}

func (s *Supervisor) markDegraded() {
	metrics.IncLedgerDegraded()
	s.mu.Lock()
	s.snap.LedgerDegraded = true
	s.mu.Unlock()
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.snap.State = st
	s.mu.Unlock()
	metrics.SetState(s.spec.Name, st.String())
}

func (s *Supervisor) update(fn func(*Snapshot)) {
	s.mu.Lock()
	fn(&s.snap)
	s.mu.Unlock()
}

func (s *Supervisor) emit(typ report.EventType, msg string, exitCode, crashCount, attempt int) {
	e := report.NewEvent(typ, s.spec.Name, msg, exitCode, crashCount)
	e.Attempt = attempt
	s.reporter.Report(e)
}

func (s *Supervisor) windowCount(ctx context.Context) (int, error) {
	n, err := ledger.Window(ctx, s.ledger, s.now(), s.limits.Window())
	if err != nil {
		return 0, fmt.Errorf("crash ledger: %w", err)
	}
	s.update(func(sn *Snapshot) { sn.WindowCrashes = n })
	metrics.SetWindowCrashes(s.spec.Name, n)
	return n, nil
}

// Run drives the supervision loop until the policy halts it or ctx ends.
// It returns ErrCrashLimitReached on halt and nil on shutdown via ctx.
func (s *Supervisor) Run(ctx context.Context) error {
	var (
		crashed  bool
		lastExit int
		restarts int
	)
	for {
		if ctx.Err() != nil {
			s.setState(StateStopped)
			return nil
		}
		s.setState(StateChecking)
		count, err := s.windowCount(ctx)
		if err != nil {
			return err
		}
		if s.limits.Evaluate(count) == policy.Deny {
			s.setState(StateHalted)
			metrics.IncHalt(s.spec.Name)
			msg := fmt.Sprintf("%d crashes within %ds (limit %d), not restarting",
				count, s.limits.TimeWindowSeconds, s.limits.MaxRestarts)
			s.log.Error("crash limit reached", "state", StateHalted, "exit_code", lastExit, "crash_count", count, "attempt", restarts)
			s.emit(report.EventCrashLimitReached, msg, lastExit, count, restarts)
			return fmt.Errorf("%w: %s", ErrCrashLimitReached, msg)
		}

		if crashed {
			s.setState(StateCrashedWaiting)
			delay := s.limits.RestartDelay()
			s.log.Info("restarting after delay", "state", StateCrashedWaiting, "delay", delay, "crash_count", count, "attempt", restarts)
			if err := s.sleep(ctx, delay); err != nil {
				s.setState(StateStopped)
				return nil
			}
			metrics.IncRestart(s.spec.Name)
			s.emit(report.EventRestart, fmt.Sprintf("restart attempt %d after exit code %d", restarts, lastExit), lastExit, count, restarts)
		}

		status, stopped := s.runOnce(ctx, crashed, count, restarts)
		if stopped {
			s.setState(StateStopped)
			return nil
		}

		// every observed exit is a crash, including exit code 0
		at := s.now()
		if err := s.ledger.Append(ctx, at); err != nil {
			return fmt.Errorf("crash ledger: %w", err)
		}
		restarts++
		lastExit = status.Code
		crashed = true
		count, err = s.windowCount(ctx)
		if err != nil {
			return err
		}
		s.update(func(sn *Snapshot) {
			sn.TotalRestarts = restarts
			sn.PID = 0
			code := lastExit
			sn.LastExitCode = &code
		})
		metrics.IncCrash(s.spec.Name, lastExit)
		msg := fmt.Sprintf("child exited with code %d", lastExit)
		var exitErr *exec.ExitError
		if status.Err != nil && !errors.As(status.Err, &exitErr) {
			msg = fmt.Sprintf("child exited with code %d: %v", lastExit, status.Err)
		}
		s.log.Warn("child crashed", "state", StateRunning, "exit_code", lastExit, "crash_count", count, "attempt", restarts)
		s.emit(report.EventCrash, msg, lastExit, count, restarts)
	}
}

// runOnce launches the child and waits for it. A launch failure is returned
// as an exit status so it flows through the crash path. stopped is true when
// ctx ended while the child was running.
func (s *Supervisor) runOnce(ctx context.Context, relaunch bool, count, restarts int) (process.ExitStatus, bool) {
	child, err := s.launcher.Launch(ctx, s.spec)
	metrics.IncLaunch(s.spec.Name)
	s.update(func(sn *Snapshot) { sn.Launches++ })
	if err != nil {
		code := process.LaunchExitCode(err)
		s.log.Error("child launch failed", "path", s.spec.Path, "exit_code", code, "error", err)
		return process.ExitStatus{Code: code, Err: err}, false
	}

	s.update(func(sn *Snapshot) {
		sn.PID = child.PID()
		sn.StartedAt = child.StartedAt()
	})
	s.setState(StateRunning)
	s.log.Info("child started", "state", StateRunning, "pid", child.PID(), "crash_count", count, "attempt", restarts)
	if !relaunch {
		s.emit(report.EventStartup, fmt.Sprintf("started %s (pid %d)", s.spec.CommandLine(), child.PID()), 0, count, 0)
	}

	done := make(chan process.ExitStatus, 1)
	go func() { done <- child.Wait() }()
	select {
	case st := <-done:
		if ctx.Err() != nil {
			return st, true
		}
		return st, false
	case <-ctx.Done():
		s.log.Info("stopping child", "pid", child.PID(), "timeout", s.spec.StopTimeout)
		st := child.Stop(s.spec.StopTimeout)
		s.log.Info("child stopped", "pid", child.PID(), "exit_code", st.Code)
		s.update(func(sn *Snapshot) { sn.PID = 0 })
		return st, true
	}
}
