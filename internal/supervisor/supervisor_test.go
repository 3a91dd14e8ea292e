package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/loykin/crashguard/internal/ledger"
	"github.com/loykin/crashguard/internal/policy"
	"github.com/loykin/crashguard/internal/process"
	"github.com/loykin/crashguard/internal/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Unix(1_700_000_000, 0).UTC()

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(offset time.Duration) {
	c.mu.Lock()
	c.now = epoch.Add(offset)
	c.mu.Unlock()
}

// run is one scripted child lifetime: the clock moves to At when it exits.
type run struct {
	At        time.Duration
	Code      int
	LaunchErr error
	Block     bool // wait until stopped
}

type fakeLauncher struct {
	mu       sync.Mutex
	clock    *fakeClock
	runs     []run
	launches int
	stopped  int
}

func (l *fakeLauncher) Launch(_ context.Context, _ process.Spec) (process.Child, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.launches >= len(l.runs) {
		return nil, errors.New("unexpected launch")
	}
	r := l.runs[l.launches]
	l.launches++
	if r.LaunchErr != nil {
		l.clock.Set(r.At)
		return nil, r.LaunchErr
	}
	return &fakeChild{l: l, r: r, pid: 1000 + l.launches, stop: make(chan struct{})}, nil
}

func (l *fakeLauncher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

type fakeChild struct {
	l    *fakeLauncher
	r    run
	pid  int
	stop chan struct{}
	once sync.Once
}

func (c *fakeChild) PID() int             { return c.pid }
func (c *fakeChild) StartedAt() time.Time { return c.l.clock.Now() }

func (c *fakeChild) Wait() process.ExitStatus {
	if c.r.Block {
		<-c.stop
		return process.ExitStatus{Code: -15, Signaled: true}
	}
	c.l.clock.Set(c.r.At)
	return process.ExitStatus{Code: c.r.Code}
}

func (c *fakeChild) Stop(time.Duration) process.ExitStatus {
	c.once.Do(func() {
		c.l.mu.Lock()
		c.l.stopped++
		c.l.mu.Unlock()
		close(c.stop)
	})
	return process.ExitStatus{Code: -15, Signaled: true}
}

type recordingReporter struct {
	mu     sync.Mutex
	events []report.Event
}

func (r *recordingReporter) Report(e report.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordingReporter) Types() []report.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]report.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recordingReporter) Last() report.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func (r *recordingReporter) Of(typ report.EventType) []report.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []report.Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type recordingSleeper struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	s.mu.Unlock()
	return ctx.Err()
}

type harness struct {
	sup      *Supervisor
	clock    *fakeClock
	launcher *fakeLauncher
	reporter *recordingReporter
	sleeper  *recordingSleeper
	ledger   ledger.Ledger
}

func newHarness(t *testing.T, limits policy.Limits, l ledger.Ledger, runs ...run) *harness {
	t.Helper()
	clock := &fakeClock{now: epoch}
	h := &harness{
		clock:    clock,
		launcher: &fakeLauncher{clock: clock, runs: runs},
		reporter: &recordingReporter{},
		sleeper:  &recordingSleeper{},
		ledger:   l,
	}
	if h.ledger == nil {
		h.ledger = ledger.NewMemory()
	}
	sup, err := New(Options{
		Limits:   limits,
		Spec:     process.Spec{Name: "arena", Path: "/srv/arena/server"},
		Ledger:   h.ledger,
		Launcher: h.launcher,
		Reporter: h.reporter,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:      clock.Now,
		Sleep:    h.sleeper.Sleep,
	})
	require.NoError(t, err)
	h.sup = sup
	return h
}

func TestRun_HaltsAfterThreeCrashesInWindow(t *testing.T) {
	h := newHarness(t, policy.Limits{MaxRestarts: 3, TimeWindowSeconds: 600},
		nil,
		run{At: 0, Code: 1},
		run{At: 1 * time.Second, Code: 1},
		run{At: 2 * time.Second, Code: 1},
	)
	err := h.sup.Run(context.Background())
	require.ErrorIs(t, err, ErrCrashLimitReached)

	assert.Equal(t, 3, h.launcher.Launches())
	assert.Equal(t, []report.EventType{
		report.EventStartup,
		report.EventCrash, report.EventRestart,
		report.EventCrash, report.EventRestart,
		report.EventCrash,
		report.EventCrashLimitReached,
	}, h.reporter.Types())

	halt := h.reporter.Last()
	assert.Equal(t, 3, halt.CrashCount)
	assert.Equal(t, 1, halt.ExitCode)

	snap := h.sup.Snapshot()
	assert.Equal(t, StateHalted, snap.State)
	assert.Equal(t, 3, snap.TotalRestarts)
	assert.Equal(t, 3, snap.WindowCrashes)
	require.NotNil(t, snap.LastExitCode)
	assert.Equal(t, 1, *snap.LastExitCode)

	n, err := h.ledger.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRun_OldCrashesLeaveWindow(t *testing.T) {
	h := newHarness(t, policy.Limits{MaxRestarts: 2, TimeWindowSeconds: 600},
		nil,
		run{At: 0, Code: 1},
		run{At: 601 * time.Second, Code: 1},
		run{At: 602 * time.Second, Code: 1},
	)
	err := h.sup.Run(context.Background())
	require.ErrorIs(t, err, ErrCrashLimitReached)

	crashes := h.reporter.Of(report.EventCrash)
	require.Len(t, crashes, 3)
	assert.Equal(t, 1, crashes[0].CrashCount)
	// the t=0 record was pruned when the t=601 crash was counted
	assert.Equal(t, 1, crashes[1].CrashCount)
	assert.Equal(t, 2, crashes[2].CrashCount)

	restarts := h.reporter.Of(report.EventRestart)
	require.Len(t, restarts, 2)
	assert.Equal(t, 2, restarts[1].Attempt)
	assert.Equal(t, 3, h.launcher.Launches())
}

func TestRun_DenialSkipsDelay(t *testing.T) {
	h := newHarness(t, policy.Limits{MaxRestarts: 1, TimeWindowSeconds: 600, RestartDelaySeconds: 5},
		nil,
		run{At: 0, Code: 2},
	)
	err := h.sup.Run(context.Background())
	require.ErrorIs(t, err, ErrCrashLimitReached)
	assert.Empty(t, h.sleeper.sleeps)
	assert.Equal(t, 1, h.launcher.Launches())
}

func TestRun_AllowSleepsRestartDelay(t *testing.T) {
	h := newHarness(t, policy.Limits{MaxRestarts: 2, TimeWindowSeconds: 600, RestartDelaySeconds: 5},
		nil,
		run{At: 0, Code: 1},
		run{At: 10 * time.Second, Code: 1},
	)
	require.ErrorIs(t, h.sup.Run(context.Background()), ErrCrashLimitReached)
	assert.Equal(t, []time.Duration{5 * time.Second}, h.sleeper.sleeps)

	restart := h.reporter.Of(report.EventRestart)
	require.Len(t, restart, 1)
	assert.Equal(t, 1, restart[0].Attempt)
	assert.Equal(t, 1, restart[0].ExitCode)
	assert.Equal(t, 1, restart[0].CrashCount)
}

func TestRun_ZeroExitCountsAsCrash(t *testing.T) {
	h := newHarness(t, policy.Limits{MaxRestarts: 1, TimeWindowSeconds: 60},
		nil,
		run{At: 0, Code: 0},
	)
	require.ErrorIs(t, h.sup.Run(context.Background()), ErrCrashLimitReached)
	crashes := h.reporter.Of(report.EventCrash)
	require.Len(t, crashes, 1)
	assert.Equal(t, 0, crashes[0].ExitCode)
	n, _ := h.ledger.Count(context.Background())
	assert.Equal(t, 1, n)
}

func TestRun_SignalExitIsNegative(t *testing.T) {
	h := newHarness(t, policy.Limits{MaxRestarts: 1, TimeWindowSeconds: 60},
		nil,
		run{At: 0, Code: -9},
	)
	require.ErrorIs(t, h.sup.Run(context.Background()), ErrCrashLimitReached)
	assert.Equal(t, -9, h.reporter.Of(report.EventCrash)[0].ExitCode)
}

func TestRun_LaunchFailureIsACrash(t *testing.T) {
	notFound := &exec.Error{Name: "/srv/arena/server", Err: exec.ErrNotFound}
	h := newHarness(t, policy.Limits{MaxRestarts: 2, TimeWindowSeconds: 600},
		nil,
		run{At: 0, LaunchErr: notFound},
		run{At: 1 * time.Second, LaunchErr: notFound},
	)
	require.ErrorIs(t, h.sup.Run(context.Background()), ErrCrashLimitReached)

	crashes := h.reporter.Of(report.EventCrash)
	require.Len(t, crashes, 2)
	assert.Equal(t, process.ExitNotFound, crashes[0].ExitCode)
	assert.Contains(t, crashes[0].Message, "executable file not found")
	assert.Empty(t, h.reporter.Of(report.EventStartup))
	n, _ := h.ledger.Count(context.Background())
	assert.Equal(t, 2, n)
}

func TestRun_MaxRestartsZeroNeverLaunches(t *testing.T) {
	h := newHarness(t, policy.Limits{MaxRestarts: 0, TimeWindowSeconds: 600}, nil)
	require.ErrorIs(t, h.sup.Run(context.Background()), ErrCrashLimitReached)
	assert.Equal(t, 0, h.launcher.Launches())
	assert.Equal(t, []report.EventType{report.EventCrashLimitReached}, h.reporter.Types())
	assert.Equal(t, 0, h.reporter.Last().CrashCount)
}

func TestRun_RestartedSupervisorHonoursPersistedLedger(t *testing.T) {
	l := ledger.NewMemory()
	ctx := context.Background()
	for _, off := range []time.Duration{-30 * time.Second, -20 * time.Second, -10 * time.Second} {
		require.NoError(t, l.Append(ctx, epoch.Add(off)))
	}
	h := newHarness(t, policy.Limits{MaxRestarts: 3, TimeWindowSeconds: 600}, l)
	require.ErrorIs(t, h.sup.Run(ctx), ErrCrashLimitReached)
	assert.Equal(t, 0, h.launcher.Launches())
	assert.Equal(t, 3, h.reporter.Last().CrashCount)

	// a second Run after halt still does not launch
	require.ErrorIs(t, h.sup.Run(ctx), ErrCrashLimitReached)
	assert.Equal(t, 0, h.launcher.Launches())
}

func TestRun_ExpiredHistoryAllowsStart(t *testing.T) {
	l := ledger.NewMemory()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Append(ctx, epoch.Add(-time.Hour)))
	}
	h := newHarness(t, policy.Limits{MaxRestarts: 1, TimeWindowSeconds: 600}, l, run{At: 0, Code: 1})
	require.ErrorIs(t, h.sup.Run(ctx), ErrCrashLimitReached)
	assert.Equal(t, 1, h.launcher.Launches())
	n, _ := l.Count(ctx)
	assert.Equal(t, 1, n)
}

func TestRun_ContextCancelStopsChildWithoutRecording(t *testing.T) {
	h := newHarness(t, policy.Limits{MaxRestarts: 3, TimeWindowSeconds: 600}, nil, run{Block: true})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.sup.Run(ctx) }()

	require.Eventually(t, func() bool { return h.sup.Snapshot().State == StateRunning }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1001, h.sup.Snapshot().PID)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 1, h.launcher.stopped)
	assert.Equal(t, StateStopped, h.sup.Snapshot().State)
	n, _ := h.ledger.Count(context.Background())
	assert.Equal(t, 0, n)
	assert.Empty(t, h.reporter.Of(report.EventCrash))
}

func TestRun_CancelDuringDelay(t *testing.T) {
	clock := &fakeClock{now: epoch}
	launcher := &fakeLauncher{clock: clock, runs: []run{{At: 0, Code: 1}}}
	ctx, cancel := context.WithCancel(context.Background())
	sup, err := New(Options{
		Limits:   policy.Limits{MaxRestarts: 3, TimeWindowSeconds: 600, RestartDelaySeconds: 30},
		Spec:     process.Spec{Name: "arena", Path: "/srv/arena/server"},
		Ledger:   ledger.NewMemory(),
		Launcher: launcher,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:      clock.Now,
		Sleep: func(ctx context.Context, d time.Duration) error {
			cancel()
			return Sleep(ctx, d)
		},
	})
	require.NoError(t, err)
	assert.NoError(t, sup.Run(ctx))
	assert.Equal(t, 1, launcher.Launches())
	assert.Equal(t, StateStopped, sup.Snapshot().State)
}

type brokenLedger struct{ ledger.Memory }

func (b *brokenLedger) Append(context.Context, time.Time) error { return errors.New("disk full") }

func TestRun_LedgerFailureDegradesAndContinues(t *testing.T) {
	h := newHarness(t, policy.Limits{MaxRestarts: 2, TimeWindowSeconds: 600},
		&brokenLedger{},
		run{At: 0, Code: 1},
		run{At: 1 * time.Second, Code: 1},
	)
	require.ErrorIs(t, h.sup.Run(context.Background()), ErrCrashLimitReached)
	assert.Len(t, h.reporter.Of(report.EventLedgerDegraded), 1)
	assert.Equal(t, 2, h.launcher.Launches())
	assert.True(t, h.sup.Snapshot().LedgerDegraded)
	n, err := h.sup.Ledger().Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestReportAnomaly(t *testing.T) {
	h := newHarness(t, policy.Limits{MaxRestarts: 1, TimeWindowSeconds: 600}, nil)
	h.sup.ReportAnomaly(nil)
	assert.Empty(t, h.reporter.Types())
	h.sup.ReportAnomaly(errors.New("corrupt ledger moved aside"))
	e := h.reporter.Last()
	assert.Equal(t, report.EventLedgerDegraded, e.Type)
	assert.Equal(t, "arena", e.Server)
	assert.True(t, h.sup.Snapshot().LedgerDegraded)
}

func TestNew_Validation(t *testing.T) {
	base := Options{
		Limits:   policy.Limits{MaxRestarts: 1, TimeWindowSeconds: 1},
		Spec:     process.Spec{Name: "x", Path: "/bin/true"},
		Ledger:   ledger.NewMemory(),
		Launcher: &fakeLauncher{},
	}
	_, err := New(base)
	require.NoError(t, err)

	bad := base
	bad.Limits.TimeWindowSeconds = 0
	_, err = New(bad)
	assert.ErrorIs(t, err, policy.ErrInvalidLimits)

	bad = base
	bad.Ledger = nil
	_, err = New(bad)
	assert.Error(t, err)

	bad = base
	bad.Launcher = nil
	_, err = New(bad)
	assert.Error(t, err)

	bad = base
	bad.Spec.Path = ""
	_, err = New(bad)
	assert.Error(t, err)
}

func TestSleep(t *testing.T) {
	assert.NoError(t, Sleep(context.Background(), 0))
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}

func TestState(t *testing.T) {
	assert.True(t, StateHalted.Terminal())
	assert.True(t, StateStopped.Terminal())
	assert.False(t, StateRunning.Terminal())
	assert.Equal(t, "crashed_waiting", StateCrashedWaiting.String())
}
