package crashguard

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	cfg "github.com/loykin/crashguard/internal/config"
	"github.com/loykin/crashguard/internal/ledger"
	"github.com/loykin/crashguard/internal/ledger/file"
	"github.com/loykin/crashguard/internal/report"
	"github.com/loykin/crashguard/internal/report/sqlsink"
	"github.com/loykin/crashguard/internal/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testConfig(t *testing.T, script string, maxRestarts int) *Config {
	t.Helper()
	dir := t.TempDir()
	v := cfg.NewViper()
	v.Set("name", "arena")
	v.Set("policy.max_restarts", maxRestarts)
	v.Set("policy.time_window_seconds", 600)
	v.Set("policy.restart_delay_seconds", 0)
	v.Set("ledger.location", filepath.Join(dir, "arena.crashes"))
	v.Set("child.path", "/bin/sh")
	v.Set("child.args", []string{"-c", script})
	v.Set("child.stop_timeout", "1s")
	v.Set("reporter.endpoint", "sqlite://"+filepath.Join(dir, "events.db"))
	c, err := cfg.Load(v, "")
	require.NoError(t, err)
	return c
}

func TestApp_HaltsAndPersists(t *testing.T) {
	requireUnix(t)
	c := testConfig(t, "exit 4", 2)
	ctx := context.Background()

	app, err := New(ctx, c, quietLogger())
	require.NoError(t, err)
	err = app.Run(ctx)
	require.ErrorIs(t, err, ErrCrashLimitReached)
	assert.Equal(t, supervisor.StateHalted, app.Snapshot().State)

	l, err := OpenLedger(ctx, c)
	require.NoError(t, err)
	n, err := l.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, l.Close())

	events, err := sqlsink.New(c.Reporter.Endpoint)
	require.NoError(t, err)
	defer func() { _ = events.Close() }()
	counts, err := events.CountByType(ctx, "arena")
	require.NoError(t, err)
	assert.Equal(t, map[report.EventType]int{
		report.EventStartup:           1,
		report.EventCrash:             2,
		report.EventRestart:           1,
		report.EventCrashLimitReached: 1,
	}, counts)

	// a fresh supervisor against the same ledger halts without launching
	app2, err := New(ctx, c, quietLogger())
	require.NoError(t, err)
	require.ErrorIs(t, app2.Run(ctx), ErrCrashLimitReached)
	assert.Equal(t, 0, app2.Snapshot().Launches)
}

func TestApp_CancelIsNotACrash(t *testing.T) {
	requireUnix(t)
	c := testConfig(t, "sleep 30", 3)
	ctx, cancel := context.WithCancel(context.Background())
	app, err := New(ctx, c, quietLogger())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- app.Run(ctx) }()
	require.Eventually(t, func() bool { return app.Snapshot().State == supervisor.StateRunning }, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	l, err := OpenLedger(context.Background(), c)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()
	n, err := l.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestApp_LockedLedgerIsFatal(t *testing.T) {
	c := testConfig(t, "exit 0", 1)
	held, err := file.Open(c.Ledger.Location)
	require.NoError(t, err)
	defer func() { _ = held.Close() }()

	_, err = New(context.Background(), c, quietLogger())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrLocked))
}

func TestApp_UnreachableReporterFallsBackToLog(t *testing.T) {
	c := testConfig(t, "exit 0", 1)
	c.Reporter.Endpoint = "amqp://nowhere"
	app, err := New(context.Background(), c, quietLogger())
	require.NoError(t, err)
	assert.NotNil(t, app)
	app.close(nil)
}

func TestLoadConfig_Invalid(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
