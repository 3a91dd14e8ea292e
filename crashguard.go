// Package crashguard supervises a single game-server process and stops
// restarting it once it crashes too often within a sliding time window.
package crashguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	cfg "github.com/loykin/crashguard/internal/config"
	"github.com/loykin/crashguard/internal/ledger"
	lfactory "github.com/loykin/crashguard/internal/ledger/factory"
	"github.com/loykin/crashguard/internal/metrics"
	"github.com/loykin/crashguard/internal/process"
	"github.com/loykin/crashguard/internal/report"
	rfactory "github.com/loykin/crashguard/internal/report/factory"
	iapi "github.com/loykin/crashguard/internal/server"
	"github.com/loykin/crashguard/internal/supervisor"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Snapshot = supervisor.Snapshot

type Event = report.Event

type Ledger = ledger.Ledger

// ErrCrashLimitReached is returned by App.Run when supervision halts.
var ErrCrashLimitReached = supervisor.ErrCrashLimitReached

// ErrInvalidConfig wraps configuration failures.
var ErrInvalidConfig = cfg.ErrInvalid

// shutdownTimeout bounds draining the reporter and stopping the status server.
const shutdownTimeout = 5 * time.Second

// App wires configuration into a running supervisor.
type App struct {
	cfg        *Config
	log        *slog.Logger
	sup        *supervisor.Supervisor
	dispatcher *report.Dispatcher
	launcher   process.Launcher
}

// Option customises App construction.
type Option func(*App)

// WithLauncher replaces the OS process launcher.
func WithLauncher(l process.Launcher) Option {
	return func(a *App) { a.launcher = l }
}

// LoadConfig reads and validates a config file; path may be empty.
func LoadConfig(path string) (*Config, error) {
	return cfg.Load(cfg.NewViper(), path)
}

// OpenLedger opens the configured ledger without the degrade-to-memory
// behaviour, for inspection tools. It fails with ledger.ErrLocked while a
// supervisor holds the ledger.
func OpenLedger(ctx context.Context, c *Config) (Ledger, error) {
	return lfactory.Open(ctx, c.Ledger.Location, c.Name)
}

// New builds the supervisor, ledger and reporter from c.
func New(ctx context.Context, c *Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: c, log: logger, launcher: process.NewExecLauncher()}
	for _, o := range opts {
		o(a)
	}
	if c.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	spec, err := c.ProcessSpec()
	if err != nil {
		return nil, err
	}

	l, anomaly, err := lfactory.OpenResilient(ctx, c.Ledger.Location, c.Name, time.Now())
	if err != nil {
		return nil, fmt.Errorf("open crash ledger %s: %w", c.Ledger.Location, err)
	}

	var sink report.Sink = report.NewLogSink(logger)
	if c.Reporter.Endpoint != "" {
		s, err := rfactory.NewSinkFromDSN(c.Reporter.Endpoint, rfactory.Options{
			Token:   c.Reporter.Token,
			Table:   c.Reporter.Table,
			Timeout: c.Reporter.Timeout,
			Logger:  logger,
		})
		if err != nil {
			// reporting is best-effort; supervise anyway
			logger.Error("reporter unavailable, logging events locally", "endpoint", c.Reporter.Endpoint, "error", err)
		} else {
			sink = s
		}
	}
	a.dispatcher = report.NewDispatcher(sink, report.Options{
		QueueSize:   c.Reporter.QueueSize,
		SendTimeout: c.Reporter.Timeout,
		Logger:      logger,
	})

	a.sup, err = supervisor.New(supervisor.Options{
		Limits:   c.Policy,
		Spec:     spec,
		Ledger:   l,
		Launcher: a.launcher,
		Reporter: a.dispatcher,
		Logger:   logger,
	})
	if err != nil {
		_ = l.Close()
		_ = a.dispatcher.Close(context.Background())
		return nil, fmt.Errorf("%w: %v", cfg.ErrInvalid, err)
	}
	a.sup.ReportAnomaly(anomaly)
	return a, nil
}

// Snapshot returns the current supervision session.
func (a *App) Snapshot() Snapshot { return a.sup.Snapshot() }

// Run supervises until the crash limit halts the loop or ctx is cancelled.
// The status server, when configured, runs for the same duration. Pending
// events are flushed before Run returns.
func (a *App) Run(ctx context.Context) error {
	var srv *http.Server
	if a.cfg.Server.Listen != "" {
		s, err := iapi.NewServer(a.cfg.Server.Listen, a.cfg.Server.BasePath, a.sup, a.cfg.Metrics.Enabled)
		if err != nil {
			a.close(nil)
			return fmt.Errorf("status server: %w", err)
		}
		a.log.Info("status server listening", "addr", s.Addr, "base_path", a.cfg.Server.BasePath)
		srv = s
	}
	a.log.Info("supervising",
		"path", a.cfg.Child.Path,
		"max_restarts", a.cfg.Policy.MaxRestarts,
		"time_window_seconds", a.cfg.Policy.TimeWindowSeconds,
		"restart_delay_seconds", a.cfg.Policy.RestartDelaySeconds,
		"ledger", a.cfg.Ledger.Location)

	err := a.sup.Run(ctx)
	a.close(srv)
	if err != nil && !errors.Is(err, ErrCrashLimitReached) {
		return fmt.Errorf("supervisor: %w", err)
	}
	return err
}

func (a *App) close(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	if err := a.dispatcher.Close(ctx); err != nil {
		a.log.Warn("event reporter did not drain", "error", err)
	}
	sent, failed, dropped := a.dispatcher.Stats()
	a.log.Debug("event reporter closed", "sent", sent, "failed", failed, "dropped", dropped)
	if err := a.sup.Ledger().Close(); err != nil {
		a.log.Warn("close crash ledger", "error", err)
	}
}
