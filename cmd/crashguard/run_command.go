package main

import (
	"github.com/loykin/crashguard"
	"github.com/spf13/cobra"
)

// RunFlags holds flags for the run command
type RunFlags struct {
	Name         string
	MaxRestarts  int
	TimeWindow   int
	RestartDelay int
	Ledger       string
	Reporter     string
	Token        string
	Listen       string
	LogLevel     string
	LogFormat    string
	Metrics      bool
}

var runFlagKeys = map[string]string{
	"name":          "name",
	"max-restarts":  "policy.max_restarts",
	"time-window":   "policy.time_window_seconds",
	"restart-delay": "policy.restart_delay_seconds",
	"ledger":        "ledger.location",
	"reporter":      "reporter.endpoint",
	"token":         "reporter.token",
	"listen":        "server.listen",
	"log-level":     "log.level",
	"log-format":    "log.format",
	"metrics":       "metrics.enabled",
}

func createRunCommand(c *command) *cobra.Command {
	flags := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run [flags] [-- path args...]",
		Short: "Supervise the game server",
		Long: `Launch the configured game server and restart it after every exit until
the crash limit is reached. The child command may be given after "--" and
then replaces child.path and child.args from the config file.

Exit status is 0 after SIGINT/SIGTERM, 1 when the crash limit halts
supervision and 2 for configuration errors.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSupervisor(cmd, c, args)
		},
	}
	fs := cmd.Flags()
	fs.SetInterspersed(false)
	fs.StringVar(&flags.Name, "name", "", "server name used in events and as the ledger key")
	fs.IntVar(&flags.MaxRestarts, "max-restarts", 3, "crashes allowed inside the window before halting")
	fs.IntVar(&flags.TimeWindow, "time-window", 600, "sliding window in seconds")
	fs.IntVar(&flags.RestartDelay, "restart-delay", 5, "seconds to wait before a restart")
	fs.StringVar(&flags.Ledger, "ledger", "", "crash ledger path or DSN (sqlite://, postgres://, memory://)")
	fs.StringVar(&flags.Reporter, "reporter", "", "event endpoint (https://, clickhouse://, postgres://, sqlite://, log://)")
	fs.StringVar(&flags.Token, "token", "", "bearer token for the webhook reporter")
	fs.StringVar(&flags.Listen, "listen", "", "status server address, e.g. 127.0.0.1:9090")
	fs.StringVar(&flags.LogLevel, "log-level", "info", "debug, info, warn or error")
	fs.StringVar(&flags.LogFormat, "log-format", "text", "text, json or color")
	fs.BoolVar(&flags.Metrics, "metrics", false, "expose Prometheus metrics on the status server")
	return cmd
}

func runSupervisor(cmd *cobra.Command, c *command, args []string) error {
	cfg, err := c.load(cmd, runFlagKeys, args)
	if err != nil {
		return err
	}
	logger, closeLog := setupLogger(cfg)
	defer closeLog()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	app, err := crashguard.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := app.Run(ctx); err != nil {
		return err
	}
	if ctx.Err() != nil && cmd.Context().Err() == nil {
		logger.Info("supervisor stopped by signal")
	}
	return nil
}
