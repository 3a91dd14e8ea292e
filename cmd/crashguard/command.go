package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loykin/crashguard"
	"github.com/loykin/crashguard/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// command carries state shared by subcommands: the global flags and the
// viper instance cobra flags are bound to.
type command struct {
	global *GlobalFlags
	v      *viper.Viper
}

func newCommand(g *GlobalFlags) *command {
	return &command{global: g, v: config.NewViper()}
}

// bind maps flag names to config keys so flags take precedence over env and file.
func (c *command) bind(fs *pflag.FlagSet, keys map[string]string) error {
	for flag, key := range keys {
		f := fs.Lookup(flag)
		if f == nil {
			continue
		}
		if err := c.v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind --%s: %w", flag, err)
		}
	}
	return nil
}

// load binds the command's flags, then reads and validates configuration.
// argv, when non-empty, replaces the configured child command.
// Binding happens per invocation because subcommands share flag names.
func (c *command) load(cmd *cobra.Command, keys map[string]string, argv []string) (*crashguard.Config, error) {
	if err := c.bind(cmd.Flags(), keys); err != nil {
		return nil, err
	}
	if len(argv) > 0 {
		c.v.Set("child.path", argv[0])
		c.v.Set("child.args", argv[1:])
	}
	return config.Load(c.v, c.global.ConfigPath)
}

// inspect is load without validation and without a child command.
func (c *command) inspect(cmd *cobra.Command, keys map[string]string) (*crashguard.Config, error) {
	if err := c.bind(cmd.Flags(), keys); err != nil {
		return nil, err
	}
	return config.Decode(c.v, c.global.ConfigPath)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func setupLogger(cfg *crashguard.Config) (*slog.Logger, func()) {
	logger, closer := cfg.Log.NewSlogger()
	slog.SetDefault(logger)
	return logger, func() { _ = closer.Close() }
}

func printf(cmd *cobra.Command, format string, args ...any) {
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
