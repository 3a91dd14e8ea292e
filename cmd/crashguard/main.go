package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/loykin/crashguard"
	"github.com/spf13/cobra"
)

// Process exit codes. The child's own exit code is never propagated.
const (
	exitOK      = 0
	exitRuntime = 1 // crash-limit halt or runtime failure
	exitConfig  = 2
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "crashguard:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, crashguard.ErrInvalidConfig):
		return exitConfig
	default:
		return exitRuntime
	}
}

// GlobalFlags holds persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
}

// buildRoot creates the root command and its subcommands
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := newCommand(globalFlags)

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(c),
		createLedgerCommand(c),
		createConfigCommand(c),
		createValidateCommand(c),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "crashguard",
		Short: "Game server supervisor with crash-loop protection",
		Long: `Crashguard launches a game server, restarts it when it exits, and
stops restarting once it has crashed too many times within a sliding window.

Examples:
  crashguard run --config=arena.toml
  crashguard run --max-restarts=3 --time-window=600 -- /srv/arena/server -port 27015
  crashguard ledger show --config=arena.toml
  crashguard ledger reset --config=arena.toml --yes`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to config file (TOML, YAML or JSON)")
	return root
}
