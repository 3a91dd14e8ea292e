package main

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func createConfigCommand(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.inspect(cmd, runFlagKeys)
			if err != nil {
				return err
			}
			if cfg.Reporter.Token != "" {
				cfg.Reporter.Token = "********"
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	})
	return cmd
}

func createValidateCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [-- path args...]",
		Short: "Load and validate configuration without starting anything",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load(cmd, runFlagKeys, args)
			if err != nil {
				return err
			}
			if _, err := cfg.ProcessSpec(); err != nil {
				return err
			}
			printf(cmd, "configuration OK: %s supervises %s (max_restarts=%d, time_window_seconds=%d, restart_delay_seconds=%d)\n",
				cfg.Name, cfg.Child.Path, cfg.Policy.MaxRestarts, cfg.Policy.TimeWindowSeconds, cfg.Policy.RestartDelaySeconds)
			return nil
		},
	}
}
