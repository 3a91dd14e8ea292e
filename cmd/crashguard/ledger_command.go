package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/loykin/crashguard"
	"github.com/loykin/crashguard/internal/ledger"
	"github.com/loykin/crashguard/internal/policy"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var ledgerFlagKeys = map[string]string{
	"name":   "name",
	"ledger": "ledger.location",
}

func createLedgerCommand(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect or reset the crash ledger",
	}
	cmd.PersistentFlags().String("name", "", "server name (ledger key)")
	cmd.PersistentFlags().String("ledger", "", "crash ledger path or DSN")

	cmd.AddCommand(createLedgerShowCommand(c), createLedgerResetCommand(c))
	return cmd
}

func createLedgerShowCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print retained crash records and the current window count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.inspect(cmd, ledgerFlagKeys)
			if err != nil {
				return err
			}
			if err := cfg.Policy.Validate(); err != nil {
				return fmt.Errorf("%w: %v", crashguard.ErrInvalidConfig, err)
			}
			ctx := cmd.Context()
			l, err := openLedger(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			recs, err := l.Records(ctx)
			if err != nil {
				return err
			}
			return renderLedger(cmd, cfg, recs, time.Now())
		},
	}
}

func renderLedger(cmd *cobra.Command, cfg *crashguard.Config, recs []time.Time, now time.Time) error {
	cutoff := now.Add(-cfg.Policy.Window())
	inWindow := 0

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.Header("#", "Crashed At", "Age", "In Window")
	for i, at := range recs {
		in := "no"
		if ledger.Retained(at, cutoff) {
			in = "yes"
			inWindow++
		}
		if err := table.Append(
			strconv.Itoa(i+1),
			at.UTC().Format(time.RFC3339),
			now.Sub(at).Truncate(time.Second).String(),
			in,
		); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}

	verdict := "next start allowed"
	if cfg.Policy.Evaluate(inWindow) == policy.Deny {
		verdict = "next start denied"
	}
	printf(cmd, "%s: %d of %d crashes inside the %ds window (limit %d), %s\n",
		cfg.Name, inWindow, len(recs), cfg.Policy.TimeWindowSeconds, cfg.Policy.MaxRestarts, verdict)
	return nil
}

func createLedgerResetCommand(c *command) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Remove every crash record so a halted server may start again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("refusing to reset the crash ledger without --yes")
			}
			cfg, err := c.inspect(cmd, ledgerFlagKeys)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			l, err := openLedger(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			n, err := l.Count(ctx)
			if err != nil {
				return err
			}
			if err := l.Reset(ctx); err != nil {
				return err
			}
			printf(cmd, "%s: removed %d crash record(s) from %s\n", cfg.Name, n, cfg.Ledger.Location)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}

func openLedger(ctx context.Context, cfg *crashguard.Config) (crashguard.Ledger, error) {
	l, err := crashguard.OpenLedger(ctx, cfg)
	if errors.Is(err, ledger.ErrLocked) {
		return nil, fmt.Errorf("crash ledger %s is in use by a running supervisor: %w", cfg.Ledger.Location, err)
	}
	return l, err
}
