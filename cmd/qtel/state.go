package main

import (
	"fmt"

	"github.com/kardianos/qtel"
	"github.com/kardianos/qtel/qquota"
	"github.com/spf13/cobra"
)

func newIdentityCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Print the device identity, registering the device if needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.load()
			if err != nil {
				return err
			}
			agent, err := qtel.New(cfg, qtel.WithLogger(log))
			if err != nil {
				return err
			}
			defer agent.Close()

			id, err := agent.Identity(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "client id:    %s\n", id.ClientID)
			fmt.Fprintf(out, "username:     %s\n", id.Username)
			fmt.Fprintf(out, "organization: %s\n", id.Organization)
			fmt.Fprintf(out, "data dir:     %s\n", agent.DataDir())
			return nil
		},
	}
}

func newUsageCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Print usage counters and limits",
		Long: `Print usage counters and limits.

The counter database is held open by a running agent; stop it first or use
"usage reset", which a running agent picks up on its own.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.load()
			if err != nil {
				return err
			}
			agent, err := qtel.New(cfg, qtel.WithLogger(log))
			if err != nil {
				return err
			}
			defer agent.Close()

			u, l, err := agent.Usage(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "cycle start:     %s (resets on day %d)\n", u.CycleStart.Format("2006-01-02"), l.CellularPlanResetDay)
			fmt.Fprintf(out, "storage used:    %d of %s\n", u.StorageUsed, limitText(l.StorageLimit))
			fmt.Fprintf(out, "cellular used:   %d of %s\n", u.CellularUsed, limitText(l.CellularDataLimit))
			fmt.Fprintf(out, "emission period: %s\n", l.EmissionPeriod)
			return nil
		},
	}
	cmd.AddCommand(newUsageResetCmd(g))
	return cmd
}

func newUsageResetCmd(g *globalFlags) *cobra.Command {
	var now bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Zero the usage counters",
		Long: `Zero the usage counters.

By default a reset request is left in the data directory and applied by the
agent, immediately if it is running or otherwise at its next start. With
--now the counters are reset directly, which requires the agent to be stopped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.load()
			if err != nil {
				return err
			}
			if !now {
				dir, err := cfg.ResolveDataDir()
				if err != nil {
					return err
				}
				if err := qquota.RequestReset(dir); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "usage reset requested")
				return nil
			}

			agent, err := qtel.New(cfg, qtel.WithLogger(log))
			if err != nil {
				return err
			}
			defer agent.Close()
			if err := agent.ResetUsage(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "usage counters reset")
			return nil
		},
	}
	cmd.Flags().BoolVar(&now, "now", false, "Reset directly instead of leaving a request for the agent")
	return cmd
}

func limitText(n int64) string {
	if n == 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d bytes", n)
}
