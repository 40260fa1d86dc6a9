package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ship-commander/fleet/internal/store"
	"github.com/ship-commander/fleet/internal/ui"
	"github.com/spf13/cobra"
)

func newAgentsCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List agents whose sessions are still alive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(cmd.Context(), c.cfg, c.logger.Logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			_, err = fmt.Fprintln(cmd.OutOrStdout(), ui.RenderAgents(rt.registry.List(), time.Now()))
			return err
		},
	}
}

func newHistoryCommand(c *cli) *cobra.Command {
	var (
		limit      int
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "history [batch-id]",
		Short: "Show recent batches, or one batch report",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				report, err := db.GetReport(cmd.Context(), args[0])
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("no batch named %q", args[0])
				}
				if err != nil {
					return err
				}
				return printReport(out, report, jsonOutput)
			}

			batches, err := db.ListReports(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				data, err := json.MarshalIndent(batches, "", "  ")
				if err != nil {
					return fmt.Errorf("encode history: %w", err)
				}
				_, err = fmt.Fprintln(out, string(data))
				return err
			}
			_, err = fmt.Fprintln(out, ui.RenderHistory(batches))
			return err
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of batches to list")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print as JSON")
	return cmd
}

func newSweepCommand(c *cli) *cobra.Command {
	var watch, all bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Destroy dead workspaces older than the inspection TTL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if watch && all {
				return errors.New("--all and --watch cannot be combined")
			}
			rt, err := newRuntime(cmd.Context(), c.cfg, c.logger.Logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			out := cmd.OutOrStdout()
			if watch {
				fmt.Fprintf(out, "sweeping on %q, next run %s\n",
					c.cfg.SweepSchedule, rt.janitor.Next(time.Now()).Format(time.RFC3339))
				rt.janitor.Start(cmd.Context())
				return nil
			}

			sweep := rt.janitor.Sweep
			if all {
				sweep = rt.janitor.SweepAll
			}
			report, sweepErr := sweep(cmd.Context())
			for _, name := range report.Swept {
				fmt.Fprintf(out, "%s %s\n", ui.StatusBadge("success"), name)
			}
			for _, name := range report.Skipped {
				fmt.Fprintf(out, "%s %s (name in use again)\n", ui.StatusBadge("cancelled"), name)
			}
			if len(report.Swept) == 0 && len(report.Skipped) == 0 {
				fmt.Fprintln(out, ui.MutedStyle.Render("nothing to sweep"))
			}
			return sweepErr
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep running and sweep on the configured schedule")
	cmd.Flags().BoolVar(&all, "all", false, "also destroy dead workspaces still inside the inspection TTL")
	return cmd
}

func newDoctorCommand(c *cli) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Reconcile agents with tmux and clean up zombie sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(cmd.Context(), c.cfg, c.logger.Logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			if watch {
				rt.doctor.Start(cmd.Context())
				return nil
			}
			report, err := rt.doctor.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), ui.RenderHealth(report))
			return err
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep running heartbeats until interrupted")
	return cmd
}
