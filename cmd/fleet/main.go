package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ship-commander/fleet/internal/config"
	"github.com/ship-commander/fleet/internal/logging"
	"github.com/ship-commander/fleet/internal/redact"
	"github.com/ship-commander/fleet/internal/telemetry"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

const exitBatchFailed = 2

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:])
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var failed *batchFailedError
		if errors.As(err, &failed) {
			os.Exit(exitBatchFailed)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(ctx, logging.WithDebug(strings.TrimSpace(os.Getenv("FLEET_DEBUG")) != ""))
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()
	logger.Logger.With("command", resolveCommandName(args)).Debug("cli invocation", "args", redact.Args(args))

	c := newCLI(ctx, cfg, logger)
	defer c.close()
	c.root.SetArgs(args)
	return c.root.ExecuteContext(ctx)
}

// cli holds state shared by every subcommand of one invocation.
type cli struct {
	root              *cobra.Command
	cfg               *config.Config
	logger            *logging.RuntimeLogger
	otelEndpoint      string
	shutdownTelemetry func(context.Context) error
}

func newRootCommand(ctx context.Context, cfg *config.Config, logger *logging.RuntimeLogger) *cobra.Command {
	return newCLI(ctx, cfg, logger).root
}

func newCLI(ctx context.Context, cfg *config.Config, logger *logging.RuntimeLogger) *cli {
	c := &cli{cfg: cfg, logger: logger}
	root := &cobra.Command{
		Use:           "fleet",
		Short:         "Run batches of coding tasks across reusable tmux-hosted agents",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.PersistentFlags().StringVar(&c.otelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint for traces (overrides config and environment)")

	root.AddCommand(
		newRunCommand(c),
		newAgentsCommand(c),
		newHistoryCommand(c),
		newSweepCommand(c),
		newDoctorCommand(c),
		newBugreportCommand(c),
		newVersionCommand(),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "version" {
			return nil
		}
		if c.logger == nil || c.logger.Logger == nil {
			return errors.New("logger is required")
		}
		if c.cfg == nil {
			return errors.New("config is required")
		}
		c.logger.Logger.With("command", cmd.Name()).Debug("command invocation")
		return c.initTelemetry(cmd.Context())
	}

	_ = ctx
	c.root = root
	return c
}

// initTelemetry installs the OTLP exporter only when an endpoint is configured somewhere.
func (c *cli) initTelemetry(ctx context.Context) error {
	if c.shutdownTelemetry != nil {
		return nil
	}
	endpoint, ok := telemetry.ResolveEndpoint(c.otelEndpoint, c.cfg.OTel.Endpoint)
	if !ok {
		return nil
	}
	shutdown, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:      endpoint,
		Version:       Version,
		RepoRoot:      c.cfg.RepoRoot,
		WorktreesRoot: c.cfg.WorktreesRoot,
	})
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	c.shutdownTelemetry = shutdown
	return nil
}

func (c *cli) close() {
	if c.shutdownTelemetry == nil {
		return
	}
	if err := c.shutdownTelemetry(context.Background()); err != nil && c.logger != nil {
		c.logger.Logger.Warn("flush traces", "err", err)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the fleet version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), Version)
			return err
		},
	}
}

// resolveCommandName returns the first non-flag argument, or "root".
func resolveCommandName(args []string) string {
	for _, arg := range args {
		if strings.HasPrefix(arg, "-") {
			continue
		}
		return arg
	}
	return "root"
}
