package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ship-commander/fleet/internal/batchfile"
	"github.com/ship-commander/fleet/internal/events"
	"github.com/ship-commander/fleet/internal/orchestrator"
	"github.com/ship-commander/fleet/internal/results"
	"github.com/ship-commander/fleet/internal/task"
	"github.com/ship-commander/fleet/internal/ui"
	"github.com/ship-commander/fleet/internal/worker"
	"github.com/spf13/cobra"
)

// batchFailedError reports a finished batch in which some task did not succeed.
type batchFailedError struct {
	report results.BatchReport
}

func (e *batchFailedError) Error() string {
	return fmt.Sprintf("batch %s: %d of %d tasks did not succeed",
		e.report.BatchID, e.report.Total-e.report.Succeeded, e.report.Total)
}

type runOptions struct {
	file           string
	hint           string
	pr             int
	priority       string
	maxConcurrency int
	timeout        time.Duration
	deadline       time.Duration
	reclaimGrace   time.Duration
	jsonOutput     bool
}

func newRunCommand(c *cli) *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:   "run [task description...]",
		Short: "Run a batch of tasks and print the report",
		Long: "Run a batch of tasks. Each positional argument is one task description; " +
			"--file adds the tasks of a YAML or JSON batch file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd, c, opts, args)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.file, "file", "f", "", "batch file (YAML or JSON)")
	flags.StringVar(&opts.hint, "hint", "", "workspace name for a single positional task")
	flags.IntVar(&opts.pr, "pr", 0, "pull request number for a single positional task")
	flags.StringVar(&opts.priority, "priority", "normal", "priority for positional tasks (normal or urgent)")
	flags.IntVar(&opts.maxConcurrency, "max-concurrency", 0, "maximum tasks running at once (default from config)")
	flags.DurationVar(&opts.timeout, "timeout", 0, "per-task timeout (default from config)")
	flags.DurationVar(&opts.deadline, "deadline", 0, "whole-batch deadline (default from config)")
	flags.DurationVar(&opts.reclaimGrace, "reclaim-grace", 0, "wait for interrupted tasks after the deadline (default from config)")
	flags.BoolVar(&opts.jsonOutput, "json", false, "print the report as JSON")
	return cmd
}

func runBatch(cmd *cobra.Command, c *cli, opts runOptions, args []string) error {
	ctx := cmd.Context()
	tasks, err := collectTasks(ctx, opts, args)
	if err != nil {
		return err
	}

	availability, err := worker.CheckAvailability(c.cfg.WorkerCommand)
	if err != nil {
		return fmt.Errorf("check tools: %w", err)
	}
	if missing := availability.Missing(); len(missing) > 0 {
		return fmt.Errorf("required tools not found on PATH: %s", strings.Join(missing, ", "))
	}

	batchID := orchestrator.NewBatchID()
	logger := c.logger.WithBatchID(batchID).Logger
	rt, err := newRuntime(ctx, c.cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	if !opts.jsonOutput {
		watchProgress(rt.bus, cmd.ErrOrStderr())
	}
	stopBackground := rt.startBackground(ctx)
	report, err := rt.orchestrator.Run(ctx, tasks, batchConfig(c, opts, batchID))
	stopBackground()
	rt.bus.Close()
	if err != nil {
		return err
	}

	if err := printReport(cmd.OutOrStdout(), report, opts.jsonOutput); err != nil {
		return err
	}
	if report.Succeeded != report.Total {
		return &batchFailedError{report: report}
	}
	return nil
}

func batchConfig(c *cli, opts runOptions, batchID string) orchestrator.Config {
	cfg := orchestrator.Config{
		MaxConcurrency: c.cfg.MaxConcurrency,
		PerTaskTimeout: c.cfg.PerTaskTimeout,
		BatchDeadline:  c.cfg.BatchDeadline,
		ReclaimGrace:   c.cfg.ReclaimGrace,
		BatchID:        batchID,
	}
	if opts.maxConcurrency > 0 {
		cfg.MaxConcurrency = opts.maxConcurrency
	}
	if opts.timeout > 0 {
		cfg.PerTaskTimeout = opts.timeout
	}
	if opts.deadline > 0 {
		cfg.BatchDeadline = opts.deadline
	}
	if opts.reclaimGrace > 0 {
		cfg.ReclaimGrace = opts.reclaimGrace
	}
	return cfg
}

// collectTasks builds the batch from --file first, then positional descriptions.
func collectTasks(ctx context.Context, opts runOptions, args []string) ([]task.Task, error) {
	tasks := make([]task.Task, 0, len(args))
	if strings.TrimSpace(opts.file) != "" {
		path, err := filepath.Abs(opts.file)
		if err != nil {
			return nil, fmt.Errorf("resolve batch file: %w", err)
		}
		loaded, err := batchfile.NewLoader(os.DirFS(filepath.Dir(path))).Load(ctx, filepath.Base(path))
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, loaded...)
	}

	hint := strings.TrimSpace(opts.hint)
	if opts.pr > 0 {
		if hint != "" && hint != batchfile.PRHint(opts.pr) {
			return nil, fmt.Errorf("--hint %q conflicts with --pr %d", hint, opts.pr)
		}
		hint = batchfile.PRHint(opts.pr)
	}
	if hint != "" && len(args) != 1 {
		return nil, errors.New("--hint and --pr need exactly one positional task")
	}
	priority, err := task.ParsePriority(opts.priority)
	if err != nil {
		return nil, err
	}
	for _, description := range args {
		tasks = append(tasks, task.Task{
			Description:   description,
			WorkspaceHint: hint,
			Priority:      priority,
		})
	}

	if len(tasks) == 0 {
		return nil, errors.New("no tasks: pass task descriptions or --file")
	}
	return tasks, nil
}

func printReport(out io.Writer, report results.BatchReport, asJSON bool) error {
	if asJSON {
		data, err := report.JSON()
		if err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}
	_, err := fmt.Fprintln(out, ui.RenderReport(report))
	return err
}

// watchProgress prints one line per dispatched and finished task.
func watchProgress(bus events.Bus, out io.Writer) {
	var mu sync.Mutex
	bus.Subscribe(events.EventTypeTaskDispatched, func(event events.Event) {
		agentID := ""
		if payload, ok := event.Payload.(map[string]any); ok {
			agentID, _ = payload["agent_id"].(string)
		}
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(out, "%s %s → %s\n", ui.StatusBadge("busy"), event.EntityID, agentID)
	})
	bus.Subscribe(events.EventTypeTaskCompleted, func(event events.Event) {
		result, ok := event.Payload.(task.Result)
		if !ok {
			return
		}
		line := fmt.Sprintf("%s %s", ui.StatusBadge(string(result.Status)), result.TaskID)
		if result.ErrorKind != task.ErrorKindNone {
			line += ui.MutedStyle.Render(" (" + string(result.ErrorKind) + ")")
		}
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(out, line)
	})
}
