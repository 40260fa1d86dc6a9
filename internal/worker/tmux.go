package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ship-commander/fleet/internal/logging"
	"github.com/ship-commander/fleet/internal/redact"
	"github.com/ship-commander/fleet/internal/task"
	"github.com/ship-commander/fleet/internal/telemetry"
	"github.com/ship-commander/fleet/internal/workspace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultShell            = "bash"
	defaultPollInterval     = 500 * time.Millisecond
	defaultTerminationGrace = 5 * time.Second
	defaultInactivity       = 2 * time.Minute
	defaultOutputTailLines  = 40
	stopBudget              = 5 * time.Second
)

// Sessions is the tmux surface a worker drives. *tmux.Manager implements it.
type Sessions interface {
	CreateSession(ctx context.Context, name string, cmd string, workdir string) error
	HasSession(ctx context.Context, name string) (bool, error)
	SendKeys(ctx context.Context, name string, keys string) error
	SendKey(ctx context.Context, name string, key string) error
	PipePane(ctx context.Context, name string, logPath string) error
	PanePID(ctx context.Context, name string) (int, error)
	CapturePanes(ctx context.Context, name string) (string, error)
	KillSession(ctx context.Context, name string) error
	EnforceTimeout(ctx context.Context, name string, pid int, gracePeriod time.Duration) error
}

// Options configures tmux-backed workers.
type Options struct {
	Sessions      Sessions
	LogDir        string
	WorkerCommand string
	Shell         string

	PollInterval        time.Duration
	TerminationGrace    time.Duration
	InactivityThreshold time.Duration
	// MaxUnstickAttempts bounds stuck-prompt answers per task. Zero disables unsticking.
	MaxUnstickAttempts int
	OutputTailLines    int

	Logger *log.Logger
	Tracer trace.Tracer
}

// TmuxLauncher builds tmux-backed worker handles.
type TmuxLauncher struct {
	opts Options
}

// NewTmuxLauncher validates options and applies defaults.
func NewTmuxLauncher(opts Options) (*TmuxLauncher, error) {
	if opts.Sessions == nil {
		return nil, errors.New("tmux sessions are required")
	}
	if strings.TrimSpace(opts.WorkerCommand) == "" {
		return nil, errors.New("worker command is required")
	}
	if strings.TrimSpace(opts.LogDir) == "" {
		return nil, errors.New("session log directory is required")
	}
	if strings.TrimSpace(opts.Shell) == "" {
		opts.Shell = defaultShell
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.TerminationGrace <= 0 {
		opts.TerminationGrace = defaultTerminationGrace
	}
	if opts.InactivityThreshold <= 0 {
		opts.InactivityThreshold = defaultInactivity
	}
	if opts.MaxUnstickAttempts < 0 {
		opts.MaxUnstickAttempts = 0
	}
	if opts.OutputTailLines <= 0 {
		opts.OutputTailLines = defaultOutputTailLines
	}
	opts.Logger = logging.OrDiscard(opts.Logger)
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("fleet/worker")
	}
	return &TmuxLauncher{opts: opts}, nil
}

// Launch returns the handle for agentID. The session is created by Start.
func (l *TmuxLauncher) Launch(agentID string) Handle {
	return &TmuxWorker{id: agentID, opts: l.opts, now: time.Now}
}

// TmuxWorker runs tasks by typing shell lines into a detached tmux session
// and following the pane log for the completion marker.
type TmuxWorker struct {
	id   string
	opts Options
	now  func() time.Time
}

// ID returns the agent ID, which is also the session name.
func (w *TmuxWorker) ID() string {
	return w.id
}

// LogPath returns the file receiving this session's pane output.
func (w *TmuxWorker) LogPath() string {
	return filepath.Join(w.opts.LogDir, w.id+".log")
}

// Start creates the session in the workspace directory and pipes pane output to the log.
func (w *TmuxWorker) Start(ctx context.Context, ws workspace.Workspace) error {
	ctx, span := w.opts.Tracer.Start(ctx, "worker.start", trace.WithAttributes(
		telemetry.AgentID(w.id),
		telemetry.Workspace(ws.Path),
	))
	defer span.End()

	err := w.start(ctx, ws)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "started")
	return nil
}

func (w *TmuxWorker) start(ctx context.Context, ws workspace.Workspace) error {
	if strings.TrimSpace(ws.Path) == "" {
		return &AgentStartError{AgentID: w.id, Reason: "workspace path is empty"}
	}

	alive, err := w.opts.Sessions.HasSession(ctx, w.id)
	if err != nil {
		return &AgentStartError{AgentID: w.id, Reason: "check existing session", Cause: err}
	}
	if alive {
		return &AgentStartError{AgentID: w.id, Reason: "a live session with this name already exists"}
	}

	logPath := w.LogPath()
	if err := os.MkdirAll(w.opts.LogDir, 0o750); err != nil {
		return &AgentStartError{AgentID: w.id, Reason: "create session log directory", Cause: err}
	}
	header := fmt.Sprintf("=== fleet session %s started %s ===\n", w.id, w.now().UTC().Format(time.RFC3339))
	if err := appendFile(logPath, header); err != nil {
		return &AgentStartError{AgentID: w.id, Reason: "open session log", Cause: err}
	}

	if err := w.opts.Sessions.CreateSession(ctx, w.id, w.opts.Shell, ws.Path); err != nil {
		return &AgentStartError{AgentID: w.id, Reason: "create tmux session", Cause: err}
	}
	if err := w.opts.Sessions.PipePane(ctx, w.id, logPath); err != nil {
		_ = w.opts.Sessions.KillSession(context.WithoutCancel(ctx), w.id)
		return &AgentStartError{AgentID: w.id, Reason: "pipe pane output", Cause: err}
	}

	w.opts.Logger.Info("worker: session started", "agent_id", w.id, "workspace", ws.Path, "log", logPath)
	return nil
}

// Execute sends one task to the session and blocks until the completion
// marker appears, the session exits, the timeout elapses, or ctx is done.
func (w *TmuxWorker) Execute(ctx context.Context, t task.Task, timeout time.Duration) (task.Result, error) {
	ctx, span := w.opts.Tracer.Start(ctx, "worker.execute", trace.WithAttributes(
		telemetry.AgentID(w.id),
		telemetry.TaskID(t.ID),
		attribute.Int64("fleet.task.timeout_ms", timeout.Milliseconds()),
	))
	defer span.End()

	started := w.now()
	result, err := w.execute(ctx, t, timeout)
	result.TaskID = t.ID
	result.AgentID = w.id
	result.DurationMs = w.now().Sub(started).Milliseconds()

	span.SetAttributes(
		telemetry.Status(string(result.Status)),
		attribute.Int64("fleet.task.duration_ms", result.DurationMs),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, string(result.Status))
	}
	return result, err
}

func (w *TmuxWorker) execute(ctx context.Context, t task.Task, timeout time.Duration) (task.Result, error) {
	logger := w.opts.Logger.With("agent_id", w.id, "task_id", t.ID)
	nonce := newNonce()

	tail, err := openLogTail(w.LogPath(), w.opts.PollInterval, logger)
	if err != nil {
		return exitedResult(err.Error()), &WorkerExitedError{AgentID: w.id, TaskID: t.ID}
	}
	defer func() {
		_ = tail.Close()
	}()

	execCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	line := BuildCommandLine(w.opts.WorkerCommand, t.Description, nonce)
	if err := w.opts.Sessions.SendKeys(execCtx, w.id, line); err != nil {
		if execCtx.Err() != nil {
			return w.abort(ctx, t, timeout, newTailBuffer(w.opts.OutputTailLines, nonce), logger)
		}
		return exitedResult(err.Error()), fmt.Errorf("dispatch task %s to %s: %w", t.ID, w.id, err)
	}
	logger.Info("worker: task dispatched", "command", redact.Command(w.opts.WorkerCommand))

	output := newTailBuffer(w.opts.OutputTailLines, nonce)
	lastOutput := w.now()
	unstickAttempts := 0

	consume := func() (Completion, bool, error) {
		lines, err := tail.readLines()
		if err != nil {
			return Completion{}, false, err
		}
		for _, raw := range lines {
			clean := CleanLine(raw)
			if done, ok := ParseCompletion(clean, nonce); ok {
				return done, true, nil
			}
			output.add(clean)
			lastOutput = w.now()
		}
		return Completion{}, false, nil
	}
	finish := func(done Completion) (task.Result, error) {
		status := task.StatusSuccess
		if done.ExitCode != 0 {
			status = task.StatusFailure
		}
		logger.Info("worker: task finished", "exit_code", done.ExitCode, "status", status)
		return task.Result{Status: status, Output: redact.Content(output.String(), 0)}, nil
	}

	fsEvents, fsErrors := tail.events()
	for {
		done, ok, err := consume()
		if err != nil {
			return exitedResult(err.Error()), fmt.Errorf("read session log for %s: %w", w.id, err)
		}
		if ok {
			return finish(done)
		}

		select {
		case <-execCtx.Done():
			return w.abort(ctx, t, timeout, output, logger)
		case <-fsEvents:
			continue
		case watchErr := <-fsErrors:
			if watchErr != nil {
				logger.Debug("worker: session log watch error", "error", watchErr)
			}
			continue
		case <-tail.ticker.C:
		}

		alive, err := w.opts.Sessions.HasSession(execCtx, w.id)
		if err != nil {
			logger.Debug("worker: liveness probe failed", "error", err)
			continue
		}
		if !alive {
			if done, ok, _ := consume(); ok {
				return finish(done)
			}
			logger.Warn("worker: session exited mid-task")
			result := exitedResult(redact.Content(output.String(), 0))
			return result, &WorkerExitedError{AgentID: w.id, TaskID: t.ID}
		}

		if unstickAttempts < w.opts.MaxUnstickAttempts && w.now().Sub(lastOutput) >= w.opts.InactivityThreshold {
			if w.unstick(execCtx, logger) {
				unstickAttempts++
			}
			lastOutput = w.now()
		}
	}
}

func (w *TmuxWorker) unstick(ctx context.Context, logger *log.Logger) bool {
	pane, err := w.opts.Sessions.CapturePanes(ctx, w.id)
	if err != nil {
		logger.Debug("worker: capture pane for stuck check failed", "error", err)
		return false
	}
	if !LooksStuck(pane) {
		return false
	}
	if err := w.opts.Sessions.SendKeys(ctx, w.id, DefaultUnstickKeys); err != nil {
		logger.Warn("worker: unstick keystroke failed", "error", err)
		return false
	}
	logger.Warn("worker: answered stuck prompt", "keys", DefaultUnstickKeys)
	return true
}

// abort stops the session after a timeout or cancellation. The agent must be
// treated as dead afterwards because the task was interrupted mid-flight.
func (w *TmuxWorker) abort(
	ctx context.Context,
	t task.Task,
	timeout time.Duration,
	output *tailBuffer,
	logger *log.Logger,
) (task.Result, error) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.opts.TerminationGrace+stopBudget)
	defer cancel()
	if err := w.stop(stopCtx); err != nil {
		logger.Error("worker: forced stop failed", "error", err)
	}

	result := task.Result{Output: redact.Content(output.String(), 0)}
	if ctx.Err() != nil {
		result.Status = task.StatusCancelled
		logger.Warn("worker: task cancelled", "cause", ctx.Err())
		return result, fmt.Errorf("task %s on %s cancelled: %w", t.ID, w.id, ctx.Err())
	}
	result.Status = task.StatusTimeout
	result.ErrorKind = task.ErrorKindTimeout
	logger.Warn("worker: task timed out", "timeout", timeout)
	return result, &task.TaskTimeoutError{TaskID: t.ID, AgentID: w.id, Timeout: timeout}
}

// stop interrupts the foreground command, then escalates through the pane process.
func (w *TmuxWorker) stop(ctx context.Context) error {
	_ = w.opts.Sessions.SendKey(ctx, w.id, "C-c")
	pid, err := w.opts.Sessions.PanePID(ctx, w.id)
	if err != nil {
		return w.opts.Sessions.KillSession(ctx, w.id)
	}
	return w.opts.Sessions.EnforceTimeout(ctx, w.id, pid, w.opts.TerminationGrace)
}

// IsAlive probes tmux for the session.
func (w *TmuxWorker) IsAlive(ctx context.Context) bool {
	alive, err := w.opts.Sessions.HasSession(ctx, w.id)
	return err == nil && alive
}

// Kill stops the session if it is still running.
func (w *TmuxWorker) Kill(ctx context.Context) error {
	if !w.IsAlive(ctx) {
		return nil
	}
	if err := w.stop(ctx); err != nil {
		return fmt.Errorf("kill worker %s: %w", w.id, err)
	}
	w.opts.Logger.Info("worker: session killed", "agent_id", w.id)
	return nil
}

func exitedResult(output string) task.Result {
	return task.Result{Status: task.StatusFailure, Output: output, ErrorKind: task.ErrorKindWorkerExited}
}

func appendFile(path, content string) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	if _, err := file.WriteString(content); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

var (
	_ Handle   = (*TmuxWorker)(nil)
	_ Launcher = (*TmuxLauncher)(nil)
)
