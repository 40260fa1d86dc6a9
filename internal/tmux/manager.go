package tmux

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/ship-commander/fleet/internal/redact"
)

const (
	defaultCaptureStartLine = "-2000"

	// DefaultTerminationGracePeriod is the SIGTERM grace window before SIGKILL.
	DefaultTerminationGracePeriod = 5 * time.Second
	// DefaultSessionStartTimeout bounds the wait for a new session to become visible.
	DefaultSessionStartTimeout = 5 * time.Second

	maxSessionNameLength           = 64
	defaultTerminationPollInterval = 100 * time.Millisecond
	defaultForcedExitWait          = 2 * time.Second
)

var sessionNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// CommandRunner executes tmux commands.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ProcessSignaler sends unix signals to a process ID.
type ProcessSignaler interface {
	Signal(pid int, signal syscall.Signal) error
}

// ProcessChecker checks whether a process is still alive.
type ProcessChecker interface {
	Alive(pid int) (bool, error)
}

type defaultCommandRunner struct{}

func (defaultCommandRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		command := redact.Command(formatCommand(name, args))
		trimmed := strings.TrimSpace(string(out))
		if trimmed == "" {
			return nil, fmt.Errorf("run %s: %w", command, err)
		}
		return nil, fmt.Errorf("run %s: %w (%s)", command, err, trimmed)
	}
	return out, nil
}

type defaultProcessSignaler struct{}

func (defaultProcessSignaler) Signal(pid int, signal syscall.Signal) error {
	return syscall.Kill(pid, signal)
}

type defaultProcessChecker struct{}

func (defaultProcessChecker) Alive(pid int) (bool, error) {
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, syscall.ESRCH) {
		return false, nil
	}
	if errors.Is(err, syscall.EPERM) {
		return true, nil
	}
	return false, err
}

// Session is one active tmux session descriptor.
type Session struct {
	Name string
}

// Options configures a tmux manager.
type Options struct {
	Runner                  CommandRunner
	Signaler                ProcessSignaler
	Checker                 ProcessChecker
	TerminationPollInterval time.Duration
	ForcedExitWait          time.Duration
	SessionStartTimeout     time.Duration
}

// Manager executes tmux lifecycle operations and timeout cleanup.
type Manager struct {
	runner                  CommandRunner
	signaler                ProcessSignaler
	checker                 ProcessChecker
	terminationPollInterval time.Duration
	forcedExitWait          time.Duration
	sessionStartTimeout     time.Duration
	now                     func() time.Time
	sleep                   func(time.Duration)
}

// New creates a tmux lifecycle manager with default dependencies where omitted.
func New(opts Options) (*Manager, error) {
	runner := opts.Runner
	if runner == nil {
		runner = defaultCommandRunner{}
	}

	signaler := opts.Signaler
	if signaler == nil {
		signaler = defaultProcessSignaler{}
	}

	checker := opts.Checker
	if checker == nil {
		checker = defaultProcessChecker{}
	}

	pollInterval := opts.TerminationPollInterval
	if pollInterval <= 0 {
		pollInterval = defaultTerminationPollInterval
	}

	forcedExitWait := opts.ForcedExitWait
	if forcedExitWait <= 0 {
		forcedExitWait = defaultForcedExitWait
	}

	startTimeout := opts.SessionStartTimeout
	if startTimeout <= 0 {
		startTimeout = DefaultSessionStartTimeout
	}

	return &Manager{
		runner:                  runner,
		signaler:                signaler,
		checker:                 checker,
		terminationPollInterval: pollInterval,
		forcedExitWait:          forcedExitWait,
		sessionStartTimeout:     startTimeout,
		now:                     time.Now,
		sleep:                   time.Sleep,
	}, nil
}

// CreateSession creates a detached named tmux session and waits until has-session sees it.
func (m *Manager) CreateSession(ctx context.Context, name string, cmd string, workdir string) error {
	if m == nil {
		return errors.New("tmux manager is nil")
	}
	if err := ValidateSessionName(name); err != nil {
		return err
	}

	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return errors.New("command is required")
	}

	workdir = strings.TrimSpace(workdir)
	if workdir == "" {
		return errors.New("workdir is required")
	}

	if _, err := m.runner.Run(ctx, "tmux", "new-session", "-d", "-s", name, "-c", workdir, cmd); err != nil {
		return fmt.Errorf("create tmux session %s: %w", name, err)
	}

	deadline := m.now().Add(m.sessionStartTimeout)
	for {
		alive, err := m.HasSession(ctx, name)
		if err != nil {
			return fmt.Errorf("confirm tmux session %s: %w", name, err)
		}
		if alive {
			return nil
		}
		if !m.now().Before(deadline) {
			return fmt.Errorf("tmux session %s not visible after %s", name, m.sessionStartTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		m.sleep(m.terminationPollInterval)
	}
}

// HasSession reports whether a session with exactly this name exists.
func (m *Manager) HasSession(ctx context.Context, name string) (bool, error) {
	if m == nil {
		return false, errors.New("tmux manager is nil")
	}
	if err := ValidateSessionName(name); err != nil {
		return false, err
	}

	if _, err := m.runner.Run(ctx, "tmux", "has-session", "-t", "="+name); err != nil {
		if isMissingSessionError(err) || isNoTmuxServerError(err) || isExitStatusOne(err) {
			return false, nil
		}
		return false, fmt.Errorf("check tmux session %s: %w", name, err)
	}
	return true, nil
}

// ListSessions returns active tmux session names.
func (m *Manager) ListSessions(ctx context.Context) ([]Session, error) {
	if m == nil {
		return nil, errors.New("tmux manager is nil")
	}

	out, err := m.runner.Run(ctx, "tmux", "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if isNoTmuxServerError(err) {
			return []Session{}, nil
		}
		return nil, fmt.Errorf("list tmux sessions: %w", err)
	}

	lines := strings.Split(string(out), "\n")
	sessions := make([]Session, 0, len(lines))
	for _, line := range lines {
		sessionName := strings.TrimSpace(line)
		if sessionName == "" {
			continue
		}
		sessions = append(sessions, Session{Name: sessionName})
	}
	return sessions, nil
}

// SendKeys types keys literally into the target session and presses Enter.
func (m *Manager) SendKeys(ctx context.Context, name string, keys string) error {
	if m == nil {
		return errors.New("tmux manager is nil")
	}
	if err := ValidateSessionName(name); err != nil {
		return err
	}

	keys = strings.TrimSpace(keys)
	if keys == "" {
		return errors.New("keys are required")
	}

	if _, err := m.runner.Run(ctx, "tmux", "send-keys", "-t", name, "-l", keys); err != nil {
		return fmt.Errorf("send keys to tmux session %s: %w", name, err)
	}
	if _, err := m.runner.Run(ctx, "tmux", "send-keys", "-t", name, "Enter"); err != nil {
		return fmt.Errorf("send enter to tmux session %s: %w", name, err)
	}
	return nil
}

// SendKey sends one named key such as C-c without pressing Enter.
func (m *Manager) SendKey(ctx context.Context, name string, key string) error {
	if m == nil {
		return errors.New("tmux manager is nil")
	}
	if err := ValidateSessionName(name); err != nil {
		return err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("key is required")
	}

	if _, err := m.runner.Run(ctx, "tmux", "send-keys", "-t", name, key); err != nil {
		return fmt.Errorf("send %s to tmux session %s: %w", key, name, err)
	}
	return nil
}

// PipePane appends all pane output of the session to logPath.
func (m *Manager) PipePane(ctx context.Context, name string, logPath string) error {
	if m == nil {
		return errors.New("tmux manager is nil")
	}
	if err := ValidateSessionName(name); err != nil {
		return err
	}
	logPath = strings.TrimSpace(logPath)
	if logPath == "" {
		return errors.New("log path is required")
	}

	pipe := "cat >> " + shellquote.Join(logPath)
	if _, err := m.runner.Run(ctx, "tmux", "pipe-pane", "-o", "-t", name, pipe); err != nil {
		return fmt.Errorf("pipe tmux pane %s: %w", name, err)
	}
	return nil
}

// PanePID returns the PID of the process running in the session's active pane.
func (m *Manager) PanePID(ctx context.Context, name string) (int, error) {
	if m == nil {
		return 0, errors.New("tmux manager is nil")
	}
	if err := ValidateSessionName(name); err != nil {
		return 0, err
	}

	out, err := m.runner.Run(ctx, "tmux", "display-message", "-p", "-t", name, "#{pane_pid}")
	if err != nil {
		return 0, fmt.Errorf("read pane pid for %s: %w", name, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0, fmt.Errorf("parse pane pid for %s: %w", name, err)
	}
	return pid, nil
}

// PaneCommand returns the foreground command of the session's active pane.
func (m *Manager) PaneCommand(ctx context.Context, name string) (string, error) {
	if m == nil {
		return "", errors.New("tmux manager is nil")
	}
	if err := ValidateSessionName(name); err != nil {
		return "", err
	}

	out, err := m.runner.Run(ctx, "tmux", "display-message", "-p", "-t", name, "#{pane_current_command}")
	if err != nil {
		return "", fmt.Errorf("read pane command for %s: %w", name, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// CapturePanes captures the latest pane output for the target tmux session.
func (m *Manager) CapturePanes(ctx context.Context, name string) (string, error) {
	if m == nil {
		return "", errors.New("tmux manager is nil")
	}
	if err := ValidateSessionName(name); err != nil {
		return "", err
	}

	out, err := m.runner.Run(ctx, "tmux", "capture-pane", "-pt", name, "-S", defaultCaptureStartLine)
	if err != nil {
		return "", fmt.Errorf("capture tmux panes for %s: %w", name, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// KillSession kills a tmux session and ignores already-missing session errors.
func (m *Manager) KillSession(ctx context.Context, name string) error {
	if m == nil {
		return errors.New("tmux manager is nil")
	}
	if err := ValidateSessionName(name); err != nil {
		return err
	}

	if _, err := m.runner.Run(ctx, "tmux", "kill-session", "-t", "="+name); err != nil {
		if isMissingSessionError(err) || isNoTmuxServerError(err) {
			return nil
		}
		return fmt.Errorf("kill tmux session %s: %w", name, err)
	}
	return nil
}

// EnforceTimeout applies deterministic SIGTERM -> grace -> SIGKILL escalation and cleans tmux session state.
func (m *Manager) EnforceTimeout(ctx context.Context, name string, pid int, gracePeriod time.Duration) error {
	if m == nil {
		return errors.New("tmux manager is nil")
	}
	if err := ValidateSessionName(name); err != nil {
		return err
	}

	if gracePeriod <= 0 {
		gracePeriod = DefaultTerminationGracePeriod
	}

	if pid <= 0 {
		return m.KillSession(ctx, name)
	}

	if err := m.signaler.Signal(pid, syscall.SIGTERM); err != nil && !isProcessGoneError(err) {
		return fmt.Errorf("send SIGTERM to pid %d: %w", pid, err)
	}

	exited, err := m.waitForExit(ctx, pid, gracePeriod)
	if err != nil {
		return fmt.Errorf("wait for pid %d after SIGTERM: %w", pid, err)
	}
	if !exited {
		if err := m.signaler.Signal(pid, syscall.SIGKILL); err != nil && !isProcessGoneError(err) {
			return fmt.Errorf("send SIGKILL to pid %d: %w", pid, err)
		}
		if _, waitErr := m.waitForExit(ctx, pid, m.forcedExitWait); waitErr != nil {
			return fmt.Errorf("wait for pid %d after SIGKILL: %w", pid, waitErr)
		}
	}

	if err := m.KillSession(ctx, name); err != nil {
		return err
	}

	alive, err := m.checker.Alive(pid)
	if err != nil {
		return fmt.Errorf("verify pid %d termination: %w", pid, err)
	}
	if alive {
		return fmt.Errorf("pid %d still alive after timeout enforcement", pid)
	}

	return nil
}

func (m *Manager) waitForExit(ctx context.Context, pid int, window time.Duration) (bool, error) {
	if window <= 0 {
		window = m.terminationPollInterval
	}

	deadline := m.now().Add(window)
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}

		alive, err := m.checker.Alive(pid)
		if err != nil {
			return false, err
		}
		if !alive {
			return true, nil
		}
		if !m.now().Before(deadline) {
			return false, nil
		}
		m.sleep(m.terminationPollInterval)
	}
}

// ValidateSessionName enforces 1-64 characters from [A-Za-z0-9._-] without a leading '-'.
func ValidateSessionName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("session name is required")
	}
	if len(name) > maxSessionNameLength {
		return fmt.Errorf("session name %q exceeds %d characters", name, maxSessionNameLength)
	}
	if strings.HasPrefix(name, "-") || !sessionNamePattern.MatchString(name) {
		return fmt.Errorf("session name %q must use [A-Za-z0-9._-] and not start with '-'", name)
	}
	return nil
}

func isNoTmuxServerError(err error) bool {
	if err == nil {
		return false
	}
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "no server running") || strings.Contains(text, "failed to connect to server")
}

func isMissingSessionError(err error) bool {
	if err == nil {
		return false
	}
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "can't find session") || strings.Contains(text, "no such session")
}

func isExitStatusOne(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr) && exitErr.ExitCode() == 1
}

func isProcessGoneError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.ESRCH)
}

func formatCommand(name string, args []string) string {
	parts := append([]string{strings.TrimSpace(name)}, args...)
	sanitized := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sanitized = append(sanitized, part)
	}
	return strings.Join(sanitized, " ")
}

var _ CommandRunner = defaultCommandRunner{}
var _ ProcessSignaler = defaultProcessSignaler{}
var _ ProcessChecker = defaultProcessChecker{}
