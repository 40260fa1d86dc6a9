package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/charmbracelet/log"
	"github.com/kballard/go-shellquote"
	"github.com/ship-commander/fleet/internal/config"
	"github.com/ship-commander/fleet/internal/doctor"
	"github.com/ship-commander/fleet/internal/events"
	"github.com/ship-commander/fleet/internal/janitor"
	"github.com/ship-commander/fleet/internal/orchestrator"
	"github.com/ship-commander/fleet/internal/registry"
	"github.com/ship-commander/fleet/internal/scheduler"
	"github.com/ship-commander/fleet/internal/store"
	"github.com/ship-commander/fleet/internal/task"
	"github.com/ship-commander/fleet/internal/tmux"
	"github.com/ship-commander/fleet/internal/worker"
	"github.com/ship-commander/fleet/internal/workspace"
)

// fleetRuntime wires every component for one CLI invocation.
type fleetRuntime struct {
	cfg          *config.Config
	logger       *log.Logger
	store        *store.Store
	bus          *events.InMemoryBus
	registry     *registry.Registry
	sessions     *tmux.Manager
	workspaces   *workspace.Manager
	orchestrator *orchestrator.Orchestrator
	doctor       *doctor.Manager
	janitor      *janitor.Janitor
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *log.Logger) (*fleetRuntime, error) {
	db, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt := &fleetRuntime{cfg: cfg, logger: logger, store: db}
	if err := rt.wire(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o750); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	db, err := store.New(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	return db, nil
}

func (rt *fleetRuntime) wire(ctx context.Context) error {
	cfg := rt.cfg
	logger := rt.logger

	rt.bus = events.New(events.WithLogger(logger))
	rt.bus.SubscribeAll(func(event events.Event) {
		logger.Debug("event",
			"type", event.Type,
			"entity_type", event.EntityType,
			"entity_id", event.EntityID,
			"severity", event.Severity,
		)
	})
	rt.registry = registry.New(registry.WithLogger(logger), registry.WithEvents(rt.bus))

	sessions, err := tmux.New(tmux.Options{SessionStartTimeout: cfg.SessionStartTimeout})
	if err != nil {
		return fmt.Errorf("create tmux manager: %w", err)
	}
	rt.sessions = sessions

	vcs, err := workspace.NewGitVCS(cfg.RepoRoot)
	if err != nil {
		return fmt.Errorf("open repository %s: %w", cfg.RepoRoot, err)
	}
	rt.workspaces, err = workspace.New(workspace.Options{
		WorktreesRoot:  cfg.WorktreesRoot,
		DefaultBaseRef: cfg.BaseRef,
		VCS:            vcs,
		Logger:         logger,
		Events:         rt.bus,
	})
	if err != nil {
		return fmt.Errorf("create workspace manager: %w", err)
	}

	launcher, err := worker.NewTmuxLauncher(worker.Options{
		Sessions:            sessions,
		LogDir:              cfg.LogDir,
		WorkerCommand:       cfg.WorkerCommand,
		Shell:               cfg.SessionShell,
		PollInterval:        cfg.PollInterval,
		TerminationGrace:    cfg.TerminationGrace,
		InactivityThreshold: cfg.InactivityThreshold,
		MaxUnstickAttempts:  cfg.MaxUnstickAttempts,
		OutputTailLines:     cfg.OutputTailLines,
		Logger:              logger,
	})
	if err != nil {
		return fmt.Errorf("create worker launcher: %w", err)
	}

	sched, err := scheduler.New(scheduler.Options{
		Registry:   rt.registry,
		Workspaces: rt.workspaces,
		Launcher:   launcher,
		Flags:      rt.store,
		BaseRef:    cfg.BaseRef,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	rt.orchestrator, err = orchestrator.New(orchestrator.Options{
		Scheduler: sched,
		Sink:      rt.store,
		Events:    rt.bus,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	rt.doctor, err = doctor.NewManager(rt.registry, sessions, rt.store, rt.bus, doctor.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		StuckTimeout:      cfg.PerTaskTimeout,
		Owned:             retiredSession(ctx, rt.workspaces, rt.store),
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("create doctor: %w", err)
	}

	rt.janitor, err = janitor.New(janitor.Options{
		Flags:      rt.store,
		Workspaces: rt.workspaces,
		Registry:   rt.registry,
		Sessions:   sessions,
		TTL:        cfg.DeadWorkspaceTTL,
		Schedule:   cfg.SweepSchedule,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("create janitor: %w", err)
	}

	adopted, err := adoptIdleAgents(ctx, rt.registry, sessions, rt.workspaces, rt.store, cfg.SessionShell)
	if err != nil {
		logger.Warn("adopt live sessions failed", "error", err)
	} else if len(adopted) > 0 {
		logger.Info("adopted idle agents from earlier runs", "agents", adopted)
	}
	return nil
}

// Close releases the event bus and the store.
func (rt *fleetRuntime) Close() {
	if rt == nil {
		return
	}
	if rt.bus != nil {
		rt.bus.Close()
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil && rt.logger != nil {
			rt.logger.Warn("close state store failed", "error", err)
		}
	}
}

// startBackground runs the doctor and the janitor until the returned stop is called.
func (rt *fleetRuntime) startBackground(ctx context.Context) (stop func()) {
	bgCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{}, 2)
	go func() {
		defer func() { done <- struct{}{} }()
		rt.doctor.Start(bgCtx)
	}()
	go func() {
		defer func() { done <- struct{}{} }()
		rt.janitor.Start(bgCtx)
	}()
	return func() {
		cancel()
		<-done
		<-done
	}
}

type sessionLister interface {
	ListSessions(ctx context.Context) ([]tmux.Session, error)
}

type sessionInspector interface {
	sessionLister
	PaneCommand(ctx context.Context, name string) (string, error)
}

type workspaceDescriber interface {
	Describe(name string) workspace.Workspace
}

type flagChecker interface {
	IsFlagged(ctx context.Context, name string) (bool, error)
}

// hasWorktree reports whether a session name has a worktree under the fleet root.
func hasWorktree(workspaces workspaceDescriber, name string) bool {
	if task.ValidateName(name) != nil {
		return false
	}
	info, err := os.Stat(workspaces.Describe(name).Path)
	return err == nil && info.IsDir()
}

// retiredSession reports whether an unregistered session belongs to an agent some fleet
// process already retired: its worktree exists and is flagged dead. Live agents of other
// fleet processes are never matched.
func retiredSession(ctx context.Context, workspaces workspaceDescriber, flags flagChecker) func(string) bool {
	return func(name string) bool {
		if !hasWorktree(workspaces, name) {
			return false
		}
		flagged, err := flags.IsFlagged(ctx, name)
		return err == nil && flagged
	}
}

// restingCommand is the pane command of a session whose shell is waiting for input.
func restingCommand(shell string) string {
	words, err := shellquote.Split(shell)
	if err != nil || len(words) == 0 {
		return ""
	}
	return filepath.Base(words[0])
}

// adoptIdleAgents registers live sessions left by an earlier invocation as Idle agents
// so their workspaces can be reused. Only sessions with a fleet worktree, no dead flag, and
// a pane back at its shell prompt are adopted; a pane running anything else may be serving
// a task for another fleet process.
func adoptIdleAgents(
	ctx context.Context,
	reg *registry.Registry,
	sessions sessionInspector,
	workspaces workspaceDescriber,
	flags flagChecker,
	shell string,
) ([]string, error) {
	listed, err := sessions.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	resting := restingCommand(shell)

	adopted := make([]string, 0)
	var errs []error
	for _, session := range listed {
		name := session.Name
		if !hasWorktree(workspaces, name) {
			continue
		}
		if _, known := reg.Get(name); known {
			continue
		}
		flagged, err := flags.IsFlagged(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("adopt %s: %w", name, err))
			continue
		}
		if flagged {
			continue
		}
		command, err := sessions.PaneCommand(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("adopt %s: %w", name, err))
			continue
		}
		if command != resting {
			continue
		}
		if err := reg.Register(registry.Agent{ID: name, Workspace: workspaces.Describe(name)}); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := reg.Transition(ctx, name, registry.StateIdle, ""); err != nil {
			errs = append(errs, fmt.Errorf("adopt %s: %w", name, err))
			continue
		}
		adopted = append(adopted, name)
	}
	sort.Strings(adopted)
	return adopted, errors.Join(errs...)
}
