package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ship-commander/fleet/internal/logging"
	"github.com/ship-commander/fleet/internal/registry"
	"github.com/ship-commander/fleet/internal/task"
	"github.com/ship-commander/fleet/internal/worker"
	"github.com/ship-commander/fleet/internal/workspace"
)

// Decision is the per-task outcome of planning.
type Decision string

const (
	// DecisionReuse hands the task to an already-claimed agent.
	DecisionReuse Decision = "reuse"
	// DecisionCreate provisions a new agent and workspace.
	DecisionCreate Decision = "create"
	// DecisionQueued defers the task until a concurrency slot frees up.
	DecisionQueued Decision = "queued"
)

// AssignmentPlan is the typed reuse-or-create decision for one task.
type AssignmentPlan struct {
	Task     task.Task
	Decision Decision
	// Agent is the claimed agent (now Starting) for DecisionReuse.
	Agent registry.Agent
	// WorkspaceName is the agent/workspace identity for DecisionCreate.
	WorkspaceName string
}

// Workspaces is the workspace surface the scheduler needs. *workspace.Manager implements it.
type Workspaces interface {
	Create(ctx context.Context, name, baseRef string) (workspace.Workspace, error)
	FindReusable(ctx context.Context, name string) (workspace.Workspace, bool, error)
}

// FlagStore records workspaces kept after their agent died.
type FlagStore interface {
	FlagDead(ctx context.Context, ws workspace.Workspace, reason string, deadAt time.Time) error
	IsFlagged(ctx context.Context, name string) (bool, error)
}

// ErrWorkspaceKept is the cause of a WorkspaceCreateError for a name whose previous
// workspace is still kept for inspection.
var ErrWorkspaceKept = errors.New("previous workspace is kept for inspection until swept (fleet sweep --all removes it now)")

// Lease is one agent held by one task between Provision and Release.
type Lease struct {
	Task   task.Task
	Agent  registry.Agent
	Handle worker.Handle
	Reused bool
}

// Options configures a Scheduler.
type Options struct {
	Registry   *registry.Registry
	Workspaces Workspaces
	Launcher   worker.Launcher
	Flags      FlagStore
	BaseRef    string
	Logger     *log.Logger
	Now        func() time.Time
}

// Scheduler decides reuse-versus-create and provisions agents for tasks.
type Scheduler struct {
	registry   *registry.Registry
	workspaces Workspaces
	launcher   worker.Launcher
	flags      FlagStore
	baseRef    string
	logger     *log.Logger
	now        func() time.Time
}

// New validates collaborators and builds a Scheduler.
func New(opts Options) (*Scheduler, error) {
	if opts.Registry == nil {
		return nil, errors.New("agent registry is required")
	}
	if opts.Workspaces == nil {
		return nil, errors.New("workspace manager is required")
	}
	if opts.Launcher == nil {
		return nil, errors.New("worker launcher is required")
	}
	flags := opts.Flags
	if flags == nil {
		flags = noopFlags{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		registry:   opts.Registry,
		workspaces: opts.Workspaces,
		launcher:   opts.Launcher,
		flags:      flags,
		baseRef:    opts.BaseRef,
		logger:     logging.OrDiscard(opts.Logger),
		now:        now,
	}, nil
}

// Order sorts tasks for dispatch: urgent first, then submission time, then input position.
func Order(tasks []task.Task) []task.Task {
	ordered := append([]task.Task(nil), tasks...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].SubmittedAt.Before(ordered[j].SubmittedAt)
	})
	return ordered
}

// Assign plans the first maxConcurrency tasks in dispatch order and queues the rest.
// It never waits: a pinned agent held elsewhere queues its task, and Idle agents named by
// any pinned task in the batch are kept out of unpinned reuse. Runnable plans come first.
func (s *Scheduler) Assign(_ context.Context, tasks []task.Task, maxConcurrency int) []AssignmentPlan {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	ordered := Order(tasks)
	reserved := pinnedNames(ordered)
	runnable := make([]AssignmentPlan, 0, min(maxConcurrency, len(ordered)))
	var queued []AssignmentPlan
	planned := make(map[string]struct{})
	for _, t := range ordered {
		name := ""
		if t.Pinned() {
			name = task.WorkspaceName(t)
		}
		_, clash := planned[name]
		if len(runnable) >= maxConcurrency || (name != "" && clash) {
			queued = append(queued, AssignmentPlan{Task: t, Decision: DecisionQueued})
			continue
		}

		plan := s.tryPlan(t, reserved)
		if plan.Decision == DecisionQueued {
			queued = append(queued, plan)
			continue
		}
		if name != "" {
			planned[name] = struct{}{}
		}
		runnable = append(runnable, plan)
	}
	return append(runnable, queued...)
}

func (s *Scheduler) tryPlan(t task.Task, reserved []string) AssignmentPlan {
	if t.Pinned() {
		name := task.WorkspaceName(t)
		agent, claim := s.registry.TryClaimByName(name)
		switch claim {
		case registry.ClaimAcquired:
			return AssignmentPlan{Task: t, Decision: DecisionReuse, Agent: agent}
		case registry.ClaimHeld:
			s.logger.Debug("scheduler: pinned agent is busy, queueing", "task_id", t.ID, "agent_id", name)
			return AssignmentPlan{Task: t, Decision: DecisionQueued}
		default:
			return AssignmentPlan{Task: t, Decision: DecisionCreate, WorkspaceName: name}
		}
	}

	if agent, ok := s.registry.GetIdleAgent(reserved...); ok {
		return AssignmentPlan{Task: t, Decision: DecisionReuse, Agent: agent}
	}
	return AssignmentPlan{Task: t, Decision: DecisionCreate, WorkspaceName: task.WorkspaceName(t)}
}

func pinnedNames(tasks []task.Task) []string {
	var names []string
	for _, t := range tasks {
		if t.Pinned() {
			names = append(names, task.WorkspaceName(t))
		}
	}
	return names
}

// Plan makes one reuse-or-create decision for a task leaving the queue. Reuse always wins
// for unpinned tasks while an idle agent exists; pinned tasks wait for their named agent
// until ctx ends, or create it.
func (s *Scheduler) Plan(ctx context.Context, t task.Task) AssignmentPlan {
	if t.Pinned() {
		name := task.WorkspaceName(t)
		agent, found, err := s.registry.ClaimByName(ctx, name)
		if err != nil {
			s.logger.Warn("scheduler: wait for pinned agent interrupted", "task_id", t.ID, "agent_id", name, "error", err)
			return AssignmentPlan{Task: t, Decision: DecisionQueued}
		}
		if found {
			return AssignmentPlan{Task: t, Decision: DecisionReuse, Agent: agent}
		}
		return AssignmentPlan{Task: t, Decision: DecisionCreate, WorkspaceName: name}
	}

	if agent, ok := s.registry.GetIdleAgent(); ok {
		return AssignmentPlan{Task: t, Decision: DecisionReuse, Agent: agent}
	}
	return AssignmentPlan{Task: t, Decision: DecisionCreate, WorkspaceName: task.WorkspaceName(t)}
}

// Provision turns a plan into a lease on a running agent. Failures mark the agent dead and
// return *workspace.WorkspaceCreateError or *worker.AgentStartError.
func (s *Scheduler) Provision(ctx context.Context, plan AssignmentPlan) (*Lease, error) {
	switch plan.Decision {
	case DecisionReuse:
		lease, err := s.provisionReuse(ctx, plan.Task, plan.Agent)
		if err == nil && lease != nil {
			return lease, nil
		}
		if err != nil {
			return nil, err
		}
		name := plan.Agent.ID
		if !plan.Task.Pinned() {
			name = task.WorkspaceName(plan.Task)
		}
		return s.provisionCreate(ctx, plan.Task, name)
	case DecisionCreate:
		return s.provisionCreate(ctx, plan.Task, plan.WorkspaceName)
	default:
		return nil, fmt.Errorf("provision task %s: plan decision %q is not runnable", plan.Task.ID, plan.Decision)
	}
}

// provisionReuse returns a nil lease and nil error when the claimed agent turned out
// unusable and the caller should fall back to creating one.
func (s *Scheduler) provisionReuse(ctx context.Context, t task.Task, agent registry.Agent) (*Lease, error) {
	logger := s.logger.With("task_id", t.ID, "agent_id", agent.ID)
	handle := s.launcher.Launch(agent.ID)

	if !handle.IsAlive(ctx) {
		logger.Warn("scheduler: idle agent session is gone, creating a replacement")
		s.retireForReplacement(ctx, t, agent, handle, "session exited while idle")
		return nil, nil
	}

	ws, found, err := s.workspaces.FindReusable(ctx, agent.ID)
	if err != nil {
		s.retire(ctx, agent, handle, "workspace check failed")
		return nil, &workspace.WorkspaceCreateError{Name: agent.ID, Path: agent.Workspace.Path, Cause: err}
	}
	if !found {
		logger.Warn("scheduler: idle agent workspace was not reusable, creating a replacement")
		s.retire(ctx, agent, handle, "workspace not reusable")
		return nil, nil
	}

	agent.Workspace = ws
	logger.Info("scheduler: reusing idle agent", "workspace", ws.Path, "tasks_served", agent.TasksServed)
	return &Lease{Task: t, Agent: agent, Handle: handle, Reused: true}, nil
}

// provisionCreate registers the name before touching its worktree, so concurrent creates
// and the janitor see it as taken.
func (s *Scheduler) provisionCreate(ctx context.Context, t task.Task, name string) (*Lease, error) {
	logger := s.logger.With("task_id", t.ID, "agent_id", name)

	if err := s.registry.Register(registry.Agent{ID: name}); err != nil {
		if !errors.Is(err, registry.ErrAgentExists) {
			return nil, fmt.Errorf("register agent %s: %w", name, err)
		}
		return s.joinExisting(ctx, t, name)
	}

	flagged, err := s.flags.IsFlagged(ctx, name)
	if err != nil {
		s.discard(name, "dead workspace lookup failed")
		return nil, &workspace.WorkspaceCreateError{Name: name, Cause: err}
	}
	if flagged {
		logger.Warn("scheduler: workspace of a dead agent is awaiting sweep")
		s.discard(name, "workspace kept for inspection")
		return nil, &workspace.WorkspaceCreateError{Name: name, Cause: ErrWorkspaceKept}
	}

	ws, found, err := s.workspaces.FindReusable(ctx, name)
	if err != nil {
		s.discard(name, "workspace check failed")
		return nil, &workspace.WorkspaceCreateError{Name: name, Cause: err}
	}
	if !found {
		ws, err = s.workspaces.Create(ctx, name, s.baseRef)
		if err != nil {
			logger.Error("scheduler: workspace create failed", "error", err)
			s.discard(name, "workspace create failed")
			return nil, err
		}
	}
	ws.OwningAgentID = name
	if err := s.registry.SetWorkspace(name, ws); err != nil {
		return nil, err
	}

	handle := s.launcher.Launch(name)
	if err := handle.Start(ctx, ws); err != nil {
		logger.Error("scheduler: agent start failed", "error", err)
		registered, _ := s.registry.Get(name)
		s.retire(ctx, registered, nil, "start failed")
		return nil, err
	}

	registered, _ := s.registry.Get(name)
	logger.Info("scheduler: created agent", "workspace", ws.Path, "branch", ws.BranchName)
	return &Lease{Task: t, Agent: registered, Handle: handle}, nil
}

// joinExisting waits for a live agent another task created first and reuses it.
func (s *Scheduler) joinExisting(ctx context.Context, t task.Task, name string) (*Lease, error) {
	claimed, ok, err := s.registry.ClaimByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("wait for agent %s: %w", name, err)
	}
	if !ok {
		return nil, &worker.AgentStartError{AgentID: name, Reason: "agent died while another task held it"}
	}
	lease, err := s.provisionReuse(ctx, t, claimed)
	if err != nil {
		return nil, err
	}
	if lease == nil {
		return nil, &worker.AgentStartError{AgentID: name, Reason: "shared agent became unusable"}
	}
	return lease, nil
}

// discard drops a registration that never got a worktree of its own.
func (s *Scheduler) discard(name, reason string) {
	s.registry.MarkDead(name, reason)
	if err := s.registry.Remove(name); err != nil {
		s.logger.Warn("scheduler: drop agent record failed", "agent_id", name, "error", err)
	}
}

// Begin moves the leased agent to Busy for the lease's task.
func (s *Scheduler) Begin(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return errors.New("lease is required")
	}
	return s.registry.Transition(ctx, lease.Agent.ID, registry.StateBusy, lease.Task.ID)
}

// Release returns the agent to the idle pool after a clean finish, or retires it.
// Timeouts, cancellations and vanished sessions always retire the agent.
func (s *Scheduler) Release(ctx context.Context, lease *Lease, result task.Result) error {
	if lease == nil {
		return nil
	}

	if reusable(result) && lease.Handle.IsAlive(ctx) {
		if err := s.registry.Transition(ctx, lease.Agent.ID, registry.StateIdle, ""); err != nil {
			s.retire(ctx, lease.Agent, lease.Handle, "invalid release transition")
			return err
		}
		return nil
	}

	reason := string(result.Status)
	if result.ErrorKind != task.ErrorKindNone {
		reason = string(result.ErrorKind)
	}
	s.retire(ctx, lease.Agent, lease.Handle, reason)
	return nil
}

// Unclaim returns a reuse plan's claimed agent to Idle when its task will not run.
func (s *Scheduler) Unclaim(ctx context.Context, plan AssignmentPlan) {
	if plan.Decision != DecisionReuse || plan.Agent.ID == "" {
		return
	}
	if err := s.registry.Transition(context.WithoutCancel(ctx), plan.Agent.ID, registry.StateIdle, ""); err != nil {
		s.logger.Warn("scheduler: unclaim agent failed", "agent_id", plan.Agent.ID, "error", err)
	}
}

// Abandon retires a leased agent whose task never ran, for example after an invariant failure.
func (s *Scheduler) Abandon(ctx context.Context, lease *Lease, reason string) {
	if lease == nil {
		return
	}
	s.retire(ctx, lease.Agent, lease.Handle, reason)
}

// retire kills the session, marks the agent dead and flags its workspace for sweep.
// The workspace itself is kept for inspection.
func (s *Scheduler) retire(ctx context.Context, agent registry.Agent, handle worker.Handle, reason string) {
	if agent.ID == "" {
		return
	}
	stopCtx := context.WithoutCancel(ctx)
	if handle != nil {
		if err := handle.Kill(stopCtx); err != nil {
			s.logger.Warn("scheduler: kill retired agent failed", "agent_id", agent.ID, "error", err)
		}
	}
	s.registry.MarkDead(agent.ID, reason)
	if agent.Workspace.Name == "" {
		return
	}
	if err := s.flags.FlagDead(stopCtx, agent.Workspace, reason, s.now()); err != nil {
		s.logger.Warn("scheduler: flag dead workspace failed", "agent_id", agent.ID, "error", err)
	}
}

// retireForReplacement retires an idle agent whose session exited. A pinned
// replacement takes the same name and worktree, so its workspace is not flagged.
func (s *Scheduler) retireForReplacement(ctx context.Context, t task.Task, agent registry.Agent, handle worker.Handle, reason string) {
	if !t.Pinned() {
		s.retire(ctx, agent, handle, reason)
		return
	}
	if err := handle.Kill(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("scheduler: kill retired agent failed", "agent_id", agent.ID, "error", err)
	}
	s.registry.MarkDead(agent.ID, reason)
}

func reusable(result task.Result) bool {
	if result.ErrorKind == task.ErrorKindWorkerExited {
		return false
	}
	return result.Status == task.StatusSuccess || result.Status == task.StatusFailure
}

type noopFlags struct{}

func (noopFlags) FlagDead(context.Context, workspace.Workspace, string, time.Time) error { return nil }

func (noopFlags) IsFlagged(context.Context, string) (bool, error) { return false, nil }
