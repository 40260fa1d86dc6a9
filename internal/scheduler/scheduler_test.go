package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ship-commander/fleet/internal/registry"
	"github.com/ship-commander/fleet/internal/task"
	"github.com/ship-commander/fleet/internal/worker"
	"github.com/ship-commander/fleet/internal/workspace"
)

type fakeWorkspaces struct {
	mu        sync.Mutex
	reusable  map[string]workspace.Workspace
	creates   []string
	createErr error
	findErr   error
	onFind    func(name string)
}

func newFakeWorkspaces() *fakeWorkspaces {
	return &fakeWorkspaces{reusable: map[string]workspace.Workspace{}}
}

func (f *fakeWorkspaces) Create(_ context.Context, name, baseRef string) (workspace.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, name)
	if f.createErr != nil {
		return workspace.Workspace{}, &workspace.WorkspaceCreateError{Name: name, Cause: f.createErr}
	}
	ws := workspace.Workspace{
		Name:       name,
		Path:       filepath.Join("/trees", name),
		BranchName: workspace.BranchPrefix + name,
		BaseRef:    baseRef,
	}
	f.reusable[name] = ws
	return ws, nil
}

func (f *fakeWorkspaces) FindReusable(_ context.Context, name string) (workspace.Workspace, bool, error) {
	if f.onFind != nil {
		f.onFind(name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return workspace.Workspace{}, false, f.findErr
	}
	ws, ok := f.reusable[name]
	return ws, ok, nil
}

func (f *fakeWorkspaces) createdNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.creates...)
}

type fakeHandle struct {
	mu       sync.Mutex
	id       string
	alive    bool
	startErr error
	kills    int
}

func (h *fakeHandle) ID() string { return h.id }

func (h *fakeHandle) Start(context.Context, workspace.Workspace) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.startErr != nil {
		return h.startErr
	}
	h.alive = true
	return nil
}

func (h *fakeHandle) Execute(_ context.Context, t task.Task, _ time.Duration) (task.Result, error) {
	return task.Result{TaskID: t.ID, AgentID: h.id, Status: task.StatusSuccess}, nil
}

func (h *fakeHandle) IsAlive(context.Context) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alive
}

func (h *fakeHandle) Kill(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.kills++
	h.alive = false
	return nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	handles  map[string]*fakeHandle
	startErr error
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{handles: map[string]*fakeHandle{}}
}

func (l *fakeLauncher) Launch(agentID string) worker.Handle {
	return l.handle(agentID)
}

func (l *fakeLauncher) handle(agentID string) *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.handles[agentID]
	if !ok {
		h = &fakeHandle{id: agentID, startErr: l.startErr}
		l.handles[agentID] = h
	}
	return h
}

type fakeFlags struct {
	mu      sync.Mutex
	flagged map[string]string
}

func newFakeFlags() *fakeFlags {
	return &fakeFlags{flagged: map[string]string{}}
}

func (f *fakeFlags) FlagDead(_ context.Context, ws workspace.Workspace, reason string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flagged[ws.Name] = reason
	return nil
}

func (f *fakeFlags) IsFlagged(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.flagged[name]
	return ok, nil
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type harness struct {
	registry   *registry.Registry
	workspaces *fakeWorkspaces
	launcher   *fakeLauncher
	flags      *fakeFlags
	scheduler  *Scheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		registry:   registry.New(registry.WithClock((&stepClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}).Now)),
		workspaces: newFakeWorkspaces(),
		launcher:   newFakeLauncher(),
		flags:      newFakeFlags(),
	}
	s, err := New(Options{
		Registry:   h.registry,
		Workspaces: h.workspaces,
		Launcher:   h.launcher,
		Flags:      h.flags,
		BaseRef:    "main",
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	h.scheduler = s
	return h
}

// idleAgent registers a live idle agent with a reusable workspace. Later calls are more recently active.
func (h *harness) idleAgent(t *testing.T, id string) {
	t.Helper()
	ws := workspace.Workspace{Name: id, Path: filepath.Join("/trees", id)}
	h.workspaces.reusable[id] = ws
	h.launcher.handle(id).alive = true
	if err := h.registry.Register(registry.Agent{ID: id, Workspace: ws}); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	if err := h.registry.Transition(context.Background(), id, registry.StateIdle, ""); err != nil {
		t.Fatalf("idle %s: %v", id, err)
	}
}

func submitted(id, description string, priority task.Priority, at time.Time) task.Task {
	return task.Submit(task.Task{ID: id, Description: description, Priority: priority}, at)
}

func TestOrderUrgentFirstThenSubmittedAt(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tasks := []task.Task{
		submitted("n2", "b", task.PriorityNormal, base.Add(2*time.Second)),
		submitted("n1", "a", task.PriorityNormal, base.Add(time.Second)),
		submitted("u1", "c", task.PriorityUrgent, base.Add(3*time.Second)),
		submitted("n1b", "d", task.PriorityNormal, base.Add(time.Second)),
	}

	var ids []string
	for _, t := range Order(tasks) {
		ids = append(ids, t.ID)
	}
	if strings.Join(ids, ",") != "u1,n1,n1b,n2" {
		t.Fatalf("Order() = %v, want [u1 n1 n1b n2]", ids)
	}
}

func TestAssignPlansUpToConcurrencyAndQueuesRest(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	now := time.Now()
	tasks := []task.Task{
		submitted("t1", "fix login", task.PriorityNormal, now),
		submitted("t2", "add docs", task.PriorityNormal, now),
		submitted("t3", "bump deps", task.PriorityNormal, now),
	}

	plans := h.scheduler.Assign(context.Background(), tasks, 2)
	if len(plans) != 3 {
		t.Fatalf("plan count = %d, want 3", len(plans))
	}
	want := []Decision{DecisionCreate, DecisionCreate, DecisionQueued}
	for i, plan := range plans {
		if plan.Decision != want[i] {
			t.Fatalf("plan[%d] decision = %s, want %s", i, plan.Decision, want[i])
		}
	}
	if !strings.HasPrefix(plans[0].WorkspaceName, "fix-login-") {
		t.Fatalf("workspace name = %q, want slug prefix", plans[0].WorkspaceName)
	}
}

func TestAssignReusesIdleAgentsBeforeCreating(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	base := time.Now()
	h.idleAgent(t, "older-000002")
	h.idleAgent(t, "newer-000001")

	tasks := []task.Task{
		submitted("t1", "one", task.PriorityNormal, base),
		submitted("t2", "two", task.PriorityNormal, base),
		submitted("t3", "three", task.PriorityNormal, base),
	}
	plans := h.scheduler.Assign(context.Background(), tasks, 3)

	if plans[0].Decision != DecisionReuse || plans[0].Agent.ID != "older-000002" {
		t.Fatalf("plan[0] = %+v, want reuse of oldest idle agent", plans[0])
	}
	if plans[1].Decision != DecisionReuse || plans[1].Agent.ID != "newer-000001" {
		t.Fatalf("plan[1] = %+v, want reuse of second idle agent", plans[1])
	}
	if plans[2].Decision != DecisionCreate {
		t.Fatalf("plan[2] = %+v, want create once idle agents are used", plans[2])
	}
	if agent, _ := h.registry.Get("older-000002"); agent.State != registry.StateStarting {
		t.Fatalf("claimed agent state = %s, want Starting", agent.State)
	}
}

func TestAssignQueuesSecondTaskForSamePinnedName(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	now := time.Now()
	tasks := []task.Task{
		task.Submit(task.Task{ID: "a", Description: "rebase", WorkspaceHint: "tmux-pr42"}, now),
		task.Submit(task.Task{ID: "b", Description: "address review on PR #42"}, now),
	}

	plans := h.scheduler.Assign(context.Background(), tasks, 5)
	if plans[0].Decision != DecisionCreate || plans[0].WorkspaceName != "tmux-pr42" {
		t.Fatalf("plan[0] = %+v", plans[0])
	}
	if plans[1].Decision != DecisionQueued {
		t.Fatalf("plan[1] = %+v, want queued behind the same identity", plans[1])
	}
}

func TestAssignKeepsPinnedIdleAgentForItsTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.idleAgent(t, "tmux-pr42")
	now := time.Now()
	tasks := []task.Task{
		task.Submit(task.Task{ID: "a", Description: "tidy imports"}, now),
		task.Submit(task.Task{ID: "b", Description: "address review", WorkspaceHint: "tmux-pr42"}, now),
	}

	plans := h.scheduler.Assign(context.Background(), tasks, 2)
	if len(plans) != 2 {
		t.Fatalf("plan count = %d, want 2", len(plans))
	}
	if plans[0].Task.ID != "a" || plans[0].Decision != DecisionCreate {
		t.Fatalf("plan[0] = %+v, want a fresh agent for the unpinned task", plans[0])
	}
	if plans[1].Task.ID != "b" || plans[1].Decision != DecisionReuse || plans[1].Agent.ID != "tmux-pr42" {
		t.Fatalf("plan[1] = %+v, want reuse of tmux-pr42", plans[1])
	}
}

func TestAssignCreatesAgentForPullRequestNamedInDescription(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.idleAgent(t, "docs-aaaaaa")
	tasks := []task.Task{
		task.Submit(task.Task{ID: "pr", Description: "address review comments on PR 12"}, time.Now()),
	}

	plans := h.scheduler.Assign(context.Background(), tasks, 1)
	if len(plans) != 1 {
		t.Fatalf("plan count = %d, want 1", len(plans))
	}
	if plans[0].Decision != DecisionCreate || plans[0].WorkspaceName != "tmux-pr12" {
		t.Fatalf("plan = %+v, want a new tmux-pr12 agent even with docs-aaaaaa idle", plans[0])
	}
	if agent, _ := h.registry.Get("docs-aaaaaa"); agent.State != registry.StateIdle {
		t.Fatalf("idle agent state = %s, want it left idle", agent.State)
	}
}

func TestAssignQueuesPinnedTaskWhenAgentIsHeld(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.idleAgent(t, "tmux-pr42")
	if err := h.registry.Transition(context.Background(), "tmux-pr42", registry.StateBusy, "elsewhere"); err != nil {
		t.Fatalf("busy: %v", err)
	}
	now := time.Now()
	tasks := []task.Task{
		task.Submit(task.Task{ID: "b", Description: "rebase", WorkspaceHint: "tmux-pr42"}, now),
		task.Submit(task.Task{ID: "c", Description: "bump deps"}, now),
	}

	done := make(chan []AssignmentPlan, 1)
	go func() { done <- h.scheduler.Assign(context.Background(), tasks, 2) }()

	var plans []AssignmentPlan
	select {
	case plans = <-done:
	case <-time.After(time.Second):
		t.Fatal("Assign waited on a busy pinned agent")
	}
	if plans[0].Task.ID != "c" || plans[0].Decision != DecisionCreate {
		t.Fatalf("plan[0] = %+v, want runnable plans first", plans[0])
	}
	if plans[1].Task.ID != "b" || plans[1].Decision != DecisionQueued {
		t.Fatalf("plan[1] = %+v, want b queued behind the busy agent", plans[1])
	}
}

func TestProvisionRefusesWorkspaceKeptForInspection(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.workspaces.reusable["tmux-pr7"] = workspace.Workspace{Name: "tmux-pr7", Path: "/trees/tmux-pr7"}
	h.flags.flagged["tmux-pr7"] = "TaskTimeout"

	tk := task.Submit(task.Task{ID: "t1", Description: "retry", WorkspaceHint: "tmux-pr7"}, time.Now())
	_, err := h.scheduler.Provision(ctx, h.scheduler.Plan(ctx, tk))
	if !errors.Is(err, &workspace.WorkspaceCreateError{}) || !errors.Is(err, ErrWorkspaceKept) {
		t.Fatalf("error = %v, want WorkspaceCreateError caused by ErrWorkspaceKept", err)
	}
	if _, ok := h.registry.Get("tmux-pr7"); ok {
		t.Fatal("refused name should leave no agent record")
	}
	if len(h.workspaces.createdNames()) != 0 {
		t.Fatalf("creates = %v, want none", h.workspaces.createdNames())
	}
	if h.flags.flagged["tmux-pr7"] != "TaskTimeout" {
		t.Fatalf("flag = %q, want the original flag kept", h.flags.flagged["tmux-pr7"])
	}
}

func TestProvisionRegistersNameBeforeWorkspaceLookup(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	var stateAtLookup registry.State
	h.workspaces.onFind = func(name string) {
		agent, _ := h.registry.Get(name)
		stateAtLookup = agent.State
	}

	tk := task.Submit(task.Task{ID: "t1", Description: "fix", WorkspaceHint: "tmux-pr8"}, time.Now())
	lease, err := h.scheduler.Provision(context.Background(), h.scheduler.Plan(context.Background(), tk))
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if stateAtLookup != registry.StateStarting {
		t.Fatalf("agent state during workspace lookup = %q, want Starting", stateAtLookup)
	}
	if lease.Agent.Workspace.Path != "/trees/tmux-pr8" {
		t.Fatalf("lease workspace = %+v", lease.Agent.Workspace)
	}
}

func TestProvisionCreatesHintedWorkspaceAndReleasesToIdle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	tk := task.Submit(task.Task{ID: "t1", Description: "update", WorkspaceHint: "tmux-pr42"}, time.Now())

	plan := h.scheduler.Plan(ctx, tk)
	if plan.Decision != DecisionCreate || plan.WorkspaceName != "tmux-pr42" {
		t.Fatalf("plan = %+v", plan)
	}
	lease, err := h.scheduler.Provision(ctx, plan)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if filepath.Base(lease.Agent.Workspace.Path) != "tmux-pr42" {
		t.Fatalf("workspace path = %q, want suffix tmux-pr42", lease.Agent.Workspace.Path)
	}
	if lease.Agent.Workspace.OwningAgentID != "tmux-pr42" {
		t.Fatalf("owning agent = %q", lease.Agent.Workspace.OwningAgentID)
	}
	if got := h.workspaces.createdNames(); len(got) != 1 || got[0] != "tmux-pr42" {
		t.Fatalf("creates = %v", got)
	}

	if err := h.scheduler.Begin(ctx, lease); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if agent, _ := h.registry.Get("tmux-pr42"); agent.State != registry.StateBusy || agent.CurrentTaskID != "t1" {
		t.Fatalf("agent after begin = %+v", agent)
	}

	if err := h.scheduler.Release(ctx, lease, task.Result{TaskID: "t1", Status: task.StatusFailure}); err != nil {
		t.Fatalf("release: %v", err)
	}
	agent, _ := h.registry.Get("tmux-pr42")
	if agent.State != registry.StateIdle || agent.TasksServed != 1 {
		t.Fatalf("agent after release = %+v, want Idle with one task served", agent)
	}
}

func TestProvisionReuseFallsBackWhenSessionIsGone(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.idleAgent(t, "stale-abc123")
	h.launcher.handle("stale-abc123").alive = false

	plan := h.scheduler.Plan(ctx, submitted("t1", "do things", task.PriorityNormal, time.Now()))
	if plan.Decision != DecisionReuse {
		t.Fatalf("plan = %+v, want reuse", plan)
	}
	lease, err := h.scheduler.Provision(ctx, plan)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if lease.Reused || lease.Agent.ID == "stale-abc123" {
		t.Fatalf("lease = %+v, want a freshly created agent", lease)
	}
	if agent, _ := h.registry.Get("stale-abc123"); agent.State != registry.StateDead {
		t.Fatalf("stale agent state = %s, want Dead", agent.State)
	}
	if _, ok := h.flags.flagged["stale-abc123"]; !ok {
		t.Fatal("stale agent workspace should be flagged for sweep")
	}
}

func TestProvisionPinnedReplacementTakesOverWorktree(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.idleAgent(t, "tmux-pr42")
	h.launcher.handle("tmux-pr42").alive = false

	tk := task.Submit(task.Task{ID: "t1", Description: "address review", WorkspaceHint: "tmux-pr42"}, time.Now())
	plan := h.scheduler.Plan(ctx, tk)
	if plan.Decision != DecisionReuse {
		t.Fatalf("plan = %+v, want reuse", plan)
	}
	lease, err := h.scheduler.Provision(ctx, plan)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if lease.Agent.ID != "tmux-pr42" || lease.Agent.State != registry.StateStarting {
		t.Fatalf("lease = %+v, want a restarted tmux-pr42", lease)
	}
	if _, ok := h.flags.flagged["tmux-pr42"]; ok {
		t.Fatal("worktree taken over by the replacement should not be flagged")
	}
	if created := h.workspaces.createdNames(); len(created) != 0 {
		t.Fatalf("created = %v, want the existing worktree reused", created)
	}
}

func TestProvisionWorkspaceFailureIsTyped(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.workspaces.createErr = errors.New("fatal: invalid reference: main")

	plan := h.scheduler.Plan(context.Background(), submitted("t1", "x", task.PriorityNormal, time.Now()))
	_, err := h.scheduler.Provision(context.Background(), plan)
	if !errors.Is(err, &workspace.WorkspaceCreateError{}) {
		t.Fatalf("error = %v, want WorkspaceCreateError", err)
	}
	if len(h.registry.List()) != 0 {
		t.Fatalf("no agent should be registered, got %+v", h.registry.List())
	}
}

func TestProvisionStartFailureRetiresAgent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.launcher.startErr = &worker.AgentStartError{AgentID: "tmux-pr9", Reason: "a live session with this name already exists"}

	tk := task.Submit(task.Task{ID: "t1", Description: "PR #9 fix"}, time.Now())
	_, err := h.scheduler.Provision(context.Background(), h.scheduler.Plan(context.Background(), tk))
	if !errors.Is(err, &worker.AgentStartError{}) {
		t.Fatalf("error = %v, want AgentStartError", err)
	}
	agent, ok := h.registry.Get("tmux-pr9")
	if !ok || agent.State != registry.StateDead {
		t.Fatalf("agent = %+v, want Dead", agent)
	}
	if h.flags.flagged["tmux-pr9"] != "start failed" {
		t.Fatalf("flags = %v", h.flags.flagged)
	}
}

func TestReleaseRetiresAgentAfterTimeoutOrExit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		result task.Result
		reason string
	}{
		{name: "timeout", result: task.Result{Status: task.StatusTimeout, ErrorKind: task.ErrorKindTimeout}, reason: "TaskTimeout"},
		{name: "cancelled", result: task.Result{Status: task.StatusCancelled}, reason: "cancelled"},
		{name: "worker exited", result: task.Result{Status: task.StatusFailure, ErrorKind: task.ErrorKindWorkerExited}, reason: "WorkerExited"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			ctx := context.Background()
			lease, err := h.scheduler.Provision(ctx, h.scheduler.Plan(ctx, submitted("t1", "work", task.PriorityNormal, time.Now())))
			if err != nil {
				t.Fatalf("provision: %v", err)
			}
			if err := h.scheduler.Begin(ctx, lease); err != nil {
				t.Fatalf("begin: %v", err)
			}

			tc.result.TaskID = "t1"
			if err := h.scheduler.Release(ctx, lease, tc.result); err != nil {
				t.Fatalf("release: %v", err)
			}
			agent, _ := h.registry.Get(lease.Agent.ID)
			if agent.State != registry.StateDead || agent.DeadReason != tc.reason {
				t.Fatalf("agent = %+v, want Dead with reason %q", agent, tc.reason)
			}
			if h.launcher.handle(lease.Agent.ID).kills != 1 {
				t.Fatal("retired agent session should be killed")
			}
			if _, ok := h.flags.flagged[lease.Agent.ID]; !ok {
				t.Fatal("retired workspace should be flagged, not destroyed")
			}
		})
	}
}

func TestProvisionCreateJoinsExistingLiveAgent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.idleAgent(t, "tmux-pr7")

	tk := task.Submit(task.Task{ID: "t1", Description: "PR #7"}, time.Now())
	lease, err := h.scheduler.Provision(context.Background(), AssignmentPlan{Task: tk, Decision: DecisionCreate, WorkspaceName: "tmux-pr7"})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if !lease.Reused || lease.Agent.ID != "tmux-pr7" {
		t.Fatalf("lease = %+v, want reuse of the live agent", lease)
	}
	if len(h.workspaces.createdNames()) != 0 {
		t.Fatalf("no workspace should be created, got %v", h.workspaces.createdNames())
	}
}

func TestProvisionRejectsQueuedPlan(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if _, err := h.scheduler.Provision(context.Background(), AssignmentPlan{Decision: DecisionQueued}); err == nil {
		t.Fatal("expected error for queued plan")
	}
}

func TestUnclaimReturnsReusedAgentToIdle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.idleAgent(t, "docs-aaaaaa")

	plan := h.scheduler.Plan(context.Background(), submitted("t1", "docs", task.PriorityNormal, time.Now()))
	if plan.Decision != DecisionReuse {
		t.Fatalf("plan = %+v, want reuse", plan)
	}
	h.scheduler.Unclaim(context.Background(), plan)

	if agent, _ := h.registry.Get("docs-aaaaaa"); agent.State != registry.StateIdle {
		t.Fatalf("state after unclaim = %s, want Idle", agent.State)
	}
	// Create plans hold no agent and are ignored.
	h.scheduler.Unclaim(context.Background(), AssignmentPlan{Decision: DecisionCreate, WorkspaceName: "x-000000"})
}
