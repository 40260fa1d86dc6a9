package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/ship-commander/fleet/internal/events"
	"github.com/ship-commander/fleet/internal/logging"
	"github.com/ship-commander/fleet/internal/results"
	"github.com/ship-commander/fleet/internal/scheduler"
	"github.com/ship-commander/fleet/internal/task"
	"github.com/ship-commander/fleet/internal/telemetry"
	"github.com/ship-commander/fleet/internal/telemetry/invariants"
	"github.com/ship-commander/fleet/internal/workspace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultMaxConcurrency bounds simultaneously running tasks.
	DefaultMaxConcurrency = 5
	// DefaultPerTaskTimeout bounds one task's execution.
	DefaultPerTaskTimeout = 30 * time.Minute
	// DefaultBatchDeadline bounds a whole batch.
	DefaultBatchDeadline = 2 * time.Hour
	// DefaultReclaimGrace is how long Run waits for interrupted tasks after the deadline.
	DefaultReclaimGrace = 15 * time.Second
)

// Config controls one batch run. Zero values take the defaults.
type Config struct {
	MaxConcurrency int
	PerTaskTimeout time.Duration
	BatchDeadline  time.Duration
	ReclaimGrace   time.Duration
	// BatchID names the batch in logs, events and history. Generated when empty.
	BatchID string
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.PerTaskTimeout <= 0 {
		c.PerTaskTimeout = DefaultPerTaskTimeout
	}
	if c.BatchDeadline <= 0 {
		c.BatchDeadline = DefaultBatchDeadline
	}
	if c.ReclaimGrace <= 0 {
		c.ReclaimGrace = DefaultReclaimGrace
	}
	c.BatchID = strings.TrimSpace(c.BatchID)
	if c.BatchID == "" {
		c.BatchID = NewBatchID()
	}
	return c
}

// NewBatchID returns a fresh batch identifier of the form batch-<12 hex>.
func NewBatchID() string {
	return "batch-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Dispatcher is the scheduling surface Run drives. *scheduler.Scheduler implements it.
type Dispatcher interface {
	Assign(ctx context.Context, tasks []task.Task, maxConcurrency int) []scheduler.AssignmentPlan
	Plan(ctx context.Context, t task.Task) scheduler.AssignmentPlan
	Provision(ctx context.Context, plan scheduler.AssignmentPlan) (*scheduler.Lease, error)
	Begin(ctx context.Context, lease *scheduler.Lease) error
	Release(ctx context.Context, lease *scheduler.Lease, result task.Result) error
	Abandon(ctx context.Context, lease *scheduler.Lease, reason string)
	Unclaim(ctx context.Context, plan scheduler.AssignmentPlan)
}

// ReportSink persists finished batch reports.
type ReportSink interface {
	SaveReport(ctx context.Context, report results.BatchReport) error
}

// LifecycleFunc observes task lifecycle changes. It must not block.
type LifecycleFunc func(taskID string, state task.Lifecycle)

// Options configures an Orchestrator.
type Options struct {
	Scheduler   Dispatcher
	Sink        ReportSink
	Events      events.Publisher
	Logger      *log.Logger
	Tracer      trace.Tracer
	OnLifecycle LifecycleFunc
	Now         func() time.Time
}

// Orchestrator runs task batches through the scheduler, workers and result aggregator.
type Orchestrator struct {
	scheduler   Dispatcher
	sink        ReportSink
	events      events.Publisher
	logger      *log.Logger
	tracer      trace.Tracer
	onLifecycle LifecycleFunc
	now         func() time.Time
}

// New validates collaborators and builds an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Scheduler == nil {
		return nil, errors.New("scheduler is required")
	}
	o := &Orchestrator{
		scheduler:   opts.Scheduler,
		sink:        opts.Sink,
		events:      opts.Events,
		logger:      logging.OrDiscard(opts.Logger),
		tracer:      opts.Tracer,
		onLifecycle: opts.OnLifecycle,
		now:         opts.Now,
	}
	if o.events == nil {
		o.events = events.Discard{}
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer("fleet/orchestrator")
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// Run executes a batch and returns a report covering every submitted task.
// It returns early only for invalid input; task failures are reported, never returned.
// Run never blocks longer than BatchDeadline plus ReclaimGrace.
func (o *Orchestrator) Run(ctx context.Context, tasks []task.Task, cfg Config) (results.BatchReport, error) {
	cfg = cfg.withDefaults()
	submitted, err := Prepare(tasks, o.now())
	if err != nil {
		return results.BatchReport{}, err
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.run", trace.WithAttributes(
		telemetry.BatchID(cfg.BatchID),
		attribute.Int("fleet.batch.tasks", len(submitted)),
		attribute.Int("fleet.batch.max_concurrency", cfg.MaxConcurrency),
	))
	defer span.End()

	started := o.now()
	logger := o.logger.With("batch_id", cfg.BatchID)
	ids := make([]string, len(submitted))
	for i, t := range submitted {
		ids[i] = t.ID
	}
	b := &batch{
		orchestrator: o,
		cfg:          cfg,
		parent:       ctx,
		tasks:        submitted,
		logger:       logger,
		results:      results.New(ids, results.WithClock(o.now), results.WithLogger(logger)),
		lifecycle:    make(map[string]task.Lifecycle, len(submitted)),
		agents:       make(map[string]string, len(submitted)),
	}
	for _, id := range ids {
		b.setLifecycle(id, task.LifecycleQueued, "")
	}

	logger.Info("orchestrator: batch started",
		"tasks", len(submitted),
		"max_concurrency", cfg.MaxConcurrency,
		"per_task_timeout", cfg.PerTaskTimeout,
		"batch_deadline", cfg.BatchDeadline,
	)
	o.events.Publish(events.Event{
		Type:       events.EventTypeBatchStarted,
		Timestamp:  started,
		EntityType: "batch",
		EntityID:   cfg.BatchID,
		Payload:    map[string]any{"tasks": len(submitted), "max_concurrency": cfg.MaxConcurrency},
		Severity:   events.SeverityInfo,
	})

	deadlineCtx, cancel := context.WithTimeout(ctx, cfg.BatchDeadline)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.dispatch(deadlineCtx)
	}()

	select {
	case <-done:
	case <-deadlineCtx.Done():
		logger.Warn("orchestrator: batch interrupted, reclaiming running tasks", "cause", deadlineCtx.Err())
		grace := time.NewTimer(cfg.ReclaimGrace)
		select {
		case <-done:
		case <-grace.C:
			logger.Error("orchestrator: tasks still running after reclaim grace", "missing", b.results.Missing(ids))
		}
		grace.Stop()
	}

	filled := b.results.Seal(b.unfinished)
	if len(filled) > 0 {
		logger.Warn("orchestrator: filled missing results", "tasks", filled)
	}
	report := b.results.Summarize(cfg.BatchID)

	elapsed := o.now().Sub(started)
	invariants.CheckBatchWithinDeadline(ctx, "orchestrator.Run", elapsed, cfg.BatchDeadline+cfg.ReclaimGrace)

	if o.sink != nil {
		if err := o.sink.SaveReport(context.WithoutCancel(ctx), report); err != nil {
			logger.Error("orchestrator: save batch report failed", "error", err)
		}
	}

	severity := events.SeverityInfo
	if report.Succeeded != report.Total {
		severity = events.SeverityWarn
	}
	o.events.Publish(events.Event{
		Type:       events.EventTypeBatchCompleted,
		Timestamp:  o.now(),
		EntityType: "batch",
		EntityID:   cfg.BatchID,
		Payload:    report,
		Severity:   severity,
	})
	span.SetAttributes(
		attribute.Int("fleet.batch.succeeded", report.Succeeded),
		attribute.Int("fleet.batch.failed", report.Failed),
		attribute.Int("fleet.batch.timed_out", report.TimedOut),
	)
	logger.Info("orchestrator: batch finished",
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"timed_out", report.TimedOut,
		"cancelled", report.Cancelled,
		"wall_clock", report.WallClock,
	)
	return report, nil
}

// Prepare assigns missing IDs, stamps submission time and validates a batch.
// Generated IDs are task-<n> with n the 1-based input position.
func Prepare(tasks []task.Task, now time.Time) ([]task.Task, error) {
	prepared := make([]task.Task, 0, len(tasks))
	seen := make(map[string]int, len(tasks))
	var errs []error
	for i, t := range tasks {
		if strings.TrimSpace(t.ID) == "" {
			t.ID = "task-" + strconv.Itoa(i+1)
		}
		t = task.Submit(t, now)
		if err := t.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if first, dup := seen[t.ID]; dup {
			errs = append(errs, fmt.Errorf("task %s: duplicate id (positions %d and %d)", t.ID, first+1, i+1))
			continue
		}
		seen[t.ID] = i
		prepared = append(prepared, t)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid batch: %w", errors.Join(errs...))
	}
	return prepared, nil
}

// batch is the state of one Run call.
type batch struct {
	orchestrator *Orchestrator
	cfg          Config
	parent       context.Context
	tasks        []task.Task
	logger       *log.Logger
	results      *results.Aggregator

	mu        sync.Mutex
	lifecycle map[string]task.Lifecycle
	agents    map[string]string
}

func (b *batch) dispatch(ctx context.Context) {
	plans := b.orchestrator.scheduler.Assign(ctx, b.tasks, b.cfg.MaxConcurrency)

	var g errgroup.Group
	g.SetLimit(b.cfg.MaxConcurrency)
	for _, plan := range plans {
		g.Go(func() error {
			b.runTask(ctx, plan)
			return nil
		})
	}
	_ = g.Wait()
}

func (b *batch) runTask(ctx context.Context, plan scheduler.AssignmentPlan) {
	sched := b.orchestrator.scheduler
	t := plan.Task
	logger := b.logger.With("task_id", t.ID)

	if ctx.Err() != nil {
		sched.Unclaim(ctx, plan)
		b.record(ctx, b.undispatched(t.ID, ""))
		return
	}
	if plan.Decision == scheduler.DecisionQueued {
		plan = sched.Plan(ctx, t)
		if plan.Decision == scheduler.DecisionQueued {
			b.record(ctx, b.undispatched(t.ID, ""))
			return
		}
	}

	agentID := plan.WorkspaceName
	if plan.Decision == scheduler.DecisionReuse {
		agentID = plan.Agent.ID
	}
	b.setLifecycle(t.ID, task.LifecycleAssigned, agentID)

	lease, err := sched.Provision(ctx, plan)
	if err != nil {
		logger.Error("orchestrator: provision failed", "agent_id", agentID, "error", err)
		b.record(ctx, b.provisionFailure(ctx, t.ID, agentID, err))
		return
	}
	agentID = lease.Agent.ID

	if err := sched.Begin(ctx, lease); err != nil {
		logger.Error("orchestrator: invariant violation starting task", "agent_id", agentID, "error", err)
		sched.Abandon(ctx, lease, string(task.ErrorKindInvariant))
		b.record(ctx, task.FailureResult(t.ID, agentID, task.ErrorKindInvariant, err))
		return
	}

	b.setLifecycle(t.ID, task.LifecycleRunning, agentID)
	b.orchestrator.events.Publish(events.Event{
		Type:       events.EventTypeTaskDispatched,
		Timestamp:  b.orchestrator.now(),
		EntityType: "task",
		EntityID:   t.ID,
		Payload:    map[string]any{"agent_id": agentID, "reused": lease.Reused, "route": t.Route.String()},
		Severity:   events.SeverityInfo,
	})
	logger.Info("orchestrator: task dispatched", "agent_id", agentID, "reused", lease.Reused)

	result, execErr := lease.Handle.Execute(ctx, t, b.cfg.PerTaskTimeout)
	if execErr != nil {
		logger.Warn("orchestrator: task did not complete cleanly", "agent_id", agentID, "error", execErr)
	}
	result.TaskID = t.ID
	if result.AgentID == "" {
		result.AgentID = agentID
	}
	result = b.interrupted(ctx, result)

	if err := sched.Release(context.WithoutCancel(ctx), lease, result); err != nil {
		logger.Error("orchestrator: invariant violation releasing agent", "agent_id", agentID, "error", err)
		result.Status = task.StatusFailure
		result.ErrorKind = task.ErrorKindInvariant
		result.Output = strings.TrimSpace(result.Output + "\n" + err.Error())
	}
	b.record(ctx, result)
}

// interrupted rewrites a worker cancellation caused by the batch deadline into a timeout.
func (b *batch) interrupted(ctx context.Context, result task.Result) task.Result {
	if result.Status != task.StatusCancelled || ctx.Err() == nil || b.parent.Err() != nil {
		return result
	}
	result.Status = task.StatusTimeout
	result.ErrorKind = task.ErrorKindDeadline
	return result
}

func (b *batch) provisionFailure(ctx context.Context, taskID, agentID string, err error) task.Result {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return b.undispatched(taskID, agentID)
	}
	kind := task.ErrorKindAgentStart
	var createErr *workspace.WorkspaceCreateError
	var corruptErr *workspace.WorkspaceCorruptError
	if errors.As(err, &createErr) || errors.As(err, &corruptErr) {
		kind = task.ErrorKindWorkspace
	}
	return task.FailureResult(taskID, agentID, kind, err)
}

// undispatched is the result for a task that never started running.
func (b *batch) undispatched(taskID, agentID string) task.Result {
	result := task.Result{TaskID: taskID, AgentID: agentID, Status: task.StatusCancelled}
	if b.parent.Err() != nil {
		result.Output = "batch cancelled before the task ran"
		return result
	}
	result.ErrorKind = task.ErrorKindDeadline
	result.Output = "batch deadline reached before the task ran"
	return result
}

// unfinished fills results for tasks that produced none by the end of the reclaim grace.
func (b *batch) unfinished(taskID string) task.Result {
	b.mu.Lock()
	state := b.lifecycle[taskID]
	agentID := b.agents[taskID]
	b.mu.Unlock()

	if state == task.LifecycleQueued {
		return b.undispatched(taskID, agentID)
	}
	result := task.Result{TaskID: taskID, AgentID: agentID, Status: task.StatusTimeout, ErrorKind: task.ErrorKindDeadline}
	result.Output = "no result before batch deadline and reclaim grace"
	if b.parent.Err() != nil {
		result.Status = task.StatusCancelled
		result.ErrorKind = task.ErrorKindNone
		result.Output = "no result after batch cancellation and reclaim grace"
	}
	return result
}

func (b *batch) record(ctx context.Context, result task.Result) {
	logger := b.logger.With("task_id", result.TaskID, "agent_id", result.AgentID)
	if err := b.results.Record(ctx, result); err != nil {
		if errors.Is(err, results.ErrSealed) {
			logger.Warn("orchestrator: result arrived after the batch was sealed", "status", result.Status)
			return
		}
		logger.Error("orchestrator: invariant violation recording result", "error", err)
		return
	}

	b.setLifecycle(result.TaskID, result.Lifecycle(), result.AgentID)
	severity := events.SeverityInfo
	if result.Status != task.StatusSuccess {
		severity = events.SeverityWarn
	}
	b.orchestrator.events.Publish(events.Event{
		Type:       events.EventTypeTaskCompleted,
		Timestamp:  b.orchestrator.now(),
		EntityType: "task",
		EntityID:   result.TaskID,
		Payload:    result,
		Severity:   severity,
	})
	logger.Info("orchestrator: task finished", "status", result.Status, "error_kind", result.ErrorKind, "duration_ms", result.DurationMs)
}

func (b *batch) setLifecycle(taskID string, state task.Lifecycle, agentID string) {
	b.mu.Lock()
	b.lifecycle[taskID] = state
	if agentID != "" {
		b.agents[taskID] = agentID
	}
	b.mu.Unlock()

	if b.orchestrator.onLifecycle != nil {
		b.orchestrator.onLifecycle(taskID, state)
	}
}
