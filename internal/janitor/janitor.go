package janitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"
	"github.com/ship-commander/fleet/internal/logging"
	"github.com/ship-commander/fleet/internal/registry"
	"github.com/ship-commander/fleet/internal/store"
	"github.com/ship-commander/fleet/internal/workspace"
)

const (
	// DefaultTTL is how long a dead workspace is kept for inspection.
	DefaultTTL = 72 * time.Hour
	// DefaultSchedule is the sweep cadence.
	DefaultSchedule = "@hourly"
)

// FlagStore lists and clears dead-workspace flags. *store.Store implements it.
type FlagStore interface {
	DeadWorkspaces(ctx context.Context, cutoff time.Time) ([]store.DeadWorkspace, error)
	MarkSwept(ctx context.Context, name string, sweptAt time.Time) error
}

// Destroyer removes worktrees. *workspace.Manager implements it.
type Destroyer interface {
	Destroy(ctx context.Context, ws workspace.Workspace) error
}

// Registry is the registry surface needed to drop swept agents.
type Registry interface {
	Get(agentID string) (registry.Agent, bool)
	Remove(agentID string) error
}

// Sessions kills sessions that outlived their agent.
type Sessions interface {
	KillSession(ctx context.Context, name string) error
}

// Options configures a Janitor. Registry and Sessions are optional.
type Options struct {
	Flags      FlagStore
	Workspaces Destroyer
	Registry   Registry
	Sessions   Sessions
	TTL        time.Duration
	Schedule   string
	Logger     *log.Logger
	Now        func() time.Time
}

// SweepReport lists what one sweep did.
type SweepReport struct {
	Swept   []string
	Skipped []string
}

// Janitor destroys dead workspaces once their inspection TTL has passed.
type Janitor struct {
	flags      FlagStore
	workspaces Destroyer
	registry   Registry
	sessions   Sessions
	ttl        time.Duration
	schedule   cron.Schedule
	spec       string
	logger     *log.Logger
	now        func() time.Time
}

// New validates options and parses the sweep schedule.
func New(opts Options) (*Janitor, error) {
	if opts.Flags == nil {
		return nil, errors.New("dead workspace store is required")
	}
	if opts.Workspaces == nil {
		return nil, errors.New("workspace manager is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	spec := strings.TrimSpace(opts.Schedule)
	if spec == "" {
		spec = DefaultSchedule
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", spec, err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Janitor{
		flags:      opts.Flags,
		workspaces: opts.Workspaces,
		registry:   opts.Registry,
		sessions:   opts.Sessions,
		ttl:        ttl,
		schedule:   schedule,
		spec:       spec,
		logger:     logging.OrDiscard(opts.Logger),
		now:        now,
	}, nil
}

// Next returns the next scheduled sweep after t.
func (j *Janitor) Next(t time.Time) time.Time {
	return j.schedule.Next(t)
}

// Start sweeps on the configured schedule until ctx is cancelled.
// Overlapping runs are skipped.
func (j *Janitor) Start(ctx context.Context) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(j.schedule, cron.FuncJob(func() {
		if _, err := j.Sweep(ctx); err != nil {
			j.logger.Error("janitor: sweep failed", "error", err)
		}
	}))
	c.Start()
	j.logger.Info("janitor: sweeping dead workspaces", "schedule", j.spec, "ttl", j.ttl)

	<-ctx.Done()
	<-c.Stop().Done()
}

// Sweep destroys every dead workspace flagged at least TTL ago. Failures on one
// workspace do not stop the others; they are joined into the returned error.
func (j *Janitor) Sweep(ctx context.Context) (SweepReport, error) {
	now := j.now().UTC()
	return j.sweep(ctx, now, now.Add(-j.ttl))
}

// SweepAll destroys every flagged workspace regardless of TTL, releasing the
// names the scheduler refuses while they are kept for inspection.
func (j *Janitor) SweepAll(ctx context.Context) (SweepReport, error) {
	now := j.now().UTC()
	return j.sweep(ctx, now, now)
}

func (j *Janitor) sweep(ctx context.Context, now, cutoff time.Time) (SweepReport, error) {
	due, err := j.flags.DeadWorkspaces(ctx, cutoff)
	if err != nil {
		return SweepReport{}, fmt.Errorf("list dead workspaces: %w", err)
	}

	report := SweepReport{Swept: []string{}, Skipped: []string{}}
	var errs []error
	for _, dead := range due {
		name := dead.Workspace.Name
		logger := j.logger.With("workspace", name, "dead_at", dead.DeadAt, "reason", dead.Reason)

		if j.registry != nil {
			if agent, ok := j.registry.Get(name); ok && agent.State != registry.StateDead {
				logger.Warn("janitor: workspace name is in use again, skipping", "state", agent.State)
				report.Skipped = append(report.Skipped, name)
				continue
			}
		}
		if j.sessions != nil {
			if err := j.sessions.KillSession(ctx, name); err != nil {
				logger.Warn("janitor: kill lingering session failed", "error", err)
			}
		}
		if err := j.workspaces.Destroy(ctx, dead.Workspace); err != nil {
			errs = append(errs, fmt.Errorf("destroy workspace %s: %w", name, err))
			continue
		}
		if j.registry != nil {
			if err := j.registry.Remove(name); err != nil {
				logger.Warn("janitor: remove agent record failed", "error", err)
			}
		}
		if err := j.flags.MarkSwept(ctx, name, now); err != nil {
			errs = append(errs, fmt.Errorf("mark workspace %s swept: %w", name, err))
			continue
		}
		logger.Info("janitor: dead workspace swept")
		report.Swept = append(report.Swept, name)
	}
	return report, errors.Join(errs...)
}
