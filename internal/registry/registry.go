package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ship-commander/fleet/internal/events"
	"github.com/ship-commander/fleet/internal/logging"
	"github.com/ship-commander/fleet/internal/telemetry"
	"github.com/ship-commander/fleet/internal/telemetry/invariants"
	"github.com/ship-commander/fleet/internal/workspace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// State is an agent lifecycle state.
type State string

const (
	// StateStarting covers session launch and reservation by a claim.
	StateStarting State = "Starting"
	// StateIdle agents are available for reuse.
	StateIdle State = "Idle"
	// StateBusy agents are executing exactly one task.
	StateBusy State = "Busy"
	// StateDead agents are terminal and never reused.
	StateDead State = "Dead"
)

var allowedTransitions = map[State]map[State]struct{}{
	StateStarting: {
		StateIdle: {},
		StateBusy: {},
		StateDead: {},
	},
	StateIdle: {
		StateStarting: {},
		StateBusy:     {},
		StateDead:     {},
	},
	StateBusy: {
		StateIdle: {},
		StateDead: {},
	},
}

var (
	// ErrAgentExists is returned when registering over a live agent.
	ErrAgentExists = errors.New("agent already registered")
	// ErrUnknownAgent is returned for operations on an unregistered agent.
	ErrUnknownAgent = errors.New("unknown agent")
)

// Agent is a registry record. Agent ID, workspace name, and session name are the same string.
type Agent struct {
	ID            string
	State         State
	Workspace     workspace.Workspace
	CurrentTaskID string
	CreatedAt     time.Time
	LastActiveAt  time.Time
	DeadReason    string
	DeadAt        time.Time
	TasksServed   int
}

// Transition is the payload published for every state change.
type Transition struct {
	AgentID string
	From    State
	To      State
	TaskID  string
	Reason  string
}

// InvalidTransitionError is returned for a disallowed transition.
type InvalidTransitionError struct {
	AgentID string
	From    State
	To      State
	Reason  string
}

func (e *InvalidTransitionError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "illegal transition for agent lifecycle"
	}
	return fmt.Sprintf("cannot transition agent %q from %q to %q: %s", e.AgentID, e.From, e.To, reason)
}

// Is enables errors.Is checks for invalid transition failures.
func (e *InvalidTransitionError) Is(target error) bool {
	_, ok := target.(*InvalidTransitionError)
	return ok
}

// Option configures Registry construction.
type Option func(*Registry)

// WithTracer configures the tracer used for transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Registry) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger configures the registry logger.
func WithLogger(logger *log.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithEvents configures where transition events are published.
func WithEvents(publisher events.Publisher) Option {
	return func(r *Registry) {
		if publisher != nil {
			r.events = publisher
		}
	}
}

// Registry is the single mutex-guarded source of truth for agent state.
type Registry struct {
	mu      sync.Mutex
	agents  map[string]*Agent
	changed chan struct{}
	tracer  trace.Tracer
	now     func() time.Time
	logger  *log.Logger
	events  events.Publisher
}

// New builds an empty registry.
func New(options ...Option) *Registry {
	r := &Registry{
		agents:  make(map[string]*Agent),
		changed: make(chan struct{}),
		tracer:  otel.Tracer("fleet/registry"),
		now:     time.Now,
		logger:  logging.Discard(),
		events:  events.Discard{},
	}
	for _, option := range options {
		if option != nil {
			option(r)
		}
	}
	return r
}

// Register adds a new agent in Starting. A Dead record with the same ID is replaced.
func (r *Registry) Register(agent Agent) error {
	id := strings.TrimSpace(agent.ID)
	if id == "" {
		return errors.New("agent id must not be empty")
	}

	r.mu.Lock()
	if existing, ok := r.agents[id]; ok && existing.State != StateDead {
		r.mu.Unlock()
		return fmt.Errorf("register %s: %w", id, ErrAgentExists)
	}
	now := r.now().UTC()
	record := agent
	record.ID = id
	record.State = StateStarting
	record.CurrentTaskID = ""
	record.DeadReason = ""
	record.DeadAt = time.Time{}
	record.CreatedAt = now
	record.LastActiveAt = now
	if record.Workspace.OwningAgentID == "" {
		record.Workspace.OwningAgentID = id
	}
	r.agents[id] = &record
	r.broadcastLocked()
	r.mu.Unlock()

	r.logger.Info("agent registered", "agent_id", id, "workspace", record.Workspace.Path)
	r.publish(Transition{AgentID: id, To: StateStarting, Reason: "registered"})
	return nil
}

// ClaimResult reports the outcome of a non-blocking claim by name.
type ClaimResult int

const (
	// ClaimAbsent means no live agent has the name; Dead records count as absent.
	ClaimAbsent ClaimResult = iota
	// ClaimAcquired means the Idle agent was moved to Starting for the caller.
	ClaimAcquired
	// ClaimHeld means the agent is Starting or Busy for someone else.
	ClaimHeld
)

// GetIdleAgent claims the Idle agent with the oldest LastActiveAt and moves it to Starting.
// Agents named in reserved are never chosen.
func (r *Registry) GetIdleAgent(reserved ...string) (Agent, bool) {
	r.mu.Lock()
	var chosen *Agent
	for _, agent := range r.agents {
		if agent.State != StateIdle || slices.Contains(reserved, agent.ID) {
			continue
		}
		if chosen == nil ||
			agent.LastActiveAt.Before(chosen.LastActiveAt) ||
			(agent.LastActiveAt.Equal(chosen.LastActiveAt) && agent.ID < chosen.ID) {
			chosen = agent
		}
	}
	if chosen == nil {
		r.mu.Unlock()
		return Agent{}, false
	}
	chosen.State = StateStarting
	r.broadcastLocked()
	claimed := *chosen
	r.mu.Unlock()

	r.publish(Transition{AgentID: claimed.ID, From: StateIdle, To: StateStarting, Reason: "claimed"})
	return claimed, true
}

// TryClaimByName claims the named agent if it is Idle and never waits.
func (r *Registry) TryClaimByName(name string) (Agent, ClaimResult) {
	r.mu.Lock()
	claimed, result, _ := r.claimLocked(name)
	r.mu.Unlock()
	if result == ClaimAcquired {
		r.publish(Transition{AgentID: claimed.ID, From: StateIdle, To: StateStarting, Reason: "claimed by name"})
	}
	return claimed, result
}

// ClaimByName claims the named agent, waiting while it is Starting or Busy.
// Absent and Dead agents report false.
func (r *Registry) ClaimByName(ctx context.Context, name string) (Agent, bool, error) {
	for {
		r.mu.Lock()
		claimed, result, wait := r.claimLocked(name)
		r.mu.Unlock()
		switch result {
		case ClaimAbsent:
			return Agent{}, false, nil
		case ClaimAcquired:
			r.publish(Transition{AgentID: claimed.ID, From: StateIdle, To: StateStarting, Reason: "claimed by name"})
			return claimed, true, nil
		}

		select {
		case <-ctx.Done():
			return Agent{}, false, ctx.Err()
		case <-wait:
		}
	}
}

// claimLocked returns the change channel to wait on when the agent is held.
func (r *Registry) claimLocked(name string) (Agent, ClaimResult, <-chan struct{}) {
	agent, ok := r.agents[name]
	if !ok || agent.State == StateDead {
		return Agent{}, ClaimAbsent, nil
	}
	if agent.State != StateIdle {
		return Agent{}, ClaimHeld, r.changed
	}
	agent.State = StateStarting
	r.broadcastLocked()
	return *agent, ClaimAcquired, nil
}

// SetWorkspace records the workspace of an agent registered before its worktree existed.
func (r *Registry) SetWorkspace(agentID string, ws workspace.Workspace) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("set workspace %s: %w", agentID, ErrUnknownAgent)
	}
	if ws.OwningAgentID == "" {
		ws.OwningAgentID = agentID
	}
	agent.Workspace = ws
	return nil
}

// Transition validates and applies a state change. Busy requires a task id.
func (r *Registry) Transition(ctx context.Context, agentID string, to State, taskID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	ctx, span := r.tracer.Start(ctx, "registry.transition")
	defer func() {
		span.SetAttributes(attribute.Int64("fleet.transition.duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()
	span.SetAttributes(
		telemetry.AgentID(agentID),
		attribute.String("fleet.agent.to_state", string(to)),
		telemetry.TaskID(taskID),
	)

	if to == StateDead {
		r.MarkDead(agentID, "transitioned to dead")
		span.SetStatus(codes.Ok, "agent marked dead")
		return nil
	}

	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		err := fmt.Errorf("transition %s: %w", agentID, ErrUnknownAgent)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	from := agent.State
	span.SetAttributes(attribute.String("fleet.agent.from_state", string(from)))

	if !isAllowed(from, to) {
		r.mu.Unlock()
		invariants.CheckStateTransitionLegal(ctx, "registry.Transition", "agent", string(from), string(to), false)
		err := &InvalidTransitionError{AgentID: agentID, From: from, To: to}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if to == StateBusy {
		if strings.TrimSpace(taskID) == "" {
			r.mu.Unlock()
			err := &InvalidTransitionError{AgentID: agentID, From: from, To: to, Reason: "busy requires a task id"}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		if !invariants.CheckSingleTaskPerAgent(ctx, "registry.Transition", agentID, agent.CurrentTaskID, taskID) {
			r.mu.Unlock()
			err := &InvalidTransitionError{AgentID: agentID, From: from, To: to, Reason: "agent already holds task " + agent.CurrentTaskID}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}

	now := r.now().UTC()
	switch to {
	case StateBusy:
		agent.CurrentTaskID = taskID
	case StateIdle:
		if from == StateBusy {
			agent.TasksServed++
		}
		agent.CurrentTaskID = ""
	}
	agent.State = to
	agent.LastActiveAt = now
	r.broadcastLocked()
	r.mu.Unlock()

	r.logger.Debug("agent transition", "agent_id", agentID, "from", from, "to", to, "task_id", taskID)
	r.publish(Transition{AgentID: agentID, From: from, To: to, TaskID: taskID})
	span.SetStatus(codes.Ok, "agent transition applied")
	return nil
}

// MarkDead forces the terminal Dead state. Unknown or already dead agents are a no-op.
func (r *Registry) MarkDead(agentID, reason string) {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok || agent.State == StateDead {
		r.mu.Unlock()
		return
	}
	from := agent.State
	taskID := agent.CurrentTaskID
	agent.State = StateDead
	agent.DeadReason = strings.TrimSpace(reason)
	agent.DeadAt = r.now().UTC()
	agent.CurrentTaskID = ""
	r.broadcastLocked()
	r.mu.Unlock()

	r.logger.Warn("agent marked dead", "agent_id", agentID, "from", from, "reason", reason, "task_id", taskID)
	r.publish(Transition{AgentID: agentID, From: from, To: StateDead, TaskID: taskID, Reason: reason})
}

// Get returns a copy of the agent record.
func (r *Registry) Get(agentID string) (Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return Agent{}, false
	}
	return *agent, true
}

// List returns copies of every agent sorted by ID.
func (r *Registry) List() []Agent {
	r.mu.Lock()
	out := make([]Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		out = append(out, *agent)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DeadBefore returns Dead agents whose DeadAt is at or before cutoff, sorted by ID.
func (r *Registry) DeadBefore(cutoff time.Time) []Agent {
	out := []Agent{}
	for _, agent := range r.List() {
		if agent.State == StateDead && !agent.DeadAt.After(cutoff) {
			out = append(out, agent)
		}
	}
	return out
}

// Remove deletes a Dead agent record.
func (r *Registry) Remove(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return nil
	}
	if agent.State != StateDead {
		return fmt.Errorf("remove agent %s: state %s is not %s", agentID, agent.State, StateDead)
	}
	delete(r.agents, agentID)
	r.broadcastLocked()
	return nil
}

// Counts returns the number of agents per state.
func (r *Registry) Counts() map[State]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := map[State]int{StateStarting: 0, StateIdle: 0, StateBusy: 0, StateDead: 0}
	for _, agent := range r.agents {
		counts[agent.State]++
	}
	return counts
}

func (r *Registry) broadcastLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

func (r *Registry) publish(transition Transition) {
	severity := events.SeverityInfo
	if transition.To == StateDead {
		severity = events.SeverityWarn
	}
	r.events.Publish(events.Event{
		Type:       events.EventTypeAgentTransition,
		EntityType: "agent",
		EntityID:   transition.AgentID,
		Payload:    transition,
		Severity:   severity,
	})
}

func isAllowed(from, to State) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}
