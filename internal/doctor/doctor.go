package doctor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ship-commander/fleet/internal/events"
	"github.com/ship-commander/fleet/internal/logging"
	"github.com/ship-commander/fleet/internal/registry"
	"github.com/ship-commander/fleet/internal/tmux"
	"github.com/ship-commander/fleet/internal/workspace"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultStuckTimeout      = 5 * time.Minute
)

// Registry is the agent registry surface Doctor reconciles against.
type Registry interface {
	List() []registry.Agent
	MarkDead(agentID, reason string)
}

// SessionManager lists and kills tmux sessions.
type SessionManager interface {
	ListSessions(ctx context.Context) ([]tmux.Session, error)
	KillSession(ctx context.Context, name string) error
}

// FlagStore records workspaces whose agent Doctor declared dead.
type FlagStore interface {
	FlagDead(ctx context.Context, ws workspace.Workspace, reason string, deadAt time.Time) error
}

// Config controls Doctor cadence and policy.
type Config struct {
	HeartbeatInterval time.Duration
	// StuckTimeout is how long an agent may stay Busy before it is reported as stuck.
	StuckTimeout time.Duration
	// Owned reports whether an unregistered session belongs to fleet. Nil leaves unknown sessions alone.
	Owned  func(sessionName string) bool
	Logger *log.Logger
}

// HealthReport summarizes one heartbeat.
type HealthReport struct {
	DoctorHeartbeat time.Time `json:"doctor_heartbeat"`
	ActiveAgents    int       `json:"active_agents"`
	IdleAgents      int       `json:"idle_agents"`
	DeadAgents      int       `json:"dead_agents"`
	StuckAgents     int       `json:"stuck_agents"`
	LostAgents      int       `json:"lost_agents"`
	ZombieSessions  int       `json:"zombie_sessions"`
}

// Manager executes deterministic health checks on a periodic ticker.
type Manager struct {
	registry          Registry
	sessions          SessionManager
	flags             FlagStore
	bus               events.Publisher
	owned             func(string) bool
	logger            *log.Logger
	heartbeatInterval time.Duration
	stuckTimeout      time.Duration
	now               func() time.Time
	newTicker         func(time.Duration) *time.Ticker
}

// NewManager builds a Doctor manager with sane defaults. flags may be nil.
func NewManager(reg Registry, sessions SessionManager, flags FlagStore, bus events.Publisher, cfg Config) (*Manager, error) {
	if reg == nil {
		return nil, errors.New("agent registry is required")
	}
	if sessions == nil {
		return nil, errors.New("session manager is required")
	}
	if bus == nil {
		return nil, errors.New("event bus is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.StuckTimeout <= 0 {
		cfg.StuckTimeout = defaultStuckTimeout
	}
	return &Manager{
		registry:          reg,
		sessions:          sessions,
		flags:             flags,
		bus:               bus,
		owned:             cfg.Owned,
		logger:            logging.OrDiscard(cfg.Logger),
		heartbeatInterval: cfg.HeartbeatInterval,
		stuckTimeout:      cfg.StuckTimeout,
		now:               time.Now,
		newTicker:         time.NewTicker,
	}, nil
}

// Start runs heartbeat checks until context cancellation.
func (m *Manager) Start(ctx context.Context) {
	if m == nil {
		return
	}
	ticker := m.newTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.RunOnce(ctx); err != nil {
				m.logger.Error("doctor: heartbeat failed", "error", err)
				m.bus.Publish(events.Event{
					Type:       events.EventTypeSystemAlert,
					Timestamp:  m.now().UTC(),
					EntityType: "health",
					EntityID:   "doctor",
					Payload: map[string]string{
						"error": err.Error(),
					},
					Severity: events.SeverityError,
				})
			}
		}
	}
}

// RunOnce executes one deterministic health check cycle: idle agents whose
// session vanished are declared dead, and sessions left behind by dead agents are killed.
func (m *Manager) RunOnce(ctx context.Context) (HealthReport, error) {
	if m == nil {
		return HealthReport{}, errors.New("doctor manager is nil")
	}

	listed, err := m.sessions.ListSessions(ctx)
	if err != nil {
		return HealthReport{}, fmt.Errorf("query active sessions: %w", err)
	}
	activeSessions := make(map[string]struct{}, len(listed))
	for _, session := range listed {
		activeSessions[strings.TrimSpace(session.Name)] = struct{}{}
	}

	now := m.now().UTC()
	report := HealthReport{
		DoctorHeartbeat: now,
	}

	agents := m.registry.List()
	agentByID := make(map[string]registry.Agent, len(agents))
	for _, agent := range agents {
		agentByID[agent.ID] = agent
		switch agent.State {
		case registry.StateStarting:
			report.ActiveAgents++
		case registry.StateBusy:
			report.ActiveAgents++
			if m.isStuck(agent, now) {
				report.StuckAgents++
				m.logger.Warn("doctor: agent busy past stuck timeout",
					"agent_id", agent.ID,
					"task_id", agent.CurrentTaskID,
					"busy_since", agent.LastActiveAt,
				)
			}
		case registry.StateIdle:
			if _, alive := activeSessions[agent.ID]; alive {
				report.IdleAgents++
				continue
			}
			m.declareLost(ctx, agent, now)
			report.LostAgents++
			report.DeadAgents++
		case registry.StateDead:
			report.DeadAgents++
		}
	}

	zombies, err := m.cleanupZombieSessions(ctx, activeSessions, agentByID)
	if err != nil {
		return HealthReport{}, err
	}
	report.ZombieSessions = zombies

	m.bus.Publish(events.Event{
		Type:       events.EventTypeHealthCheck,
		Timestamp:  now,
		EntityType: "health",
		EntityID:   "doctor",
		Payload:    report,
		Severity:   events.SeverityInfo,
	})

	return report, nil
}

func (m *Manager) declareLost(ctx context.Context, agent registry.Agent, now time.Time) {
	const reason = "session lost while idle"
	m.registry.MarkDead(agent.ID, reason)
	if m.flags == nil || agent.Workspace.Name == "" {
		return
	}
	if err := m.flags.FlagDead(ctx, agent.Workspace, reason, now); err != nil {
		m.logger.Warn("doctor: flag dead workspace failed", "agent_id", agent.ID, "error", err)
	}
}

// cleanupZombieSessions kills sessions whose agent is dead, and unregistered
// sessions that fleet owns. Kill order is by name.
func (m *Manager) cleanupZombieSessions(
	ctx context.Context,
	activeSessions map[string]struct{},
	agentByID map[string]registry.Agent,
) (int, error) {
	names := make([]string, 0, len(activeSessions))
	for name := range activeSessions {
		names = append(names, name)
	}
	sort.Strings(names)

	cleaned := 0
	for _, name := range names {
		if !m.isZombie(name, agentByID) {
			continue
		}
		if err := m.sessions.KillSession(ctx, name); err != nil {
			return 0, fmt.Errorf("cleanup zombie session %s: %w", name, err)
		}
		m.logger.Info("doctor: killed zombie session", "session", name)
		cleaned++
	}
	return cleaned, nil
}

func (m *Manager) isZombie(name string, agentByID map[string]registry.Agent) bool {
	agent, known := agentByID[name]
	if known {
		return agent.State == registry.StateDead
	}
	return m.owned != nil && m.owned(name)
}

func (m *Manager) isStuck(agent registry.Agent, now time.Time) bool {
	if agent.LastActiveAt.IsZero() {
		return false
	}
	return now.Sub(agent.LastActiveAt.UTC()) > m.stuckTimeout
}
