package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/ship-commander/fleet/internal/task"
	"github.com/ship-commander/fleet/internal/workspace"
)

// Handle wraps one long-lived worker session bound to a workspace.
type Handle interface {
	ID() string
	Start(ctx context.Context, ws workspace.Workspace) error
	Execute(ctx context.Context, t task.Task, timeout time.Duration) (task.Result, error)
	IsAlive(ctx context.Context) bool
	Kill(ctx context.Context) error
}

// Launcher builds handles for agent IDs. Launch does not start anything.
type Launcher interface {
	Launch(agentID string) Handle
}

// AgentStartError reports a worker session that could not be started.
type AgentStartError struct {
	AgentID string
	Reason  string
	Cause   error
}

func (e *AgentStartError) Error() string {
	if e == nil {
		return "agent start failed"
	}
	if e.Cause != nil {
		return fmt.Sprintf("start agent %s: %s: %v", e.AgentID, e.Reason, e.Cause)
	}
	return fmt.Sprintf("start agent %s: %s", e.AgentID, e.Reason)
}

// Unwrap returns the underlying launch failure.
func (e *AgentStartError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is allows errors.Is matching against AgentStartError values.
func (e *AgentStartError) Is(target error) bool {
	_, ok := target.(*AgentStartError)
	return ok
}

// WorkerExitedError reports a session that disappeared while a task was running.
type WorkerExitedError struct {
	AgentID string
	TaskID  string
}

func (e *WorkerExitedError) Error() string {
	return fmt.Sprintf("worker session %s exited while running task %s", e.AgentID, e.TaskID)
}

// Is allows errors.Is matching against WorkerExitedError values.
func (e *WorkerExitedError) Is(target error) bool {
	_, ok := target.(*WorkerExitedError)
	return ok
}
