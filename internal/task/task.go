package task

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Priority orders tasks inside a batch.
type Priority int

const (
	// PriorityNormal is the default priority.
	PriorityNormal Priority = iota
	// PriorityUrgent tasks are dispatched before normal tasks.
	PriorityUrgent
)

// String returns the lowercase wire name of the priority.
func (p Priority) String() string {
	if p == PriorityUrgent {
		return "urgent"
	}
	return "normal"
}

// ParsePriority converts a batch-file or flag value into a Priority. Empty means normal.
func ParsePriority(value string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "normal":
		return PriorityNormal, nil
	case "urgent", "high":
		return PriorityUrgent, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", value)
	}
}

// Task is one unit of work handed to an agent. It is immutable once submitted.
type Task struct {
	ID            string
	Description   string
	WorkspaceHint string
	Priority      Priority
	SubmittedAt   time.Time
	Route         Route
}

// Lifecycle tracks a task inside one orchestrator run.
type Lifecycle string

const (
	// LifecycleQueued means the task waits for a concurrency slot.
	LifecycleQueued Lifecycle = "Queued"
	// LifecycleAssigned means an agent has been reserved for the task.
	LifecycleAssigned Lifecycle = "Assigned"
	// LifecycleRunning means the worker is executing the task.
	LifecycleRunning Lifecycle = "Running"
	// LifecycleCompleted means the task finished with a success result.
	LifecycleCompleted Lifecycle = "Completed"
	// LifecycleFailed means the task finished with any non-success result.
	LifecycleFailed Lifecycle = "Failed"
)

// Status is the terminal outcome of a task.
type Status string

const (
	// StatusSuccess means the worker exited zero.
	StatusSuccess Status = "success"
	// StatusFailure means the worker exited non-zero or never ran.
	StatusFailure Status = "failure"
	// StatusTimeout means the task exceeded its timeout or the batch deadline.
	StatusTimeout Status = "timeout"
	// StatusCancelled means the task was never dispatched before the batch ended.
	StatusCancelled Status = "cancelled"
)

// ErrorKind qualifies failure and timeout results.
type ErrorKind string

const (
	// ErrorKindNone is used for successful results.
	ErrorKindNone ErrorKind = ""
	// ErrorKindWorkspace means the worktree could not be created.
	ErrorKindWorkspace ErrorKind = "WorkspaceError"
	// ErrorKindAgentStart means the worker session could not be started.
	ErrorKindAgentStart ErrorKind = "AgentStartError"
	// ErrorKindWorkerExited means the worker session vanished mid-task.
	ErrorKindWorkerExited ErrorKind = "WorkerExited"
	// ErrorKindInvariant means an internal invariant was violated while handling the task.
	ErrorKindInvariant ErrorKind = "InvariantViolation"
	// ErrorKindDeadline means the batch deadline ended the task.
	ErrorKindDeadline ErrorKind = "DeadlineExceeded"
	// ErrorKindTimeout means the per-task timeout ended the task.
	ErrorKindTimeout ErrorKind = "TaskTimeout"
)

// Result is the outcome of one task. Exactly one is produced per submitted task.
type Result struct {
	TaskID     string
	AgentID    string
	Status     Status
	Output     string
	DurationMs int64
	ErrorKind  ErrorKind
}

// Lifecycle maps the result to its terminal lifecycle state.
func (r Result) Lifecycle() Lifecycle {
	if r.Status == StatusSuccess {
		return LifecycleCompleted
	}
	return LifecycleFailed
}

// FailureResult builds a failure result for a task that never produced worker output.
func FailureResult(taskID, agentID string, kind ErrorKind, err error) Result {
	output := ""
	if err != nil {
		output = err.Error()
	}
	return Result{
		TaskID:    taskID,
		AgentID:   agentID,
		Status:    StatusFailure,
		Output:    output,
		ErrorKind: kind,
	}
}

// Validate checks caller-supplied fields.
func (t Task) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("task id must not be empty")
	}
	if strings.TrimSpace(t.Description) == "" {
		return fmt.Errorf("task %s: description must not be empty", t.ID)
	}
	if hint := strings.TrimSpace(t.WorkspaceHint); hint != "" {
		if err := ValidateName(hint); err != nil {
			return fmt.Errorf("task %s: workspace hint: %w", t.ID, err)
		}
	}
	return nil
}

// Submit stamps SubmittedAt when unset and computes the route once.
func Submit(t Task, now time.Time) Task {
	t.ID = strings.TrimSpace(t.ID)
	t.WorkspaceHint = strings.TrimSpace(t.WorkspaceHint)
	if t.SubmittedAt.IsZero() {
		t.SubmittedAt = now
	}
	t.Route = Classify(t)
	return t
}

// TaskTimeoutError reports a task that exceeded its execution timeout.
type TaskTimeoutError struct {
	TaskID  string
	AgentID string
	Timeout time.Duration
}

func (e *TaskTimeoutError) Error() string {
	if e == nil {
		return "task timed out"
	}
	return fmt.Sprintf("task %s on agent %s timed out after %s", e.TaskID, e.AgentID, e.Timeout)
}

// Is allows errors.Is matching against TaskTimeoutError values.
func (e *TaskTimeoutError) Is(target error) bool {
	_, ok := target.(*TaskTimeoutError)
	return ok
}
