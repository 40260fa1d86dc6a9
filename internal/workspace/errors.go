package workspace

import "fmt"

// WorkspaceCreateError reports a worktree that could not be created or reused.
type WorkspaceCreateError struct {
	Name  string
	Path  string
	Cause error
}

func (e *WorkspaceCreateError) Error() string {
	if e == nil {
		return "workspace create failed"
	}
	if e.Cause == nil {
		return fmt.Sprintf("create workspace %s at %s", e.Name, e.Path)
	}
	return fmt.Sprintf("create workspace %s at %s: %v", e.Name, e.Path, e.Cause)
}

// Unwrap exposes the underlying VCS or filesystem error.
func (e *WorkspaceCreateError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is allows errors.Is matching against WorkspaceCreateError values.
func (e *WorkspaceCreateError) Is(target error) bool {
	_, ok := target.(*WorkspaceCreateError)
	return ok
}

// WorkspaceCorruptError reports a worktree left in a state that cannot be reused.
type WorkspaceCorruptError struct {
	Name   string
	Path   string
	Reason string
}

func (e *WorkspaceCorruptError) Error() string {
	if e == nil {
		return "workspace corrupt"
	}
	return fmt.Sprintf("workspace %s at %s is corrupt: %s", e.Name, e.Path, e.Reason)
}

// Is allows errors.Is matching against WorkspaceCorruptError values.
func (e *WorkspaceCorruptError) Is(target error) bool {
	_, ok := target.(*WorkspaceCorruptError)
	return ok
}
