package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/ship-commander/fleet/internal/events"
	"github.com/ship-commander/fleet/internal/logging"
	"github.com/ship-commander/fleet/internal/task"
	"github.com/ship-commander/fleet/internal/telemetry/invariants"
)

const (
	// BranchPrefix namespaces every worktree branch.
	BranchPrefix = "fleet/"
	defaultRef   = "HEAD"
)

// Workspace is one git worktree owned by exactly one agent.
type Workspace struct {
	Name          string
	Path          string
	BranchName    string
	BaseRef       string
	OwningAgentID string
}

// Options configures a Manager.
type Options struct {
	WorktreesRoot  string
	DefaultBaseRef string
	VCS            VCS
	Logger         *log.Logger
	Events         events.Publisher
}

// Manager creates, validates, and destroys worktrees under a single root.
type Manager struct {
	root    string
	baseRef string
	vcs     VCS
	logger  *log.Logger
	events  events.Publisher
	locks   *keyedMutex
}

// New returns a Manager rooted at opts.WorktreesRoot.
func New(opts Options) (*Manager, error) {
	root := strings.TrimSpace(opts.WorktreesRoot)
	if root == "" {
		return nil, errors.New("worktrees root must not be empty")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve worktrees root: %w", err)
	}
	if opts.VCS == nil {
		return nil, errors.New("vcs must not be nil")
	}
	baseRef := strings.TrimSpace(opts.DefaultBaseRef)
	if baseRef == "" {
		baseRef = defaultRef
	}
	publisher := opts.Events
	if publisher == nil {
		publisher = events.Discard{}
	}

	return &Manager{
		root:    absRoot,
		baseRef: baseRef,
		vcs:     opts.VCS,
		logger:  logging.OrDiscard(opts.Logger),
		events:  publisher,
		locks:   newKeyedMutex(),
	}, nil
}

// Root returns the absolute worktrees root.
func (m *Manager) Root() string {
	return m.root
}

// Describe returns the deterministic workspace descriptor for name without touching disk.
func (m *Manager) Describe(name string) Workspace {
	return Workspace{
		Name:          name,
		Path:          filepath.Join(m.root, name),
		BranchName:    BranchPrefix + name,
		BaseRef:       m.baseRef,
		OwningAgentID: name,
	}
}

// Create checks out a new worktree for name from baseRef, or returns the existing one when it is clean.
func (m *Manager) Create(ctx context.Context, name, baseRef string) (Workspace, error) {
	if err := task.ValidateName(name); err != nil {
		return Workspace{}, &WorkspaceCreateError{Name: name, Cause: err}
	}
	unlock := m.locks.Lock(name)
	defer unlock()

	ws := m.Describe(name)
	if ref := strings.TrimSpace(baseRef); ref != "" {
		ws.BaseRef = ref
	}
	logger := m.logger.With("workspace", name, "path", ws.Path)

	info, err := os.Stat(ws.Path)
	switch {
	case err == nil:
		if !info.IsDir() {
			return Workspace{}, &WorkspaceCreateError{Name: name, Path: ws.Path, Cause: &WorkspaceCorruptError{
				Name: name, Path: ws.Path, Reason: "path exists and is not a directory",
			}}
		}
		state, checkErr := m.vcs.CheckClean(ctx, ws.Path)
		if checkErr != nil {
			return Workspace{}, &WorkspaceCreateError{Name: name, Path: ws.Path, Cause: checkErr}
		}
		if !state.Clean {
			return Workspace{}, &WorkspaceCreateError{Name: name, Path: ws.Path, Cause: &WorkspaceCorruptError{
				Name: name, Path: ws.Path, Reason: state.Reason,
			}}
		}
		logger.Info("reusing existing worktree")
		return ws, nil
	case !errors.Is(err, os.ErrNotExist):
		return Workspace{}, &WorkspaceCreateError{Name: name, Path: ws.Path, Cause: err}
	}

	if err := os.MkdirAll(m.root, 0o750); err != nil {
		return Workspace{}, &WorkspaceCreateError{Name: name, Path: ws.Path, Cause: fmt.Errorf("create worktrees root: %w", err)}
	}
	if err := m.vcs.AddWorktree(ctx, ws.Path, ws.BranchName, ws.BaseRef); err != nil {
		return Workspace{}, &WorkspaceCreateError{Name: name, Path: ws.Path, Cause: err}
	}

	logger.Info("worktree created", "branch", ws.BranchName, "base_ref", ws.BaseRef)
	m.events.Publish(events.Event{
		Type:       events.EventTypeWorkspaceCreated,
		EntityType: "workspace",
		EntityID:   name,
		Payload:    ws,
		Severity:   events.SeverityInfo,
	})
	return ws, nil
}

// FindReusable returns the existing worktree for name when it is present and clean.
// A corrupt worktree is destroyed and reported as not found.
func (m *Manager) FindReusable(ctx context.Context, name string) (Workspace, bool, error) {
	if err := task.ValidateName(name); err != nil {
		return Workspace{}, false, fmt.Errorf("find reusable workspace: %w", err)
	}
	unlock := m.locks.Lock(name)
	defer unlock()

	ws := m.Describe(name)
	info, err := os.Stat(ws.Path)
	if errors.Is(err, os.ErrNotExist) {
		return Workspace{}, false, nil
	}
	if err != nil {
		return Workspace{}, false, fmt.Errorf("stat workspace %s: %w", ws.Path, err)
	}

	var corrupt *WorkspaceCorruptError
	if !info.IsDir() {
		corrupt = &WorkspaceCorruptError{Name: name, Path: ws.Path, Reason: "path is not a directory"}
	} else {
		state, checkErr := m.vcs.CheckClean(ctx, ws.Path)
		if checkErr != nil {
			return Workspace{}, false, fmt.Errorf("check workspace %s: %w", name, checkErr)
		}
		if !state.Clean {
			corrupt = &WorkspaceCorruptError{Name: name, Path: ws.Path, Reason: state.Reason}
		}
	}
	if corrupt == nil {
		return ws, true, nil
	}

	invariants.CheckWorkspaceCleanOnReuse(ctx, "workspace.Manager.FindReusable", name, false, corrupt.Reason)
	m.logger.Warn("destroying corrupt workspace", "workspace", name, "error", corrupt)
	if err := m.destroyLocked(ctx, ws); err != nil {
		m.logger.Error("self-heal destroy failed", "workspace", name, "error", err)
	}
	return Workspace{}, false, nil
}

// Destroy removes the worktree directory and its registration. Destroying an absent workspace succeeds.
func (m *Manager) Destroy(ctx context.Context, ws Workspace) error {
	if err := task.ValidateName(ws.Name); err != nil {
		return fmt.Errorf("destroy workspace: %w", err)
	}
	unlock := m.locks.Lock(ws.Name)
	defer unlock()

	return m.destroyLocked(ctx, m.Describe(ws.Name))
}

func (m *Manager) destroyLocked(ctx context.Context, ws Workspace) error {
	_, statErr := os.Stat(ws.Path)
	existed := statErr == nil

	if existed {
		if err := m.vcs.RemoveWorktree(ctx, ws.Path); err != nil {
			m.logger.Debug("git worktree remove failed; removing directory", "workspace", ws.Name, "error", err)
		}
		if err := os.RemoveAll(ws.Path); err != nil {
			return fmt.Errorf("remove workspace directory %s: %w", ws.Path, err)
		}
	}
	if err := m.vcs.Prune(ctx); err != nil {
		return fmt.Errorf("prune worktrees: %w", err)
	}
	if err := m.vcs.DeleteBranch(ctx, ws.BranchName); err != nil {
		m.logger.Debug("branch delete skipped", "branch", ws.BranchName, "error", err)
	}

	if existed {
		m.logger.Info("worktree destroyed", "workspace", ws.Name, "path", ws.Path)
		m.events.Publish(events.Event{
			Type:       events.EventTypeWorkspaceDestroyed,
			EntityType: "workspace",
			EntityID:   ws.Name,
			Severity:   events.SeverityInfo,
		})
	}
	return nil
}

// keyedMutex serializes work per key. Entries are dropped once no goroutine holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock acquires the mutex for key and returns its release func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &refMutex{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.Lock()
	return func() {
		entry.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
