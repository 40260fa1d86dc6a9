package task

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// RouteKind tags how a task relates to existing work.
type RouteKind int

const (
	// RouteCreateNew starts fresh work in a new or reused workspace.
	RouteCreateNew RouteKind = iota
	// RouteUpdateExisting continues work tied to an existing pull request.
	RouteUpdateExisting
)

// Route is the classification computed once at submission.
type Route struct {
	Kind RouteKind
	// Ref is the pull request number for RouteUpdateExisting.
	Ref string
}

// String renders the route for logs.
func (r Route) String() string {
	if r.Kind == RouteUpdateExisting {
		return "UpdateExisting(" + r.Ref + ")"
	}
	return "CreateNew"
}

const (
	maxNameLength   = 64
	maxSlugWords    = 5
	maxSlugLength   = 40
	nameSuffixBytes = 6
	prNamePrefix    = "tmux-pr"
)

var (
	validNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	prHintPattern    = regexp.MustCompile(`^tmux-pr(\d+)$`)
	prTextPatterns   = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:pr|pull request)\s*#?\s*(\d+)\b`),
		regexp.MustCompile(`(?i)/pull/(\d+)\b`),
		regexp.MustCompile(`(?i)\btmux-pr(\d+)\b`),
	}
	slugSplitPattern = regexp.MustCompile(`[^a-z0-9]+`)
)

// Classify derives the route from the workspace hint and the description.
// A non-PR hint pins the identity and always classifies as CreateNew.
func Classify(t Task) Route {
	hint := strings.TrimSpace(t.WorkspaceHint)
	if hint != "" {
		if match := prHintPattern.FindStringSubmatch(hint); match != nil {
			return Route{Kind: RouteUpdateExisting, Ref: match[1]}
		}
		return Route{Kind: RouteCreateNew}
	}
	for _, pattern := range prTextPatterns {
		if match := pattern.FindStringSubmatch(t.Description); match != nil {
			return Route{Kind: RouteUpdateExisting, Ref: match[1]}
		}
	}
	return Route{Kind: RouteCreateNew}
}

// Pinned reports whether the task forces a specific workspace identity.
func (t Task) Pinned() bool {
	return strings.TrimSpace(t.WorkspaceHint) != "" || t.Route.Kind == RouteUpdateExisting
}

// WorkspaceName returns the identity a fresh agent for t should use.
func WorkspaceName(t Task) string {
	return WorkspaceNameWithSuffix(t, randomSuffix())
}

// WorkspaceNameWithSuffix is WorkspaceName with a caller-supplied suffix for unpinned tasks.
func WorkspaceNameWithSuffix(t Task, suffix string) string {
	if hint := strings.TrimSpace(t.WorkspaceHint); hint != "" {
		return hint
	}
	if t.Route.Kind == RouteUpdateExisting && t.Route.Ref != "" {
		return prNamePrefix + t.Route.Ref
	}
	return Slug(t.Description) + "-" + suffix
}

// Slug turns free text into a lowercase, dash-joined identifier of at most five words and forty characters.
func Slug(text string) string {
	words := slugSplitPattern.Split(strings.ToLower(text), -1)
	kept := make([]string, 0, maxSlugWords)
	for _, word := range words {
		if word == "" {
			continue
		}
		kept = append(kept, word)
		if len(kept) == maxSlugWords {
			break
		}
	}
	slug := strings.Join(kept, "-")
	if len(slug) > maxSlugLength {
		slug = strings.TrimRight(slug[:maxSlugLength], "-")
	}
	if slug == "" {
		return "task"
	}
	return slug
}

// ValidateName enforces the tmux session and worktree naming rule.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name must not be empty")
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("name %q exceeds %d characters", name, maxNameLength)
	}
	if strings.HasPrefix(name, "-") {
		return fmt.Errorf("name %q must not start with '-'", name)
	}
	if !validNamePattern.MatchString(name) {
		return fmt.Errorf("name %q may only contain letters, digits, '.', '_' and '-'", name)
	}
	return nil
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:nameSuffixBytes]
}
