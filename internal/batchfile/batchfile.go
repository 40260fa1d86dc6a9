package batchfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ship-commander/fleet/internal/task"
)

// File is the on-disk batch format. JSON files parse too since JSON is valid YAML.
type File struct {
	Tasks []Entry `yaml:"tasks"`
}

// Entry is one task in a batch file.
type Entry struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
	Workspace   string `yaml:"workspace"`
	PR          int    `yaml:"pr"`
	Priority    string `yaml:"priority"`
}

// Loader reads batch files from a filesystem.
type Loader struct {
	fs fs.FS
}

// NewLoader creates a loader rooted at filesystem.
func NewLoader(filesystem fs.FS) *Loader {
	return &Loader{fs: filesystem}
}

// Load reads and converts the batch file at path.
func (l *Loader) Load(ctx context.Context, path string) ([]task.Task, error) {
	data, err := fs.ReadFile(l.fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading batch file: %w", err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	tasks, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("batch file %s: %w", path, err)
	}
	return tasks, nil
}

// Parse decodes batch file content. Unknown keys are rejected.
func Parse(data []byte) ([]task.Task, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("batch file is empty")
	}

	var file File
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	if len(file.Tasks) == 0 {
		return nil, errors.New("tasks is required")
	}

	tasks := make([]task.Task, 0, len(file.Tasks))
	for i, entry := range file.Tasks {
		t, err := entry.toTask()
		if err != nil {
			return nil, fmt.Errorf("tasks[%d]: %w", i, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (e Entry) toTask() (task.Task, error) {
	if strings.TrimSpace(e.Description) == "" {
		return task.Task{}, errors.New("description is required")
	}
	priority, err := task.ParsePriority(e.Priority)
	if err != nil {
		return task.Task{}, err
	}

	hint := strings.TrimSpace(e.Workspace)
	if e.PR != 0 {
		if e.PR < 0 {
			return task.Task{}, fmt.Errorf("pr must be positive, got %d", e.PR)
		}
		prHint := PRHint(e.PR)
		if hint != "" && hint != prHint {
			return task.Task{}, fmt.Errorf("workspace %q conflicts with pr %d", hint, e.PR)
		}
		hint = prHint
	}

	return task.Task{
		ID:            strings.TrimSpace(e.ID),
		Description:   strings.TrimSpace(e.Description),
		WorkspaceHint: hint,
		Priority:      priority,
	}, nil
}

// PRHint returns the workspace hint for a pull request number.
func PRHint(number int) string {
	return "tmux-pr" + strconv.Itoa(number)
}
