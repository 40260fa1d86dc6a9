package worker

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/kballard/go-shellquote"
)

// Availability captures which runtime tools are present on PATH.
type Availability struct {
	Tmux         bool
	Git          bool
	Worker       bool
	WorkerBinary string
}

// Missing lists unavailable tools in deterministic order.
func (a Availability) Missing() []string {
	missing := make([]string, 0, 3)
	if !a.Tmux {
		missing = append(missing, "tmux")
	}
	if !a.Git {
		missing = append(missing, "git")
	}
	if !a.Worker {
		missing = append(missing, firstNonEmpty(a.WorkerBinary, "worker command"))
	}
	return missing
}

// CheckAvailability validates startup tool availability for the configured worker command.
//
// It fails fast when required dependencies are missing:
//   - tmux must exist on PATH
//   - git must exist on PATH
//   - the first word of the worker command must resolve on PATH
func CheckAvailability(workerCommand string) (Availability, error) {
	return checkAvailability(workerCommand, exec.LookPath)
}

func checkAvailability(workerCommand string, lookPath func(file string) (string, error)) (Availability, error) {
	if lookPath == nil {
		return Availability{}, errors.New("lookPath function is required")
	}

	binary, err := WorkerBinary(workerCommand)
	if err != nil {
		return Availability{}, err
	}

	availability := Availability{
		Tmux:         toolAvailable(lookPath, "tmux"),
		Git:          toolAvailable(lookPath, "git"),
		Worker:       toolAvailable(lookPath, binary),
		WorkerBinary: binary,
	}
	if missing := availability.Missing(); len(missing) > 0 {
		return availability, fmt.Errorf("required tools not found on PATH: %s", strings.Join(missing, ", "))
	}
	return availability, nil
}

// WorkerBinary returns the executable named by a worker command line.
func WorkerBinary(workerCommand string) (string, error) {
	words, err := shellquote.Split(workerCommand)
	if err != nil {
		return "", fmt.Errorf("parse worker command: %w", err)
	}
	if len(words) == 0 {
		return "", errors.New("worker command is empty")
	}
	return words[0], nil
}

func toolAvailable(lookPath func(file string) (string, error), binary string) bool {
	_, err := lookPath(binary)
	return err == nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
