package worker

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"
)

// DoneMarker prefixes the completion line printed after the worker command exits.
const DoneMarker = "@@fleet-done@@"

// DefaultUnstickKeys answers the first option of a stuck confirmation prompt.
const DefaultUnstickKeys = "1"

var stuckPatterns = []string{
	"Do you want to proceed?",
	"Context low (NaN% remaining)",
	"❯ 1. Yes",
	"❯ 2. Yes, and don't ask again",
}

// Completion is a parsed completion line.
type Completion struct {
	Nonce    string
	ExitCode int
}

func newNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// BuildCommandLine renders the shell line typed into the session for one task.
func BuildCommandLine(workerCommand, description, nonce string) string {
	return fmt.Sprintf(
		"%s %s; printf '\\n%s %%s %%d\\n' %s $?",
		strings.TrimSpace(workerCommand),
		shellquote.Join(description),
		DoneMarker,
		nonce,
	)
}

// ParseCompletion reports whether line is the completion line for nonce.
// The line must start with DoneMarker; echoed command text never does.
func ParseCompletion(line, nonce string) (Completion, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, DoneMarker) {
		return Completion{}, false
	}
	fields := strings.Fields(strings.TrimPrefix(line, DoneMarker))
	if len(fields) != 2 || fields[0] != nonce {
		return Completion{}, false
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return Completion{}, false
	}
	return Completion{Nonce: fields[0], ExitCode: code}, true
}

// CleanLine strips terminal escapes and carriage returns from one captured line.
func CleanLine(raw string) string {
	line := ansi.Strip(raw)
	if idx := strings.LastIndex(line, "\r"); idx >= 0 {
		if tail := line[idx+1:]; tail != "" {
			line = tail
		} else {
			line = line[:idx]
		}
	}
	return strings.TrimRight(line, " \t")
}

// LooksStuck reports whether the captured tail shows a confirmation prompt waiting for input.
func LooksStuck(tail string) bool {
	for _, pattern := range stuckPatterns {
		if strings.Contains(tail, pattern) {
			return true
		}
	}
	return false
}

// tailBuffer keeps the last n output lines, skipping lines that mention the nonce.
type tailBuffer struct {
	limit int
	nonce string
	lines []string
}

func newTailBuffer(limit int, nonce string) *tailBuffer {
	if limit <= 0 {
		limit = 40
	}
	return &tailBuffer{limit: limit, nonce: nonce}
}

func (b *tailBuffer) add(line string) {
	if strings.TrimSpace(line) == "" || strings.Contains(line, b.nonce) || strings.HasPrefix(strings.TrimSpace(line), DoneMarker) {
		return
	}
	b.lines = append(b.lines, line)
	if len(b.lines) > b.limit {
		b.lines = b.lines[len(b.lines)-b.limit:]
	}
}

func (b *tailBuffer) String() string {
	return strings.TrimSpace(strings.Join(b.lines, "\n"))
}
