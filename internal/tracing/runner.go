// Package tracing runs the external commands fleet depends on (git, mostly)
// inside spans that carry the workspace they touched.
package tracing

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/ship-commander/fleet/internal/redact"
	"github.com/ship-commander/fleet/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxOutputEventBytes = 1024

const (
	keyArgs         = attribute.Key("fleet.tool.args")
	keyExitCode     = attribute.Key("fleet.tool.exit_code")
	keyDurationMs   = attribute.Key("fleet.tool.duration_ms")
	keyDirtyEntries = attribute.Key("fleet.workspace.dirty_entries")
)

// Runner executes commands for the workspace layer. The zero value traces
// through the global provider.
type Runner struct {
	Tracer trace.Tracer
}

// Run executes name with args in dir and returns trimmed stdout and stderr.
// Output is returned alongside a failure so callers can report stderr.
func (r Runner) Run(ctx context.Context, dir string, name string, args ...string) ([]byte, []byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	name = strings.TrimSpace(name)
	dir = strings.TrimSpace(dir)
	if name == "" {
		return nil, nil, errors.New("command name must not be empty")
	}
	if dir == "" {
		return nil, nil, errors.New("working directory must not be empty")
	}

	tracer := r.Tracer
	if tracer == nil {
		tracer = otel.Tracer("fleet/tracing")
	}
	ctx, span := tracer.Start(ctx, SpanName(name, args), trace.WithAttributes(
		telemetry.KeyTool.String(name),
		keyArgs.String(strings.Join(redact.Args(args), " ")),
		telemetry.Workspace(dir),
	))
	started := time.Now()
	defer func() {
		span.SetAttributes(keyDurationMs.Int64(time.Since(started).Milliseconds()))
		span.End()
	}()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	stdoutText := strings.TrimSpace(stdout.String())
	stderrText := strings.TrimSpace(stderr.String())

	span.SetAttributes(keyExitCode.Int(exitCode(ctx, err)))
	if isPorcelainStatus(name, args) && err == nil {
		span.SetAttributes(keyDirtyEntries.Int(countNonEmptyLines(stdoutText)))
	}
	addOutputEvent(span, "tool.stdout", stdoutText)
	addOutputEvent(span, "tool.stderr", stderrText)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return []byte(stdoutText), []byte(stderrText), err
	}
	return []byte(stdoutText), []byte(stderrText), nil
}

// SpanName names a command span by tool and subcommand, e.g. "git worktree add".
// Flags and operands past the subcommand stay out of the name to keep cardinality low.
func SpanName(name string, args []string) string {
	parts := []string{strings.TrimSpace(name)}
	for _, arg := range args {
		arg = strings.TrimSpace(arg)
		if arg == "" || strings.HasPrefix(arg, "-") {
			break
		}
		parts = append(parts, arg)
		if arg != "worktree" {
			break
		}
	}
	return strings.Join(parts, " ")
}

func isPorcelainStatus(name string, args []string) bool {
	return name == "git" && len(args) > 1 && args[0] == "status" && args[1] == "--porcelain"
}

func addOutputEvent(span trace.Span, event, output string) {
	if output == "" {
		return
	}
	clean := redact.Content(output, maxOutputEventBytes*4)
	span.AddEvent(event, trace.WithAttributes(attribute.String("output", truncateOutput(clean, maxOutputEventBytes))))
}

// exitCode is -1 when the context ended the command.
func exitCode(ctx context.Context, err error) int {
	if err == nil {
		return 0
	}
	if ctx.Err() != nil {
		return -1
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func countNonEmptyLines(text string) int {
	count := 0
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}
	return count
}

func truncateOutput(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	const marker = "...[truncated]"
	if limit <= len(marker) {
		return value[:limit]
	}
	return value[:limit-len(marker)] + marker
}
