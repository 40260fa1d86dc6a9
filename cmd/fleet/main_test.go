package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/ship-commander/fleet/internal/config"
	"github.com/ship-commander/fleet/internal/logging"
)

func TestRootCommandVersionFlag(t *testing.T) {
	originalVersion := Version
	defer func() {
		Version = originalVersion
	}()
	Version = "v0.1.0-test"
	cmd := newRootCommand(context.Background(), &config.Config{}, testLogger())

	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stdout)
	cmd.SetArgs([]string{"--version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	output := strings.TrimSpace(stdout.String())
	if output != "v0.1.0-test" {
		t.Fatalf("version output = %q, want %q", output, "v0.1.0-test")
	}
}

func TestVersionSubcommand(t *testing.T) {
	cmd := newRootCommand(context.Background(), nil, nil)

	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if strings.TrimSpace(stdout.String()) != Version {
		t.Fatalf("version output = %q, want %q", stdout.String(), Version)
	}
}

func TestRootCommandHelpListsExpectedSubcommands(t *testing.T) {
	cmd := newRootCommand(context.Background(), &config.Config{}, testLogger())
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stdout)
	cmd.SetArgs([]string{"--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	output := stdout.String()
	expected := []string{"run", "agents", "history", "sweep", "doctor", "bugreport", "version"}
	for _, name := range expected {
		if !strings.Contains(output, name) {
			t.Fatalf("help output missing %q: %s", name, output)
		}
	}
}

func TestRootCommandRequiresConfig(t *testing.T) {
	cmd := newRootCommand(context.Background(), nil, testLogger())
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"run", "fix the flaky test"})

	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "config is required") {
		t.Fatalf("error = %v, want config is required", err)
	}
}

func TestRunCommandWithoutTasksFails(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cmd := newRootCommand(context.Background(), &config.Config{MaxConcurrency: 1}, testLogger())
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"run"})

	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "no tasks") {
		t.Fatalf("error = %v, want no tasks", err)
	}
}

func TestSweepRejectsAllWithWatch(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cmd := newRootCommand(context.Background(), &config.Config{MaxConcurrency: 1}, testLogger())
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"sweep", "--all", "--watch"})

	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "cannot be combined") {
		t.Fatalf("error = %v, want flag conflict", err)
	}
}

func TestResolveCommandName(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "subcommand", args: []string{"run"}, want: "run"},
		{name: "flags then command", args: []string{"--json", "history"}, want: "history"},
		{name: "no command defaults to root", args: []string{"--help"}, want: "root"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := resolveCommandName(tc.args); got != tc.want {
				t.Fatalf("resolveCommandName(%v) = %q, want %q", tc.args, got, tc.want)
			}
		})
	}
}

func testLogger() *logging.RuntimeLogger {
	return &logging.RuntimeLogger{Logger: log.NewWithOptions(&bytes.Buffer{}, log.Options{})}
}
