package redact

import (
	"reflect"
	"strings"
	"testing"
)

func TestCommandMasksCredentialFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "token flag", input: "gh auth --token abc123 status", want: "gh auth --token [REDACTED] status"},
		{name: "api key flag", input: "tool --api-key xyz", want: "tool --api-key [REDACTED]"},
		{name: "bearer header", input: "curl -H Authorization: Bearer deadbeef", want: "curl -H Authorization: Bearer [REDACTED]"},
		{name: "env assignment", input: "GITHUB_TOKEN=ghp_123 gh pr list", want: "GITHUB_TOKEN=[REDACTED] gh pr list"},
		{name: "untouched", input: "git worktree add /tmp/x", want: "git worktree add /tmp/x"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Command(tc.input); got != tc.want {
				t.Fatalf("Command(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestContentRedactsProviderTokens(t *testing.T) {
	t.Parallel()

	input := "pushed with ghp_" + strings.Repeat("a", 36) + " and sk-" + strings.Repeat("b", 24)
	got := Content(input, 0)
	if strings.Contains(got, "ghp_") || strings.Contains(got, "sk-") {
		t.Fatalf("Content left tokens in place: %q", got)
	}
	if strings.Count(got, credentialPlaceholder) != 2 {
		t.Fatalf("Content = %q, want two placeholders", got)
	}
}

func TestContentTruncatesLongOutput(t *testing.T) {
	t.Parallel()

	got := Content(strings.Repeat("x", 50), 10)
	if got != strings.Repeat("x", 10)+truncatedMarker {
		t.Fatalf("Content = %q", got)
	}
	if Content("", 10) != "" {
		t.Fatal("empty content should stay empty")
	}
}

func TestArgsMasksSensitiveValues(t *testing.T) {
	t.Parallel()

	input := []string{"run", "--token", "abc123", "--password=supersecret", "--safe=value"}
	want := []string{"run", "--token", "<redacted>", "--password=<redacted>", "--safe=value"}

	if got := Args(input); !reflect.DeepEqual(got, want) {
		t.Fatalf("Args(%v) = %v, want %v", input, got, want)
	}
}

func TestConfigTextMasksSensitiveKeys(t *testing.T) {
	t.Parallel()

	input := "# api_key: keep this comment\napi_key: abc\npassword=def\nworker_command = \"claude -p\"\n"
	got := ConfigText(input)
	if strings.Contains(got, "abc") || strings.Contains(got, "def") {
		t.Fatalf("expected sensitive values to be redacted: %q", got)
	}
	if strings.Count(got, configPlaceholder) != 2 {
		t.Fatalf("expected two redactions, got %q", got)
	}
	if !strings.Contains(got, `worker_command = "claude -p"`) || !strings.Contains(got, "# api_key: keep this comment") {
		t.Fatalf("non-sensitive lines changed: %q", got)
	}
}
