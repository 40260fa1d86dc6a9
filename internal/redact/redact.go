package redact

import (
	"regexp"
	"strings"
)

const (
	// DefaultMaxLength caps sanitized content before the truncation marker is appended.
	DefaultMaxLength = 1000

	credentialPlaceholder = "[REDACTED_CREDENTIAL]"
	truncatedMarker       = "... [TRUNCATED]"
	configPlaceholder     = "***REDACTED***"
)

var commandPatterns = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`(?i)(--(?:token|auth|password|pass|secret|api[-_]?key)\s+)\S+`), "${1}[REDACTED]"},
	{regexp.MustCompile(`(?i)(-p\s+)\S+`), "${1}[REDACTED]"},
	{regexp.MustCompile(`(?i)(Authorization:\s*Bearer\s+)\S+`), "${1}[REDACTED]"},
	{regexp.MustCompile(`(?i)(\bGITHUB_TOKEN=)\S+`), "${1}[REDACTED]"},
}

var contentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password)["\s]*[:=]["\s]*[A-Za-z0-9._\-+/=]{20,}`),
	regexp.MustCompile(`(?i)\b(bearer)\s+[A-Za-z0-9._\-+/=]{20,}`),
	regexp.MustCompile(`(?i)\bauthorization["\s]*:\s*[A-Za-z]+\s+[A-Za-z0-9._\-+/=]{20,}`),
	regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]{20,}\.[A-Za-z0-9_\-]{20,}\.[A-Za-z0-9_\-]{20,}\b`),
	regexp.MustCompile(`\bghp_[A-Za-z0-9]{30,}\b`),
	regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{30,}\b`),
	regexp.MustCompile(`\bglpat-[A-Za-z0-9_\-]{20,}\b`),
	regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9\-]{20,}\b`),
	regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}\b`),
	regexp.MustCompile(`\bAIza[0-9A-Za-z\-_]{20,}\b`),
}

// Command masks credential-bearing flags and headers in a rendered command line.
func Command(command string) string {
	out := command
	for _, rule := range commandPatterns {
		out = rule.pattern.ReplaceAllString(out, rule.replacement)
	}
	return out
}

// Content strips credential shapes from free-form output and truncates it to maxLength bytes.
// A non-positive maxLength uses DefaultMaxLength.
func Content(content string, maxLength int) string {
	if content == "" {
		return ""
	}
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}

	sanitized := content
	for _, pattern := range contentPatterns {
		sanitized = pattern.ReplaceAllString(sanitized, credentialPlaceholder)
	}
	if len(sanitized) > maxLength {
		sanitized = sanitized[:maxLength] + truncatedMarker
	}
	return sanitized
}

// Args masks the value following a sensitive flag and the value of sensitive key=value pairs.
func Args(args []string) []string {
	redacted := make([]string, 0, len(args))
	maskNext := false

	for _, arg := range args {
		if maskNext {
			redacted = append(redacted, "<redacted>")
			maskNext = false
			continue
		}

		trimmed := strings.TrimSpace(arg)
		if strings.Contains(trimmed, "=") {
			parts := strings.SplitN(trimmed, "=", 2)
			if len(parts) == 2 && isSensitiveToken(strings.ToLower(parts[0])) {
				redacted = append(redacted, parts[0]+"=<redacted>")
				continue
			}
		}

		if isSensitiveToken(strings.ToLower(trimmed)) && strings.HasPrefix(trimmed, "-") {
			maskNext = true
		}
		redacted = append(redacted, trimmed)
	}

	return redacted
}

// ConfigText masks the value of every sensitive `key: value` or `key = value` line.
// Comment lines are left untouched.
func ConfigText(configText string) string {
	lines := strings.Split(configText, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		separator := ":"
		if strings.Contains(line, "=") && (!strings.Contains(line, ":") || strings.Index(line, "=") < strings.Index(line, ":")) {
			separator = "="
		}
		parts := strings.SplitN(line, separator, 2)
		if len(parts) != 2 {
			continue
		}
		if !isSensitiveToken(strings.ToLower(strings.TrimSpace(parts[0]))) {
			continue
		}
		lines[i] = parts[0] + separator + " " + configPlaceholder
	}
	return strings.Join(lines, "\n")
}

func isSensitiveToken(value string) bool {
	for _, candidate := range []string{
		"token",
		"password",
		"passwd",
		"secret",
		"api-key",
		"api_key",
		"apikey",
		"auth",
		"bearer",
	} {
		if strings.Contains(value, candidate) {
			return true
		}
	}
	return false
}
