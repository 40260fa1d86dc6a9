package invariants

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// InvariantStateTransitionLegal requires agent transitions to follow the registry state machine.
	InvariantStateTransitionLegal = "state_transition_legal"
	// InvariantSingleTaskPerAgent requires an agent to hold at most one task at a time.
	InvariantSingleTaskPerAgent = "single_task_per_agent"
	// InvariantResultRecordedOnce requires exactly one result per submitted task.
	InvariantResultRecordedOnce = "result_recorded_once"
	// InvariantWorkspaceCleanOnReuse requires a reused worktree to carry no leftover VCS state.
	InvariantWorkspaceCleanOnReuse = "workspace_clean_on_reuse"
	// InvariantBatchWithinDeadline requires a batch to finish inside deadline plus reclaim grace.
	InvariantBatchWithinDeadline = "batch_within_deadline"
)

const (
	// SeverityWarn is used for non-fatal invariant violations.
	SeverityWarn = "warn"
	// SeverityError is used for fatal invariant violations.
	SeverityError = "error"
)

var invariantChecksEnabled atomic.Bool

func init() {
	invariantChecksEnabled.Store(true)
}

// ViolationDetails captures invariant violation context for telemetry events.
type ViolationDetails struct {
	WhatInvariant string
	WhereDetected string
	WhyViolated   string
	StackTrace    string
	Additional    map[string]string
}

// SetEnabled globally enables or disables invariant checks.
func SetEnabled(enabled bool) {
	invariantChecksEnabled.Store(enabled)
}

// Enabled reports whether invariant checks are currently enabled.
func Enabled() bool {
	return invariantChecksEnabled.Load()
}

// InvariantViolation emits an invariant.violation telemetry event on the active span.
// If the context has no active span, a short synthetic span is created for observability.
func InvariantViolation(
	ctx context.Context,
	invariantName string,
	severity string,
	details ViolationDetails,
) {
	if !Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	invariantName = strings.TrimSpace(invariantName)
	if invariantName == "" {
		invariantName = "unknown_invariant"
	}
	severity = normalizeSeverity(severity)

	attrs := []attribute.KeyValue{
		attribute.String("invariant_name", invariantName),
		attribute.String("severity", severity),
		attribute.String("what_invariant", strings.TrimSpace(details.WhatInvariant)),
		attribute.String("where_detected", strings.TrimSpace(details.WhereDetected)),
		attribute.String("why_violated", strings.TrimSpace(details.WhyViolated)),
	}
	if stack := strings.TrimSpace(details.StackTrace); stack != "" {
		attrs = append(attrs, attribute.String("stack_trace", stack))
	}

	if len(details.Additional) > 0 {
		keys := make([]string, 0, len(details.Additional))
		for key := range details.Additional {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			value := strings.TrimSpace(details.Additional[key])
			if value == "" {
				continue
			}
			attrs = append(attrs, attribute.String("context."+key, value))
		}
	}

	span := trace.SpanFromContext(ctx)
	if span != nil && span.SpanContext().IsValid() {
		span.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
		return
	}

	tracedCtx, temporarySpan := otel.Tracer("fleet/invariants").Start(ctx, "invariant.violation")
	defer temporarySpan.End()
	temporarySpan.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
	_ = tracedCtx
}

// CheckSingleTaskPerAgent validates the single_task_per_agent invariant.
func CheckSingleTaskPerAgent(ctx context.Context, whereDetected, agentID, currentTaskID, nextTaskID string) bool {
	currentTaskID = strings.TrimSpace(currentTaskID)
	if currentTaskID == "" || currentTaskID == strings.TrimSpace(nextTaskID) {
		return true
	}
	InvariantViolation(ctx, InvariantSingleTaskPerAgent, SeverityError, ViolationDetails{
		WhatInvariant: "agent executes one task at a time",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("agent=%s holds task=%s while assigned task=%s", agentID, currentTaskID, nextTaskID),
		Additional: map[string]string{
			"agent_id":     strings.TrimSpace(agentID),
			"current_task": currentTaskID,
			"next_task":    strings.TrimSpace(nextTaskID),
		},
	})
	return false
}

// CheckResultRecordedOnce validates the result_recorded_once invariant.
func CheckResultRecordedOnce(ctx context.Context, whereDetected, taskID string, duplicate bool) bool {
	if !duplicate {
		return true
	}
	InvariantViolation(ctx, InvariantResultRecordedOnce, SeverityError, ViolationDetails{
		WhatInvariant: "each task produces exactly one result",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("second result recorded for task=%s", taskID),
		Additional: map[string]string{
			"task_id": strings.TrimSpace(taskID),
		},
	})
	return false
}

// CheckWorkspaceCleanOnReuse validates the workspace_clean_on_reuse invariant.
func CheckWorkspaceCleanOnReuse(ctx context.Context, whereDetected, workspace string, clean bool, statusPreview string) bool {
	if clean {
		return true
	}
	InvariantViolation(ctx, InvariantWorkspaceCleanOnReuse, SeverityWarn, ViolationDetails{
		WhatInvariant: "reused worktree has no uncommitted or in-progress VCS state",
		WhereDetected: whereDetected,
		WhyViolated:   firstNonEmpty(statusPreview, "worktree contains leftover state"),
		Additional: map[string]string{
			"workspace": strings.TrimSpace(workspace),
		},
	})
	return false
}

// CheckBatchWithinDeadline validates the batch_within_deadline invariant.
func CheckBatchWithinDeadline(ctx context.Context, whereDetected string, elapsed, limit time.Duration) bool {
	if limit <= 0 || elapsed <= limit {
		return true
	}
	InvariantViolation(ctx, InvariantBatchWithinDeadline, SeverityError, ViolationDetails{
		WhatInvariant: "batch finishes within deadline plus reclaim grace",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("elapsed=%s exceeded limit=%s", elapsed, limit),
		Additional: map[string]string{
			"elapsed": elapsed.String(),
			"limit":   limit.String(),
		},
	})
	return false
}

// CheckStateTransitionLegal validates the state_transition_legal invariant.
func CheckStateTransitionLegal(
	ctx context.Context,
	whereDetected string,
	entityType string,
	fromState string,
	toState string,
	legal bool,
) bool {
	if legal {
		return true
	}
	InvariantViolation(ctx, InvariantStateTransitionLegal, SeverityError, ViolationDetails{
		WhatInvariant: "state machine transition is legal",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("illegal transition for entity=%s from=%s to=%s", entityType, fromState, toState),
		Additional: map[string]string{
			"entity_type": strings.TrimSpace(entityType),
			"from_state":  strings.TrimSpace(fromState),
			"to_state":    strings.TrimSpace(toState),
		},
	})
	return false
}

func normalizeSeverity(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case SeverityWarn:
		return SeverityWarn
	case SeverityError:
		return SeverityError
	default:
		return SeverityError
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
