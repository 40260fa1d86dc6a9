package invariants

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInvariantViolationAddsEventToActiveSpan(t *testing.T) {
	previous := Enabled()
	SetEnabled(true)
	t.Cleanup(func() {
		SetEnabled(previous)
	})

	recorder, restore := installTracerProvider()
	defer restore()

	ctx, span := otel.Tracer("test/invariants").Start(context.Background(), "operation")
	InvariantViolation(ctx, InvariantResultRecordedOnce, SeverityError, ViolationDetails{
		WhatInvariant: "one result per task",
		WhereDetected: "results.Aggregator.Record",
		WhyViolated:   "second result for task-01",
		StackTrace:    "trace",
		Additional: map[string]string{
			"task_id": "task-01",
		},
	})
	span.End()

	events := spanEventsByName(recorder, "operation")
	require.Len(t, events, 1)
	assert.Equal(t, "invariant.violation", events[0].Name)
	assert.Equal(t, InvariantResultRecordedOnce, eventAttr(events[0], "invariant_name"))
	assert.Equal(t, SeverityError, eventAttr(events[0], "severity"))
	assert.Equal(t, "results.Aggregator.Record", eventAttr(events[0], "where_detected"))
	assert.Equal(t, "task-01", eventAttr(events[0], "context.task_id"))
}

func TestInvariantViolationDisabledSkipsEmission(t *testing.T) {
	previous := Enabled()
	SetEnabled(false)
	t.Cleanup(func() {
		SetEnabled(previous)
	})

	recorder, restore := installTracerProvider()
	defer restore()

	ctx, span := otel.Tracer("test/invariants").Start(context.Background(), "operation")
	InvariantViolation(ctx, InvariantStateTransitionLegal, SeverityError, ViolationDetails{
		WhereDetected: "registry.Transition",
	})
	span.End()

	events := spanEventsByName(recorder, "operation")
	require.Len(t, events, 0)
}

func TestPredefinedInvariantChecksEmitExpectedNames(t *testing.T) {
	previous := Enabled()
	SetEnabled(true)
	t.Cleanup(func() {
		SetEnabled(previous)
	})

	tests := []struct {
		name          string
		wantInvariant string
		run           func(ctx context.Context) bool
	}{
		{
			name:          "single_task_per_agent",
			wantInvariant: InvariantSingleTaskPerAgent,
			run: func(ctx context.Context) bool {
				return CheckSingleTaskPerAgent(ctx, "registry.Transition", "tmux-pr4", "task-01", "task-02")
			},
		},
		{
			name:          "result_recorded_once",
			wantInvariant: InvariantResultRecordedOnce,
			run: func(ctx context.Context) bool {
				return CheckResultRecordedOnce(ctx, "results.Aggregator.Record", "task-01", true)
			},
		},
		{
			name:          "workspace_clean_on_reuse",
			wantInvariant: InvariantWorkspaceCleanOnReuse,
			run: func(ctx context.Context) bool {
				return CheckWorkspaceCleanOnReuse(ctx, "workspace.Manager.FindReusable", "fix-login-3fa9c1", false, " M README.md")
			},
		},
		{
			name:          "batch_within_deadline",
			wantInvariant: InvariantBatchWithinDeadline,
			run: func(ctx context.Context) bool {
				return CheckBatchWithinDeadline(ctx, "orchestrator.Run", 3*time.Minute, 2*time.Minute)
			},
		},
		{
			name:          "state_transition_legal",
			wantInvariant: InvariantStateTransitionLegal,
			run: func(ctx context.Context) bool {
				return CheckStateTransitionLegal(ctx, "registry.Transition", "agent", "Dead", "Idle", false)
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			recorder, restore := installTracerProvider()
			defer restore()

			ctx, span := otel.Tracer("test/invariants").Start(context.Background(), "operation")
			assert.False(t, tt.run(ctx))
			span.End()

			events := spanEventsByName(recorder, "operation")
			require.Len(t, events, 1)
			assert.Equal(t, tt.wantInvariant, eventAttr(events[0], "invariant_name"))
		})
	}
}

func TestCheckWorkspaceCleanOnReuseUsesWarnSeverity(t *testing.T) {
	previous := Enabled()
	SetEnabled(true)
	t.Cleanup(func() {
		SetEnabled(previous)
	})

	recorder, restore := installTracerProvider()
	defer restore()

	ctx, span := otel.Tracer("test/invariants").Start(context.Background(), "operation")
	assert.False(t, CheckWorkspaceCleanOnReuse(ctx, "workspace.Manager.FindReusable", "tmux-pr9", false, "MERGE_HEAD present"))
	span.End()

	events := spanEventsByName(recorder, "operation")
	require.Len(t, events, 1)
	assert.Equal(t, SeverityWarn, eventAttr(events[0], "severity"))
	assert.Equal(t, "tmux-pr9", eventAttr(events[0], "context.workspace"))
}

func TestChecksPassWithoutEmitting(t *testing.T) {
	recorder, restore := installTracerProvider()
	defer restore()

	ctx, span := otel.Tracer("test/invariants").Start(context.Background(), "operation")
	assert.True(t, CheckSingleTaskPerAgent(ctx, "registry.Transition", "a", "", "task-01"))
	assert.True(t, CheckSingleTaskPerAgent(ctx, "registry.Transition", "a", "task-01", "task-01"))
	assert.True(t, CheckResultRecordedOnce(ctx, "results.Aggregator.Record", "task-01", false))
	assert.True(t, CheckBatchWithinDeadline(ctx, "orchestrator.Run", time.Minute, 0))
	span.End()

	require.Len(t, spanEventsByName(recorder, "operation"), 0)
}

func installTracerProvider() (*tracetest.SpanRecorder, func()) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)

	return recorder, func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			otel.Handle(err)
		}
		otel.SetTracerProvider(previous)
	}
}

func spanEventsByName(recorder *tracetest.SpanRecorder, spanName string) []sdktrace.Event {
	for _, finished := range recorder.Ended() {
		if finished.Name() != spanName {
			continue
		}
		return finished.Events()
	}
	return nil
}

func eventAttr(event sdktrace.Event, key string) string {
	for _, attr := range event.Attributes {
		if string(attr.Key) != key {
			continue
		}
		return attr.Value.AsString()
	}
	return ""
}
