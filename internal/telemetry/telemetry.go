package telemetry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ServiceName is the service.name resource attribute of every fleet span.
const ServiceName = "fleet"

const (
	flushTimeout = 5 * time.Second
	envEndpoint  = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// Span attribute keys shared by the orchestrator, registry, worker and tool runner.
const (
	KeyBatchID   = attribute.Key("fleet.batch.id")
	KeyTaskID    = attribute.Key("fleet.task.id")
	KeyAgentID   = attribute.Key("fleet.agent.id")
	KeyWorkspace = attribute.Key("fleet.workspace")
	KeyStatus    = attribute.Key("fleet.task.status")
	KeyTool      = attribute.Key("fleet.tool")
)

// BatchID tags a span with the batch it belongs to.
func BatchID(id string) attribute.KeyValue { return KeyBatchID.String(id) }

// TaskID tags a span with a task.
func TaskID(id string) attribute.KeyValue { return KeyTaskID.String(id) }

// AgentID tags a span with an agent, which is also its session and workspace name.
func AgentID(id string) attribute.KeyValue { return KeyAgentID.String(id) }

// Workspace tags a span with a worktree path.
func Workspace(path string) attribute.KeyValue { return KeyWorkspace.String(path) }

// Status tags a span with a task outcome.
func Status(status string) attribute.KeyValue { return KeyStatus.String(status) }

// Options describe the fleet process being traced.
type Options struct {
	// Endpoint is the resolved OTLP HTTP endpoint, see ResolveEndpoint.
	Endpoint string
	Version  string
	// RepoRoot and WorktreesRoot become resource attributes so traces from
	// different repositories can be told apart.
	RepoRoot      string
	WorktreesRoot string
}

// ResolveEndpoint picks the exporter endpoint: the CLI flag, then the standard
// OTLP environment variable, then the [otel] endpoint from config. ok is false
// when none is set and tracing should stay off.
func ResolveEndpoint(flag, configured string) (endpoint string, ok bool) {
	for _, candidate := range []string{flag, os.Getenv(envEndpoint), configured} {
		if value := normalizeEndpoint(candidate); value != "" {
			return value, true
		}
	}
	return "", false
}

// normalizeEndpoint accepts bare host:port values and prefixes a scheme.
func normalizeEndpoint(value string) string {
	value = strings.TrimSpace(value)
	if value == "" || strings.Contains(value, "://") {
		return value
	}
	return "http://" + value
}

var newExporter = func(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
	// TLS and headers follow the standard OTEL_EXPORTER_OTLP_* variables.
	return otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
}

// Init installs a batching OTLP tracer provider as the global provider.
// The returned shutdown flushes pending spans.
func Init(ctx context.Context, opts Options) (shutdown func(context.Context) error, err error) {
	endpoint := normalizeEndpoint(opts.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("telemetry endpoint is required")
	}
	exporter, err := newExporter(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter for %s: %w", endpoint, err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(processAttributes(opts)...))
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(flushTimeout)),
	)
	otel.SetTracerProvider(provider)

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, flushTimeout)
		defer cancel()
		return provider.Shutdown(ctx)
	}, nil
}

func processAttributes(opts Options) []attribute.KeyValue {
	version := strings.TrimSpace(opts.Version)
	if version == "" {
		version = "dev"
	}
	attrs := []attribute.KeyValue{
		attribute.String("service.name", ServiceName),
		attribute.String("service.version", version),
	}
	if env := strings.TrimSpace(os.Getenv("FLEET_ENV")); env != "" {
		attrs = append(attrs, attribute.String("deployment.environment", strings.ToLower(env)))
	}
	if root := strings.TrimSpace(opts.RepoRoot); root != "" {
		attrs = append(attrs,
			attribute.String("fleet.repo.root", root),
			attribute.String("fleet.repo.name", filepath.Base(root)),
		)
	}
	if root := strings.TrimSpace(opts.WorktreesRoot); root != "" {
		attrs = append(attrs, attribute.String("fleet.worktrees.root", root))
	}
	return attrs
}
