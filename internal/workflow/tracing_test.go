package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// setupTestTracer installs a synchronous in-memory provider, which starts no
// background goroutines.
func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	prev := otel.GetTracerProvider()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})
	return exporter
}

func spansNamed(spans tracetest.SpanStubs, name string) tracetest.SpanStubs {
	var out tracetest.SpanStubs
	for _, s := range spans {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

func hasAttr(attrs []attribute.KeyValue, kv attribute.KeyValue) bool {
	for _, a := range attrs {
		if a.Key == kv.Key && a.Value.Emit() == kv.Value.Emit() {
			return true
		}
	}
	return false
}

func TestRun_SpansNestAttemptsUnderRun(t *testing.T) {
	exporter := setupTestTracer(t)
	inv := newScripted(nil)
	o := build(t, inv, buildOpts{}, WithIDGenerator(func() string { return "run-traced" }))

	_, err := o.Execute(context.Background(), nswContext())
	require.NoError(t, err)

	spans := exporter.GetSpans()
	runs := spansNamed(spans, "workflow.run")
	require.Len(t, runs, 1)
	root := runs[0]
	assert.Equal(t, codes.Unset, root.Status.Code)
	assert.True(t, hasAttr(root.Attributes, attribute.String("workflow.run_id", "run-traced")))
	assert.True(t, hasAttr(root.Attributes, attribute.String("workflow.jurisdiction", "NSW")))

	attempts := spansNamed(spans, "analyzer.attempt")
	require.Len(t, attempts, 14)
	seen := make(map[string]bool)
	for _, s := range attempts {
		assert.Equal(t, root.SpanContext.TraceID(), s.SpanContext.TraceID())
		assert.Equal(t, root.SpanContext.SpanID(), s.Parent.SpanID(), "attempt spans are children of the run span")
		for _, a := range s.Attributes {
			if a.Key == "analyzer.node" {
				seen[a.Value.AsString()] = true
			}
		}
	}
	assert.Len(t, seen, 14)
}

func TestRun_CancelledRunSpanHasErrorStatus(t *testing.T) {
	exporter := setupTestTracer(t)
	inv := newScripted(nil)
	o := build(t, inv, buildOpts{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.Execute(ctx, nswContext())
	require.Error(t, err)

	spans := exporter.GetSpans()
	assert.Empty(t, spansNamed(spans, "analyzer.attempt"))
	runs := spansNamed(spans, "workflow.run")
	require.Len(t, runs, 1)
	assert.Equal(t, codes.Error, runs[0].Status.Code)
	assert.Contains(t, runs[0].Status.Description, "context canceled")
}
