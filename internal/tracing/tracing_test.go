package tracing

import (
	"context"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestGetConfig_Defaults(t *testing.T) {
	cfg := GetConfig("fiso-stream")
	if cfg.Enabled || !cfg.Insecure {
		t.Errorf("expected disabled insecure defaults, got %+v", cfg)
	}
	if cfg.Endpoint != "localhost:4317" || cfg.SampleRatio != 1 || cfg.ServiceName != "fiso-stream" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestGetConfig_Env(t *testing.T) {
	t.Setenv("FISO_OTEL_ENABLED", "TRUE")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "false")
	t.Setenv("FISO_OTEL_SAMPLE_RATIO", "0.25")

	cfg := GetConfig("fiso-stream")
	if !cfg.Enabled || cfg.Insecure {
		t.Errorf("expected enabled secure config, got %+v", cfg)
	}
	if cfg.Endpoint != "collector:4317" || cfg.SampleRatio != 0.25 {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

func TestGetConfig_InvalidValuesKeepDefaults(t *testing.T) {
	for _, ratio := range []string{"0", "2.5", "abc"} {
		t.Run(ratio, func(t *testing.T) {
			t.Setenv("FISO_OTEL_ENABLED", "maybe")
			t.Setenv("FISO_OTEL_SAMPLE_RATIO", ratio)
			cfg := GetConfig("fiso-stream")
			if cfg.Enabled || cfg.SampleRatio != 1 {
				t.Errorf("expected defaults, got %+v", cfg)
			}
		})
	}
}

func TestStartSpan_NilTracer(t *testing.T) {
	ctx := context.Background()
	got, span := StartSpan(ctx, nil, SpanDispatch)
	if got != ctx {
		t.Error("expected context to be returned unchanged")
	}
	SetSpanOK(span)
	SetSpanError(span, nil)
	if IsTraced(got) {
		t.Error("expected no recording span")
	}
}

func TestBatchAttrs(t *testing.T) {
	attrs := BatchAttrs("orders", "arn:stream", "shard-1", 5, "100", "104")
	if len(attrs) != 6 {
		t.Fatalf("expected 6 attributes, got %d", len(attrs))
	}
	if attrs[3].Value.AsInt64() != 5 {
		t.Errorf("expected batch size 5, got %v", attrs[3].Value.AsInt64())
	}
}

func TestInitialize_DisabledInstallsPropagator(t *testing.T) {
	tracer, shutdown, err := Initialize(Config{ServiceName: "fiso-stream"}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tracer == nil {
		t.Fatal("expected non-nil tracer")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("unexpected shutdown error: %v", err)
	}

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	carrier := propagation.MapCarrier{}
	Propagator().Inject(trace.ContextWithSpanContext(context.Background(), sc), carrier)
	if carrier.Get("traceparent") == "" {
		t.Errorf("expected traceparent to be injected, got %v", carrier)
	}
}
