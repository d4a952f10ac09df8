package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/rfletes45/snapstyle-sync/internal/config"
)

func restoreGlobals(t *testing.T) {
	t.Helper()
	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
}

func enabledCfg() config.OTELConfig {
	return config.OTELConfig{
		Enabled:     true,
		Insecure:    true,
		Endpoint:    "localhost:4317",
		ServiceName: "snapstyle-sync-test",
		SampleRatio: 1.0,
	}
}

func TestSetupOTel_DisabledIsNoOp(t *testing.T) {
	restoreGlobals(t)
	prev := otel.GetTracerProvider()

	shutdown, err := SetupOTel(context.Background(), config.OTELConfig{Enabled: false}, "v0")
	if err != nil {
		t.Fatalf("SetupOTel: %v", err)
	}
	if otel.GetTracerProvider() != prev {
		t.Fatalf("disabled setup replaced the global tracer provider")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("no-op shutdown: %v", err)
	}
}

func TestSetupOTel_InstallsProvider(t *testing.T) {
	restoreGlobals(t)

	shutdown, err := SetupOTel(context.Background(), enabledCfg(), "v1.0.0")
	if err != nil {
		t.Fatalf("SetupOTel: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("global provider is %T, want *sdktrace.TracerProvider", otel.GetTracerProvider())
	}

	// Spans must be creatable without a collector; export is batched and lazy.
	_, span := otel.Tracer("setup-test").Start(context.Background(), "probe")
	span.End()
}

func TestSetupOTel_TLSBranch(t *testing.T) {
	restoreGlobals(t)

	cfg := enabledCfg()
	cfg.Insecure = false
	shutdown, err := SetupOTel(context.Background(), cfg, "v1.0.0")
	if err != nil {
		t.Fatalf("SetupOTel with TLS creds: %v", err)
	}
	_ = shutdown(context.Background())
}

func TestSetupOTel_ErrorsLeaveGlobalsIntact(t *testing.T) {
	restoreGlobals(t)

	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()

	t.Run("exporter failure", func(t *testing.T) {
		orig := newOTLPExporterFn
		defer func() { newOTLPExporterFn = orig }()
		newOTLPExporterFn = func(ctx context.Context, client otlptrace.Client) (*otlptrace.Exporter, error) {
			return nil, errors.New("exporter down")
		}

		if _, err := SetupOTel(context.Background(), enabledCfg(), "v0"); err == nil {
			t.Fatalf("expected exporter error")
		}
	})

	t.Run("resource failure", func(t *testing.T) {
		orig := newServiceResourceFn
		defer func() { newServiceResourceFn = orig }()
		newServiceResourceFn = func(ctx context.Context, serviceName, version string) (*resource.Resource, error) {
			return nil, errors.New("resource down")
		}

		if _, err := SetupOTel(context.Background(), enabledCfg(), "v0"); err == nil {
			t.Fatalf("expected resource error")
		}
	})

	if otel.GetTracerProvider() != prevTP || otel.GetTextMapPropagator() != prevProp {
		t.Fatalf("failed setup mutated otel globals")
	}
}
