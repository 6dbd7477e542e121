package otelx_test

import (
	"context"
	"testing"

	"github.com/pushpals/pushpals/internal/otelx"
)

func TestInit_Disabled(t *testing.T) {
	p, err := otelx.Init(context.Background(), otelx.Config{Enabled: false})
	if err != nil {
		t.Fatalf("init disabled: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.Tracer == nil {
		t.Fatal("expected non-nil tracer (noop)")
	}
	if p.Meter == nil {
		t.Fatal("expected non-nil meter (noop)")
	}
}

func TestInit_Disabled_ShutdownNoop(t *testing.T) {
	p, err := otelx.Init(context.Background(), otelx.Config{Enabled: false})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInit_NoneExporter(t *testing.T) {
	p, err := otelx.Init(context.Background(), otelx.Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("init with none exporter: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.TracerProvider == nil {
		t.Fatal("expected non-nil TracerProvider")
	}
	if p.Tracer == nil {
		t.Fatal("expected non-nil Tracer")
	}
	if p.Meter == nil {
		t.Fatal("expected non-nil Meter")
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := otelx.Init(context.Background(), otelx.Config{
		Enabled:  true,
		Exporter: "magic-pixie-dust",
	})
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestInit_CustomServiceName(t *testing.T) {
	p, err := otelx.Init(context.Background(), otelx.Config{
		Enabled:     true,
		Exporter:    "none",
		ServiceName: "pushpals-coordinator",
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer p.Shutdown(context.Background())
}

func TestInit_SampleRate(t *testing.T) {
	p, err := otelx.Init(context.Background(), otelx.Config{
		Enabled:    true,
		Exporter:   "none",
		SampleRate: 0.5,
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer p.Shutdown(context.Background())
}

func TestInit_TracerCreatesSpans(t *testing.T) {
	p, err := otelx.Init(context.Background(), otelx.Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := p.Tracer.Start(context.Background(), "test.span")
	if span == nil {
		t.Fatal("expected non-nil span")
	}
	span.End()
}

func TestStartServerSpan(t *testing.T) {
	p, err := otelx.Init(context.Background(), otelx.Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := otelx.StartServerSpan(context.Background(), p.Tracer, "test.server",
		otelx.AttrMethod.String("GET"),
		otelx.AttrRoute.String("/healthz"),
	)
	span.End()
}
