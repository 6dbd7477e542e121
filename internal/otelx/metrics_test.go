package otelx_test

import (
	"context"
	"testing"

	"github.com/pushpals/pushpals/internal/otelx"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := otelx.Init(context.Background(), otelx.Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := otelx.NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	if m.RequestDuration == nil {
		t.Error("RequestDuration is nil")
	}
	if m.QueueWaitMs == nil {
		t.Error("QueueWaitMs is nil")
	}
	if m.DroppedEvents == nil {
		t.Error("DroppedEvents is nil")
	}
}

func TestNewMetrics_RecordingDoesNotPanic(t *testing.T) {
	p, err := otelx.Init(context.Background(), otelx.Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := otelx.NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	ctx := context.Background()
	m.RequestDuration.Record(ctx, 0.012)
	m.QueueWaitMs.Record(ctx, 450)
	m.DroppedEvents.Add(ctx, 1)
}
