package otel

import (
	"context"
	"testing"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("disabled provider must still supply tracer and meter")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInit_StdoutExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "stdout"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if p.TracerProvider == nil {
		t.Fatal("enabled provider must have a tracer provider")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: "bogus"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestNewMetrics(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer func() { _ = p.Shutdown(context.Background()) }()

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	if m.RunDuration == nil || m.ActiveRuns == nil || m.CompletedRuns == nil {
		t.Fatal("instruments missing")
	}
	// Recording must not panic.
	m.ActiveRuns.Add(context.Background(), 1)
	m.RunDuration.Record(context.Background(), 0.5)
	m.ActiveRuns.Add(context.Background(), -1)
}
