package otel

import (
	"context"
	"testing"
)

func TestInit_DisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("init disabled: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("disabled provider should still expose tracer and meter")
	}
	// Spans and shutdown must work without a real exporter.
	_, span := StartSpan(context.Background(), p.Tracer, "turn")
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInit_StdoutExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "stdout", SampleRate: 0.5})
	if err != nil {
		t.Fatalf("init stdout: %v", err)
	}
	defer func() { _ = p.Shutdown(context.Background()) }()
	if p.TracerProvider == nil {
		t.Fatal("expected real tracer provider")
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: "jaeger"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestNewMetrics(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	if m.TurnDuration == nil || m.AdapterFallbacks == nil || m.ActiveSessions == nil {
		t.Fatal("expected all instruments to be created")
	}
	// Recording against a no-op meter must not panic.
	m.TurnDuration.Record(context.Background(), 0.1)
	m.Clarifications.Add(context.Background(), 1)
	m.ActiveSessions.Add(context.Background(), -1)
}
