package telemetry

import (
	"context"
	"testing"
)

func TestSetup_NoEndpointIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{ServiceName: "test"})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestTracer_StartsSpans(t *testing.T) {
	ctx, span := Tracer().Start(context.Background(), "test.span")
	defer span.End()
	if ctx == nil {
		t.Fatal("Start returned nil context")
	}
}
