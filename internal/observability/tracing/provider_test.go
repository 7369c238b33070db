package tracing

import (
	"context"
	"testing"
)

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error = %v", err)
	}
}

func TestSampleRatioClamp(t *testing.T) {
	if sampleRatio(-1) != 1 || sampleRatio(2) != 1 {
		t.Fatalf("expected out-of-range ratio to fall back to 1")
	}
	if sampleRatio(0.25) != 0.25 {
		t.Fatalf("expected ratio preserved")
	}
}
