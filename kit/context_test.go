package kit

import (
	"context"
	"testing"
)

func TestTraceIDRoundTrip(t *testing.T) {
	// WHAT: a trace ID stashed in a context comes back out unchanged.
	// WHY: shield.TraceID stores the ID with WithTraceID; GetTraceID must
	// hand back the same value.
	ctx := WithTraceID(context.Background(), "abc123")
	if got := GetTraceID(ctx); got != "abc123" {
		t.Fatalf("GetTraceID() = %q, want %q", got, "abc123")
	}
}

func TestTraceIDMissing(t *testing.T) {
	if got := GetTraceID(context.Background()); got != "" {
		t.Fatalf("GetTraceID() on bare context = %q, want empty", got)
	}
}

func TestJobIDRoundTrip(t *testing.T) {
	ctx := WithJobID(context.Background(), "job-1")
	if got := GetJobID(ctx); got != "job-1" {
		t.Fatalf("GetJobID() = %q, want %q", got, "job-1")
	}
}
