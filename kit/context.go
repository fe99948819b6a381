// Package kit holds small, dependency-free context-key helpers shared by
// the HTTP layer and the job controller: the per-request trace ID set by
// shield.TraceID, and the job ID the job controller attaches once a job is
// created. The job controller's logger carries the job ID, not the trace ID.
package kit

import "context"

type contextKey string

const (
	// TraceIDKey identifies the per-HTTP-request trace ID set by shield.TraceID.
	TraceIDKey contextKey = "kit_trace_id"
	// JobIDKey identifies the job a context belongs to, once assigned.
	JobIDKey contextKey = "kit_job_id"
)

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}

func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}

func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, JobIDKey, id)
}

func GetJobID(ctx context.Context) string {
	v, _ := ctx.Value(JobIDKey).(string)
	return v
}
